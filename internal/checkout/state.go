package checkout

import "fmt"

// State is a step of the checkout flow.
type State string

const (
	StateAddress             State = "ADDRESS"
	StatePaymentMethod       State = "PAYMENT_METHOD"
	StateSummary             State = "SUMMARY"
	StateCompleted           State = "COMPLETED"
	StatePendingVerification State = "PENDING_VERIFICATION"
	StateFailed              State = "FAILED"
	StateCancelled           State = "CANCELLED"
)

// IsTerminal reports whether the session has resolved. FAILED and CANCELLED
// still accept Retry.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StatePendingVerification, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Step is the UI step shown for the state.
func (s State) Step() string {
	switch s {
	case StateAddress:
		return "address"
	case StatePaymentMethod:
		return "payment"
	case StateSummary:
		return "summary"
	}
	return "outcome"
}

type Event string

const (
	EventAddressAccepted  Event = "AddressAccepted"
	EventMethodConfirmed  Event = "MethodConfirmed"
	EventEditAddress      Event = "EditAddress"
	EventEditMethod       Event = "EditMethod"
	EventOrderPlaced      Event = "OrderPlaced"
	EventPaymentSucceeded Event = "PaymentSucceeded"
	EventPaymentPending   Event = "PaymentPending"
	EventPaymentFailed    Event = "PaymentFailed"
	EventPaymentCancelled Event = "PaymentCancelled"
	EventRetry            Event = "Retry"
)

var transitions = map[State]map[Event]State{
	StateAddress: {
		EventAddressAccepted: StatePaymentMethod,
	},
	StatePaymentMethod: {
		EventMethodConfirmed: StateSummary,
		EventEditAddress:     StateAddress,
	},
	StateSummary: {
		EventEditAddress:      StateAddress,
		EventEditMethod:       StatePaymentMethod,
		EventOrderPlaced:      StateSummary,
		EventPaymentSucceeded: StateCompleted,
		EventPaymentPending:   StatePendingVerification,
		EventPaymentFailed:    StateFailed,
		EventPaymentCancelled: StateCancelled,
	},
	StateFailed: {
		EventRetry: StateSummary,
	},
	StateCancelled: {
		EventRetry: StateSummary,
	},
}

// Transition is the only place checkout states change. Guards (a valid
// address, a selected method) are checked by the Machine before it fires an event.
func Transition(from State, ev Event) (State, error) {
	to, ok := transitions[from][ev]
	if !ok {
		return from, fmt.Errorf("%w: %s in %s", ErrInvalidTransition, ev, from)
	}
	return to, nil
}
