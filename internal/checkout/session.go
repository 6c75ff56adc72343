package checkout

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jaimaaruthi/checkout-orchestrator/internal/gateway"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/orders"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/payment"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/validation"
)

// Order is the in-progress order owned by the session until it is persisted.
type Order struct {
	Items    []validation.Item          `json:"items"`
	Customer validation.CustomerDetails `json:"customer"`
	Summary  validation.Summary         `json:"orderSummary"`
}

// PaymentRecord is created once a payment attempt resolves, or immediately
// for methods settled outside the gateway.
type PaymentRecord struct {
	Method           payment.Method   `json:"method"`
	Status           gateway.Status   `json:"status"`
	BusinessStatus   string           `json:"businessStatus"`
	Strategy         gateway.Strategy `json:"strategy,omitempty"`
	GatewayOrderID   string           `json:"gatewayOrderId,omitempty"`
	GatewayPaymentID string           `json:"gatewayPaymentId,omitempty"`
	Signature        string           `json:"-"`
	PaymentLink      string           `json:"paymentLink,omitempty"`
	Amount           decimal.Decimal  `json:"amount"`
	Timestamp        time.Time        `json:"timestamp"`
}

// Handoff is passed to the outcome screen on terminal resolution.
type Handoff struct {
	Message            string               `json:"message"`
	OrderID            string               `json:"orderId"`
	OrderNumber        string               `json:"orderNumber"`
	PaymentMethodLabel string               `json:"paymentMethod"`
	Amount             float64              `json:"amount"`
	OrderData          orders.CreateRequest `json:"orderData"`
	IsPending          bool                 `json:"isPending,omitempty"`
	PendingMessage     string               `json:"pendingMessage,omitempty"`
}

// Result is what a PlaceOrder call resolved to.
type Result struct {
	State                  State            `json:"state"`
	AttemptID              string           `json:"attemptId"`
	Message                string           `json:"message"`
	Reason                 gateway.Reason   `json:"reason,omitempty"`
	Outcome                *gateway.Outcome `json:"outcome,omitempty"`
	Handoff                *Handoff         `json:"handoff,omitempty"`
	ReconciliationRequired bool             `json:"reconciliationRequired"`
}

// Session is one checkout. It is owned by the caller and passed to every Machine operation.
type Session struct {
	id        string
	email     string
	selector  *payment.Selector
	createdAt time.Time

	loading atomic.Bool

	mu           sync.RWMutex
	state        State
	attemptID    string
	order        Order
	addressValid bool
	payment      *PaymentRecord
	result       *Result
}

// NewSession starts a checkout for a cart. A session without cart contents
// cannot exist: the caller sends the customer back to the cart.
func NewSession(items []validation.Item, summary validation.Summary, email string, selector *payment.Selector) (*Session, error) {
	if len(items) == 0 {
		return nil, ErrEmptyCart
	}
	if selector == nil {
		return nil, fmt.Errorf("new session: nil payment selector")
	}
	return &Session{
		id:        uuid.NewString(),
		email:     email,
		selector:  selector,
		createdAt: time.Now().UTC(),
		state:     StateAddress,
		attemptID: uuid.NewString(),
		order: Order{
			Items:   append([]validation.Item(nil), items...),
			Summary: summary,
		},
	}, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) AttemptID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attemptID
}

// Loading reports whether a payment attempt is in flight.
func (s *Session) Loading() bool { return s.loading.Load() }

func (s *Session) Selector() *payment.Selector { return s.selector }

func (s *Session) Result() *Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result
}

// View is a read-only snapshot for rendering.
type View struct {
	ID               string                      `json:"id"`
	AttemptID        string                      `json:"attemptId"`
	State            State                       `json:"state"`
	Step             string                      `json:"currentStep"`
	Items            []validation.Item           `json:"items"`
	Summary          validation.Summary          `json:"orderSummary"`
	Customer         *validation.CustomerDetails `json:"customer,omitempty"`
	AddressValid     bool                        `json:"addressValid"`
	Method           payment.Method              `json:"method,omitempty"`
	AvailableMethods []payment.Method            `json:"availableMethods"`
	CanEnterSummary  bool                        `json:"canEnterSummary"`
	Loading          bool                        `json:"loading"`
	Payment          *PaymentRecord              `json:"payment,omitempty"`
	Result           *Result                     `json:"result,omitempty"`
}

func (s *Session) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	method, _ := s.selector.Selected()
	v := View{
		ID:               s.id,
		AttemptID:        s.attemptID,
		State:            s.state,
		Step:             s.state.Step(),
		Items:            s.order.Items,
		Summary:          s.order.Summary,
		AddressValid:     s.addressValid,
		Method:           method,
		AvailableMethods: s.selector.Available(),
		CanEnterSummary:  s.canEnterSummaryLocked(),
		Loading:          s.loading.Load(),
		Payment:          s.payment,
		Result:           s.result,
	}
	if s.addressValid {
		c := s.order.Customer
		v.Customer = &c
	}
	return v
}

func (s *Session) canEnterSummaryLocked() bool {
	_, selected := s.selector.Selected()
	return s.addressValid && selected
}

// lockIdle takes s.mu unless a payment attempt is in flight. PlaceOrder raises
// the gate before it takes s.mu, so a check under the lock cannot interleave
// with an attempt that has already read the session.
func (s *Session) lockIdle() bool {
	s.mu.Lock()
	if s.loading.Load() {
		s.mu.Unlock()
		return false
	}
	return true
}

// fire applies ev. Callers hold s.mu.
func (s *Session) fire(ev Event) error {
	to, err := Transition(s.state, ev)
	if err != nil {
		return err
	}
	s.state = to
	return nil
}
