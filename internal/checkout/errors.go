package checkout

import (
	"errors"
	"fmt"
)

var (
	ErrBusy              = errors.New("a payment attempt is already in progress")
	ErrInvalidTransition = errors.New("invalid checkout transition")
	ErrEmptyCart         = errors.New("cart is empty")
)

const (
	msgOrderFailed        = "Failed to place order. Please try again."
	msgConfirmationFailed = "Payment was successful but order confirmation failed. Please contact support."
)

// PersistenceError is a failed order confirmation. PaymentTaken distinguishes
// "money moved, order missing" from a plain failure to place an order.
type PersistenceError struct {
	PaymentTaken bool
	AttemptID    string
	PaymentID    string
	Err          error
}

func (e *PersistenceError) Error() string {
	if e.PaymentTaken {
		return fmt.Sprintf("payment %s taken for attempt %s but order confirmation failed: %v", e.PaymentID, e.AttemptID, e.Err)
	}
	return fmt.Sprintf("order for attempt %s not placed: %v", e.AttemptID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Message is the text shown to the customer.
func (e *PersistenceError) Message() string {
	if e.PaymentTaken {
		return msgConfirmationFailed
	}
	return msgOrderFailed
}
