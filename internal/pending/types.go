package pending

import (
	"errors"
	"time"
)

// Status of an in-flight checkout attempt.
type Status string

const (
	// StatusInProgress: the gateway charge has started and not resolved.
	StatusInProgress Status = "IN_PROGRESS"
	// StatusAwaitingPersist: money moved, the order has not been confirmed yet.
	StatusAwaitingPersist Status = "AWAITING_PERSIST"
	// StatusPersistFailed: money moved and order confirmation failed. Needs reconciliation.
	StatusPersistFailed Status = "PERSIST_FAILED"
	// StatusNeedsReview: the gateway named a payment that could not be verified or
	// confirmed automatically. Only an operator can settle it.
	StatusNeedsReview Status = "NEEDS_REVIEW"
)

var (
	ErrStatusMismatch = errors.New("status mismatch/conditional failed")
	ErrAlreadyExists  = errors.New("attempt already recorded")
)

// Attempt is the durable record of a payment attempt, kept until a terminal
// outcome clears it so that abandoned or unconfirmed charges can be reconciled.
type Attempt struct {
	AttemptID        string    `dynamodbav:"attempt_id" json:"attemptId"` // PK
	SessionID        string    `dynamodbav:"session_id" json:"sessionId"`
	Status           Status    `dynamodbav:"status" json:"status"`
	Method           string    `dynamodbav:"method" json:"method"`
	Amount           string    `dynamodbav:"amount" json:"amount"` // rupees, decimal string
	IdempotencyKey   string    `dynamodbav:"idempotency_key,omitempty" json:"idempotencyKey,omitempty"`
	GatewayOrderID   string    `dynamodbav:"gateway_order_id,omitempty" json:"gatewayOrderId,omitempty"`
	GatewayPaymentID string    `dynamodbav:"gateway_payment_id,omitempty" json:"gatewayPaymentId,omitempty"`
	Strategy         string    `dynamodbav:"strategy,omitempty" json:"strategy,omitempty"`
	PaymentStatus    string    `dynamodbav:"payment_status,omitempty" json:"paymentStatus,omitempty"`
	OrderPayload     string    `dynamodbav:"order_payload,omitempty" json:"-"` // JSON order request to replay
	LastError        string    `dynamodbav:"last_error,omitempty" json:"lastError,omitempty"`
	Attempts         int       `dynamodbav:"attempts,omitempty" json:"attempts"`
	CreatedAt        time.Time `dynamodbav:"created_at,unixtime" json:"createdAt"`
	UpdatedAt        time.Time `dynamodbav:"updated_at,unixtime" json:"updatedAt"`
}

// GatewayResult is what a resolved charge adds to the attempt.
type GatewayResult struct {
	IdempotencyKey   string
	GatewayOrderID   string
	GatewayPaymentID string
	Strategy         string
	PaymentStatus    string
	OrderPayload     string
}
