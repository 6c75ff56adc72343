package idempotency

import (
	"errors"
	"time"
)

// Ledger row statuses.
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

var (
	// ErrConditionFailed means the row was not in the status a write expected.
	ErrConditionFailed = errors.New("conditional check failed")
	// ErrInFlight means another caller holds the key and has not finished.
	ErrInFlight = errors.New("idempotency key in flight")
)

// IdempotencyRecord is the shape persisted in the idempotency DynamoDB table.
// The key is the gateway payment id when one exists, else the attempt id.
type IdempotencyRecord struct {
	IdempotencyKey string    `dynamodbav:"idempotency_key"` // PK
	Status         string    `dynamodbav:"status"`
	AttemptID      string    `dynamodbav:"attempt_id"`
	OrderID        string    `dynamodbav:"order_id,omitempty"`        // backend order id once DONE
	ResponseBody   string    `dynamodbav:"response_body,omitempty"`   // created-order JSON
	ResponseStatus int       `dynamodbav:"response_status,omitempty"` // e.g., 201
	CreatedAt      time.Time `dynamodbav:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
	ExpiresAt      int64     `dynamodbav:"expires_at"` // TTL epoch seconds
	Note           string    `dynamodbav:"note,omitempty"`
}
