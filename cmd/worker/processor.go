package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/jaimaaruthi/checkout-orchestrator/internal/aws"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/orders"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/pending"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/reconcile"
)

type AttemptStore interface {
	Get(ctx context.Context, attemptID string) (*pending.Attempt, error)
	UpdateStatus(ctx context.Context, attemptID string, expected, newStatus pending.Status, note string) error
	IncrementAttempts(ctx context.Context, attemptID, lastErr string) (int, error)
	Delete(ctx context.Context, attemptID string) error
}

type Persister interface {
	Persist(ctx context.Context, key string, req orders.CreateRequest) (*orders.Created, error)
}

// Processor replays orders for payments that were taken but never confirmed.
type Processor struct {
	pending     AttemptStore
	persister   Persister
	maxAttempts int
	log         *zap.Logger
}

func NewProcessor(store AttemptStore, persister Persister, maxAttempts int, log *zap.Logger) *Processor {
	return &Processor{pending: store, persister: persister, maxAttempts: maxAttempts, log: log}
}

// Handle processes an SQS batch. An error makes Lambda retry the batch; after
// the queue's receive limit the message lands in the DLQ.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) error {
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			p.log.Error("reconciliation failed", zap.String("message_id", rec.MessageId), zap.Error(err))
			return err
		}
	}
	return nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	var msg aws.ReconciliationMessage
	if err := json.Unmarshal([]byte(rec.Body), &msg); err != nil {
		return fmt.Errorf("invalid message body: %w", err)
	}
	if msg.AttemptID == "" {
		return errors.New("invalid message body: missing attempt_id")
	}

	log := p.log.With(
		zap.String("attempt_id", msg.AttemptID),
		zap.String("reason", msg.Reason),
		zap.String("correlation_id", msg.CorrelationID),
	)

	a, err := p.pending.Get(ctx, msg.AttemptID)
	if err != nil {
		return fmt.Errorf("load attempt %s: %w", msg.AttemptID, err)
	}
	if a == nil {
		log.Info("attempt already reconciled")
		return nil
	}
	log = log.With(zap.String("status", string(a.Status)), zap.String("payment_id", a.GatewayPaymentID))

	switch a.Status {
	case pending.StatusInProgress:
		if msg.IdempotencyKey != "" && msg.IdempotencyKey != msg.AttemptID {
			// the gateway named a payment the record never received
			log.Error("paid attempt has no recorded payment", zap.String("idempotency_key", msg.IdempotencyKey))
			return fmt.Errorf("attempt %s: payment %s not recorded", a.AttemptID, msg.IdempotencyKey)
		}
		log.Warn("charge never resolved, needs manual review against the gateway")
		return nil
	case pending.StatusNeedsReview:
		log.Error("payment held for manual review", zap.String("idempotency_key", reconcile.KeyFor(*a)), zap.String("note", a.LastError))
		return nil
	case pending.StatusAwaitingPersist, pending.StatusPersistFailed:
	default:
		return fmt.Errorf("attempt %s: unexpected status %q", a.AttemptID, a.Status)
	}

	if a.OrderPayload == "" {
		return fmt.Errorf("attempt %s: no order payload to replay", a.AttemptID)
	}
	var req orders.CreateRequest
	if err := json.Unmarshal([]byte(a.OrderPayload), &req); err != nil {
		return fmt.Errorf("attempt %s: decode order payload: %w", a.AttemptID, err)
	}

	key := reconcile.KeyFor(*a)
	if key == a.AttemptID && msg.IdempotencyKey != "" {
		key = msg.IdempotencyKey
	}

	created, err := p.persister.Persist(ctx, key, req)
	if err != nil {
		return p.replayFailed(ctx, a, err, log)
	}

	if err := p.pending.Delete(ctx, a.AttemptID); err != nil {
		return fmt.Errorf("clear attempt %s: %w", a.AttemptID, err)
	}
	log.Info("order confirmed by reconciliation", zap.String("order_id", created.ID))
	return nil
}

func (p *Processor) replayFailed(ctx context.Context, a *pending.Attempt, cause error, log *zap.Logger) error {
	if a.Status == pending.StatusAwaitingPersist {
		err := p.pending.UpdateStatus(ctx, a.AttemptID, pending.StatusAwaitingPersist, pending.StatusPersistFailed, cause.Error())
		if err != nil && !errors.Is(err, pending.ErrStatusMismatch) {
			log.Warn("mark attempt persist failed", zap.Error(err))
		}
	}

	n, err := p.pending.IncrementAttempts(ctx, a.AttemptID, cause.Error())
	if err != nil {
		log.Warn("count reconciliation attempt", zap.Error(err))
	}

	var apiErr *orders.APIError
	if errors.As(cause, &apiErr) && !apiErr.Retryable() {
		// the order API refused the payload; replaying it cannot succeed
		err := p.pending.UpdateStatus(ctx, a.AttemptID, pending.StatusPersistFailed, pending.StatusNeedsReview, cause.Error())
		if err == nil {
			log.Error("order rejected, payment held for manual review", zap.Int("status_code", apiErr.StatusCode), zap.Error(cause))
			return nil
		}
		log.Warn("hold attempt for review", zap.Error(err))
	}

	if p.maxAttempts > 0 && n >= p.maxAttempts {
		log.Error("reconciliation attempts exhausted", zap.Int("attempts", n), zap.Error(cause))
	}
	return fmt.Errorf("replay order for attempt %s: %w", a.AttemptID, cause)
}
