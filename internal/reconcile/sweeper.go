// Package reconcile finds payment attempts that never reached a confirmed order
// and hands them to the reconciliation queue.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jaimaaruthi/checkout-orchestrator/internal/aws"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/pending"
)

type Lister interface {
	ListStale(ctx context.Context, olderThan time.Duration) ([]pending.Attempt, error)
}

type Enqueuer interface {
	SendReconciliation(ctx context.Context, msg aws.ReconciliationMessage) error
}

// Report summarises one sweep.
type Report struct {
	Scanned  int      `json:"scanned"`
	Enqueued []string `json:"enqueued"`
	// Review holds charges that never resolved or were held for an operator.
	Review []string `json:"review"`
	Failed []string `json:"failed"`
}

type Sweeper struct {
	pending    Lister
	queue      Enqueuer
	staleAfter time.Duration
	log        *zap.Logger
}

func NewSweeper(l Lister, q Enqueuer, staleAfter time.Duration, log *zap.Logger) *Sweeper {
	return &Sweeper{pending: l, queue: q, staleAfter: staleAfter, log: log}
}

// Sweep enqueues every stale attempt that holds a replayable order.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	attempts, err := s.pending.ListStale(ctx, s.staleAfter)
	if err != nil {
		return Report{}, fmt.Errorf("list stale attempts: %w", err)
	}

	rep := Report{Scanned: len(attempts), Enqueued: []string{}, Review: []string{}, Failed: []string{}}
	for _, a := range attempts {
		log := s.log.With(zap.String("attempt_id", a.AttemptID), zap.String("status", string(a.Status)))

		switch a.Status {
		case pending.StatusInProgress:
			log.Warn("stale unresolved charge needs manual review", zap.String("method", a.Method))
			rep.Review = append(rep.Review, a.AttemptID)
			continue
		case pending.StatusNeedsReview:
			log.Warn("payment held for manual review", zap.String("payment_id", a.GatewayPaymentID), zap.String("note", a.LastError))
			rep.Review = append(rep.Review, a.AttemptID)
			continue
		}

		err := s.queue.SendReconciliation(ctx, aws.ReconciliationMessage{
			AttemptID:      a.AttemptID,
			IdempotencyKey: KeyFor(a),
			Reason:         "stale_" + string(a.Status),
			CorrelationID:  a.SessionID,
		})
		if err != nil {
			log.Error("enqueue reconciliation", zap.Error(err))
			rep.Failed = append(rep.Failed, a.AttemptID)
			continue
		}
		rep.Enqueued = append(rep.Enqueued, a.AttemptID)
	}

	s.log.Info("reconciliation sweep",
		zap.Int("scanned", rep.Scanned),
		zap.Int("enqueued", len(rep.Enqueued)),
		zap.Int("review", len(rep.Review)),
		zap.Int("failed", len(rep.Failed)),
	)
	return rep, nil
}

// KeyFor is the idempotency key an attempt's order is persisted under.
func KeyFor(a pending.Attempt) string {
	if a.IdempotencyKey != "" {
		return a.IdempotencyKey
	}
	if a.GatewayPaymentID != "" {
		return a.GatewayPaymentID
	}
	return a.AttemptID
}
