package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/jaimaaruthi/checkout-orchestrator/internal/idempotency"
)

// Creator creates orders in the backend.
type Creator interface {
	Create(ctx context.Context, req CreateRequest) (*Created, error)
}

// Ledger is the idempotency store the persister claims keys in.
type Ledger interface {
	CreateIfNotExists(ctx context.Context, key, attemptID string) (bool, error)
	Get(ctx context.Context, key string) (*idempotency.IdempotencyRecord, error)
	MarkDone(ctx context.Context, key, orderID, responseBody string, responseStatus int) error
	MarkFailed(ctx context.Context, key, note string) error
	Reopen(ctx context.Context, key string) (bool, error)
}

// IdempotentPersister calls the order API at most once per idempotency key.
type IdempotentPersister struct {
	creator Creator
	ledger  Ledger
	log     *zap.Logger
}

func NewIdempotentPersister(creator Creator, ledger Ledger, log *zap.Logger) *IdempotentPersister {
	return &IdempotentPersister{creator: creator, ledger: ledger, log: log}
}

// Persist creates the order for key. A key that already completed returns the
// stored order without calling the API again.
func (p *IdempotentPersister) Persist(ctx context.Context, key string, req CreateRequest) (*Created, error) {
	log := p.log.With(zap.String("idempotency_key", key), zap.String("attempt_id", req.PaymentDetails.AttemptID))

	claimed, err := p.ledger.CreateIfNotExists(ctx, key, req.PaymentDetails.AttemptID)
	if err != nil {
		return nil, fmt.Errorf("claim idempotency key: %w", err)
	}

	if !claimed {
		rec, err := p.ledger.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read idempotency key: %w", err)
		}
		if rec == nil {
			return nil, fmt.Errorf("idempotency key %s vanished", key)
		}

		switch rec.Status {
		case idempotency.StatusDone:
			log.Info("order already created for key", zap.String("order_id", rec.OrderID))
			return storedResponse(rec)
		case idempotency.StatusInProgress:
			return nil, idempotency.ErrInFlight
		case idempotency.StatusFailed:
			reopened, err := p.ledger.Reopen(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("reopen idempotency key: %w", err)
			}
			if !reopened {
				return nil, idempotency.ErrInFlight
			}
			log.Info("retrying previously failed order creation")
		default:
			return nil, fmt.Errorf("unknown idempotency status %q", rec.Status)
		}
	}

	created, err := p.creator.Create(ctx, req)
	if err != nil {
		if merr := p.ledger.MarkFailed(context.WithoutCancel(ctx), key, err.Error()); merr != nil {
			log.Error("mark idempotency failed", zap.Error(merr))
		}
		return nil, err
	}

	body, err := json.Marshal(created)
	if err != nil {
		return nil, fmt.Errorf("marshal created order: %w", err)
	}
	if err := p.ledger.MarkDone(context.WithoutCancel(ctx), key, created.ID, string(body), http.StatusCreated); err != nil {
		// the order exists; a stale IN_PROGRESS key only blocks replays
		log.Error("mark idempotency done", zap.String("order_id", created.ID), zap.Error(err))
	}
	log.Info("order created", zap.String("order_id", created.ID))
	return created, nil
}

func storedResponse(rec *idempotency.IdempotencyRecord) (*Created, error) {
	var created Created
	if rec.ResponseBody != "" {
		if err := json.Unmarshal([]byte(rec.ResponseBody), &created); err != nil {
			return nil, fmt.Errorf("decode stored response: %w", err)
		}
	}
	if created.ID == "" {
		created.ID = rec.OrderID
	}
	if created.ID == "" {
		return nil, errors.New("stored response has no order id")
	}
	return &created, nil
}
