package checkout

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jaimaaruthi/checkout-orchestrator/internal/aws"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/aws/dynamotest"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/gateway"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/orders"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/payment"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/pending"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/validation"
)

const pendingTable = "pending"

type fakeCharger struct {
	mu      sync.Mutex
	calls   int
	last    gateway.ChargeRequest
	outcome gateway.Outcome
	err     error
	entered chan struct{}
	release chan struct{}
}

func (f *fakeCharger) Charge(ctx context.Context, req gateway.ChargeRequest, ui gateway.UI) (gateway.Outcome, error) {
	f.mu.Lock()
	f.calls++
	f.last = req
	f.mu.Unlock()

	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return gateway.Outcome{}, ctx.Err()
		}
	}
	return f.outcome, f.err
}

func (f *fakeCharger) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type persistCall struct {
	key string
	req orders.CreateRequest
}

type fakePersister struct {
	mu    sync.Mutex
	calls []persistCall
	err   error
}

func (f *fakePersister) Persist(ctx context.Context, key string, req orders.CreateRequest) (*orders.Created, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, persistCall{key: key, req: req})
	if f.err != nil {
		return nil, f.err
	}
	return &orders.Created{ID: "ord_1", OrderNumber: "ORD-1001"}, nil
}

func (f *fakePersister) Calls() []persistCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]persistCall(nil), f.calls...)
}

type fakeReconciler struct {
	mu   sync.Mutex
	msgs []aws.ReconciliationMessage
}

func (f *fakeReconciler) SendReconciliation(ctx context.Context, msg aws.ReconciliationMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []string
	reconcil int
}

func (f *fakeRecorder) Outcome(ctx context.Context, method, state, strategy string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, method+"/"+state)
}

func (f *fakeRecorder) ReconciliationRequired(ctx context.Context, method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconcil++
}

type harness struct {
	machine   *Machine
	charger   *fakeCharger
	persister *fakePersister
	pending   *pending.Store
	db        *dynamotest.Fake
	recon     *fakeReconciler
	recorder  *fakeRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := dynamotest.New().WithTable(pendingTable, "attempt_id")
	h := &harness{
		charger: &fakeCharger{outcome: gateway.Outcome{
			Status:           gateway.StatusCompleted,
			Strategy:         gateway.StrategyEmbedded,
			GatewayOrderID:   "order_1",
			GatewayPaymentID: "pay_123",
			Signature:        "sig",
			AmountMinor:      49900,
			ResolvedAt:       time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		}},
		persister: &fakePersister{},
		pending:   pending.NewStore(db, pendingTable),
		db:        db,
		recon:     &fakeReconciler{},
		recorder:  &fakeRecorder{},
	}
	h.machine = NewMachine(Deps{
		Validator:  validation.NewAddressValidator(),
		Gateway:    h.charger,
		Persister:  h.persister,
		Pending:    h.pending,
		Reconciler: h.recon,
		Recorder:   h.recorder,
	}, zap.NewNop())
	return h
}

func validAddress() validation.CustomerDetails {
	return validation.CustomerDetails{
		Name:    "Ravi Kumar",
		Phone:   "+91 98765 43210",
		Email:   "ravi@example.com",
		Address: "12 Gandhi Road, Anna Nagar",
		City:    "Chennai",
		State:   "Tamil Nadu",
		Pincode: "600040",
	}
}

func newCart(t *testing.T, total float64) *Session {
	t.Helper()
	s, err := NewSession(
		[]validation.Item{{ProductID: "p1", Name: "Modular Switch", Quantity: 1, Price: total}},
		validation.Summary{Subtotal: total, Total: total},
		"ravi@example.com",
		payment.NewSelector(payment.MethodGateway, payment.MethodCashOnDelivery),
	)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}

// atSummary walks a fresh session to SUMMARY with method selected.
func (h *harness) atSummary(t *testing.T, method payment.Method, total float64) *Session {
	t.Helper()
	s := newCart(t, total)
	if _, err := h.machine.SubmitAddress(s, validAddress()); err != nil {
		t.Fatalf("submit address: %v", err)
	}
	if err := h.machine.SelectMethod(s, method); err != nil {
		t.Fatalf("select method: %v", err)
	}
	if err := h.machine.ConfirmMethod(s); err != nil {
		t.Fatalf("confirm method: %v", err)
	}
	return s
}
