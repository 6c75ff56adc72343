package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jaimaaruthi/checkout-orchestrator/internal/aws"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/aws/dynamotest"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/bridge"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/checkout"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/gateway"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/orders"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/payment"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/pending"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/reconcile"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/validation"
)

func init() { gin.SetMode(gin.TestMode) }

// stubLibrary opens a modal that is resolved by whoever answers the presenter.
type stubLibrary struct {
	gate chan struct{}
}

func (l stubLibrary) Open(ctx context.Context, opts gateway.CheckoutOptions, p gateway.Presenter) (gateway.Modal, error) {
	if l.gate != nil {
		select {
		case <-l.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	opts.OrderID = "order_h1"
	return stubModal{opts: opts, p: p}, nil
}

type stubModal struct {
	opts gateway.CheckoutOptions
	p    gateway.Presenter
}

func (m stubModal) Wait(ctx context.Context) (gateway.ModalResult, error) {
	res, err := m.p.Present(ctx, m.opts)
	if err == nil && res.Kind == gateway.ModalSuccess && res.OrderID == "" {
		res.OrderID = m.opts.OrderID
	}
	return res, err
}

type fakePersister struct {
	mu   sync.Mutex
	err  error
	keys []string
}

func (f *fakePersister) Persist(_ context.Context, key string, _ orders.CreateRequest) (*orders.Created, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	if f.err != nil {
		return nil, f.err
	}
	return &orders.Created{ID: "ord_" + key, OrderNumber: "JM-2001"}, nil
}

func (f *fakePersister) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

type fakeQueue struct {
	mu   sync.Mutex
	msgs []aws.ReconciliationMessage
}

func (q *fakeQueue) SendReconciliation(_ context.Context, m aws.ReconciliationMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, m)
	return nil
}

type harness struct {
	router    *gin.Engine
	persister *fakePersister
	queue     *fakeQueue
	pending   *pending.Store
}

func newHarness(t *testing.T, lib stubLibrary, stepTimeout time.Duration) *harness {
	t.Helper()
	h := &harness{
		persister: &fakePersister{},
		queue:     &fakeQueue{},
		pending:   pending.NewStore(dynamotest.New().WithTable("pending", "attempt_id"), "pending"),
	}
	adapter := gateway.NewAdapter(
		gateway.Config{MerchantName: "Test Store"},
		gateway.NewLibraryHandle(gateway.LoaderFunc(func(context.Context) (gateway.Library, error) { return lib, nil })),
		nil,
		zap.NewNop(),
	)
	machine := checkout.NewMachine(checkout.Deps{
		Validator:  validation.NewAddressValidator(),
		Gateway:    adapter,
		Persister:  h.persister,
		Pending:    h.pending,
		Reconciler: h.queue,
	}, zap.NewNop())

	h.router = gin.New()
	RegisterCheckoutRoutes(h.router, CheckoutConfig{
		Machine:            machine,
		Methods:            []payment.Method{payment.MethodGateway, payment.MethodCashOnDelivery},
		InteractionTimeout: time.Minute,
		StepTimeout:        stepTimeout,
		Log:                zap.NewNop(),
	})
	RegisterReconciliationRoutes(h.router, ReconciliationConfig{
		Pending: h.pending,
		Sweeper: reconcile.NewSweeper(h.pending, h.queue, 0, zap.NewNop()),
		Log:     zap.NewNop(),
	})
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) stepResponse {
	t.Helper()
	var resp stepResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

var cart = gin.H{
	"items":        []gin.H{{"productId": "p1", "name": "LED Bulb", "quantity": 2, "price": 199.5}, {"productId": "p2", "name": "Switch", "quantity": 1, "price": 100}},
	"orderSummary": gin.H{"subtotal": 499, "shipping": 0, "tax": 0, "total": 499},
	"email":        "ravi@example.com",
}

var address = gin.H{
	"name":    "Ravi Kumar",
	"phone":   "98765 43210",
	"address": "12 Gandhi Road, Anna Nagar",
	"city":    "Chennai",
	"state":   "Tamil Nadu",
	"pincode": "600040",
}

// toSummary walks a new checkout to the summary step with method selected.
func (h *harness) toSummary(t *testing.T, method string) string {
	t.Helper()
	w := h.do(t, http.MethodPost, "/checkouts", cart)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode(t, w).Checkout.ID

	require.Equal(t, http.StatusOK, h.do(t, http.MethodPut, "/checkouts/"+id+"/address", address).Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPut, "/checkouts/"+id+"/payment-method", gin.H{"method": method}).Code)
	w = h.do(t, http.MethodPost, "/checkouts/"+id+"/summary", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, checkout.StateSummary, decode(t, w).Checkout.State)
	return id
}

func TestCheckout_GatewayPaymentEndToEnd(t *testing.T) {
	h := newHarness(t, stubLibrary{}, 2*time.Second)

	w := h.do(t, http.MethodPost, "/checkouts", cart)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decode(t, w)
	id := resp.Checkout.ID
	assert.Equal(t, "/checkouts/"+id, w.Header().Get("Location"))
	assert.Equal(t, checkout.StateAddress, resp.Checkout.State)
	assert.Equal(t, []payment.Method{payment.MethodGateway, payment.MethodCashOnDelivery}, resp.Checkout.AvailableMethods)

	// every failing field is reported at once
	w = h.do(t, http.MethodPut, "/checkouts/"+id+"/address", gin.H{"name": "R"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var verr struct {
		Fields map[string]string `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &verr))
	for _, f := range []string{"name", "phone", "address", "city", "state", "pincode"} {
		assert.Contains(t, verr.Fields, f)
	}

	require.Equal(t, http.StatusOK, h.do(t, http.MethodPut, "/checkouts/"+id+"/address", address).Code)

	w = h.do(t, http.MethodPut, "/checkouts/"+id+"/payment-method", gin.H{"method": "card"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "payment_method_not_supported", decode(t, w).Error)

	w = h.do(t, http.MethodPut, "/checkouts/"+id+"/payment-method", gin.H{"method": "bitcoin"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	require.Equal(t, http.StatusOK, h.do(t, http.MethodPut, "/checkouts/"+id+"/payment-method", gin.H{"method": "gateway"}).Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/checkouts/"+id+"/summary", nil).Code)

	w = h.do(t, http.MethodPost, "/checkouts/"+id+"/place-order", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp = decode(t, w)
	require.NotNil(t, resp.Interaction)
	assert.Equal(t, bridge.KindModal, resp.Interaction.Kind)
	assert.Equal(t, int64(49900), resp.Interaction.Checkout.Amount)
	assert.Equal(t, "Ravi Kumar", resp.Interaction.Checkout.Prefill.Name)
	assert.True(t, resp.Checkout.Loading)

	// the pending attempt is durable while the modal is open
	w = h.do(t, http.MethodGet, "/reconciliation/pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = h.do(t, http.MethodPost, "/checkouts/"+id+"/interactions", gin.H{
		"interactionId": resp.Interaction.ID,
		"modal":         gin.H{"kind": "success", "razorpay_payment_id": "pay_h1", "razorpay_signature": "sig"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp = decode(t, w)
	assert.Equal(t, checkout.StateCompleted, resp.Checkout.State)
	require.NotNil(t, resp.Checkout.Result)
	require.NotNil(t, resp.Checkout.Result.Handoff)
	assert.Equal(t, "ord_pay_h1", resp.Checkout.Result.Handoff.OrderID)
	assert.Equal(t, 499.0, resp.Checkout.Result.Handoff.Amount)
	assert.Equal(t, "Online Payment", resp.Checkout.Result.Handoff.PaymentMethodLabel)
	assert.Equal(t, []string{"pay_h1"}, h.persister.calls())

	// the pending attempt is cleared once the order is confirmed
	w = h.do(t, http.MethodGet, "/reconciliation/pending", nil)
	assert.Contains(t, w.Body.String(), `"count":0`)

	w = h.do(t, http.MethodPost, "/checkouts/"+id+"/place-order", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_transition", decode(t, w).Error)
	assert.Len(t, h.persister.calls(), 1)
}

func TestCheckout_SecondPlaceOrderWhileBusy(t *testing.T) {
	h := newHarness(t, stubLibrary{}, 2*time.Second)
	id := h.toSummary(t, "gateway")

	w := h.do(t, http.MethodPost, "/checkouts/"+id+"/place-order", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	first := decode(t, w)

	w = h.do(t, http.MethodPost, "/checkouts/"+id+"/place-order", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "payment_in_progress", decode(t, w).Error)

	// the modal is still waiting and can be fetched again
	w = h.do(t, http.MethodGet, "/checkouts/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	again := decode(t, w)
	require.NotNil(t, again.Interaction)
	assert.Equal(t, first.Interaction.ID, again.Interaction.ID)

	w = h.do(t, http.MethodPost, "/checkouts/"+id+"/edit", gin.H{"step": "address"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCheckout_DismissThenRetry(t *testing.T) {
	h := newHarness(t, stubLibrary{}, 2*time.Second)
	id := h.toSummary(t, "gateway")

	w := h.do(t, http.MethodPost, "/checkouts/"+id+"/place-order", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	resp := decode(t, w)
	firstAttempt := resp.Checkout.AttemptID

	w = h.do(t, http.MethodPost, "/checkouts/"+id+"/interactions", gin.H{
		"interactionId": resp.Interaction.ID,
		"modal":         gin.H{"kind": "dismissed"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp = decode(t, w)
	assert.Equal(t, checkout.StateCancelled, resp.Checkout.State)
	assert.Empty(t, h.persister.calls())

	w = h.do(t, http.MethodPost, "/checkouts/"+id+"/retry", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode(t, w)
	assert.Equal(t, checkout.StateSummary, resp.Checkout.State)
	assert.NotEqual(t, firstAttempt, resp.Checkout.AttemptID)
	assert.Equal(t, payment.MethodGateway, resp.Checkout.Method)
}

func TestCheckout_InteractionReplyErrors(t *testing.T) {
	h := newHarness(t, stubLibrary{}, 2*time.Second)
	id := h.toSummary(t, "gateway")

	w := h.do(t, http.MethodPost, "/checkouts/"+id+"/interactions", gin.H{"interactionId": "nope", "confirmed": true})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(t, http.MethodPost, "/checkouts/"+id+"/place-order", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	in := decode(t, w).Interaction
	require.NotNil(t, in)

	w = h.do(t, http.MethodPost, "/checkouts/"+id+"/interactions", gin.H{"interactionId": in.ID, "confirmed": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_reply", decode(t, w).Error)

	w = h.do(t, http.MethodPost, "/checkouts/"+id+"/interactions", gin.H{"interactionId": "other", "modal": gin.H{"kind": "dismissed"}})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "stale_interaction", decode(t, w).Error)

	w = h.do(t, http.MethodPost, "/checkouts/"+id+"/interactions", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCheckout_AbandonKeepsPendingAttempt(t *testing.T) {
	h := newHarness(t, stubLibrary{}, 2*time.Second)
	id := h.toSummary(t, "gateway")

	w := h.do(t, http.MethodPost, "/checkouts/"+id+"/place-order", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/checkouts/"+id, nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/checkouts/"+id, nil).Code)

	w = h.do(t, http.MethodGet, "/reconciliation/pending", nil)
	assert.Contains(t, w.Body.String(), `"count":1`)
	assert.Contains(t, w.Body.String(), `"status":"IN_PROGRESS"`)
	assert.Empty(t, h.persister.calls())
}

func TestCheckout_SlowStepReportsProcessing(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, stubLibrary{gate: gate}, 20*time.Millisecond)
	id := h.toSummary(t, "gateway")

	w := h.do(t, http.MethodPost, "/checkouts/"+id+"/place-order", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	resp := decode(t, w)
	assert.True(t, resp.Processing)
	assert.Nil(t, resp.Interaction)

	close(gate)
	assert.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/checkouts/"+id, nil)
		w := httptest.NewRecorder()
		h.router.ServeHTTP(w, req)
		var resp stepResponse
		return json.Unmarshal(w.Body.Bytes(), &resp) == nil && resp.Interaction != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCheckout_CashOnDelivery(t *testing.T) {
	h := newHarness(t, stubLibrary{}, 2*time.Second)
	id := h.toSummary(t, "cashOnDelivery")

	w := h.do(t, http.MethodPost, "/checkouts/"+id+"/place-order", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode(t, w)
	assert.Equal(t, checkout.StateCompleted, resp.Checkout.State)
	assert.Equal(t, "Cash on Delivery", resp.Checkout.Result.Handoff.PaymentMethodLabel)
	assert.Equal(t, []string{resp.Checkout.AttemptID}, h.persister.calls())
}

func TestCheckout_OrderFailures(t *testing.T) {
	t.Run("cash on delivery stays on summary", func(t *testing.T) {
		h := newHarness(t, stubLibrary{}, 2*time.Second)
		h.persister.err = &orders.APIError{StatusCode: 500, Message: "db down"}
		id := h.toSummary(t, "cashOnDelivery")

		w := h.do(t, http.MethodPost, "/checkouts/"+id+"/place-order", nil)
		require.Equal(t, http.StatusBadGateway, w.Code)
		resp := decode(t, w)
		assert.Equal(t, "order_failed", resp.Error)
		assert.Equal(t, "Failed to place order. Please try again.", resp.Message)
		assert.Equal(t, checkout.StateSummary, resp.Checkout.State)
	})

	t.Run("paid order needs reconciliation", func(t *testing.T) {
		h := newHarness(t, stubLibrary{}, 2*time.Second)
		h.persister.err = errors.New("connection reset")
		id := h.toSummary(t, "gateway")

		w := h.do(t, http.MethodPost, "/checkouts/"+id+"/place-order", nil)
		require.Equal(t, http.StatusAccepted, w.Code)
		in := decode(t, w).Interaction

		w = h.do(t, http.MethodPost, "/checkouts/"+id+"/interactions", gin.H{
			"interactionId": in.ID,
			"modal":         gin.H{"kind": "success", "razorpay_payment_id": "pay_lost"},
		})
		require.Equal(t, http.StatusBadGateway, w.Code, w.Body.String())
		resp := decode(t, w)
		assert.Equal(t, "order_confirmation_failed", resp.Error)
		assert.Equal(t, "Payment was successful but order confirmation failed. Please contact support.", resp.Message)
		require.NotNil(t, resp.Checkout.Result)
		assert.True(t, resp.Checkout.Result.ReconciliationRequired)
		require.NotNil(t, resp.Checkout.Payment)
		assert.Equal(t, "pay_lost", resp.Checkout.Payment.GatewayPaymentID)

		require.Len(t, h.queue.msgs, 1)
		assert.Equal(t, "pay_lost", h.queue.msgs[0].IdempotencyKey)

		w = h.do(t, http.MethodGet, "/reconciliation/pending", nil)
		assert.Contains(t, w.Body.String(), `"status":"PERSIST_FAILED"`)

		w = h.do(t, http.MethodPost, "/reconciliation/sweep", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var rep reconcile.Report
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
		assert.Equal(t, []string{resp.Checkout.Result.AttemptID}, rep.Enqueued)
	})
}

func TestCheckout_NotFoundAndBadInput(t *testing.T) {
	h := newHarness(t, stubLibrary{}, time.Second)

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/checkouts/missing", nil).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/checkouts", gin.H{"items": []gin.H{}}).Code)

	bad := gin.H{
		"items":        cart["items"],
		"orderSummary": gin.H{"subtotal": 450, "shipping": 0, "tax": 0, "total": 450},
	}
	w := h.do(t, http.MethodPost, "/checkouts", bad)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "subtotal")

	w = h.do(t, http.MethodPost, "/checkouts", cart)
	id := decode(t, w).Checkout.ID
	w = h.do(t, http.MethodPost, "/checkouts/"+id+"/summary", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(t, http.MethodPost, "/checkouts/"+id+"/edit", gin.H{"step": "shipping"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodGet, "/reconciliation/pending?olderThan=soon", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type failingSweeper struct{}

func (failingSweeper) Sweep(context.Context) (reconcile.Report, error) {
	return reconcile.Report{}, errors.New("scan throttled")
}

func TestReconciliation_SweepFailure(t *testing.T) {
	r := gin.New()
	RegisterReconciliationRoutes(r, ReconciliationConfig{
		Pending: pending.NewStore(dynamotest.New().WithTable("p", "attempt_id"), "p"),
		Sweeper: failingSweeper{},
		Log:     zap.NewNop(),
	})
	req := httptest.NewRequest(http.MethodPost, "/reconciliation/sweep", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "sweep_failed")
}
