package checkout

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jaimaaruthi/checkout-orchestrator/internal/gateway"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/payment"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/pending"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/validation"
)

func TestNewSession_EmptyCart(t *testing.T) {
	_, err := NewSession(nil, validation.Summary{Total: 10}, "", payment.NewSelector(payment.MethodGateway))
	assert.ErrorIs(t, err, ErrEmptyCart)
}

func TestSubmitAddress_ReportsEveryFieldAndBlocks(t *testing.T) {
	h := newHarness(t)
	s := newCart(t, 499)

	res, err := h.machine.SubmitAddress(s, validation.CustomerDetails{Name: "R4vi", Phone: "12345", Pincode: "0600"})
	var verr *validation.Error
	require.True(t, errors.As(err, &verr))
	assert.False(t, res.IsValid)
	for _, f := range []string{"name", "phone", "address", "city", "state", "pincode"} {
		assert.Contains(t, verr.Fields, f)
	}
	assert.Equal(t, StateAddress, s.State())
}

func TestCanEnterSummary_RequiresAddressAndMethod(t *testing.T) {
	h := newHarness(t)
	s := newCart(t, 499)

	// neither
	assert.False(t, h.machine.CanEnterSummary(s))
	assert.ErrorIs(t, h.machine.ConfirmMethod(s), ErrInvalidTransition)

	// address only
	_, err := h.machine.SubmitAddress(s, validAddress())
	require.NoError(t, err)
	assert.False(t, h.machine.CanEnterSummary(s))
	assert.ErrorIs(t, h.machine.ConfirmMethod(s), payment.ErrNoSelection)
	assert.Equal(t, StatePaymentMethod, s.State())

	// unsupported method leaves the selection unset
	assert.ErrorIs(t, h.machine.SelectMethod(s, payment.MethodCard), payment.ErrMethodNotSupported)
	assert.False(t, h.machine.CanEnterSummary(s))

	// both
	require.NoError(t, h.machine.SelectMethod(s, payment.MethodGateway))
	assert.True(t, h.machine.CanEnterSummary(s))
	require.NoError(t, h.machine.ConfirmMethod(s))
	assert.Equal(t, StateSummary, s.State())

	// an invalid edit invalidates the address while the method stays selected
	require.NoError(t, h.machine.EditAddress(s))
	_, err = h.machine.SubmitAddress(s, validation.CustomerDetails{Name: "Ravi"})
	require.Error(t, err)
	assert.False(t, h.machine.CanEnterSummary(s))
	_, selected := s.Selector().Selected()
	assert.True(t, selected)
}

func TestPlaceOrder_GatewaySuccessPersistsOnce(t *testing.T) {
	h := newHarness(t)
	s := h.atSummary(t, payment.MethodGateway, 499)
	attemptID := s.AttemptID()

	res, err := h.machine.PlaceOrder(context.Background(), s, gateway.UI{})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, s.State())
	calls := h.persister.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "pay_123", calls[0].key)
	pd := calls[0].req.PaymentDetails
	assert.Equal(t, "completed", pd.Status)
	assert.Equal(t, 499.0, pd.Amount)
	assert.Equal(t, "pay_123", pd.RazorpayPaymentID)
	assert.Equal(t, "order_1", pd.RazorpayOrderID)
	assert.Equal(t, attemptID, pd.AttemptID)
	assert.Equal(t, "Ravi", calls[0].req.CustomerDetails.FirstName)
	assert.Equal(t, "9876543210", calls[0].req.CustomerDetails.Phone)

	require.NotNil(t, res.Handoff)
	assert.Equal(t, "ord_1", res.Handoff.OrderID)
	assert.Equal(t, "ORD-1001", res.Handoff.OrderNumber)
	assert.Equal(t, "Online Payment", res.Handoff.PaymentMethodLabel)
	assert.Equal(t, 499.0, res.Handoff.Amount)
	assert.False(t, res.Handoff.IsPending)
	assert.False(t, res.ReconciliationRequired)

	assert.Equal(t, "499", h.charger.last.Amount.String())
	assert.Equal(t, "Ravi Kumar", h.charger.last.Prefill.Name)
	assert.Zero(t, h.db.Len(pendingTable), "pending attempt cleared on terminal outcome")
}

func TestPlaceOrder_CancelledNeverPersists(t *testing.T) {
	h := newHarness(t)
	h.charger.outcome = gateway.Outcome{Status: gateway.StatusCancelled, Strategy: gateway.StrategyEmbedded}
	s := h.atSummary(t, payment.MethodGateway, 499)

	res, err := h.machine.PlaceOrder(context.Background(), s, gateway.UI{})
	require.NoError(t, err)

	assert.Equal(t, StateCancelled, s.State())
	assert.Equal(t, StateCancelled, res.State)
	assert.Empty(t, h.persister.Calls())
	assert.Zero(t, h.db.Len(pendingTable))
}

func TestPlaceOrder_PendingVerificationNeverCompleted(t *testing.T) {
	h := newHarness(t)
	h.charger.outcome = gateway.Outcome{Status: gateway.StatusPendingVerification, Strategy: gateway.StrategyHostedPage, PaymentLink: "https://pages.example.com/store"}
	s := h.atSummary(t, payment.MethodGateway, 499)
	attemptID := s.AttemptID()

	res, err := h.machine.PlaceOrder(context.Background(), s, gateway.UI{})
	require.NoError(t, err)

	assert.Equal(t, StatePendingVerification, s.State())
	assert.NotEqual(t, StateCompleted, res.State)
	require.NotNil(t, res.Handoff)
	assert.True(t, res.Handoff.IsPending)

	calls := h.persister.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, attemptID, calls[0].key, "no payment id, so the attempt id keys the order")
	assert.Equal(t, "pending_verification", calls[0].req.PaymentDetails.Status)
	assert.Equal(t, "https://pages.example.com/store", calls[0].req.PaymentDetails.PaymentLink)
}

func TestPlaceOrder_LoadFailureWithConfirmedFallbackIsPending(t *testing.T) {
	h := newHarness(t)
	adapter := gateway.NewAdapter(
		gateway.Config{HostedPageURL: "https://pages.example.com/store"},
		gateway.NewLibraryHandle(gateway.LoaderFunc(func(ctx context.Context) (gateway.Library, error) {
			return nil, errors.New("script blocked")
		})),
		nil,
		zap.NewNop(),
	)
	h.machine.deps.Gateway = adapter
	s := h.atSummary(t, payment.MethodGateway, 499)

	ui := gateway.UI{Confirmer: yesConfirmer{}, Opener: okOpener{}}
	res, err := h.machine.PlaceOrder(context.Background(), s, ui)
	require.NoError(t, err)
	assert.Equal(t, StatePendingVerification, res.State)
	assert.Equal(t, StatePendingVerification, s.State())
}

type yesConfirmer struct{}

func (yesConfirmer) Confirm(context.Context, gateway.Prompt) (bool, error) { return true, nil }

type okOpener struct{}

func (okOpener) Open(context.Context, gateway.Strategy, string) (bool, error) { return true, nil }

func TestPlaceOrder_FailedThenRetry(t *testing.T) {
	h := newHarness(t)
	h.charger.outcome = gateway.Outcome{Status: gateway.StatusFailed, Reason: gateway.ReasonPopupBlocked, Strategy: gateway.StrategyHostedPage}
	s := h.atSummary(t, payment.MethodGateway, 499)
	first := s.AttemptID()

	res, err := h.machine.PlaceOrder(context.Background(), s, gateway.UI{})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, gateway.ReasonPopupBlocked, res.Reason)
	assert.Contains(t, res.Message, "blocked")
	assert.Empty(t, h.persister.Calls())

	// outcome screens are final until Retry
	assert.ErrorIs(t, h.machine.EditAddress(s), ErrInvalidTransition)

	require.NoError(t, h.machine.Retry(s))
	assert.Equal(t, StateSummary, s.State())
	assert.NotEqual(t, first, s.AttemptID())
	assert.True(t, h.machine.CanEnterSummary(s), "address and method retained")
	assert.Nil(t, s.Result())
}

func TestPlaceOrder_PersistFailureAfterPaymentIsDistinct(t *testing.T) {
	h := newHarness(t)
	h.persister.err = errors.New("orders api 503")
	s := h.atSummary(t, payment.MethodGateway, 499)
	attemptID := s.AttemptID()

	res, err := h.machine.PlaceOrder(context.Background(), s, gateway.UI{})

	var perr *PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.True(t, perr.PaymentTaken)
	assert.Equal(t, "pay_123", perr.PaymentID)

	require.NotNil(t, res)
	assert.True(t, res.ReconciliationRequired)
	assert.Equal(t, msgConfirmationFailed, res.Message)
	assert.NotEqual(t, failureMessage(gateway.ReasonGatewayError), res.Message)
	assert.Equal(t, StateCompleted, s.State(), "the payment outcome is not rewritten as a failure")

	// payment metadata stays addressable
	rec, err := h.pending.Get(context.Background(), attemptID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, pending.StatusPersistFailed, rec.Status)
	assert.Equal(t, "pay_123", rec.GatewayPaymentID)
	assert.Equal(t, "pay_123", rec.IdempotencyKey)
	assert.Contains(t, rec.OrderPayload, `"razorpay_payment_id":"pay_123"`)

	require.Len(t, h.recon.msgs, 1)
	assert.Equal(t, attemptID, h.recon.msgs[0].AttemptID)
	assert.Equal(t, 1, h.recorder.reconcil)
}

func TestPlaceOrder_UnverifiedPaymentHeldForReview(t *testing.T) {
	h := newHarness(t)
	h.charger.outcome = gateway.Outcome{
		Status:           gateway.StatusFailed,
		Strategy:         gateway.StrategyEmbedded,
		Reason:           gateway.ReasonSignatureMismatch,
		GatewayOrderID:   "order_9",
		GatewayPaymentID: "pay_999",
	}
	s := h.atSummary(t, payment.MethodGateway, 499)
	attemptID := s.AttemptID()

	res, err := h.machine.PlaceOrder(context.Background(), s, gateway.UI{})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, s.State())
	assert.True(t, res.ReconciliationRequired)
	assert.Equal(t, failureMessage(gateway.ReasonSignatureMismatch), res.Message)
	assert.Empty(t, h.persister.Calls(), "an unverified payment is never confirmed automatically")

	rec, err := h.pending.Get(context.Background(), attemptID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, pending.StatusNeedsReview, rec.Status)
	assert.Equal(t, "pay_999", rec.GatewayPaymentID)
	assert.Equal(t, "pay_999", rec.IdempotencyKey)
	assert.Equal(t, string(gateway.ReasonSignatureMismatch), rec.LastError)
	assert.Contains(t, rec.OrderPayload, `"razorpay_payment_id":"pay_999"`)

	require.Len(t, h.recon.msgs, 1)
	assert.Equal(t, attemptID, h.recon.msgs[0].AttemptID)
	assert.Equal(t, "pay_999", h.recon.msgs[0].IdempotencyKey)
	assert.Equal(t, 1, h.recorder.reconcil)

	// the customer may try again; the held record stays under the old attempt
	require.NoError(t, h.machine.Retry(s))
	assert.NotEqual(t, attemptID, s.AttemptID())
	assert.Equal(t, 1, h.db.Len(pendingTable))
}

func TestPlaceOrder_PaymentKeptWhenStatusWritesAndPersistFail(t *testing.T) {
	h := newHarness(t)
	h.persister.err = errors.New("orders api 503")
	h.db.FailOn("UpdateItem", errors.New("throttled"))
	s := h.atSummary(t, payment.MethodGateway, 499)
	attemptID := s.AttemptID()

	res, err := h.machine.PlaceOrder(context.Background(), s, gateway.UI{})
	var perr *PersistenceError
	require.True(t, errors.As(err, &perr))
	require.NotNil(t, res)
	assert.True(t, res.ReconciliationRequired)

	rec, err := h.pending.Get(context.Background(), attemptID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, pending.StatusPersistFailed, rec.Status)
	assert.Equal(t, "pay_123", rec.GatewayPaymentID)
	assert.Equal(t, "pay_123", rec.IdempotencyKey)
	assert.Equal(t, "orders api 503", rec.LastError)
	assert.Contains(t, rec.OrderPayload, `"razorpay_payment_id":"pay_123"`)
	require.Len(t, h.recon.msgs, 1)
}

func TestEdit_RefusedOnceAttemptHasStarted(t *testing.T) {
	h := newHarness(t)
	s := h.atSummary(t, payment.MethodGateway, 499)

	// the edit queues on the session lock while an attempt raises the gate
	s.mu.Lock()
	done := make(chan error, 1)
	go func() { done <- h.machine.EditAddress(s) }()
	s.loading.Store(true)
	s.mu.Unlock()

	assert.ErrorIs(t, <-done, ErrBusy)
	assert.Equal(t, StateSummary, s.State())
	s.loading.Store(false)
	require.NoError(t, h.machine.EditAddress(s))
}

func TestPlaceOrder_DoubleClickPersistsOnce(t *testing.T) {
	h := newHarness(t)
	h.charger.entered = make(chan struct{}, 1)
	h.charger.release = make(chan struct{})
	s := h.atSummary(t, payment.MethodGateway, 499)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := h.machine.PlaceOrder(context.Background(), s, gateway.UI{})
		assert.NoError(t, err)
	}()
	<-h.charger.entered

	assert.True(t, s.Loading())
	_, err := h.machine.PlaceOrder(context.Background(), s, gateway.UI{})
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, h.machine.EditMethod(s), ErrBusy)

	close(h.charger.release)
	wg.Wait()

	assert.Equal(t, 1, h.charger.Calls())
	assert.Len(t, h.persister.Calls(), 1)
	assert.False(t, s.Loading())
}

func TestPlaceOrder_ConcurrentClicksPersistOnce(t *testing.T) {
	h := newHarness(t)
	h.charger.release = make(chan struct{})
	s := h.atSummary(t, payment.MethodGateway, 499)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// late callers see ErrBusy or, once resolved, ErrInvalidTransition
			_, _ = h.machine.PlaceOrder(context.Background(), s, gateway.UI{})
		}()
	}
	for h.charger.Calls() == 0 {
		runtime.Gosched()
	}
	close(h.charger.release)
	wg.Wait()

	assert.Len(t, h.persister.Calls(), 1)
	assert.Equal(t, 1, h.charger.Calls())
	assert.Equal(t, StateCompleted, s.State())
}

func TestPlaceOrder_InvalidAmountRejectedBeforeGateway(t *testing.T) {
	for _, total := range []float64{0, -5, 0.004} {
		h := newHarness(t)
		s := h.atSummary(t, payment.MethodGateway, 1)
		s.order.Summary.Total = total

		_, err := h.machine.PlaceOrder(context.Background(), s, gateway.UI{})
		assert.ErrorIs(t, err, gateway.ErrInvalidAmount)
		assert.Zero(t, h.charger.Calls())
		assert.Zero(t, h.db.Len(pendingTable))
		assert.Equal(t, StateSummary, s.State())
	}
}

func TestPlaceOrder_AbandonedChargeKeepsPendingAttempt(t *testing.T) {
	h := newHarness(t)
	h.charger.release = make(chan struct{})
	s := h.atSummary(t, payment.MethodGateway, 499)
	first := s.AttemptID()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.machine.PlaceOrder(ctx, s, gateway.UI{})
	require.ErrorIs(t, err, context.Canceled)

	rec, err := h.pending.Get(context.Background(), first)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, pending.StatusInProgress, rec.Status)
	assert.Equal(t, StateSummary, s.State())
	assert.NotEqual(t, first, s.AttemptID())
	assert.Empty(t, h.persister.Calls())
}

func TestPlaceOrder_CashOnDelivery(t *testing.T) {
	h := newHarness(t)
	s := h.atSummary(t, payment.MethodCashOnDelivery, 1250)
	attemptID := s.AttemptID()

	res, err := h.machine.PlaceOrder(context.Background(), s, gateway.UI{})
	require.NoError(t, err)

	assert.Zero(t, h.charger.Calls())
	assert.Equal(t, StateCompleted, s.State())
	calls := h.persister.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, attemptID, calls[0].key)
	assert.Equal(t, "pending", calls[0].req.PaymentDetails.Status)
	assert.Equal(t, "cashOnDelivery", calls[0].req.PaymentDetails.Method)
	assert.Equal(t, "Cash on Delivery", res.Handoff.PaymentMethodLabel)
	assert.Equal(t, "Order placed successfully!", res.Handoff.Message)
	assert.Zero(t, h.db.Len(pendingTable))
}

func TestPlaceOrder_CashOnDeliveryPersistFailureStaysOnSummary(t *testing.T) {
	h := newHarness(t)
	h.persister.err = errors.New("connection refused")
	s := h.atSummary(t, payment.MethodCashOnDelivery, 1250)
	attemptID := s.AttemptID()

	res, err := h.machine.PlaceOrder(context.Background(), s, gateway.UI{})
	assert.Nil(t, res)

	var perr *PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.False(t, perr.PaymentTaken)
	assert.Equal(t, msgOrderFailed, perr.Message())
	assert.Equal(t, StateSummary, s.State())
	assert.Equal(t, attemptID, s.AttemptID(), "same attempt id so the retry reuses the idempotency key")
	assert.Empty(t, h.recon.msgs)
}

func TestPlaceOrder_OnlyFromSummary(t *testing.T) {
	h := newHarness(t)
	s := newCart(t, 499)

	_, err := h.machine.PlaceOrder(context.Background(), s, gateway.UI{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.False(t, s.Loading())
}

func TestView_Snapshot(t *testing.T) {
	h := newHarness(t)
	s := h.atSummary(t, payment.MethodGateway, 499)

	v := s.View()
	assert.Equal(t, "summary", v.Step)
	assert.True(t, v.CanEnterSummary)
	assert.Equal(t, payment.MethodGateway, v.Method)
	require.NotNil(t, v.Customer)
	assert.Equal(t, "9876543210", v.Customer.Phone)
	assert.Equal(t, []payment.Method{payment.MethodGateway, payment.MethodCashOnDelivery}, v.AvailableMethods)
}
