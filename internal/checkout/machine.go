package checkout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jaimaaruthi/checkout-orchestrator/internal/aws"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/gateway"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/orders"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/payment"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/pending"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/validation"
)

type AddressValidator interface {
	Validate(fields validation.CustomerDetails) validation.Result
}

type Charger interface {
	Charge(ctx context.Context, req gateway.ChargeRequest, ui gateway.UI) (gateway.Outcome, error)
}

type Persister interface {
	Persist(ctx context.Context, key string, req orders.CreateRequest) (*orders.Created, error)
}

// PendingStore keeps in-flight attempts durable until a terminal outcome clears them.
type PendingStore interface {
	Save(ctx context.Context, a pending.Attempt) error
	RecordGateway(ctx context.Context, attemptID string, g pending.GatewayResult) error
	Put(ctx context.Context, a pending.Attempt) error
	Delete(ctx context.Context, attemptID string) error
}

type Reconciler interface {
	SendReconciliation(ctx context.Context, msg aws.ReconciliationMessage) error
}

type Recorder interface {
	Outcome(ctx context.Context, method, state, strategy string)
	ReconciliationRequired(ctx context.Context, method string)
}

type Deps struct {
	Validator  AddressValidator
	Gateway    Charger
	Persister  Persister
	Pending    PendingStore
	Reconciler Reconciler
	Recorder   Recorder
	// PersistTimeout bounds order confirmation, which runs even if the caller went away.
	PersistTimeout time.Duration
}

// Machine drives sessions through the checkout states.
type Machine struct {
	deps Deps
	log  *zap.Logger
	now  func() time.Time
}

func NewMachine(deps Deps, log *zap.Logger) *Machine {
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.PersistTimeout == 0 {
		deps.PersistTimeout = 20 * time.Second
	}
	return &Machine{deps: deps, log: log, now: time.Now}
}

// CanEnterSummary holds exactly when the address is valid and a method is selected.
func (m *Machine) CanEnterSummary(s *Session) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.canEnterSummaryLocked()
}

// SubmitAddress validates the delivery address and advances to method selection.
// All field errors are returned together as a *validation.Error.
func (m *Machine) SubmitAddress(s *Session, fields validation.CustomerDetails) (validation.Result, error) {
	if !s.lockIdle() {
		return validation.Result{}, ErrBusy
	}
	defer s.mu.Unlock()

	if _, err := Transition(s.state, EventAddressAccepted); err != nil {
		return validation.Result{}, err
	}

	res := m.deps.Validator.Validate(fields)
	if !res.IsValid {
		s.addressValid = false
		return res, res.Err()
	}

	s.order.Customer = res.Normalized
	s.addressValid = true
	return res, s.fire(EventAddressAccepted)
}

// SelectMethod records the customer's choice on the method step.
func (m *Machine) SelectMethod(s *Session, method payment.Method) error {
	if !s.lockIdle() {
		return ErrBusy
	}
	defer s.mu.Unlock()

	if s.state != StatePaymentMethod {
		return fmt.Errorf("%w: select method in %s", ErrInvalidTransition, s.state)
	}
	return s.selector.Select(method)
}

// ConfirmMethod leaves the method step. It is refused while nothing is selected.
func (m *Machine) ConfirmMethod(s *Session) error {
	if !s.lockIdle() {
		return ErrBusy
	}
	defer s.mu.Unlock()

	if _, err := Transition(s.state, EventMethodConfirmed); err != nil {
		return err
	}
	if _, err := s.selector.Require(); err != nil {
		return err
	}
	if !s.canEnterSummaryLocked() {
		return fmt.Errorf("%w: address not validated", ErrInvalidTransition)
	}
	return s.fire(EventMethodConfirmed)
}

// EditAddress goes back to the address step. Entered data is retained.
func (m *Machine) EditAddress(s *Session) error {
	return m.edit(s, EventEditAddress)
}

// EditMethod goes back to the method step. The selection is retained.
func (m *Machine) EditMethod(s *Session) error {
	return m.edit(s, EventEditMethod)
}

func (m *Machine) edit(s *Session, ev Event) error {
	if !s.lockIdle() {
		return ErrBusy
	}
	defer s.mu.Unlock()
	return s.fire(ev)
}

// Retry returns a failed or cancelled session to the summary under a fresh attempt id.
func (m *Machine) Retry(s *Session) error {
	if !s.lockIdle() {
		return ErrBusy
	}
	defer s.mu.Unlock()

	if err := s.fire(EventRetry); err != nil {
		return err
	}
	s.attemptID = uuid.NewString()
	s.payment = nil
	s.result = nil
	return nil
}

// attempt is the immutable view of a session that PlaceOrder works from.
type attempt struct {
	id        string
	sessionID string
	email     string
	method    payment.Method
	order     Order
}

// PlaceOrder resolves the session from SUMMARY. Only one call runs at a time per
// session; a concurrent call returns ErrBusy without side effects.
//
// When money moved but the order could not be confirmed, both a Result (with
// ReconciliationRequired set) and a *PersistenceError are returned.
func (m *Machine) PlaceOrder(ctx context.Context, s *Session, ui gateway.UI) (*Result, error) {
	if !s.loading.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer s.loading.Store(false)

	a, err := m.begin(s)
	if err != nil {
		return nil, err
	}

	log := m.log.With(
		zap.String("session_id", a.sessionID),
		zap.String("attempt_id", a.id),
		zap.String("method", string(a.method)),
	)
	if !payment.IsGatewayBacked(a.method) {
		return m.placeOffline(ctx, s, a, log)
	}
	return m.placeWithGateway(ctx, s, a, ui, log)
}

func (m *Machine) begin(s *Session) (attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := Transition(s.state, EventOrderPlaced); err != nil {
		return attempt{}, err
	}
	if !s.canEnterSummaryLocked() {
		return attempt{}, fmt.Errorf("%w: summary without address and method", ErrInvalidTransition)
	}
	method, err := s.selector.Require()
	if err != nil {
		return attempt{}, err
	}
	return attempt{
		id:        s.attemptID,
		sessionID: s.id,
		email:     s.email,
		method:    method,
		order:     s.order,
	}, nil
}

func (m *Machine) placeOffline(ctx context.Context, s *Session, a attempt, log *zap.Logger) (*Result, error) {
	amount := gateway.AmountFromFloat(a.order.Summary.Total)
	rec := &PaymentRecord{
		Method:         a.method,
		Status:         gateway.StatusCompleted,
		BusinessStatus: payment.BusinessStatus(a.method),
		Amount:         amount,
		Timestamp:      m.now().UTC(),
	}
	req := buildRequest(a, orders.PaymentDetails{
		Method:    string(a.method),
		Status:    rec.BusinessStatus,
		Amount:    a.order.Summary.Total,
		AttemptID: a.id,
		Timestamp: rec.Timestamp.Format(time.RFC3339),
	})

	created, err := m.deps.Persister.Persist(ctx, a.id, req)
	if err != nil {
		log.Error("order placement failed", zap.Error(err))
		return nil, &PersistenceError{PaymentTaken: false, AttemptID: a.id, Err: err}
	}

	res := &Result{
		State:     StateCompleted,
		AttemptID: a.id,
		Message:   "Order placed successfully!",
		Handoff: &Handoff{
			Message:            "Order placed successfully!",
			OrderID:            created.ID,
			OrderNumber:        created.Number(),
			PaymentMethodLabel: payment.Label(a.method),
			Amount:             a.order.Summary.Total,
			OrderData:          req,
		},
	}
	m.finish(s, EventPaymentSucceeded, rec, res)
	m.deps.Recorder.Outcome(ctx, string(a.method), string(StateCompleted), "")
	log.Info("order placed", zap.String("order_id", created.ID))
	return res, nil
}

func (m *Machine) placeWithGateway(ctx context.Context, s *Session, a attempt, ui gateway.UI, log *zap.Logger) (*Result, error) {
	amount := gateway.AmountFromFloat(a.order.Summary.Total)
	if gateway.ToMinorUnits(amount) <= 0 {
		return nil, fmt.Errorf("%w: %s", gateway.ErrInvalidAmount, amount.String())
	}

	err := m.deps.Pending.Save(ctx, pending.Attempt{
		AttemptID: a.id,
		SessionID: a.sessionID,
		Status:    pending.StatusInProgress,
		Method:    string(a.method),
		Amount:    amount.StringFixed(2),
	})
	if err != nil {
		return nil, fmt.Errorf("record pending attempt: %w", err)
	}

	out, err := m.deps.Gateway.Charge(ctx, m.chargeRequest(a, amount), ui)
	if err != nil {
		// the charge may or may not have happened; the pending record stays for reconciliation
		s.mu.Lock()
		s.attemptID = uuid.NewString()
		s.mu.Unlock()
		log.Warn("payment attempt abandoned, pending attempt retained", zap.Error(err))
		return nil, fmt.Errorf("charge: %w", err)
	}

	log = log.With(zap.String("status", string(out.Status)), zap.String("strategy", string(out.Strategy)))
	rec := &PaymentRecord{
		Method:           a.method,
		Status:           out.Status,
		BusinessStatus:   string(out.Status),
		Strategy:         out.Strategy,
		GatewayOrderID:   out.GatewayOrderID,
		GatewayPaymentID: out.GatewayPaymentID,
		Signature:        out.Signature,
		PaymentLink:      out.PaymentLink,
		Amount:           amount,
		Timestamp:        out.ResolvedAt,
	}

	switch {
	case out.MovedMoney():
		return m.confirm(ctx, s, a, out, rec, log)
	case out.Unverified():
		return m.holdForReview(ctx, s, a, out, rec, log), nil
	case out.Status == gateway.StatusCancelled:
		return m.resolveUnpaid(ctx, s, a, out, rec, EventPaymentCancelled, StateCancelled, "Payment was cancelled. You can try again.", log), nil
	case out.Status == gateway.StatusFailed:
		return m.resolveUnpaid(ctx, s, a, out, rec, EventPaymentFailed, StateFailed, failureMessage(out.Reason), log), nil
	}
	return nil, fmt.Errorf("unexpected payment status %q", out.Status)
}

func (m *Machine) chargeRequest(a attempt, amount decimal.Decimal) gateway.ChargeRequest {
	email := a.order.Customer.Email
	if email == "" {
		email = a.email
	}
	return gateway.ChargeRequest{
		AttemptID: a.id,
		Amount:    amount,
		Prefill: gateway.Prefill{
			Name:    a.order.Customer.Name,
			Email:   email,
			Contact: a.order.Customer.Phone,
		},
		Notes: map[string]string{
			"attempt_id": a.id,
			"session_id": a.sessionID,
			"items":      fmt.Sprintf("%d", len(a.order.Items)),
		},
	}
}

func (m *Machine) resolveUnpaid(ctx context.Context, s *Session, a attempt, out gateway.Outcome, rec *PaymentRecord, ev Event, st State, msg string, log *zap.Logger) *Result {
	if err := m.deps.Pending.Delete(context.WithoutCancel(ctx), a.id); err != nil {
		log.Warn("clear pending attempt", zap.Error(err))
	}
	res := &Result{
		State:     st,
		AttemptID: a.id,
		Message:   msg,
		Reason:    out.Reason,
		Outcome:   &out,
	}
	m.finish(s, ev, rec, res)
	m.deps.Recorder.Outcome(ctx, string(a.method), string(st), string(out.Strategy))
	log.Info("payment not taken", zap.String("reason", string(out.Reason)))
	return res
}

// confirm persists an order for a payment that moved (or likely moved) money.
func (m *Machine) confirm(ctx context.Context, s *Session, a attempt, out gateway.Outcome, rec *PaymentRecord, log *zap.Logger) (*Result, error) {
	ev, st := EventPaymentSucceeded, StateCompleted
	if out.Status == gateway.StatusPendingVerification {
		ev, st = EventPaymentPending, StatePendingVerification
	}

	key := idempotencyKey(a, out)
	req := gatewayRequest(a, out)

	// money moved: finish confirmation even if the caller has gone
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.deps.PersistTimeout)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal order payload: %w", err)
	}
	err = m.deps.Pending.RecordGateway(pctx, a.id, gatewayResult(out, key, payload))
	if err != nil {
		log.Error("record gateway result on pending attempt", zap.Error(err))
	}

	created, perr := m.deps.Persister.Persist(pctx, key, req)
	if perr != nil {
		return m.reconcile(pctx, s, a, out, rec, ev, st, key, payload, perr, log)
	}

	if err := m.deps.Pending.Delete(pctx, a.id); err != nil {
		log.Warn("clear pending attempt", zap.Error(err))
	}

	h := &Handoff{
		Message:            "Payment completed successfully!",
		OrderID:            created.ID,
		OrderNumber:        created.Number(),
		PaymentMethodLabel: payment.Label(a.method),
		Amount:             a.order.Summary.Total,
		OrderData:          req,
	}
	if st == StatePendingVerification {
		h.Message = "Order Created - Payment Under Verification"
		h.IsPending = true
		h.PendingMessage = "Your order has been created and is awaiting payment verification. " +
			"Bill will be generated after the merchant confirms payment receipt."
	}
	res := &Result{
		State:     st,
		AttemptID: a.id,
		Message:   h.Message,
		Outcome:   &out,
		Handoff:   h,
	}
	m.finish(s, ev, rec, res)
	m.deps.Recorder.Outcome(ctx, string(a.method), string(st), string(out.Strategy))
	log.Info("order confirmed", zap.String("order_id", created.ID), zap.String("payment_id", out.GatewayPaymentID))
	return res, nil
}

// reconcile keeps the payment metadata addressable after a failed confirmation.
func (m *Machine) reconcile(ctx context.Context, s *Session, a attempt, out gateway.Outcome, rec *PaymentRecord, ev Event, st State, key string, payload []byte, cause error, log *zap.Logger) (*Result, error) {
	log.Error("payment taken but order confirmation failed", zap.String("payment_id", out.GatewayPaymentID), zap.Error(cause))

	m.keep(ctx, a, out, key, payload, pending.StatusPersistFailed, cause.Error(), log)
	m.enqueue(ctx, a, key, "order_confirmation_failed", log)

	res := &Result{
		State:                  st,
		AttemptID:              a.id,
		Message:                msgConfirmationFailed,
		Outcome:                &out,
		ReconciliationRequired: true,
	}
	m.finish(s, ev, rec, res)
	m.deps.Recorder.ReconciliationRequired(ctx, string(a.method))
	m.deps.Recorder.Outcome(ctx, string(a.method), string(st), string(out.Strategy))

	return res, &PersistenceError{
		PaymentTaken: true,
		AttemptID:    a.id,
		PaymentID:    out.GatewayPaymentID,
		Err:          cause,
	}
}

// holdForReview resolves a charge the gateway reported with a payment id that
// could not be verified. The session fails, but the payment stays on record.
func (m *Machine) holdForReview(ctx context.Context, s *Session, a attempt, out gateway.Outcome, rec *PaymentRecord, log *zap.Logger) *Result {
	log.Error("unverified payment held for review", zap.String("payment_id", out.GatewayPaymentID), zap.String("reason", string(out.Reason)))

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.deps.PersistTimeout)
	defer cancel()

	key := idempotencyKey(a, out)
	payload, err := json.Marshal(gatewayRequest(a, out))
	if err != nil {
		log.Error("marshal order payload", zap.Error(err))
	}
	m.keep(pctx, a, out, key, payload, pending.StatusNeedsReview, string(out.Reason), log)
	m.enqueue(pctx, a, key, "payment_unverified", log)

	res := &Result{
		State:                  StateFailed,
		AttemptID:              a.id,
		Message:                failureMessage(out.Reason),
		Reason:                 out.Reason,
		Outcome:                &out,
		ReconciliationRequired: true,
	}
	m.finish(s, EventPaymentFailed, rec, res)
	m.deps.Recorder.ReconciliationRequired(ctx, string(a.method))
	m.deps.Recorder.Outcome(ctx, string(a.method), string(StateFailed), string(out.Strategy))
	return res
}

// keep writes the whole attempt with its gateway result, whatever state the
// stored record is in.
func (m *Machine) keep(ctx context.Context, a attempt, out gateway.Outcome, key string, payload []byte, status pending.Status, note string, log *zap.Logger) {
	g := gatewayResult(out, key, payload)
	err := m.deps.Pending.Put(ctx, pending.Attempt{
		AttemptID:        a.id,
		SessionID:        a.sessionID,
		Status:           status,
		Method:           string(a.method),
		Amount:           gateway.AmountFromFloat(a.order.Summary.Total).StringFixed(2),
		IdempotencyKey:   g.IdempotencyKey,
		GatewayOrderID:   g.GatewayOrderID,
		GatewayPaymentID: g.GatewayPaymentID,
		Strategy:         g.Strategy,
		PaymentStatus:    g.PaymentStatus,
		OrderPayload:     g.OrderPayload,
		LastError:        note,
	})
	if err != nil {
		log.Error("write pending attempt", zap.String("status", string(status)), zap.String("idempotency_key", key), zap.Error(err))
	}
}

func (m *Machine) enqueue(ctx context.Context, a attempt, key, reason string, log *zap.Logger) {
	if m.deps.Reconciler == nil {
		return
	}
	err := m.deps.Reconciler.SendReconciliation(ctx, aws.ReconciliationMessage{
		AttemptID:      a.id,
		IdempotencyKey: key,
		Reason:         reason,
		CorrelationID:  a.sessionID,
	})
	if err != nil {
		// the pending record is still there for the sweeper
		log.Error("enqueue reconciliation", zap.String("idempotency_key", key), zap.Error(err))
	}
}

func (m *Machine) finish(s *Session, ev Event, rec *PaymentRecord, res *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fire(ev); err != nil {
		// SUMMARY is held by the loading gate, so this is a programming error
		m.log.Error("checkout transition", zap.String("session_id", s.id), zap.Error(err))
	}
	s.payment = rec
	s.result = res
}

func failureMessage(r gateway.Reason) string {
	switch r {
	case gateway.ReasonPopupBlocked:
		return "The payment window was blocked. Please allow pop-ups for this site and try again."
	case gateway.ReasonDeclined:
		return "Payment was not completed. You can try again."
	case gateway.ReasonSignatureMismatch:
		return "We could not verify this payment. Please contact support before trying again."
	case gateway.ReasonExhausted:
		return "No payment option is available right now. Please try again later."
	}
	return "Payment was cancelled or failed. You can try again."
}

func idempotencyKey(a attempt, out gateway.Outcome) string {
	if out.GatewayPaymentID != "" {
		return out.GatewayPaymentID
	}
	return a.id
}

func gatewayRequest(a attempt, out gateway.Outcome) orders.CreateRequest {
	return buildRequest(a, orders.PaymentDetails{
		Method:            string(a.method),
		Status:            string(out.Status),
		RazorpayOrderID:   out.GatewayOrderID,
		RazorpayPaymentID: out.GatewayPaymentID,
		RazorpaySignature: out.Signature,
		Amount:            a.order.Summary.Total,
		PaymentLink:       out.PaymentLink,
		AttemptID:         a.id,
		Timestamp:         out.ResolvedAt.Format(time.RFC3339),
	})
}

func gatewayResult(out gateway.Outcome, key string, payload []byte) pending.GatewayResult {
	return pending.GatewayResult{
		IdempotencyKey:   key,
		GatewayOrderID:   out.GatewayOrderID,
		GatewayPaymentID: out.GatewayPaymentID,
		Strategy:         string(out.Strategy),
		PaymentStatus:    string(out.Status),
		OrderPayload:     string(payload),
	}
}

func buildRequest(a attempt, pd orders.PaymentDetails) orders.CreateRequest {
	return orders.CreateRequest{
		Items:           a.order.Items,
		CustomerDetails: orders.CustomerFrom(a.order.Customer, a.email),
		OrderSummary:    a.order.Summary,
		PaymentDetails:  pd,
	}
}

type nopRecorder struct{}

func (nopRecorder) Outcome(context.Context, string, string, string) {}
func (nopRecorder) ReconciliationRequired(context.Context, string) {}
