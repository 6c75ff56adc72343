package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/jaimaaruthi/checkout-orchestrator/internal/bridge"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/checkout"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/gateway"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/payment"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/validation"
)

// CheckoutConfig groups dependencies for the checkout routes.
type CheckoutConfig struct {
	Machine *checkout.Machine
	Methods []payment.Method
	// InteractionTimeout bounds how long a payment waits on the customer.
	InteractionTimeout time.Duration
	// StepTimeout bounds how long one request waits for the next step.
	StepTimeout time.Duration
	Log         *zap.Logger
}

type entry struct {
	session *checkout.Session

	mu  sync.Mutex
	run *bridge.Run
}

func (e *entry) activeRun() *bridge.Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run
}

type checkoutHandler struct {
	cfg CheckoutConfig
	v   *validatorv10.Validate

	mu       sync.RWMutex
	sessions map[string]*entry
}

// stepResponse is the body of every checkout route.
type stepResponse struct {
	Checkout    checkout.View       `json:"checkout"`
	Interaction *bridge.Interaction `json:"interaction,omitempty"`
	Processing  bool                `json:"processing,omitempty"`
	Error       string              `json:"error,omitempty"`
	Message     string              `json:"message,omitempty"`
}

// RegisterCheckoutRoutes registers the checkout flow API.
func RegisterCheckoutRoutes(r gin.IRouter, cfg CheckoutConfig) {
	if cfg.InteractionTimeout == 0 {
		cfg.InteractionTimeout = 10 * time.Minute
	}
	if cfg.StepTimeout == 0 {
		cfg.StepTimeout = 25 * time.Second
	}
	h := &checkoutHandler{cfg: cfg, v: validation.New(), sessions: map[string]*entry{}}

	g := r.Group("/checkouts")
	g.POST("", h.start)
	g.GET("/:id", h.withEntry(h.get))
	g.DELETE("/:id", h.withEntry(h.abandon))
	g.PUT("/:id/address", h.withEntry(h.submitAddress))
	g.PUT("/:id/payment-method", h.withEntry(h.selectMethod))
	g.POST("/:id/summary", h.withEntry(h.confirmMethod))
	g.POST("/:id/edit", h.withEntry(h.edit))
	g.POST("/:id/place-order", h.withEntry(h.placeOrder))
	g.POST("/:id/interactions", h.withEntry(h.answer))
	g.POST("/:id/retry", h.withEntry(h.retry))
}

func (h *checkoutHandler) withEntry(fn func(*gin.Context, *entry)) gin.HandlerFunc {
	return func(c *gin.Context) {
		h.mu.RLock()
		e, ok := h.sessions[c.Param("id")]
		h.mu.RUnlock()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "checkout_not_found"})
			return
		}
		fn(c, e)
	}
}

func (h *checkoutHandler) start(c *gin.Context) {
	var req validation.StartCheckoutRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}

	s, err := checkout.NewSession(req.Items, req.Summary, req.Email, payment.NewSelector(h.cfg.Methods...))
	if err != nil {
		h.writeError(c, &entry{}, err)
		return
	}

	e := &entry{session: s}
	h.mu.Lock()
	h.sessions[s.ID()] = e
	h.mu.Unlock()

	h.cfg.Log.Info("checkout started", zap.String("session_id", s.ID()), zap.Int("items", len(req.Items)))
	c.Header("Location", "/checkouts/"+s.ID())
	c.JSON(http.StatusCreated, h.response(e))
}

func (h *checkoutHandler) get(c *gin.Context, e *entry) {
	c.JSON(http.StatusOK, h.response(e))
}

// abandon is navigation away from the page. An in-flight payment is cancelled
// and its pending record is kept for reconciliation.
func (h *checkoutHandler) abandon(c *gin.Context, e *entry) {
	if run := e.activeRun(); run != nil {
		run.Cancel()
	}
	h.mu.Lock()
	delete(h.sessions, e.session.ID())
	h.mu.Unlock()

	h.cfg.Log.Info("checkout abandoned", zap.String("session_id", e.session.ID()), zap.String("state", string(e.session.State())))
	c.Status(http.StatusNoContent)
}

func (h *checkoutHandler) submitAddress(c *gin.Context, e *entry) {
	var fields validation.CustomerDetails
	if err := c.ShouldBindJSON(&fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request_body", "msg": err.Error()})
		return
	}
	if _, err := h.cfg.Machine.SubmitAddress(e.session, fields); err != nil {
		h.writeError(c, e, err)
		return
	}
	c.JSON(http.StatusOK, h.response(e))
}

func (h *checkoutHandler) selectMethod(c *gin.Context, e *entry) {
	var req validation.SelectMethodRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	m, err := payment.ParseMethod(req.Method)
	if err == nil {
		err = h.cfg.Machine.SelectMethod(e.session, m)
	}
	if err != nil {
		h.writeError(c, e, err)
		return
	}
	c.JSON(http.StatusOK, h.response(e))
}

func (h *checkoutHandler) confirmMethod(c *gin.Context, e *entry) {
	if err := h.cfg.Machine.ConfirmMethod(e.session); err != nil {
		h.writeError(c, e, err)
		return
	}
	c.JSON(http.StatusOK, h.response(e))
}

func (h *checkoutHandler) edit(c *gin.Context, e *entry) {
	var req validation.EditRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	var err error
	if req.Step == "address" {
		err = h.cfg.Machine.EditAddress(e.session)
	} else {
		err = h.cfg.Machine.EditMethod(e.session)
	}
	if err != nil {
		h.writeError(c, e, err)
		return
	}
	c.JSON(http.StatusOK, h.response(e))
}

func (h *checkoutHandler) retry(c *gin.Context, e *entry) {
	if err := h.cfg.Machine.Retry(e.session); err != nil {
		h.writeError(c, e, err)
		return
	}
	c.JSON(http.StatusOK, h.response(e))
}

// placeOrder starts the payment attempt in the background and returns the
// first thing the customer has to act on, or the result.
func (h *checkoutHandler) placeOrder(c *gin.Context, e *entry) {
	e.mu.Lock()
	if e.run != nil {
		select {
		case <-e.run.Done():
		default:
			e.mu.Unlock()
			h.writeError(c, e, checkout.ErrBusy)
			return
		}
	}
	s := e.session
	run := bridge.Start(c.Request.Context(), h.cfg.InteractionTimeout, func(ctx context.Context, ui gateway.UI) (*checkout.Result, error) {
		return h.cfg.Machine.PlaceOrder(ctx, s, ui)
	})
	e.run = run
	e.mu.Unlock()

	h.next(c, e, run, "")
}

func (h *checkoutHandler) answer(c *gin.Context, e *entry) {
	var reply bridge.Reply
	if err := validation.BindAndValidate(c, &reply, h.v); err != nil {
		return
	}
	run := e.activeRun()
	if run == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "no_payment_in_progress"})
		return
	}
	if err := run.Answer(reply); err != nil {
		h.writeError(c, e, err)
		return
	}
	h.next(c, e, run, reply.InteractionID)
}

func (h *checkoutHandler) next(c *gin.Context, e *entry, run *bridge.Run, after string) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.StepTimeout)
	defer cancel()

	step, err := run.Next(ctx, after)
	if err != nil {
		// still working; the client polls GET /checkouts/:id
		resp := h.response(e)
		resp.Processing = true
		c.JSON(http.StatusAccepted, resp)
		return
	}
	if step.Interaction != nil {
		resp := h.response(e)
		resp.Interaction = step.Interaction
		c.JSON(http.StatusAccepted, resp)
		return
	}
	if step.Err != nil {
		h.writeError(c, e, step.Err)
		return
	}
	c.JSON(http.StatusOK, h.response(e))
}

func (h *checkoutHandler) response(e *entry) stepResponse {
	resp := stepResponse{Checkout: e.session.View()}
	if run := e.activeRun(); run != nil {
		if in, ok := run.Current(); ok {
			resp.Interaction = &in
		}
	}
	return resp
}

func (h *checkoutHandler) writeError(c *gin.Context, e *entry, err error) {
	var resp stepResponse
	if e.session != nil {
		resp = h.response(e)
	}

	status := http.StatusInternalServerError
	resp.Error = "internal_error"
	resp.Message = err.Error()

	var verr *validation.Error
	var perr *checkout.PersistenceError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":    "validation_failed",
			"fields":   verr.Fields,
			"checkout": resp.Checkout,
		})
		return
	case errors.As(err, &perr):
		status = http.StatusBadGateway
		resp.Error = "order_failed"
		if perr.PaymentTaken {
			resp.Error = "order_confirmation_failed"
		}
		resp.Message = perr.Message()
	case errors.Is(err, checkout.ErrBusy):
		status, resp.Error = http.StatusConflict, "payment_in_progress"
	case errors.Is(err, checkout.ErrInvalidTransition):
		status, resp.Error = http.StatusConflict, "invalid_transition"
	case errors.Is(err, payment.ErrNoSelection):
		status, resp.Error = http.StatusConflict, "no_payment_method"
	case errors.Is(err, payment.ErrUnknownMethod):
		status, resp.Error = http.StatusBadRequest, "unknown_payment_method"
	case errors.Is(err, payment.ErrMethodNotSupported):
		status, resp.Error = http.StatusUnprocessableEntity, "payment_method_not_supported"
	case errors.Is(err, checkout.ErrEmptyCart):
		status, resp.Error = http.StatusUnprocessableEntity, "empty_cart"
	case errors.Is(err, gateway.ErrInvalidAmount):
		status, resp.Error = http.StatusUnprocessableEntity, "invalid_amount"
	case errors.Is(err, bridge.ErrBadReply):
		status, resp.Error = http.StatusBadRequest, "invalid_reply"
	case errors.Is(err, bridge.ErrNoInteraction), errors.Is(err, bridge.ErrStaleInteraction):
		status, resp.Error = http.StatusConflict, "stale_interaction"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, resp.Error = http.StatusConflict, "payment_abandoned"
		resp.Message = "The payment was interrupted. If money was deducted it will be reconciled."
	}

	if status >= http.StatusInternalServerError {
		h.cfg.Log.Error("checkout request failed",
			zap.String("session_id", resp.Checkout.ID),
			zap.String("attempt_id", resp.Checkout.AttemptID),
			zap.Error(err),
		)
	}
	c.JSON(status, resp)
}
