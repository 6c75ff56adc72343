package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config is the merchant identity and fallback wiring for the adapter.
type Config struct {
	Currency      string
	MerchantName  string
	Description   string
	ThemeColor    string
	HostedPageURL string
	UPIVPA        string
}

// SignatureVerifier checks the embedded checkout's success signature.
type SignatureVerifier interface {
	Verify(orderID, paymentID, signature string) bool
}

// Adapter resolves a charge through the embedded checkout, falling back to
// out-of-process strategies only when the embedded checkout cannot be opened.
type Adapter struct {
	cfg      Config
	library  *LibraryHandle
	verifier SignatureVerifier
	log      *zap.Logger
	now      func() time.Time
}

func NewAdapter(cfg Config, library *LibraryHandle, verifier SignatureVerifier, log *zap.Logger) *Adapter {
	if cfg.Currency == "" {
		cfg.Currency = "INR"
	}
	return &Adapter{
		cfg:      cfg,
		library:  library,
		verifier: verifier,
		log:      log,
		now:      time.Now,
	}
}

// Charge obtains a completed, pending-verification, failed or cancelled outcome for req.
// An error is returned only for an invalid amount or when ctx ends mid-interaction.
func (a *Adapter) Charge(ctx context.Context, req ChargeRequest, ui UI) (Outcome, error) {
	minor := ToMinorUnits(req.Amount)
	if minor <= 0 {
		return Outcome{}, fmt.Errorf("%w: %s", ErrInvalidAmount, req.Amount.String())
	}
	log := a.log.With(zap.String("attempt_id", req.AttemptID), zap.Int64("amount_minor", minor))

	out, err := a.embedded(ctx, req, minor, ui)
	if err == nil {
		return a.stamp(out, minor), nil
	}
	if !errors.Is(err, ErrStrategyUnavailable) {
		return Outcome{}, err
	}

	log.Warn("embedded checkout unavailable, falling back", zap.Error(err))
	out, err = a.fallback(ctx, req, minor, ui, log)
	if err != nil {
		return Outcome{}, err
	}
	return a.stamp(out, minor), nil
}

func (a *Adapter) stamp(out Outcome, minor int64) Outcome {
	out.AmountMinor = minor
	out.ResolvedAt = a.now().UTC()
	return out
}

func (a *Adapter) embedded(ctx context.Context, req ChargeRequest, minor int64, ui UI) (Outcome, error) {
	if ui.Presenter == nil {
		return Outcome{}, fmt.Errorf("%w: no checkout presenter", ErrStrategyUnavailable)
	}

	lib, err := a.library.Acquire(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w: %v", ErrStrategyUnavailable, ErrLibraryUnavailable, err)
	}

	opts := CheckoutOptions{
		Amount:      minor,
		Currency:    a.cfg.Currency,
		Name:        a.cfg.MerchantName,
		Description: a.description(req),
		Prefill:     req.Prefill,
		Notes:       req.Notes,
		Theme:       Theme{Color: a.cfg.ThemeColor},
		Receipt:     req.AttemptID,
	}

	modal, err := lib.Open(ctx, opts, ui.Presenter)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		return Outcome{}, fmt.Errorf("%w: open checkout: %v", ErrStrategyUnavailable, err)
	}

	res, err := modal.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		// the modal was shown, so this is a payment failure rather than an integration failure
		return Outcome{
			Status:           StatusFailed,
			Strategy:         StrategyEmbedded,
			Reason:           ReasonGatewayError,
			ErrorDescription: err.Error(),
		}, nil
	}

	return a.resolveModal(res), nil
}

func (a *Adapter) resolveModal(res ModalResult) Outcome {
	out := Outcome{Strategy: StrategyEmbedded, GatewayOrderID: res.OrderID}

	switch res.Kind {
	case ModalDismissed:
		out.Status = StatusCancelled
		return out

	case ModalFailed:
		out.Status = StatusFailed
		out.Reason = ReasonGatewayError
		if res.Error != nil {
			out.ErrorCode = res.Error.Code
			out.ErrorDescription = res.Error.Description
		}
		return out

	case ModalSuccess:
		if res.PaymentID == "" {
			out.Status = StatusFailed
			out.Reason = ReasonGatewayError
			out.ErrorDescription = "success without payment id"
			return out
		}
		if a.verifier != nil && res.OrderID != "" && !a.verifier.Verify(res.OrderID, res.PaymentID, res.Signature) {
			out.Status = StatusFailed
			out.Reason = ReasonSignatureMismatch
			out.GatewayPaymentID = res.PaymentID
			return out
		}
		out.Status = StatusCompleted
		out.GatewayPaymentID = res.PaymentID
		out.Signature = res.Signature
		return out
	}

	out.Status = StatusFailed
	out.Reason = ReasonGatewayError
	out.ErrorDescription = fmt.Sprintf("unknown modal result %q", res.Kind)
	return out
}

type secondary struct {
	strategy Strategy
	url      string
	prompt   PromptID
}

func (a *Adapter) secondaries(req ChargeRequest, minor int64) []secondary {
	return []secondary{
		{StrategyHostedPage, a.hostedPageURL(req, minor), PromptHostedPageResult},
		{StrategyIntentURI, a.intentURI(req), PromptIntentURIResult},
	}
}

func (a *Adapter) fallback(ctx context.Context, req ChargeRequest, minor int64, ui UI, log *zap.Logger) (Outcome, error) {
	if ui.Confirmer == nil || ui.Opener == nil {
		return Outcome{Status: StatusFailed, Reason: ReasonExhausted}, nil
	}

	ok, err := ui.Confirmer.Confirm(ctx, Prompt{
		ID:   PromptTryAlternatives,
		Text: "The secure payment window could not be opened. Would you like to try an alternative payment option?",
	})
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{Status: StatusFailed, Reason: ReasonDeclined}, nil
	}

	for _, st := range a.secondaries(req, minor) {
		if st.url == "" {
			continue
		}
		slog := log.With(zap.String("strategy", string(st.strategy)))

		opened, err := ui.Opener.Open(ctx, st.strategy, st.url)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			slog.Warn("secondary strategy could not be shown", zap.Error(err))
			continue
		}
		if !opened {
			slog.Info("payment page blocked")
			return Outcome{Status: StatusFailed, Strategy: st.strategy, Reason: ReasonPopupBlocked, PaymentLink: st.url}, nil
		}

		paid, err := ui.Confirmer.Confirm(ctx, Prompt{
			ID: st.prompt,
			Text: fmt.Sprintf("Have you successfully completed the payment of ₹%s? Confirm only if money was deducted from your account.",
				req.Amount.StringFixed(2)),
		})
		if err != nil {
			return Outcome{}, err
		}
		if !paid {
			return Outcome{Status: StatusFailed, Strategy: st.strategy, Reason: ReasonDeclined, PaymentLink: st.url}, nil
		}
		// no callback proof exists for out-of-process pages
		return Outcome{Status: StatusPendingVerification, Strategy: st.strategy, PaymentLink: st.url}, nil
	}

	return Outcome{Status: StatusFailed, Reason: ReasonExhausted}, nil
}

func (a *Adapter) description(req ChargeRequest) string {
	if req.Description != "" {
		return req.Description
	}
	return fmt.Sprintf("%s - Total: ₹%s", a.cfg.Description, req.Amount.StringFixed(2))
}

func (a *Adapter) hostedPageURL(req ChargeRequest, minor int64) string {
	if a.cfg.HostedPageURL == "" {
		return ""
	}
	u, err := url.Parse(a.cfg.HostedPageURL)
	if err != nil {
		a.log.Warn("invalid hosted page url", zap.Error(err))
		return ""
	}
	q := u.Query()
	q.Set("amount", fmt.Sprintf("%d", minor))
	q.Set("reference", req.AttemptID)
	u.RawQuery = q.Encode()
	return u.String()
}

func (a *Adapter) intentURI(req ChargeRequest) string {
	if a.cfg.UPIVPA == "" {
		return ""
	}
	q := url.Values{}
	q.Set("pa", a.cfg.UPIVPA)
	q.Set("pn", a.cfg.MerchantName)
	q.Set("am", req.Amount.StringFixed(2))
	q.Set("cu", a.cfg.Currency)
	q.Set("tn", "Order "+req.AttemptID)
	return "upi://pay?" + q.Encode()
}

// AmountFromFloat is a convenience for callers holding float totals.
func AmountFromFloat(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}
