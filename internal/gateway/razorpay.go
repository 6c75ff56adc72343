package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

type RazorpayConfig struct {
	KeyID      string
	KeySecret  string
	APIBaseURL string
	ScriptURL  string
	Timeout    time.Duration
}

// RazorpayLoader acquires the hosted checkout script and an authenticated API client.
type RazorpayLoader struct {
	cfg  RazorpayConfig
	http *resty.Client
	log  *zap.Logger
}

func NewRazorpayLoader(cfg RazorpayConfig, log *zap.Logger) *RazorpayLoader {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &RazorpayLoader{
		cfg:  cfg,
		http: resty.New().SetTimeout(cfg.Timeout),
		log:  log,
	}
}

func (l *RazorpayLoader) Load(ctx context.Context) (Library, error) {
	if l.cfg.KeyID == "" || l.cfg.KeySecret == "" {
		return nil, errors.New("gateway key not configured")
	}

	resp, err := l.http.R().SetContext(ctx).Get(l.cfg.ScriptURL)
	if err != nil {
		return nil, fmt.Errorf("fetch checkout script: %w", err)
	}
	if resp.StatusCode() != 200 || len(resp.Body()) == 0 {
		return nil, fmt.Errorf("checkout script unavailable: status %d", resp.StatusCode())
	}
	l.log.Info("gateway checkout script loaded", zap.String("url", l.cfg.ScriptURL), zap.Int("bytes", len(resp.Body())))

	api := resty.New().
		SetBaseURL(l.cfg.APIBaseURL).
		SetBasicAuth(l.cfg.KeyID, l.cfg.KeySecret).
		SetHeader("Content-Type", "application/json").
		SetTimeout(l.cfg.Timeout)

	return &Razorpay{api: api, keyID: l.cfg.KeyID}, nil
}

// Razorpay creates gateway orders and hands the checkout to a Presenter.
type Razorpay struct {
	api   *resty.Client
	keyID string
}

type razorpayOrder struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount int64  `json:"amount"`
}

type razorpayErrorBody struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

func (r *Razorpay) Open(ctx context.Context, opts CheckoutOptions, p Presenter) (Modal, error) {
	var order razorpayOrder
	var apiErr razorpayErrorBody

	resp, err := r.api.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"amount":   opts.Amount,
			"currency": opts.Currency,
			"receipt":  opts.Receipt,
			"notes":    opts.Notes,
		}).
		SetResult(&order).
		SetError(&apiErr).
		Post("/v1/orders")
	if err != nil {
		return nil, fmt.Errorf("create gateway order: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("create gateway order: status %d: %s %s",
			resp.StatusCode(), apiErr.Error.Code, apiErr.Error.Description)
	}
	if order.ID == "" {
		return nil, errors.New("create gateway order: empty order id")
	}

	opts.Key = r.keyID
	opts.OrderID = order.ID
	return &presentedModal{opts: opts, presenter: p}, nil
}

type presentedModal struct {
	opts      CheckoutOptions
	presenter Presenter
}

func (m *presentedModal) Wait(ctx context.Context) (ModalResult, error) {
	res, err := m.presenter.Present(ctx, m.opts)
	if err != nil {
		return ModalResult{}, err
	}
	if res.Kind == ModalSuccess && res.OrderID == "" {
		res.OrderID = m.opts.OrderID
	}
	return res, nil
}

// HMACVerifier checks hex(HMAC-SHA256(order_id|payment_id, secret)).
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

func (v *HMACVerifier) Sign(orderID, paymentID string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

func (v *HMACVerifier) Verify(orderID, paymentID, signature string) bool {
	if signature == "" {
		return false
	}
	return hmac.Equal([]byte(v.Sign(orderID, paymentID)), []byte(signature))
}
