package orders

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

type ClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client talks to the storefront backend's order API.
type Client struct {
	http *resty.Client
	log  *zap.Logger
}

func NewClient(cfg ClientConfig, log *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.Token != "" {
		c.SetAuthToken(cfg.Token)
	}
	return &Client{http: c, log: log}
}

type apiErrorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Create posts one order. Non-2xx answers come back as *APIError.
func (c *Client) Create(ctx context.Context, req CreateRequest) (*Created, error) {
	var created Created
	var apiErr apiErrorBody

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&created).
		SetError(&apiErr).
		Post("/api/orders")
	if err != nil {
		return nil, fmt.Errorf("post order: %w", err)
	}
	if resp.IsError() {
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Error
		}
		c.log.Warn("order api rejected order",
			zap.Int("status", resp.StatusCode()),
			zap.String("attempt_id", req.PaymentDetails.AttemptID))
		return nil, &APIError{StatusCode: resp.StatusCode(), Message: msg}
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return nil, &APIError{StatusCode: resp.StatusCode(), Message: "unexpected status"}
	}
	if created.ID == "" {
		return nil, errors.New("post order: response has no order id")
	}
	return &created, nil
}
