package gateway

import "context"

type Theme struct {
	Color string `json:"color,omitempty"`
}

// CheckoutOptions configure the embedded checkout modal.
type CheckoutOptions struct {
	Key         string            `json:"key"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	OrderID     string            `json:"order_id,omitempty"`
	Prefill     Prefill           `json:"prefill"`
	Notes       map[string]string `json:"notes,omitempty"`
	Theme       Theme             `json:"theme"`
	Receipt     string            `json:"-"`
}

type ModalKind string

const (
	ModalSuccess   ModalKind = "success"
	ModalDismissed ModalKind = "dismissed"
	ModalFailed    ModalKind = "failed"
)

// GatewayError is the payload of a payment.failed event.
type GatewayError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Reason      string `json:"reason,omitempty"`
}

// ModalResult is exactly one of success, dismissed or failed.
type ModalResult struct {
	Kind      ModalKind     `json:"kind"`
	PaymentID string        `json:"razorpay_payment_id,omitempty"`
	OrderID   string        `json:"razorpay_order_id,omitempty"`
	Signature string        `json:"razorpay_signature,omitempty"`
	Error     *GatewayError `json:"error,omitempty"`
}

// Library is the acquired gateway client library.
type Library interface {
	// Open prepares a checkout modal. An error here means the modal never opened.
	Open(ctx context.Context, opts CheckoutOptions, p Presenter) (Modal, error)
}

// Modal is an opened checkout.
type Modal interface {
	// Wait blocks until the user or the gateway resolves the modal.
	Wait(ctx context.Context) (ModalResult, error)
}

type Loader interface {
	Load(ctx context.Context) (Library, error)
}

type LoaderFunc func(ctx context.Context) (Library, error)

func (f LoaderFunc) Load(ctx context.Context) (Library, error) { return f(ctx) }

// Presenter displays the checkout modal to the customer.
type Presenter interface {
	Present(ctx context.Context, opts CheckoutOptions) (ModalResult, error)
}

type PromptID string

const (
	PromptTryAlternatives  PromptID = "fallback.offer"
	PromptHostedPageResult PromptID = "hosted_page.completed"
	PromptIntentURIResult  PromptID = "intent_uri.completed"
)

type Prompt struct {
	ID   PromptID `json:"id"`
	Text string   `json:"text"`
}

// Confirmer asks the customer a yes/no question.
type Confirmer interface {
	Confirm(ctx context.Context, p Prompt) (bool, error)
}

// Opener shows an out-of-process payment page. It returns false when the page was blocked.
type Opener interface {
	Open(ctx context.Context, strategy Strategy, url string) (bool, error)
}

// UI bundles the customer-facing capabilities for one charge.
type UI struct {
	Presenter Presenter
	Confirmer Confirmer
	Opener    Opener
}
