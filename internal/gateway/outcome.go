package gateway

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the resolved state of a payment attempt.
type Status string

const (
	StatusCompleted           Status = "completed"
	StatusPendingVerification Status = "pending_verification"
	StatusFailed              Status = "failed"
	StatusCancelled           Status = "cancelled"
)

// Reason qualifies a failed outcome.
type Reason string

const (
	ReasonGatewayError      Reason = "gateway_error"
	ReasonSignatureMismatch Reason = "signature_mismatch"
	ReasonPopupBlocked      Reason = "popup_blocked"
	ReasonDeclined          Reason = "declined"
	ReasonExhausted         Reason = "exhausted"
)

// Strategy names the integration path that produced an outcome.
type Strategy string

const (
	StrategyEmbedded   Strategy = "embedded"
	StrategyHostedPage Strategy = "hosted_page"
	StrategyIntentURI  Strategy = "intent_uri"
)

var (
	ErrInvalidAmount       = errors.New("amount must be greater than zero")
	ErrStrategyUnavailable = errors.New("payment strategy unavailable")
	ErrLibraryUnavailable  = errors.New("gateway client library unavailable")
)

// Prefill is shown pre-populated in the gateway checkout.
type Prefill struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Contact string `json:"contact"`
}

// ChargeRequest describes one payment attempt.
type ChargeRequest struct {
	AttemptID   string
	Amount      decimal.Decimal
	Description string
	Prefill     Prefill
	Notes       map[string]string
}

// Outcome is what a charge resolved to.
type Outcome struct {
	Status           Status    `json:"status"`
	Strategy         Strategy  `json:"strategy,omitempty"`
	Reason           Reason    `json:"reason,omitempty"`
	GatewayOrderID   string    `json:"gatewayOrderId,omitempty"`
	GatewayPaymentID string    `json:"gatewayPaymentId,omitempty"`
	Signature        string    `json:"signature,omitempty"`
	PaymentLink      string    `json:"paymentLink,omitempty"`
	ErrorCode        string    `json:"errorCode,omitempty"`
	ErrorDescription string    `json:"errorDescription,omitempty"`
	AmountMinor      int64     `json:"amountMinor"`
	ResolvedAt       time.Time `json:"resolvedAt"`
}

// MovedMoney reports whether the customer has (or likely has) paid.
func (o Outcome) MovedMoney() bool {
	return o.Status == StatusCompleted || o.Status == StatusPendingVerification
}

// Unverified reports a failed outcome that still names a gateway payment, so
// money may have moved even though the charge was not accepted.
func (o Outcome) Unverified() bool {
	return o.Status == StatusFailed && o.GatewayPaymentID != ""
}

// ToMinorUnits converts rupees to paise, rounding half away from zero.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
