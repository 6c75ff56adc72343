package orders

import (
	"fmt"
	"strings"

	"github.com/jaimaaruthi/checkout-orchestrator/internal/validation"
)

// CustomerDetails is the backend's customer shape: the single name field is split in two.
type CustomerDetails struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Address   string `json:"address"`
	City      string `json:"city"`
	State     string `json:"state"`
	Pincode   string `json:"pincode"`
	Landmark  string `json:"landmark"`
}

// PaymentDetails carries the payment record. Gateway fields are empty for
// methods settled outside the gateway.
type PaymentDetails struct {
	Method            string  `json:"method"`
	Status            string  `json:"status"`
	RazorpayOrderID   string  `json:"razorpay_order_id,omitempty"`
	RazorpayPaymentID string  `json:"razorpay_payment_id,omitempty"`
	RazorpaySignature string  `json:"razorpay_signature,omitempty"`
	Amount            float64 `json:"amount"`
	PaymentLink       string  `json:"payment_link,omitempty"`
	AttemptID         string  `json:"attempt_id,omitempty"`
	Timestamp         string  `json:"timestamp,omitempty"`
}

// CreateRequest is the body of POST /api/orders.
type CreateRequest struct {
	Items           []validation.Item  `json:"items"`
	CustomerDetails CustomerDetails    `json:"customerDetails"`
	OrderSummary    validation.Summary `json:"orderSummary"`
	PaymentDetails  PaymentDetails     `json:"paymentDetails"`
}

// Created is the backend's answer to a successful create.
type Created struct {
	ID          string `json:"_id"`
	OrderNumber string `json:"orderNumber,omitempty"`
}

// Number falls back to the id when the backend assigned no order number.
func (c Created) Number() string {
	if c.OrderNumber != "" {
		return c.OrderNumber
	}
	return c.ID
}

// APIError is a non-2xx response from the order API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("order api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("order api: status %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the same request may succeed later.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429 || e.StatusCode == 408
}

// CustomerFrom maps the validated address form onto the backend shape.
func CustomerFrom(d validation.CustomerDetails, email string) CustomerDetails {
	first, last := splitName(d.Name)
	if d.Email != "" {
		email = d.Email
	}
	return CustomerDetails{
		FirstName: first,
		LastName:  last,
		Email:     email,
		Phone:     d.Phone,
		Address:   d.Address,
		City:      d.City,
		State:     d.State,
		Pincode:   d.Pincode,
		Landmark:  d.Landmark,
	}
}

func splitName(name string) (string, string) {
	parts := strings.Fields(name)
	if len(parts) == 0 {
		return "", ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}
