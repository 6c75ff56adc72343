package payment

import (
	"errors"
	"fmt"
	"sync"
)

// Method is one of the closed set of payment methods offered at checkout.
type Method string

const (
	MethodGateway        Method = "gateway"
	MethodDirectUPI      Method = "directUpi"
	MethodCard           Method = "card"
	MethodCashOnDelivery Method = "cashOnDelivery"
)

var allMethods = []Method{MethodGateway, MethodDirectUPI, MethodCard, MethodCashOnDelivery}

var (
	ErrUnknownMethod      = errors.New("unknown payment method")
	ErrMethodNotSupported = errors.New("payment method not yet supported")
	ErrNoSelection        = errors.New("no payment method selected")
)

// ParseMethod maps a wire value onto the closed set.
func ParseMethod(s string) (Method, error) {
	for _, m := range allMethods {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
}

// Label is the human-readable name shown on the outcome screen.
func Label(m Method) string {
	switch m {
	case MethodGateway:
		return "Online Payment"
	case MethodDirectUPI:
		return "UPI Payment"
	case MethodCard:
		return "Credit/Debit Card"
	case MethodCashOnDelivery:
		return "Cash on Delivery"
	}
	return string(m)
}

// Selector holds the enabled methods and the current choice for one session.
type Selector struct {
	mu       sync.RWMutex
	enabled  map[Method]bool
	selected Method
}

// NewSelector enables the given methods. Declared methods left out are rejected on Select.
func NewSelector(enabled ...Method) *Selector {
	s := &Selector{enabled: make(map[Method]bool, len(enabled))}
	for _, m := range enabled {
		s.enabled[m] = true
	}
	return s
}

// Select records the choice. The previous selection is kept when m is rejected.
func (s *Selector) Select(m Method) error {
	if _, err := ParseMethod(string(m)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled[m] {
		return fmt.Errorf("%w: %s", ErrMethodNotSupported, Label(m))
	}
	s.selected = m
	return nil
}

func (s *Selector) Selected() (Method, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected, s.selected != ""
}

// Require returns the selection or ErrNoSelection.
func (s *Selector) Require() (Method, error) {
	m, ok := s.Selected()
	if !ok {
		return "", ErrNoSelection
	}
	return m, nil
}

// Available lists enabled methods in display order.
func (s *Selector) Available() []Method {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Method, 0, len(s.enabled))
	for _, m := range allMethods {
		if s.enabled[m] {
			out = append(out, m)
		}
	}
	return out
}

// IsGatewayBacked reports whether m must be resolved through the payment gateway.
// directUpi and card only reach here when enabled, and then charge through the gateway.
func IsGatewayBacked(m Method) bool {
	switch m {
	case MethodGateway, MethodDirectUPI, MethodCard:
		return true
	}
	return false
}

// BusinessStatus is the order status persisted for methods settled outside the gateway.
func BusinessStatus(m Method) string {
	if m == MethodCashOnDelivery {
		return "pending"
	}
	return "completed"
}
