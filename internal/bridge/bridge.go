// Package bridge lets a payment attempt that needs customer input run behind
// a request/response API. Gateway capability calls become Interactions that a
// client fetches and answers.
package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jaimaaruthi/checkout-orchestrator/internal/gateway"
)

type Kind string

const (
	KindModal   Kind = "modal"
	KindConfirm Kind = "confirm"
	KindOpen    Kind = "open"
)

var (
	ErrNoInteraction      = errors.New("no interaction is waiting for a reply")
	ErrStaleInteraction   = errors.New("interaction already answered or superseded")
	ErrBadReply           = errors.New("reply does not answer the interaction")
	ErrInteractionTimeout = errors.New("customer did not respond in time")
)

// Interaction is one question for the customer.
type Interaction struct {
	ID       string                   `json:"id"`
	Kind     Kind                     `json:"kind"`
	Checkout *gateway.CheckoutOptions `json:"checkout,omitempty"`
	Prompt   *gateway.Prompt          `json:"prompt,omitempty"`
	Strategy gateway.Strategy         `json:"strategy,omitempty"`
	URL      string                   `json:"url,omitempty"`
}

// Reply answers the interaction named by InteractionID.
type Reply struct {
	InteractionID string               `json:"interactionId" validate:"required"`
	Modal         *gateway.ModalResult `json:"modal,omitempty"`
	Confirmed     *bool                `json:"confirmed,omitempty"`
	Opened        *bool                `json:"opened,omitempty"`
}

type waiting struct {
	Interaction
	reply    chan Reply
	answered bool
}

// Bridge implements gateway.Presenter, gateway.Confirmer and gateway.Opener.
type Bridge struct {
	timeout   time.Duration
	onTimeout func()

	mu      sync.Mutex
	current *waiting
	changed chan struct{}
}

// New returns a Bridge whose questions expire after timeout; onTimeout runs when one does.
func New(timeout time.Duration, onTimeout func()) *Bridge {
	if onTimeout == nil {
		onTimeout = func() {}
	}
	return &Bridge{
		timeout:   timeout,
		onTimeout: onTimeout,
		changed:   make(chan struct{}),
	}
}

func (b *Bridge) UI() gateway.UI {
	return gateway.UI{Presenter: b, Confirmer: b, Opener: b}
}

func (b *Bridge) Present(ctx context.Context, opts gateway.CheckoutOptions) (gateway.ModalResult, error) {
	r, err := b.ask(ctx, Interaction{Kind: KindModal, Checkout: &opts})
	if err != nil {
		return gateway.ModalResult{}, err
	}
	return *r.Modal, nil
}

func (b *Bridge) Confirm(ctx context.Context, p gateway.Prompt) (bool, error) {
	r, err := b.ask(ctx, Interaction{Kind: KindConfirm, Prompt: &p})
	if err != nil {
		return false, err
	}
	return *r.Confirmed, nil
}

func (b *Bridge) Open(ctx context.Context, strategy gateway.Strategy, url string) (bool, error) {
	r, err := b.ask(ctx, Interaction{Kind: KindOpen, Strategy: strategy, URL: url})
	if err != nil {
		return false, err
	}
	return *r.Opened, nil
}

// Current returns the unanswered interaction, if any.
func (b *Bridge) Current() (Interaction, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil || b.current.answered {
		return Interaction{}, false
	}
	return b.current.Interaction, true
}

// Answer delivers a reply to the waiting interaction.
func (b *Bridge) Answer(r Reply) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	w := b.current
	if w == nil {
		return ErrNoInteraction
	}
	if w.ID != r.InteractionID || w.answered {
		return ErrStaleInteraction
	}
	if !answers(w.Kind, r) {
		return ErrBadReply
	}
	w.answered = true
	w.reply <- r
	b.notifyLocked()
	return nil
}

func answers(k Kind, r Reply) bool {
	switch k {
	case KindModal:
		if r.Modal == nil {
			return false
		}
		switch r.Modal.Kind {
		case gateway.ModalSuccess, gateway.ModalDismissed, gateway.ModalFailed:
			return true
		}
		return false
	case KindConfirm:
		return r.Confirmed != nil
	case KindOpen:
		return r.Opened != nil
	}
	return false
}

// changes returns a channel closed on the next change of the current interaction.
func (b *Bridge) changes() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.changed
}

func (b *Bridge) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *Bridge) ask(ctx context.Context, in Interaction) (Reply, error) {
	in.ID = uuid.NewString()
	w := &waiting{Interaction: in, reply: make(chan Reply, 1)}

	b.mu.Lock()
	b.current = w
	b.notifyLocked()
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		if b.current == w {
			b.current = nil
			b.notifyLocked()
		}
		b.mu.Unlock()
	}()

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case r := <-w.reply:
		return r, nil
	case <-timer.C:
		// the attempt is abandoned rather than failed: money may have moved
		b.onTimeout()
		if err := ctx.Err(); err != nil {
			return Reply{}, err
		}
		return Reply{}, ErrInteractionTimeout
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}
