package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/jaimaaruthi/checkout-orchestrator/internal/checkout"
	"github.com/jaimaaruthi/checkout-orchestrator/internal/gateway"
)

// PlaceFunc resolves one checkout attempt using the customer-facing ui.
type PlaceFunc func(ctx context.Context, ui gateway.UI) (*checkout.Result, error)

// Step is what a client sees next: a question, or the finished attempt.
type Step struct {
	Interaction *Interaction
	Done        bool
	Result      *checkout.Result
	Err         error
}

// Run is a payment attempt executing in the background.
type Run struct {
	bridge *Bridge
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	result *checkout.Result
	err    error
}

// Start runs place in its own goroutine. The attempt is detached from the
// request that started it and ends on completion, Cancel, or an unanswered question.
func Start(parent context.Context, interactionTimeout time.Duration, place PlaceFunc) *Run {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	r := &Run{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.bridge = New(interactionTimeout, cancel)

	go func() {
		defer close(r.done)
		defer cancel()
		res, err := place(ctx, r.bridge.UI())
		r.mu.Lock()
		r.result, r.err = res, err
		r.mu.Unlock()
	}()
	return r
}

// Next waits for an interaction other than after, or for the attempt to finish.
func (r *Run) Next(ctx context.Context, after string) (Step, error) {
	for {
		changed := r.bridge.changes()

		select {
		case <-r.done:
			return r.finished(), nil
		default:
		}
		if in, ok := r.bridge.Current(); ok && in.ID != after {
			return Step{Interaction: &in}, nil
		}

		select {
		case <-changed:
		case <-r.done:
		case <-ctx.Done():
			return Step{}, ctx.Err()
		}
	}
}

// Answer replies to the current interaction.
func (r *Run) Answer(rep Reply) error {
	return r.bridge.Answer(rep)
}

// Current is the unanswered interaction, if any.
func (r *Run) Current() (Interaction, bool) {
	return r.bridge.Current()
}

// Cancel abandons the attempt.
func (r *Run) Cancel() { r.cancel() }

func (r *Run) Done() <-chan struct{} { return r.done }

func (r *Run) finished() Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Step{Done: true, Result: r.result, Err: r.err}
}
