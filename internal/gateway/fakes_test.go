package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

type countingLoader struct {
	calls atomic.Int32
	lib   Library
	err   error
}

func (l *countingLoader) Load(ctx context.Context) (Library, error) {
	l.calls.Add(1)
	return l.lib, l.err
}

// fakeLibrary opens a modal that returns a canned result.
type fakeLibrary struct {
	openErr error
	opened  []CheckoutOptions
}

func (f *fakeLibrary) Open(ctx context.Context, opts CheckoutOptions, p Presenter) (Modal, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	opts.OrderID = "order_test_1"
	f.opened = append(f.opened, opts)
	return &presentedModal{opts: opts, presenter: p}, nil
}

type fakePresenter struct {
	result ModalResult
	err    error
	seen   []CheckoutOptions
}

func (p *fakePresenter) Present(ctx context.Context, opts CheckoutOptions) (ModalResult, error) {
	p.seen = append(p.seen, opts)
	return p.result, p.err
}

type scriptedConfirmer struct {
	mu      sync.Mutex
	answers map[PromptID]bool
	asked   []PromptID
}

func (c *scriptedConfirmer) Confirm(ctx context.Context, p Prompt) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.asked = append(c.asked, p.ID)
	return c.answers[p.ID], nil
}

type fakeOpener struct {
	blocked map[Strategy]bool
	broken  map[Strategy]bool
	opened  []string
}

func (o *fakeOpener) Open(ctx context.Context, st Strategy, url string) (bool, error) {
	if o.broken[st] {
		return false, errors.New("no handler for url")
	}
	if o.blocked[st] {
		return false, nil
	}
	o.opened = append(o.opened, url)
	return true, nil
}
