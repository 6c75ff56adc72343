package gateway

import (
	"context"
	"sync"
	"time"
)

const defaultLoadTimeout = 20 * time.Second

// LibraryHandle acquires the gateway client library at most once per process.
// The first result, library or error, is cached for every later caller.
type LibraryHandle struct {
	loader  Loader
	timeout time.Duration

	once sync.Once
	lib  Library
	err  error
}

func NewLibraryHandle(loader Loader) *LibraryHandle {
	return &LibraryHandle{loader: loader, timeout: defaultLoadTimeout}
}

// Acquire returns the cached library, loading it on first use.
func (h *LibraryHandle) Acquire(ctx context.Context) (Library, error) {
	h.once.Do(func() {
		// detach from the first caller so its cancellation is not cached for everyone
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.timeout)
		defer cancel()
		h.lib, h.err = h.loader.Load(lctx)
	})
	return h.lib, h.err
}
