// Package service holds the building blocks every node service is made of:
// a join handle, synchronous request endpoints and fire-and-forget mailboxes.
//
// A service is a single worker goroutine that owns its state. Other
// goroutines talk to it through a Controller, a small copyable struct of
// endpoints and mailboxes. Once the worker has exited every endpoint fails
// fast with ErrServiceUnavailable instead of blocking.
package service

import (
	"errors"
	"sync"
)

// ErrServiceUnavailable is returned when the target worker has exited.
var ErrServiceUnavailable = errors.New("service unavailable")

// Handle is the join handle of a running service.
type Handle struct {
	name string
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

// NewHandle creates a handle for a service that has not started yet.
func NewHandle(name string) *Handle {
	return &Handle{
		name: name,
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Name returns the service name, for logs.
func (h *Handle) Name() string { return h.name }

// Run starts fn on its own goroutine. Done is closed when fn returns.
// Run must be called exactly once.
func (h *Handle) Run(fn func()) {
	go func() {
		defer close(h.done)
		fn()
	}()
}

// Stop asks the worker to exit. Safe to call more than once and from any
// goroutine.
func (h *Handle) Stop() {
	h.once.Do(func() { close(h.quit) })
}

// Quit is closed once Stop has been called. Workers select on it.
func (h *Handle) Quit() <-chan struct{} { return h.quit }

// Stopping reports, without blocking, whether Stop has been called.
// Event loops call it before their multiplexed select so that shutdown
// wins over any ready message.
func (h *Handle) Stopping() bool {
	select {
	case <-h.quit:
		return true
	default:
		return false
	}
}

// Done is closed once the worker has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Join blocks until the worker has exited.
func (h *Handle) Join() { <-h.done }
