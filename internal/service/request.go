package service

import (
	"context"
	"fmt"
)

// Request carries the arguments of a call and the channel its single
// response goes back on.
type Request[A, R any] struct {
	Arguments A
	reply     chan R
}

// Reply sends the response. The reply channel is buffered, so the worker
// never blocks here even if the caller has gone away.
func (r Request[A, R]) Reply(resp R) {
	r.reply <- resp
}

// Endpoint is the synchronous entry point of one operation of a worker.
type Endpoint[A, R any] struct {
	queue chan Request[A, R]
	done  <-chan struct{}
}

// NewEndpoint creates an endpoint with a queue of the given capacity,
// bound to the worker whose exit closes done.
func NewEndpoint[A, R any](capacity int, done <-chan struct{}) Endpoint[A, R] {
	return Endpoint[A, R]{
		queue: make(chan Request[A, R], capacity),
		done:  done,
	}
}

// Requests is the worker side of the endpoint.
func (e Endpoint[A, R]) Requests() <-chan Request[A, R] { return e.queue }

// Call sends args to the worker and waits for its response.
//
// If the worker exits before replying the call returns ErrServiceUnavailable.
// If ctx ends first the call returns the context error; the worker may still
// process the request later.
func (e Endpoint[A, R]) Call(ctx context.Context, args A) (R, error) {
	var zero R
	select {
	case <-e.done:
		return zero, ErrServiceUnavailable
	default:
	}

	req := Request[A, R]{Arguments: args, reply: make(chan R, 1)}
	select {
	case e.queue <- req:
	case <-e.done:
		return zero, ErrServiceUnavailable
	case <-ctx.Done():
		return zero, fmt.Errorf("service call: %w", ctx.Err())
	}

	select {
	case resp := <-req.reply:
		return resp, nil
	case <-e.done:
		// The worker may have replied just before exiting.
		select {
		case resp := <-req.reply:
			return resp, nil
		default:
			return zero, ErrServiceUnavailable
		}
	case <-ctx.Done():
		return zero, fmt.Errorf("service call: %w", ctx.Err())
	}
}

// Mailbox is a fire-and-forget queue into a worker.
type Mailbox[M any] struct {
	queue chan M
	quit  <-chan struct{}
	done  <-chan struct{}
}

// NewMailbox creates a mailbox with a queue of the given capacity. quit and
// done are the worker handle's channels.
func NewMailbox[M any](capacity int, quit, done <-chan struct{}) Mailbox[M] {
	return Mailbox[M]{
		queue: make(chan M, capacity),
		quit:  quit,
		done:  done,
	}
}

// Messages is the worker side of the mailbox.
func (m Mailbox[M]) Messages() <-chan M { return m.queue }

// Send queues msg. It blocks only while the queue is full and the worker
// is running, and returns false once the worker was asked to stop or has
// exited.
func (m Mailbox[M]) Send(msg M) bool {
	select {
	case <-m.quit:
		return false
	case <-m.done:
		return false
	default:
	}
	select {
	case m.queue <- msg:
		return true
	case <-m.quit:
		return false
	case <-m.done:
		return false
	}
}
