package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
)

// echo starts a worker that answers every request with its argument
// doubled, until stopped.
func echo(t *testing.T) (*Handle, Endpoint[int, int]) {
	t.Helper()
	h := NewHandle("echo")
	ep := NewEndpoint[int, int](4, h.Done())
	h.Run(func() {
		for {
			if h.Stopping() {
				return
			}
			select {
			case <-h.Quit():
				return
			case req := <-ep.Requests():
				req.Reply(req.Arguments * 2)
			}
		}
	})
	return h, ep
}

func TestEndpoint_Call(t *testing.T) {
	defer leaktest.Check(t)()
	h, ep := echo(t)
	defer func() { h.Stop(); h.Join() }()

	for i := 0; i < 10; i++ {
		got, err := ep.Call(context.Background(), i)
		if err != nil {
			t.Fatalf("Call(%d): %v", i, err)
		}
		if got != 2*i {
			t.Errorf("Call(%d) = %d", i, got)
		}
	}
}

func TestEndpoint_CallAfterStop(t *testing.T) {
	defer leaktest.Check(t)()
	h, ep := echo(t)
	h.Stop()
	h.Join()

	if _, err := ep.Call(context.Background(), 1); !errors.Is(err, ErrServiceUnavailable) {
		t.Errorf("Call after stop = %v, want ErrServiceUnavailable", err)
	}
}

func TestEndpoint_WorkerExitsWithoutReply(t *testing.T) {
	defer leaktest.Check(t)()
	h := NewHandle("mute")
	ep := NewEndpoint[int, int](1, h.Done())
	h.Run(func() {
		<-ep.Requests()
	})

	if _, err := ep.Call(context.Background(), 1); !errors.Is(err, ErrServiceUnavailable) {
		t.Errorf("Call = %v, want ErrServiceUnavailable", err)
	}
	h.Join()
}

func TestEndpoint_ReplyBeforeExit(t *testing.T) {
	defer leaktest.Check(t)()
	h := NewHandle("once")
	ep := NewEndpoint[int, int](1, h.Done())
	h.Run(func() {
		req := <-ep.Requests()
		req.Reply(7)
	})

	got, err := ep.Call(context.Background(), 0)
	if err != nil || got != 7 {
		t.Errorf("Call = %d, %v", got, err)
	}
	h.Join()
}

func TestEndpoint_ContextDeadline(t *testing.T) {
	defer leaktest.Check(t)()
	h := NewHandle("busy")
	ep := NewEndpoint[int, int](1, h.Done())
	h.Run(func() { <-h.Quit() })
	defer func() { h.Stop(); h.Join() }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := ep.Call(ctx, 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Call = %v, want deadline exceeded", err)
	}
}

func TestMailbox_Send(t *testing.T) {
	defer leaktest.Check(t)()
	h := NewHandle("sink")
	mb := NewMailbox[int](2, h.Quit(), h.Done())
	got := make(chan int, 3)
	h.Run(func() {
		for {
			select {
			case <-h.Quit():
				return
			case m := <-mb.Messages():
				got <- m
			}
		}
	})

	for i := 1; i <= 3; i++ {
		if !mb.Send(i) {
			t.Fatalf("Send(%d) = false", i)
		}
	}
	for i := 1; i <= 3; i++ {
		if m := <-got; m != i {
			t.Errorf("message %d = %d", i, m)
		}
	}
	h.Stop()
	h.Join()
	if mb.Send(4) {
		t.Error("Send after exit = true")
	}
}

func TestMailbox_FullQueueUnblocksOnExit(t *testing.T) {
	defer leaktest.Check(t)()
	h := NewHandle("stuck")
	mb := NewMailbox[int](1, h.Quit(), h.Done())
	h.Run(func() { <-h.Quit() })

	mb.Send(1)
	sent := make(chan bool)
	go func() { sent <- mb.Send(2) }()

	select {
	case <-sent:
		t.Fatal("Send on full queue returned early")
	case <-time.After(20 * time.Millisecond):
	}
	h.Stop()
	if <-sent {
		t.Error("Send = true after worker exit")
	}
	h.Join()
}

func TestMailbox_SendAfterStopRequested(t *testing.T) {
	defer leaktest.Check(t)()
	h := NewHandle("draining")
	mb := NewMailbox[int](4, h.Quit(), h.Done())
	release := make(chan struct{})
	h.Run(func() { <-release })

	h.Stop()
	if mb.Send(1) {
		t.Error("Send after Stop = true while the worker is still running")
	}
	if n := len(mb.Messages()); n != 0 {
		t.Errorf("queue holds %d messages, want 0", n)
	}
	close(release)
	h.Join()
}

func TestHandle_StopIdempotent(t *testing.T) {
	defer leaktest.Check(t)()
	h := NewHandle("idle")
	h.Run(func() { <-h.Quit() })
	if h.Stopping() {
		t.Fatal("Stopping before Stop")
	}
	h.Stop()
	h.Stop()
	h.Join()
	if !h.Stopping() {
		t.Error("Stopping after Stop = false")
	}
	select {
	case <-h.Done():
	default:
		t.Error("Done not closed after Join")
	}
}

func TestHandle_StopHasPriority(t *testing.T) {
	defer leaktest.Check(t)()
	h := NewHandle("prio")
	mb := NewMailbox[int](8, h.Quit(), h.Done())
	for i := 0; i < 8; i++ {
		mb.Send(i)
	}
	h.Stop()

	handled := 0
	h.Run(func() {
		for {
			if h.Stopping() {
				return
			}
			select {
			case <-h.Quit():
				return
			case <-mb.Messages():
				handled++
			}
		}
	})
	h.Join()
	if handled != 0 {
		t.Errorf("handled %d messages after stop", handled)
	}
}
