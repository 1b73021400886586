package notify

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-core/internal/metrics"
	"github.com/Klingon-tech/klingnet-core/internal/service"
	"github.com/Klingon-tech/klingnet-core/pkg/block"
)

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}

// start runs a hub and returns the function that stops it.
func start(capacity int) (*Controller, func()) {
	h, c := New(capacity, nil).Start()
	return c, func() {
		c.Stop()
		h.Join()
	}
}

func TestNotify_NewTransaction(t *testing.T) {
	defer leaktest.Check(t)()
	c, stop := start(0)
	defer stop()
	ctx := context.Background()

	r1, err := c.SubscribeNewTransaction(ctx, "miner1")
	if err != nil {
		t.Fatal(err)
	}
	r2, err := c.SubscribeNewTransaction(ctx, "miner2")
	if err != nil {
		t.Fatal(err)
	}
	c.NotifyNewTransaction()
	recv(t, r1)
	recv(t, r2)
}

func TestNotify_NewTipSharesBlock(t *testing.T) {
	defer leaktest.Check(t)()
	c, stop := start(0)
	defer stop()
	ctx := context.Background()

	r1, _ := c.SubscribeNewTip(ctx, MinerSubscriber)
	r2, _ := c.SubscribeNewTip(ctx, TxPoolSubscriber)
	tip := block.NewIndexed(&block.Block{Header: &block.Header{Number: 7}})
	c.NotifyNewTip(tip)

	if got := recv(t, r1); got != tip {
		t.Error("subscriber 1 got a different block")
	}
	if got := recv(t, r2); got != tip {
		t.Error("subscriber 2 got a different block")
	}
}

func TestNotify_SwitchFork(t *testing.T) {
	defer leaktest.Check(t)()
	c, stop := start(0)
	defer stop()
	ctx := context.Background()

	r1, _ := c.SubscribeSwitchFork(ctx, "a")
	r2, _ := c.SubscribeSwitchFork(ctx, "b")
	fork := &ForkBlocks{}
	c.NotifySwitchFork(fork)
	if recv(t, r1) != fork || recv(t, r2) != fork {
		t.Error("fork not shared by reference")
	}
}

func TestNotify_OrderPerTopic(t *testing.T) {
	defer leaktest.Check(t)()
	c, stop := start(16)
	defer stop()
	r, _ := c.SubscribeNewTip(context.Background(), "ordered")

	var sent []*block.Indexed
	for i := 0; i < 10; i++ {
		b := block.NewIndexed(&block.Block{Header: &block.Header{Number: uint64(i)}})
		sent = append(sent, b)
		c.NotifyNewTip(b)
	}
	for i, want := range sent {
		if got := recv(t, r); got != want {
			t.Fatalf("event %d out of order: got number %d", i, got.Number())
		}
	}
}

func TestNotify_FullSubscriberDrops(t *testing.T) {
	defer leaktest.Check(t)()
	m := metrics.New("test", prometheus.NewRegistry()).Notify
	h, c := New(1, m).Start()
	defer func() { c.Stop(); h.Join() }()
	ctx := context.Background()

	slow, _ := c.SubscribeNewTransaction(ctx, "slow")
	fast, _ := c.SubscribeNewTransaction(ctx, "fast")

	c.NotifyNewTransaction()
	recv(t, fast)
	c.NotifyNewTransaction()
	recv(t, fast)
	// A round trip through the hub finishes the second fan-out.
	if _, err := c.SubscribeNewTip(ctx, "sync"); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.Dropped(TopicNewTransaction)); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}

	// slow holds the first event and lost the second.
	recv(t, slow)
	select {
	case <-slow:
		t.Error("slow subscriber got the dropped event")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestNotify_ReRegisterReplaces(t *testing.T) {
	defer leaktest.Check(t)()
	c, stop := start(0)
	defer stop()
	ctx := context.Background()

	old, _ := c.SubscribeNewTransaction(ctx, MinerSubscriber)
	fresh, _ := c.SubscribeNewTransaction(ctx, MinerSubscriber)
	c.NotifyNewTransaction()
	recv(t, fresh)
	select {
	case <-old:
		t.Error("replaced endpoint still receives")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestNotify_Stopped(t *testing.T) {
	defer leaktest.Check(t)()
	h, c := New(0, nil).Start()
	c.Stop()
	h.Join()

	if _, err := c.SubscribeNewTip(context.Background(), "late"); !errors.Is(err, service.ErrServiceUnavailable) {
		t.Errorf("subscribe after stop = %v", err)
	}
	// Must return without blocking even with the notifier queue full.
	for i := 0; i < 2*notifyQueue; i++ {
		c.NotifyNewTransaction()
	}
	c.Stop()
}

func TestNotify_StopWithQueuedEvents(t *testing.T) {
	defer leaktest.Check(t)()
	h, c := New(0, nil).Start()
	if _, err := c.SubscribeNewTransaction(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
	c.Stop()
	for i := 0; i < 10; i++ {
		c.NotifyNewTransaction()
	}
	h.Join()
}

func TestNotify_LateSubscriberMissesEarlierEvent(t *testing.T) {
	defer leaktest.Check(t)()
	c, stop := start(0)
	defer stop()
	ctx := context.Background()
	tip := block.NewIndexed(&block.Block{Header: &block.Header{Number: 1}})

	for round := 0; round < 50; round++ {
		for i := 0; i < 100; i++ {
			c.NotifyNewTip(tip)
		}
		c.NotifyNewTransaction()
		late, err := c.SubscribeNewTransaction(ctx, "late")
		if err != nil {
			t.Fatal(err)
		}
		// A round trip through the hub finishes any fan-out still queued.
		if _, err := c.SubscribeSwitchFork(ctx, "sync"); err != nil {
			t.Fatal(err)
		}
		select {
		case <-late:
			t.Fatalf("round %d: late subscriber received an event sent before it subscribed", round)
		default:
		}
	}
}

func TestNotify_AfterStopWarns(t *testing.T) {
	defer leaktest.Check(t)()
	h, c := New(0, nil).Start()
	var buf bytes.Buffer
	c.logger = zerolog.New(&buf)

	c.Stop()
	c.NotifyNewTip(block.NewIndexed(&block.Block{Header: &block.Header{Number: 3}}))
	c.NotifyNewTransaction()
	c.NotifySwitchFork(&ForkBlocks{})
	h.Join()

	if got := strings.Count(buf.String(), "Notify hub stopped, event lost"); got != 3 {
		t.Errorf("logged %d lost-event warnings, want 3:\n%s", got, buf.String())
	}
}
