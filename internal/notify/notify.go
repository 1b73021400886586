// Package notify is the event hub of the node. Producers publish chain and
// pool events without blocking; the hub fans each event out by reference to
// every subscriber of its topic.
package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-core/config"
	klog "github.com/Klingon-tech/klingnet-core/internal/log"
	"github.com/Klingon-tech/klingnet-core/internal/metrics"
	"github.com/Klingon-tech/klingnet-core/internal/service"
	"github.com/Klingon-tech/klingnet-core/pkg/block"
)

// Well-known subscriber names.
const (
	MinerSubscriber  = "miner"
	TxPoolSubscriber = "txs_pool"
)

// Topic names, used in logs and metrics.
const (
	TopicNewTransaction = "new_transaction"
	TopicNewTip         = "new_tip"
	TopicSwitchFork     = "switch_fork"
)

// Queue sizes of the hub itself.
const (
	registerQueue = 2
	notifyQueue   = 128
)

// ForkBlocks describes a switch of the best chain. Detached holds the
// blocks of the old best path and Attached the blocks of the new one, both
// in ascending number order, starting right after the common ancestor.
type ForkBlocks struct {
	Detached []*block.Indexed
	Attached []*block.Indexed
}

// NewTransaction is the payload of the new_transaction topic.
type NewTransaction struct{}

// Service is the hub before it is started.
type Service struct {
	capacity int
	metrics  *metrics.Notify
	logger   zerolog.Logger
}

// New creates a hub whose subscriber endpoints buffer capacity events.
func New(capacity int, m *metrics.Notify) *Service {
	if capacity <= 0 {
		capacity = config.DefaultSubscriberCapacity
	}
	if m == nil {
		m = metrics.Discard().Notify
	}
	return &Service{capacity: capacity, metrics: m, logger: klog.Notify}
}

// Controller is the handle other services use to reach the hub.
type Controller struct {
	handle *service.Handle

	newTransactionRegister service.Endpoint[string, <-chan NewTransaction]
	newTipRegister         service.Endpoint[string, <-chan *block.Indexed]
	switchForkRegister     service.Endpoint[string, <-chan *ForkBlocks]

	newTransactionNotifier service.Mailbox[NewTransaction]
	newTipNotifier         service.Mailbox[*block.Indexed]
	switchForkNotifier     service.Mailbox[*ForkBlocks]

	logger zerolog.Logger
}

// topic is the subscriber registry of one event type.
type topic[T any] struct {
	name        string
	capacity    int
	subscribers map[string]chan T
	metrics     *metrics.Notify
	logger      zerolog.Logger
}

func newTopic[T any](name string, s *Service) *topic[T] {
	return &topic[T]{
		name:        name,
		capacity:    s.capacity,
		subscribers: make(map[string]chan T),
		metrics:     s.metrics,
		logger:      s.logger,
	}
}

// register creates the endpoint for name, replacing any earlier one.
func (t *topic[T]) register(req service.Request[string, <-chan T]) {
	name := req.Arguments
	if _, ok := t.subscribers[name]; ok {
		t.logger.Debug().Str("topic", t.name).Str("subscriber", name).Msg("Replacing subscriber")
	} else {
		t.logger.Debug().Str("topic", t.name).Str("subscriber", name).Msg("Subscriber registered")
	}
	ch := make(chan T, t.capacity)
	t.subscribers[name] = ch
	req.Reply(ch)
}

// publish hands msg to every subscriber that has room for it.
func (t *topic[T]) publish(msg T) {
	for name, ch := range t.subscribers {
		select {
		case ch <- msg:
			t.metrics.ObserveDelivered(t.name)
		default:
			t.metrics.ObserveDropped(t.name)
			t.logger.Warn().Str("topic", t.name).Str("subscriber", name).Msg("Subscriber full, event dropped")
		}
	}
}

// Start launches the hub worker. s must not be used afterwards.
func (s *Service) Start() (*service.Handle, *Controller) {
	h := service.NewHandle("notify")
	c := &Controller{
		handle:                 h,
		newTransactionRegister: service.NewEndpoint[string, <-chan NewTransaction](registerQueue, h.Done()),
		newTipRegister:         service.NewEndpoint[string, <-chan *block.Indexed](registerQueue, h.Done()),
		switchForkRegister:     service.NewEndpoint[string, <-chan *ForkBlocks](registerQueue, h.Done()),
		newTransactionNotifier: service.NewMailbox[NewTransaction](notifyQueue, h.Quit(), h.Done()),
		newTipNotifier:         service.NewMailbox[*block.Indexed](notifyQueue, h.Quit(), h.Done()),
		switchForkNotifier:     service.NewMailbox[*ForkBlocks](notifyQueue, h.Quit(), h.Done()),
		logger:                 s.logger,
	}

	newTransaction := newTopic[NewTransaction](TopicNewTransaction, s)
	newTip := newTopic[*block.Indexed](TopicNewTip, s)
	switchFork := newTopic[*ForkBlocks](TopicSwitchFork, s)

	publishNewTip := func(msg *block.Indexed) {
		s.logger.Debug().Uint64("number", msg.Number()).Str("hash", msg.Hash().Short()).Msg("Event new tip")
		newTip.publish(msg)
	}
	publishSwitchFork := func(msg *ForkBlocks) {
		s.logger.Debug().Int("detached", len(msg.Detached)).Int("attached", len(msg.Attached)).Msg("Event switch fork")
		switchFork.publish(msg)
	}
	// flush publishes the events queued so far. Registrations are served
	// only after it, so a subscriber never sees an event sent before it
	// subscribed.
	flush := func() {
		for n := len(c.newTransactionNotifier.Messages()); n > 0; n-- {
			newTransaction.publish(<-c.newTransactionNotifier.Messages())
		}
		for n := len(c.newTipNotifier.Messages()); n > 0; n-- {
			publishNewTip(<-c.newTipNotifier.Messages())
		}
		for n := len(c.switchForkNotifier.Messages()); n > 0; n-- {
			publishSwitchFork(<-c.switchForkNotifier.Messages())
		}
	}

	h.Run(func() {
		s.logger.Info().Msg("Notify hub started")
		defer s.logger.Info().Msg("Notify hub stopped")
		for {
			if h.Stopping() {
				return
			}
			select {
			case <-h.Quit():
				return
			case req := <-c.newTransactionRegister.Requests():
				flush()
				newTransaction.register(req)
			case req := <-c.newTipRegister.Requests():
				flush()
				newTip.register(req)
			case req := <-c.switchForkRegister.Requests():
				flush()
				switchFork.register(req)
			case msg := <-c.newTransactionNotifier.Messages():
				newTransaction.publish(msg)
			case msg := <-c.newTipNotifier.Messages():
				publishNewTip(msg)
			case msg := <-c.switchForkNotifier.Messages():
				publishSwitchFork(msg)
			}
		}
	})
	return h, c
}

// Stop asks the hub to exit. Pending events are discarded.
func (c *Controller) Stop() { c.handle.Stop() }

// SubscribeNewTransaction registers name for new_transaction events.
func (c *Controller) SubscribeNewTransaction(ctx context.Context, name string) (<-chan NewTransaction, error) {
	return c.newTransactionRegister.Call(ctx, name)
}

// SubscribeNewTip registers name for new_tip events.
func (c *Controller) SubscribeNewTip(ctx context.Context, name string) (<-chan *block.Indexed, error) {
	return c.newTipRegister.Call(ctx, name)
}

// SubscribeSwitchFork registers name for switch_fork events.
func (c *Controller) SubscribeSwitchFork(ctx context.Context, name string) (<-chan *ForkBlocks, error) {
	return c.switchForkRegister.Call(ctx, name)
}

// NotifyNewTransaction publishes a new_transaction event.
func (c *Controller) NotifyNewTransaction() {
	if !c.newTransactionNotifier.Send(NewTransaction{}) {
		c.logger.Warn().Str("topic", TopicNewTransaction).Msg("Notify hub stopped, event lost")
	}
}

// NotifyNewTip publishes a new_tip event.
func (c *Controller) NotifyNewTip(b *block.Indexed) {
	if !c.newTipNotifier.Send(b) {
		c.logger.Warn().Str("topic", TopicNewTip).Msg("Notify hub stopped, event lost")
	}
}

// NotifySwitchFork publishes a switch_fork event.
func (c *Controller) NotifySwitchFork(f *ForkBlocks) {
	if !c.switchForkNotifier.Send(f) {
		c.logger.Warn().Str("topic", TopicSwitchFork).Msg("Notify hub stopped, event lost")
	}
}
