package txpool

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-core/config"
	klog "github.com/Klingon-tech/klingnet-core/internal/log"
	"github.com/Klingon-tech/klingnet-core/internal/metrics"
	"github.com/Klingon-tech/klingnet-core/internal/notify"
	"github.com/Klingon-tech/klingnet-core/internal/service"
	"github.com/Klingon-tech/klingnet-core/internal/shared"
	"github.com/Klingon-tech/klingnet-core/pkg/block"
	"github.com/Klingon-tech/klingnet-core/pkg/tx"
)

const requestQueue = 64

// Hub is the part of the notify hub the pool uses.
type Hub interface {
	SubscribeNewTip(ctx context.Context, name string) (<-chan *block.Indexed, error)
	SubscribeSwitchFork(ctx context.Context, name string) (<-chan *notify.ForkBlocks, error)
	NotifyNewTransaction()
}

// Service is the pool before it is started.
type Service struct {
	pool       *Pool
	hub        Hub
	newTip     <-chan *block.Indexed
	switchFork <-chan *notify.ForkBlocks
	metrics    *metrics.Pool
	logger     zerolog.Logger
}

// New builds the pool on the current tip and subscribes it to chain events.
func New(ctx context.Context, s *shared.Shared, hub Hub, cfg config.PoolConfig, m *metrics.Pool) (*Service, error) {
	tip, err := s.Store.Tip()
	if err != nil {
		return nil, fmt.Errorf("pool: load tip: %w", err)
	}
	newTip, err := hub.SubscribeNewTip(ctx, notify.TxPoolSubscriber)
	if err != nil {
		return nil, fmt.Errorf("pool: subscribe new tip: %w", err)
	}
	switchFork, err := hub.SubscribeSwitchFork(ctx, notify.TxPoolSubscriber)
	if err != nil {
		return nil, fmt.Errorf("pool: subscribe switch fork: %w", err)
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = config.DefaultPoolMaxSize
	}
	if m == nil {
		m = metrics.Discard().Pool
	}
	return &Service{
		pool:       NewPool(s.Consensus, s.Store, tip, maxSize),
		hub:        hub,
		newTip:     newTip,
		switchFork: switchFork,
		metrics:    m,
		logger:     klog.Pool,
	}, nil
}

type addResult struct {
	result InsertionResult
	err    error
}

type selectArgs struct {
	maxProp int
	maxTx   int
}

type selection struct {
	proposals []*tx.Indexed
	commits   []*tx.Indexed
}

// Controller talks to a running pool service.
type Controller struct {
	addTransaction    service.Endpoint[*tx.Indexed, addResult]
	proposalCommitTxs service.Endpoint[selectArgs, selection]
	size              service.Endpoint[struct{}, Size]
}

// Start launches the worker. s must not be used afterwards.
func (s *Service) Start() (*service.Handle, *Controller) {
	h := service.NewHandle("txpool")
	c := &Controller{
		addTransaction:    service.NewEndpoint[*tx.Indexed, addResult](requestQueue, h.Done()),
		proposalCommitTxs: service.NewEndpoint[selectArgs, selection](requestQueue, h.Done()),
		size:              service.NewEndpoint[struct{}, Size](requestQueue, h.Done()),
	}
	h.Run(func() {
		s.logger.Info().Uint64("tip", s.pool.tip).Int("max_size", s.pool.maxSize).Msg("Transaction pool started")
		defer s.logger.Info().Msg("Transaction pool stopped")
		for {
			if h.Stopping() {
				return
			}
			select {
			case <-h.Quit():
				return
			case b := <-s.newTip:
				s.reconcile(b)
			case f := <-s.switchFork:
				if len(f.Attached) > 0 {
					s.reconcile(f.Attached[len(f.Attached)-1], f.Attached...)
				}
			case req := <-c.addTransaction.Requests():
				res, err := s.add(req.Arguments)
				req.Reply(addResult{result: res, err: err})
			case req := <-c.proposalCommitTxs.Requests():
				props, commits := s.pool.ProposalCommitTxs(req.Arguments.maxProp, req.Arguments.maxTx)
				req.Reply(selection{proposals: props, commits: commits})
			case req := <-c.size.Requests():
				req.Reply(s.pool.Size())
			}
		}
	})
	return h, c
}

func (s *Service) add(t *tx.Indexed) (InsertionResult, error) {
	res, err := s.pool.Add(t)
	s.metrics.ObserveAdmission(admissionLabel(err))
	if err != nil {
		s.logger.Debug().Err(err).Str("tx", t.Hash().Short()).Msg("Transaction rejected")
		return res, err
	}
	s.logger.Debug().Str("tx", t.Hash().Short()).Stringer("stage", res).Uint64("fee", s.pool.txs[t.Hash()].fee).Msg("Transaction accepted")
	s.updateSize()
	s.hub.NotifyNewTransaction()
	return res, nil
}

func (s *Service) reconcile(head *block.Indexed, known ...*block.Indexed) {
	r, err := s.pool.advance(head, known...)
	if err != nil {
		s.logger.Error().Err(err).Uint64("number", head.Number()).Str("hash", head.Hash().Short()).Msg("Pool reconciliation failed")
	}
	if r == nil {
		return
	}
	for reason, n := range r.removed {
		s.metrics.ObserveRemoved(reason, n)
	}
	readmitted := 0
	for _, o := range r.offered {
		switch {
		case o.err == nil:
			readmitted++
		case errors.Is(o.err, ErrAlreadyInPool):
		default:
			s.logger.Warn().Err(o.err).Str("tx", o.tx.Hash().Short()).Msg("Detached transaction not readmitted")
		}
	}
	s.updateSize()
	s.logger.Debug().
		Uint64("tip", head.Number()).
		Int("detached", r.detached).
		Int("attached", r.attached).
		Int("readmitted", readmitted).
		Msg("Pool reconciled")
}

func (s *Service) updateSize() {
	size := s.pool.Size()
	s.metrics.SetSize(size.Pending, size.Proposed)
}

func admissionLabel(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrInvalidTx):
		return "invalid"
	case errors.Is(err, ErrAlreadyInPool):
		return "known"
	case errors.Is(err, ErrDoubleSpent):
		return "double_spent"
	case errors.Is(err, ErrOverCapacity):
		return "full"
	case errors.Is(err, ErrDuplicateOutput):
		return "committed"
	case errors.Is(err, ErrCellBase):
		return "cellbase"
	case errors.Is(err, ErrTimeOut):
		return "timeout"
	case errors.Is(err, ErrInvalidBlockNumber):
		return "immature"
	default:
		return "error"
	}
}

// AddTransaction validates t and admits it to the pool.
func (c *Controller) AddTransaction(ctx context.Context, t *tx.Indexed) (InsertionResult, error) {
	res, err := c.addTransaction.Call(ctx, t)
	if err != nil {
		return 0, err
	}
	return res.result, res.err
}

// GetProposalCommitTxs returns up to maxProp transactions to propose and up
// to maxTx transactions to commit in the next block.
func (c *Controller) GetProposalCommitTxs(ctx context.Context, maxProp, maxTx int) (proposals, commits []*tx.Indexed, err error) {
	sel, err := c.proposalCommitTxs.Call(ctx, selectArgs{maxProp: maxProp, maxTx: maxTx})
	if err != nil {
		return nil, nil, err
	}
	return sel.proposals, sel.commits, nil
}

// Size returns the number of entries per stage.
func (c *Controller) Size(ctx context.Context) (Size, error) {
	return c.size.Call(ctx, struct{}{})
}
