// Package miner assembles block templates from the chain tip, the pool
// selection and known uncles, and grinds proof of work on them between
// message checks.
package miner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-core/config"
	"github.com/Klingon-tech/klingnet-core/internal/chain"
	klog "github.com/Klingon-tech/klingnet-core/internal/log"
	"github.com/Klingon-tech/klingnet-core/internal/metrics"
	"github.com/Klingon-tech/klingnet-core/internal/notify"
	"github.com/Klingon-tech/klingnet-core/internal/service"
	"github.com/Klingon-tech/klingnet-core/internal/shared"
	"github.com/Klingon-tech/klingnet-core/pkg/block"
	"github.com/Klingon-tech/klingnet-core/pkg/tx"
	"github.com/Klingon-tech/klingnet-core/pkg/types"
)

// retryDelay is how long the miner waits after a failed template build.
const retryDelay = 500 * time.Millisecond

// Hub is the part of the notify hub the miner listens to.
type Hub interface {
	SubscribeNewTransaction(ctx context.Context, name string) (<-chan notify.NewTransaction, error)
	SubscribeNewTip(ctx context.Context, name string) (<-chan *block.Indexed, error)
	SubscribeSwitchFork(ctx context.Context, name string) (<-chan *notify.ForkBlocks, error)
}

// Pool selects the transactions of a template.
type Pool interface {
	GetProposalCommitTxs(ctx context.Context, maxProp, maxTx int) (proposals, commits []*tx.Indexed, err error)
}

// Verifier checks a solved block.
type Verifier interface {
	Verify(ctx context.Context, b *block.Indexed) error
}

// Chain admits a solved block.
type Chain interface {
	ProcessBlock(ctx context.Context, b *block.Indexed) error
	TipHeader(ctx context.Context) (chain.TipHeader, error)
}

// Deps are the services the miner talks to.
type Deps struct {
	Hub      Hub
	Pool     Pool
	Verifier Verifier
	Chain    Chain
}

// submission is the outcome of handing a solved block to the node.
type submission struct {
	block *block.Indexed
	err   error
}

// Service is the miner before it is started.
type Service struct {
	shared *shared.Shared
	deps   Deps
	ctl    *Controller
	cfg    config.MiningConfig
	lock   types.Script

	newTip     <-chan *block.Indexed
	switchFork <-chan *notify.ForkBlocks
	newTx      <-chan notify.NewTransaction
	submitted  chan submission
	retry      <-chan time.Time

	// parent is the head templates are built on, the heaviest one heard of.
	parent       *block.Header
	parentTD     *uint256.Int
	miningNumber types.BlockNumber
	candidates   map[types.Hash]*block.Indexed

	template *block.Block
	stale    bool
	// waiting is set while a solved block is being submitted.
	waiting bool
	submits sync.WaitGroup

	metrics *metrics.Miner
	logger  zerolog.Logger
}

// New builds the miner on the current chain tip. ctl may be nil, in which
// case a fresh controller is created.
func New(ctx context.Context, s *shared.Shared, ctl *Controller, deps Deps, cfg config.MiningConfig, m *metrics.Miner) (*Service, error) {
	var lock types.Script
	if cfg.Enabled {
		addr, err := types.ParseAddress(cfg.Coinbase)
		if err != nil {
			return nil, fmt.Errorf("miner coinbase: %w", err)
		}
		lock = types.P2PKH(addr)
	}
	if cfg.NoncesPerStep == 0 {
		cfg.NoncesPerStep = config.DefaultNoncesPerStep
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = config.DefaultMiningCallTimeout
	}

	tip, err := deps.Chain.TipHeader(ctx)
	if err != nil {
		return nil, fmt.Errorf("miner: tip header: %w", err)
	}
	parent, err := s.Store.Header(tip.Hash)
	if err != nil {
		return nil, fmt.Errorf("miner: load tip: %w", err)
	}
	newTx, err := deps.Hub.SubscribeNewTransaction(ctx, notify.MinerSubscriber)
	if err != nil {
		return nil, fmt.Errorf("miner: subscribe new transaction: %w", err)
	}
	newTip, err := deps.Hub.SubscribeNewTip(ctx, notify.MinerSubscriber)
	if err != nil {
		return nil, fmt.Errorf("miner: subscribe new tip: %w", err)
	}
	switchFork, err := deps.Hub.SubscribeSwitchFork(ctx, notify.MinerSubscriber)
	if err != nil {
		return nil, fmt.Errorf("miner: subscribe switch fork: %w", err)
	}

	if ctl == nil {
		ctl = NewController()
	}
	if m == nil {
		m = metrics.Discard().Miner
	}
	return &Service{
		shared:       s,
		deps:         deps,
		ctl:          ctl,
		cfg:          cfg,
		lock:         lock,
		newTip:       newTip,
		switchFork:   switchFork,
		newTx:        newTx,
		submitted:    make(chan submission, 1),
		parent:       parent,
		parentTD:     tip.TotalDifficulty,
		miningNumber: parent.Number + 1,
		candidates:   make(map[types.Hash]*block.Indexed),
		metrics:      m,
		logger:       klog.Miner,
	}, nil
}

// Start launches the worker. s must not be used afterwards.
func (s *Service) Start() (*service.Handle, *Controller) {
	h, c := s.ctl.handle, s.ctl
	h.Run(func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer func() {
			cancel()
			s.submits.Wait()
			s.logger.Info().Msg("Miner stopped")
		}()
		s.logger.Info().
			Bool("enabled", s.cfg.Enabled).
			Uint64("mining_number", s.miningNumber).
			Msg("Miner started")

		for {
			if h.Stopping() {
				return
			}
			if s.idle() {
				s.step(ctx)
				continue
			}
			select {
			case <-h.Quit():
				return
			case b := <-c.uncles.Messages():
				s.addUncle(b)
			case req := <-c.candidates.Requests():
				req.Reply(s.candidateHashes())
			case b := <-s.newTip:
				s.onHead(b)
			case f := <-s.switchFork:
				s.onSwitchFork(f)
			case <-s.newTx:
				s.stale = true
			case r := <-s.submitted:
				s.onSubmitted(r)
			case <-s.retry:
				s.retry = nil
			}
		}
	})
	return h, c
}

// idle reports whether the worker may do a unit of mining: mining is on,
// nothing is blocking it and no message is waiting.
func (s *Service) idle() bool {
	if !s.cfg.Enabled || s.waiting || s.retry != nil {
		return false
	}
	return len(s.ctl.uncles.Messages()) == 0 &&
		len(s.ctl.candidates.Requests()) == 0 &&
		len(s.newTip) == 0 &&
		len(s.switchFork) == 0 &&
		len(s.newTx) == 0 &&
		len(s.submitted) == 0
}

// onHead moves the miner to b if b is heavier than its current parent.
// Chain events can arrive out of order, so older heads are ignored.
func (s *Service) onHead(b *block.Indexed) {
	if b.Hash() == s.parent.Hash() {
		return
	}
	td, err := s.shared.Store.TotalDifficulty(b.Hash())
	if err != nil {
		s.logger.Error().Err(err).Str("hash", b.Hash().Short()).Msg("Head without total difficulty")
		return
	}
	if td.Cmp(s.parentTD) <= 0 {
		return
	}
	s.parent = b.Header()
	s.parentTD = td
	s.miningNumber = b.Number() + 1
	s.stale = true
	s.evictUncles()
}

func (s *Service) onSwitchFork(f *notify.ForkBlocks) {
	for _, b := range f.Detached {
		s.addUncle(b)
	}
	if len(f.Attached) > 0 {
		s.onHead(f.Attached[len(f.Attached)-1])
	}
}

func (s *Service) onSubmitted(r submission) {
	s.waiting = false
	if r.err != nil {
		s.logger.Warn().Err(r.err).Uint64("number", r.block.Number()).Str("hash", r.block.Hash().Short()).Msg("Mined block rejected")
		s.stale = true
		return
	}
	s.logger.Info().
		Uint64("number", r.block.Number()).
		Str("hash", r.block.Hash().Short()).
		Int("txs", len(r.block.Transactions())).
		Int("uncles", len(r.block.Uncles())).
		Msg("Block mined")
	s.onHead(r.block)
}
