// Package chain is the single writer of the chain store. It decides whether
// a block extends the best chain, switches to a heavier fork or is kept as
// a side block, and publishes the outcome through the notify hub.
package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-core/config"
	klog "github.com/Klingon-tech/klingnet-core/internal/log"
	"github.com/Klingon-tech/klingnet-core/internal/metrics"
	"github.com/Klingon-tech/klingnet-core/internal/notify"
	"github.com/Klingon-tech/klingnet-core/internal/service"
	"github.com/Klingon-tech/klingnet-core/internal/shared"
	"github.com/Klingon-tech/klingnet-core/pkg/block"
	"github.com/Klingon-tech/klingnet-core/pkg/types"
)

// Chain errors.
var (
	ErrBlockKnown    = errors.New("block already known")
	ErrUnknownParent = errors.New("unknown parent block")
	ErrInvalidBlock  = errors.New("invalid block")
	ErrStore         = errors.New("chain store failure")
)

const requestQueue = 64

// TipHeader summarizes the best block.
type TipHeader struct {
	Number          types.BlockNumber
	Hash            types.Hash
	TotalDifficulty *uint256.Int
}

// UncleSink receives blocks that lost to the best chain.
type UncleSink interface {
	AddUncle(b *block.Indexed)
}

// Publisher is the part of the notify hub the chain publishes to.
type Publisher interface {
	NotifyNewTip(b *block.Indexed)
	NotifySwitchFork(f *notify.ForkBlocks)
}

// Service is the chain before it is started.
//
// Fork choice is by total difficulty. A competing branch must be strictly
// heavier to replace the best chain: on equal work the block seen first
// stays the tip.
type Service struct {
	shared  *shared.Shared
	notify  Publisher
	uncles  UncleSink
	orphans *lru.Cache[types.Hash, *block.Indexed]
	tip     TipHeader
	metrics *metrics.Chain
	logger  zerolog.Logger
}

// New loads the tip from the store. The store must hold a genesis block.
func New(s *shared.Shared, pub Publisher, uncles UncleSink, cfg config.ChainConfig, m *metrics.Chain) (*Service, error) {
	size := cfg.OrphanPoolSize
	if size < 1 {
		size = config.DefaultOrphanPoolSize
	}
	orphans, err := lru.New[types.Hash, *block.Indexed](size)
	if err != nil {
		return nil, fmt.Errorf("orphan pool: %w", err)
	}
	tip, err := s.Store.Tip()
	if err != nil {
		return nil, fmt.Errorf("%w: load tip: %w", ErrStore, err)
	}
	if m == nil {
		m = metrics.Discard().Chain
	}
	m.SetTip(tip.Number)
	return &Service{
		shared:  s,
		notify:  pub,
		uncles:  uncles,
		orphans: orphans,
		tip:     TipHeader{Number: tip.Number, Hash: tip.Hash, TotalDifficulty: tip.TotalDifficulty},
		metrics: m,
		logger:  klog.Chain,
	}, nil
}

// Controller talks to a running chain service.
type Controller struct {
	processBlock service.Endpoint[*block.Indexed, error]
	tipHeader    service.Endpoint[struct{}, TipHeader]
}

// Start launches the worker. s must not be used afterwards.
func (s *Service) Start() (*service.Handle, *Controller) {
	h := service.NewHandle("chain")
	c := &Controller{
		processBlock: service.NewEndpoint[*block.Indexed, error](requestQueue, h.Done()),
		tipHeader:    service.NewEndpoint[struct{}, TipHeader](requestQueue, h.Done()),
	}
	h.Run(func() {
		s.logger.Info().Uint64("tip", s.tip.Number).Str("hash", s.tip.Hash.Short()).Msg("Chain service started")
		defer s.logger.Info().Msg("Chain service stopped")
		for {
			if h.Stopping() {
				return
			}
			select {
			case <-h.Quit():
				return
			case req := <-c.processBlock.Requests():
				req.Reply(s.handleProcessBlock(req.Arguments))
			case req := <-c.tipHeader.Requests():
				req.Reply(s.tipHeader())
			}
		}
	})
	return h, c
}

// ProcessBlock hands a verified block to the chain.
func (c *Controller) ProcessBlock(ctx context.Context, b *block.Indexed) error {
	res, err := c.processBlock.Call(ctx, b)
	if err != nil {
		return err
	}
	return res
}

// TipHeader returns the current best block.
func (c *Controller) TipHeader(ctx context.Context) (TipHeader, error) {
	return c.tipHeader.Call(ctx, struct{}{})
}

func (s *Service) tipHeader() TipHeader {
	t := s.tip
	t.TotalDifficulty = new(uint256.Int).Set(s.tip.TotalDifficulty)
	return t
}

func (s *Service) handleProcessBlock(b *block.Indexed) error {
	started := time.Now()
	result, err := s.processBlock(b)
	s.metrics.ObserveProcessBlock(result, started)
	if err != nil {
		s.logger.Debug().Err(err).Uint64("number", b.Number()).Str("hash", b.Hash().Short()).Msg("Block not connected")
		return err
	}
	s.connectOrphans(b.Hash())
	return nil
}
