// Package node builds the shared context of a chain and runs its services
// in dependency order. It can be embedded in any binary.
package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/klingnet-core/config"
	"github.com/Klingon-tech/klingnet-core/internal/chain"
	"github.com/Klingon-tech/klingnet-core/internal/consensus"
	klog "github.com/Klingon-tech/klingnet-core/internal/log"
	"github.com/Klingon-tech/klingnet-core/internal/metrics"
	"github.com/Klingon-tech/klingnet-core/internal/miner"
	"github.com/Klingon-tech/klingnet-core/internal/notify"
	"github.com/Klingon-tech/klingnet-core/internal/service"
	"github.com/Klingon-tech/klingnet-core/internal/shared"
	"github.com/Klingon-tech/klingnet-core/internal/storage"
	"github.com/Klingon-tech/klingnet-core/internal/store"
	"github.com/Klingon-tech/klingnet-core/internal/txpool"
	"github.com/Klingon-tech/klingnet-core/internal/verifier"
	"github.com/Klingon-tech/klingnet-core/pkg/block"
	"github.com/Klingon-tech/klingnet-core/pkg/tx"
)

// chainPrefix is the namespace of the chain store in the node database.
var chainPrefix = []byte("chain/")

// Node is an initialized node. Services run between Start and Stop.
type Node struct {
	cfg    *config.Config
	logger zerolog.Logger

	db       storage.DB
	shared   *shared.Shared
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	notify   *notify.Controller
	chain    *chain.Controller
	pool     *txpool.Controller
	verifier *verifier.Controller
	miner    *miner.Controller

	// handles are kept in start order.
	handles  []*service.Handle
	started  bool
	stopOnce sync.Once
}

// New sets up logging and storage and makes sure the store holds the
// genesis of cons. A nil cons selects consensus.Default. Call Start to run
// the services.
func New(cfg *config.Config, cons *consensus.Consensus) (*Node, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, expandHome(cfg.Log.File)); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.Node

	if cons == nil {
		cons = consensus.Default()
	}

	db, where, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	st := store.New(storage.NewPrefixDB(db, chainPrefix))
	if err := st.Init(cons.Genesis()); err != nil {
		db.Close()
		return nil, fmt.Errorf("init store: %w", err)
	}
	tip, err := st.Tip()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load tip: %w", err)
	}
	logger.Info().
		Str("path", where).
		Str("genesis", cons.Genesis().Hash().Short()).
		Uint64("tip", tip.Number).
		Msg("Database opened")

	reg := prometheus.NewRegistry()
	return &Node{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		shared:   shared.New(cons, st),
		registry: reg,
		metrics:  metrics.New(cfg.Metrics.Namespace, reg),
	}, nil
}

// Start runs the services. The miner controller exists before the chain
// starts because the chain hands it uncles; the verifier starts before the
// miner because the miner submits through it. On error every service
// already running is stopped again.
func (n *Node) Start(ctx context.Context) error {
	if n.started {
		return fmt.Errorf("node already started")
	}
	n.started = true
	cfg, m := n.cfg, n.metrics

	h, hub := notify.New(cfg.Notify.SubscriberCapacity, m.Notify).Start()
	n.run(h)
	n.notify = hub

	minerCtl := miner.NewController()
	// fail unblocks a chain feeding uncles to a miner that never ran.
	fail := func(err error) error {
		minerCtl.Abandon()
		n.Stop()
		return err
	}
	chainSvc, err := chain.New(n.shared, hub, minerCtl, cfg.Chain, m.Chain)
	if err != nil {
		return fail(fmt.Errorf("chain: %w", err))
	}
	h, n.chain = chainSvc.Start()
	n.run(h)

	poolSvc, err := txpool.New(ctx, n.shared, hub, cfg.Pool, m.Pool)
	if err != nil {
		return fail(err)
	}
	h, n.pool = poolSvc.Start()
	n.run(h)

	h, n.verifier = verifier.New(n.shared, cfg.Verifier, m.Verifier).Start()
	n.run(h)

	deps := miner.Deps{Hub: hub, Pool: n.pool, Verifier: n.verifier, Chain: n.chain}
	minerSvc, err := miner.New(ctx, n.shared, minerCtl, deps, cfg.Mining, m.Miner)
	if err != nil {
		return fail(err)
	}
	h, n.miner = minerSvc.Start()
	n.run(h)

	tip, err := n.chain.TipHeader(ctx)
	if err != nil {
		n.Stop()
		return fmt.Errorf("tip header: %w", err)
	}
	n.logger.Info().
		Uint64("tip", tip.Number).
		Str("hash", tip.Hash.Short()).
		Bool("mining", cfg.Mining.Enabled).
		Msg("Node started")
	return nil
}

func (n *Node) run(h *service.Handle) {
	n.handles = append(n.handles, h)
}

// Stop stops the services in reverse start order, waits for all of them
// and closes the database. It is safe to call more than once.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		for i := len(n.handles) - 1; i >= 0; i-- {
			n.handles[i].Stop()
		}
		var g errgroup.Group
		for _, h := range n.handles {
			h := h
			g.Go(func() error {
				h.Join()
				return nil
			})
		}
		_ = g.Wait()

		if err := n.db.Close(); err != nil {
			n.logger.Error().Err(err).Msg("Closing database failed")
		}
		n.logger.Info().Msg("Goodbye!")
	})
}

// SubmitBlock verifies b and hands it to the chain.
func (n *Node) SubmitBlock(ctx context.Context, b *block.Indexed) error {
	if err := n.verifier.Verify(ctx, b); err != nil {
		return err
	}
	return n.chain.ProcessBlock(ctx, b)
}

// SubmitTransaction offers t to the pool.
func (n *Node) SubmitTransaction(ctx context.Context, t *tx.Indexed) (txpool.InsertionResult, error) {
	return n.pool.AddTransaction(ctx, t)
}

// TipHeader returns the best block summary.
func (n *Node) TipHeader(ctx context.Context) (chain.TipHeader, error) {
	return n.chain.TipHeader(ctx)
}

// Shared returns the read-only context the services run with.
func (n *Node) Shared() *shared.Shared { return n.shared }

// Registry returns the registry holding the node metrics.
func (n *Node) Registry() *prometheus.Registry { return n.registry }

// Notify returns the event hub controller.
func (n *Node) Notify() *notify.Controller { return n.notify }

// Chain returns the chain controller.
func (n *Node) Chain() *chain.Controller { return n.chain }

// Pool returns the transaction pool controller.
func (n *Node) Pool() *txpool.Controller { return n.pool }

// Verifier returns the block verifier controller.
func (n *Node) Verifier() *verifier.Controller { return n.verifier }

// Miner returns the miner controller.
func (n *Node) Miner() *miner.Controller { return n.miner }
