// Package verifier checks candidate blocks before they reach the chain
// service. Verification is stateless: workers only read the store and the
// proof-of-work capability, so any number of them can run side by side.
package verifier

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/klingnet-core/config"
	klog "github.com/Klingon-tech/klingnet-core/internal/log"
	"github.com/Klingon-tech/klingnet-core/internal/metrics"
	"github.com/Klingon-tech/klingnet-core/internal/service"
	"github.com/Klingon-tech/klingnet-core/internal/shared"
	"github.com/Klingon-tech/klingnet-core/pkg/block"
)

// Verification errors. Every error returned by Verify wraps one of them.
var (
	ErrMalformed        = errors.New("malformed block")
	ErrInvalidPoW       = errors.New("invalid proof of work")
	ErrInvalidReference = errors.New("invalid block reference")
)

// Service is the verifier before it is started.
type Service struct {
	shared     *shared.Shared
	workers    int
	queueDepth int
	metrics    *metrics.Verifier
	logger     zerolog.Logger
}

// New creates a verifier over the shared context.
func New(s *shared.Shared, cfg config.VerifierConfig, m *metrics.Verifier) *Service {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = config.DefaultVerifierQueueDepth
	}
	if m == nil {
		m = metrics.Discard().Verifier
	}
	return &Service{
		shared:     s,
		workers:    cfg.Workers,
		queueDepth: cfg.QueueDepth,
		metrics:    m,
		logger:     klog.Verifier,
	}
}

// Controller submits blocks for verification.
type Controller struct {
	verify service.Endpoint[*block.Indexed, error]
}

// Start launches the worker group. s must not be used afterwards.
func (s *Service) Start() (*service.Handle, *Controller) {
	h := service.NewHandle("verifier")
	c := &Controller{verify: service.NewEndpoint[*block.Indexed, error](s.queueDepth, h.Done())}

	h.Run(func() {
		s.logger.Info().Int("workers", s.workers).Msg("Block verifier started")
		defer s.logger.Info().Msg("Block verifier stopped")

		var g errgroup.Group
		for i := 0; i < s.workers; i++ {
			g.Go(func() error {
				s.work(h, c.verify.Requests())
				return nil
			})
		}
		_ = g.Wait()
	})
	return h, c
}

func (s *Service) work(h *service.Handle, requests <-chan service.Request[*block.Indexed, error]) {
	for {
		if h.Stopping() {
			return
		}
		select {
		case <-h.Quit():
			return
		case req := <-requests:
			started := time.Now()
			err := s.Verify(req.Arguments)
			s.metrics.ObserveVerify(err, started)
			if err != nil {
				s.logger.Debug().Err(err).Uint64("number", req.Arguments.Number()).
					Str("hash", req.Arguments.Hash().Short()).Msg("Block rejected")
			}
			req.Reply(err)
		}
	}
}

// Verify checks b and returns nil when it may be handed to the chain.
func (c *Controller) Verify(ctx context.Context, b *block.Indexed) error {
	res, err := c.verify.Call(ctx, b)
	if err != nil {
		return err
	}
	return res
}
