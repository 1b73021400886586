package miner

import (
	"context"

	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/klingnet-core/internal/log"
	"github.com/Klingon-tech/klingnet-core/internal/service"
	"github.com/Klingon-tech/klingnet-core/pkg/block"
	"github.com/Klingon-tech/klingnet-core/pkg/types"
)

// Queue sizes.
const (
	uncleQueue   = 32
	requestQueue = 8
)

// Controller talks to the miner. It exists before the miner is built so
// the chain, which feeds the miner uncles, can be started first.
type Controller struct {
	handle     *service.Handle
	uncles     service.Mailbox[*block.Indexed]
	candidates service.Endpoint[struct{}, []types.Hash]
	logger     zerolog.Logger
}

// NewController creates the controller of a miner that has not started.
// Uncles sent before the start wait in the queue.
func NewController() *Controller {
	h := service.NewHandle("miner")
	return &Controller{
		handle:     h,
		uncles:     service.NewMailbox[*block.Indexed](uncleQueue, h.Quit(), h.Done()),
		candidates: service.NewEndpoint[struct{}, []types.Hash](requestQueue, h.Done()),
		logger:     klog.Miner,
	}
}

// AddUncle offers b as an uncle candidate. It blocks only while the uncle
// queue is full.
func (c *Controller) AddUncle(b *block.Indexed) {
	if !c.uncles.Send(b) {
		c.logger.Debug().Str("hash", b.Hash().Short()).Msg("Miner stopped, uncle dropped")
	}
}

// CandidateUncles returns the hashes of the current uncle candidates.
func (c *Controller) CandidateUncles(ctx context.Context) ([]types.Hash, error) {
	return c.candidates.Call(ctx, struct{}{})
}

// Stop asks the miner to exit.
func (c *Controller) Stop() { c.handle.Stop() }

// Abandon releases a controller whose miner will never be started, so
// callers blocked on it return. It must not be used after Start.
func (c *Controller) Abandon() {
	c.handle.Stop()
	c.handle.Run(func() {})
	c.handle.Join()
}
