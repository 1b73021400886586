package miner

import (
	"context"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-core/config"
	"github.com/Klingon-tech/klingnet-core/pkg/block"
	"github.com/Klingon-tech/klingnet-core/pkg/tx"
	"github.com/Klingon-tech/klingnet-core/pkg/types"
)

// step does one bounded unit of mining: it rebuilds the template when it
// is missing or stale, then tries NoncesPerStep nonces.
func (s *Service) step(ctx context.Context) {
	if s.template == nil || s.stale {
		err := s.buildTemplate(ctx)
		s.metrics.ObserveTemplate(err)
		if err != nil {
			s.logger.Warn().Err(err).Uint64("number", s.miningNumber).Msg("Block template failed")
			s.retry = time.After(retryDelay)
			return
		}
	}

	found, err := s.shared.Consensus.Pow().Solve(ctx, s.template.Header, s.cfg.NoncesPerStep)
	if err != nil {
		s.logger.Error().Err(err).Uint64("number", s.miningNumber).Msg("Proof of work failed")
		s.template = nil
		s.retry = time.After(retryDelay)
		return
	}
	if !found {
		return
	}
	b := block.NewIndexed(s.template)
	s.template = nil
	s.submit(ctx, b)
}

func (s *Service) buildTemplate(ctx context.Context) error {
	c := s.shared.Consensus
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	proposals, commits, err := s.deps.Pool.GetProposalCommitTxs(callCtx, config.MaxBlockProposals, config.MaxBlockTxs-1)
	if err != nil {
		return fmt.Errorf("pool selection: %w", err)
	}
	difficulty, err := c.NextDifficulty(s.parent, s.shared.Store)
	if err != nil {
		return fmt.Errorf("difficulty: %w", err)
	}

	number := s.parent.Number + 1
	txs := make([]*tx.Transaction, 0, len(commits)+1)
	txs = append(txs, tx.NewCellBase(number, c.BlockReward(number), s.lock))
	for _, t := range commits {
		txs = append(txs, t.Tx())
	}
	ids := make([]types.Hash, len(proposals))
	for i, t := range proposals {
		ids[i] = t.Hash()
	}
	header := &block.Header{
		Version:    block.CurrentVersion,
		ParentHash: s.parent.Hash(),
		Number:     number,
		Timestamp:  max(uint64(time.Now().UnixMilli()), s.parent.Timestamp),
		Difficulty: difficulty,
	}
	uncles := s.selectUncles()
	s.template = block.NewBlock(header, uncles, txs, ids)
	s.stale = false

	s.logger.Debug().
		Uint64("number", number).
		Uint64("difficulty", difficulty).
		Int("commits", len(commits)).
		Int("proposals", len(proposals)).
		Int("uncles", len(uncles)).
		Msg("Block template built")
	return nil
}

// submit hands b to the verifier and then the chain without blocking the
// worker, which must keep draining the uncles the chain sends it.
func (s *Service) submit(ctx context.Context, b *block.Indexed) {
	s.waiting = true
	s.submits.Add(1)
	go func() {
		defer s.submits.Done()
		err := s.deps.Verifier.Verify(ctx, b)
		if err == nil {
			err = s.deps.Chain.ProcessBlock(ctx, b)
		}
		s.metrics.ObserveSubmit(err)
		select {
		case s.submitted <- submission{block: b, err: err}:
		case <-ctx.Done():
		}
	}()
}
