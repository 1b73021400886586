package chain

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/Klingon-tech/klingnet-core/internal/metrics"
	"github.com/Klingon-tech/klingnet-core/internal/notify"
	"github.com/Klingon-tech/klingnet-core/internal/store"
	"github.com/Klingon-tech/klingnet-core/pkg/block"
)

// processBlock inserts b and returns its metrics outcome.
func (s *Service) processBlock(b *block.Indexed) (string, error) {
	st := s.shared.Store
	hash := b.Hash()

	known, err := st.HasBlock(hash)
	if err != nil {
		return metrics.BlockFailed, fmt.Errorf("%w: %w", ErrStore, err)
	}
	if known || s.orphans.Contains(hash) {
		return metrics.BlockKnown, fmt.Errorf("%w: %s", ErrBlockKnown, hash.Short())
	}

	parent, err := st.Header(b.ParentHash())
	if errors.Is(err, store.ErrNotFound) {
		s.orphans.Add(hash, b)
		s.metrics.SetOrphans(s.orphans.Len())
		return metrics.BlockOrphan, fmt.Errorf("%w: %s", ErrUnknownParent, b.ParentHash().Short())
	}
	if err != nil {
		return metrics.BlockFailed, fmt.Errorf("%w: %w", ErrStore, err)
	}
	if err := s.checkHeader(b.Header(), parent); err != nil {
		return metrics.BlockInvalid, fmt.Errorf("%w: %w", ErrInvalidBlock, err)
	}
	parentTD, err := st.TotalDifficulty(parent.Hash())
	if err != nil {
		return metrics.BlockFailed, fmt.Errorf("%w: %w", ErrStore, err)
	}
	td := new(uint256.Int).Add(parentTD, uint256.NewInt(b.Header().Difficulty))
	entry := store.BlockEntry{Block: b, TotalDifficulty: td}

	if b.ParentHash() == s.tip.Hash {
		if err := st.Commit(nil, []store.BlockEntry{entry}); err != nil {
			return commitFailure(err)
		}
		s.setTip(b, td)
		s.logger.Debug().Uint64("number", b.Number()).Str("hash", hash.Short()).
			Int("txs", len(b.Transactions())).Msg("New tip")
		s.notify.NotifyNewTip(b)
		return metrics.BlockExtended, nil
	}

	if err := st.SaveBlock(entry); err != nil {
		return metrics.BlockFailed, fmt.Errorf("%w: %w", ErrStore, err)
	}
	if td.Cmp(s.tip.TotalDifficulty) <= 0 {
		s.logger.Debug().Uint64("number", b.Number()).Str("hash", hash.Short()).Msg("Side block stored")
		s.uncles.AddUncle(b)
		return metrics.BlockSide, nil
	}

	fork, attached, err := s.forkBlocks(b)
	if err != nil {
		return metrics.BlockFailed, fmt.Errorf("%w: %w", ErrStore, err)
	}
	if err := st.Commit(fork.Detached, attached); err != nil {
		return commitFailure(err)
	}
	old := s.tip
	s.setTip(b, td)
	s.logger.Info().
		Uint64("old_tip", old.Number).
		Uint64("new_tip", b.Number()).
		Int("detached", len(fork.Detached)).
		Int("attached", len(fork.Attached)).
		Msg("Switched to heavier fork")
	s.notify.NotifySwitchFork(fork)
	return metrics.BlockReorg, nil
}

// checkHeader repeats the header rules that depend on the parent, so that
// blocks coming back from the orphan pool get them too.
func (s *Service) checkHeader(h, parent *block.Header) error {
	if h.Number != parent.Number+1 {
		return fmt.Errorf("number %d does not follow parent %d", h.Number, parent.Number)
	}
	if h.Timestamp < parent.Timestamp {
		return fmt.Errorf("timestamp %d before parent %d", h.Timestamp, parent.Timestamp)
	}
	return s.shared.Consensus.VerifyDifficulty(h, parent, s.shared.Store)
}

func commitFailure(err error) (string, error) {
	if errors.Is(err, store.ErrInvalidCells) {
		return metrics.BlockInvalid, fmt.Errorf("%w: %w", ErrInvalidBlock, err)
	}
	return metrics.BlockFailed, fmt.Errorf("%w: %w", ErrStore, err)
}

func (s *Service) setTip(b *block.Indexed, td *uint256.Int) {
	s.tip = TipHeader{Number: b.Number(), Hash: b.Hash(), TotalDifficulty: td}
	s.metrics.SetTip(b.Number())
}

// forkBlocks walks back from the new best block to the canonical chain.
// Attached comes back with the total difficulty of every block.
func (s *Service) forkBlocks(newTip *block.Indexed) (*notify.ForkBlocks, []store.BlockEntry, error) {
	st := s.shared.Store

	var branch []*block.Indexed
	cur := newTip
	for {
		canon, err := st.CanonicalHash(cur.Number())
		if err == nil && canon == cur.Hash() {
			break
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, nil, err
		}
		branch = append(branch, cur)
		if cur.Number() == 0 {
			return nil, nil, fmt.Errorf("branch of %s does not reach genesis", newTip.Hash().Short())
		}
		if cur, err = st.Block(cur.ParentHash()); err != nil {
			return nil, nil, err
		}
	}
	ancestor := cur.Number()

	fork := &notify.ForkBlocks{Attached: make([]*block.Indexed, len(branch))}
	attached := make([]store.BlockEntry, len(branch))
	for i := range branch {
		b := branch[len(branch)-1-i]
		td, err := st.TotalDifficulty(b.Hash())
		if err != nil {
			return nil, nil, err
		}
		fork.Attached[i] = b
		attached[i] = store.BlockEntry{Block: b, TotalDifficulty: td}
	}
	for n := ancestor + 1; n <= s.tip.Number; n++ {
		h, err := st.CanonicalHash(n)
		if err != nil {
			return nil, nil, err
		}
		b, err := st.Block(h)
		if err != nil {
			return nil, nil, err
		}
		fork.Detached = append(fork.Detached, b)
	}
	return fork, attached, nil
}
