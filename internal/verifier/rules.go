package verifier

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-core/internal/store"
	"github.com/Klingon-tech/klingnet-core/pkg/block"
	"github.com/Klingon-tech/klingnet-core/pkg/tx"
	"github.com/Klingon-tech/klingnet-core/pkg/types"
)

// Verify runs every check on b in the calling goroutine.
func (s *Service) Verify(b *block.Indexed) error {
	if err := s.checkStructure(b); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	parent, err := s.shared.Store.Header(b.ParentHash())
	switch {
	case errors.Is(err, store.ErrNotFound):
		parent = nil
	case err != nil:
		return fmt.Errorf("%w: parent lookup: %v", ErrInvalidReference, err)
	}

	if err := s.checkPoW(b, parent); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPoW, err)
	}
	if parent == nil {
		// Orphans are judged again once the chain knows their parent.
		return nil
	}
	if err := s.checkReferences(b, parent); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidReference, err)
	}
	return nil
}

func (s *Service) checkStructure(b *block.Indexed) error {
	if err := b.Block().Validate(); err != nil {
		return err
	}
	c := s.shared.Consensus
	if n := len(b.Uncles()); n > c.MaxUnclesLen {
		return fmt.Errorf("%d uncles, max %d", n, c.MaxUnclesLen)
	}
	cellbase := b.Transactions()[0].Tx()
	if n, ok := cellbase.CellBaseNumber(); !ok || n != b.Number() {
		return fmt.Errorf("cellbase does not carry block number %d", b.Number())
	}
	reward, err := cellbase.TotalOutputCapacity()
	if err != nil {
		return fmt.Errorf("cellbase: %v", err)
	}
	if allowed := c.BlockReward(b.Number()); reward > allowed {
		return fmt.Errorf("cellbase pays %d, reward is %d", reward, allowed)
	}
	return nil
}

func (s *Service) checkPoW(b *block.Indexed, parent *block.Header) error {
	c := s.shared.Consensus
	if err := c.Pow().Verify(b.Header()); err != nil {
		return err
	}
	if parent == nil {
		return nil
	}
	return c.VerifyDifficulty(b.Header(), parent, s.shared.Store)
}

func (s *Service) checkReferences(b *block.Indexed, parent *block.Header) error {
	h := b.Header()
	if h.Number != parent.Number+1 {
		return fmt.Errorf("number %d does not follow parent %d", h.Number, parent.Number)
	}
	if h.Timestamp < parent.Timestamp {
		return fmt.Errorf("timestamp %d before parent %d", h.Timestamp, parent.Timestamp)
	}
	if err := s.checkUncles(b, parent); err != nil {
		return err
	}

	tip, err := s.shared.Store.Tip()
	if err != nil {
		return fmt.Errorf("tip: %v", err)
	}
	if tip.Hash != b.ParentHash() {
		// Cells of a side branch are checked when the chain commits it.
		return nil
	}
	return s.checkCells(b)
}

func (s *Service) checkUncles(b *block.Indexed, parent *block.Header) error {
	if len(b.Uncles()) == 0 {
		return nil
	}
	c := s.shared.Consensus
	st := s.shared.Store
	included, err := c.IncludedUncles(parent, st)
	if err != nil {
		return err
	}
	for i, u := range b.Uncles() {
		if u.Number >= b.Number() {
			return fmt.Errorf("uncle %d: number %d not below block %d", i, u.Number, b.Number())
		}
		if b.Number()-u.Number > c.MaxUnclesAge {
			return fmt.Errorf("uncle %d: %d blocks old, max %d", i, b.Number()-u.Number, c.MaxUnclesAge)
		}
		if err := c.Pow().Verify(u); err != nil {
			return fmt.Errorf("uncle %d: %v", i, err)
		}
		known, err := st.HasBlock(u.ParentHash)
		if err != nil {
			return fmt.Errorf("uncle %d: %v", i, err)
		}
		if !known {
			return fmt.Errorf("uncle %d: unknown parent %s", i, u.ParentHash.Short())
		}
		if canon, err := st.CanonicalHash(u.Number); err == nil && canon == u.Hash() {
			return fmt.Errorf("uncle %d: %s is canonical", i, u.Hash().Short())
		}
		if _, ok := included[u.Hash()]; ok {
			return fmt.Errorf("uncle %d: %s already included by an ancestor", i, u.Hash().Short())
		}
	}
	return nil
}

// blockCells resolves inputs against outputs created earlier in the same
// block first, then the store.
type blockCells struct {
	created tx.CellMap
	base    tx.CellProvider
}

func (bc blockCells) LiveCell(op types.Outpoint) (tx.Output, bool, error) {
	if out, ok := bc.created[op]; ok {
		return out, true, nil
	}
	return bc.base.LiveCell(op)
}

func (s *Service) checkCells(b *block.Indexed) error {
	st := s.shared.Store
	cells := blockCells{created: make(tx.CellMap), base: st}
	for i, itx := range b.Transactions() {
		t := itx.Tx()
		if i > 0 {
			if t.ValidSince > b.Number() {
				return fmt.Errorf("tx %d: valid since %d", i, t.ValidSince)
			}
			if _, _, err := st.TxLocation(itx.Hash()); err == nil {
				return fmt.Errorf("tx %d: %s already committed", i, itx.Hash().Short())
			} else if !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("tx %d: %v", i, err)
			}
			if _, err := t.ResolveCells(cells); err != nil {
				return fmt.Errorf("tx %d: %w", i, err)
			}
		}
		for n, out := range t.Outputs {
			cells.created[tx.OutPoint(itx.Hash(), n)] = out
		}
	}
	return nil
}
