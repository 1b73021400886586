package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-core/pkg/block"
	"github.com/Klingon-tech/klingnet-core/pkg/tx"
	"github.com/Klingon-tech/klingnet-core/pkg/types"
)

// ErrBadUpdate is returned when a Commit does not line up with the tip.
var ErrBadUpdate = errors.New("chain update does not connect to the tip")

// undoRecord is what it takes to roll a canonical block back.
type undoRecord struct {
	Spent   []spentCell      `json:"spent"`
	Created []types.Outpoint `json:"created"`
	Txs     []types.Hash     `json:"txs"`
}

type spentCell struct {
	OutPoint types.Outpoint `json:"outpoint"`
	Output   tx.Output      `json:"output"`
}

type txLoc struct {
	number types.BlockNumber
	block  types.Hash
}

// overlay stages cell and tx index changes on top of the stored state so
// that a multi-block update can be checked before anything is written.
type overlay struct {
	s     *KVStore
	cells map[types.Outpoint]*tx.Output // nil means consumed
	txs   map[types.Hash]*txLoc         // nil means unindexed
}

func newOverlay(s *KVStore) *overlay {
	return &overlay{
		s:     s,
		cells: make(map[types.Outpoint]*tx.Output),
		txs:   make(map[types.Hash]*txLoc),
	}
}

// LiveCell implements tx.CellProvider over the staged state.
func (o *overlay) LiveCell(op types.Outpoint) (tx.Output, bool, error) {
	if c, ok := o.cells[op]; ok {
		if c == nil {
			return tx.Output{}, false, nil
		}
		return *c, true, nil
	}
	return o.s.LiveCell(op)
}

func (o *overlay) txCommitted(h types.Hash) (bool, error) {
	if l, ok := o.txs[h]; ok {
		return l != nil, nil
	}
	_, _, err := o.s.TxLocation(h)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (o *overlay) detach(b *block.Indexed) error {
	data, err := o.s.get(undoKey(b.Hash()))
	if err != nil {
		return fmt.Errorf("undo %s: %w", b.Hash().Short(), err)
	}
	var undo undoRecord
	if err := json.Unmarshal(data, &undo); err != nil {
		return fmt.Errorf("undo %s: %w: %v", b.Hash().Short(), ErrCorrupt, err)
	}
	// Restore before deleting: a cell created and spent in the same block
	// must end up absent.
	for _, sc := range undo.Spent {
		out := sc.Output
		o.cells[sc.OutPoint] = &out
	}
	for _, op := range undo.Created {
		o.cells[op] = nil
	}
	for _, h := range undo.Txs {
		o.txs[h] = nil
	}
	return nil
}

func (o *overlay) attach(b *block.Indexed) (*undoRecord, error) {
	undo := &undoRecord{}
	for i, itx := range b.Transactions() {
		t := itx.Tx()
		committed, err := o.txCommitted(itx.Hash())
		if err != nil {
			return nil, err
		}
		if committed {
			return nil, fmt.Errorf("%w: tx %d %s already committed", ErrInvalidCells, i, itx.Hash().Short())
		}
		if !itx.IsCellBase() {
			if t.ValidSince > b.Number() {
				return nil, fmt.Errorf("%w: tx %d valid since %d, block %d", ErrInvalidCells, i, t.ValidSince, b.Number())
			}
			if _, err := t.ResolveCells(o); err != nil {
				return nil, fmt.Errorf("%w: tx %d: %v", ErrInvalidCells, i, err)
			}
			for _, in := range t.Inputs {
				out, _, err := o.LiveCell(in.PrevOut)
				if err != nil {
					return nil, err
				}
				undo.Spent = append(undo.Spent, spentCell{OutPoint: in.PrevOut, Output: out})
				o.cells[in.PrevOut] = nil
			}
		}
		for n := range t.Outputs {
			out := t.Outputs[n]
			op := tx.OutPoint(itx.Hash(), n)
			o.cells[op] = &out
			undo.Created = append(undo.Created, op)
		}
		o.txs[itx.Hash()] = &txLoc{number: b.Number(), block: b.Hash()}
		undo.Txs = append(undo.Txs, itx.Hash())
	}
	return undo, nil
}

// Commit implements ChainStore.
func (s *KVStore) Commit(detached []*block.Indexed, attached []BlockEntry) error {
	if len(attached) == 0 {
		return fmt.Errorf("%w: nothing to attach", ErrBadUpdate)
	}
	if err := s.checkConnects(detached, attached); err != nil {
		return err
	}

	view := newOverlay(s)
	for i := len(detached) - 1; i >= 0; i-- {
		if err := view.detach(detached[i]); err != nil {
			return err
		}
	}
	undos := make([]*undoRecord, len(attached))
	for i, e := range attached {
		undo, err := view.attach(e.Block)
		if err != nil {
			return fmt.Errorf("block %d %s: %w", e.Block.Number(), e.Block.Hash().Short(), err)
		}
		undos[i] = undo
	}

	batch := s.db.NewBatch()
	defer batch.Discard()

	for _, b := range detached {
		if err := batch.Delete(undoKey(b.Hash())); err != nil {
			return err
		}
	}
	last := attached[len(attached)-1]
	for _, b := range detached {
		if b.Number() > last.Block.Number() {
			if err := batch.Delete(numberKey(b.Number())); err != nil {
				return err
			}
		}
	}
	for i, e := range attached {
		if err := putBlock(batch, e); err != nil {
			return err
		}
		h := e.Block.Hash()
		if err := batch.Put(numberKey(e.Block.Number()), h[:]); err != nil {
			return err
		}
		data, err := json.Marshal(undos[i])
		if err != nil {
			return fmt.Errorf("undo marshal: %w", err)
		}
		if err := batch.Put(undoKey(h), data); err != nil {
			return err
		}
	}
	for op, out := range view.cells {
		if out == nil {
			if err := batch.Delete(cellKey(op)); err != nil {
				return err
			}
			continue
		}
		data, err := json.Marshal(out)
		if err != nil {
			return fmt.Errorf("cell marshal: %w", err)
		}
		if err := batch.Put(cellKey(op), data); err != nil {
			return err
		}
	}
	for h, loc := range view.txs {
		if loc == nil {
			if err := batch.Delete(txKey(h)); err != nil {
				return err
			}
			continue
		}
		val := binary.BigEndian.AppendUint64(make([]byte, 0, 8+types.HashSize), loc.number)
		val = append(val, loc.block[:]...)
		if err := batch.Put(txKey(h), val); err != nil {
			return err
		}
	}
	tip := Tip{Hash: last.Block.Hash(), Number: last.Block.Number(), TotalDifficulty: last.TotalDifficulty}
	if err := batch.Put(keyTip, encodeTip(tip)); err != nil {
		return err
	}
	return batch.Commit()
}

func (s *KVStore) checkConnects(detached []*block.Indexed, attached []BlockEntry) error {
	tip, err := s.Tip()
	if errors.Is(err, ErrNoTip) {
		if len(detached) != 0 || attached[0].Block.Number() != 0 {
			return fmt.Errorf("%w: empty store needs a genesis block", ErrBadUpdate)
		}
		return nil
	}
	if err != nil {
		return err
	}

	base := tip.Hash
	if len(detached) > 0 {
		if detached[len(detached)-1].Hash() != tip.Hash {
			return fmt.Errorf("%w: detached path does not end at the tip", ErrBadUpdate)
		}
		base = detached[0].ParentHash()
	}
	if attached[0].Block.ParentHash() != base {
		return fmt.Errorf("%w: attached path does not start at the fork point", ErrBadUpdate)
	}
	for i := 1; i < len(attached); i++ {
		if attached[i].Block.ParentHash() != attached[i-1].Block.Hash() {
			return fmt.Errorf("%w: attached path is not linked", ErrBadUpdate)
		}
	}
	return nil
}
