package txpool

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/Klingon-tech/klingnet-core/pkg/block"
	"github.com/Klingon-tech/klingnet-core/pkg/tx"
	"github.com/Klingon-tech/klingnet-core/pkg/types"
)

// readmission is the outcome of offering a detached transaction back to
// the pool after a fork switch.
type readmission struct {
	tx  *tx.Indexed
	err error
}

// reconciliation summarizes one move of the pool to a new chain head.
type reconciliation struct {
	detached int
	attached int
	removed  map[string]int
	offered  []readmission
}

// advance reconciles the pool with head. Events of the two chain topics
// may arrive in any order, so the pool does not trust them to be
// consecutive: it walks from its own tip to head through the store, and
// ignores a head that is not heavier than the one it is already on.
// known holds blocks of the event, which spare store reads.
func (p *Pool) advance(head *block.Indexed, known ...*block.Indexed) (*reconciliation, error) {
	if head.Hash() == p.tipHash {
		return nil, nil
	}
	td, err := p.store.TotalDifficulty(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("pool store: %w", err)
	}
	if td.Cmp(p.tipTD) <= 0 {
		return nil, nil
	}

	cache := make(map[types.Hash]*block.Indexed, len(known)+1)
	for _, b := range known {
		cache[b.Hash()] = b
	}
	cache[head.Hash()] = head
	load := func(h types.Hash) (*block.Indexed, error) {
		if b, ok := cache[h]; ok {
			return b, nil
		}
		b, err := p.store.Block(h)
		if err != nil {
			return nil, fmt.Errorf("pool store: %w", err)
		}
		return b, nil
	}

	detached, attached, err := p.path(head, load)
	if err != nil {
		return nil, err
	}
	r := p.switchTo(detached, attached)
	p.tipHash = head.Hash()
	p.tipTD = new(uint256.Int).Set(td)

	if r.detached == 0 {
		return r, nil
	}
	n, err := p.dropUnresolvable()
	r.removed[removedInvalid] += n
	return r, err
}

// path returns the blocks leaving and joining the pool's view of the best
// chain when it moves to head, both in ascending order.
func (p *Pool) path(head *block.Indexed, load func(types.Hash) (*block.Indexed, error)) (detached, attached []*block.Indexed, err error) {
	old, err := load(p.tipHash)
	if err != nil {
		return nil, nil, err
	}
	cur := head
	for cur.Number() > old.Number() {
		attached = append(attached, cur)
		if cur, err = load(cur.ParentHash()); err != nil {
			return nil, nil, err
		}
	}
	for old.Number() > cur.Number() {
		detached = append(detached, old)
		if old, err = load(old.ParentHash()); err != nil {
			return nil, nil, err
		}
	}
	for old.Hash() != cur.Hash() {
		if old.Number() == 0 {
			return nil, nil, fmt.Errorf("pool: head %s shares no ancestor with %s", head.Hash().Short(), p.tipHash.Short())
		}
		detached = append(detached, old)
		attached = append(attached, cur)
		if old, err = load(old.ParentHash()); err != nil {
			return nil, nil, err
		}
		if cur, err = load(cur.ParentHash()); err != nil {
			return nil, nil, err
		}
	}
	reverse(detached)
	reverse(attached)
	return detached, attached, nil
}

func reverse(blocks []*block.Indexed) {
	for i, j := 0, len(blocks)-1; i < j; i, j = i+1, j-1 {
		blocks[i], blocks[j] = blocks[j], blocks[i]
	}
}

// switchTo rolls the detached blocks back, applies the attached ones and
// offers every transaction committed only by detached blocks back to the
// pool, once and in block order.
func (p *Pool) switchTo(detached, attached []*block.Indexed) *reconciliation {
	r := &reconciliation{
		detached: len(detached),
		attached: len(attached),
		removed:  make(map[string]int),
	}
	if len(detached) > 0 {
		p.rollback(detached[0].Number() - 1)
	}
	for _, b := range attached {
		for reason, n := range p.applyBlock(b) {
			r.removed[reason] += n
		}
	}
	if len(detached) == 0 {
		return r
	}

	onChain := make(map[types.Hash]bool)
	for _, b := range attached {
		for _, t := range b.Transactions() {
			onChain[t.Hash()] = true
		}
	}
	for _, b := range detached {
		for _, t := range b.Transactions() {
			if t.IsCellBase() || onChain[t.Hash()] {
				continue
			}
			onChain[t.Hash()] = true
			_, err := p.Add(t)
			r.offered = append(r.offered, readmission{tx: t, err: err})
		}
	}
	return r
}

// applyBlock moves the pool on top of b, which must be the new tip.
// It returns the removal counts by reason.
func (p *Pool) applyBlock(b *block.Indexed) map[string]int {
	removed := make(map[string]int)
	p.tip = b.Number()

	for _, t := range b.Transactions() {
		if t.IsCellBase() {
			continue
		}
		if p.remove(t.Hash()) != nil {
			removed[removedCommitted]++
			continue
		}
		for _, in := range t.Tx().Inputs {
			if other, ok := p.spends[in.PrevOut]; ok {
				removed[removedConflict] += p.evict(other)
			}
		}
	}

	for _, id := range b.Proposals() {
		if at, ok := p.proposals[id]; ok {
			if _, to := p.cons.CommitWindow(at); to > p.tip {
				continue
			}
		}
		p.proposals[id] = b.Number()
		if e, ok := p.txs[id]; ok {
			e.proposed, e.proposedAt = true, b.Number()
		}
	}

	p.expire()
	return removed
}

// expire sends proposed entries whose window has closed back to pending and
// forgets proposal records that are too old to matter.
func (p *Pool) expire() {
	next := p.tip + 1
	for _, e := range p.txs {
		if !e.proposed {
			continue
		}
		if _, to := p.cons.CommitWindow(e.proposedAt); to < next {
			e.proposed = false
		}
	}
	for id, at := range p.proposals {
		if _, to := p.cons.CommitWindow(at); to+p.cons.TransactionPropagationTimeout < next {
			delete(p.proposals, id)
		}
	}
}

// rollback forgets everything learned from blocks above ancestor.
func (p *Pool) rollback(ancestor types.BlockNumber) {
	p.tip = ancestor
	for id, at := range p.proposals {
		if at > ancestor {
			delete(p.proposals, id)
		}
	}
	for _, e := range p.txs {
		if e.proposed && e.proposedAt > ancestor {
			e.proposed = false
		}
	}
}

// dropUnresolvable removes entries whose inputs are neither live on chain
// nor created by another entry, and entries not valid in the next block.
func (p *Pool) dropUnresolvable() (int, error) {
	n := 0
	next := p.tip + 1
	for _, e := range p.sorted() {
		if !p.Has(e.tx.Hash()) {
			continue
		}
		ok := e.tx.Tx().ValidSince <= next
		for _, in := range e.tx.Tx().Inputs {
			if !ok {
				break
			}
			if _, inPool := p.txs[in.PrevOut.TxID]; inPool {
				continue
			}
			_, live, err := p.store.LiveCell(in.PrevOut)
			if err != nil {
				return n, fmt.Errorf("pool store: %w", err)
			}
			ok = live
		}
		if !ok {
			n += p.evict(e.tx.Hash())
		}
	}
	return n, nil
}
