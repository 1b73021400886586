// Package txpool keeps the transactions waiting to be proposed and
// committed, and serves the miner its block template selection.
package txpool

import (
	"errors"
	"fmt"
	"sort"

	"github.com/holiman/uint256"

	"github.com/Klingon-tech/klingnet-core/internal/consensus"
	"github.com/Klingon-tech/klingnet-core/internal/store"
	"github.com/Klingon-tech/klingnet-core/pkg/tx"
	"github.com/Klingon-tech/klingnet-core/pkg/types"
)

// Pool errors.
var (
	ErrInvalidTx          = errors.New("invalid transaction")
	ErrAlreadyInPool      = errors.New("transaction already in pool")
	ErrDoubleSpent        = errors.New("input already spent")
	ErrOverCapacity       = errors.New("transaction pool is full")
	ErrDuplicateOutput    = errors.New("transaction already committed")
	ErrCellBase           = errors.New("cellbase transaction")
	ErrTimeOut            = errors.New("transaction proposal timed out")
	ErrInvalidBlockNumber = errors.New("transaction not yet valid")
)

// InsertionResult tells which stage an admitted transaction entered.
type InsertionResult int

const (
	// Pending transactions wait to be proposed by a block.
	Pending InsertionResult = iota
	// Proposed transactions wait for their commit window.
	Proposed
)

func (r InsertionResult) String() string {
	switch r {
	case Pending:
		return "pending"
	case Proposed:
		return "proposed"
	default:
		return "unknown"
	}
}

// Removal reasons, used as metric labels.
const (
	removedCommitted = "committed"
	removedConflict  = "conflict"
	removedInvalid   = "invalid"
)

// entry wraps a transaction with its pool metadata.
type entry struct {
	tx         *tx.Indexed
	seq        uint64
	fee        types.Capacity
	feeRate    float64 // fee per byte of SigningBytes
	proposed   bool
	proposedAt types.BlockNumber
}

// Pool is the pool state. It is not safe for concurrent use: the pool
// service worker owns it.
type Pool struct {
	cons    *consensus.Consensus
	store   store.ChainStore
	maxSize int

	txs    map[types.Hash]*entry         // txHash -> entry
	spends map[types.Outpoint]types.Hash // outpoint -> txHash (conflict index)
	// proposals maps ids proposed on the canonical chain to the number of
	// the block that proposed them.
	proposals map[types.Hash]types.BlockNumber
	seq       uint64

	// The chain head the pool state is reconciled with.
	tip     types.BlockNumber
	tipHash types.Hash
	tipTD   *uint256.Int
}

// NewPool creates an empty pool on top of tip.
func NewPool(c *consensus.Consensus, s store.ChainStore, tip store.Tip, maxSize int) *Pool {
	return &Pool{
		cons:      c,
		store:     s,
		maxSize:   maxSize,
		txs:       make(map[types.Hash]*entry),
		spends:    make(map[types.Outpoint]types.Hash),
		proposals: make(map[types.Hash]types.BlockNumber),
		tip:       tip.Number,
		tipHash:   tip.Hash,
		tipTD:     new(uint256.Int).Set(tip.TotalDifficulty),
	}
}

// Size counts the entries of each stage.
type Size struct {
	Pending  int
	Proposed int
}

// Size returns the number of pending and proposed entries.
func (p *Pool) Size() Size {
	var s Size
	for _, e := range p.txs {
		if e.proposed {
			s.Proposed++
		} else {
			s.Pending++
		}
	}
	return s
}

// Has reports whether txHash is in the pool.
func (p *Pool) Has(txHash types.Hash) bool {
	_, ok := p.txs[txHash]
	return ok
}

// Add validates t against the chain and the pool and admits it.
func (p *Pool) Add(t *tx.Indexed) (InsertionResult, error) {
	txHash := t.Hash()
	if t.IsCellBase() {
		return 0, ErrCellBase
	}
	if _, ok := p.txs[txHash]; ok {
		return 0, ErrAlreadyInPool
	}
	if err := t.Tx().Validate(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidTx, err)
	}

	committed, err := p.committed(txHash)
	if err != nil {
		return 0, err
	}
	if committed {
		return 0, ErrDuplicateOutput
	}

	next := p.tip + 1
	if t.Tx().ValidSince > next {
		return 0, fmt.Errorf("%w: valid since %d, next block %d", ErrInvalidBlockNumber, t.Tx().ValidSince, next)
	}
	proposedAt, proposed := p.proposals[txHash]
	if proposed {
		if _, to := p.cons.CommitWindow(proposedAt); to < next {
			return 0, fmt.Errorf("%w: proposed at %d", ErrTimeOut, proposedAt)
		}
	}

	for _, in := range t.Tx().Inputs {
		if other, ok := p.spends[in.PrevOut]; ok {
			return 0, fmt.Errorf("%w: %s spent by pool tx %s", ErrDoubleSpent, in.PrevOut, other.Short())
		}
		if err := p.checkSpent(in.PrevOut); err != nil {
			return 0, err
		}
	}

	fee, err := t.Tx().ResolveCells(poolCells{p})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidTx, err)
	}

	if len(p.txs) >= p.maxSize {
		return 0, ErrOverCapacity
	}

	var feeRate float64
	if size := len(t.Tx().SigningBytes()); size > 0 {
		feeRate = float64(fee) / float64(size)
	}

	p.seq++
	e := &entry{tx: t, seq: p.seq, fee: fee, feeRate: feeRate, proposed: proposed, proposedAt: proposedAt}
	p.txs[txHash] = e
	for _, in := range t.Tx().Inputs {
		p.spends[in.PrevOut] = txHash
	}
	if proposed {
		return Proposed, nil
	}
	return Pending, nil
}

// committed reports whether txHash is in a canonical block.
func (p *Pool) committed(txHash types.Hash) (bool, error) {
	_, _, err := p.store.TxLocation(txHash)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("pool store: %w", err)
	}
}

// checkSpent fails with ErrDoubleSpent when op was created by a committed
// transaction and has been consumed since.
func (p *Pool) checkSpent(op types.Outpoint) error {
	if _, ok := p.txs[op.TxID]; ok {
		return nil
	}
	_, live, err := p.store.LiveCell(op)
	if err != nil {
		return fmt.Errorf("pool store: %w", err)
	}
	if live {
		return nil
	}
	committed, err := p.committed(op.TxID)
	if err != nil {
		return err
	}
	if committed {
		return fmt.Errorf("%w: %s consumed on chain", ErrDoubleSpent, op)
	}
	return nil
}

// poolCells resolves inputs against pool outputs first, then the store.
type poolCells struct{ p *Pool }

func (c poolCells) LiveCell(op types.Outpoint) (tx.Output, bool, error) {
	if e, ok := c.p.txs[op.TxID]; ok {
		outs := e.tx.Tx().Outputs
		if int(op.Index) >= len(outs) {
			return tx.Output{}, false, nil
		}
		return outs[op.Index], true, nil
	}
	return c.p.store.LiveCell(op)
}

// remove drops txHash alone. Entries spending its outputs stay: the
// outputs are about to be live on chain.
func (p *Pool) remove(txHash types.Hash) *entry {
	e, ok := p.txs[txHash]
	if !ok {
		return nil
	}
	for _, in := range e.tx.Tx().Inputs {
		delete(p.spends, in.PrevOut)
	}
	delete(p.txs, txHash)
	return e
}

// evict drops txHash and every entry depending on it, returning how many
// entries left the pool.
func (p *Pool) evict(txHash types.Hash) int {
	e := p.remove(txHash)
	if e == nil {
		return 0
	}
	n := 1
	for _, op := range e.tx.OutPoints() {
		if child, ok := p.spends[op]; ok {
			n += p.evict(child)
		}
	}
	return n
}

// sorted returns the entries in insertion order.
func (p *Pool) sorted() []*entry {
	entries := make([]*entry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq < entries[j].seq
	})
	return entries
}

// byFeeRate returns the entries by fee rate, highest first, with
// insertion order breaking ties.
func (p *Pool) byFeeRate() []*entry {
	entries := p.sorted()
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].feeRate > entries[j].feeRate
	})
	return entries
}

// ProposalCommitTxs selects up to maxProp pending transactions to propose,
// best fee rate first, and up to maxTx proposed transactions that may be
// committed in the next block. Commits list parents before children.
func (p *Pool) ProposalCommitTxs(maxProp, maxTx int) (proposals, commits []*tx.Indexed) {
	maxProp, maxTx = max(maxProp, 0), max(maxTx, 0)
	proposals = make([]*tx.Indexed, 0, min(maxProp, len(p.txs)))
	commits = make([]*tx.Indexed, 0, min(maxTx, len(p.txs)))
	if maxProp == 0 && maxTx == 0 {
		return proposals, commits
	}

	for _, e := range p.byFeeRate() {
		if len(proposals) >= maxProp {
			break
		}
		if !e.proposed {
			proposals = append(proposals, e.tx)
		}
	}

	entries := p.sorted()

	next := p.tip + 1
	picked := make(map[types.Hash]bool, len(entries))
	var visit func(e *entry) bool
	visit = func(e *entry) bool {
		if ok, seen := picked[e.tx.Hash()]; seen {
			return ok
		}
		picked[e.tx.Hash()] = false
		if !p.committable(e, next) {
			return false
		}
		for _, in := range e.tx.Tx().Inputs {
			if parent, ok := p.txs[in.PrevOut.TxID]; ok && !visit(parent) {
				return false
			}
		}
		if len(commits) >= maxTx {
			return false
		}
		picked[e.tx.Hash()] = true
		commits = append(commits, e.tx)
		return true
	}
	for _, e := range entries {
		if len(commits) >= maxTx {
			break
		}
		visit(e)
	}
	return proposals, commits
}

func (p *Pool) committable(e *entry, next types.BlockNumber) bool {
	if !e.proposed || e.tx.Tx().ValidSince > next {
		return false
	}
	from, to := p.cons.CommitWindow(e.proposedAt)
	return from <= next && next <= to
}
