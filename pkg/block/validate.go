package block

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-core/config"
	"github.com/Klingon-tech/klingnet-core/pkg/types"
)

// Validation errors.
var (
	ErrNilHeader           = errors.New("block has nil header")
	ErrNoTransactions      = errors.New("block has no transactions")
	ErrBadTxsRoot          = errors.New("transactions root mismatch")
	ErrBadProposalsRoot    = errors.New("proposals root mismatch")
	ErrBadUnclesHash       = errors.New("uncles hash mismatch")
	ErrBadVersion          = errors.New("unsupported block version")
	ErrZeroTimestamp       = errors.New("block timestamp is zero")
	ErrNoCellBase          = errors.New("first transaction must be cellbase")
	ErrMultipleCellBase    = errors.New("multiple cellbase transactions in block")
	ErrTooManyTxs          = errors.New("too many transactions in block")
	ErrTooManyProposals    = errors.New("too many proposals in block")
	ErrBlockTooLarge       = errors.New("block too large")
	ErrDuplicateTx         = errors.New("duplicate transaction in block")
	ErrDuplicateProposal   = errors.New("duplicate proposal in block")
	ErrDuplicateUncle      = errors.New("duplicate uncle in block")
	ErrDuplicateBlockInput = errors.New("duplicate input across transactions in block")
	ErrZeroDifficulty      = errors.New("block difficulty is zero")
)

// Block version constants.
const (
	CurrentVersion = 1
	MaxVersion     = 1
)

// Validate checks block structure and internal consistency. It does not
// look at the chain, the cell set or the proof of work.
func (b *Block) Validate() error {
	if b.Header == nil {
		return ErrNilHeader
	}
	h := b.Header
	if h.Version < 1 || h.Version > MaxVersion {
		return fmt.Errorf("%w: got %d, want 1..%d", ErrBadVersion, h.Version, MaxVersion)
	}
	if h.Timestamp == 0 {
		return ErrZeroTimestamp
	}
	if h.Difficulty == 0 {
		return ErrZeroDifficulty
	}

	if len(b.Transactions) == 0 {
		return ErrNoTransactions
	}
	if len(b.Transactions) > config.MaxBlockTxs {
		return fmt.Errorf("%w: %d txs, max %d", ErrTooManyTxs, len(b.Transactions), config.MaxBlockTxs)
	}
	if len(b.Proposals) > config.MaxBlockProposals {
		return fmt.Errorf("%w: %d, max %d", ErrTooManyProposals, len(b.Proposals), config.MaxBlockProposals)
	}

	size := len(h.Bytes()) + len(b.Uncles)*len(h.Bytes()) + len(b.Proposals)*types.HashSize
	for _, t := range b.Transactions {
		size += len(t.SigningBytes())
	}
	if size > config.MaxBlockSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrBlockTooLarge, size, config.MaxBlockSize)
	}

	if !b.Transactions[0].IsCellBase() {
		return ErrNoCellBase
	}
	for i, t := range b.Transactions[1:] {
		for _, in := range t.Inputs {
			if in.PrevOut.IsNull() {
				return fmt.Errorf("tx %d: %w", i+1, ErrMultipleCellBase)
			}
		}
	}

	txIDs := make(map[types.Hash]bool, len(b.Transactions))
	for i, t := range b.Transactions {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
		id := t.Hash()
		if txIDs[id] {
			return fmt.Errorf("tx %d: %w: %s", i, ErrDuplicateTx, id)
		}
		txIDs[id] = true
	}
	if root := TxsRoot(b.Transactions); root != h.TxsRoot {
		return fmt.Errorf("%w: header=%s computed=%s", ErrBadTxsRoot, h.TxsRoot, root)
	}

	seen := make(map[types.Hash]bool, len(b.Proposals))
	for _, id := range b.Proposals {
		if seen[id] {
			return fmt.Errorf("%w: %s", ErrDuplicateProposal, id)
		}
		seen[id] = true
	}
	if root := ComputeMerkleRoot(b.Proposals); root != h.ProposalsRoot {
		return fmt.Errorf("%w: header=%s computed=%s", ErrBadProposalsRoot, h.ProposalsRoot, root)
	}

	uncles := make(map[types.Hash]bool, len(b.Uncles))
	for _, u := range b.Uncles {
		uh := u.Hash()
		if uncles[uh] {
			return fmt.Errorf("%w: %s", ErrDuplicateUncle, uh)
		}
		uncles[uh] = true
	}
	if uh := UnclesHash(b.Uncles); uh != h.UnclesHash {
		return fmt.Errorf("%w: header=%s computed=%s", ErrBadUnclesHash, h.UnclesHash, uh)
	}

	// Per-tx duplicates are caught by tx.Validate above.
	spent := make(map[types.Outpoint]int)
	for i, t := range b.Transactions[1:] {
		for _, in := range t.Inputs {
			if prev, ok := spent[in.PrevOut]; ok {
				return fmt.Errorf("tx %d: %w: outpoint %s also spent in tx %d",
					i+1, ErrDuplicateBlockInput, in.PrevOut, prev)
			}
			spent[in.PrevOut] = i + 1
		}
	}
	return nil
}
