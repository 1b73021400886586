package block

import (
	"github.com/Klingon-tech/klingnet-core/pkg/tx"
	"github.com/Klingon-tech/klingnet-core/pkg/types"
)

// Indexed is a block with its hash and transaction hashes computed once.
// It is shared by pointer between services and must not be modified.
type Indexed struct {
	block *Block
	hash  types.Hash
	txs   []*tx.Indexed
}

// NewIndexed wraps b. The caller gives up the right to mutate b.
func NewIndexed(b *Block) *Indexed {
	txs := make([]*tx.Indexed, len(b.Transactions))
	for i, t := range b.Transactions {
		txs[i] = tx.NewIndexed(t)
	}
	return &Indexed{block: b, hash: b.Hash(), txs: txs}
}

// Block returns the wrapped block.
func (b *Indexed) Block() *Block { return b.block }

// Header returns the block header.
func (b *Indexed) Header() *Header { return b.block.Header }

// Hash returns the cached block hash.
func (b *Indexed) Hash() types.Hash { return b.hash }

// Number returns the block number.
func (b *Indexed) Number() types.BlockNumber { return b.block.Header.Number }

// ParentHash returns the parent block hash.
func (b *Indexed) ParentHash() types.Hash { return b.block.Header.ParentHash }

// Transactions returns the indexed commit-stage transactions.
func (b *Indexed) Transactions() []*tx.Indexed { return b.txs }

// Proposals returns the proposal-stage ids.
func (b *Indexed) Proposals() []types.Hash { return b.block.Proposals }

// Uncles returns the uncle headers.
func (b *Indexed) Uncles() []*Header { return b.block.Uncles }
