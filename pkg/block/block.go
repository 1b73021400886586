// Package block defines block types and structural validation.
package block

import (
	"github.com/Klingon-tech/klingnet-core/pkg/tx"
	"github.com/Klingon-tech/klingnet-core/pkg/types"
)

// Block is a header plus its body. Transactions are the commit stage
// (cellbase first), Proposals the ids proposed for later commitment.
type Block struct {
	Header       *Header           `json:"header"`
	Uncles       []*Header         `json:"uncles"`
	Transactions []*tx.Transaction `json:"transactions"`
	Proposals    []types.Hash      `json:"proposals"`
}

// NewBlock assembles a block and fills in the header roots.
func NewBlock(header *Header, uncles []*Header, txs []*tx.Transaction, proposals []types.Hash) *Block {
	header.TxsRoot = TxsRoot(txs)
	header.ProposalsRoot = ComputeMerkleRoot(proposals)
	header.UnclesHash = UnclesHash(uncles)
	return &Block{
		Header:       header,
		Uncles:       uncles,
		Transactions: txs,
		Proposals:    proposals,
	}
}

// Hash returns the block header hash.
func (b *Block) Hash() types.Hash {
	if b.Header == nil {
		return types.Hash{}
	}
	return b.Header.Hash()
}
