package block

import (
	"github.com/Klingon-tech/klingnet-core/pkg/crypto"
	"github.com/Klingon-tech/klingnet-core/pkg/tx"
	"github.com/Klingon-tech/klingnet-core/pkg/types"
)

// ComputeMerkleRoot calculates the merkle root of a list of hashes.
//
//   - 0 hashes: zero hash
//   - 1 hash: that hash
//   - otherwise pairwise hash, duplicating the last element of an odd
//     layer, until one hash remains.
func ComputeMerkleRoot(hashes []types.Hash) types.Hash {
	switch len(hashes) {
	case 0:
		return types.Hash{}
	case 1:
		return hashes[0]
	}

	level := make([]types.Hash, len(hashes))
	copy(level, hashes)
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := make([]types.Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = crypto.HashConcat(level[i], level[i+1])
		}
		level = next
	}
	return level[0]
}

// TxsRoot returns the merkle root over transaction IDs.
func TxsRoot(txs []*tx.Transaction) types.Hash {
	hashes := make([]types.Hash, len(txs))
	for i, t := range txs {
		hashes[i] = t.Hash()
	}
	return ComputeMerkleRoot(hashes)
}

// UnclesHash returns the merkle root over uncle header hashes.
func UnclesHash(uncles []*Header) types.Hash {
	hashes := make([]types.Hash, len(uncles))
	for i, u := range uncles {
		hashes[i] = u.Hash()
	}
	return ComputeMerkleRoot(hashes)
}
