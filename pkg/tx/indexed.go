package tx

import "github.com/Klingon-tech/klingnet-core/pkg/types"

// Indexed is a transaction with its hash computed once. It is shared by
// pointer between services and must not be modified after construction.
type Indexed struct {
	tx   *Transaction
	hash types.Hash
}

// NewIndexed wraps t. The caller gives up the right to mutate t.
func NewIndexed(t *Transaction) *Indexed {
	return &Indexed{tx: t, hash: t.Hash()}
}

// Tx returns the wrapped transaction.
func (i *Indexed) Tx() *Transaction { return i.tx }

// Hash returns the cached transaction ID.
func (i *Indexed) Hash() types.Hash { return i.hash }

// IsCellBase reports whether the transaction is a block reward.
func (i *Indexed) IsCellBase() bool { return i.tx.IsCellBase() }

// OutPoints returns the outpoints of every output.
func (i *Indexed) OutPoints() []types.Outpoint {
	ops := make([]types.Outpoint, len(i.tx.Outputs))
	for n := range i.tx.Outputs {
		ops[n] = OutPoint(i.hash, n)
	}
	return ops
}
