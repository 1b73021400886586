package tx

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-core/pkg/crypto"
	"github.com/Klingon-tech/klingnet-core/pkg/types"
)

// Builder constructs transactions incrementally.
type Builder struct {
	tx *Transaction
}

// NewBuilder creates a new transaction builder.
func NewBuilder() *Builder {
	return &Builder{tx: &Transaction{Version: 1}}
}

// AddInput adds an input consuming prevOut.
func (b *Builder) AddInput(prevOut types.Outpoint) *Builder {
	b.tx.Inputs = append(b.tx.Inputs, Input{PrevOut: prevOut})
	return b
}

// AddOutput adds a cell with the given capacity and lock.
func (b *Builder) AddOutput(capacity types.Capacity, lock types.Script) *Builder {
	b.tx.Outputs = append(b.tx.Outputs, Output{Capacity: capacity, Lock: lock})
	return b
}

// SetValidSince sets the lowest block number the transaction may be committed in.
func (b *Builder) SetValidSince(n types.BlockNumber) *Builder {
	b.tx.ValidSince = n
	return b
}

// Sign signs all inputs with key (single-owner spending).
func (b *Builder) Sign(key crypto.Signer) error {
	hash := b.tx.Hash()
	sig, err := key.Sign(hash[:])
	if err != nil {
		return fmt.Errorf("sign tx: %w", err)
	}
	pubKey := key.PublicKey()
	for i := range b.tx.Inputs {
		b.tx.Inputs[i].Signature = sig
		b.tx.Inputs[i].PubKey = pubKey
	}
	return nil
}

// Build returns the constructed transaction.
// Does NOT validate, call tx.Validate() separately.
func (b *Builder) Build() *Transaction {
	return b.tx
}
