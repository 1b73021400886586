// Package shared holds the read-only context every service is started with.
package shared

import (
	"github.com/Klingon-tech/klingnet-core/internal/consensus"
	"github.com/Klingon-tech/klingnet-core/internal/store"
)

// Shared bundles the consensus parameters with the chain store. It is built
// once at startup and never mutated; services receive it by pointer.
//
// Every service may read from Store. Only the chain service writes to it.
type Shared struct {
	Consensus *consensus.Consensus
	Store     store.ChainStore
}

// New returns the shared context.
func New(c *consensus.Consensus, s store.ChainStore) *Shared {
	return &Shared{Consensus: c, Store: s}
}
