// Package storetest sets up chain stores for service tests.
package storetest

import (
	"testing"

	"github.com/holiman/uint256"

	"github.com/Klingon-tech/klingnet-core/internal/consensus"
	"github.com/Klingon-tech/klingnet-core/internal/storage"
	"github.com/Klingon-tech/klingnet-core/internal/store"
	"github.com/Klingon-tech/klingnet-core/pkg/block"
)

// New returns a memory-backed store holding the genesis of c.
func New(t testing.TB, c *consensus.Consensus) *store.KVStore {
	t.Helper()
	s := store.New(storage.NewMemory())
	if err := s.Init(c.Genesis()); err != nil {
		t.Fatalf("store init: %v", err)
	}
	return s
}

// Entry pairs b with its total difficulty computed from the stored parent.
func Entry(t testing.TB, s store.ChainStore, b *block.Indexed) store.BlockEntry {
	t.Helper()
	parentTD, err := s.TotalDifficulty(b.ParentHash())
	if err != nil {
		t.Fatalf("parent total difficulty: %v", err)
	}
	td := new(uint256.Int).Add(parentTD, uint256.NewInt(b.Header().Difficulty))
	return store.BlockEntry{Block: b, TotalDifficulty: td}
}

// Extend commits blocks one by one on top of the tip.
func Extend(t testing.TB, s store.ChainStore, blocks ...*block.Indexed) {
	t.Helper()
	for _, b := range blocks {
		if err := s.Commit(nil, []store.BlockEntry{Entry(t, s, b)}); err != nil {
			t.Fatalf("commit block %d: %v", b.Number(), err)
		}
	}
}

// Save stores blocks off the canonical chain.
func Save(t testing.TB, s store.ChainStore, blocks ...*block.Indexed) {
	t.Helper()
	for _, b := range blocks {
		if err := s.SaveBlock(Entry(t, s, b)); err != nil {
			t.Fatalf("save block %d: %v", b.Number(), err)
		}
	}
}
