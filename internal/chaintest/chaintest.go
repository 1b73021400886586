// Package chaintest builds keys, consensus parameters and blocks for tests
// of the node services.
package chaintest

import (
	"context"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-core/internal/consensus"
	"github.com/Klingon-tech/klingnet-core/pkg/block"
	"github.com/Klingon-tech/klingnet-core/pkg/crypto"
	"github.com/Klingon-tech/klingnet-core/pkg/tx"
	"github.com/Klingon-tech/klingnet-core/pkg/types"
)

// GenesisCapacity is the capacity of every genesis cell allocated to a Key.
const GenesisCapacity types.Capacity = 1_000_000

// Key is a test account.
type Key struct {
	Priv *crypto.PrivateKey
	Addr types.Address
	Lock types.Script
}

// NewKey generates a fresh account.
func NewKey(t testing.TB) *Key {
	t.Helper()
	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	addr := crypto.AddressFromPubKey(priv.PublicKey())
	return &Key{Priv: priv, Addr: addr, Lock: types.P2PKH(addr)}
}

// Params returns difficulty-1 parameters that never retarget, with cells
// numbered 0..cells-1 of the genesis cellbase locked to owner.
func Params(owner *Key, cells int) consensus.Params {
	p := consensus.DefaultParams()
	p.GenesisDifficulty = 1
	p.PowSpacing = time.Millisecond
	p.PowTimeSpan = time.Duration(1<<40) * time.Millisecond
	p.GenesisAlloc = make([]tx.Output, cells)
	for i := range p.GenesisAlloc {
		p.GenesisAlloc[i] = tx.Output{Capacity: GenesisCapacity, Lock: owner.Lock}
	}
	return p
}

// Consensus builds the consensus for Params.
func Consensus(t testing.TB, owner *Key, cells int) *consensus.Consensus {
	t.Helper()
	c, err := consensus.New(Params(owner, cells), consensus.HashPow{})
	if err != nil {
		t.Fatalf("consensus.New: %v", err)
	}
	return c
}

// GenesisCell returns the outpoint of genesis cell i.
func GenesisCell(c *consensus.Consensus, i int) types.Outpoint {
	return tx.OutPoint(c.Genesis().Transactions()[0].Hash(), i)
}

// Spend builds a transaction moving prev (worth in) to to, signed by from.
func Spend(t testing.TB, from *Key, prev types.Outpoint, out types.Capacity, to types.Script) *tx.Transaction {
	t.Helper()
	b := tx.NewBuilder().AddInput(prev).AddOutput(out, to)
	if err := b.Sign(from.Priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return b.Build()
}

// BlockSpec describes a child block.
type BlockSpec struct {
	Txs       []*tx.Transaction
	Proposals []types.Hash
	Uncles    []*block.Header
	// Salt makes sibling blocks with equal content distinct.
	Salt uint64
	// Miner receives the cellbase. Defaults to an unspendable lock.
	Miner *types.Script
}

// Child builds a valid child of parent carrying spec, with PoW solved.
func Child(t testing.TB, c *consensus.Consensus, parent *block.Header, spec BlockSpec) *block.Indexed {
	t.Helper()
	number := parent.Number + 1
	lock := types.Script{Type: types.ScriptTypeUnspendable, Data: []byte("test miner")}
	if spec.Miner != nil {
		lock = *spec.Miner
	}
	txs := append([]*tx.Transaction{tx.NewCellBase(number, c.BlockReward(number), lock)}, spec.Txs...)
	h := &block.Header{
		Version:    block.CurrentVersion,
		ParentHash: parent.Hash(),
		Number:     number,
		Timestamp:  parent.Timestamp + 1 + spec.Salt,
		Difficulty: parent.Difficulty,
	}
	return Seal(t, c, block.NewBlock(h, spec.Uncles, txs, spec.Proposals))
}

// Seal solves the PoW of blk as it is, without touching its roots.
func Seal(t testing.TB, c *consensus.Consensus, blk *block.Block) *block.Indexed {
	t.Helper()
	if ok, err := c.Pow().Solve(context.Background(), blk.Header, 1<<24); err != nil || !ok {
		t.Fatalf("Solve: %v %v", ok, err)
	}
	return block.NewIndexed(blk)
}

// Rebuild copies b, lets edit change the copy, recomputes the roots and
// seals the result.
func Rebuild(t testing.TB, c *consensus.Consensus, b *block.Indexed, edit func(*block.Block)) *block.Indexed {
	t.Helper()
	src := b.Block()
	cp := &block.Block{
		Header:       src.Header.Copy(),
		Uncles:       append([]*block.Header(nil), src.Uncles...),
		Transactions: append([]*tx.Transaction(nil), src.Transactions...),
		Proposals:    append([]types.Hash(nil), src.Proposals...),
	}
	edit(cp)
	return Seal(t, c, block.NewBlock(cp.Header, cp.Uncles, cp.Transactions, cp.Proposals))
}

// Chain builds n empty blocks on top of parent. Salt distinguishes
// competing chains.
func Chain(t testing.TB, c *consensus.Consensus, parent *block.Header, n int, salt uint64) []*block.Indexed {
	t.Helper()
	out := make([]*block.Indexed, 0, n)
	for i := 0; i < n; i++ {
		b := Child(t, c, parent, BlockSpec{Salt: salt})
		out = append(out, b)
		parent = b.Header()
	}
	return out
}
