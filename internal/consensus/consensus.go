// Package consensus holds the immutable protocol parameters of a chain,
// its genesis block, the proof-of-work capability and difficulty retargeting.
package consensus

import (
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-core/pkg/block"
	"github.com/Klingon-tech/klingnet-core/pkg/tx"
	"github.com/Klingon-tech/klingnet-core/pkg/types"
)

// ErrInvalidParams is returned by New for unusable parameters.
var ErrInvalidParams = errors.New("invalid consensus parameters")

// Ratio is a fraction Num/Den.
type Ratio struct {
	Num uint64
	Den uint64
}

// Params are the tunable protocol rules.
type Params struct {
	InitialBlockReward types.Capacity
	// MaxUnclesAge is how many blocks behind the including block an uncle may be.
	MaxUnclesAge types.BlockNumber
	MaxUnclesLen int
	// OrphanRateTarget is the share of uncles per canonical block that
	// retargeting aims for.
	OrphanRateTarget Ratio
	// PowTimeSpan / PowSpacing is the retarget window in blocks.
	PowTimeSpan time.Duration
	PowSpacing  time.Duration
	// A transaction proposed at block p may be committed in blocks
	// p+TransactionPropagationTime ..= p+TransactionPropagationTimeout.
	TransactionPropagationTime    types.BlockNumber
	TransactionPropagationTimeout types.BlockNumber

	GenesisTimestamp  uint64 // unix milliseconds
	GenesisDifficulty uint64
	// GenesisAlloc are the cells created by the genesis cellbase.
	GenesisAlloc []tx.Output
}

// Consensus is built once and shared read-only by every service.
type Consensus struct {
	Params
	genesis *block.Indexed
	pow     PowEngine
}

// DefaultParams returns mainnet-like parameters.
func DefaultParams() Params {
	return Params{
		InitialBlockReward:            5_000_000_000,
		MaxUnclesAge:                  6,
		MaxUnclesLen:                  2,
		OrphanRateTarget:              Ratio{Num: 1, Den: 20},
		PowTimeSpan:                   12 * time.Hour,
		PowSpacing:                    5 * time.Second,
		TransactionPropagationTime:    1,
		TransactionPropagationTimeout: 10,
		GenesisTimestamp:              1_760_000_000_000,
		GenesisDifficulty:             1 << 20,
		GenesisAlloc: []tx.Output{{
			Capacity: 1,
			Lock:     types.Script{Type: types.ScriptTypeUnspendable, Data: []byte("klingnet core genesis")},
		}},
	}
}

// Default returns the default consensus with the hash PoW engine.
func Default() *Consensus {
	c, err := New(DefaultParams(), HashPow{})
	if err != nil {
		panic(fmt.Sprintf("default consensus: %v", err))
	}
	return c
}

// New validates p and builds the genesis block.
func New(p Params, pow PowEngine) (*Consensus, error) {
	switch {
	case pow == nil:
		return nil, fmt.Errorf("%w: nil pow engine", ErrInvalidParams)
	case p.GenesisDifficulty == 0:
		return nil, fmt.Errorf("%w: genesis difficulty is zero", ErrInvalidParams)
	case p.GenesisTimestamp == 0:
		return nil, fmt.Errorf("%w: genesis timestamp is zero", ErrInvalidParams)
	case len(p.GenesisAlloc) == 0:
		return nil, fmt.Errorf("%w: genesis allocates nothing", ErrInvalidParams)
	case p.MaxUnclesLen < 0:
		return nil, fmt.Errorf("%w: negative max uncles", ErrInvalidParams)
	case p.PowSpacing <= 0 || p.PowTimeSpan < p.PowSpacing:
		return nil, fmt.Errorf("%w: pow time span must cover at least one spacing", ErrInvalidParams)
	case p.OrphanRateTarget.Den == 0:
		return nil, fmt.Errorf("%w: orphan rate denominator is zero", ErrInvalidParams)
	case p.TransactionPropagationTime == 0 || p.TransactionPropagationTimeout < p.TransactionPropagationTime:
		return nil, fmt.Errorf("%w: propagation window is empty", ErrInvalidParams)
	}

	alloc := make([]tx.Output, len(p.GenesisAlloc))
	copy(alloc, p.GenesisAlloc)
	p.GenesisAlloc = alloc

	cellbase := &tx.Transaction{
		Version: 1,
		Inputs:  []tx.Input{{PrevOut: types.NullOutpoint, Signature: []byte{0, 0, 0, 0, 0, 0, 0, 0}}},
		Outputs: alloc,
	}
	header := &block.Header{
		Version:    block.CurrentVersion,
		Number:     0,
		Timestamp:  p.GenesisTimestamp,
		Difficulty: p.GenesisDifficulty,
	}
	genesis := block.NewBlock(header, nil, []*tx.Transaction{cellbase}, nil)
	if err := genesis.Validate(); err != nil {
		return nil, fmt.Errorf("%w: genesis: %v", ErrInvalidParams, err)
	}

	return &Consensus{Params: p, genesis: block.NewIndexed(genesis), pow: pow}, nil
}

// Genesis returns the genesis block.
func (c *Consensus) Genesis() *block.Indexed { return c.genesis }

// Pow returns the proof-of-work capability.
func (c *Consensus) Pow() PowEngine { return c.pow }

// BlockReward returns the cellbase allowance of the block at number.
func (c *Consensus) BlockReward(types.BlockNumber) types.Capacity {
	return c.InitialBlockReward
}

// RetargetInterval is the number of blocks between difficulty changes.
func (c *Consensus) RetargetInterval() uint64 {
	return uint64(c.PowTimeSpan / c.PowSpacing)
}

// CommitWindow returns the block numbers in which a transaction proposed
// at proposedAt may be committed.
func (c *Consensus) CommitWindow(proposedAt types.BlockNumber) (from, to types.BlockNumber) {
	return proposedAt + c.TransactionPropagationTime, proposedAt + c.TransactionPropagationTimeout
}
