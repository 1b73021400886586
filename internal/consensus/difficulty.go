package consensus

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/Klingon-tech/klingnet-core/pkg/block"
	"github.com/Klingon-tech/klingnet-core/pkg/types"
)

// BlockReader gives access to the ancestry needed for retargeting.
type BlockReader interface {
	Block(hash types.Hash) (*block.Indexed, error)
}

// NextDifficulty returns the difficulty a child of parent must carry.
//
// Difficulty only changes when the child starts a new retarget window.
// The new value scales the old one by expected/actual window time and by
// how the observed uncle rate compares with OrphanRateTarget, clamped to
// a factor of 4 either way.
func (c *Consensus) NextDifficulty(parent *block.Header, blocks BlockReader) (uint64, error) {
	interval := c.RetargetInterval()
	next := parent.Number + 1
	if interval <= 1 || next%interval != 0 {
		return parent.Difficulty, nil
	}

	var uncles uint64
	cur := parent
	for i := uint64(1); i < interval; i++ {
		b, err := blocks.Block(cur.ParentHash)
		if err != nil {
			return 0, fmt.Errorf("retarget ancestor of %d: %w", cur.Number, err)
		}
		uncles += uint64(len(b.Uncles()))
		cur = b.Header()
	}
	if parentBlock, err := blocks.Block(parent.Hash()); err == nil {
		uncles += uint64(len(parentBlock.Uncles()))
	}

	actual := int64(parent.Timestamp) - int64(cur.Timestamp)
	expected := int64((interval - 1) * uint64(c.PowSpacing.Milliseconds()))
	d := CalcNextDifficulty(parent.Difficulty, actual, expected)
	return c.adjustForOrphans(d, uncles, interval), nil
}

// VerifyDifficulty checks a header against NextDifficulty of its parent.
func (c *Consensus) VerifyDifficulty(h, parent *block.Header, blocks BlockReader) error {
	want, err := c.NextDifficulty(parent, blocks)
	if err != nil {
		return err
	}
	if h.Difficulty != want {
		return fmt.Errorf("%w: block %d has difficulty %d, want %d",
			ErrBadDifficulty, h.Number, h.Difficulty, want)
	}
	return nil
}

// IncludedUncles returns the hashes of the uncles carried by parent and
// its ancestors up to MaxUnclesAge blocks back. A child of parent may not
// include any of them again.
func (c *Consensus) IncludedUncles(parent *block.Header, blocks BlockReader) (map[types.Hash]struct{}, error) {
	included := make(map[types.Hash]struct{})
	hash := parent.Hash()
	for i := types.BlockNumber(0); i < c.MaxUnclesAge; i++ {
		b, err := blocks.Block(hash)
		if err != nil {
			return nil, fmt.Errorf("uncles of ancestor %s: %w", hash.Short(), err)
		}
		for _, u := range b.Uncles() {
			included[u.Hash()] = struct{}{}
		}
		if b.Number() == 0 {
			break
		}
		hash = b.ParentHash()
	}
	return included, nil
}

// adjustForOrphans scales d by (blocks + uncles) / (blocks * (1 + target)).
// More uncles than targeted means blocks come too fast for the network,
// so difficulty goes up.
func (c *Consensus) adjustForOrphans(d, uncles, blocks uint64) uint64 {
	r := c.OrphanRateTarget
	num := new(uint256.Int).Mul(uint256.NewInt(d), uint256.NewInt(blocks+uncles))
	num.Mul(num, uint256.NewInt(r.Den))
	den := new(uint256.Int).Mul(uint256.NewInt(blocks), uint256.NewInt(r.Den+r.Num))
	res := new(uint256.Int).Div(num, den)

	lo, hi := d/4, d*4
	if hi/4 != d {
		hi = ^uint64(0)
	}
	if !res.IsUint64() {
		return clamp(hi, lo, hi)
	}
	return clamp(res.Uint64(), lo, hi)
}

func clamp(v, lo, hi uint64) uint64 {
	if lo == 0 {
		lo = 1
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// CalcNextDifficulty computes the new difficulty after a retarget window.
// actualTimeSpan is the elapsed time of the window, expectedTimeSpan the
// target (same unit). The span is clamped to [expected/4, expected*4] and
// the result is never below 1.
func CalcNextDifficulty(currentDiff uint64, actualTimeSpan, expectedTimeSpan int64) uint64 {
	if actualTimeSpan <= 0 {
		actualTimeSpan = 1
	}
	if expectedTimeSpan <= 0 {
		expectedTimeSpan = 1
	}
	minSpan := expectedTimeSpan / 4
	maxSpan := expectedTimeSpan * 4
	if minSpan == 0 {
		minSpan = 1
	}
	if actualTimeSpan < minSpan {
		actualTimeSpan = minSpan
	}
	if actualTimeSpan > maxSpan {
		actualTimeSpan = maxSpan
	}

	result := new(uint256.Int).Mul(uint256.NewInt(currentDiff), uint256.NewInt(uint64(expectedTimeSpan)))
	result.Div(result, uint256.NewInt(uint64(actualTimeSpan)))
	if result.IsZero() || !result.IsUint64() {
		if result.IsZero() {
			return 1
		}
		return ^uint64(0)
	}
	return result.Uint64()
}
