package consensus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/Klingon-tech/klingnet-core/pkg/block"
	"github.com/Klingon-tech/klingnet-core/pkg/crypto"
)

// PoW errors.
var (
	ErrInsufficientWork = errors.New("hash does not meet difficulty target")
	ErrZeroDifficulty   = errors.New("difficulty must be > 0")
	ErrBadDifficulty    = errors.New("block difficulty does not match expected")
)

// PowEngine is the proof-of-work capability.
type PowEngine interface {
	// Verify checks the header's nonce against its stated difficulty.
	Verify(h *block.Header) error
	// Solve tries at most budget nonces starting at h.Nonce. On success
	// h.Nonce holds the solution; otherwise h.Nonce is advanced past the
	// nonces tried so the next call continues the search.
	Solve(ctx context.Context, h *block.Header, budget uint64) (bool, error)
}

var maxUint256 = new(uint256.Int).Not(new(uint256.Int))

// target returns MaxUint256 / difficulty.
func target(difficulty uint64) *uint256.Int {
	return new(uint256.Int).Div(maxUint256, uint256.NewInt(difficulty))
}

// HashPow accepts a header when BLAKE3(header) <= MaxUint256 / difficulty.
type HashPow struct{}

// Verify implements PowEngine.
func (HashPow) Verify(h *block.Header) error {
	if h.Difficulty == 0 {
		return ErrZeroDifficulty
	}
	hash := h.Hash()
	if new(uint256.Int).SetBytes(hash[:]).Gt(target(h.Difficulty)) {
		return ErrInsufficientWork
	}
	return nil
}

// Solve implements PowEngine. The context is checked every 65536 nonces.
func (HashPow) Solve(ctx context.Context, h *block.Header, budget uint64) (bool, error) {
	if h.Difficulty == 0 {
		return false, ErrZeroDifficulty
	}
	t := target(h.Difficulty)
	prefix := h.PowBytes()
	buf := make([]byte, len(prefix)+8)
	copy(buf, prefix)
	hashInt := new(uint256.Int)

	nonce := h.Nonce
	for i := uint64(0); i < budget; i++ {
		if i&0xFFFF == 0 {
			select {
			case <-ctx.Done():
				h.Nonce = nonce
				return false, ctx.Err()
			default:
			}
		}
		binary.LittleEndian.PutUint64(buf[len(prefix):], nonce)
		hash := crypto.Hash(buf)
		hashInt.SetBytes(hash[:])
		if !hashInt.Gt(t) {
			h.Nonce = nonce
			return true, nil
		}
		if nonce == ^uint64(0) {
			return false, fmt.Errorf("nonce space exhausted")
		}
		nonce++
	}
	h.Nonce = nonce
	return false, nil
}
