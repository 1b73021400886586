package tx

import (
	"errors"
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-core/pkg/crypto"
	"github.com/Klingon-tech/klingnet-core/pkg/types"
)

// Cell resolution errors.
var (
	ErrInputNotFound        = errors.New("input cell not found or already consumed")
	ErrInputOverflow        = errors.New("input capacities overflow")
	ErrInsufficientCapacity = errors.New("outputs exceed inputs")
	ErrScriptMismatch       = errors.New("pubkey does not match cell lock")
	ErrUnspendableInput     = errors.New("input cell is unspendable")
)

// CellProvider gives read access to live cells.
type CellProvider interface {
	// LiveCell returns the cell at op. ok is false when the cell does not
	// exist or has been consumed.
	LiveCell(op types.Outpoint) (out Output, ok bool, err error)
}

// CellMap is an in-memory CellProvider.
type CellMap map[types.Outpoint]Output

// LiveCell implements CellProvider.
func (m CellMap) LiveCell(op types.Outpoint) (Output, bool, error) {
	out, ok := m[op]
	return out, ok, nil
}

// ResolveCells checks the transaction against the live cell set: every input
// exists and is unlocked by its pubkey, signatures are valid and inputs cover
// outputs. Returns the fee (inputs - outputs).
func (tx *Transaction) ResolveCells(cells CellProvider) (types.Capacity, error) {
	if err := tx.Validate(); err != nil {
		return 0, err
	}
	if tx.IsCellBase() {
		return 0, nil
	}

	var totalInput types.Capacity
	for i, in := range tx.Inputs {
		cell, ok, err := cells.LiveCell(in.PrevOut)
		if err != nil {
			return 0, fmt.Errorf("input %d: %w", i, err)
		}
		if !ok {
			return 0, fmt.Errorf("input %d (%s): %w", i, in.PrevOut, ErrInputNotFound)
		}
		switch cell.Lock.Type {
		case types.ScriptTypeP2PKH:
			if err := verifyP2PKH(in.PubKey, cell.Lock.Data); err != nil {
				return 0, fmt.Errorf("input %d: %w", i, err)
			}
		default:
			return 0, fmt.Errorf("input %d (%s): %w: %s", i, in.PrevOut, ErrUnspendableInput, cell.Lock.Type)
		}
		if totalInput > math.MaxUint64-cell.Capacity {
			return 0, fmt.Errorf("input %d: %w", i, ErrInputOverflow)
		}
		totalInput += cell.Capacity
	}

	if err := tx.VerifySignatures(); err != nil {
		return 0, err
	}

	totalOutput, err := tx.TotalOutputCapacity()
	if err != nil {
		return 0, err
	}
	if totalInput < totalOutput {
		return 0, fmt.Errorf("%w: inputs=%d outputs=%d", ErrInsufficientCapacity, totalInput, totalOutput)
	}
	return totalInput - totalOutput, nil
}

// verifyP2PKH checks that a public key hashes to the address in the lock.
func verifyP2PKH(pubKey []byte, lockData []byte) error {
	if len(lockData) != types.AddressSize {
		return fmt.Errorf("%w: lock data length %d", ErrScriptMismatch, len(lockData))
	}
	if len(pubKey) == 0 {
		return ErrMissingPubKey
	}
	var expected types.Address
	copy(expected[:], lockData)
	if derived := crypto.AddressFromPubKey(pubKey); derived != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrScriptMismatch, expected, derived)
	}
	return nil
}
