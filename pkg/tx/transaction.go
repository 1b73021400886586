// Package tx defines transactions, their structural rules and cell resolution.
package tx

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-core/pkg/crypto"
	"github.com/Klingon-tech/klingnet-core/pkg/types"
)

// Transaction consumes live cells (inputs) and creates new ones (outputs).
type Transaction struct {
	Version uint32   `json:"version"`
	Inputs  []Input  `json:"inputs"`
	Outputs []Output `json:"outputs"`
	// ValidSince is the lowest block number the transaction may be committed in.
	ValidSince types.BlockNumber `json:"valid_since"`
}

// Input references a cell being consumed.
type Input struct {
	PrevOut   types.Outpoint `json:"prevout"`
	Signature []byte         `json:"signature"`
	PubKey    []byte         `json:"pubkey"`
}

type inputJSON struct {
	PrevOut   types.Outpoint `json:"prevout"`
	Signature string         `json:"signature,omitempty"`
	PubKey    string         `json:"pubkey,omitempty"`
}

// MarshalJSON encodes the input with hex-encoded signature and pubkey.
func (in Input) MarshalJSON() ([]byte, error) {
	return json.Marshal(inputJSON{
		PrevOut:   in.PrevOut,
		Signature: hex.EncodeToString(in.Signature),
		PubKey:    hex.EncodeToString(in.PubKey),
	})
}

// UnmarshalJSON decodes an input with hex-encoded signature and pubkey.
func (in *Input) UnmarshalJSON(data []byte) error {
	var j inputJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	in.PrevOut = j.PrevOut
	in.Signature, in.PubKey = nil, nil
	if j.Signature != "" {
		b, err := hex.DecodeString(j.Signature)
		if err != nil {
			return err
		}
		in.Signature = b
	}
	if j.PubKey != "" {
		b, err := hex.DecodeString(j.PubKey)
		if err != nil {
			return err
		}
		in.PubKey = b
	}
	return nil
}

// Output defines a new cell.
type Output struct {
	Capacity types.Capacity `json:"capacity"`
	Lock     types.Script   `json:"lock"`
}

// NewCellBase builds the reward transaction of the block at number.
// The block number is carried in the input signature so that every
// cellbase has a distinct hash.
func NewCellBase(number types.BlockNumber, reward types.Capacity, lock types.Script) *Transaction {
	var data [8]byte
	binary.LittleEndian.PutUint64(data[:], number)
	return &Transaction{
		Version: 1,
		Inputs:  []Input{{PrevOut: types.NullOutpoint, Signature: data[:]}},
		Outputs: []Output{{Capacity: reward, Lock: lock}},
	}
}

// IsCellBase reports whether the transaction is a block reward.
func (tx *Transaction) IsCellBase() bool {
	return len(tx.Inputs) == 1 && tx.Inputs[0].PrevOut.IsNull()
}

// CellBaseNumber returns the block number carried by a cellbase.
func (tx *Transaction) CellBaseNumber() (types.BlockNumber, bool) {
	if !tx.IsCellBase() || len(tx.Inputs[0].Signature) != 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(tx.Inputs[0].Signature), true
}

// Hash computes the transaction ID (BLAKE3 hash of the signing bytes).
// Signatures are excluded so that signing does not change the ID.
func (tx *Transaction) Hash() types.Hash {
	return crypto.Hash(tx.SigningBytes())
}

// SigningBytes returns the canonical byte representation used for signing.
// Format: version(4) | input_count(4) | [prevout(36)]... | output_count(4) |
// [capacity(8) + lock_type(1) + lock_len(4) + lock_data]... | valid_since(8)
func (tx *Transaction) SigningBytes() []byte {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, tx.Version)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf = append(buf, in.PrevOut.TxID[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, in.PrevOut.Index)
		if in.PrevOut.IsNull() {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(in.Signature)))
			buf = append(buf, in.Signature...)
		}
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		buf = binary.LittleEndian.AppendUint64(buf, out.Capacity)
		buf = append(buf, byte(out.Lock.Type))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(out.Lock.Data)))
		buf = append(buf, out.Lock.Data...)
	}

	buf = binary.LittleEndian.AppendUint64(buf, tx.ValidSince)
	return buf
}

// TotalOutputCapacity returns the sum of all output capacities.
func (tx *Transaction) TotalOutputCapacity() (types.Capacity, error) {
	var total types.Capacity
	for _, out := range tx.Outputs {
		if total > math.MaxUint64-out.Capacity {
			return 0, fmt.Errorf("output capacity overflow")
		}
		total += out.Capacity
	}
	return total, nil
}

// OutPoint returns the outpoint of output i of the transaction with id.
func OutPoint(id types.Hash, i int) types.Outpoint {
	return types.Outpoint{TxID: id, Index: uint32(i)}
}
