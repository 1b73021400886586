package block

import (
	"encoding/binary"

	"github.com/Klingon-tech/klingnet-core/pkg/crypto"
	"github.com/Klingon-tech/klingnet-core/pkg/types"
)

// Header contains block metadata.
type Header struct {
	Version    uint32            `json:"version"`
	ParentHash types.Hash        `json:"parent_hash"`
	Number     types.BlockNumber `json:"number"`
	Timestamp  uint64            `json:"timestamp"` // unix milliseconds
	Difficulty uint64            `json:"difficulty"`
	Nonce      uint64            `json:"nonce"`

	TxsRoot       types.Hash `json:"txs_root"`
	ProposalsRoot types.Hash `json:"proposals_root"`
	UnclesHash    types.Hash `json:"uncles_hash"`
}

// Hash computes the block hash over every header field, nonce included.
func (h *Header) Hash() types.Hash {
	return crypto.Hash(h.Bytes())
}

// PowBytes returns the header bytes without the nonce. The PoW engine
// hashes them together with a candidate nonce.
func (h *Header) PowBytes() []byte {
	buf := make([]byte, 0, 140)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.ParentHash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Number)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.LittleEndian.AppendUint64(buf, h.Difficulty)
	buf = append(buf, h.TxsRoot[:]...)
	buf = append(buf, h.ProposalsRoot[:]...)
	buf = append(buf, h.UnclesHash[:]...)
	return buf
}

// Bytes returns the canonical header encoding.
// Format: version(4) | parent(32) | number(8) | timestamp(8) | difficulty(8) |
// txs_root(32) | proposals_root(32) | uncles_hash(32) | nonce(8)
func (h *Header) Bytes() []byte {
	return binary.LittleEndian.AppendUint64(h.PowBytes(), h.Nonce)
}

// Copy returns a shallow copy of h.
func (h *Header) Copy() *Header {
	c := *h
	return &c
}
