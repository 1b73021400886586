package store

import (
	"encoding/binary"

	"github.com/Klingon-tech/klingnet-core/pkg/types"
)

// Key layout.
var (
	prefixBlock  = []byte("b/") // b/<hash> -> block JSON
	prefixTD     = []byte("t/") // t/<hash> -> total difficulty (32 bytes)
	prefixNumber = []byte("h/") // h/<number(8)> -> canonical hash
	prefixTx     = []byte("x/") // x/<txhash> -> number(8) + block hash
	prefixCell   = []byte("c/") // c/<txid><index(4)> -> output JSON (live cells only)
	prefixUndo   = []byte("d/") // d/<hash> -> undo JSON, canonical blocks only
	keyTip       = []byte("s/tip")
)

func hashKey(prefix []byte, h types.Hash) []byte {
	key := make([]byte, len(prefix)+types.HashSize)
	copy(key, prefix)
	copy(key[len(prefix):], h[:])
	return key
}

func blockKey(h types.Hash) []byte { return hashKey(prefixBlock, h) }
func tdKey(h types.Hash) []byte    { return hashKey(prefixTD, h) }
func txKey(h types.Hash) []byte    { return hashKey(prefixTx, h) }
func undoKey(h types.Hash) []byte  { return hashKey(prefixUndo, h) }

func numberKey(n types.BlockNumber) []byte {
	key := make([]byte, len(prefixNumber)+8)
	copy(key, prefixNumber)
	binary.BigEndian.PutUint64(key[len(prefixNumber):], n)
	return key
}

func cellKey(op types.Outpoint) []byte {
	key := make([]byte, len(prefixCell)+types.HashSize+4)
	copy(key, prefixCell)
	copy(key[len(prefixCell):], op.TxID[:])
	binary.BigEndian.PutUint32(key[len(prefixCell)+types.HashSize:], op.Index)
	return key
}
