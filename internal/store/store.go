// Package store is the persistent chain state: blocks, total difficulty,
// the canonical index, the live cell set and the tip. Reads are safe from
// any goroutine. Writes belong to the chain service alone.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/Klingon-tech/klingnet-core/internal/storage"
	"github.com/Klingon-tech/klingnet-core/pkg/block"
	"github.com/Klingon-tech/klingnet-core/pkg/tx"
	"github.com/Klingon-tech/klingnet-core/pkg/types"
)

// Errors.
var (
	ErrNotFound     = errors.New("not found")
	ErrNoTip        = errors.New("store has no tip")
	ErrInvalidCells = errors.New("block references invalid cells")
	ErrCorrupt      = errors.New("corrupt store record")
	ErrGenesis      = errors.New("genesis mismatch")
)

// Tip is the head of the canonical chain.
type Tip struct {
	Hash            types.Hash
	Number          types.BlockNumber
	TotalDifficulty *uint256.Int
}

// BlockEntry is a block together with the total difficulty of the chain
// ending at it.
type BlockEntry struct {
	Block           *block.Indexed
	TotalDifficulty *uint256.Int
}

// ChainStore is the storage capability the services are given.
type ChainStore interface {
	tx.CellProvider

	Block(hash types.Hash) (*block.Indexed, error)
	Header(hash types.Hash) (*block.Header, error)
	HasBlock(hash types.Hash) (bool, error)
	TotalDifficulty(hash types.Hash) (*uint256.Int, error)
	CanonicalHash(number types.BlockNumber) (types.Hash, error)
	// TxLocation returns the canonical block that committed txHash.
	TxLocation(txHash types.Hash) (types.BlockNumber, types.Hash, error)
	Tip() (Tip, error)

	// SaveBlock persists a block off the canonical chain.
	SaveBlock(e BlockEntry) error
	// Commit rolls back detached (ascending) and applies attached
	// (ascending) in a single batch, then moves the tip to the last
	// attached block. Nothing is written on error.
	Commit(detached []*block.Indexed, attached []BlockEntry) error
}

// KVStore implements ChainStore on a storage.DB.
type KVStore struct {
	db storage.DB
}

var _ ChainStore = (*KVStore)(nil)

// New wraps db. Use Init to make sure the genesis block is in place.
func New(db storage.DB) *KVStore {
	return &KVStore{db: db}
}

// Init commits genesis on an empty store, or checks that a populated store
// was built from the same genesis.
func (s *KVStore) Init(genesis *block.Indexed) error {
	if _, err := s.Tip(); err == nil {
		h, err := s.CanonicalHash(0)
		if err != nil {
			return err
		}
		if h != genesis.Hash() {
			return fmt.Errorf("%w: stored %s, configured %s", ErrGenesis, h, genesis.Hash())
		}
		return nil
	} else if !errors.Is(err, ErrNoTip) {
		return err
	}

	td := uint256.NewInt(genesis.Header().Difficulty)
	return s.Commit(nil, []BlockEntry{{Block: genesis, TotalDifficulty: td}})
}

func (s *KVStore) get(key []byte) ([]byte, error) {
	data, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return data, err
}

// Block loads a block by hash.
func (s *KVStore) Block(hash types.Hash) (*block.Indexed, error) {
	data, err := s.get(blockKey(hash))
	if err != nil {
		return nil, fmt.Errorf("block %s: %w", hash.Short(), err)
	}
	var blk block.Block
	if err := json.Unmarshal(data, &blk); err != nil {
		return nil, fmt.Errorf("block %s: %w: %v", hash.Short(), ErrCorrupt, err)
	}
	return block.NewIndexed(&blk), nil
}

// Header loads the header of a block.
func (s *KVStore) Header(hash types.Hash) (*block.Header, error) {
	b, err := s.Block(hash)
	if err != nil {
		return nil, err
	}
	return b.Header(), nil
}

// HasBlock reports whether the block is stored, canonical or not.
func (s *KVStore) HasBlock(hash types.Hash) (bool, error) {
	return s.db.Has(blockKey(hash))
}

// TotalDifficulty returns the cumulative difficulty up to and including hash.
func (s *KVStore) TotalDifficulty(hash types.Hash) (*uint256.Int, error) {
	data, err := s.get(tdKey(hash))
	if err != nil {
		return nil, fmt.Errorf("total difficulty %s: %w", hash.Short(), err)
	}
	if len(data) != 32 {
		return nil, fmt.Errorf("total difficulty %s: %w", hash.Short(), ErrCorrupt)
	}
	return new(uint256.Int).SetBytes(data), nil
}

// CanonicalHash returns the hash of the canonical block at number.
func (s *KVStore) CanonicalHash(number types.BlockNumber) (types.Hash, error) {
	data, err := s.get(numberKey(number))
	if err != nil {
		return types.Hash{}, fmt.Errorf("canonical %d: %w", number, err)
	}
	if len(data) != types.HashSize {
		return types.Hash{}, fmt.Errorf("canonical %d: %w", number, ErrCorrupt)
	}
	var h types.Hash
	copy(h[:], data)
	return h, nil
}

// TxLocation returns the number and hash of the canonical block containing txHash.
func (s *KVStore) TxLocation(txHash types.Hash) (types.BlockNumber, types.Hash, error) {
	data, err := s.get(txKey(txHash))
	if err != nil {
		return 0, types.Hash{}, fmt.Errorf("tx %s: %w", txHash.Short(), err)
	}
	if len(data) != 8+types.HashSize {
		return 0, types.Hash{}, fmt.Errorf("tx %s: %w", txHash.Short(), ErrCorrupt)
	}
	var h types.Hash
	copy(h[:], data[8:])
	return binary.BigEndian.Uint64(data[:8]), h, nil
}

// Tip returns the canonical head.
func (s *KVStore) Tip() (Tip, error) {
	data, err := s.get(keyTip)
	if errors.Is(err, ErrNotFound) {
		return Tip{}, ErrNoTip
	}
	if err != nil {
		return Tip{}, err
	}
	return decodeTip(data)
}

// LiveCell implements tx.CellProvider.
func (s *KVStore) LiveCell(op types.Outpoint) (tx.Output, bool, error) {
	data, err := s.get(cellKey(op))
	if errors.Is(err, ErrNotFound) {
		return tx.Output{}, false, nil
	}
	if err != nil {
		return tx.Output{}, false, err
	}
	var out tx.Output
	if err := json.Unmarshal(data, &out); err != nil {
		return tx.Output{}, false, fmt.Errorf("cell %s: %w: %v", op, ErrCorrupt, err)
	}
	return out, true, nil
}

// SaveBlock persists a side block and its total difficulty.
func (s *KVStore) SaveBlock(e BlockEntry) error {
	batch := s.db.NewBatch()
	defer batch.Discard()
	if err := putBlock(batch, e); err != nil {
		return err
	}
	return batch.Commit()
}

func putBlock(w storage.Batch, e BlockEntry) error {
	data, err := json.Marshal(e.Block.Block())
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}
	if err := w.Put(blockKey(e.Block.Hash()), data); err != nil {
		return err
	}
	td := e.TotalDifficulty.Bytes32()
	return w.Put(tdKey(e.Block.Hash()), td[:])
}

func encodeTip(t Tip) []byte {
	buf := make([]byte, 0, types.HashSize+8+32)
	buf = append(buf, t.Hash[:]...)
	buf = binary.BigEndian.AppendUint64(buf, t.Number)
	td := t.TotalDifficulty.Bytes32()
	return append(buf, td[:]...)
}

func decodeTip(data []byte) (Tip, error) {
	if len(data) != types.HashSize+8+32 {
		return Tip{}, fmt.Errorf("tip: %w", ErrCorrupt)
	}
	var t Tip
	copy(t.Hash[:], data[:types.HashSize])
	t.Number = binary.BigEndian.Uint64(data[types.HashSize : types.HashSize+8])
	t.TotalDifficulty = new(uint256.Int).SetBytes(data[types.HashSize+8:])
	return t, nil
}
