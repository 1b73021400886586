// Package storage provides the key-value database abstraction the chain
// store is built on.
package storage

import "errors"

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// DB is the interface for key-value storage.
type DB interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	// ForEach iterates over all keys with the given prefix in key order.
	// The callback receives a copy of the key and value.
	// Return a non-nil error from fn to stop iteration early.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
	Batcher
	Close() error
}

// Batcher creates write batches.
type Batcher interface {
	NewBatch() Batch
}

// Batch buffers writes and applies them atomically on Commit: either every
// write becomes visible or none does. A batch is used by one goroutine.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Commit() error
	// Discard drops the buffered writes. Safe to call after Commit.
	Discard()
}
