// Package config handles node configuration.
//
// Configuration is split into two categories:
//   - Protocol limits: package constants, must match across all nodes
//   - Node settings: runtime configuration, can vary per node
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// StorageEngine selects the key-value backend.
type StorageEngine string

const (
	StorageMemory StorageEngine = "memory"
	StorageBadger StorageEngine = "badger"
)

// =============================================================================
// Node Configuration (runtime, per-node settings)
// =============================================================================

// Config holds node-specific runtime configuration.
type Config struct {
	DataDir string `conf:"datadir"`

	Storage  StorageConfig
	Log      LogConfig
	Notify   NotifyConfig
	Verifier VerifierConfig
	Chain    ChainConfig
	Pool     PoolConfig
	Mining   MiningConfig
	Metrics  MetricsConfig
}

// StorageConfig selects and tunes the database.
type StorageConfig struct {
	Engine StorageEngine `conf:"storage.engine"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// NotifyConfig tunes the event hub.
type NotifyConfig struct {
	// SubscriberCapacity is the buffer of every subscriber endpoint.
	SubscriberCapacity int `conf:"notify.subscriber_capacity"`
}

// VerifierConfig tunes the block verifier service.
type VerifierConfig struct {
	Workers    int `conf:"verifier.workers"`
	QueueDepth int `conf:"verifier.queue_depth"`
}

// ChainConfig tunes the chain service.
type ChainConfig struct {
	// OrphanPoolSize bounds the blocks kept while waiting for their parent.
	OrphanPoolSize int `conf:"chain.orphans"`
}

// PoolConfig tunes the transaction pool.
type PoolConfig struct {
	MaxSize int `conf:"pool.max_size"`
}

// MiningConfig holds block production settings.
type MiningConfig struct {
	Enabled  bool   `conf:"mining.enabled"`
	Coinbase string `conf:"mining.coinbase"`
	// NoncesPerStep bounds the PoW work done between two message checks.
	NoncesPerStep uint64        `conf:"mining.nonces_per_step"`
	CallTimeout   time.Duration `conf:"mining.call_timeout"`
}

// MetricsConfig holds prometheus settings.
type MetricsConfig struct {
	Namespace string `conf:"metrics.namespace"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingnet-core
//	macOS:   ~/Library/Application Support/KlingnetCore
//	Windows: %APPDATA%\KlingnetCore
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingnet-core"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "KlingnetCore")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "KlingnetCore")
		}
		return filepath.Join(home, "AppData", "Roaming", "KlingnetCore")
	default:
		return filepath.Join(home, ".klingnet-core")
	}
}

// ChainDir returns the database directory.
func (c *Config) ChainDir() string {
	return filepath.Join(c.DataDir, "chain")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "klingnet.conf")
}
