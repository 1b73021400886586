package config

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-core/pkg/types"
)

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	switch cfg.Storage.Engine {
	case StorageMemory:
	case StorageBadger:
		if cfg.DataDir == "" {
			return fmt.Errorf("storage.engine=badger requires datadir")
		}
	default:
		return fmt.Errorf("storage.engine must be %q or %q", StorageMemory, StorageBadger)
	}
	if cfg.Notify.SubscriberCapacity < 1 {
		return fmt.Errorf("notify.subscriber_capacity must be positive")
	}
	if cfg.Verifier.Workers < 1 {
		return fmt.Errorf("verifier.workers must be positive")
	}
	if cfg.Verifier.QueueDepth < 1 {
		return fmt.Errorf("verifier.queue_depth must be positive")
	}
	if cfg.Chain.OrphanPoolSize < 1 {
		return fmt.Errorf("chain.orphans must be positive")
	}
	if cfg.Pool.MaxSize < 1 {
		return fmt.Errorf("pool.max_size must be positive")
	}
	if cfg.Mining.Enabled {
		if _, err := types.ParseAddress(cfg.Mining.Coinbase); err != nil {
			return fmt.Errorf("mining.coinbase: %w", err)
		}
		if cfg.Mining.NoncesPerStep == 0 {
			return fmt.Errorf("mining.nonces_per_step must be positive")
		}
		if cfg.Mining.CallTimeout <= 0 {
			return fmt.Errorf("mining.call_timeout must be positive")
		}
	}
	return nil
}
