package config

import "time"

// Service queue and buffer sizes.
const (
	DefaultSubscriberCapacity = 128
	DefaultVerifierQueueDepth = 64
	DefaultOrphanPoolSize     = 1024
	DefaultPoolMaxSize        = 10_000
	DefaultNoncesPerStep      = 1 << 14
	DefaultMiningCallTimeout  = 2 * time.Second
)

// Default returns the default node configuration.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Storage: StorageConfig{
			Engine: StorageBadger,
		},
		Log: LogConfig{
			Level: "info",
		},
		Notify: NotifyConfig{
			SubscriberCapacity: DefaultSubscriberCapacity,
		},
		Verifier: VerifierConfig{
			Workers:    1,
			QueueDepth: DefaultVerifierQueueDepth,
		},
		Chain: ChainConfig{
			OrphanPoolSize: DefaultOrphanPoolSize,
		},
		Pool: PoolConfig{
			MaxSize: DefaultPoolMaxSize,
		},
		Mining: MiningConfig{
			NoncesPerStep: DefaultNoncesPerStep,
			CallTimeout:   DefaultMiningCallTimeout,
		},
		Metrics: MetricsConfig{
			Namespace: "klingnet",
		},
	}
}

// DefaultInMemory returns the default configuration backed by a memory
// database, for tests and throwaway nodes.
func DefaultInMemory() *Config {
	cfg := Default()
	cfg.DataDir = ""
	cfg.Storage.Engine = StorageMemory
	return cfg
}
