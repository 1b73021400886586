package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFile loads node configuration from a .conf file.
// Format: key = value (one per line, # for comments). A missing file
// yields an empty map.
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// Load returns the defaults overridden by the file at path.
func Load(path string) (*Config, error) {
	cfg := Default()
	values, err := LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if err := ApplyFileConfig(cfg, values); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setConfigValue(cfg *Config, key, value string) error {
	var err error
	switch key {
	case "datadir":
		cfg.DataDir = value

	case "storage.engine":
		cfg.Storage.Engine = StorageEngine(strings.ToLower(value))

	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	case "notify.subscriber_capacity":
		cfg.Notify.SubscriberCapacity, err = strconv.Atoi(value)

	case "verifier.workers":
		cfg.Verifier.Workers, err = strconv.Atoi(value)
	case "verifier.queue_depth":
		cfg.Verifier.QueueDepth, err = strconv.Atoi(value)

	case "chain.orphans":
		cfg.Chain.OrphanPoolSize, err = strconv.Atoi(value)

	case "pool.max_size":
		cfg.Pool.MaxSize, err = strconv.Atoi(value)

	case "mining.enabled", "mine":
		cfg.Mining.Enabled = parseBool(value)
	case "mining.coinbase", "coinbase":
		cfg.Mining.Coinbase = value
	case "mining.nonces_per_step":
		cfg.Mining.NoncesPerStep, err = strconv.ParseUint(value, 10, 64)
	case "mining.call_timeout":
		cfg.Mining.CallTimeout, err = time.ParseDuration(value)

	case "metrics.namespace":
		cfg.Metrics.Namespace = value

	default:
		// Unknown keys are ignored
	}
	return err
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// WriteDefaultConfig writes a default node configuration file.
func WriteDefaultConfig(path string) error {
	content := `# Klingnet core node configuration
#
# Node settings only. Protocol limits are compiled in.

# datadir = ~/.klingnet-core

# memory or badger
storage.engine = badger

log.level = info
# log.file =
log.json = false

notify.subscriber_capacity = 128
verifier.workers = 1
verifier.queue_depth = 64
chain.orphans = 1024
pool.max_size = 10000

mining.enabled = false
# mining.coinbase = <40 hex chars>
# mining.nonces_per_step = 16384
# mining.call_timeout = 2s

metrics.namespace = klingnet
`
	return os.WriteFile(path, []byte(content), 0644)
}
