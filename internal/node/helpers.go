package node

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Klingon-tech/klingnet-core/config"
	"github.com/Klingon-tech/klingnet-core/internal/storage"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// openDB opens the database selected by cfg.
func openDB(cfg *config.Config) (storage.DB, string, error) {
	switch cfg.Storage.Engine {
	case config.StorageMemory:
		return storage.NewMemory(), "memory", nil
	case config.StorageBadger:
		dir := expandHome(cfg.ChainDir())
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, "", fmt.Errorf("create chain dir: %w", err)
		}
		db, err := storage.NewBadger(dir)
		if err != nil {
			return nil, "", fmt.Errorf("open database at %s: %w", dir, err)
		}
		return db, dir, nil
	default:
		return nil, "", fmt.Errorf("unsupported storage engine %q", cfg.Storage.Engine)
	}
}
