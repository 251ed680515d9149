package store

import (
	"fmt"

	"docsync/internal/config"
	"docsync/internal/engine"
)

// NewStoreFromConfig creates a Store based on the store config type.
func NewStoreFromConfig(cfg config.StoreConfig) (engine.Store, error) {
	switch cfg.Type {
	case "filesystem":
		if cfg.Root == "" {
			return nil, fmt.Errorf("filesystem store requires root to be set")
		}
		return NewFilesystemStore(cfg.Root)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}
}
