package database

import (
	"os"
	"path/filepath"
	"testing"

	"docsync/internal/config"
)

func TestNewDatabaseFromConfig(t *testing.T) {
	t.Run("memory database", func(t *testing.T) {
		cfg := config.DatabaseConfig{Type: "memory"}
		got, err := NewDatabaseFromConfig(cfg)
		if err != nil {
			t.Fatalf("NewDatabaseFromConfig() error = %v", err)
		}
		defer got.Close()

		if got == nil {
			t.Fatal("NewDatabaseFromConfig() returned nil database")
		}
	})

	t.Run("sqlite database creates data dir and file", func(t *testing.T) {
		dataDir := filepath.Join(t.TempDir(), "nested", "db")
		cfg := config.DatabaseConfig{Type: "sqlite", DataDir: dataDir}

		got, err := NewDatabaseFromConfig(cfg)
		if err != nil {
			t.Fatalf("NewDatabaseFromConfig() error = %v", err)
		}
		defer got.Close()

		if _, err := os.Stat(filepath.Join(dataDir, "docsync.db")); err != nil {
			t.Errorf("database file not created: %v", err)
		}
	})

	t.Run("sqlite database without data_dir", func(t *testing.T) {
		cfg := config.DatabaseConfig{Type: "sqlite"}
		got, err := NewDatabaseFromConfig(cfg)

		if err == nil {
			got.Close()
			t.Fatal("NewDatabaseFromConfig() expected error for missing data_dir, got nil")
		}
	})

	t.Run("unknown database type", func(t *testing.T) {
		cfg := config.DatabaseConfig{Type: "postgres"}
		got, err := NewDatabaseFromConfig(cfg)

		if err == nil {
			got.Close()
			t.Fatal("NewDatabaseFromConfig() expected error for unknown type, got nil")
		}
	})
}
