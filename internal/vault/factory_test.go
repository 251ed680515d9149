package vault

import (
	"context"
	"testing"

	"docsync/internal/config"
)

func TestNewVaultFromConfig(t *testing.T) {
	ctx := context.Background()

	t.Run("memory vault", func(t *testing.T) {
		got, err := NewVaultFromConfig(ctx, config.VaultConfig{Type: "memory"})
		if err != nil {
			t.Fatalf("NewVaultFromConfig() error = %v", err)
		}
		if _, ok := got.(*MemoryVault); !ok {
			t.Errorf("NewVaultFromConfig() = %T, want *MemoryVault", got)
		}
	})

	t.Run("filesystem vault", func(t *testing.T) {
		got, err := NewVaultFromConfig(ctx, config.VaultConfig{
			Type:        "filesystem",
			FSVaultRoot: t.TempDir(),
		})
		if err != nil {
			t.Fatalf("NewVaultFromConfig() error = %v", err)
		}
		if _, ok := got.(*FileSystemVault); !ok {
			t.Errorf("NewVaultFromConfig() = %T, want *FileSystemVault", got)
		}
	})

	t.Run("filesystem vault without root", func(t *testing.T) {
		if _, err := NewVaultFromConfig(ctx, config.VaultConfig{Type: "filesystem"}); err == nil {
			t.Fatal("NewVaultFromConfig() expected error for missing fs_vault_root, got nil")
		}
	})

	t.Run("s3 vault without bucket", func(t *testing.T) {
		if _, err := NewVaultFromConfig(ctx, config.VaultConfig{Type: "s3"}); err == nil {
			t.Fatal("NewVaultFromConfig() expected error for missing s3_bucket, got nil")
		}
	})

	t.Run("unknown vault type", func(t *testing.T) {
		if _, err := NewVaultFromConfig(ctx, config.VaultConfig{Type: "gcs"}); err == nil {
			t.Fatal("NewVaultFromConfig() expected error for unknown type, got nil")
		}
	})
}
