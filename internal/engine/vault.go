package engine

import (
	"context"
	"io"
)

// Vault is the backup blob store. Blobs are content-addressed by the SHA-256
// checksum of their plaintext, so identical prior states are stored once.
// Readers and writers stream so large documents never sit fully in memory
// twice.
type Vault interface {
	// PutContent stores a blob under checksum. Idempotent: storing the same
	// checksum again is safe and cheap. size is the number of bytes r yields.
	PutContent(ctx context.Context, checksum string, r io.Reader, size int64) error

	// GetContent writes the blob for checksum to w.
	// Returns ErrNotFound if no such blob exists.
	GetContent(ctx context.Context, checksum string, w io.Writer) error

	// DeleteContent removes the blob for checksum. Used only by retention
	// pruning, and only once the backup index holds no references.
	DeleteContent(ctx context.Context, checksum string) error

	// ValidateSetup verifies the vault is accessible and properly configured.
	ValidateSetup(ctx context.Context) error
}
