package engine

import (
	"context"
	"time"
)

// Store is the primary-store adapter: the external mutable document tree this
// engine reconciles against. The engine never owns this content; it only
// reads and writes through this interface.
//
// All mutations carry an idempotency key. Adapters must no-op safely when
// asked to apply the same key twice; adapters that cannot track keys instead
// pre-check that the current state already equals the desired post-state.
type Store interface {
	// Read returns the content, content hash, and modification time for path.
	// Returns ErrNotFound if the path does not exist.
	Read(ctx context.Context, path string) (content []byte, hash string, modTime time.Time, err error)

	// Write stores content at path and returns its hash.
	Write(ctx context.Context, path string, content []byte, idemKey string) (hash string, err error)

	// Delete removes path. Deleting an absent path is not an error: the
	// desired post-state already holds.
	Delete(ctx context.Context, path string, idemKey string) error

	// List returns all paths with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
