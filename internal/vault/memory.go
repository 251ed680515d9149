package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"docsync/internal/engine"
)

// MemoryVault is an in-memory Vault, useful for testing.
// Safe for concurrent use.
type MemoryVault struct {
	mu      sync.RWMutex
	content map[string][]byte // checksum -> blob
}

// NewMemoryVault creates a new in-memory vault.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{content: make(map[string][]byte)}
}

// PutContent stores a blob under its checksum.
func (m *MemoryVault) PutContent(ctx context.Context, checksum string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Idempotent: storing the same checksum multiple times is safe.
	m.content[checksum] = data
	return nil
}

// GetContent writes the blob for checksum to w.
func (m *MemoryVault) GetContent(ctx context.Context, checksum string, w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.content[checksum]
	if !ok {
		return fmt.Errorf("content %s: %w", checksum, engine.ErrNotFound)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write content: %w", err)
	}
	return nil
}

// DeleteContent removes the blob for checksum.
func (m *MemoryVault) DeleteContent(ctx context.Context, checksum string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.content[checksum]; !ok {
		return fmt.Errorf("content %s: %w", checksum, engine.ErrNotFound)
	}
	delete(m.content, checksum)
	return nil
}

// Len reports how many blobs are stored. Test helper.
func (m *MemoryVault) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.content)
}

// ValidateSetup always succeeds for in-memory vault.
func (m *MemoryVault) ValidateSetup(ctx context.Context) error {
	return nil
}

// Compile-time check that MemoryVault implements engine.Vault.
var _ engine.Vault = (*MemoryVault)(nil)
