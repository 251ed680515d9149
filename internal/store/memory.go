package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"docsync/internal/engine"
)

// MemoryStore is an in-memory Store for tests. It tracks idempotency keys
// exactly, and exposes hooks for simulating external mutation and transient
// failures.
type MemoryStore struct {
	mu      sync.Mutex
	docs    map[string]memoryDoc
	applied map[string]bool

	// FailWrites and FailDeletes, when positive, make that many calls fail
	// with a transient error before operations succeed again.
	FailWrites  int
	FailDeletes int
}

type memoryDoc struct {
	content []byte
	modTime time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:    make(map[string]memoryDoc),
		applied: make(map[string]bool),
	}
}

// Seed places content at path directly, bypassing idempotency tracking.
// Tests use it to simulate another writer mutating the store.
func (s *MemoryStore) Seed(path string, content []byte, modTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[path] = memoryDoc{content: append([]byte(nil), content...), modTime: modTime}
}

// Remove deletes path directly, simulating an external deletion.
func (s *MemoryStore) Remove(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, path)
}

func (s *MemoryStore) Read(ctx context.Context, path string) ([]byte, string, time.Time, error) {
	if err := engine.ValidatePath(path); err != nil {
		return nil, "", time.Time{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[path]
	if !ok {
		return nil, "", time.Time{}, fmt.Errorf("%s: %w", path, engine.ErrNotFound)
	}
	content := append([]byte(nil), doc.content...)
	return content, engine.HashContent(content), doc.modTime, nil
}

func (s *MemoryStore) Write(ctx context.Context, path string, content []byte, idemKey string) (string, error) {
	if err := engine.ValidatePath(path); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	hash := engine.HashContent(content)
	if s.applied[idemKey] {
		return hash, nil
	}
	if s.FailWrites > 0 {
		s.FailWrites--
		return "", engine.Transient(fmt.Errorf("injected write failure for %s", path))
	}
	s.docs[path] = memoryDoc{content: append([]byte(nil), content...), modTime: time.Now().UTC()}
	s.applied[idemKey] = true
	return hash, nil
}

func (s *MemoryStore) Delete(ctx context.Context, path string, idemKey string) error {
	if err := engine.ValidatePath(path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applied[idemKey] {
		return nil
	}
	if s.FailDeletes > 0 {
		s.FailDeletes--
		return engine.Transient(fmt.Errorf("injected delete failure for %s", path))
	}
	delete(s.docs, path)
	s.applied[idemKey] = true
	return nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var paths []string
	for p := range s.docs {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// Compile-time check that MemoryStore implements engine.Store.
var _ engine.Store = (*MemoryStore)(nil)
