// Package store provides primary-store adapters: the mutable document tree
// the engine reconciles against.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"docsync/internal/engine"
)

// FilesystemStore serves a document tree rooted at a single directory.
// Writes are atomic (temp file + rename in the destination directory), so a
// crash mid-write never leaves a torn document behind.
//
// The filesystem cannot remember idempotency keys across processes, so
// mutations pre-check the current state instead: a write whose content is
// already present and a delete of an absent path are both no-ops.
type FilesystemStore struct {
	root string
}

func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if root == "" {
		return nil, errors.New("store root is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating store root: %w", err)
	}
	return &FilesystemStore{root: root}, nil
}

// Root returns the document tree root directory.
func (s *FilesystemStore) Root() string { return s.root }

// resolve maps an engine path to an absolute filesystem path, rejecting
// anything that would land outside the root.
func (s *FilesystemStore) resolve(p string) (string, error) {
	if err := engine.ValidatePath(p); err != nil {
		return "", err
	}
	abs := filepath.Join(s.root, filepath.FromSlash(p))
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || rel == ".." || len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator) {
		return "", engine.Permanentf("path %q escapes the document root", p)
	}
	return abs, nil
}

func (s *FilesystemStore) Read(ctx context.Context, p string) ([]byte, string, time.Time, error) {
	abs, err := s.resolve(p)
	if err != nil {
		return nil, "", time.Time{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", time.Time{}, fmt.Errorf("%s: %w", p, engine.ErrNotFound)
		}
		return nil, "", time.Time{}, fmt.Errorf("statting %s: %w", p, err)
	}
	if info.IsDir() {
		return nil, "", time.Time{}, engine.Permanentf("%s is a directory", p)
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, "", time.Time{}, fmt.Errorf("reading %s: %w", p, err)
	}
	return content, engine.HashContent(content), info.ModTime().UTC(), nil
}

func (s *FilesystemStore) Write(ctx context.Context, p string, content []byte, idemKey string) (string, error) {
	abs, err := s.resolve(p)
	if err != nil {
		return "", err
	}
	hash := engine.HashContent(content)

	// Post-state pre-check in place of key tracking.
	if existing, err := os.ReadFile(abs); err == nil && engine.HashContent(existing) == hash {
		return hash, nil
	}

	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating directory for %s: %w", p, err)
	}
	tmp, err := os.CreateTemp(dir, ".docsync-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file for %s: %w", p, err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing %s: %w", p, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("syncing %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing temp file for %s: %w", p, err)
	}
	if err := os.Rename(tmpPath, abs); err != nil {
		return "", fmt.Errorf("renaming into place for %s: %w", p, err)
	}
	success = true
	return hash, nil
}

func (s *FilesystemStore) Delete(ctx context.Context, p string, idemKey string) error {
	abs, err := s.resolve(p)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting %s: %w", p, err)
	}
	return nil
}

func (s *FilesystemStore) List(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(s.root, func(abs string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, abs)
		if err != nil {
			return err
		}
		p := filepath.ToSlash(rel)
		if prefix == "" || hasPathPrefix(p, prefix) {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", prefix, err)
	}
	return paths, nil
}

func hasPathPrefix(p, prefix string) bool {
	return len(p) >= len(prefix) && p[:len(prefix)] == prefix
}

// Compile-time check that FilesystemStore implements engine.Store.
var _ engine.Store = (*FilesystemStore)(nil)
