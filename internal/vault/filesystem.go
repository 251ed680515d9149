// Package vault provides backup blob stores addressed by content hash.
package vault

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"docsync/internal/engine"
)

// FileSystemVault stores backup blobs as files named by their checksum:
//
//	<root>/
//	  content/
//	    <checksum>
//
// Blobs are written atomically (temp file + rename), so a crash mid-write
// never leaves a partial blob under a valid checksum name.
type FileSystemVault struct {
	root       string
	contentDir string
}

// NewFileSystemVault creates a filesystem vault rooted at the given path.
func NewFileSystemVault(root string) (*FileSystemVault, error) {
	contentDir := filepath.Join(root, "content")
	if err := os.MkdirAll(contentDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create content directory: %w", err)
	}
	return &FileSystemVault{root: root, contentDir: contentDir}, nil
}

// PutContent stores a blob under its checksum. Idempotent: a blob that
// already exists is left untouched and the reader is drained for the size
// check only.
func (v *FileSystemVault) PutContent(ctx context.Context, checksum string, r io.Reader, size int64) error {
	destPath := filepath.Join(v.contentDir, checksum)

	if _, err := os.Stat(destPath); err == nil {
		written, err := io.Copy(io.Discard, r)
		if err != nil {
			return fmt.Errorf("failed to read content: %w", err)
		}
		if written != size {
			return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
		}
		return nil
	}

	return v.writeFile(destPath, r, size)
}

// GetContent writes the blob for checksum to w.
func (v *FileSystemVault) GetContent(ctx context.Context, checksum string, w io.Writer) error {
	f, err := os.Open(filepath.Join(v.contentDir, checksum))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("content %s: %w", checksum, engine.ErrNotFound)
		}
		return fmt.Errorf("failed to open content: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}
	return nil
}

// DeleteContent removes the blob for checksum.
func (v *FileSystemVault) DeleteContent(ctx context.Context, checksum string) error {
	err := os.Remove(filepath.Join(v.contentDir, checksum))
	if os.IsNotExist(err) {
		return fmt.Errorf("content %s: %w", checksum, engine.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to delete content: %w", err)
	}
	return nil
}

// ValidateSetup verifies that the vault directories are accessible.
func (v *FileSystemVault) ValidateSetup(ctx context.Context) error {
	info, err := os.Stat(v.root)
	if err != nil {
		return fmt.Errorf("vault root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("vault root is not a directory: %s", v.root)
	}
	info, err = os.Stat(v.contentDir)
	if err != nil {
		return fmt.Errorf("vault directory not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("vault path is not a directory: %s", v.contentDir)
	}
	return nil
}

// writeFile writes data from r to destPath using atomic write (temp file + rename).
func (v *FileSystemVault) writeFile(destPath string, r io.Reader, expectedSize int64) error {
	dir := filepath.Dir(destPath)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// Compile-time check that FileSystemVault implements engine.Vault.
var _ engine.Vault = (*FileSystemVault)(nil)
