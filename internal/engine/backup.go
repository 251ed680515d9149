package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
)

const backupPathPrefix = "sha256/"

// BackupPathFor returns the vault-relative backup path for a content hash.
func BackupPathFor(contentHash string) string {
	return backupPathPrefix + contentHash
}

func parseBackupPath(backupPath string) (string, error) {
	hash, ok := strings.CutPrefix(backupPath, backupPathPrefix)
	if !ok || hash == "" {
		return "", fmt.Errorf("malformed backup path %q", backupPath)
	}
	return hash, nil
}

// BackupManager snapshots document content into the vault before destructive
// transitions and restores it on demand. Blobs are content-addressed by
// plaintext hash and deduplicated; the database holds the index rows that
// reference them. Snapshots taken here double as the base versions the
// three-way merge recovers later.
type BackupManager struct {
	db     Database
	vault  Vault
	enc    Encryptor
	clock  Clock
	idgen  IDGenerator
	logger Logger
}

func NewBackupManager(db Database, vault Vault, enc Encryptor, clock Clock, idgen IDGenerator, logger Logger) *BackupManager {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &BackupManager{db: db, vault: vault, enc: enc, clock: clock, idgen: idgen, logger: logger}
}

// Snapshot stores content as an immutable backup for path and returns its
// backup path. The vault write happens before the index row so a crash in
// between leaves an orphaned blob, never a dangling reference.
func (m *BackupManager) Snapshot(ctx context.Context, path string, content []byte, reason BackupReason) (string, error) {
	hash := HashContent(content)

	var sealed bytes.Buffer
	if err := m.enc.Encrypt(bytes.NewReader(content), &sealed); err != nil {
		return "", fmt.Errorf("encrypting backup for %s: %w", path, err)
	}
	if err := m.vault.PutContent(ctx, hash, &sealed, int64(sealed.Len())); err != nil {
		return "", fmt.Errorf("storing backup blob for %s: %w", path, err)
	}

	b := &Backup{
		ID:          m.idgen.New(),
		Path:        path,
		BackupPath:  BackupPathFor(hash),
		ContentHash: hash,
		Size:        int64(len(content)),
		Reason:      reason,
		CreatedAt:   m.clock.Now(),
	}
	if err := m.db.RecordBackup(ctx, b); err != nil {
		return "", fmt.Errorf("indexing backup for %s: %w", path, err)
	}
	m.logger.Debug("backup created", "path", path, "hash", hash, "reason", string(reason), "size", b.Size)
	return b.BackupPath, nil
}

// Restore fetches and decrypts the blob behind backupPath, verifying the
// plaintext still matches its content address. A mismatch is an
// IntegrityError: the blob is corrupt and must not be applied anywhere.
func (m *BackupManager) Restore(ctx context.Context, backupPath string) ([]byte, error) {
	hash, err := parseBackupPath(backupPath)
	if err != nil {
		return nil, err
	}
	var sealed bytes.Buffer
	if err := m.vault.GetContent(ctx, hash, &sealed); err != nil {
		return nil, fmt.Errorf("fetching backup blob %s: %w", hash, err)
	}
	var plain bytes.Buffer
	if err := m.enc.Decrypt(&sealed, &plain); err != nil {
		return nil, fmt.Errorf("decrypting backup blob %s: %w", hash, err)
	}
	if got := HashContent(plain.Bytes()); got != hash {
		return nil, &IntegrityError{Path: backupPath, WantHash: hash, GotHash: got}
	}
	return plain.Bytes(), nil
}

// ContentByHash recovers a prior version directly by content hash. It is the
// base-version lookup for three-way merges and returns false when the blob is
// gone or fails verification; the caller then merges without a base.
func (m *BackupManager) ContentByHash(ctx context.Context, contentHash string) ([]byte, bool) {
	content, err := m.Restore(ctx, BackupPathFor(contentHash))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.logger.Warn("base version unavailable", "hash", contentHash, "error", err)
		}
		return nil, false
	}
	return content, true
}

// Prune applies the retention policy and reports how many backups were
// removed. The newest backup per path always survives. Vault blobs are
// deleted only when no index row references their hash anymore.
func (m *BackupManager) Prune(ctx context.Context, policy RetentionPolicy) (int, error) {
	all, err := m.db.ListBackups(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("listing backups: %w", err)
	}

	// ListBackups returns newest first, so per-path rank falls out of a
	// single pass.
	rank := make(map[string]int)
	now := m.clock.Now()
	pruned := 0
	for _, b := range all {
		idx := rank[b.Path]
		rank[b.Path] = idx + 1
		if idx == 0 {
			continue
		}
		tooMany := policy.MaxPerPath > 0 && idx >= policy.MaxPerPath
		tooOld := policy.MaxAge > 0 && now.Sub(b.CreatedAt) > policy.MaxAge
		if !tooMany && !tooOld {
			continue
		}
		if err := m.db.DeleteBackup(ctx, b.ID); err != nil {
			return pruned, fmt.Errorf("deleting backup %s: %w", b.ID, err)
		}
		refs, err := m.db.CountBackupRefs(ctx, b.ContentHash)
		if err != nil {
			return pruned, fmt.Errorf("counting references for %s: %w", b.ContentHash, err)
		}
		if refs == 0 {
			if err := m.vault.DeleteContent(ctx, b.ContentHash); err != nil && !errors.Is(err, ErrNotFound) {
				return pruned, fmt.Errorf("deleting backup blob %s: %w", b.ContentHash, err)
			}
		}
		pruned++
		m.logger.Debug("backup pruned", "path", b.Path, "hash", b.ContentHash, "created_at", b.CreatedAt)
	}
	return pruned, nil
}
