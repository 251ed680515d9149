package engine

import (
	"context"
	"time"
)

// Database is the durable state owned exclusively by the engine: the
// operation log, per-path file metadata, the append-only sync log, conflict
// records, and the backup index. No other component writes these tables.
//
// Lookup methods return (nil, nil) when the row does not exist.
type Database interface {
	// Operation log

	// EnqueueOperation persists op with status pending. The write is durable
	// before the call returns: a crash after Submit never loses the operation.
	EnqueueOperation(ctx context.Context, op *Operation) error

	// GetOperation returns the operation by id.
	GetOperation(ctx context.Context, id string) (*Operation, error)

	// DequeueNextBatch atomically transitions up to maxN ready pending
	// operations to executing and returns them, ordered by submission time
	// with ties broken in enqueue order. An operation is ready when its next
	// attempt time has passed, no operation sharing any of its affected paths
	// is executing, and no earlier-submitted operation sharing one is still
	// pending; batches block on their full path footprint. Operations carrying
	// a conflict id bypass the paused-path block so conflict resolutions can
	// run.
	DequeueNextBatch(ctx context.Context, maxN int, now time.Time) ([]*Operation, error)

	// RescheduleOperation returns an executing operation to pending for a
	// retry at nextAttempt with the given retry count and last error.
	RescheduleOperation(ctx context.Context, id string, retryCount int, nextAttempt time.Time, lastError string) error

	// FailOperation marks an operation failed with its final error.
	FailOperation(ctx context.Context, id string, lastError string, now time.Time, durationMS int64) error

	// CompleteOperation atomically marks op completed, upserts the resulting
	// file metadata rows, and appends the sync log entry in one transaction,
	// so "applied but not recorded" cannot occur. If op carries a conflict
	// id, the referenced conflict is closed in the same transaction and its
	// paused origin operation is settled: a paused single operation is marked
	// completed, because the resolution content supersedes it, while a paused
	// atomic batch returns to pending so its rolled-back sub-operations run
	// again on top of the now-agreed state.
	CompleteOperation(ctx context.Context, op *Operation, metas []*FileMetadata, entry *SyncLogEntry, now time.Time, durationMS int64) error

	// PauseForConflict atomically records the conflict, pauses op, flags the
	// path's metadata as conflicted, and appends the sync log entry.
	PauseForConflict(ctx context.Context, op *Operation, c *Conflict, meta *FileMetadata, entry *SyncLogEntry) error

	// ReclaimStale returns operations stuck in executing since before cutoff
	// to pending with retry count incremented, and reports how many.
	ReclaimStale(ctx context.Context, cutoff time.Time, now time.Time) (int, error)

	// CancelOperation fails an operation that is still pending. Once
	// executing, operations run to completion or failure.
	CancelOperation(ctx context.Context, id string, now time.Time) error

	// ResetFailed returns failed operations to pending with retry count
	// zeroed. id selects one operation; empty id selects all failed.
	ResetFailed(ctx context.Context, id string, now time.Time) (int, error)

	// CountOperationsByStatus returns operation counts grouped by status.
	CountOperationsByStatus(ctx context.Context) (map[OperationStatus]int, error)

	// PruneOperations removes terminal operations finished before olderThan.
	// Retention only; never part of the hot path.
	PruneOperations(ctx context.Context, olderThan time.Time) (int, error)

	// File metadata

	GetFileMetadata(ctx context.Context, path string) (*FileMetadata, error)
	UpsertFileMetadata(ctx context.Context, meta *FileMetadata) error

	// MarkTombstone flags a path as deleted without removing its record, so
	// late-arriving stale writes are still detected as conflicts.
	MarkTombstone(ctx context.Context, path string, now time.Time) error

	// Sync log

	AppendSyncLog(ctx context.Context, entry *SyncLogEntry) error
	ListSyncLog(ctx context.Context, limit int) ([]*SyncLogEntry, error)

	// Conflicts

	CreateConflict(ctx context.Context, c *Conflict) error
	GetConflict(ctx context.Context, id string) (*Conflict, error)

	// SetConflictState updates a conflict's state, optionally recording the
	// resolution operation that will close it.
	SetConflictState(ctx context.Context, id string, state ConflictState, resolutionOpID string, now time.Time) error

	// ListOpenConflicts returns conflicts not yet resolved, oldest first.
	ListOpenConflicts(ctx context.Context) ([]*Conflict, error)

	// Backup index

	RecordBackup(ctx context.Context, b *Backup) error

	// ListBackups returns backups for a path, newest first. An empty path
	// returns all backups.
	ListBackups(ctx context.Context, path string) ([]*Backup, error)
	DeleteBackup(ctx context.Context, id string) error

	// CountBackupRefs reports how many index rows reference a content hash.
	// A vault blob is only removable when its reference count reaches zero.
	CountBackupRefs(ctx context.Context, contentHash string) (int, error)

	Close() error
}
