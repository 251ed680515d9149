// Package database implements the engine's durable state on SQLite.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"docsync/internal/database/migrations"
	"docsync/internal/engine"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase implements engine.Database. All mutations that must be
// observed together run in a single transaction; SQLite's synchronous=FULL
// setting makes committed transactions crash-durable.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

// NewSQLiteDatabase opens (or creates) the database at path and migrates it
// to the latest schema. path can be ":memory:" for tests.
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return &SQLiteDatabase{db: db, path: path}, nil
}

// NewSQLiteDatabaseFromDB wraps an existing connection. The caller owns the
// connection's configuration and schema.
func NewSQLiteDatabaseFromDB(db *sql.DB) *SQLiteDatabase {
	return &SQLiteDatabase{db: db}
}

// OpenConnection opens a SQLite connection configured for the engine:
// foreign keys on, WAL journaling, full synchronous writes so an enqueued
// operation survives power loss, and a lock timeout instead of immediate
// SQLITE_BUSY failures.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("configuring database (%s): %w", p, err)
		}
	}
	if path == ":memory:" {
		// Each pooled connection to :memory: gets its own database, so the
		// pool must stay on a single connection.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// Path returns the database file path, or ":memory:".
func (s *SQLiteDatabase) Path() string { return s.path }

// CheckMigrations verifies the schema is current.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.Check(s.db)
}

// BackupTo writes a complete copy of the database to destPath.
func (s *SQLiteDatabase) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Operation log

const operationColumns = `id, kind, path, payload, dest_path, batch_atomic, conflict_id,
	submitted_at, status, retry_count, next_attempt_at, last_error,
	started_at, finished_at, duration_ms`

// rowid is monotone in insert order and serves as the submission sequence.
const operationSelectColumns = `rowid, ` + operationColumns

// EnqueueOperation persists op along with an operation_paths row for every
// path it touches, in one transaction. The path rows are what DequeueNextBatch
// joins against to keep overlapping operations from running together.
func (s *SQLiteDatabase) EnqueueOperation(ctx context.Context, op *engine.Operation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO operations (`+operationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, string(op.Kind), op.Path, op.Payload, op.DestPath, op.BatchAtomic, op.ConflictID,
		op.SubmittedAt, string(op.Status), op.RetryCount, op.NextAttemptAt, op.LastError,
		nullTime(op.StartedAt), nullTime(op.FinishedAt), op.DurationMS); err != nil {
		return fmt.Errorf("enqueueing operation %s: %w", op.ID, err)
	}
	for _, p := range op.AffectedPaths() {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO operation_paths (operation_id, path) VALUES (?, ?)`,
			op.ID, p); err != nil {
			return fmt.Errorf("indexing path %s for operation %s: %w", p, op.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing enqueue of %s: %w", op.ID, err)
	}
	return nil
}

func (s *SQLiteDatabase) GetOperation(ctx context.Context, id string) (*engine.Operation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+operationSelectColumns+` FROM operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading operation %s: %w", id, err)
	}
	return op, nil
}

// DequeueNextBatch claims ready operations and flips them to executing in one
// statement. Readiness encodes per-path ordering over the operation_paths
// rows, which cover every path an operation touches, batch sub-operations and
// move destinations included: nothing sharing a path may be executing, no
// earlier submission sharing a path may still be pending, and a paused
// operation blocks its paths entirely. Conflict resolution operations bypass
// the pending and paused checks so they can run ahead of the backlog.
// Same-instant submissions are ordered by rowid, which is insert order.
func (s *SQLiteDatabase) DequeueNextBatch(ctx context.Context, maxN int, now time.Time) ([]*engine.Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE operations SET status = 'executing', started_at = ?
		WHERE id IN (
			SELECT o.id FROM operations o
			WHERE o.status = 'pending'
			  AND o.next_attempt_at <= ?
			  AND NOT EXISTS (
				SELECT 1 FROM operation_paths p
				JOIN operation_paths q ON q.path = p.path AND q.operation_id != p.operation_id
				JOIN operations x ON x.id = q.operation_id
				WHERE p.operation_id = o.id AND x.status = 'executing'
			  )
			  AND (o.conflict_id != '' OR NOT EXISTS (
				SELECT 1 FROM operation_paths p
				JOIN operation_paths q ON q.path = p.path AND q.operation_id != p.operation_id
				JOIN operations x ON x.id = q.operation_id
				WHERE p.operation_id = o.id AND x.status = 'pending'
				  AND (x.submitted_at < o.submitted_at
					OR (x.submitted_at = o.submitted_at AND x.rowid < o.rowid))
			  ))
			  AND (o.conflict_id != '' OR NOT EXISTS (
				SELECT 1 FROM operation_paths p
				JOIN operation_paths q ON q.path = p.path AND q.operation_id != p.operation_id
				JOIN operations x ON x.id = q.operation_id
				WHERE p.operation_id = o.id AND x.status = 'paused'
			  ))
			ORDER BY o.submitted_at, o.rowid
			LIMIT ?
		)
		RETURNING `+operationSelectColumns,
		now, now, maxN)
	if err != nil {
		return nil, fmt.Errorf("dequeuing operations: %w", err)
	}
	defer rows.Close()

	var ops []*engine.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning dequeued operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dequeuing operations: %w", err)
	}
	// RETURNING order is unspecified.
	sort.Slice(ops, func(i, j int) bool {
		if !ops[i].SubmittedAt.Equal(ops[j].SubmittedAt) {
			return ops[i].SubmittedAt.Before(ops[j].SubmittedAt)
		}
		return ops[i].Seq < ops[j].Seq
	})
	return ops, nil
}

func (s *SQLiteDatabase) RescheduleOperation(ctx context.Context, id string, retryCount int, nextAttempt time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE operations
		SET status = 'pending', retry_count = ?, next_attempt_at = ?, last_error = ?, started_at = NULL
		WHERE id = ?`,
		retryCount, nextAttempt, lastError, id)
	if err != nil {
		return fmt.Errorf("rescheduling operation %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteDatabase) FailOperation(ctx context.Context, id string, lastError string, now time.Time, durationMS int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE operations
		SET status = 'failed', last_error = ?, finished_at = ?, duration_ms = ?
		WHERE id = ?`,
		lastError, now, durationMS, id)
	if err != nil {
		return fmt.Errorf("failing operation %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteDatabase) CompleteOperation(ctx context.Context, op *engine.Operation, metas []*engine.FileMetadata, entry *engine.SyncLogEntry, now time.Time, durationMS int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE operations
		SET status = 'completed', last_error = '', finished_at = ?, duration_ms = ?
		WHERE id = ?`,
		now, durationMS, op.ID); err != nil {
		return fmt.Errorf("completing operation %s: %w", op.ID, err)
	}

	for _, meta := range metas {
		if err := upsertFileMetadataTx(ctx, tx, meta); err != nil {
			return err
		}
	}
	if entry != nil {
		if err := appendSyncLogTx(ctx, tx, entry); err != nil {
			return err
		}
	}

	if op.ConflictID != "" {
		if err := closeConflictTx(ctx, tx, op, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing completion of %s: %w", op.ID, err)
	}
	return nil
}

// closeConflictTx marks the conflict resolved and settles its paused origin.
// A paused single operation is completed, since the resolution content
// supersedes its payload; a paused atomic batch goes back to pending so its
// rolled-back sub-operations re-run against the agreed state. The requeue
// advances the retry count so the new attempt presents idempotency keys
// distinct from the attempt that was rolled back.
func closeConflictTx(ctx context.Context, tx *sql.Tx, op *engine.Operation, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE conflicts
		SET state = 'resolved', resolution_op_id = ?, resolved_at = ?
		WHERE id = ?`,
		op.ID, now, op.ConflictID); err != nil {
		return fmt.Errorf("closing conflict %s: %w", op.ConflictID, err)
	}

	var originID, originKind string
	err := tx.QueryRowContext(ctx, `
		SELECT o.id, o.kind FROM operations o
		JOIN conflicts c ON c.operation_id = o.id
		WHERE c.id = ?`, op.ConflictID).Scan(&originID, &originKind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading conflict origin for %s: %w", op.ConflictID, err)
	}

	if originKind == string(engine.KindBatch) {
		_, err = tx.ExecContext(ctx, `
			UPDATE operations
			SET status = 'pending', retry_count = retry_count + 1, next_attempt_at = ?, last_error = ''
			WHERE id = ? AND status = 'paused'`,
			now, originID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE operations
			SET status = 'completed', finished_at = ?, last_error = ''
			WHERE id = ? AND status = 'paused'`,
			now, originID)
	}
	if err != nil {
		return fmt.Errorf("settling paused operation %s: %w", originID, err)
	}
	return nil
}

func (s *SQLiteDatabase) PauseForConflict(ctx context.Context, op *engine.Operation, c *engine.Conflict, meta *engine.FileMetadata, entry *engine.SyncLogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE operations SET status = 'paused', last_error = ?, started_at = NULL
		WHERE id = ?`,
		"conflict "+c.ID+" requires user choice", op.ID); err != nil {
		return fmt.Errorf("pausing operation %s: %w", op.ID, err)
	}
	if err := insertConflictTx(ctx, tx, c); err != nil {
		return err
	}
	if meta != nil {
		if err := upsertFileMetadataTx(ctx, tx, meta); err != nil {
			return err
		}
	}
	if entry != nil {
		if err := appendSyncLogTx(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing pause of %s: %w", op.ID, err)
	}
	return nil
}

func (s *SQLiteDatabase) ReclaimStale(ctx context.Context, cutoff time.Time, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE operations
		SET status = 'pending', retry_count = retry_count + 1, next_attempt_at = ?,
		    last_error = 'reclaimed after stale execution', started_at = NULL
		WHERE status = 'executing' AND started_at IS NOT NULL AND started_at < ?`,
		now, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaiming stale operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reclaiming stale operations: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteDatabase) CancelOperation(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE operations
		SET status = 'failed', last_error = 'cancelled', finished_at = ?
		WHERE id = ? AND status = 'pending'`,
		now, id)
	if err != nil {
		return fmt.Errorf("cancelling operation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cancelling operation %s: %w", id, err)
	}
	if n == 0 {
		op, err := s.GetOperation(ctx, id)
		if err != nil {
			return err
		}
		if op == nil {
			return fmt.Errorf("operation %s: %w", id, engine.ErrNotFound)
		}
		return engine.Permanentf("operation %s is %s, only pending operations can be cancelled", id, op.Status)
	}
	return nil
}

func (s *SQLiteDatabase) ResetFailed(ctx context.Context, id string, now time.Time) (int, error) {
	query := `
		UPDATE operations
		SET status = 'pending', retry_count = 0, next_attempt_at = ?, finished_at = NULL
		WHERE status = 'failed'`
	args := []any{now}
	if id != "" {
		query += " AND id = ?"
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("requeuing failed operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeuing failed operations: %w", err)
	}
	if id != "" && n == 0 {
		op, err := s.GetOperation(ctx, id)
		if err != nil {
			return 0, err
		}
		if op == nil {
			return 0, fmt.Errorf("operation %s: %w", id, engine.ErrNotFound)
		}
		return 0, engine.Permanentf("operation %s is %s, only failed operations can be retried", id, op.Status)
	}
	return int(n), nil
}

func (s *SQLiteDatabase) CountOperationsByStatus(ctx context.Context) (map[engine.OperationStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM operations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting operations: %w", err)
	}
	defer rows.Close()

	counts := make(map[engine.OperationStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning operation counts: %w", err)
		}
		counts[engine.OperationStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *SQLiteDatabase) PruneOperations(ctx context.Context, olderThan time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM operations
		WHERE status IN ('completed', 'failed') AND finished_at IS NOT NULL AND finished_at < ?`,
		olderThan)
	if err != nil {
		return 0, fmt.Errorf("pruning operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning operations: %w", err)
	}
	// Foreign key enforcement is per-connection, so the cascade alone is
	// not enough on pooled connections.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM operation_paths
		WHERE operation_id NOT IN (SELECT id FROM operations)`); err != nil {
		return 0, fmt.Errorf("pruning operation paths: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing prune: %w", err)
	}
	return int(n), nil
}

// File metadata

func (s *SQLiteDatabase) GetFileMetadata(ctx context.Context, path string) (*engine.FileMetadata, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT path, content_hash, size, modified_at, last_synced_at, conflict_state, backup_path, tombstone
		FROM file_metadata WHERE path = ?`, path)

	var m engine.FileMetadata
	var lastSynced sql.NullTime
	var state string
	err := row.Scan(&m.Path, &m.ContentHash, &m.Size, &m.ModifiedAt, &lastSynced, &state, &m.BackupPath, &m.Tombstone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading metadata for %s: %w", path, err)
	}
	m.ConflictState = engine.ConflictState(state)
	if lastSynced.Valid {
		t := lastSynced.Time
		m.LastSyncedAt = &t
	}
	return &m, nil
}

func (s *SQLiteDatabase) UpsertFileMetadata(ctx context.Context, meta *engine.FileMetadata) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()
	if err := upsertFileMetadataTx(ctx, tx, meta); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing metadata for %s: %w", meta.Path, err)
	}
	return nil
}

func upsertFileMetadataTx(ctx context.Context, tx *sql.Tx, meta *engine.FileMetadata) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO file_metadata (path, content_hash, size, modified_at, last_synced_at, conflict_state, backup_path, tombstone)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			content_hash = excluded.content_hash,
			size = excluded.size,
			modified_at = excluded.modified_at,
			last_synced_at = excluded.last_synced_at,
			conflict_state = excluded.conflict_state,
			backup_path = excluded.backup_path,
			tombstone = excluded.tombstone`,
		meta.Path, meta.ContentHash, meta.Size, meta.ModifiedAt, nullTime(meta.LastSyncedAt),
		string(meta.ConflictState), meta.BackupPath, meta.Tombstone)
	if err != nil {
		return fmt.Errorf("upserting metadata for %s: %w", meta.Path, err)
	}
	return nil
}

func (s *SQLiteDatabase) MarkTombstone(ctx context.Context, path string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE file_metadata
		SET tombstone = 1, content_hash = '', size = 0, modified_at = ?
		WHERE path = ?`,
		now, path)
	if err != nil {
		return fmt.Errorf("marking tombstone for %s: %w", path, err)
	}
	return nil
}

// Sync log

func (s *SQLiteDatabase) AppendSyncLog(ctx context.Context, entry *engine.SyncLogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()
	if err := appendSyncLogTx(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing sync log entry: %w", err)
	}
	return nil
}

func appendSyncLogTx(ctx context.Context, tx *sql.Tx, entry *engine.SyncLogEntry) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO sync_log (op_type, path, outcome, details, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		entry.OpType, entry.Path, entry.Outcome, entry.Details, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("appending sync log entry: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

func (s *SQLiteDatabase) ListSyncLog(ctx context.Context, limit int) ([]*engine.SyncLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, op_type, path, outcome, details, created_at
		FROM sync_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sync log: %w", err)
	}
	defer rows.Close()

	var entries []*engine.SyncLogEntry
	for rows.Next() {
		var e engine.SyncLogEntry
		if err := rows.Scan(&e.ID, &e.OpType, &e.Path, &e.Outcome, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning sync log entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Conflicts

func (s *SQLiteDatabase) CreateConflict(ctx context.Context, c *engine.Conflict) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()
	if err := insertConflictTx(ctx, tx, c); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conflict %s: %w", c.ID, err)
	}
	return nil
}

func insertConflictTx(ctx context.Context, tx *sql.Tx, c *engine.Conflict) error {
	var baseContent []byte
	var baseHash sql.NullString
	var baseMod sql.NullTime
	if c.Base != nil {
		baseContent = c.Base.Content
		baseHash = sql.NullString{String: c.Base.Hash, Valid: true}
		baseMod = sql.NullTime{Time: c.Base.ModTime, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO conflicts (id, path, operation_id,
			local_content, local_hash, local_mod_time,
			remote_content, remote_hash, remote_mod_time,
			base_content, base_hash, base_mod_time,
			strategy, state, resolution_op_id, detected_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Path, c.OperationID,
		c.Local.Content, c.Local.Hash, c.Local.ModTime,
		c.Remote.Content, c.Remote.Hash, c.Remote.ModTime,
		baseContent, baseHash, baseMod,
		string(c.Strategy), string(c.State), c.ResolutionOpID, c.DetectedAt, nullTime(c.ResolvedAt))
	if err != nil {
		return fmt.Errorf("inserting conflict %s: %w", c.ID, err)
	}
	return nil
}

const conflictColumns = `id, path, operation_id,
	local_content, local_hash, local_mod_time,
	remote_content, remote_hash, remote_mod_time,
	base_content, base_hash, base_mod_time,
	strategy, state, resolution_op_id, detected_at, resolved_at`

func (s *SQLiteDatabase) GetConflict(ctx context.Context, id string) (*engine.Conflict, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading conflict %s: %w", id, err)
	}
	return c, nil
}

func (s *SQLiteDatabase) SetConflictState(ctx context.Context, id string, state engine.ConflictState, resolutionOpID string, now time.Time) error {
	query := `UPDATE conflicts SET state = ?, resolution_op_id = ?`
	args := []any{string(state), resolutionOpID}
	if state == engine.ConflictResolved {
		query += `, resolved_at = ?`
		args = append(args, now)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating conflict %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating conflict %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("conflict %s: %w", id, engine.ErrNotFound)
	}
	return nil
}

func (s *SQLiteDatabase) ListOpenConflicts(ctx context.Context) ([]*engine.Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conflictColumns+` FROM conflicts
		WHERE state != 'resolved' ORDER BY detected_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing open conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*engine.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conflict: %w", err)
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// Backup index

func (s *SQLiteDatabase) RecordBackup(ctx context.Context, b *engine.Backup) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backups (id, path, backup_path, content_hash, size, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Path, b.BackupPath, b.ContentHash, b.Size, string(b.Reason), b.CreatedAt)
	if err != nil {
		return fmt.Errorf("recording backup for %s: %w", b.Path, err)
	}
	return nil
}

func (s *SQLiteDatabase) ListBackups(ctx context.Context, path string) ([]*engine.Backup, error) {
	query := `
		SELECT id, path, backup_path, content_hash, size, reason, created_at
		FROM backups`
	var args []any
	if path != "" {
		query += ` WHERE path = ?`
		args = append(args, path)
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing backups: %w", err)
	}
	defer rows.Close()

	var backups []*engine.Backup
	for rows.Next() {
		var b engine.Backup
		var reason string
		if err := rows.Scan(&b.ID, &b.Path, &b.BackupPath, &b.ContentHash, &b.Size, &reason, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning backup: %w", err)
		}
		b.Reason = engine.BackupReason(reason)
		backups = append(backups, &b)
	}
	return backups, rows.Err()
}

func (s *SQLiteDatabase) DeleteBackup(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM backups WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting backup %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteDatabase) CountBackupRefs(ctx context.Context, contentHash string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM backups WHERE content_hash = ?`, contentHash).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting backup references for %s: %w", contentHash, err)
	}
	return n, nil
}

// Scan helpers

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*engine.Operation, error) {
	var op engine.Operation
	var kind, status string
	var started, finished sql.NullTime
	err := row.Scan(
		&op.Seq,
		&op.ID, &kind, &op.Path, &op.Payload, &op.DestPath, &op.BatchAtomic, &op.ConflictID,
		&op.SubmittedAt, &status, &op.RetryCount, &op.NextAttemptAt, &op.LastError,
		&started, &finished, &op.DurationMS)
	if err != nil {
		return nil, err
	}
	op.Kind = engine.OperationKind(kind)
	op.Status = engine.OperationStatus(status)
	if started.Valid {
		t := started.Time
		op.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		op.FinishedAt = &t
	}
	return &op, nil
}

func scanConflict(row rowScanner) (*engine.Conflict, error) {
	var c engine.Conflict
	var strategy, state string
	var baseContent []byte
	var baseHash sql.NullString
	var baseMod, resolvedAt sql.NullTime
	err := row.Scan(
		&c.ID, &c.Path, &c.OperationID,
		&c.Local.Content, &c.Local.Hash, &c.Local.ModTime,
		&c.Remote.Content, &c.Remote.Hash, &c.Remote.ModTime,
		&baseContent, &baseHash, &baseMod,
		&strategy, &state, &c.ResolutionOpID, &c.DetectedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	c.Strategy = engine.Strategy(strategy)
	c.State = engine.ConflictState(state)
	if baseHash.Valid {
		c.Base = &engine.Version{Content: baseContent, Hash: baseHash.String}
		if baseMod.Valid {
			c.Base.ModTime = baseMod.Time
		}
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		c.ResolvedAt = &t
	}
	return &c, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time check that SQLiteDatabase implements engine.Database.
var _ engine.Database = (*SQLiteDatabase)(nil)
