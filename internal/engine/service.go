package engine

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"
	"unicode/utf8"
)

// Service is the public face of the engine: clients submit operations,
// inspect queue and conflict state, and resolve what the executor escalated.
// Submission and execution are fully decoupled; Submit returns as soon as
// the operation is durable.
type Service struct {
	db      Database
	store   Store
	backups *BackupManager
	clock   Clock
	idgen   IDGenerator
	logger  Logger
}

func NewService(db Database, store Store, backups *BackupManager, clock Clock, idgen IDGenerator, logger Logger) *Service {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &Service{db: db, store: store, backups: backups, clock: clock, idgen: idgen, logger: logger}
}

// Submit validates req, persists it as a pending operation, and returns its
// ID. Validation failures are permanent errors; nothing is enqueued.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	op, err := s.buildOperation(req)
	if err != nil {
		return "", err
	}
	if err := s.db.EnqueueOperation(ctx, op); err != nil {
		return "", fmt.Errorf("enqueueing operation: %w", err)
	}
	s.logger.Info("operation submitted",
		"op_id", op.ID, "kind", string(op.Kind), "path", op.Path)
	return op.ID, nil
}

func (s *Service) buildOperation(req SubmitRequest) (*Operation, error) {
	if !req.Kind.Valid() {
		return nil, Permanentf("unknown operation kind %q", req.Kind)
	}
	now := s.clock.Now()
	op := &Operation{
		ID:            s.idgen.New(),
		Kind:          req.Kind,
		Path:          req.Path,
		Payload:       req.Content,
		DestPath:      req.DestPath,
		BatchAtomic:   req.Atomic,
		SubmittedAt:   now,
		Status:        StatusPending,
		NextAttemptAt: now,
	}

	if req.Kind == KindBatch {
		if len(req.Batch) == 0 {
			return nil, Permanentf("batch requires at least one sub-operation")
		}
		for i, sub := range req.Batch {
			if sub.Kind == KindBatch {
				return nil, Permanentf("sub-operation %d: batches do not nest", i)
			}
			if err := validateSub(sub); err != nil {
				return nil, fmt.Errorf("sub-operation %d: %w", i, err)
			}
		}
		payload, err := EncodeBatch(req.Batch)
		if err != nil {
			return nil, Permanent(err)
		}
		op.Path = ""
		op.Payload = payload
		return op, nil
	}

	sub := SubOperation{Kind: req.Kind, Path: req.Path, Payload: req.Content, DestPath: req.DestPath}
	if err := validateSub(sub); err != nil {
		return nil, err
	}
	return op, nil
}

// ValidatePath rejects paths that could escape the document tree or that no
// store adapter can represent.
func ValidatePath(p string) error {
	if p == "" {
		return Permanentf("path is empty")
	}
	if !utf8.ValidString(p) {
		return Permanentf("path %q is not valid UTF-8", p)
	}
	if strings.HasPrefix(p, "/") {
		return Permanentf("path %q must be relative", p)
	}
	if strings.Contains(p, "\\") {
		return Permanentf("path %q must use forward slashes", p)
	}
	clean := path.Clean(p)
	if clean != p || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return Permanentf("path %q is not a clean relative path", p)
	}
	return nil
}

func validateSub(sub SubOperation) error {
	if !sub.Kind.Valid() || sub.Kind == KindBatch {
		return Permanentf("unknown operation kind %q", sub.Kind)
	}
	if err := ValidatePath(sub.Path); err != nil {
		return err
	}
	switch sub.Kind {
	case KindCreate, KindUpdate:
		if sub.Payload == nil {
			return Permanentf("%s %s requires content", sub.Kind, sub.Path)
		}
		if sub.DestPath != "" {
			return Permanentf("%s does not take a destination path", sub.Kind)
		}
	case KindDelete:
		if len(sub.Payload) > 0 || sub.DestPath != "" {
			return Permanentf("delete takes only a path")
		}
	case KindMove:
		if len(sub.Payload) > 0 {
			return Permanentf("move does not take content")
		}
		if err := ValidatePath(sub.DestPath); err != nil {
			return fmt.Errorf("destination: %w", err)
		}
		if sub.DestPath == sub.Path {
			return Permanentf("move source and destination are the same path")
		}
	}
	return nil
}

// GetStatus returns the operation by ID, or ErrNotFound.
func (s *Service) GetStatus(ctx context.Context, id string) (*Operation, error) {
	op, err := s.db.GetOperation(ctx, id)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}
	return op, nil
}

// ListSyncStatus returns the aggregate queue view plus open conflicts.
func (s *Service) ListSyncStatus(ctx context.Context) (*SyncStatus, error) {
	counts, err := s.db.CountOperationsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting operations: %w", err)
	}
	conflicts, err := s.db.ListOpenConflicts(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing conflicts: %w", err)
	}
	return &SyncStatus{
		Pending:   counts[StatusPending],
		Executing: counts[StatusExecuting],
		Paused:    counts[StatusPaused],
		Completed: counts[StatusCompleted],
		Failed:    counts[StatusFailed],
		Conflicts: conflicts,
	}, nil
}

// GetConflict returns a conflict by ID, or ErrNotFound.
func (s *Service) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	c, err := s.db.GetConflict(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	return c, nil
}

// ResolveConflict settles an escalated conflict with the chosen content and
// returns the ID of the resolution operation it enqueues. The chosen content
// becomes the path's agreed state; nil chosen means the path is deleted.
// The conflict closes when the resolution operation completes.
func (s *Service) ResolveConflict(ctx context.Context, conflictID string, chosen []byte) (string, error) {
	c, err := s.GetConflict(ctx, conflictID)
	if err != nil {
		return "", err
	}
	if c.State == ConflictResolved {
		return "", Permanentf("conflict %s is already resolved", conflictID)
	}
	if c.State == ConflictResolving {
		return "", Permanentf("conflict %s already has resolution operation %s in flight", conflictID, c.ResolutionOpID)
	}

	now := s.clock.Now()
	op := &Operation{
		ID:            s.idgen.New(),
		Path:          c.Path,
		ConflictID:    c.ID,
		SubmittedAt:   now,
		Status:        StatusPending,
		NextAttemptAt: now,
	}
	if chosen == nil {
		op.Kind = KindDelete
	} else {
		op.Kind = KindUpdate
		op.Payload = chosen
	}
	if err := s.db.EnqueueOperation(ctx, op); err != nil {
		return "", fmt.Errorf("enqueueing resolution: %w", err)
	}
	if err := s.db.SetConflictState(ctx, c.ID, ConflictResolving, op.ID, now); err != nil {
		return "", fmt.Errorf("marking conflict resolving: %w", err)
	}
	s.logger.Info("conflict resolution submitted",
		"conflict_id", c.ID, "path", c.Path, "op_id", op.ID)
	return op.ID, nil
}

// RetryFailed returns failed operations to the queue with a fresh retry
// budget. id selects one operation; empty id retries all failed.
func (s *Service) RetryFailed(ctx context.Context, id string) (int, error) {
	n, err := s.db.ResetFailed(ctx, id, s.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("failed operations requeued", "count", n)
	}
	return n, nil
}

// Cancel withdraws a pending operation. Executing, paused, and terminal
// operations cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, id string) error {
	return s.db.CancelOperation(ctx, id, s.clock.Now())
}

// History returns the most recent sync log entries, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]*SyncLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.db.ListSyncLog(ctx, limit)
}

// FileStatus returns the tracked metadata for a path, or ErrNotFound for a
// path the engine has never synced.
func (s *Service) FileStatus(ctx context.Context, p string) (*FileMetadata, error) {
	meta, err := s.db.GetFileMetadata(ctx, p)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("path %s: %w", p, ErrNotFound)
	}
	return meta, nil
}

// Backups lists the recorded backups for a path, newest first.
func (s *Service) Backups(ctx context.Context, p string) ([]*Backup, error) {
	return s.db.ListBackups(ctx, p)
}

// RestoreBackup fetches verified backup content by its backup path.
func (s *Service) RestoreBackup(ctx context.Context, backupPath string) ([]byte, error) {
	return s.backups.Restore(ctx, backupPath)
}

// PruneBackups applies the retention policy to the backup set.
func (s *Service) PruneBackups(ctx context.Context, policy RetentionPolicy) (int, error) {
	return s.backups.Prune(ctx, policy)
}

// PruneOperations removes terminal operations older than the given age.
func (s *Service) PruneOperations(ctx context.Context, olderThan time.Duration) (int, error) {
	return s.db.PruneOperations(ctx, s.clock.Now().Add(-olderThan))
}
