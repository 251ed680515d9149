package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"
)

// ExecutorConfig tunes the execution loop. Zero values take defaults.
type ExecutorConfig struct {
	// Workers bounds how many operations run concurrently. Operations on
	// the same path never run concurrently regardless of this value.
	Workers int

	// MaxRetries is the total number of attempts before an operation is
	// marked failed.
	MaxRetries int

	// AttemptTimeout bounds a single execution attempt.
	AttemptTimeout time.Duration

	// StaleAfter is how long an operation may sit in executing before a
	// crash is assumed and the row is reclaimed to pending.
	StaleAfter time.Duration

	// PollInterval is the queue polling period.
	PollInterval time.Duration

	// DequeueBatch is how many ready operations one poll may claim.
	DequeueBatch int

	Backoff BackoffPolicy
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.DequeueBatch <= 0 {
		c.DequeueBatch = 2 * c.Workers
	}
	if c.Backoff == (BackoffPolicy{}) {
		c.Backoff = DefaultBackoff
	}
	return c
}

// Executor drains the operation log against the primary store. One executor
// owns the executing state of its database; running two against the same
// database is not supported.
type Executor struct {
	db       Database
	store    Store
	backups  *BackupManager
	resolver *Resolver
	clock    Clock
	idgen    IDGenerator
	logger   Logger
	cfg      ExecutorConfig

	sem   *semaphore.Weighted
	locks *pathLocks
	wg    sync.WaitGroup
}

func NewExecutor(db Database, store Store, backups *BackupManager, resolver *Resolver, clock Clock, idgen IDGenerator, logger Logger, cfg ExecutorConfig) *Executor {
	if logger == nil {
		logger = NewNopLogger()
	}
	cfg = cfg.withDefaults()
	return &Executor{
		db:       db,
		store:    store,
		backups:  backups,
		resolver: resolver,
		clock:    clock,
		idgen:    idgen,
		logger:   logger,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		locks:    newPathLocks(),
	}
}

// Run polls the queue until ctx is cancelled, then waits for in-flight
// operations to finish bookkeeping. Returns ctx.Err().
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started",
		"workers", e.cfg.Workers,
		"max_retries", e.cfg.MaxRetries,
		"poll_interval", e.cfg.PollInterval.String())

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	// Recover work orphaned by a previous crash before the first poll.
	e.reclaim(ctx)

	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			e.logger.Info("executor stopped")
			return ctx.Err()
		case <-ticker.C:
			e.reclaim(ctx)
			if err := e.dispatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("dispatch failed", "error", err)
			}
		}
	}
}

func (e *Executor) reclaim(ctx context.Context) {
	now := e.clock.Now()
	n, err := e.db.ReclaimStale(ctx, now.Add(-e.cfg.StaleAfter), now)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			e.logger.Error("reclaiming stale operations failed", "error", err)
		}
		return
	}
	if n > 0 {
		e.logger.Warn("reclaimed stale operations", "count", n, "stale_after", e.cfg.StaleAfter.String())
	}
}

func (e *Executor) dispatch(ctx context.Context) error {
	ops, err := e.db.DequeueNextBatch(ctx, e.cfg.DequeueBatch, e.clock.Now())
	if err != nil {
		return fmt.Errorf("dequeuing operations: %w", err)
	}
	for _, op := range ops {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			// Claimed rows left behind on shutdown are reclaimed after the
			// staleness window; idempotency keys make the re-run safe.
			return err
		}
		e.wg.Add(1)
		go func(op *Operation) {
			defer e.wg.Done()
			defer e.sem.Release(1)
			paths := op.AffectedPaths()
			e.locks.acquire(paths)
			defer e.locks.release(paths)
			e.Execute(ctx, op)
		}(op)
	}
	return nil
}

// Drain synchronously executes ready operations until the queue yields
// nothing, honoring the same per-path ordering as Run. Used by one-shot runs
// and tests; retries scheduled in the future are left for the next call.
func (e *Executor) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		ops, err := e.db.DequeueNextBatch(ctx, e.cfg.DequeueBatch, e.clock.Now())
		if err != nil {
			return total, fmt.Errorf("dequeuing operations: %w", err)
		}
		if len(ops) == 0 {
			return total, nil
		}
		for _, op := range ops {
			e.Execute(ctx, op)
			total++
		}
	}
}

// Execute runs one attempt of op, which must already be in executing state,
// and persists the outcome. Bookkeeping uses a context detached from ctx's
// cancellation so an attempt timeout cannot also lose the attempt's record.
func (e *Executor) Execute(ctx context.Context, op *Operation) ExecutionResult {
	started := e.clock.Now()

	attemptCtx := ctx
	cancel := func() {}
	if e.cfg.AttemptTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	}
	out, err := e.apply(attemptCtx, op)
	cancel()

	pctx := context.WithoutCancel(ctx)
	durMS := e.clock.Now().Sub(started).Milliseconds()

	switch {
	case err == nil && out.paused:
		return ExecutionResult{OperationID: op.ID, Status: StatusPaused, Sub: out.sub}
	case err == nil:
		if cerr := e.db.CompleteOperation(pctx, op, out.metas, out.entry, e.clock.Now(), durMS); cerr != nil {
			// The store mutation landed but the record did not. The row stays
			// executing and is reclaimed later; re-application is a no-op
			// under the same idempotency key.
			e.logger.Error("recording completion failed", "op_id", op.ID, "error", cerr)
			return ExecutionResult{OperationID: op.ID, Status: StatusExecuting, Err: cerr.Error(), Sub: out.sub}
		}
		e.logger.Info("operation completed",
			"op_id", op.ID, "kind", string(op.Kind), "path", op.Path, "duration_ms", durMS)
		return ExecutionResult{OperationID: op.ID, Status: StatusCompleted, Sub: out.sub}
	}
	return e.recordFailure(pctx, ctx, op, err, durMS, out.sub)
}

func (e *Executor) recordFailure(pctx, ctx context.Context, op *Operation, err error, durMS int64, sub []SubResult) ExecutionResult {
	now := e.clock.Now()

	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// Shutdown interrupted the attempt; not charged against the retry
		// budget.
		if rerr := e.db.RescheduleOperation(pctx, op.ID, op.RetryCount, now, "interrupted by shutdown"); rerr != nil {
			e.logger.Error("rescheduling interrupted operation failed", "op_id", op.ID, "error", rerr)
		}
		return ExecutionResult{OperationID: op.ID, Status: StatusPending, Err: err.Error(), Sub: sub}
	}

	attempts := op.RetryCount + 1
	if !IsRetryable(err) || attempts >= e.cfg.MaxRetries {
		if ferr := e.db.FailOperation(pctx, op.ID, err.Error(), now, durMS); ferr != nil {
			e.logger.Error("recording failure failed", "op_id", op.ID, "error", ferr)
		}
		outcome := OutcomeFailed
		var integ *IntegrityError
		if errors.As(err, &integ) {
			outcome = OutcomeIntegrity
		}
		if lerr := e.db.AppendSyncLog(pctx, &SyncLogEntry{
			OpType:    string(op.Kind),
			Path:      op.Path,
			Outcome:   outcome,
			Details:   err.Error(),
			CreatedAt: now,
		}); lerr != nil {
			e.logger.Error("appending sync log failed", "op_id", op.ID, "error", lerr)
		}
		e.logger.Error("operation failed",
			"op_id", op.ID, "kind", string(op.Kind), "path", op.Path,
			"attempts", attempts, "error", err)
		return ExecutionResult{OperationID: op.ID, Status: StatusFailed, Err: err.Error(), Sub: sub}
	}

	delay := e.cfg.Backoff.Delay(attempts)
	if rerr := e.db.RescheduleOperation(pctx, op.ID, attempts, now.Add(delay), err.Error()); rerr != nil {
		e.logger.Error("rescheduling operation failed", "op_id", op.ID, "error", rerr)
	}
	e.logger.Warn("operation attempt failed, will retry",
		"op_id", op.ID, "kind", string(op.Kind), "path", op.Path,
		"attempt", attempts, "next_in", delay.String(), "error", err)
	return ExecutionResult{OperationID: op.ID, Status: StatusPending, Err: err.Error(), Sub: sub}
}

type applyOutcome struct {
	metas  []*FileMetadata
	entry  *SyncLogEntry
	paused bool
	sub    []SubResult
}

// subOutcome carries the result of applying one mutation, including the
// pre-images a batch rollback would need.
type subOutcome struct {
	metas    []*FileMetadata
	resolved *Conflict // conflict resolved inline by strategy, recorded for audit
	outcome  string
	detail   string

	preContent     []byte
	preExisted     bool
	destPre        []byte
	destPreExisted bool
}

// escalatedConflict signals that a mutation must not proceed without an
// external decision. The caller decides whether it pauses the operation or,
// inside a non-atomic batch, only the one sub-operation.
type escalatedConflict struct {
	c *Conflict
}

func (e *escalatedConflict) Error() string {
	return fmt.Sprintf("conflict on %s requires user choice", e.c.Path)
}

func (e *Executor) apply(ctx context.Context, op *Operation) (applyOutcome, error) {
	if op.Kind == KindBatch {
		return e.applyBatch(ctx, op)
	}

	sub := SubOperation{Kind: op.Kind, Path: op.Path, Payload: op.Payload, DestPath: op.DestPath}
	out, err := e.applySub(ctx, op, sub, IdempotencyKey(op))
	var esc *escalatedConflict
	if errors.As(err, &esc) {
		return e.pauseForConflict(ctx, op, esc.c)
	}
	if err != nil {
		return applyOutcome{}, err
	}

	outcome := out.outcome
	detail := out.detail
	if op.ConflictID != "" {
		outcome = OutcomeConflictResolved
		detail = "user choice applied for conflict " + op.ConflictID
		for _, m := range out.metas {
			if m.Path == op.Path {
				m.ConflictState = ConflictResolved
			}
		}
	}
	if out.resolved != nil {
		if cerr := e.db.CreateConflict(ctx, out.resolved); cerr != nil {
			return applyOutcome{}, fmt.Errorf("recording resolved conflict: %w", cerr)
		}
	}

	entry := &SyncLogEntry{
		OpType:    string(op.Kind),
		Path:      op.Path,
		Outcome:   outcome,
		Details:   detail,
		CreatedAt: e.clock.Now(),
	}
	return applyOutcome{metas: out.metas, entry: entry}, nil
}

func (e *Executor) pauseForConflict(ctx context.Context, op *Operation, c *Conflict) (applyOutcome, error) {
	pctx := context.WithoutCancel(ctx)
	now := e.clock.Now()
	c.State = ConflictUserChoice

	meta, err := e.db.GetFileMetadata(pctx, c.Path)
	if err != nil {
		return applyOutcome{}, fmt.Errorf("loading metadata for %s: %w", c.Path, err)
	}
	if meta == nil {
		meta = &FileMetadata{Path: c.Path, ModifiedAt: now}
	}
	meta.ConflictState = ConflictDetected

	entry := &SyncLogEntry{
		OpType:    string(op.Kind),
		Path:      c.Path,
		Outcome:   OutcomeConflictDetected,
		Details:   fmt.Sprintf("strategy %s escalated: local %s vs remote %s", c.Strategy, shortHash(c.Local.Hash), shortHash(c.Remote.Hash)),
		CreatedAt: now,
	}
	if err := e.db.PauseForConflict(pctx, op, c, meta, entry); err != nil {
		return applyOutcome{}, fmt.Errorf("pausing operation %s: %w", op.ID, err)
	}
	e.logger.Warn("conflict detected, operation paused",
		"op_id", op.ID, "path", c.Path, "conflict_id", c.ID, "strategy", string(c.Strategy))
	return applyOutcome{paused: true}, nil
}

func (e *Executor) applySub(ctx context.Context, op *Operation, sub SubOperation, key string) (subOutcome, error) {
	if err := validateSub(sub); err != nil {
		return subOutcome{}, err
	}
	now := e.clock.Now()

	meta, err := e.db.GetFileMetadata(ctx, sub.Path)
	if err != nil {
		return subOutcome{}, fmt.Errorf("loading metadata for %s: %w", sub.Path, err)
	}
	remote, rhash, rmod, rerr := e.store.Read(ctx, sub.Path)
	if rerr != nil && !errors.Is(rerr, ErrNotFound) {
		return subOutcome{}, fmt.Errorf("reading %s: %w", sub.Path, rerr)
	}

	lastKnown := ""
	if meta != nil && !meta.Tombstone {
		lastKnown = meta.ContentHash
	}
	intended := intendedHash(sub)

	// Divergence check: the store's current state must be what this engine
	// last wrote or confirmed, or already the state this operation produces.
	// Resolution operations skip it: their content is the explicit choice.
	if op.ConflictID == "" && rhash != lastKnown && rhash != intended {
		c := e.buildConflict(ctx, op, sub, meta, remote, rhash, rmod, now)
		res := e.resolver.Resolve(c)
		e.logger.Info("conflict resolution decided",
			"path", sub.Path, "strategy", string(c.Strategy), "outcome", string(res.Outcome), "reason", res.Reason)
		return e.applyResolution(ctx, op, sub, key, c, res, meta, remote, rhash, now)
	}

	switch sub.Kind {
	case KindCreate, KindUpdate:
		return e.applyWrite(ctx, sub.Path, sub.Payload, key, meta, remote, rhash, ReasonPreOverwrite, now)
	case KindDelete:
		return e.applyDelete(ctx, sub.Path, key, meta, remote, rhash, now)
	case KindMove:
		return e.applyMove(ctx, sub, key, meta, remote, rhash, now)
	default:
		return subOutcome{}, Permanentf("unsupported operation kind %q", sub.Kind)
	}
}

// applyWrite puts content at path, snapshotting whatever it replaces first.
func (e *Executor) applyWrite(ctx context.Context, path string, content []byte, key string, meta *FileMetadata, remote []byte, rhash string, backupReason BackupReason, now time.Time) (subOutcome, error) {
	out := subOutcome{preContent: remote, preExisted: rhash != "", outcome: OutcomeApplied}
	intended := HashContent(content)

	backupPath := ""
	if meta != nil {
		backupPath = meta.BackupPath
	}
	if rhash != "" && rhash != intended {
		bp, err := e.backups.Snapshot(ctx, path, remote, backupReason)
		if err != nil {
			return subOutcome{}, err
		}
		backupPath = bp
	}
	if rhash != intended {
		if _, err := e.store.Write(ctx, path, content, key); err != nil {
			return subOutcome{}, fmt.Errorf("writing %s: %w", path, err)
		}
	} else {
		out.detail = "content already present"
	}
	// The written content is now the agreed state and must stay recoverable
	// as a future merge base.
	if _, err := e.backups.Snapshot(ctx, path, content, ReasonSyncPoint); err != nil {
		return subOutcome{}, err
	}

	synced := now
	out.metas = []*FileMetadata{{
		Path:          path,
		ContentHash:   intended,
		Size:          int64(len(content)),
		ModifiedAt:    now,
		LastSyncedAt:  &synced,
		ConflictState: ConflictNone,
		BackupPath:    backupPath,
	}}
	return out, nil
}

func (e *Executor) applyDelete(ctx context.Context, path, key string, meta *FileMetadata, remote []byte, rhash string, now time.Time) (subOutcome, error) {
	out := subOutcome{preContent: remote, preExisted: rhash != "", outcome: OutcomeApplied}

	backupPath := ""
	if meta != nil {
		backupPath = meta.BackupPath
	}
	if rhash != "" {
		bp, err := e.backups.Snapshot(ctx, path, remote, ReasonPreDelete)
		if err != nil {
			return subOutcome{}, err
		}
		backupPath = bp
		if err := e.store.Delete(ctx, path, key); err != nil {
			return subOutcome{}, fmt.Errorf("deleting %s: %w", path, err)
		}
	} else {
		out.detail = "path already absent"
	}

	synced := now
	out.metas = []*FileMetadata{{
		Path:          path,
		ModifiedAt:    now,
		LastSyncedAt:  &synced,
		ConflictState: ConflictNone,
		BackupPath:    backupPath,
		Tombstone:     true,
	}}
	return out, nil
}

func (e *Executor) applyMove(ctx context.Context, sub SubOperation, key string, meta *FileMetadata, remote []byte, rhash string, now time.Time) (subOutcome, error) {
	destPre, dhash, _, derr := e.store.Read(ctx, sub.DestPath)
	if derr != nil && !errors.Is(derr, ErrNotFound) {
		return subOutcome{}, fmt.Errorf("reading %s: %w", sub.DestPath, derr)
	}
	out := subOutcome{
		preContent:     remote,
		preExisted:     rhash != "",
		destPre:        destPre,
		destPreExisted: dhash != "",
		outcome:        OutcomeApplied,
	}
	synced := now

	if rhash == "" {
		// Source already gone. A retry of a move that landed before the
		// crash leaves the last-known content at the destination.
		if meta != nil && meta.ContentHash != "" && dhash == meta.ContentHash {
			out.detail = "move already applied"
			out.metas = moveMetas(sub, meta, dhash, int64(len(destPre)), "", now, &synced)
			return out, nil
		}
		return subOutcome{}, Permanentf("move source %s does not exist", sub.Path)
	}

	destBackup := ""
	if dhash != "" && dhash != rhash {
		bp, err := e.backups.Snapshot(ctx, sub.DestPath, destPre, ReasonPreOverwrite)
		if err != nil {
			return subOutcome{}, err
		}
		destBackup = bp
	}
	if dhash != rhash {
		if _, err := e.store.Write(ctx, sub.DestPath, remote, key+":dest"); err != nil {
			return subOutcome{}, fmt.Errorf("writing %s: %w", sub.DestPath, err)
		}
	}
	if err := e.store.Delete(ctx, sub.Path, key+":src"); err != nil {
		return subOutcome{}, fmt.Errorf("deleting %s: %w", sub.Path, err)
	}
	if _, err := e.backups.Snapshot(ctx, sub.DestPath, remote, ReasonSyncPoint); err != nil {
		return subOutcome{}, err
	}

	out.metas = moveMetas(sub, meta, rhash, int64(len(remote)), destBackup, now, &synced)
	return out, nil
}

func moveMetas(sub SubOperation, srcMeta *FileMetadata, destHash string, destSize int64, destBackup string, now time.Time, synced *time.Time) []*FileMetadata {
	srcBackup := ""
	if srcMeta != nil {
		srcBackup = srcMeta.BackupPath
	}
	return []*FileMetadata{
		{
			Path:          sub.Path,
			ModifiedAt:    now,
			LastSyncedAt:  synced,
			ConflictState: ConflictNone,
			BackupPath:    srcBackup,
			Tombstone:     true,
		},
		{
			Path:          sub.DestPath,
			ContentHash:   destHash,
			Size:          destSize,
			ModifiedAt:    now,
			LastSyncedAt:  synced,
			ConflictState: ConflictNone,
			BackupPath:    destBackup,
		},
	}
}

func (e *Executor) buildConflict(ctx context.Context, op *Operation, sub SubOperation, meta *FileMetadata, remote []byte, rhash string, rmod time.Time, now time.Time) *Conflict {
	c := &Conflict{
		ID:          e.idgen.New(),
		Path:        sub.Path,
		OperationID: op.ID,
		Local: Version{
			Content: sub.Payload,
			Hash:    intendedHash(sub),
			ModTime: op.SubmittedAt,
		},
		Remote:     Version{Content: remote, Hash: rhash, ModTime: rmod},
		State:      ConflictDetected,
		DetectedAt: now,
	}
	if meta != nil && meta.ContentHash != "" {
		if base, ok := e.backups.ContentByHash(ctx, meta.ContentHash); ok {
			c.Base = &Version{Content: base, Hash: meta.ContentHash, ModTime: meta.ModifiedAt}
		}
	}
	c.Strategy = e.resolver.StrategyFor(sub.Path)
	return c
}

func (e *Executor) applyResolution(ctx context.Context, op *Operation, sub SubOperation, key string, c *Conflict, res Resolution, meta *FileMetadata, remote []byte, rhash string, now time.Time) (subOutcome, error) {
	switch res.Outcome {
	case ResolveEscalated:
		return subOutcome{}, &escalatedConflict{c: c}

	case ResolveAppliedRemote:
		// The local change loses; preserve it before dropping it.
		if c.Local.Hash != "" {
			if _, err := e.backups.Snapshot(ctx, sub.Path, sub.Payload, ReasonConflictLoser); err != nil {
				return subOutcome{}, err
			}
		}
		if rhash != "" {
			if _, err := e.backups.Snapshot(ctx, sub.Path, remote, ReasonSyncPoint); err != nil {
				return subOutcome{}, err
			}
		}
		markResolved(c, now)
		synced := now
		m := &FileMetadata{
			Path:          sub.Path,
			ContentHash:   rhash,
			Size:          int64(len(remote)),
			ModifiedAt:    c.Remote.ModTime,
			LastSyncedAt:  &synced,
			ConflictState: ConflictResolved,
		}
		if meta != nil {
			m.BackupPath = meta.BackupPath
		}
		if rhash == "" {
			m.Tombstone = true
		}
		return subOutcome{
			metas:      []*FileMetadata{m},
			resolved:   c,
			outcome:    OutcomeConflictResolved,
			detail:     res.Reason,
			preContent: remote,
			preExisted: rhash != "",
		}, nil

	case ResolveProceedLocal, ResolveMerged:
		var (
			out subOutcome
			err error
		)
		switch {
		case res.Outcome == ResolveMerged:
			out, err = e.applyWrite(ctx, sub.Path, res.Content, key, meta, remote, rhash, ReasonConflictLoser, now)
		case sub.Kind == KindDelete:
			out, err = e.applyDelete(ctx, sub.Path, key, meta, remote, rhash, now)
		case sub.Kind == KindMove:
			out, err = e.applyMove(ctx, sub, key, meta, remote, rhash, now)
		default:
			out, err = e.applyWrite(ctx, sub.Path, sub.Payload, key, meta, remote, rhash, ReasonConflictLoser, now)
		}
		if err != nil {
			return subOutcome{}, err
		}
		markResolved(c, now)
		for _, m := range out.metas {
			if m.Path == sub.Path {
				m.ConflictState = ConflictResolved
			}
		}
		out.resolved = c
		out.outcome = OutcomeConflictResolved
		out.detail = res.Reason
		return out, nil

	default:
		return subOutcome{}, Permanentf("unknown resolution outcome %q", res.Outcome)
	}
}

func markResolved(c *Conflict, now time.Time) {
	c.State = ConflictResolved
	resolvedAt := now
	c.ResolvedAt = &resolvedAt
}

type appliedStep struct {
	index int
	sub   SubOperation
	out   subOutcome
}

func (e *Executor) applyBatch(ctx context.Context, op *Operation) (applyOutcome, error) {
	subs, err := DecodeBatch(op.Payload)
	if err != nil {
		return applyOutcome{}, Permanent(err)
	}
	if len(subs) == 0 {
		return applyOutcome{}, Permanentf("batch %s has no sub-operations", op.ID)
	}

	var (
		results []SubResult
		applied []appliedStep
		order   []string
		metas   = make(map[string]*FileMetadata)
	)
	for i, sub := range subs {
		out, serr := e.applySub(ctx, op, sub, subKey(op, i, sub))
		if serr != nil {
			var esc *escalatedConflict
			isConflict := errors.As(serr, &esc)

			if ctx.Err() != nil && errors.Is(serr, ctx.Err()) {
				// Shutdown or attempt timeout. Leave applied sub-operations
				// in place, exactly as a crash would; the retry re-runs the
				// batch and its idempotency keys absorb the overlap.
				return applyOutcome{sub: results}, serr
			}

			if op.BatchAtomic {
				if rerr := e.rollback(ctx, op, applied); rerr != nil {
					return applyOutcome{}, Permanent(fmt.Errorf(
						"batch %s: sub-operation %d on %s failed (%v) and rollback also failed: %w",
						op.ID, i, sub.Path, serr, rerr))
				}
				if len(applied) > 0 {
					e.appendRollbackLog(ctx, op, len(applied), sub.Path, serr)
				}
				if isConflict {
					return e.pauseForConflict(ctx, op, esc.c)
				}
				return applyOutcome{}, serr
			}

			if isConflict {
				esc.c.State = ConflictUserChoice
				if cerr := e.db.CreateConflict(ctx, esc.c); cerr != nil {
					return applyOutcome{}, fmt.Errorf("recording conflict for %s: %w", sub.Path, cerr)
				}
				e.flagConflictMeta(ctx, esc.c, e.clock.Now())
			}
			results = append(results, SubResult{Index: i, Kind: sub.Kind, Path: sub.Path, Err: serr.Error()})
			continue
		}

		if out.resolved != nil {
			if cerr := e.db.CreateConflict(ctx, out.resolved); cerr != nil {
				return applyOutcome{}, fmt.Errorf("recording resolved conflict for %s: %w", sub.Path, cerr)
			}
		}
		for _, m := range out.metas {
			if _, seen := metas[m.Path]; !seen {
				order = append(order, m.Path)
			}
			metas[m.Path] = m
		}
		applied = append(applied, appliedStep{index: i, sub: sub, out: out})
		results = append(results, SubResult{Index: i, Kind: sub.Kind, Path: sub.Path, Applied: true})
	}

	if len(applied) == 0 {
		return applyOutcome{sub: results}, Permanentf("batch %s: all %d sub-operations failed", op.ID, len(subs))
	}

	flat := make([]*FileMetadata, 0, len(order))
	for _, p := range order {
		flat = append(flat, metas[p])
	}
	entry := &SyncLogEntry{
		OpType:    string(KindBatch),
		Path:      op.Path,
		Outcome:   OutcomeApplied,
		Details:   fmt.Sprintf("%d/%d sub-operations applied", len(applied), len(subs)),
		CreatedAt: e.clock.Now(),
	}
	return applyOutcome{metas: flat, entry: entry, sub: results}, nil
}

// rollback restores pre-images in reverse application order. Snapshots taken
// while applying stay in the vault; backups are immutable.
func (e *Executor) rollback(ctx context.Context, op *Operation, applied []appliedStep) error {
	pctx := context.WithoutCancel(ctx)
	var merr *multierror.Error
	for i := len(applied) - 1; i >= 0; i-- {
		st := applied[i]
		key := subKey(op, st.index, st.sub) + ":undo"
		switch st.sub.Kind {
		case KindCreate, KindUpdate, KindDelete:
			if st.out.preExisted {
				if _, err := e.store.Write(pctx, st.sub.Path, st.out.preContent, key); err != nil {
					merr = multierror.Append(merr, fmt.Errorf("restoring %s: %w", st.sub.Path, err))
				}
			} else if err := e.store.Delete(pctx, st.sub.Path, key); err != nil {
				merr = multierror.Append(merr, fmt.Errorf("removing %s: %w", st.sub.Path, err))
			}
		case KindMove:
			if st.out.preExisted {
				if _, err := e.store.Write(pctx, st.sub.Path, st.out.preContent, key+":src"); err != nil {
					merr = multierror.Append(merr, fmt.Errorf("restoring %s: %w", st.sub.Path, err))
				}
			}
			if st.out.destPreExisted {
				if _, err := e.store.Write(pctx, st.sub.DestPath, st.out.destPre, key+":dst"); err != nil {
					merr = multierror.Append(merr, fmt.Errorf("restoring %s: %w", st.sub.DestPath, err))
				}
			} else if err := e.store.Delete(pctx, st.sub.DestPath, key+":dst"); err != nil {
				merr = multierror.Append(merr, fmt.Errorf("removing %s: %w", st.sub.DestPath, err))
			}
		}
	}
	return merr.ErrorOrNil()
}

func (e *Executor) appendRollbackLog(ctx context.Context, op *Operation, rolledBack int, failedPath string, cause error) {
	pctx := context.WithoutCancel(ctx)
	entry := &SyncLogEntry{
		OpType:    string(KindBatch),
		Path:      op.Path,
		Outcome:   OutcomeRolledBack,
		Details:   fmt.Sprintf("%d sub-operations rolled back after %s: %v", rolledBack, failedPath, cause),
		CreatedAt: e.clock.Now(),
	}
	if err := e.db.AppendSyncLog(pctx, entry); err != nil {
		e.logger.Error("appending rollback log failed", "op_id", op.ID, "error", err)
	}
}

func (e *Executor) flagConflictMeta(ctx context.Context, c *Conflict, now time.Time) {
	meta, err := e.db.GetFileMetadata(ctx, c.Path)
	if err != nil {
		e.logger.Error("loading metadata failed", "path", c.Path, "error", err)
		return
	}
	if meta == nil {
		meta = &FileMetadata{Path: c.Path, ModifiedAt: now}
	}
	meta.ConflictState = ConflictDetected
	if err := e.db.UpsertFileMetadata(ctx, meta); err != nil {
		e.logger.Error("flagging conflicted metadata failed", "path", c.Path, "error", err)
	}
}

// intendedHash is the content hash a sub-operation leaves at its path, with
// "" meaning absent.
func intendedHash(sub SubOperation) string {
	switch sub.Kind {
	case KindCreate, KindUpdate:
		return HashContent(sub.Payload)
	default:
		return ""
	}
}

func shortHash(h string) string {
	if h == "" {
		return "(absent)"
	}
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// pathLocks serializes in-flight work per path, backstopping the dequeue
// query's overlap checks. Acquisition is all-or-nothing over the full path
// set, so two batches sharing paths cannot deadlock.
type pathLocks struct {
	mu   sync.Mutex
	cond *sync.Cond
	held map[string]bool
}

func newPathLocks() *pathLocks {
	p := &pathLocks{held: make(map[string]bool)}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pathLocks) acquire(paths []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		free := true
		for _, path := range paths {
			if p.held[path] {
				free = false
				break
			}
		}
		if free {
			for _, path := range paths {
				p.held[path] = true
			}
			return
		}
		p.cond.Wait()
	}
}

func (p *pathLocks) release(paths []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, path := range paths {
		delete(p.held, path)
	}
	p.cond.Broadcast()
}
