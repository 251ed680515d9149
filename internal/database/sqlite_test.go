package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"docsync/internal/engine"
)

// newTestDB creates a new in-memory database with all migrations applied.
func newTestDB(t *testing.T) *SQLiteDatabase {
	t.Helper()
	db, err := NewSQLiteDatabase(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteDatabase() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var testEpoch = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func makeOp(id, path string, submitted time.Time) *engine.Operation {
	return &engine.Operation{
		ID:            id,
		Kind:          engine.KindUpdate,
		Path:          path,
		Payload:       []byte("content of " + id),
		SubmittedAt:   submitted,
		Status:        engine.StatusPending,
		NextAttemptAt: submitted,
	}
}

func mustEnqueue(t *testing.T, db *SQLiteDatabase, ops ...*engine.Operation) {
	t.Helper()
	for _, op := range ops {
		if err := db.EnqueueOperation(context.Background(), op); err != nil {
			t.Fatalf("EnqueueOperation(%s) error = %v", op.ID, err)
		}
	}
}

func TestSQLiteDatabase_OperationRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	op := makeOp("op-1", "docs/a.txt", testEpoch)
	op.DestPath = "docs/b.txt"
	op.BatchAtomic = true
	op.ConflictID = "conf-1"
	op.RetryCount = 2
	op.LastError = "previous failure"
	mustEnqueue(t, db, op)

	got, err := db.GetOperation(ctx, "op-1")
	if err != nil {
		t.Fatalf("GetOperation() error = %v", err)
	}
	if got == nil {
		t.Fatal("GetOperation() = nil for an existing operation")
	}
	if got.Kind != engine.KindUpdate || got.Path != "docs/a.txt" || got.DestPath != "docs/b.txt" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if !got.BatchAtomic || got.ConflictID != "conf-1" || got.RetryCount != 2 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.StartedAt != nil || got.FinishedAt != nil {
		t.Errorf("nullable timestamps = %v/%v, want nil", got.StartedAt, got.FinishedAt)
	}
	if string(got.Payload) != "content of op-1" {
		t.Errorf("payload = %q", got.Payload)
	}

	missing, err := db.GetOperation(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("GetOperation(missing) = %v, %v; want nil, nil", missing, err)
	}
}

func TestSQLiteDatabase_DequeueNextBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("claims ready operations oldest first", func(t *testing.T) {
		db := newTestDB(t)
		mustEnqueue(t, db,
			makeOp("op-b", "docs/b.txt", testEpoch.Add(time.Second)),
			makeOp("op-a", "docs/a.txt", testEpoch),
		)

		ops, err := db.DequeueNextBatch(ctx, 10, testEpoch.Add(time.Minute))
		if err != nil {
			t.Fatalf("DequeueNextBatch() error = %v", err)
		}
		if len(ops) != 2 {
			t.Fatalf("dequeued %d, want 2", len(ops))
		}
		if ops[0].ID != "op-a" || ops[1].ID != "op-b" {
			t.Errorf("order = [%s %s], want oldest first", ops[0].ID, ops[1].ID)
		}
		for _, op := range ops {
			if op.Status != engine.StatusExecuting {
				t.Errorf("%s status = %q, want executing", op.ID, op.Status)
			}
			if op.StartedAt == nil {
				t.Errorf("%s has no started_at", op.ID)
			}
		}

		// Claimed rows are not handed out twice.
		again, err := db.DequeueNextBatch(ctx, 10, testEpoch.Add(time.Minute))
		if err != nil {
			t.Fatalf("second DequeueNextBatch() error = %v", err)
		}
		if len(again) != 0 {
			t.Errorf("second dequeue returned %d, want 0", len(again))
		}
	})

	t.Run("respects the next attempt time", func(t *testing.T) {
		db := newTestDB(t)
		op := makeOp("op-1", "docs/a.txt", testEpoch)
		op.NextAttemptAt = testEpoch.Add(time.Hour)
		mustEnqueue(t, db, op)

		ops, err := db.DequeueNextBatch(ctx, 10, testEpoch)
		if err != nil {
			t.Fatalf("DequeueNextBatch() error = %v", err)
		}
		if len(ops) != 0 {
			t.Errorf("dequeued %d before next_attempt_at, want 0", len(ops))
		}
		ops, err = db.DequeueNextBatch(ctx, 10, testEpoch.Add(2*time.Hour))
		if err != nil {
			t.Fatalf("DequeueNextBatch() error = %v", err)
		}
		if len(ops) != 1 {
			t.Errorf("dequeued %d after next_attempt_at, want 1", len(ops))
		}
	})

	t.Run("an earlier pending operation holds back the path", func(t *testing.T) {
		db := newTestDB(t)
		early := makeOp("op-early", "docs/a.txt", testEpoch)
		early.NextAttemptAt = testEpoch.Add(time.Hour) // backing off
		late := makeOp("op-late", "docs/a.txt", testEpoch.Add(time.Second))
		other := makeOp("op-other", "docs/b.txt", testEpoch.Add(2*time.Second))
		mustEnqueue(t, db, early, late, other)

		ops, err := db.DequeueNextBatch(ctx, 10, testEpoch.Add(time.Minute))
		if err != nil {
			t.Fatalf("DequeueNextBatch() error = %v", err)
		}
		if len(ops) != 1 || ops[0].ID != "op-other" {
			t.Fatalf("dequeued %v, want only the unrelated path", ids(ops))
		}
	})

	t.Run("an executing operation blocks the path", func(t *testing.T) {
		db := newTestDB(t)
		mustEnqueue(t, db, makeOp("op-1", "docs/a.txt", testEpoch))
		if _, err := db.DequeueNextBatch(ctx, 10, testEpoch); err != nil {
			t.Fatalf("DequeueNextBatch() error = %v", err)
		}
		mustEnqueue(t, db, makeOp("op-2", "docs/a.txt", testEpoch.Add(time.Second)))

		ops, err := db.DequeueNextBatch(ctx, 10, testEpoch.Add(time.Minute))
		if err != nil {
			t.Fatalf("DequeueNextBatch() error = %v", err)
		}
		if len(ops) != 0 {
			t.Errorf("dequeued %v behind an executing operation, want none", ids(ops))
		}
	})

	t.Run("a paused operation blocks the path except for resolutions", func(t *testing.T) {
		db := newTestDB(t)
		paused := makeOp("op-paused", "docs/a.txt", testEpoch)
		paused.Status = engine.StatusPaused
		queued := makeOp("op-queued", "docs/a.txt", testEpoch.Add(time.Second))
		resolution := makeOp("op-res", "docs/a.txt", testEpoch.Add(2*time.Second))
		resolution.ConflictID = "conf-1"
		mustEnqueue(t, db, paused, queued, resolution)

		ops, err := db.DequeueNextBatch(ctx, 10, testEpoch.Add(time.Minute))
		if err != nil {
			t.Fatalf("DequeueNextBatch() error = %v", err)
		}
		if len(ops) != 1 || ops[0].ID != "op-res" {
			t.Errorf("dequeued %v, want only the resolution operation", ids(ops))
		}
	})

	t.Run("a pending batch holds back later operations on its paths", func(t *testing.T) {
		db := newTestDB(t)
		payload, err := engine.EncodeBatch([]engine.SubOperation{
			{Kind: engine.KindCreate, Path: "docs/p.txt", Payload: []byte("from batch")},
			{Kind: engine.KindCreate, Path: "docs/q.txt", Payload: []byte("from batch")},
		})
		if err != nil {
			t.Fatalf("EncodeBatch() error = %v", err)
		}
		batch := &engine.Operation{
			ID:            "op-batch",
			Kind:          engine.KindBatch,
			Payload:       payload,
			SubmittedAt:   testEpoch,
			Status:        engine.StatusPending,
			NextAttemptAt: testEpoch,
		}
		single := makeOp("op-single", "docs/p.txt", testEpoch.Add(time.Second))
		mustEnqueue(t, db, batch, single)

		ops, err := db.DequeueNextBatch(ctx, 10, testEpoch.Add(time.Minute))
		if err != nil {
			t.Fatalf("DequeueNextBatch() error = %v", err)
		}
		if len(ops) != 1 || ops[0].ID != "op-batch" {
			t.Fatalf("dequeued %v, want only the batch", ids(ops))
		}

		// The single stays blocked while the batch executes.
		ops, err = db.DequeueNextBatch(ctx, 10, testEpoch.Add(time.Minute))
		if err != nil {
			t.Fatalf("DequeueNextBatch() error = %v", err)
		}
		if len(ops) != 0 {
			t.Fatalf("dequeued %v behind an executing batch, want none", ids(ops))
		}

		if err := db.CompleteOperation(ctx, batch, nil, nil, testEpoch.Add(2*time.Second), 1); err != nil {
			t.Fatalf("CompleteOperation() error = %v", err)
		}
		ops, err = db.DequeueNextBatch(ctx, 10, testEpoch.Add(time.Minute))
		if err != nil {
			t.Fatalf("DequeueNextBatch() error = %v", err)
		}
		if len(ops) != 1 || ops[0].ID != "op-single" {
			t.Errorf("dequeued %v after batch completion, want the single", ids(ops))
		}
	})

	t.Run("a pending move holds back its destination path", func(t *testing.T) {
		db := newTestDB(t)
		mv := makeOp("op-move", "docs/src.txt", testEpoch)
		mv.Kind = engine.KindMove
		mv.Payload = nil
		mv.DestPath = "docs/dst.txt"
		mv.NextAttemptAt = testEpoch.Add(time.Hour) // backing off
		later := makeOp("op-later", "docs/dst.txt", testEpoch.Add(time.Second))
		mustEnqueue(t, db, mv, later)

		ops, err := db.DequeueNextBatch(ctx, 10, testEpoch.Add(time.Minute))
		if err != nil {
			t.Fatalf("DequeueNextBatch() error = %v", err)
		}
		if len(ops) != 0 {
			t.Errorf("dequeued %v ahead of a move into the same path, want none", ids(ops))
		}
	})

	t.Run("breaks same-instant ties in enqueue order", func(t *testing.T) {
		db := newTestDB(t)
		mustEnqueue(t, db,
			makeOp("id-9", "docs/a.txt", testEpoch),
			makeOp("id-10", "docs/b.txt", testEpoch),
		)
		ops, err := db.DequeueNextBatch(ctx, 10, testEpoch.Add(time.Minute))
		if err != nil {
			t.Fatalf("DequeueNextBatch() error = %v", err)
		}
		if len(ops) != 2 || ops[0].ID != "id-9" || ops[1].ID != "id-10" {
			t.Fatalf("order = %v, want enqueue order", ids(ops))
		}

		// On a shared path the first enqueue runs first, not the
		// lexically smaller ID.
		mustEnqueue(t, db,
			makeOp("id-2", "docs/c.txt", testEpoch),
			makeOp("id-1", "docs/c.txt", testEpoch),
		)
		ops, err = db.DequeueNextBatch(ctx, 10, testEpoch.Add(time.Minute))
		if err != nil {
			t.Fatalf("DequeueNextBatch() error = %v", err)
		}
		if len(ops) != 1 || ops[0].ID != "id-2" {
			t.Errorf("dequeued %v on the shared path, want the first enqueue", ids(ops))
		}
	})

	t.Run("honors the batch limit", func(t *testing.T) {
		db := newTestDB(t)
		for i, p := range []string{"a", "b", "c", "d"} {
			mustEnqueue(t, db, makeOp("op-"+p, "docs/"+p+".txt", testEpoch.Add(time.Duration(i)*time.Second)))
		}
		ops, err := db.DequeueNextBatch(ctx, 2, testEpoch.Add(time.Minute))
		if err != nil {
			t.Fatalf("DequeueNextBatch() error = %v", err)
		}
		if len(ops) != 2 || ops[0].ID != "op-a" || ops[1].ID != "op-b" {
			t.Errorf("dequeued %v, want the two oldest", ids(ops))
		}
	})
}

func ids(ops []*engine.Operation) []string {
	var out []string
	for _, op := range ops {
		out = append(out, op.ID)
	}
	return out
}

func TestSQLiteDatabase_CompleteOperation(t *testing.T) {
	ctx := context.Background()

	t.Run("completes with metadata and log in one step", func(t *testing.T) {
		db := newTestDB(t)
		op := makeOp("op-1", "docs/a.txt", testEpoch)
		mustEnqueue(t, db, op)

		synced := testEpoch.Add(time.Second)
		meta := &engine.FileMetadata{
			Path:          "docs/a.txt",
			ContentHash:   "abc",
			Size:          3,
			ModifiedAt:    synced,
			LastSyncedAt:  &synced,
			ConflictState: engine.ConflictNone,
		}
		entry := &engine.SyncLogEntry{OpType: "update", Path: "docs/a.txt", Outcome: engine.OutcomeApplied, CreatedAt: synced}
		if err := db.CompleteOperation(ctx, op, []*engine.FileMetadata{meta}, entry, synced, 12); err != nil {
			t.Fatalf("CompleteOperation() error = %v", err)
		}

		got, _ := db.GetOperation(ctx, "op-1")
		if got.Status != engine.StatusCompleted || got.FinishedAt == nil || got.DurationMS != 12 {
			t.Errorf("operation after completion = %+v", got)
		}
		m, err := db.GetFileMetadata(ctx, "docs/a.txt")
		if err != nil || m == nil || m.ContentHash != "abc" || m.LastSyncedAt == nil {
			t.Errorf("metadata after completion = %+v, err %v", m, err)
		}
		entries, _ := db.ListSyncLog(ctx, 10)
		if len(entries) != 1 || entries[0].Outcome != engine.OutcomeApplied {
			t.Errorf("sync log after completion = %+v", entries)
		}
		if entry.ID == 0 {
			t.Error("sync log entry ID not assigned")
		}
	})

	t.Run("closing a conflict completes a paused single origin", func(t *testing.T) {
		db := newTestDB(t)
		origin := makeOp("op-origin", "docs/a.txt", testEpoch)
		origin.Status = engine.StatusPaused
		mustEnqueue(t, db, origin)
		mustCreateConflict(t, db, "conf-1", "docs/a.txt", "op-origin")

		res := makeOp("op-res", "docs/a.txt", testEpoch.Add(time.Second))
		res.ConflictID = "conf-1"
		mustEnqueue(t, db, res)

		if err := db.CompleteOperation(ctx, res, nil, nil, testEpoch.Add(2*time.Second), 5); err != nil {
			t.Fatalf("CompleteOperation() error = %v", err)
		}
		c, _ := db.GetConflict(ctx, "conf-1")
		if c.State != engine.ConflictResolved || c.ResolvedAt == nil || c.ResolutionOpID != "op-res" {
			t.Errorf("conflict after settlement = %+v", c)
		}
		o, _ := db.GetOperation(ctx, "op-origin")
		if o.Status != engine.StatusCompleted {
			t.Errorf("origin status = %q, want completed", o.Status)
		}
	})

	t.Run("closing a conflict requeues a paused batch origin", func(t *testing.T) {
		db := newTestDB(t)
		origin := makeOp("op-batch", "", testEpoch)
		origin.Kind = engine.KindBatch
		origin.Status = engine.StatusPaused
		origin.RetryCount = 1
		mustEnqueue(t, db, origin)
		mustCreateConflict(t, db, "conf-1", "docs/a.txt", "op-batch")

		res := makeOp("op-res", "docs/a.txt", testEpoch.Add(time.Second))
		res.ConflictID = "conf-1"
		mustEnqueue(t, db, res)

		now := testEpoch.Add(2 * time.Second)
		if err := db.CompleteOperation(ctx, res, nil, nil, now, 5); err != nil {
			t.Fatalf("CompleteOperation() error = %v", err)
		}
		o, _ := db.GetOperation(ctx, "op-batch")
		if o.Status != engine.StatusPending {
			t.Errorf("batch origin status = %q, want pending", o.Status)
		}
		if o.RetryCount != 2 {
			t.Errorf("batch origin retry count = %d, want advanced to 2", o.RetryCount)
		}
		if !o.NextAttemptAt.Equal(now) {
			t.Errorf("batch origin next attempt = %v, want %v", o.NextAttemptAt, now)
		}
	})
}

func mustCreateConflict(t *testing.T, db *SQLiteDatabase, id, path, opID string) {
	t.Helper()
	err := db.CreateConflict(context.Background(), &engine.Conflict{
		ID:          id,
		Path:        path,
		OperationID: opID,
		Local:       engine.Version{Content: []byte("local"), Hash: "lh", ModTime: testEpoch},
		Remote:      engine.Version{Content: []byte("remote"), Hash: "rh", ModTime: testEpoch},
		Strategy:    engine.StrategyUserChoice,
		State:       engine.ConflictUserChoice,
		DetectedAt:  testEpoch,
	})
	if err != nil {
		t.Fatalf("CreateConflict(%s) error = %v", id, err)
	}
}

func TestSQLiteDatabase_PauseForConflict(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	op := makeOp("op-1", "docs/a.txt", testEpoch)
	mustEnqueue(t, db, op)
	if _, err := db.DequeueNextBatch(ctx, 10, testEpoch); err != nil {
		t.Fatalf("DequeueNextBatch() error = %v", err)
	}

	c := &engine.Conflict{
		ID:          "conf-1",
		Path:        "docs/a.txt",
		OperationID: "op-1",
		Local:       engine.Version{Content: []byte("local"), Hash: "lh", ModTime: testEpoch},
		Remote:      engine.Version{Content: []byte("remote"), Hash: "rh", ModTime: testEpoch},
		Strategy:    engine.StrategyUserChoice,
		State:       engine.ConflictUserChoice,
		DetectedAt:  testEpoch,
	}
	meta := &engine.FileMetadata{Path: "docs/a.txt", ModifiedAt: testEpoch, ConflictState: engine.ConflictDetected}
	entry := &engine.SyncLogEntry{OpType: "update", Path: "docs/a.txt", Outcome: engine.OutcomeConflictDetected, CreatedAt: testEpoch}

	if err := db.PauseForConflict(ctx, op, c, meta, entry); err != nil {
		t.Fatalf("PauseForConflict() error = %v", err)
	}

	got, _ := db.GetOperation(ctx, "op-1")
	if got.Status != engine.StatusPaused {
		t.Errorf("operation status = %q, want paused", got.Status)
	}
	stored, _ := db.GetConflict(ctx, "conf-1")
	if stored == nil || stored.State != engine.ConflictUserChoice {
		t.Errorf("stored conflict = %+v", stored)
	}
	if stored.Base != nil {
		t.Error("conflict base = non-nil, want nil when no base was recorded")
	}
	m, _ := db.GetFileMetadata(ctx, "docs/a.txt")
	if m == nil || m.ConflictState != engine.ConflictDetected {
		t.Errorf("metadata = %+v", m)
	}
}

func TestSQLiteDatabase_ReclaimStale(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	mustEnqueue(t, db, makeOp("op-1", "docs/a.txt", testEpoch))
	if _, err := db.DequeueNextBatch(ctx, 10, testEpoch); err != nil {
		t.Fatalf("DequeueNextBatch() error = %v", err)
	}

	// Started at testEpoch; a cutoff before that leaves it alone.
	n, err := db.ReclaimStale(ctx, testEpoch.Add(-time.Minute), testEpoch.Add(time.Minute))
	if err != nil {
		t.Fatalf("ReclaimStale() error = %v", err)
	}
	if n != 0 {
		t.Errorf("ReclaimStale() = %d before staleness, want 0", n)
	}

	now := testEpoch.Add(10 * time.Minute)
	n, err = db.ReclaimStale(ctx, testEpoch.Add(5*time.Minute), now)
	if err != nil {
		t.Fatalf("ReclaimStale() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("ReclaimStale() = %d, want 1", n)
	}
	op, _ := db.GetOperation(ctx, "op-1")
	if op.Status != engine.StatusPending || op.RetryCount != 1 {
		t.Errorf("reclaimed operation = %q/%d, want pending with one charged retry", op.Status, op.RetryCount)
	}
}

func TestSQLiteDatabase_CountOperationsByStatus(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	mustEnqueue(t, db,
		makeOp("op-1", "docs/a.txt", testEpoch),
		makeOp("op-2", "docs/b.txt", testEpoch),
	)
	failed := makeOp("op-3", "docs/c.txt", testEpoch)
	failed.Status = engine.StatusFailed
	mustEnqueue(t, db, failed)

	counts, err := db.CountOperationsByStatus(ctx)
	if err != nil {
		t.Fatalf("CountOperationsByStatus() error = %v", err)
	}
	if counts[engine.StatusPending] != 2 || counts[engine.StatusFailed] != 1 {
		t.Errorf("counts = %v, want 2 pending and 1 failed", counts)
	}
}

func TestSQLiteDatabase_FileMetadata(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	missing, err := db.GetFileMetadata(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("GetFileMetadata(missing) = %v, %v; want nil, nil", missing, err)
	}

	synced := testEpoch
	meta := &engine.FileMetadata{
		Path:          "docs/a.txt",
		ContentHash:   "h1",
		Size:          5,
		ModifiedAt:    testEpoch,
		LastSyncedAt:  &synced,
		ConflictState: engine.ConflictNone,
		BackupPath:    "sha256/h0",
	}
	if err := db.UpsertFileMetadata(ctx, meta); err != nil {
		t.Fatalf("UpsertFileMetadata() error = %v", err)
	}

	meta.ContentHash = "h2"
	meta.Size = 7
	if err := db.UpsertFileMetadata(ctx, meta); err != nil {
		t.Fatalf("second UpsertFileMetadata() error = %v", err)
	}
	got, _ := db.GetFileMetadata(ctx, "docs/a.txt")
	if got.ContentHash != "h2" || got.Size != 7 || got.BackupPath != "sha256/h0" {
		t.Errorf("metadata after upsert = %+v", got)
	}

	if err := db.MarkTombstone(ctx, "docs/a.txt", testEpoch.Add(time.Hour)); err != nil {
		t.Fatalf("MarkTombstone() error = %v", err)
	}
	got, _ = db.GetFileMetadata(ctx, "docs/a.txt")
	if !got.Tombstone || got.ContentHash != "" || got.Size != 0 {
		t.Errorf("metadata after tombstone = %+v", got)
	}
}

func TestSQLiteDatabase_Conflicts(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	base := &engine.Version{Content: []byte("base"), Hash: "bh", ModTime: testEpoch}
	c := &engine.Conflict{
		ID:          "conf-1",
		Path:        "docs/a.txt",
		OperationID: "op-1",
		Local:       engine.Version{Content: []byte("local"), Hash: "lh", ModTime: testEpoch.Add(time.Second)},
		Remote:      engine.Version{Content: []byte("remote"), Hash: "rh", ModTime: testEpoch.Add(2 * time.Second)},
		Base:        base,
		Strategy:    engine.StrategyThreeWayMerge,
		State:       engine.ConflictUserChoice,
		DetectedAt:  testEpoch,
	}
	if err := db.CreateConflict(ctx, c); err != nil {
		t.Fatalf("CreateConflict() error = %v", err)
	}

	got, err := db.GetConflict(ctx, "conf-1")
	if err != nil {
		t.Fatalf("GetConflict() error = %v", err)
	}
	if got.Base == nil || string(got.Base.Content) != "base" || got.Base.Hash != "bh" {
		t.Errorf("base version = %+v, want stored base", got.Base)
	}
	if got.Strategy != engine.StrategyThreeWayMerge || string(got.Local.Content) != "local" {
		t.Errorf("conflict round trip = %+v", got)
	}

	if err := db.SetConflictState(ctx, "conf-1", engine.ConflictResolving, "op-res", testEpoch); err != nil {
		t.Fatalf("SetConflictState(resolving) error = %v", err)
	}
	got, _ = db.GetConflict(ctx, "conf-1")
	if got.State != engine.ConflictResolving || got.ResolutionOpID != "op-res" || got.ResolvedAt != nil {
		t.Errorf("conflict after resolving = %+v", got)
	}

	open, err := db.ListOpenConflicts(ctx)
	if err != nil {
		t.Fatalf("ListOpenConflicts() error = %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("open conflicts = %d, want 1", len(open))
	}

	if err := db.SetConflictState(ctx, "conf-1", engine.ConflictResolved, "op-res", testEpoch.Add(time.Minute)); err != nil {
		t.Fatalf("SetConflictState(resolved) error = %v", err)
	}
	got, _ = db.GetConflict(ctx, "conf-1")
	if got.State != engine.ConflictResolved || got.ResolvedAt == nil {
		t.Errorf("conflict after resolution = %+v", got)
	}
	open, _ = db.ListOpenConflicts(ctx)
	if len(open) != 0 {
		t.Errorf("open conflicts = %d after resolution, want 0", len(open))
	}

	if err := db.SetConflictState(ctx, "missing", engine.ConflictResolved, "", testEpoch); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("SetConflictState(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteDatabase_Backups(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	record := func(id, path, hash string, at time.Time) {
		t.Helper()
		err := db.RecordBackup(ctx, &engine.Backup{
			ID: id, Path: path, BackupPath: "sha256/" + hash, ContentHash: hash,
			Size: 4, Reason: engine.ReasonPreOverwrite, CreatedAt: at,
		})
		if err != nil {
			t.Fatalf("RecordBackup(%s) error = %v", id, err)
		}
	}
	record("b1", "docs/a.txt", "h1", testEpoch)
	record("b2", "docs/a.txt", "h2", testEpoch.Add(time.Hour))
	record("b3", "docs/b.txt", "h1", testEpoch.Add(2*time.Hour))

	forA, err := db.ListBackups(ctx, "docs/a.txt")
	if err != nil {
		t.Fatalf("ListBackups() error = %v", err)
	}
	if len(forA) != 2 || forA[0].ID != "b2" || forA[1].ID != "b1" {
		t.Errorf("backups for docs/a.txt = %+v, want newest first", forA)
	}
	all, _ := db.ListBackups(ctx, "")
	if len(all) != 3 {
		t.Errorf("all backups = %d, want 3", len(all))
	}

	if n, _ := db.CountBackupRefs(ctx, "h1"); n != 2 {
		t.Errorf("refs for h1 = %d, want 2", n)
	}
	if err := db.DeleteBackup(ctx, "b1"); err != nil {
		t.Fatalf("DeleteBackup() error = %v", err)
	}
	if n, _ := db.CountBackupRefs(ctx, "h1"); n != 1 {
		t.Errorf("refs for h1 after delete = %d, want 1", n)
	}
	if n, _ := db.CountBackupRefs(ctx, "h9"); n != 0 {
		t.Errorf("refs for unknown hash = %d, want 0", n)
	}
}

func TestSQLiteDatabase_BackupTo(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	mustEnqueue(t, db, makeOp("op-1", "docs/a.txt", testEpoch))

	dest := t.TempDir() + "/copy.db"
	if err := db.BackupTo(dest); err != nil {
		t.Fatalf("BackupTo() error = %v", err)
	}

	copyDB, err := NewSQLiteDatabase(dest)
	if err != nil {
		t.Fatalf("opening copied database error = %v", err)
	}
	defer copyDB.Close()
	op, err := copyDB.GetOperation(ctx, "op-1")
	if err != nil || op == nil {
		t.Errorf("copied database GetOperation() = %v, %v; want the enqueued operation", op, err)
	}
}
