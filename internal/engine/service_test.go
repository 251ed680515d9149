package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"docsync/internal/engine"
)

func TestValidatePath(t *testing.T) {
	valid := []string{"a.txt", "docs/a.txt", "deep/nested/dir/file.md", "no-extension"}
	for _, p := range valid {
		if err := engine.ValidatePath(p); err != nil {
			t.Errorf("ValidatePath(%q) = %v, want nil", p, err)
		}
	}

	invalid := []string{
		"",
		"/etc/passwd",
		"../escape.txt",
		"docs/../../escape.txt",
		"docs//double.txt",
		"docs/./self.txt",
		"docs\\win.txt",
		".",
		"..",
		"trailing/",
		string([]byte{0xff, 0xfe}),
	}
	for _, p := range invalid {
		if err := engine.ValidatePath(p); err == nil {
			t.Errorf("ValidatePath(%q) = nil, want error", p)
		}
	}
}

func TestService_Submit(t *testing.T) {
	ctx := context.Background()

	t.Run("persists the operation before returning", func(t *testing.T) {
		env := newTestEnv(t, engine.StrategyUserChoice)
		id := env.submit(t, engine.SubmitRequest{Kind: engine.KindCreate, Path: "docs/a.txt", Content: []byte("x")})

		op := env.op(t, id)
		if op.Status != engine.StatusPending {
			t.Errorf("status = %q, want pending before any execution", op.Status)
		}
		if op.SubmittedAt.IsZero() || op.NextAttemptAt.IsZero() {
			t.Error("submission timestamps not set")
		}
		if _, ok := env.doc(t, "docs/a.txt"); ok {
			t.Error("submit touched the store; execution is decoupled")
		}
	})

	t.Run("rejects invalid requests without enqueueing", func(t *testing.T) {
		env := newTestEnv(t, engine.StrategyUserChoice)
		reqs := []engine.SubmitRequest{
			{Kind: "bogus", Path: "a.txt"},
			{Kind: engine.KindCreate, Path: "a.txt"},                                          // no content
			{Kind: engine.KindCreate, Path: "/abs.txt", Content: []byte("x")},                 // bad path
			{Kind: engine.KindCreate, Path: "a.txt", Content: []byte("x"), DestPath: "b.txt"}, // stray dest
			{Kind: engine.KindDelete, Path: "a.txt", Content: []byte("x")},                    // content on delete
			{Kind: engine.KindMove, Path: "a.txt", DestPath: "a.txt"},                         // same source and dest
			{Kind: engine.KindMove, Path: "a.txt", Content: []byte("x"), DestPath: "b.txt"},   // content on move
			{Kind: engine.KindMove, Path: "a.txt"},                                            // missing dest
			{Kind: engine.KindBatch},                                                          // empty batch
			{Kind: engine.KindBatch, Batch: []engine.SubOperation{{Kind: engine.KindBatch}}},  // nested batch
			{Kind: engine.KindBatch, Batch: []engine.SubOperation{{Kind: engine.KindCreate, Path: "a.txt"}}},
		}
		for _, req := range reqs {
			if _, err := env.svc.Submit(ctx, req); err == nil {
				t.Errorf("Submit(%+v) succeeded, want validation error", req)
			}
		}
		status, err := env.svc.ListSyncStatus(ctx)
		if err != nil {
			t.Fatalf("ListSyncStatus() error = %v", err)
		}
		if status.Pending != 0 {
			t.Errorf("pending = %d after rejected submissions, want 0", status.Pending)
		}
	})
}

func TestService_GetStatus(t *testing.T) {
	env := newTestEnv(t, engine.StrategyUserChoice)
	if _, err := env.svc.GetStatus(context.Background(), "missing"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("GetStatus(missing) error = %v, want ErrNotFound", err)
	}
}

func TestService_Cancel(t *testing.T) {
	ctx := context.Background()

	t.Run("withdraws a pending operation", func(t *testing.T) {
		env := newTestEnv(t, engine.StrategyUserChoice)
		id := env.submit(t, engine.SubmitRequest{Kind: engine.KindCreate, Path: "docs/a.txt", Content: []byte("x")})
		if err := env.svc.Cancel(ctx, id); err != nil {
			t.Fatalf("Cancel() error = %v", err)
		}
		if op := env.op(t, id); op.Status != engine.StatusFailed {
			t.Errorf("status = %q after cancel, want failed", op.Status)
		}
		if n := env.drain(t); n != 0 {
			t.Errorf("drained %d cancelled operations, want 0", n)
		}
	})

	t.Run("rejects cancelling a finished operation", func(t *testing.T) {
		env := newTestEnv(t, engine.StrategyUserChoice)
		id := env.submit(t, engine.SubmitRequest{Kind: engine.KindCreate, Path: "docs/a.txt", Content: []byte("x")})
		env.drain(t)
		if err := env.svc.Cancel(ctx, id); err == nil {
			t.Error("Cancel() on a completed operation succeeded, want error")
		}
	})

	t.Run("rejects an unknown id", func(t *testing.T) {
		env := newTestEnv(t, engine.StrategyUserChoice)
		if err := env.svc.Cancel(ctx, "missing"); !errors.Is(err, engine.ErrNotFound) {
			t.Errorf("Cancel(missing) error = %v, want ErrNotFound", err)
		}
	})
}

func TestService_ListSyncStatus(t *testing.T) {
	env := newTestEnv(t, engine.StrategyUserChoice)
	ctx := context.Background()

	env.submit(t, engine.SubmitRequest{Kind: engine.KindCreate, Path: "docs/a.txt", Content: []byte("a")})
	env.drain(t)
	env.submit(t, engine.SubmitRequest{Kind: engine.KindCreate, Path: "docs/b.txt", Content: []byte("b")})

	status, err := env.svc.ListSyncStatus(ctx)
	if err != nil {
		t.Fatalf("ListSyncStatus() error = %v", err)
	}
	if status.Completed != 1 || status.Pending != 1 {
		t.Errorf("status = %d completed / %d pending, want 1/1", status.Completed, status.Pending)
	}
	if len(status.Conflicts) != 0 {
		t.Errorf("conflicts = %d, want 0", len(status.Conflicts))
	}
}

func TestService_History(t *testing.T) {
	env := newTestEnv(t, engine.StrategyUserChoice)
	ctx := context.Background()

	for _, p := range []string{"docs/a.txt", "docs/b.txt", "docs/c.txt"} {
		env.submit(t, engine.SubmitRequest{Kind: engine.KindCreate, Path: p, Content: []byte(p)})
	}
	env.drain(t)

	entries, err := env.svc.History(ctx, 2)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("History(2) returned %d entries, want 2", len(entries))
	}
	// Newest first.
	if entries[0].ID < entries[1].ID {
		t.Errorf("history order = %d before %d, want newest first", entries[0].ID, entries[1].ID)
	}
}

func TestService_ResolveConflict_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown conflict", func(t *testing.T) {
		env := newTestEnv(t, engine.StrategyUserChoice)
		if _, err := env.svc.ResolveConflict(ctx, "missing", []byte("x")); !errors.Is(err, engine.ErrNotFound) {
			t.Errorf("ResolveConflict(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("already resolved conflict", func(t *testing.T) {
		env := newTestEnv(t, engine.StrategyUserChoice)
		env.submit(t, engine.SubmitRequest{Kind: engine.KindCreate, Path: "docs/a.txt", Content: []byte("agreed")})
		env.drain(t)
		env.docs.Seed("docs/a.txt", []byte("external"), env.clock.Now())
		env.submit(t, engine.SubmitRequest{Kind: engine.KindUpdate, Path: "docs/a.txt", Content: []byte("mine")})
		env.drain(t)

		c := env.openConflict(t)
		if _, err := env.svc.ResolveConflict(ctx, c.ID, []byte("chosen")); err != nil {
			t.Fatalf("ResolveConflict() error = %v", err)
		}
		env.drain(t)
		if _, err := env.svc.ResolveConflict(ctx, c.ID, []byte("again")); err == nil {
			t.Error("ResolveConflict() on a resolved conflict succeeded, want error")
		}
	})

	t.Run("nil choice deletes the path", func(t *testing.T) {
		env := newTestEnv(t, engine.StrategyUserChoice)
		env.submit(t, engine.SubmitRequest{Kind: engine.KindCreate, Path: "docs/a.txt", Content: []byte("agreed")})
		env.drain(t)
		env.docs.Seed("docs/a.txt", []byte("external"), env.clock.Now())
		env.submit(t, engine.SubmitRequest{Kind: engine.KindUpdate, Path: "docs/a.txt", Content: []byte("mine")})
		env.drain(t)

		c := env.openConflict(t)
		if _, err := env.svc.ResolveConflict(ctx, c.ID, nil); err != nil {
			t.Fatalf("ResolveConflict() error = %v", err)
		}
		env.drain(t)
		if _, ok := env.doc(t, "docs/a.txt"); ok {
			t.Error("path still present after resolving with deletion")
		}
		meta, err := env.svc.FileStatus(ctx, "docs/a.txt")
		if err != nil {
			t.Fatalf("FileStatus() error = %v", err)
		}
		if !meta.Tombstone {
			t.Error("metadata not tombstoned after deletion resolution")
		}
	})
}

func TestService_PruneOperations(t *testing.T) {
	env := newTestEnv(t, engine.StrategyUserChoice)
	ctx := context.Background()

	old := env.submit(t, engine.SubmitRequest{Kind: engine.KindCreate, Path: "docs/old.txt", Content: []byte("old")})
	env.drain(t)
	env.clock.Advance(48 * time.Hour)
	recent := env.submit(t, engine.SubmitRequest{Kind: engine.KindCreate, Path: "docs/new.txt", Content: []byte("new")})
	env.drain(t)

	n, err := env.svc.PruneOperations(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("PruneOperations() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("PruneOperations() = %d, want 1", n)
	}
	if _, err := env.svc.GetStatus(ctx, old); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("pruned operation still present, err = %v", err)
	}
	if op := env.op(t, recent); op.Status != engine.StatusCompleted {
		t.Errorf("recent operation status = %q, want untouched", op.Status)
	}
}
