// Package watch turns local filesystem edits into queued sync operations.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"docsync/internal/engine"
)

// Submitter accepts operations for asynchronous execution.
type Submitter interface {
	Submit(ctx context.Context, req engine.SubmitRequest) (string, error)
}

// Watcher monitors a document tree and submits an update operation for each
// settled file change and a delete operation for each removal. Changes are
// debounced per path so editors that write in bursts produce one operation.
type Watcher struct {
	root     string
	submit   Submitter
	debounce time.Duration
	logger   engine.Logger

	mu      sync.Mutex
	pending map[string]time.Time // relative path -> last event time
}

// New creates a watcher over the document tree rooted at root.
func New(root string, submitter Submitter, debounce time.Duration, logger engine.Logger) (*Watcher, error) {
	if root == "" {
		return nil, errors.New("watch root is required")
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = engine.NewNopLogger()
	}
	return &Watcher{
		root:     root,
		submit:   submitter,
		debounce: debounce,
		logger:   logger,
		pending:  make(map[string]time.Time),
	}, nil
}

// Run watches the tree until ctx is cancelled. Returns ctx.Err() on shutdown.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating filesystem watcher: %w", err)
	}
	defer fsw.Close()

	if err := w.addTree(fsw, w.root); err != nil {
		return err
	}
	w.logger.Info("watching for changes", "root", w.root, "debounce", w.debounce.String())

	flushTick := time.NewTicker(w.debounce / 2)
	defer flushTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(fsw, event)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("filesystem watcher error", "error", err)

		case <-flushTick.C:
			w.flushSettled(ctx)
		}
	}
}

// addTree watches dir and every directory below it.
func (w *Watcher) addTree(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walking %s: %w", p, err)
		}
		if !d.IsDir() {
			return nil
		}
		if err := fsw.Add(p); err != nil {
			return fmt.Errorf("watching %s: %w", p, err)
		}
		return nil
	})
}

func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, event fsnotify.Event) {
	rel, ok := w.relPath(event.Name)
	if !ok {
		return
	}

	// New directories must be added before files appear inside them.
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(fsw, event.Name); err != nil {
				w.logger.Warn("cannot watch new directory", "path", rel, "error", err)
			}
			return
		}
	}

	if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write) ||
		event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename) {
		w.mu.Lock()
		w.pending[rel] = time.Now()
		w.mu.Unlock()
	}
}

// relPath maps an absolute event path to the engine path, dropping anything
// the engine would reject and editor or engine scratch files.
func (w *Watcher) relPath(abs string) (string, bool) {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return "", false
	}
	p := filepath.ToSlash(rel)
	if strings.HasPrefix(filepath.Base(p), ".") {
		return "", false
	}
	if err := engine.ValidatePath(p); err != nil {
		return "", false
	}
	return p, true
}

// flushSettled submits an operation for every pending path whose last event
// is older than the debounce window.
func (w *Watcher) flushSettled(ctx context.Context) {
	now := time.Now()

	w.mu.Lock()
	var ready []string
	for p, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			ready = append(ready, p)
			delete(w.pending, p)
		}
	}
	w.mu.Unlock()

	for _, p := range ready {
		w.submitPath(ctx, p)
	}
}

func (w *Watcher) submitPath(ctx context.Context, p string) {
	abs := filepath.Join(w.root, filepath.FromSlash(p))
	content, err := os.ReadFile(abs)
	switch {
	case err == nil:
		id, serr := w.submit.Submit(ctx, engine.SubmitRequest{
			Kind:    engine.KindUpdate,
			Path:    p,
			Content: content,
		})
		if serr != nil {
			w.logger.Error("submitting watched update", "path", p, "error", serr)
			return
		}
		w.logger.Debug("watched change submitted", "path", p, "op_id", id)
	case os.IsNotExist(err):
		id, serr := w.submit.Submit(ctx, engine.SubmitRequest{
			Kind: engine.KindDelete,
			Path: p,
		})
		if serr != nil {
			w.logger.Error("submitting watched delete", "path", p, "error", serr)
			return
		}
		w.logger.Debug("watched removal submitted", "path", p, "op_id", id)
	default:
		w.logger.Warn("cannot read watched file", "path", p, "error", err)
	}
}
