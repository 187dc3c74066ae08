// Package dataset owns the single persisted dataset file and serializes
// every access to it.
//
// All mutations, consistent reads and backups pass through
// [Writer.WithExclusiveAccess]. The gate is a weighted semaphore of size
// one: waiting is cancellable through the context and waiters are admitted
// in arrival order. Nothing else in the process may open the file directly.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrHandleClosed is returned by Handle methods used after their
// WithExclusiveAccess call returned.
var ErrHandleClosed = errors.New("dataset: handle used outside exclusive access")

// Writer is the serialization point for the dataset at Path.
type Writer struct {
	path   string
	gate   *semaphore.Weighted
	logger *slog.Logger
}

// New creates a Writer for the dataset file at path. The file need not exist.
func New(path string, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		path:   path,
		gate:   semaphore.NewWeighted(1),
		logger: logger,
	}
}

// Path returns the dataset file path.
func (w *Writer) Path() string {
	return w.path
}

// WithExclusiveAccess waits for the gate, runs fn with a handle to the
// dataset, and releases the gate when fn returns, fails or panics.
//
// If ctx is done before the gate is obtained, fn does not run and the
// context error is returned. Once fn has started it runs to completion;
// keep it short, and make it safe to apply partially or write through
// Handle.WriteFile which replaces the file atomically.
func (w *Writer) WithExclusiveAccess(ctx context.Context, fn func(h *Handle) error) error {
	start := time.Now()
	if err := w.gate.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("dataset: wait for gate: %w", err)
	}
	h := &Handle{path: w.path}
	defer func() {
		h.closed.Store(true)
		w.gate.Release(1)
	}()

	if waited := time.Since(start); waited > 100*time.Millisecond {
		w.logger.Debug("dataset gate contended", "path", w.path, "waited", waited)
	}
	return fn(h)
}

// Read is WithExclusiveAccess for callers that only need a consistent
// view of the dataset. Reads share the one gate with writes; there is no
// reader/writer split.
func (w *Writer) Read(ctx context.Context, fn func(h *Handle) error) error {
	return w.WithExclusiveAccess(ctx, fn)
}
