// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Copyright (c) 2024 Matthew Penner

package filestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/matthewpi/ocspresponder/internal/sets"
	"github.com/matthewpi/ocspresponder/internal/wait"
)

// WatcherOptions controls options for a [Watcher]. Changes to WatcherOptions
// are ignored after being provided to a [Watcher].
type WatcherOptions struct {
	// Debounce is the duration to wait before triggering a reload, it's purpose
	// is to ensure that if multiple watched files are updated during it's
	// duration, that multiple full reloads are not triggered.
	Debounce time.Duration

	// Logger to use for the [Watcher] instance.
	Logger *slog.Logger
}

// Watcher watches the files of a [Store] for changes and reloads the store
// when they do. This allows revoking certificates or rotating the responder
// key without restarting.
type Watcher struct {
	store    *Store
	debounce *debouncer

	// mx guards paths.
	mx    sync.Mutex
	paths []string

	fsWatcher *fsnotify.Watcher

	logger *slog.Logger

	// reloaded, when set, is called after every reload attempt.
	reloaded func(error)
}

// NewWatcher creates a new [Watcher] for store and starts watching its files.
//
// Run Watcher.Start() to actually react to changes.
func NewWatcher(ctx context.Context, store *Store, options WatcherOptions) (*Watcher, error) {
	d := options.Debounce
	if d < 10*time.Millisecond {
		d = 100 * time.Millisecond
	}
	w := &Watcher{
		store:    store,
		debounce: newDebouncer(d),
		logger:   options.Logger,
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}

	var err error
	w.fsWatcher, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("filestore: failed to create fswatcher: %w", err)
	}
	if err := w.configureFsWatcher(ctx, store.Paths()); err != nil {
		_ = w.fsWatcher.Close()
		return nil, err
	}
	return w, nil
}

// configureFsWatcher configures the fswatcher to watch the given paths. Paths
// that are no longer needed stop being watched.
func (w *Watcher) configureFsWatcher(ctx context.Context, paths []string) error {
	w.mx.Lock()
	defer w.mx.Unlock()

	want := sets.New(paths...)
	have := sets.New(w.paths...)

	var stale, fresh []string
	for _, p := range have.UnsortedList() {
		if !want.Has(p) {
			stale = append(stale, p)
		}
	}
	for _, p := range want.UnsortedList() {
		if !have.Has(p) {
			fresh = append(fresh, p)
		}
	}
	if len(stale) < 1 && len(fresh) < 1 {
		return nil
	}

	if len(stale) > 0 {
		if err := w.remove(ctx, stale...); err != nil {
			w.logger.LogAttrs(ctx, slog.LevelWarn, "failed to stop watching files", slog.Any("err", err))
		}
	}
	if err := w.add(ctx, fresh...); err != nil {
		return err
	}

	w.paths = slices.Clone(paths)
	w.logger.LogAttrs(ctx, slog.LevelDebug, "watching database files", slog.Any("paths", paths))
	return nil
}

// add attempts to add paths to the fsnotify watcher in a consistent way.
func (w *Watcher) add(ctx context.Context, paths ...string) error {
	return w.forPaths(ctx, w.fsWatcher.Add, paths...)
}

// remove attempts to remove paths to the fsnotify watcher in a consistent way.
func (w *Watcher) remove(ctx context.Context, paths ...string) error {
	return w.forPaths(ctx, w.fsWatcher.Remove, paths...)
}

// forPaths is used to consistently do actions with paths and the watcher.
//
// Paths may be in the middle of being replaced, so the action is retried for
// every path it failed for until a timeout is reached.
func (w *Watcher) forPaths(ctx context.Context, fn func(string) error, paths ...string) error {
	set := sets.New(paths...)
	var watchErr error
	err := wait.PollUntilContextTimeout(
		ctx,
		1*time.Second,
		10*time.Second,
		true,
		func(_ context.Context) (done bool, err error) {
			for _, f := range set.UnsortedList() {
				if err := fn(f); err != nil {
					watchErr = err
					// We want to keep trying, so don't return the error.
					return false, nil //nolint:nilerr
				}
				set.Delete(f)
			}
			return true, nil
		},
	)
	if err != nil {
		return errors.Join(err, watchErr)
	}
	return nil
}

// Start starts listening for fsnotify events and reloads the store when
// necessary. It blocks until ctx is canceled.
func (w *Watcher) Start(ctx context.Context) {
	// Close the filesystem watcher whenever the context is canceled.
	defer w.fsWatcher.Close()
	defer w.debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.LogAttrs(ctx, slog.LevelError, "an error occurred while watching files", slog.Any("err", err))
		}
	}
}

// handleEvent handles incoming fsnotify events to detect when the store needs
// to be reloaded.
func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	// Filter operations that may modify the file's content.
	switch {
	case event.Op.Has(fsnotify.Create):
	case event.Op.Has(fsnotify.Write):
	case event.Op.Has(fsnotify.Remove):
	case event.Op.Has(fsnotify.Rename):
	default:
		return
	}

	// Files replaced by editors or by kubernetes secret updates are removed
	// first, watch the new file.
	if event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename) {
		if err := w.fsWatcher.Add(event.Name); err != nil {
			w.logger.LogAttrs(ctx, slog.LevelError, "failed to re-watch file", slog.String("path", event.Name), slog.Any("err", err))
		}
	}

	w.debounce.Do(func() {
		w.reload(ctx)
	})
}

func (w *Watcher) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	w.logger.LogAttrs(ctx, slog.LevelInfo, "reloading database...", slog.String("path", w.store.Path()))
	err := w.store.Reload(ctx)
	if err != nil {
		w.logger.LogAttrs(ctx, slog.LevelError, "failed to reload database", slog.Any("err", err))
	} else if err = w.configureFsWatcher(ctx, w.store.Paths()); err != nil {
		w.logger.LogAttrs(ctx, slog.LevelError, "failed to watch database files", slog.Any("err", err))
	}
	if w.reloaded != nil {
		w.reloaded(err)
	}
}
