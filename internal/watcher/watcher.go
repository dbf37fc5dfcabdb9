// Package watcher implements the Watcher (spec §4.8): it consumes
// filesystem events for the media root and turns them into Ingest/Remove
// jobs, resolving each path's owning user via the Media Store's
// longest-prefix match, in the teacher's own fsnotify-driven style
// (see the djryanj-media-viewer pack member's internal/indexer).
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/facette/natsort"
	"github.com/fsnotify/fsnotify"

	"github.com/camden-git/photopipeline/internal/config"
	"github.com/camden-git/photopipeline/internal/jobqueue"
	"github.com/camden-git/photopipeline/internal/logging"
	"github.com/camden-git/photopipeline/internal/mediastore"
	"github.com/camden-git/photopipeline/models"
)

// Watcher turns media_root filesystem events into queue jobs.
type Watcher struct {
	settings config.Settings
	store    *mediastore.Store
	queue    *jobqueue.Queue
	fsw      *fsnotify.Watcher
	stop     chan struct{}
}

// New creates the underlying fsnotify watcher but does not start walking
// or consuming events yet; call Start for that.
func New(settings config.Settings, store *mediastore.Store, queue *jobqueue.Queue) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: creating fsnotify watcher: %w", err)
	}
	return &Watcher{settings: settings, store: store, queue: queue, fsw: fsw, stop: make(chan struct{})}, nil
}

// Start walks media_root adding every directory to the watch set, then
// processes events until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	count := w.addDirsRecursive(w.settings.MediaRoot)
	logging.L.Info().Str("media_root", w.settings.MediaRoot).Int("directories", count).Msg("watcher: started")

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			logging.L.Warn().Err(err).Msg("watcher: fsnotify error")
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		}
	}
}

// Stop halts event processing and closes the underlying fsnotify watcher.
func (w *Watcher) Stop() {
	close(w.stop)
	if err := w.fsw.Close(); err != nil {
		logging.L.Warn().Err(err).Msg("watcher: closing fsnotify watcher")
	}
}

func (w *Watcher) addDirsRecursive(root string) int {
	count := 0
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if addErr := w.fsw.Add(path); addErr != nil {
			logging.L.Warn().Str("path", path).Err(addErr).Msg("watcher: failed to watch directory")
			return nil
		}
		count++
		return nil
	})
	if err != nil {
		logging.L.Warn().Str("root", root).Err(err).Msg("watcher: walking media root")
	}
	return count
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	switch {
	case event.Op&fsnotify.Create != 0:
		w.handleCreate(ctx, event.Name)
	case event.Op&fsnotify.Remove != 0, event.Op&fsnotify.Rename != 0:
		w.handleRemove(ctx, event.Name)
	}
}

// handleCreate enqueues Ingest for a new file, or watches and walks a new
// directory, enqueueing Ingest for every file it contains in natural
// filename order.
func (w *Watcher) handleCreate(ctx context.Context, absPath string) {
	info, err := os.Stat(absPath)
	if err != nil {
		// The path may already be gone by the time we stat it (rapid
		// create+delete); nothing to do.
		return
	}
	if info.IsDir() {
		if addErr := w.fsw.Add(absPath); addErr != nil {
			logging.L.Warn().Str("path", absPath).Err(addErr).Msg("watcher: failed to watch new directory")
		}
		w.walkAndEnqueue(ctx, absPath)
		return
	}
	w.enqueueIngestForPath(ctx, absPath)
}

func (w *Watcher) walkAndEnqueue(ctx context.Context, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logging.L.Warn().Str("path", dir).Err(err).Msg("watcher: reading new directory")
		return
	}
	sort.Slice(entries, func(i, j int) bool {
		return natsort.Compare(entries[i].Name(), entries[j].Name())
	})
	for _, entry := range entries {
		full := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			if addErr := w.fsw.Add(full); addErr != nil {
				logging.L.Warn().Str("path", full).Err(addErr).Msg("watcher: failed to watch nested directory")
			}
			w.walkAndEnqueue(ctx, full)
			continue
		}
		w.enqueueIngestForPath(ctx, full)
	}
}

func (w *Watcher) enqueueIngestForPath(ctx context.Context, absPath string) {
	relativePath, ok := w.relativePath(absPath)
	if !ok || !w.settings.IsMediaFile(relativePath) {
		return
	}
	user, err := w.store.FindUserByRelativePath(ctx, relativePath)
	if err != nil {
		logging.L.Warn().Str("path", relativePath).Err(err).Msg("watcher: resolving owning user")
		return
	}
	if user == nil {
		logging.L.Debug().Str("path", relativePath).Msg("watcher: no owning user for path, ignoring")
		return
	}
	if err := w.queue.EnqueueFullIngest(ctx, relativePath, user.ID); err != nil {
		logging.L.Warn().Str("path", relativePath).Err(err).Msg("watcher: enqueueing ingest")
	}
}

// handleRemove enqueues Remove for a single known file, or — when the
// path doesn't match any known media item — treats it as a directory
// removal and enqueues Remove for every item that was under it.
func (w *Watcher) handleRemove(ctx context.Context, absPath string) {
	relativePath, ok := w.relativePath(absPath)
	if !ok {
		return
	}

	if _, found, err := w.store.FindIDByRelativePath(ctx, relativePath); err != nil {
		logging.L.Warn().Str("path", relativePath).Err(err).Msg("watcher: resolving removed path")
		return
	} else if found {
		w.enqueueRemove(ctx, relativePath)
		return
	}

	paths, err := w.store.ListRelativePathsUnder(ctx, relativePath)
	if err != nil {
		logging.L.Warn().Str("path", relativePath).Err(err).Msg("watcher: listing items under removed directory")
		return
	}
	for _, p := range paths {
		w.enqueueRemove(ctx, p)
	}
}

func (w *Watcher) enqueueRemove(ctx context.Context, relativePath string) {
	path := relativePath
	if _, err := w.queue.Enqueue(ctx, jobqueue.EnqueueOptions{Kind: models.JobKindRemove, RelativePath: &path}); err != nil {
		logging.L.Warn().Str("path", path).Err(err).Msg("watcher: enqueueing remove")
	}
}

func (w *Watcher) relativePath(absPath string) (string, bool) {
	rel, err := mediastore.MediaRootRelativePath(w.settings.MediaRoot, absPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return rel, true
}
