// Package scanner implements the Scanner (spec §4.9): a full
// filesystem/database reconciliation per user, plus a separate
// thumbnail-orphan reconciliation against the thumbnail root.
package scanner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/camden-git/photopipeline/internal/config"
	"github.com/camden-git/photopipeline/internal/jobqueue"
	"github.com/camden-git/photopipeline/internal/logging"
	"github.com/camden-git/photopipeline/internal/mediastore"
	"github.com/camden-git/photopipeline/models"
)

// Scanner reconciles the filesystem and the database, invoked
// periodically (cmd/pipelined drives it off a time.Ticker).
type Scanner struct {
	settings config.Settings
	store    *mediastore.Store
	queue    *jobqueue.Queue
}

// New returns a Scanner.
func New(settings config.Settings, store *mediastore.Store, queue *jobqueue.Queue) *Scanner {
	return &Scanner{settings: settings, store: store, queue: queue}
}

// Scan runs one full reconciliation pass: per-user path reconciliation,
// then thumbnail-orphan reconciliation.
func (s *Scanner) Scan(ctx context.Context) error {
	users, err := s.store.ListUsersWithMediaFolders(ctx)
	if err != nil {
		return fmt.Errorf("scanner: listing users: %w", err)
	}

	for _, user := range users {
		if err := s.reconcileUser(ctx, user); err != nil {
			logging.L.Warn().Int32("user_id", user.ID).Err(err).Msg("scanner: reconciling user failed, continuing")
		}
	}

	if err := s.reconcileThumbnails(ctx); err != nil {
		logging.L.Warn().Err(err).Msg("scanner: reconciling thumbnails failed")
	}
	return nil
}

// reconcileUser computes fs_paths and db_paths for user's media folder:
// fs_paths-db_paths are bulk-enqueued as Ingest, db_paths-fs_paths as
// Remove.
func (s *Scanner) reconcileUser(ctx context.Context, user models.UserRef) error {
	if user.MediaFolder == nil {
		return nil
	}
	userDir := filepath.Join(s.settings.MediaRoot, *user.MediaFolder)

	fsPaths, err := s.walkMediaFiles(userDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scanner: walking %s: %w", userDir, err)
	}

	dbPathList, err := s.store.ListRelativePathsByUser(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("scanner: listing db paths for user %d: %w", user.ID, err)
	}
	dbPaths := make(map[string]bool, len(dbPathList))
	for _, p := range dbPathList {
		dbPaths[p] = true
	}

	for relativePath := range fsPaths {
		if dbPaths[relativePath] {
			continue
		}
		if err := s.queue.EnqueueFullIngest(ctx, relativePath, user.ID); err != nil {
			logging.L.Warn().Str("path", relativePath).Err(err).Msg("scanner: enqueueing ingest")
		}
	}

	for relativePath := range dbPaths {
		if fsPaths[relativePath] {
			continue
		}
		path := relativePath
		if _, err := s.queue.Enqueue(ctx, jobqueue.EnqueueOptions{Kind: models.JobKindRemove, RelativePath: &path}); err != nil {
			logging.L.Warn().Str("path", relativePath).Err(err).Msg("scanner: enqueueing remove")
		}
	}
	return nil
}

// walkMediaFiles returns every allowed-extension file under dir, keyed by
// its media_root-relative path.
func (s *Scanner) walkMediaFiles(dir string) (map[string]bool, error) {
	out := make(map[string]bool)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		relativePath, relErr := mediastore.MediaRootRelativePath(s.settings.MediaRoot, path)
		if relErr != nil {
			return nil
		}
		if s.settings.IsMediaFile(relativePath) {
			out[relativePath] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// reconcileThumbnails deletes orphan thumbnail directories and
// re-enqueues thumbnail generation for items whose source file still
// exists but whose thumbnails are missing. It is skipped entirely while
// any Ingest-Thumbnails or Remove job is queued or running, since those
// jobs are actively mutating the same directories.
func (s *Scanner) reconcileThumbnails(ctx context.Context) error {
	active, err := s.queue.HasActiveJobs(ctx, models.JobKindThumbnails, models.JobKindRemove)
	if err != nil {
		return fmt.Errorf("scanner: checking active thumbnail/remove jobs: %w", err)
	}
	if active {
		logging.L.Debug().Msg("scanner: skipping thumbnail reconciliation, thumbnails/remove jobs in flight")
		return nil
	}

	entries, err := os.ReadDir(s.settings.ThumbnailRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scanner: reading thumbnail root: %w", err)
	}
	dirsByID := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			dirsByID[entry.Name()] = true
		}
	}

	items, err := s.store.ListAllItemSummaries(ctx)
	if err != nil {
		return fmt.Errorf("scanner: listing item summaries: %w", err)
	}
	knownIDs := make(map[string]bool, len(items))
	for _, item := range items {
		knownIDs[item.ShortID] = true
	}

	for dirName := range dirsByID {
		if knownIDs[dirName] {
			continue
		}
		orphan := filepath.Join(s.settings.ThumbnailRoot, dirName)
		if err := os.RemoveAll(orphan); err != nil {
			logging.L.Warn().Str("path", orphan).Err(err).Msg("scanner: removing orphan thumbnail directory")
		}
	}

	for _, item := range items {
		if dirsByID[item.ShortID] {
			continue
		}
		absPath := filepath.Join(s.settings.MediaRoot, filepath.FromSlash(item.RelativePath))
		if _, err := os.Stat(absPath); err != nil {
			// Source file is gone too; the next full scan's path
			// reconciliation will enqueue its Remove.
			continue
		}
		path := item.RelativePath
		if _, err := s.queue.Enqueue(ctx, jobqueue.EnqueueOptions{Kind: models.JobKindThumbnails, RelativePath: &path}); err != nil {
			logging.L.Warn().Str("path", path).Err(err).Msg("scanner: enqueueing missing thumbnails")
		}
	}
	return nil
}
