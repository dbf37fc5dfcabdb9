// Package ingest implements the Ingest Handler (spec §4.4): given a
// relative_path/user_id job, it hashes the file, resolves its intrinsic
// metadata (via cache or the Media Analyzer Client), stores the media
// item and its satellites through internal/mediastore, resolves any
// pending cross-instance album membership left by an S2S import, and
// enqueues the Analysis and Thumbnails jobs that depend on its output.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/camden-git/photopipeline/internal/cache"
	"github.com/camden-git/photopipeline/internal/config"
	"github.com/camden-git/photopipeline/internal/jobqueue"
	"github.com/camden-git/photopipeline/internal/logging"
	"github.com/camden-git/photopipeline/internal/mediaanalyzer"
	"github.com/camden-git/photopipeline/internal/mediastore"
	"github.com/camden-git/photopipeline/internal/pipelineerr"
	"github.com/camden-git/photopipeline/models"
)

// Handler runs one Ingest job end to end.
type Handler struct {
	db       *gorm.DB
	settings config.Settings
	cache    *cache.Cache
	analyzer mediaanalyzer.Client
	store    *mediastore.Store
	queue    *jobqueue.Queue
}

// New returns a Handler. db is used directly (outside of mediastore.Store)
// for the pending-album-membership and remote-user bookkeeping that sits
// around the store-media-item transaction.
func New(db *gorm.DB, settings config.Settings, c *cache.Cache, analyzer mediaanalyzer.Client, store *mediastore.Store, queue *jobqueue.Queue) *Handler {
	return &Handler{db: db, settings: settings, cache: c, analyzer: analyzer, store: store, queue: queue}
}

// Handle implements worker.Handler for models.JobKindIngest.
func (h *Handler) Handle(ctx context.Context, job *models.Job) error {
	if job.RelativePath == nil {
		return pipelineerr.Validation("ingest job has no relative_path", nil)
	}
	if job.UserID == nil {
		return pipelineerr.Validation("ingest job has no user_id", nil)
	}
	relativePath := *job.RelativePath
	userID := *job.UserID
	jobLogger := logging.ForJob(job.ID, string(job.Kind), "")

	absPath := filepath.Join(h.settings.MediaRoot, filepath.FromSlash(relativePath))
	if err := statExists(absPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			jobLogger.Info().Str("path", relativePath).Msg("ingest: file vanished before analysis, cancelling")
			return pipelineerr.Cancelled("file vanished before ingest", err)
		}
		return pipelineerr.Transient("statting file", err)
	}

	fileHash, err := cache.HashFile(absPath)
	if err != nil {
		return pipelineerr.Transient("hashing file", err)
	}

	meta, err := h.getOrAnalyze(ctx, absPath, fileHash)
	if err != nil {
		return err
	}

	// The file or the job itself may have been invalidated while analysis
	// was running (analysis of a video can take seconds); re-check both
	// before committing anything.
	if err := statExists(absPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			jobLogger.Info().Str("path", relativePath).Msg("ingest: file vanished during analysis, cancelling")
			return pipelineerr.Cancelled("file vanished during analysis", err)
		}
		return pipelineerr.Transient("re-statting file", err)
	}
	cancelled, err := h.queue.IsCancelled(ctx, job.ID)
	if err != nil {
		return pipelineerr.Transient("checking job cancellation", err)
	}
	if cancelled {
		return pipelineerr.Cancelled("job cancelled during analysis", nil)
	}

	item, err := h.storeMediaItem(ctx, userID, relativePath, fileHash, meta)
	if err != nil {
		return err
	}

	if err := h.enqueueFollowOn(ctx, relativePath, userID); err != nil {
		return err
	}

	jobLogger.Info().Str("path", relativePath).Uint("media_item_id", item.ID).Msg("ingest: stored media item")
	return nil
}

func statExists(path string) error {
	_, err := os.Stat(path)
	return err
}

// getOrAnalyze resolves Metadata for a file already known by hash,
// consulting the content-addressed cache first when enabled and writing
// through to it on a miss.
func (h *Handler) getOrAnalyze(ctx context.Context, absPath, fileHash string) (mediaanalyzer.Metadata, error) {
	if h.settings.EnableIngestCache {
		var cached mediaanalyzer.Metadata
		hit, err := cache.ReadIngest(h.cache, fileHash, &cached)
		if err != nil {
			return mediaanalyzer.Metadata{}, pipelineerr.Transient("reading ingest cache", err)
		}
		if hit {
			return cached, nil
		}
	}

	meta, err := h.analyzer.Analyze(ctx, absPath)
	if err != nil {
		return mediaanalyzer.Metadata{}, pipelineerr.Transient("analyzing media", err)
	}

	if h.settings.EnableIngestCache {
		if err := cache.WriteIngest(h.cache, fileHash, meta); err != nil {
			logging.L.Warn().Str("path", absPath).Err(err).Msg("ingest: writing ingest cache, continuing without it")
		}
	}
	return meta, nil
}

// storeMediaItem runs the whole store-media-item step (spec §4.4 step 5)
// as one transaction: consume any Pending Album Membership for
// relativePath, store the media item (with a resolved remote_user_id
// when a pending membership names one), and, if a pending membership
// existed, attach the new item to its album. A crash partway through
// never leaves an item inserted without its album attachment, or a
// pending row consumed with no item to show for it.
func (h *Handler) storeMediaItem(ctx context.Context, userID int32, relativePath, fileHash string, meta mediaanalyzer.Metadata) (*models.MediaItem, error) {
	var item *models.MediaItem
	err := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pending *models.PendingAlbumMembership
		var p models.PendingAlbumMembership
		err := tx.Where("relative_path = ?", relativePath).First(&p).Error
		switch {
		case err == nil:
			pending = &p
		case errors.Is(err, gorm.ErrRecordNotFound):
			pending = nil
		default:
			return fmt.Errorf("ingest: checking pending album membership: %w", err)
		}

		var remoteUserID *int32
		if pending != nil {
			id, err := h.getOrCreateRemoteUser(ctx, tx, pending.RemoteUserIdentity)
			if err != nil {
				return err
			}
			remoteUserID = &id
		}

		item, err = h.store.CreateFullItemTx(ctx, tx, mediastore.NewItem{
			RelativePath: relativePath,
			FileHash:     fileHash,
			OwnerUserID:  userID,
			RemoteUserID: remoteUserID,
			Metadata:     meta,
		})
		if err != nil {
			return fmt.Errorf("ingest: creating media item: %w", err)
		}

		if pending != nil {
			if err := attachToPendingAlbum(tx, pending, item.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, pipelineerr.Transient("storing media item", err)
	}
	return item, nil
}

// getOrCreateRemoteUser resolves identity (the remote collaborator's
// identity string, currently their email) to a local UserRef row flagged
// IsRemote, creating one if none exists, against tx. The UserRef schema
// carries no column scoping a remote identity to the local album owner
// beyond Email+IsRemote, so two distinct remote collaborators who happen
// to share an email string would collide here; this mirrors the
// information actually available on UserRef and is narrower than what a
// dedicated remote-user table would track.
func (h *Handler) getOrCreateRemoteUser(ctx context.Context, tx *gorm.DB, identity string) (int32, error) {
	var existing models.UserRef
	err := tx.WithContext(ctx).Where("email = ? AND is_remote = ?", identity, true).First(&existing).Error
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("ingest: looking up remote user: %w", err)
	}

	user := models.UserRef{Email: identity, IsRemote: true}
	if err := tx.WithContext(ctx).Create(&user).Error; err != nil {
		// A concurrent ingest for the same remote identity may have just
		// won the race; fall back to re-reading instead of failing outright.
		var raced models.UserRef
		if lookupErr := tx.WithContext(ctx).Where("email = ? AND is_remote = ?", identity, true).First(&raced).Error; lookupErr == nil {
			return raced.ID, nil
		}
		return 0, fmt.Errorf("ingest: creating remote user: %w", err)
	}
	return user.ID, nil
}

// attachToPendingAlbum consumes pending (deleting it, so a retried job
// doesn't re-attach) and links mediaItemID into pending.AlbumID, against
// tx. A concurrent consumer winning the delete is not an error:
// RowsAffected==0 means the attach already happened.
func attachToPendingAlbum(tx *gorm.DB, pending *models.PendingAlbumMembership, mediaItemID uint) error {
	res := tx.Where("relative_path = ?", pending.RelativePath).Delete(&models.PendingAlbumMembership{})
	if res.Error != nil {
		return fmt.Errorf("ingest: consuming pending album membership for %s: %w", pending.RelativePath, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}
	member := models.AlbumMember{AlbumID: pending.AlbumID, MediaItemID: mediaItemID}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&member).Error; err != nil {
		return fmt.Errorf("ingest: attaching item %d to album %d: %w", mediaItemID, pending.AlbumID, err)
	}
	return nil
}

// enqueueFollowOn schedules the jobs that depend on this ingest's output:
// Analysis (visual/ML metadata) and Thumbnails (derived images), both
// scoped to the same path and user as this job.
func (h *Handler) enqueueFollowOn(ctx context.Context, relativePath string, userID int32) error {
	if _, err := h.queue.Enqueue(ctx, jobqueue.EnqueueOptions{Kind: models.JobKindAnalysis, RelativePath: &relativePath, UserID: &userID}); err != nil {
		return pipelineerr.Transient("enqueueing analysis job", err)
	}
	if _, err := h.queue.Enqueue(ctx, jobqueue.EnqueueOptions{Kind: models.JobKindThumbnails, RelativePath: &relativePath, UserID: &userID}); err != nil {
		return pipelineerr.Transient("enqueueing thumbnails job", err)
	}
	return nil
}
