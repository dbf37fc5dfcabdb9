package thumbnail

import (
	"context"
	"os"
	"path/filepath"

	"github.com/camden-git/photopipeline/internal/config"
	"github.com/camden-git/photopipeline/internal/jobqueue"
	"github.com/camden-git/photopipeline/internal/logging"
	"github.com/camden-git/photopipeline/internal/mediastore"
	"github.com/camden-git/photopipeline/internal/pipelineerr"
	"github.com/camden-git/photopipeline/models"
)

// Handler runs one Thumbnails job: resolve the media item at the job's
// relative_path, then generate its thumbnail set.
type Handler struct {
	engine   *Engine
	settings config.Settings
	store    *mediastore.Store
	queue    *jobqueue.Queue
}

// NewHandler returns a Handler wrapping engine.
func NewHandler(engine *Engine, settings config.Settings, store *mediastore.Store, queue *jobqueue.Queue) *Handler {
	return &Handler{engine: engine, settings: settings, store: store, queue: queue}
}

// Handle implements worker.Handler for models.JobKindThumbnails.
func (h *Handler) Handle(ctx context.Context, job *models.Job) error {
	if job.RelativePath == nil {
		return pipelineerr.Validation("thumbnails job has no relative_path", nil)
	}
	relativePath := *job.RelativePath

	item, err := h.store.FindByRelativePath(ctx, relativePath)
	if err != nil {
		return pipelineerr.Transient("looking up media item", err)
	}
	if item == nil {
		return pipelineerr.NotFound("media item no longer exists", nil)
	}

	absPath := filepath.Join(h.settings.MediaRoot, filepath.FromSlash(relativePath))
	if _, err := os.Stat(absPath); err != nil {
		if os.IsNotExist(err) {
			return pipelineerr.Cancelled("source file vanished before thumbnailing", err)
		}
		return pipelineerr.Transient("statting source file", err)
	}

	cancelled, err := h.queue.IsCancelled(ctx, job.ID)
	if err != nil {
		return pipelineerr.Transient("checking job cancellation", err)
	}
	if cancelled {
		return pipelineerr.Cancelled("job cancelled before thumbnail generation", nil)
	}

	if err := h.engine.Generate(ctx, item.FileHash, absPath, item.IsVideo, true); err != nil {
		return pipelineerr.Transient("generating thumbnails", err)
	}

	logging.ForJob(job.ID, string(job.Kind), "").Info().Str("path", relativePath).Msg("thumbnail: generated")
	return nil
}
