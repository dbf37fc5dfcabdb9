package s2s

import (
	"context"
	"encoding/json"
	"net/url"
	"path/filepath"
	"regexp"

	"github.com/camden-git/photopipeline/internal/jobqueue"
	"github.com/camden-git/photopipeline/internal/logging"
	"github.com/camden-git/photopipeline/internal/mediastore"
	"github.com/camden-git/photopipeline/internal/pipelineerr"
	"github.com/camden-git/photopipeline/models"
)

// ImportPayload is the JSON shape of an ImportAlbumItem job's payload
// (spec §4.11).
type ImportPayload struct {
	RemoteURL          string `json:"remote_url"`
	RemoteRelativePath string `json:"remote_relative_path"`
	LocalAlbumID       uint   `json:"local_album_id"`
	RemoteUsername     string `json:"remote_username"`
	Token              string `json:"token"`
}

// ImportHandler runs one ImportAlbumItem job end to end.
type ImportHandler struct {
	mediaRoot string
	client    *Client
	store     *mediastore.Store
	queue     *jobqueue.Queue
}

// NewImportHandler returns a Handler. mediaRoot is the root the
// destination relative_path is computed under.
func NewImportHandler(mediaRoot string, client *Client, store *mediastore.Store, queue *jobqueue.Queue) *ImportHandler {
	return &ImportHandler{mediaRoot: mediaRoot, client: client, store: store, queue: queue}
}

var nonIdentitySafe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// sanitizeIdentity turns a remote username plus the peer's host into a
// filesystem-safe path component.
func sanitizeIdentity(remoteUsername, peerURL string) string {
	host := peerURL
	if u, err := url.Parse(peerURL); err == nil && u.Host != "" {
		host = u.Host
	}
	raw := remoteUsername + "@" + host
	return nonIdentitySafe.ReplaceAllString(raw, "_")
}

// Handle implements worker.Handler for models.JobKindImportAlbumItem.
func (h *ImportHandler) Handle(ctx context.Context, job *models.Job) error {
	if job.PayloadJSON == nil {
		return pipelineerr.Validation("import job has no payload", nil)
	}
	if job.UserID == nil {
		return pipelineerr.Validation("import job has no user_id", nil)
	}

	var payload ImportPayload
	if err := json.Unmarshal([]byte(*job.PayloadJSON), &payload); err != nil {
		return pipelineerr.Validation("import job payload is not valid JSON", err)
	}

	user, err := h.store.FindUserByID(ctx, *job.UserID)
	if err != nil {
		return pipelineerr.Transient("looking up local user", err)
	}
	if user == nil || user.MediaFolder == nil {
		return pipelineerr.NotFound("local user has no media_folder configured", nil)
	}

	identity := sanitizeIdentity(payload.RemoteUsername, payload.RemoteURL)
	filename := filepath.Base(filepath.FromSlash(payload.RemoteRelativePath))
	relativePath := filepath.ToSlash(filepath.Join(*user.MediaFolder, "import", identity, filename))

	jobLogger := logging.ForJob(job.ID, string(job.Kind), "").With().Str("path", relativePath).Logger()

	existingID, found, err := h.store.FindIDByRelativePath(ctx, relativePath)
	if err != nil {
		return pipelineerr.Transient("checking for existing item", err)
	}
	if found {
		remoteUserID, err := h.store.FindOrCreateRemoteUser(ctx, identity)
		if err != nil {
			return pipelineerr.Transient("resolving remote user", err)
		}
		if err := h.store.UpdateRemoteUserID(ctx, existingID, remoteUserID); err != nil {
			return pipelineerr.Transient("attributing existing item to remote user", err)
		}
		if err := h.store.AttachToAlbum(ctx, payload.LocalAlbumID, existingID); err != nil {
			return pipelineerr.Transient("attaching existing item to album", err)
		}
		jobLogger.Info().Msg("s2s: item already present locally, attached without re-downloading")
		return nil
	}

	destDir := filepath.Join(h.mediaRoot, filepath.FromSlash(*user.MediaFolder), "import", identity)
	downloadedName, err := h.client.DownloadRemoteFile(ctx, payload.RemoteURL, payload.Token, payload.RemoteRelativePath, destDir)
	if err != nil {
		return pipelineerr.Transient("downloading remote file", err)
	}
	if downloadedName != filename {
		relativePath = filepath.ToSlash(filepath.Join(*user.MediaFolder, "import", identity, downloadedName))
	}

	pending := models.PendingAlbumMembership{
		RelativePath:       relativePath,
		AlbumID:            payload.LocalAlbumID,
		RemoteUserIdentity: identity,
	}
	if err := h.store.InsertPendingAlbumMembership(ctx, pending); err != nil {
		return pipelineerr.Transient("recording pending album membership", err)
	}

	if err := h.queue.EnqueueFullIngest(ctx, relativePath, *job.UserID); err != nil {
		return pipelineerr.Transient("enqueueing ingest for imported file", err)
	}

	jobLogger.Info().Msg("s2s: downloaded remote file, pending ingest")
	return nil
}
