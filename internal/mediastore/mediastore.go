// Package mediastore is the Media Store: the typed data-access layer for
// media items and their satellites (spec §4.12). internal/ingest and
// internal/analysis drive it transactionally; the read methods exist so
// the (out-of-scope) HTTP layer has something to call.
package mediastore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/Masterminds/squirrel"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/camden-git/photopipeline/internal/config"
	"github.com/camden-git/photopipeline/internal/mediaanalyzer"
	"github.com/camden-git/photopipeline/models"
)

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

// Store is the Media Store.
type Store struct {
	db       *gorm.DB
	settings config.Settings
}

// New returns a Store backed by db, using settings for the fallback
// timezone and short-id length.
func New(db *gorm.DB, settings config.Settings) *Store {
	return &Store{db: db, settings: settings}
}

// ComputeSortTimestamp derives the never-null sort_timestamp: UTC(taken_at)
// when the analyzer resolved one, else the local timestamp interpreted in
// the configured fallback timezone, else the local timestamp interpreted
// as UTC outright. Mirrors the original's sort_timestamp derivation in
// MediaItemStore::create.
func ComputeSortTimestamp(meta mediaanalyzer.Metadata, fallbackTimezone string) time.Time {
	if meta.UTCTakenAt != nil {
		return meta.UTCTakenAt.UTC()
	}
	if fallbackTimezone != "" {
		if loc, err := time.LoadLocation(fallbackTimezone); err == nil {
			local := time.Date(
				meta.LocalTakenAt.Year(), meta.LocalTakenAt.Month(), meta.LocalTakenAt.Day(),
				meta.LocalTakenAt.Hour(), meta.LocalTakenAt.Minute(), meta.LocalTakenAt.Second(),
				meta.LocalTakenAt.Nanosecond(), loc,
			)
			return local.UTC()
		}
	}
	return time.Date(
		meta.LocalTakenAt.Year(), meta.LocalTakenAt.Month(), meta.LocalTakenAt.Day(),
		meta.LocalTakenAt.Hour(), meta.LocalTakenAt.Minute(), meta.LocalTakenAt.Second(),
		meta.LocalTakenAt.Nanosecond(), time.UTC,
	)
}

// timeDetailSource reports which branch ComputeSortTimestamp took, stored
// alongside the media item as models.TimeDetail.Source.
func timeDetailSource(meta mediaanalyzer.Metadata, fallbackTimezone string) string {
	switch {
	case meta.TimeSource == mediaanalyzer.TimeSourceExifOffset:
		return "exif_offset"
	case meta.TimeSource == mediaanalyzer.TimeSourceGPS:
		return "gps"
	case fallbackTimezone != "":
		return "fallback_tz"
	default:
		return "naive_utc"
	}
}

// generateShortID returns a URL-safe random identifier of the configured
// length, the client-facing media item id.
func generateShortID(length int) (string, error) {
	if length <= 0 {
		length = 12
	}
	// base64 encodes 3 raw bytes into 4 characters; over-allocate then trim.
	raw := make([]byte, (length*3)/4+3)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("mediastore: generating short id: %w", err)
	}
	s := base64.RawURLEncoding.EncodeToString(raw)
	return s[:length], nil
}

// NewItem bundles everything CreateFullItem needs beyond the
// already-computed relative path and owning user.
type NewItem struct {
	RelativePath string
	FileHash     string
	OwnerUserID  int32
	RemoteUserID *int32
	Metadata     mediaanalyzer.Metadata
}

// CreateFullItem implements the Media Store's single store-media-item
// transaction (spec §4.12): delete any prior row at relative_path,
// insert the media item with its computed sort_timestamp, then every
// satellite. No Location is linked (LocationID stays unset). Returns the
// new item. Opens its own transaction; callers that need to fold this into a
// larger atomic unit of work (e.g. the Ingest Handler consuming a
// Pending Album Membership in the same commit) should call
// CreateFullItemTx directly against their own tx instead.
func (s *Store) CreateFullItem(ctx context.Context, item NewItem) (*models.MediaItem, error) {
	var mediaItem *models.MediaItem
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		mediaItem, err = s.CreateFullItemTx(ctx, tx, item)
		return err
	})
	if err != nil {
		return nil, err
	}
	return mediaItem, nil
}

// CreateFullItemTx runs CreateFullItem's statements against an
// already-open transaction, so a caller can fold them into a larger
// atomic unit of work. tx must not be s.db itself outside of a
// transaction — GORM would auto-wrap the inner Create/Delete calls in
// their own per-statement transactions, defeating the point.
func (s *Store) CreateFullItemTx(ctx context.Context, tx *gorm.DB, item NewItem) (*models.MediaItem, error) {
	shortID, err := generateShortID(s.settings.MediaItemIDLength)
	if err != nil {
		return nil, err
	}

	sortTimestamp := ComputeSortTimestamp(item.Metadata, s.settings.FallbackTimezone)
	monthID := time.Date(sortTimestamp.Year(), sortTimestamp.Month(), 1, 0, 0, 0, 0, time.UTC)

	mediaItem := &models.MediaItem{
		ShortID:       shortID,
		OwnerUserID:   item.OwnerUserID,
		RemoteUserID:  item.RemoteUserID,
		FileHash:      item.FileHash,
		RelativePath:  item.RelativePath,
		Width:         item.Metadata.Width,
		Height:        item.Metadata.Height,
		IsVideo:       item.Metadata.IsVideo,
		DurationMs:    item.Metadata.DurationMs,
		LocalTakenAt:  item.Metadata.LocalTakenAt,
		UTCTakenAt:    item.Metadata.UTCTakenAt,
		SortTimestamp: sortTimestamp,
		MonthID:       monthID,
	}

	tx = tx.WithContext(ctx)

	if err := tx.Where("relative_path = ?", item.RelativePath).Delete(&models.MediaItem{}).Error; err != nil {
		return nil, fmt.Errorf("mediastore: deleting prior item at %s: %w", item.RelativePath, err)
	}

	// Location linking requires reverse geocoding (name/admin1/
	// country_code), which no Media Analyzer Client implementation
	// resolves yet; GPS coordinates alone don't identify a Location
	// row, so LocationID is left unset here. See GetOrCreateLocation.

	if err := tx.Create(mediaItem).Error; err != nil {
		return nil, fmt.Errorf("mediastore: inserting media item: %w", err)
	}

	if item.Metadata.GPS != nil {
		gps := &models.GPSDetail{
			MediaItemID: mediaItem.ID,
			Latitude:    item.Metadata.GPS.Latitude,
			Longitude:   item.Metadata.GPS.Longitude,
			Altitude:    item.Metadata.GPS.Altitude,
		}
		if err := tx.Create(gps).Error; err != nil {
			return nil, fmt.Errorf("mediastore: inserting gps: %w", err)
		}
	}

	timeDetail := &models.TimeDetail{
		MediaItemID: mediaItem.ID,
		Source:      timeDetailSource(item.Metadata, s.settings.FallbackTimezone),
	}
	if err := tx.Create(timeDetail).Error; err != nil {
		return nil, fmt.Errorf("mediastore: inserting time detail: %w", err)
	}

	if item.Metadata.Weather != nil {
		w := item.Metadata.Weather
		weather := &models.Weather{
			MediaItemID:  mediaItem.ID,
			TemperatureC: w.TemperatureC,
			Condition:    w.Condition,
		}
		if err := tx.Create(weather).Error; err != nil {
			return nil, fmt.Errorf("mediastore: inserting weather: %w", err)
		}
	}

	f := item.Metadata.Features
	features := &models.MediaFeatures{
		MediaItemID:   mediaItem.ID,
		MimeType:      f.MimeType,
		SizeBytes:     f.SizeBytes,
		IsMotionPhoto: f.IsMotion,
		IsHDR:         f.IsHDR,
		IsBurst:       f.IsBurst,
		FPS:           f.FPS,
	}
	if err := tx.Create(features).Error; err != nil {
		return nil, fmt.Errorf("mediastore: inserting media features: %w", err)
	}

	if item.Metadata.Camera != nil {
		c := item.Metadata.Camera
		settings := &models.CameraSettings{
			MediaItemID:  mediaItem.ID,
			CameraMake:   c.CameraMake,
			CameraModel:  c.CameraModel,
			LensMake:     c.LensMake,
			LensModel:    c.LensModel,
			FocalLength:  c.FocalLength,
			Aperture:     c.Aperture,
			ShutterSpeed: c.ShutterSpeed,
			ISO:          c.ISO,
		}
		if err := tx.Create(settings).Error; err != nil {
			return nil, fmt.Errorf("mediastore: inserting camera settings: %w", err)
		}
	}

	if item.Metadata.Panorama != nil && item.Metadata.Panorama.IsPanorama {
		p := item.Metadata.Panorama
		projectionType := "equirectangular"
		if p.ProjectionType != nil {
			projectionType = *p.ProjectionType
		}
		pano := &models.Panorama{
			MediaItemID:    mediaItem.ID,
			ProjectionType: projectionType,
			FullPanoWidth:  p.FullPanoWidth,
			FullPanoHeight: p.FullPanoHeight,
		}
		if err := tx.Create(pano).Error; err != nil {
			return nil, fmt.Errorf("mediastore: inserting panorama: %w", err)
		}
	}

	return mediaItem, nil
}

// GetOrCreateLocation returns the id of the Location matching
// (name, admin1, countryCode), creating it if it doesn't exist yet.
// Exported for a future reverse-geocoding client to call and attach via
// UpdateLocation; no Media Analyzer Client currently resolves these
// fields from GPS coordinates alone.
func (s *Store) GetOrCreateLocation(ctx context.Context, name, admin1, countryCode string, latitude, longitude float64) (uint, error) {
	var locationID uint
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var loc models.Location
		err := tx.Where("name = ? AND admin1 = ? AND country_code = ?", name, admin1, countryCode).First(&loc).Error
		if err == nil {
			locationID = loc.ID
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("mediastore: looking up location: %w", err)
		}

		loc = models.Location{Name: name, Admin1: admin1, CountryCode: countryCode, Latitude: latitude, Longitude: longitude}
		if err := tx.Create(&loc).Error; err != nil {
			return fmt.Errorf("mediastore: creating location: %w", err)
		}
		locationID = loc.ID
		return nil
	})
	if err != nil {
		return 0, err
	}
	return locationID, nil
}

// UpdateLocation attaches locationID to an already-inserted media item.
func (s *Store) UpdateLocation(ctx context.Context, mediaItemID uint, locationID uint) error {
	return s.db.WithContext(ctx).Model(&models.MediaItem{}).
		Where("id = ?", mediaItemID).Update("location_id", locationID).Error
}

// FindByID loads a full media item (with satellites and visual analyses)
// by its client-facing short id. Returns (nil, nil) if not found or
// soft-deleted.
func (s *Store) FindByID(ctx context.Context, shortID string) (*models.MediaItem, error) {
	var item models.MediaItem
	err := s.db.WithContext(ctx).
		Preload("GPS").Preload("TimeDetail").Preload("Weather").Preload("Features").
		Preload("CameraSettings").Preload("Panorama").Preload("Location").
		Preload("VisualAnalyses.Faces").Preload("VisualAnalyses.Objects").
		Preload("VisualAnalyses.Quality").Preload("VisualAnalyses.Colors").
		Preload("VisualAnalyses.Classification").
		Where("short_id = ? AND deleted = ?", shortID, false).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mediastore: finding item %s: %w", shortID, err)
	}
	return &item, nil
}

// FindByRelativePath loads the bare media item row (no satellites) at
// relativePath, for callers that only need its id/file_hash, such as
// internal/analysis resolving the item an Analysis job refers to. Returns
// (nil, nil) if no non-deleted item exists there.
func (s *Store) FindByRelativePath(ctx context.Context, relativePath string) (*models.MediaItem, error) {
	var item models.MediaItem
	err := s.db.WithContext(ctx).
		Where("relative_path = ? AND deleted = ?", relativePath, false).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mediastore: finding item at %s: %w", relativePath, err)
	}
	return &item, nil
}

// FindIDByRelativePath returns the internal numeric id for relative_path,
// or (0, false) if no non-deleted item exists there.
func (s *Store) FindIDByRelativePath(ctx context.Context, relativePath string) (uint, bool, error) {
	var item models.MediaItem
	err := s.db.WithContext(ctx).Select("id").
		Where("relative_path = ? AND deleted = ?", relativePath, false).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("mediastore: finding id for %s: %w", relativePath, err)
	}
	return item.ID, true, nil
}

// DeleteByRelativePath hard-deletes the media item at relativePath,
// cascading to its satellites via FK constraints. Returns false if no row
// existed there.
func (s *Store) DeleteByRelativePath(ctx context.Context, relativePath string) (bool, error) {
	res := s.db.WithContext(ctx).Where("relative_path = ?", relativePath).Delete(&models.MediaItem{})
	if res.Error != nil {
		return false, fmt.Errorf("mediastore: deleting %s: %w", relativePath, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// UpdateRemoteUserID attaches a remote identity to an already-ingested
// item, used by the S2S import handler once the destination file lands.
func (s *Store) UpdateRemoteUserID(ctx context.Context, mediaItemID uint, remoteUserID int32) error {
	return s.db.WithContext(ctx).Model(&models.MediaItem{}).
		Where("id = ?", mediaItemID).
		Update("remote_user_id", remoteUserID).Error
}

// FindOrCreateRemoteUser resolves identity (a sanitized remote-peer
// identity string, e.g. "alice@peer.example") to a local UserRef row
// flagged IsRemote, creating one on first sight. Remote users never get
// a media_folder; they exist only as an attribution target.
func (s *Store) FindOrCreateRemoteUser(ctx context.Context, identity string) (int32, error) {
	var user models.UserRef
	err := s.db.WithContext(ctx).Where("email = ? AND is_remote = ?", identity, true).First(&user).Error
	if err == nil {
		return user.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("mediastore: looking up remote user %s: %w", identity, err)
	}

	user = models.UserRef{Email: identity, IsRemote: true}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		// A concurrent caller may have just won the race to create identity;
		// re-read instead of failing outright.
		var raced models.UserRef
		if lookupErr := s.db.WithContext(ctx).Where("email = ? AND is_remote = ?", identity, true).First(&raced).Error; lookupErr == nil {
			return raced.ID, nil
		}
		return 0, fmt.Errorf("mediastore: creating remote user %s: %w", identity, err)
	}
	return user.ID, nil
}

// InsertPendingAlbumMembership records a transient row telling the
// Ingest Handler to attach the item that lands at relativePath to an
// album once ingested, set by the S2S import handler ahead of the
// normal ingest path consuming it.
func (s *Store) InsertPendingAlbumMembership(ctx context.Context, pending models.PendingAlbumMembership) error {
	if err := s.db.WithContext(ctx).Create(&pending).Error; err != nil {
		return fmt.Errorf("mediastore: recording pending album membership for %s: %w", pending.RelativePath, err)
	}
	return nil
}

// AttachToAlbum inserts a membership row linking mediaItemID to albumID,
// idempotently (a second S2S import of the same file is a no-op here).
func (s *Store) AttachToAlbum(ctx context.Context, albumID, mediaItemID uint) error {
	member := models.AlbumMember{AlbumID: albumID, MediaItemID: mediaItemID}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&member).Error
	if err != nil {
		return fmt.Errorf("mediastore: attaching item %d to album %d: %w", mediaItemID, albumID, err)
	}
	return nil
}

// FindUserByID loads a user by their primary key, for callers (such as
// the S2S import handler) that already know the owning user's id and
// just need their media_folder.
func (s *Store) FindUserByID(ctx context.Context, userID int32) (*models.UserRef, error) {
	var user models.UserRef
	err := s.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mediastore: finding user %d: %w", userID, err)
	}
	return &user, nil
}

// ListUsersWithMediaFolders returns every user who has a media_folder
// configured, for the watcher/scanner's path-to-user resolution.
func (s *Store) ListUsersWithMediaFolders(ctx context.Context) ([]models.UserRef, error) {
	var users []models.UserRef
	err := s.db.WithContext(ctx).Where("media_folder IS NOT NULL").Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("mediastore: listing users with media folders: %w", err)
	}
	return users, nil
}

// FindUserByRelativePath resolves relativePath to the user whose
// media_folder is its longest matching prefix (spec §4.8/§4.12). Returns
// (nil, nil) if no user's folder is a prefix.
func (s *Store) FindUserByRelativePath(ctx context.Context, relativePath string) (*models.UserRef, error) {
	query, args, err := psql.Select("id", "email", "media_folder", "is_remote").
		From("app_user").
		Where(squirrel.Expr("? LIKE media_folder || '%'", relativePath)).
		Where(squirrel.NotEq{"media_folder": nil}).
		OrderBy("length(media_folder) DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("mediastore: building user lookup query: %w", err)
	}

	var user models.UserRef
	res := s.db.WithContext(ctx).Raw(query, args...).Scan(&user)
	if res.Error != nil {
		return nil, fmt.Errorf("mediastore: finding user for %s: %w", relativePath, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &user, nil
}

// ListMediaItemsByMonth returns every non-deleted item owned by userID
// whose month_id matches month (first-of-month, UTC), ordered newest
// first, for a timeline page.
func (s *Store) ListMediaItemsByMonth(ctx context.Context, userID int32, month time.Time) ([]models.MediaItem, error) {
	monthID := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	var items []models.MediaItem
	err := s.db.WithContext(ctx).
		Where("owner_user_id = ? AND month_id = ? AND deleted = ?", userID, monthID, false).
		Order("sort_timestamp DESC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("mediastore: listing items for %d in %s: %w", userID, monthID.Format("2006-01"), err)
	}
	return items, nil
}

// MonthCount is one bucket of the timeline scrubber: how many items fall
// in a given month, used to size the scrubber's month markers
// proportionally to how many photos they contain.
type MonthCount struct {
	Month time.Time
	Count int64
}

// ListTimelineRatios returns the item count per month for userID, newest
// month first, letting the (out-of-scope) HTTP layer render a
// density-proportional timeline scrubber.
func (s *Store) ListTimelineRatios(ctx context.Context, userID int32) ([]MonthCount, error) {
	var rows []struct {
		MonthID time.Time
		Count   int64
	}
	err := s.db.WithContext(ctx).Model(&models.MediaItem{}).
		Select("month_id, count(*) as count").
		Where("owner_user_id = ? AND deleted = ?", userID, false).
		Group("month_id").
		Order("month_id DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("mediastore: listing timeline ratios for %d: %w", userID, err)
	}
	out := make([]MonthCount, len(rows))
	for i, r := range rows {
		out[i] = MonthCount{Month: r.MonthID, Count: r.Count}
	}
	return out, nil
}

// ListRelativePathsUnder returns the relative_path of every non-deleted
// item whose path falls under dirRelativePath (spec §4.8: a directory
// removal fans out to a Remove job per item it used to contain).
func (s *Store) ListRelativePathsUnder(ctx context.Context, dirRelativePath string) ([]string, error) {
	prefix := dirRelativePath
	if prefix != "" && prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}
	var items []models.MediaItem
	err := s.db.WithContext(ctx).Select("relative_path").
		Where("relative_path LIKE ? AND deleted = ?", prefix+"%", false).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("mediastore: listing items under %s: %w", dirRelativePath, err)
	}
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.RelativePath
	}
	return out, nil
}

// ListRelativePathsByUser returns the relative_path of every non-deleted
// item owned by userID, for the Scanner's full filesystem/database
// reconciliation (spec §4.9).
func (s *Store) ListRelativePathsByUser(ctx context.Context, userID int32) ([]string, error) {
	var items []models.MediaItem
	err := s.db.WithContext(ctx).Select("relative_path").
		Where("owner_user_id = ? AND deleted = ?", userID, false).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("mediastore: listing items for user %d: %w", userID, err)
	}
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.RelativePath
	}
	return out, nil
}

// ItemSummary is the subset of a media item the Scanner's thumbnail
// reconciliation needs: its client-facing id (the thumbnail directory
// name), its relative path (for checking the source file on disk), and
// whether it's a video.
type ItemSummary struct {
	ShortID      string
	RelativePath string
	IsVideo      bool
}

// ListAllItemSummaries returns an ItemSummary for every non-deleted media
// item, for the Scanner's thumbnail-orphan reconciliation.
func (s *Store) ListAllItemSummaries(ctx context.Context) ([]ItemSummary, error) {
	var items []models.MediaItem
	err := s.db.WithContext(ctx).Select("short_id", "relative_path", "is_video").
		Where("deleted = ?", false).Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("mediastore: listing item summaries: %w", err)
	}
	out := make([]ItemSummary, len(items))
	for i, item := range items {
		out[i] = ItemSummary{ShortID: item.ShortID, RelativePath: item.RelativePath, IsVideo: item.IsVideo}
	}
	return out, nil
}

// MediaRootRelativePath returns absolutePath relative to mediaRoot, in the
// form the watcher and scanner use when walking config.Settings.MediaRoot.
func MediaRootRelativePath(mediaRoot, absolutePath string) (string, error) {
	rel, err := filepath.Rel(mediaRoot, absolutePath)
	if err != nil {
		return "", fmt.Errorf("mediastore: computing relative path for %s: %w", absolutePath, err)
	}
	return filepath.ToSlash(rel), nil
}
