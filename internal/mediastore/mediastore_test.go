package mediastore

import (
	"context"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/camden-git/photopipeline/internal/config"
	"github.com/camden-git/photopipeline/internal/mediaanalyzer"
	"github.com/camden-git/photopipeline/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&models.MediaItem{}, &models.GPSDetail{}, &models.TimeDetail{}, &models.Weather{},
		&models.MediaFeatures{}, &models.CameraSettings{}, &models.Panorama{}, &models.Location{},
		&models.VisualAnalysis{}, &models.Face{}, &models.DetectedObject{}, &models.Quality{},
		&models.Colors{}, &models.Classification{}, &models.UserRef{},
	)
	if err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return db
}

func TestComputeSortTimestampPrefersUTC(t *testing.T) {
	utc := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	meta := mediaanalyzer.Metadata{
		LocalTakenAt: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC),
		UTCTakenAt:   &utc,
	}
	got := ComputeSortTimestamp(meta, "America/New_York")
	if !got.Equal(utc) {
		t.Fatalf("expected %v, got %v", utc, got)
	}
}

func TestComputeSortTimestampUsesFallbackTimezone(t *testing.T) {
	local := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	meta := mediaanalyzer.Metadata{LocalTakenAt: local}
	got := ComputeSortTimestamp(meta, "America/New_York")

	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	want := time.Date(2024, 6, 1, 8, 0, 0, 0, loc).UTC()
	if !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestComputeSortTimestampFallsBackToNaiveUTC(t *testing.T) {
	local := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	meta := mediaanalyzer.Metadata{LocalTakenAt: local}
	got := ComputeSortTimestamp(meta, "")
	if !got.Equal(local) {
		t.Fatalf("expected %v, got %v", local, got)
	}
}

func TestCreateFullItemPopulatesSatellitesAndSortTimestamp(t *testing.T) {
	db := newTestDB(t)
	settings := config.Settings{MediaItemIDLength: 16}
	store := New(db, settings)
	ctx := context.Background()

	alt := 12.5
	utc := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	meta := mediaanalyzer.Metadata{
		Width: 100, Height: 200,
		LocalTakenAt: time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC),
		UTCTakenAt:   &utc,
		TimeSource:   mediaanalyzer.TimeSourceExifOffset,
		GPS:          &mediaanalyzer.GPS{Latitude: 1.23, Longitude: 4.56, Altitude: &alt},
		Features:     mediaanalyzer.Features{MimeType: "image/jpeg", SizeBytes: 1024},
	}

	item, err := store.CreateFullItem(ctx, NewItem{
		RelativePath: "u1/photo.jpg",
		FileHash:     "deadbeef",
		OwnerUserID:  1,
		Metadata:     meta,
	})
	if err != nil {
		t.Fatalf("CreateFullItem: %v", err)
	}
	if len(item.ShortID) != 16 {
		t.Fatalf("expected 16-char short id, got %q", item.ShortID)
	}
	if !item.SortTimestamp.Equal(utc) {
		t.Fatalf("expected sort_timestamp %v, got %v", utc, item.SortTimestamp)
	}

	var gps models.GPSDetail
	if err := db.Where("media_item_id = ?", item.ID).First(&gps).Error; err != nil {
		t.Fatalf("expected gps row: %v", err)
	}
	if gps.Latitude != 1.23 {
		t.Fatalf("expected latitude 1.23, got %f", gps.Latitude)
	}

	var timeDetail models.TimeDetail
	if err := db.Where("media_item_id = ?", item.ID).First(&timeDetail).Error; err != nil {
		t.Fatalf("expected time detail row: %v", err)
	}
	if timeDetail.Source != "exif_offset" {
		t.Fatalf("expected source exif_offset, got %s", timeDetail.Source)
	}

	var features models.MediaFeatures
	if err := db.Where("media_item_id = ?", item.ID).First(&features).Error; err != nil {
		t.Fatalf("expected features row: %v", err)
	}
	if features.MimeType != "image/jpeg" {
		t.Fatalf("expected mime_type image/jpeg, got %s", features.MimeType)
	}
}

func TestCreateFullItemReplacesPriorRowAtSamePath(t *testing.T) {
	db := newTestDB(t)
	store := New(db, config.Settings{MediaItemIDLength: 10})
	ctx := context.Background()
	meta := mediaanalyzer.Metadata{LocalTakenAt: time.Now().UTC(), Features: mediaanalyzer.Features{MimeType: "image/jpeg"}}

	first, err := store.CreateFullItem(ctx, NewItem{RelativePath: "u1/a.jpg", FileHash: "h1", OwnerUserID: 1, Metadata: meta})
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := store.CreateFullItem(ctx, NewItem{RelativePath: "u1/a.jpg", FileHash: "h2", OwnerUserID: 1, Metadata: meta})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("expected a fresh row id after replace")
	}

	var count int64
	db.Model(&models.MediaItem{}).Where("relative_path = ?", "u1/a.jpg").Count(&count)
	if count != 1 {
		t.Fatalf("expected exactly 1 row at the path, got %d", count)
	}
}

func TestFindByRelativePathReturnsNilWhenAbsent(t *testing.T) {
	db := newTestDB(t)
	store := New(db, config.Settings{MediaItemIDLength: 8})
	ctx := context.Background()

	item, err := store.FindByRelativePath(ctx, "u1/missing.jpg")
	if err != nil {
		t.Fatalf("FindByRelativePath: %v", err)
	}
	if item != nil {
		t.Fatalf("expected nil for an absent item, got %+v", item)
	}
}

func TestFindUserByRelativePathPicksLongestPrefix(t *testing.T) {
	db := newTestDB(t)
	store := New(db, config.Settings{})
	ctx := context.Background()

	folderA := "u1"
	folderAB := "u1/sub"
	if err := db.Create(&models.UserRef{ID: 1, Email: "a@example.com", MediaFolder: &folderA}).Error; err != nil {
		t.Fatal(err)
	}
	if err := db.Create(&models.UserRef{ID: 2, Email: "b@example.com", MediaFolder: &folderAB}).Error; err != nil {
		t.Fatal(err)
	}

	user, err := store.FindUserByRelativePath(ctx, "u1/sub/photo.jpg")
	if err != nil {
		t.Fatalf("FindUserByRelativePath: %v", err)
	}
	if user == nil {
		t.Fatalf("expected a match")
	}
	if user.ID != 2 {
		t.Fatalf("expected the longer-prefix user (2), got %d", user.ID)
	}
}

func TestFindUserByRelativePathNoMatch(t *testing.T) {
	db := newTestDB(t)
	store := New(db, config.Settings{})
	ctx := context.Background()

	folder := "u1"
	if err := db.Create(&models.UserRef{ID: 1, Email: "a@example.com", MediaFolder: &folder}).Error; err != nil {
		t.Fatal(err)
	}

	user, err := store.FindUserByRelativePath(ctx, "u2/photo.jpg")
	if err != nil {
		t.Fatalf("FindUserByRelativePath: %v", err)
	}
	if user != nil {
		t.Fatalf("expected no match, got %+v", user)
	}
}

func TestDeleteByRelativePathReportsWhetherARowExisted(t *testing.T) {
	db := newTestDB(t)
	store := New(db, config.Settings{MediaItemIDLength: 8})
	ctx := context.Background()
	meta := mediaanalyzer.Metadata{LocalTakenAt: time.Now().UTC(), Features: mediaanalyzer.Features{MimeType: "image/jpeg"}}

	if _, err := store.CreateFullItem(ctx, NewItem{RelativePath: "u1/x.jpg", FileHash: "h", OwnerUserID: 1, Metadata: meta}); err != nil {
		t.Fatalf("create: %v", err)
	}

	existed, err := store.DeleteByRelativePath(ctx, "u1/x.jpg")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !existed {
		t.Fatalf("expected delete to report an existing row")
	}

	existed, err = store.DeleteByRelativePath(ctx, "u1/x.jpg")
	if err != nil {
		t.Fatalf("delete again: %v", err)
	}
	if existed {
		t.Fatalf("expected second delete to report no row")
	}
}
