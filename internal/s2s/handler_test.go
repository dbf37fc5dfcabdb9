package s2s

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/camden-git/photopipeline/internal/config"
	"github.com/camden-git/photopipeline/internal/jobqueue"
	"github.com/camden-git/photopipeline/internal/mediastore"
	"github.com/camden-git/photopipeline/models"
)

func marshalPayload(t *testing.T, payload ImportPayload) string {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshalling payload: %v", err)
	}
	return string(raw)
}

func newTestStore(t *testing.T, mediaRoot string) (*gorm.DB, *mediastore.Store) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	if err := jobqueue.EnsureSchema(db); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	err = db.AutoMigrate(
		&models.MediaItem{}, &models.GPSDetail{}, &models.TimeDetail{}, &models.Weather{},
		&models.MediaFeatures{}, &models.CameraSettings{}, &models.Panorama{}, &models.Location{},
		&models.UserRef{}, &models.AlbumRef{}, &models.AlbumMember{}, &models.PendingAlbumMembership{},
	)
	if err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	store := mediastore.New(db, config.Settings{MediaRoot: mediaRoot})
	return db, store
}

func TestHandleDownloadsAndRecordsPendingMembership(t *testing.T) {
	mediaRoot := t.TempDir()
	db, store := newTestStore(t, mediaRoot)
	queue := jobqueue.New(db)

	folder := "alice"
	if err := db.Create(&models.UserRef{ID: 1, Email: "alice@example.com", MediaFolder: &folder}).Error; err != nil {
		t.Fatal(err)
	}
	if err := db.Create(&models.AlbumRef{ID: 9, Name: "Trip"}).Error; err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("remote-bytes"))
	}))
	defer srv.Close()

	payload := ImportPayload{
		RemoteURL:          srv.URL,
		RemoteRelativePath: "album/pic.jpg",
		LocalAlbumID:       9,
		RemoteUsername:     "bob",
		Token:              "tok123",
	}
	payloadJSON := marshalPayload(t, payload)

	job := &models.Job{
		ID:          1,
		Kind:        models.JobKindImportAlbumItem,
		UserID:      int32ptr(1),
		PayloadJSON: &payloadJSON,
	}

	h := NewImportHandler(mediaRoot, NewClient("sharedsecret"), store, queue)
	if err := h.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	identity := sanitizeIdentity("bob", srv.URL)
	destPath := filepath.Join(mediaRoot, "alice", "import", identity, "pic.jpg")
	data, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatalf("expected downloaded file at %s: %v", destPath, err)
	}
	if string(data) != "remote-bytes" {
		t.Fatalf("unexpected file contents: %q", data)
	}

	var pendingCount int64
	db.Model(&models.PendingAlbumMembership{}).Count(&pendingCount)
	if pendingCount != 1 {
		t.Fatalf("expected one pending album membership row, got %d", pendingCount)
	}

	var jobCount int64
	db.Model(&models.Job{}).Where("job_type = ?", models.JobKindIngest).Count(&jobCount)
	if jobCount != 1 {
		t.Fatalf("expected an ingest job enqueued for the downloaded file, got %d", jobCount)
	}
}

func TestHandleShortCircuitsWhenItemAlreadyExists(t *testing.T) {
	mediaRoot := t.TempDir()
	db, store := newTestStore(t, mediaRoot)
	queue := jobqueue.New(db)

	folder := "alice"
	if err := db.Create(&models.UserRef{ID: 1, Email: "alice@example.com", MediaFolder: &folder}).Error; err != nil {
		t.Fatal(err)
	}
	if err := db.Create(&models.AlbumRef{ID: 9, Name: "Trip"}).Error; err != nil {
		t.Fatal(err)
	}

	identity := sanitizeIdentity("bob", "https://peer.example")
	relativePath := "alice/import/" + identity + "/pic.jpg"
	now := time.Now()
	existing := models.MediaItem{
		ShortID: "exist1", RelativePath: relativePath, OwnerUserID: 1,
		FileHash: "h", LocalTakenAt: now, SortTimestamp: now, MonthID: now,
	}
	if err := db.Create(&existing).Error; err != nil {
		t.Fatal(err)
	}

	payload := ImportPayload{
		RemoteURL:          "https://peer.example",
		RemoteRelativePath: "album/pic.jpg",
		LocalAlbumID:       9,
		RemoteUsername:     "bob",
		Token:              "tok123",
	}
	payloadJSON := marshalPayload(t, payload)

	job := &models.Job{
		ID:          2,
		Kind:        models.JobKindImportAlbumItem,
		UserID:      int32ptr(1),
		PayloadJSON: &payloadJSON,
	}

	h := NewImportHandler(mediaRoot, NewClient("sharedsecret"), store, queue)
	if err := h.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	var member models.AlbumMember
	if err := db.Where("album_id = ? AND media_item_id = ?", 9, existing.ID).First(&member).Error; err != nil {
		t.Fatalf("expected the existing item to be attached to the album: %v", err)
	}

	var updated models.MediaItem
	db.Where("id = ?", existing.ID).First(&updated)
	if updated.RemoteUserID == nil {
		t.Fatal("expected remote_user_id to be set on the existing item")
	}

	var jobCount int64
	db.Model(&models.Job{}).Count(&jobCount)
	if jobCount != 0 {
		t.Fatalf("expected no ingest job enqueued when the item already exists, got %d", jobCount)
	}
}

func int32ptr(v int32) *int32 { return &v }
