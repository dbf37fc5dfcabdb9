package analysis

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/camden-git/photopipeline/internal/cache"
	"github.com/camden-git/photopipeline/internal/config"
	"github.com/camden-git/photopipeline/internal/mediaanalyzer"
	"github.com/camden-git/photopipeline/internal/mediastore"
	"github.com/camden-git/photopipeline/internal/pipelineerr"
	"github.com/camden-git/photopipeline/internal/visualanalyzer"
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

type fakeClient struct {
	records []visualanalyzer.Record
	err     error
	calls   int
	delay   func()
}

func (f *fakeClient) VisualAnalyze(ctx context.Context, path string) ([]visualanalyzer.Record, error) {
	f.calls++
	if f.delay != nil {
		f.delay()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

func imageEmbedding() []float32 {
	return make([]float32, models.ImageEmbeddingDims)
}

func faceEmbedding() []float32 {
	return make([]float32, models.FaceEmbeddingDims)
}

func writeFile(t *testing.T, root, relativePath string) string {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(relativePath))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte("fake media bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	return abs
}

func createItem(t *testing.T, db *gorm.DB, store *mediastore.Store, relativePath, fileHash string) *models.MediaItem {
	t.Helper()
	item, err := store.CreateFullItem(context.Background(), mediastore.NewItem{
		RelativePath: relativePath,
		FileHash:     fileHash,
		OwnerUserID:  1,
		Metadata: mediaanalyzer.Metadata{
			Features: mediaanalyzer.Features{MimeType: "image/jpeg"},
		},
	})
	if err != nil {
		t.Fatalf("seeding media item: %v", err)
	}
	return item
}

func TestHandleReturnsDependencyUnmetWhenItemNotYetIngested(t *testing.T) {
	db := newTestDB(t)
	root := t.TempDir()
	relativePath := "u1/not-ingested.jpg"

	store := mediastore.New(db, config.Settings{MediaRoot: root, MediaItemIDLength: 12})
	h := New(db, config.Settings{MediaRoot: root}, cache.New(t.TempDir()), &fakeClient{}, store)

	job := &models.Job{ID: 1, Kind: models.JobKindAnalysis, RelativePath: &relativePath}
	err := h.Handle(context.Background(), job)
	if err == nil {
		t.Fatalf("expected an error for a not-yet-ingested item")
	}
	kind, tagged := pipelineerr.As(err)
	if !tagged || kind != pipelineerr.KindDependencyUnmet {
		t.Fatalf("expected KindDependencyUnmet, got %v (tagged=%v)", kind, tagged)
	}
}

func TestHandleStoresRecordsAndChildren(t *testing.T) {
	db := newTestDB(t)
	root := t.TempDir()
	relativePath := "u1/photo.jpg"
	writeFile(t, root, relativePath)

	store := mediastore.New(db, config.Settings{MediaRoot: root, MediaItemIDLength: 12})
	item := createItem(t, db, store, relativePath, "hash1")

	record := visualanalyzer.Record{
		Percentage: 0,
		Embedding:  imageEmbedding(),
		Faces: []visualanalyzer.Face{
			{Embedding: faceEmbedding(), Age: 30, Sex: "female"},
		},
		Objects: []visualanalyzer.DetectedObject{
			{Label: "dog", Confidence: 0.9},
		},
		Quality: visualanalyzer.Quality{
			Measured: visualanalyzer.QualityMeasurement{Blurriness: 0.1, Noisiness: 0.2, Exposure: 0.5, WeightedScore: 0.8},
		},
		Classification: visualanalyzer.Classification{Caption: "a dog in a park", MainSubject: "dog"},
	}
	client := &fakeClient{records: []visualanalyzer.Record{record}}
	h := New(db, config.Settings{MediaRoot: root}, cache.New(t.TempDir()), client, store)

	job := &models.Job{ID: 1, Kind: models.JobKindAnalysis, RelativePath: &relativePath}
	if err := h.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	var va models.VisualAnalysis
	if err := db.Where("media_item_id = ?", item.ID).First(&va).Error; err != nil {
		t.Fatalf("expected visual_analysis row: %v", err)
	}
	if va.Embedding.Dims() != models.ImageEmbeddingDims {
		t.Fatalf("expected %d-dim embedding, got %d", models.ImageEmbeddingDims, va.Embedding.Dims())
	}

	var face models.Face
	if err := db.Where("visual_analysis_id = ?", va.ID).First(&face).Error; err != nil {
		t.Fatalf("expected face row: %v", err)
	}
	var obj models.DetectedObject
	if err := db.Where("visual_analysis_id = ?", va.ID).First(&obj).Error; err != nil {
		t.Fatalf("expected detected_object row: %v", err)
	}
	var quality models.Quality
	if err := db.Where("visual_analysis_id = ?", va.ID).First(&quality).Error; err != nil {
		t.Fatalf("expected quality row: %v", err)
	}
	var classification models.Classification
	if err := db.Where("visual_analysis_id = ?", va.ID).First(&classification).Error; err != nil {
		t.Fatalf("expected classification row: %v", err)
	}
	if classification.Caption == nil || *classification.Caption != "a dog in a park" {
		t.Fatalf("unexpected caption: %+v", classification.Caption)
	}
}

func TestHandleUsesCacheOnSecondAnalysis(t *testing.T) {
	db := newTestDB(t)
	root := t.TempDir()

	store := mediastore.New(db, config.Settings{MediaRoot: root, MediaItemIDLength: 12})
	pathA := "u1/a.jpg"
	pathB := "u1/b.jpg"
	writeFile(t, root, pathA)
	writeFile(t, root, pathB)
	createItem(t, db, store, pathA, "samehash")
	createItem(t, db, store, pathB, "samehash")

	record := visualanalyzer.Record{Embedding: imageEmbedding()}
	client := &fakeClient{records: []visualanalyzer.Record{record}}
	h := New(db, config.Settings{MediaRoot: root}, cache.New(t.TempDir()), client, store)

	jobA := &models.Job{ID: 1, Kind: models.JobKindAnalysis, RelativePath: &pathA}
	if err := h.Handle(context.Background(), jobA); err != nil {
		t.Fatalf("first Handle: %v", err)
	}
	jobB := &models.Job{ID: 2, Kind: models.JobKindAnalysis, RelativePath: &pathB}
	if err := h.Handle(context.Background(), jobB); err != nil {
		t.Fatalf("second Handle: %v", err)
	}

	if client.calls != 1 {
		t.Fatalf("expected the analyzer to run once and the cache to serve the second analysis, got %d calls", client.calls)
	}
}

func TestHandleInvalidatesCacheOnEmbeddingMismatch(t *testing.T) {
	db := newTestDB(t)
	root := t.TempDir()
	relativePath := "u1/a.jpg"
	writeFile(t, root, relativePath)

	store := mediastore.New(db, config.Settings{MediaRoot: root, MediaItemIDLength: 12})
	createItem(t, db, store, relativePath, "hashx")

	c := cache.New(t.TempDir())
	// Seed a cache entry with a wrong-length embedding, simulating an
	// analyzer version bump that changed embedding dimensionality.
	stale := []visualanalyzer.Record{{Embedding: make([]float32, 16)}}
	if err := cache.WriteAnalysis(c, "hashx", stale); err != nil {
		t.Fatalf("seeding stale cache: %v", err)
	}

	client := &fakeClient{records: []visualanalyzer.Record{{Embedding: imageEmbedding()}}}
	h := New(db, config.Settings{MediaRoot: root}, c, client, store)

	job := &models.Job{ID: 1, Kind: models.JobKindAnalysis, RelativePath: &relativePath}
	if err := h.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if client.calls != 1 {
		t.Fatalf("expected the analyzer to be called despite the stale cache entry, got %d calls", client.calls)
	}
}

func TestHandleCancelsWhenItemDeletedDuringAnalysis(t *testing.T) {
	db := newTestDB(t)
	root := t.TempDir()
	relativePath := "u1/slow.jpg"
	writeFile(t, root, relativePath)

	store := mediastore.New(db, config.Settings{MediaRoot: root, MediaItemIDLength: 12})
	createItem(t, db, store, relativePath, "hashy")

	client := &fakeClient{
		records: []visualanalyzer.Record{{Embedding: imageEmbedding()}},
		delay: func() {
			if _, err := store.DeleteByRelativePath(context.Background(), relativePath); err != nil {
				t.Fatalf("deleting item mid-analysis: %v", err)
			}
		},
	}
	h := New(db, config.Settings{MediaRoot: root}, cache.New(t.TempDir()), client, store)

	job := &models.Job{ID: 1, Kind: models.JobKindAnalysis, RelativePath: &relativePath}
	err := h.Handle(context.Background(), job)
	if err == nil {
		t.Fatalf("expected an error for an item deleted during analysis")
	}
	kind, tagged := pipelineerr.As(err)
	if !tagged || kind != pipelineerr.KindCancelled {
		t.Fatalf("expected KindCancelled, got %v (tagged=%v)", kind, tagged)
	}
}

func TestHandleAbortsOnImageEmbeddingMismatch(t *testing.T) {
	db := newTestDB(t)
	root := t.TempDir()
	relativePath := "u1/bad.jpg"
	writeFile(t, root, relativePath)

	store := mediastore.New(db, config.Settings{MediaRoot: root, MediaItemIDLength: 12})
	item := createItem(t, db, store, relativePath, "hashz")

	client := &fakeClient{records: []visualanalyzer.Record{{Embedding: make([]float32, 3)}}}
	h := New(db, config.Settings{MediaRoot: root}, cache.New(t.TempDir()), client, store)

	job := &models.Job{ID: 1, Kind: models.JobKindAnalysis, RelativePath: &relativePath}
	err := h.Handle(context.Background(), job)
	if err == nil {
		t.Fatalf("expected an error for a malformed embedding")
	}
	kind, tagged := pipelineerr.As(err)
	if !tagged || kind != pipelineerr.KindValidation {
		t.Fatalf("expected KindValidation, got %v (tagged=%v)", kind, tagged)
	}

	var count int64
	db.Model(&models.VisualAnalysis{}).Where("media_item_id = ?", item.ID).Count(&count)
	if count != 0 {
		t.Fatalf("expected no visual_analysis row after an aborted transaction, got %d", count)
	}
}

func TestHandleAbortsOnFaceEmbeddingMismatch(t *testing.T) {
	db := newTestDB(t)
	root := t.TempDir()
	relativePath := "u1/badface.jpg"
	writeFile(t, root, relativePath)

	store := mediastore.New(db, config.Settings{MediaRoot: root, MediaItemIDLength: 12})
	item := createItem(t, db, store, relativePath, "hashw")

	record := visualanalyzer.Record{
		Embedding: imageEmbedding(),
		Faces:     []visualanalyzer.Face{{Embedding: make([]float32, 7)}},
	}
	client := &fakeClient{records: []visualanalyzer.Record{record}}
	h := New(db, config.Settings{MediaRoot: root}, cache.New(t.TempDir()), client, store)

	job := &models.Job{ID: 1, Kind: models.JobKindAnalysis, RelativePath: &relativePath}
	err := h.Handle(context.Background(), job)
	if err == nil {
		t.Fatalf("expected an error for a malformed face embedding")
	}
	kind, tagged := pipelineerr.As(err)
	if !tagged || kind != pipelineerr.KindValidation {
		t.Fatalf("expected KindValidation, got %v (tagged=%v)", kind, tagged)
	}

	var count int64
	db.Model(&models.VisualAnalysis{}).Where("media_item_id = ?", item.ID).Count(&count)
	if count != 0 {
		t.Fatalf("expected no visual_analysis row after an aborted transaction, got %d", count)
	}
}
