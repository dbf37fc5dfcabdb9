// Package analysis implements the Analysis Handler (spec §4.5): given a
// relative_path/user_id job, it resolves the already-ingested media item,
// runs (or reuses a cached) visual analysis, and stores every returned
// per-frame record and its child rows, enforcing the embedding-length
// invariant on write as well as on read.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"gorm.io/gorm"

	"github.com/camden-git/photopipeline/internal/cache"
	"github.com/camden-git/photopipeline/internal/config"
	"github.com/camden-git/photopipeline/internal/logging"
	"github.com/camden-git/photopipeline/internal/mediastore"
	"github.com/camden-git/photopipeline/internal/pipelineerr"
	"github.com/camden-git/photopipeline/internal/visualanalyzer"
	"github.com/camden-git/photopipeline/models"
)

// errDimensionMismatch marks an embedding-length violation so storeRecords
// can classify it as Validation rather than Transient once it surfaces from
// the transaction.
var errDimensionMismatch = errors.New("analysis: embedding dimension mismatch")

// Handler runs one Analysis job end to end.
type Handler struct {
	db       *gorm.DB
	settings config.Settings
	cache    *cache.Cache
	analyzer visualanalyzer.Client
	store    *mediastore.Store
}

// New returns a Handler.
func New(db *gorm.DB, settings config.Settings, c *cache.Cache, analyzer visualanalyzer.Client, store *mediastore.Store) *Handler {
	return &Handler{db: db, settings: settings, cache: c, analyzer: analyzer, store: store}
}

// Handle implements worker.Handler for models.JobKindAnalysis.
func (h *Handler) Handle(ctx context.Context, job *models.Job) error {
	if job.RelativePath == nil {
		return pipelineerr.Validation("analysis job has no relative_path", nil)
	}
	relativePath := *job.RelativePath
	jobLogger := logging.ForJob(job.ID, string(job.Kind), "")

	item, err := h.store.FindByRelativePath(ctx, relativePath)
	if err != nil {
		return pipelineerr.Transient("resolving media item", err)
	}
	if item == nil {
		// The Ingest job that creates this row hasn't committed yet (or
		// never will, if it was cancelled): this isn't a failure, it's a
		// precondition that may become true later.
		return pipelineerr.DependencyUnmet("media item not yet ingested for "+relativePath, nil)
	}

	absPath := filepath.Join(h.settings.MediaRoot, filepath.FromSlash(relativePath))
	fileHash := item.FileHash
	if fileHash == "" {
		fileHash, err = cache.HashFile(absPath)
		if err != nil {
			return pipelineerr.Transient("hashing file", err)
		}
	}

	records, err := h.getOrAnalyze(ctx, absPath, fileHash)
	if err != nil {
		return err
	}

	// The item may have been deleted (Remove raced Analysis) while the
	// analyzer ran; re-check right before the write that depends on it.
	current, err := h.store.FindByRelativePath(ctx, relativePath)
	if err != nil {
		return pipelineerr.Transient("re-resolving media item", err)
	}
	if current == nil {
		jobLogger.Info().Str("path", relativePath).Msg("analysis: media item deleted during analysis, cancelling")
		return pipelineerr.Cancelled("media item deleted during analysis", nil)
	}

	if err := h.storeRecords(ctx, current.ID, records); err != nil {
		return err
	}

	jobLogger.Info().Str("path", relativePath).Int("records", len(records)).Msg("analysis: stored visual analysis")
	return nil
}

// getOrAnalyze resolves the visual analyzer's records for fileHash,
// consulting the content cache first. A cache hit is only honored if its
// first record's embedding has the expected dimensionality — an
// embedding-length mismatch invalidates the cache entirely and forces a
// fresh analyzer call, per spec §4.5 and §8.
func (h *Handler) getOrAnalyze(ctx context.Context, absPath, fileHash string) ([]visualanalyzer.Record, error) {
	var cached []visualanalyzer.Record
	hit, err := cache.ReadAnalysis(h.cache, fileHash, &cached)
	if err != nil {
		return nil, pipelineerr.Transient("reading analysis cache", err)
	}
	if hit && len(cached) > 0 && len(cached[0].Embedding) == models.ImageEmbeddingDims {
		return cached, nil
	}

	records, err := h.analyzer.VisualAnalyze(ctx, absPath)
	if err != nil {
		return nil, pipelineerr.Transient("running visual analysis", err)
	}

	if err := cache.WriteAnalysis(h.cache, fileHash, records); err != nil {
		logging.L.Warn().Str("path", absPath).Err(err).Msg("analysis: writing analysis cache, continuing without it")
	}
	return records, nil
}

// storeRecords inserts every record and its children inside one
// transaction, validating embedding dimensionality along the way; any
// violation aborts the whole transaction so a partially-analyzed item is
// never left half-written.
func (h *Handler) storeRecords(ctx context.Context, mediaItemID uint, records []visualanalyzer.Record) error {
	err := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, rec := range records {
			if len(rec.Embedding) != models.ImageEmbeddingDims {
				return fmt.Errorf("%w: image embedding has %d dims, want %d", errDimensionMismatch, len(rec.Embedding), models.ImageEmbeddingDims)
			}
			for _, f := range rec.Faces {
				if len(f.Embedding) != models.FaceEmbeddingDims {
					return fmt.Errorf("%w: face embedding has %d dims, want %d", errDimensionMismatch, len(f.Embedding), models.FaceEmbeddingDims)
				}
			}

			va := &models.VisualAnalysis{
				MediaItemID:  mediaItemID,
				VideoPercent: float64(rec.Percentage),
				Embedding:    toVector(rec.Embedding),
			}
			if err := tx.Create(va).Error; err != nil {
				return fmt.Errorf("analysis: inserting visual analysis: %w", err)
			}

			for _, f := range rec.Faces {
				face := faceFromRecord(va.ID, f)
				if err := tx.Create(&face).Error; err != nil {
					return fmt.Errorf("analysis: inserting face: %w", err)
				}
			}

			for _, o := range rec.Objects {
				obj := models.DetectedObject{
					VisualAnalysisID: va.ID,
					Label:            o.Label,
					Confidence:       float64(o.Confidence),
					BoxX1:            float64(o.Position.X),
					BoxY1:            float64(o.Position.Y),
					BoxX2:            float64(o.Position.X + o.Width),
					BoxY2:            float64(o.Position.Y + o.Height),
				}
				if err := tx.Create(&obj).Error; err != nil {
					return fmt.Errorf("analysis: inserting detected object: %w", err)
				}
			}

			quality := qualityFromRecord(va.ID, rec.Quality)
			if err := tx.Create(&quality).Error; err != nil {
				return fmt.Errorf("analysis: inserting quality: %w", err)
			}

			colors, err := colorsFromRecord(va.ID, rec.ColorData)
			if err != nil {
				return err
			}
			if err := tx.Create(&colors).Error; err != nil {
				return fmt.Errorf("analysis: inserting colors: %w", err)
			}

			classification := classificationFromRecord(va.ID, rec.Classification)
			if err := tx.Create(&classification).Error; err != nil {
				return fmt.Errorf("analysis: inserting classification: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errDimensionMismatch) {
			return pipelineerr.Validation("storing visual analysis", err)
		}
		return pipelineerr.Transient("storing visual analysis", err)
	}
	return nil
}

func toVector(in []float32) models.Vector {
	if in == nil {
		return nil
	}
	out := make(models.Vector, len(in))
	copy(out, in)
	return out
}

func faceFromRecord(visualAnalysisID uint, f visualanalyzer.Face) models.Face {
	age := float64(f.Age)
	sex := f.Sex
	landmarks := models.Vector{
		f.MouthLeft.X, f.MouthLeft.Y,
		f.MouthRight.X, f.MouthRight.Y,
		f.NoseTip.X, f.NoseTip.Y,
		f.EyeLeft.X, f.EyeLeft.Y,
		f.EyeRight.X, f.EyeRight.Y,
	}
	return models.Face{
		VisualAnalysisID: visualAnalysisID,
		Embedding:        toVector(f.Embedding),
		BoxX1:            float64(f.Position.X),
		BoxY1:            float64(f.Position.Y),
		BoxX2:            float64(f.Position.X + f.Width),
		BoxY2:            float64(f.Position.Y + f.Height),
		Landmarks:        landmarks,
		EstimatedAge:     &age,
		EstimatedSex:     &sex,
	}
}

// qualityFromRecord maps the analyzer's measured+judged quality shape onto
// the stored columns. The analyzer reports blurriness, not sharpness;
// absent a known normalization for that inverse, sharpness_score is left
// unset rather than guessed at.
func qualityFromRecord(visualAnalysisID uint, q visualanalyzer.Quality) models.Quality {
	noise := q.Measured.Noisiness
	exposure := q.Measured.Exposure
	overall := q.Measured.WeightedScore
	quality := models.Quality{
		VisualAnalysisID: visualAnalysisID,
		NoiseScore:       &noise,
		ExposureScore:    &exposure,
		OverallScore:     &overall,
	}
	if q.Judged != nil {
		aesthetic := averageJudgement(q.Judged) / 100
		quality.AestheticScore = &aesthetic
	}
	return quality
}

// averageJudgement collapses the judge model's eleven 0-100 dimensions into
// a single aesthetic score; there is no single teacher field this lines up
// with, so a plain mean is used.
func averageJudgement(j *visualanalyzer.QualityJudgement) float64 {
	sum := int(j.Exposure) + int(j.Contrast) + int(j.Sharpness) + int(j.ColorAccuracy) +
		int(j.Composition) + int(j.SubjectClarity) + int(j.VisualImpact) + int(j.Creativity) +
		int(j.ColorHarmony) + int(j.Storytelling) + int(j.StyleSuitability)
	return float64(sum) / 11
}

func colorsFromRecord(visualAnalysisID uint, c visualanalyzer.ColorData) (models.Colors, error) {
	themes, err := json.Marshal(c.Themes)
	if err != nil {
		return models.Colors{}, fmt.Errorf("analysis: marshalling color themes: %w", err)
	}
	prominent, err := json.Marshal(c.ProminentColors)
	if err != nil {
		return models.Colors{}, fmt.Errorf("analysis: marshalling prominent colors: %w", err)
	}
	histogram, err := json.Marshal(c.Histogram)
	if err != nil {
		return models.Colors{}, fmt.Errorf("analysis: marshalling color histogram: %w", err)
	}
	return models.Colors{
		VisualAnalysisID: visualAnalysisID,
		Themes:           string(themes),
		Prominent:        string(prominent),
		HistogramJSON:    string(histogram),
	}, nil
}

// classificationFromRecord maps the analyzer's broad classification fields
// onto the narrower stored columns. visualanalyzer.Classification has no
// direct is_screenshot/is_selfie signal, so those are deliberately left
// false rather than inferred from unrelated fields; category prefers the
// analyzer's explicit photo_type and falls back to its main_subject.
func classificationFromRecord(visualAnalysisID uint, c visualanalyzer.Classification) models.Classification {
	var category *string
	switch {
	case c.PhotoType != nil:
		category = c.PhotoType
	case c.MainSubject != "":
		subject := c.MainSubject
		category = &subject
	}
	caption := c.Caption
	return models.Classification{
		VisualAnalysisID: visualAnalysisID,
		IsDocument:       c.IsDocument,
		Category:         category,
		Caption:          &caption,
		OCRText:          c.OCRText,
	}
}
