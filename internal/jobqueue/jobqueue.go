// Package jobqueue implements the durable, Postgres-backed job queue
// described in spec §4.1: a priority queue with leases, heartbeats,
// retries, dependency rescheduling, and cancellation, with at most one
// non-terminal job per (kind, user_id, payload, relative_path).
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/camden-git/photopipeline/internal/logging"
	"github.com/camden-git/photopipeline/models"
)

// StaleHeartbeatThreshold is how old a Running job's last_heartbeat must
// be before another worker may re-claim it (spec §5).
const StaleHeartbeatThreshold = 300 * time.Second

// MaxDependencyAttempts is the threshold above which repeated
// DependencyReschedule outcomes are worth alerting on (spec §8 scenario 4
// implies this is tracked, not enforced as a hard cap).
const MaxDependencyAttempts = 10

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

// Queue is the durable job queue, backed by a relational database through
// GORM for row CRUD plus one hand-built raw SQL statement for the claim
// that needs FOR UPDATE SKIP LOCKED.
type Queue struct {
	db *gorm.DB
}

// New returns a Queue backed by db.
func New(db *gorm.DB) *Queue {
	return &Queue{db: db}
}

// EnqueueOptions describes one job to enqueue. Priority, when zero, is
// resolved from Kind via defaultPriority.
type EnqueueOptions struct {
	Kind         models.JobKind
	RelativePath *string
	UserID       *int32
	Payload      any
	Priority     int
	MaxAttempts  int
}

func defaultPriority(kind models.JobKind) int {
	switch kind {
	case models.JobKindRemove:
		return 0
	case models.JobKindImportAlbumItem:
		return 5
	case models.JobKindIngest:
		return 10
	case models.JobKindThumbnails:
		return 15
	case models.JobKindAnalysis:
		return 20
	case models.JobKindClusterFaces, models.JobKindClusterPhotos:
		return 30
	case models.JobKindScan:
		return 40
	default:
		return 20
	}
}

// Enqueue inserts a job, applying the mutual-exclusion rule (Remove
// cancels any queued/running Ingest/Analysis/Thumbnails for the same
// path, and vice versa) and the dedup rule (at most one non-terminal job
// per kind/user/payload/path). It reports false without error when an
// equivalent job is already active.
func (q *Queue) Enqueue(ctx context.Context, opts EnqueueOptions) (bool, error) {
	if opts.Priority == 0 {
		opts.Priority = defaultPriority(opts.Kind)
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = models.DefaultMaxAttempts
	}

	var payloadText *string
	if opts.Payload != nil {
		raw, err := json.Marshal(opts.Payload)
		if err != nil {
			return false, fmt.Errorf("jobqueue: marshalling payload: %w", err)
		}
		s := string(raw)
		payloadText = &s
	}

	var enqueued bool
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if opts.RelativePath != nil {
			if err := cancelOpposing(tx, opts.Kind, *opts.RelativePath); err != nil {
				return err
			}
		}

		// NULL columns never collide in idx_jobs_dedup, so an active
		// equivalent job is looked for explicitly before inserting.
		var active int64
		if err := tx.Model(&models.Job{}).
			Where(map[string]any{"job_type": opts.Kind, "user_id": opts.UserID, "relative_path": opts.RelativePath, "payload": payloadText}).
			Where("status IN ?", []models.JobStatus{models.JobStatusQueued, models.JobStatusRunning}).
			Count(&active).Error; err != nil {
			return fmt.Errorf("jobqueue: checking for an active equivalent job: %w", err)
		}
		if active > 0 {
			return nil
		}

		job := models.Job{
			Kind:         opts.Kind,
			Priority:     opts.Priority,
			Status:       models.JobStatusQueued,
			RelativePath: opts.RelativePath,
			UserID:       opts.UserID,
			PayloadJSON:  payloadText,
			MaxAttempts:  opts.MaxAttempts,
			ScheduledAt:  time.Now().UTC(),
		}
		res := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "job_type"}, {Name: "user_id"}, {Name: "relative_path"}, {Name: "payload"},
			},
			TargetWhere: clause.Where{
				Exprs: []clause.Expression{clause.Expr{SQL: "status IN ('queued','running')"}},
			},
			DoNothing: true,
		}).Create(&job)
		if res.Error != nil {
			return fmt.Errorf("jobqueue: inserting job: %w", res.Error)
		}
		enqueued = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, err
	}

	if !enqueued {
		logging.L.Warn().Str("kind", string(opts.Kind)).
			Interface("relative_path", opts.RelativePath).
			Msg("jobqueue: not enqueueing, an active equivalent job already exists")
		return false, nil
	}

	logging.L.Info().Str("kind", string(opts.Kind)).
		Interface("relative_path", opts.RelativePath).
		Interface("user_id", opts.UserID).
		Msg("jobqueue: enqueued")
	return true, nil
}

// EnqueueFullIngest enqueues both an Ingest and an Analysis job for path
// under user, the convenience entry point exposed to external
// collaborators (watcher, scanner, S2S import).
func (q *Queue) EnqueueFullIngest(ctx context.Context, relativePath string, userID int32) error {
	if _, err := q.Enqueue(ctx, EnqueueOptions{Kind: models.JobKindIngest, RelativePath: &relativePath, UserID: &userID}); err != nil {
		return err
	}
	if _, err := q.Enqueue(ctx, EnqueueOptions{Kind: models.JobKindAnalysis, RelativePath: &relativePath, UserID: &userID}); err != nil {
		return err
	}
	return nil
}

// HasActiveJobs reports whether any job of one of kinds is currently
// Queued or Running, used by the Scanner to avoid racing its thumbnail
// reconciliation against in-flight Ingest-Thumbnails/Remove work.
func (q *Queue) HasActiveJobs(ctx context.Context, kinds ...models.JobKind) (bool, error) {
	var count int64
	err := q.db.WithContext(ctx).Model(&models.Job{}).
		Where("job_type IN ?", kinds).
		Where("status IN ?", []models.JobStatus{models.JobStatusQueued, models.JobStatusRunning}).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("jobqueue: counting active jobs: %w", err)
	}
	return count > 0, nil
}

func cancelOpposing(tx *gorm.DB, kind models.JobKind, relativePath string) error {
	var opposing []models.JobKind
	switch kind {
	case models.JobKindRemove:
		opposing = []models.JobKind{models.JobKindIngest, models.JobKindAnalysis, models.JobKindThumbnails}
	case models.JobKindIngest, models.JobKindAnalysis, models.JobKindThumbnails:
		opposing = []models.JobKind{models.JobKindRemove}
	default:
		return nil
	}

	res := tx.Model(&models.Job{}).
		Where("relative_path = ?", relativePath).
		Where("status IN ?", []models.JobStatus{models.JobStatusQueued, models.JobStatusRunning}).
		Where("job_type IN ?", opposing).
		Update("status", models.JobStatusCancelled)
	if res.Error != nil {
		return fmt.Errorf("jobqueue: cancelling opposing jobs for %s: %w", relativePath, res.Error)
	}
	if res.RowsAffected > 0 {
		logging.L.Info().Str("relative_path", relativePath).Int64("count", res.RowsAffected).
			Msg("jobqueue: cancelled opposing job(s)")
	}
	return nil
}
