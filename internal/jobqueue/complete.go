package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"gorm.io/gorm"

	"github.com/camden-git/photopipeline/internal/logging"
	"github.com/camden-git/photopipeline/models"
)

// Outcome is a handler's terminal or soft-retry result, mapped onto the
// job's state machine by Complete.
type Outcome int

const (
	// OutcomeDone marks the job Done.
	OutcomeDone Outcome = iota
	// OutcomeCancelled marks the job Cancelled: retries would not help.
	OutcomeCancelled
	// OutcomeDependencyReschedule requeues the job without consuming the
	// retry budget, because a precondition (another job's output) isn't
	// ready yet.
	OutcomeDependencyReschedule
)

func isRecordNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// ownerOf returns job's owner column, or "" if unset. Owner is only nil
// for a job that was never claimed, which none of the completion paths
// below should ever see.
func ownerOf(job *models.Job) string {
	if job.Owner == nil {
		return ""
	}
	return *job.Owner
}

// backoff computes a retry delay for the n-th attempt: an exponential
// curve capped at 5 minutes, with up to 20% jitter so many jobs scheduled
// at once don't all wake in lockstep.
func backoff(n int) time.Duration {
	const base = 5 * time.Second
	const capDelay = 5 * time.Minute

	d := base * time.Duration(1<<uint(min(n, 10)))
	if d > capDelay || d <= 0 {
		d = capDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 5))
	return d + jitter
}

// Complete applies a handler's successful (non-error) outcome to job.
func (q *Queue) Complete(ctx context.Context, job *models.Job, outcome Outcome) error {
	owner := ownerOf(job)
	switch outcome {
	case OutcomeDone:
		return q.markDone(ctx, job.ID, owner)
	case OutcomeCancelled:
		return q.markCancelled(ctx, job.ID, owner)
	case OutcomeDependencyReschedule:
		if job.DependencyAttempts+1 > MaxDependencyAttempts {
			logging.L.Warn().Int64("job_id", job.ID).Int("dependency_attempts", job.DependencyAttempts+1).
				Msg("jobqueue: alarmingly many dependency reschedules")
		}
		delay := backoff(job.DependencyAttempts)
		return q.dependencyReschedule(ctx, job.ID, owner, delay)
	default:
		return fmt.Errorf("jobqueue: unknown outcome %d for job %d", outcome, job.ID)
	}
}

// Fail applies a handler error to job: rescheduled for retry with backoff
// if under max_attempts, else marked Failed permanently.
func (q *Queue) Fail(ctx context.Context, job *models.Job, cause error) error {
	owner := ownerOf(job)
	msg := cause.Error()
	if job.Attempts+1 >= job.MaxAttempts {
		return q.markFailed(ctx, job.ID, owner, msg)
	}
	delay := backoff(job.Attempts)
	return q.rescheduleForRetry(ctx, job.ID, owner, delay, msg)
}

// ownedUpdate runs an update scoped to id/owner/status=running, so a
// worker whose job was stale-reclaimed by someone else can never
// overwrite the new owner's row: its WHERE clause simply matches zero
// rows and the call becomes a no-op, per the at-most-one-in-flight
// guarantee Heartbeat also enforces.
func (q *Queue) ownedUpdate(ctx context.Context, jobID int64, owner string, action string, updates map[string]any) error {
	res := q.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND owner = ? AND status = ?", jobID, owner, models.JobStatusRunning).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("jobqueue: %s job %d: %w", action, jobID, res.Error)
	}
	if res.RowsAffected == 0 {
		logging.L.Warn().Int64("job_id", jobID).Str("owner", owner).Str("action", action).
			Msg("jobqueue: no longer owned, ignoring completion")
	}
	return nil
}

func (q *Queue) markDone(ctx context.Context, jobID int64, owner string) error {
	now := time.Now().UTC()
	return q.ownedUpdate(ctx, jobID, owner, "marking done", map[string]any{
		"status":      models.JobStatusDone,
		"finished_at": now,
	})
}

func (q *Queue) markCancelled(ctx context.Context, jobID int64, owner string) error {
	return q.ownedUpdate(ctx, jobID, owner, "marking cancelled", map[string]any{
		"status": models.JobStatusCancelled,
	})
}

func (q *Queue) markFailed(ctx context.Context, jobID int64, owner string, lastError string) error {
	logging.L.Error().Int64("job_id", jobID).Str("last_error", lastError).Msg("jobqueue: marking job failed")
	now := time.Now().UTC()
	return q.ownedUpdate(ctx, jobID, owner, "marking failed", map[string]any{
		"status":      models.JobStatusFailed,
		"finished_at": now,
		"last_error":  lastError,
		"attempts":    gorm.Expr("attempts + 1"),
	})
}

func (q *Queue) rescheduleForRetry(ctx context.Context, jobID int64, owner string, delay time.Duration, lastError string) error {
	logging.L.Warn().Int64("job_id", jobID).Dur("backoff", delay).Msg("jobqueue: rescheduling for retry")
	scheduledAt := time.Now().UTC().Add(delay)
	return q.ownedUpdate(ctx, jobID, owner, "rescheduling for retry", map[string]any{
		"status":       models.JobStatusQueued,
		"scheduled_at": scheduledAt,
		"attempts":     gorm.Expr("attempts + 1"),
		"owner":        nil,
		"started_at":   nil,
		"last_error":   lastError,
	})
}

func (q *Queue) dependencyReschedule(ctx context.Context, jobID int64, owner string, delay time.Duration) error {
	logging.L.Info().Int64("job_id", jobID).Dur("backoff", delay).Msg("jobqueue: dependency not met, rescheduling")
	scheduledAt := time.Now().UTC().Add(delay)
	return q.ownedUpdate(ctx, jobID, owner, "dependency-rescheduling", map[string]any{
		"status":              models.JobStatusQueued,
		"scheduled_at":        scheduledAt,
		"dependency_attempts": gorm.Expr("dependency_attempts + 1"),
		"owner":               nil,
		"started_at":          nil,
		"last_error":          nil,
	})
}
