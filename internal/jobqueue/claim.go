package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/camden-git/photopipeline/models"
)

// claimableColumns lists every column on models.Job in struct-field order,
// so a single Raw().Scan(&job) fills it completely.
const claimableColumns = `id, job_type, priority, status, relative_path, user_id, payload,
	attempts, max_attempts, dependency_attempts, last_error,
	scheduled_at, started_at, finished_at, last_heartbeat, owner, created_at, updated_at`

// buildClaimNextSQL builds the atomic claim query: a candidate CTE
// selecting the single best eligible row under FOR UPDATE SKIP LOCKED,
// then an UPDATE of just that row. GORM can't express the SKIP LOCKED
// subquery cleanly, so the candidate SELECT is built with squirrel and
// spliced into a hand-written UPDATE ... RETURNING statement.
func buildClaimNextSQL(workerID string) (string, []any, error) {
	candidateSQL, candidateArgs, err := psql.Select("id").
		From("jobs").
		Where(squirrel.Or{
			squirrel.And{
				squirrel.Eq{"status": models.JobStatusQueued},
				squirrel.Expr("scheduled_at <= now()"),
			},
			squirrel.And{
				squirrel.Eq{"status": models.JobStatusRunning},
				squirrel.Expr(fmt.Sprintf("last_heartbeat < now() - interval '%d seconds'", int(StaleHeartbeatThreshold.Seconds()))),
			},
		}).
		OrderBy("priority", "relative_path DESC", "scheduled_at", "created_at").
		Suffix("FOR UPDATE SKIP LOCKED").
		Limit(1).
		ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("jobqueue: building candidate select: %w", err)
	}

	ownerPlaceholder := fmt.Sprintf("$%d", len(candidateArgs)+1)
	query := fmt.Sprintf(`
		WITH candidate AS (%s)
		UPDATE jobs
		SET status = 'running',
		    owner = %s,
		    started_at = now(),
		    last_heartbeat = now(),
		    attempts = CASE WHEN status = 'running' THEN attempts + 1 ELSE attempts END
		WHERE id = (SELECT id FROM candidate)
		RETURNING %s
	`, candidateSQL, ownerPlaceholder, claimableColumns)

	return query, append(candidateArgs, workerID), nil
}

// ClaimNext atomically claims and returns the next eligible job for
// workerID, or (nil, nil) if none is available. A Running job whose
// last_heartbeat is older than StaleHeartbeatThreshold is eligible for
// re-claim and has its attempts counter incremented; a freshly Queued job
// does not.
func (q *Queue) ClaimNext(ctx context.Context, workerID string) (*models.Job, error) {
	query, args, err := buildClaimNextSQL(workerID)
	if err != nil {
		return nil, err
	}

	var job models.Job
	res := q.db.WithContext(ctx).Raw(query, args...).Scan(&job)
	if res.Error != nil {
		return nil, fmt.Errorf("jobqueue: claiming next job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &job, nil
}

// Heartbeat records liveness for a job this worker currently owns. The
// returned bool reports whether the row was still owned by workerID at
// the time of the update; false means the job was reclaimed out from
// under this worker (stale-heartbeat re-claim by another worker) and the
// caller must abandon it rather than keep running, per spec §4.1/§4.2's
// at-most-one-in-flight guarantee.
func (q *Queue) Heartbeat(ctx context.Context, jobID int64, workerID string) (bool, error) {
	res := q.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND owner = ? AND status = ?", jobID, workerID, models.JobStatusRunning).
		Update("last_heartbeat", time.Now().UTC())
	if res.Error != nil {
		return false, fmt.Errorf("jobqueue: heartbeat for job %d: %w", jobID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// IsCancelled reports whether jobID has been cancelled, or no longer
// exists (both are treated as cancelled, per the original's
// is_job_cancelled semantics: a vanished row means a sibling transaction
// already concluded the work).
func (q *Queue) IsCancelled(ctx context.Context, jobID int64) (bool, error) {
	var job models.Job
	err := q.db.WithContext(ctx).Select("status").Where("id = ?", jobID).First(&job).Error
	if err != nil {
		if isRecordNotFound(err) {
			return true, nil
		}
		return false, fmt.Errorf("jobqueue: checking cancellation for job %d: %w", jobID, err)
	}
	return job.Status == models.JobStatusCancelled, nil
}
