package jobqueue

import (
	"context"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/camden-git/photopipeline/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	if err := EnsureSchema(db); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return db
}

func TestEnqueueDedup(t *testing.T) {
	db := newTestDB(t)
	q := New(db)
	ctx := context.Background()
	path := "u1/photo.jpg"
	userID := int32(1)

	ok, err := q.Enqueue(ctx, EnqueueOptions{Kind: models.JobKindIngest, RelativePath: &path, UserID: &userID})
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if !ok {
		t.Fatalf("expected first enqueue to succeed")
	}

	ok, err = q.Enqueue(ctx, EnqueueOptions{Kind: models.JobKindIngest, RelativePath: &path, UserID: &userID})
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if ok {
		t.Fatalf("expected second identical enqueue to be a no-op")
	}

	var count int64
	db.Model(&models.Job{}).Where("relative_path = ?", path).Count(&count)
	if count != 1 {
		t.Fatalf("expected exactly 1 row, got %d", count)
	}
}

func TestEnqueueRemoveCancelsIngest(t *testing.T) {
	db := newTestDB(t)
	q := New(db)
	ctx := context.Background()
	path := "u1/a.jpg"
	userID := int32(1)

	if _, err := q.Enqueue(ctx, EnqueueOptions{Kind: models.JobKindIngest, RelativePath: &path, UserID: &userID}); err != nil {
		t.Fatalf("enqueue ingest: %v", err)
	}
	if _, err := q.Enqueue(ctx, EnqueueOptions{Kind: models.JobKindRemove, RelativePath: &path, UserID: &userID}); err != nil {
		t.Fatalf("enqueue remove: %v", err)
	}

	var ingest models.Job
	if err := db.Where("relative_path = ? AND job_type = ?", path, models.JobKindIngest).First(&ingest).Error; err != nil {
		t.Fatalf("finding ingest job: %v", err)
	}
	if ingest.Status != models.JobStatusCancelled {
		t.Fatalf("expected ingest to be cancelled, got %s", ingest.Status)
	}

	var remove models.Job
	if err := db.Where("relative_path = ? AND job_type = ?", path, models.JobKindRemove).First(&remove).Error; err != nil {
		t.Fatalf("finding remove job: %v", err)
	}
	if remove.Status != models.JobStatusQueued {
		t.Fatalf("expected remove to remain queued, got %s", remove.Status)
	}
}

func TestBuildClaimNextSQLShape(t *testing.T) {
	query, args, err := buildClaimNextSQL("worker-1")
	if err != nil {
		t.Fatalf("buildClaimNextSQL: %v", err)
	}
	for _, want := range []string{"FOR UPDATE SKIP LOCKED", "WITH candidate AS", "RETURNING", "SET status = 'running'"} {
		if !strings.Contains(query, want) {
			t.Errorf("expected query to contain %q, got:\n%s", want, query)
		}
	}
	if len(args) == 0 || args[len(args)-1] != "worker-1" {
		t.Errorf("expected workerID as final arg, got %v", args)
	}
}

func TestHeartbeatOnlyUpdatesOwnedRunningJob(t *testing.T) {
	db := newTestDB(t)
	q := New(db)
	ctx := context.Background()

	job := models.Job{Kind: models.JobKindIngest, Status: models.JobStatusRunning, Owner: strPtr("w1"), ScheduledAt: time.Now()}
	if err := db.Create(&job).Error; err != nil {
		t.Fatal(err)
	}

	owned, err := q.Heartbeat(ctx, job.ID, "w2")
	if err != nil {
		t.Fatalf("heartbeat by wrong owner: %v", err)
	}
	if owned {
		t.Fatalf("expected heartbeat by wrong owner to report owned=false")
	}
	var reloaded models.Job
	db.First(&reloaded, job.ID)
	if reloaded.LastHeartbeat.Valid {
		t.Fatalf("expected heartbeat from wrong owner to be a no-op")
	}

	owned, err = q.Heartbeat(ctx, job.ID, "w1")
	if err != nil {
		t.Fatalf("heartbeat by correct owner: %v", err)
	}
	if !owned {
		t.Fatalf("expected heartbeat by correct owner to report owned=true")
	}
	db.First(&reloaded, job.ID)
	if !reloaded.LastHeartbeat.Valid {
		t.Fatalf("expected heartbeat to be recorded by correct owner")
	}
}

func TestIsCancelledForMissingRow(t *testing.T) {
	db := newTestDB(t)
	q := New(db)
	cancelled, err := q.IsCancelled(context.Background(), 999)
	if err != nil {
		t.Fatalf("IsCancelled: %v", err)
	}
	if !cancelled {
		t.Fatalf("expected a missing job to be treated as cancelled")
	}
}

func TestCompleteDependencyRescheduleDoesNotConsumeAttempts(t *testing.T) {
	db := newTestDB(t)
	q := New(db)
	ctx := context.Background()

	job := models.Job{Kind: models.JobKindAnalysis, Status: models.JobStatusRunning, Owner: strPtr("w1"), Attempts: 0, MaxAttempts: 5, ScheduledAt: time.Now()}
	if err := db.Create(&job).Error; err != nil {
		t.Fatal(err)
	}

	if err := q.Complete(ctx, &job, OutcomeDependencyReschedule); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var reloaded models.Job
	db.First(&reloaded, job.ID)
	if reloaded.Status != models.JobStatusQueued {
		t.Fatalf("expected job back to queued, got %s", reloaded.Status)
	}
	if reloaded.Attempts != 0 {
		t.Fatalf("expected attempts unchanged, got %d", reloaded.Attempts)
	}
	if reloaded.DependencyAttempts != 1 {
		t.Fatalf("expected dependency_attempts = 1, got %d", reloaded.DependencyAttempts)
	}
	if !reloaded.ScheduledAt.After(time.Now()) {
		t.Fatalf("expected scheduled_at pushed into the future")
	}
}

func TestFailMarksFailedAtMaxAttempts(t *testing.T) {
	db := newTestDB(t)
	q := New(db)
	ctx := context.Background()

	job := models.Job{Kind: models.JobKindIngest, Status: models.JobStatusRunning, Owner: strPtr("w1"), Attempts: 4, MaxAttempts: 5, ScheduledAt: time.Now()}
	if err := db.Create(&job).Error; err != nil {
		t.Fatal(err)
	}

	if err := q.Fail(ctx, &job, errTest{"boom"}); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	var reloaded models.Job
	db.First(&reloaded, job.ID)
	if reloaded.Status != models.JobStatusFailed {
		t.Fatalf("expected job failed, got %s", reloaded.Status)
	}
	if reloaded.LastError == nil || *reloaded.LastError != "boom" {
		t.Fatalf("expected last_error to be recorded")
	}
}

func TestFailReschedulesBelowMaxAttempts(t *testing.T) {
	db := newTestDB(t)
	q := New(db)
	ctx := context.Background()

	job := models.Job{Kind: models.JobKindIngest, Status: models.JobStatusRunning, Owner: strPtr("w1"), Attempts: 1, MaxAttempts: 5, ScheduledAt: time.Now()}
	if err := db.Create(&job).Error; err != nil {
		t.Fatal(err)
	}

	if err := q.Fail(ctx, &job, errTest{"transient"}); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	var reloaded models.Job
	db.First(&reloaded, job.ID)
	if reloaded.Status != models.JobStatusQueued {
		t.Fatalf("expected job requeued, got %s", reloaded.Status)
	}
	if reloaded.Attempts != 2 {
		t.Fatalf("expected attempts incremented to 2, got %d", reloaded.Attempts)
	}
}

type errTest struct{ msg string }

func (e errTest) Error() string { return e.msg }

func strPtr(s string) *string { return &s }
