package jobqueue

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/camden-git/photopipeline/models"
)

// dedupIndexName is the partial unique index the dedup rule in spec §3
// and §4.1 depends on: at most one non-terminal row per (kind, user_id,
// relative_path, payload). It's a plain multi-column index rather than
// the original's coalesce()/md5()-normalized expression index — NULL
// user_id/relative_path/payload therefore don't collide with each other
// under NULL-distinct unique semantics, so the index alone misses
// duplicates of any job with a NULL column (an Ingest job, for one,
// carries no payload); Enqueue looks for an active equivalent job itself
// before inserting. See DESIGN.md.
const dedupIndexName = "idx_jobs_dedup"

// EnsureSchema creates the jobs table (via GORM AutoMigrate) and the
// partial unique index Enqueue's ON CONFLICT clause targets. GORM's
// struct tags can express a plain composite index but not one scoped by
// a WHERE predicate, so it's created with one raw statement, following
// the teacher's own loop-of-CREATE-TABLE-IF-NOT-EXISTS migration style.
func EnsureSchema(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Job{}); err != nil {
		return fmt.Errorf("jobqueue: migrating jobs table: %w", err)
	}

	stmt := fmt.Sprintf(`
		CREATE UNIQUE INDEX IF NOT EXISTS %s ON jobs (
			job_type, user_id, relative_path, payload
		) WHERE status IN ('queued', 'running')
	`, dedupIndexName)
	if err := db.Exec(stmt).Error; err != nil {
		return fmt.Errorf("jobqueue: creating %s: %w", dedupIndexName, err)
	}
	return nil
}
