package models

import (
	"database/sql"
	"time"
)

// JobKind enumerates the kinds of work the queue dispatches.
type JobKind string

const (
	JobKindScan            JobKind = "scan"
	JobKindIngest          JobKind = "ingest"
	JobKindAnalysis        JobKind = "analysis"
	JobKindThumbnails      JobKind = "thumbnails"
	JobKindRemove          JobKind = "remove"
	JobKindClusterFaces    JobKind = "cluster_faces"
	JobKindClusterPhotos   JobKind = "cluster_photos"
	JobKindImportAlbumItem JobKind = "import_album_item"
)

// JobStatus is the job's position in its state machine:
// Queued -> Running -> {Done | Cancelled | Failed}, with Running able to
// return to Queued on retry or dependency reschedule.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusDone      JobStatus = "done"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// DefaultMaxAttempts is used for jobs that don't specify one explicitly.
const DefaultMaxAttempts = 5

// Job is the queue's unit of work. See internal/jobqueue for the state
// machine operations (Enqueue, ClaimNext, Heartbeat, Complete).
type Job struct {
	ID       int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	Kind     JobKind `gorm:"column:job_type;not null" json:"kind"`
	Priority int     `gorm:"not null;index" json:"priority"`
	Status   JobStatus `gorm:"not null;index" json:"status"`

	RelativePath *string `gorm:"column:relative_path" json:"relative_path,omitempty"`
	UserID       *int32  `gorm:"column:user_id" json:"user_id,omitempty"`
	// PayloadJSON is the opaque structured payload, stored as text so the
	// dedup index compares it the same way regardless of backend.
	PayloadJSON *string `gorm:"column:payload;type:text" json:"payload,omitempty"`

	Attempts           int    `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts        int    `gorm:"column:max_attempts;not null;default:5" json:"max_attempts"`
	DependencyAttempts int    `gorm:"column:dependency_attempts;not null;default:0" json:"dependency_attempts"`
	LastError          *string `gorm:"column:last_error;type:text" json:"last_error,omitempty"`

	ScheduledAt    time.Time    `gorm:"column:scheduled_at;not null;index" json:"scheduled_at"`
	StartedAt      sql.NullTime `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt     sql.NullTime `gorm:"column:finished_at" json:"finished_at,omitempty"`
	LastHeartbeat  sql.NullTime `gorm:"column:last_heartbeat" json:"last_heartbeat,omitempty"`
	Owner          *string      `gorm:"column:owner" json:"owner,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName explicitly sets the table name for GORM.
func (Job) TableName() string {
	return "jobs"
}

// PendingAlbumMembership is a transient row that tells the ingest handler
// to attach a newly ingested file to a specific album, recorded when an
// S2S import downloads the file ahead of the normal ingest path.
type PendingAlbumMembership struct {
	RelativePath        string `gorm:"primaryKey;column:relative_path" json:"relative_path"`
	AlbumID              uint   `gorm:"column:album_id;not null" json:"album_id"`
	RemoteUserIdentity   string `gorm:"column:remote_user_identity;not null" json:"remote_user_identity"`
	CreatedAt            time.Time `json:"created_at"`
}

// TableName explicitly sets the table name for GORM.
func (PendingAlbumMembership) TableName() string {
	return "pending_album_memberships"
}

// UserRef is the subset of the external user directory's schema the core
// reads and writes. The full user/auth lifecycle lives outside this repo.
type UserRef struct {
	ID           int32  `gorm:"primaryKey;column:id" json:"id"`
	Email        string `gorm:"not null" json:"email"`
	MediaFolder  *string `gorm:"column:media_folder" json:"media_folder,omitempty"`
	IsRemote     bool   `gorm:"column:is_remote;not null;default:false" json:"is_remote"`
}

// TableName explicitly sets the table name for GORM.
func (UserRef) TableName() string {
	return "app_user"
}

// AlbumRef is the subset of the external album schema the core writes to
// when attaching imported/ingested items to an album.
type AlbumRef struct {
	ID   uint   `gorm:"primaryKey;column:id" json:"id"`
	Name string `gorm:"not null" json:"name"`
}

// TableName explicitly sets the table name for GORM.
func (AlbumRef) TableName() string {
	return "albums"
}

// AlbumMember is the join table between albums and media items.
type AlbumMember struct {
	AlbumID     uint `gorm:"primaryKey;column:album_id" json:"album_id"`
	MediaItemID uint `gorm:"primaryKey;column:media_item_id" json:"media_item_id"`
}

// TableName explicitly sets the table name for GORM.
func (AlbumMember) TableName() string {
	return "album_media_items"
}
