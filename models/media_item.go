package models

import "time"

// MediaItem represents one ingested photo or video.
// It corresponds to the 'media_items' table.
type MediaItem struct {
	ID uint `gorm:"primaryKey;autoIncrement" json:"-"`
	// ShortID is the stable, client-facing identifier: a short base64-urlsafe
	// string generated at ingest time (length configured by
	// config.Settings.MediaItemIDLength).
	ShortID string `gorm:"column:short_id;uniqueIndex;not null;size:32" json:"id"`

	OwnerUserID int32  `gorm:"column:owner_user_id;not null;index" json:"owner_user_id"`
	RemoteUserID *int32 `gorm:"column:remote_user_id;index" json:"remote_user_id,omitempty"`

	FileHash     string `gorm:"column:file_hash;not null;index;size:64" json:"file_hash"`
	RelativePath string `gorm:"column:relative_path;uniqueIndex;not null" json:"relative_path"`

	Width  int  `gorm:"not null" json:"width"`
	Height int  `gorm:"not null" json:"height"`
	IsVideo bool `gorm:"column:is_video;not null;default:false" json:"is_video"`
	DurationMs *int64 `gorm:"column:duration_ms" json:"duration_ms,omitempty"`

	// LocalTakenAt is the wall-clock timestamp read from the file (EXIF
	// DateTimeOriginal, or a container's creation time for video), with no
	// timezone attached.
	LocalTakenAt time.Time `gorm:"column:local_taken_at;not null" json:"local_taken_at"`
	// UTCTakenAt is set only when the source embeds an explicit offset or
	// GPS timestamp.
	UTCTakenAt *time.Time `gorm:"column:utc_taken_at" json:"utc_taken_at,omitempty"`
	// SortTimestamp is never null: UTCTakenAt when known, else LocalTakenAt
	// interpreted in the configured fallback timezone, else LocalTakenAt
	// interpreted as UTC. See internal/mediastore.ComputeSortTimestamp.
	SortTimestamp time.Time `gorm:"column:sort_timestamp;not null;index" json:"sort_timestamp"`
	// MonthID is the first-of-month of SortTimestamp (UTC), used to bucket
	// timeline queries without a date_trunc on every read.
	MonthID time.Time `gorm:"column:month_id;not null;index" json:"month_id"`

	LocationID *uint `gorm:"column:location_id" json:"location_id,omitempty"`

	Deleted bool `gorm:"not null;default:false;index" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	GPS             *GPSDetail       `gorm:"foreignKey:MediaItemID;constraint:OnDelete:CASCADE" json:"gps,omitempty"`
	TimeDetail      *TimeDetail      `gorm:"foreignKey:MediaItemID;constraint:OnDelete:CASCADE" json:"time_detail,omitempty"`
	Weather         *Weather         `gorm:"foreignKey:MediaItemID;constraint:OnDelete:CASCADE" json:"weather,omitempty"`
	Features        *MediaFeatures   `gorm:"foreignKey:MediaItemID;constraint:OnDelete:CASCADE" json:"features,omitempty"`
	CameraSettings  *CameraSettings  `gorm:"foreignKey:MediaItemID;constraint:OnDelete:CASCADE" json:"camera_settings,omitempty"`
	Panorama        *Panorama        `gorm:"foreignKey:MediaItemID;constraint:OnDelete:CASCADE" json:"panorama,omitempty"`
	VisualAnalyses  []VisualAnalysis `gorm:"foreignKey:MediaItemID;constraint:OnDelete:CASCADE" json:"visual_analyses,omitempty"`
	Location        *Location        `gorm:"foreignKey:LocationID" json:"location,omitempty"`
}

// TableName explicitly sets the table name for GORM.
func (MediaItem) TableName() string {
	return "media_items"
}
