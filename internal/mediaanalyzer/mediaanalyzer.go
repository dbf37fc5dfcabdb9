// Package mediaanalyzer derives intrinsic metadata (EXIF, GPS, time,
// weather, camera settings) from a media file path, adapting the
// teacher's utils/metadata.go goexif logic into the Media Analyzer
// Client interface consumed by internal/ingest.
package mediaanalyzer

import (
	"context"
	"time"
)

// GPS is the position a file's EXIF GPS tags resolved to, if present.
type GPS struct {
	Latitude  float64
	Longitude float64
	Altitude  *float64
}

// Weather is point-in-time weather data associated with where and when a
// photo was taken, resolved via an external weather provider keyed by
// GPS + local_taken_at. Out of scope here beyond the interface: the
// default client never populates it.
type Weather struct {
	TemperatureC *float64
	Condition    *string
}

// Features captures the miscellaneous per-file attributes the original
// groups under "media features".
type Features struct {
	MimeType    string
	SizeBytes   int64
	IsMotion    bool
	IsHDR       bool
	IsBurst     bool
	FPS         *float64
}

// CameraSettings mirrors the teacher's Metadata fields.
type CameraSettings struct {
	Aperture     *float64
	ShutterSpeed *string
	ISO          *int
	FocalLength  *float64
	LensMake     *string
	LensModel    *string
	CameraMake   *string
	CameraModel  *string
}

// Panorama describes panoramic-image projection metadata, when present.
type Panorama struct {
	IsPanorama      bool
	ProjectionType  *string
	FullPanoWidth   *int
	FullPanoHeight  *int
}

// TimeSource records how UTCTakenAt (if any) was derived. The same
// vocabulary is used by mediastore when it falls back further; see
// models.TimeDetail.Source.
type TimeSource string

const (
	// TimeSourceNone means no timestamp could be derived at all; ingest
	// falls back to the file's own mtime.
	TimeSourceNone TimeSource = ""
	// TimeSourceExifOffset means EXIF carried both a local time and a UTC
	// offset tag, so UTC is known precisely.
	TimeSourceExifOffset TimeSource = "exif_offset"
	// TimeSourceGPS means EXIF carried a GPS timestamp (always UTC) that
	// was used directly.
	TimeSourceGPS TimeSource = "gps"
)

// Metadata is everything the analyzer derived from one file.
type Metadata struct {
	Width   int
	Height  int
	IsVideo bool
	// DurationMs is populated for videos only.
	DurationMs *int64

	// LocalTakenAt is the capture time in whatever timezone the device
	// recorded, with no offset applied. Falls back to the file's mtime
	// when no EXIF/container timestamp exists.
	LocalTakenAt time.Time
	// UTCTakenAt is non-nil only when TimeSource is exif_offset or gps.
	UTCTakenAt *time.Time
	TimeSource TimeSource

	GPS      *GPS
	Weather  *Weather
	Features Features
	Camera   *CameraSettings
	Panorama *Panorama
}

// Client derives Metadata from a file path. The default implementation,
// ExifClient, covers photos via goexif and videos via ffprobe; ML-derived
// fields (everything in internal/visualanalyzer) are out of scope here.
type Client interface {
	Analyze(ctx context.Context, path string) (Metadata, error)
}
