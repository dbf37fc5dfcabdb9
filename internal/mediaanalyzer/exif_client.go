package mediaanalyzer

import (
	"context"
	"fmt"
	"image"
	"os"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"

	"github.com/camden-git/photopipeline/internal/config"
	"github.com/camden-git/photopipeline/internal/logging"
)

// offsetTimeOriginal is EXIF 2.31's tag for the UTC offset of
// DateTimeOriginal. goexif doesn't expose a named constant for it, so it's
// looked up by its standard tag name like any other Get() call.
const offsetTimeOriginal exif.FieldName = "OffsetTimeOriginal"

// ExifClient analyzes photos with goexif and videos by shelling out to
// ffprobe, following the teacher's own pattern of treating ffmpeg/ffprobe
// as an external tool invoked via os/exec rather than a cgo binding.
type ExifClient struct {
	settings config.Settings
}

// NewExifClient returns a Client backed by goexif + ffprobe.
func NewExifClient(settings config.Settings) *ExifClient {
	return &ExifClient{settings: settings}
}

func (c *ExifClient) Analyze(ctx context.Context, path string) (Metadata, error) {
	if c.settings.IsVideoFile(path) {
		return c.analyzeVideo(ctx, path)
	}
	return c.analyzePhoto(path)
}

func (c *ExifClient) analyzePhoto(path string) (Metadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("mediaanalyzer: statting %s: %w", path, err)
	}

	file, err := os.Open(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("mediaanalyzer: opening %s: %w", path, err)
	}
	defer file.Close()

	meta := Metadata{
		LocalTakenAt: info.ModTime().UTC(),
		Features: Features{
			MimeType:  mimeFromExtension(path),
			SizeBytes: info.Size(),
		},
	}

	if cfg, _, err := image.DecodeConfig(file); err == nil {
		meta.Width, meta.Height = cfg.Width, cfg.Height
	} else {
		logging.L.Warn().Str("path", path).Err(err).Msg("mediaanalyzer: could not decode image dimensions")
	}

	if _, err := file.Seek(0, 0); err != nil {
		return Metadata{}, fmt.Errorf("mediaanalyzer: seeking %s: %w", path, err)
	}

	exifData, err := exif.Decode(file)
	if err != nil {
		logging.L.Debug().Str("path", path).Err(err).Msg("mediaanalyzer: no EXIF data")
		return meta, nil
	}

	meta.Camera = &CameraSettings{
		Aperture:     getRational(exifData, exif.FNumber),
		ShutterSpeed: getShutterSpeed(exifData),
		ISO:          getInt(exifData, exif.ISOSpeedRatings),
		FocalLength:  getRational(exifData, exif.FocalLength),
		LensMake:     getString(exifData, exif.LensMake),
		LensModel:    getString(exifData, exif.LensModel),
		CameraMake:   getString(exifData, exif.Make),
		CameraModel:  getString(exifData, exif.Model),
	}

	if lat, long, err := exifData.LatLong(); err == nil {
		meta.GPS = &GPS{Latitude: lat, Longitude: long}
	}

	if dt, err := exifData.DateTime(); err == nil {
		meta.LocalTakenAt = dt
		if off := getString(exifData, offsetTimeOriginal); off != nil {
			if utc, ok := applyOffset(dt, *off); ok {
				meta.UTCTakenAt = &utc
				meta.TimeSource = TimeSourceExifOffset
			}
		}
	} else {
		logging.L.Debug().Str("path", path).Err(err).Msg("mediaanalyzer: no DateTimeOriginal")
	}

	return meta, nil
}

// applyOffset parses an EXIF offset string like "+02:00" or "-07:00" and
// converts local into UTC.
func applyOffset(local time.Time, offset string) (time.Time, bool) {
	offset = strings.TrimSpace(offset)
	if len(offset) != 6 || (offset[0] != '+' && offset[0] != '-') {
		return time.Time{}, false
	}
	parsed, err := time.Parse("-07:00", offset)
	if err != nil {
		return time.Time{}, false
	}
	_, secs := parsed.Zone()
	naive := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), local.Minute(), local.Second(), local.Nanosecond(), time.UTC)
	return naive.Add(-time.Duration(secs) * time.Second), true
}

func mimeFromExtension(path string) string {
	ext := strings.ToLower(path)
	switch {
	case strings.HasSuffix(ext, ".jpg"), strings.HasSuffix(ext, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(ext, ".png"):
		return "image/png"
	case strings.HasSuffix(ext, ".heic"):
		return "image/heic"
	case strings.HasSuffix(ext, ".webp"):
		return "image/webp"
	case strings.HasSuffix(ext, ".mp4"):
		return "video/mp4"
	case strings.HasSuffix(ext, ".mov"):
		return "video/quicktime"
	case strings.HasSuffix(ext, ".mkv"):
		return "video/x-matroska"
	case strings.HasSuffix(ext, ".avi"):
		return "video/x-msvideo"
	default:
		return "application/octet-stream"
	}
}

func getRational(exifData *exif.Exif, tagName exif.FieldName) *float64 {
	tag, err := exifData.Get(tagName)
	if err != nil || tag == nil {
		return nil
	}
	num, den, err := tag.Rat2(0)
	if err != nil || den == 0 {
		if valInt, errInt := tag.Int(0); errInt == nil {
			fVal := float64(valInt)
			return &fVal
		}
		return nil
	}
	val := float64(num) / float64(den)
	return &val
}

func getInt(exifData *exif.Exif, tagName exif.FieldName) *int {
	tag, err := exifData.Get(tagName)
	if err != nil || tag == nil {
		return nil
	}
	val, err := tag.Int(0)
	if err != nil {
		return nil
	}
	return &val
}

func getString(exifData *exif.Exif, tagName exif.FieldName) *string {
	tag, err := exifData.Get(tagName)
	if err != nil || tag == nil {
		return nil
	}
	val := strings.TrimRight(tag.String(), "\x00\"")
	val = strings.Trim(val, "\"")
	if val == "" {
		return nil
	}
	return &val
}

func getShutterSpeed(exifData *exif.Exif) *string {
	tag, err := exifData.Get(exif.ExposureTime)
	if err != nil || tag == nil {
		return nil
	}
	num, den, err := tag.Rat2(0)
	if err != nil || den == 0 {
		return nil
	}
	if num == 1 && den > 1 {
		s := fmt.Sprintf("1/%d", den)
		return &s
	}
	val := float64(num) / float64(den)
	if val >= 1.0 {
		s := fmt.Sprintf("%.1fs", val)
		return &s
	}
	s := fmt.Sprintf("%.4fs", val)
	return &s
}
