// Package thumbnail implements the Thumbnail Engine (spec §4.6): for a
// given file hash and source path, it produces resized stills (photos) or
// percentage stills plus transcoded previews (videos) into the content
// cache's per-hash thumbnails scratch directory.
package thumbnail

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"

	"github.com/camden-git/photopipeline/internal/cache"
	"github.com/camden-git/photopipeline/internal/config"
)

// Engine produces thumbnails into a Cache's scratch directories.
type Engine struct {
	settings config.Settings
	cache    *cache.Cache
}

// New returns an Engine.
func New(settings config.Settings, c *cache.Cache) *Engine {
	return &Engine{settings: settings, cache: c}
}

// expectedFilenames lists every output thumbs_exist must find for a file
// of the given kind, per the configured heights/video options.
func (e *Engine) expectedFilenames(isVideo bool) []string {
	ext := e.outputExtension()
	names := make([]string, 0, len(e.settings.Heights)+len(e.settings.VideoOptions.Percentages)+len(e.settings.VideoOptions.TranscodeOutputs))
	for _, h := range e.settings.Heights {
		names = append(names, fmt.Sprintf("%dp.%s", h, ext))
	}
	if isVideo {
		for _, p := range e.settings.VideoOptions.Percentages {
			names = append(names, fmt.Sprintf("%d_percent.%s", p, ext))
		}
		for _, out := range e.settings.VideoOptions.TranscodeOutputs {
			names = append(names, fmt.Sprintf("%dp_transcode.%s", out.Height, e.settings.VideoOptions.Extension))
		}
	}
	return names
}

// ThumbsExist reports whether every expected output for hash/isVideo is
// already present in the cache, per spec's thumbs_exist precheck.
func (e *Engine) ThumbsExist(hash string, isVideo bool) bool {
	dir, ok := e.cache.ThumbnailsDir(hash)
	if !ok {
		return false
	}
	for _, name := range e.expectedFilenames(isVideo) {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	return true
}

// imaging only encodes a fixed set of raster formats; the configured
// thumbnail_extension (commonly "avif", following the original's ravif
// encoder) has no Go encoder in the retrieval pack, so unrecognized
// extensions fall back to JPEG. See DESIGN.md.
func (e *Engine) outputExtension() string {
	switch e.settings.ThumbnailExtension {
	case "jpg", "jpeg", "png", "gif", "tiff", "bmp":
		return e.settings.ThumbnailExtension
	default:
		return "jpg"
	}
}

func (e *Engine) outputFormat() imaging.Format {
	switch e.outputExtension() {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	case "tiff":
		return imaging.TIFF
	case "bmp":
		return imaging.BMP
	default:
		return imaging.JPEG
	}
}

// Generate produces every expected output for the source file at
// absSourcePath (identified by hash) into a per-hash scratch directory,
// then merges that directory into the cache via Cache.WriteThumbnails.
// Outputs are skipped individually when skipExisting is set and already
// present in the cache.
func (e *Engine) Generate(ctx context.Context, hash, absSourcePath string, isVideo, skipExisting bool) error {
	scratch, err := os.MkdirTemp("", "thumbnail-*")
	if err != nil {
		return fmt.Errorf("thumbnail: creating scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	existingDir, hasExisting := e.cache.ThumbnailsDir(hash)

	skip := func(name string) bool {
		if !skipExisting || !hasExisting {
			return false
		}
		_, err := os.Stat(filepath.Join(existingDir, name))
		return err == nil
	}

	if isVideo {
		if err := e.generateVideoOutputs(ctx, absSourcePath, scratch, skip); err != nil {
			return err
		}
	} else {
		if err := e.generatePhotoOutputs(absSourcePath, scratch, skip); err != nil {
			return err
		}
	}

	if err := e.cache.WriteThumbnails(hash, scratch); err != nil {
		return fmt.Errorf("thumbnail: merging scratch outputs into cache: %w", err)
	}
	return nil
}

// generatePhotoOutputs produces one resized still per configured height,
// applying EXIF orientation before resizing.
func (e *Engine) generatePhotoOutputs(absSourcePath, scratch string, skip func(string) bool) error {
	ext := e.outputExtension()
	format := e.outputFormat()

	var img image.Image
	var decoded bool
	decode := func() (image.Image, error) {
		if decoded {
			return img, nil
		}
		var err error
		img, err = decodeOriented(absSourcePath)
		decoded = true
		return img, err
	}

	for _, h := range e.settings.Heights {
		name := fmt.Sprintf("%dp.%s", h, ext)
		if skip(name) {
			continue
		}
		src, err := decode()
		if err != nil {
			return fmt.Errorf("thumbnail: decoding %s: %w", absSourcePath, err)
		}
		resized := imaging.Resize(src, 0, h, imaging.Lanczos)

		var saveErr error
		if format == imaging.JPEG {
			saveErr = imaging.Save(resized, filepath.Join(scratch, name), imaging.JPEGQuality(90))
		} else {
			saveErr = imaging.Save(resized, filepath.Join(scratch, name))
		}
		if saveErr != nil {
			return fmt.Errorf("thumbnail: encoding %s: %w", name, saveErr)
		}
	}
	return nil
}

// decodeOriented decodes a photo and applies its EXIF orientation (1-8),
// matching the teacher's goexif-based metadata extraction rather than
// imaging's own auto-orientation decoder option.
func decodeOriented(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}

	if _, err := f.Seek(0, 0); err != nil {
		return img, nil
	}
	exifData, err := exif.Decode(f)
	if err != nil {
		// Most files simply lack EXIF data; this is not fatal.
		return img, nil
	}
	tag, err := exifData.Get(exif.Orientation)
	if err != nil {
		return img, nil
	}
	orientation, err := tag.Int(0)
	if err != nil {
		return img, nil
	}
	return applyOrientation(img, orientation), nil
}

// applyOrientation applies the EXIF orientation transform for values 1-8
// (TIFF/EXIF orientation tag semantics); 1 and any unrecognized value are
// no-ops.
func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

// generateVideoOutputs shells out to ffmpeg for percentage stills, fixed
// height stills, and transcoded previews. ffmpeg is an external media
// tool per the spec's Non-goals; this package only invokes it.
func (e *Engine) generateVideoOutputs(ctx context.Context, absSourcePath, scratch string, skip func(string) bool) error {
	ext := e.outputExtension()
	durationSeconds, err := probeDurationSeconds(ctx, absSourcePath)
	if err != nil {
		return fmt.Errorf("thumbnail: probing duration of %s: %w", absSourcePath, err)
	}

	for _, p := range e.settings.VideoOptions.Percentages {
		name := fmt.Sprintf("%d_percent.%s", p, ext)
		if skip(name) {
			continue
		}
		seekSeconds := durationSeconds * float64(p) / 100
		if err := extractStill(ctx, absSourcePath, filepath.Join(scratch, name), seekSeconds); err != nil {
			return fmt.Errorf("thumbnail: extracting %d%% still: %w", p, err)
		}
	}

	for _, h := range e.settings.Heights {
		name := fmt.Sprintf("%dp.%s", h, ext)
		if skip(name) {
			continue
		}
		seekSeconds := float64(e.settings.VideoOptions.ThumbTime)
		if err := extractStillScaled(ctx, absSourcePath, filepath.Join(scratch, name), seekSeconds, h); err != nil {
			return fmt.Errorf("thumbnail: extracting %dp still: %w", h, err)
		}
	}

	for _, out := range e.settings.VideoOptions.TranscodeOutputs {
		name := fmt.Sprintf("%dp_transcode.%s", out.Height, e.settings.VideoOptions.Extension)
		if skip(name) {
			continue
		}
		if err := transcode(ctx, absSourcePath, filepath.Join(scratch, name), out.Height, out.Quality); err != nil {
			return fmt.Errorf("thumbnail: transcoding %dp preview: %w", out.Height, err)
		}
	}
	return nil
}

func probeDurationSeconds(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	seconds, err := strconv.ParseFloat(trimNewline(out.String()), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe: parsing duration: %w", err)
	}
	return seconds, nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}

func extractStill(ctx context.Context, src, dst string, seekSeconds float64) error {
	return runFFmpeg(ctx,
		"-ss", fmt.Sprintf("%.3f", seekSeconds),
		"-i", src,
		"-frames:v", "1",
		"-y", dst,
	)
}

func extractStillScaled(ctx context.Context, src, dst string, seekSeconds float64, height int) error {
	return runFFmpeg(ctx,
		"-ss", fmt.Sprintf("%.3f", seekSeconds),
		"-i", src,
		"-frames:v", "1",
		"-vf", fmt.Sprintf("scale=-2:%d", height),
		"-y", dst,
	)
}

func transcode(ctx context.Context, src, dst string, height, quality int) error {
	return runFFmpeg(ctx,
		"-i", src,
		"-vf", fmt.Sprintf("scale=-2:%d", height),
		"-crf", strconv.Itoa(quality),
		"-y", dst,
	)
}

func runFFmpeg(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg %v: %w: %s", args, err, stderr.String())
	}
	return nil
}

