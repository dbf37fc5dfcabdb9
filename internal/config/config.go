// Package config loads the read-only settings snapshot the pipeline
// consumes. Loading itself, and the HTTP-facing settings admin surface,
// live outside this repo; this package only models the recognized options
// and how they're resolved from the environment, following the teacher's
// own getEnvOrDefault-style loader.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// VideoOptions configures video thumbnail/preview generation.
type VideoOptions struct {
	// Percentages are positions (0-100) within the video duration at which
	// still frames are captured.
	Percentages []int `json:"percentages"`
	// TranscodeOutputs are (height, quality) pairs for transcoded preview
	// renditions.
	TranscodeOutputs []TranscodeOutput `json:"transcode_outputs"`
	ThumbTime        int               `json:"thumb_time_seconds"`
	Extension        string            `json:"extension"`
}

// TranscodeOutput is one (height, quality) transcode target.
type TranscodeOutput struct {
	Height  int `json:"height"`
	Quality int `json:"quality"`
}

// AVIFOptions configures still-image AVIF encoding.
type AVIFOptions struct {
	Quality      int `json:"quality"`
	AlphaQuality int `json:"alpha_quality"`
	Speed        int `json:"speed"`
}

// Settings is the read-only configuration snapshot passed to every
// worker context. The fields from MediaRoot through AcquireTimeout are
// the "recognized options" named in spec.md §6; the fields from
// DatabaseURL on are process wiring. None of them are ever mutated by
// the core.
type Settings struct {
	MediaRoot     string
	ThumbnailRoot string
	CacheRoot     string

	PhotoExtensions    []string
	VideoExtensions    []string
	ThumbnailExtension string
	Heights            []int

	VideoOptions VideoOptions
	AVIFOptions  AVIFOptions

	EnableIngestCache  bool
	MediaItemIDLength  int

	AccessTokenExpiryMinutes       int
	RefreshTokenExpiryDays         int
	AlbumInvitationExpiryMinutes   int

	FallbackTimezone string

	MaxConnections int
	AcquireTimeout time.Duration

	DatabaseURL string

	// S2SSharedSecret verifies album invitation JWTs (see internal/s2s).
	S2SSharedSecret string
	// PublicURL is this instance's own public base URL, used as the `iss`
	// claim when issuing invitation tokens (issuance itself is out of
	// scope; the core only verifies tokens issued elsewhere).
	PublicURL string

	// VisualAnalyzerURL is the base URL of the external visual-ML
	// analyzer service internal/visualanalyzer.HTTPClient calls.
	VisualAnalyzerURL string

	// NumWorkers is how many worker goroutines cmd/pipelined starts per
	// process (spec §5: "N workers per process and M processes per host").
	NumWorkers int
	// ScanInterval is how often the Scanner runs a full reconciliation pass.
	ScanInterval time.Duration
	// ClusterInterval is how often the Cluster Engine reconciles faces and
	// photos for every user.
	ClusterInterval time.Duration
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("config: invalid int for %s=%q, using default %d: %v", key, v, def, err)
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("config: invalid bool for %s=%q, using default %t: %v", key, v, def, err)
		return def
	}
	return b
}

func getEnvCSV(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvIntCSV(key string, def []int) []int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			log.Printf("config: invalid int in CSV for %s: %q: %v", key, p, err)
			continue
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// defaultVideoOptions mirrors the original service's baked-in defaults.
func defaultVideoOptions() VideoOptions {
	return VideoOptions{
		Percentages: []int{10, 50, 90},
		TranscodeOutputs: []TranscodeOutput{
			{Height: 360, Quality: 28},
			{Height: 720, Quality: 24},
		},
		ThumbTime: 1,
		Extension: "jpg",
	}
}

func defaultAVIFOptions() AVIFOptions {
	return AVIFOptions{Quality: 60, AlphaQuality: 80, Speed: 6}
}

// Load resolves the settings snapshot from the environment, optionally
// layering a `.env` file (the teacher's own godotenv habit), with the
// structured nested options that don't map well to flat env vars read as
// JSON from the VIDEO_OPTIONS_JSON and AVIF_OPTIONS_JSON env vars.
func Load() (Settings, error) {
	_ = godotenv.Load() // best-effort; absence is not an error

	root, err := filepath.Abs(getEnv("MEDIA_ROOT", "./media"))
	if err != nil {
		return Settings{}, fmt.Errorf("config: resolving MEDIA_ROOT: %w", err)
	}
	thumbRoot, err := filepath.Abs(getEnv("THUMBNAIL_ROOT", "./thumbnails"))
	if err != nil {
		return Settings{}, fmt.Errorf("config: resolving THUMBNAIL_ROOT: %w", err)
	}
	cacheRoot, err := filepath.Abs(getEnv("CACHE_ROOT", "./cache"))
	if err != nil {
		return Settings{}, fmt.Errorf("config: resolving CACHE_ROOT: %w", err)
	}

	s := Settings{
		MediaRoot:     root,
		ThumbnailRoot: thumbRoot,
		CacheRoot:     cacheRoot,

		PhotoExtensions:    getEnvCSV("PHOTO_EXTENSIONS", []string{"jpg", "jpeg", "png", "heic", "webp"}),
		VideoExtensions:    getEnvCSV("VIDEO_EXTENSIONS", []string{"mp4", "mov", "mkv", "avi"}),
		ThumbnailExtension: getEnv("THUMBNAIL_EXTENSION", "avif"),
		Heights:            getEnvIntCSV("THUMBNAIL_HEIGHTS", []int{200, 500, 1000}),

		VideoOptions: defaultVideoOptions(),
		AVIFOptions:  defaultAVIFOptions(),

		EnableIngestCache: getEnvBool("ENABLE_INGEST_CACHE", true),
		MediaItemIDLength: getEnvInt("MEDIA_ITEM_ID_LENGTH", 22),

		AccessTokenExpiryMinutes:     getEnvInt("ACCESS_TOKEN_EXPIRY_MINUTES", 15),
		RefreshTokenExpiryDays:       getEnvInt("REFRESH_TOKEN_EXPIRY_DAYS", 30),
		AlbumInvitationExpiryMinutes: getEnvInt("ALBUM_INVITATION_EXPIRY_MINUTES", 60*24*7),

		FallbackTimezone: getEnv("FALLBACK_TIMEZONE", ""),

		MaxConnections: getEnvInt("MAX_CONNECTIONS", 20),
		AcquireTimeout: time.Duration(getEnvInt("ACQUIRE_TIMEOUT_SECONDS", 10)) * time.Second,

		DatabaseURL: getEnv("DATABASE_URL", "postgres://localhost:5432/photos?sslmode=disable"),

		S2SSharedSecret: getEnv("S2S_SHARED_SECRET", ""),
		PublicURL:       getEnv("PUBLIC_URL", "http://localhost:8080"),

		VisualAnalyzerURL: getEnv("VISUAL_ANALYZER_URL", "http://localhost:9000"),

		NumWorkers:      getEnvInt("NUM_WORKERS", 4),
		ScanInterval:    time.Duration(getEnvInt("SCAN_INTERVAL_SECONDS", 300)) * time.Second,
		ClusterInterval: time.Duration(getEnvInt("CLUSTER_INTERVAL_SECONDS", 900)) * time.Second,
	}

	if p := os.Getenv("VIDEO_OPTIONS_JSON"); p != "" {
		var vo VideoOptions
		if err := json.Unmarshal([]byte(p), &vo); err != nil {
			log.Printf("config: invalid VIDEO_OPTIONS_JSON, keeping defaults: %v", err)
		} else {
			s.VideoOptions = vo
		}
	}
	if p := os.Getenv("AVIF_OPTIONS_JSON"); p != "" {
		var ao AVIFOptions
		if err := json.Unmarshal([]byte(p), &ao); err != nil {
			log.Printf("config: invalid AVIF_OPTIONS_JSON, keeping defaults: %v", err)
		} else {
			s.AVIFOptions = ao
		}
	}

	return s, nil
}

// IsVideoFile reports whether relativePath's extension is a configured
// video extension.
func (s Settings) IsVideoFile(relativePath string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(relativePath)), ".")
	for _, v := range s.VideoExtensions {
		if ext == v {
			return true
		}
	}
	return false
}

// IsPhotoFile reports whether relativePath's extension is a configured
// photo extension.
func (s Settings) IsPhotoFile(relativePath string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(relativePath)), ".")
	for _, v := range s.PhotoExtensions {
		if ext == v {
			return true
		}
	}
	return false
}

// IsMediaFile reports whether relativePath has a recognized photo or video
// extension.
func (s Settings) IsMediaFile(relativePath string) bool {
	return s.IsPhotoFile(relativePath) || s.IsVideoFile(relativePath)
}
