// Package appctx wires every package in this repo into the single
// process-wide set of collaborators cmd/pipelined needs: the database
// pool, the content cache, the analyzer clients, the notification bus,
// and the job queue. Constructing it is the only place in the repo that
// knows about every other package at once, following the teacher's own
// main.go habit of building its repositories and handlers in one place
// before wiring them into the router.
package appctx

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/camden-git/photopipeline/internal/cache"
	"github.com/camden-git/photopipeline/internal/config"
	"github.com/camden-git/photopipeline/internal/jobqueue"
	"github.com/camden-git/photopipeline/internal/mediaanalyzer"
	"github.com/camden-git/photopipeline/internal/mediastore"
	"github.com/camden-git/photopipeline/internal/notify"
	"github.com/camden-git/photopipeline/internal/visualanalyzer"
	"github.com/camden-git/photopipeline/models"
)

// App holds every collaborator cmd/pipelined needs to start the watcher,
// scanner, cluster tickers, and worker pool. Nothing here is mutated
// after New returns; callers share it by pointer across goroutines.
type App struct {
	Settings config.Settings

	DB    *gorm.DB
	Cache *cache.Cache

	MediaAnalyzer  mediaanalyzer.Client
	VisualAnalyzer visualanalyzer.Client

	Store *mediastore.Store
	Queue *jobqueue.Queue
	Bus   *notify.Bus
}

// New opens the database pool, runs the satellite AutoMigrate, ensures
// the job queue's raw-SQL schema, and constructs every collaborator
// built on top of it. The returned App owns the DB pool; callers should
// defer a Close once it's no longer needed.
func New(settings config.Settings) (*App, error) {
	gormLogger := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(postgres.Open(settings.DatabaseURL), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("appctx: connecting to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("appctx: getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(settings.MaxConnections)
	sqlDB.SetMaxIdleConns(settings.MaxConnections)
	sqlDB.SetConnMaxIdleTime(settings.AcquireTimeout)

	if err := jobqueue.EnsureSchema(db); err != nil {
		return nil, fmt.Errorf("appctx: ensuring job queue schema: %w", err)
	}

	if err := db.AutoMigrate(
		&models.MediaItem{},
		&models.GPSDetail{}, &models.TimeDetail{}, &models.Weather{},
		&models.MediaFeatures{}, &models.CameraSettings{}, &models.Panorama{},
		&models.Location{},
		&models.VisualAnalysis{}, &models.Face{}, &models.DetectedObject{},
		&models.Quality{}, &models.Colors{}, &models.Classification{},
		&models.Person{}, &models.PhotoCluster{}, &models.PhotoClusterMember{},
		&models.PendingAlbumMembership{},
	); err != nil {
		return nil, fmt.Errorf("appctx: running AutoMigrate: %w", err)
	}

	for _, dir := range []string{settings.MediaRoot, settings.ThumbnailRoot, settings.CacheRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("appctx: ensuring storage directory %s: %w", dir, err)
		}
	}

	store := mediastore.New(db, settings)
	queue := jobqueue.New(db)
	bus := notify.New(settings.DatabaseURL, 10*time.Second, time.Minute)

	return &App{
		Settings:       settings,
		DB:             db,
		Cache:          cache.New(settings.CacheRoot),
		MediaAnalyzer:  mediaanalyzer.NewExifClient(settings),
		VisualAnalyzer: visualanalyzer.NewHTTPClient(settings.VisualAnalyzerURL),
		Store:          store,
		Queue:          queue,
		Bus:            bus,
	}, nil
}

// Close releases the database pool and the notification bus's listener
// connection. Safe to call once during shutdown.
func (a *App) Close() error {
	if err := a.Bus.Stop(); err != nil {
		return fmt.Errorf("appctx: stopping notification bus: %w", err)
	}
	sqlDB, err := a.DB.DB()
	if err != nil {
		return fmt.Errorf("appctx: getting underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}
