// Command pipelined is the process entrypoint for the ingest/analysis
// core: it wires the database pool, content cache, analyzer clients,
// notification bus, watcher, scanner, cluster tickers, and worker pool,
// then blocks until the process receives a shutdown signal. It exposes
// no HTTP surface of its own; that belongs to the excluded API binary
// that imports these packages.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/camden-git/photopipeline/internal/analysis"
	"github.com/camden-git/photopipeline/internal/appctx"
	"github.com/camden-git/photopipeline/internal/cluster"
	"github.com/camden-git/photopipeline/internal/config"
	"github.com/camden-git/photopipeline/internal/ingest"
	"github.com/camden-git/photopipeline/internal/logging"
	"github.com/camden-git/photopipeline/internal/s2s"
	"github.com/camden-git/photopipeline/internal/scanner"
	"github.com/camden-git/photopipeline/internal/thumbnail"
	"github.com/camden-git/photopipeline/internal/watcher"
	"github.com/camden-git/photopipeline/internal/worker"
	"github.com/camden-git/photopipeline/models"
)

func main() {
	logging.Init()

	settings, err := config.Load()
	if err != nil {
		logging.L.Fatal().Err(err).Msg("pipelined: loading configuration")
	}

	app, err := appctx.New(settings)
	if err != nil {
		logging.L.Fatal().Err(err).Msg("pipelined: building application context")
	}
	defer func() {
		if err := app.Close(); err != nil {
			logging.L.Error().Err(err).Msg("pipelined: closing application context")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := app.Bus.Run(); err != nil && ctx.Err() == nil {
			logging.L.Error().Err(err).Msg("pipelined: notification bus stopped")
		}
	}()

	w, err := watcher.New(settings, app.Store, app.Queue)
	if err != nil {
		logging.L.Fatal().Err(err).Msg("pipelined: starting watcher")
	}
	go func() {
		if err := w.Start(ctx); err != nil && ctx.Err() == nil {
			logging.L.Error().Err(err).Msg("pipelined: watcher stopped")
		}
	}()
	defer w.Stop()

	sc := scanner.New(settings, app.Store, app.Queue)
	go runOnTicker(ctx, settings.ScanInterval, "scanner", func(tickCtx context.Context) error {
		return sc.Scan(tickCtx)
	})

	faceEngine := cluster.New(app.DB, cluster.FaceStrategy{})
	photoEngine := cluster.New(app.DB, cluster.PhotoStrategy{})
	go runOnTicker(ctx, settings.ClusterInterval, "cluster", func(tickCtx context.Context) error {
		return reconcileAllUsers(tickCtx, app, faceEngine, photoEngine)
	})

	pool := worker.NewPool(app.Queue, settings.NumWorkers, "pipelined")

	ingestHandler := ingest.New(app.DB, settings, app.Cache, app.MediaAnalyzer, app.Store, app.Queue)
	pool.Register(models.JobKindIngest, ingestHandler.Handle)

	analysisHandler := analysis.New(app.DB, settings, app.Cache, app.VisualAnalyzer, app.Store)
	pool.Register(models.JobKindAnalysis, analysisHandler.Handle)

	thumbEngine := thumbnail.New(settings, app.Cache)
	thumbHandler := thumbnail.NewHandler(thumbEngine, settings, app.Store, app.Queue)
	pool.Register(models.JobKindThumbnails, thumbHandler.Handle)

	s2sClient := s2s.NewClient(settings.S2SSharedSecret)
	importHandler := s2s.NewImportHandler(settings.MediaRoot, s2sClient, app.Store, app.Queue)
	pool.Register(models.JobKindImportAlbumItem, importHandler.Handle)

	pool.Register(models.JobKindRemove, removeHandler(app))
	pool.Register(models.JobKindClusterFaces, clusterHandler(app, faceEngine))
	pool.Register(models.JobKindClusterPhotos, clusterHandler(app, photoEngine))

	pool.Start(ctx)

	logging.L.Info().Msg("pipelined: started")
	<-ctx.Done()
	logging.L.Info().Msg("pipelined: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool.Stop(shutdownCtx)
}

// runOnTicker fires fn immediately and then every interval, stopping
// when ctx is done. Errors are logged but never stop the ticker — a
// single bad reconciliation pass shouldn't take the loop down with it.
func runOnTicker(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		logging.L.Error().Err(err).Str("loop", name).Msg("pipelined: periodic task failed")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				logging.L.Error().Err(err).Str("loop", name).Msg("pipelined: periodic task failed")
			}
		}
	}
}

// reconcileAllUsers runs both cluster strategies for every user with a
// media folder. It is the ticker-driven alternative to the spec's
// per-job ClusterFaces/ClusterPhotos kinds, which handlers below also
// support for callers that want to trigger a single user's reconcile
// out of band (e.g. right after a burst of ingests).
func reconcileAllUsers(ctx context.Context, app *appctx.App, faceEngine *cluster.Engine[cluster.FaceStrategy], photoEngine *cluster.Engine[cluster.PhotoStrategy]) error {
	users, err := app.Store.ListUsersWithMediaFolders(ctx)
	if err != nil {
		return err
	}
	for _, u := range users {
		if err := faceEngine.Reconcile(ctx, u.ID); err != nil {
			logging.L.Error().Err(err).Int32("user_id", u.ID).Msg("pipelined: face cluster reconcile failed")
		}
		if err := photoEngine.Reconcile(ctx, u.ID); err != nil {
			logging.L.Error().Err(err).Int32("user_id", u.ID).Msg("pipelined: photo cluster reconcile failed")
		}
	}
	return nil
}

// removeHandler deletes the media item (and its satellites via
// ON DELETE CASCADE) at the job's relative_path; it backs
// models.JobKindRemove, enqueued by both the watcher and the scanner
// when a file disappears from disk.
func removeHandler(app *appctx.App) worker.Handler {
	return func(ctx context.Context, job *models.Job) error {
		if job.RelativePath == nil {
			return nil
		}
		_, err := app.Store.DeleteByRelativePath(ctx, *job.RelativePath)
		return err
	}
}

// clusterHandler adapts Engine.Reconcile to worker.Handler for the
// explicit single-user ClusterFaces/ClusterPhotos job kinds.
func clusterHandler[S cluster.Strategy](app *appctx.App, engine *cluster.Engine[S]) worker.Handler {
	return func(ctx context.Context, job *models.Job) error {
		if job.UserID == nil {
			return nil
		}
		return engine.Reconcile(ctx, *job.UserID)
	}
}
