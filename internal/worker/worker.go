// Package worker runs the goroutine pool that drains internal/jobqueue:
// each worker polls for the next eligible job, dispatches it to a
// registered Handler by kind, sends heartbeats while the handler runs,
// and reports the outcome back to the queue. See spec §4.2 and §5.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/camden-git/photopipeline/internal/jobqueue"
	"github.com/camden-git/photopipeline/internal/logging"
	"github.com/camden-git/photopipeline/internal/pipelineerr"
	"github.com/camden-git/photopipeline/models"
)

// Handler executes one job's work. A returned error is inspected with
// pipelineerr.As to decide the queue outcome; an un-tagged error is
// treated as transient and retried through Fail.
type Handler func(ctx context.Context, job *models.Job) error

// HeartbeatInterval is how often a running job's liveness is renewed.
// It must stay comfortably under jobqueue.StaleHeartbeatThreshold so a
// slow-but-alive handler is never mistaken for dead.
const HeartbeatInterval = 30 * time.Second

// PollInterval is how often an idle worker checks for newly eligible
// work when ClaimNext finds nothing.
const PollInterval = 2 * time.Second

// Pool is a fixed-size pool of workers draining a single jobqueue.Queue.
type Pool struct {
	queue    *jobqueue.Queue
	handlers map[models.JobKind]Handler

	numWorkers int
	idPrefix   string

	wg       sync.WaitGroup
	stopChan chan struct{}
}

// NewPool builds a pool of numWorkers goroutines, each identified to the
// queue as "<idPrefix>-<n>" for the owner column.
func NewPool(queue *jobqueue.Queue, numWorkers int, idPrefix string) *Pool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &Pool{
		queue:      queue,
		handlers:   make(map[models.JobKind]Handler),
		numWorkers: numWorkers,
		idPrefix:   idPrefix,
		stopChan:   make(chan struct{}),
	}
}

// Register binds a Handler to a job kind. Call before Start; Register is
// not safe to call concurrently with a running pool.
func (p *Pool) Register(kind models.JobKind, h Handler) {
	p.handlers[kind] = h
}

// Start launches the worker goroutines. It returns immediately; call
// Stop to shut the pool down.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(p.numWorkers)
	for i := 0; i < p.numWorkers; i++ {
		workerID := fmt.Sprintf("%s-%d", p.idPrefix, i)
		go p.run(ctx, workerID)
	}
	logging.L.Info().Int("workers", p.numWorkers).Str("id_prefix", p.idPrefix).Msg("worker: pool started")
}

// Stop signals every worker to finish its current job and exit, then
// blocks until they have, or until ctx is done, whichever comes first —
// a handler still running when ctx is done is abandoned, and the job it
// owns becomes eligible for stale re-claim once its heartbeat lapses.
func (p *Pool) Stop(ctx context.Context) {
	close(p.stopChan)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logging.L.Info().Msg("worker: pool stopped")
	case <-ctx.Done():
		logging.L.Warn().Msg("worker: shutdown deadline reached, abandoning in-flight jobs")
	}
}

func (p *Pool) run(ctx context.Context, workerID string) {
	defer p.wg.Done()
	logger := logging.L.With().Str("worker_id", workerID).Logger()
	logger.Info().Msg("worker: started")

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	poll := func() {
		job, err := p.queue.ClaimNext(ctx, workerID)
		if err != nil {
			logger.Error().Err(err).Msg("worker: claiming next job")
			return
		}
		if job == nil {
			return
		}
		p.process(ctx, workerID, job)
	}

	poll()
	for {
		select {
		case <-p.stopChan:
			logger.Info().Msg("worker: stopping, no job in flight")
			return
		case <-ctx.Done():
			logger.Info().Msg("worker: context cancelled, stopping")
			return
		case <-ticker.C:
			poll()
		}
	}
}

func (p *Pool) process(ctx context.Context, workerID string, job *models.Job) {
	jobLogger := logging.ForJob(job.ID, string(job.Kind), workerID)

	handler, ok := p.handlers[job.Kind]
	if !ok {
		jobLogger.Error().Msg("worker: no handler registered for job kind")
		if err := p.queue.Fail(ctx, job, fmt.Errorf("worker: no handler registered for kind %q", job.Kind)); err != nil {
			jobLogger.Error().Err(err).Msg("worker: failing unhandled job")
		}
		return
	}

	jobCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go p.heartbeatLoop(jobCtx, cancelHeartbeat, workerID, job.ID)

	jobLogger.Info().Msg("worker: claimed job")
	err := p.runHandler(jobCtx, handler, job)
	cancelHeartbeat()

	if err == nil {
		if completeErr := p.queue.Complete(ctx, job, jobqueue.OutcomeDone); completeErr != nil {
			jobLogger.Error().Err(completeErr).Msg("worker: marking job done")
		} else {
			jobLogger.Info().Msg("worker: job done")
		}
		return
	}

	p.dispatchOutcome(ctx, job, err)
}

// runHandler invokes h, converting a panic into an error so one bad job
// can't take a worker goroutine down with it.
func (p *Pool) runHandler(ctx context.Context, h Handler, job *models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker: handler panicked: %v", r)
		}
	}()
	return h(ctx, job)
}

func (p *Pool) dispatchOutcome(ctx context.Context, job *models.Job, err error) {
	jobLogger := logging.ForJob(job.ID, string(job.Kind), "")
	kind, tagged := pipelineerr.As(err)
	if !tagged {
		jobLogger.Warn().Err(err).Msg("worker: handler returned an untagged error, treating as transient")
		if failErr := p.queue.Fail(ctx, job, err); failErr != nil {
			jobLogger.Error().Err(failErr).Msg("worker: recording failure")
		}
		return
	}

	switch kind {
	case pipelineerr.KindCancelled, pipelineerr.KindNotFound:
		jobLogger.Info().Err(err).Msg("worker: job moot, marking cancelled")
		if completeErr := p.queue.Complete(ctx, job, jobqueue.OutcomeCancelled); completeErr != nil {
			jobLogger.Error().Err(completeErr).Msg("worker: marking job cancelled")
		}
	case pipelineerr.KindDependencyUnmet:
		jobLogger.Info().Err(err).Msg("worker: dependency not met, rescheduling")
		if completeErr := p.queue.Complete(ctx, job, jobqueue.OutcomeDependencyReschedule); completeErr != nil {
			jobLogger.Error().Err(completeErr).Msg("worker: dependency-rescheduling job")
		}
	case pipelineerr.KindTransient, pipelineerr.KindValidation, pipelineerr.KindConflict:
		jobLogger.Warn().Err(err).Msg("worker: job failed")
		if failErr := p.queue.Fail(ctx, job, err); failErr != nil {
			jobLogger.Error().Err(failErr).Msg("worker: recording failure")
		}
	default:
		jobLogger.Error().Err(err).Msg("worker: unrecognized pipeline error kind, treating as transient")
		if failErr := p.queue.Fail(ctx, job, err); failErr != nil {
			jobLogger.Error().Err(failErr).Msg("worker: recording failure")
		}
	}
}

// heartbeatLoop renews jobID's liveness every HeartbeatInterval. If the
// queue reports the row is no longer owned by workerID — another worker
// stale-reclaimed it — cancel aborts the in-flight handler's context so
// this worker stops working a job someone else now owns.
func (p *Pool) heartbeatLoop(ctx context.Context, cancel context.CancelFunc, workerID string, jobID int64) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			owned, err := p.queue.Heartbeat(ctx, jobID, workerID)
			if err != nil {
				logging.L.Warn().Int64("job_id", jobID).Err(err).Msg("worker: heartbeat failed")
				continue
			}
			if !owned {
				logging.L.Warn().Int64("job_id", jobID).Str("worker_id", workerID).
					Msg("worker: job no longer owned, abandoning")
				cancel()
				return
			}
		}
	}
}
