// Package queue owns job admission and the single-consumer training worker.
// Submissions land in the job store as PENDING; one background worker drains
// them in FIFO order so at most one job is ever RUNNING. The optimization
// workload is CPU-bound, so concurrency lives with the observers, not the
// workers.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantforge/training-backend/config"
	"github.com/quantforge/training-backend/metrics"
	"github.com/quantforge/training-backend/models"
	"github.com/quantforge/training-backend/repository"
	"github.com/quantforge/training-backend/stream"
)

// wakeBuffer sizes the worker wake-up channel. The database is the durable
// queue; the channel is only a nudge, so overflow is harmless and the poll
// ticker picks up anything missed.
const wakeBuffer = 256

// pollInterval is the fallback cadence for draining PENDING jobs.
const pollInterval = 5 * time.Second

// StageAssigner decides the initial lifecycle stage of a freshly trained
// configuration.
type StageAssigner interface {
	AssignInitialStage(cfg *config.TrainedConfiguration) string
}

// ArtifactUploader ships the training report of a completed job to external
// storage. Implementations must treat failures as non-fatal.
type ArtifactUploader interface {
	UploadReport(ctx context.Context, jobID string, report any) error
}

// Queue is the training job queue plus its worker.
type Queue struct {
	logger    *zap.Logger
	jobs      *repository.JobRepository
	logs      *repository.LogRepository
	configs   *repository.ConfigurationRepository
	hub       *stream.Hub
	engine    optimizerEngine
	stages    StageAssigner
	artifacts ArtifactUploader // nil when artifact storage is not configured

	stallGrace     time.Duration
	heartbeatGrace time.Duration

	wake     chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu            sync.Mutex
	runningID     string
	cancelRunning context.CancelFunc
}

// Options carries optional queue collaborators and tunables.
type Options struct {
	Artifacts  ArtifactUploader
	StallGrace time.Duration
}

// New creates the queue. Start must be called before jobs are processed.
func New(
	logger *zap.Logger,
	jobs *repository.JobRepository,
	logs *repository.LogRepository,
	configs *repository.ConfigurationRepository,
	hub *stream.Hub,
	engine optimizerEngine,
	stages StageAssigner,
	opts Options,
) *Queue {
	stallGrace := opts.StallGrace
	if stallGrace <= 0 {
		stallGrace = 5 * time.Minute
	}
	return &Queue{
		logger:     logger,
		jobs:       jobs,
		logs:       logs,
		configs:    configs,
		hub:        hub,
		engine:     engine,
		stages:     stages,
		artifacts:  opts.Artifacts,
		stallGrace: stallGrace,
		wake:       make(chan struct{}, wakeBuffer),
		stopChan:   make(chan struct{}),
	}
}

// Start recovers state left by a previous process and launches the worker.
// The worker is not running yet, so every RUNNING row is an orphan from a
// dead process whatever its heartbeat says; all of them are failed so a job
// is never left RUNNING forever. PENDING jobs are picked up again in
// submission order.
func (q *Queue) Start(heartbeatGrace time.Duration) error {
	q.heartbeatGrace = heartbeatGrace

	failed, err := q.jobs.FailOrphanedRunning()
	if err != nil {
		return fmt.Errorf("failed to recover orphaned running jobs: %w", err)
	}
	if failed > 0 {
		q.logger.Warn("failed orphaned running jobs from previous process", zap.Int64("count", failed))
	}

	pending, err := q.jobs.ListPending()
	if err != nil {
		return fmt.Errorf("failed to list pending jobs: %w", err)
	}
	if len(pending) > 0 {
		q.logger.Info("requeued pending jobs", zap.Int("count", len(pending)))
		q.nudge()
	}
	metrics.QueueDepth.Set(float64(len(pending)))

	q.wg.Add(1)
	go q.run()
	q.logger.Info("training worker started")
	return nil
}

// Stop signals the worker and waits for it to finish the current job
// boundary work.
func (q *Queue) Stop() {
	close(q.stopChan)
	q.mu.Lock()
	if q.cancelRunning != nil {
		q.cancelRunning()
	}
	q.mu.Unlock()
	q.wg.Wait()
	q.logger.Info("training worker stopped")
}

// Submit validates the request, persists a PENDING job and wakes the worker.
func (q *Queue) Submit(req *models.TrainingJobRequest) (*config.TrainingJob, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	job, err := q.jobs.Create(req, id)
	if err != nil {
		return nil, err
	}

	if err := q.logs.Append(id, fmt.Sprintf("job queued: %s %s on %s (%s, %s optimizer, seed %d)",
		req.StrategyName, req.Pair, req.Exchange, req.Timeframe, req.Optimizer, req.SeedOrDefault()), 0, "info"); err != nil {
		q.logger.Warn("failed to append submission log", zap.String("job_id", id), zap.Error(err))
	}

	metrics.JobsSubmitted.Inc()
	metrics.QueueDepth.Inc()
	q.nudge()

	q.logger.Info("job submitted",
		zap.String("job_id", id),
		zap.String("strategy", req.StrategyName),
		zap.String("pair", req.Pair),
		zap.String("exchange", req.Exchange),
	)
	return job, nil
}

// Cancel stops a job. A PENDING job is removed from the queue immediately; a
// RUNNING job receives a cooperative cancellation signal and is marked
// CANCELLED once the worker observes it at an iteration boundary. Terminal
// jobs return ErrAlreadyTerminal.
func (q *Queue) Cancel(id string) error {
	// PENDING -> CANCELLED wins the race against dequeue via CAS.
	swapped, err := q.jobs.TransitionStatus(id, config.JobStatusPending, config.JobStatusCancelled)
	if err != nil {
		return err
	}
	if swapped {
		metrics.QueueDepth.Dec()
		metrics.JobsFinished.WithLabelValues(config.JobStatusCancelled).Inc()
		_ = q.logs.Append(id, "job cancelled before execution", 0, "warning")
		q.hub.Terminate(id, stream.NewCompleteEvent(id, config.JobStatusCancelled, "", 0, 0))
		q.logger.Info("pending job cancelled", zap.String("job_id", id))
		return nil
	}

	job, err := q.jobs.Get(id)
	if err != nil {
		return err
	}

	switch job.Status {
	case config.JobStatusRunning:
		q.mu.Lock()
		isCurrent := q.runningID == id && q.cancelRunning != nil
		if isCurrent {
			q.cancelRunning()
		}
		q.mu.Unlock()
		if !isCurrent {
			// RUNNING in the store but not on this worker: stale row, the
			// periodic reaper will fail it once its heartbeat lapses.
			return fmt.Errorf("job %s is running on another process", id)
		}
		q.logger.Info("cancellation signalled to running job", zap.String("job_id", id))
		return nil
	default:
		return fmt.Errorf("job %s is %s: %w", id, job.Status, models.ErrAlreadyTerminal)
	}
}

// ListQueue returns summaries of all non-purged jobs in submission order.
func (q *Queue) ListQueue() ([]*models.TrainingJobSummary, error) {
	jobs, err := q.jobs.List()
	if err != nil {
		return nil, err
	}
	summaries := make([]*models.TrainingJobSummary, 0, len(jobs))
	for i := range jobs {
		s, err := q.jobs.ToSummary(&jobs[i])
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

// RunningJobID returns the id of the job currently executing, empty when the
// worker is idle.
func (q *Queue) RunningJobID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.runningID
}

func (q *Queue) nudge() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run is the single worker loop. Serialization of RUNNING jobs follows from
// this being the only goroutine that dequeues.
func (q *Queue) run() {
	defer q.wg.Done()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopChan:
			return
		case <-q.wake:
		case <-ticker.C:
			q.reapStale()
		}
		q.drain()
	}
}

// reapStale fails RUNNING rows this worker does not own. After startup
// recovery such rows should not exist; this is the backstop that keeps the
// single-RUNNING invariant when one appears anyway.
func (q *Queue) reapStale() {
	q.mu.Lock()
	current := q.runningID
	q.mu.Unlock()

	failed, err := q.jobs.FailStaleRunning(q.heartbeatGrace, current)
	if err != nil {
		q.logger.Error("failed to reap stale running jobs", zap.Error(err))
		return
	}
	if failed > 0 {
		q.logger.Warn("failed stale running jobs", zap.Int64("count", failed))
	}
}

// drain processes PENDING jobs one at a time until the queue is empty.
func (q *Queue) drain() {
	for {
		select {
		case <-q.stopChan:
			return
		default:
		}

		pending, err := q.jobs.ListPending()
		if err != nil {
			q.logger.Error("failed to list pending jobs", zap.Error(err))
			return
		}
		if len(pending) == 0 {
			return
		}

		next := pending[0]
		// Register the job before the CAS so a concurrent Cancel always
		// finds the cancel func once the row reads RUNNING.
		ctx := q.beginJob(next.ID)
		swapped, err := q.jobs.TransitionStatus(next.ID, config.JobStatusPending, config.JobStatusRunning)
		if err != nil {
			q.endJob()
			q.logger.Error("failed to transition job to running", zap.String("job_id", next.ID), zap.Error(err))
			return
		}
		if !swapped {
			// Lost the race to a concurrent cancel; move on.
			q.endJob()
			continue
		}
		metrics.QueueDepth.Dec()

		q.execute(ctx, &next)
	}
}

// beginJob registers the job as current and returns its run context.
func (q *Queue) beginJob(id string) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	q.mu.Lock()
	q.runningID = id
	q.cancelRunning = cancel
	q.mu.Unlock()
	return ctx
}

// endJob releases the current job registration and its context.
func (q *Queue) endJob() {
	q.mu.Lock()
	if q.cancelRunning != nil {
		q.cancelRunning()
	}
	q.runningID = ""
	q.cancelRunning = nil
	q.mu.Unlock()
}

// stopping reports whether Stop has been requested.
func (q *Queue) stopping() bool {
	select {
	case <-q.stopChan:
		return true
	default:
		return false
	}
}
