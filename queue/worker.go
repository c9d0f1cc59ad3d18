package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantforge/training-backend/config"
	"github.com/quantforge/training-backend/metrics"
	"github.com/quantforge/training-backend/models"
	"github.com/quantforge/training-backend/optimizer"
	"github.com/quantforge/training-backend/stream"
)

type optimizerEngine = optimizer.Engine

// execute runs one job end to end. The job is already registered as current
// by the caller. Every fault is caught at this boundary so a bad job never
// takes the worker down with it.
func (q *Queue) execute(ctx context.Context, job *config.TrainingJob) {
	defer q.endJob()

	q.logger.Info("job started",
		zap.String("job_id", job.ID),
		zap.String("strategy", job.Strategy),
		zap.String("optimizer", job.Optimizer),
		zap.Int64("seed", job.Seed),
	)
	_ = q.logs.Append(job.ID, fmt.Sprintf("training started: %d iterations over %d candles", job.NIterations, job.LookbackCandles), 0, "info")
	q.hub.Publish(job.ID, stream.NewLogEvent(job.ID, "info", "training started", 0))

	sink := newWorkerSink(q, job)
	stallDone := q.watchStall(job.ID, sink)

	result, runErr := q.runEngine(ctx, job, sink)
	close(stallDone)

	switch {
	case models.IsCancellation(runErr):
		q.finishCancelled(job)
	case runErr != nil:
		q.finishFailed(job, runErr)
	default:
		q.finishCompleted(job, result)
	}
}

// runEngine isolates the external optimizer call, converting panics into
// ExecutionErrors with the stack attached.
func (q *Queue) runEngine(ctx context.Context, job *config.TrainingJob, sink *workerSink) (result *optimizer.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &models.ExecutionError{
				JobID: job.ID,
				Cause: fmt.Errorf("optimizer panic: %v\n%s", r, debug.Stack()),
			}
		}
	}()

	var filter models.DataFilterConfig
	if job.DataFilterConfig != "" {
		if jsonErr := json.Unmarshal([]byte(job.DataFilterConfig), &filter); jsonErr != nil {
			return nil, &models.ExecutionError{JobID: job.ID, Cause: fmt.Errorf("bad data filter config: %w", jsonErr)}
		}
	}

	spec := optimizer.Spec{
		JobID:           job.ID,
		Strategy:        job.Strategy,
		Pair:            job.Pair,
		Exchange:        job.Exchange,
		Timeframe:       job.Timeframe,
		Regime:          job.Regime,
		Optimizer:       job.Optimizer,
		Seed:            job.Seed,
		NIterations:     job.NIterations,
		LookbackCandles: job.LookbackCandles,
		Filter:          filter,
	}

	result, err = q.engine.Run(ctx, spec, sink)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		err = &models.CancellationError{JobID: job.ID}
	default:
		err = &models.ExecutionError{JobID: job.ID, Cause: err}
	}
	return result, err
}

func (q *Queue) finishCancelled(job *config.TrainingJob) {
	swapped, err := q.jobs.TransitionStatus(job.ID, config.JobStatusRunning, config.JobStatusCancelled)
	if err != nil || !swapped {
		q.logger.Error("failed to mark job cancelled", zap.String("job_id", job.ID), zap.Error(err))
	}

	// The run context is also cancelled on shutdown; that is an interruption,
	// not an operator cancel.
	reason := "training cancelled by operator; partial results discarded"
	if q.stopping() {
		reason = "training interrupted by worker shutdown; partial results discarded"
	}
	_ = q.logs.Append(job.ID, reason, 0, "warning")
	metrics.JobsFinished.WithLabelValues(config.JobStatusCancelled).Inc()

	q.hub.Terminate(job.ID, stream.NewCompleteEvent(job.ID, config.JobStatusCancelled, "", 0, q.durationOf(job.ID)))
	q.logger.Info("job cancelled", zap.String("job_id", job.ID), zap.String("reason", reason))
}

func (q *Queue) finishFailed(job *config.TrainingJob, runErr error) {
	var trace string
	var execErr *models.ExecutionError
	if errors.As(runErr, &execErr) {
		trace = execErr.Cause.Error()
	}

	swapped, err := q.jobs.MarkFailed(job.ID, runErr.Error(), trace)
	if err != nil || !swapped {
		q.logger.Error("failed to mark job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	_ = q.logs.Append(job.ID, fmt.Sprintf("training failed: %v", runErr), 0, "error")
	metrics.JobsFinished.WithLabelValues(config.JobStatusFailed).Inc()

	q.hub.Terminate(job.ID, stream.NewErrorEvent(job.ID, runErr.Error()))
	q.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(runErr))
}

func (q *Queue) finishCompleted(job *config.TrainingJob, result *optimizer.Result) {
	cfg, err := q.commitConfiguration(job, result)
	if err != nil {
		q.finishFailed(job, &models.ExecutionError{JobID: job.ID, Cause: err})
		return
	}

	paramsJSON, _ := json.Marshal(result.Parameters)
	metricsJSON, _ := json.Marshal(result.Metrics)
	swapped, err := q.jobs.MarkCompleted(job.ID, cfg.ID, result.Score, string(paramsJSON), string(metricsJSON))
	if err != nil || !swapped {
		q.logger.Error("failed to mark job completed", zap.String("job_id", job.ID), zap.Error(err))
	}

	_ = q.jobs.UpsertProgress(&config.TrainingProgress{
		JobID:            job.ID,
		ProgressPct:      100,
		CurrentIteration: job.NIterations,
		TotalIterations:  job.NIterations,
		Stage:            "done",
	})
	_ = q.logs.Append(job.ID, fmt.Sprintf("training completed: configuration %s scored %.4f over %d samples",
		cfg.ID, result.Score, result.Metrics.SampleSize), 100, "success")
	metrics.JobsFinished.WithLabelValues(config.JobStatusCompleted).Inc()

	q.uploadArtifact(job, cfg, result)

	q.hub.Terminate(job.ID, stream.NewCompleteEvent(job.ID, config.JobStatusCompleted, cfg.ID, result.Score, q.durationOf(job.ID)))
	q.logger.Info("job completed",
		zap.String("job_id", job.ID),
		zap.String("config_id", cfg.ID),
		zap.Float64("score", result.Score),
		zap.String("stage", cfg.Status),
	)
}

// commitConfiguration writes the TrainedConfiguration for a successful run
// and asks the governor for its initial lifecycle stage.
func (q *Queue) commitConfiguration(job *config.TrainingJob, result *optimizer.Result) (*config.TrainedConfiguration, error) {
	paramsJSON, err := json.Marshal(result.Parameters)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal parameters: %w", err)
	}

	m := result.Metrics
	cfg := &config.TrainedConfiguration{
		ID:           uuid.New().String(),
		JobID:        job.ID,
		StrategyName: job.Strategy,
		Exchange:     job.Exchange,
		Pair:         job.Pair,
		Timeframe:    job.Timeframe,
		Regime:       job.Regime,

		ParametersJSON: string(paramsJSON),
		ModelVersion:   "1",
		DiscoveryDate:  time.Now(),
		EngineHash:     result.EngineHash,
		RuntimeEnv:     "backend-worker",

		GrossWinRate: m.GrossWinRate,
		NetWinRate:   m.NetWinRate,
		AvgWin:       m.AvgWin,
		AvgLoss:      m.AvgLoss,
		NetProfit:    m.NetProfit,
		SampleSize:   m.SampleSize,
		FeesPaid:     m.FeesPaid,
		SlippagePaid: m.SlippagePaid,
		FillRate:     m.FillRate,

		SharpeRatio:         m.SharpeRatio,
		SortinoRatio:        m.SortinoRatio,
		CalmarRatio:         m.CalmarRatio,
		PValue:              m.PValue,
		ZScore:              m.ZScore,
		StabilityScore:      m.StabilityScore,
		Rolling30dSharpe:    m.SharpeRatio,
		LifetimeSharpeRatio: m.SharpeRatio,

		PositionSizeFactor: 1,
	}
	cfg.Status = q.stages.AssignInitialStage(cfg)

	if err := q.configs.Create(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// uploadArtifact ships the training report when an artifact store is
// configured. Failures never fail the job.
func (q *Queue) uploadArtifact(job *config.TrainingJob, cfg *config.TrainedConfiguration, result *optimizer.Result) {
	if q.artifacts == nil {
		return
	}
	report := map[string]any{
		"job_id":          job.ID,
		"config_id":       cfg.ID,
		"strategy":        job.Strategy,
		"pair":            job.Pair,
		"exchange":        job.Exchange,
		"timeframe":       job.Timeframe,
		"regime":          job.Regime,
		"seed":            job.Seed,
		"best_score":      result.Score,
		"best_parameters": result.Parameters,
		"best_metrics":    result.Metrics,
		"engine_hash":     result.EngineHash,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := q.artifacts.UploadReport(ctx, job.ID, report); err != nil {
		q.logger.Warn("artifact upload failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// watchStall flags a running job whose progress has gone quiet past the
// grace window. Flag only; the job is never auto-killed.
func (q *Queue) watchStall(jobID string, sink *workerSink) chan struct{} {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(q.stallGrace / 2)
		defer ticker.Stop()
		flagged := false
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				last := time.Unix(0, sink.lastProgressNanos.Load())
				stalled := time.Since(last) > q.stallGrace
				if stalled && !flagged {
					q.logger.Warn("job progress stalled", zap.String("job_id", jobID), zap.Duration("grace", q.stallGrace))
					_ = q.jobs.MarkStalled(jobID, true)
					flagged = true
				} else if !stalled && flagged {
					_ = q.jobs.MarkStalled(jobID, false)
					flagged = false
				}
			}
		}
	}()
	return done
}

func (q *Queue) durationOf(jobID string) float64 {
	job, err := q.jobs.Get(jobID)
	if err != nil {
		return 0
	}
	return job.DurationSeconds()
}

// workerSink receives engine callbacks and forwards them to the stores and
// the hub. Progress percent is clamped monotonic here, so observers always
// see it non-decreasing.
type workerSink struct {
	q   *Queue
	job *config.TrainingJob

	lastProgressNanos atomic.Int64
	lastPersist       atomic.Int64
	highWater         atomic.Int64 // progress pct * 100
}

func newWorkerSink(q *Queue, job *config.TrainingJob) *workerSink {
	s := &workerSink{q: q, job: job}
	s.lastProgressNanos.Store(time.Now().UnixNano())
	return s
}

// persistInterval bounds DB writes for candle-level progress so long
// iterations still look alive without hammering the store.
const persistInterval = 500 * time.Millisecond

func (s *workerSink) Progress(p optimizer.Progress) {
	now := time.Now()
	s.lastProgressNanos.Store(now.UnixNano())

	// Monotonic clamp.
	pctScaled := int64(p.ProgressPct * 100)
	for {
		high := s.highWater.Load()
		if pctScaled <= high {
			p.ProgressPct = float64(high) / 100
			break
		}
		if s.highWater.CompareAndSwap(high, pctScaled) {
			break
		}
	}

	if last := s.lastPersist.Load(); now.UnixNano()-last >= int64(persistInterval) {
		if s.lastPersist.CompareAndSwap(last, now.UnixNano()) {
			_ = s.q.jobs.UpsertProgress(&config.TrainingProgress{
				JobID:            s.job.ID,
				ProgressPct:      p.ProgressPct,
				CurrentIteration: p.Iteration,
				TotalIterations:  p.TotalIterations,
				CurrentCandle:    p.Candle,
				TotalCandles:     p.TotalCandles,
				CurrentReward:    p.Reward,
				CurrentLoss:      p.Loss,
				Stage:            p.Stage,
			})
			_ = s.q.jobs.Heartbeat(s.job.ID)
		}
	}

	s.q.hub.Publish(s.job.ID, stream.Event{
		Type: stream.EventTypeProgress,
		Data: stream.ProgressData{
			JobID:            s.job.ID,
			Progress:         p.ProgressPct,
			CurrentIteration: p.Iteration,
			TotalIterations:  p.TotalIterations,
			CurrentCandle:    p.Candle,
			TotalCandles:     p.TotalCandles,
			CurrentReward:    p.Reward,
			CurrentLoss:      p.Loss,
			Stage:            p.Stage,
		},
	})
}

func (s *workerSink) Log(level, message string, progress float64) {
	s.lastProgressNanos.Store(time.Now().UnixNano())
	if err := s.q.logs.Append(s.job.ID, message, progress, level); err != nil {
		s.q.logger.Warn("failed to append training log", zap.String("job_id", s.job.ID), zap.Error(err))
	}
	s.q.hub.Publish(s.job.ID, stream.NewLogEvent(s.job.ID, level, message, progress))
}
