package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/quantforge/training-backend/config"
	"github.com/quantforge/training-backend/models"
)

// JobRepository handles training_jobs and training_progress operations.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new repository instance
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create persists a new training job in PENDING state.
func (r *JobRepository) Create(req *models.TrainingJobRequest, id string) (*config.TrainingJob, error) {
	filterJSON, err := json.Marshal(req.DataFilterConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data filter config: %w", err)
	}

	job := &config.TrainingJob{
		ID:               id,
		Strategy:         req.StrategyName,
		Pair:             req.Pair,
		Exchange:         req.Exchange,
		Timeframe:        req.Timeframe,
		Regime:           req.Regime,
		Optimizer:        req.Optimizer,
		Seed:             req.SeedOrDefault(),
		NIterations:      req.NIterations,
		LookbackCandles:  req.LookbackCandles,
		DataFilterConfig: string(filterJSON),
		Status:           config.JobStatusPending,
	}

	if err := r.db.Create(job).Error; err != nil {
		return nil, fmt.Errorf("failed to create training job: %w", err)
	}
	return job, nil
}

// Get retrieves a training job by ID.
func (r *JobRepository) Get(id string) (*config.TrainingJob, error) {
	var job config.TrainingJob
	if err := r.db.Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
		}
		return nil, err
	}
	return &job, nil
}

// List returns all non-purged jobs ordered by submission time.
func (r *JobRepository) List() ([]config.TrainingJob, error) {
	var jobs []config.TrainingJob
	if err := r.db.Order("created_at ASC").Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// ListPending returns PENDING jobs in FIFO submission order, used for
// startup requeue.
func (r *JobRepository) ListPending() ([]config.TrainingJob, error) {
	var jobs []config.TrainingJob
	err := r.db.Where("status = ?", config.JobStatusPending).
		Order("created_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// TransitionStatus performs a compare-and-swap status update so that
// concurrent cancel and dequeue paths serialize on the row. Returns false
// when the job was not in the expected status.
func (r *JobRepository) TransitionStatus(id, from, to string) (bool, error) {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now(),
	}
	now := time.Now()
	switch to {
	case config.JobStatusRunning:
		updates["started_at"] = now
		updates["heartbeat_at"] = now
	case config.JobStatusCompleted, config.JobStatusFailed, config.JobStatusCancelled:
		updates["completed_at"] = now
	}

	res := r.db.Model(&config.TrainingJob{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkCompleted records the winning configuration on a RUNNING job and moves
// it to COMPLETED.
func (r *JobRepository) MarkCompleted(id, bestConfigID string, bestScore float64, bestParameters, bestMetrics string) (bool, error) {
	res := r.db.Model(&config.TrainingJob{}).
		Where("id = ? AND status = ?", id, config.JobStatusRunning).
		Updates(map[string]interface{}{
			"status":          config.JobStatusCompleted,
			"completed_at":    time.Now(),
			"best_config_id":  bestConfigID,
			"best_score":      bestScore,
			"best_parameters": bestParameters,
			"best_metrics":    bestMetrics,
			"updated_at":      time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkFailed captures the fault on a RUNNING job and moves it to FAILED.
func (r *JobRepository) MarkFailed(id, message, trace string) (bool, error) {
	res := r.db.Model(&config.TrainingJob{}).
		Where("id = ? AND status = ?", id, config.JobStatusRunning).
		Updates(map[string]interface{}{
			"status":        config.JobStatusFailed,
			"completed_at":  time.Now(),
			"error_message": message,
			"error_trace":   trace,
			"updated_at":    time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Heartbeat refreshes the liveness timestamp of a RUNNING job.
func (r *JobRepository) Heartbeat(id string) error {
	return r.db.Model(&config.TrainingJob{}).
		Where("id = ? AND status = ?", id, config.JobStatusRunning).
		Update("heartbeat_at", time.Now()).Error
}

// FailOrphanedRunning fails every RUNNING job regardless of heartbeat age.
// Called before the worker starts: there is a single worker process, so any
// RUNNING row at that point belongs to a dead one.
func (r *JobRepository) FailOrphanedRunning() (int64, error) {
	res := r.db.Model(&config.TrainingJob{}).
		Where("status = ?", config.JobStatusRunning).
		Updates(map[string]interface{}{
			"status":        config.JobStatusFailed,
			"completed_at":  time.Now(),
			"error_message": "worker restarted while job was running; resubmit to retrain",
			"updated_at":    time.Now(),
		})
	return res.RowsAffected, res.Error
}

// FailStaleRunning marks RUNNING jobs other than excludeID whose heartbeat is
// older than the grace window as FAILED. Periodic backstop so a job is never
// left permanently RUNNING; the worker excludes its own current job.
func (r *JobRepository) FailStaleRunning(grace time.Duration, excludeID string) (int64, error) {
	cutoff := time.Now().Add(-grace)
	query := r.db.Model(&config.TrainingJob{}).
		Where("status = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?)", config.JobStatusRunning, cutoff)
	if excludeID != "" {
		query = query.Where("id <> ?", excludeID)
	}
	res := query.Updates(map[string]interface{}{
		"status":        config.JobStatusFailed,
		"completed_at":  time.Now(),
		"error_message": "no heartbeat within grace window; job abandoned by its worker",
		"updated_at":    time.Now(),
	})
	return res.RowsAffected, res.Error
}

// UpsertProgress writes the latest-snapshot progress row for a job.
// ProgressPct never moves backwards.
func (r *JobRepository) UpsertProgress(p *config.TrainingProgress) error {
	var existing config.TrainingProgress
	err := r.db.Where("job_id = ?", p.JobID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		p.UpdatedAt = time.Now()
		return r.db.Create(p).Error
	}
	if err != nil {
		return err
	}
	if p.ProgressPct < existing.ProgressPct {
		p.ProgressPct = existing.ProgressPct
	}
	p.UpdatedAt = time.Now()
	return r.db.Model(&config.TrainingProgress{}).Where("job_id = ?", p.JobID).Updates(p).Error
}

// GetProgress returns the latest snapshot for a job, nil when none exists yet.
func (r *JobRepository) GetProgress(jobID string) (*config.TrainingProgress, error) {
	var p config.TrainingProgress
	err := r.db.Where("job_id = ?", jobID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// MarkStalled flags a job whose progress has gone quiet. Flag only, the job
// is never auto-killed.
func (r *JobRepository) MarkStalled(jobID string, stalled bool) error {
	return r.db.Model(&config.TrainingProgress{}).
		Where("job_id = ?", jobID).
		Update("stalled", stalled).Error
}

// ToSummary converts a database job plus its progress snapshot to the API
// projection.
func (r *JobRepository) ToSummary(job *config.TrainingJob) (*models.TrainingJobSummary, error) {
	summary := &models.TrainingJobSummary{
		ID:              job.ID,
		StrategyName:    job.Strategy,
		Pair:            job.Pair,
		Exchange:        job.Exchange,
		Timeframe:       job.Timeframe,
		Regime:          job.Regime,
		Optimizer:       job.Optimizer,
		Seed:            job.Seed,
		Status:          job.Status,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
		DurationSeconds: job.DurationSeconds(),
		BestConfigID:    job.BestConfigID,
		BestScore:       job.BestScore,
		ErrorMessage:    job.ErrorMessage,
		TotalIters:      job.NIterations,
	}

	progress, err := r.GetProgress(job.ID)
	if err != nil {
		return nil, err
	}
	if progress != nil {
		summary.ProgressPct = progress.ProgressPct
		summary.CurrentIter = progress.CurrentIteration
		if progress.TotalIterations > 0 {
			summary.TotalIters = progress.TotalIterations
		}
	}
	if job.Status == config.JobStatusCompleted {
		summary.ProgressPct = 100
	}
	return summary, nil
}
