package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/quantforge/training-backend/config"
	"github.com/quantforge/training-backend/models"
)

// MaxReplayLimit bounds a single historical replay page.
const MaxReplayLimit = 1000

// LogRepository handles the append-only training_logs table.
type LogRepository struct {
	db *gorm.DB
}

// NewLogRepository creates a new repository instance
func NewLogRepository(db *gorm.DB) *LogRepository {
	return &LogRepository{db: db}
}

// Append writes a single log entry. Entries are never updated afterwards.
func (r *LogRepository) Append(jobID, message string, progress float64, level string) error {
	entry := &config.TrainingLog{
		JobID:     jobID,
		Timestamp: time.Now(),
		Message:   message,
		Progress:  progress,
		LogLevel:  level,
	}
	return r.db.Create(entry).Error
}

// Replay returns the most recent entries for a job in chronological order,
// bounded by limit. Subscribers fetch this page before attaching to the live
// stream so history and live events join without a gap.
func (r *LogRepository) Replay(jobID string, limit int) ([]models.LogEntry, error) {
	if limit <= 0 || limit > MaxReplayLimit {
		limit = MaxReplayLimit
	}

	var rows []config.TrainingLog
	err := r.db.Where("job_id = ?", jobID).
		Order("timestamp DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	// Newest-bounded page, returned oldest first.
	entries := make([]models.LogEntry, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		entries = append(entries, toLogEntry(&rows[i]))
	}
	return entries, nil
}

// Recent returns the newest entries across all jobs, newest first.
func (r *LogRepository) Recent(limit int) ([]models.LogEntry, error) {
	if limit <= 0 || limit > MaxReplayLimit {
		limit = 100
	}

	var rows []config.TrainingLog
	err := r.db.Order("timestamp DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	entries := make([]models.LogEntry, 0, len(rows))
	for i := range rows {
		entries = append(entries, toLogEntry(&rows[i]))
	}
	return entries, nil
}

// PurgeOlderThan enforces the retention policy. Old entries are garbage, not
// authoritative state.
func (r *LogRepository) PurgeOlderThan(age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)
	res := r.db.Where("timestamp < ?", cutoff).Delete(&config.TrainingLog{})
	return res.RowsAffected, res.Error
}

func toLogEntry(row *config.TrainingLog) models.LogEntry {
	return models.LogEntry{
		JobID:     row.JobID,
		Timestamp: row.Timestamp,
		Message:   row.Message,
		Progress:  row.Progress,
		LogLevel:  row.LogLevel,
	}
}
