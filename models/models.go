package models

import (
	"fmt"
	"strings"
	"time"
)

// DefaultSeed is used when a submission omits the seed so that reruns of the
// same spec remain reproducible.
const DefaultSeed int64 = 42

// Supported optimizer routines.
var ValidOptimizers = map[string]bool{
	"grid":     true,
	"random":   true,
	"bayesian": true,
}

// Supported candle timeframes.
var ValidTimeframes = map[string]bool{
	"1m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "4h": true, "1d": true,
}

// DataFilterConfig controls candle pre-filtering before optimization.
type DataFilterConfig struct {
	EnableFiltering               bool    `json:"enable_filtering"`
	MinVolumeThreshold            float64 `json:"min_volume_threshold"`
	MinPriceMovementPct           float64 `json:"min_price_movement_pct"`
	FilterFlatCandles             bool    `json:"filter_flat_candles"`
	PreserveHighVolumeSinglePrice bool    `json:"preserve_high_volume_single_price"`
}

// TrainingJobRequest is the submission payload for POST /training/submit.
type TrainingJobRequest struct {
	StrategyName     string           `json:"strategy_name" binding:"required"`
	Pair             string           `json:"pair" binding:"required"`
	Exchange         string           `json:"exchange" binding:"required"`
	Timeframe        string           `json:"timeframe" binding:"required"`
	Regime           string           `json:"regime"`
	Optimizer        string           `json:"optimizer" binding:"required"`
	LookbackCandles  int              `json:"lookback_candles"`
	NIterations      int              `json:"n_iterations"`
	Seed             *int64           `json:"seed"`
	DataFilterConfig DataFilterConfig `json:"data_filter_config"`
}

// Validate rejects malformed submissions before they reach the queue.
func (r *TrainingJobRequest) Validate() error {
	if strings.TrimSpace(r.StrategyName) == "" {
		return NewValidationError("strategy_name", "strategy name is required")
	}
	if !strings.Contains(r.Pair, "/") {
		return NewValidationError("pair", fmt.Sprintf("pair %q must be in BASE/QUOTE form", r.Pair))
	}
	if strings.TrimSpace(r.Exchange) == "" {
		return NewValidationError("exchange", "exchange is required")
	}
	if !ValidTimeframes[r.Timeframe] {
		return NewValidationError("timeframe", fmt.Sprintf("unsupported timeframe %q", r.Timeframe))
	}
	if !ValidOptimizers[r.Optimizer] {
		return NewValidationError("optimizer", fmt.Sprintf("optimizer must be one of grid, random, bayesian; got %q", r.Optimizer))
	}
	if r.NIterations <= 0 {
		return NewValidationError("n_iterations", "n_iterations must be positive")
	}
	if r.NIterations > 100000 {
		return NewValidationError("n_iterations", "n_iterations exceeds the 100000 cap")
	}
	if r.LookbackCandles <= 0 {
		return NewValidationError("lookback_candles", "lookback_candles must be positive")
	}
	if r.DataFilterConfig.MinVolumeThreshold < 0 {
		return NewValidationError("data_filter_config.min_volume_threshold", "volume threshold cannot be negative")
	}
	if r.DataFilterConfig.MinPriceMovementPct < 0 {
		return NewValidationError("data_filter_config.min_price_movement_pct", "price movement threshold cannot be negative")
	}
	return nil
}

// SeedOrDefault returns the requested seed, or DefaultSeed when omitted.
func (r *TrainingJobRequest) SeedOrDefault() int64 {
	if r.Seed != nil {
		return *r.Seed
	}
	return DefaultSeed
}

// TrainingJobSummary is the queue-listing projection of a job: context,
// status and progress only, no log payloads.
type TrainingJobSummary struct {
	ID              string     `json:"id"`
	StrategyName    string     `json:"strategy_name"`
	Pair            string     `json:"pair"`
	Exchange        string     `json:"exchange"`
	Timeframe       string     `json:"timeframe"`
	Regime          string     `json:"regime"`
	Optimizer       string     `json:"optimizer"`
	Seed            int64      `json:"seed"`
	Status          string     `json:"status"`
	ProgressPct     float64    `json:"progress_pct"`
	CurrentIter     int        `json:"current_iteration"`
	TotalIters      int        `json:"total_iterations"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds"`
	BestConfigID    string     `json:"best_config_id,omitempty"`
	BestScore       float64    `json:"best_score,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

// LogEntry is the replay representation of one training_logs row.
type LogEntry struct {
	JobID     string    `json:"job_id"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Progress  float64   `json:"progress"`
	LogLevel  string    `json:"log_level"`
}

// ConfigurationFilter narrows GET /training/configurations results.
type ConfigurationFilter struct {
	Strategy string
	Exchange string
	Pair     string
	Status   string
	IsActive *bool
}
