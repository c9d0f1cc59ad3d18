package config

import (
	"time"

	"gorm.io/gorm"
)

// Job status values. A job holds exactly one of these at any time and never
// leaves a terminal status once it is reached.
const (
	JobStatusPending   = "PENDING"
	JobStatusRunning   = "RUNNING"
	JobStatusCompleted = "COMPLETED"
	JobStatusFailed    = "FAILED"
	JobStatusCancelled = "CANCELLED"
)

// IsTerminalStatus reports whether a job status is final.
func IsTerminalStatus(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed || status == JobStatusCancelled
}

// Configuration lifecycle stages.
const (
	StageDiscovery  = "DISCOVERY"
	StageValidation = "VALIDATION"
	StageMature     = "MATURE"
	StageDecay      = "DECAY"
	StagePaper      = "PAPER"
)

// TrainingJob represents a training job in the database
type TrainingJob struct {
	ID        string `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`

	// Configuration context
	Strategy  string `gorm:"index"`
	Pair      string `gorm:"index"`
	Exchange  string `gorm:"index"`
	Timeframe string
	Regime    string
	Optimizer string // grid | random | bayesian
	Seed      int64

	NIterations      int
	LookbackCandles  int
	DataFilterConfig string `gorm:"type:jsonb"` // models.DataFilterConfig as JSON

	Status string `gorm:"index"`

	// Timing
	StartedAt   *time.Time
	CompletedAt *time.Time
	HeartbeatAt *time.Time

	// Result (set only on COMPLETED)
	BestConfigID   string
	BestScore      float64
	BestParameters string `gorm:"type:jsonb"`
	BestMetrics    string `gorm:"type:jsonb"`

	// Failure (set only on FAILED)
	ErrorMessage string `gorm:"type:text"`
	ErrorTrace   string `gorm:"type:text"`
}

// TableName overrides the table name
func (TrainingJob) TableName() string {
	return "training_jobs"
}

// DurationSeconds derives the wall-clock run time, 0 if the job never started
// or has not finished.
func (j *TrainingJob) DurationSeconds() float64 {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt).Seconds()
}

// TrainingProgress is the latest-snapshot progress row, one per job.
// Distinct from the append-only log table.
type TrainingProgress struct {
	JobID     string `gorm:"primaryKey"`
	UpdatedAt time.Time

	ProgressPct      float64
	CurrentIteration int
	TotalIterations  int
	CurrentCandle    int
	TotalCandles     int
	CurrentReward    float64
	CurrentLoss      float64
	Stage            string
	Stalled          bool
}

// TableName overrides the table name
func (TrainingProgress) TableName() string {
	return "training_progress"
}

// TrainingLog is an append-only log/progress entry. Rows are never mutated
// and are removed only by retention purges or cascade from the parent job.
type TrainingLog struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	JobID     string `gorm:"index;not null"`
	Timestamp time.Time `gorm:"index"`
	Message   string `gorm:"type:text"`
	Progress  float64
	LogLevel  string // info | success | error | warning | progress

	Job *TrainingJob `gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName overrides the table name
func (TrainingLog) TableName() string {
	return "training_logs"
}

// TrainedConfiguration is a candidate strategy configuration produced by a
// completed job. JobID is a soft reference: job rows may be pruned while the
// configuration survives for lineage, so no FK constraint is declared.
type TrainedConfiguration struct {
	ID        string `gorm:"primaryKey"`
	JobID     string `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time

	// Context
	StrategyName string `gorm:"index"`
	Exchange     string `gorm:"index"`
	Pair         string `gorm:"index"`
	Timeframe    string
	Regime       string

	// Lifecycle
	Status   string `gorm:"index"` // DISCOVERY | VALIDATION | MATURE | DECAY | PAPER
	IsActive bool   `gorm:"index"`

	// Parameters and metadata
	ParametersJSON string `gorm:"type:jsonb"`
	ModelVersion   string
	DiscoveryDate  time.Time
	EngineHash     string
	RuntimeEnv     string

	// Performance
	GrossWinRate float64
	NetWinRate   float64
	AvgWin       float64
	AvgLoss      float64
	NetProfit    float64
	SampleSize   int
	FeesPaid     float64
	SlippagePaid float64
	FillRate     float64

	// Validation
	SharpeRatio           float64
	SortinoRatio          float64
	CalmarRatio           float64
	PValue                float64
	ZScore                float64
	StabilityScore        float64
	Rolling30dSharpe      float64
	LifetimeSharpeRatio   float64
	AdverseSelectionScore float64

	// Health
	MonthsSinceDiscovery   float64
	PerformanceDegradation float64
	DeathSignalCount       int
	DeathSignals           string `gorm:"type:jsonb"` // structured flags
	ResurrectionScore      float64
	PositionSizeFactor     float64 `gorm:"default:1"`
}

// TableName overrides the table name
func (TrainedConfiguration) TableName() string {
	return "trained_configurations"
}

// ActivationAudit records every effective registry transition and circuit
// breaker trip so governance decisions can be traced after the fact.
type ActivationAudit struct {
	ID        int64 `gorm:"primaryKey;autoIncrement"`
	CreatedAt time.Time

	ConfigID string `gorm:"index"`
	Action   string // activate | deactivate | deny | breaker_trip
	Reason   string `gorm:"type:text"`
}

// TableName overrides the table name
func (ActivationAudit) TableName() string {
	return "activation_audits"
}
