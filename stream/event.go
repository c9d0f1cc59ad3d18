// Package stream fans live training progress out to SSE subscribers. The hub
// holds only in-memory per-job state: after a restart subscribers reconnect
// and recover history through the log replay endpoint, so nothing here needs
// to survive a crash.
package stream

import "time"

// SSE event types emitted on a job stream.
const (
	EventTypeLog      = "log"
	EventTypeProgress = "progress"
	EventTypeComplete = "complete"
	EventTypeError    = "error"
)

// Event is one server-sent event. Data must be JSON-serializable.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// IsTerminal reports whether the event ends a stream.
func (e Event) IsTerminal() bool {
	return e.Type == EventTypeComplete || e.Type == EventTypeError
}

// LogData is the payload for log events. Events are idempotent by
// timestamp+message so duplicate delivery is harmless to consumers.
type LogData struct {
	JobID     string  `json:"job_id"`
	Timestamp string  `json:"timestamp"`
	Message   string  `json:"message"`
	Progress  float64 `json:"progress"`
	LogLevel  string  `json:"log_level"`
}

// ProgressData is the payload for progress events.
type ProgressData struct {
	JobID            string  `json:"job_id"`
	Progress         float64 `json:"progress"`
	CurrentIteration int     `json:"current_iteration"`
	TotalIterations  int     `json:"total_iterations"`
	CurrentCandle    int     `json:"current_candle"`
	TotalCandles     int     `json:"total_candles"`
	CurrentReward    float64 `json:"current_reward"`
	CurrentLoss      float64 `json:"current_loss"`
	Stage            string  `json:"stage"`
}

// CompleteData is the payload for the terminal complete event.
type CompleteData struct {
	JobID           string  `json:"job_id"`
	Status          string  `json:"status"`
	BestConfigID    string  `json:"best_config_id,omitempty"`
	BestScore       float64 `json:"best_score,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// ErrorData is the payload for the terminal error event.
type ErrorData struct {
	JobID string `json:"job_id"`
	Error string `json:"error"`
}

// NewLogEvent builds a log event.
func NewLogEvent(jobID, level, message string, progress float64) Event {
	return Event{
		Type: EventTypeLog,
		Data: LogData{
			JobID:     jobID,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Message:   message,
			Progress:  progress,
			LogLevel:  level,
		},
	}
}

// NewCompleteEvent builds the terminal event for a successfully finished or
// cancelled job.
func NewCompleteEvent(jobID, status, bestConfigID string, bestScore, durationSeconds float64) Event {
	return Event{
		Type: EventTypeComplete,
		Data: CompleteData{
			JobID:           jobID,
			Status:          status,
			BestConfigID:    bestConfigID,
			BestScore:       bestScore,
			DurationSeconds: durationSeconds,
		},
	}
}

// NewErrorEvent builds the terminal event for a failed job.
func NewErrorEvent(jobID, message string) Event {
	return Event{
		Type: EventTypeError,
		Data: ErrorData{JobID: jobID, Error: message},
	}
}
