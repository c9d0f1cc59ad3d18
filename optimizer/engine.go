// Package optimizer defines the boundary to the optimization/backtesting
// routine. The orchestration core treats the engine as a black box: it feeds
// a job spec in, receives progress callbacks at a bounded cadence, and gets a
// best-candidate result back. Cancellation is cooperative and observed only
// at iteration boundaries so a partial iteration is never committed.
package optimizer

import (
	"context"

	"github.com/quantforge/training-backend/models"
)

// Spec is the immutable description of one optimization run.
type Spec struct {
	JobID           string
	Strategy        string
	Pair            string
	Exchange        string
	Timeframe       string
	Regime          string
	Optimizer       string
	Seed            int64
	NIterations     int
	LookbackCandles int
	Filter          models.DataFilterConfig
}

// Progress is one fine-grained progress checkpoint. Candle counters advance
// within an iteration so long backtests do not look stalled.
type Progress struct {
	Iteration       int
	TotalIterations int
	Candle          int
	TotalCandles    int
	ProgressPct     float64
	Reward          float64
	Loss            float64
	Stage           string
}

// Sink receives progress and log callbacks from a running engine. Both calls
// must be non-blocking for the engine.
type Sink interface {
	Progress(p Progress)
	Log(level, message string, progress float64)
}

// Metrics is the validation summary of the winning candidate.
type Metrics struct {
	GrossWinRate   float64 `json:"gross_win_rate"`
	NetWinRate     float64 `json:"net_win_rate"`
	AvgWin         float64 `json:"avg_win"`
	AvgLoss        float64 `json:"avg_loss"`
	NetProfit      float64 `json:"net_profit"`
	SampleSize     int     `json:"sample_size"`
	FeesPaid       float64 `json:"fees_paid"`
	SlippagePaid   float64 `json:"slippage_paid"`
	FillRate       float64 `json:"fill_rate"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	SortinoRatio   float64 `json:"sortino_ratio"`
	CalmarRatio    float64 `json:"calmar_ratio"`
	PValue         float64 `json:"p_value"`
	ZScore         float64 `json:"z_score"`
	StabilityScore float64 `json:"stability_score"`
}

// Result is the outcome of a completed run.
type Result struct {
	Parameters map[string]float64
	Score      float64
	Metrics    Metrics
	EngineHash string
}

// Engine runs one optimization job. Implementations must check ctx at
// iteration boundaries and return ctx.Err() promptly when cancelled.
type Engine interface {
	Run(ctx context.Context, spec Spec, sink Sink) (*Result, error)
}
