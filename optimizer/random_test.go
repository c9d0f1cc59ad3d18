package optimizer

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantforge/training-backend/models"
)

type recordingSink struct {
	mu       sync.Mutex
	progress []Progress
	logs     []string
}

func (s *recordingSink) Progress(p Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, p)
}

func (s *recordingSink) Log(level, message string, progress float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, message)
}

func testSpec() Spec {
	return Spec{
		JobID:           "job-1",
		Strategy:        "HTF_SWEEP",
		Pair:            "BTC/USDT",
		Exchange:        "binance",
		Timeframe:       "1h",
		Optimizer:       "random",
		Seed:            42,
		NIterations:     8,
		LookbackCandles: 300,
	}
}

func TestRunIsReproducibleForSameSeed(t *testing.T) {
	engine := NewSearchEngine()

	sinkA := &recordingSink{}
	resultA, err := engine.Run(context.Background(), testSpec(), sinkA)
	require.NoError(t, err)

	sinkB := &recordingSink{}
	resultB, err := engine.Run(context.Background(), testSpec(), sinkB)
	require.NoError(t, err)

	assert.Equal(t, resultA.Score, resultB.Score)
	assert.Equal(t, resultA.Parameters, resultB.Parameters)
	assert.Equal(t, resultA.Metrics, resultB.Metrics)
	assert.Equal(t, sinkA.progress, sinkB.progress,
		"identical spec and seed must produce identical checkpoint sequences")
}

func TestRunDiffersAcrossSeeds(t *testing.T) {
	engine := NewSearchEngine()

	specA := testSpec()
	specB := testSpec()
	specB.Seed = 1337

	resultA, err := engine.Run(context.Background(), specA, &recordingSink{})
	require.NoError(t, err)
	resultB, err := engine.Run(context.Background(), specB, &recordingSink{})
	require.NoError(t, err)

	assert.NotEqual(t, resultA.Parameters, resultB.Parameters)
}

func TestProgressIsMonotonic(t *testing.T) {
	engine := NewSearchEngine()
	sink := &recordingSink{}

	_, err := engine.Run(context.Background(), testSpec(), sink)
	require.NoError(t, err)
	require.NotEmpty(t, sink.progress)

	for i := 1; i < len(sink.progress); i++ {
		assert.GreaterOrEqual(t, sink.progress[i].ProgressPct, sink.progress[i-1].ProgressPct,
			"checkpoint %d regressed", i)
	}
	last := sink.progress[len(sink.progress)-1]
	assert.Equal(t, float64(100), last.ProgressPct)
}

func TestCandleProgressEmittedWithinIterations(t *testing.T) {
	engine := NewSearchEngine()
	sink := &recordingSink{}

	spec := testSpec()
	spec.NIterations = 2
	spec.LookbackCandles = 500

	_, err := engine.Run(context.Background(), spec, sink)
	require.NoError(t, err)

	intraIteration := 0
	for _, p := range sink.progress {
		if p.Candle < p.TotalCandles {
			intraIteration++
		}
	}
	assert.Greater(t, intraIteration, 0,
		"long backtests must emit candle-level checkpoints")
}

func TestRunHonorsCancellation(t *testing.T) {
	engine := NewSearchEngine()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := engine.Run(ctx, testSpec(), &recordingSink{})
	assert.Nil(t, result)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunFailsWhenFilterRemovesEverything(t *testing.T) {
	engine := NewSearchEngine()

	spec := testSpec()
	spec.Filter = models.DataFilterConfig{
		EnableFiltering:    true,
		MinVolumeThreshold: 1e12,
	}

	_, err := engine.Run(context.Background(), spec, &recordingSink{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient candles")
}

func TestApplyFilterDropsFlatAndThinCandles(t *testing.T) {
	candles := []candle{
		{open: 100, high: 101, low: 99, closePrice: 100.5, volume: 500},
		{open: 100, high: 100, low: 100, closePrice: 100, volume: 500},  // flat
		{open: 100, high: 101, low: 99, closePrice: 100.5, volume: 10},  // thin
		{open: 100, high: 100, low: 100, closePrice: 100, volume: 9000}, // flat, high volume
	}

	spec := Spec{Filter: models.DataFilterConfig{
		EnableFiltering:               true,
		MinVolumeThreshold:            100,
		FilterFlatCandles:             true,
		PreserveHighVolumeSinglePrice: true,
	}}

	kept := applyFilter(candles, spec)
	require.Len(t, kept, 2)
	assert.Equal(t, 500.0, kept[0].volume)
	assert.Equal(t, 9000.0, kept[1].volume, "high-volume single-price candles are preserved")
}
