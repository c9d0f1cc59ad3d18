package models

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validReq() *TrainingJobRequest {
	return &TrainingJobRequest{
		StrategyName:    "HTF_SWEEP",
		Pair:            "BTC/USDT",
		Exchange:        "binance",
		Timeframe:       "1h",
		Optimizer:       "random",
		LookbackCandles: 500,
		NIterations:     100,
	}
}

func TestValidateAcceptsWellFormedRequest(t *testing.T) {
	require.NoError(t, validReq().Validate())
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*TrainingJobRequest)
		field  string
	}{
		{"missing strategy", func(r *TrainingJobRequest) { r.StrategyName = " " }, "strategy_name"},
		{"bad pair", func(r *TrainingJobRequest) { r.Pair = "BTCUSDT" }, "pair"},
		{"missing exchange", func(r *TrainingJobRequest) { r.Exchange = "" }, "exchange"},
		{"bad timeframe", func(r *TrainingJobRequest) { r.Timeframe = "7m" }, "timeframe"},
		{"bad optimizer", func(r *TrainingJobRequest) { r.Optimizer = "genetic" }, "optimizer"},
		{"zero iterations", func(r *TrainingJobRequest) { r.NIterations = 0 }, "n_iterations"},
		{"iteration cap", func(r *TrainingJobRequest) { r.NIterations = 200000 }, "n_iterations"},
		{"zero lookback", func(r *TrainingJobRequest) { r.LookbackCandles = 0 }, "lookback_candles"},
		{"negative volume threshold", func(r *TrainingJobRequest) {
			r.DataFilterConfig.MinVolumeThreshold = -1
		}, "data_filter_config.min_volume_threshold"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validReq()
			tc.mutate(req)

			err := req.Validate()
			require.Error(t, err)
			assert.True(t, IsValidation(err))

			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestCancellationErrorMatchesContextCanceled(t *testing.T) {
	err := error(&CancellationError{JobID: "job-1"})

	assert.True(t, IsCancellation(err))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Contains(t, err.Error(), "job-1")

	assert.False(t, IsCancellation(&ExecutionError{JobID: "job-1", Cause: errors.New("boom")}))
	assert.False(t, IsCancellation(nil))
}

func TestSeedDefaults(t *testing.T) {
	req := validReq()
	assert.Equal(t, DefaultSeed, req.SeedOrDefault())

	seed := int64(1337)
	req.Seed = &seed
	assert.Equal(t, seed, req.SeedOrDefault())
}
