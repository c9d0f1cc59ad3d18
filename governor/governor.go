// Package governor owns the lifecycle of trained configurations: it assigns
// stages, re-evaluates them against decay rules on a schedule, and enforces
// circuit breakers. Capital-protection rules always dominate favorable
// aggregate statistics.
package governor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/quantforge/training-backend/config"
	"github.com/quantforge/training-backend/metrics"
	"github.com/quantforge/training-backend/repository"
)

// Deactivator is the registry operation the governor needs when a breaker
// trips. Defined here so wiring stays one-directional.
type Deactivator interface {
	ForceDeactivate(configID, reason string) error
}

// deathSignal is one structured entry in the death_signals JSON column.
type deathSignal struct {
	Type     string    `json:"type"`
	Reason   string    `json:"reason"`
	Observed float64   `json:"observed"`
	At       time.Time `json:"at"`
}

// Governor evaluates configuration lifecycle stages and circuit breakers.
type Governor struct {
	logger  *zap.Logger
	configs *repository.ConfigurationRepository
	policy  *Policy

	registry Deactivator

	cron *cron.Cron

	mu      sync.Mutex
	tripped map[string]map[string]time.Time // configID -> breaker -> tripped at
}

// New creates a governor with the given risk policy.
func New(logger *zap.Logger, configs *repository.ConfigurationRepository, policy *Policy) *Governor {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Governor{
		logger:  logger,
		configs: configs,
		policy:  policy,
		tripped: make(map[string]map[string]time.Time),
	}
}

// BindRegistry attaches the activation registry used for forced
// deactivations. Must be called before any breaker can trip.
func (g *Governor) BindRegistry(r Deactivator) {
	g.registry = r
}

// Policy returns the active risk profile.
func (g *Governor) Policy() *Policy {
	return g.policy
}

// AssignInitialStage classifies a configuration at creation time.
func (g *Governor) AssignInitialStage(cfg *config.TrainedConfiguration) string {
	stage, _ := g.EvaluateStage(cfg)
	return stage
}

// EvaluateStage applies the stage rule table to a configuration's current
// metrics. Rules are ordered: the sample-size gate first, then the
// capital-protection rules, then the favorable stages. The second return is
// the position size factor implied by the soft adverse-selection rule.
func (g *Governor) EvaluateStage(cfg *config.TrainedConfiguration) (string, float64) {
	p := g.policy

	positionFactor := 1.0
	if cfg.AdverseSelectionScore > p.AdverseSoftLimit {
		positionFactor = p.AdversePositionFactor
	}

	// Too few trades to say anything: DISCOVERY, no matter how good the
	// numbers look.
	if cfg.SampleSize < p.MinValidationSample {
		return config.StageDiscovery, positionFactor
	}

	// A rolling sharpe collapse means the edge eroded faster than lifetime
	// aggregates show. Force PAPER before anything else is considered.
	if cfg.LifetimeSharpeRatio > 0 && cfg.Rolling30dSharpe < p.RollingCollapseRatio*cfg.LifetimeSharpeRatio {
		return config.StagePaper, positionFactor
	}

	if cfg.PerformanceDegradation < p.DecayDegradationFloor || cfg.DeathSignalCount >= p.DecayDeathSignals {
		return config.StageDecay, positionFactor
	}

	if cfg.NetProfit <= 0 || cfg.SharpeRatio < p.PaperSharpeFloor || cfg.FillRate < p.PaperFillRateFloor {
		return config.StagePaper, positionFactor
	}

	if cfg.SampleSize > p.MatureSample && cfg.SharpeRatio > p.MatureSharpe && cfg.AdverseSelectionScore < p.MatureAdverseLimit {
		return config.StageMature, positionFactor
	}

	if cfg.SampleSize <= p.MatureSample && cfg.PValue < p.SignificancePValue {
		return config.StageValidation, positionFactor
	}

	return config.StageDiscovery, positionFactor
}

// Sweep re-evaluates every configuration against the rule table, refreshing
// derived health fields and persisting any stage change.
func (g *Governor) Sweep(ctx context.Context) error {
	cfgs, err := g.configs.ListAll()
	if err != nil {
		return fmt.Errorf("failed to list configurations for sweep: %w", err)
	}

	changed := 0
	for i := range cfgs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if g.sweepOne(&cfgs[i]) {
			changed++
		}
	}

	g.logger.Info("lifecycle sweep finished",
		zap.Int("configurations", len(cfgs)),
		zap.Int("stage_changes", changed),
	)
	return nil
}

func (g *Governor) sweepOne(cfg *config.TrainedConfiguration) bool {
	months := time.Since(cfg.DiscoveryDate).Hours() / (24 * 30)
	degradation := cfg.PerformanceDegradation
	if cfg.LifetimeSharpeRatio != 0 {
		degradation = (cfg.Rolling30dSharpe - cfg.LifetimeSharpeRatio) / math.Abs(cfg.LifetimeSharpeRatio) * 100
	}
	cfg.MonthsSinceDiscovery = months
	cfg.PerformanceDegradation = degradation

	stage, positionFactor := g.EvaluateStage(cfg)

	health := map[string]interface{}{
		"months_since_discovery":  months,
		"performance_degradation": degradation,
		"position_size_factor":    positionFactor,
	}
	if err := g.configs.UpdateHealth(cfg.ID, health); err != nil {
		g.logger.Error("failed to update configuration health",
			zap.String("config_id", cfg.ID), zap.Error(err))
		return false
	}

	if stage == cfg.Status {
		return false
	}

	if err := g.configs.UpdateStage(cfg.ID, stage); err != nil {
		g.logger.Error("failed to update configuration stage",
			zap.String("config_id", cfg.ID), zap.Error(err))
		return false
	}
	metrics.StageTransitions.WithLabelValues(cfg.Status, stage).Inc()
	g.logger.Info("configuration stage changed",
		zap.String("config_id", cfg.ID),
		zap.String("from", cfg.Status),
		zap.String("to", stage),
		zap.Int("sample_size", cfg.SampleSize),
		zap.Float64("sharpe", cfg.SharpeRatio),
		zap.Float64("degradation_pct", degradation),
	)

	// A configuration pushed out of the tradeable stages loses activation.
	if cfg.IsActive && (stage == config.StageDiscovery || stage == config.StagePaper) {
		if g.registry != nil {
			if err := g.registry.ForceDeactivate(cfg.ID, fmt.Sprintf("lifecycle stage moved to %s", stage)); err != nil {
				g.logger.Error("failed to deactivate demoted configuration",
					zap.String("config_id", cfg.ID), zap.Error(err))
			}
		}
	}
	return true
}

// StartSweep schedules the periodic re-evaluation. The schedule accepts cron
// expressions and @every durations.
func (g *Governor) StartSweep(schedule string) error {
	g.cron = cron.New()
	_, err := g.cron.AddFunc(schedule, func() {
		if err := g.Sweep(context.Background()); err != nil {
			g.logger.Error("lifecycle sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule lifecycle sweep: %w", err)
	}
	g.cron.Start()
	g.logger.Info("lifecycle sweep scheduled", zap.String("schedule", schedule))
	return nil
}

// Stop halts the sweep scheduler and waits for an in-flight run.
func (g *Governor) Stop() {
	if g.cron != nil {
		<-g.cron.Stop().Done()
	}
}

// ReportBreakerSample feeds one live observation for a breaker type. When the
// observation reaches the profile's threshold the breaker trips.
func (g *Governor) ReportBreakerSample(configID, breakerType string, observed float64) error {
	threshold, ok := g.policy.BreakerThreshold(breakerType)
	if !ok {
		return fmt.Errorf("breaker %q not defined in profile %s", breakerType, g.policy.ProfileName)
	}
	if observed < threshold {
		return nil
	}
	return g.TripBreaker(configID, breakerType,
		fmt.Sprintf("%s observed %.4f at threshold %.4f", breakerType, observed, threshold), observed)
}

// TripBreaker forces the configuration out of live trading and records the
// breach as a death signal.
func (g *Governor) TripBreaker(configID, breakerType, reason string, observed float64) error {
	g.mu.Lock()
	if g.tripped[configID] == nil {
		g.tripped[configID] = make(map[string]time.Time)
	}
	g.tripped[configID][breakerType] = time.Now()
	g.mu.Unlock()

	metrics.BreakerTrips.WithLabelValues(breakerType).Inc()
	g.logger.Warn("circuit breaker tripped",
		zap.String("config_id", configID),
		zap.String("breaker", breakerType),
		zap.String("reason", reason),
	)

	cfg, err := g.configs.Get(configID)
	if err != nil {
		return err
	}

	signals := appendDeathSignal(cfg.DeathSignals, deathSignal{
		Type:     breakerType,
		Reason:   reason,
		Observed: observed,
		At:       time.Now(),
	})
	if err := g.configs.UpdateHealth(configID, map[string]interface{}{
		"death_signal_count": cfg.DeathSignalCount + 1,
		"death_signals":      signals,
	}); err != nil {
		return fmt.Errorf("failed to record death signal: %w", err)
	}

	if err := g.configs.Audit(configID, "breaker_trip", reason); err != nil {
		g.logger.Error("failed to write breaker audit", zap.String("config_id", configID), zap.Error(err))
	}

	if g.registry != nil && cfg.IsActive {
		if err := g.registry.ForceDeactivate(configID, reason); err != nil {
			return fmt.Errorf("failed to deactivate after breaker trip: %w", err)
		}
	}
	return nil
}

// BreakersTripped reports whether any breaker for the configuration is inside
// its cooldown window. The registry consults this before activation.
func (g *Governor) BreakersTripped(configID string) bool {
	cooldown := time.Duration(g.policy.BreakerCooldownMinutes) * time.Minute

	g.mu.Lock()
	defer g.mu.Unlock()
	for breakerType, at := range g.tripped[configID] {
		if time.Since(at) < cooldown {
			return true
		}
		delete(g.tripped[configID], breakerType)
	}
	if len(g.tripped[configID]) == 0 {
		delete(g.tripped, configID)
	}
	return false
}

func appendDeathSignal(existing string, sig deathSignal) string {
	var signals []deathSignal
	if existing != "" {
		// A corrupt column starts a fresh list rather than blocking the trip.
		_ = json.Unmarshal([]byte(existing), &signals)
	}
	signals = append(signals, sig)
	out, err := json.Marshal(signals)
	if err != nil {
		return existing
	}
	return string(out)
}
