package governor

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/quantforge/training-backend/config"
	"github.com/quantforge/training-backend/repository"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, config.Migrate(db))
	return db
}

func newTestGovernor(t *testing.T) (*Governor, *repository.ConfigurationRepository, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	configs := repository.NewConfigurationRepository(db)
	return New(zap.NewNop(), configs, DefaultPolicy()), configs, db
}

// healthyMature is a configuration that satisfies every MATURE condition.
func healthyMature() *config.TrainedConfiguration {
	return &config.TrainedConfiguration{
		ID:                    "cfg-1",
		StrategyName:          "HTF_SWEEP",
		SampleSize:            150,
		SharpeRatio:           1.8,
		Rolling30dSharpe:      1.8,
		LifetimeSharpeRatio:   1.8,
		AdverseSelectionScore: 0.1,
		NetProfit:             420,
		FillRate:              0.95,
		PValue:                0.001,
		DiscoveryDate:         time.Now().AddDate(0, -2, 0),
		PositionSizeFactor:    1,
	}
}

func TestSmallSampleIsAlwaysDiscovery(t *testing.T) {
	g, _, _ := newTestGovernor(t)

	cfg := healthyMature()
	cfg.SampleSize = 25

	stage, _ := g.EvaluateStage(cfg)
	assert.Equal(t, config.StageDiscovery, stage,
		"25 trades must stay DISCOVERY no matter how good the metrics look")
}

func TestRollingCollapseForcesPaper(t *testing.T) {
	g, _, _ := newTestGovernor(t)

	cfg := healthyMature()
	cfg.Rolling30dSharpe = 0.3 // collapsed against lifetime 1.8

	stage, _ := g.EvaluateStage(cfg)
	assert.Equal(t, config.StagePaper, stage,
		"a rolling sharpe collapse dominates otherwise MATURE stats")
}

func TestDeathSignalsForceDecay(t *testing.T) {
	g, _, _ := newTestGovernor(t)

	cfg := healthyMature()
	cfg.DeathSignalCount = 2

	stage, _ := g.EvaluateStage(cfg)
	assert.Equal(t, config.StageDecay, stage)
}

func TestDegradationForcesDecay(t *testing.T) {
	g, _, _ := newTestGovernor(t)

	cfg := healthyMature()
	cfg.PerformanceDegradation = -35

	stage, _ := g.EvaluateStage(cfg)
	assert.Equal(t, config.StageDecay, stage)
}

func TestUnprofitableGoesPaper(t *testing.T) {
	g, _, _ := newTestGovernor(t)

	cfg := healthyMature()
	cfg.NetProfit = -10

	stage, _ := g.EvaluateStage(cfg)
	assert.Equal(t, config.StagePaper, stage)
}

func TestPoorFillRateGoesPaper(t *testing.T) {
	g, _, _ := newTestGovernor(t)

	cfg := healthyMature()
	cfg.FillRate = 0.6

	stage, _ := g.EvaluateStage(cfg)
	assert.Equal(t, config.StagePaper, stage)
}

func TestMatureEntry(t *testing.T) {
	g, _, _ := newTestGovernor(t)

	stage, factor := g.EvaluateStage(healthyMature())
	assert.Equal(t, config.StageMature, stage)
	assert.Equal(t, 1.0, factor)
}

func TestSignificantMidSampleIsValidation(t *testing.T) {
	g, _, _ := newTestGovernor(t)

	cfg := healthyMature()
	cfg.SampleSize = 60
	cfg.PValue = 0.02

	stage, _ := g.EvaluateStage(cfg)
	assert.Equal(t, config.StageValidation, stage)
}

func TestHighAdverseSelectionHalvesPositionSize(t *testing.T) {
	g, _, _ := newTestGovernor(t)

	cfg := healthyMature()
	cfg.AdverseSelectionScore = 0.7

	stage, factor := g.EvaluateStage(cfg)
	assert.Equal(t, 0.5, factor)
	// High adverse selection also fails the MATURE entry condition.
	assert.NotEqual(t, config.StageMature, stage)
}

type fakeRegistry struct {
	deactivated map[string]string
}

func (f *fakeRegistry) ForceDeactivate(configID, reason string) error {
	if f.deactivated == nil {
		f.deactivated = make(map[string]string)
	}
	f.deactivated[configID] = reason
	return nil
}

func TestTripBreakerDeactivatesAndRecordsDeathSignal(t *testing.T) {
	g, configs, _ := newTestGovernor(t)
	reg := &fakeRegistry{}
	g.BindRegistry(reg)

	cfg := healthyMature()
	cfg.IsActive = true
	cfg.Status = config.StageMature
	require.NoError(t, configs.Create(cfg))

	err := g.TripBreaker(cfg.ID, BreakerConsecutiveLosses, "9 consecutive losses at limit 8", 9)
	require.NoError(t, err)

	assert.Contains(t, reg.deactivated, cfg.ID)
	assert.True(t, g.BreakersTripped(cfg.ID))

	got, err := configs.Get(cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.DeathSignalCount)
	assert.Contains(t, got.DeathSignals, BreakerConsecutiveLosses)

	audits, err := configs.RecentAudits(10)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "breaker_trip", audits[0].Action)
}

func TestReportBreakerSampleBelowThresholdIsNoop(t *testing.T) {
	g, configs, _ := newTestGovernor(t)
	g.policy.CircuitBreakers = []CircuitBreaker{{Type: BreakerMaxDailyLoss, Threshold: 500}}

	cfg := healthyMature()
	require.NoError(t, configs.Create(cfg))

	require.NoError(t, g.ReportBreakerSample(cfg.ID, BreakerMaxDailyLoss, 120))
	assert.False(t, g.BreakersTripped(cfg.ID))
}

func TestSweepPersistsStageChange(t *testing.T) {
	g, configs, _ := newTestGovernor(t)

	cfg := healthyMature()
	cfg.Status = config.StageMature
	cfg.Rolling30dSharpe = 0.2 // collapsed since last evaluation
	require.NoError(t, configs.Create(cfg))

	require.NoError(t, g.Sweep(context.Background()))

	got, err := configs.Get(cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, config.StagePaper, got.Status)
	assert.Less(t, got.PerformanceDegradation, -20.0)
}

func TestSweepDeactivatesDemotedConfiguration(t *testing.T) {
	g, configs, _ := newTestGovernor(t)
	reg := &fakeRegistry{}
	g.BindRegistry(reg)

	cfg := healthyMature()
	cfg.Status = config.StageMature
	cfg.IsActive = true
	cfg.Rolling30dSharpe = 0.2
	require.NoError(t, configs.Create(cfg))

	require.NoError(t, g.Sweep(context.Background()))
	assert.Contains(t, reg.deactivated, cfg.ID)
}

func TestLoadPolicySelectsProfile(t *testing.T) {
	policy, err := LoadPolicy("../policy.yaml", "conservative")
	require.NoError(t, err)
	assert.Equal(t, "conservative", policy.ProfileName)
	assert.Equal(t, 50, policy.MinValidationSample)

	threshold, ok := policy.BreakerThreshold(BreakerMaxDailyLoss)
	require.True(t, ok)
	assert.Equal(t, 200.0, threshold)
}

func TestLoadPolicyDefaultsToModerate(t *testing.T) {
	policy, err := LoadPolicy("../policy.yaml", "")
	require.NoError(t, err)
	assert.Equal(t, "moderate", policy.ProfileName)
}

func TestLoadPolicyUnknownProfile(t *testing.T) {
	_, err := LoadPolicy("../policy.yaml", "reckless")
	require.Error(t, err)
}
