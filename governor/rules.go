package governor

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Circuit breaker types. Breach observations arrive from the live trading
// side; the thresholds live here.
const (
	BreakerMaxDailyLoss        = "max_daily_loss"
	BreakerCorrelationSpike    = "max_correlation_spike"
	BreakerUnusualMarket       = "unusual_market"
	BreakerExecutionLatency    = "execution_latency"
	BreakerConsecutiveLosses   = "consecutive_losses"
	BreakerMaxAdverseSelection = "max_adverse_selection"
	BreakerRegimeBreak         = "regime_break"
)

// Policy is one risk profile: stage thresholds, decay rules and circuit
// breaker limits.
type Policy struct {
	ProfileName string `yaml:"profile_name"`

	// Stage entry thresholds.
	MinValidationSample  int     `yaml:"min_validation_sample"`
	MatureSample         int     `yaml:"mature_sample"`
	MatureSharpe         float64 `yaml:"mature_sharpe"`
	MatureAdverseLimit   float64 `yaml:"mature_adverse_limit"`
	SignificancePValue   float64 `yaml:"significance_p_value"`
	PaperSharpeFloor     float64 `yaml:"paper_sharpe_floor"`
	PaperFillRateFloor   float64 `yaml:"paper_fill_rate_floor"`

	// Decay rules.
	DecayDegradationFloor float64 `yaml:"decay_degradation_floor"` // percent, negative
	DecayDeathSignals     int     `yaml:"decay_death_signals"`
	RollingCollapseRatio  float64 `yaml:"rolling_collapse_ratio"`

	// Soft adverse-selection rule.
	AdverseSoftLimit      float64 `yaml:"adverse_soft_limit"`
	AdversePositionFactor float64 `yaml:"adverse_position_factor"`

	BreakerCooldownMinutes int              `yaml:"breaker_cooldown_minutes"`
	CircuitBreakers        []CircuitBreaker `yaml:"circuit_breakers"`
}

// CircuitBreaker is one hard safety limit. An observation at or past the
// threshold forces deactivation.
type CircuitBreaker struct {
	Type      string  `yaml:"type"`
	Threshold float64 `yaml:"threshold"`
}

// LoadPolicy reads the risk profile file and selects the named profile
// (moderate when empty).
func LoadPolicy(path, profileName string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var file struct {
		RiskProfiles map[string]Policy `yaml:"risk_profiles"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}

	if profileName == "" {
		profileName = "moderate"
	}

	policy, ok := file.RiskProfiles[profileName]
	if !ok {
		return nil, fmt.Errorf("policy profile %q not found in %s", profileName, path)
	}
	policy.ProfileName = profileName
	policy.applyDefaults()
	return &policy, nil
}

// DefaultPolicy returns the moderate profile used when no policy file is
// configured.
func DefaultPolicy() *Policy {
	p := &Policy{ProfileName: "moderate"}
	p.applyDefaults()
	return p
}

func (p *Policy) applyDefaults() {
	if p.MinValidationSample <= 0 {
		p.MinValidationSample = 30
	}
	if p.MatureSample <= 0 {
		p.MatureSample = 100
	}
	if p.MatureSharpe == 0 {
		p.MatureSharpe = 1.5
	}
	if p.MatureAdverseLimit == 0 {
		p.MatureAdverseLimit = 0.3
	}
	if p.SignificancePValue == 0 {
		p.SignificancePValue = 0.05
	}
	if p.PaperSharpeFloor == 0 {
		p.PaperSharpeFloor = 0.5
	}
	if p.PaperFillRateFloor == 0 {
		p.PaperFillRateFloor = 0.7
	}
	if p.DecayDegradationFloor == 0 {
		p.DecayDegradationFloor = -20
	}
	if p.DecayDeathSignals <= 0 {
		p.DecayDeathSignals = 2
	}
	if p.RollingCollapseRatio == 0 {
		p.RollingCollapseRatio = 0.5
	}
	if p.AdverseSoftLimit == 0 {
		p.AdverseSoftLimit = 0.6
	}
	if p.AdversePositionFactor == 0 {
		p.AdversePositionFactor = 0.5
	}
	if p.BreakerCooldownMinutes <= 0 {
		p.BreakerCooldownMinutes = 60
	}
}

// BreakerThreshold looks up the configured limit for a breaker type. Returns
// false when the profile does not define that breaker.
func (p *Policy) BreakerThreshold(breakerType string) (float64, bool) {
	for _, cb := range p.CircuitBreakers {
		if cb.Type == breakerType {
			return cb.Threshold, true
		}
	}
	return 0, false
}
