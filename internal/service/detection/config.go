package detection

import "github.com/guardrail-dev/guardrail/pkg/config"

// Config carries the thresholds shared by all checks.
type Config struct {
	LatencyThresholdMS  int
	ErrorRatePercent    float64
	RiskScoreThreshold  int
	ConsecutiveHighRisk int
	CostSpikePercent    float64
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		LatencyThresholdMS:  5000,
		ErrorRatePercent:    10,
		RiskScoreThreshold:  80,
		ConsecutiveHighRisk: 3,
		CostSpikePercent:    50,
	}
}

// ConfigFromAPI maps service configuration onto detection thresholds.
func ConfigFromAPI(cfg config.APIConfig) Config {
	out := DefaultConfig()
	if cfg.DetectLatencyThresholdMS > 0 {
		out.LatencyThresholdMS = cfg.DetectLatencyThresholdMS
	}
	if cfg.DetectErrorRatePercent > 0 {
		out.ErrorRatePercent = cfg.DetectErrorRatePercent
	}
	if cfg.DetectRiskScoreThreshold > 0 {
		out.RiskScoreThreshold = cfg.DetectRiskScoreThreshold
	}
	if cfg.DetectConsecutiveHighRisk > 0 {
		out.ConsecutiveHighRisk = cfg.DetectConsecutiveHighRisk
	}
	if cfg.DetectCostSpikePercent > 0 {
		out.CostSpikePercent = cfg.DetectCostSpikePercent
	}
	return out
}

// Override holds optional per-call threshold replacements.
type Override struct {
	LatencyThresholdMS  *int
	ErrorRatePercent    *float64
	RiskScoreThreshold  *int
	ConsecutiveHighRisk *int
	CostSpikePercent    *float64
}

// Apply returns cfg with any populated override fields replaced.
func (o Override) Apply(cfg Config) Config {
	if o.LatencyThresholdMS != nil {
		cfg.LatencyThresholdMS = *o.LatencyThresholdMS
	}
	if o.ErrorRatePercent != nil {
		cfg.ErrorRatePercent = *o.ErrorRatePercent
	}
	if o.RiskScoreThreshold != nil {
		cfg.RiskScoreThreshold = *o.RiskScoreThreshold
	}
	if o.ConsecutiveHighRisk != nil {
		cfg.ConsecutiveHighRisk = *o.ConsecutiveHighRisk
	}
	if o.CostSpikePercent != nil {
		cfg.CostSpikePercent = *o.CostSpikePercent
	}
	return cfg
}
