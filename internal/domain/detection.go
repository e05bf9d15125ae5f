package domain

// Trigger types enumerate how an anomaly was confirmed.
const (
	TriggerLatencyThreshold = "latency_threshold"
	TriggerErrorRate        = "error_rate"
	TriggerRiskScoreAnomaly = "risk_score_anomaly"
	TriggerCostSpike        = "cost_spike"
	TriggerWebhook          = "webhook"
	TriggerManual           = "manual"
)

// Severity levels ordered from least to most urgent.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// ValidTrigger reports whether t is a known trigger type.
func ValidTrigger(t string) bool {
	switch t {
	case TriggerLatencyThreshold, TriggerErrorRate, TriggerRiskScoreAnomaly,
		TriggerCostSpike, TriggerWebhook, TriggerManual:
		return true
	}
	return false
}

// ValidSeverity reports whether s is a known severity level.
func ValidSeverity(s string) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// LatencyEvidence records why the latency check fired.
type LatencyEvidence struct {
	ViolationCount int
	AvgViolationMS float64
	MaxViolationMS int
	ThresholdMS    int
}

// ErrorRateEvidence records why the error-rate check fired.
type ErrorRateEvidence struct {
	RatePercent      float64
	ErrorCount       int
	TotalCount       int
	ThresholdPercent float64
}

// RiskRunEvidence records why the risk-run check fired.
type RiskRunEvidence struct {
	LongestRun     int
	HighRiskCount  int
	ScoreThreshold int
	RequiredRun    int
}

// CostSpikeEvidence records why the cost-spike check fired.
type CostSpikeEvidence struct {
	TodayCost        float64
	MeanDailyCost    float64
	IncreasePercent  float64
	ThresholdPercent float64
}

// DetectionResult is the outcome of a single check or a combined run.
// At most one evidence variant is populated, matching TriggerType.
// Results are transient; incidents keep a marshaled snapshot instead.
type DetectionResult struct {
	Triggered   bool
	TriggerType string
	Severity    string
	Message     string

	Latency   *LatencyEvidence
	ErrorRate *ErrorRateEvidence
	RiskRun   *RiskRunEvidence
	CostSpike *CostSpikeEvidence
}
