package rca

import "github.com/guardrail-dev/guardrail/internal/domain"

// fallbackAnalyses is the static per-trigger table used whenever synthesis
// is unavailable or produces an unusable reply.
var fallbackAnalyses = map[string]domain.IncidentAnalysis{
	domain.TriggerLatencyThreshold: {
		Severity:       domain.SeverityMedium,
		RootCause:      "Upstream model latency exceeded the configured threshold. Common causes are provider congestion, oversized prompts, or cold capacity after a deploy.",
		RecommendedFix: "Review recent prompt sizes and provider status, and consider switching traffic to a lower-latency model until latencies recover.",
	},
	domain.TriggerErrorRate: {
		Severity:       domain.SeverityHigh,
		RootCause:      "A sustained share of calls returned upstream errors. This usually points to a provider outage, expired credentials, or malformed requests from a recent client change.",
		RecommendedFix: "Check provider status and API credentials, then replay a sample of the failing requests to isolate the fault.",
	},
	domain.TriggerRiskScoreAnomaly: {
		Severity:       domain.SeverityHigh,
		RootCause:      "A consecutive run of high-risk calls suggests prompt-injection probing or deliberate misuse of the endpoint by a single client.",
		RecommendedFix: "Inspect the flagged prompts, tighten the safety threshold, and rate-limit or suspend the originating user.",
	},
	domain.TriggerCostSpike: {
		Severity:       domain.SeverityMedium,
		RootCause:      "Daily spend rose sharply against the trailing mean. Typical causes are runaway retries, oversized contexts, or an unexpected traffic surge.",
		RecommendedFix: "Audit today's heaviest consumers, cap token budgets, and move bulk traffic to a cheaper model.",
	},
	domain.TriggerWebhook: {
		Severity:       domain.SeverityMedium,
		RootCause:      "An external monitor raised an alert for this project; the underlying fault originates outside the telemetry stream.",
		RecommendedFix: "Follow the runbook attached to the external alert and correlate it with recent telemetry for confirmation.",
	},
	domain.TriggerManual: {
		Severity:       domain.SeverityLow,
		RootCause:      "An operator opened this incident by hand; no automated evidence was captured.",
		RecommendedFix: "Document findings in the incident metadata and attach remediation actions as they are identified.",
	},
}

var defaultFallback = domain.IncidentAnalysis{
	Severity:       domain.SeverityMedium,
	RootCause:      "The anomaly could not be attributed automatically.",
	RecommendedFix: "Review recent telemetry for the project and escalate if the pattern persists.",
}

func fallbackFor(triggerType string) domain.IncidentAnalysis {
	analysis, ok := fallbackAnalyses[triggerType]
	if !ok {
		analysis = defaultFallback
	}
	analysis.Source = domain.AnalysisSourceFallback
	return analysis
}
