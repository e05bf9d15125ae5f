package domain

import "time"

// TelemetryRecord captures one observed LLM call for a project.
// Records are append-only; the risk score is computed once at ingest.
type TelemetryRecord struct {
	ID              string
	ProjectID       string
	Model           string
	Prompt          string
	Response        string
	TokensUsed      int
	TokensEstimated bool
	LatencyMS       int
	Error           string
	Endpoint        string
	UserID          string
	RiskScore       int
	CreatedAt       time.Time
}

// Errored reports whether the call failed upstream.
func (t TelemetryRecord) Errored() bool {
	return t.Error != ""
}

// ModelUsage aggregates tokens consumed by one model during one UTC day.
type ModelUsage struct {
	Day    time.Time
	Model  string
	Tokens int64
}
