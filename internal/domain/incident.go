package domain

import (
	"encoding/json"
	"time"
)

// IncidentStatus enumerates lifecycle states. Open is initial, resolved is
// terminal; there are no other transitions.
const (
	IncidentStatusOpen     = "open"
	IncidentStatusResolved = "resolved"
)

// Incident tracks one confirmed anomaly from open to resolved.
type Incident struct {
	ID               string
	ProjectID        string
	TriggerType      string
	Severity         string
	Status           string
	Message          string
	Metadata         json.RawMessage
	RootCause        string
	RecommendedFix   string
	AnalysisSource   string
	AffectedRequests *int
	CreatedAt        time.Time
	ResolvedAt       *time.Time
	UpdatedAt        time.Time
}

// Open reports whether the incident still constrains traffic.
func (i Incident) Open() bool {
	return i.Status == IncidentStatusOpen
}

// IncidentAnalysis captures a root-cause synthesis outcome.
type IncidentAnalysis struct {
	Severity       string
	RootCause      string
	RecommendedFix string
	Source         string
}

// Analysis sources.
const (
	AnalysisSourceModel    = "model"
	AnalysisSourceFallback = "fallback"
)
