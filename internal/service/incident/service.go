package incident

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/adrg/strutil"
	strmetrics "github.com/adrg/strutil/metrics"
	"github.com/google/uuid"

	"github.com/guardrail-dev/guardrail/internal/domain"
	"github.com/guardrail-dev/guardrail/internal/metrics"
	"github.com/guardrail-dev/guardrail/internal/repository"
	"github.com/guardrail-dev/guardrail/internal/ws"
)

const (
	defaultListLimit = 20

	// Open incidents scanned for the repeat-trigger similarity hint.
	similarityScanLimit = 20
	similarityThreshold = 0.85
)

// Service manages the incident lifecycle.
type Service struct {
	repo   repository.IncidentRepository
	hub    *ws.Hub
	logger *slog.Logger
	now    func() time.Time
}

// New constructs an incident service.
func New(repo repository.IncidentRepository, hub *ws.Hub, logger *slog.Logger) Service {
	return Service{repo: repo, hub: hub, logger: logger, now: time.Now}
}

// CreateFromDetection records a triggered detection as a new open incident.
func (s Service) CreateFromDetection(ctx context.Context, projectID string, result domain.DetectionResult) (*domain.Incident, error) {
	return s.create(ctx, projectID, result)
}

// CreateFromTrigger records an externally sourced trigger (webhook or manual)
// as a new open incident. The caller supplies the equivalent of a detection
// result.
func (s Service) CreateFromTrigger(ctx context.Context, projectID string, result domain.DetectionResult) (*domain.Incident, error) {
	return s.create(ctx, projectID, result)
}

func (s Service) create(ctx context.Context, projectID string, result domain.DetectionResult) (*domain.Incident, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errors.New("project id is required")
	}
	if !result.Triggered {
		return nil, errors.New("detection result did not trigger")
	}
	if !domain.ValidTrigger(result.TriggerType) {
		return nil, fmt.Errorf("unknown trigger type %q", result.TriggerType)
	}
	if !domain.ValidSeverity(result.Severity) {
		return nil, fmt.Errorf("unknown severity %q", result.Severity)
	}

	message := strings.TrimSpace(result.Message)
	if message == "" {
		message = fmt.Sprintf("%s anomaly detected", result.TriggerType)
	}

	meta := evidenceMetadata(result)
	if similar := s.similarOpenIncident(ctx, projectID, message); similar != "" {
		meta["similar_incident_id"] = similar
		s.logger.Info("similar open incident found", "project_id", projectID, "similar_incident_id", similar)
	}
	metadata, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal evidence: %w", err)
	}

	now := s.now().UTC()
	incident := &domain.Incident{
		ID:               uuid.NewString(),
		ProjectID:        projectID,
		TriggerType:      result.TriggerType,
		Severity:         result.Severity,
		Status:           domain.IncidentStatusOpen,
		Message:          message,
		Metadata:         metadata,
		AffectedRequests: affectedRequests(result),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.CreateIncident(ctx, incident); err != nil {
		return nil, fmt.Errorf("create incident: %w", err)
	}
	metrics.RecordIncidentOpened(incident.TriggerType, incident.Severity)
	s.logger.Info("incident opened", "incident_id", incident.ID, "project_id", projectID, "trigger", incident.TriggerType, "severity", incident.Severity)
	s.broadcast(ws.EventIncidentOpened, *incident)
	return incident, nil
}

// Get fetches one incident.
func (s Service) Get(ctx context.Context, incidentID string) (*domain.Incident, error) {
	incidentID = strings.TrimSpace(incidentID)
	if incidentID == "" {
		return nil, errors.New("incident id is required")
	}
	return s.repo.GetIncidentByID(ctx, incidentID)
}

// List returns a project's incidents newest first, optionally filtered by
// status. Unknown projects yield an empty list.
func (s Service) List(ctx context.Context, projectID, status string, limit, offset int) ([]domain.Incident, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errors.New("project id is required")
	}
	status = strings.TrimSpace(status)
	if status != "" && status != domain.IncidentStatusOpen && status != domain.IncidentStatusResolved {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListIncidentsByProject(ctx, projectID, status, limit, offset)
}

// Resolve transitions an incident to resolved. Resolving an already-resolved
// incident is a no-op that returns the stored incident unchanged.
func (s Service) Resolve(ctx context.Context, incidentID string) (*domain.Incident, error) {
	incidentID = strings.TrimSpace(incidentID)
	if incidentID == "" {
		return nil, errors.New("incident id is required")
	}
	transitioned, err := s.repo.MarkIncidentResolved(ctx, incidentID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	incident, err := s.repo.GetIncidentByID(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if transitioned {
		metrics.RecordIncidentResolved()
		s.logger.Info("incident resolved", "incident_id", incident.ID, "project_id", incident.ProjectID)
		s.broadcast(ws.EventIncidentResolved, *incident)
	}
	return incident, nil
}

// similarOpenIncident returns the ID of the most similar recent open incident
// above the similarity threshold, or empty when none qualifies.
func (s Service) similarOpenIncident(ctx context.Context, projectID, message string) string {
	if message == "" {
		return ""
	}
	open, err := s.repo.ListOpenIncidents(ctx, projectID, similarityScanLimit)
	if err != nil {
		s.logger.Warn("failed to scan for similar incidents", "project_id", projectID, "error", err)
		return ""
	}
	metric := strmetrics.NewJaroWinkler()
	var bestID string
	var best float64
	for _, candidate := range open {
		score := strutil.Similarity(message, candidate.Message, metric)
		if score >= similarityThreshold && score > best {
			best = score
			bestID = candidate.ID
		}
	}
	return bestID
}

func (s Service) broadcast(eventType string, incident domain.Incident) {
	if s.hub == nil {
		return
	}
	payload, err := MarshalIncidentEvent(eventType, incident)
	if err != nil {
		s.logger.Warn("failed to marshal incident event", "incident_id", incident.ID, "error", err)
		return
	}
	s.hub.Publish(incident.ProjectID, payload)
}

// MarshalIncidentEvent formats an incident lifecycle event for streaming payloads.
func MarshalIncidentEvent(eventType string, incident domain.Incident) ([]byte, error) {
	var metadata any
	if len(incident.Metadata) > 0 {
		metadata = json.RawMessage(incident.Metadata)
	}
	payload := map[string]any{
		"type":         eventType,
		"id":           incident.ID,
		"project_id":   incident.ProjectID,
		"trigger_type": incident.TriggerType,
		"severity":     incident.Severity,
		"status":       incident.Status,
		"message":      incident.Message,
		"metadata":     metadata,
		"created_at":   incident.CreatedAt.Format(time.RFC3339Nano),
	}
	if incident.ResolvedAt != nil {
		payload["resolved_at"] = incident.ResolvedAt.Format(time.RFC3339Nano)
	}
	return json.Marshal(payload)
}

func evidenceMetadata(result domain.DetectionResult) map[string]any {
	meta := make(map[string]any)
	switch {
	case result.Latency != nil:
		meta["violation_count"] = result.Latency.ViolationCount
		meta["avg_violation_ms"] = result.Latency.AvgViolationMS
		meta["max_violation_ms"] = result.Latency.MaxViolationMS
		meta["threshold_ms"] = result.Latency.ThresholdMS
	case result.ErrorRate != nil:
		meta["rate_percent"] = result.ErrorRate.RatePercent
		meta["error_count"] = result.ErrorRate.ErrorCount
		meta["total_count"] = result.ErrorRate.TotalCount
		meta["threshold_percent"] = result.ErrorRate.ThresholdPercent
	case result.RiskRun != nil:
		meta["longest_run"] = result.RiskRun.LongestRun
		meta["high_risk_count"] = result.RiskRun.HighRiskCount
		meta["score_threshold"] = result.RiskRun.ScoreThreshold
		meta["required_run"] = result.RiskRun.RequiredRun
	case result.CostSpike != nil:
		meta["today_cost"] = result.CostSpike.TodayCost
		meta["mean_daily_cost"] = result.CostSpike.MeanDailyCost
		meta["increase_percent"] = result.CostSpike.IncreasePercent
		meta["threshold_percent"] = result.CostSpike.ThresholdPercent
	}
	return meta
}

func affectedRequests(result domain.DetectionResult) *int {
	switch {
	case result.Latency != nil:
		n := result.Latency.ViolationCount
		return &n
	case result.ErrorRate != nil:
		n := result.ErrorRate.ErrorCount
		return &n
	case result.RiskRun != nil:
		n := result.RiskRun.LongestRun
		return &n
	}
	return nil
}
