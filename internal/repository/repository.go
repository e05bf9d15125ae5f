package repository

import (
	"context"
	"errors"
	"time"

	"github.com/guardrail-dev/guardrail/internal/domain"
)

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// TelemetryRepository stores observed LLM calls and windowed aggregates.
type TelemetryRepository interface {
	InsertTelemetry(ctx context.Context, record *domain.TelemetryRecord) error
	ListTelemetry(ctx context.Context, projectID string, limit, offset int) ([]domain.TelemetryRecord, error)
	CountTelemetrySince(ctx context.Context, projectID string, since time.Time) (total int, errored int, err error)
	ListModelUsageSince(ctx context.Context, projectID string, since time.Time) ([]domain.ModelUsage, error)
	ListActiveProjects(ctx context.Context, since time.Time) ([]string, error)
}

// IncidentRepository stores incident lifecycle state.
type IncidentRepository interface {
	CreateIncident(ctx context.Context, incident *domain.Incident) error
	GetIncidentByID(ctx context.Context, incidentID string) (*domain.Incident, error)
	ListIncidentsByProject(ctx context.Context, projectID string, status string, limit, offset int) ([]domain.Incident, error)
	ListOpenIncidents(ctx context.Context, projectID string, limit int) ([]domain.Incident, error)
	// MarkIncidentResolved reports whether the incident transitioned; an
	// already-resolved incident is a no-op, not an error.
	MarkIncidentResolved(ctx context.Context, incidentID string, resolvedAt time.Time) (bool, error)
	AttachIncidentAnalysis(ctx context.Context, incidentID string, analysis domain.IncidentAnalysis) error
}

// RemediationRepository stores remediation actions and the active-constraint view.
type RemediationRepository interface {
	CreateAction(ctx context.Context, action *domain.RemediationAction) error
	GetActionByID(ctx context.Context, actionID string) (*domain.RemediationAction, error)
	ListActionsByIncident(ctx context.Context, incidentID string, limit, offset int) ([]domain.RemediationAction, error)
	MarkActionExecuted(ctx context.Context, actionID string, executedAt time.Time) error
	DeleteAction(ctx context.Context, actionID string) error
	ListActiveActions(ctx context.Context, projectID string) ([]domain.RemediationAction, error)
}

// WebhookRepository stores per-project webhook secrets.
type WebhookRepository interface {
	UpsertWebhook(ctx context.Context, projectID string, secret []byte) error
	GetWebhookSecret(ctx context.Context, projectID string) ([]byte, error)
}
