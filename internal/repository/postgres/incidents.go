package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/guardrail-dev/guardrail/internal/domain"
	"github.com/guardrail-dev/guardrail/internal/repository"
)

const incidentColumns = `id, project_id, trigger_type, severity, status, message, metadata, root_cause, recommended_fix, analysis_source, affected_requests, created_at, resolved_at, updated_at`

// CreateIncident persists a new incident in the open state.
func (r *Repository) CreateIncident(ctx context.Context, incident *domain.Incident) error {
	if incident == nil {
		return fmt.Errorf("incident required")
	}
	const query = `INSERT INTO incidents (id, project_id, trigger_type, severity, status, message, metadata, affected_requests, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`
	_, err := r.pool.Exec(ctx, query,
		incident.ID,
		incident.ProjectID,
		incident.TriggerType,
		incident.Severity,
		incident.Status,
		incident.Message,
		incident.Metadata,
		intPtrToNil(incident.AffectedRequests),
		incident.CreatedAt,
	)
	return err
}

// GetIncidentByID fetches one incident.
func (r *Repository) GetIncidentByID(ctx context.Context, incidentID string) (*domain.Incident, error) {
	const query = `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, incidentID)
	incident, err := scanIncident(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return incident, nil
}

// ListIncidentsByProject returns incidents newest first, optionally filtered by status.
func (r *Repository) ListIncidentsByProject(ctx context.Context, projectID string, status string, limit, offset int) ([]domain.Incident, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	const query = `SELECT ` + incidentColumns + `
		FROM incidents
		WHERE project_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4`
	rows, err := r.pool.Query(ctx, query, projectID, strings.TrimSpace(status), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIncidents(rows)
}

// ListOpenIncidents returns the most recent open incidents for a project.
func (r *Repository) ListOpenIncidents(ctx context.Context, projectID string, limit int) ([]domain.Incident, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT ` + incidentColumns + `
		FROM incidents
		WHERE project_id = $1 AND status = 'open'
		ORDER BY created_at DESC, id DESC
		LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIncidents(rows)
}

// MarkIncidentResolved transitions an open incident to resolved and reports
// whether the transition happened. Incidents already resolved are left
// untouched; a missing row maps to ErrNotFound.
func (r *Repository) MarkIncidentResolved(ctx context.Context, incidentID string, resolvedAt time.Time) (bool, error) {
	const query = `UPDATE incidents
		SET status = 'resolved',
			resolved_at = $2,
			updated_at = NOW()
		WHERE id = $1 AND status = 'open'`
	cmdTag, err := r.pool.Exec(ctx, query, incidentID, resolvedAt.UTC())
	if err != nil {
		return false, err
	}
	if cmdTag.RowsAffected() == 0 {
		// Distinguish a missing incident from one already resolved.
		const exists = `SELECT 1 FROM incidents WHERE id = $1`
		var one int
		if err := r.pool.QueryRow(ctx, exists, incidentID).Scan(&one); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return false, repository.ErrNotFound
			}
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// AttachIncidentAnalysis stores a root-cause synthesis outcome on the incident.
func (r *Repository) AttachIncidentAnalysis(ctx context.Context, incidentID string, analysis domain.IncidentAnalysis) error {
	const query = `UPDATE incidents
		SET root_cause = $2,
			recommended_fix = $3,
			analysis_source = $4,
			severity = COALESCE($5, severity),
			updated_at = NOW()
		WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query,
		incidentID,
		analysis.RootCause,
		analysis.RecommendedFix,
		analysis.Source,
		emptyToNil(analysis.Severity),
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (*domain.Incident, error) {
	var (
		incident   domain.Incident
		metadata   []byte
		affected   sql.NullInt64
		resolvedAt sql.NullTime
	)
	if err := row.Scan(
		&incident.ID,
		&incident.ProjectID,
		&incident.TriggerType,
		&incident.Severity,
		&incident.Status,
		&incident.Message,
		&metadata,
		&incident.RootCause,
		&incident.RecommendedFix,
		&incident.AnalysisSource,
		&affected,
		&incident.CreatedAt,
		&resolvedAt,
		&incident.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		incident.Metadata = append([]byte(nil), metadata...)
	}
	if affected.Valid {
		value := int(affected.Int64)
		incident.AffectedRequests = &value
	}
	if resolvedAt.Valid {
		value := resolvedAt.Time
		incident.ResolvedAt = &value
	}
	return &incident, nil
}

func collectIncidents(rows pgx.Rows) ([]domain.Incident, error) {
	incidents := make([]domain.Incident, 0)
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, *incident)
	}
	return incidents, rows.Err()
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func intPtrToNil(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
