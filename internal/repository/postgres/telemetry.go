package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/guardrail-dev/guardrail/internal/domain"
)

const telemetryColumns = `id, project_id, model, prompt, response, tokens_used, tokens_estimated, latency_ms, error, endpoint, user_id, risk_score, created_at`

// InsertTelemetry persists one observed LLM call.
func (r *Repository) InsertTelemetry(ctx context.Context, record *domain.TelemetryRecord) error {
	if record == nil {
		return fmt.Errorf("telemetry record required")
	}
	const query = `INSERT INTO telemetry_records (` + telemetryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := r.pool.Exec(ctx, query,
		record.ID,
		record.ProjectID,
		record.Model,
		record.Prompt,
		record.Response,
		record.TokensUsed,
		record.TokensEstimated,
		record.LatencyMS,
		record.Error,
		record.Endpoint,
		record.UserID,
		record.RiskScore,
		record.CreatedAt,
	)
	return err
}

// ListTelemetry returns recent records for a project, newest first.
func (r *Repository) ListTelemetry(ctx context.Context, projectID string, limit, offset int) ([]domain.TelemetryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	const query = `SELECT ` + telemetryColumns + `
		FROM telemetry_records
		WHERE project_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, projectID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.TelemetryRecord, 0)
	for rows.Next() {
		var rec domain.TelemetryRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.ProjectID,
			&rec.Model,
			&rec.Prompt,
			&rec.Response,
			&rec.TokensUsed,
			&rec.TokensEstimated,
			&rec.LatencyMS,
			&rec.Error,
			&rec.Endpoint,
			&rec.UserID,
			&rec.RiskScore,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountTelemetrySince reports total and errored calls observed since the cutoff.
func (r *Repository) CountTelemetrySince(ctx context.Context, projectID string, since time.Time) (int, int, error) {
	const query = `SELECT COUNT(1), COUNT(1) FILTER (WHERE error <> '')
		FROM telemetry_records
		WHERE project_id = $1 AND created_at >= $2`
	row := r.pool.QueryRow(ctx, query, projectID, since.UTC())
	var total, errored int
	if err := row.Scan(&total, &errored); err != nil {
		return 0, 0, err
	}
	return total, errored, nil
}

// ListModelUsageSince sums token usage per model per UTC day since the cutoff.
func (r *Repository) ListModelUsageSince(ctx context.Context, projectID string, since time.Time) ([]domain.ModelUsage, error) {
	const query = `SELECT date_trunc('day', created_at AT TIME ZONE 'UTC') AS day, model, COALESCE(SUM(tokens_used), 0)
		FROM telemetry_records
		WHERE project_id = $1 AND created_at >= $2
		GROUP BY 1, 2
		ORDER BY 1 ASC, 2 ASC`
	rows, err := r.pool.Query(ctx, query, projectID, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	usage := make([]domain.ModelUsage, 0)
	for rows.Next() {
		var u domain.ModelUsage
		if err := rows.Scan(&u.Day, &u.Model, &u.Tokens); err != nil {
			return nil, err
		}
		u.Day = u.Day.UTC()
		usage = append(usage, u)
	}
	return usage, rows.Err()
}

// ListActiveProjects returns identifiers of projects with telemetry since the cutoff.
func (r *Repository) ListActiveProjects(ctx context.Context, since time.Time) ([]string, error) {
	const query = `SELECT DISTINCT project_id FROM telemetry_records WHERE created_at >= $1 ORDER BY project_id`
	rows, err := r.pool.Query(ctx, query, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		projects = append(projects, id)
	}
	return projects, rows.Err()
}
