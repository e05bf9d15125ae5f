package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/guardrail-dev/guardrail/internal/domain"
	"github.com/guardrail-dev/guardrail/internal/repository"
)

const actionColumns = `id, incident_id, project_id, action_type, params, executed, executed_at, metadata, created_at`

// CreateAction persists a remediation action in the unexecuted state.
func (r *Repository) CreateAction(ctx context.Context, action *domain.RemediationAction) error {
	if action == nil {
		return fmt.Errorf("remediation action required")
	}
	params, err := domain.EncodeActionParams(action.ActionType, action.Params)
	if err != nil {
		return fmt.Errorf("encode action params: %w", err)
	}
	const query = `INSERT INTO remediation_actions (id, incident_id, project_id, action_type, params, executed, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = r.pool.Exec(ctx, query,
		action.ID,
		action.IncidentID,
		action.ProjectID,
		action.ActionType,
		params,
		action.Executed,
		action.Metadata,
		action.CreatedAt,
	)
	return err
}

// GetActionByID fetches one remediation action.
func (r *Repository) GetActionByID(ctx context.Context, actionID string) (*domain.RemediationAction, error) {
	const query = `SELECT ` + actionColumns + ` FROM remediation_actions WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, actionID)
	action, err := scanAction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return action, nil
}

// ListActionsByIncident returns actions attached to an incident, oldest first
// so iteration order matches creation order.
func (r *Repository) ListActionsByIncident(ctx context.Context, incidentID string, limit, offset int) ([]domain.RemediationAction, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	const query = `SELECT ` + actionColumns + `
		FROM remediation_actions
		WHERE incident_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, incidentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectActions(rows)
}

// MarkActionExecuted flips the one-way executed flag and stamps the time.
// Re-applying refreshes the stamp without error.
func (r *Repository) MarkActionExecuted(ctx context.Context, actionID string, executedAt time.Time) error {
	const query = `UPDATE remediation_actions
		SET executed = TRUE,
			executed_at = $2
		WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query, actionID, executedAt.UTC())
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteAction removes a remediation action.
func (r *Repository) DeleteAction(ctx context.Context, actionID string) error {
	const query = `DELETE FROM remediation_actions WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query, actionID)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListActiveActions returns executed actions whose parent incident is still
// open, in creation order. This is the constraint view enforced on traffic.
func (r *Repository) ListActiveActions(ctx context.Context, projectID string) ([]domain.RemediationAction, error) {
	const query = `SELECT a.id, a.incident_id, a.project_id, a.action_type, a.params, a.executed, a.executed_at, a.metadata, a.created_at
		FROM remediation_actions a
		INNER JOIN incidents i ON i.id = a.incident_id
		WHERE a.project_id = $1 AND a.executed = TRUE AND i.status = 'open'
		ORDER BY a.created_at ASC, a.id ASC`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectActions(rows)
}

func scanAction(row rowScanner) (*domain.RemediationAction, error) {
	var (
		action     domain.RemediationAction
		params     []byte
		metadata   []byte
		executedAt sql.NullTime
	)
	if err := row.Scan(
		&action.ID,
		&action.IncidentID,
		&action.ProjectID,
		&action.ActionType,
		&params,
		&action.Executed,
		&executedAt,
		&metadata,
		&action.CreatedAt,
	); err != nil {
		return nil, err
	}
	decoded, err := domain.DecodeActionParams(action.ActionType, params)
	if err != nil {
		return nil, fmt.Errorf("decode action params: %w", err)
	}
	action.Params = decoded
	if executedAt.Valid {
		value := executedAt.Time
		action.ExecutedAt = &value
	}
	if len(metadata) > 0 {
		action.Metadata = append([]byte(nil), metadata...)
	}
	return &action, nil
}

func collectActions(rows pgx.Rows) ([]domain.RemediationAction, error) {
	actions := make([]domain.RemediationAction, 0)
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, *action)
	}
	return actions, rows.Err()
}
