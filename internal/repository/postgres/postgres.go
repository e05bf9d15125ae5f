package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/guardrail-dev/guardrail/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.TelemetryRepository   = (*Repository)(nil)
	_ repository.IncidentRepository    = (*Repository)(nil)
	_ repository.RemediationRepository = (*Repository)(nil)
	_ repository.WebhookRepository     = (*Repository)(nil)
)

// Ping verifies database connectivity for health reporting.
func (r *Repository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return r.pool.Ping(ctx)
}
