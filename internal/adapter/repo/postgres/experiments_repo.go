package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/oddish-run/oddish/internal/domain"
)

// ExperimentRepo persists experiments. Experiments are append-only: created
// on first reference, never mutated afterwards.
type ExperimentRepo struct{ Pool PgxPool }

// NewExperimentRepo constructs an ExperimentRepo with the given pool.
func NewExperimentRepo(p PgxPool) *ExperimentRepo { return &ExperimentRepo{Pool: p} }

// Get loads an experiment by id.
func (r *ExperimentRepo) Get(ctx domain.Context, id string) (domain.Experiment, error) {
	tracer := otel.Tracer("repo.experiments")
	ctx, span := tracer.Start(ctx, "experiments.Get")
	defer span.End()
	q := `SELECT id, name, org_id, is_public, public_token, created_at FROM experiments WHERE id = $1`
	var e domain.Experiment
	err := r.Pool.QueryRow(ctx, q, id).Scan(&e.ID, &e.Name, &e.OrgID, &e.IsPublic, &e.PublicToken, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Experiment{}, fmt.Errorf("op=experiment.get id=%s: %w", id, domain.ErrNotFound)
		}
		return domain.Experiment{}, fmt.Errorf("op=experiment.get id=%s: %w", id, err)
	}
	return e, nil
}

// resolveExperiment finds an experiment by id, then by (org, name), creating
// it when missing. Generated names skip the id lookup. Runs on the caller's
// transaction so submission stays atomic.
func resolveExperiment(ctx domain.Context, tx pgx.Tx, orgID, idOrName string, generated bool) (string, error) {
	var id string
	if !generated {
		err := tx.QueryRow(ctx, `SELECT id FROM experiments WHERE id = $1`, idOrName).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("op=experiment.resolve: %w", err)
		}
	}
	err := tx.QueryRow(ctx, `SELECT id FROM experiments WHERE org_id = $1 AND name = $2`, orgID, idOrName).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("op=experiment.resolve: %w", err)
	}
	id = ulid.Make().String()
	ins := `INSERT INTO experiments (id, name, org_id) VALUES ($1, $2, $3)
		ON CONFLICT (org_id, name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`
	if err := tx.QueryRow(ctx, ins, id, idOrName, orgID).Scan(&id); err != nil {
		return "", fmt.Errorf("op=experiment.create name=%s: %w", idOrName, err)
	}
	return id, nil
}
