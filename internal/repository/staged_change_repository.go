package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/rpattn/cvsync/internal/db"
	"github.com/rpattn/cvsync/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type stagedChangeRepository struct {
	pool *pgxpool.Pool
}

// NewStagedChangeRepository wires a repository backed by pgxpool.
func NewStagedChangeRepository(pool *pgxpool.Pool) StagedChangeRepository {
	return &stagedChangeRepository{pool: pool}
}

func (r *stagedChangeRepository) Create(ctx context.Context, change domain.StagedChange) (domain.StagedChange, error) {
	created, err := insertStagedChange(ctx, r.pool, change)
	if err != nil {
		return domain.StagedChange{}, fmt.Errorf("failed to create staged change: %w", err)
	}
	return created, nil
}

func (r *stagedChangeRepository) CreateMany(ctx context.Context, changes []domain.StagedChange) ([]domain.StagedChange, error) {
	created := make([]domain.StagedChange, 0, len(changes))
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		for i, change := range changes {
			row, err := insertStagedChange(ctx, tx, change)
			if err != nil {
				return fmt.Errorf("failed to create staged change %d of %d: %w", i+1, len(changes), err)
			}
			created = append(created, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func insertStagedChange(ctx context.Context, q querier, change domain.StagedChange) (domain.StagedChange, error) {
	return scanStagedChange(q.QueryRow(
		ctx,
		`INSERT INTO staged_changes (id, entity_type, entity_id, stable_id, action, target, payload, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+stagedChangeColumns,
		change.ID,
		string(change.EntityType),
		change.EntityID,
		change.StableID,
		string(change.Action),
		string(change.Target),
		[]byte(change.Payload),
		change.CreatedBy,
		change.CreatedAt,
	))
}

func (r *stagedChangeRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.StagedChange, error) {
	change, err := scanStagedChange(r.pool.QueryRow(
		ctx,
		`SELECT `+stagedChangeColumns+` FROM staged_changes WHERE id = $1`,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.StagedChange{}, fmt.Errorf("%w: staged change %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.StagedChange{}, fmt.Errorf("failed to get staged change: %w", err)
	}
	return change, nil
}

func (r *stagedChangeRepository) ListUncommitted(ctx context.Context) ([]domain.StagedChange, error) {
	rows, err := r.pool.Query(
		ctx,
		`SELECT `+stagedChangeColumns+` FROM staged_changes WHERE commit_id IS NULL ORDER BY seq`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list uncommitted changes: %w", err)
	}
	return collectStagedChanges(rows)
}

func (r *stagedChangeRepository) ListByCommit(ctx context.Context, commitID uuid.UUID) ([]domain.StagedChange, error) {
	rows, err := r.pool.Query(
		ctx,
		`SELECT `+stagedChangeColumns+` FROM staged_changes WHERE commit_id = $1 ORDER BY seq`,
		commitID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list commit changes: %w", err)
	}
	return collectStagedChanges(rows)
}

func (r *stagedChangeRepository) ListByCommits(ctx context.Context, commitIDs []uuid.UUID) (map[uuid.UUID][]domain.StagedChange, error) {
	result := make(map[uuid.UUID][]domain.StagedChange, len(commitIDs))
	if len(commitIDs) == 0 {
		return result, nil
	}
	rows, err := r.pool.Query(
		ctx,
		`SELECT `+stagedChangeColumns+` FROM staged_changes WHERE commit_id = ANY($1) ORDER BY seq`,
		commitIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to batch load commit changes: %w", err)
	}
	changes, err := collectStagedChanges(rows)
	if err != nil {
		return nil, err
	}
	for _, change := range changes {
		result[*change.CommitID] = append(result[*change.CommitID], change)
	}
	return result, nil
}

func (r *stagedChangeRepository) UpdateUncommitted(ctx context.Context, change domain.StagedChange) (domain.StagedChange, error) {
	row := r.pool.QueryRow(
		ctx,
		`UPDATE staged_changes SET payload = $2, target = $3
		 WHERE id = $1 AND commit_id IS NULL
		 RETURNING `+stagedChangeColumns,
		change.ID,
		[]byte(change.Payload),
		string(change.Target),
	)
	updated, err := scanStagedChange(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.StagedChange{}, r.explainMissing(ctx, change.ID)
	}
	if err != nil {
		return domain.StagedChange{}, fmt.Errorf("failed to update staged change: %w", err)
	}
	return updated, nil
}

func (r *stagedChangeRepository) DeleteUncommitted(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM staged_changes WHERE id = $1 AND commit_id IS NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to delete staged change: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.explainMissing(ctx, id)
	}
	return nil
}

// explainMissing tells a missing row apart from one that was absorbed into a commit.
func (r *stagedChangeRepository) explainMissing(ctx context.Context, id uuid.UUID) error {
	change, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if change.Committed() {
		return fmt.Errorf("%w: change %s belongs to commit %s", domain.ErrImmutable, id, *change.CommitID)
	}
	return fmt.Errorf("%w: staged change %s", domain.ErrNotFound, id)
}

func (r *stagedChangeRepository) ClearUncommitted(ctx context.Context) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM staged_changes WHERE commit_id IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear staged changes: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *stagedChangeRepository) CountUncommitted(ctx context.Context) (int, error) {
	var count int64
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM staged_changes WHERE commit_id IS NULL`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count staged changes: %w", err)
	}
	return int(count), nil
}
