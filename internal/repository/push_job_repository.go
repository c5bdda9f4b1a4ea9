package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/rpattn/cvsync/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pushJobRepository struct {
	pool *pgxpool.Pool
}

// NewPushJobRepository wires a repository backed by pgxpool.
func NewPushJobRepository(pool *pgxpool.Pool) PushJobRepository {
	return &pushJobRepository{pool: pool}
}

func (r *pushJobRepository) Save(ctx context.Context, job domain.PushJob) error {
	if err := savePushJob(ctx, r.pool, job); err != nil {
		return fmt.Errorf("failed to save push job: %w", err)
	}
	return nil
}

// savePushJob upserts a job snapshot. Target, requester and runner are fixed at insert time.
func savePushJob(ctx context.Context, q querier, job domain.PushJob) error {
	portfolioResult, err := legResultToJSON(job.PortfolioResult)
	if err != nil {
		return fmt.Errorf("encode portfolio result: %w", err)
	}
	enrichmentResult, err := legResultToJSON(job.EnrichmentResult)
	if err != nil {
		return fmt.Errorf("encode enrichment result: %w", err)
	}

	_, err = q.Exec(
		ctx,
		`INSERT INTO push_jobs (id, commit_id, target, overall_status, portfolio_status, enrichment_status,
		                        portfolio_result, enrichment_result, requested_by, runner_id, started_at,
		                        updated_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET
		     overall_status = EXCLUDED.overall_status,
		     portfolio_status = EXCLUDED.portfolio_status,
		     enrichment_status = EXCLUDED.enrichment_status,
		     portfolio_result = EXCLUDED.portfolio_result,
		     enrichment_result = EXCLUDED.enrichment_result,
		     updated_at = EXCLUDED.updated_at,
		     completed_at = EXCLUDED.completed_at`,
		job.ID,
		job.CommitID,
		string(job.Target),
		string(job.OverallStatus),
		string(job.PortfolioStatus),
		string(job.EnrichmentStatus),
		portfolioResult,
		enrichmentResult,
		job.RequestedBy,
		job.RunnerID,
		job.StartedAt,
		job.UpdatedAt,
		job.CompletedAt,
	)
	return err
}

func (r *pushJobRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.PushJob, error) {
	job, err := scanPushJob(r.pool.QueryRow(ctx, `SELECT `+pushJobColumns+` FROM push_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PushJob{}, fmt.Errorf("%w: push job %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.PushJob{}, fmt.Errorf("failed to get push job: %w", err)
	}
	return job, nil
}

func (r *pushJobRepository) ListByCommit(ctx context.Context, commitID uuid.UUID) ([]domain.PushJob, error) {
	rows, err := r.pool.Query(
		ctx,
		`SELECT `+pushJobColumns+` FROM push_jobs WHERE commit_id = $1 ORDER BY started_at`,
		commitID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list push jobs: %w", err)
	}
	return collectPushJobs(rows)
}

func (r *pushJobRepository) ListActive(ctx context.Context) ([]domain.PushJob, error) {
	rows, err := r.pool.Query(
		ctx,
		`SELECT `+pushJobColumns+` FROM push_jobs WHERE completed_at IS NULL ORDER BY started_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list active push jobs: %w", err)
	}
	return collectPushJobs(rows)
}

func collectPushJobs(rows pgx.Rows) ([]domain.PushJob, error) {
	defer rows.Close()
	jobs := []domain.PushJob{}
	for rows.Next() {
		job, err := scanPushJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan push job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate push jobs: %w", err)
	}
	return jobs, nil
}
