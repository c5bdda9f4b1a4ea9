package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rpattn/cvsync/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const stagedChangeColumns = `id, entity_type, entity_id, stable_id, action, target, payload, commit_id, created_by, created_at`

func scanStagedChange(row pgx.Row) (domain.StagedChange, error) {
	var (
		change   domain.StagedChange
		payload  []byte
		commitID pgtype.UUID
	)
	if err := row.Scan(
		&change.ID,
		&change.EntityType,
		&change.EntityID,
		&change.StableID,
		&change.Action,
		&change.Target,
		&payload,
		&commitID,
		&change.CreatedBy,
		&change.CreatedAt,
	); err != nil {
		return domain.StagedChange{}, err
	}
	change.Payload = json.RawMessage(payload)
	change.CommitID = fromPGUUID(commitID)
	return change, nil
}

func collectStagedChanges(rows pgx.Rows) ([]domain.StagedChange, error) {
	defer rows.Close()
	changes := []domain.StagedChange{}
	for rows.Next() {
		change, err := scanStagedChange(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan staged change: %w", err)
		}
		changes = append(changes, change)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate staged changes: %w", err)
	}
	return changes, nil
}

const commitColumns = `c.id, c.message, c.target, c.status, c.error_message, c.error_target, c.portfolio_applied,
	c.enrichment_applied, c.created_by, c.created_at, c.applied_at, c.applied_by,
	(SELECT count(*) FROM staged_changes s WHERE s.commit_id = c.id)`

func scanCommit(row pgx.Row) (domain.Commit, error) {
	var (
		commit      domain.Commit
		errorTarget pgtype.Text
		changeCount int64
	)
	if err := row.Scan(
		&commit.ID,
		&commit.Message,
		&commit.Target,
		&commit.Status,
		&commit.ErrorMessage,
		&errorTarget,
		&commit.PortfolioApplied,
		&commit.EnrichmentApplied,
		&commit.CreatedBy,
		&commit.CreatedAt,
		&commit.AppliedAt,
		&commit.AppliedBy,
		&changeCount,
	); err != nil {
		return domain.Commit{}, err
	}
	if errorTarget.Valid {
		target := domain.Target(errorTarget.String)
		commit.ErrorTarget = &target
	}
	commit.ChangeCount = int(changeCount)
	return commit, nil
}

const pushJobColumns = `id, commit_id, target, overall_status, portfolio_status, enrichment_status,
	portfolio_result, enrichment_result, requested_by, runner_id, started_at, updated_at, completed_at`

func scanPushJob(row pgx.Row) (domain.PushJob, error) {
	var (
		job              domain.PushJob
		portfolioResult  []byte
		enrichmentResult []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.CommitID,
		&job.Target,
		&job.OverallStatus,
		&job.PortfolioStatus,
		&job.EnrichmentStatus,
		&portfolioResult,
		&enrichmentResult,
		&job.RequestedBy,
		&job.RunnerID,
		&job.StartedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
	); err != nil {
		return domain.PushJob{}, err
	}
	var err error
	if job.PortfolioResult, err = legResultFromJSON(portfolioResult); err != nil {
		return domain.PushJob{}, fmt.Errorf("decode portfolio result: %w", err)
	}
	if job.EnrichmentResult, err = legResultFromJSON(enrichmentResult); err != nil {
		return domain.PushJob{}, fmt.Errorf("decode enrichment result: %w", err)
	}
	return job, nil
}

// pgErrCodeUniqueViolation is PostgreSQL's unique_violation SQLSTATE.
const pgErrCodeUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgErrCodeUniqueViolation
}

func legResultToJSON(result *domain.LegResult) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	return json.Marshal(result)
}

func legResultFromJSON(data []byte) (*domain.LegResult, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var result domain.LegResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func fromPGUUID(value pgtype.UUID) *uuid.UUID {
	if !value.Valid {
		return nil
	}
	id := uuid.UUID(value.Bytes)
	return &id
}

func targetText(target *domain.Target) pgtype.Text {
	if target == nil {
		return pgtype.Text{}
	}
	return pgtype.Text{String: string(*target), Valid: true}
}

func uniqueIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
