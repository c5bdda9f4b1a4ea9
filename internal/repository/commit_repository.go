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

type commitRepository struct {
	pool *pgxpool.Pool
}

// NewCommitRepository wires a repository backed by pgxpool.
func NewCommitRepository(pool *pgxpool.Pool) CommitRepository {
	return &commitRepository{pool: pool}
}

func (r *commitRepository) CreateFromChanges(ctx context.Context, commit domain.Commit, changeIDs []uuid.UUID) (domain.Commit, error) {
	var created domain.Commit
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		changes, err := lockUncommitted(ctx, tx, changeIDs)
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			return fmt.Errorf("%w: no staged changes to commit", domain.ErrInvalidArgument)
		}

		commit.Target = domain.UnionTarget(changes)
		if _, err := tx.Exec(
			ctx,
			`INSERT INTO commits (id, message, target, status, created_by, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			commit.ID,
			commit.Message,
			string(commit.Target),
			string(commit.Status),
			commit.CreatedBy,
			commit.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert commit: %w", err)
		}

		ids := make([]uuid.UUID, len(changes))
		for i, change := range changes {
			ids[i] = change.ID
		}
		tag, err := tx.Exec(
			ctx,
			`UPDATE staged_changes SET commit_id = $1 WHERE id = ANY($2) AND commit_id IS NULL`,
			commit.ID,
			ids,
		)
		if err != nil {
			return fmt.Errorf("failed to bind changes to commit: %w", err)
		}
		if int(tag.RowsAffected()) != len(ids) {
			return fmt.Errorf("%w: %d of %d changes were committed concurrently", domain.ErrAlreadyCommitted, len(ids)-int(tag.RowsAffected()), len(ids))
		}

		created, err = getCommit(ctx, tx, commit.ID, false)
		if err != nil {
			return err
		}
		for i := range changes {
			changes[i].CommitID = &created.ID
		}
		created.Changes = changes
		return nil
	})
	if err != nil {
		return domain.Commit{}, err
	}
	return created, nil
}

// lockUncommitted row-locks the changes a new commit will absorb. Rows taken by a concurrent commit
// drop out of the result once that commit finishes, so each change lands in at most one commit.
func lockUncommitted(ctx context.Context, tx pgx.Tx, changeIDs []uuid.UUID) ([]domain.StagedChange, error) {
	if changeIDs == nil {
		rows, err := tx.Query(
			ctx,
			`SELECT `+stagedChangeColumns+` FROM staged_changes WHERE commit_id IS NULL ORDER BY seq FOR UPDATE`,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to lock staged changes: %w", err)
		}
		return collectStagedChanges(rows)
	}

	ids := uniqueIDs(changeIDs)
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := tx.Query(
		ctx,
		`SELECT `+stagedChangeColumns+` FROM staged_changes
		 WHERE id = ANY($1) AND commit_id IS NULL
		 ORDER BY seq FOR UPDATE`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to lock staged changes: %w", err)
	}
	changes, err := collectStagedChanges(rows)
	if err != nil {
		return nil, err
	}
	if len(changes) == len(ids) {
		return changes, nil
	}

	found := make(map[uuid.UUID]struct{}, len(changes))
	for _, change := range changes {
		found[change.ID] = struct{}{}
	}
	var missing []uuid.UUID
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	var committed int64
	if err := tx.QueryRow(
		ctx,
		`SELECT count(*) FROM staged_changes WHERE id = ANY($1) AND commit_id IS NOT NULL`,
		missing,
	).Scan(&committed); err != nil {
		return nil, fmt.Errorf("failed to inspect missing changes: %w", err)
	}
	if committed > 0 {
		return nil, fmt.Errorf("%w: %w: %v", domain.ErrNotFound, domain.ErrAlreadyCommitted, missing)
	}
	return nil, fmt.Errorf("%w: staged changes %v", domain.ErrNotFound, missing)
}

func (r *commitRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Commit, error) {
	return getCommit(ctx, r.pool, id, false)
}

func getCommit(ctx context.Context, q querier, id uuid.UUID, lock bool) (domain.Commit, error) {
	query := `SELECT ` + commitColumns + ` FROM commits c WHERE c.id = $1`
	if lock {
		query += ` FOR UPDATE OF c`
	}
	commit, err := scanCommit(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Commit{}, fmt.Errorf("%w: commit %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.Commit{}, fmt.Errorf("failed to get commit: %w", err)
	}
	return commit, nil
}

func (r *commitRepository) List(ctx context.Context, status *domain.CommitStatus) ([]domain.Commit, error) {
	query := `SELECT ` + commitColumns + ` FROM commits c`
	var args []any
	if status != nil {
		query += ` WHERE c.status = $1`
		args = append(args, string(*status))
	}
	query += ` ORDER BY c.seq`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list commits: %w", err)
	}
	defer rows.Close()

	commits := []domain.Commit{}
	for rows.Next() {
		commit, err := scanCommit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan commit: %w", err)
		}
		commits = append(commits, commit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate commits: %w", err)
	}
	return commits, nil
}

func (r *commitRepository) Transition(ctx context.Context, id uuid.UUID, fn func(domain.Commit) (domain.Commit, error)) (domain.Commit, error) {
	var updated domain.Commit
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		current, err := getCommit(ctx, tx, id, true)
		if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			ctx,
			`UPDATE commits
			 SET status = $2, error_message = $3, error_target = $4, portfolio_applied = $5,
			     enrichment_applied = $6, applied_at = $7, applied_by = $8
			 WHERE id = $1`,
			id,
			string(next.Status),
			next.ErrorMessage,
			targetText(next.ErrorTarget),
			next.PortfolioApplied,
			next.EnrichmentApplied,
			next.AppliedAt,
			next.AppliedBy,
		); err != nil {
			return fmt.Errorf("failed to update commit: %w", err)
		}
		updated = next
		return nil
	})
	if err != nil {
		return domain.Commit{}, err
	}
	return updated, nil
}

func (r *commitRepository) ClaimPush(ctx context.Context, id uuid.UUID, plan func(domain.Commit) (domain.PushJob, error)) (domain.PushJob, error) {
	var claimed domain.PushJob
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		current, err := getCommit(ctx, tx, id, true)
		if err != nil {
			return err
		}
		job, err := plan(current)
		if err != nil {
			return err
		}
		if err := savePushJob(ctx, tx, job); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: a %s push for commit %s is already running", domain.ErrInvalidState, job.Target, id)
			}
			return fmt.Errorf("failed to insert push job: %w", err)
		}
		claimed = job
		return nil
	})
	if err != nil {
		return domain.PushJob{}, err
	}
	return claimed, nil
}

func (r *commitRepository) CountByStatus(ctx context.Context) (map[domain.CommitStatus]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, count(*) FROM commits GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count commits: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.CommitStatus]int, len(domain.AllCommitStatuses))
	for _, status := range domain.AllCommitStatuses {
		counts[status] = 0
	}
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan commit count: %w", err)
		}
		counts[domain.CommitStatus(status)] = int(count)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate commit counts: %w", err)
	}
	return counts, nil
}
