package repository

import (
	"context"

	"github.com/rpattn/cvsync/internal/domain"

	"github.com/google/uuid"
)

// StagedChangeRepository defines the interface for staged change operations
type StagedChangeRepository interface {
	Create(ctx context.Context, change domain.StagedChange) (domain.StagedChange, error)
	// CreateMany inserts every change or none of them.
	CreateMany(ctx context.Context, changes []domain.StagedChange) ([]domain.StagedChange, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.StagedChange, error)
	ListUncommitted(ctx context.Context) ([]domain.StagedChange, error)
	ListByCommit(ctx context.Context, commitID uuid.UUID) ([]domain.StagedChange, error)
	ListByCommits(ctx context.Context, commitIDs []uuid.UUID) (map[uuid.UUID][]domain.StagedChange, error)

	// UpdateUncommitted replaces payload and target of a change that has no commit yet.
	UpdateUncommitted(ctx context.Context, change domain.StagedChange) (domain.StagedChange, error)
	DeleteUncommitted(ctx context.Context, id uuid.UUID) error
	ClearUncommitted(ctx context.Context) (int, error)
	CountUncommitted(ctx context.Context) (int, error)
}

// CommitRepository defines the interface for commit operations
type CommitRepository interface {
	// CreateFromChanges inserts commit and binds the given uncommitted changes to it atomically.
	// A nil changeIDs slice absorbs every uncommitted change.
	CreateFromChanges(ctx context.Context, commit domain.Commit, changeIDs []uuid.UUID) (domain.Commit, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.Commit, error)
	List(ctx context.Context, status *domain.CommitStatus) ([]domain.Commit, error)

	// Transition reads the commit under a row lock, applies fn and persists the result.
	Transition(ctx context.Context, id uuid.UUID, fn func(domain.Commit) (domain.Commit, error)) (domain.Commit, error)

	// ClaimPush reads the commit under a row lock, lets plan build a push job from it and inserts the job
	// in the same transaction. It fails with domain.ErrInvalidState when an unfinished job of the commit
	// already holds one of the new job's legs.
	ClaimPush(ctx context.Context, id uuid.UUID, plan func(domain.Commit) (domain.PushJob, error)) (domain.PushJob, error)
	CountByStatus(ctx context.Context) (map[domain.CommitStatus]int, error)
}

// PushJobRepository persists push job snapshots so state survives hub eviction and restarts.
type PushJobRepository interface {
	Save(ctx context.Context, job domain.PushJob) error
	GetByID(ctx context.Context, id uuid.UUID) (domain.PushJob, error)
	ListByCommit(ctx context.Context, commitID uuid.UUID) ([]domain.PushJob, error)
	ListActive(ctx context.Context) ([]domain.PushJob, error)
}
