package commit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rpattn/cvsync/internal/domain"
	"github.com/rpattn/cvsync/internal/repository"
)

// Service groups uncommitted changes into commits and owns the commit state machine.
type Service struct {
	commits repository.CommitRepository
	changes repository.StagedChangeRepository
	logger  logrus.FieldLogger
	now     func() time.Time
}

type Option func(*Service)

func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(commits repository.CommitRepository, changes repository.StagedChangeRepository, opts ...Option) *Service {
	service := &Service{
		commits: commits,
		changes: changes,
		logger:  logrus.StandardLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(service)
	}
	service.logger = service.logger.WithField("component", "commit")
	return service
}

// CreateCommit absorbs changeIDs, or every uncommitted change when changeIDs is nil, into a new pending
// commit. An empty message or an empty resulting change set fails with ErrInvalidArgument.
func (s *Service) CreateCommit(ctx context.Context, message string, changeIDs []uuid.UUID, createdBy string) (domain.Commit, error) {
	normalized, err := domain.NormalizeCommitMessage(message)
	if err != nil {
		return domain.Commit{}, err
	}
	if changeIDs != nil && len(changeIDs) == 0 {
		return domain.Commit{}, fmt.Errorf("%w: change_ids is empty", domain.ErrInvalidArgument)
	}

	created, err := s.commits.CreateFromChanges(ctx, domain.NewCommit(normalized, createdBy, s.now().UTC()), changeIDs)
	if err != nil {
		return domain.Commit{}, err
	}
	s.logger.WithFields(logrus.Fields{
		"commit_id": created.ID,
		"target":    created.Target,
		"changes":   len(created.Changes),
	}).Info("commit created")
	return created, nil
}

// GetCommit returns the commit together with its member changes.
func (s *Service) GetCommit(ctx context.Context, id uuid.UUID) (domain.Commit, error) {
	commit, err := s.commits.GetByID(ctx, id)
	if err != nil {
		return domain.Commit{}, err
	}
	changes, err := s.changes.ListByCommit(ctx, id)
	if err != nil {
		return domain.Commit{}, fmt.Errorf("load commit changes: %w", err)
	}
	commit.Changes = changes
	commit.ChangeCount = len(changes)
	return commit, nil
}

// ListCommits returns commits in insertion order, optionally filtered by status.
func (s *Service) ListCommits(ctx context.Context, status *domain.CommitStatus) ([]domain.Commit, error) {
	return s.commits.List(ctx, status)
}

// StartPush plans requested against the locked commit and records the job build returns for the planned
// legs. Planning and recording happen atomically, so two pushes can never both claim the same leg.
func (s *Service) StartPush(ctx context.Context, id uuid.UUID, requested domain.Target, build func(legs domain.Target) domain.PushJob) (domain.PushJob, error) {
	return s.commits.ClaimPush(ctx, id, func(current domain.Commit) (domain.PushJob, error) {
		legs, err := current.PlanPush(requested)
		if err != nil {
			return domain.PushJob{}, err
		}
		return build(legs), nil
	})
}

// ApplyOutcome records the result of a terminal push job on the commit.
func (s *Service) ApplyOutcome(ctx context.Context, id uuid.UUID, outcome domain.PushOutcome, actor string) (domain.Commit, error) {
	updated, err := s.commits.Transition(ctx, id, func(current domain.Commit) (domain.Commit, error) {
		return current.ApplyOutcome(outcome, actor, s.now().UTC()), nil
	})
	if err != nil {
		return domain.Commit{}, fmt.Errorf("apply push outcome: %w", err)
	}
	entry := s.logger.WithFields(logrus.Fields{
		"commit_id": id,
		"job_id":    outcome.JobID,
		"status":    updated.Status,
	})
	if outcome.FailedTarget != "" {
		entry.WithField("error_target", outcome.FailedTarget).Warn("commit push failed")
	} else {
		entry.Info("commit status updated")
	}
	return updated, nil
}

// CountByStatus reports how many commits sit in each status.
func (s *Service) CountByStatus(ctx context.Context) (map[domain.CommitStatus]int, error) {
	return s.commits.CountByStatus(ctx)
}
