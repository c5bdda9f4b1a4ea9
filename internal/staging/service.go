package staging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rpattn/cvsync/internal/domain"
	"github.com/rpattn/cvsync/internal/repository"
)

// Service holds the working set of uncommitted changes.
type Service struct {
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

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(changes repository.StagedChangeRepository, opts ...Option) *Service {
	service := &Service{
		changes: changes,
		logger:  logrus.StandardLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(service)
	}
	service.logger = service.logger.WithField("component", "staging")
	return service
}

// StageInput is the raw, unvalidated form of a stage request.
type StageInput struct {
	EntityType string
	Action     string
	EntityID   *string
	StableID   *string
	Target     string
	Payload    json.RawMessage
	CreatedBy  string
}

// Validate parses input into a stage request without recording anything.
func (s *Service) Validate(input StageInput) (domain.StageRequest, error) {
	entityType, err := domain.ParseEntityType(input.EntityType)
	if err != nil {
		return domain.StageRequest{}, err
	}
	action, err := domain.ParseChangeAction(input.Action)
	if err != nil {
		return domain.StageRequest{}, err
	}
	target := domain.TargetBoth
	if input.Target != "" {
		if target, err = domain.ParseTarget(input.Target); err != nil {
			return domain.StageRequest{}, err
		}
	}
	req := domain.StageRequest{
		EntityType: entityType,
		Action:     action,
		Identity:   domain.EntityIdentity{EntityID: input.EntityID, StableID: input.StableID},
		Target:     target,
		Payload:    input.Payload,
		CreatedBy:  input.CreatedBy,
	}
	if err := req.Validate(); err != nil {
		return domain.StageRequest{}, err
	}
	return req, nil
}

// Stage records a new uncommitted change. No backend is touched.
func (s *Service) Stage(ctx context.Context, input StageInput) (domain.StagedChange, error) {
	req, err := s.Validate(input)
	if err != nil {
		return domain.StagedChange{}, err
	}

	created, err := s.changes.Create(ctx, domain.NewStagedChange(req, s.now().UTC()))
	if err != nil {
		return domain.StagedChange{}, fmt.Errorf("stage change: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"change_id":   created.ID,
		"entity_type": created.EntityType,
		"action":      created.Action,
		"target":      created.Target,
	}).Info("change staged")
	return created, nil
}

// StageAll validates every input and records them in one atomic write. Nothing is staged when any input is
// invalid or the store rejects the batch.
func (s *Service) StageAll(ctx context.Context, inputs []StageInput) ([]domain.StagedChange, error) {
	now := s.now().UTC()
	batch := make([]domain.StagedChange, 0, len(inputs))
	for i, input := range inputs {
		req, err := s.Validate(input)
		if err != nil {
			return nil, fmt.Errorf("change %d: %w", i+1, err)
		}
		batch = append(batch, domain.NewStagedChange(req, now))
	}
	created, err := s.changes.CreateMany(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("stage changes: %w", err)
	}
	s.logger.WithField("changes", len(created)).Info("changes staged")
	return created, nil
}

// ListUncommitted returns the pending set in creation order.
func (s *Service) ListUncommitted(ctx context.Context) ([]domain.StagedChange, error) {
	return s.changes.ListUncommitted(ctx)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (domain.StagedChange, error) {
	return s.changes.GetByID(ctx, id)
}

// Delete removes an uncommitted change. Committed changes fail with ErrImmutable.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.changes.DeleteUncommitted(ctx, id); err != nil {
		return err
	}
	s.logger.WithField("change_id", id).Info("staged change deleted")
	return nil
}

// Amend replaces payload and/or target of an uncommitted change.
func (s *Service) Amend(ctx context.Context, id uuid.UUID, amendment domain.ChangeAmendment) (domain.StagedChange, error) {
	current, err := s.changes.GetByID(ctx, id)
	if err != nil {
		return domain.StagedChange{}, err
	}
	amended, err := amendment.Apply(current)
	if err != nil {
		return domain.StagedChange{}, err
	}
	updated, err := s.changes.UpdateUncommitted(ctx, amended)
	if err != nil {
		return domain.StagedChange{}, err
	}
	s.logger.WithField("change_id", id).Info("staged change amended")
	return updated, nil
}

// Clear drops the whole pending queue. Committed changes are untouched.
func (s *Service) Clear(ctx context.Context) (int, error) {
	removed, err := s.changes.ClearUncommitted(ctx)
	if err != nil {
		return 0, err
	}
	s.logger.WithField("removed", removed).Warn("staging area cleared")
	return removed, nil
}

func (s *Service) CountUncommitted(ctx context.Context) (int, error) {
	return s.changes.CountUncommitted(ctx)
}
