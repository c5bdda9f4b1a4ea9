package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rpattn/cvsync/internal/backend"
	"github.com/rpattn/cvsync/internal/domain"
	"github.com/rpattn/cvsync/internal/repository"
)

// CommitStore claims pushes against the commit state machine and records their outcome.
type CommitStore interface {
	StartPush(ctx context.Context, id uuid.UUID, requested domain.Target, build func(legs domain.Target) domain.PushJob) (domain.PushJob, error)
	ApplyOutcome(ctx context.Context, id uuid.UUID, outcome domain.PushOutcome, actor string) (domain.Commit, error)
}

// JobPublisher receives every job transition.
type JobPublisher interface {
	Publish(ctx context.Context, job domain.PushJob)
}

type PortfolioBackend interface {
	ApplyChanges(ctx context.Context, commitID uuid.UUID, changes []domain.StagedChange) (backend.PortfolioResult, error)
}

type EnrichmentBackend interface {
	ApplyChanges(ctx context.Context, commitID uuid.UUID, changes []domain.StagedChange) (backend.EnrichmentResult, error)
}

// Accepted is the handle returned to the caller of a push.
type Accepted struct {
	JobID    uuid.UUID     `json:"job_id"`
	CommitID uuid.UUID     `json:"commit_id"`
	Target   domain.Target `json:"target"`
	Accepted bool          `json:"accepted"`
}

// Dispatcher accepts pushes, creates a job for each and runs the backend legs in the background.
type Dispatcher struct {
	commits    CommitStore
	changes    repository.StagedChangeRepository
	jobs       repository.PushJobRepository
	publisher  JobPublisher
	portfolio  PortfolioBackend
	enrichment EnrichmentBackend

	jobTimeout     time.Duration
	persistTimeout time.Duration
	now            func() time.Time
	logger         logrus.FieldLogger
	runnerID       string

	mu      sync.Mutex
	running map[uuid.UUID]struct{}
	wg      sync.WaitGroup
}

type Option func(*Dispatcher)

// WithJobTimeout bounds a whole job, both legs included.
func WithJobTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.jobTimeout = timeout
		}
	}
}

func WithPublisher(publisher JobPublisher) Option {
	return func(d *Dispatcher) {
		if publisher != nil {
			d.publisher = publisher
		}
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithRunnerID tags the jobs this dispatcher starts. Recovery only touches jobs carrying the same tag, so
// replicas sharing one database must each use their own.
func WithRunnerID(id string) Option {
	return func(d *Dispatcher) {
		d.runnerID = id
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

type discardPublisher struct{}

func (discardPublisher) Publish(context.Context, domain.PushJob) {}

func NewDispatcher(
	commits CommitStore,
	changes repository.StagedChangeRepository,
	jobs repository.PushJobRepository,
	portfolio PortfolioBackend,
	enrichment EnrichmentBackend,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		commits:        commits,
		changes:        changes,
		jobs:           jobs,
		publisher:      discardPublisher{},
		portfolio:      portfolio,
		enrichment:     enrichment,
		jobTimeout:     15 * time.Minute,
		persistTimeout: 10 * time.Second,
		now:            time.Now,
		logger:         logrus.StandardLogger(),
		running:        make(map[uuid.UUID]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.WithField("component", "push")
	return d
}

// PushToPortfolio queues the portfolio leg of a commit.
func (d *Dispatcher) PushToPortfolio(ctx context.Context, commitID uuid.UUID, actor string) (Accepted, error) {
	return d.Push(ctx, commitID, domain.TargetPortfolio, actor)
}

// PushToEnrichment queues the enrichment leg of a commit. It is never triggered by a portfolio push.
func (d *Dispatcher) PushToEnrichment(ctx context.Context, commitID uuid.UUID, actor string) (Accepted, error) {
	return d.Push(ctx, commitID, domain.TargetEnrichment, actor)
}

// Push claims the requested legs, records the job and returns immediately. Backend errors never surface
// here; they land in the job's leg results.
func (d *Dispatcher) Push(ctx context.Context, commitID uuid.UUID, requested domain.Target, actor string) (Accepted, error) {
	if !requested.Valid() {
		return Accepted{}, fmt.Errorf("%w: unknown target %q", domain.ErrInvalidArgument, requested)
	}
	job, err := d.commits.StartPush(ctx, commitID, requested, func(legs domain.Target) domain.PushJob {
		job := domain.NewPushJob(commitID, legs, actor, d.now().UTC())
		job.RunnerID = d.runnerID
		return job
	})
	if err != nil {
		return Accepted{}, err
	}
	d.publisher.Publish(ctx, job)
	d.logger.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"commit_id": commitID,
		"target":    job.Target,
		"requested": requested,
	}).Info("push accepted")

	d.launchWorker(job)
	return Accepted{JobID: job.ID, CommitID: commitID, Target: job.Target, Accepted: true}, nil
}

func (d *Dispatcher) launchWorker(job domain.PushJob) {
	ctx, cancel := context.WithTimeout(context.Background(), d.jobTimeout)
	d.mu.Lock()
	d.running[job.ID] = struct{}{}
	d.mu.Unlock()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		defer func() {
			d.mu.Lock()
			delete(d.running, job.ID)
			d.mu.Unlock()
		}()
		current := job
		defer func() {
			if rec := recover(); rec != nil {
				d.logger.WithField("job_id", job.ID).Errorf("panic while pushing: %v", rec)
				d.failRemaining(&current, fmt.Sprintf("internal error: %v", rec))
			}
		}()
		d.run(ctx, &current)
	}()
}

// run executes the legs one after the other. A failed portfolio leg does not stop the enrichment leg;
// each leg's outcome is recorded independently.
func (d *Dispatcher) run(ctx context.Context, job *domain.PushJob) {
	changes, err := d.changes.ListByCommit(ctx, job.CommitID)
	if err != nil {
		d.failRemaining(job, fmt.Sprintf("load commit changes: %v", err))
		return
	}

	for _, leg := range []domain.Leg{domain.LegPortfolio, domain.LegEnrichment} {
		if !job.RunsLeg(leg) {
			continue
		}
		d.advance(job, leg, domain.LegStatusInProgress, nil)

		result, err := d.applyLeg(ctx, leg, job.CommitID, changesFor(changes, leg))
		if err != nil {
			d.logger.WithFields(logrus.Fields{"job_id": job.ID, "leg": leg}).WithError(err).Warn("push leg failed")
			result.Error = legErrorMessage(err)
			d.advance(job, leg, domain.LegStatusFailed, &result)
			continue
		}
		d.advance(job, leg, domain.LegStatusSuccess, &result)
	}
}

func (d *Dispatcher) applyLeg(ctx context.Context, leg domain.Leg, commitID uuid.UUID, changes []domain.StagedChange) (domain.LegResult, error) {
	switch leg {
	case domain.LegPortfolio:
		if d.portfolio == nil {
			return domain.LegResult{}, fmt.Errorf("%w: portfolio backend not configured", domain.ErrBackendFailure)
		}
		result, err := d.portfolio.ApplyChanges(ctx, commitID, changes)
		if err != nil {
			return domain.LegResult{}, err
		}
		return domain.LegResult{Inserted: result.Inserted, Updated: result.Updated, Deleted: result.Deleted}, nil
	case domain.LegEnrichment:
		if d.enrichment == nil {
			return domain.LegResult{}, fmt.Errorf("%w: enrichment backend not configured", domain.ErrBackendFailure)
		}
		result, err := d.enrichment.ApplyChanges(ctx, commitID, changes)
		if err != nil {
			return domain.LegResult{Message: result.Message}, err
		}
		return domain.LegResult{Message: result.Message}, nil
	}
	return domain.LegResult{}, fmt.Errorf("%w: unknown leg %q", domain.ErrInvalidArgument, leg)
}

// changesFor keeps the changes whose target includes leg's backend.
func changesFor(changes []domain.StagedChange, leg domain.Leg) []domain.StagedChange {
	out := make([]domain.StagedChange, 0, len(changes))
	for _, change := range changes {
		if leg == domain.LegPortfolio && change.Target.IncludesPortfolio() ||
			leg == domain.LegEnrichment && change.Target.IncludesEnrichment() {
			out = append(out, change)
		}
	}
	return out
}

func legErrorMessage(err error) string {
	message := err.Error()
	prefix := domain.ErrBackendFailure.Error() + ": "
	if errors.Is(err, domain.ErrBackendFailure) && len(message) > len(prefix) && message[:len(prefix)] == prefix {
		return message[len(prefix):]
	}
	return message
}

// advance applies one leg transition, persists it and publishes it. When the job becomes terminal the
// commit is settled before the job row is marked finished: the unfinished row keeps the legs claimed, and
// observers reacting to the terminal status read a settled commit.
func (d *Dispatcher) advance(job *domain.PushJob, leg domain.Leg, status domain.LegStatus, result *domain.LegResult) {
	if err := job.Transition(leg, status, result, d.now().UTC()); err != nil {
		d.logger.WithField("job_id", job.ID).WithError(err).Error("rejected job transition")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.persistTimeout)
	defer cancel()
	if job.Terminal() {
		d.settle(ctx, *job)
	}
	if err := d.jobs.Save(ctx, *job); err != nil {
		d.logger.WithField("job_id", job.ID).WithError(err).Error("failed to persist job transition")
	}
	d.publisher.Publish(ctx, *job)
}

func (d *Dispatcher) settle(ctx context.Context, job domain.PushJob) {
	outcome := job.Outcome()
	commit, err := d.commits.ApplyOutcome(ctx, job.CommitID, outcome, job.RequestedBy)
	if err != nil {
		d.logger.WithFields(logrus.Fields{"job_id": job.ID, "commit_id": job.CommitID}).WithError(err).Error("failed to update commit status")
		return
	}
	d.logger.WithFields(logrus.Fields{
		"job_id":        job.ID,
		"commit_id":     job.CommitID,
		"overall":       job.OverallStatus,
		"commit_status": commit.Status,
	}).Info("push finished")
}

// failRemaining fails every leg that has not reached a terminal status.
func (d *Dispatcher) failRemaining(job *domain.PushJob, message string) {
	for _, leg := range []domain.Leg{domain.LegPortfolio, domain.LegEnrichment} {
		if job.RunsLeg(leg) {
			d.advance(job, leg, domain.LegStatusFailed, &domain.LegResult{Error: message})
		}
	}
}

// RecoverInterrupted fails jobs a previous process with the same runner ID left unfinished so their
// commits become re-pushable. Jobs owned by other runners are left alone.
func (d *Dispatcher) RecoverInterrupted(ctx context.Context) (int, error) {
	orphans, err := d.jobs.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished jobs: %w", err)
	}
	recovered := 0
	for _, orphan := range orphans {
		if orphan.RunnerID != d.runnerID {
			continue
		}
		d.mu.Lock()
		_, running := d.running[orphan.ID]
		d.mu.Unlock()
		if running {
			continue
		}
		job := orphan
		d.failRemaining(&job, "interrupted by server restart")
		recovered++
	}
	if recovered > 0 {
		d.logger.WithFields(logrus.Fields{"jobs": recovered, "runner_id": d.runnerID}).Warn("failed interrupted push jobs")
	}
	return recovered, nil
}

// Wait blocks until every running job finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
