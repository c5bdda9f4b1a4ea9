package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/cvsync/internal/backend"
	"github.com/rpattn/cvsync/internal/commit"
	"github.com/rpattn/cvsync/internal/domain"
	"github.com/rpattn/cvsync/internal/repository"
	"github.com/rpattn/cvsync/internal/repository/memory"
)

type stubPortfolio struct {
	mu    sync.Mutex
	err   error
	gate  chan struct{}
	calls int
	seen  []int
}

func (s *stubPortfolio) ApplyChanges(ctx context.Context, _ uuid.UUID, changes []domain.StagedChange) (backend.PortfolioResult, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return backend.PortfolioResult{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.seen = append(s.seen, len(changes))
	if s.err != nil {
		return backend.PortfolioResult{}, s.err
	}
	return backend.PortfolioResult{Inserted: len(changes)}, nil
}

type stubEnrichment struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (s *stubEnrichment) ApplyChanges(_ context.Context, _ uuid.UUID, changes []domain.StagedChange) (backend.EnrichmentResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return backend.EnrichmentResult{}, s.err
	}
	return backend.EnrichmentResult{Success: true, Message: fmt.Sprintf("%d embedded", len(changes))}, nil
}

// settleHook runs before hook ahead of every commit settlement.
type settleHook struct {
	CommitStore
	before func()
}

func (h settleHook) ApplyOutcome(ctx context.Context, id uuid.UUID, outcome domain.PushOutcome, actor string) (domain.Commit, error) {
	h.before()
	return h.CommitStore.ApplyOutcome(ctx, id, outcome, actor)
}

// finishHook runs before hook ahead of saving a terminal job snapshot.
type finishHook struct {
	repository.PushJobRepository
	before func()
}

func (h finishHook) Save(ctx context.Context, job domain.PushJob) error {
	if job.Terminal() {
		h.before()
	}
	return h.PushJobRepository.Save(ctx, job)
}

type recordingPublisher struct {
	mu   sync.Mutex
	jobs []domain.PushJob
}

func (p *recordingPublisher) Publish(_ context.Context, job domain.PushJob) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job)
}

func (p *recordingPublisher) history(id uuid.UUID) []domain.PushJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.PushJob
	for _, job := range p.jobs {
		if job.ID == id {
			out = append(out, job)
		}
	}
	return out
}

type fixture struct {
	store      *memory.Store
	commits    *commit.Service
	dispatcher *Dispatcher
	portfolio  *stubPortfolio
	enrichment *stubEnrichment
	publisher  *recordingPublisher
}

func newFixture() *fixture {
	store := memory.NewStore()
	f := &fixture{
		store:      store,
		commits:    commit.NewService(store.Commits(), store.StagedChanges()),
		portfolio:  &stubPortfolio{},
		enrichment: &stubEnrichment{},
		publisher:  &recordingPublisher{},
	}
	f.dispatcher = NewDispatcher(f.commits, store.StagedChanges(), store.PushJobs(), f.portfolio, f.enrichment, WithPublisher(f.publisher))
	return f
}

func (f *fixture) stage(t *testing.T, n int, target domain.Target) {
	t.Helper()
	for i := 0; i < n; i++ {
		change := domain.NewStagedChange(domain.StageRequest{
			EntityType: domain.EntityTypeTechnology,
			Action:     domain.ChangeActionCreate,
			Target:     target,
		}, time.Now())
		if _, err := f.store.StagedChanges().Create(context.Background(), change); err != nil {
			t.Fatalf("stage: %v", err)
		}
	}
}

func (f *fixture) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.dispatcher.Wait(ctx); err != nil {
		t.Fatalf("workers did not finish: %v", err)
	}
}

func (f *fixture) commitStatus(t *testing.T, id uuid.UUID) domain.Commit {
	t.Helper()
	c, err := f.commits.GetCommit(context.Background(), id)
	if err != nil {
		t.Fatalf("get commit: %v", err)
	}
	return c
}

func TestHappyPathPortfolioThenEnrichment(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.stage(t, 3, domain.TargetBoth)
	created, err := f.commits.CreateCommit(ctx, "add three techs", nil, "alice")
	if err != nil {
		t.Fatalf("create commit: %v", err)
	}
	if created.ChangeCount != 3 || created.Status != domain.CommitStatusPending {
		t.Fatalf("unexpected commit %+v", created)
	}

	first, err := f.dispatcher.PushToPortfolio(ctx, created.ID, "alice")
	if err != nil {
		t.Fatalf("push portfolio: %v", err)
	}
	if !first.Accepted || first.Target != domain.TargetPortfolio {
		t.Fatalf("unexpected handle %+v", first)
	}
	f.wait(t)

	history := f.publisher.history(first.JobID)
	var legs []domain.LegStatus
	for _, job := range history {
		legs = append(legs, job.PortfolioStatus)
	}
	want := []domain.LegStatus{domain.LegStatusPending, domain.LegStatusInProgress, domain.LegStatusSuccess}
	if fmt.Sprint(legs) != fmt.Sprint(want) {
		t.Fatalf("expected portfolio transitions %v, got %v", want, legs)
	}
	if last := history[len(history)-1]; last.OverallStatus != domain.OverallStatusPortfolioDone || last.EnrichmentStatus != domain.LegStatusSkipped {
		t.Fatalf("unexpected terminal job %+v", last)
	}
	if got := f.commitStatus(t, created.ID); got.Status != domain.CommitStatusAppliedPortfolio {
		t.Fatalf("expected applied_portfolio, got %s", got.Status)
	}
	if f.enrichment.calls != 0 {
		t.Fatalf("portfolio push must not trigger enrichment")
	}

	second, err := f.dispatcher.PushToEnrichment(ctx, created.ID, "alice")
	if err != nil {
		t.Fatalf("push enrichment: %v", err)
	}
	f.wait(t)
	final := f.commitStatus(t, created.ID)
	if final.Status != domain.CommitStatusAppliedAll || final.AppliedBy == nil || *final.AppliedBy != "alice" {
		t.Fatalf("expected applied_all, got %+v", final)
	}
	job, err := f.store.PushJobs().GetByID(ctx, second.JobID)
	if err != nil || job.OverallStatus != domain.OverallStatusEnrichmentDone || job.CompletedAt == nil {
		t.Fatalf("unexpected persisted job %+v, %v", job, err)
	}

	if _, err := f.dispatcher.PushToPortfolio(ctx, created.ID, ""); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for settled commit, got %v", err)
	}
}

func TestPartialFailureThenRepushEnrichment(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.stage(t, 1, domain.TargetBoth)
	created, err := f.commits.CreateCommit(ctx, "one change", nil, "")
	if err != nil {
		t.Fatalf("create commit: %v", err)
	}

	f.enrichment.err = fmt.Errorf("%w: embedding quota exceeded", domain.ErrBackendFailure)
	handle, err := f.dispatcher.Push(ctx, created.ID, domain.TargetBoth, "")
	if err != nil {
		t.Fatalf("push both: %v", err)
	}
	f.wait(t)

	job, err := f.store.PushJobs().GetByID(ctx, handle.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.OverallStatus != domain.OverallStatusFailed || job.PortfolioStatus != domain.LegStatusSuccess {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.EnrichmentResult == nil || job.EnrichmentResult.Error != "embedding quota exceeded" {
		t.Fatalf("expected enrichment error detail, got %+v", job.EnrichmentResult)
	}
	failed := f.commitStatus(t, created.ID)
	if failed.Status != domain.CommitStatusFailed || failed.ErrorTarget == nil || *failed.ErrorTarget != domain.TargetEnrichment {
		t.Fatalf("expected failed commit naming enrichment, got %+v", failed)
	}
	if !failed.PortfolioApplied {
		t.Fatalf("portfolio success must be kept")
	}

	f.enrichment.err = nil
	retry, err := f.dispatcher.Push(ctx, created.ID, domain.TargetBoth, "")
	if err != nil {
		t.Fatalf("re-push: %v", err)
	}
	if retry.Target != domain.TargetEnrichment {
		t.Fatalf("re-push should only run the owed leg, got %s", retry.Target)
	}
	f.wait(t)
	if f.portfolio.calls != 1 {
		t.Fatalf("portfolio must not be redone, got %d calls", f.portfolio.calls)
	}
	if got := f.commitStatus(t, created.ID); got.Status != domain.CommitStatusAppliedAll || got.ErrorTarget != nil {
		t.Fatalf("expected applied_all, got %+v", got)
	}
}

func TestRepushAfterPortfolioFailure(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.stage(t, 2, domain.TargetBoth)
	created, _ := f.commits.CreateCommit(ctx, "portfolio first", nil, "")

	f.portfolio.err = fmt.Errorf("%w: database locked", domain.ErrBackendFailure)
	if _, err := f.dispatcher.PushToPortfolio(ctx, created.ID, ""); err != nil {
		t.Fatalf("push: %v", err)
	}
	f.wait(t)
	if got := f.commitStatus(t, created.ID); got.Status != domain.CommitStatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}

	f.portfolio.err = nil
	if _, err := f.dispatcher.PushToPortfolio(ctx, created.ID, ""); err != nil {
		t.Fatalf("re-push: %v", err)
	}
	f.wait(t)
	if got := f.commitStatus(t, created.ID); got.Status != domain.CommitStatusAppliedPortfolio {
		t.Fatalf("expected applied_portfolio, got %s", got.Status)
	}
}

func TestConcurrentPushOfSameLegIsRejected(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.portfolio.gate = make(chan struct{})
	f.stage(t, 1, domain.TargetPortfolio)
	created, _ := f.commits.CreateCommit(ctx, "slow", nil, "")

	if _, err := f.dispatcher.PushToPortfolio(ctx, created.ID, ""); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := f.dispatcher.PushToPortfolio(ctx, created.ID, ""); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState while first job runs, got %v", err)
	}
	close(f.portfolio.gate)
	f.wait(t)
}

func TestPushWhileJobSettlesDoesNotRerunLeg(t *testing.T) {
	store := memory.NewStore()
	commits := commit.NewService(store.Commits(), store.StagedChanges())
	portfolio := &stubPortfolio{gate: make(chan struct{})}
	f := &fixture{store: store, commits: commits, portfolio: portfolio, enrichment: &stubEnrichment{}, publisher: &recordingPublisher{}}
	f.stage(t, 1, domain.TargetPortfolio)
	created, _ := commits.CreateCommit(context.Background(), "racy", nil, "")

	var (
		dispatcher *Dispatcher
		mu         sync.Mutex
		racing     []error
	)
	pushAgain := func() {
		_, err := dispatcher.PushToPortfolio(context.Background(), created.ID, "")
		mu.Lock()
		racing = append(racing, err)
		mu.Unlock()
	}
	dispatcher = NewDispatcher(
		settleHook{CommitStore: commits, before: pushAgain},
		store.StagedChanges(),
		finishHook{PushJobRepository: store.PushJobs(), before: pushAgain},
		portfolio, f.enrichment,
	)
	f.dispatcher = dispatcher

	if _, err := dispatcher.PushToPortfolio(context.Background(), created.ID, ""); err != nil {
		t.Fatalf("push: %v", err)
	}
	close(portfolio.gate)
	f.wait(t)

	if len(racing) != 2 {
		t.Fatalf("expected a push attempt before and after settlement, got %d", len(racing))
	}
	for i, err := range racing {
		if !errors.Is(err, domain.ErrInvalidState) {
			t.Fatalf("push attempt %d: expected ErrInvalidState, got %v", i, err)
		}
	}
	if portfolio.calls != 1 {
		t.Fatalf("portfolio leg must run once, got %d calls", portfolio.calls)
	}
	if got := f.commitStatus(t, created.ID); got.Status != domain.CommitStatusAppliedPortfolio {
		t.Fatalf("expected applied_portfolio, got %s", got.Status)
	}
}

func TestReplicasSharingStoreDoNotOverlap(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.portfolio.gate = make(chan struct{})
	f.stage(t, 1, domain.TargetBoth)
	created, _ := f.commits.CreateCommit(ctx, "shared", nil, "")

	replicaA := NewDispatcher(f.commits, f.store.StagedChanges(), f.store.PushJobs(), f.portfolio, f.enrichment, WithRunnerID("replica-a"))
	replicaB := NewDispatcher(f.commits, f.store.StagedChanges(), f.store.PushJobs(), f.portfolio, f.enrichment, WithRunnerID("replica-b"))

	handle, err := replicaA.Push(ctx, created.ID, domain.TargetBoth, "")
	if err != nil {
		t.Fatalf("push on replica a: %v", err)
	}
	if _, err := replicaB.PushToPortfolio(ctx, created.ID, ""); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on replica b, got %v", err)
	}
	if _, err := replicaB.PushToEnrichment(ctx, created.ID, ""); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for the enrichment leg on replica b, got %v", err)
	}

	recovered, err := replicaB.RecoverInterrupted(ctx)
	if err != nil || recovered != 0 {
		t.Fatalf("replica b must not recover replica a's job, got %d (%v)", recovered, err)
	}
	running, _ := f.store.PushJobs().GetByID(ctx, handle.JobID)
	if running.Terminal() || running.RunnerID != "replica-a" {
		t.Fatalf("expected replica a's job untouched, got %+v", running)
	}

	close(f.portfolio.gate)
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := replicaA.Wait(waitCtx); err != nil {
		t.Fatalf("replica a did not finish: %v", err)
	}
	if f.portfolio.calls != 1 || f.enrichment.calls != 1 {
		t.Fatalf("expected each leg once, got portfolio=%d enrichment=%d", f.portfolio.calls, f.enrichment.calls)
	}
	if got := f.commitStatus(t, created.ID); got.Status != domain.CommitStatusAppliedAll {
		t.Fatalf("expected applied_all, got %s", got.Status)
	}
}

func TestPushRoutesChangesByTarget(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.stage(t, 2, domain.TargetPortfolio)
	f.stage(t, 1, domain.TargetEnrichment)
	created, _ := f.commits.CreateCommit(ctx, "mixed", nil, "")

	if _, err := f.dispatcher.PushToPortfolio(ctx, created.ID, ""); err != nil {
		t.Fatalf("push: %v", err)
	}
	f.wait(t)
	if len(f.portfolio.seen) != 1 || f.portfolio.seen[0] != 2 {
		t.Fatalf("expected portfolio to receive only its 2 changes, got %v", f.portfolio.seen)
	}
}

func TestPushUnknownCommit(t *testing.T) {
	f := newFixture()
	if _, err := f.dispatcher.PushToEnrichment(context.Background(), uuid.New(), ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecoverInterruptedFailsOrphans(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.stage(t, 1, domain.TargetPortfolio)
	created, _ := f.commits.CreateCommit(ctx, "orphan", nil, "")
	orphan := domain.NewPushJob(created.ID, domain.TargetPortfolio, "", time.Now())
	if err := orphan.Transition(domain.LegPortfolio, domain.LegStatusInProgress, nil, time.Now()); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := f.store.PushJobs().Save(ctx, orphan); err != nil {
		t.Fatalf("save: %v", err)
	}
	f.stage(t, 1, domain.TargetPortfolio)
	elsewhere, _ := f.commits.CreateCommit(ctx, "owned by another replica", nil, "")
	foreign := domain.NewPushJob(elsewhere.ID, domain.TargetPortfolio, "", time.Now())
	foreign.RunnerID = "replica-b"
	if err := f.store.PushJobs().Save(ctx, foreign); err != nil {
		t.Fatalf("save: %v", err)
	}

	recovered, err := f.dispatcher.RecoverInterrupted(ctx)
	if err != nil || recovered != 1 {
		t.Fatalf("expected one recovered job, got %d (%v)", recovered, err)
	}
	job, _ := f.store.PushJobs().GetByID(ctx, orphan.ID)
	if job.PortfolioStatus != domain.LegStatusFailed {
		t.Fatalf("expected orphan failed, got %s", job.PortfolioStatus)
	}
	if got := f.commitStatus(t, created.ID); got.Status != domain.CommitStatusFailed {
		t.Fatalf("expected commit failed so it can be re-pushed, got %s", got.Status)
	}
	if job, _ := f.store.PushJobs().GetByID(ctx, foreign.ID); job.Terminal() {
		t.Fatalf("another runner's job must be left alone, got %+v", job)
	}
}

func TestRecoverAfterCrashBetweenSettleAndSaveKeepsAppliedLeg(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.stage(t, 1, domain.TargetPortfolio)
	created, _ := f.commits.CreateCommit(ctx, "settled", nil, "")
	job := domain.NewPushJob(created.ID, domain.TargetPortfolio, "", time.Now())
	if err := job.Transition(domain.LegPortfolio, domain.LegStatusInProgress, nil, time.Now()); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := f.store.PushJobs().Save(ctx, job); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := f.commits.ApplyOutcome(ctx, created.ID, domain.PushOutcome{JobID: job.ID, PortfolioSucceeded: true}, ""); err != nil {
		t.Fatalf("apply outcome: %v", err)
	}

	if _, err := f.dispatcher.RecoverInterrupted(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	got := f.commitStatus(t, created.ID)
	if got.Status != domain.CommitStatusAppliedPortfolio || got.ErrorTarget != nil {
		t.Fatalf("a recovered failure must not undo an applied leg, got %+v", got)
	}
}
