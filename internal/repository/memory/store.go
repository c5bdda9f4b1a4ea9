// Package memory keeps the staging pipeline in process memory. It backs the memory storage driver and
// the service tests, and offers the same atomicity as the postgres repositories.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rpattn/cvsync/internal/domain"
	"github.com/rpattn/cvsync/internal/repository"

	"github.com/google/uuid"
)

// Store holds every table behind a single lock.
type Store struct {
	mu      sync.RWMutex
	seq     int64
	changes map[uuid.UUID]storedChange
	commits map[uuid.UUID]storedCommit
	jobs    map[uuid.UUID]domain.PushJob
}

type storedChange struct {
	seq    int64
	change domain.StagedChange
}

type storedCommit struct {
	seq    int64
	commit domain.Commit
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		changes: make(map[uuid.UUID]storedChange),
		commits: make(map[uuid.UUID]storedCommit),
		jobs:    make(map[uuid.UUID]domain.PushJob),
	}
}

// StagedChanges exposes the store as a StagedChangeRepository.
func (s *Store) StagedChanges() repository.StagedChangeRepository { return stagedChanges{s} }

// Commits exposes the store as a CommitRepository.
func (s *Store) Commits() repository.CommitRepository { return commits{s} }

// PushJobs exposes the store as a PushJobRepository.
func (s *Store) PushJobs() repository.PushJobRepository { return pushJobs{s} }

func (s *Store) nextSeq() int64 {
	s.seq++
	return s.seq
}

func (s *Store) sortedChanges(keep func(domain.StagedChange) bool) []domain.StagedChange {
	rows := make([]storedChange, 0, len(s.changes))
	for _, row := range s.changes {
		if keep(row.change) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	out := make([]domain.StagedChange, len(rows))
	for i, row := range rows {
		out[i] = cloneChange(row.change)
	}
	return out
}

func (s *Store) countFor(commitID uuid.UUID) int {
	count := 0
	for _, row := range s.changes {
		if row.change.CommitID != nil && *row.change.CommitID == commitID {
			count++
		}
	}
	return count
}

func cloneChange(change domain.StagedChange) domain.StagedChange {
	change.Payload = append([]byte(nil), change.Payload...)
	if change.CommitID != nil {
		id := *change.CommitID
		change.CommitID = &id
	}
	return change
}

type stagedChanges struct{ s *Store }

func (r stagedChanges) Create(_ context.Context, change domain.StagedChange) (domain.StagedChange, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.changes[change.ID]; exists {
		return domain.StagedChange{}, fmt.Errorf("%w: staged change %s already exists", domain.ErrInvalidArgument, change.ID)
	}
	change = cloneChange(change)
	change.CommitID = nil
	r.s.changes[change.ID] = storedChange{seq: r.s.nextSeq(), change: change}
	return cloneChange(change), nil
}

func (r stagedChanges) CreateMany(_ context.Context, changes []domain.StagedChange) ([]domain.StagedChange, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	seen := make(map[uuid.UUID]bool, len(changes))
	for _, change := range changes {
		if _, exists := r.s.changes[change.ID]; exists || seen[change.ID] {
			return nil, fmt.Errorf("%w: staged change %s already exists", domain.ErrInvalidArgument, change.ID)
		}
		seen[change.ID] = true
	}
	created := make([]domain.StagedChange, 0, len(changes))
	for _, change := range changes {
		change = cloneChange(change)
		change.CommitID = nil
		r.s.changes[change.ID] = storedChange{seq: r.s.nextSeq(), change: change}
		created = append(created, cloneChange(change))
	}
	return created, nil
}

func (r stagedChanges) GetByID(_ context.Context, id uuid.UUID) (domain.StagedChange, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	row, ok := r.s.changes[id]
	if !ok {
		return domain.StagedChange{}, fmt.Errorf("%w: staged change %s", domain.ErrNotFound, id)
	}
	return cloneChange(row.change), nil
}

func (r stagedChanges) ListUncommitted(_ context.Context) ([]domain.StagedChange, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.s.sortedChanges(func(c domain.StagedChange) bool { return !c.Committed() }), nil
}

func (r stagedChanges) ListByCommit(_ context.Context, commitID uuid.UUID) ([]domain.StagedChange, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.s.sortedChanges(func(c domain.StagedChange) bool {
		return c.CommitID != nil && *c.CommitID == commitID
	}), nil
}

func (r stagedChanges) ListByCommits(_ context.Context, commitIDs []uuid.UUID) (map[uuid.UUID][]domain.StagedChange, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	wanted := make(map[uuid.UUID]struct{}, len(commitIDs))
	for _, id := range commitIDs {
		wanted[id] = struct{}{}
	}
	result := make(map[uuid.UUID][]domain.StagedChange, len(commitIDs))
	for _, change := range r.s.sortedChanges(func(c domain.StagedChange) bool {
		if c.CommitID == nil {
			return false
		}
		_, ok := wanted[*c.CommitID]
		return ok
	}) {
		result[*change.CommitID] = append(result[*change.CommitID], change)
	}
	return result, nil
}

func (r stagedChanges) UpdateUncommitted(_ context.Context, change domain.StagedChange) (domain.StagedChange, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	row, err := r.uncommitted(change.ID)
	if err != nil {
		return domain.StagedChange{}, err
	}
	row.change.Payload = append([]byte(nil), change.Payload...)
	row.change.Target = change.Target
	r.s.changes[change.ID] = row
	return cloneChange(row.change), nil
}

func (r stagedChanges) DeleteUncommitted(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, err := r.uncommitted(id); err != nil {
		return err
	}
	delete(r.s.changes, id)
	return nil
}

// uncommitted must be called with the write lock held.
func (r stagedChanges) uncommitted(id uuid.UUID) (storedChange, error) {
	row, ok := r.s.changes[id]
	if !ok {
		return storedChange{}, fmt.Errorf("%w: staged change %s", domain.ErrNotFound, id)
	}
	if row.change.Committed() {
		return storedChange{}, fmt.Errorf("%w: change %s belongs to commit %s", domain.ErrImmutable, id, *row.change.CommitID)
	}
	return row, nil
}

func (r stagedChanges) ClearUncommitted(_ context.Context) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	removed := 0
	for id, row := range r.s.changes {
		if !row.change.Committed() {
			delete(r.s.changes, id)
			removed++
		}
	}
	return removed, nil
}

func (r stagedChanges) CountUncommitted(_ context.Context) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	count := 0
	for _, row := range r.s.changes {
		if !row.change.Committed() {
			count++
		}
	}
	return count, nil
}

type commits struct{ s *Store }

func (r commits) CreateFromChanges(_ context.Context, commit domain.Commit, changeIDs []uuid.UUID) (domain.Commit, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var members []domain.StagedChange
	if changeIDs == nil {
		members = r.s.sortedChanges(func(c domain.StagedChange) bool { return !c.Committed() })
	} else {
		var missing []uuid.UUID
		committed := false
		seen := make(map[uuid.UUID]struct{}, len(changeIDs))
		for _, id := range changeIDs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			row, ok := r.s.changes[id]
			switch {
			case !ok:
				missing = append(missing, id)
			case row.change.Committed():
				missing = append(missing, id)
				committed = true
			}
		}
		if committed {
			return domain.Commit{}, fmt.Errorf("%w: %w: %v", domain.ErrNotFound, domain.ErrAlreadyCommitted, missing)
		}
		if len(missing) > 0 {
			return domain.Commit{}, fmt.Errorf("%w: staged changes %v", domain.ErrNotFound, missing)
		}
		members = r.s.sortedChanges(func(c domain.StagedChange) bool {
			_, ok := seen[c.ID]
			return ok
		})
	}
	if len(members) == 0 {
		return domain.Commit{}, fmt.Errorf("%w: no staged changes to commit", domain.ErrInvalidArgument)
	}
	if _, exists := r.s.commits[commit.ID]; exists {
		return domain.Commit{}, fmt.Errorf("%w: commit %s already exists", domain.ErrInvalidArgument, commit.ID)
	}

	commit.Target = domain.UnionTarget(members)
	commit.Changes = nil
	commit.ChangeCount = len(members)
	r.s.commits[commit.ID] = storedCommit{seq: r.s.nextSeq(), commit: commit}

	for i := range members {
		row := r.s.changes[members[i].ID]
		id := commit.ID
		row.change.CommitID = &id
		r.s.changes[members[i].ID] = row
		members[i].CommitID = &id
	}
	commit.Changes = members
	return commit, nil
}

func (r commits) GetByID(_ context.Context, id uuid.UUID) (domain.Commit, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	row, ok := r.s.commits[id]
	if !ok {
		return domain.Commit{}, fmt.Errorf("%w: commit %s", domain.ErrNotFound, id)
	}
	commit := row.commit
	commit.ChangeCount = r.s.countFor(id)
	return commit, nil
}

func (r commits) List(_ context.Context, status *domain.CommitStatus) ([]domain.Commit, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	rows := make([]storedCommit, 0, len(r.s.commits))
	for _, row := range r.s.commits {
		if status != nil && row.commit.Status != *status {
			continue
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	out := make([]domain.Commit, len(rows))
	for i, row := range rows {
		out[i] = row.commit
		out[i].ChangeCount = r.s.countFor(row.commit.ID)
	}
	return out, nil
}

func (r commits) Transition(_ context.Context, id uuid.UUID, fn func(domain.Commit) (domain.Commit, error)) (domain.Commit, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	row, ok := r.s.commits[id]
	if !ok {
		return domain.Commit{}, fmt.Errorf("%w: commit %s", domain.ErrNotFound, id)
	}
	current := row.commit
	current.ChangeCount = r.s.countFor(id)
	next, err := fn(current)
	if err != nil {
		return domain.Commit{}, err
	}
	// identity and membership never change after creation
	next.ID = current.ID
	next.Target = current.Target
	next.Message = current.Message
	next.Changes = nil
	row.commit = next
	r.s.commits[id] = row
	return next, nil
}

func (r commits) ClaimPush(_ context.Context, id uuid.UUID, plan func(domain.Commit) (domain.PushJob, error)) (domain.PushJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	row, ok := r.s.commits[id]
	if !ok {
		return domain.PushJob{}, fmt.Errorf("%w: commit %s", domain.ErrNotFound, id)
	}
	current := row.commit
	current.ChangeCount = r.s.countFor(id)
	job, err := plan(current)
	if err != nil {
		return domain.PushJob{}, err
	}
	for _, other := range r.s.jobs {
		if other.CommitID != id {
			continue
		}
		for _, leg := range []domain.Leg{domain.LegPortfolio, domain.LegEnrichment} {
			if job.Holds(leg) && other.Holds(leg) {
				return domain.PushJob{}, fmt.Errorf("%w: %s push for commit %s already running as job %s", domain.ErrInvalidState, leg, id, other.ID)
			}
		}
	}
	r.s.jobs[job.ID] = job
	return job, nil
}

func (r commits) CountByStatus(_ context.Context) (map[domain.CommitStatus]int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	counts := make(map[domain.CommitStatus]int, len(domain.AllCommitStatuses))
	for _, status := range domain.AllCommitStatuses {
		counts[status] = 0
	}
	for _, row := range r.s.commits {
		counts[row.commit.Status]++
	}
	return counts, nil
}

type pushJobs struct{ s *Store }

func (r pushJobs) Save(_ context.Context, job domain.PushJob) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.jobs[job.ID] = job
	return nil
}

func (r pushJobs) GetByID(_ context.Context, id uuid.UUID) (domain.PushJob, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	job, ok := r.s.jobs[id]
	if !ok {
		return domain.PushJob{}, fmt.Errorf("%w: push job %s", domain.ErrNotFound, id)
	}
	return job, nil
}

func (r pushJobs) ListByCommit(_ context.Context, commitID uuid.UUID) ([]domain.PushJob, error) {
	return r.list(func(job domain.PushJob) bool { return job.CommitID == commitID }), nil
}

func (r pushJobs) ListActive(_ context.Context) ([]domain.PushJob, error) {
	return r.list(func(job domain.PushJob) bool { return !job.Terminal() }), nil
}

func (r pushJobs) list(keep func(domain.PushJob) bool) []domain.PushJob {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	jobs := []domain.PushJob{}
	for _, job := range r.s.jobs {
		if keep(job) {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].StartedAt.Before(jobs[j].StartedAt) })
	return jobs
}
