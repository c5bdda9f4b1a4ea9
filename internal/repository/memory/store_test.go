package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rpattn/cvsync/internal/domain"

	"github.com/google/uuid"
)

func stage(t *testing.T, store *Store, target domain.Target) domain.StagedChange {
	t.Helper()
	change := domain.NewStagedChange(domain.StageRequest{
		EntityType: domain.EntityTypeTechnology,
		Action:     domain.ChangeActionCreate,
		Target:     target,
		Payload:    json.RawMessage(`{"name":"Go"}`),
	}, time.Now())
	created, err := store.StagedChanges().Create(context.Background(), change)
	if err != nil {
		t.Fatalf("create change: %v", err)
	}
	return created
}

func TestConcurrentCommitsAbsorbEachChangeOnce(t *testing.T) {
	store := NewStore()
	for i := 0; i < 50; i++ {
		stage(t, store, domain.TargetPortfolio)
	}

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created []domain.Commit
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			commit, err := store.Commits().CreateFromChanges(context.Background(), domain.NewCommit("batch", "", time.Now()), nil)
			if err != nil {
				if !errors.Is(err, domain.ErrInvalidArgument) {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			mu.Lock()
			created = append(created, commit)
			mu.Unlock()
		}()
	}
	wg.Wait()

	seen := map[uuid.UUID]uuid.UUID{}
	total := 0
	for _, commit := range created {
		for _, change := range commit.Changes {
			if other, dup := seen[change.ID]; dup {
				t.Fatalf("change %s absorbed by %s and %s", change.ID, other, commit.ID)
			}
			seen[change.ID] = commit.ID
		}
		total += len(commit.Changes)
	}
	if total != 50 {
		t.Fatalf("expected 50 absorbed changes, got %d", total)
	}
	remaining, _ := store.StagedChanges().CountUncommitted(context.Background())
	if remaining != 0 {
		t.Fatalf("expected empty staging area, got %d", remaining)
	}
}

func TestCreateFromChangesRejectsCommittedOrUnknownIDs(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	first := stage(t, store, domain.TargetPortfolio)
	second := stage(t, store, domain.TargetEnrichment)

	commit, err := store.Commits().CreateFromChanges(ctx, domain.NewCommit("first", "", time.Now()), []uuid.UUID{first.ID})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if commit.Target != domain.TargetPortfolio || commit.ChangeCount != 1 {
		t.Fatalf("unexpected commit: %+v", commit)
	}

	_, err = store.Commits().CreateFromChanges(ctx, domain.NewCommit("again", "", time.Now()), []uuid.UUID{first.ID, second.ID})
	if !errors.Is(err, domain.ErrAlreadyCommitted) || !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected already committed, got %v", err)
	}
	if _, err := store.Commits().CreateFromChanges(ctx, domain.NewCommit("ghost", "", time.Now()), []uuid.UUID{uuid.New()}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	// a failed commit leaves the remaining change staged
	uncommitted, _ := store.StagedChanges().ListUncommitted(ctx)
	if len(uncommitted) != 1 || uncommitted[0].ID != second.ID {
		t.Fatalf("expected second change to stay staged, got %+v", uncommitted)
	}
}

func TestCommittedChangeIsImmutable(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	change := stage(t, store, domain.TargetBoth)
	if _, err := store.Commits().CreateFromChanges(ctx, domain.NewCommit("lock", "", time.Now()), nil); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := store.StagedChanges().DeleteUncommitted(ctx, change.ID); !errors.Is(err, domain.ErrImmutable) {
		t.Fatalf("expected ErrImmutable on delete, got %v", err)
	}
	if _, err := store.StagedChanges().UpdateUncommitted(ctx, change); !errors.Is(err, domain.ErrImmutable) {
		t.Fatalf("expected ErrImmutable on update, got %v", err)
	}
	if cleared, _ := store.StagedChanges().ClearUncommitted(ctx); cleared != 0 {
		t.Fatalf("clear removed %d committed changes", cleared)
	}
}

func TestCreateManyIsAllOrNothing(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	existing := stage(t, store, domain.TargetBoth)

	fresh := domain.NewStagedChange(domain.StageRequest{
		EntityType: domain.EntityTypeProject,
		Action:     domain.ChangeActionCreate,
		Target:     domain.TargetPortfolio,
	}, time.Now())
	if _, err := store.StagedChanges().CreateMany(ctx, []domain.StagedChange{fresh, existing}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for a duplicate in the batch, got %v", err)
	}
	if _, err := store.StagedChanges().GetByID(ctx, fresh.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("a rejected batch must not leave earlier changes behind, got %v", err)
	}

	created, err := store.StagedChanges().CreateMany(ctx, []domain.StagedChange{fresh})
	if err != nil || len(created) != 1 {
		t.Fatalf("create many: %+v (%v)", created, err)
	}
	uncommitted, _ := store.StagedChanges().ListUncommitted(ctx)
	if len(uncommitted) != 2 || uncommitted[1].ID != fresh.ID {
		t.Fatalf("expected batch appended after existing change, got %+v", uncommitted)
	}
}
