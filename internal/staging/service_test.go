package staging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rpattn/cvsync/internal/domain"
	"github.com/rpattn/cvsync/internal/repository/memory"
)

func newTestService(store *memory.Store) *Service {
	tick := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return NewService(store.StagedChanges(), WithClock(func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}))
}

func TestStageListsInCreationOrder(t *testing.T) {
	store := memory.NewStore()
	service := newTestService(store)
	ctx := context.Background()

	names := []string{"Go", "Rust", "Zig"}
	for _, name := range names {
		payload, _ := json.Marshal(map[string]string{"name": name})
		if _, err := service.Stage(ctx, StageInput{EntityType: "technology", Action: "create", Target: "both", Payload: payload}); err != nil {
			t.Fatalf("stage %s: %v", name, err)
		}
	}

	listed, err := service.ListUncommitted(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != len(names) {
		t.Fatalf("expected %d changes, got %d", len(names), len(listed))
	}
	for i, change := range listed {
		var payload map[string]string
		if err := json.Unmarshal(change.Payload, &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload["name"] != names[i] {
			t.Fatalf("position %d: expected %s, got %s", i, names[i], payload["name"])
		}
		if change.Action != domain.ChangeActionCreate || change.Target != domain.TargetBoth {
			t.Fatalf("unexpected change %+v", change)
		}
	}
}

func TestStageRejectsMissingIdentity(t *testing.T) {
	service := newTestService(memory.NewStore())
	_, err := service.Stage(context.Background(), StageInput{EntityType: "project", Action: "DELETE"})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	_, err = service.Stage(context.Background(), StageInput{EntityType: "hobby", Action: "CREATE"})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected unknown entity type to fail, got %v", err)
	}
}

func TestStageAllRejectsWholeBatchOnInvalidInput(t *testing.T) {
	store := memory.NewStore()
	service := newTestService(store)
	ctx := context.Background()

	batch := []StageInput{
		{EntityType: "technology", Action: "create"},
		{EntityType: "project", Action: "delete"},
	}
	if _, err := service.StageAll(ctx, batch); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if count, _ := store.StagedChanges().CountUncommitted(ctx); count != 0 {
		t.Fatalf("expected nothing staged, got %d", count)
	}

	stable := "cvsync"
	batch[1].StableID = &stable
	created, err := service.StageAll(ctx, batch)
	if err != nil {
		t.Fatalf("stage all: %v", err)
	}
	if len(created) != 2 || created[1].EntityType != domain.EntityTypeProject {
		t.Fatalf("unexpected batch %+v", created)
	}
}

func TestDeleteAndAmendRespectCommitMembership(t *testing.T) {
	store := memory.NewStore()
	service := newTestService(store)
	ctx := context.Background()

	stable := "golang"
	change, err := service.Stage(ctx, StageInput{EntityType: "technology", Action: "UPDATE", StableID: &stable, Target: "d1cv"})
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	target := domain.TargetBoth
	amended, err := service.Amend(ctx, change.ID, domain.ChangeAmendment{Target: &target})
	if err != nil {
		t.Fatalf("amend: %v", err)
	}
	if amended.Target != domain.TargetBoth {
		t.Fatalf("expected amended target both, got %s", amended.Target)
	}

	if _, err := store.Commits().CreateFromChanges(ctx, domain.NewCommit("freeze", "", time.Now()), nil); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := service.Delete(ctx, change.ID); !errors.Is(err, domain.ErrImmutable) {
		t.Fatalf("expected ErrImmutable, got %v", err)
	}
	if _, err := service.Amend(ctx, change.ID, domain.ChangeAmendment{Payload: json.RawMessage(`{}`)}); !errors.Is(err, domain.ErrImmutable) {
		t.Fatalf("expected ErrImmutable on amend, got %v", err)
	}
}

func TestDeleteUnknownChange(t *testing.T) {
	store := memory.NewStore()
	service := newTestService(store)
	ctx := context.Background()
	change, err := service.Stage(ctx, StageInput{EntityType: "education", Action: "CREATE"})
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := service.Delete(ctx, change.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := service.Delete(ctx, change.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestClearOnlyDropsUncommitted(t *testing.T) {
	store := memory.NewStore()
	service := newTestService(store)
	ctx := context.Background()
	if _, err := service.Stage(ctx, StageInput{EntityType: "experience", Action: "CREATE"}); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if _, err := store.Commits().CreateFromChanges(ctx, domain.NewCommit("keep", "", time.Now()), nil); err != nil {
		t.Fatalf("commit: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := service.Stage(ctx, StageInput{EntityType: "experience", Action: "CREATE"}); err != nil {
			t.Fatalf("stage: %v", err)
		}
	}
	removed, err := service.Clear(ctx)
	if err != nil || removed != 2 {
		t.Fatalf("expected 2 removed, got %d (%v)", removed, err)
	}
	if count, _ := service.CountUncommitted(ctx); count != 0 {
		t.Fatalf("expected empty staging area, got %d", count)
	}
}
