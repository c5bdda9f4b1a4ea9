package changeloader

import (
	"context"
	"fmt"
	"time"

	"github.com/rpattn/cvsync/internal/domain"
	"github.com/rpattn/cvsync/internal/repository"

	"github.com/google/uuid"
	"github.com/graph-gophers/dataloader"
)

// ChangeLoader batches "changes of commit X" lookups issued while rendering one response.
type ChangeLoader struct {
	Loader *dataloader.Loader
}

func NewChangeLoader(repo repository.StagedChangeRepository) *ChangeLoader {
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		results := make([]*dataloader.Result, len(keys))
		ids := make([]uuid.UUID, 0, len(keys))
		for i, k := range keys {
			id, err := uuid.Parse(k.String())
			if err != nil {
				results[i] = &dataloader.Result{Error: fmt.Errorf("%w: invalid commit id %q", domain.ErrInvalidArgument, k.String())}
				continue
			}
			ids = append(ids, id)
		}

		byCommit, err := repo.ListByCommits(ctx, ids)
		if err != nil {
			for i := range results {
				results[i] = &dataloader.Result{Error: err}
			}
			return results
		}

		// results must line up with keys
		for i, k := range keys {
			if results[i] != nil {
				continue
			}
			id, _ := uuid.Parse(k.String())
			changes := byCommit[id]
			if changes == nil {
				changes = []domain.StagedChange{}
			}
			results[i] = &dataloader.Result{Data: changes}
		}
		return results
	}

	loader := dataloader.NewBatchedLoader(batchFn, dataloader.WithWait(5*time.Millisecond))

	return &ChangeLoader{Loader: loader}
}

// Load returns the member changes of a commit, batched with concurrent calls.
func (l *ChangeLoader) Load(ctx context.Context, commitID uuid.UUID) ([]domain.StagedChange, error) {
	value, err := l.Loader.Load(ctx, dataloader.StringKey(commitID.String()))()
	if err != nil {
		return nil, err
	}
	changes, ok := value.([]domain.StagedChange)
	if !ok {
		return nil, fmt.Errorf("unexpected loader value %T", value)
	}
	return changes, nil
}

// LoadMany resolves several commits in one batch, preserving the order of commitIDs.
func (l *ChangeLoader) LoadMany(ctx context.Context, commitIDs []uuid.UUID) ([][]domain.StagedChange, error) {
	keys := make(dataloader.Keys, len(commitIDs))
	for i, id := range commitIDs {
		keys[i] = dataloader.StringKey(id.String())
	}
	values, errs := l.Loader.LoadMany(ctx, keys)()
	out := make([][]domain.StagedChange, len(commitIDs))
	for i := range commitIDs {
		if len(errs) > i && errs[i] != nil {
			return nil, errs[i]
		}
		changes, ok := values[i].([]domain.StagedChange)
		if !ok {
			return nil, fmt.Errorf("unexpected loader value %T", values[i])
		}
		out[i] = changes
	}
	return out, nil
}
