package backend

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rpattn/cvsync/internal/domain"
)

// EnrichmentResult is what the enrichment service reports after applying a commit.
type EnrichmentResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Enrichment applies commits to the AI enrichment service. A successful apply queues a re-index on the
// remote side; the call returns once the index job is accepted, not when it finishes.
type Enrichment struct {
	client *client
}

func NewEnrichment(cfg Config, logger logrus.FieldLogger) (*Enrichment, error) {
	c, err := newClient("enrichment", cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Enrichment{client: c}, nil
}

type reindexRequest struct {
	CommitID uuid.UUID `json:"commit_id"`
}

type reindexResponse struct {
	JobID string `json:"job_id"`
}

func (e *Enrichment) ApplyChanges(ctx context.Context, commitID uuid.UUID, changes []domain.StagedChange) (EnrichmentResult, error) {
	var result EnrichmentResult
	if err := e.client.postJSON(ctx, "/api/sync/apply", newApplyRequest(commitID, changes), &result); err != nil {
		return EnrichmentResult{}, err
	}
	if !result.Success {
		message := result.Message
		if message == "" {
			message = "enrichment apply reported failure"
		}
		return result, fmt.Errorf("%w: %s", domain.ErrBackendFailure, message)
	}

	entry := e.client.logger.WithField("commit_id", commitID)
	var reindex reindexResponse
	if err := e.client.postJSON(ctx, "/api/reindex", reindexRequest{CommitID: commitID}, &reindex); err != nil {
		// the changes are already applied remotely, so the leg stays successful
		entry.WithError(err).Warn("enrichment changes applied but reindex was not queued")
		result.Message = fmt.Sprintf("applied; reindex not queued: %v", err)
		return result, nil
	}
	if reindex.JobID != "" {
		entry = entry.WithField("reindex_job", reindex.JobID)
		if result.Message == "" {
			result.Message = "reindex queued as " + reindex.JobID
		}
	}
	entry.Info("enrichment changes applied")
	return result, nil
}
