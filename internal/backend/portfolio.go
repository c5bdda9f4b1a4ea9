package backend

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rpattn/cvsync/internal/domain"
)

// PortfolioResult is what the portfolio store reports after applying a commit.
type PortfolioResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Deleted  int `json:"deleted"`
}

// Portfolio applies commits to the public portfolio store.
type Portfolio struct {
	client *client
}

func NewPortfolio(cfg Config, logger logrus.FieldLogger) (*Portfolio, error) {
	c, err := newClient("portfolio", cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Portfolio{client: c}, nil
}

// ApplyChanges posts the commit's changes. Failures wrap domain.ErrBackendFailure.
func (p *Portfolio) ApplyChanges(ctx context.Context, commitID uuid.UUID, changes []domain.StagedChange) (PortfolioResult, error) {
	var result PortfolioResult
	if err := p.client.postJSON(ctx, "/api/changes/apply", newApplyRequest(commitID, changes), &result); err != nil {
		return PortfolioResult{}, err
	}
	p.client.logger.WithFields(logrus.Fields{
		"commit_id": commitID,
		"inserted":  result.Inserted,
		"updated":   result.Updated,
		"deleted":   result.Deleted,
	}).Info("portfolio changes applied")
	return result, nil
}
