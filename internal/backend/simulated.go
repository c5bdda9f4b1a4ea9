package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rpattn/cvsync/internal/domain"
)

// Simulated stands in for both backends when no base URL is configured. It counts actions and sleeps for
// Latency so the realtime flow can be exercised locally.
type Simulated struct {
	Latency time.Duration
	Logger  logrus.FieldLogger
}

func (s Simulated) wait(ctx context.Context) error {
	if s.Latency <= 0 {
		return nil
	}
	timer := time.NewTimer(s.Latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrBackendFailure, ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (s Simulated) log(name string, commitID uuid.UUID, count int) {
	if s.Logger == nil {
		return
	}
	s.Logger.WithFields(logrus.Fields{
		"component": "backend",
		"backend":   name,
		"commit_id": commitID,
		"changes":   count,
	}).Info("simulated apply")
}

// SimulatedPortfolio adapts Simulated to the portfolio contract.
type SimulatedPortfolio struct{ Simulated }

func (s SimulatedPortfolio) ApplyChanges(ctx context.Context, commitID uuid.UUID, changes []domain.StagedChange) (PortfolioResult, error) {
	if err := s.wait(ctx); err != nil {
		return PortfolioResult{}, err
	}
	var result PortfolioResult
	for _, change := range changes {
		switch change.Action {
		case domain.ChangeActionCreate:
			result.Inserted++
		case domain.ChangeActionUpdate:
			result.Updated++
		case domain.ChangeActionDelete:
			result.Deleted++
		}
	}
	s.log("portfolio", commitID, len(changes))
	return result, nil
}

// SimulatedEnrichment adapts Simulated to the enrichment contract.
type SimulatedEnrichment struct{ Simulated }

func (s SimulatedEnrichment) ApplyChanges(ctx context.Context, commitID uuid.UUID, changes []domain.StagedChange) (EnrichmentResult, error) {
	if err := s.wait(ctx); err != nil {
		return EnrichmentResult{}, err
	}
	s.log("enrichment", commitID, len(changes))
	return EnrichmentResult{Success: true, Message: fmt.Sprintf("%d changes embedded", len(changes))}, nil
}
