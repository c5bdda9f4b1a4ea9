package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CommitStatus captures where a commit is in its push lifecycle.
type CommitStatus string

const (
	CommitStatusPending           CommitStatus = "pending"
	CommitStatusAppliedPortfolio  CommitStatus = "applied_portfolio"
	CommitStatusAppliedEnrichment CommitStatus = "applied_enrichment"
	CommitStatusAppliedAll        CommitStatus = "applied_all"
	CommitStatusFailed            CommitStatus = "failed"
)

// AllCommitStatuses lists every commit status.
var AllCommitStatuses = []CommitStatus{
	CommitStatusPending,
	CommitStatusAppliedPortfolio,
	CommitStatusAppliedEnrichment,
	CommitStatusAppliedAll,
	CommitStatusFailed,
}

// ParseCommitStatus validates a raw status filter.
func ParseCommitStatus(raw string) (CommitStatus, error) {
	status := CommitStatus(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range AllCommitStatuses {
		if status == known {
			return status, nil
		}
	}
	return "", fmt.Errorf("%w: unknown commit status %q", ErrInvalidArgument, raw)
}

// Commit is an immutable, named group of staged changes.
type Commit struct {
	ID                uuid.UUID      `json:"id"`
	Message           string         `json:"message"`
	Target            Target         `json:"target"`
	Status            CommitStatus   `json:"status"`
	ErrorMessage      *string        `json:"error_message,omitempty"`
	ErrorTarget       *Target        `json:"error_target,omitempty"`
	PortfolioApplied  bool           `json:"portfolio_applied"`
	EnrichmentApplied bool           `json:"enrichment_applied"`
	CreatedBy         string         `json:"created_by,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	AppliedAt         *time.Time     `json:"applied_at,omitempty"`
	AppliedBy         *string        `json:"applied_by,omitempty"`
	ChangeCount       int            `json:"change_count"`
	Changes           []StagedChange `json:"changes,omitempty"`
}

// NormalizeCommitMessage trims the message and rejects blank ones.
func NormalizeCommitMessage(message string) (string, error) {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return "", fmt.Errorf("%w: commit message is required", ErrInvalidArgument)
	}
	return trimmed, nil
}

// NewCommit builds a pending commit. Target is filled in once the member changes are known.
func NewCommit(message, createdBy string, now time.Time) Commit {
	return Commit{
		ID:        uuid.New(),
		Message:   message,
		Status:    CommitStatusPending,
		CreatedBy: createdBy,
		CreatedAt: now,
	}
}

// UnionTarget folds the targets of changes.
func UnionTarget(changes []StagedChange) Target {
	var target Target
	for _, change := range changes {
		target = target.Union(change.Target)
	}
	return target
}

// LegApplied reports whether leg already reached its backend for this commit.
func (c Commit) LegApplied(leg Leg) bool {
	if leg == LegPortfolio {
		return c.PortfolioApplied
	}
	return c.EnrichmentApplied
}

// Settled reports whether every backend the commit targets has been applied.
func (c Commit) Settled() bool {
	return (!c.Target.IncludesPortfolio() || c.PortfolioApplied) &&
		(!c.Target.IncludesEnrichment() || c.EnrichmentApplied)
}

// CanPush checks that leg may be pushed given the commit's target, status and prior pushes.
//
// Portfolio pushes are accepted from pending or failed, and additionally from applied_enrichment
// when the commit still owes its portfolio leg. Enrichment pushes are accepted from pending,
// applied_portfolio or failed. A leg outside the commit's target or already applied is rejected.
func (c Commit) CanPush(leg Leg) error {
	if !c.Target.IncludesPortfolio() && leg == LegPortfolio ||
		!c.Target.IncludesEnrichment() && leg == LegEnrichment {
		return fmt.Errorf("%w: commit %s targets %s, not %s", ErrInvalidState, c.ID, c.Target, leg)
	}
	if c.LegApplied(leg) {
		return fmt.Errorf("%w: commit %s already applied to %s", ErrInvalidState, c.ID, leg)
	}
	switch leg {
	case LegPortfolio:
		switch c.Status {
		case CommitStatusPending, CommitStatusFailed, CommitStatusAppliedEnrichment:
			return nil
		}
	case LegEnrichment:
		switch c.Status {
		case CommitStatusPending, CommitStatusAppliedPortfolio, CommitStatusFailed:
			return nil
		}
	}
	return fmt.Errorf("%w: commit %s in status %s cannot be pushed to %s", ErrInvalidState, c.ID, c.Status, leg)
}

// PlanPush resolves which legs a push of requested would run. Single-leg requests must be eligible
// outright. A request for both runs only the legs the commit still owes and fails when none remain.
func (c Commit) PlanPush(requested Target) (Target, error) {
	switch requested {
	case TargetPortfolio:
		if err := c.CanPush(LegPortfolio); err != nil {
			return "", err
		}
		return TargetPortfolio, nil
	case TargetEnrichment:
		if err := c.CanPush(LegEnrichment); err != nil {
			return "", err
		}
		return TargetEnrichment, nil
	case TargetBoth:
		var portfolio, enrichment bool
		for _, leg := range []Leg{LegPortfolio, LegEnrichment} {
			if !c.Target.IncludesPortfolio() && leg == LegPortfolio ||
				!c.Target.IncludesEnrichment() && leg == LegEnrichment ||
				c.LegApplied(leg) {
				continue
			}
			if err := c.CanPush(leg); err != nil {
				return "", err
			}
			if leg == LegPortfolio {
				portfolio = true
			} else {
				enrichment = true
			}
		}
		run := TargetFromLegs(portfolio, enrichment)
		if run == "" {
			return "", fmt.Errorf("%w: commit %s has nothing left to push", ErrInvalidState, c.ID)
		}
		return run, nil
	}
	return "", fmt.Errorf("%w: unknown target %q", ErrInvalidArgument, requested)
}

// ApplyOutcome advances the commit state machine with the result of a finished push.
//
// Successful legs are recorded permanently. A failed leg that is still unapplied puts the commit in failed
// with that side named in ErrorTarget; failures reported for legs already applied are ignored. Otherwise
// the status follows the set of applied legs, and ErrorTarget keeps naming any earlier failed leg until
// that leg is applied too.
func (c Commit) ApplyOutcome(outcome PushOutcome, actor string, now time.Time) Commit {
	if outcome.PortfolioSucceeded {
		c.PortfolioApplied = true
	}
	if outcome.EnrichmentSucceeded {
		c.EnrichmentApplied = true
	}
	if outcome.PortfolioSucceeded || outcome.EnrichmentSucceeded {
		applied := now
		c.AppliedAt = &applied
		if actor != "" {
			by := actor
			c.AppliedBy = &by
		}
	}
	if failed := c.unappliedOf(outcome.FailedTarget); failed != "" {
		message := outcome.ErrorMessage
		c.Status = CommitStatusFailed
		c.ErrorMessage = &message
		c.ErrorTarget = &failed
		return c
	}

	var outstanding Target
	if c.ErrorTarget != nil {
		outstanding = c.unappliedOf(*c.ErrorTarget)
	}
	if outstanding == "" {
		c.ErrorMessage = nil
		c.ErrorTarget = nil
	} else {
		c.ErrorTarget = &outstanding
	}
	switch {
	case c.PortfolioApplied && c.EnrichmentApplied:
		c.Status = CommitStatusAppliedAll
	case c.PortfolioApplied:
		c.Status = CommitStatusAppliedPortfolio
	case c.EnrichmentApplied:
		c.Status = CommitStatusAppliedEnrichment
	}
	return c
}

// unappliedOf narrows target to the legs the commit has not applied yet.
func (c Commit) unappliedOf(target Target) Target {
	return TargetFromLegs(
		target.IncludesPortfolio() && !c.PortfolioApplied,
		target.IncludesEnrichment() && !c.EnrichmentApplied,
	)
}
