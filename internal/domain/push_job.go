package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Leg identifies one backend sub-operation of a push.
type Leg string

const (
	LegPortfolio  Leg = "portfolio"
	LegEnrichment Leg = "enrichment"
)

// Target returns the single-backend target of the leg.
func (l Leg) Target() Target {
	if l == LegPortfolio {
		return TargetPortfolio
	}
	return TargetEnrichment
}

// LegStatus tracks one backend sub-operation.
type LegStatus string

const (
	LegStatusPending    LegStatus = "pending"
	LegStatusInProgress LegStatus = "in-progress"
	LegStatusSuccess    LegStatus = "success"
	LegStatusFailed     LegStatus = "failed"
	LegStatusSkipped    LegStatus = "skipped"
)

// AllLegStatuses lists every leg status in lifecycle order.
var AllLegStatuses = []LegStatus{
	LegStatusPending,
	LegStatusInProgress,
	LegStatusSuccess,
	LegStatusFailed,
	LegStatusSkipped,
}

// Terminal reports whether no further transition may follow s.
func (s LegStatus) Terminal() bool {
	return s == LegStatusSuccess || s == LegStatusFailed || s == LegStatusSkipped
}

func (s LegStatus) rank() int {
	switch s {
	case LegStatusPending:
		return 0
	case LegStatusInProgress:
		return 1
	case LegStatusSuccess, LegStatusFailed, LegStatusSkipped:
		return 2
	}
	return -1
}

// OverallStatus summarises a job from its two leg statuses.
type OverallStatus string

const (
	OverallStatusPending        OverallStatus = "pending"
	OverallStatusInProgress     OverallStatus = "in-progress"
	OverallStatusPortfolioDone  OverallStatus = "d1cv-done"
	OverallStatusEnrichmentDone OverallStatus = "ai-done"
	OverallStatusCompleted      OverallStatus = "completed"
	OverallStatusFailed         OverallStatus = "failed"
)

// DeriveOverallStatus is the pure combination of the portfolio and enrichment leg statuses.
//
// A failed leg wins over everything, then any leg still running. Among the settled-or-waiting
// combinations a single successful leg reports which side finished, two successes complete the job,
// and a job with nothing run yet stays pending.
func DeriveOverallStatus(portfolio, enrichment LegStatus) OverallStatus {
	switch {
	case portfolio == LegStatusFailed || enrichment == LegStatusFailed:
		return OverallStatusFailed
	case portfolio == LegStatusInProgress || enrichment == LegStatusInProgress:
		return OverallStatusInProgress
	case portfolio == LegStatusSuccess && enrichment == LegStatusSuccess:
		return OverallStatusCompleted
	case portfolio == LegStatusSuccess:
		return OverallStatusPortfolioDone
	case enrichment == LegStatusSuccess:
		return OverallStatusEnrichmentDone
	case portfolio == LegStatusSkipped && enrichment == LegStatusSkipped:
		return OverallStatusCompleted
	}
	return OverallStatusPending
}

// LegResult carries what a backend reported for one leg.
type LegResult struct {
	Inserted int    `json:"inserted,omitempty"`
	Updated  int    `json:"updated,omitempty"`
	Deleted  int    `json:"deleted,omitempty"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
}

// PushJob is the asynchronous unit of work created by every accepted push.
type PushJob struct {
	ID               uuid.UUID     `json:"job_id"`
	CommitID         uuid.UUID     `json:"commit_id"`
	Target           Target        `json:"target"`
	OverallStatus    OverallStatus `json:"overall_status"`
	PortfolioStatus  LegStatus     `json:"portfolio_status"`
	EnrichmentStatus LegStatus     `json:"enrichment_status"`
	PortfolioResult  *LegResult    `json:"portfolio_result,omitempty"`
	EnrichmentResult *LegResult    `json:"enrichment_result,omitempty"`
	RequestedBy      string        `json:"requested_by,omitempty"`
	RunnerID         string        `json:"runner_id,omitempty"`
	StartedAt        time.Time     `json:"started_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
}

// NewPushJob creates a job whose legs outside target start out skipped.
func NewPushJob(commitID uuid.UUID, target Target, requestedBy string, now time.Time) PushJob {
	job := PushJob{
		ID:               uuid.New(),
		CommitID:         commitID,
		Target:           target,
		PortfolioStatus:  LegStatusSkipped,
		EnrichmentStatus: LegStatusSkipped,
		RequestedBy:      requestedBy,
		StartedAt:        now,
		UpdatedAt:        now,
	}
	if target.IncludesPortfolio() {
		job.PortfolioStatus = LegStatusPending
	}
	if target.IncludesEnrichment() {
		job.EnrichmentStatus = LegStatusPending
	}
	job.OverallStatus = DeriveOverallStatus(job.PortfolioStatus, job.EnrichmentStatus)
	if job.Terminal() {
		job.CompletedAt = &now
	}
	return job
}

// LegStatus returns the current status of leg.
func (j PushJob) LegStatus(leg Leg) LegStatus {
	if leg == LegPortfolio {
		return j.PortfolioStatus
	}
	return j.EnrichmentStatus
}

// LegResult returns the recorded result of leg, if any.
func (j PushJob) LegResult(leg Leg) *LegResult {
	if leg == LegPortfolio {
		return j.PortfolioResult
	}
	return j.EnrichmentResult
}

// Terminal reports whether both legs have settled.
func (j PushJob) Terminal() bool {
	return j.PortfolioStatus.Terminal() && j.EnrichmentStatus.Terminal()
}

// Holds reports whether the job keeps leg reserved for its commit. An unfinished job holds every leg of
// its target, including legs that already finished, until the commit has recorded the outcome.
func (j PushJob) Holds(leg Leg) bool {
	if j.Terminal() {
		return false
	}
	if leg == LegPortfolio {
		return j.Target.IncludesPortfolio()
	}
	return j.Target.IncludesEnrichment()
}

// RunsLeg reports whether leg still has work scheduled in this job.
func (j PushJob) RunsLeg(leg Leg) bool {
	status := j.LegStatus(leg)
	return status == LegStatusPending || status == LegStatusInProgress
}

// Transition moves leg to status. Legs only move forward: pending, then in-progress, then a terminal
// status. Once terminal a leg never changes again.
func (j *PushJob) Transition(leg Leg, status LegStatus, result *LegResult, now time.Time) error {
	current := j.LegStatus(leg)
	if status.rank() < 0 {
		return fmt.Errorf("%w: unknown leg status %q", ErrInvalidArgument, status)
	}
	if current.Terminal() {
		return fmt.Errorf("%w: %s leg of job %s already %s", ErrInvalidState, leg, j.ID, current)
	}
	if status.rank() <= current.rank() {
		return fmt.Errorf("%w: %s leg of job %s cannot move from %s to %s", ErrInvalidState, leg, j.ID, current, status)
	}
	switch leg {
	case LegPortfolio:
		j.PortfolioStatus = status
		if result != nil {
			j.PortfolioResult = result
		}
	case LegEnrichment:
		j.EnrichmentStatus = status
		if result != nil {
			j.EnrichmentResult = result
		}
	default:
		return fmt.Errorf("%w: unknown leg %q", ErrInvalidArgument, leg)
	}
	j.OverallStatus = DeriveOverallStatus(j.PortfolioStatus, j.EnrichmentStatus)
	j.UpdatedAt = now
	if j.Terminal() {
		completed := now
		j.CompletedAt = &completed
	}
	return nil
}

// Outcome summarises a terminal job for the commit state machine.
func (j PushJob) Outcome() PushOutcome {
	outcome := PushOutcome{
		JobID:               j.ID,
		PortfolioSucceeded:  j.PortfolioStatus == LegStatusSuccess,
		EnrichmentSucceeded: j.EnrichmentStatus == LegStatusSuccess,
	}
	portfolioFailed := j.PortfolioStatus == LegStatusFailed
	enrichmentFailed := j.EnrichmentStatus == LegStatusFailed
	outcome.FailedTarget = TargetFromLegs(portfolioFailed, enrichmentFailed)
	switch {
	case portfolioFailed && enrichmentFailed:
		outcome.ErrorMessage = fmt.Sprintf("portfolio: %s; enrichment: %s", legError(j.PortfolioResult), legError(j.EnrichmentResult))
	case portfolioFailed:
		outcome.ErrorMessage = legError(j.PortfolioResult)
	case enrichmentFailed:
		outcome.ErrorMessage = legError(j.EnrichmentResult)
	}
	return outcome
}

func legError(result *LegResult) string {
	if result == nil || result.Error == "" {
		return "unknown error"
	}
	return result.Error
}

// PushOutcome is what a finished job contributes to its commit.
type PushOutcome struct {
	JobID               uuid.UUID
	PortfolioSucceeded  bool
	EnrichmentSucceeded bool
	FailedTarget        Target
	ErrorMessage        string
}
