package httpapi

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/rpattn/cvsync/internal/auth"
	"github.com/rpattn/cvsync/internal/domain"
	"github.com/rpattn/cvsync/internal/realtime"
)

type pushLegRequest struct {
	CommitID uuid.UUID `json:"commit_id" validate:"required"`
}

type pushRequest struct {
	CommitID uuid.UUID `json:"commit_id" validate:"required"`
	Target   string    `json:"target" validate:"required,oneof=portfolio enrichment both d1cv ai all"`
}

type statsResponse struct {
	Uncommitted int                         `json:"uncommitted"`
	Commits     map[domain.CommitStatus]int `json:"commits"`
	ActiveJobs  int                         `json:"active_jobs"`
	Realtime    realtime.Stats              `json:"realtime"`
}

func (s *Server) handlePushLeg(target domain.Target) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pushLegRequest
		if err := s.decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.push(w, r, req.CommitID, target)
	}
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	target, err := domain.ParseTarget(req.Target)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.push(w, r, req.CommitID, target)
}

func (s *Server) push(w http.ResponseWriter, r *http.Request, commitID uuid.UUID, target domain.Target) {
	accepted, err := s.dispatcher.Push(r.Context(), commitID, target, auth.ActorFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "job")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.hub.Snapshot(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleListJobs lists active jobs from the hub, or every job of one commit when commit_id is given.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("commit_id"); raw != "" {
		commitID, err := uuid.Parse(raw)
		if err != nil {
			s.writeError(w, r, invalidID("commit", raw))
			return
		}
		jobs, err := s.jobs.ListByCommit(r.Context(), commitID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, jobListResponse{Jobs: nonNil(jobs)})
		return
	}
	writeJSON(w, http.StatusOK, jobListResponse{Jobs: s.hub.Active()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	uncommitted, err := s.staging.CountUncommitted(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	byStatus, err := s.commits.CountByStatus(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	hubStats := s.hub.Stats()
	writeJSON(w, http.StatusOK, statsResponse{
		Uncommitted: uncommitted,
		Commits:     byStatus,
		ActiveJobs:  hubStats.ActiveJobs,
		Realtime:    hubStats,
	})
}
