package httpapi

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/rpattn/cvsync/internal/auth"
	"github.com/rpattn/cvsync/internal/domain"
	"github.com/rpattn/cvsync/internal/middleware"
)

type createCommitRequest struct {
	Message   string      `json:"message" validate:"required,max=500"`
	ChangeIDs []uuid.UUID `json:"change_ids"`
}

type commitListResponse struct {
	Commits []domain.Commit `json:"commits"`
}

type jobListResponse struct {
	Jobs []domain.PushJob `json:"jobs"`
}

// handleCreateCommit absorbs every uncommitted change when change_ids is omitted, exactly the listed
// ones otherwise. An explicit empty list is rejected.
func (s *Server) handleCreateCommit(w http.ResponseWriter, r *http.Request) {
	var req createCommitRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.commits.CreateCommit(r.Context(), req.Message, req.ChangeIDs, auth.ActorFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListCommits(w http.ResponseWriter, r *http.Request) {
	var status *domain.CommitStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, err := domain.ParseCommitStatus(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		status = &parsed
	}
	commits, err := s.commits.ListCommits(r.Context(), status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if r.URL.Query().Get("include") == "changes" && len(commits) > 0 {
		if loader := middleware.ChangeLoaderFromContext(r.Context()); loader != nil {
			ids := make([]uuid.UUID, len(commits))
			for i, c := range commits {
				ids[i] = c.ID
			}
			changes, err := loader.LoadMany(r.Context(), ids)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			for i := range commits {
				commits[i].Changes = changes[i]
			}
		}
	}
	writeJSON(w, http.StatusOK, commitListResponse{Commits: nonNil(commits)})
}

func (s *Server) handleGetCommit(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "commit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	found, err := s.commits.GetCommit(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleCommitJobs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "commit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.commits.GetCommit(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	jobs, err := s.jobs.ListByCommit(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobListResponse{Jobs: nonNil(jobs)})
}
