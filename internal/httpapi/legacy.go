package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/rpattn/cvsync/internal/auth"
	"github.com/rpattn/cvsync/internal/domain"
	"github.com/rpattn/cvsync/internal/push"
)

type legacyApplyRequest struct {
	Message string `json:"message" validate:"max=500"`
}

type legacyApplyResponse struct {
	Commit domain.Commit `json:"commit"`
	Job    push.Accepted `json:"job"`
}

func (s *Server) handleLegacyStaged(w http.ResponseWriter, r *http.Request) {
	s.handleListStaged(w, r)
}

// handleLegacyApply keeps the single-shot path working: every uncommitted change that targets the
// backend is folded into an auto-named commit which is pushed straight away.
func (s *Server) handleLegacyApply(target domain.Target) http.HandlerFunc {
	leg := domain.LegPortfolio
	if target == domain.TargetEnrichment {
		leg = domain.LegEnrichment
	}
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := s.decodeOptional(w, r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		pending, err := s.staging.ListUncommitted(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ids := make([]uuid.UUID, 0, len(pending))
		for _, change := range pending {
			if reaches(change.Target, leg) {
				ids = append(ids, change.ID)
			}
		}
		if len(ids) == 0 {
			s.writeError(w, r, fmt.Errorf("%w: no staged changes target %s", domain.ErrInvalidArgument, leg))
			return
		}

		message := strings.TrimSpace(req.Message)
		if message == "" {
			message = fmt.Sprintf("Apply %d staged change(s) to %s", len(ids), leg)
		}
		actor := auth.ActorFromContext(r.Context())
		created, err := s.commits.CreateCommit(r.Context(), message, ids, actor)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		accepted, err := s.dispatcher.Push(r.Context(), created.ID, target, actor)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, legacyApplyResponse{Commit: created, Job: accepted})
	}
}

// decodeOptional accepts an empty body from older clients.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request) (legacyApplyRequest, error) {
	var req legacyApplyRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer body.Close()
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, fmt.Errorf("%w: invalid payload: %v", domain.ErrInvalidArgument, err)
	}
	return req, s.check(&req)
}

func reaches(target domain.Target, leg domain.Leg) bool {
	if leg == domain.LegPortfolio {
		return target.IncludesPortfolio()
	}
	return target.IncludesEnrichment()
}
