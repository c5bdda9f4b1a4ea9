package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rpattn/cvsync/internal/auth"
	"github.com/rpattn/cvsync/internal/domain"
	"github.com/rpattn/cvsync/internal/staging"
)

type stageRequest struct {
	EntityType string          `json:"entity_type" validate:"required"`
	Action     string          `json:"action" validate:"required"`
	EntityID   *string         `json:"entity_id"`
	StableID   *string         `json:"stable_id"`
	Target     string          `json:"target" validate:"omitempty,oneof=portfolio enrichment both d1cv ai all"`
	Payload    json.RawMessage `json:"payload"`
}

type amendRequest struct {
	Payload json.RawMessage `json:"payload"`
	Target  *string         `json:"target" validate:"omitempty,oneof=portfolio enrichment both d1cv ai all"`
}

type stagedListResponse struct {
	Changes []domain.StagedChange `json:"changes"`
	Count   int                   `json:"count"`
}

func (s *Server) handleListStaged(w http.ResponseWriter, r *http.Request) {
	changes, err := s.staging.ListUncommitted(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stagedListResponse{Changes: nonNil(changes), Count: len(changes)})
}

func (s *Server) handleStage(w http.ResponseWriter, r *http.Request) {
	var req stageRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	change, err := s.staging.Stage(r.Context(), staging.StageInput{
		EntityType: req.EntityType,
		Action:     req.Action,
		EntityID:   req.EntityID,
		StableID:   req.StableID,
		Target:     req.Target,
		Payload:    req.Payload,
		CreatedBy:  auth.ActorFromContext(r.Context()),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, change)
}

func (s *Server) handleDeleteStaged(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "change")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.staging.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

func (s *Server) handleAmendStaged(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "change")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req amendRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amendment := domain.ChangeAmendment{Payload: req.Payload}
	if req.Target != nil {
		target, err := domain.ParseTarget(*req.Target)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		amendment.Target = &target
	}
	change, err := s.staging.Amend(r.Context(), id, amendment)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

// handleClearStaged is the administrative bulk clear of the pending queue.
func (s *Server) handleClearStaged(w http.ResponseWriter, r *http.Request) {
	if !queryBool(r, "confirm") {
		s.writeError(w, r, fmt.Errorf("%w: clearing the staged queue requires confirm=true", domain.ErrInvalidArgument))
		return
	}
	cleared, err := s.staging.Clear(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
