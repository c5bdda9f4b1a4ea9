package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntityType enumerates the CV entities whose edits can be staged.
type EntityType string

const (
	EntityTypeTechnology EntityType = "technology"
	EntityTypeProject    EntityType = "project"
	EntityTypeExperience EntityType = "experience"
	EntityTypeEducation  EntityType = "education"
)

// ParseEntityType normalises and validates a raw entity type.
func ParseEntityType(raw string) (EntityType, error) {
	entityType := EntityType(strings.ToLower(strings.TrimSpace(raw)))
	switch entityType {
	case EntityTypeTechnology, EntityTypeProject, EntityTypeExperience, EntityTypeEducation:
		return entityType, nil
	}
	return "", fmt.Errorf("%w: unknown entity type %q", ErrInvalidArgument, raw)
}

// ChangeAction is the mutation a staged change proposes.
type ChangeAction string

const (
	ChangeActionCreate ChangeAction = "CREATE"
	ChangeActionUpdate ChangeAction = "UPDATE"
	ChangeActionDelete ChangeAction = "DELETE"
)

// ParseChangeAction normalises and validates a raw action.
func ParseChangeAction(raw string) (ChangeAction, error) {
	action := ChangeAction(strings.ToUpper(strings.TrimSpace(raw)))
	switch action {
	case ChangeActionCreate, ChangeActionUpdate, ChangeActionDelete:
		return action, nil
	}
	return "", fmt.Errorf("%w: unknown action %q", ErrInvalidArgument, raw)
}

// EntityIdentity points at an existing entity by database id, stable id, or both.
type EntityIdentity struct {
	EntityID *string `json:"entity_id,omitempty"`
	StableID *string `json:"stable_id,omitempty"`
}

// Empty reports whether neither identity form is set.
func (i EntityIdentity) Empty() bool {
	return blank(i.EntityID) && blank(i.StableID)
}

// StagedChange is a proposed mutation that has not reached any backend yet.
type StagedChange struct {
	ID         uuid.UUID       `json:"id"`
	EntityType EntityType      `json:"entity_type"`
	EntityID   *string         `json:"entity_id,omitempty"`
	StableID   *string         `json:"stable_id,omitempty"`
	Action     ChangeAction    `json:"action"`
	Target     Target          `json:"target"`
	Payload    json.RawMessage `json:"payload"`
	CommitID   *uuid.UUID      `json:"commit_id,omitempty"`
	CreatedBy  string          `json:"created_by,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Committed reports whether the change has been absorbed into a commit.
func (c StagedChange) Committed() bool {
	return c.CommitID != nil
}

// Identity returns the entity identity carried by the change.
func (c StagedChange) Identity() EntityIdentity {
	return EntityIdentity{EntityID: c.EntityID, StableID: c.StableID}
}

// StageRequest carries the inputs of a stage operation.
type StageRequest struct {
	EntityType EntityType
	Action     ChangeAction
	Identity   EntityIdentity
	Target     Target
	Payload    json.RawMessage
	CreatedBy  string
}

// Validate enforces the identity rules: CREATE carries no prior identity, UPDATE and DELETE need one.
func (r StageRequest) Validate() error {
	if _, err := ParseEntityType(string(r.EntityType)); err != nil {
		return err
	}
	if _, err := ParseChangeAction(string(r.Action)); err != nil {
		return err
	}
	if !r.Target.Valid() {
		return fmt.Errorf("%w: unknown target %q", ErrInvalidArgument, r.Target)
	}
	switch r.Action {
	case ChangeActionCreate:
		if !r.Identity.Empty() {
			return fmt.Errorf("%w: CREATE must not reference an existing entity", ErrInvalidArgument)
		}
	case ChangeActionUpdate, ChangeActionDelete:
		if r.Identity.Empty() {
			return fmt.Errorf("%w: %s requires entity_id or stable_id", ErrInvalidArgument, r.Action)
		}
	}
	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidArgument)
	}
	return nil
}

// NewStagedChange builds an uncommitted change from a validated request.
func NewStagedChange(req StageRequest, now time.Time) StagedChange {
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return StagedChange{
		ID:         uuid.New(),
		EntityType: req.EntityType,
		EntityID:   trimmed(req.Identity.EntityID),
		StableID:   trimmed(req.Identity.StableID),
		Action:     req.Action,
		Target:     req.Target,
		Payload:    append(json.RawMessage(nil), payload...),
		CreatedBy:  req.CreatedBy,
		CreatedAt:  now,
	}
}

// ChangeAmendment replaces the mutable parts of an uncommitted change.
type ChangeAmendment struct {
	Payload json.RawMessage
	Target  *Target
}

// Apply returns the amended change. Committed changes are rejected with ErrImmutable.
func (a ChangeAmendment) Apply(change StagedChange) (StagedChange, error) {
	if change.Committed() {
		return StagedChange{}, fmt.Errorf("%w: change %s belongs to commit %s", ErrImmutable, change.ID, *change.CommitID)
	}
	if a.Payload == nil && a.Target == nil {
		return StagedChange{}, fmt.Errorf("%w: nothing to amend", ErrInvalidArgument)
	}
	if a.Payload != nil {
		if !json.Valid(a.Payload) {
			return StagedChange{}, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidArgument)
		}
		change.Payload = append(json.RawMessage(nil), a.Payload...)
	}
	if a.Target != nil {
		if !a.Target.Valid() {
			return StagedChange{}, fmt.Errorf("%w: unknown target %q", ErrInvalidArgument, *a.Target)
		}
		change.Target = *a.Target
	}
	return change, nil
}

func blank(value *string) bool {
	return value == nil || strings.TrimSpace(*value) == ""
}

func trimmed(value *string) *string {
	if blank(value) {
		return nil
	}
	out := strings.TrimSpace(*value)
	return &out
}
