package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func strPtr(value string) *string { return &value }

func TestStageRequestValidateIdentityRules(t *testing.T) {
	cases := []struct {
		name     string
		action   ChangeAction
		identity EntityIdentity
		wantErr  bool
	}{
		{"create without identity", ChangeActionCreate, EntityIdentity{}, false},
		{"create with entity id", ChangeActionCreate, EntityIdentity{EntityID: strPtr("42")}, true},
		{"update with stable id", ChangeActionUpdate, EntityIdentity{StableID: strPtr("go-lang")}, false},
		{"update with both", ChangeActionUpdate, EntityIdentity{EntityID: strPtr("42"), StableID: strPtr("go-lang")}, false},
		{"update blank identity", ChangeActionUpdate, EntityIdentity{EntityID: strPtr("  ")}, true},
		{"delete without identity", ChangeActionDelete, EntityIdentity{}, true},
	}
	for _, tc := range cases {
		req := StageRequest{
			EntityType: EntityTypeTechnology,
			Action:     tc.action,
			Identity:   tc.identity,
			Target:     TargetBoth,
			Payload:    json.RawMessage(`{"name":"Go"}`),
		}
		err := req.Validate()
		if tc.wantErr && !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("%s: expected ErrInvalidArgument, got %v", tc.name, err)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
	}
}

func TestStageRequestRejectsBadPayloadAndTarget(t *testing.T) {
	req := StageRequest{EntityType: EntityTypeProject, Action: ChangeActionCreate, Target: "nowhere"}
	if err := req.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected bad target to be rejected, got %v", err)
	}
	req.Target = TargetPortfolio
	req.Payload = json.RawMessage(`{"broken"`)
	if err := req.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected bad payload to be rejected, got %v", err)
	}
}

func TestChangeAmendmentRejectsCommittedChange(t *testing.T) {
	change := NewStagedChange(StageRequest{EntityType: EntityTypeEducation, Action: ChangeActionCreate, Target: TargetBoth}, time.Now())
	if string(change.Payload) != "{}" {
		t.Fatalf("expected default payload, got %s", change.Payload)
	}
	target := TargetPortfolio
	amended, err := ChangeAmendment{Payload: json.RawMessage(`{"school":"MIT"}`), Target: &target}.Apply(change)
	if err != nil {
		t.Fatalf("amend: %v", err)
	}
	if amended.Target != TargetPortfolio || string(amended.Payload) != `{"school":"MIT"}` {
		t.Fatalf("unexpected amended change: %+v", amended)
	}

	commitID := uuid.New()
	amended.CommitID = &commitID
	if _, err := (ChangeAmendment{Payload: json.RawMessage(`{}`)}).Apply(amended); !errors.Is(err, ErrImmutable) {
		t.Fatalf("expected ErrImmutable, got %v", err)
	}
}

func TestParseTargetAliases(t *testing.T) {
	cases := map[string]Target{"d1cv": TargetPortfolio, "AI": TargetEnrichment, "both": TargetBoth, "portfolio": TargetPortfolio}
	for raw, want := range cases {
		got, err := ParseTarget(raw)
		if err != nil || got != want {
			t.Fatalf("ParseTarget(%q) = %s, %v", raw, got, err)
		}
	}
	if _, err := ParseTarget("mars"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}
