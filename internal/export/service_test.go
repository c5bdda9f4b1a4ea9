package export

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/rpattn/cvsync/internal/domain"
	"github.com/rpattn/cvsync/internal/repository/memory"
)

func seedCommit(t *testing.T, store *memory.Store, message string, payloads ...string) domain.Commit {
	t.Helper()
	ctx := context.Background()
	for _, payload := range payloads {
		change := domain.NewStagedChange(domain.StageRequest{
			EntityType: domain.EntityTypeProject,
			Action:     domain.ChangeActionCreate,
			Target:     domain.TargetBoth,
			Payload:    json.RawMessage(payload),
			CreatedBy:  "alice",
		}, time.Now())
		if _, err := store.StagedChanges().Create(ctx, change); err != nil {
			t.Fatalf("create change: %v", err)
		}
	}
	commit, err := store.Commits().CreateFromChanges(ctx, domain.NewCommit(message, "alice", time.Now()), nil)
	if err != nil {
		t.Fatalf("create commit: %v", err)
	}
	return commit
}

func TestWriteCommitLogBuildsBothSheets(t *testing.T) {
	store := memory.NewStore()
	first := seedCommit(t, store, "Add projects", `{ "name": "cvsync" }`, `{"name":"portfolio-site"}`)
	seedCommit(t, store, "Add another", `{"name":"third"}`)

	service := NewService(store.Commits(), store.StagedChanges())
	var buf bytes.Buffer
	if err := service.WriteCommitLog(context.Background(), &buf, nil); err != nil {
		t.Fatalf("write commit log: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer func() { _ = f.Close() }()

	commits, err := f.GetRows(commitsSheet)
	if err != nil {
		t.Fatalf("read commits: %v", err)
	}
	if len(commits) != 3 || commits[0][0] != "Commit ID" {
		t.Fatalf("expected header plus two commits, got %v", commits)
	}
	if commits[1][0] != first.ID.String() || commits[1][1] != "Add projects" || commits[1][3] != "pending" {
		t.Fatalf("unexpected first commit row %v", commits[1])
	}

	changes, err := f.GetRows(changesSheet)
	if err != nil {
		t.Fatalf("read changes: %v", err)
	}
	if len(changes) != 4 {
		t.Fatalf("expected header plus three changes, got %d rows", len(changes))
	}
	if changes[1][9] != `{"name":"cvsync"}` {
		t.Fatalf("expected compacted payload, got %q", changes[1][9])
	}
}

func TestHandlerServesWorkbook(t *testing.T) {
	store := memory.NewStore()
	seedCommit(t, store, "Only commit", `{}`)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	handler := NewHTTPHandler(NewService(store.Commits(), store.StagedChanges(), WithClock(func() time.Time { return now })))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v2/commits/export?status=pending", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != ContentType {
		t.Fatalf("unexpected content type %q", rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), "commit-log-pending-20260301-120000.xlsx") {
		t.Fatalf("unexpected disposition %q", rec.Header().Get("Content-Disposition"))
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v2/commits/export?status=bogus", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rec.Code)
	}
}
