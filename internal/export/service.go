package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/cvsync/internal/domain"
	"github.com/rpattn/cvsync/internal/repository"
)

const (
	commitsSheet = "Commits"
	changesSheet = "Changes"

	// ContentType is the MIME type of the generated workbook.
	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var commitHeader = []any{
	"Commit ID", "Message", "Target", "Status", "Portfolio Applied", "Enrichment Applied",
	"Changes", "Created By", "Created At", "Applied By", "Applied At", "Error Target", "Error",
}

var changeHeader = []any{
	"Commit ID", "Change ID", "Entity Type", "Action", "Entity ID", "Stable ID", "Target", "Created By", "Created At", "Payload",
}

// Service renders the commit log as an XLSX workbook.
type Service struct {
	commits repository.CommitRepository
	changes repository.StagedChangeRepository
	logger  logrus.FieldLogger
	now     func() time.Time
}

type Option func(*Service)

func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(commits repository.CommitRepository, changes repository.StagedChangeRepository, opts ...Option) *Service {
	service := &Service{
		commits: commits,
		changes: changes,
		logger:  logrus.StandardLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(service)
	}
	service.logger = service.logger.WithField("component", "export")
	return service
}

// FileName returns the attachment name for a workbook generated now.
func (s *Service) FileName(status *domain.CommitStatus) string {
	name := "commit-log"
	if status != nil {
		name += "-" + sanitizeFileComponent(string(*status))
	}
	return fmt.Sprintf("%s-%s.xlsx", name, s.now().UTC().Format("20060102-150405"))
}

// WriteCommitLog writes every commit matching status (nil for all) with its member changes.
func (s *Service) WriteCommitLog(ctx context.Context, w io.Writer, status *domain.CommitStatus) error {
	commits, err := s.commits.List(ctx, status)
	if err != nil {
		return fmt.Errorf("failed to list commits: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(commits))
	for _, c := range commits {
		ids = append(ids, c.ID)
	}
	byCommit := map[uuid.UUID][]domain.StagedChange{}
	if len(ids) > 0 {
		byCommit, err = s.changes.ListByCommits(ctx, ids)
		if err != nil {
			return fmt.Errorf("failed to load commit changes: %w", err)
		}
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(0), commitsSheet); err != nil {
		return fmt.Errorf("failed to name commits sheet: %w", err)
	}
	if _, err := f.NewSheet(changesSheet); err != nil {
		return fmt.Errorf("failed to create changes sheet: %w", err)
	}
	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	commitRows := make([][]any, 0, len(commits))
	var changeRows [][]any
	for _, c := range commits {
		commitRows = append(commitRows, commitRow(c))
		for _, change := range byCommit[c.ID] {
			changeRows = append(changeRows, changeRow(c.ID, change))
		}
	}
	if err := writeSheet(f, commitsSheet, header, commitHeader, commitRows); err != nil {
		return err
	}
	if err := writeSheet(f, changesSheet, header, changeHeader, changeRows); err != nil {
		return err
	}
	_ = f.SetColWidth(commitsSheet, "A", "A", 38)
	_ = f.SetColWidth(commitsSheet, "B", "B", 48)
	_ = f.SetColWidth(changesSheet, "A", "B", 38)
	_ = f.SetColWidth(changesSheet, "J", "J", 80)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	s.logger.WithFields(logrus.Fields{"commits": len(commitRows), "changes": len(changeRows)}).Info("commit log exported")
	return nil
}

func writeSheet(f *excelize.File, sheet string, style int, header []any, rows [][]any) error {
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("failed to write %s header: %w", sheet, err)
	}
	if err := f.SetRowStyle(sheet, 1, 1, style); err != nil {
		return fmt.Errorf("failed to style %s header: %w", sheet, err)
	}
	for idx, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, idx+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write %s row %d: %w", sheet, idx+2, err)
		}
	}
	return nil
}

func commitRow(c domain.Commit) []any {
	return []any{
		c.ID.String(),
		c.Message,
		string(c.Target),
		string(c.Status),
		c.PortfolioApplied,
		c.EnrichmentApplied,
		c.ChangeCount,
		c.CreatedBy,
		formatTime(&c.CreatedAt),
		deref(c.AppliedBy),
		formatTime(c.AppliedAt),
		derefTarget(c.ErrorTarget),
		deref(c.ErrorMessage),
	}
}

func changeRow(commitID uuid.UUID, change domain.StagedChange) []any {
	return []any{
		commitID.String(),
		change.ID.String(),
		string(change.EntityType),
		string(change.Action),
		deref(change.EntityID),
		deref(change.StableID),
		string(change.Target),
		change.CreatedBy,
		formatTime(&change.CreatedAt),
		compactPayload(change.Payload),
	}
}

func compactPayload(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var out bytes.Buffer
	if err := json.Compact(&out, payload); err != nil {
		return string(payload)
	}
	return out.String()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func derefTarget(value *domain.Target) string {
	if value == nil {
		return ""
	}
	return string(*value)
}

func sanitizeFileComponent(value string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(value) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
