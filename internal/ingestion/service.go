package ingestion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/cvsync/internal/domain"
	"github.com/rpattn/cvsync/internal/staging"
)

var (
	// ErrUnsupportedFormat is returned when an uploaded file is not supported.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	byteOrderMark = []byte{0xEF, 0xBB, 0xBF}
)

// Columns with a fixed meaning. Any other column becomes a payload field unless a payload column is present.
const (
	columnEntityType = "entity_type"
	columnAction     = "action"
	columnEntityID   = "entity_id"
	columnStableID   = "stable_id"
	columnTarget     = "target"
	columnPayload    = "payload"
)

var reservedColumns = map[string]bool{
	columnEntityType: true,
	columnAction:     true,
	columnEntityID:   true,
	columnStableID:   true,
	columnTarget:     true,
	columnPayload:    true,
}

// Stager validates and records staged changes.
type Stager interface {
	Validate(input staging.StageInput) (domain.StageRequest, error)
	StageAll(ctx context.Context, inputs []staging.StageInput) ([]domain.StagedChange, error)
}

// Service turns CSV and XLSX sheets into staged changes, one row per change.
type Service struct {
	stager Stager
	logger logrus.FieldLogger
}

// NewService creates a new ingestion service.
func NewService(stager Stager, logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{stager: stager, logger: logger.WithField("component", "ingestion")}
}

// Request describes the ingestion input.
type Request struct {
	FileName  string
	Data      io.Reader
	CreatedBy string
	// DryRun validates every row without staging anything.
	DryRun bool
}

// RowError reports why a row was rejected. Row is the 1-based line in the sheet.
type RowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// Summary returns ingestion level metrics.
type Summary struct {
	TotalRows   int         `json:"total_rows"`
	ValidRows   int         `json:"valid_rows"`
	InvalidRows int         `json:"invalid_rows"`
	Staged      []uuid.UUID `json:"staged"`
	Errors      []RowError  `json:"errors,omitempty"`
	DryRun      bool        `json:"dry_run"`
}

type tableData struct {
	headers        []string
	rows           [][]string
	headerRowIndex int
}

// Ingest validates every row before staging any and stages the valid sheet in one atomic write. A sheet
// with an invalid row, or one the store rejects, stages nothing.
func (s *Service) Ingest(ctx context.Context, req Request) (Summary, error) {
	if req.Data == nil {
		return Summary{}, fmt.Errorf("%w: file is required", domain.ErrInvalidArgument)
	}
	payload, err := io.ReadAll(req.Data)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to read upload: %w", err)
	}
	table, err := parseTable(req.FileName, payload)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	if err := requireColumns(table.headers, columnEntityType, columnAction); err != nil {
		return Summary{}, err
	}

	summary := Summary{TotalRows: len(table.rows), Staged: []uuid.UUID{}, DryRun: req.DryRun}
	inputs := make([]staging.StageInput, 0, len(table.rows))
	for i, row := range table.rows {
		rowNumber := table.headerRowIndex + 2 + i
		input, err := rowToInput(table.headers, row)
		if err == nil {
			input.CreatedBy = req.CreatedBy
			_, err = s.stager.Validate(input)
		}
		if err != nil {
			summary.InvalidRows++
			summary.Errors = append(summary.Errors, RowError{Row: rowNumber, Message: err.Error()})
			continue
		}
		inputs = append(inputs, input)
	}
	summary.ValidRows = len(inputs)

	entry := s.logger.WithFields(logrus.Fields{
		"file":    req.FileName,
		"rows":    summary.TotalRows,
		"invalid": summary.InvalidRows,
	})
	if summary.InvalidRows > 0 || req.DryRun {
		entry.Info("ingestion validated without staging")
		return summary, nil
	}

	changes, err := s.stager.StageAll(ctx, inputs)
	if err != nil {
		entry.WithError(err).Error("ingestion staged nothing")
		return summary, fmt.Errorf("stage %d rows: %w", len(inputs), err)
	}
	for _, change := range changes {
		summary.Staged = append(summary.Staged, change.ID)
	}
	entry.WithField("staged", len(summary.Staged)).Info("ingestion staged changes")
	return summary, nil
}

func requireColumns(headers []string, names ...string) error {
	present := make(map[string]bool, len(headers))
	for _, header := range headers {
		present[header] = true
	}
	var missing []string
	for _, name := range names {
		if !present[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required column(s): %s", domain.ErrInvalidArgument, strings.Join(missing, ", "))
	}
	return nil
}

func rowToInput(headers []string, row []string) (staging.StageInput, error) {
	var (
		input        staging.StageInput
		fields       = make(map[string]any)
		explicitBody string
	)
	for i, header := range headers {
		value := strings.TrimSpace(row[i])
		switch header {
		case columnEntityType:
			input.EntityType = value
		case columnAction:
			input.Action = value
		case columnEntityID:
			input.EntityID = optional(value)
		case columnStableID:
			input.StableID = optional(value)
		case columnTarget:
			input.Target = value
		case columnPayload:
			explicitBody = value
		default:
			if value != "" {
				fields[header] = coerceValue(value)
			}
		}
	}

	switch {
	case explicitBody != "":
		if !json.Valid([]byte(explicitBody)) {
			return input, fmt.Errorf("%w: payload column is not valid JSON", domain.ErrInvalidArgument)
		}
		input.Payload = json.RawMessage(explicitBody)
	case len(fields) > 0:
		raw, err := json.Marshal(fields)
		if err != nil {
			return input, fmt.Errorf("encode payload: %w", err)
		}
		input.Payload = raw
	}
	return input, nil
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

// coerceValue interprets a cell the way a spreadsheet author most likely meant it.
func coerceValue(raw string) any {
	if strings.HasPrefix(raw, "{") || strings.HasPrefix(raw, "[") {
		var out any
		if err := json.Unmarshal([]byte(raw), &out); err == nil {
			return out
		}
	}
	switch strings.ToLower(raw) {
	case "true", "yes":
		return true
	case "false", "no":
		return false
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return f
	}
	return raw
}

func parseTable(fileName string, payload []byte) (tableData, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".csv":
		return parseCSV(payload)
	case ".xlsx":
		return parseExcel(payload)
	default:
		return tableData{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

func parseCSV(payload []byte) (tableData, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	records, err := csvReader.ReadAll()
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read csv: %w", err)
	}
	return normalizeTable(records)
}

// parseExcel reads the first sheet.
func parseExcel(payload []byte) (tableData, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return tableData{}, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return tableData{}, errors.New("excel file has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}
	return normalizeTable(rows)
}

// normalizeTable takes the first non-empty row as the header and drops blank rows after it.
func normalizeTable(records [][]string) (tableData, error) {
	headerIndex := -1
	for idx, row := range records {
		if !emptyRow(row) {
			headerIndex = idx
			break
		}
	}
	if headerIndex < 0 {
		return tableData{}, errors.New("no rows found in file")
	}

	headers := sanitizeHeaders(records[headerIndex])
	var rows [][]string
	for _, row := range records[headerIndex+1:] {
		if emptyRow(row) {
			continue
		}
		rows = append(rows, padRow(row, len(headers)))
	}
	return tableData{headers: headers, rows: rows, headerRowIndex: headerIndex}, nil
}

func emptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func sanitizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	seen := make(map[string]int)

	for idx, value := range raw {
		name := strings.ToLower(strings.TrimSpace(value))
		name = strings.ReplaceAll(name, " ", "_")
		name = strings.ReplaceAll(name, ".", "_")
		name = strings.ReplaceAll(name, "-", "_")
		name = strings.Trim(name, "_")
		if name == "" {
			name = fmt.Sprintf("column_%d", idx+1)
		}

		base := name
		count := seen[base]
		if count > 0 {
			name = fmt.Sprintf("%s_%d", base, count+1)
		}
		seen[base] = count + 1

		headers[idx] = name
	}

	return headers
}

func padRow(row []string, length int) []string {
	if len(row) >= length {
		return row[:length]
	}
	padded := make([]string, length)
	copy(padded, row)
	return padded
}
