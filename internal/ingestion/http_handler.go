package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rpattn/cvsync/internal/auth"
	"github.com/rpattn/cvsync/internal/domain"
)

const maxUploadBytes = 32 << 20

// Handler exposes ingestion as an HTTP endpoint.
type Handler struct {
	service *Service
}

// NewHTTPHandler wraps the service with a multipart POST endpoint taking a "file" part and an optional
// dry_run field.
func NewHTTPHandler(service *Service) http.Handler {
	return &Handler{service: service}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed", Code: "INVALID_ARGUMENT"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeInvalid(w, fmt.Sprintf("invalid form data: %v", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeInvalid(w, fmt.Sprintf("file required: %v", err))
		return
	}
	defer file.Close()

	dryRun := false
	if raw := strings.TrimSpace(r.FormValue("dry_run")); raw != "" {
		if dryRun, err = strconv.ParseBool(raw); err != nil {
			writeInvalid(w, fmt.Sprintf("invalid dry_run %q", raw))
			return
		}
	}

	summary, err := h.service.Ingest(r.Context(), Request{
		FileName:  header.Filename,
		Data:      file,
		CreatedBy: auth.ActorFromContext(r.Context()),
		DryRun:    dryRun,
	})
	switch {
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, ErrUnsupportedFormat):
		writeInvalid(w, err.Error())
	case err != nil:
		h.service.logger.WithError(err).Error("ingestion failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error", Code: "INTERNAL"})
	case summary.InvalidRows > 0:
		writeJSON(w, http.StatusUnprocessableEntity, summary)
	case dryRun:
		writeJSON(w, http.StatusOK, summary)
	default:
		writeJSON(w, http.StatusCreated, summary)
	}
}

func writeInvalid(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: message, Code: "INVALID_ARGUMENT"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
