package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/rpattn/cvsync/internal/auth"
	"github.com/rpattn/cvsync/internal/domain"
)

// Error codes carried in every error body.
const (
	CodeNotFound         = "NOT_FOUND"
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeInvalidState     = "INVALID_STATE"
	CodeImmutable        = "IMMUTABLE"
	CodeAlreadyCommitted = "ALREADY_COMMITTED"
	CodeAuthRequired     = "AUTH_REQUIRED"
	CodeInternal         = "INTERNAL"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps the domain error taxonomy onto HTTP. AlreadyCommitted is checked before NotFound
// because contended absorb errors wrap both.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrAuthRequired):
		return http.StatusUnauthorized, CodeAuthRequired
	case errors.Is(err, domain.ErrAlreadyCommitted):
		return http.StatusConflict, CodeAlreadyCommitted
	case errors.Is(err, domain.ErrImmutable):
		return http.StatusConflict, CodeImmutable
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, CodeInvalidArgument
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict, CodeInvalidState
	}
	return http.StatusInternalServerError, CodeInternal
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status == http.StatusUnauthorized {
		auth.WriteAuthRequired(w, err)
		return
	}
	message := err.Error()
	entry := s.logger.WithFields(logrus.Fields{"path": r.URL.Path, "method": r.Method, "code": code})
	if status == http.StatusInternalServerError {
		entry.WithError(err).Error("request failed")
		message = "internal server error"
	} else {
		entry.WithError(err).Debug("request rejected")
	}
	writeJSON(w, status, errorBody{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}
