package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/rpattn/cvsync/internal/domain"
)

// Config describes one remote backend.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// ChangeDocument is the wire form of a staged change sent to a backend.
type ChangeDocument struct {
	ID         uuid.UUID       `json:"id"`
	EntityType string          `json:"entity_type"`
	EntityID   *string         `json:"entity_id,omitempty"`
	StableID   *string         `json:"stable_id,omitempty"`
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"payload"`
}

type applyRequest struct {
	CommitID uuid.UUID        `json:"commit_id"`
	Changes  []ChangeDocument `json:"changes"`
}

func newApplyRequest(commitID uuid.UUID, changes []domain.StagedChange) applyRequest {
	docs := make([]ChangeDocument, len(changes))
	for i, change := range changes {
		docs[i] = ChangeDocument{
			ID:         change.ID,
			EntityType: string(change.EntityType),
			EntityID:   change.EntityID,
			StableID:   change.StableID,
			Action:     string(change.Action),
			Payload:    change.Payload,
		}
	}
	return applyRequest{CommitID: commitID, Changes: docs}
}

// client is a JSON-over-HTTP caller guarded by a circuit breaker. Every call is bounded by the configured
// timeout so a hung backend cannot hold a push job in progress.
type client struct {
	name    string
	baseURL string
	token   string
	timeout time.Duration
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  logrus.FieldLogger
}

func newClient(name string, cfg Config, logger logrus.FieldLogger) (*client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("%s backend base URL is required", name)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	entry := logger.WithFields(logrus.Fields{"component": "backend", "backend": name})
	return &client{
		name:    name,
		baseURL: base,
		token:   cfg.Token,
		timeout: timeout,
		http:    &http.Client{},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				entry.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Warn("circuit breaker state changed")
			},
		}),
		logger: entry,
	}, nil
}

// remoteError is a non-2xx answer from the backend.
type remoteError struct {
	Status  int
	Message string
}

func (e *remoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status %d", e.Status)
	}
	return fmt.Sprintf("status %d: %s", e.Status, e.Message)
}

func (c *client) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", c.name, err)
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &remoteError{Status: resp.StatusCode, Message: errorMessage(data)}
		}
		if out != nil && len(bytes.TrimSpace(data)) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return nil, fmt.Errorf("decode response: %w", err)
			}
		}
		return nil, nil
	})
	if err == nil {
		return nil
	}

	var remote *remoteError
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: %s backend unavailable (circuit open)", domain.ErrBackendFailure, c.name)
	case errors.As(err, &remote):
		message := remote.Message
		if message == "" {
			message = remote.Error()
		}
		return fmt.Errorf("%w: %s backend: %s", domain.ErrBackendFailure, c.name, message)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s backend timed out", domain.ErrBackendFailure, c.name)
	}
	return fmt.Errorf("%w: %s backend: %v", domain.ErrBackendFailure, c.name, err)
}

// maxErrorText caps how much of an unstructured error body ends up in a leg result.
const maxErrorText = 200

func errorMessage(body []byte) string {
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Error != "" {
			return parsed.Error
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorText {
		cut := maxErrorText
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}
