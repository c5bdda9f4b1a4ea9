// Package syncclient is the consumer side of the pipeline: a REST client for staging, commits and
// pushes plus a Controller that follows job status over the websocket channel.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rpattn/cvsync/internal/domain"
)

// APIError is a non-2xx response. It unwraps to the matching domain error so callers can tell
// re-authentication (domain.ErrAuthRequired) apart from a bad request.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%d %s)", e.Message, e.Status, e.Code)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Status)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case "AUTH_REQUIRED":
		return domain.ErrAuthRequired
	case "NOT_FOUND":
		return domain.ErrNotFound
	case "INVALID_ARGUMENT":
		return domain.ErrInvalidArgument
	case "INVALID_STATE":
		return domain.ErrInvalidState
	case "IMMUTABLE":
		return domain.ErrImmutable
	case "ALREADY_COMMITTED":
		return domain.ErrAlreadyCommitted
	}
	if e.Status == http.StatusUnauthorized {
		return domain.ErrAuthRequired
	}
	return nil
}

// Client talks to the REST surface.
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
	logger  logrus.FieldLogger
}

type ClientOption func(*Client)

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

func WithClientLogger(logger logrus.FieldLogger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", baseURL)
	}
	c := &Client{
		baseURL: parsed,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithField("component", "syncclient")
	return c, nil
}

// Token returns the session token sent with every request.
func (c *Client) Token() string { return c.token }

// StageRequest is the body of POST /v2/stage.
type StageRequest struct {
	EntityType string          `json:"entity_type"`
	Action     string          `json:"action"`
	EntityID   *string         `json:"entity_id,omitempty"`
	StableID   *string         `json:"stable_id,omitempty"`
	Target     string          `json:"target,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// PushAccepted is the handle returned by a push.
type PushAccepted struct {
	JobID    uuid.UUID     `json:"job_id"`
	CommitID uuid.UUID     `json:"commit_id"`
	Target   domain.Target `json:"target"`
	Accepted bool          `json:"accepted"`
}

// Stats mirrors GET /v2/stats.
type Stats struct {
	Uncommitted int                         `json:"uncommitted"`
	Commits     map[domain.CommitStatus]int `json:"commits"`
	ActiveJobs  int                         `json:"active_jobs"`
}

func (c *Client) ListStaged(ctx context.Context) ([]domain.StagedChange, error) {
	var out struct {
		Changes []domain.StagedChange `json:"changes"`
	}
	if err := c.do(ctx, http.MethodGet, "/v2/staged", nil, &out); err != nil {
		return nil, err
	}
	return out.Changes, nil
}

func (c *Client) Stage(ctx context.Context, req StageRequest) (domain.StagedChange, error) {
	var out domain.StagedChange
	err := c.do(ctx, http.MethodPost, "/v2/stage", req, &out)
	return out, err
}

func (c *Client) DeleteStaged(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, "/v2/staged/"+id.String(), nil, nil)
}

// CreateCommit absorbs every uncommitted change when changeIDs is nil.
func (c *Client) CreateCommit(ctx context.Context, message string, changeIDs []uuid.UUID) (domain.Commit, error) {
	body := struct {
		Message   string      `json:"message"`
		ChangeIDs []uuid.UUID `json:"change_ids,omitempty"`
	}{Message: message, ChangeIDs: changeIDs}
	var out domain.Commit
	err := c.do(ctx, http.MethodPost, "/v2/commit", body, &out)
	return out, err
}

func (c *Client) ListCommits(ctx context.Context, status *domain.CommitStatus) ([]domain.Commit, error) {
	path := "/v2/commits"
	if status != nil {
		path += "?status=" + url.QueryEscape(string(*status))
	}
	var out struct {
		Commits []domain.Commit `json:"commits"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Commits, nil
}

func (c *Client) GetCommit(ctx context.Context, id uuid.UUID) (domain.Commit, error) {
	var out domain.Commit
	err := c.do(ctx, http.MethodGet, "/v2/commits/"+id.String(), nil, &out)
	return out, err
}

// Push requests target for a commit. Portfolio and enrichment use their dedicated routes.
func (c *Client) Push(ctx context.Context, commitID uuid.UUID, target domain.Target) (PushAccepted, error) {
	var out PushAccepted
	var err error
	switch target {
	case domain.TargetPortfolio:
		err = c.do(ctx, http.MethodPost, "/v2/push/d1cv", map[string]uuid.UUID{"commit_id": commitID}, &out)
	case domain.TargetEnrichment:
		err = c.do(ctx, http.MethodPost, "/v2/push/ai", map[string]uuid.UUID{"commit_id": commitID}, &out)
	default:
		err = c.do(ctx, http.MethodPost, "/v2/push", map[string]any{"commit_id": commitID, "target": target}, &out)
	}
	return out, err
}

func (c *Client) GetJob(ctx context.Context, id uuid.UUID) (domain.PushJob, error) {
	var out domain.PushJob
	err := c.do(ctx, http.MethodGet, "/v2/jobs/"+id.String(), nil, &out)
	return out, err
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	err := c.do(ctx, http.MethodGet, "/v2/stats", nil, &out)
	return out, err
}

func (c *Client) endpoint(path string) string {
	return c.baseURL.String() + path
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var body struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(raw, &body) == nil && body.Error != "" {
			apiErr.Message = body.Error
			apiErr.Code = body.Code
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		if errors.Is(apiErr, domain.ErrAuthRequired) {
			c.logger.WithField("path", path).Warn("session rejected, re-authentication required")
		}
		return apiErr
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
