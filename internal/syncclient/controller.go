package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/rpattn/cvsync/internal/domain"
	"github.com/rpattn/cvsync/internal/realtime"
)

const (
	defaultReconnectDelay = 5 * time.Second
	defaultPingInterval   = 30 * time.Second
	writeTimeout          = 10 * time.Second
	watchBuffer           = 32
)

// Controller keeps a merged view of staged changes, commits and tracked push jobs. Job state arrives
// over the websocket channel; commits are updated optimistically once one of their jobs settles.
type Controller struct {
	client         *Client
	wsURL          string
	dialer         *websocket.Dialer
	reconnectDelay time.Duration
	pingInterval   time.Duration
	logger         logrus.FieldLogger

	mu       sync.RWMutex
	staged   []domain.StagedChange
	commits  map[uuid.UUID]domain.Commit
	order    []uuid.UUID
	jobs     map[uuid.UUID]domain.PushJob
	watchers map[int]chan domain.PushJob
	nextID   int

	connMu sync.Mutex
	conn   *websocket.Conn
}

type ControllerOption func(*Controller)

func WithReconnectDelay(delay time.Duration) ControllerOption {
	return func(c *Controller) {
		if delay > 0 {
			c.reconnectDelay = delay
		}
	}
}

func WithPingInterval(interval time.Duration) ControllerOption {
	return func(c *Controller) {
		if interval > 0 {
			c.pingInterval = interval
		}
	}
}

func WithDialer(dialer *websocket.Dialer) ControllerOption {
	return func(c *Controller) {
		if dialer != nil {
			c.dialer = dialer
		}
	}
}

func WithLogger(logger logrus.FieldLogger) ControllerOption {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewController(client *Client, opts ...ControllerOption) *Controller {
	ws := *client.baseURL
	switch ws.Scheme {
	case "https":
		ws.Scheme = "wss"
	default:
		ws.Scheme = "ws"
	}
	ws.Path += "/ws"

	c := &Controller{
		client:         client,
		wsURL:          ws.String(),
		dialer:         websocket.DefaultDialer,
		reconnectDelay: defaultReconnectDelay,
		pingInterval:   defaultPingInterval,
		logger:         client.logger,
		commits:        make(map[uuid.UUID]domain.Commit),
		jobs:           make(map[uuid.UUID]domain.PushJob),
		watchers:       make(map[int]chan domain.PushJob),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run holds the status channel open until ctx is done or the server closes it normally. Abnormal
// closes are retried after the reconnect delay, indefinitely. A rejected session stops the loop.
func (c *Controller) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			c.logger.Info("status channel closed by server")
			return nil
		}
		if errors.Is(err, domain.ErrAuthRequired) {
			return err
		}
		c.logger.WithError(err).WithField("retry_in", c.reconnectDelay).Warn("status channel lost")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectDelay):
		}
	}
}

// Connected reports whether the status channel is currently open.
func (c *Controller) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

func (c *Controller) session(ctx context.Context) error {
	header := http.Header{}
	if token := c.client.Token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: status channel rejected the session", domain.ErrAuthRequired)
		}
		return fmt.Errorf("dial status channel: %w", err)
	}
	defer conn.Close()

	readTimeout := 2*c.pingInterval + writeTimeout
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
	}()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessionCtx.Done()
		if ctx.Err() != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client shutdown"),
				time.Now().Add(writeTimeout))
		}
		_ = conn.Close()
	}()

	c.resubscribe()
	go c.pingLoop(sessionCtx)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		c.handleMessage(data)
	}
}

func (c *Controller) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(realtime.ClientMessage{Type: realtime.MessagePing}); err != nil {
				c.logger.WithError(err).Debug("ping failed")
				return
			}
		}
	}
}

// resubscribe re-registers every tracked job that has not settled yet.
func (c *Controller) resubscribe() {
	c.mu.RLock()
	pending := make([]uuid.UUID, 0, len(c.jobs))
	for id, job := range c.jobs {
		if !job.Terminal() {
			pending = append(pending, id)
		}
	}
	c.mu.RUnlock()

	for _, id := range pending {
		if err := c.send(realtime.ClientMessage{Type: realtime.MessageSubscribe, JobID: id.String()}); err != nil {
			c.logger.WithError(err).WithField("job_id", id).Warn("failed to resubscribe")
			return
		}
	}
	if len(pending) > 0 {
		c.logger.WithField("jobs", len(pending)).Info("resubscribed tracked jobs")
	}
}

// send writes msg when connected. While disconnected it is a no-op; tracked jobs are resubscribed on
// the next connect.
func (c *Controller) send(msg realtime.ClientMessage) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return nil
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *Controller) handleMessage(data []byte) {
	var msg realtime.ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.WithError(err).Warn("undecodable status frame")
		return
	}
	switch msg.Type {
	case realtime.MessageStatus:
		var job domain.PushJob
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			c.logger.WithError(err).Warn("undecodable job status")
			return
		}
		c.applyJob(job)
	case realtime.MessageActiveJobs:
		var jobs []domain.PushJob
		if err := json.Unmarshal(msg.Data, &jobs); err != nil {
			c.logger.WithError(err).Warn("undecodable active jobs")
			return
		}
		for _, job := range jobs {
			c.applyJob(job)
		}
	case realtime.MessageError:
		var body struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(msg.Data, &body)
		c.logger.WithFields(logrus.Fields{"job_id": msg.JobID, "error": body.Message}).Warn("status channel error")
	case realtime.MessageConnected, realtime.MessagePong:
		c.logger.WithField("type", msg.Type).Debug("status channel frame")
	}
}

// applyJob records the newest state of a tracked job and settles its commit once the job is terminal.
func (c *Controller) applyJob(job domain.PushJob) {
	c.mu.Lock()
	prev, tracked := c.jobs[job.ID]
	if !tracked || job.UpdatedAt.Before(prev.UpdatedAt) || prev.Terminal() && !job.Terminal() {
		c.mu.Unlock()
		return
	}
	c.jobs[job.ID] = job
	if job.Terminal() && !prev.Terminal() {
		if current, ok := c.commits[job.CommitID]; ok {
			at := job.UpdatedAt
			if job.CompletedAt != nil {
				at = *job.CompletedAt
			}
			c.commits[job.CommitID] = current.ApplyOutcome(job.Outcome(), job.RequestedBy, at)
		}
	}
	watchers := make([]chan domain.PushJob, 0, len(c.watchers))
	for _, ch := range c.watchers {
		watchers = append(watchers, ch)
	}
	c.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- job:
		default:
		}
	}
}

// Watch streams tracked job updates. A slow reader misses intermediate states; Job always returns the
// latest one.
func (c *Controller) Watch() (<-chan domain.PushJob, func()) {
	ch := make(chan domain.PushJob, watchBuffer)
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.watchers[id] = ch
	c.mu.Unlock()
	return ch, func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

// Track follows a job, subscribing immediately when connected.
func (c *Controller) Track(jobID, commitID uuid.UUID) {
	c.mu.Lock()
	if _, ok := c.jobs[jobID]; !ok {
		c.jobs[jobID] = domain.PushJob{ID: jobID, CommitID: commitID, OverallStatus: domain.OverallStatusPending}
	}
	c.mu.Unlock()
	if err := c.send(realtime.ClientMessage{Type: realtime.MessageSubscribe, JobID: jobID.String()}); err != nil {
		c.logger.WithError(err).WithField("job_id", jobID).Warn("failed to subscribe")
	}
}

func (c *Controller) Untrack(jobID uuid.UUID) {
	c.mu.Lock()
	delete(c.jobs, jobID)
	c.mu.Unlock()
	_ = c.send(realtime.ClientMessage{Type: realtime.MessageUnsubscribe, JobID: jobID.String()})
}

// Refresh reloads the staged set and the commit list from the server.
func (c *Controller) Refresh(ctx context.Context) error {
	staged, err := c.client.ListStaged(ctx)
	if err != nil {
		return err
	}
	commits, err := c.client.ListCommits(ctx, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.staged = staged
	c.commits = make(map[uuid.UUID]domain.Commit, len(commits))
	c.order = c.order[:0]
	for _, cm := range commits {
		c.commits[cm.ID] = cm
		c.order = append(c.order, cm.ID)
	}
	return nil
}

func (c *Controller) Stage(ctx context.Context, req StageRequest) (domain.StagedChange, error) {
	change, err := c.client.Stage(ctx, req)
	if err != nil {
		return domain.StagedChange{}, err
	}
	c.mu.Lock()
	c.staged = append(c.staged, change)
	c.mu.Unlock()
	return change, nil
}

func (c *Controller) CreateCommit(ctx context.Context, message string, changeIDs []uuid.UUID) (domain.Commit, error) {
	created, err := c.client.CreateCommit(ctx, message, changeIDs)
	if err != nil {
		return domain.Commit{}, err
	}
	absorbed := make(map[uuid.UUID]struct{}, len(created.Changes))
	for _, change := range created.Changes {
		absorbed[change.ID] = struct{}{}
	}
	c.mu.Lock()
	remaining := c.staged[:0]
	for _, change := range c.staged {
		if _, ok := absorbed[change.ID]; !ok {
			remaining = append(remaining, change)
		}
	}
	c.staged = remaining
	c.commits[created.ID] = created
	c.order = append(c.order, created.ID)
	c.mu.Unlock()
	return created, nil
}

// Push requests target for a commit and tracks the resulting job.
func (c *Controller) Push(ctx context.Context, commitID uuid.UUID, target domain.Target) (PushAccepted, error) {
	accepted, err := c.client.Push(ctx, commitID, target)
	if err != nil {
		return PushAccepted{}, err
	}
	c.mu.Lock()
	if _, ok := c.commits[commitID]; !ok {
		c.mu.Unlock()
		if current, err := c.client.GetCommit(ctx, commitID); err == nil {
			c.mu.Lock()
			if _, ok := c.commits[commitID]; !ok {
				c.commits[commitID] = current
				c.order = append(c.order, commitID)
			}
			c.mu.Unlock()
		}
	} else {
		c.mu.Unlock()
	}
	c.Track(accepted.JobID, commitID)
	return accepted, nil
}

func (c *Controller) Staged() []domain.StagedChange {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.StagedChange(nil), c.staged...)
}

// Commits returns the known commits in insertion order with their merged status.
func (c *Controller) Commits() []domain.Commit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Commit, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.commits[id])
	}
	return out
}

func (c *Controller) CommitState(id uuid.UUID) (domain.Commit, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cm, ok := c.commits[id]
	return cm, ok
}

func (c *Controller) Job(id uuid.UUID) (domain.PushJob, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	job, ok := c.jobs[id]
	return job, ok
}
