package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/rpattn/cvsync/internal/domain"
)

// JobStore is the durable fallback consulted for jobs the hub no longer tracks.
type JobStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (domain.PushJob, error)
}

// Timing bounds the liveness of each websocket connection.
type Timing struct {
	WriteWait  time.Duration
	PongWait   time.Duration
	PingPeriod time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		WriteWait:  10 * time.Second,
		PongWait:   60 * time.Second,
		PingPeriod: 54 * time.Second,
	}
}

const (
	defaultRetention = 10 * time.Minute
	sendBuffer       = 256
	lookupTimeout    = 5 * time.Second
)

type trackedJob struct {
	job       domain.PushJob
	settledAt time.Time
}

// Hub owns the authoritative state of push jobs and fans transitions out to subscribed clients.
// Terminal jobs stay queryable for the retention window, then only through the JobStore.
type Hub struct {
	mu       sync.RWMutex
	jobs     map[uuid.UUID]*trackedJob
	clients  map[*Client]struct{}
	byJob    map[uuid.UUID]map[*Client]struct{}
	wildcard map[*Client]struct{}

	store     JobStore
	relay     Relay
	retention time.Duration
	timing    Timing
	now       func() time.Time
	logger    logrus.FieldLogger
}

type Option func(*Hub)

func WithJobStore(store JobStore) Option {
	return func(h *Hub) { h.store = store }
}

// WithRelay mirrors transitions to other server instances.
func WithRelay(relay Relay) Option {
	return func(h *Hub) { h.relay = relay }
}

func WithRetention(retention time.Duration) Option {
	return func(h *Hub) {
		if retention > 0 {
			h.retention = retention
		}
	}
}

func WithTiming(timing Timing) Option {
	return func(h *Hub) {
		if timing.WriteWait > 0 {
			h.timing.WriteWait = timing.WriteWait
		}
		if timing.PongWait > 0 {
			h.timing.PongWait = timing.PongWait
		}
		if timing.PingPeriod > 0 {
			h.timing.PingPeriod = timing.PingPeriod
		}
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

func NewHub(opts ...Option) *Hub {
	hub := &Hub{
		jobs:      make(map[uuid.UUID]*trackedJob),
		clients:   make(map[*Client]struct{}),
		byJob:     make(map[uuid.UUID]map[*Client]struct{}),
		wildcard:  make(map[*Client]struct{}),
		retention: defaultRetention,
		timing:    DefaultTiming(),
		now:       time.Now,
		logger:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(hub)
	}
	hub.logger = hub.logger.WithField("component", "realtime")
	return hub
}

// Run evicts settled jobs past the retention window and consumes the relay until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	if h.relay != nil {
		go func() {
			if err := h.relay.Subscribe(ctx, func(job domain.PushJob) { h.apply(job) }); err != nil && !errors.Is(err, context.Canceled) {
				h.logger.WithError(err).Error("job relay stopped")
			}
		}()
	}

	interval := h.retention / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := h.evictSettled()
			stats := h.Stats()
			h.logger.WithFields(logrus.Fields{
				"clients": stats.Clients,
				"jobs":    stats.TrackedJobs,
				"evicted": evicted,
			}).Debug("hub stats")
		}
	}
}

func (h *Hub) evictSettled() int {
	cutoff := h.now().Add(-h.retention)
	h.mu.Lock()
	defer h.mu.Unlock()
	evicted := 0
	for id, tracked := range h.jobs {
		if tracked.job.Terminal() && tracked.settledAt.Before(cutoff) {
			delete(h.jobs, id)
			delete(h.byJob, id)
			evicted++
		}
	}
	return evicted
}

// Publish records a job transition, delivers it to every subscriber of the job and to wildcard
// subscribers, and forwards it to the relay.
func (h *Hub) Publish(ctx context.Context, job domain.PushJob) {
	if !h.apply(job) {
		return
	}
	if h.relay != nil {
		if err := h.relay.Publish(ctx, job); err != nil {
			h.logger.WithError(err).WithField("job_id", job.ID).Warn("failed to relay job transition")
		}
	}
}

// apply stores job unless a newer state is already known and fans it out. It reports whether the
// state was accepted.
func (h *Hub) apply(job domain.PushJob) bool {
	data, err := h.encode(MessageStatus, job.ID.String(), job)
	if err != nil {
		h.logger.WithError(err).Error("failed to encode job status")
		return false
	}

	h.mu.Lock()
	if existing, ok := h.jobs[job.ID]; ok {
		if existing.job.UpdatedAt.After(job.UpdatedAt) || existing.job.Terminal() && !job.Terminal() {
			h.mu.Unlock()
			return false
		}
	}
	tracked := &trackedJob{job: job}
	if job.Terminal() {
		tracked.settledAt = h.now()
	}
	h.jobs[job.ID] = tracked

	var slow []*Client
	for client := range h.audienceLocked(job.ID) {
		if !h.enqueueLocked(client, data) {
			slow = append(slow, client)
		}
	}
	h.mu.Unlock()

	h.dropSlow(slow)
	return true
}

func (h *Hub) audienceLocked(id uuid.UUID) map[*Client]struct{} {
	audience := make(map[*Client]struct{}, len(h.byJob[id])+len(h.wildcard))
	for client := range h.byJob[id] {
		audience[client] = struct{}{}
	}
	for client := range h.wildcard {
		audience[client] = struct{}{}
	}
	return audience
}

// enqueueLocked must be called with h.mu held. A full buffer means the client cannot keep up.
func (h *Hub) enqueueLocked(client *Client, data []byte) bool {
	if _, ok := h.clients[client]; !ok {
		return true
	}
	select {
	case client.send <- data:
		return true
	default:
		return false
	}
}

// slow consumers are disconnected rather than silently skipped; they reconnect and pull current state
func (h *Hub) dropSlow(slow []*Client) {
	for _, client := range slow {
		h.logger.WithField("client_id", client.id).Warn("client send buffer full, disconnecting")
		h.disconnect(client, websocket.CloseTryAgainLater)
	}
}

// Snapshot returns the current state of a job, consulting the JobStore once the hub has evicted it.
func (h *Hub) Snapshot(ctx context.Context, id uuid.UUID) (domain.PushJob, error) {
	h.mu.RLock()
	tracked, ok := h.jobs[id]
	h.mu.RUnlock()
	if ok {
		return tracked.job, nil
	}
	if h.store == nil {
		return domain.PushJob{}, fmt.Errorf("%w: push job %s", domain.ErrNotFound, id)
	}
	job, err := h.store.GetByID(ctx, id)
	if err != nil {
		return domain.PushJob{}, err
	}
	h.mu.Lock()
	if _, ok := h.jobs[id]; !ok {
		tracked := &trackedJob{job: job}
		if job.Terminal() {
			tracked.settledAt = h.now()
		}
		h.jobs[id] = tracked
	}
	h.mu.Unlock()
	return job, nil
}

// Active lists jobs that have not reached a terminal state, oldest first.
func (h *Hub) Active() []domain.PushJob {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.activeLocked()
}

func (h *Hub) activeLocked() []domain.PushJob {
	active := []domain.PushJob{}
	for _, tracked := range h.jobs {
		if !tracked.job.Terminal() {
			active = append(active, tracked.job)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].StartedAt.Before(active[j].StartedAt) })
	return active
}

// Register starts delivering to client.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.WithField("client_id", client.id).Info("client registered")
}

// Unregister removes client from every subscription and closes its send channel.
func (h *Hub) Unregister(client *Client) {
	h.disconnect(client, websocket.CloseNormalClosure)
}

func (h *Hub) disconnect(client *Client, code int) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	delete(h.wildcard, client)
	for id, subscribers := range h.byJob {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.byJob, id)
		}
	}
	client.closeCode = code
	close(client.send)
	h.mu.Unlock()
	h.logger.WithField("client_id", client.id).Info("client unregistered")
}

// Subscribe registers interest in one job, or in every job for the wildcard. The subscriber is sent the
// current state straight away so a late subscriber never waits for a transition that already happened.
func (h *Hub) Subscribe(ctx context.Context, client *Client, rawID string) {
	if rawID == "" || rawID == AllJobs {
		h.mu.Lock()
		h.wildcard[client] = struct{}{}
		active := h.activeLocked()
		h.mu.Unlock()
		h.Send(client, MessageActiveJobs, "", active)
		return
	}

	id, err := uuid.Parse(rawID)
	if err != nil {
		h.SendError(client, rawID, "invalid job id")
		return
	}
	job, err := h.Snapshot(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.SendError(client, rawID, "job not found")
		} else {
			h.logger.WithError(err).WithField("job_id", id).Error("failed to load job for subscriber")
			h.SendError(client, rawID, "job state unavailable")
		}
		return
	}

	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	subscribers := h.byJob[id]
	if subscribers == nil {
		subscribers = make(map[*Client]struct{})
		h.byJob[id] = subscribers
	}
	subscribers[client] = struct{}{}
	if tracked, ok := h.jobs[id]; ok {
		job = tracked.job
	}
	var slow []*Client
	if data, err := h.encode(MessageStatus, rawID, job); err == nil && !h.enqueueLocked(client, data) {
		slow = append(slow, client)
	}
	h.mu.Unlock()
	h.dropSlow(slow)
}

// Unsubscribe drops interest in one job or in the wildcard.
func (h *Hub) Unsubscribe(client *Client, rawID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rawID == "" || rawID == AllJobs {
		delete(h.wildcard, client)
		return
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return
	}
	if subscribers, ok := h.byJob[id]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.byJob, id)
		}
	}
}

// Send delivers a single frame to one client.
func (h *Hub) Send(client *Client, kind MessageType, jobID string, data any) {
	encoded, err := h.encode(kind, jobID, data)
	if err != nil {
		h.logger.WithError(err).Error("failed to encode message")
		return
	}
	h.mu.RLock()
	ok := h.enqueueLocked(client, encoded)
	h.mu.RUnlock()
	if !ok {
		h.dropSlow([]*Client{client})
	}
}

func (h *Hub) SendError(client *Client, jobID, message string) {
	h.Send(client, MessageError, jobID, errorData{Message: message})
}

func (h *Hub) encode(kind MessageType, jobID string, data any) ([]byte, error) {
	msg, err := newServerMessage(kind, jobID, data, h.now().UTC())
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// Stats summarises the hub for diagnostics.
type Stats struct {
	Clients       int `json:"clients"`
	TrackedJobs   int `json:"tracked_jobs"`
	ActiveJobs    int `json:"active_jobs"`
	Subscriptions int `json:"subscriptions"`
	Wildcard      int `json:"wildcard_subscribers"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	stats := Stats{
		Clients:     len(h.clients),
		TrackedJobs: len(h.jobs),
		Wildcard:    len(h.wildcard),
	}
	for _, tracked := range h.jobs {
		if !tracked.job.Terminal() {
			stats.ActiveJobs++
		}
	}
	for _, subscribers := range h.byJob {
		stats.Subscriptions += len(subscribers)
	}
	return stats
}
