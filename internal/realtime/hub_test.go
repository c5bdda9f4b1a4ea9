package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rpattn/cvsync/internal/auth"
	"github.com/rpattn/cvsync/internal/domain"
)

func testClient(hub *Hub) *Client {
	client := newClient(hub, nil, "tester")
	hub.Register(client)
	return client
}

func nextMessage(t *testing.T, client *Client) ServerMessage {
	t.Helper()
	select {
	case data, ok := <-client.send:
		if !ok {
			t.Fatalf("client channel closed")
		}
		var msg ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode message: %v", err)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message")
	}
	return ServerMessage{}
}

func decodeJob(t *testing.T, msg ServerMessage) domain.PushJob {
	t.Helper()
	var job domain.PushJob
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	return job
}

func finishedJob(t *testing.T) domain.PushJob {
	t.Helper()
	now := time.Now()
	job := domain.NewPushJob(uuid.New(), domain.TargetPortfolio, "", now)
	if err := job.Transition(domain.LegPortfolio, domain.LegStatusInProgress, nil, now); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := job.Transition(domain.LegPortfolio, domain.LegStatusSuccess, &domain.LegResult{Inserted: 1}, now.Add(time.Second)); err != nil {
		t.Fatalf("transition: %v", err)
	}
	return job
}

func TestLateSubscriberReceivesTerminalState(t *testing.T) {
	hub := NewHub()
	job := finishedJob(t)
	hub.Publish(context.Background(), job)

	client := testClient(hub)
	hub.Subscribe(context.Background(), client, job.ID.String())
	msg := nextMessage(t, client)
	if msg.Type != MessageStatus || msg.JobID != job.ID.String() {
		t.Fatalf("unexpected message %+v", msg)
	}
	got := decodeJob(t, msg)
	if got.OverallStatus != domain.OverallStatusPortfolioDone || got.CompletedAt == nil {
		t.Fatalf("expected terminal state, got %+v", got)
	}
}

type stubStore struct {
	jobs map[uuid.UUID]domain.PushJob
}

func (s stubStore) GetByID(_ context.Context, id uuid.UUID) (domain.PushJob, error) {
	job, ok := s.jobs[id]
	if !ok {
		return domain.PushJob{}, domain.ErrNotFound
	}
	return job, nil
}

func TestSnapshotFallsBackToStoreAfterEviction(t *testing.T) {
	current := time.Now()
	job := finishedJob(t)
	hub := NewHub(
		WithRetention(time.Minute),
		WithClock(func() time.Time { return current }),
		WithJobStore(stubStore{jobs: map[uuid.UUID]domain.PushJob{job.ID: job}}),
	)
	hub.Publish(context.Background(), job)

	current = current.Add(2 * time.Minute)
	if evicted := hub.evictSettled(); evicted != 1 {
		t.Fatalf("expected one eviction, got %d", evicted)
	}
	got, err := hub.Snapshot(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if got.ID != job.ID || !got.Terminal() {
		t.Fatalf("unexpected snapshot %+v", got)
	}
	if _, err := hub.Snapshot(context.Background(), uuid.New()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFanOutToJobAndWildcardSubscribers(t *testing.T) {
	hub := NewHub()
	now := time.Now()
	job := domain.NewPushJob(uuid.New(), domain.TargetBoth, "", now)
	hub.Publish(context.Background(), job)

	first, second, watcher, bystander := testClient(hub), testClient(hub), testClient(hub), testClient(hub)
	hub.Subscribe(context.Background(), first, job.ID.String())
	hub.Subscribe(context.Background(), second, job.ID.String())
	hub.Subscribe(context.Background(), watcher, AllJobs)
	nextMessage(t, first)
	nextMessage(t, second)
	active := nextMessage(t, watcher)
	if active.Type != MessageActiveJobs {
		t.Fatalf("expected active-jobs snapshot, got %s", active.Type)
	}

	if err := job.Transition(domain.LegPortfolio, domain.LegStatusInProgress, nil, now.Add(time.Second)); err != nil {
		t.Fatalf("transition: %v", err)
	}
	hub.Publish(context.Background(), job)
	for _, client := range []*Client{first, second, watcher} {
		got := decodeJob(t, nextMessage(t, client))
		if got.PortfolioStatus != domain.LegStatusInProgress {
			t.Fatalf("expected in-progress, got %s", got.PortfolioStatus)
		}
	}
	select {
	case <-bystander.send:
		t.Fatalf("unsubscribed client received an update")
	default:
	}

	hub.Unsubscribe(first, job.ID.String())
	if err := job.Transition(domain.LegPortfolio, domain.LegStatusSuccess, nil, now.Add(2*time.Second)); err != nil {
		t.Fatalf("transition: %v", err)
	}
	hub.Publish(context.Background(), job)
	nextMessage(t, second)
	select {
	case <-first.send:
		t.Fatalf("client received update after unsubscribe")
	default:
	}
}

func TestStaleTransitionIsIgnored(t *testing.T) {
	hub := NewHub()
	job := finishedJob(t)
	hub.Publish(context.Background(), job)

	stale := job
	stale.PortfolioStatus = domain.LegStatusInProgress
	stale.OverallStatus = domain.OverallStatusInProgress
	stale.CompletedAt = nil
	if hub.apply(stale) {
		t.Fatalf("expected stale state to be rejected")
	}
	got, _ := hub.Snapshot(context.Background(), job.ID)
	if !got.Terminal() {
		t.Fatalf("terminal state regressed: %+v", got)
	}
	if len(hub.Active()) != 0 {
		t.Fatalf("expected no active jobs")
	}
}

func TestSlowClientIsDisconnected(t *testing.T) {
	hub := NewHub()
	client := testClient(hub)
	hub.Subscribe(context.Background(), client, AllJobs)
	for i := 0; i < sendBuffer+1; i++ {
		hub.Publish(context.Background(), domain.NewPushJob(uuid.New(), domain.TargetPortfolio, "", time.Now()))
	}
	if stats := hub.Stats(); stats.Clients != 0 || stats.Wildcard != 0 {
		t.Fatalf("expected slow client to be dropped, got %+v", stats)
	}
	if client.closeCode != websocket.CloseTryAgainLater {
		t.Fatalf("expected try-again-later close code, got %d", client.closeCode)
	}
}

type memoryRelay struct {
	mu   sync.Mutex
	subs []func(domain.PushJob)
}

func (r *memoryRelay) Publish(_ context.Context, job domain.PushJob) error {
	r.mu.Lock()
	subs := append([]func(domain.PushJob){}, r.subs...)
	r.mu.Unlock()
	for _, fn := range subs {
		fn(job)
	}
	return nil
}

func (r *memoryRelay) Subscribe(ctx context.Context, fn func(domain.PushJob)) error {
	r.mu.Lock()
	r.subs = append(r.subs, fn)
	r.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func TestRelayReplicatesAcrossHubs(t *testing.T) {
	relay := &memoryRelay{}
	origin := NewHub(WithRelay(relay))
	replica := NewHub(WithRelay(relay))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go replica.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for {
		relay.mu.Lock()
		ready := len(relay.subs) == 1
		relay.mu.Unlock()
		if ready {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("replica never subscribed to relay")
		}
		time.Sleep(5 * time.Millisecond)
	}

	job := finishedJob(t)
	origin.Publish(context.Background(), job)
	got, err := replica.Snapshot(context.Background(), job.ID)
	if err != nil || got.ID != job.ID {
		t.Fatalf("expected replica to know job, got %+v, %v", got, err)
	}
}

type stubAuthenticator struct{ err error }

func (s stubAuthenticator) Authenticate(*http.Request) (auth.User, error) {
	if s.err != nil {
		return auth.User{}, s.err
	}
	return auth.User{ID: "u-1"}, nil
}

func TestWebsocketRoundTrip(t *testing.T) {
	hub := NewHub()
	job := finishedJob(t)
	hub.Publish(context.Background(), job)

	server := httptest.NewServer(NewHandler(hub, stubAuthenticator{}, nil))
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	read := func() ServerMessage {
		var msg ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		return msg
	}
	if msg := read(); msg.Type != MessageConnected {
		t.Fatalf("expected connected, got %s", msg.Type)
	}

	if err := conn.WriteJSON(ClientMessage{Type: MessagePing}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if msg := read(); msg.Type != MessagePong || msg.Timestamp.IsZero() {
		t.Fatalf("expected pong, got %+v", msg)
	}

	if err := conn.WriteJSON(ClientMessage{Type: MessageSubscribe, JobID: job.ID.String()}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	msg := read()
	if msg.Type != MessageStatus || decodeJob(t, msg).OverallStatus != domain.OverallStatusPortfolioDone {
		t.Fatalf("expected terminal status, got %+v", msg)
	}

	if err := conn.WriteJSON(ClientMessage{Type: MessageSubscribe, JobID: uuid.NewString()}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	if msg := read(); msg.Type != MessageError {
		t.Fatalf("expected error for unknown job, got %s", msg.Type)
	}
}

func TestWebsocketRejectsUnauthenticated(t *testing.T) {
	hub := NewHub()
	server := httptest.NewServer(NewHandler(hub, stubAuthenticator{err: domain.ErrAuthRequired}, nil))
	defer server.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}
