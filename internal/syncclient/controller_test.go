package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/rpattn/cvsync/internal/auth"
	"github.com/rpattn/cvsync/internal/backend"
	"github.com/rpattn/cvsync/internal/commit"
	"github.com/rpattn/cvsync/internal/domain"
	"github.com/rpattn/cvsync/internal/httpapi"
	"github.com/rpattn/cvsync/internal/push"
	"github.com/rpattn/cvsync/internal/realtime"
	"github.com/rpattn/cvsync/internal/repository/memory"
	"github.com/rpattn/cvsync/internal/staging"
)

func newPipelineServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	store := memory.NewStore()
	hub := realtime.NewHub(realtime.WithJobStore(store.PushJobs()), realtime.WithLogger(logger))
	commits := commit.NewService(store.Commits(), store.StagedChanges(), commit.WithLogger(logger))
	sim := backend.Simulated{Latency: 50 * time.Millisecond}
	dispatcher := push.NewDispatcher(commits, store.StagedChanges(), store.PushJobs(),
		backend.SimulatedPortfolio{Simulated: sim}, backend.SimulatedEnrichment{Simulated: sim},
		push.WithPublisher(hub), push.WithLogger(logger))
	verifier, err := auth.NewVerifier(auth.Config{Secret: "sync-secret"}, logger)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	token, err := verifier.Issue(auth.User{ID: "editor"}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	server := httptest.NewServer(httpapi.NewHandler(httpapi.Dependencies{
		Staging:    staging.NewService(store.StagedChanges(), staging.WithLogger(logger)),
		Commits:    commits,
		Dispatcher: dispatcher,
		Hub:        hub,
		Changes:    store.StagedChanges(),
		Jobs:       store.PushJobs(),
		Verifier:   verifier,
		Realtime:   realtime.NewHandler(hub, verifier, nil),
		Logger:     logger,
	}))
	t.Cleanup(func() {
		server.Close()
		cancel()
		waitCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = dispatcher.Wait(waitCtx)
	})
	return server, token
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestControllerFollowsPushToTerminalState(t *testing.T) {
	server, token := newPipelineServer(t)
	logger, _ := logtest.NewNullLogger()
	client, err := NewClient(server.URL, WithToken(token), WithClientLogger(logger))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	controller := NewController(client, WithReconnectDelay(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- controller.Run(ctx) }()
	waitFor(t, "connection", controller.Connected)

	if _, err := controller.Stage(ctx, StageRequest{EntityType: "technology", Action: "CREATE", Target: "both", Payload: json.RawMessage(`{"name":"Go"}`)}); err != nil {
		t.Fatalf("stage: %v", err)
	}
	created, err := controller.CreateCommit(ctx, "add go", nil)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(controller.Staged()) != 0 {
		t.Fatalf("expected committed change to leave the staged view")
	}

	updates, stop := controller.Watch()
	defer stop()
	accepted, err := controller.Push(ctx, created.ID, domain.TargetPortfolio)
	if err != nil {
		t.Fatalf("push: %v", err)
	}

	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case job := <-updates:
			done = job.ID == accepted.JobID && job.Terminal()
		case <-timeout:
			t.Fatalf("no terminal status received")
		}
	}

	job, _ := controller.Job(accepted.JobID)
	if job.OverallStatus != domain.OverallStatusPortfolioDone {
		t.Fatalf("unexpected job status %s", job.OverallStatus)
	}
	merged, _ := controller.CommitState(created.ID)
	if merged.Status != domain.CommitStatusAppliedPortfolio || !merged.PortfolioApplied {
		t.Fatalf("expected optimistic applied_portfolio, got %+v", merged)
	}

	cancel()
	if err := <-runErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestControllerReconnectsAndResubscribes(t *testing.T) {
	jobID, commitID := uuid.New(), uuid.New()
	var connections int32
	subscribed := make(chan string, 4)
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := atomic.AddInt32(&connections, 1)

		var msg realtime.ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		subscribed <- msg.JobID
		if n == 1 {
			// drop without a close frame
			return
		}

		now := time.Now().UTC()
		job := domain.PushJob{
			ID: jobID, CommitID: commitID, Target: domain.TargetEnrichment,
			OverallStatus: domain.OverallStatusEnrichmentDone, PortfolioStatus: domain.LegStatusSkipped,
			EnrichmentStatus: domain.LegStatusSuccess, UpdatedAt: now, CompletedAt: &now,
		}
		data, _ := json.Marshal(job)
		_ = conn.WriteJSON(realtime.ServerMessage{Type: realtime.MessageStatus, JobID: jobID.String(), Data: data, Timestamp: now})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"), time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	controller := NewController(client, WithReconnectDelay(20*time.Millisecond), WithPingInterval(time.Hour))
	controller.Track(jobID, commitID)

	runErr := make(chan error, 1)
	go func() { runErr <- controller.Run(context.Background()) }()

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("expected normal close to end Run cleanly, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("controller did not stop after normal close")
	}

	if got := atomic.LoadInt32(&connections); got != 2 {
		t.Fatalf("expected exactly one reconnect, got %d connections", got)
	}
	for i := 0; i < 2; i++ {
		if id := <-subscribed; id != jobID.String() {
			t.Fatalf("connection %d subscribed to %q", i+1, id)
		}
	}
	job, _ := controller.Job(jobID)
	if !job.Terminal() || job.OverallStatus != domain.OverallStatusEnrichmentDone {
		t.Fatalf("expected terminal job after reconnect, got %+v", job)
	}
}

func TestClientSurfacesAuthRequired(t *testing.T) {
	server, _ := newPipelineServer(t)
	client, err := NewClient(server.URL, WithToken("not-a-token"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.CreateCommit(context.Background(), "msg", nil)
	if !errors.Is(err, domain.ErrAuthRequired) {
		t.Fatalf("expected ErrAuthRequired, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 APIError, got %v", err)
	}

	authed, _ := NewClient(server.URL)
	if _, err := authed.GetCommit(context.Background(), uuid.New()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown commit, got %v", err)
	}
}

func TestControllerStopsOnRejectedSession(t *testing.T) {
	server, _ := newPipelineServer(t)
	client, _ := NewClient(server.URL, WithToken("expired"))
	controller := NewController(client, WithReconnectDelay(10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := controller.Run(ctx); !errors.Is(err, domain.ErrAuthRequired) {
		t.Fatalf("expected ErrAuthRequired, got %v", err)
	}
}
