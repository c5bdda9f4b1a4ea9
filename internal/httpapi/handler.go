// Package httpapi exposes the staging, commit and push pipeline over REST.
package httpapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/rpattn/cvsync/internal/auth"
	"github.com/rpattn/cvsync/internal/commit"
	"github.com/rpattn/cvsync/internal/domain"
	"github.com/rpattn/cvsync/internal/middleware"
	"github.com/rpattn/cvsync/internal/push"
	"github.com/rpattn/cvsync/internal/realtime"
	"github.com/rpattn/cvsync/internal/repository"
	"github.com/rpattn/cvsync/internal/staging"
)

// Dependencies wires the services behind the REST surface. Export, Import and Realtime are optional.
type Dependencies struct {
	Staging    *staging.Service
	Commits    *commit.Service
	Dispatcher *push.Dispatcher
	Hub        *realtime.Hub
	Changes    repository.StagedChangeRepository
	Jobs       repository.PushJobRepository
	Verifier   *auth.Verifier
	Export     http.Handler
	Import     http.Handler
	Realtime   http.Handler
	Logger     logrus.FieldLogger
}

type Server struct {
	staging    *staging.Service
	commits    *commit.Service
	dispatcher *push.Dispatcher
	hub        *realtime.Hub
	jobs       repository.PushJobRepository
	logger     logrus.FieldLogger
	validate   *validator.Validate
}

// NewHandler builds the routed handler with access logging, session verification and per-request
// change loading applied.
func NewHandler(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		staging:    deps.Staging,
		commits:    deps.Commits,
		dispatcher: deps.Dispatcher,
		hub:        deps.Hub,
		jobs:       deps.Jobs,
		logger:     logger.WithField("component", "http"),
		validate:   newValidator(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /v2/staged", s.handleListStaged)
	mux.HandleFunc("DELETE /v2/staged", s.handleClearStaged)
	mux.HandleFunc("POST /v2/stage", s.handleStage)
	mux.HandleFunc("DELETE /v2/staged/{id}", s.handleDeleteStaged)
	mux.HandleFunc("PATCH /v2/staged/{id}", s.handleAmendStaged)
	if deps.Import != nil {
		mux.Handle("POST /v2/stage/import", deps.Import)
	}

	mux.HandleFunc("POST /v2/commit", s.handleCreateCommit)
	mux.HandleFunc("GET /v2/commits", s.handleListCommits)
	mux.HandleFunc("GET /v2/commits/{id}", s.handleGetCommit)
	mux.HandleFunc("GET /v2/commits/{id}/jobs", s.handleCommitJobs)
	if deps.Export != nil {
		mux.Handle("GET /v2/commits/export", deps.Export)
	}

	mux.HandleFunc("POST /v2/push/d1cv", s.handlePushLeg(domain.TargetPortfolio))
	mux.HandleFunc("POST /v2/push/ai", s.handlePushLeg(domain.TargetEnrichment))
	mux.HandleFunc("POST /v2/push", s.handlePush)

	mux.HandleFunc("GET /v2/jobs", s.handleListJobs)
	mux.HandleFunc("GET /v2/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /v2/stats", s.handleStats)

	mux.HandleFunc("GET /api/staged", s.handleLegacyStaged)
	mux.HandleFunc("POST /api/apply/d1cv", s.handleLegacyApply(domain.TargetPortfolio))
	mux.HandleFunc("POST /api/apply/ai", s.handleLegacyApply(domain.TargetEnrichment))

	if deps.Realtime != nil {
		mux.Handle("GET /ws", deps.Realtime)
	}

	var handler http.Handler = mux
	if deps.Changes != nil {
		handler = middleware.DataLoaderMiddleware(deps.Changes)(handler)
	}
	if deps.Verifier != nil {
		handler = deps.Verifier.Middleware(handler)
	}
	return middleware.LoggingMiddleware(logger)(handler)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
