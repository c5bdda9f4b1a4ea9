package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rpattn/cvsync/internal/auth"
	"github.com/rpattn/cvsync/internal/backend"
	"github.com/rpattn/cvsync/internal/commit"
	"github.com/rpattn/cvsync/internal/config"
	"github.com/rpattn/cvsync/internal/db"
	"github.com/rpattn/cvsync/internal/export"
	"github.com/rpattn/cvsync/internal/httpapi"
	"github.com/rpattn/cvsync/internal/ingestion"
	"github.com/rpattn/cvsync/internal/push"
	"github.com/rpattn/cvsync/internal/realtime"
	"github.com/rpattn/cvsync/internal/repository"
	"github.com/rpattn/cvsync/internal/repository/memory"
	"github.com/rpattn/cvsync/internal/staging"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and job status websocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, newLogger(cfg))
		},
	}
}

type stores struct {
	changes repository.StagedChangeRepository
	commits repository.CommitRepository
	jobs    repository.PushJobRepository
	close   func()
}

func openStores(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (stores, error) {
	if cfg.Storage.Driver == config.StorageMemory {
		logger.Warn("using in-memory storage, staged changes are lost on restart")
		store := memory.NewStore()
		return stores{
			changes: store.StagedChanges(),
			commits: store.Commits(),
			jobs:    store.PushJobs(),
			close:   func() {},
		}, nil
	}

	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		return stores{}, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.RunMigrations(conn.Pool, db.MigrateUp, logger); err != nil {
		conn.Close()
		return stores{}, fmt.Errorf("failed to run migrations: %w", err)
	}
	return stores{
		changes: repository.NewStagedChangeRepository(conn.Pool),
		commits: repository.NewCommitRepository(conn.Pool),
		jobs:    repository.NewPushJobRepository(conn.Pool),
		close:   conn.Close,
	}, nil
}

func newBackends(cfg config.Config, logger logrus.FieldLogger) (push.PortfolioBackend, push.EnrichmentBackend, error) {
	var (
		portfolio  push.PortfolioBackend
		enrichment push.EnrichmentBackend
	)
	simulated := backend.Simulated{Latency: 500 * time.Millisecond, Logger: logger}

	if cfg.Portfolio.BaseURL == "" {
		logger.Warn("portfolio base_url not set, using simulated backend")
		portfolio = backend.SimulatedPortfolio{Simulated: simulated}
	} else {
		p, err := backend.NewPortfolio(cfg.Portfolio, logger)
		if err != nil {
			return nil, nil, err
		}
		portfolio = p
	}

	if cfg.Enrichment.BaseURL == "" {
		logger.Warn("enrichment base_url not set, using simulated backend")
		enrichment = backend.SimulatedEnrichment{Simulated: simulated}
	} else {
		e, err := backend.NewEnrichment(cfg.Enrichment, logger)
		if err != nil {
			return nil, nil, err
		}
		enrichment = e
	}
	return portfolio, enrichment, nil
}

func serve(parent context.Context, cfg config.Config, logger *logrus.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	verifier, err := auth.NewVerifier(cfg.Auth, logger)
	if err != nil {
		return err
	}
	if cfg.Auth.Disabled {
		logger.Warn("session verification disabled, every request acts as the local user")
	}

	portfolio, enrichment, err := newBackends(cfg, logger)
	if err != nil {
		return err
	}

	hubOpts := []realtime.Option{
		realtime.WithJobStore(st.jobs),
		realtime.WithRetention(cfg.Realtime.Retention),
		realtime.WithTiming(cfg.Realtime.Timing),
		realtime.WithLogger(logger),
	}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
		}
		hubOpts = append(hubOpts, realtime.WithRelay(realtime.NewRedisRelay(rdb, cfg.Redis.Channel, logger)))
	}
	hub := realtime.NewHub(hubOpts...)

	stagingService := staging.NewService(st.changes, staging.WithLogger(logger))
	commitService := commit.NewService(st.commits, st.changes, commit.WithLogger(logger))
	dispatcher := push.NewDispatcher(commitService, st.changes, st.jobs, portfolio, enrichment,
		push.WithJobTimeout(cfg.Push.JobTimeout),
		push.WithRunnerID(cfg.Push.RunnerID),
		push.WithPublisher(hub),
		push.WithLogger(logger),
	)

	if _, err := dispatcher.RecoverInterrupted(ctx); err != nil {
		logger.WithError(err).Error("failed to recover interrupted push jobs")
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	exportService := export.NewService(st.commits, st.changes, export.WithLogger(logger))
	api := httpapi.NewHandler(httpapi.Dependencies{
		Staging:    stagingService,
		Commits:    commitService,
		Dispatcher: dispatcher,
		Hub:        hub,
		Changes:    st.changes,
		Jobs:       st.jobs,
		Verifier:   verifier,
		Export:     export.NewHTTPHandler(exportService),
		Import:     ingestion.NewHTTPHandler(ingestion.NewService(stagingService, logger)),
		Realtime:   realtime.NewHandler(hub, verifier, cfg.Server.AllowedOrigins),
		Logger:     logger,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      corsHandler.Handler(api),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"addr":    cfg.Server.Addr,
			"storage": cfg.Storage.Driver,
		}).Info("starting cvsync server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server forced to shutdown")
	}
	if err := dispatcher.Wait(shutdownCtx); err != nil {
		logger.WithError(err).Warn("push jobs still running at shutdown")
	}
	logger.Info("server exited")
	return nil
}
