// Package main is the entrypoint for the FrameHunter API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kiranshivaraju/framehunter/internal/ai"
	"github.com/kiranshivaraju/framehunter/internal/api"
	"github.com/kiranshivaraju/framehunter/internal/api/handler"
	mw "github.com/kiranshivaraju/framehunter/internal/api/middleware"
	"github.com/kiranshivaraju/framehunter/internal/backend"
	"github.com/kiranshivaraju/framehunter/internal/chat"
	"github.com/kiranshivaraju/framehunter/internal/config"
	"github.com/kiranshivaraju/framehunter/internal/lifecycle"
	"github.com/kiranshivaraju/framehunter/internal/retrieval"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"store", cfg.Store.Backend,
		"queue", cfg.Queue.Backend,
		"ai_provider", cfg.AI.Provider,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := backend.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	router, err := newRouter(cfg, b)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// newRouter wires the services on top of the opened backends.
func newRouter(cfg *config.Config, b *backend.Backends) (http.Handler, error) {
	provider, err := ai.NewProvider(cfg.AI, b.AWS)
	if err != nil {
		return nil, fmt.Errorf("create AI provider: %w", err)
	}
	slog.Info("AI provider initialized", "provider", provider.Name())

	engine, err := retrieval.NewEngine(b.Store, retrieval.ParamsFromConfig(cfg.Retrieval), b.Generations,
		retrieval.WithStoreTimeout(cfg.Store.Timeout))
	if err != nil {
		return nil, fmt.Errorf("create retrieval engine: %w", err)
	}
	manager := lifecycle.NewManager(b.Store, b.Queue, cfg.Dispatch,
		lifecycle.WithStoreTimeout(cfg.Store.Timeout),
		lifecycle.WithInvalidator(engine),
	)
	orchestrator := chat.NewOrchestrator(engine, b.Store, provider, cfg.Chat, cfg.AI.InferenceTimeout,
		chat.WithStoreTimeout(cfg.Store.Timeout))

	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(b.Store),
		RateLimit: mw.NewRateLimit(b.Cache, cfg.Server.RateLimitPerMin),

		HealthHandler: handler.NewHealthHandler(b.Store, b.Cache),

		CreateJobsHandler: handler.NewCreateJobsHandler(manager),
		ListJobsHandler:   handler.NewListJobsHandler(manager),
		JobStatusHandler:  handler.NewJobStatusHandler(manager),
		GetJobHandler:     handler.NewGetJobHandler(manager),
		DeleteJobHandler:  handler.NewDeleteJobHandler(manager),
		RestartJobHandler: handler.NewRestartJobHandler(manager),
		RequeueJobHandler: handler.NewRequeueJobHandler(manager),
		SessionsHandler:   handler.NewListSessionsHandler(manager),

		SearchHandler:      handler.NewSearchHandler(engine),
		SearchStatsHandler: handler.NewSearchStatsHandler(engine, cfg.AI.Provider),
		AskHandler:         handler.NewAskHandler(orchestrator),
		SuggestionsHandler: handler.NewSuggestionsHandler(),

		RequeueStaleHandler: handler.NewRequeueStaleHandler(manager, cfg.Dispatch.StaleAge),
		ReindexHandler:      handler.NewReindexHandler(manager),
		CreateKeyHandler:    handler.NewCreateKeyHandler(b.Store),
	}), nil
}
