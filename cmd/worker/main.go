// Package main is the entrypoint for the FrameHunter analysis worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/kiranshivaraju/framehunter/internal/analysis"
	"github.com/kiranshivaraju/framehunter/internal/backend"
	"github.com/kiranshivaraju/framehunter/internal/config"
	"github.com/kiranshivaraju/framehunter/internal/media"
	"github.com/kiranshivaraju/framehunter/internal/retrieval"
	"github.com/kiranshivaraju/framehunter/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
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
		"objects", cfg.Objects.Backend,
		"detector", cfg.Detect.Backend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := backend.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	w, err := newWorker(cfg, b)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

// newWorker builds the toolset and wires the retrieval engine as indexer so
// finished jobs invalidate cached searches.
func newWorker(cfg *config.Config, b *backend.Backends) (*worker.Worker, error) {
	objects, err := backend.OpenObjects(cfg.Objects, b.AWS)
	if err != nil {
		return nil, fmt.Errorf("open object store: %w", err)
	}
	detector, err := backend.OpenDetector(cfg.Detect, b.AWS)
	if err != nil {
		return nil, fmt.Errorf("open detector: %w", err)
	}

	tools := analysis.NewToolset(media.NewFFmpeg(cfg.Media), detector, objects, analysisParams(cfg))

	engine, err := retrieval.NewEngine(b.Store, retrieval.ParamsFromConfig(cfg.Retrieval), b.Generations,
		retrieval.WithStoreTimeout(cfg.Store.Timeout))
	if err != nil {
		return nil, fmt.Errorf("create retrieval engine: %w", err)
	}

	return worker.New(worker.Deps{
		Store:   b.Store,
		Queue:   b.Queue,
		Objects: objects,
		Tools:   tools,
		Indexer: engine,
		TempDir: cfg.Media.TempDir,
	}, cfg.Worker), nil
}

func analysisParams(cfg *config.Config) analysis.Params {
	p := analysis.DefaultParams()
	if cfg.Worker.BlackframeThreshold > 0 {
		p.BlackframeThreshold = cfg.Worker.BlackframeThreshold
	}
	if cfg.Detect.MinTextConfidence > 0 {
		p.MinTextConfidence = cfg.Detect.MinTextConfidence
	}
	return p
}
