// Package server wires Lectern's components into a ready-to-serve HTTP
// handler. It is the composition root shared by `lectern serve` and any
// embedder that wants the engine behind its own listener.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/scholarlab/lectern/internal/api"
	"github.com/scholarlab/lectern/internal/api/handlers"
	"github.com/scholarlab/lectern/internal/config"
	"github.com/scholarlab/lectern/internal/extract"
	"github.com/scholarlab/lectern/internal/history"
	"github.com/scholarlab/lectern/internal/llm"
	"github.com/scholarlab/lectern/internal/notify"
	"github.com/scholarlab/lectern/internal/patterns"
	"github.com/scholarlab/lectern/internal/persona"
	"github.com/scholarlab/lectern/internal/telemetry"
	"github.com/scholarlab/lectern/internal/workflow"
)

// Server holds the initialized Lectern stack.
type Server struct {
	Handler http.Handler
	Engine  *workflow.Engine
	Config  *config.Config
	Port    int

	patterns patterns.Store
	shutdown func(context.Context) error
}

// New initializes every component from configuration and returns a ready
// Server. The caller owns the listener and should call Close on shutdown.
func New(ctx context.Context) (*Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig initializes the stack with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	providers := llm.ProvidersFromEnv()
	if len(providers) == 0 {
		log.Warn().Msg("No LLM providers configured, runs will fail at generation")
	}
	generator := llm.New(providers, cfg.LLM.Timeout(), cfg.LLM.MaxTokens)

	store, err := newPatternStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init pattern store: %w", err)
	}

	loader := persona.NewLoader(cfg.PersonasDir)
	hist := history.NewLog(cfg.HistoryPath())
	notifier := notify.NewService(cfg.Channels)

	engine := workflow.NewEngine(
		workflow.DefaultRegistry(),
		loader,
		extract.New(0),
		generator,
		store,
		notifier,
		hist,
		workflow.Config{
			MaxTokens:            cfg.Guard.MaxTokens,
			PerCallTokenEstimate: cfg.Guard.PerCallTokenEstimate,
			BreachPolicy:         cfg.Guard.BreachPolicy,
		},
	)

	if cfg.Retention.Enabled {
		janitor := history.NewJanitor(hist, outputDirs(loader), cfg.Retention.Days, 0)
		go janitor.Start(ctx)
	}

	h := handlers.New(engine, loader, store, hist)

	return &Server{
		Handler:  api.NewRouter(cfg, h),
		Engine:   engine,
		Config:   cfg,
		Port:     cfg.Port,
		patterns: store,
		shutdown: shutdown,
	}, nil
}

// Close flushes telemetry and releases the pattern store.
func (s *Server) Close(ctx context.Context) error {
	var firstErr error
	if err := s.patterns.Close(); err != nil {
		firstErr = err
	}
	if s.shutdown != nil {
		if err := s.shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// newPatternStore selects Postgres when a database URL is configured,
// falling back to the snapshotting in-memory store.
func newPatternStore(ctx context.Context, cfg *config.Config) (patterns.Store, error) {
	if cfg.Database.URL != "" {
		store, err := patterns.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Postgres pattern store initialized")
		return store, nil
	}
	log.Info().Str("dir", cfg.DataDir).Msg("In-memory pattern store initialized")
	return patterns.NewMemoryStore(cfg.DataDir), nil
}

// outputDirs collects per-persona output directories for retention pruning.
func outputDirs(loader *persona.Loader) []string {
	names := loader.ListAvailable()
	dirs := make([]string, 0, len(names))
	for _, name := range names {
		p, err := loader.Load(name)
		if err != nil {
			continue
		}
		dirs = append(dirs, p.OutputDir)
	}
	return dirs
}
