package cli

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/scholarlab/lectern/internal/config"
	"github.com/scholarlab/lectern/internal/extract"
	"github.com/scholarlab/lectern/internal/history"
	"github.com/scholarlab/lectern/internal/llm"
	"github.com/scholarlab/lectern/internal/notify"
	"github.com/scholarlab/lectern/internal/patterns"
	"github.com/scholarlab/lectern/internal/persona"
	"github.com/scholarlab/lectern/internal/workflow"
)

// app bundles the components a CLI invocation needs. Unlike serve mode it
// skips telemetry and builds everything on demand.
type app struct {
	cfg      *config.Config
	engine   *workflow.Engine
	loader   *persona.Loader
	patterns patterns.Store
	history  *history.Log
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	var store patterns.Store
	if cfg.Database.URL != "" {
		store, err = patterns.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
	} else {
		store = patterns.NewMemoryStore(cfg.DataDir)
	}

	loader := persona.NewLoader(cfg.PersonasDir)
	hist := history.NewLog(cfg.HistoryPath())
	generator := llm.New(llm.ProvidersFromEnv(), cfg.LLM.Timeout(), cfg.LLM.MaxTokens)

	engine := workflow.NewEngine(
		workflow.DefaultRegistry(),
		loader,
		extract.New(0),
		generator,
		store,
		notify.NewService(cfg.Channels),
		hist,
		workflow.Config{
			MaxTokens:            cfg.Guard.MaxTokens,
			PerCallTokenEstimate: cfg.Guard.PerCallTokenEstimate,
			BreachPolicy:         cfg.Guard.BreachPolicy,
		},
	)

	a := &app{
		cfg:      cfg,
		engine:   engine,
		loader:   loader,
		patterns: store,
		history:  hist,
	}
	a.pruneOnce(loader)
	return a, nil
}

// pruneOnce runs one retention cycle at startup so long-lived installs
// shed expired runs without a daemon.
func (a *app) pruneOnce(loader *persona.Loader) {
	if !a.cfg.Retention.Enabled {
		return
	}
	var dirs []string
	for _, name := range loader.ListAvailable() {
		if p, err := loader.Load(name); err == nil {
			dirs = append(dirs, p.OutputDir)
		}
	}
	stats := history.NewJanitor(a.history, dirs, a.cfg.Retention.Days, 0).RunCycle()
	if stats.RecordsPruned > 0 || stats.FilesPruned > 0 {
		log.Info().
			Int("records", stats.RecordsPruned).
			Int("files", stats.FilesPruned).
			Msg("Retention cycle pruned expired runs")
	}
}

func (a *app) close() {
	if err := a.patterns.Close(); err != nil {
		log.Warn().Err(err).Msg("Closing pattern store")
	}
}
