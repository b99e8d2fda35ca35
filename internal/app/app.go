// Package app provides the top-level application lifecycle for the
// arbitrage engine. It wires storage, caches, venues and the execution
// stack together and runs the configured operating mode.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/alanyoungcy/crossarb/internal/config"
	"github.com/alanyoungcy/crossarb/internal/domain"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	out     io.Writer
	closers []func()
}

// New creates a new App from the given configuration and logger. In paper
// mode every venue is rewritten to a simulated one.
func New(cfg *config.Config, logger *slog.Logger) *App {
	if strings.ToLower(cfg.Mode) == "paper" {
		cfg = paperConfig(cfg)
	}
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
		out:    os.Stdout,
	}
}

// Run is the main entry point. It wires all dependencies, selects the
// operating mode, and blocks until the mode returns. Cleanup runs on Close.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.Log.Level),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch strings.ToLower(a.cfg.Mode) {
	case "engine":
		return a.EngineMode(ctx, deps)
	case "paper":
		return a.PaperMode(ctx, deps)
	case "stats":
		return a.StatsMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// paperConfig returns a copy of cfg with every venue simulated. Pool
// addresses, fees and bounds are kept so notes and sizing match a live run.
func paperConfig(cfg *config.Config) *config.Config {
	out := *cfg
	out.Mode = "paper"
	out.Venues = make([]config.VenueConfig, len(cfg.Venues))
	copy(out.Venues, cfg.Venues)
	for i := range out.Venues {
		out.Venues[i].Kind = string(domain.VenueKindPaper)
	}
	return &out
}
