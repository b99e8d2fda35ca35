package app

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/crossarb/internal/arbitrage"
	"github.com/alanyoungcy/crossarb/internal/crypto"
	"github.com/alanyoungcy/crossarb/internal/domain"
	"github.com/alanyoungcy/crossarb/internal/engine"
	"github.com/alanyoungcy/crossarb/internal/executor"
	"github.com/alanyoungcy/crossarb/internal/ledger"
	"github.com/alanyoungcy/crossarb/internal/metrics"
	"github.com/alanyoungcy/crossarb/internal/notify"
	"github.com/alanyoungcy/crossarb/internal/oracle"
	"github.com/alanyoungcy/crossarb/internal/privacy"
	"github.com/alanyoungcy/crossarb/internal/server"
	"github.com/alanyoungcy/crossarb/internal/server/handler"
	"github.com/alanyoungcy/crossarb/internal/server/ws"
	"github.com/alanyoungcy/crossarb/internal/venue"
)

// runtime is the assembled trading stack shared by engine and paper mode.
type runtime struct {
	venues    *venue.Set
	ledger    *ledger.Ledger
	validator *arbitrage.Validator
	guard     *executor.Guard
	engine    *engine.Engine
	metrics   *metrics.Collector
	hub       *ws.Hub
}

// EngineMode runs the detection loop and, when enabled, the HTTP API until
// ctx is cancelled.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting engine mode",
		slog.Int("venues", len(a.cfg.Venues)),
	)

	rt, err := a.buildRuntime(ctx, deps)
	if err != nil {
		return err
	}
	defer rt.venues.Close()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return rt.venues.Run(ctx)
	})
	g.Go(func() error {
		return rt.engine.Run(ctx)
	})

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, rt)
	}

	return g.Wait()
}

// PaperMode is engine mode against simulated venues. The configuration was
// already rewritten by paperConfig before wiring.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.WarnContext(ctx, "paper mode: every venue is simulated, no real orders are sent")
	return a.EngineMode(ctx, deps)
}

// statsReport is what stats mode prints.
type statsReport struct {
	Ledger domain.LedgerStats `json:"ledger"`
	Export string             `json:"export,omitempty"`
}

// StatsMode prints the ledger statistics as JSON and returns. With an
// archive configured the full ledger is also exported as one JSONL object.
func (a *App) StatsMode(ctx context.Context, deps *Dependencies) error {
	l := ledger.New(ledger.Config{
		Store:       deps.AttemptStore,
		RecentLimit: a.cfg.Ledger.RecentLimit,
		RecentTTL:   a.cfg.Ledger.RecentTTL.Duration,
		Logger:      a.logger,
	})
	if err := l.Load(ctx); err != nil {
		return fmt.Errorf("app: stats: %w", err)
	}

	report := statsReport{Ledger: l.Stats()}
	if deps.Archiver != nil {
		all, err := deps.AttemptStore.List(ctx, domain.ListOpts{})
		if err != nil {
			return fmt.Errorf("app: stats: list attempts: %w", err)
		}
		key, err := deps.Archiver.Export(ctx, all, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("app: stats: %w", err)
		}
		report.Export = key
	}

	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// buildRuntime assembles venues, oracle, privacy, validator, ledger,
// coordinator and engine from the configuration and wired backends.
func (a *App) buildRuntime(ctx context.Context, deps *Dependencies) (*runtime, error) {
	cfg := a.cfg
	venues := cfg.DomainVenues()

	set, err := venue.DefaultRegistry().Build(ctx, cfg.Venues, venues, venue.Deps{Logger: a.logger})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	router := venue.NewRouter(venue.RouterConfig{
		Sources: set.Sources,
		Cache:   deps.QuoteCache,
		MaxAge:  cfg.Monitoring.QuoteStaleness.Duration,
		Logger:  a.logger,
	})

	var (
		predictor domain.PredictionOracle
		observer  oracle.QuoteObserver
	)
	switch cfg.Oracle.Kind {
	case "static":
		predictor = oracle.Static{}
	default:
		m := oracle.NewMomentum(oracle.MomentumConfig{
			Tracker: oracle.NewPriceTracker(cfg.Monitoring.HistoryWindow.Duration, cfg.Monitoring.MaxHistory),
			Horizon: cfg.Oracle.Horizon.Duration,
			Logger:  a.logger,
		})
		predictor, observer = m, m
	}

	proverKey, err := a.proverKey(ctx)
	if err != nil {
		set.Close()
		return nil, err
	}

	families := make(map[string]privacy.Family, len(cfg.Venues))
	for _, vc := range cfg.Venues {
		if vc.Family != "" {
			families[vc.ID] = privacy.Family(vc.Family)
		}
	}
	preparer := privacy.NewPreparer(privacy.PreparerConfig{
		Venues:       venues,
		Families:     families,
		Asset:        cfg.Trading.Asset,
		Prover:       crypto.NewCommitmentProver(crypto.NewSigner(proverKey)),
		ProofTimeout: cfg.Monitoring.ProofTimeout.Duration,
		Logger:       a.logger,
	})

	validator := arbitrage.NewValidator(arbitrage.ValidatorConfig{
		Oracle:          predictor,
		Venues:          venues,
		TransferFee:     cfg.Trading.TransferFee.Decimal,
		MinProfitMargin: cfg.Trading.MinProfitMargin.Decimal,
		Logger:          a.logger,
	})

	lcfg := ledger.Config{
		Store:       deps.AttemptStore,
		Bus:         deps.SignalBus,
		Audit:       deps.AuditStore,
		Alerter:     notify.NewAttemptAlerter(deps.Notifier),
		RecentLimit: cfg.Ledger.RecentLimit,
		RecentTTL:   cfg.Ledger.RecentTTL.Duration,
		Logger:      a.logger,
	}
	if deps.Archiver != nil {
		lcfg.Archiver = deps.Archiver
	}
	l := ledger.New(lcfg)
	if err := l.Load(ctx); err != nil {
		set.Close()
		return nil, fmt.Errorf("app: %w", err)
	}

	guard := executor.NewGuard(deps.LockManager, cfg.Monitoring.PairLockTTL.Duration, a.logger)
	collector := metrics.New(guard.Len)
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      cfg.Mode,
		BusTopic:  ledger.EventChannel,
		BusStream: ledger.EventStream,
		StartedAt: time.Now().UTC(),
	})

	coordinator := executor.NewCoordinator(executor.CoordinatorConfig{
		Validator:      validator,
		Preparer:       preparer,
		Adapters:       set.Adapters,
		Prices:         router,
		Recorder:       l,
		Checkpoints:    deps.Checkpoints,
		Observer:       executor.Observers{collector, hub},
		Asset:          cfg.Trading.Asset,
		MinAmount:      cfg.Trading.MinAmount.Decimal,
		MaxAmount:      cfg.Trading.MaxAmount.Decimal,
		PollInterval:   cfg.Monitoring.ConfirmationInterval.Duration,
		MaxPolls:       cfg.Monitoring.MaxConfirmationAttempts,
		AdapterTimeout: cfg.Monitoring.AdapterTimeout.Duration,
		Logger:         a.logger,
	})

	ecfg := engine.Config{
		Venues:       venues,
		Prices:       router,
		Detector:     arbitrage.NewDetector(arbitrage.DetectorConfig{MinSpread: cfg.Trading.MinSpread.Decimal, Staleness: cfg.Monitoring.QuoteStaleness.Duration}),
		Runner:       coordinator,
		Guard:        guard,
		Checkpoints:  deps.Checkpoints,
		Cycles:       collector,
		Interval:     cfg.Monitoring.DetectionInterval.Duration,
		FetchTimeout: cfg.Monitoring.AdapterTimeout.Duration,
		Logger:       a.logger,
	}
	if observer != nil {
		ecfg.Quotes = observer
	}

	return &runtime{
		venues:    set,
		ledger:    l,
		validator: validator,
		guard:     guard,
		engine:    engine.New(ecfg),
		metrics:   collector,
		hub:       hub,
	}, nil
}

// proverKey loads the proof signing key. Paper mode falls back to a
// throwaway key when none is configured.
func (a *App) proverKey(ctx context.Context) (*ecdsa.PrivateKey, error) {
	p := a.cfg.Privacy
	key, err := crypto.LoadSigningKey(crypto.KeySource{
		Hex:      p.ProverKeyHex,
		File:     p.ProverKeyFile,
		Password: p.ProverKeyPassword,
	})
	if err == nil {
		return key, nil
	}
	if a.cfg.Mode != "paper" || p.ProverKeyHex != "" || p.ProverKeyFile != "" {
		return nil, fmt.Errorf("app: prover key: %w", err)
	}
	a.logger.WarnContext(ctx, "paper mode: no prover key configured, using an ephemeral key")
	key, err = ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("app: ephemeral prover key: %w", err)
	}
	return key, nil
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, rt *runtime) {
	handlers := server.Handlers{
		Health:   handler.NewHealthHandler(a.cfg.Mode, deps.Health, a.logger),
		Attempts: handler.NewAttemptHandler(rt.ledger, deps.AttemptStore, a.logger),
		Stats:    handler.NewStatsHandler(rt.ledger, rt.validator, rt.engine, a.logger),
		Metrics:  rt.metrics.Handler(),
	}
	srv := server.NewServer(server.Config{
		Port:         a.cfg.Server.Port,
		CORSOrigins:  a.cfg.Server.CORSOrigins,
		APIKey:       a.cfg.Server.APIKey,
		RateLimitRPS: a.cfg.Server.RateLimitRPS,
	}, handlers, rt.hub, a.logger)

	g.Go(func() error {
		return rt.hub.Run(ctx)
	})

	g.Go(func() error {
		port := a.cfg.Server.Port
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
