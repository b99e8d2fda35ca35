// Package engine runs the detection loop: fetch every venue's quote, detect
// spreads, and hand each candidate to its own coordinator goroutine.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/crossarb/internal/arbitrage"
	"github.com/alanyoungcy/crossarb/internal/domain"
	"github.com/alanyoungcy/crossarb/internal/executor"
	"github.com/alanyoungcy/crossarb/internal/oracle"
)

// Runner drives one attempt to completion.
type Runner interface {
	Run(ctx context.Context, opp domain.Opportunity) *domain.TradeAttempt
	Resume(ctx context.Context, a *domain.TradeAttempt) *domain.TradeAttempt
}

// CycleObserver receives a report after every detection cycle.
type CycleObserver interface {
	ObserveCycle(r CycleReport)
}

// Config configures the engine.
type Config struct {
	Venues       []domain.Venue
	Prices       domain.PriceProvider
	Detector     *arbitrage.Detector
	Runner       Runner
	Guard        *executor.Guard
	Checkpoints  domain.CheckpointStore // optional
	Quotes       oracle.QuoteObserver   // optional
	Cycles       CycleObserver          // optional
	Interval     time.Duration
	FetchTimeout time.Duration
	Logger       *slog.Logger
}

// CycleReport summarises one detection cycle.
type CycleReport struct {
	At         time.Time     `json:"at"`
	Duration   time.Duration `json:"duration"`
	Quotes     int           `json:"quotes"`
	Excluded   []string      `json:"excluded"`
	Candidates int           `json:"candidates"`
	Launched   int           `json:"launched"`
	Skipped    int           `json:"skipped"`
}

// Engine is the detection loop. Coordinators run in their own goroutines;
// a cycle never waits for them.
type Engine struct {
	venues       []domain.Venue
	prices       domain.PriceProvider
	detector     *arbitrage.Detector
	runner       Runner
	guard        *executor.Guard
	checkpoints  domain.CheckpointStore
	quotes       oracle.QuoteObserver
	cycles       CycleObserver
	interval     time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger

	wg sync.WaitGroup

	mu   sync.RWMutex
	last CycleReport
}

// New creates an engine.
func New(cfg Config) *Engine {
	e := &Engine{
		venues:       cfg.Venues,
		prices:       cfg.Prices,
		detector:     cfg.Detector,
		runner:       cfg.Runner,
		guard:        cfg.Guard,
		checkpoints:  cfg.Checkpoints,
		quotes:       cfg.Quotes,
		cycles:       cfg.Cycles,
		interval:     cfg.Interval,
		fetchTimeout: cfg.FetchTimeout,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       cfg.Logger.With(slog.String("component", "engine")),
	}
	if e.fetchTimeout <= 0 {
		e.fetchTimeout = 5 * time.Second
	}
	if e.guard == nil {
		e.guard = executor.NewGuard(nil, 0, cfg.Logger)
	}
	return e
}

// Run recovers checkpointed attempts, then runs detection cycles until ctx
// is cancelled. It waits for every in-flight coordinator before returning
// ctx.Err().
func (e *Engine) Run(ctx context.Context) error {
	defer e.wg.Wait()

	if _, err := e.Recover(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.logger.InfoContext(ctx, "engine started",
		slog.Int("venues", len(e.venues)),
		slog.Duration("interval", e.interval),
	)
	e.Cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			e.logger.InfoContext(ctx, "engine stopping, waiting for in-flight attempts",
				slog.Int("in_flight", e.guard.Len()),
			)
			return ctx.Err()
		case <-ticker.C:
			e.Cycle(ctx)
		}
	}
}

// Cycle runs one detection pass and returns its report.
func (e *Engine) Cycle(ctx context.Context) CycleReport {
	start := e.now()
	report := CycleReport{At: start}

	quotes, failed := e.fetchAll(ctx)
	report.Quotes = len(quotes)
	report.Excluded = failed

	det := e.detector.Detect(quotes, e.now())
	if e.quotes != nil {
		e.quotes.Observe(det.Accepted, start)
	}
	for _, ex := range det.Excluded {
		report.Excluded = append(report.Excluded, ex.VenueID)
		e.logger.WarnContext(ctx, "venue excluded this cycle",
			slog.String("venue", ex.VenueID),
			slog.String("error", ex.Err.Error()),
		)
	}
	report.Candidates = len(det.Opportunities)

	for _, opp := range det.Opportunities {
		if ctx.Err() != nil {
			break
		}
		if e.launch(ctx, opp) {
			report.Launched++
		} else {
			report.Skipped++
		}
	}

	report.Duration = e.now().Sub(start)
	e.mu.Lock()
	e.last = report
	e.mu.Unlock()
	if e.cycles != nil {
		e.cycles.ObserveCycle(report)
	}
	if report.Candidates > 0 {
		e.logger.InfoContext(ctx, "cycle complete",
			slog.Int("quotes", report.Quotes),
			slog.Int("candidates", report.Candidates),
			slog.Int("launched", report.Launched),
			slog.Int("skipped", report.Skipped),
		)
	}
	return report
}

// fetchAll quotes every venue concurrently. A failed venue is excluded
// from this cycle only.
func (e *Engine) fetchAll(ctx context.Context) (map[string]domain.PriceQuote, []string) {
	var (
		mu     sync.Mutex
		quotes = make(map[string]domain.PriceQuote, len(e.venues))
		failed []string
		g      errgroup.Group
	)
	for _, v := range e.venues {
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
			defer cancel()

			q, err := e.prices.GetPrice(fctx, v.ID, v.Asset)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, v.ID)
				e.logger.WarnContext(ctx, "quote fetch failed",
					slog.String("venue", v.ID),
					slog.String("error", err.Error()),
				)
				return nil
			}
			q.VenueID = v.ID
			quotes[v.ID] = q
			return nil
		})
	}
	_ = g.Wait()
	return quotes, failed
}

// launch claims the pair and starts a coordinator. It reports false when
// the pair is already in flight.
func (e *Engine) launch(ctx context.Context, opp domain.Opportunity) bool {
	pair := opp.PairKey()
	if err := e.guard.Claim(ctx, pair, opp.ID); err != nil {
		if errors.Is(err, domain.ErrPairInFlight) {
			e.logger.DebugContext(ctx, "pair in flight, skipping", slog.String("pair", pair))
		} else {
			e.logger.WarnContext(ctx, "pair claim failed",
				slog.String("pair", pair),
				slog.String("error", err.Error()),
			)
		}
		return false
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.guard.Release(pair)
		e.runner.Run(ctx, opp)
	}()
	return true
}

// Recover resumes every checkpointed attempt in its own goroutine, holding
// its pair for the duration. It returns how many were resumed.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	if e.checkpoints == nil {
		return 0, nil
	}
	pending, err := e.checkpoints.LoadCheckpoints(ctx)
	if err != nil {
		return 0, err
	}

	for _, a := range pending {
		pair := a.Opportunity.PairKey()
		// recovery runs before the first cycle, so only another process can
		// hold the pair; resume anyway since the legs are already ours
		if err := e.guard.Claim(ctx, pair, a.Opportunity.ID); err != nil {
			e.logger.WarnContext(ctx, "recovering attempt without pair claim",
				slog.String("attempt_id", a.ID),
				slog.String("pair", pair),
				slog.String("error", err.Error()),
			)
			pair = ""
		}
		e.logger.InfoContext(ctx, "recovering attempt",
			slog.String("attempt_id", a.ID),
			slog.String("state", string(a.State)),
		)

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if pair != "" {
				defer e.guard.Release(pair)
			}
			e.runner.Resume(ctx, a)
		}()
	}
	return len(pending), nil
}

// Wait blocks until every launched coordinator has returned.
func (e *Engine) Wait() { e.wg.Wait() }

// LastCycle returns the most recent cycle report.
func (e *Engine) LastCycle() CycleReport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last
}

// InFlight lists the pairs currently held.
func (e *Engine) InFlight() []executor.InFlightEntry {
	return e.guard.Snapshot()
}
