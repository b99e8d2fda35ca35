// Package ledger keeps the append-only record of terminal trade attempts
// and the profit statistics derived from it.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

// Signal bus channel and stream that carry recorded attempts.
const (
	EventChannel = "crossarb:attempts"
	EventStream  = "crossarb:attempts:stream"
)

// Archiver copies a recorded attempt to cold storage.
type Archiver interface {
	Archive(ctx context.Context, attempt *domain.TradeAttempt) error
}

// Alerter is told about attempts an operator has to look at.
type Alerter interface {
	Alert(ctx context.Context, attempt *domain.TradeAttempt) error
}

// Config wires a Ledger. Only Store is required.
type Config struct {
	Store       domain.AttemptStore
	Bus         domain.SignalBus
	Audit       domain.AuditStore
	Archiver    Archiver
	Alerter     Alerter
	RecentLimit int
	RecentTTL   time.Duration
	Logger      *slog.Logger
}

// Ledger records terminal attempts exactly once by id. Writes are
// serialized; reads may run concurrently with them.
type Ledger struct {
	store    domain.AttemptStore
	bus      domain.SignalBus
	audit    domain.AuditStore
	archiver Archiver
	alerter  Alerter
	logger   *slog.Logger

	recentLimit int
	recentTTL   time.Duration
	now         func() time.Time

	writeMu sync.Mutex

	mu     sync.RWMutex
	agg    aggregate
	recent []*domain.TradeAttempt
}

type aggregate struct {
	total       int
	successes   int
	partials    int
	rejected    int
	totalProfit decimal.Decimal
	exposure    decimal.Decimal
}

func (a *aggregate) add(t *domain.TradeAttempt) {
	a.total++
	switch t.Outcome {
	case domain.OutcomeSuccess:
		a.successes++
		a.totalProfit = a.totalProfit.Add(t.Profit)
	case domain.OutcomePartialFailure:
		a.partials++
		a.exposure = a.exposure.Add(t.LossEstimate)
	default:
		a.rejected++
	}
}

// New creates a ledger. Call Load before serving reads so that statistics
// include attempts recorded by earlier runs.
func New(cfg Config) *Ledger {
	l := &Ledger{
		store:       cfg.Store,
		bus:         cfg.Bus,
		audit:       cfg.Audit,
		archiver:    cfg.Archiver,
		alerter:     cfg.Alerter,
		logger:      cfg.Logger.With(slog.String("component", "ledger")),
		recentLimit: cfg.RecentLimit,
		recentTTL:   cfg.RecentTTL,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if l.recentLimit <= 0 {
		l.recentLimit = 500
	}
	if l.recentTTL <= 0 {
		l.recentTTL = 24 * time.Hour
	}
	return l
}

// Load rebuilds statistics and the recent view from durable storage.
func (l *Ledger) Load(ctx context.Context) error {
	all, err := l.store.List(ctx, domain.ListOpts{})
	if err != nil {
		return fmt.Errorf("ledger: load: %w", err)
	}
	sortByCompletion(all)

	var agg aggregate
	for _, a := range all {
		agg.add(a)
	}

	l.mu.Lock()
	l.agg = agg
	l.recent = nil
	for _, a := range all {
		l.appendRecentLocked(a)
	}
	l.mu.Unlock()

	l.logger.InfoContext(ctx, "ledger loaded",
		slog.Int("attempts", agg.total),
		slog.String("total_profit", agg.totalProfit.String()),
	)
	return nil
}

// Record appends a terminal attempt. Recording an id that is already in the
// ledger is a no-op and returns nil.
func (l *Ledger) Record(ctx context.Context, attempt *domain.TradeAttempt) error {
	if attempt == nil || !attempt.IsTerminal() {
		return fmt.Errorf("ledger: record: attempt is not terminal")
	}
	a := attempt.Clone()

	l.writeMu.Lock()
	inserted, err := l.store.Insert(ctx, a)
	if err != nil {
		l.writeMu.Unlock()
		return fmt.Errorf("ledger: record %s: %w", a.ID, err)
	}
	if !inserted {
		l.writeMu.Unlock()
		l.logger.DebugContext(ctx, "attempt already recorded", slog.String("attempt_id", a.ID))
		return nil
	}
	l.mu.Lock()
	l.agg.add(a)
	l.appendRecentLocked(a)
	l.mu.Unlock()
	l.writeMu.Unlock()

	l.afterRecord(ctx, a)
	return nil
}

// afterRecord runs the side effects of a first insert. Their failures are
// logged; the ledger entry already stands.
func (l *Ledger) afterRecord(ctx context.Context, a *domain.TradeAttempt) {
	if l.bus != nil {
		payload, err := json.Marshal(domain.EventFor(a, l.now()))
		if err == nil {
			if err := l.bus.Publish(ctx, EventChannel, payload); err != nil {
				l.warn(ctx, "publish attempt event failed", a, err)
			}
			if err := l.bus.StreamAppend(ctx, EventStream, payload); err != nil {
				l.warn(ctx, "append attempt stream failed", a, err)
			}
		}
	}

	if l.audit != nil {
		detail := map[string]any{
			"attempt_id": a.ID,
			"pair":       a.Opportunity.PairKey(),
			"state":      string(a.State),
			"outcome":    string(a.Outcome),
			"amount":     a.Amount.String(),
			"profit":     a.Profit.String(),
		}
		if a.Reason != "" {
			detail["reason"] = a.Reason
		}
		if err := l.audit.Log(ctx, "attempt_recorded", detail); err != nil {
			l.warn(ctx, "audit log failed", a, err)
		}
	}

	if l.archiver != nil {
		if err := l.archiver.Archive(ctx, a); err != nil {
			l.warn(ctx, "archive attempt failed", a, err)
		}
	}

	if l.alerter != nil && needsOperator(a) {
		if err := l.alerter.Alert(ctx, a); err != nil {
			l.warn(ctx, "alert failed", a, err)
		}
	}
}

func needsOperator(a *domain.TradeAttempt) bool {
	return a.Outcome == domain.OutcomePartialFailure || a.State == domain.StateLeg1TimedOut
}

func (l *Ledger) warn(ctx context.Context, msg string, a *domain.TradeAttempt, err error) {
	l.logger.WarnContext(ctx, msg,
		slog.String("attempt_id", a.ID),
		slog.String("error", err.Error()),
	)
}

func (l *Ledger) appendRecentLocked(a *domain.TradeAttempt) {
	l.recent = append(l.recent, a)
	cutoff := l.now().Add(-l.recentTTL)
	drop := 0
	for drop < len(l.recent) && completedAt(l.recent[drop]).Before(cutoff) {
		drop++
	}
	if over := len(l.recent) - drop - l.recentLimit; over > 0 {
		drop += over
	}
	if drop > 0 {
		l.recent = append(l.recent[:0:0], l.recent[drop:]...)
	}
}

// TotalProfit is the sum of profit over successful attempts.
func (l *Ledger) TotalProfit() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.agg.totalProfit
}

// SuccessRate is successes over all terminal attempts, 0 when empty.
func (l *Ledger) SuccessRate() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return ratio(decimal.NewFromInt(int64(l.agg.successes)), l.agg.total)
}

// AverageProfit is total profit over successful attempts, 0 when empty.
func (l *Ledger) AverageProfit() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return ratio(l.agg.totalProfit, l.agg.successes)
}

// Stats returns all aggregates in one consistent snapshot.
func (l *Ledger) Stats() domain.LedgerStats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return domain.LedgerStats{
		TotalProfit:     l.agg.totalProfit,
		TotalTrades:     l.agg.total,
		Successes:       l.agg.successes,
		PartialFailures: l.agg.partials,
		Rejected:        l.agg.rejected,
		SuccessRate:     ratio(decimal.NewFromInt(int64(l.agg.successes)), l.agg.total),
		AverageProfit:   ratio(l.agg.totalProfit, l.agg.successes),
		Exposure:        l.agg.exposure,
	}
}

// Recent returns up to limit attempts from the recent view, newest first.
func (l *Ledger) Recent(limit int) []*domain.TradeAttempt {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.recent)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*domain.TradeAttempt, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.recent[i].Clone())
	}
	return out
}

// Get returns one attempt by id, looking in durable storage when it has
// aged out of the recent view.
func (l *Ledger) Get(ctx context.Context, id string) (*domain.TradeAttempt, error) {
	l.mu.RLock()
	for _, a := range l.recent {
		if a.ID == id {
			l.mu.RUnlock()
			return a.Clone(), nil
		}
	}
	l.mu.RUnlock()

	a, err := l.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("ledger: get %s: %w", id, err)
	}
	return a, nil
}

func ratio(num decimal.Decimal, den int) decimal.Decimal {
	if den == 0 {
		return decimal.Zero
	}
	return num.Div(decimal.NewFromInt(int64(den)))
}

func completedAt(a *domain.TradeAttempt) time.Time {
	if a.CompletedAt != nil {
		return *a.CompletedAt
	}
	return a.CreatedAt
}

func sortByCompletion(as []*domain.TradeAttempt) {
	sort.SliceStable(as, func(i, j int) bool {
		return completedAt(as[i]).Before(completedAt(as[j]))
	})
}
