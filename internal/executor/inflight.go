package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

// InFlightEntry describes the attempt currently holding a pair.
type InFlightEntry struct {
	Pair          string    `json:"pair"`
	OpportunityID string    `json:"opportunity_id"`
	Since         time.Time `json:"since"`
}

type claim struct {
	entry InFlightEntry
	lock  domain.Lock
	stop  chan struct{}
	done  chan struct{}
}

// Guard allows at most one in-flight attempt per ordered venue pair. A
// second claim for a held pair is refused, never queued. When a
// LockManager is set the claim is also taken across processes, and the
// lock is refreshed every ttl/3 until Release.
type Guard struct {
	mu   sync.Mutex
	held map[string]*claim

	locks  domain.LockManager
	ttl    time.Duration
	logger *slog.Logger
}

// NewGuard creates a guard. locks may be nil for a single process.
func NewGuard(locks domain.LockManager, ttl time.Duration, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		held:   make(map[string]*claim),
		locks:  locks,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "inflight")),
	}
}

// Claim reserves pair for the opportunity oppID. It returns domain.ErrPairInFlight when
// the pair is already held locally or by another process.
func (g *Guard) Claim(ctx context.Context, pair, oppID string) error {
	c := &claim{entry: InFlightEntry{Pair: pair, OpportunityID: oppID, Since: time.Now().UTC()}}

	g.mu.Lock()
	if _, busy := g.held[pair]; busy {
		g.mu.Unlock()
		return domain.ErrPairInFlight
	}
	g.held[pair] = c
	g.mu.Unlock()

	if g.locks == nil {
		return nil
	}
	lk, err := g.locks.Acquire(ctx, "pair:"+pair, g.ttl)
	if err != nil {
		g.mu.Lock()
		delete(g.held, pair)
		g.mu.Unlock()
		if errors.Is(err, domain.ErrLockHeld) {
			return domain.ErrPairInFlight
		}
		return fmt.Errorf("executor: lock pair %s: %w", pair, err)
	}

	g.mu.Lock()
	c.lock = lk
	if g.ttl > 0 {
		c.stop = make(chan struct{})
		c.done = make(chan struct{})
		go g.keepAlive(pair, lk, c.stop, c.done)
	}
	g.mu.Unlock()
	return nil
}

// keepAlive extends the pair lock until stop is closed or the lock is lost.
func (g *Guard) keepAlive(pair string, lk domain.Lock, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := g.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := lk.Refresh(ctx, g.ttl)
			cancel()
			if err == nil {
				continue
			}
			if errors.Is(err, domain.ErrLockLost) {
				g.logger.Error("pair lock lost while attempt in flight",
					slog.String("pair", pair),
					slog.String("error", err.Error()),
				)
				return
			}
			g.logger.Warn("pair lock refresh failed",
				slog.String("pair", pair),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Release frees pair.
func (g *Guard) Release(pair string) {
	g.mu.Lock()
	c := g.held[pair]
	delete(g.held, pair)
	g.mu.Unlock()

	if c == nil {
		return
	}
	if c.stop != nil {
		close(c.stop)
		<-c.done
	}
	if c.lock != nil {
		c.lock.Release()
	}
}

// Snapshot lists held pairs sorted by pair key.
func (g *Guard) Snapshot() []InFlightEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]InFlightEntry, 0, len(g.held))
	for _, c := range g.held {
		out = append(out, c.entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair < out[j].Pair })
	return out
}

// Len returns how many pairs are held.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.held)
}
