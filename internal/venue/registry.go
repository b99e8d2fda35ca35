// Package venue builds one execution adapter and one price source per
// configured venue. Adapters are chosen by venue kind through a registry
// of factories, so the engine never branches on kind itself.
package venue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/crossarb/internal/config"
	"github.com/alanyoungcy/crossarb/internal/domain"
)

// PriceSource quotes the configured asset on one venue.
type PriceSource interface {
	Quote(ctx context.Context) (domain.PriceQuote, error)
}

// Built is what a factory produces for one venue. Run, when set, is a
// background loop (a price stream) that must run for Prices to work.
type Built struct {
	Adapter domain.VenueAdapter
	Prices  PriceSource
	Run     func(ctx context.Context) error
	Close   func()
}

// Deps are shared collaborators handed to every factory.
type Deps struct {
	Logger *slog.Logger
}

// Factory constructs the adapter and price source for one venue.
type Factory func(ctx context.Context, vc config.VenueConfig, v domain.Venue, deps Deps) (Built, error)

// Registry maps venue kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[domain.VenueKind]Factory
}

// NewRegistry returns an empty registry. Call Register to add factories.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[domain.VenueKind]Factory)}
}

// DefaultRegistry knows the evm, rest and paper kinds.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(domain.VenueKindEVM, NewEVMFromConfig)
	r.Register(domain.VenueKindREST, NewRESTFromConfig)
	r.Register(domain.VenueKindPaper, NewPaperFromConfig)
	return r
}

// Register adds or replaces the factory for kind.
func (r *Registry) Register(kind domain.VenueKind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	return kinds
}

// Set is the result of building every configured venue.
type Set struct {
	Adapters map[string]domain.VenueAdapter
	Sources  map[string]PriceSource
	runners  []func(ctx context.Context) error
	closers  []func()
}

// Run runs every venue's background loop until ctx is cancelled or one of
// them fails. It returns at once when no venue has one.
func (s *Set) Run(ctx context.Context) error {
	if len(s.runners) == 0 {
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, run := range s.runners {
		g.Go(func() error { return run(ctx) })
	}
	return g.Wait()
}

// Close releases every venue's resources.
func (s *Set) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// Build constructs all venues. configs and venues are parallel slices as
// produced by config.Config.Venues and DomainVenues. An unregistered kind
// is a *domain.ConfigurationError.
func (r *Registry) Build(ctx context.Context, configs []config.VenueConfig, venues []domain.Venue, deps Deps) (*Set, error) {
	if len(configs) != len(venues) {
		return nil, fmt.Errorf("venue: %d configs but %d venues", len(configs), len(venues))
	}
	set := &Set{
		Adapters: make(map[string]domain.VenueAdapter, len(venues)),
		Sources:  make(map[string]PriceSource, len(venues)),
	}

	for i, v := range venues {
		r.mu.RLock()
		f, ok := r.factories[v.Kind]
		r.mu.RUnlock()
		if !ok {
			set.Close()
			return nil, &domain.ConfigurationError{
				Problems: []string{fmt.Sprintf("venue %s: no adapter registered for kind %q", v.ID, v.Kind)},
				Err:      domain.ErrUnknownVenue,
			}
		}

		built, err := f(ctx, configs[i], v, deps)
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("venue: build %s: %w", v.ID, err)
		}
		set.Adapters[v.ID] = built.Adapter
		set.Sources[v.ID] = built.Prices
		if built.Run != nil {
			set.runners = append(set.runners, built.Run)
		}
		if built.Close != nil {
			set.closers = append(set.closers, built.Close)
		}
		deps.Logger.Info("venue ready",
			slog.String("venue", v.ID),
			slog.String("kind", string(v.Kind)),
		)
	}
	return set, nil
}

// externalFeed returns the venue's configured market data source. A
// stream is preferred over polling. ok is false when neither is set.
func externalFeed(vc config.VenueConfig, v domain.Venue, deps Deps) (src PriceSource, run func(context.Context) error, ok bool) {
	switch {
	case vc.PriceWSURL != "":
		f := NewWSPriceFeed(v.ID, v.Asset, vc.PriceWSURL, deps.Logger)
		return f, f.Run, true
	case vc.PriceURL != "":
		return NewHTTPPriceFeed(v.ID, v.Asset, vc.PriceURL), nil, true
	default:
		return nil, nil, false
	}
}
