// Package metrics exposes engine and attempt counters to Prometheus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/crossarb/internal/domain"
	"github.com/alanyoungcy/crossarb/internal/engine"
	"github.com/alanyoungcy/crossarb/internal/executor"
)

// Collector owns a private registry so tests and multiple instances never
// collide on the default one.
type Collector struct {
	reg *prometheus.Registry

	cycles        prometheus.Counter
	cycleDuration prometheus.Histogram
	excluded      *prometheus.CounterVec
	candidates    prometheus.Counter
	launched      prometheus.Counter
	skipped       prometheus.Counter
	transitions   *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	profit        prometheus.Gauge
	exposure      prometheus.Gauge
}

var (
	_ engine.CycleObserver = (*Collector)(nil)
	_ executor.Observer    = (*Collector)(nil)
)

// New creates a collector. inFlight, when set, is sampled on scrape.
func New(inFlight func() int) *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crossarb_cycles_total",
			Help: "Detection cycles run.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crossarb_cycle_duration_seconds",
			Help:    "Wall time of one detection cycle.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		excluded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crossarb_venue_excluded_total",
			Help: "Cycles in which a venue was left out for a failed or stale quote.",
		}, []string{"venue"}),
		candidates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crossarb_candidates_total",
			Help: "Opportunities detected above the minimum spread.",
		}),
		launched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crossarb_attempts_launched_total",
			Help: "Coordinators started.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crossarb_attempts_skipped_total",
			Help: "Candidates skipped because their pair was in flight.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crossarb_attempt_transitions_total",
			Help: "Attempt state transitions.",
		}, []string{"state"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crossarb_attempts_total",
			Help: "Terminal attempts by outcome.",
		}, []string{"outcome"}),
		profit: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crossarb_realized_profit",
			Help: "Sum of realized profit over successful attempts since start.",
		}),
		exposure: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crossarb_partial_failure_exposure",
			Help: "Sum of loss estimates over partial failures since start.",
		}),
	}

	c.reg.MustRegister(
		c.cycles, c.cycleDuration, c.excluded, c.candidates, c.launched,
		c.skipped, c.transitions, c.outcomes, c.profit, c.exposure,
		collectors.NewGoCollector(),
	)
	if inFlight != nil {
		c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "crossarb_pairs_in_flight",
			Help: "Venue pairs currently held by a coordinator.",
		}, func() float64 { return float64(inFlight()) }))
	}
	return c
}

// ObserveCycle implements engine.CycleObserver.
func (c *Collector) ObserveCycle(r engine.CycleReport) {
	c.cycles.Inc()
	c.cycleDuration.Observe(r.Duration.Seconds())
	for _, v := range r.Excluded {
		c.excluded.WithLabelValues(v).Inc()
	}
	c.candidates.Add(float64(r.Candidates))
	c.launched.Add(float64(r.Launched))
	c.skipped.Add(float64(r.Skipped))
}

// AttemptChanged implements executor.Observer.
func (c *Collector) AttemptChanged(_ context.Context, a *domain.TradeAttempt) {
	c.transitions.WithLabelValues(string(a.State)).Inc()
	if !a.IsTerminal() {
		return
	}
	c.outcomes.WithLabelValues(string(a.Outcome)).Inc()
	switch a.Outcome {
	case domain.OutcomeSuccess:
		c.profit.Add(a.Profit.InexactFloat64())
	case domain.OutcomePartialFailure:
		c.exposure.Add(a.LossEstimate.InexactFloat64())
	}
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }
