package oracle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

var (
	errNonPositivePrice      = errors.New("non-positive current price")
	errNonPositivePrediction = errors.New("non-positive predicted price")
)

// QuoteObserver is implemented by oracles that learn from every quote the
// engine sees, not only from the venues of accepted candidates.
type QuoteObserver interface {
	Observe(quotes []domain.PriceQuote, now time.Time)
}

// Static predicts no movement.
type Static struct{}

var _ domain.PredictionOracle = Static{}

// Predict returns the current price with full confidence.
func (Static) Predict(_ context.Context, venueID string, current decimal.Decimal) (domain.Prediction, error) {
	if !current.IsPositive() {
		return domain.Prediction{}, &domain.PredictionError{Venue: venueID, Err: errNonPositivePrice}
	}
	return domain.Prediction{PredictedPrice: current, Confidence: 1}, nil
}

// MomentumConfig configures a Momentum oracle.
type MomentumConfig struct {
	Tracker *PriceTracker
	Horizon time.Duration // how far ahead the drift is projected
	Logger  *slog.Logger
}

// Momentum projects the least-squares drift of recent prices forward by
// the horizon.
type Momentum struct {
	tracker *PriceTracker
	horizon time.Duration
	logger  *slog.Logger
}

var (
	_ domain.PredictionOracle = (*Momentum)(nil)
	_ QuoteObserver           = (*Momentum)(nil)
)

// NewMomentum creates a momentum oracle.
func NewMomentum(cfg MomentumConfig) *Momentum {
	return &Momentum{
		tracker: cfg.Tracker,
		horizon: cfg.Horizon,
		logger:  cfg.Logger.With(slog.String("component", "momentum_oracle")),
	}
}

// Observe records a cycle's quotes and prunes once.
func (m *Momentum) Observe(quotes []domain.PriceQuote, now time.Time) {
	for _, q := range quotes {
		if q.Price.IsPositive() {
			m.tracker.Track(q.VenueID, q.Price.InexactFloat64(), q.Timestamp)
		}
	}
	if n := m.tracker.Prune(now); n > 0 {
		m.logger.Debug("pruned price history", slog.Int("points", n))
	}
}

// Predict returns current + slope × horizon. Confidence is 1/(1+cv) where
// cv is the coefficient of variation over the window. With fewer than two
// points the prediction is the current price at confidence 0.
func (m *Momentum) Predict(ctx context.Context, venueID string, current decimal.Decimal) (domain.Prediction, error) {
	if !current.IsPositive() {
		return domain.Prediction{}, &domain.PredictionError{Venue: venueID, Err: errNonPositivePrice}
	}

	pts := m.tracker.History(venueID)
	if len(pts) < 2 {
		return domain.Prediction{PredictedPrice: current, Confidence: 0}, nil
	}

	drift := Slope(pts) * m.horizon.Seconds()
	predicted := current.Add(decimal.NewFromFloat(drift))
	if !predicted.IsPositive() {
		return domain.Prediction{}, &domain.PredictionError{Venue: venueID, Err: errNonPositivePrediction}
	}

	var confidence float64
	if mean := Average(pts); mean > 0 {
		confidence = 1 / (1 + Volatility(pts)/mean)
	}

	m.logger.DebugContext(ctx, "prediction",
		slog.String("venue", venueID),
		slog.String("current", current.String()),
		slog.String("predicted", predicted.String()),
		slog.Float64("confidence", confidence),
	)
	return domain.Prediction{PredictedPrice: predicted, Confidence: confidence}, nil
}
