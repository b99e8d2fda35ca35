// Package arbitrage holds the pure economics of cross-venue arbitrage:
// spread detection, prediction-based validation, trade sizing and profit.
package arbitrage

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

var errNonPositivePrice = errors.New("non-positive price")

// DetectorConfig configures the detector.
type DetectorConfig struct {
	MinSpread decimal.Decimal
	Staleness time.Duration
}

// Detector computes spreads for every ordered venue pair in a snapshot.
// It holds no mutable state and is safe for concurrent use.
type Detector struct {
	minSpread decimal.Decimal
	staleness time.Duration
}

// NewDetector creates a detector.
func NewDetector(cfg DetectorConfig) *Detector {
	return &Detector{minSpread: cfg.MinSpread, staleness: cfg.Staleness}
}

// Exclusion records why a venue was left out of this cycle's pairing.
type Exclusion struct {
	VenueID string
	Err     error
}

// Detection is the result of one detection cycle.
type Detection struct {
	Opportunities []domain.Opportunity
	Excluded      []Exclusion
	// Accepted holds the fresh quotes that were paired, by venue id.
	Accepted []domain.PriceQuote
}

// Detect pairs every fresh quote against every other and emits an
// Opportunity for each ordered (buy, sell) pair whose spread exceeds the
// minimum. Stale or unusable quotes exclude only their own venue.
func (d *Detector) Detect(quotes map[string]domain.PriceQuote, now time.Time) Detection {
	var out Detection

	ids := make([]string, 0, len(quotes))
	for id := range quotes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fresh := make([]string, 0, len(ids))
	for _, id := range ids {
		q := quotes[id]
		if d.staleness > 0 {
			if age := q.Age(now); age > d.staleness {
				out.Excluded = append(out.Excluded, Exclusion{
					VenueID: id,
					Err:     &domain.StaleQuoteError{Venue: id, Age: age, Bound: d.staleness},
				})
				continue
			}
		}
		if !q.Price.IsPositive() {
			out.Excluded = append(out.Excluded, Exclusion{
				VenueID: id,
				Err:     &domain.FetchError{Venue: id, Err: errNonPositivePrice},
			})
			continue
		}
		fresh = append(fresh, id)
		out.Accepted = append(out.Accepted, q)
	}

	for _, buyID := range fresh {
		for _, sellID := range fresh {
			if buyID == sellID {
				continue
			}
			buy, sell := quotes[buyID], quotes[sellID]
			spread := Spread(buy.Price, sell.Price)
			if !spread.GreaterThan(d.minSpread) {
				continue
			}
			out.Opportunities = append(out.Opportunities, domain.Opportunity{
				ID:         uuid.Must(uuid.NewRandom()).String(),
				BuyVenue:   buyID,
				SellVenue:  sellID,
				BuyPrice:   buy.Price,
				SellPrice:  sell.Price,
				Spread:     spread,
				DetectedAt: now,
			})
		}
	}
	return out
}

// Spread is (sell - buy) / buy. buy must be positive.
func Spread(buy, sell decimal.Decimal) decimal.Decimal {
	return sell.Sub(buy).Div(buy)
}
