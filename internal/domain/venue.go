package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// VenueKind selects the adapter implementation for a venue.
type VenueKind string

const (
	VenueKindEVM   VenueKind = "evm"
	VenueKindREST  VenueKind = "rest"
	VenueKindPaper VenueKind = "paper"
)

// Role is the side a venue plays in an arbitrage attempt.
type Role string

const (
	RoleBuy  Role = "buy"
	RoleSell Role = "sell"
)

// Venue is a trading locus loaded from configuration. Immutable.
type Venue struct {
	ID          string
	Kind        VenueKind
	Asset       string // token address or exchange symbol
	FeeRate     decimal.Decimal
	MinAmount   decimal.Decimal
	MaxAmount   decimal.Decimal
	PoolAddress string
}

// PriceQuote is one observed price for an asset on a venue.
type PriceQuote struct {
	VenueID   string          `json:"venue_id"`
	AssetID   string          `json:"asset_id"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"ts"`
}

// Age returns how old the quote is at now.
func (q PriceQuote) Age(now time.Time) time.Duration {
	return now.Sub(q.Timestamp)
}

// PriceProvider returns the current price for an asset on a venue.
type PriceProvider interface {
	GetPrice(ctx context.Context, venueID, assetID string) (PriceQuote, error)
}

// Prediction is an oracle's view of where a venue's price is heading.
type Prediction struct {
	PredictedPrice decimal.Decimal
	Confidence     float64
}

// PredictionOracle scores a venue's future price from its current price.
type PredictionOracle interface {
	Predict(ctx context.Context, venueID string, current decimal.Decimal) (Prediction, error)
}

// LegStatus is the confirmation state of a submitted leg.
type LegStatus string

const (
	LegPending   LegStatus = "pending"
	LegConfirmed LegStatus = "confirmed"
	LegFailed    LegStatus = "failed"
	LegTimedOut  LegStatus = "timed_out"
)

// Fill carries execution data reported by a venue once a leg settles.
// Amount is notional in the quote currency, like the submitted amount.
type Fill struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	Fee    decimal.Decimal `json:"fee"`
}

// Submission is the pending handle returned by VenueAdapter.Submit.
type Submission struct {
	TxRef  string
	Status LegStatus
}

// PollResult is the status of a submitted leg. Fill is set once the venue
// reports execution data.
type PollResult struct {
	Status LegStatus
	Fill   *Fill
	Reason string
}

// VenueAdapter submits legs and reports their confirmation status.
type VenueAdapter interface {
	Venue() Venue
	Submit(ctx context.Context, note ShieldedNote, proof ProofHandle, isBuy bool, amount decimal.Decimal) (Submission, error)
	Poll(ctx context.Context, txRef string) (PollResult, error)
}
