package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Opportunity is a detected spread between two distinct venues.
type Opportunity struct {
	ID         string          `json:"id"`
	BuyVenue   string          `json:"buy_venue"`
	SellVenue  string          `json:"sell_venue"`
	BuyPrice   decimal.Decimal `json:"buy_price"`
	SellPrice  decimal.Decimal `json:"sell_price"`
	Spread     decimal.Decimal `json:"spread"`
	DetectedAt time.Time       `json:"detected_at"`
}

// PairKey identifies the ordered (buy, sell) venue pair.
func (o Opportunity) PairKey() string {
	return PairKey(o.BuyVenue, o.SellVenue)
}

// PairKey builds the key for an ordered venue pair.
func PairKey(buy, sell string) string {
	return buy + "->" + sell
}

// Verdict is the validator's decision.
type Verdict string

const (
	VerdictAccept        Verdict = "accept"
	VerdictReject        Verdict = "reject"
	VerdictOracleFailure Verdict = "oracle_failure"
)

// ValidatedOpportunity wraps an Opportunity with its re-scored economics.
type ValidatedOpportunity struct {
	Opportunity    Opportunity     `json:"opportunity"`
	BuyPredicted   decimal.Decimal `json:"buy_predicted"`
	SellPredicted  decimal.Decimal `json:"sell_predicted"`
	ExpectedSpread decimal.Decimal `json:"expected_spread"`
	TotalFees      decimal.Decimal `json:"total_fees"`
	Verdict        Verdict         `json:"verdict"`
	Reason         string          `json:"reason,omitempty"`
}

// Accepted reports whether the validator accepted the opportunity.
func (v ValidatedOpportunity) Accepted() bool { return v.Verdict == VerdictAccept }
