package arbitrage

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// ErrNoFeasibleAmount is returned when the venues' bounds do not overlap.
var ErrNoFeasibleAmount = errors.New("no trade amount satisfies both venues")

// TradeAmount interpolates between minAmount and maxAmount keyed on the raw
// spread: min + (max-min) * clamp(spread/100, 0, 1), capped at max.
func TradeAmount(spread, minAmount, maxAmount decimal.Decimal) decimal.Decimal {
	frac := spread.Div(hundred)
	if frac.IsNegative() {
		frac = decimal.Zero
	}
	if frac.GreaterThan(one) {
		frac = one
	}
	amount := minAmount.Add(maxAmount.Sub(minAmount).Mul(frac))
	return decimal.Min(maxAmount, amount)
}

// Bounds intersects the amount bounds of the given venues with the global
// bounds.
func Bounds(minAmount, maxAmount decimal.Decimal, venues ...domain.Venue) (decimal.Decimal, decimal.Decimal, error) {
	lo, hi := minAmount, maxAmount
	for _, v := range venues {
		if v.MinAmount.GreaterThan(lo) {
			lo = v.MinAmount
		}
		if v.MaxAmount.IsPositive() && v.MaxAmount.LessThan(hi) {
			hi = v.MaxAmount
		}
	}
	if lo.GreaterThan(hi) {
		return lo, hi, ErrNoFeasibleAmount
	}
	return lo, hi, nil
}

// EstimatedProfit is the first-order profit estimate amount * spread.
func EstimatedProfit(amount, spread decimal.Decimal) decimal.Decimal {
	return amount.Mul(spread)
}

// RealizedProfit prefers venue-reported fills and falls back to the
// estimate when either leg lacks fill data. With fills it is
// sell proceeds - buy cost - fees, with the matched quantity taken as the
// smaller of the two filled amounts.
func RealizedProfit(amount, spread decimal.Decimal, buy, sell *domain.Fill) decimal.Decimal {
	if buy == nil || sell == nil || !buy.Price.IsPositive() || !sell.Price.IsPositive() {
		return EstimatedProfit(amount, spread)
	}
	qty := amount
	if buy.Amount.IsPositive() {
		qty = decimal.Min(qty, buy.Amount)
	}
	if sell.Amount.IsPositive() {
		qty = decimal.Min(qty, sell.Amount)
	}
	gross := sell.Price.Sub(buy.Price).Mul(qty).Div(buy.Price)
	return gross.Sub(buy.Fee).Sub(sell.Fee)
}

// ExposureEstimate marks leg-1 capital left unhedged by a partial failure
// to the current market price. The result is signed: negative is a loss.
// Without a usable price the whole committed amount is counted as lost.
func ExposureEstimate(amount, buyPrice, marketPrice decimal.Decimal) decimal.Decimal {
	if !buyPrice.IsPositive() || !marketPrice.IsPositive() {
		return amount.Neg()
	}
	return amount.Mul(marketPrice.Sub(buyPrice)).Div(buyPrice)
}
