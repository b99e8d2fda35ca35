package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

// ValidatorConfig configures the validator.
type ValidatorConfig struct {
	Oracle          domain.PredictionOracle
	Venues          []domain.Venue
	TransferFee     decimal.Decimal
	MinProfitMargin decimal.Decimal
	Logger          *slog.Logger
}

// Validator re-scores opportunities with predicted prices and the fee model.
type Validator struct {
	oracle      domain.PredictionOracle
	feeRates    map[string]decimal.Decimal
	transferFee decimal.Decimal
	minMargin   decimal.Decimal
	logger      *slog.Logger

	accepted       atomic.Int64
	rejected       atomic.Int64
	oracleFailures atomic.Int64
}

// NewValidator creates a validator.
func NewValidator(cfg ValidatorConfig) *Validator {
	fees := make(map[string]decimal.Decimal, len(cfg.Venues))
	for _, v := range cfg.Venues {
		fees[v.ID] = v.FeeRate
	}
	return &Validator{
		oracle:      cfg.Oracle,
		feeRates:    fees,
		transferFee: cfg.TransferFee,
		minMargin:   cfg.MinProfitMargin,
		logger:      cfg.Logger.With(slog.String("component", "validator")),
	}
}

// ValidatorStats counts verdicts. Oracle failures are kept apart from
// ordinary rejects.
type ValidatorStats struct {
	Accepted       int64 `json:"accepted"`
	Rejected       int64 `json:"rejected"`
	OracleFailures int64 `json:"oracle_failures"`
}

// Stats returns a snapshot of the verdict counters.
func (v *Validator) Stats() ValidatorStats {
	return ValidatorStats{
		Accepted:       v.accepted.Load(),
		Rejected:       v.rejected.Load(),
		OracleFailures: v.oracleFailures.Load(),
	}
}

// Validate accepts opp iff the predicted spread beats total fees plus the
// profit margin. A rejection is not an error. An oracle failure returns
// a *domain.PredictionError alongside a VerdictOracleFailure result.
func (v *Validator) Validate(ctx context.Context, opp domain.Opportunity) (domain.ValidatedOpportunity, error) {
	out := domain.ValidatedOpportunity{Opportunity: opp}

	buyFee, okBuy := v.feeRates[opp.BuyVenue]
	sellFee, okSell := v.feeRates[opp.SellVenue]
	if !okBuy || !okSell {
		v.rejected.Add(1)
		out.Verdict = domain.VerdictReject
		out.Reason = "venue missing from fee model"
		return out, fmt.Errorf("validator: %s: %w", opp.PairKey(), domain.ErrUnknownVenue)
	}
	out.TotalFees = buyFee.Add(sellFee).Add(v.transferFee)

	var buyPred, sellPred domain.Prediction
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := v.predict(gctx, opp.BuyVenue, opp.BuyPrice)
		buyPred = p
		return err
	})
	g.Go(func() error {
		p, err := v.predict(gctx, opp.SellVenue, opp.SellPrice)
		sellPred = p
		return err
	})
	if err := g.Wait(); err != nil {
		v.oracleFailures.Add(1)
		out.Verdict = domain.VerdictOracleFailure
		out.Reason = err.Error()
		v.logger.WarnContext(ctx, "oracle failure, rejecting conservatively",
			slog.String("pair", opp.PairKey()),
			slog.String("error", err.Error()),
		)
		return out, err
	}

	out.BuyPredicted = buyPred.PredictedPrice
	out.SellPredicted = sellPred.PredictedPrice
	out.ExpectedSpread = Spread(buyPred.PredictedPrice, sellPred.PredictedPrice)

	hurdle := out.TotalFees.Add(v.minMargin)
	if out.ExpectedSpread.GreaterThan(hurdle) {
		v.accepted.Add(1)
		out.Verdict = domain.VerdictAccept
	} else {
		v.rejected.Add(1)
		out.Verdict = domain.VerdictReject
		out.Reason = fmt.Sprintf("expected spread %s does not exceed fees plus margin %s",
			out.ExpectedSpread.StringFixed(6), hurdle.StringFixed(6))
	}

	v.logger.DebugContext(ctx, "opportunity validated",
		slog.String("pair", opp.PairKey()),
		slog.String("spread", opp.Spread.String()),
		slog.String("expected_spread", out.ExpectedSpread.String()),
		slog.String("total_fees", out.TotalFees.String()),
		slog.String("verdict", string(out.Verdict)),
	)
	return out, nil
}

func (v *Validator) predict(ctx context.Context, venueID string, current decimal.Decimal) (domain.Prediction, error) {
	p, err := v.oracle.Predict(ctx, venueID, current)
	if err != nil {
		var predErr *domain.PredictionError
		if errors.As(err, &predErr) {
			return p, err
		}
		return p, &domain.PredictionError{Venue: venueID, Err: err}
	}
	if !p.PredictedPrice.IsPositive() {
		return p, &domain.PredictionError{Venue: venueID, Err: errNonPositivePrice}
	}
	return p, nil
}
