// Package executor drives the two-leg execution of validated arbitrage
// opportunities and guards venue pairs against concurrent attempts.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/crossarb/internal/arbitrage"
	"github.com/alanyoungcy/crossarb/internal/domain"
)

// OpportunityValidator re-scores an opportunity before anything is spent.
type OpportunityValidator interface {
	Validate(ctx context.Context, opp domain.Opportunity) (domain.ValidatedOpportunity, error)
}

// LegPreparer builds note/proof pairs for both legs.
type LegPreparer interface {
	PrepareBoth(ctx context.Context, buyVenue, sellVenue string, amount decimal.Decimal) (buy, sell domain.PreparedLeg, err error)
	Check(note domain.ShieldedNote, proof domain.ProofHandle) error
}

// Recorder persists terminal attempts. Recording the same id twice must be
// a no-op.
type Recorder interface {
	Record(ctx context.Context, attempt *domain.TradeAttempt) error
}

// Observer is told about every state change. Implementations must not block.
type Observer interface {
	AttemptChanged(ctx context.Context, attempt *domain.TradeAttempt)
}

// Observers fans one change out to several observers in order.
type Observers []Observer

// AttemptChanged implements Observer.
func (obs Observers) AttemptChanged(ctx context.Context, a *domain.TradeAttempt) {
	for _, o := range obs {
		o.AttemptChanged(ctx, a)
	}
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	Validator      OpportunityValidator
	Preparer       LegPreparer
	Adapters       map[string]domain.VenueAdapter
	Prices         domain.PriceProvider
	Recorder       Recorder
	Checkpoints    domain.CheckpointStore
	Observer       Observer
	Asset          string
	MinAmount      decimal.Decimal
	MaxAmount      decimal.Decimal
	PollInterval   time.Duration
	MaxPolls       int
	AdapterTimeout time.Duration
	Logger         *slog.Logger
}

// Coordinator runs the state machine for one attempt at a time per call;
// concurrent calls on different pairs are safe.
type Coordinator struct {
	validator      OpportunityValidator
	preparer       LegPreparer
	adapters       map[string]domain.VenueAdapter
	prices         domain.PriceProvider
	recorder       Recorder
	checkpoints    domain.CheckpointStore
	observer       Observer
	asset          string
	minAmount      decimal.Decimal
	maxAmount      decimal.Decimal
	pollInterval   time.Duration
	maxPolls       int
	adapterTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	c := &Coordinator{
		validator:      cfg.Validator,
		preparer:       cfg.Preparer,
		adapters:       cfg.Adapters,
		prices:         cfg.Prices,
		recorder:       cfg.Recorder,
		checkpoints:    cfg.Checkpoints,
		observer:       cfg.Observer,
		asset:          cfg.Asset,
		minAmount:      cfg.MinAmount,
		maxAmount:      cfg.MaxAmount,
		pollInterval:   cfg.PollInterval,
		maxPolls:       cfg.MaxPolls,
		adapterTimeout: cfg.AdapterTimeout,
		logger:         cfg.Logger.With(slog.String("component", "coordinator")),
		now:            func() time.Time { return time.Now().UTC() },
	}
	if c.maxPolls < 1 {
		c.maxPolls = 1
	}
	if c.adapterTimeout <= 0 {
		c.adapterTimeout = 10 * time.Second
	}
	return c
}

// Run takes opp from Detected to a terminal state and records it. If ctx is
// cancelled mid-flight the attempt is checkpointed in its last state and
// returned non-terminal; leg 2 is never submitted after cancellation.
func (c *Coordinator) Run(ctx context.Context, opp domain.Opportunity) *domain.TradeAttempt {
	a := domain.NewTradeAttempt(uuid.New().String(), opp, c.now())
	c.advance(ctx, a, domain.StateValidating)

	verdict, err := c.validator.Validate(ctx, opp)
	a.ExpectedSpread = verdict.ExpectedSpread
	a.TotalFees = verdict.TotalFees
	if err != nil {
		c.finish(ctx, a, domain.StateRejected, "validation failed: "+err.Error())
		return a
	}
	if !verdict.Accepted() {
		c.finish(ctx, a, domain.StateRejected, verdict.Reason)
		return a
	}

	lo, hi, err := arbitrage.Bounds(c.minAmount, c.maxAmount, c.venue(opp.BuyVenue), c.venue(opp.SellVenue))
	if err != nil {
		c.finish(ctx, a, domain.StateRejected, err.Error())
		return a
	}
	a.Amount = arbitrage.TradeAmount(opp.Spread, lo, hi)

	buyAdapter, sellAdapter := c.adapters[opp.BuyVenue], c.adapters[opp.SellVenue]
	if buyAdapter == nil || sellAdapter == nil {
		c.finish(ctx, a, domain.StateRejected, "no adapter for "+opp.PairKey())
		return a
	}

	c.advance(ctx, a, domain.StatePreparing)
	c.checkpoint(ctx, a)

	buyLeg, sellLeg, err := c.preparer.PrepareBoth(ctx, opp.BuyVenue, opp.SellVenue, a.Amount)
	if err != nil {
		c.finish(ctx, a, domain.StateRejected, err.Error())
		return a
	}
	for _, leg := range []domain.PreparedLeg{buyLeg, sellLeg} {
		if err := c.preparer.Check(leg.Note, leg.Proof); err != nil {
			perr := &domain.PrivacyPreparationError{Venue: leg.Note.VenueID, Role: leg.Role, Err: err}
			c.finish(ctx, a, domain.StateRejected, perr.Error())
			return a
		}
	}

	if ctx.Err() != nil {
		c.finish(ctx, a, domain.StateRejected, "shutdown before submission")
		return a
	}

	// Leg 1.
	sub, err := c.submit(ctx, buyAdapter, buyLeg, true, a.Amount)
	a.Leg1 = &domain.TradeLegResult{
		VenueID:     opp.BuyVenue,
		Role:        domain.RoleBuy,
		Amount:      a.Amount,
		TxRef:       sub.TxRef,
		Status:      domain.LegPending,
		SubmittedAt: c.now(),
	}
	if err != nil {
		a.Leg1.Status = domain.LegFailed
		serr := &domain.SubmissionError{Venue: opp.BuyVenue, Leg: 1, Err: err}
		c.finish(ctx, a, domain.StateLeg1Failed, serr.Error())
		return a
	}
	c.advance(ctx, a, domain.StateLeg1Submitted)
	c.checkpoint(ctx, a)

	if !c.settleLeg1(ctx, a, buyAdapter, sub.Status) {
		return a
	}

	// Shutdown between leg 1 confirmation and leg 2 submission leaves the
	// attempt checkpointed at Leg1Confirmed for reconciliation.
	if ctx.Err() != nil {
		c.logger.Warn("shutdown after leg 1 confirmed, leg 2 not submitted",
			slog.String("attempt_id", a.ID),
			slog.String("pair", opp.PairKey()),
		)
		return a
	}

	// Leg 2.
	sub, err = c.submit(ctx, sellAdapter, sellLeg, false, a.Amount)
	a.Leg2 = &domain.TradeLegResult{
		VenueID:     opp.SellVenue,
		Role:        domain.RoleSell,
		Amount:      a.Amount,
		TxRef:       sub.TxRef,
		Status:      domain.LegPending,
		SubmittedAt: c.now(),
	}
	if err != nil {
		a.Leg2.Status = domain.LegFailed
		serr := &domain.SubmissionError{Venue: opp.SellVenue, Leg: 2, Err: err}
		c.partialFailure(ctx, a, domain.StateLeg2Failed, serr.Error())
		return a
	}
	c.advance(ctx, a, domain.StateLeg2Submitted)
	c.checkpoint(ctx, a)

	c.settleLeg2(ctx, a, sellAdapter, sub.Status)
	return a
}

// Resume continues an attempt loaded from a checkpoint after a restart. It
// never submits a leg: pending legs are polled, and an attempt that stopped
// between legs is closed out as a partial failure.
func (c *Coordinator) Resume(ctx context.Context, a *domain.TradeAttempt) *domain.TradeAttempt {
	log := c.logger.With(slog.String("attempt_id", a.ID), slog.String("state", string(a.State)))

	if a.IsTerminal() {
		c.record(ctx, a)
		return a
	}

	switch a.State {
	case domain.StateDetected, domain.StateValidating, domain.StatePreparing:
		c.finish(ctx, a, domain.StateRejected, "interrupted before submission")

	case domain.StateLeg1Submitted:
		adapter := c.adapters[a.Opportunity.BuyVenue]
		if adapter == nil || a.Leg1 == nil {
			c.finish(ctx, a, domain.StateLeg1TimedOut, "cannot resume leg 1: venue no longer configured")
			return a
		}
		a.Leg1.Polls = 0
		if c.settleLeg1(ctx, a, adapter, domain.LegPending) {
			c.partialFailure(ctx, a, domain.StateLeg2Failed, "interrupted before leg 2")
		}

	case domain.StateLeg1Confirmed:
		c.partialFailure(ctx, a, domain.StateLeg2Failed, "interrupted before leg 2")

	case domain.StateLeg2Submitted:
		adapter := c.adapters[a.Opportunity.SellVenue]
		if adapter == nil || a.Leg2 == nil {
			c.partialFailure(ctx, a, domain.StateLeg2TimedOut, "cannot resume leg 2: venue no longer configured")
			return a
		}
		a.Leg2.Polls = 0
		c.settleLeg2(ctx, a, adapter, domain.LegPending)

	default:
		log.Warn("unknown checkpoint state, leaving for manual reconciliation")
	}
	return a
}

// settleLeg1 waits for leg 1 and reports whether it confirmed. On any other
// result the attempt is finished or, on cancellation, left checkpointed.
func (c *Coordinator) settleLeg1(ctx context.Context, a *domain.TradeAttempt, adapter domain.VenueAdapter, initial domain.LegStatus) bool {
	res := domain.PollResult{Status: initial}
	var err error
	if initial != domain.LegConfirmed && initial != domain.LegFailed {
		res, err = c.awaitConfirmation(ctx, adapter, a.Leg1, 1)
	}
	c.applyPoll(a.Leg1, res)

	var timeout *domain.TimeoutError
	switch {
	case errors.As(err, &timeout):
		c.finish(ctx, a, domain.StateLeg1TimedOut, timeout.Error()+"; reconcile leg 1 out of band")
		return false
	case err != nil:
		c.checkpoint(ctx, a)
		return false
	case res.Status == domain.LegFailed:
		c.finish(ctx, a, domain.StateLeg1Failed, orDefault(res.Reason, "leg 1 failed on venue"))
		return false
	}

	c.advance(ctx, a, domain.StateLeg1Confirmed)
	c.checkpoint(ctx, a)
	return true
}

func (c *Coordinator) settleLeg2(ctx context.Context, a *domain.TradeAttempt, adapter domain.VenueAdapter, initial domain.LegStatus) {
	res := domain.PollResult{Status: initial}
	var err error
	if initial != domain.LegConfirmed && initial != domain.LegFailed {
		res, err = c.awaitConfirmation(ctx, adapter, a.Leg2, 2)
	}
	c.applyPoll(a.Leg2, res)

	var timeout *domain.TimeoutError
	switch {
	case errors.As(err, &timeout):
		c.partialFailure(ctx, a, domain.StateLeg2TimedOut, timeout.Error())
	case err != nil:
		c.checkpoint(ctx, a)
	case res.Status == domain.LegFailed:
		c.partialFailure(ctx, a, domain.StateLeg2Failed, orDefault(res.Reason, "leg 2 failed on venue"))
	default:
		a.Profit = arbitrage.RealizedProfit(a.Amount, a.Opportunity.Spread, a.Leg1.Fill, a.Leg2.Fill)
		c.finish(ctx, a, domain.StateLeg2Confirmed, "")
	}
}

func (c *Coordinator) submit(ctx context.Context, adapter domain.VenueAdapter, leg domain.PreparedLeg, isBuy bool, amount decimal.Decimal) (domain.Submission, error) {
	// Once a submission starts it runs to completion so the venue's view
	// and ours agree; only the adapter timeout bounds it.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.adapterTimeout)
	defer cancel()
	sub, err := adapter.Submit(sctx, leg.Note, leg.Proof, isBuy, amount)
	if err != nil {
		return sub, err
	}
	if sub.TxRef == "" {
		return sub, errors.New("venue returned no transaction reference")
	}
	if sub.Status == domain.LegFailed {
		return sub, errors.New("venue rejected the leg")
	}
	return sub, nil
}

func (c *Coordinator) applyPoll(leg *domain.TradeLegResult, res domain.PollResult) {
	if res.Status != "" && res.Status != domain.LegPending {
		leg.Status = res.Status
		t := c.now()
		leg.SettledAt = &t
	}
	if res.Fill != nil {
		leg.Fill = res.Fill
	}
}

// partialFailure finishes an attempt whose leg 1 committed capital without
// a completed leg 2 and values the exposure.
func (c *Coordinator) partialFailure(ctx context.Context, a *domain.TradeAttempt, state domain.AttemptState, reason string) {
	buyPrice := a.Opportunity.BuyPrice
	if a.Leg1 != nil && a.Leg1.Fill != nil && a.Leg1.Fill.Price.IsPositive() {
		buyPrice = a.Leg1.Fill.Price
	}
	market := decimal.Zero
	if c.prices != nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.adapterTimeout)
		q, err := c.prices.GetPrice(pctx, a.Opportunity.BuyVenue, c.asset)
		cancel()
		if err == nil {
			market = q.Price
		}
	}
	a.LossEstimate = arbitrage.ExposureEstimate(a.Amount, buyPrice, market)
	c.finish(ctx, a, state, reason)
}

func (c *Coordinator) advance(ctx context.Context, a *domain.TradeAttempt, state domain.AttemptState) {
	a.Advance(state, c.now())
	c.notify(ctx, a)
}

func (c *Coordinator) finish(ctx context.Context, a *domain.TradeAttempt, state domain.AttemptState, reason string) {
	a.Finish(state, reason, c.now())
	c.notify(ctx, a)
	c.logOutcome(ctx, a)
	c.record(ctx, a)
}

// record stores a terminal attempt and drops its checkpoint. If the ledger
// write fails the checkpoint is kept so recovery can record it later.
func (c *Coordinator) record(ctx context.Context, a *domain.TradeAttempt) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.adapterTimeout)
	defer cancel()

	if err := c.recorder.Record(rctx, a); err != nil {
		c.logger.ErrorContext(ctx, "record attempt failed",
			slog.String("attempt_id", a.ID),
			slog.String("error", err.Error()),
		)
		c.checkpoint(ctx, a)
		return
	}
	if c.checkpoints != nil {
		if err := c.checkpoints.DeleteCheckpoint(rctx, a.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			c.logger.WarnContext(ctx, "delete checkpoint failed",
				slog.String("attempt_id", a.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (c *Coordinator) checkpoint(ctx context.Context, a *domain.TradeAttempt) {
	if c.checkpoints == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.adapterTimeout)
	defer cancel()
	if err := c.checkpoints.SaveCheckpoint(cctx, a); err != nil {
		c.logger.ErrorContext(ctx, "checkpoint failed",
			slog.String("attempt_id", a.ID),
			slog.String("state", string(a.State)),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) notify(ctx context.Context, a *domain.TradeAttempt) {
	if c.observer != nil {
		c.observer.AttemptChanged(ctx, a.Clone())
	}
}

func (c *Coordinator) logOutcome(ctx context.Context, a *domain.TradeAttempt) {
	attrs := []any{
		slog.String("attempt_id", a.ID),
		slog.String("pair", a.Opportunity.PairKey()),
		slog.String("state", string(a.State)),
		slog.String("amount", a.Amount.String()),
	}
	if a.Reason != "" {
		attrs = append(attrs, slog.String("reason", a.Reason))
	}

	switch a.Outcome {
	case domain.OutcomeSuccess:
		c.logger.InfoContext(ctx, "arbitrage succeeded", append(attrs, slog.String("profit", a.Profit.String()))...)
	case domain.OutcomePartialFailure:
		attrs = append(attrs, slog.String("loss_estimate", a.LossEstimate.String()))
		if a.Leg1 != nil {
			attrs = append(attrs, slog.String("leg1_tx", a.Leg1.TxRef))
		}
		c.logger.ErrorContext(ctx, "PARTIAL FAILURE: leg 1 committed without offsetting leg 2", attrs...)
	default:
		if a.Leg1 != nil {
			c.logger.WarnContext(ctx, "attempt ended on leg 1", attrs...)
		} else {
			c.logger.DebugContext(ctx, "attempt rejected", attrs...)
		}
	}
}

func (c *Coordinator) venue(id string) domain.Venue {
	if ad, ok := c.adapters[id]; ok && ad != nil {
		return ad.Venue()
	}
	return domain.Venue{ID: id}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// String returns a short description for logs.
func (c *Coordinator) String() string {
	return fmt.Sprintf("Coordinator(adapters=%d, max_polls=%d)", len(c.adapters), c.maxPolls)
}
