package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/crossarb/internal/domain"
	"github.com/alanyoungcy/crossarb/internal/logging"
)

// MockAdapter is a mock implementation of domain.VenueAdapter.
type MockAdapter struct {
	mock.Mock
	venue domain.Venue
}

func (m *MockAdapter) Venue() domain.Venue { return m.venue }

func (m *MockAdapter) Submit(ctx context.Context, note domain.ShieldedNote, proof domain.ProofHandle, isBuy bool, amount decimal.Decimal) (domain.Submission, error) {
	args := m.Called(isBuy, amount.String())
	return args.Get(0).(domain.Submission), args.Error(1)
}

func (m *MockAdapter) Poll(ctx context.Context, txRef string) (domain.PollResult, error) {
	args := m.Called(txRef)
	return args.Get(0).(domain.PollResult), args.Error(1)
}

type validatorFunc func(domain.Opportunity) (domain.ValidatedOpportunity, error)

func (f validatorFunc) Validate(_ context.Context, opp domain.Opportunity) (domain.ValidatedOpportunity, error) {
	return f(opp)
}

func accepting(opp domain.Opportunity) (domain.ValidatedOpportunity, error) {
	return domain.ValidatedOpportunity{
		Opportunity:    opp,
		ExpectedSpread: opp.Spread,
		TotalFees:      decimal.RequireFromString("0.005"),
		Verdict:        domain.VerdictAccept,
	}, nil
}

type stubPreparer struct {
	checkErr error
}

func (p stubPreparer) PrepareBoth(_ context.Context, buy, sell string, amount decimal.Decimal) (domain.PreparedLeg, domain.PreparedLeg, error) {
	leg := func(venue string, role domain.Role) domain.PreparedLeg {
		return domain.PreparedLeg{
			Role:  role,
			Note:  domain.ShieldedNote{VenueID: venue, Amount: amount},
			Proof: domain.ProofHandle{0x01},
		}
	}
	return leg(buy, domain.RoleBuy), leg(sell, domain.RoleSell), nil
}

func (p stubPreparer) Check(domain.ShieldedNote, domain.ProofHandle) error { return p.checkErr }

type memRecorder struct {
	mu       sync.Mutex
	attempts map[string]*domain.TradeAttempt
	calls    int
}

func (r *memRecorder) Record(_ context.Context, a *domain.TradeAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.attempts == nil {
		r.attempts = make(map[string]*domain.TradeAttempt)
	}
	if _, ok := r.attempts[a.ID]; !ok {
		r.attempts[a.ID] = a.Clone()
	}
	return nil
}

type memCheckpoints struct {
	mu    sync.Mutex
	saved map[string]*domain.TradeAttempt
	seen  []domain.AttemptState
}

func (m *memCheckpoints) SaveCheckpoint(_ context.Context, a *domain.TradeAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = make(map[string]*domain.TradeAttempt)
	}
	m.saved[a.ID] = a.Clone()
	m.seen = append(m.seen, a.State)
	return nil
}

func (m *memCheckpoints) DeleteCheckpoint(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.saved[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.saved, id)
	return nil
}

func (m *memCheckpoints) LoadCheckpoints(context.Context) ([]*domain.TradeAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.TradeAttempt, 0, len(m.saved))
	for _, a := range m.saved {
		out = append(out, a.Clone())
	}
	return out, nil
}

type fixedPrices map[string]decimal.Decimal

func (p fixedPrices) GetPrice(_ context.Context, venueID, assetID string) (domain.PriceQuote, error) {
	price, ok := p[venueID]
	if !ok {
		return domain.PriceQuote{}, domain.ErrNotFound
	}
	return domain.PriceQuote{VenueID: venueID, AssetID: assetID, Price: price, Timestamp: time.Now()}, nil
}

type harness struct {
	buy, sell   *MockAdapter
	recorder    *memRecorder
	checkpoints *memCheckpoints
}

func newHarness(t *testing.T, validate validatorFunc, prices domain.PriceProvider) (*Coordinator, *harness) {
	t.Helper()
	h := &harness{
		buy:         &MockAdapter{venue: domain.Venue{ID: "A"}},
		sell:        &MockAdapter{venue: domain.Venue{ID: "B"}},
		recorder:    &memRecorder{},
		checkpoints: &memCheckpoints{},
	}
	c := NewCoordinator(CoordinatorConfig{
		Validator:      validate,
		Preparer:       stubPreparer{},
		Adapters:       map[string]domain.VenueAdapter{"A": h.buy, "B": h.sell},
		Prices:         prices,
		Recorder:       h.recorder,
		Checkpoints:    h.checkpoints,
		Asset:          "ZEC",
		MinAmount:      decimal.NewFromInt(10),
		MaxAmount:      decimal.NewFromInt(1000),
		PollInterval:   time.Millisecond,
		MaxPolls:       3,
		AdapterTimeout: time.Second,
		Logger:         logging.Nop(),
	})
	return c, h
}

func opportunity() domain.Opportunity {
	return domain.Opportunity{
		ID:         "opp-1",
		BuyVenue:   "A",
		SellVenue:  "B",
		BuyPrice:   decimal.NewFromInt(100),
		SellPrice:  decimal.NewFromInt(103),
		Spread:     decimal.RequireFromString("0.03"),
		DetectedAt: time.Now(),
	}
}

const scenarioAmount = "10.297"

func TestCoordinator_SuccessWithoutFills(t *testing.T) {
	c, h := newHarness(t, accepting, nil)
	h.buy.On("Submit", true, scenarioAmount).Return(domain.Submission{TxRef: "tx-buy", Status: domain.LegPending}, nil)
	h.buy.On("Poll", "tx-buy").Return(domain.PollResult{Status: domain.LegPending}, nil).Once()
	h.buy.On("Poll", "tx-buy").Return(domain.PollResult{Status: domain.LegConfirmed}, nil)
	h.sell.On("Submit", false, scenarioAmount).Return(domain.Submission{TxRef: "tx-sell", Status: domain.LegPending}, nil)
	h.sell.On("Poll", "tx-sell").Return(domain.PollResult{Status: domain.LegConfirmed}, nil)

	a := c.Run(context.Background(), opportunity())

	require.Equal(t, domain.StateLeg2Confirmed, a.State)
	assert.Equal(t, domain.OutcomeSuccess, a.Outcome)
	assert.True(t, a.Amount.Equal(decimal.RequireFromString(scenarioAmount)))
	assert.True(t, a.Profit.Equal(decimal.RequireFromString("0.30891")), a.Profit.String())
	assert.Equal(t, 2, a.Leg1.Polls)
	assert.Equal(t, 1, a.Leg2.Polls)
	assert.Equal(t, domain.LegConfirmed, a.Leg2.Status)

	var states []domain.AttemptState
	for _, tr := range a.Transitions {
		states = append(states, tr.State)
	}
	assert.Equal(t, []domain.AttemptState{
		domain.StateDetected, domain.StateValidating, domain.StatePreparing,
		domain.StateLeg1Submitted, domain.StateLeg1Confirmed,
		domain.StateLeg2Submitted, domain.StateLeg2Confirmed,
	}, states)

	assert.Contains(t, h.recorder.attempts, a.ID)
	assert.Empty(t, h.checkpoints.saved)
	assert.Contains(t, h.checkpoints.seen, domain.StateLeg1Confirmed)
}

func TestCoordinator_ProfitFromFills(t *testing.T) {
	c, h := newHarness(t, accepting, nil)
	h.buy.On("Submit", true, scenarioAmount).Return(domain.Submission{TxRef: "tx-buy", Status: domain.LegPending}, nil)
	h.sell.On("Submit", false, scenarioAmount).Return(domain.Submission{TxRef: "tx-sell", Status: domain.LegPending}, nil)
	h.buy.On("Poll", "tx-buy").Return(domain.PollResult{
		Status: domain.LegConfirmed,
		Fill:   &domain.Fill{Price: decimal.NewFromInt(100), Amount: decimal.RequireFromString(scenarioAmount)},
	}, nil)
	h.sell.On("Poll", "tx-sell").Return(domain.PollResult{
		Status: domain.LegConfirmed,
		Fill:   &domain.Fill{Price: decimal.NewFromInt(102), Amount: decimal.RequireFromString(scenarioAmount)},
	}, nil)

	a := c.Run(context.Background(), opportunity())

	require.Equal(t, domain.StateLeg2Confirmed, a.State)
	require.NotNil(t, a.Leg1.Fill)
	// (102-100)/100 of the notional, not the quoted 3%.
	assert.True(t, a.Profit.Equal(decimal.RequireFromString("0.20594")), a.Profit.String())
}

func TestCoordinator_ConfirmedOnSubmitSkipsPolling(t *testing.T) {
	c, h := newHarness(t, accepting, nil)
	h.buy.On("Submit", true, scenarioAmount).Return(domain.Submission{TxRef: "tx-buy", Status: domain.LegConfirmed}, nil)
	h.sell.On("Submit", false, scenarioAmount).Return(domain.Submission{TxRef: "tx-sell", Status: domain.LegConfirmed}, nil)

	a := c.Run(context.Background(), opportunity())

	require.Equal(t, domain.StateLeg2Confirmed, a.State)
	assert.Zero(t, a.Leg1.Polls)
	h.buy.AssertNotCalled(t, "Poll", mock.Anything)
	h.sell.AssertNotCalled(t, "Poll", mock.Anything)
}

func TestCoordinator_Leg2SubmitFailureIsPartialFailure(t *testing.T) {
	prices := fixedPrices{"A": decimal.NewFromInt(98)}
	c, h := newHarness(t, accepting, prices)
	h.buy.On("Submit", true, scenarioAmount).Return(domain.Submission{TxRef: "tx-buy", Status: domain.LegPending}, nil)
	h.buy.On("Poll", "tx-buy").Return(domain.PollResult{Status: domain.LegConfirmed}, nil)
	h.sell.On("Submit", false, scenarioAmount).Return(domain.Submission{}, errors.New("venue down"))

	a := c.Run(context.Background(), opportunity())

	require.Equal(t, domain.StateLeg2Failed, a.State)
	assert.Equal(t, domain.OutcomePartialFailure, a.Outcome)
	assert.Contains(t, a.Reason, "venue down")
	assert.Equal(t, domain.LegConfirmed, a.Leg1.Status)
	// 10.297 * (98-100)/100
	assert.True(t, a.LossEstimate.Equal(decimal.RequireFromString("-0.20594")), a.LossEstimate.String())
	assert.True(t, a.Profit.IsZero())
	h.sell.AssertNotCalled(t, "Poll", mock.Anything)
	assert.Contains(t, h.recorder.attempts, a.ID)
}

func TestCoordinator_Leg2TimeoutIsPartialFailureWithoutUnwind(t *testing.T) {
	c, h := newHarness(t, accepting, nil)
	h.buy.On("Submit", true, scenarioAmount).Return(domain.Submission{TxRef: "tx-buy", Status: domain.LegPending}, nil)
	h.buy.On("Poll", "tx-buy").Return(domain.PollResult{Status: domain.LegConfirmed}, nil)
	h.sell.On("Submit", false, scenarioAmount).Return(domain.Submission{TxRef: "tx-sell", Status: domain.LegPending}, nil)
	h.sell.On("Poll", "tx-sell").Return(domain.PollResult{Status: domain.LegPending}, nil)

	a := c.Run(context.Background(), opportunity())

	require.Equal(t, domain.StateLeg2TimedOut, a.State)
	assert.Equal(t, domain.OutcomePartialFailure, a.Outcome)
	assert.Equal(t, 3, a.Leg2.Polls)
	assert.True(t, a.LossEstimate.Equal(decimal.RequireFromString(scenarioAmount).Neg()))
	// No compensating sell-back on the buy venue.
	h.buy.AssertNumberOfCalls(t, "Submit", 1)
}

func TestCoordinator_Leg1TimeoutNeverSubmitsLeg2(t *testing.T) {
	c, h := newHarness(t, accepting, nil)
	h.buy.On("Submit", true, scenarioAmount).Return(domain.Submission{TxRef: "tx-buy", Status: domain.LegPending}, nil)
	h.buy.On("Poll", "tx-buy").Return(domain.PollResult{}, errors.New("rpc flake")).Once()
	h.buy.On("Poll", "tx-buy").Return(domain.PollResult{Status: domain.LegPending}, nil)

	a := c.Run(context.Background(), opportunity())

	require.Equal(t, domain.StateLeg1TimedOut, a.State)
	assert.Equal(t, domain.OutcomeRejected, a.Outcome)
	assert.Equal(t, 3, a.Leg1.Polls)
	assert.Nil(t, a.Leg2)
	h.sell.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
}

func TestCoordinator_Leg1FailureReported(t *testing.T) {
	c, h := newHarness(t, accepting, nil)
	h.buy.On("Submit", true, scenarioAmount).Return(domain.Submission{TxRef: "tx-buy", Status: domain.LegPending}, nil)
	h.buy.On("Poll", "tx-buy").Return(domain.PollResult{Status: domain.LegFailed, Reason: "reverted"}, nil)

	a := c.Run(context.Background(), opportunity())

	assert.Equal(t, domain.StateLeg1Failed, a.State)
	assert.Equal(t, "reverted", a.Reason)
	h.sell.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
}

func TestCoordinator_RejectedByValidator(t *testing.T) {
	reject := func(opp domain.Opportunity) (domain.ValidatedOpportunity, error) {
		return domain.ValidatedOpportunity{Opportunity: opp, Verdict: domain.VerdictReject, Reason: "expected spread below hurdle"}, nil
	}
	c, h := newHarness(t, reject, nil)

	a := c.Run(context.Background(), opportunity())

	assert.Equal(t, domain.StateRejected, a.State)
	assert.Equal(t, "expected spread below hurdle", a.Reason)
	assert.Nil(t, a.Leg1)
	h.buy.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
	assert.Equal(t, 1, h.recorder.calls)
}

func TestCoordinator_OracleFailureRejects(t *testing.T) {
	failing := func(opp domain.Opportunity) (domain.ValidatedOpportunity, error) {
		return domain.ValidatedOpportunity{Opportunity: opp, Verdict: domain.VerdictOracleFailure},
			&domain.PredictionError{Venue: "A", Err: errors.New("no history")}
	}
	c, _ := newHarness(t, failing, nil)

	a := c.Run(context.Background(), opportunity())

	assert.Equal(t, domain.StateRejected, a.State)
	assert.Contains(t, a.Reason, "no history")
}

func TestCoordinator_ProofCheckFailureRejects(t *testing.T) {
	c, h := newHarness(t, accepting, nil)
	c.preparer = stubPreparer{checkErr: domain.ErrProofInvalid}

	a := c.Run(context.Background(), opportunity())

	assert.Equal(t, domain.StateRejected, a.State)
	assert.Contains(t, a.Reason, domain.ErrProofInvalid.Error())
	h.buy.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
}

func TestCoordinator_ShutdownAfterLeg1ConfirmedSkipsLeg2(t *testing.T) {
	c, h := newHarness(t, accepting, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.buy.On("Submit", true, scenarioAmount).Return(domain.Submission{TxRef: "tx-buy", Status: domain.LegPending}, nil)
	h.buy.On("Poll", "tx-buy").Run(func(mock.Arguments) { cancel() }).
		Return(domain.PollResult{Status: domain.LegConfirmed}, nil)

	a := c.Run(ctx, opportunity())

	assert.Equal(t, domain.StateLeg1Confirmed, a.State)
	assert.False(t, a.IsTerminal())
	h.sell.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
	require.Contains(t, h.checkpoints.saved, a.ID)
	assert.Equal(t, domain.StateLeg1Confirmed, h.checkpoints.saved[a.ID].State)
	assert.Empty(t, h.recorder.attempts)
}

func TestCoordinator_ShutdownBeforeSubmissionRejects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancelling := func(opp domain.Opportunity) (domain.ValidatedOpportunity, error) {
		cancel()
		return accepting(opp)
	}
	c, h := newHarness(t, cancelling, nil)

	a := c.Run(ctx, opportunity())

	assert.Equal(t, domain.StateRejected, a.State)
	assert.Equal(t, "shutdown before submission", a.Reason)
	h.buy.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
	assert.Empty(t, h.checkpoints.saved)
}

func checkpointed(state domain.AttemptState) *domain.TradeAttempt {
	now := time.Now().UTC()
	a := domain.NewTradeAttempt("att-1", opportunity(), now)
	a.Amount = decimal.RequireFromString(scenarioAmount)
	for _, s := range []domain.AttemptState{domain.StateValidating, domain.StatePreparing, domain.StateLeg1Submitted} {
		a.Advance(s, now)
	}
	a.Leg1 = &domain.TradeLegResult{VenueID: "A", Role: domain.RoleBuy, Amount: a.Amount, TxRef: "tx-buy", Status: domain.LegPending, Polls: 7}
	if state == domain.StateLeg1Submitted {
		return a
	}
	a.Leg1.Status = domain.LegConfirmed
	a.Advance(domain.StateLeg1Confirmed, now)
	if state == domain.StateLeg1Confirmed {
		return a
	}
	a.Leg2 = &domain.TradeLegResult{VenueID: "B", Role: domain.RoleSell, Amount: a.Amount, TxRef: "tx-sell", Status: domain.LegPending}
	a.Advance(domain.StateLeg2Submitted, now)
	return a
}

func TestCoordinator_ResumeLeg1ConfirmedClosesAsPartialFailure(t *testing.T) {
	c, h := newHarness(t, accepting, nil)
	a := checkpointed(domain.StateLeg1Confirmed)
	require.NoError(t, h.checkpoints.SaveCheckpoint(context.Background(), a))

	got := c.Resume(context.Background(), a)

	assert.Equal(t, domain.StateLeg2Failed, got.State)
	assert.Equal(t, domain.OutcomePartialFailure, got.Outcome)
	assert.Equal(t, "interrupted before leg 2", got.Reason)
	h.sell.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
	assert.Empty(t, h.checkpoints.saved)
	assert.Contains(t, h.recorder.attempts, a.ID)
}

func TestCoordinator_ResumeLeg1SubmittedPollsWithFreshBudget(t *testing.T) {
	c, h := newHarness(t, accepting, nil)
	h.buy.On("Poll", "tx-buy").Return(domain.PollResult{Status: domain.LegConfirmed}, nil)

	got := c.Resume(context.Background(), checkpointed(domain.StateLeg1Submitted))

	assert.Equal(t, domain.StateLeg2Failed, got.State)
	assert.Equal(t, 1, got.Leg1.Polls)
	h.buy.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
	h.sell.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
}

func TestCoordinator_ResumeLeg2SubmittedFinalizes(t *testing.T) {
	c, h := newHarness(t, accepting, nil)
	h.sell.On("Poll", "tx-sell").Return(domain.PollResult{Status: domain.LegConfirmed}, nil)

	got := c.Resume(context.Background(), checkpointed(domain.StateLeg2Submitted))

	assert.Equal(t, domain.StateLeg2Confirmed, got.State)
	assert.True(t, got.Profit.Equal(decimal.RequireFromString("0.30891")))
}

func TestCoordinator_ResumePreparingRejects(t *testing.T) {
	c, _ := newHarness(t, accepting, nil)
	now := time.Now()
	a := domain.NewTradeAttempt("att-2", opportunity(), now)
	a.Advance(domain.StatePreparing, now)

	got := c.Resume(context.Background(), a)

	assert.Equal(t, domain.StateRejected, got.State)
	assert.Equal(t, "interrupted before submission", got.Reason)
}
