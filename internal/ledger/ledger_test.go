package ledger

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
	"github.com/alanyoungcy/crossarb/internal/store/wal"
)

// MockAlerter is a mock implementation of Alerter.
type MockAlerter struct {
	mock.Mock
}

func (m *MockAlerter) Alert(ctx context.Context, a *domain.TradeAttempt) error {
	return m.Called(a.ID).Error(0)
}

type recordingBus struct {
	mu        sync.Mutex
	published [][]byte
}

func (b *recordingBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, payload)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *recordingBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *recordingBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func attempt(id string, state domain.AttemptState, profit string, at time.Time) *domain.TradeAttempt {
	a := domain.NewTradeAttempt(id, domain.Opportunity{ID: "o-" + id, BuyVenue: "A", SellVenue: "B"}, at)
	a.Amount = decimal.NewFromInt(100)
	a.Profit = decimal.RequireFromString(profit)
	if state.Outcome() == domain.OutcomePartialFailure {
		a.Profit = decimal.Zero
		a.LossEstimate = decimal.RequireFromString("-2")
	}
	a.Finish(state, "", at)
	return a
}

func openLedger(t *testing.T, dir string, cfg Config) (*Ledger, *wal.Store) {
	t.Helper()
	store, err := wal.Open(dir)
	require.NoError(t, err)
	cfg.Store = store
	cfg.Logger = logging.Nop()
	l := New(cfg)
	require.NoError(t, l.Load(context.Background()))
	return l, store
}

func TestLedger_EmptyStats(t *testing.T) {
	l, store := openLedger(t, t.TempDir(), Config{})
	defer store.Close()

	assert.True(t, l.TotalProfit().IsZero())
	assert.True(t, l.SuccessRate().IsZero())
	assert.True(t, l.AverageProfit().IsZero())
	assert.Empty(t, l.Recent(10))
}

func TestLedger_MixedOutcomes(t *testing.T) {
	l, store := openLedger(t, t.TempDir(), Config{})
	defer store.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	for _, a := range []*domain.TradeAttempt{
		attempt("s1", domain.StateLeg2Confirmed, "5", now),
		attempt("s2", domain.StateLeg2Confirmed, "3", now.Add(time.Second)),
		attempt("r1", domain.StateRejected, "0", now.Add(2*time.Second)),
		attempt("p1", domain.StateLeg2TimedOut, "0", now.Add(3*time.Second)),
	} {
		require.NoError(t, l.Record(ctx, a))
	}

	assert.True(t, l.SuccessRate().Equal(decimal.RequireFromString("0.5")))
	assert.True(t, l.TotalProfit().Equal(decimal.NewFromInt(8)))
	assert.True(t, l.AverageProfit().Equal(decimal.NewFromInt(4)))

	stats := l.Stats()
	assert.Equal(t, 4, stats.TotalTrades)
	assert.Equal(t, 2, stats.Successes)
	assert.Equal(t, 1, stats.PartialFailures)
	assert.Equal(t, 1, stats.Rejected)
	assert.True(t, stats.Exposure.Equal(decimal.NewFromInt(-2)))

	recent := l.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "p1", recent[0].ID)
	assert.Equal(t, "r1", recent[1].ID)
}

func TestLedger_RecordIsIdempotent(t *testing.T) {
	bus := &recordingBus{}
	alerter := &MockAlerter{}
	alerter.On("Alert", "p1").Return(nil).Once()

	l, store := openLedger(t, t.TempDir(), Config{Bus: bus, Alerter: alerter})
	defer store.Close()
	ctx := context.Background()

	a := attempt("p1", domain.StateLeg2Failed, "0", time.Now().UTC())
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Record(ctx, a))
	}

	assert.Equal(t, 1, l.Stats().TotalTrades)
	assert.Len(t, bus.published, 1)
	alerter.AssertExpectations(t)

	all, err := store.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLedger_ConcurrentRecordsOfSameID(t *testing.T) {
	l, store := openLedger(t, t.TempDir(), Config{})
	defer store.Close()
	a := attempt("s1", domain.StateLeg2Confirmed, "5", time.Now().UTC())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Record(context.Background(), a))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, l.Stats().TotalTrades)
	assert.True(t, l.TotalProfit().Equal(decimal.NewFromInt(5)))
}

func TestLedger_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	now := time.Now().UTC()

	l, store := openLedger(t, dir, Config{})
	require.NoError(t, l.Record(ctx, attempt("s1", domain.StateLeg2Confirmed, "5", now)))
	require.NoError(t, l.Record(ctx, attempt("r1", domain.StateRejected, "0", now)))
	require.NoError(t, store.Close())

	l, store = openLedger(t, dir, Config{})
	defer store.Close()

	assert.Equal(t, 2, l.Stats().TotalTrades)
	assert.True(t, l.TotalProfit().Equal(decimal.NewFromInt(5)))
	require.NoError(t, l.Record(ctx, attempt("s1", domain.StateLeg2Confirmed, "5", now)))
	assert.Equal(t, 2, l.Stats().TotalTrades)

	got, err := l.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRejected, got.Outcome)
}

func TestLedger_RecentViewPrunesOldAttempts(t *testing.T) {
	l, store := openLedger(t, t.TempDir(), Config{RecentTTL: time.Hour, RecentLimit: 2})
	defer store.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, l.Record(ctx, attempt("old", domain.StateLeg2Confirmed, "1", now.Add(-2*time.Hour))))
	require.NoError(t, l.Record(ctx, attempt("n1", domain.StateLeg2Confirmed, "1", now)))
	require.NoError(t, l.Record(ctx, attempt("n2", domain.StateLeg2Confirmed, "1", now)))
	require.NoError(t, l.Record(ctx, attempt("n3", domain.StateLeg2Confirmed, "1", now)))

	recent := l.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, "n3", recent[0].ID)
	assert.Equal(t, "n2", recent[1].ID)
	assert.Equal(t, 4, l.Stats().TotalTrades)

	// Pruned from the view, still in the ledger.
	got, err := l.Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, "old", got.ID)
}

func TestLedger_RejectsNonTerminal(t *testing.T) {
	l, store := openLedger(t, t.TempDir(), Config{})
	defer store.Close()
	a := domain.NewTradeAttempt("x", domain.Opportunity{}, time.Now())
	assert.Error(t, l.Record(context.Background(), a))
}
