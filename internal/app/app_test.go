package app

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/crossarb/internal/config"
	"github.com/alanyoungcy/crossarb/internal/domain"
	"github.com/alanyoungcy/crossarb/internal/logging"
	"github.com/alanyoungcy/crossarb/internal/store/wal"
)

func paperTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Mode = "paper"
	cfg.Oracle.Kind = "static"
	cfg.Server.Enabled = false
	cfg.Ledger.PaperWALDir = t.TempDir()
	cfg.Venues = []config.VenueConfig{
		{ID: "alpha", Kind: "rest", APIURL: "http://unused", PoolAddress: "zs1alpha", PaperPrice: config.D("100")},
		{ID: "beta", Kind: "evm", RPCURL: "http://unused", PoolAddress: "zs1beta", PaperPrice: config.D("103")},
	}
	return &cfg
}

func TestPaperConfig_ForcesPaperVenuesOnACopy(t *testing.T) {
	cfg := paperTestConfig(t)

	out := paperConfig(cfg)

	for _, v := range out.Venues {
		assert.Equal(t, "paper", v.Kind)
	}
	assert.Equal(t, "rest", cfg.Venues[0].Kind)
	assert.Equal(t, "evm", cfg.Venues[1].Kind)
	assert.Equal(t, "zs1beta", out.Venues[1].PoolAddress)
}

func TestLedgerBackend_PaperNeverUsesTheLiveLedger(t *testing.T) {
	cfg := paperTestConfig(t)
	cfg.Ledger.Backend = "postgres"

	backend, dir, err := ledgerBackend(cfg)
	require.NoError(t, err)
	assert.Equal(t, "wal", backend)
	assert.Equal(t, cfg.Ledger.PaperWALDir, dir)

	cfg.Ledger.PaperWALDir = ""
	backend, dir, err = ledgerBackend(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	assert.Equal(t, "wal", backend)
	assert.NotEqual(t, cfg.Ledger.WALDir, dir)
	assert.NotEmpty(t, dir)
}

func TestPaperRuntime_CycleRecordsASuccessfulAttempt(t *testing.T) {
	ctx := context.Background()
	a := New(paperTestConfig(t), logging.Nop())
	a.cfg.Monitoring.ConfirmationInterval.Duration = time.Millisecond

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	require.NoError(t, err)
	defer cleanup()

	rt, err := a.buildRuntime(ctx, deps)
	require.NoError(t, err)
	defer rt.venues.Close()

	report := rt.engine.Cycle(ctx)
	rt.engine.Wait()

	assert.Equal(t, 2, report.Quotes)
	assert.Equal(t, 1, report.Candidates)
	assert.Equal(t, 1, report.Launched)

	stats := rt.ledger.Stats()
	require.Equal(t, 1, stats.TotalTrades)
	assert.Equal(t, 1, stats.Successes)
	assert.True(t, stats.TotalProfit.IsPositive())

	recent := rt.ledger.Recent(10)
	require.Len(t, recent, 1)
	assert.Equal(t, "alpha", recent[0].Opportunity.BuyVenue)
	assert.Equal(t, "beta", recent[0].Opportunity.SellVenue)
	assert.Equal(t, domain.OutcomeSuccess, recent[0].Outcome)
	assert.EqualValues(t, 1, rt.validator.Stats().Accepted)
}

func TestStatsMode_PrintsLedgerTotals(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := wal.Open(dir)
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, profit := range []int64{4, 6} {
		at := domain.NewTradeAttempt(string(rune('a'+i)), domain.Opportunity{
			ID:        "opp",
			BuyVenue:  "alpha",
			SellVenue: "beta",
		}, now)
		at.Amount = decimal.NewFromInt(10)
		at.Profit = decimal.NewFromInt(profit)
		at.Finish(domain.StateLeg2Confirmed, "", now)
		_, err := store.Insert(ctx, at)
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())

	cfg := config.Defaults()
	cfg.Mode = "stats"
	cfg.Ledger.WALDir = dir

	a := New(&cfg, logging.Nop())
	var out bytes.Buffer
	a.out = &out
	defer a.Close()

	require.NoError(t, a.Run(ctx))

	var report struct {
		Ledger struct {
			TotalProfit   string `json:"total_profit"`
			TotalTrades   int    `json:"total_trades"`
			AverageProfit string `json:"average_profit"`
		} `json:"ledger"`
		Export string `json:"export"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, 2, report.Ledger.TotalTrades)
	assert.Equal(t, "10", report.Ledger.TotalProfit)
	assert.Equal(t, "5", report.Ledger.AverageProfit)
	assert.Empty(t, report.Export)
}
