package redis

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

func TestQuoteEncoding_PreservesDecimalAndTime(t *testing.T) {
	ts := time.Date(2026, 5, 4, 3, 2, 1, 123456789, time.UTC)
	q := domain.PriceQuote{
		VenueID:   "eth-dex",
		AssetID:   "ZEC",
		Price:     decimal.RequireFromString("31.123456789012345678"),
		Timestamp: ts,
	}

	raw := encodeQuote(q)
	vals := make(map[string]string, len(raw))
	for k, v := range raw {
		vals[k] = v.(string)
	}

	got, err := decodeQuote("eth-dex", vals)
	require.NoError(t, err)
	assert.True(t, got.Price.Equal(q.Price))
	assert.True(t, got.Timestamp.Equal(ts))
	assert.Equal(t, "ZEC", got.AssetID)
}

func TestQuoteDecoding_Errors(t *testing.T) {
	_, err := decodeQuote("v", map[string]string{"ts": "1"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = decodeQuote("v", map[string]string{"price": "abc", "ts": "1"})
	assert.Error(t, err)

	_, err = decodeQuote("v", map[string]string{"price": "1.5", "ts": "later"})
	assert.Error(t, err)
}

func TestClient_KeyUsesPrefix(t *testing.T) {
	c := &Client{prefix: "test:"}
	assert.Equal(t, "test:quote:eth-dex", c.Key("quote", "eth-dex"))
	assert.Equal(t, "test:lock:pair:A->B", c.Key("lock", "pair:A->B"))
}

func TestNew_FailsFastWhenUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := New(ctx, ClientConfig{Addr: "127.0.0.1:1", PoolSize: 1})
	assert.Error(t, err)
}
