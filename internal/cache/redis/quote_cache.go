package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

// QuoteCache implements domain.QuoteCache with one hash per venue at
// "{prefix}quote:{venueID}" holding asset, price and ts (unix nanos).
// Entries expire after ttl so a dead feed cannot serve quotes forever.
type QuoteCache struct {
	c   *Client
	ttl time.Duration
}

// NewQuoteCache creates a QuoteCache backed by the given Client.
func NewQuoteCache(c *Client, ttl time.Duration) *QuoteCache {
	return &QuoteCache{c: c, ttl: ttl}
}

// SetQuote stores the latest quote for its venue.
func (qc *QuoteCache) SetQuote(ctx context.Context, q domain.PriceQuote) error {
	key := qc.c.Key("quote", q.VenueID)
	pipe := qc.c.rdb.TxPipeline()
	pipe.HSet(ctx, key, encodeQuote(q))
	if qc.ttl > 0 {
		pipe.Expire(ctx, key, qc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", q.VenueID, err)
	}
	return nil
}

// GetQuote returns the cached quote or domain.ErrNotFound.
func (qc *QuoteCache) GetQuote(ctx context.Context, venueID string) (domain.PriceQuote, error) {
	vals, err := qc.c.rdb.HGetAll(ctx, qc.c.Key("quote", venueID)).Result()
	if err != nil && err != redis.Nil {
		return domain.PriceQuote{}, fmt.Errorf("redis: get quote %s: %w", venueID, err)
	}
	if len(vals) == 0 {
		return domain.PriceQuote{}, domain.ErrNotFound
	}
	q, err := decodeQuote(venueID, vals)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("redis: get quote %s: %w", venueID, err)
	}
	return q, nil
}

func encodeQuote(q domain.PriceQuote) map[string]any {
	return map[string]any{
		"asset": q.AssetID,
		"price": q.Price.String(),
		"ts":    strconv.FormatInt(q.Timestamp.UnixNano(), 10),
	}
}

func decodeQuote(venueID string, vals map[string]string) (domain.PriceQuote, error) {
	priceStr, ok := vals["price"]
	if !ok {
		return domain.PriceQuote{}, domain.ErrNotFound
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("parse price: %w", err)
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("parse ts: %w", err)
	}
	return domain.PriceQuote{
		VenueID:   venueID,
		AssetID:   vals["asset"],
		Price:     price,
		Timestamp: time.Unix(0, tsNano).UTC(),
	}, nil
}

var _ domain.QuoteCache = (*QuoteCache)(nil)
