package venue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

// HTTPPriceFeed polls a JSON endpoint returning {"price": "..."}.
type HTTPPriceFeed struct {
	venueID string
	asset   string
	url     string
	client  *resty.Client
	now     func() time.Time
}

var _ PriceSource = (*HTTPPriceFeed)(nil)

// NewHTTPPriceFeed creates a feed for one venue.
func NewHTTPPriceFeed(venueID, asset, url string) *HTTPPriceFeed {
	return &HTTPPriceFeed{
		venueID: venueID,
		asset:   asset,
		url:     url,
		client:  newJSONClient(5 * time.Second),
		now:     time.Now,
	}
}

type priceResponse struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp *time.Time      `json:"ts,omitempty"`
}

// Quote fetches the current price. Transport failures, error statuses,
// undecodable bodies and non-positive prices are *domain.FetchError.
func (f *HTTPPriceFeed) Quote(ctx context.Context) (domain.PriceQuote, error) {
	resp, err := f.client.R().
		SetContext(ctx).
		SetQueryParam("asset", f.asset).
		Get(f.url)
	if err != nil {
		return domain.PriceQuote{}, &domain.FetchError{Venue: f.venueID, Err: err}
	}
	if resp.IsError() {
		return domain.PriceQuote{}, &domain.FetchError{Venue: f.venueID, Err: fmt.Errorf("status %s", resp.Status())}
	}
	var body priceResponse
	if err := decodeBody(resp, &body); err != nil {
		return domain.PriceQuote{}, &domain.FetchError{Venue: f.venueID, Err: err}
	}
	if !body.Price.IsPositive() {
		return domain.PriceQuote{}, &domain.FetchError{Venue: f.venueID, Err: domain.ErrBadPrice}
	}

	ts := f.now()
	if body.Timestamp != nil && !body.Timestamp.IsZero() {
		ts = *body.Timestamp
	}
	return domain.PriceQuote{VenueID: f.venueID, AssetID: f.asset, Price: body.Price, Timestamp: ts}, nil
}

// Router implements domain.PriceProvider over per-venue sources. When a
// QuoteCache is set, every fresh quote is written through and a failed
// fetch falls back to a cached quote no older than maxAge.
type Router struct {
	sources map[string]PriceSource
	cache   domain.QuoteCache
	maxAge  time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

var _ domain.PriceProvider = (*Router)(nil)

// RouterConfig configures a Router.
type RouterConfig struct {
	Sources map[string]PriceSource
	Cache   domain.QuoteCache // optional
	MaxAge  time.Duration
	Logger  *slog.Logger
}

// NewRouter creates a price router.
func NewRouter(cfg RouterConfig) *Router {
	return &Router{
		sources: cfg.Sources,
		cache:   cfg.Cache,
		maxAge:  cfg.MaxAge,
		now:     time.Now,
		logger:  cfg.Logger.With(slog.String("component", "price_router")),
	}
}

// GetPrice returns the current quote for venueID. Failures are wrapped in
// *domain.FetchError.
func (r *Router) GetPrice(ctx context.Context, venueID, assetID string) (domain.PriceQuote, error) {
	src, ok := r.sources[venueID]
	if !ok {
		return domain.PriceQuote{}, &domain.FetchError{Venue: venueID, Err: domain.ErrUnknownVenue}
	}

	q, err := src.Quote(ctx)
	if err == nil && !q.Price.IsPositive() {
		err = domain.ErrBadPrice
	}
	if err == nil {
		if assetID != "" && q.AssetID == "" {
			q.AssetID = assetID
		}
		if r.cache != nil {
			if cerr := r.cache.SetQuote(ctx, q); cerr != nil {
				r.logger.DebugContext(ctx, "quote cache write failed",
					slog.String("venue", venueID),
					slog.String("error", cerr.Error()),
				)
			}
		}
		return q, nil
	}

	if cached, ok := r.fromCache(ctx, venueID); ok {
		r.logger.WarnContext(ctx, "using cached quote",
			slog.String("venue", venueID),
			slog.Duration("age", cached.Age(r.now())),
			slog.String("error", err.Error()),
		)
		return cached, nil
	}
	return domain.PriceQuote{}, &domain.FetchError{Venue: venueID, Err: err}
}

func (r *Router) fromCache(ctx context.Context, venueID string) (domain.PriceQuote, bool) {
	if r.cache == nil || r.maxAge <= 0 {
		return domain.PriceQuote{}, false
	}
	q, err := r.cache.GetQuote(ctx, venueID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			r.logger.DebugContext(ctx, "quote cache read failed",
				slog.String("venue", venueID),
				slog.String("error", err.Error()),
			)
		}
		return domain.PriceQuote{}, false
	}
	if !q.Price.IsPositive() || q.Age(r.now()) > r.maxAge {
		return domain.PriceQuote{}, false
	}
	return q, true
}

// Venues returns the ids the router can quote.
func (r *Router) Venues() []string {
	ids := make([]string, 0, len(r.sources))
	for id := range r.sources {
		ids = append(ids, id)
	}
	return ids
}
