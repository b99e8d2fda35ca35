package venue

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/crossarb/internal/config"
	"github.com/alanyoungcy/crossarb/internal/crypto"
	"github.com/alanyoungcy/crossarb/internal/domain"
)

const restMaxRetries = 3

// RESTConfig configures a REST exchange venue.
type RESTConfig struct {
	Venue     domain.Venue
	BaseURL   string
	APIKey    string
	APISecret string
	RateLimit float64 // requests per second; 0 means 10
	Timeout   time.Duration
	Logger    *slog.Logger
}

// REST trades on an exchange-style HTTP API with signed requests.
type REST struct {
	venue   domain.Venue
	client  *resty.Client
	auth    *crypto.HMACAuth
	limiter *rate.Limiter
	backoff func(attempt int) time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

var (
	_ domain.VenueAdapter = (*REST)(nil)
	_ PriceSource         = (*REST)(nil)
)

// NewREST creates a REST venue adapter.
func NewREST(cfg RESTConfig) *REST {
	rps := cfg.RateLimit
	if rps <= 0 {
		rps = 10
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &REST{
		venue:   cfg.Venue,
		client:  newJSONClient(timeout).SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")),
		auth:    &crypto.HMACAuth{Key: cfg.APIKey, Secret: cfg.APISecret},
		limiter: rate.NewLimiter(rate.Limit(rps), int(math.Max(1, rps))),
		backoff: func(i int) time.Duration { return time.Duration(math.Pow(2, float64(i))) * time.Second },
		now:     time.Now,
		logger: cfg.Logger.With(
			slog.String("component", "rest_venue"),
			slog.String("venue", cfg.Venue.ID),
		),
	}
}

// NewRESTFromConfig is the registry factory for REST venues.
func NewRESTFromConfig(_ context.Context, vc config.VenueConfig, v domain.Venue, deps Deps) (Built, error) {
	if vc.APIURL == "" {
		return Built{}, fmt.Errorf("venue %s: api_url is required", v.ID)
	}
	r := NewREST(RESTConfig{
		Venue:     v,
		BaseURL:   vc.APIURL,
		APIKey:    vc.APIKey,
		APISecret: vc.APISecret,
		RateLimit: vc.RateLimitRPS,
		Logger:    deps.Logger,
	})
	if prices, run, ok := externalFeed(vc, v, deps); ok {
		return Built{Adapter: r, Prices: prices, Run: run}, nil
	}
	return Built{Adapter: r, Prices: r}, nil
}

// Venue returns the static venue description.
func (r *REST) Venue() domain.Venue { return r.venue }

type orderRequest struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Amount      string `json:"amount"`
	Pool        string `json:"pool"`
	Memo        string `json:"memo"`
	Diversifier string `json:"diversifier"`
	Proof       string `json:"proof"`
}

type orderResponse struct {
	OrderID string          `json:"order_id"`
	Status  string          `json:"status"`
	Price   decimal.Decimal `json:"price"`
	Filled  decimal.Decimal `json:"filled_amount"`
	Fee     decimal.Decimal `json:"fee"`
	Reason  string          `json:"reason"`
}

type tickerResponse struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// Submit places a market order carrying the shielded note and its proof.
func (r *REST) Submit(ctx context.Context, note domain.ShieldedNote, proof domain.ProofHandle, isBuy bool, amount decimal.Decimal) (domain.Submission, error) {
	side := "sell"
	if isBuy {
		side = "buy"
	}
	body, err := json.Marshal(orderRequest{
		Symbol:      r.venue.Asset,
		Side:        side,
		Amount:      amount.String(),
		Pool:        note.PoolAddress,
		Memo:        note.Memo,
		Diversifier: note.Diversifier.String(),
		Proof:       hex.EncodeToString(proof),
	})
	if err != nil {
		return domain.Submission{}, fmt.Errorf("venue/rest: encode order: %w", err)
	}

	var out orderResponse
	if err := r.doRequest(ctx, http.MethodPost, "/orders", body, &out); err != nil {
		return domain.Submission{}, fmt.Errorf("venue/rest: submit: %w", err)
	}
	if out.OrderID == "" {
		return domain.Submission{}, fmt.Errorf("venue/rest: submit: empty order id")
	}
	res := orderStatus(out)
	return domain.Submission{TxRef: out.OrderID, Status: res.Status}, nil
}

// Poll reads the order state.
func (r *REST) Poll(ctx context.Context, txRef string) (domain.PollResult, error) {
	var out orderResponse
	if err := r.doRequest(ctx, http.MethodGet, "/orders/"+txRef, nil, &out); err != nil {
		return domain.PollResult{}, fmt.Errorf("venue/rest: poll %s: %w", txRef, err)
	}
	return orderStatus(out), nil
}

// Quote reads the venue ticker.
func (r *REST) Quote(ctx context.Context) (domain.PriceQuote, error) {
	var out tickerResponse
	if err := r.doRequest(ctx, http.MethodGet, "/ticker?symbol="+r.venue.Asset, nil, &out); err != nil {
		return domain.PriceQuote{}, fmt.Errorf("venue/rest: ticker: %w", err)
	}
	if !out.Price.IsPositive() {
		return domain.PriceQuote{}, &domain.FetchError{Venue: r.venue.ID, Err: domain.ErrBadPrice}
	}
	return domain.PriceQuote{VenueID: r.venue.ID, AssetID: r.venue.Asset, Price: out.Price, Timestamp: r.now()}, nil
}

func orderStatus(o orderResponse) domain.PollResult {
	switch strings.ToLower(o.Status) {
	case "filled":
		return domain.PollResult{
			Status: domain.LegConfirmed,
			Fill:   &domain.Fill{Price: o.Price, Amount: o.Filled, Fee: o.Fee},
		}
	case "rejected", "cancelled", "canceled", "expired":
		reason := o.Reason
		if reason == "" {
			reason = "order " + strings.ToLower(o.Status)
		}
		return domain.PollResult{Status: domain.LegFailed, Reason: reason}
	default:
		return domain.PollResult{Status: domain.LegPending}
	}
}

// newJSONClient builds a resty client that decodes every body as JSON,
// whatever Content-Type the server sends.
func newJSONClient(timeout time.Duration) *resty.Client {
	return resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
}

// decodeBody unmarshals a successful response into result. An empty body
// is an error when a result is expected.
func decodeBody(resp *resty.Response, result any) error {
	if result == nil {
		return nil
	}
	body := resp.Body()
	if len(strings.TrimSpace(string(body))) == 0 {
		return fmt.Errorf("empty response body (status %s)", resp.Status())
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// doRequest executes a signed request with rate limiting and retry on
// 429, 418 and 5xx. Each retry is signed afresh.
func (r *REST) doRequest(ctx context.Context, method, path string, body []byte, result any) error {
	var lastErr error

	for i := 0; i < restMaxRetries; i++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter wait failed: %w", err)
		}

		req := r.client.R().SetContext(ctx)
		for k, v := range r.auth.HeadersAt(method, path, string(body), r.now().UnixMilli()) {
			req.SetHeader(k, v)
		}
		if body != nil {
			req.SetHeader("Content-Type", "application/json").SetBody(body)
		}

		r.logger.DebugContext(ctx, "executing request", slog.String("method", method), slog.String("path", path))
		resp, err := req.Execute(method, path)
		if err == nil && !resp.IsError() {
			return decodeBody(resp, result)
		}

		shouldRetry := false
		var retryAfter time.Duration
		if resp != nil && err == nil {
			code := resp.StatusCode()
			switch {
			case code == http.StatusTooManyRequests || code == http.StatusTeapot:
				shouldRetry = true
				if seconds, perr := strconv.Atoi(resp.Header().Get("Retry-After")); perr == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
				lastErr = domain.ErrRateLimited
			case code == http.StatusUnauthorized || code == http.StatusForbidden:
				return fmt.Errorf("status %s: %w", resp.Status(), domain.ErrUnauthorized)
			case code >= 500:
				shouldRetry = true
				lastErr = fmt.Errorf("status %s", resp.Status())
			default:
				return fmt.Errorf("request failed with status %s: %s", resp.Status(), strings.TrimSpace(resp.String()))
			}
		} else {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			shouldRetry = true
			lastErr = err
		}

		if !shouldRetry || i == restMaxRetries-1 {
			break
		}
		if retryAfter == 0 {
			retryAfter = r.backoff(i)
		}

		r.logger.WarnContext(ctx, "request failed, retrying",
			slog.Int("attempt", i+1),
			slog.Duration("retry_after", retryAfter),
			slog.String("error", lastErr.Error()),
		)

		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("request failed after %d attempts: %w", restMaxRetries, lastErr)
}
