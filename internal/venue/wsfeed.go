package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

var errNoStreamQuote = errors.New("no price received on stream yet")

// WSPriceFeed keeps the latest ticker price pushed over a websocket. Quote
// never touches the network; Run owns the connection and reconnects with
// backoff until ctx is cancelled.
type WSPriceFeed struct {
	venueID string
	asset   string
	url     string
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.RWMutex
	last domain.PriceQuote
	have bool
}

var _ PriceSource = (*WSPriceFeed)(nil)

// NewWSPriceFeed creates a streaming feed for one venue.
func NewWSPriceFeed(venueID, asset, url string, logger *slog.Logger) *WSPriceFeed {
	return &WSPriceFeed{
		venueID: venueID,
		asset:   asset,
		url:     url,
		logger:  logger.With(slog.String("component", "ws_price_feed"), slog.String("venue", venueID)),
		now:     time.Now,
	}
}

type wsCommand struct {
	Type    string   `json:"type"`
	Channel string   `json:"channel"`
	Assets  []string `json:"assets"`
}

type tickerMsg struct {
	Asset     string          `json:"asset"`
	Price     decimal.Decimal `json:"price"`
	Timestamp *time.Time      `json:"ts,omitempty"`
}

// Quote returns the most recent streamed price. Freshness is left to the
// detector's staleness check.
func (f *WSPriceFeed) Quote(_ context.Context) (domain.PriceQuote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.have {
		return domain.PriceQuote{}, fmt.Errorf("venue: price stream %s: %w", f.venueID, errNoStreamQuote)
	}
	return f.last, nil
}

// Run connects, subscribes to the ticker channel and runs until ctx is
// cancelled.
func (f *WSPriceFeed) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return nil
		}
		f.logger.WarnContext(ctx, "price stream disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", delay),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

func (f *WSPriceFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var writeMu sync.Mutex
	write := func(msgType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(msgType, data)
	}

	sub, err := json.Marshal(wsCommand{Type: "subscribe", Channel: "ticker", Assets: []string{f.asset}})
	if err != nil {
		return err
	}
	if err := write(websocket.TextMessage, sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.logger.InfoContext(ctx, "price stream subscribed", slog.String("asset", f.asset))

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				// Unblocks ReadMessage below.
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.handle(data)
	}
}

func (f *WSPriceFeed) handle(data []byte) {
	var msg tickerMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Debug("ignoring malformed stream message", slog.String("error", err.Error()))
		return
	}
	if msg.Asset != "" && msg.Asset != f.asset {
		return
	}
	if !msg.Price.IsPositive() {
		return
	}
	ts := f.now()
	if msg.Timestamp != nil && !msg.Timestamp.IsZero() {
		ts = *msg.Timestamp
	}

	f.mu.Lock()
	f.last = domain.PriceQuote{VenueID: f.venueID, AssetID: f.asset, Price: msg.Price, Timestamp: ts}
	f.have = true
	f.mu.Unlock()
}
