package domain

import (
	"context"
	"time"
)

// QuoteCache keeps the latest quote per venue for fallback and inspection.
type QuoteCache interface {
	SetQuote(ctx context.Context, q PriceQuote) error
	GetQuote(ctx context.Context, venueID string) (PriceQuote, error)
}

// Lock is a held distributed lock.
type Lock interface {
	// Refresh resets the lock's TTL. It returns ErrLockLost once the key
	// has expired or belongs to another holder.
	Refresh(ctx context.Context, ttl time.Duration) error
	// Release frees the lock. It is safe to call more than once.
	Release()
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
