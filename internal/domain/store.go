package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
}

// AttemptStore is durable storage for the trade ledger. Insert is
// idempotent by attempt id: a second insert of the same id reports
// inserted=false and changes nothing.
type AttemptStore interface {
	Insert(ctx context.Context, attempt *TradeAttempt) (inserted bool, err error)
	GetByID(ctx context.Context, id string) (*TradeAttempt, error)
	List(ctx context.Context, opts ListOpts) ([]*TradeAttempt, error)
	Close() error
}

// CheckpointStore keeps the last known state of in-flight attempts so they
// can be reconciled after a restart.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, attempt *TradeAttempt) error
	DeleteCheckpoint(ctx context.Context, id string) error
	LoadCheckpoints(ctx context.Context) ([]*TradeAttempt, error)
}

// AuditStore records system events.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
}
