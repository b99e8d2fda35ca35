package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

// AttemptStore implements domain.AttemptStore and domain.CheckpointStore
// using PostgreSQL. The full attempt is kept as JSONB; the scalar columns
// exist for ad-hoc reporting.
type AttemptStore struct {
	pool *pgxpool.Pool
}

var (
	_ domain.AttemptStore    = (*AttemptStore)(nil)
	_ domain.CheckpointStore = (*AttemptStore)(nil)
)

// NewAttemptStore creates a new AttemptStore backed by the given connection pool.
func NewAttemptStore(pool *pgxpool.Pool) *AttemptStore {
	return &AttemptStore{pool: pool}
}

// Insert stores a terminal attempt. An id already present is left untouched
// and reported as not inserted.
func (s *AttemptStore) Insert(ctx context.Context, a *domain.TradeAttempt) (bool, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return false, fmt.Errorf("postgres: marshal attempt %s: %w", a.ID, err)
	}
	completed := a.CreatedAt
	if a.CompletedAt != nil {
		completed = *a.CompletedAt
	}

	const query = `
		INSERT INTO trade_attempts (
			id, pair, state, outcome,
			amount, profit, loss_estimate, reason,
			body, created_at, completed_at
		) VALUES (
			$1, $2, $3, $4,
			$5::text::numeric, $6::text::numeric, $7::text::numeric, $8,
			$9, $10, $11
		)
		ON CONFLICT (id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		a.ID, a.Opportunity.PairKey(), string(a.State), string(a.Outcome),
		a.Amount.String(), a.Profit.String(), a.LossEstimate.String(), a.Reason,
		body, a.CreatedAt, completed,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: insert attempt %s: %w", a.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetByID returns one attempt or domain.ErrNotFound.
func (s *AttemptStore) GetByID(ctx context.Context, id string) (*domain.TradeAttempt, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM trade_attempts WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get attempt %s: %w", id, err)
	}
	return decodeAttempt(body)
}

// List returns attempts in completion order, oldest first.
func (s *AttemptStore) List(ctx context.Context, opts domain.ListOpts) ([]*domain.TradeAttempt, error) {
	query := `SELECT body FROM trade_attempts WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND completed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	query += " ORDER BY completed_at ASC, recorded_at ASC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	return s.queryBodies(ctx, query, args...)
}

// SaveCheckpoint upserts the latest state of an in-flight attempt.
func (s *AttemptStore) SaveCheckpoint(ctx context.Context, a *domain.TradeAttempt) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("postgres: marshal checkpoint %s: %w", a.ID, err)
	}
	const query = `
		INSERT INTO attempt_checkpoints (id, state, body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			state      = EXCLUDED.state,
			body       = EXCLUDED.body,
			updated_at = EXCLUDED.updated_at`
	if _, err := s.pool.Exec(ctx, query, a.ID, string(a.State), body, a.CreatedAt, time.Now().UTC()); err != nil {
		return fmt.Errorf("postgres: save checkpoint %s: %w", a.ID, err)
	}
	return nil
}

// DeleteCheckpoint removes a checkpoint.
func (s *AttemptStore) DeleteCheckpoint(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM attempt_checkpoints WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete checkpoint %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// LoadCheckpoints returns checkpoints for attempts that never reached the
// ledger, oldest first.
func (s *AttemptStore) LoadCheckpoints(ctx context.Context) ([]*domain.TradeAttempt, error) {
	const query = `
		SELECT c.body FROM attempt_checkpoints c
		WHERE NOT EXISTS (SELECT 1 FROM trade_attempts t WHERE t.id = c.id)
		ORDER BY c.created_at ASC`
	return s.queryBodies(ctx, query)
}

// Close is a no-op; the pool belongs to the Client.
func (s *AttemptStore) Close() error { return nil }

func (s *AttemptStore) queryBodies(ctx context.Context, query string, args ...any) ([]*domain.TradeAttempt, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query attempts: %w", err)
	}
	defer rows.Close()

	var out []*domain.TradeAttempt
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("postgres: scan attempt: %w", err)
		}
		a, err := decodeAttempt(body)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: attempts rows: %w", err)
	}
	return out, nil
}

func decodeAttempt(body []byte) (*domain.TradeAttempt, error) {
	var a domain.TradeAttempt
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("postgres: decode attempt: %w", err)
	}
	return &a, nil
}
