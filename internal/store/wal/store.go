// Package wal implements the attempt ledger and checkpoint stores on an
// append-only write-ahead log. Every record is JSON keyed by kind and
// attempt id; the in-memory index is rebuilt by replaying the log on open.
package wal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/vadiminshakov/gowal"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

const (
	segmentThreshold = 1000
	// Old segments are never rotated away: the log is the ledger.
	maxSegments = 1 << 20

	attemptKeyPrefix    = "attempt_"
	checkpointKeyPrefix = "checkpoint_"
	clearedKeyPrefix    = "cleared_"
)

// Store implements domain.AttemptStore and domain.CheckpointStore.
type Store struct {
	mu  sync.RWMutex
	wal *gowal.Wal

	attempts    map[string]*domain.TradeAttempt
	order       []string
	checkpoints map[string]*domain.TradeAttempt
}

var (
	_ domain.AttemptStore    = (*Store)(nil)
	_ domain.CheckpointStore = (*Store)(nil)
)

// Open opens or creates the log in dir and replays it.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("wal: directory is required")
	}
	w, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "ledger_",
		SegmentThreshold: segmentThreshold,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", dir, err)
	}

	s := &Store{
		wal:         w,
		attempts:    make(map[string]*domain.TradeAttempt),
		checkpoints: make(map[string]*domain.TradeAttempt),
	}
	if err := s.replay(); err != nil {
		_ = w.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) replay() error {
	for msg := range s.wal.Iterator() {
		switch {
		case strings.HasPrefix(msg.Key, attemptKeyPrefix):
			var a domain.TradeAttempt
			if err := json.Unmarshal(msg.Value, &a); err != nil {
				return fmt.Errorf("wal: decode %s: %w", msg.Key, err)
			}
			if _, dup := s.attempts[a.ID]; !dup {
				s.attempts[a.ID] = &a
				s.order = append(s.order, a.ID)
			}
		case strings.HasPrefix(msg.Key, checkpointKeyPrefix):
			var a domain.TradeAttempt
			if err := json.Unmarshal(msg.Value, &a); err != nil {
				return fmt.Errorf("wal: decode %s: %w", msg.Key, err)
			}
			s.checkpoints[a.ID] = &a
		case strings.HasPrefix(msg.Key, clearedKeyPrefix):
			delete(s.checkpoints, strings.TrimPrefix(msg.Key, clearedKeyPrefix))
		}
	}
	// A checkpoint whose attempt made it into the ledger is finished.
	for id := range s.checkpoints {
		if _, done := s.attempts[id]; done {
			delete(s.checkpoints, id)
		}
	}
	return nil
}

func (s *Store) append(key string, payload []byte) error {
	return s.wal.Write(s.wal.CurrentIndex()+1, key, payload)
}

// Insert appends a terminal attempt unless its id is already recorded.
func (s *Store) Insert(_ context.Context, a *domain.TradeAttempt) (bool, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return false, fmt.Errorf("wal: marshal attempt %s: %w", a.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.attempts[a.ID]; ok {
		return false, nil
	}
	if err := s.append(attemptKeyPrefix+a.ID, payload); err != nil {
		return false, fmt.Errorf("wal: write attempt %s: %w", a.ID, err)
	}
	s.attempts[a.ID] = a.Clone()
	s.order = append(s.order, a.ID)
	return true, nil
}

// GetByID returns the recorded attempt or domain.ErrNotFound.
func (s *Store) GetByID(_ context.Context, id string) (*domain.TradeAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attempts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return a.Clone(), nil
}

// List returns recorded attempts in the order they were written. A zero
// Limit means no limit.
func (s *Store) List(_ context.Context, opts domain.ListOpts) ([]*domain.TradeAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.TradeAttempt, 0, len(s.order))
	skipped := 0
	for _, id := range s.order {
		a := s.attempts[id]
		if opts.Since != nil && a.CompletedAt != nil && a.CompletedAt.Before(*opts.Since) {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		out = append(out, a.Clone())
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

// SaveCheckpoint records the latest state of an in-flight attempt.
func (s *Store) SaveCheckpoint(_ context.Context, a *domain.TradeAttempt) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("wal: marshal checkpoint %s: %w", a.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.append(checkpointKeyPrefix+a.ID, payload); err != nil {
		return fmt.Errorf("wal: write checkpoint %s: %w", a.ID, err)
	}
	s.checkpoints[a.ID] = a.Clone()
	return nil
}

// DeleteCheckpoint clears a checkpoint. It returns domain.ErrNotFound
// without writing when none is held.
func (s *Store) DeleteCheckpoint(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.checkpoints[id]; !ok {
		return domain.ErrNotFound
	}
	if err := s.append(clearedKeyPrefix+id, []byte(id)); err != nil {
		return fmt.Errorf("wal: clear checkpoint %s: %w", id, err)
	}
	delete(s.checkpoints, id)
	return nil
}

// LoadCheckpoints returns every held checkpoint ordered by creation time.
func (s *Store) LoadCheckpoints(_ context.Context) ([]*domain.TradeAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.TradeAttempt, 0, len(s.checkpoints))
	for _, a := range s.checkpoints {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Close closes the log.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wal.Close()
}
