package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/crossarb/internal/domain"
	"github.com/alanyoungcy/crossarb/internal/logging"
)

type fakeLocks struct {
	mu        sync.Mutex
	held      map[string]bool
	err       error
	refreshed atomic.Int32
	lost      bool
}

func (f *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (domain.Lock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.held == nil {
		f.held = make(map[string]bool)
	}
	if f.held[key] {
		return nil, domain.ErrLockHeld
	}
	f.held[key] = true
	return &fakeLock{owner: f, key: key}, nil
}

type fakeLock struct {
	owner *fakeLocks
	key   string
}

func (l *fakeLock) Refresh(context.Context, time.Duration) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	if l.owner.lost {
		return domain.ErrLockLost
	}
	l.owner.refreshed.Add(1)
	return nil
}

func (l *fakeLock) Release() {
	l.owner.mu.Lock()
	delete(l.owner.held, l.key)
	l.owner.mu.Unlock()
}

func (f *fakeLocks) isHeld(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held[key]
}

func TestGuard_OneClaimPerPair(t *testing.T) {
	g := NewGuard(nil, time.Minute, logging.Nop())
	ctx := context.Background()

	require.NoError(t, g.Claim(ctx, "A->B", "a1"))
	assert.ErrorIs(t, g.Claim(ctx, "A->B", "a2"), domain.ErrPairInFlight)
	// The reverse direction is a different pair.
	require.NoError(t, g.Claim(ctx, "B->A", "a3"))

	snap := g.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "A->B", snap[0].Pair)
	assert.Equal(t, "a1", snap[0].OpportunityID)

	g.Release("A->B")
	require.NoError(t, g.Claim(ctx, "A->B", "a4"))
	assert.Equal(t, 2, g.Len())
}

func TestGuard_ConcurrentClaimsAdmitOne(t *testing.T) {
	g := NewGuard(nil, time.Minute, logging.Nop())
	var won atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Claim(context.Background(), "A->B", "x") == nil {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), won.Load())
}

func TestGuard_DistributedLock(t *testing.T) {
	locks := &fakeLocks{}
	first := NewGuard(locks, time.Minute, logging.Nop())
	second := NewGuard(locks, time.Minute, logging.Nop())
	ctx := context.Background()

	require.NoError(t, first.Claim(ctx, "A->B", "a1"))
	assert.ErrorIs(t, second.Claim(ctx, "A->B", "a2"), domain.ErrPairInFlight)
	assert.Zero(t, second.Len())

	first.Release("A->B")
	require.NoError(t, second.Claim(ctx, "A->B", "a2"))
}

func TestGuard_LockBackendErrorReleasesLocalClaim(t *testing.T) {
	locks := &fakeLocks{err: errors.New("redis down")}
	g := NewGuard(locks, time.Minute, logging.Nop())

	err := g.Claim(context.Background(), "A->B", "a1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrPairInFlight)
	assert.Zero(t, g.Len())
}

func TestGuard_RefreshesLockUntilRelease(t *testing.T) {
	locks := &fakeLocks{}
	g := NewGuard(locks, 30*time.Millisecond, logging.Nop())

	require.NoError(t, g.Claim(context.Background(), "A->B", "a1"))
	// Several TTLs pass while the attempt runs; the lock must still be held.
	assert.Eventually(t, func() bool { return locks.refreshed.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, locks.isHeld("pair:A->B"))

	g.Release("A->B")
	assert.False(t, locks.isHeld("pair:A->B"))
	n := locks.refreshed.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, locks.refreshed.Load())
}

func TestGuard_StopsRefreshingLostLock(t *testing.T) {
	locks := &fakeLocks{lost: true}
	g := NewGuard(locks, 15*time.Millisecond, logging.Nop())

	require.NoError(t, g.Claim(context.Background(), "A->B", "a1"))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, locks.refreshed.Load())
	// Release after the refresher has already exited must not block.
	g.Release("A->B")
	assert.Zero(t, g.Len())
}
