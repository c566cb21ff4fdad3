package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyhq/canopy/pkg/cache"
	"github.com/canopyhq/canopy/pkg/errors"
	"github.com/canopyhq/canopy/pkg/models"
)

func leaseIdentity() models.Identity {
	return models.Identity{Kind: "fake", Name: "x"}
}

func TestLeaseAcquireAndRelease(t *testing.T) {
	store := cache.NewMemory()
	now := time.Now()

	release, err := acquireLease(context.Background(), store, leaseIdentity(), "run-1", time.Minute, now)
	require.NoError(t, err)

	// Held: a second claimant loses immediately.
	_, err = acquireLease(context.Background(), store, leaseIdentity(), "run-2", time.Minute, now)
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	release(context.Background())

	// Released: the next claimant wins.
	release2, err := acquireLease(context.Background(), store, leaseIdentity(), "run-3", time.Minute, now)
	require.NoError(t, err)
	release2(context.Background())
}

func TestLeaseExpiredTakeover(t *testing.T) {
	store := cache.NewMemory()
	start := time.Now()

	// run-1 claims and crashes without releasing.
	_, err := acquireLease(context.Background(), store, leaseIdentity(), "run-1", time.Minute, start)
	require.NoError(t, err)

	// Before expiry the stream stays blocked.
	_, err = acquireLease(context.Background(), store, leaseIdentity(), "run-2", time.Minute, start.Add(30*time.Second))
	assert.Error(t, err)

	// After expiry the next run takes over.
	release, err := acquireLease(context.Background(), store, leaseIdentity(), "run-3", time.Minute, start.Add(2*time.Minute))
	require.NoError(t, err)
	release(context.Background())
}

func TestLeaseRaceSingleWinner(t *testing.T) {
	store := cache.NewMemory()
	now := time.Now()

	const claimants = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := acquireLease(context.Background(), store, leaseIdentity(), "run", time.Minute, now); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestLeaseReleaseAfterTakeoverIsHarmless(t *testing.T) {
	store := cache.NewMemory()
	start := time.Now()

	release1, err := acquireLease(context.Background(), store, leaseIdentity(), "run-1", time.Minute, start)
	require.NoError(t, err)

	_, err = acquireLease(context.Background(), store, leaseIdentity(), "run-2", time.Minute, start.Add(2*time.Minute))
	require.NoError(t, err)

	// The stale holder's release must not clobber the new lease.
	release1(context.Background())

	_, err = acquireLease(context.Background(), store, leaseIdentity(), "run-3", time.Minute, start.Add(2*time.Minute))
	assert.Error(t, err, "run-2 still holds the lease")
}
