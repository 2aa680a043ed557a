package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatc13/chainapi/pkg/errors"
	"github.com/cmatc13/chainapi/pkg/logging"
)

func TestDuplicateRegisterKeepsOriginal(t *testing.T) {
	tr := New(logging.Nop())

	first, dup := tr.Register("0x01")
	assert.False(t, dup)
	second, dup := tr.Register("0x01")
	assert.True(t, dup)
	assert.Same(t, first, second)
	assert.Equal(t, 1, tr.Len())
}

func TestFirstResolutionWins(t *testing.T) {
	tr := New(logging.Nop())
	tr.Register("0x01")

	assert.True(t, tr.Resolve("0x01", false))
	assert.False(t, tr.Resolve("0x01", true))

	ok, err := tr.Wait(context.Background(), "0x01")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolveUnknownIsNoop(t *testing.T) {
	tr := New(logging.Nop())
	assert.False(t, tr.Resolve("0xff", true))
	assert.Zero(t, tr.Len())
}

func TestWaitUnknownFailsImmediately(t *testing.T) {
	tr := New(logging.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	_, err := tr.Wait(ctx, "0xdead")
	require.Error(t, err)
	assert.True(t, errors.IsChainError(err, errors.ChainErrUnknownExtrinsic))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestAllWaitersObserveOneResolution(t *testing.T) {
	tr := New(logging.Nop())
	tr.Register("0x01")
	tr.Register("0x01")

	const waiters = 5
	results := make(chan bool, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := tr.Wait(context.Background(), "0x01")
			assert.NoError(t, err)
			results <- ok
		}()
	}

	time.Sleep(10 * time.Millisecond)
	tr.Resolve("0x01", true)
	wg.Wait()
	close(results)

	count := 0
	for ok := range results {
		assert.True(t, ok)
		count++
	}
	assert.Equal(t, waiters, count)
}

func TestWaitHonoursContext(t *testing.T) {
	tr := New(logging.Nop())
	tr.Register("0x01")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := tr.Wait(ctx, "0x01")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, tr.Pending())
}

func TestPendingAndRemove(t *testing.T) {
	tr := New(logging.Nop())
	tr.Register("0x01")
	tr.Register("0x02")
	tr.Resolve("0x01", true)

	assert.Equal(t, 2, tr.Len())
	assert.Equal(t, 1, tr.Pending())

	tr.Remove("0x02")
	assert.Equal(t, 1, tr.Len())
	assert.Zero(t, tr.Pending())
}

func TestSweepEvictsOnlyExpiredResolvedEntries(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tr := New(logging.Nop(), WithRetention(time.Minute), WithClock(clock))

	tr.Register("old")
	tr.Register("fresh")
	tr.Register("unresolved")
	tr.Resolve("old", true)

	now = now.Add(45 * time.Second)
	tr.Resolve("fresh", false)

	assert.Zero(t, tr.Sweep(now))

	now = now.Add(30 * time.Second)
	assert.Equal(t, 1, tr.Sweep(now))

	_, ok := tr.Lookup("old")
	assert.False(t, ok)
	_, err := tr.Wait(context.Background(), "old")
	assert.True(t, errors.IsChainError(err, errors.ChainErrUnknownExtrinsic))

	now = now.Add(24 * time.Hour)
	assert.Equal(t, 1, tr.Sweep(now))
	_, ok = tr.Lookup("unresolved")
	assert.True(t, ok)
}

func TestZeroRetentionKeepsEverything(t *testing.T) {
	tr := New(logging.Nop(), WithRetention(0))
	tr.Register("0x01")
	tr.Resolve("0x01", true)
	assert.Zero(t, tr.Sweep(time.Now().Add(100*time.Hour)))
}

func TestRunStopsWithContext(t *testing.T) {
	tr := New(logging.Nop(), WithRetention(time.Nanosecond))
	tr.Register("0x01")
	tr.Resolve("0x01", true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx, time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return tr.Len() == 0 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
