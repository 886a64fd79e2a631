package amplitude

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/padak/keboola-amplitude/pkg/errors"
)

func TestUserQuotaEnforcesHourlyLimit(t *testing.T) {
	q := newUserQuota(identifyUserQuota, time.Hour)

	require.NoError(t, q.Reserve("user-1", identifyUserQuota))
	assert.Equal(t, identifyUserQuota, q.Used("user-1"))

	// The next update for the same user is rejected before any dispatch
	err := q.Reserve("user-1", 1)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, ErrQuotaExceeded))
	assert.True(t, errors.IsType(err, errors.ErrorTypeQuota))

	// Other users are unaffected
	assert.NoError(t, q.Reserve("user-2", 1))
}

func TestUserQuotaAllOrNothing(t *testing.T) {
	q := newUserQuota(10, time.Hour)

	require.NoError(t, q.Reserve("u", 8))

	// 8 + 5 > 10: nothing from the batch is admitted
	err := q.Reserve("u", 5)
	require.Error(t, err)
	assert.Equal(t, 8, q.Used("u"))

	// A batch that fits goes through whole
	assert.NoError(t, q.Reserve("u", 2))
	assert.Equal(t, 10, q.Used("u"))
}

func TestUserQuotaReleaseAfterFailedDispatch(t *testing.T) {
	q := newUserQuota(10, time.Hour)

	require.NoError(t, q.Reserve("u", 10))
	q.Release("u", 4)
	assert.Equal(t, 6, q.Used("u"))

	assert.NoError(t, q.Reserve("u", 4))
}

func TestUserQuotaExpiresWithWindow(t *testing.T) {
	q := newUserQuota(2, 50*time.Millisecond)

	require.NoError(t, q.Reserve("u", 2))
	require.Error(t, q.Reserve("u", 1))

	time.Sleep(60 * time.Millisecond)

	// The window rolled past the earlier reservations
	assert.NoError(t, q.Reserve("u", 2))
}

func TestUserQuotaConcurrentReservations(t *testing.T) {
	q := newUserQuota(100, time.Hour)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if q.Reserve("shared", 3) == nil {
				mu.Lock()
				admitted += 3
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Concurrent reservations never race past the bound
	assert.LessOrEqual(t, admitted, 100)
	assert.Equal(t, admitted, q.Used("shared"))
}

func TestSlidingWindowAllowsUpToLimit(t *testing.T) {
	w := newSlidingWindow(5, time.Minute)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, w.Wait(ctx))
	}
	// The first five pass without blocking
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestSlidingWindowBlocksUntilSlotFrees(t *testing.T) {
	w := newSlidingWindow(2, 80*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, w.Wait(ctx))
	require.NoError(t, w.Wait(ctx))

	start := time.Now()
	require.NoError(t, w.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestSlidingWindowWaitCancellable(t *testing.T) {
	w := newSlidingWindow(1, time.Minute)
	require.NoError(t, w.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := w.Wait(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTimeout))
}
