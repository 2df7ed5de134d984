package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPoolEnableFor(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	pool := make(chan struct{}, 4)

	t.Run("2 relays will run at once on a pool of 4", func(t *testing.T) {
		start := time.Now()
		enableProxiedRelaysFor(ctx, pool, 2, time.Millisecond*5)
		assert.GreaterOrEqual(t, time.Since(start), time.Millisecond*5)
	})

	t.Run("4 relays will run at once on a pool of 4", func(t *testing.T) {
		start := time.Now()
		enableProxiedRelaysFor(ctx, pool, 4, time.Millisecond*5)
		assert.GreaterOrEqual(t, time.Since(start), time.Millisecond*5)
	})

	t.Run("6 relays will run in two batches on a pool of 4", func(t *testing.T) {
		start := time.Now()
		enableProxiedRelaysFor(ctx, pool, 6, time.Millisecond*5)
		assert.GreaterOrEqual(t, time.Since(start), time.Millisecond*10)
	})

	t.Run("9 relays will run in three batches on a pool of 4", func(t *testing.T) {
		start := time.Now()
		enableProxiedRelaysFor(ctx, pool, 9, time.Millisecond*5)
		assert.GreaterOrEqual(t, time.Since(start), time.Millisecond*15)
	})

	t.Run("relay waiting for a full pool gives up on cancel", func(t *testing.T) {
		full := make(chan struct{}, 1)
		full <- struct{}{}

		waitCtx, waitCancel := context.WithTimeout(ctx, time.Millisecond*5)
		defer waitCancel()

		err := NewPoolProxy(&Dumb{}, full).EnableFor(waitCtx, time.Millisecond)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestEngaged(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	t.Run("proxied relay engages once it gets a pool slot", func(t *testing.T) {
		pool := make(chan struct{}, 1)
		pool <- struct{}{}

		var mu sync.Mutex
		var engagedAt time.Time
		engagedCtx := WithEngaged(ctx, func() {
			mu.Lock()
			engagedAt = time.Now()
			mu.Unlock()
		})

		done := make(chan error)
		go func() {
			done <- NewPoolProxy(&Dumb{}, pool).EnableFor(engagedCtx, time.Millisecond)
		}()

		time.Sleep(time.Millisecond * 5)
		freedAt := time.Now()
		<-pool

		assert.NoError(t, <-done)
		mu.Lock()
		defer mu.Unlock()
		assert.False(t, engagedAt.IsZero())
		assert.False(t, engagedAt.Before(freedAt))
	})

	t.Run("relay without hook runs as usual", func(t *testing.T) {
		assert.NoError(t, (&Dumb{}).EnableFor(ctx, time.Millisecond))
	})
}

func enableProxiedRelaysFor(ctx context.Context, pool chan struct{}, num int, duration time.Duration) {
	var wg sync.WaitGroup

	for i := 0; i < num; i++ {
		relay := NewPoolProxy(&Dumb{}, pool)
		wg.Add(1)
		go func() {
			relay.EnableFor(ctx, duration)
			wg.Done()
		}()
	}

	wg.Wait()
}

func TestDumbEnableFor(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	relay := &Dumb{Name: "test"}

	t.Run("relay enabled for 5ms will be executed at least 5ms", func(t *testing.T) {
		expectedDuration := time.Millisecond * 5
		start := time.Now()
		assert.NoError(t, relay.EnableFor(ctx, expectedDuration))
		assert.GreaterOrEqual(t, time.Since(start), expectedDuration)
		assert.False(t, relay.IsEnabled())
	})

	t.Run("relay is released on cancel", func(t *testing.T) {
		releaseCtx, release := context.WithCancel(ctx)
		done := make(chan error)
		go func() {
			done <- relay.EnableFor(releaseCtx, time.Minute)
		}()

		assert.Eventually(t, relay.IsEnabled, time.Second, time.Millisecond)
		release()
		assert.ErrorIs(t, <-done, context.Canceled)
		assert.False(t, relay.IsEnabled())
	})
}
