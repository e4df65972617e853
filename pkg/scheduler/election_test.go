package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemetryops/tslc/internal/testutil"
)

func TestLeaderElection(t *testing.T) {
	mr := testutil.NewMiniredis(t)

	log := testutil.NewLogger(t)
	redisOpt := &redis.Options{Addr: mr.Addr()}

	t.Run("single instance becomes leader", func(t *testing.T) {
		mr.FlushAll()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		elector := NewLeaderElector(log, redisOpt)
		require.NoError(t, elector.Start(ctx))
		defer elector.Stop()

		// The first campaign runs immediately, not after the first renew tick
		time.Sleep(500 * time.Millisecond)

		assert.True(t, elector.IsLeader())
	})

	t.Run("multiple instances elect exactly one leader", func(t *testing.T) {
		mr.FlushAll()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		elector1 := NewLeaderElector(log, redisOpt)
		elector2 := NewLeaderElector(log, redisOpt)

		require.NoError(t, elector1.Start(ctx))
		defer elector1.Stop()

		require.NoError(t, elector2.Start(ctx))
		defer elector2.Stop()

		time.Sleep(500 * time.Millisecond)

		leaders := 0
		if elector1.IsLeader() {
			leaders++
		}
		if elector2.IsLeader() {
			leaders++
		}

		assert.Equal(t, 1, leaders)
	})

	t.Run("standby takes over after leader stops", func(t *testing.T) {
		mr.FlushAll()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		elector1 := NewLeaderElector(log, redisOpt)
		elector2 := NewLeaderElector(log, redisOpt)

		require.NoError(t, elector1.Start(ctx))
		require.NoError(t, elector2.Start(ctx))

		time.Sleep(500 * time.Millisecond)

		var leader, standby LeaderElector
		if elector1.IsLeader() {
			leader, standby = elector1, elector2
			defer elector2.Stop()
		} else {
			leader, standby = elector2, elector1
			defer elector1.Stop()
		}

		// Stop relinquishes the lease, so the standby wins on its next
		// campaign without waiting for TTL expiry
		require.NoError(t, leader.Stop())

		time.Sleep(renewInterval + 500*time.Millisecond)

		assert.True(t, standby.IsLeader())
	})

	t.Run("wait for leadership", func(t *testing.T) {
		mr.FlushAll()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		elector := NewLeaderElector(log, redisOpt)
		require.NoError(t, elector.Start(ctx))
		defer elector.Stop()

		done := make(chan error, 1)
		go func() {
			done <- elector.WaitForLeadership(ctx)
		}()

		select {
		case err := <-done:
			require.NoError(t, err)
			assert.True(t, elector.IsLeader())
		case <-time.After(renewInterval + time.Second):
			t.Fatal("timed out waiting for leadership")
		}
	})
}
