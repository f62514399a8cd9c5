package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	unlock, err := l.Acquire(ctx, "sample", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "sample", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld)

	other, err := l.Acquire(ctx, "analyze", time.Minute)
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	again, err := l.Acquire(ctx, "sample", time.Minute)
	require.NoError(t, err)
	again()
}

func TestLocalLocker_Expires(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLocalLocker()
	l.now = func() time.Time { return now }

	stale, err := l.Acquire(context.Background(), "sample", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	fresh, err := l.Acquire(context.Background(), "sample", time.Minute)
	require.NoError(t, err)

	// Releasing the expired holder must not free the new one.
	stale()
	_, err = l.Acquire(context.Background(), "sample", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld)
	fresh()
}

func TestTrigger_SkipsOverlappingRun(t *testing.T) {
	s := New(discardLogger(), NewLocalLocker())
	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32

	task := Task{Name: "analyze", Interval: time.Minute, Run: func(context.Context) error {
		if runs.Add(1) == 1 {
			close(started)
			<-release
		}
		return nil
	}}

	done := make(chan struct{})
	go func() {
		s.Trigger(context.Background(), task)
		close(done)
	}()
	<-started

	s.Trigger(context.Background(), task)
	assert.Equal(t, int32(1), runs.Load())

	close(release)
	<-done
	s.Trigger(context.Background(), task)
	assert.Equal(t, int32(2), runs.Load())
}

func TestTrigger_FailureReleasesLock(t *testing.T) {
	s := New(discardLogger(), NewLocalLocker())
	var runs atomic.Int32
	task := Task{Name: "cleanup", Interval: time.Minute, Run: func(context.Context) error {
		runs.Add(1)
		return errors.New("deadlock detected")
	}}

	s.Trigger(context.Background(), task)
	s.Trigger(context.Background(), task)
	assert.Equal(t, int32(2), runs.Load())
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	s := New(discardLogger(), NewLocalLocker())
	var sample, analyze atomic.Int32
	s.Add(Task{Name: "sample", Interval: 10 * time.Millisecond, Run: func(context.Context) error { sample.Add(1); return nil }})
	s.Add(Task{Name: "analyze", Interval: 10 * time.Millisecond, Run: func(context.Context) error { analyze.Add(1); return nil }})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return sample.Load() >= 3 && analyze.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRedisLocker(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis container in short mode")
	}
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() { _ = rdb.Close() })

	first := NewRedisLocker(rdb)
	second := NewRedisLocker(rdb)

	unlock, err := first.Acquire(ctx, "task:sample", time.Minute)
	require.NoError(t, err)

	_, err = second.Acquire(ctx, "task:sample", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld)

	ttl, err := rdb.TTL(ctx, lockKey("task:sample")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)

	unlock()
	unlock2, err := second.Acquire(ctx, "task:sample", time.Minute)
	require.NoError(t, err)

	// A stale unlock from the first holder must not release the second.
	unlock()
	_, err = first.Acquire(ctx, "task:sample", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld)
	unlock2()
}
