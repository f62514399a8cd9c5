package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
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
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(ctx).Err())
	return rdb
}

func TestRedisQueue(t *testing.T) {
	rdb := startRedis(t)

	t.Run("consumes and retries", func(t *testing.T) {
		q := NewRedisQueue(rdb, "retry", 2, testPolicies, discardLogger())
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ok := NewJob(KindSample, []int64{1})
		flaky := NewJob(KindSample, []int64{2})
		require.NoError(t, q.Enqueue(ctx, ok, flaky))

		var okRuns, flakyRuns atomic.Int32
		finished := make(chan struct{})
		go func() {
			_ = q.Consume(ctx, func(_ context.Context, job Job) error {
				if job.ID == ok.ID {
					okRuns.Add(1)
					return nil
				}
				if flakyRuns.Add(1) == 1 {
					return errors.New("timeout")
				}
				close(finished)
				return nil
			})
		}()

		select {
		case <-finished:
		case <-time.After(15 * time.Second):
			t.Fatal("retry was not delivered")
		}
		assert.Eventually(t, func() bool { return okRuns.Load() == 1 }, 5*time.Second, 20*time.Millisecond)
		assert.Equal(t, int32(2), flakyRuns.Load())

		n, err := q.Len(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("recovers orphaned jobs", func(t *testing.T) {
		ctx := context.Background()
		q := NewRedisQueue(rdb, "orphans", 1, testPolicies, discardLogger())

		job := NewJob(KindAnalyze, []int64{9})
		data, err := job.encode()
		require.NoError(t, err)
		require.NoError(t, rdb.LPush(ctx, q.processingKey("dead-worker"), data).Err())

		alive := NewJob(KindAnalyze, []int64{10})
		aliveData, err := alive.encode()
		require.NoError(t, err)
		require.NoError(t, rdb.LPush(ctx, q.processingKey("live-worker"), aliveData).Err())
		require.NoError(t, rdb.Set(ctx, q.heartbeatKey("live-worker"), 1, time.Minute).Err())

		moved, err := q.Recover(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, moved)

		n, err := q.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		held, err := rdb.LLen(ctx, q.processingKey("live-worker")).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), held)
	})

	t.Run("long job keeps its consumer alive", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		slow := Policies{KindAnalyze: {Timeout: 10 * time.Second, MaxAttempts: 1}}
		first := NewRedisQueue(rdb, "long", 1, slow, discardLogger())
		first.heartbeatTTL = time.Second
		second := NewRedisQueue(rdb, "long", 1, slow, discardLogger())
		second.heartbeatTTL = time.Second

		job := NewJob(KindAnalyze, []int64{42})
		require.NoError(t, first.Enqueue(ctx, job))

		var runs atomic.Int32
		started := make(chan struct{})
		done := make(chan struct{})
		go func() {
			_ = first.Consume(ctx, func(ctx context.Context, _ Job) error {
				runs.Add(1)
				close(started)
				select {
				case <-time.After(3 * time.Second):
				case <-ctx.Done():
				}
				close(done)
				return nil
			})
		}()

		select {
		case <-started:
		case <-time.After(10 * time.Second):
			t.Fatal("job was not delivered")
		}
		time.Sleep(1500 * time.Millisecond)

		moved, err := second.Recover(ctx)
		require.NoError(t, err)
		assert.Zero(t, moved, "a running job is not orphaned")

		go func() {
			_ = second.Consume(ctx, func(context.Context, Job) error {
				runs.Add(1)
				return nil
			})
		}()

		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("job did not finish")
		}
		time.Sleep(500 * time.Millisecond)
		assert.Equal(t, int32(1), runs.Load())

		n, err := first.Len(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
