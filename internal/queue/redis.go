package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	redisPollTimeout  = 5 * time.Second
	redisHeartbeatTTL = 30 * time.Second
)

// RedisQueue is a reliable list queue. Every worker moves a job atomically
// into its own processing list while handling it, so jobs of a crashed
// process can be recovered by Recover. A worker's heartbeat is refreshed in
// the background for as long as it runs, including while a job executes.
type RedisQueue struct {
	rdb          *redis.Client
	key          string
	workers      int
	heartbeatTTL time.Duration
	run          runner
	logger       *slog.Logger
}

func NewRedisQueue(rdb *redis.Client, name string, workers int, policies Policies, logger *slog.Logger) *RedisQueue {
	if workers < 1 {
		workers = 1
	}
	logger = logger.With("component", "queue", "driver", "redis", "queue", name)
	return &RedisQueue{
		rdb:          rdb,
		key:          "arbwatch:queue:" + name,
		workers:      workers,
		heartbeatTTL: redisHeartbeatTTL,
		run:          runner{policies: policies, logger: logger},
		logger:       logger,
	}
}

func (q *RedisQueue) processingKey(consumer string) string {
	return q.key + ":processing:" + consumer
}

func (q *RedisQueue) heartbeatKey(consumer string) string {
	return q.key + ":consumer:" + consumer
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobs ...Job) error {
	if len(jobs) == 0 {
		return nil
	}
	values := make([]any, 0, len(jobs))
	for _, j := range jobs {
		data, err := j.encode()
		if err != nil {
			return fmt.Errorf("redis queue: encode job %s: %w", j.ID, err)
		}
		values = append(values, data)
	}
	if err := q.rdb.LPush(ctx, q.key, values...).Err(); err != nil {
		return fmt.Errorf("redis queue: enqueue: %w", err)
	}
	return nil
}

// Len returns the number of jobs waiting.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.key).Result()
}

// Consume recovers orphaned jobs, then runs the workers until ctx ends.
func (q *RedisQueue) Consume(ctx context.Context, handler Handler) error {
	if _, err := q.Recover(ctx); err != nil {
		q.logger.Warn("Failed to recover orphaned jobs", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		consumer := uuid.NewString()
		g.Go(func() error {
			return q.work(gctx, consumer, handler)
		})
	}
	return g.Wait()
}

func (q *RedisQueue) work(ctx context.Context, consumer string, handler Handler) error {
	processing := q.processingKey(consumer)
	heartbeat := q.heartbeatKey(consumer)

	// The heartbeat outlives ctx until the in-flight job is acknowledged.
	beatCtx, stopBeat := context.WithCancel(context.WithoutCancel(ctx))
	q.beat(beatCtx, heartbeat)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.keepAlive(beatCtx, heartbeat)
	}()
	defer func() {
		stopBeat()
		wg.Wait()
		cleanup, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		q.rdb.Del(cleanup, heartbeat)
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		payload, err := q.rdb.BLMove(ctx, q.key, processing, "RIGHT", "LEFT", redisPollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.logger.Error("Failed to read job", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		q.handle(ctx, processing, payload, handler)
	}
}

func (q *RedisQueue) keepAlive(ctx context.Context, heartbeat string) {
	ticker := time.NewTicker(q.heartbeatTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.beat(ctx, heartbeat)
		}
	}
}

func (q *RedisQueue) beat(ctx context.Context, heartbeat string) {
	if err := q.rdb.Set(ctx, heartbeat, time.Now().Unix(), q.heartbeatTTL).Err(); err != nil && ctx.Err() == nil {
		q.logger.Warn("Failed to refresh consumer heartbeat", "error", err)
	}
}

func (q *RedisQueue) handle(ctx context.Context, processing, payload string, handler Handler) {
	job, err := decodeJob([]byte(payload))
	if err != nil {
		q.logger.Error("Dropping undecodable job", "error", err, "payload", payload)
		q.rdb.LRem(context.Background(), processing, 1, payload)
		return
	}

	retry := q.run.attempt(ctx, job, handler)

	// The acknowledgement must survive a cancelled ctx.
	ackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = q.rdb.TxPipelined(ackCtx, func(p redis.Pipeliner) error {
		p.LRem(ackCtx, processing, 1, payload)
		if retry != nil {
			data, err := retry.encode()
			if err != nil {
				return err
			}
			p.LPush(ackCtx, q.key, data)
		}
		return nil
	})
	if err != nil {
		q.logger.Error("Failed to acknowledge job", "job_id", job.ID, "error", err)
	}
}

// Recover moves jobs held by consumers whose heartbeat expired back to the
// main list and returns how many were moved.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	prefix := q.key + ":processing:"
	var (
		cursor uint64
		moved  int
	)
	for {
		keys, next, err := q.rdb.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return moved, fmt.Errorf("redis queue: scan processing lists: %w", err)
		}
		for _, key := range keys {
			consumer := strings.TrimPrefix(key, prefix)
			alive, err := q.rdb.Exists(ctx, q.heartbeatKey(consumer)).Result()
			if err != nil {
				return moved, fmt.Errorf("redis queue: check consumer %s: %w", consumer, err)
			}
			if alive > 0 {
				continue
			}
			for {
				_, err := q.rdb.LMove(ctx, key, q.key, "RIGHT", "RIGHT").Result()
				if errors.Is(err, redis.Nil) {
					break
				}
				if err != nil {
					return moved, fmt.Errorf("redis queue: recover %s: %w", key, err)
				}
				moved++
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if moved > 0 {
		q.logger.Info("Recovered orphaned jobs", "count", moved)
	}
	return moved, nil
}

// Close is a no-op; the redis client is owned by the caller.
func (q *RedisQueue) Close() error {
	return nil
}
