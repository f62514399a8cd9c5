package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"
)

// KafkaQueue publishes jobs to a topic and consumes them with a consumer
// group. Offsets are committed only after an attempt has been handled, so a
// crashed worker's jobs are redelivered.
type KafkaQueue struct {
	brokers []string
	topic   string
	groupID string
	workers int
	writer  *kafka.Writer
	run     runner
	logger  *slog.Logger
}

func NewKafkaQueue(brokers []string, topic, groupID string, workers int, policies Policies, logger *slog.Logger) *KafkaQueue {
	if workers < 1 {
		workers = 1
	}
	logger = logger.With("component", "queue", "driver", "kafka", "topic", topic)
	return &KafkaQueue{
		brokers: brokers,
		topic:   topic,
		groupID: groupID,
		workers: workers,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
			RequiredAcks:           kafka.RequireAll,
			MaxAttempts:            5,
			WriteBackoffMin:        100 * time.Millisecond,
			WriteBackoffMax:        time.Second,
		},
		run:    runner{policies: policies, logger: logger},
		logger: logger,
	}
}

func (q *KafkaQueue) Enqueue(ctx context.Context, jobs ...Job) error {
	if len(jobs) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(jobs))
	for _, j := range jobs {
		data, err := j.encode()
		if err != nil {
			return fmt.Errorf("kafka queue: encode job %s: %w", j.ID, err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(j.ID), Value: data})
	}
	if err := q.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka queue: enqueue: %w", err)
	}
	return nil
}

// Consume starts one group reader per worker; the group balances partitions
// between them.
func (q *KafkaQueue) Consume(ctx context.Context, handler Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			reader := kafka.NewReader(kafka.ReaderConfig{
				Brokers:        q.brokers,
				Topic:          q.topic,
				GroupID:        q.groupID,
				SessionTimeout: 30 * time.Second,
				StartOffset:    kafka.FirstOffset,
				MaxBytes:       10e6,
			})
			defer reader.Close()
			return q.work(gctx, reader, handler)
		})
	}
	return g.Wait()
}

func (q *KafkaQueue) work(ctx context.Context, reader *kafka.Reader, handler Handler) error {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			q.logger.Error("Failed to fetch job", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		job, err := decodeJob(msg.Value)
		if err != nil {
			q.logger.Error("Dropping undecodable job", "error", err, "offset", msg.Offset, "partition", msg.Partition)
			q.commit(reader, msg)
			continue
		}

		retry := q.run.attempt(ctx, job, handler)
		if retry != nil && retry.Attempt == job.Attempt {
			// Interrupted by shutdown: leave uncommitted for redelivery.
			return nil
		}
		if retry != nil {
			if err := q.Enqueue(ctx, *retry); err != nil {
				q.logger.Error("Failed to re-enqueue job", "job_id", job.ID, "error", err)
				continue
			}
		}
		q.commit(reader, msg)
	}
}

func (q *KafkaQueue) commit(reader *kafka.Reader, msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := reader.CommitMessages(ctx, msg); err != nil {
		q.logger.Error("Failed to commit job offset", "offset", msg.Offset, "error", err)
	}
}

func (q *KafkaQueue) Close() error {
	return q.writer.Close()
}
