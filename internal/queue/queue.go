package queue

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"arbwatch/internal/config"
)

// PoliciesFromConfig builds the per-kind timeouts and attempt ceilings.
func PoliciesFromConfig(cfg config.JobsConfig) Policies {
	return Policies{
		KindSample:  {Timeout: cfg.SampleTimeout, MaxAttempts: cfg.SampleAttempts},
		KindAnalyze: {Timeout: cfg.AnalyzeTimeout, MaxAttempts: cfg.AnalyzeAttempts},
	}
}

// New creates the queue selected by cfg.Queue.Driver. rdb is required by the
// redis driver only.
func New(cfg config.Config, rdb *redis.Client, logger *slog.Logger) (Queue, error) {
	policies := PoliciesFromConfig(cfg.Jobs)
	workers := cfg.Jobs.Workers

	switch cfg.Queue.Driver {
	case "", "memory":
		return NewMemoryQueue(workers, policies, logger), nil
	case "redis":
		if rdb == nil {
			return nil, errors.New("queue: redis driver requires redis.addr")
		}
		return NewRedisQueue(rdb, cfg.Queue.Name, workers, policies, logger), nil
	case "kafka":
		if len(cfg.Kafka.Brokers) == 0 {
			return nil, errors.New("queue: kafka driver requires kafka.brokers")
		}
		return NewKafkaQueue(cfg.Kafka.Brokers, cfg.Queue.Name, cfg.Kafka.GroupID, workers, policies, logger), nil
	default:
		return nil, fmt.Errorf("queue: unknown driver %q", cfg.Queue.Driver)
	}
}
