package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"arbwatch/internal/metrics"
)

// Kind names the work a job carries.
type Kind string

const (
	KindSample  Kind = "sample_prices"
	KindAnalyze Kind = "analyze_arbitrage"
)

// Job is one chunk of listings dispatched as an independent unit of work.
type Job struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	ListingIDs []int64   `json:"listing_ids"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewJob creates the first attempt of a job.
func NewJob(kind Kind, listingIDs []int64) Job {
	ids := make([]int64, len(listingIDs))
	copy(ids, listingIDs)
	return Job{
		ID:         uuid.NewString(),
		Kind:       kind,
		ListingIDs: ids,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
	}
}

func (j Job) encode() ([]byte, error) {
	return json.Marshal(j)
}

func decodeJob(data []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return Job{}, fmt.Errorf("queue: decode job: %w", err)
	}
	if j.Kind == "" {
		return Job{}, errors.New("queue: decode job: missing kind")
	}
	if j.Attempt < 1 {
		j.Attempt = 1
	}
	return j, nil
}

// Handler processes one job attempt.
type Handler func(ctx context.Context, job Job) error

// Queue accepts jobs and delivers them at least once to a Handler.
type Queue interface {
	Enqueue(ctx context.Context, jobs ...Job) error
	// Consume runs handler on delivered jobs until ctx ends.
	Consume(ctx context.Context, handler Handler) error
	Close() error
}

// Policy bounds the attempts of one job kind.
type Policy struct {
	Timeout     time.Duration
	MaxAttempts int
}

// Policies maps every job kind to its policy.
type Policies map[Kind]Policy

func (p Policies) of(kind Kind) Policy {
	pol, ok := p[kind]
	if !ok {
		return Policy{Timeout: 5 * time.Minute, MaxAttempts: 1}
	}
	if pol.MaxAttempts < 1 {
		pol.MaxAttempts = 1
	}
	return pol
}

// runner executes single attempts and decides on retries. It is shared by
// every backend.
type runner struct {
	policies Policies
	logger   *slog.Logger
}

// attempt runs handler under the kind's timeout. It returns the job to
// re-enqueue when the attempt failed and the ceiling is not reached.
func (r runner) attempt(ctx context.Context, job Job, handler Handler) (retry *Job) {
	pol := r.policies.of(job.Kind)
	log := r.logger.With("job_id", job.ID, "kind", string(job.Kind), "attempt", job.Attempt, "listings", len(job.ListingIDs))

	jobCtx := ctx
	if pol.Timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, pol.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := runSafely(jobCtx, job, handler)
	metrics.JobDuration.WithLabelValues(string(job.Kind)).Observe(time.Since(start).Seconds())

	if err == nil {
		metrics.JobsTotal.WithLabelValues(string(job.Kind), "ok").Inc()
		log.Debug("Job finished", "duration", time.Since(start))
		return nil
	}

	if ctx.Err() != nil {
		// Shutdown, not a job failure: hand the same attempt back.
		metrics.JobsTotal.WithLabelValues(string(job.Kind), "interrupted").Inc()
		log.Warn("Job interrupted by shutdown", "error", err)
		return &job
	}

	if job.Attempt >= pol.MaxAttempts {
		metrics.JobsTotal.WithLabelValues(string(job.Kind), "abandoned").Inc()
		log.Error("Job failed, giving up", "error", err, "max_attempts", pol.MaxAttempts)
		return nil
	}

	metrics.JobsTotal.WithLabelValues(string(job.Kind), "retry").Inc()
	log.Warn("Job failed, retrying", "error", err, "max_attempts", pol.MaxAttempts)
	next := job
	next.Attempt++
	next.EnqueuedAt = time.Now().UTC()
	return &next
}

func runSafely(ctx context.Context, job Job, handler Handler) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("queue: job %s panicked: %v", job.ID, p)
		}
	}()
	return handler(ctx, job)
}
