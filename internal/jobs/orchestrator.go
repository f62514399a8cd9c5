package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"arbwatch/internal/arbitrage"
	"arbwatch/internal/config"
	"arbwatch/internal/database"
	"arbwatch/internal/exchange"
	"arbwatch/internal/model"
	"arbwatch/internal/queue"
	"arbwatch/internal/sampler"
)

// Store is the listing and alert persistence used by the job handlers.
type Store interface {
	ListActiveListings(ctx context.Context) ([]model.Listing, error)
	ListingsByIDs(ctx context.Context, ids []int64) ([]model.Listing, error)
	ListingsForInstruments(ctx context.Context, instruments []model.Instrument) ([]model.Listing, error)
	ReadyForAlert(ctx context.Context, f database.AlertFilter) ([]model.Opportunity, error)
	DeactivateDelisted(ctx context.Context) (int64, error)
}

type PriceSampler interface {
	Sample(ctx context.Context, listings []model.Listing) (sampler.Result, error)
}

type Analyzer interface {
	Process(ctx context.Context, s config.Settings, listings []model.Listing) (arbitrage.Report, error)
}

// Notifier delivers alerts and records them as alerted on success.
type Notifier interface {
	Notify(ctx context.Context, opportunities []model.Opportunity) error
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store    Store
	Queue    queue.Queue
	Settings config.SettingsProvider
	Sampler  PriceSampler
	Analyzer Analyzer
	Notifier Notifier
}

// Orchestrator splits the listing set into chunks, enqueues them and handles
// the resulting jobs.
type Orchestrator struct {
	logger       *slog.Logger
	deps         Deps
	sampleChunk  int
	analyzeChunk int
	now          func() time.Time
}

func NewOrchestrator(logger *slog.Logger, deps Deps, cfg config.JobsConfig) *Orchestrator {
	return &Orchestrator{
		logger:       logger.With("component", "jobs"),
		deps:         deps,
		sampleChunk:  cfg.SampleChunkSize,
		analyzeChunk: cfg.AnalyzeChunkSize,
		now:          time.Now,
	}
}

// DispatchSampling enqueues one sampling job per chunk of active listings and
// returns the number of jobs.
func (o *Orchestrator) DispatchSampling(ctx context.Context) (int, error) {
	listings, err := o.deps.Store.ListActiveListings(ctx)
	if err != nil {
		return 0, fmt.Errorf("jobs: load listings: %w", err)
	}
	ids := make([]int64, len(listings))
	for i, l := range listings {
		ids[i] = l.ID
	}
	return o.enqueue(ctx, queue.KindSample, ChunkListings(ids, o.sampleChunk), len(listings))
}

// DispatchAnalysis enqueues one analysis job per chunk of whole instrument
// groups and returns the number of jobs. Opportunities on venues that lost
// their listing never reach a chunk, so they are deactivated first.
func (o *Orchestrator) DispatchAnalysis(ctx context.Context) (int, error) {
	if _, err := o.deactivateDelisted(ctx); err != nil {
		return 0, err
	}
	listings, err := o.deps.Store.ListActiveListings(ctx)
	if err != nil {
		return 0, fmt.Errorf("jobs: load listings: %w", err)
	}
	return o.enqueue(ctx, queue.KindAnalyze, ChunkByInstrument(listings, o.analyzeChunk), len(listings))
}

func (o *Orchestrator) deactivateDelisted(ctx context.Context) (int64, error) {
	n, err := o.deps.Store.DeactivateDelisted(ctx)
	if err != nil {
		return 0, fmt.Errorf("jobs: deactivate delisted: %w", err)
	}
	if n > 0 {
		o.logger.Info("Deactivated opportunities of delisted venues", "count", n)
	}
	return n, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, kind queue.Kind, chunks [][]int64, listings int) (int, error) {
	if len(chunks) == 0 {
		o.logger.Info("Nothing to dispatch", "kind", string(kind))
		return 0, nil
	}
	jobs := make([]queue.Job, len(chunks))
	for i, chunk := range chunks {
		jobs[i] = queue.NewJob(kind, chunk)
	}
	if err := o.deps.Queue.Enqueue(ctx, jobs...); err != nil {
		return 0, fmt.Errorf("jobs: enqueue %s: %w", kind, err)
	}
	o.logger.Info("Dispatched jobs", "kind", string(kind), "jobs", len(jobs), "listings", listings)
	return len(jobs), nil
}

// Handle runs one queue job. Returned errors are left to the queue's retry
// policy.
func (o *Orchestrator) Handle(ctx context.Context, job queue.Job) error {
	switch job.Kind {
	case queue.KindSample:
		return o.handleSample(ctx, job)
	case queue.KindAnalyze:
		return o.handleAnalyze(ctx, job)
	default:
		o.logger.Error("Dropping job of unknown kind", "job_id", job.ID, "kind", string(job.Kind))
		return nil
	}
}

// activeListings loads the job's listings. Ids deactivated since dispatch are
// filtered out by the store.
func (o *Orchestrator) activeListings(ctx context.Context, job queue.Job) ([]model.Listing, error) {
	listings, err := o.deps.Store.ListingsByIDs(ctx, job.ListingIDs)
	if err != nil {
		return nil, fmt.Errorf("jobs: load chunk listings: %w", err)
	}
	if stale := len(job.ListingIDs) - len(listings); stale > 0 {
		o.logger.Debug("Skipping inactive listings", "job_id", job.ID, "stale", stale)
	}
	return listings, nil
}

func (o *Orchestrator) handleSample(ctx context.Context, job queue.Job) error {
	listings, err := o.activeListings(ctx, job)
	if err != nil {
		return err
	}
	if len(listings) == 0 {
		return nil
	}

	result, err := o.deps.Sampler.Sample(ctx, listings)
	if err != nil {
		return fmt.Errorf("jobs: sample: %w", err)
	}
	if result.Saved == 0 && len(result.Failures) > 0 {
		for _, f := range result.Failures {
			if exchange.IsTransient(f.Err) {
				return fmt.Errorf("jobs: no listing of the chunk could be sampled: %w", f.Err)
			}
		}
	}
	return nil
}

func (o *Orchestrator) handleAnalyze(ctx context.Context, job queue.Job) error {
	s, err := o.deps.Settings.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("jobs: settings: %w", err)
	}

	chunk, err := o.activeListings(ctx, job)
	if err != nil {
		return err
	}
	if len(chunk) == 0 {
		return nil
	}

	instruments := instrumentsOf(chunk)
	listings, err := o.deps.Store.ListingsForInstruments(ctx, instruments)
	if err != nil {
		return fmt.Errorf("jobs: load instrument listings: %w", err)
	}

	if _, err := o.deps.Analyzer.Process(ctx, s, listings); err != nil {
		return fmt.Errorf("jobs: analyze: %w", err)
	}
	_, err = o.alert(ctx, s, instruments)
	return err
}

// alert notifies the opportunities that are ready under s, optionally
// restricted to instruments. A notification failure is logged and the
// opportunities stay pending for the next cycle.
func (o *Orchestrator) alert(ctx context.Context, s config.Settings, instruments []model.Instrument) (int, error) {
	if !s.NotificationsEnabled || o.deps.Notifier == nil {
		return 0, nil
	}
	ready, err := o.deps.Store.ReadyForAlert(ctx, database.AlertFilter{
		MinProfitPct: s.MinProfitPercent,
		MinVolume:    s.MinVolumeQuote,
		Cooldown:     s.AlertCooldown,
		MaxAge:       s.FreshnessWindow,
		Now:          o.now().UTC(),
		Instruments:  instruments,
	})
	if err != nil {
		return 0, fmt.Errorf("jobs: load alerts: %w", err)
	}
	if len(ready) == 0 {
		return 0, nil
	}
	if err := o.deps.Notifier.Notify(ctx, ready); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, err
		}
		o.logger.Error("Failed to send alerts", "error", err, "opportunities", len(ready))
		return 0, nil
	}
	return len(ready), nil
}

// Summary reports one interactive analysis cycle.
type Summary struct {
	Listings int
	Delisted int64
	Report   arbitrage.Report
	Alerted  int
}

// RunAnalysis analyzes every active listing in the calling goroutine, upserts
// the results and alerts on everything that is ready.
func (o *Orchestrator) RunAnalysis(ctx context.Context) (Summary, error) {
	s, err := o.deps.Settings.Snapshot(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("jobs: settings: %w", err)
	}
	delisted, err := o.deactivateDelisted(ctx)
	if err != nil {
		return Summary{}, err
	}
	listings, err := o.deps.Store.ListActiveListings(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("jobs: load listings: %w", err)
	}

	summary := Summary{Listings: len(listings), Delisted: delisted}
	summary.Report, err = o.deps.Analyzer.Process(ctx, s, listings)
	if err != nil {
		return summary, fmt.Errorf("jobs: analyze: %w", err)
	}
	summary.Alerted, err = o.alert(ctx, s, nil)
	return summary, err
}
