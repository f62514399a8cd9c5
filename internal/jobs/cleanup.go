package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"arbwatch/internal/config"
)

// CleanupStore is the retention surface of the repository.
type CleanupStore interface {
	DeactivateStale(ctx context.Context, detectedBefore time.Time) (int64, error)
	DeleteOpportunitiesBefore(ctx context.Context, detectedBefore time.Time) (int64, error)
	DeletePricesBefore(ctx context.Context, before time.Time) (int64, error)
}

// CleanupReport counts the rows touched by one cleanup run.
type CleanupReport struct {
	Deactivated          int64
	DeletedOpportunities int64
	DeletedPrices        int64
}

// Cleaner applies the retention horizons.
type Cleaner struct {
	logger    *slog.Logger
	store     CleanupStore
	retention config.RetentionConfig
	now       func() time.Time
}

func NewCleaner(logger *slog.Logger, store CleanupStore, retention config.RetentionConfig) *Cleaner {
	return &Cleaner{
		logger:    logger.With("component", "cleanup"),
		store:     store,
		retention: retention,
		now:       time.Now,
	}
}

// Run deactivates old opportunities, then deletes expired opportunities and
// price samples.
func (c *Cleaner) Run(ctx context.Context) (CleanupReport, error) {
	now := c.now().UTC()
	var (
		report CleanupReport
		err    error
	)

	report.Deactivated, err = c.store.DeactivateStale(ctx, now.Add(-c.retention.OpportunityDeactivateAfter))
	if err != nil {
		return report, fmt.Errorf("cleanup: deactivate opportunities: %w", err)
	}
	report.DeletedOpportunities, err = c.store.DeleteOpportunitiesBefore(ctx, now.Add(-c.retention.OpportunityDeleteAfter))
	if err != nil {
		return report, fmt.Errorf("cleanup: delete opportunities: %w", err)
	}
	report.DeletedPrices, err = c.store.DeletePricesBefore(ctx, now.Add(-c.retention.PriceHistory))
	if err != nil {
		return report, fmt.Errorf("cleanup: delete prices: %w", err)
	}

	c.logger.Info("Cleanup finished",
		"deactivated", report.Deactivated,
		"deleted_opportunities", report.DeletedOpportunities,
		"deleted_prices", report.DeletedPrices,
	)
	return report, nil
}
