package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"arbwatch/internal/config"
	"arbwatch/internal/model"
)

// ErrNotFound is returned when a lookup by key matches no row.
var ErrNotFound = errors.New("not found")

// Repository defines the standard interface for database operations.
type Repository interface {
	ListExchanges(ctx context.Context) ([]model.Exchange, error)
	ExchangeByName(ctx context.Context, name string) (model.Exchange, error)
	UpsertExchange(ctx context.Context, ex *model.Exchange) error

	ListListings(ctx context.Context) ([]model.Listing, error)
	ListActiveListings(ctx context.Context) ([]model.Listing, error)
	ListingsByIDs(ctx context.Context, ids []int64) ([]model.Listing, error)
	ListingsForInstruments(ctx context.Context, instruments []model.Instrument) ([]model.Listing, error)
	AddListing(ctx context.Context, l *model.Listing) error
	SetListingActive(ctx context.Context, id int64, active bool) error
	DeleteListing(ctx context.Context, id int64) error

	SavePriceSample(ctx context.Context, ps *model.PriceSample) error
	LatestSamples(ctx context.Context, instruments []model.Instrument, since time.Time) ([]model.PriceSample, error)
	DeletePricesBefore(ctx context.Context, before time.Time) (int64, error)

	UpsertOpportunity(ctx context.Context, o *model.Opportunity) error
	ReadyForAlert(ctx context.Context, f AlertFilter) ([]model.Opportunity, error)
	MarkAlerted(ctx context.Context, ids []int64, at time.Time) (int64, error)
	ListActiveOpportunities(ctx context.Context, limit int) ([]model.Opportunity, error)
	DeactivateMissing(ctx context.Context, instruments []model.Instrument, detectedBefore time.Time) (int64, error)
	DeactivateStale(ctx context.Context, detectedBefore time.Time) (int64, error)
	DeleteOpportunitiesBefore(ctx context.Context, detectedBefore time.Time) (int64, error)

	Stats(ctx context.Context) (Stats, error)
}

// Stats is a point-in-time summary of the stored data.
type Stats struct {
	Exchanges           int        `json:"exchanges"`
	ActiveListings      int        `json:"active_listings"`
	Samples             int64      `json:"samples"`
	LastSampleAt        *time.Time `json:"last_sample_at,omitempty"`
	ActiveOpportunities int        `json:"active_opportunities"`
	PendingAlerts       int        `json:"pending_alerts"`
}

// PostgresRepository implements Repository on PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository wraps an existing pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Connect opens a pool for cfg and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*PostgresRepository, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &PostgresRepository{pool: pool}, nil
}

// Ping checks that the database is reachable.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (r *PostgresRepository) Close() {
	r.pool.Close()
}

// Stats counts rows for the status command and health endpoint.
func (r *PostgresRepository) Stats(ctx context.Context) (Stats, error) {
	const query = `
		SELECT
			(SELECT COUNT(*) FROM exchanges WHERE is_active),
			(SELECT COUNT(*) FROM exchange_pairs p JOIN exchanges e ON e.id = p.exchange_id
				WHERE p.is_active AND e.is_active),
			(SELECT COUNT(*) FROM prices),
			(SELECT MAX(created_at) FROM prices),
			(SELECT COUNT(*) FROM arbitrage_opportunities WHERE is_active),
			(SELECT COUNT(*) FROM arbitrage_opportunities WHERE is_active AND alerted_at IS NULL)`

	var s Stats
	err := r.pool.QueryRow(ctx, query).Scan(
		&s.Exchanges, &s.ActiveListings, &s.Samples, &s.LastSampleAt,
		&s.ActiveOpportunities, &s.PendingAlerts,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("postgres: stats: %w", err)
	}
	return s, nil
}

// instrumentArrays splits instruments into parallel base and quote arrays for
// unnest().
func instrumentArrays(instruments []model.Instrument) (bases, quotes []string) {
	bases = make([]string, len(instruments))
	quotes = make([]string, len(instruments))
	for i, inst := range instruments {
		n := model.NewInstrument(inst.Base, inst.Quote)
		bases[i], quotes[i] = n.Base, n.Quote
	}
	return bases, quotes
}
