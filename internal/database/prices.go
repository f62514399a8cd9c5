package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"arbwatch/internal/model"
)

// SavePriceSample appends one ticker observation. A zero ObservedAt is
// replaced by the database clock; ps.ID and ps.ObservedAt are set from the
// stored row.
func (r *PostgresRepository) SavePriceSample(ctx context.Context, ps *model.PriceSample) error {
	const query = `
		INSERT INTO prices (exchange_id, base_currency, quote_currency, bid_price, ask_price, created_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))
		RETURNING id, created_at`

	var observed *time.Time
	if !ps.ObservedAt.IsZero() {
		observed = &ps.ObservedAt
	}
	inst := model.NewInstrument(ps.Base, ps.Quote)
	err := r.pool.QueryRow(ctx, query, ps.ExchangeID, inst.Base, inst.Quote, ps.Bid, ps.Ask, observed).
		Scan(&ps.ID, &ps.ObservedAt)
	if err != nil {
		return fmt.Errorf("postgres: save price %s on %d: %w", inst, ps.ExchangeID, err)
	}
	ps.Base, ps.Quote = inst.Base, inst.Quote
	return nil
}

// LatestSamples returns, for every exchange quoting one of instruments, the
// most recent sample observed at or after since.
func (r *PostgresRepository) LatestSamples(ctx context.Context, instruments []model.Instrument, since time.Time) ([]model.PriceSample, error) {
	if len(instruments) == 0 {
		return nil, nil
	}
	const query = `
		SELECT DISTINCT ON (exchange_id, base_currency, quote_currency)
			id, exchange_id, base_currency, quote_currency, bid_price, ask_price, created_at
		FROM prices
		WHERE created_at >= $1
			AND (base_currency, quote_currency) IN (SELECT * FROM unnest($2::text[], $3::text[]))
		ORDER BY exchange_id, base_currency, quote_currency, created_at DESC, id DESC`

	bases, quotes := instrumentArrays(instruments)
	rows, err := r.pool.Query(ctx, query, since, bases, quotes)
	if err != nil {
		return nil, fmt.Errorf("postgres: latest samples: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.PriceSample, error) {
		var ps model.PriceSample
		err := row.Scan(&ps.ID, &ps.ExchangeID, &ps.Base, &ps.Quote, &ps.Bid, &ps.Ask, &ps.ObservedAt)
		return ps, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan samples: %w", err)
	}
	return out, nil
}

// DeletePricesBefore removes samples observed before the cutoff.
func (r *PostgresRepository) DeletePricesBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM prices WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete prices: %w", err)
	}
	return tag.RowsAffected(), nil
}
