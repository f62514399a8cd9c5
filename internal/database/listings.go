package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"arbwatch/internal/model"
)

const exchangeCols = `id, name, api_base_url, spot_api_url, kline_api_url, is_active`

func scanExchange(row pgx.CollectableRow) (model.Exchange, error) {
	var ex model.Exchange
	err := row.Scan(&ex.ID, &ex.Name, &ex.BaseURL, &ex.SpotURL, &ex.KlineURL, &ex.IsActive)
	return ex, err
}

// ListExchanges returns every exchange ordered by name.
func (r *PostgresRepository) ListExchanges(ctx context.Context) ([]model.Exchange, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+exchangeCols+` FROM exchanges ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list exchanges: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanExchange)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan exchanges: %w", err)
	}
	return out, nil
}

// ExchangeByName looks an exchange up case-insensitively.
func (r *PostgresRepository) ExchangeByName(ctx context.Context, name string) (model.Exchange, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+exchangeCols+` FROM exchanges WHERE LOWER(name) = LOWER($1)`, strings.TrimSpace(name))
	if err != nil {
		return model.Exchange{}, fmt.Errorf("postgres: exchange %s: %w", name, err)
	}
	ex, err := pgx.CollectExactlyOneRow(rows, scanExchange)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Exchange{}, ErrNotFound
	}
	if err != nil {
		return model.Exchange{}, fmt.Errorf("postgres: exchange %s: %w", name, err)
	}
	return ex, nil
}

// UpsertExchange inserts ex or updates the endpoints of the exchange with the
// same name. ex.ID is set from the stored row.
func (r *PostgresRepository) UpsertExchange(ctx context.Context, ex *model.Exchange) error {
	const query = `
		INSERT INTO exchanges (name, api_base_url, spot_api_url, kline_api_url, is_active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT ((LOWER(name))) DO UPDATE SET
			api_base_url  = EXCLUDED.api_base_url,
			spot_api_url  = EXCLUDED.spot_api_url,
			kline_api_url = EXCLUDED.kline_api_url,
			is_active     = EXCLUDED.is_active,
			updated_at    = NOW()
		RETURNING id`

	err := r.pool.QueryRow(ctx, query, ex.Name, ex.BaseURL, ex.SpotURL, ex.KlineURL, ex.IsActive).Scan(&ex.ID)
	if err != nil {
		return fmt.Errorf("postgres: upsert exchange %s: %w", ex.Name, err)
	}
	return nil
}

const listingSelect = `
	SELECT p.id, p.base_currency, p.quote_currency, p.symbol_on_exchange, p.is_active,
		p.min_amount, p.maker_fee, p.taker_fee,
		e.id, e.name, e.api_base_url, e.spot_api_url, e.kline_api_url, e.is_active
	FROM exchange_pairs p
	JOIN exchanges e ON e.id = p.exchange_id`

func scanListing(row pgx.CollectableRow) (model.Listing, error) {
	var l model.Listing
	err := row.Scan(
		&l.ID, &l.Base, &l.Quote, &l.Symbol, &l.IsActive,
		&l.MinAmount, &l.MakerFee, &l.TakerFee,
		&l.Exchange.ID, &l.Exchange.Name, &l.Exchange.BaseURL, &l.Exchange.SpotURL, &l.Exchange.KlineURL, &l.Exchange.IsActive,
	)
	return l, err
}

func (r *PostgresRepository) queryListings(ctx context.Context, op, query string, args ...any) ([]model.Listing, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	out, err := pgx.CollectRows(rows, scanListing)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	return out, nil
}

// ListListings returns every listing, active or not.
func (r *PostgresRepository) ListListings(ctx context.Context) ([]model.Listing, error) {
	return r.queryListings(ctx, "list listings", listingSelect+` ORDER BY e.name, p.base_currency, p.quote_currency`)
}

// ListActiveListings returns the listings that are active on an active
// exchange, ordered by id.
func (r *PostgresRepository) ListActiveListings(ctx context.Context) ([]model.Listing, error) {
	return r.queryListings(ctx, "list active listings",
		listingSelect+` WHERE p.is_active AND e.is_active ORDER BY p.id`)
}

// ListingsByIDs returns the listings among ids that are still active. Ids
// that were deactivated or deleted are silently left out.
func (r *PostgresRepository) ListingsByIDs(ctx context.Context, ids []int64) ([]model.Listing, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.queryListings(ctx, "listings by ids",
		listingSelect+` WHERE p.id = ANY($1) AND p.is_active AND e.is_active ORDER BY p.id`, ids)
}

// ListingsForInstruments returns every active listing of the given
// instruments.
func (r *PostgresRepository) ListingsForInstruments(ctx context.Context, instruments []model.Instrument) ([]model.Listing, error) {
	if len(instruments) == 0 {
		return nil, nil
	}
	bases, quotes := instrumentArrays(instruments)
	return r.queryListings(ctx, "listings for instruments",
		listingSelect+`
		WHERE p.is_active AND e.is_active
			AND (p.base_currency, p.quote_currency) IN (SELECT * FROM unnest($1::text[], $2::text[]))
		ORDER BY p.id`, bases, quotes)
}

// AddListing inserts l for l.Exchange.ID and sets l.ID.
func (r *PostgresRepository) AddListing(ctx context.Context, l *model.Listing) error {
	const query = `
		INSERT INTO exchange_pairs (exchange_id, base_currency, quote_currency, symbol_on_exchange,
			is_active, min_amount, maker_fee, taker_fee)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	inst := l.Instrument()
	l.Base, l.Quote = inst.Base, inst.Quote
	l.Symbol = strings.ToUpper(l.Symbol)
	err := r.pool.QueryRow(ctx, query,
		l.Exchange.ID, l.Base, l.Quote, l.Symbol, l.IsActive, l.MinAmount, l.MakerFee, l.TakerFee,
	).Scan(&l.ID)
	if err != nil {
		return fmt.Errorf("postgres: add listing %s on %d: %w", inst, l.Exchange.ID, err)
	}
	return nil
}

// SetListingActive toggles a listing.
func (r *PostgresRepository) SetListingActive(ctx context.Context, id int64, active bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exchange_pairs SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("postgres: set listing %d active=%t: %w", id, active, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteListing removes a listing.
func (r *PostgresRepository) DeleteListing(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM exchange_pairs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete listing %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
