package database

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"arbwatch/internal/model"
)

// AlertFilter selects opportunities that may be alerted at Now.
type AlertFilter struct {
	MinProfitPct float64
	MinVolume    float64
	Cooldown     time.Duration
	// MaxAge excludes rows not detected again within it when positive.
	MaxAge time.Duration
	Now    time.Time
	// Instruments restricts the result when non-empty.
	Instruments []model.Instrument
}

const opportunitySelect = `
	SELECT o.id, o.buy_exchange_id, o.sell_exchange_id, be.name, se.name,
		o.base_currency, o.quote_currency, o.buy_price, o.sell_price,
		o.profit_percent, o.buy_commission, o.sell_commission, o.total_commission,
		o.net_profit_percent, o.profit_quote, o.volume_24h_buy, o.volume_24h_sell,
		o.min_volume_quote, o.is_active, o.detected_at, o.alerted_at, o.expires_at
	FROM arbitrage_opportunities o
	JOIN exchanges be ON be.id = o.buy_exchange_id
	JOIN exchanges se ON se.id = o.sell_exchange_id`

func scanOpportunity(row pgx.CollectableRow) (model.Opportunity, error) {
	var o model.Opportunity
	err := row.Scan(
		&o.ID, &o.BuyExchangeID, &o.SellExchangeID, &o.BuyExchange, &o.SellExchange,
		&o.Base, &o.Quote, &o.BuyPrice, &o.SellPrice,
		&o.GrossProfitPct, &o.BuyCommission, &o.SellCommission, &o.TotalCommission,
		&o.NetProfitPct, &o.ProfitEstimate, &o.BuyVolume24h, &o.SellVolume24h,
		&o.MinVolume, &o.IsActive, &o.DetectedAt, &o.AlertedAt, &o.ExpiresAt,
	)
	return o, err
}

func (r *PostgresRepository) queryOpportunities(ctx context.Context, op, query string, args ...any) ([]model.Opportunity, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	out, err := pgx.CollectRows(rows, scanOpportunity)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	return out, nil
}

// UpsertOpportunity inserts o as a new active row, or refreshes the active
// row with the same (buy exchange, sell exchange, base, quote) in one
// statement. A refresh overwrites every computed field and detected_at but
// keeps alerted_at. o.ID and o.AlertedAt are set from the stored row.
func (r *PostgresRepository) UpsertOpportunity(ctx context.Context, o *model.Opportunity) error {
	const query = `
		INSERT INTO arbitrage_opportunities (
			buy_exchange_id, sell_exchange_id, base_currency, quote_currency,
			buy_price, sell_price, profit_percent,
			buy_commission, sell_commission, total_commission,
			net_profit_percent, profit_quote,
			volume_24h_buy, volume_24h_sell, min_volume_quote,
			is_active, detected_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10,
			$11, $12,
			$13, $14, $15,
			TRUE, $16
		)
		ON CONFLICT (buy_exchange_id, sell_exchange_id, base_currency, quote_currency) WHERE is_active
		DO UPDATE SET
			buy_price          = EXCLUDED.buy_price,
			sell_price         = EXCLUDED.sell_price,
			profit_percent     = EXCLUDED.profit_percent,
			buy_commission     = EXCLUDED.buy_commission,
			sell_commission    = EXCLUDED.sell_commission,
			total_commission   = EXCLUDED.total_commission,
			net_profit_percent = EXCLUDED.net_profit_percent,
			profit_quote       = EXCLUDED.profit_quote,
			volume_24h_buy     = EXCLUDED.volume_24h_buy,
			volume_24h_sell    = EXCLUDED.volume_24h_sell,
			min_volume_quote   = EXCLUDED.min_volume_quote,
			detected_at        = EXCLUDED.detected_at,
			expires_at         = NULL,
			updated_at         = NOW()
		RETURNING id, alerted_at`

	inst := o.Instrument()
	if o.DetectedAt.IsZero() {
		o.DetectedAt = time.Now()
	}
	err := r.pool.QueryRow(ctx, query,
		o.BuyExchangeID, o.SellExchangeID, inst.Base, inst.Quote,
		o.BuyPrice, o.SellPrice, o.GrossProfitPct,
		o.BuyCommission, o.SellCommission, o.TotalCommission,
		o.NetProfitPct, o.ProfitEstimate,
		o.BuyVolume24h, o.SellVolume24h, o.MinVolume,
		o.DetectedAt,
	).Scan(&o.ID, &o.AlertedAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert opportunity %s %d->%d: %w", inst, o.BuyExchangeID, o.SellExchangeID, err)
	}
	o.Base, o.Quote = inst.Base, inst.Quote
	o.IsActive = true
	o.ExpiresAt = nil
	return nil
}

// ReadyForAlert returns active opportunities meeting the profit and volume
// floors whose cooldown has elapsed, most profitable first. The cooldown is
// evaluated per row.
func (r *PostgresRepository) ReadyForAlert(ctx context.Context, f AlertFilter) ([]model.Opportunity, error) {
	now := f.Now
	if now.IsZero() {
		now = time.Now()
	}

	var b strings.Builder
	b.WriteString(opportunitySelect)
	b.WriteString(`
	WHERE o.is_active
		AND o.net_profit_percent >= $1
		AND o.volume_24h_buy >= $2
		AND o.volume_24h_sell >= $2
		AND (o.alerted_at IS NULL OR o.alerted_at <= $3)`)
	args := []any{f.MinProfitPct, f.MinVolume, now.Add(-f.Cooldown)}

	if f.MaxAge > 0 {
		args = append(args, now.Add(-f.MaxAge))
		fmt.Fprintf(&b, `
		AND o.detected_at >= $%d`, len(args))
	}
	if len(f.Instruments) > 0 {
		bases, quotes := instrumentArrays(f.Instruments)
		args = append(args, bases, quotes)
		fmt.Fprintf(&b, `
		AND (o.base_currency, o.quote_currency) IN (SELECT * FROM unnest($%d::text[], $%d::text[]))`, len(args)-1, len(args))
	}
	b.WriteString(`
	ORDER BY o.net_profit_percent DESC, o.id`)

	return r.queryOpportunities(ctx, "ready for alert", b.String(), args...)
}

// MarkAlerted stamps alerted_at on the given rows.
func (r *PostgresRepository) MarkAlerted(ctx context.Context, ids []int64, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE arbitrage_opportunities SET alerted_at = $2, updated_at = NOW() WHERE id = ANY($1)`, ids, at)
	if err != nil {
		return 0, fmt.Errorf("postgres: mark alerted: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListActiveOpportunities returns active opportunities, most profitable
// first. A non-positive limit returns all of them.
func (r *PostgresRepository) ListActiveOpportunities(ctx context.Context, limit int) ([]model.Opportunity, error) {
	query := opportunitySelect + ` WHERE o.is_active ORDER BY o.net_profit_percent DESC, o.id`
	if limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(limit)
	}
	return r.queryOpportunities(ctx, "list active opportunities", query)
}

// DeactivateMissing deactivates active rows of instruments that were not
// refreshed since detectedBefore.
func (r *PostgresRepository) DeactivateMissing(ctx context.Context, instruments []model.Instrument, detectedBefore time.Time) (int64, error) {
	if len(instruments) == 0 {
		return 0, nil
	}
	const query = `
		UPDATE arbitrage_opportunities
		SET is_active = FALSE, expires_at = NOW(), updated_at = NOW()
		WHERE is_active
			AND detected_at < $1
			AND (base_currency, quote_currency) IN (SELECT * FROM unnest($2::text[], $3::text[]))`

	bases, quotes := instrumentArrays(instruments)
	tag, err := r.pool.Exec(ctx, query, detectedBefore, bases, quotes)
	if err != nil {
		return 0, fmt.Errorf("postgres: deactivate missing opportunities: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeactivateDelisted deactivates active rows whose buy or sell venue no longer
// has an active listing of the instrument on an active exchange.
func (r *PostgresRepository) DeactivateDelisted(ctx context.Context) (int64, error) {
	const query = `
		UPDATE arbitrage_opportunities o
		SET is_active = FALSE, expires_at = NOW(), updated_at = NOW()
		WHERE o.is_active
			AND EXISTS (
				SELECT 1 FROM (VALUES (o.buy_exchange_id), (o.sell_exchange_id)) AS v(exchange_id)
				WHERE NOT EXISTS (
					SELECT 1
					FROM exchange_pairs p
					JOIN exchanges e ON e.id = p.exchange_id
					WHERE p.exchange_id = v.exchange_id
						AND p.base_currency = o.base_currency
						AND p.quote_currency = o.quote_currency
						AND p.is_active AND e.is_active
				)
			)`

	tag, err := r.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("postgres: deactivate delisted opportunities: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeactivateStale deactivates active rows detected before the cutoff.
func (r *PostgresRepository) DeactivateStale(ctx context.Context, detectedBefore time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE arbitrage_opportunities
		SET is_active = FALSE, expires_at = NOW(), updated_at = NOW()
		WHERE is_active AND detected_at < $1`, detectedBefore)
	if err != nil {
		return 0, fmt.Errorf("postgres: deactivate stale opportunities: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteOpportunitiesBefore hard-deletes rows detected before the cutoff.
func (r *PostgresRepository) DeleteOpportunitiesBefore(ctx context.Context, detectedBefore time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM arbitrage_opportunities WHERE detected_at < $1`, detectedBefore)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete opportunities: %w", err)
	}
	return tag.RowsAffected(), nil
}
