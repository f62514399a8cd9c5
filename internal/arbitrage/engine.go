package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"arbwatch/internal/config"
	"arbwatch/internal/metrics"
	"arbwatch/internal/model"
)

// Store is the persistence the engine needs.
type Store interface {
	LatestSamples(ctx context.Context, instruments []model.Instrument, since time.Time) ([]model.PriceSample, error)
	UpsertOpportunity(ctx context.Context, o *model.Opportunity) error
	DeactivateMissing(ctx context.Context, instruments []model.Instrument, detectedBefore time.Time) (int64, error)
}

// Publisher receives every opportunity after it was persisted.
type Publisher interface {
	Publish(ctx context.Context, o model.Opportunity)
}

// Report summarizes one Process call.
type Report struct {
	Instruments int
	Candidates  int
	Persisted   []model.Opportunity
	Dropped     int
	Deactivated int64
}

// Engine detects cross-exchange opportunities from recent price samples.
type Engine struct {
	logger    *slog.Logger
	store     Store
	volumes   VolumeSource
	publisher Publisher
	now       func() time.Time
}

// NewEngine creates a new Engine.
func NewEngine(logger *slog.Logger, store Store, volumes VolumeSource) *Engine {
	return &Engine{
		logger:  logger.With("component", "arbitrage"),
		store:   store,
		volumes: volumes,
		now:     time.Now,
	}
}

// WithPublisher sets the receiver of persisted opportunities.
func (e *Engine) WithPublisher(p Publisher) *Engine {
	e.publisher = p
	return e
}

var hundred = decimal.NewFromInt(100)

// venueQuote is one column of the per-instrument price matrix.
type venueQuote struct {
	listing model.Listing
	sample  model.PriceSample
}

// group holds the listings of one instrument, ordered by exchange name.
type group struct {
	instrument model.Instrument
	listings   []model.Listing
}

// groupListings groups active listings by instrument and keeps only
// instruments offered by at least two distinct exchanges.
func groupListings(listings []model.Listing) []group {
	byInstrument := make(map[model.Instrument][]model.Listing)
	seen := make(map[model.Instrument]map[int64]bool)
	for _, l := range listings {
		if !l.IsActive || !l.Exchange.IsActive {
			continue
		}
		key := l.Instrument()
		if seen[key] == nil {
			seen[key] = make(map[int64]bool)
		}
		// One listing per exchange and instrument.
		if seen[key][l.Exchange.ID] {
			continue
		}
		seen[key][l.Exchange.ID] = true
		byInstrument[key] = append(byInstrument[key], l)
	}

	groups := make([]group, 0, len(byInstrument))
	for inst, ls := range byInstrument {
		if len(ls) < 2 {
			continue
		}
		sort.Slice(ls, func(i, j int) bool { return ls[i].Exchange.Name < ls[j].Exchange.Name })
		groups = append(groups, group{instrument: inst, listings: ls})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].instrument.String() < groups[j].instrument.String() })
	return groups
}

// coveredInstruments returns the distinct instruments of listings, active or
// not, ordered by name.
func coveredInstruments(listings []model.Listing) []model.Instrument {
	seen := make(map[model.Instrument]bool, len(listings))
	out := make([]model.Instrument, 0, len(listings))
	for _, l := range listings {
		inst := l.Instrument()
		if seen[inst] {
			continue
		}
		seen[inst] = true
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

type sampleKey struct {
	exchangeID int64
	instrument model.Instrument
}

// Analyze returns the opportunity candidates for listings without persisting
// them. Every ordered pair of venues is evaluated on its own.
func (e *Engine) Analyze(ctx context.Context, s config.Settings, listings []model.Listing) ([]model.Opportunity, error) {
	candidates, _, err := e.analyze(ctx, s, listings)
	return candidates, err
}

func (e *Engine) analyze(ctx context.Context, s config.Settings, listings []model.Listing) ([]model.Opportunity, []model.Instrument, error) {
	groups := groupListings(listings)
	if len(groups) == 0 {
		e.logger.Debug("No instrument listed on two or more exchanges")
		return nil, nil, nil
	}

	instruments := make([]model.Instrument, len(groups))
	for i, g := range groups {
		instruments[i] = g.instrument
	}

	now := e.now()
	since := now.Add(-s.FreshnessWindow)
	samples, err := e.store.LatestSamples(ctx, instruments, since)
	if err != nil {
		return nil, nil, fmt.Errorf("arbitrage: load samples: %w", err)
	}

	latest := make(map[sampleKey]model.PriceSample, len(samples))
	for _, ps := range samples {
		if ps.ObservedAt.Before(since) {
			continue
		}
		key := sampleKey{ps.ExchangeID, model.NewInstrument(ps.Base, ps.Quote)}
		if cur, ok := latest[key]; !ok || ps.ObservedAt.After(cur.ObservedAt) {
			latest[key] = ps
		}
	}

	volumes := newRunVolumes(e.volumes)
	var (
		candidates []model.Opportunity
		evaluated  []model.Instrument
	)
	for _, g := range groups {
		matrix := make([]venueQuote, 0, len(g.listings))
		for _, l := range g.listings {
			if ps, ok := latest[sampleKey{l.Exchange.ID, g.instrument}]; ok {
				matrix = append(matrix, venueQuote{listing: l, sample: ps})
			}
		}
		if len(matrix) < 2 {
			e.logger.Debug("Not enough fresh prices", "instrument", g.instrument.String(), "venues", len(matrix))
			continue
		}
		evaluated = append(evaluated, g.instrument)

		for _, buy := range matrix {
			for _, sell := range matrix {
				if buy.listing.Exchange.ID == sell.listing.Exchange.ID {
					continue
				}
				if err := ctx.Err(); err != nil {
					return nil, nil, err
				}
				o, ok := e.evaluate(ctx, s, volumes, buy, sell, now)
				if ok {
					candidates = append(candidates, o)
				}
			}
		}
	}

	metrics.OpportunitiesDetected.Add(float64(len(candidates)))
	return candidates, evaluated, nil
}

// evaluate computes one buy/sell direction and applies the profit and
// volume filters.
func (e *Engine) evaluate(ctx context.Context, s config.Settings, volumes *runVolumes, buy, sell venueQuote, now time.Time) (model.Opportunity, bool) {
	log := e.logger.With(
		"instrument", buy.listing.Instrument().String(),
		"buy_exchange", buy.listing.Exchange.Name,
		"sell_exchange", sell.listing.Exchange.Name,
	)

	ask := decimal.NewFromFloat(buy.sample.Ask)
	bid := decimal.NewFromFloat(sell.sample.Bid)
	if !ask.IsPositive() || !bid.IsPositive() {
		log.Debug("Skipping non-positive price", "ask", buy.sample.Ask, "bid", sell.sample.Bid)
		return model.Opportunity{}, false
	}

	gross := bid.Sub(ask).Div(ask).Mul(hundred)
	if !gross.IsPositive() {
		return model.Opportunity{}, false
	}

	buyRate, _ := Commission(buy.listing, s)
	sellRate, _ := Commission(sell.listing, s)
	buyFee := decimal.NewFromFloat(buyRate)
	sellFee := decimal.NewFromFloat(sellRate)
	total := buyFee.Add(sellFee)

	net := gross.Sub(total.Mul(hundred))
	if net.LessThan(decimal.NewFromFloat(s.MinProfitPercent)) {
		log.Debug("Net profit below threshold", "gross_pct", gross.InexactFloat64(), "net_pct", net.InexactFloat64())
		return model.Opportunity{}, false
	}
	estimate := net.Div(hundred).Mul(decimal.NewFromFloat(s.ReferenceNotional))

	buyVol, ok := e.volume(ctx, s, volumes, buy.listing, log)
	if !ok {
		return model.Opportunity{}, false
	}
	sellVol, ok := e.volume(ctx, s, volumes, sell.listing, log)
	if !ok {
		return model.Opportunity{}, false
	}
	if buyVol < s.MinVolumeQuote || sellVol < s.MinVolumeQuote {
		log.Debug("Volume below threshold", "buy_volume", buyVol, "sell_volume", sellVol, "min_volume", s.MinVolumeQuote)
		return model.Opportunity{}, false
	}

	return model.Opportunity{
		BuyExchangeID:   buy.listing.Exchange.ID,
		SellExchangeID:  sell.listing.Exchange.ID,
		BuyExchange:     buy.listing.Exchange.Name,
		SellExchange:    sell.listing.Exchange.Name,
		Base:            buy.listing.Instrument().Base,
		Quote:           buy.listing.Instrument().Quote,
		BuyPrice:        buy.sample.Ask,
		SellPrice:       sell.sample.Bid,
		GrossProfitPct:  gross.Round(8).InexactFloat64(),
		BuyCommission:   buyRate,
		SellCommission:  sellRate,
		TotalCommission: total.InexactFloat64(),
		NetProfitPct:    net.Round(8).InexactFloat64(),
		ProfitEstimate:  estimate.Round(8).InexactFloat64(),
		BuyVolume24h:    buyVol,
		SellVolume24h:   sellVol,
		MinVolume:       s.MinVolumeQuote,
		IsActive:        true,
		DetectedAt:      now,
	}, true
}

// volume returns the listing's 24h volume, applying the fallback policy when
// it cannot be obtained.
func (e *Engine) volume(ctx context.Context, s config.Settings, volumes *runVolumes, l model.Listing, log *slog.Logger) (float64, bool) {
	v, err := volumes.get(ctx, l)
	if err == nil {
		return v, true
	}
	if s.VolumeFallback == config.FailOpen {
		log.Warn("Volume unavailable, substituting threshold", "exchange", l.Exchange.Name, "error", err)
		return s.MinVolumeQuote, true
	}
	log.Warn("Volume unavailable, discarding candidate", "exchange", l.Exchange.Name, "error", err)
	return 0, false
}

// Process analyzes listings, upserts every candidate and deactivates active
// rows of every instrument in listings that was not detected again, including
// instruments left without two fresh venues. A failed upsert is logged and
// the candidate dropped.
func (e *Engine) Process(ctx context.Context, s config.Settings, listings []model.Listing) (Report, error) {
	runStart := e.now()
	candidates, evaluated, err := e.analyze(ctx, s, listings)
	if err != nil {
		return Report{}, err
	}

	report := Report{Instruments: len(evaluated), Candidates: len(candidates)}
	for i := range candidates {
		o := candidates[i]
		if err := e.store.UpsertOpportunity(ctx, &o); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return report, err
			}
			metrics.OpportunityUpsertErrors.Inc()
			report.Dropped++
			e.logger.Error("Failed to upsert opportunity",
				"error", err,
				"buy_exchange", o.BuyExchange,
				"sell_exchange", o.SellExchange,
				"instrument", o.Instrument().String(),
				"buy_price", o.BuyPrice,
				"sell_price", o.SellPrice,
				"net_profit_pct", o.NetProfitPct,
			)
			continue
		}
		report.Persisted = append(report.Persisted, o)
		if e.publisher != nil {
			e.publisher.Publish(ctx, o)
		}
	}

	if covered := coveredInstruments(listings); len(covered) > 0 {
		n, err := e.store.DeactivateMissing(ctx, covered, runStart)
		if err != nil {
			e.logger.Error("Failed to deactivate vanished opportunities", "error", err)
		}
		report.Deactivated = n
	}

	e.logger.Info("Arbitrage analysis finished",
		"instruments", report.Instruments,
		"candidates", report.Candidates,
		"persisted", len(report.Persisted),
		"dropped", report.Dropped,
		"deactivated", report.Deactivated,
	)
	return report, nil
}
