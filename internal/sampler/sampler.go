package sampler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"arbwatch/internal/exchange"
	"arbwatch/internal/metrics"
	"arbwatch/internal/model"
)

// Store persists price samples.
type Store interface {
	SavePriceSample(ctx context.Context, ps *model.PriceSample) error
}

// ClientFactory builds the ticker client for an exchange.
type ClientFactory func(ctx context.Context, ex model.Exchange) (exchange.TickerClient, error)

// RegistryFactory returns a ClientFactory backed by the exchange registry.
// Options are read on every call.
func RegistryFactory(opts exchange.OptionsSource, logger *slog.Logger) ClientFactory {
	return func(ctx context.Context, ex model.Exchange) (exchange.TickerClient, error) {
		return exchange.NewClient(ex, opts(ctx), logger)
	}
}

// Failure records a listing that could not be sampled.
type Failure struct {
	ListingID int64
	Exchange  string
	Symbol    string
	Err       error
}

// Result summarizes one Sample call.
type Result struct {
	Saved    int
	Failures []Failure
}

// Sampler polls tickers for a set of listings and stores them as samples.
type Sampler struct {
	logger    *slog.Logger
	store     Store
	newClient ClientFactory
}

func New(logger *slog.Logger, store Store, newClient ClientFactory) *Sampler {
	return &Sampler{
		logger:    logger.With("component", "sampler"),
		store:     store,
		newClient: newClient,
	}
}

// Sample fetches a ticker for every listing. Listings are grouped by
// exchange; each exchange gets one client and is polled sequentially while
// exchanges run concurrently. A failing listing is logged and skipped. The
// returned error is non-nil only when ctx ends.
func (s *Sampler) Sample(ctx context.Context, listings []model.Listing) (Result, error) {
	byExchange := make(map[int64][]model.Listing)
	for _, l := range listings {
		byExchange[l.Exchange.ID] = append(byExchange[l.Exchange.ID], l)
	}
	ids := make([]int64, 0, len(byExchange))
	for id := range byExchange {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var (
		mu     sync.Mutex
		result Result
	)
	record := func(saved bool, f Failure) {
		mu.Lock()
		defer mu.Unlock()
		if saved {
			result.Saved++
			return
		}
		result.Failures = append(result.Failures, f)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		group := byExchange[id]
		g.Go(func() error {
			s.sampleExchange(gctx, group, record)
			return gctx.Err()
		})
	}
	err := g.Wait()

	sort.Slice(result.Failures, func(i, j int) bool { return result.Failures[i].ListingID < result.Failures[j].ListingID })
	s.logger.Info("Price sampling finished", "listings", len(listings), "saved", result.Saved, "failed", len(result.Failures))
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}
	return result, err
}

func (s *Sampler) sampleExchange(ctx context.Context, listings []model.Listing, record func(bool, Failure)) {
	ex := listings[0].Exchange
	log := s.logger.With("exchange", ex.Name)

	client, err := s.newClient(ctx, ex)
	if err != nil {
		log.Error("No ticker client for exchange", "error", err)
		for _, l := range listings {
			metrics.PriceSamplesTotal.WithLabelValues(ex.Name, "failed").Inc()
			record(false, Failure{ListingID: l.ID, Exchange: ex.Name, Symbol: l.Symbol, Err: err})
		}
		return
	}

	for _, l := range listings {
		if ctx.Err() != nil {
			return
		}
		if err := s.sampleListing(ctx, client, l); err != nil {
			metrics.PriceSamplesTotal.WithLabelValues(ex.Name, "failed").Inc()
			log.Warn("Failed to sample listing", "listing_id", l.ID, "symbol", l.Symbol, "error", err)
			record(false, Failure{ListingID: l.ID, Exchange: ex.Name, Symbol: l.Symbol, Err: err})
			continue
		}
		metrics.PriceSamplesTotal.WithLabelValues(ex.Name, "ok").Inc()
		record(true, Failure{})
	}
}

func (s *Sampler) sampleListing(ctx context.Context, client exchange.TickerClient, l model.Listing) error {
	ticker, err := client.GetTicker(ctx, l.Symbol)
	if err != nil {
		return err
	}
	if ticker.Bid <= 0 || ticker.Ask <= 0 {
		return &exchange.ParserError{
			Exchange: client.Name(),
			Op:       "ticker",
			Err:      exchange.ErrMalformedResponse,
		}
	}

	inst := l.Instrument()
	return s.store.SavePriceSample(ctx, &model.PriceSample{
		ExchangeID: l.Exchange.ID,
		Base:       inst.Base,
		Quote:      inst.Quote,
		Bid:        ticker.Bid,
		Ask:        ticker.Ask,
		ObservedAt: time.Now().UTC(),
	})
}
