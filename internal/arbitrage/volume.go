package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"

	"arbwatch/internal/exchange"
	"arbwatch/internal/model"
)

// ErrVolumeUnavailable is returned when no 24h volume can be obtained for a
// listing.
var ErrVolumeUnavailable = errors.New("volume unavailable")

// VolumeSource reports the trailing 24h volume of a listing in its quote
// currency.
type VolumeSource interface {
	Volume24h(ctx context.Context, l model.Listing) (float64, error)
}

// ExchangeVolumeSource asks the venue itself through its ticker client.
// Clients are created lazily, one per exchange, and rebuilt when the
// options change.
type ExchangeVolumeSource struct {
	opts   exchange.OptionsSource
	logger *slog.Logger

	mu      sync.Mutex
	built   exchange.Options
	clients map[string]exchange.TickerClient
}

func NewExchangeVolumeSource(opts exchange.OptionsSource, logger *slog.Logger) *ExchangeVolumeSource {
	return &ExchangeVolumeSource{
		opts:    opts,
		logger:  logger,
		clients: make(map[string]exchange.TickerClient),
	}
}

func (s *ExchangeVolumeSource) client(ctx context.Context, ex model.Exchange) (exchange.TickerClient, error) {
	key := strings.ToLower(ex.Name)
	opts := s.opts(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !reflect.DeepEqual(opts, s.built) {
		s.built = opts
		clear(s.clients)
	}
	if c, ok := s.clients[key]; ok {
		return c, nil
	}
	c, err := exchange.NewClient(ex, opts, s.logger)
	if err != nil {
		return nil, err
	}
	s.clients[key] = c
	return c, nil
}

func (s *ExchangeVolumeSource) Volume24h(ctx context.Context, l model.Listing) (float64, error) {
	c, err := s.client(ctx, l.Exchange)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrVolumeUnavailable, err)
	}
	vp, ok := c.(exchange.VolumeProvider)
	if !ok {
		return 0, fmt.Errorf("%w: %s reports no volume", ErrVolumeUnavailable, c.Name())
	}
	v, err := vp.Volume24h(ctx, l.Symbol)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrVolumeUnavailable, err)
	}
	return v, nil
}

// runVolumes memoizes a VolumeSource for the duration of one analysis run.
type runVolumes struct {
	src  VolumeSource
	vals map[int64]volumeResult
}

type volumeResult struct {
	value float64
	err   error
}

func newRunVolumes(src VolumeSource) *runVolumes {
	return &runVolumes{src: src, vals: make(map[int64]volumeResult)}
}

func (r *runVolumes) get(ctx context.Context, l model.Listing) (float64, error) {
	if v, ok := r.vals[l.ID]; ok {
		return v.value, v.err
	}
	if r.src == nil {
		return 0, ErrVolumeUnavailable
	}
	v, err := r.src.Volume24h(ctx, l)
	r.vals[l.ID] = volumeResult{value: v, err: err}
	return v, err
}
