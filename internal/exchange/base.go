package exchange

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"arbwatch/internal/model"
)

// baseClient carries what every venue shares: the transport, endpoint
// resolution and kline interval validation.
type baseClient struct {
	name       string
	exchange   model.Exchange
	transport  *Transport
	klineLimit int
	intervals  map[string]bool
}

func newBaseClient(name string, ex model.Exchange, opts Options, logger *slog.Logger) baseClient {
	allowed := make(map[string]bool, len(opts.AllowedIntervals))
	for _, i := range opts.AllowedIntervals {
		allowed[i] = true
	}
	limit := opts.KlineLimit
	if limit <= 0 {
		limit = 100
	}
	return baseClient{
		name:       name,
		exchange:   ex,
		transport:  NewTransport(name, opts, logger.With("component", "exchange")),
		klineLimit: limit,
		intervals:  allowed,
	}
}

func (b *baseClient) Name() string {
	return b.name
}

// endpoint returns override when the exchange row carries one, otherwise
// the path joined to the exchange base URL.
func (b *baseClient) endpoint(override, path string) string {
	if strings.TrimSpace(override) != "" {
		return override
	}
	return strings.TrimRight(b.exchange.BaseURL, "/") + path
}

// interval validates interval against the allow-list and translates it
// with the venue's token table.
func (b *baseClient) interval(interval string, tokens map[string]string) (string, error) {
	if !b.intervals[interval] {
		return "", contractError(b.name, "kline", ErrUnsupportedInterval, "%q is not allowed", interval)
	}
	token, ok := tokens[interval]
	if !ok {
		return "", contractError(b.name, "kline", ErrUnsupportedInterval, "%q has no %s equivalent", interval, b.name)
	}
	return token, nil
}

func (b *baseClient) limit() string {
	return strconv.Itoa(b.klineLimit)
}

func (b *baseClient) malformed(op, format string, args ...any) error {
	return contractError(b.name, op, ErrMalformedResponse, format, args...)
}

func (b *baseClient) notFound(op, symbol string) error {
	return contractError(b.name, op, ErrSymbolNotFound, "%s", symbol)
}

func (b *baseClient) apiError(op string, code int, msg string) error {
	return &ParserError{Exchange: b.name, Op: op, Err: fmt.Errorf("%w: code %d: %s", ErrRequestFailed, code, msg)}
}
