package exchange

import (
	"context"

	"arbwatch/internal/model"
)

// TickerClient defines the standard interface for all exchange clients.
// Symbols may be passed as BASE/QUOTE or in the venue's own form; each client
// normalizes them to its wire format.
type TickerClient interface {
	Name() string
	GetTicker(ctx context.Context, symbol string) (model.Ticker, error)
	GetKline(ctx context.Context, symbol, interval string) ([]model.Kline, error)
	GetAllSymbols(ctx context.Context) ([]string, error)
}

// VolumeProvider is implemented by clients that can report the trailing 24h
// volume of a symbol in its quote currency.
type VolumeProvider interface {
	Volume24h(ctx context.Context, symbol string) (float64, error)
}
