package exchange

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"arbwatch/internal/model"
)

type constructor func(ex model.Exchange, opts Options, logger *slog.Logger) TickerClient

// registry maps the lower-case exchange name to its client constructor.
var registry = map[string]constructor{
	mexcName: func(ex model.Exchange, opts Options, logger *slog.Logger) TickerClient {
		return NewMexcClient(ex, opts, logger)
	},
	bybitName: func(ex model.Exchange, opts Options, logger *slog.Logger) TickerClient {
		return NewBybitClient(ex, opts, logger)
	},
	bingxName: func(ex model.Exchange, opts Options, logger *slog.Logger) TickerClient {
		return NewBingxClient(ex, opts, logger)
	},
	coinexName: func(ex model.Exchange, opts Options, logger *slog.Logger) TickerClient {
		return NewCoinexClient(ex, opts, logger)
	},
}

// NewClient creates the client registered for ex.Name, case-insensitively.
func NewClient(ex model.Exchange, opts Options, logger *slog.Logger) (TickerClient, error) {
	ctor, ok := registry[strings.ToLower(strings.TrimSpace(ex.Name))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExchange, ex.Name)
	}
	return ctor(ex, opts, logger), nil
}

// Has reports whether a client is registered for name.
func Has(name string) bool {
	_, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// Names returns the registered exchange names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultExchanges returns the built-in venue rows used to seed the
// exchanges table.
func DefaultExchanges() []model.Exchange {
	return []model.Exchange{
		{Name: "MEXC", BaseURL: "https://api.mexc.com", IsActive: true},
		{Name: "Bybit", BaseURL: "https://api.bybit.com", IsActive: true},
		{Name: "BingX", BaseURL: "https://open-api.bingx.com", IsActive: true},
		{Name: "CoinEx", BaseURL: "https://api.coinex.com", IsActive: true},
	}
}
