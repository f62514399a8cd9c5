package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"

	"arbwatch/internal/model"
)

const coinexName = "coinex"

var coinexIntervals = map[string]string{
	"1m":  "1min",
	"5m":  "5min",
	"15m": "15min",
	"30m": "30min",
	"1h":  "1hour",
	"4h":  "4hour",
	"1d":  "1day",
}

// CoinEx rows are [time(s), open, close, high, low, volume, amount, market].
var coinexLayout = candleLayout{time: 0, open: 1, close: 2, high: 3, low: 4, volume: 5, seconds: true}

// CoinexClient implements TickerClient for the CoinEx v1 market API.
type CoinexClient struct {
	baseClient
}

func NewCoinexClient(ex model.Exchange, opts Options, logger *slog.Logger) *CoinexClient {
	return &CoinexClient{baseClient: newBaseClient(coinexName, ex, opts, logger)}
}

type coinexEnvelope[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type coinexTicker struct {
	Ticker *struct {
		Buy  *number `json:"buy"`
		Sell *number `json:"sell"`
		Vol  *number `json:"vol"`
		Last *number `json:"last"`
	} `json:"ticker"`
}

func (c *CoinexClient) ticker(ctx context.Context, op, symbol string) (coinexTicker, error) {
	var resp coinexEnvelope[coinexTicker]
	params := url.Values{"market": {compactSymbol(symbol)}}
	if err := c.transport.GetJSON(ctx, op, c.endpoint(c.exchange.SpotURL, "/v1/market/ticker"), params, &resp); err != nil {
		return coinexTicker{}, err
	}
	if resp.Code != 0 {
		return coinexTicker{}, c.apiError(op, resp.Code, resp.Message)
	}
	if resp.Data.Ticker == nil {
		return coinexTicker{}, c.notFound(op, symbol)
	}
	return resp.Data, nil
}

// GetTicker maps CoinEx "buy" to the bid and "sell" to the ask.
func (c *CoinexClient) GetTicker(ctx context.Context, symbol string) (model.Ticker, error) {
	t, err := c.ticker(ctx, "ticker", symbol)
	if err != nil {
		return model.Ticker{}, err
	}
	if t.Ticker.Buy == nil || t.Ticker.Sell == nil {
		return model.Ticker{}, c.malformed("ticker", "missing buy/sell for %s", symbol)
	}
	return model.Ticker{Bid: t.Ticker.Buy.value(), Ask: t.Ticker.Sell.value()}, nil
}

func (c *CoinexClient) GetKline(ctx context.Context, symbol, interval string) ([]model.Kline, error) {
	token, err := c.interval(interval, coinexIntervals)
	if err != nil {
		return nil, err
	}

	var resp coinexEnvelope[[][]json.RawMessage]
	params := url.Values{
		"market": {compactSymbol(symbol)},
		"type":   {token},
		"limit":  {c.limit()},
	}
	if err := c.transport.GetJSON(ctx, "kline", c.endpoint(c.exchange.KlineURL, "/v1/market/kline"), params, &resp); err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, c.apiError("kline", resp.Code, resp.Message)
	}

	klines, ok := parseCandles(resp.Data, coinexLayout)
	if !ok {
		return nil, c.malformed("kline", "unexpected candle row for %s", symbol)
	}
	return klines, nil
}

func (c *CoinexClient) GetAllSymbols(ctx context.Context) ([]string, error) {
	var resp coinexEnvelope[[]string]
	if err := c.transport.GetJSON(ctx, "symbols", c.endpoint("", "/v1/market/list"), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, c.apiError("symbols", resp.Code, resp.Message)
	}
	return resp.Data, nil
}

// Volume24h converts the base-currency volume CoinEx reports into quote
// currency using the last trade price.
func (c *CoinexClient) Volume24h(ctx context.Context, symbol string) (float64, error) {
	t, err := c.ticker(ctx, "volume", symbol)
	if err != nil {
		return 0, err
	}
	if t.Ticker.Vol == nil || t.Ticker.Last == nil {
		return 0, c.malformed("volume", "missing vol/last for %s", symbol)
	}
	return t.Ticker.Vol.value() * t.Ticker.Last.value(), nil
}
