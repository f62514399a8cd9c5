package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"

	"arbwatch/internal/model"
)

const mexcName = "mexc"

var mexcIntervals = map[string]string{
	"1m":  "1m",
	"5m":  "5m",
	"15m": "15m",
	"30m": "30m",
	"1h":  "60m",
	"4h":  "4h",
	"1d":  "1d",
}

// MexcClient implements TickerClient for the MEXC spot REST API.
type MexcClient struct {
	baseClient
}

// NewMexcClient creates a new MexcClient.
func NewMexcClient(ex model.Exchange, opts Options, logger *slog.Logger) *MexcClient {
	return &MexcClient{baseClient: newBaseClient(mexcName, ex, opts, logger)}
}

type mexcBookTicker struct {
	Symbol   string  `json:"symbol"`
	BidPrice *number `json:"bidPrice"`
	AskPrice *number `json:"askPrice"`
}

func (c *MexcClient) GetTicker(ctx context.Context, symbol string) (model.Ticker, error) {
	var resp mexcBookTicker
	params := url.Values{"symbol": {compactSymbol(symbol)}}
	if err := c.transport.GetJSON(ctx, "ticker", c.endpoint(c.exchange.SpotURL, "/api/v3/ticker/bookTicker"), params, &resp); err != nil {
		return model.Ticker{}, err
	}
	if resp.BidPrice == nil || resp.AskPrice == nil {
		return model.Ticker{}, c.malformed("ticker", "missing bidPrice/askPrice for %s", symbol)
	}
	return model.Ticker{Bid: resp.BidPrice.value(), Ask: resp.AskPrice.value()}, nil
}

func (c *MexcClient) GetKline(ctx context.Context, symbol, interval string) ([]model.Kline, error) {
	token, err := c.interval(interval, mexcIntervals)
	if err != nil {
		return nil, err
	}

	var rows [][]json.RawMessage
	params := url.Values{
		"symbol":   {compactSymbol(symbol)},
		"interval": {token},
		"limit":    {c.limit()},
	}
	if err := c.transport.GetJSON(ctx, "kline", c.endpoint(c.exchange.KlineURL, "/api/v3/klines"), params, &rows); err != nil {
		return nil, err
	}
	klines, ok := parseCandles(rows, millisLayout)
	if !ok {
		return nil, c.malformed("kline", "unexpected candle row for %s", symbol)
	}
	return klines, nil
}

func (c *MexcClient) GetAllSymbols(ctx context.Context) ([]string, error) {
	var resp struct {
		Symbols []struct {
			Symbol string `json:"symbol"`
			Status string `json:"status"`
		} `json:"symbols"`
	}
	if err := c.transport.GetJSON(ctx, "symbols", c.endpoint("", "/api/v3/exchangeInfo"), nil, &resp); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(resp.Symbols))
	for _, s := range resp.Symbols {
		if s.Symbol != "" {
			out = append(out, s.Symbol)
		}
	}
	return out, nil
}

// Volume24h returns the 24h quote volume for symbol.
func (c *MexcClient) Volume24h(ctx context.Context, symbol string) (float64, error) {
	var resp struct {
		QuoteVolume *number `json:"quoteVolume"`
	}
	params := url.Values{"symbol": {compactSymbol(symbol)}}
	if err := c.transport.GetJSON(ctx, "volume", c.endpoint("", "/api/v3/ticker/24hr"), params, &resp); err != nil {
		return 0, err
	}
	if resp.QuoteVolume == nil {
		return 0, c.malformed("volume", "missing quoteVolume for %s", symbol)
	}
	return resp.QuoteVolume.value(), nil
}
