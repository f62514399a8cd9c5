package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"

	"arbwatch/internal/model"
)

const bybitName = "bybit"

// bybitSymbolNotFound is the retCode Bybit answers for an unknown symbol.
const bybitSymbolNotFound = 10001

var bybitIntervals = map[string]string{
	"1m":  "1",
	"5m":  "5",
	"15m": "15",
	"30m": "30",
	"1h":  "60",
	"4h":  "240",
	"1d":  "D",
}

// BybitClient implements TickerClient for the Bybit v5 spot market API.
type BybitClient struct {
	baseClient
}

func NewBybitClient(ex model.Exchange, opts Options, logger *slog.Logger) *BybitClient {
	return &BybitClient{baseClient: newBaseClient(bybitName, ex, opts, logger)}
}

type bybitEnvelope[T any] struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  T      `json:"result"`
}

type bybitTicker struct {
	Symbol      string  `json:"symbol"`
	Bid1Price   *number `json:"bid1Price"`
	Ask1Price   *number `json:"ask1Price"`
	Turnover24h *number `json:"turnover24h"`
}

type bybitTickerList struct {
	List []bybitTicker `json:"list"`
}

func (c *BybitClient) ticker(ctx context.Context, op, symbol string) (bybitTicker, error) {
	var resp bybitEnvelope[bybitTickerList]
	params := url.Values{"category": {"spot"}, "symbol": {compactSymbol(symbol)}}
	if err := c.transport.GetJSON(ctx, op, c.endpoint(c.exchange.SpotURL, "/v5/market/tickers"), params, &resp); err != nil {
		return bybitTicker{}, err
	}
	switch {
	case resp.RetCode == bybitSymbolNotFound:
		return bybitTicker{}, c.notFound(op, symbol)
	case resp.RetCode != 0:
		return bybitTicker{}, c.apiError(op, resp.RetCode, resp.RetMsg)
	case len(resp.Result.List) == 0:
		return bybitTicker{}, c.notFound(op, symbol)
	}
	return resp.Result.List[0], nil
}

func (c *BybitClient) GetTicker(ctx context.Context, symbol string) (model.Ticker, error) {
	t, err := c.ticker(ctx, "ticker", symbol)
	if err != nil {
		return model.Ticker{}, err
	}
	if t.Bid1Price == nil || t.Ask1Price == nil {
		return model.Ticker{}, c.malformed("ticker", "missing bid1Price/ask1Price for %s", symbol)
	}
	return model.Ticker{Bid: t.Bid1Price.value(), Ask: t.Ask1Price.value()}, nil
}

// GetKline returns candles oldest first; Bybit itself answers newest first.
func (c *BybitClient) GetKline(ctx context.Context, symbol, interval string) ([]model.Kline, error) {
	token, err := c.interval(interval, bybitIntervals)
	if err != nil {
		return nil, err
	}

	var resp bybitEnvelope[struct {
		List [][]json.RawMessage `json:"list"`
	}]
	params := url.Values{
		"category": {"spot"},
		"symbol":   {compactSymbol(symbol)},
		"interval": {token},
		"limit":    {c.limit()},
	}
	if err := c.transport.GetJSON(ctx, "kline", c.endpoint(c.exchange.KlineURL, "/v5/market/kline"), params, &resp); err != nil {
		return nil, err
	}
	if resp.RetCode == bybitSymbolNotFound {
		return nil, c.notFound("kline", symbol)
	}
	if resp.RetCode != 0 {
		return nil, c.apiError("kline", resp.RetCode, resp.RetMsg)
	}

	klines, ok := parseCandles(resp.Result.List, millisLayout)
	if !ok {
		return nil, c.malformed("kline", "unexpected candle row for %s", symbol)
	}
	return klines, nil
}

func (c *BybitClient) GetAllSymbols(ctx context.Context) ([]string, error) {
	var resp bybitEnvelope[bybitTickerList]
	params := url.Values{"category": {"spot"}}
	if err := c.transport.GetJSON(ctx, "symbols", c.endpoint("", "/v5/market/tickers"), params, &resp); err != nil {
		return nil, err
	}
	if resp.RetCode != 0 {
		return nil, c.apiError("symbols", resp.RetCode, resp.RetMsg)
	}

	out := make([]string, 0, len(resp.Result.List))
	for _, t := range resp.Result.List {
		if t.Symbol != "" {
			out = append(out, t.Symbol)
		}
	}
	return out, nil
}

// Volume24h returns turnover24h, which Bybit reports in the quote currency.
func (c *BybitClient) Volume24h(ctx context.Context, symbol string) (float64, error) {
	t, err := c.ticker(ctx, "volume", symbol)
	if err != nil {
		return 0, err
	}
	if t.Turnover24h == nil {
		return 0, c.malformed("volume", "missing turnover24h for %s", symbol)
	}
	return t.Turnover24h.value(), nil
}
