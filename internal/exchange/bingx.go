package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/url"

	"arbwatch/internal/model"
)

const bingxName = "bingx"

var bingxIntervals = map[string]string{
	"1m":  "1m",
	"5m":  "5m",
	"15m": "15m",
	"30m": "30m",
	"1h":  "1h",
	"4h":  "4h",
	"1d":  "1d",
}

// BingxClient implements TickerClient for the BingX open spot API. BingX
// expects dashed symbols such as BTC-USDT.
type BingxClient struct {
	baseClient
}

func NewBingxClient(ex model.Exchange, opts Options, logger *slog.Logger) *BingxClient {
	return &BingxClient{baseClient: newBaseClient(bingxName, ex, opts, logger)}
}

type bingxEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type bingxTicker struct {
	Symbol      string  `json:"symbol"`
	BidPrice    *number `json:"bidPrice"`
	AskPrice    *number `json:"askPrice"`
	QuoteVolume *number `json:"quoteVolume"`
}

// call fetches path and returns the raw data member of a successful answer.
func (c *BingxClient) call(ctx context.Context, op, rawURL string, params url.Values) (json.RawMessage, error) {
	var env bingxEnvelope
	if err := c.transport.GetJSON(ctx, op, rawURL, params, &env); err != nil {
		return nil, err
	}
	if env.Code != 0 {
		return nil, c.apiError(op, env.Code, env.Msg)
	}
	return env.Data, nil
}

// firstTicker decodes data that BingX sends either as an object or as a
// one-element array.
func (c *BingxClient) firstTicker(op, symbol string, data json.RawMessage) (bingxTicker, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return bingxTicker{}, c.notFound(op, symbol)
	}
	if data[0] == '[' {
		var list []bingxTicker
		if err := json.Unmarshal(data, &list); err != nil {
			return bingxTicker{}, c.malformed(op, "decode data: %v", err)
		}
		if len(list) == 0 {
			return bingxTicker{}, c.notFound(op, symbol)
		}
		return list[0], nil
	}
	var t bingxTicker
	if err := json.Unmarshal(data, &t); err != nil {
		return bingxTicker{}, c.malformed(op, "decode data: %v", err)
	}
	return t, nil
}

func (c *BingxClient) GetTicker(ctx context.Context, symbol string) (model.Ticker, error) {
	params := url.Values{"symbol": {dashedSymbol(symbol)}}
	data, err := c.call(ctx, "ticker", c.endpoint(c.exchange.SpotURL, "/openApi/spot/v1/ticker/bookTicker"), params)
	if err != nil {
		return model.Ticker{}, err
	}
	t, err := c.firstTicker("ticker", symbol, data)
	if err != nil {
		return model.Ticker{}, err
	}
	if t.BidPrice == nil || t.AskPrice == nil {
		return model.Ticker{}, c.malformed("ticker", "missing bidPrice/askPrice for %s", symbol)
	}
	return model.Ticker{Bid: t.BidPrice.value(), Ask: t.AskPrice.value()}, nil
}

func (c *BingxClient) GetKline(ctx context.Context, symbol, interval string) ([]model.Kline, error) {
	token, err := c.interval(interval, bingxIntervals)
	if err != nil {
		return nil, err
	}

	params := url.Values{
		"symbol":   {dashedSymbol(symbol)},
		"interval": {token},
		"limit":    {c.limit()},
	}
	data, err := c.call(ctx, "kline", c.endpoint(c.exchange.KlineURL, "/openApi/spot/v2/market/kline"), params)
	if err != nil {
		return nil, err
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, c.malformed("kline", "decode data: %v", err)
	}
	klines, ok := parseCandles(rows, millisLayout)
	if !ok {
		return nil, c.malformed("kline", "unexpected candle row for %s", symbol)
	}
	return klines, nil
}

func (c *BingxClient) GetAllSymbols(ctx context.Context) ([]string, error) {
	data, err := c.call(ctx, "symbols", c.endpoint("", "/openApi/spot/v1/common/symbols"), nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Symbols []struct {
			Symbol string `json:"symbol"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, c.malformed("symbols", "decode data: %v", err)
	}

	out := make([]string, 0, len(payload.Symbols))
	for _, s := range payload.Symbols {
		if s.Symbol != "" {
			out = append(out, s.Symbol)
		}
	}
	return out, nil
}

func (c *BingxClient) Volume24h(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{"symbol": {dashedSymbol(symbol)}}
	data, err := c.call(ctx, "volume", c.endpoint("", "/openApi/spot/v1/ticker/24hr"), params)
	if err != nil {
		return 0, err
	}
	t, err := c.firstTicker("volume", symbol, data)
	if err != nil {
		return 0, err
	}
	if t.QuoteVolume == nil {
		return 0, c.malformed("volume", "missing quoteVolume for %s", symbol)
	}
	return t.QuoteVolume.value(), nil
}
