package exchange

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"arbwatch/internal/model"
)

// quoteCurrencies are tried in order when a symbol carries no separator.
var quoteCurrencies = []string{"USDT", "USDC", "BTC", "ETH", "BNB", "BUSD", "DAI", "TUSD", "PAX", "USDK"}

// SplitSymbol extracts base and quote currencies from a symbol such as
// "BTC/USDT", "BTC-USDT" or "BTCUSDT". Symbols without a separator or known
// quote suffix are split before their last four characters.
func SplitSymbol(symbol string) (base, quote string, ok bool) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, sep := range []string{"/", "-", "_"} {
		if b, q, found := strings.Cut(s, sep); found {
			if b == "" || q == "" {
				return "", "", false
			}
			return b, q, true
		}
	}

	for _, q := range quoteCurrencies {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)], q, true
		}
	}

	if len(s) >= 6 {
		return s[:len(s)-4], s[len(s)-4:], true
	}
	return "", "", false
}

// compactSymbol converts "BTC/USDT" or "btc-usdt" to "BTCUSDT".
func compactSymbol(symbol string) string {
	r := strings.NewReplacer("/", "", "-", "", "_", "")
	return strings.ToUpper(r.Replace(strings.TrimSpace(symbol)))
}

// dashedSymbol converts "BTC/USDT" or "BTCUSDT" to "BTC-USDT".
func dashedSymbol(symbol string) string {
	base, quote, ok := SplitSymbol(symbol)
	if !ok {
		return strings.ToUpper(strings.TrimSpace(symbol))
	}
	return base + "-" + quote
}

// number decodes JSON values that venues send either as strings or numbers.
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*n = number(f)
	return nil
}

func (n *number) value() float64 {
	if n == nil {
		return 0
	}
	return float64(*n)
}

// candleLayout gives the column of every field in a venue's kline row.
type candleLayout struct {
	time, open, high, low, close, volume int
	seconds                              bool
}

var millisLayout = candleLayout{time: 0, open: 1, high: 2, low: 3, close: 4, volume: 5}

func parseCandles(rows [][]json.RawMessage, layout candleLayout) ([]model.Kline, bool) {
	out := make([]model.Kline, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			return nil, false
		}
		var fields [6]float64
		for i, col := range []int{layout.time, layout.open, layout.high, layout.low, layout.close, layout.volume} {
			var n number
			if err := json.Unmarshal(row[col], &n); err != nil {
				return nil, false
			}
			fields[i] = float64(n)
		}

		ts := time.UnixMilli(int64(fields[0]))
		if layout.seconds {
			ts = time.Unix(int64(fields[0]), 0)
		}
		out = append(out, model.Kline{
			Timestamp: ts.UTC(),
			Open:      fields[1],
			High:      fields[2],
			Low:       fields[3],
			Close:     fields[4],
			Volume:    fields[5],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, true
}
