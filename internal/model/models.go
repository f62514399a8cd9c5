package model

import (
	"strings"
	"time"
)

// Exchange is a trading venue exposing public ticker and kline endpoints.
type Exchange struct {
	ID       int64  `db:"id" json:"id"`
	Name     string `db:"name" json:"name"`
	BaseURL  string `db:"api_base_url" json:"api_base_url"`
	SpotURL  string `db:"spot_api_url" json:"spot_api_url,omitempty"`
	KlineURL string `db:"kline_api_url" json:"kline_api_url,omitempty"`
	IsActive bool   `db:"is_active" json:"is_active"`
}

// Instrument identifies a currency pair independently of any venue.
type Instrument struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// NewInstrument upper-cases both currencies.
func NewInstrument(base, quote string) Instrument {
	return Instrument{Base: strings.ToUpper(base), Quote: strings.ToUpper(quote)}
}

// String returns the canonical BASE/QUOTE form.
func (i Instrument) String() string {
	return i.Base + "/" + i.Quote
}

// Listing is an instrument as traded on one exchange.
type Listing struct {
	ID        int64    `db:"id"`
	Exchange  Exchange `db:"-"`
	Base      string   `db:"base_currency"`
	Quote     string   `db:"quote_currency"`
	Symbol    string   `db:"symbol_on_exchange"`
	IsActive  bool     `db:"is_active"`
	MinAmount *float64 `db:"min_amount"`
	MakerFee  *float64 `db:"maker_fee"`
	TakerFee  *float64 `db:"taker_fee"`
}

// Instrument returns the venue-independent key of the listing.
func (l Listing) Instrument() Instrument {
	return NewInstrument(l.Base, l.Quote)
}

// Ticker is a best bid/ask snapshot.
type Ticker struct {
	Bid float64
	Ask float64
}

// Kline is one OHLCV candle.
type Kline struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// PriceSample is a persisted ticker observation for one listing.
type PriceSample struct {
	ID         int64     `db:"id"`
	ExchangeID int64     `db:"exchange_id"`
	Base       string    `db:"base_currency"`
	Quote      string    `db:"quote_currency"`
	Bid        float64   `db:"bid_price"`
	Ask        float64   `db:"ask_price"`
	ObservedAt time.Time `db:"created_at"`
}

// Opportunity is a cross-exchange arbitrage opportunity. At most one active
// row exists per (BuyExchangeID, SellExchangeID, Base, Quote).
type Opportunity struct {
	ID              int64      `db:"id" json:"id"`
	BuyExchangeID   int64      `db:"buy_exchange_id" json:"buy_exchange_id"`
	SellExchangeID  int64      `db:"sell_exchange_id" json:"sell_exchange_id"`
	BuyExchange     string     `db:"-" json:"buy_exchange"`
	SellExchange    string     `db:"-" json:"sell_exchange"`
	Base            string     `db:"base_currency" json:"base_currency"`
	Quote           string     `db:"quote_currency" json:"quote_currency"`
	BuyPrice        float64    `db:"buy_price" json:"buy_price"`
	SellPrice       float64    `db:"sell_price" json:"sell_price"`
	GrossProfitPct  float64    `db:"profit_percent" json:"profit_percent"`
	BuyCommission   float64    `db:"buy_commission" json:"buy_commission"`
	SellCommission  float64    `db:"sell_commission" json:"sell_commission"`
	TotalCommission float64    `db:"total_commission" json:"total_commission"`
	NetProfitPct    float64    `db:"net_profit_percent" json:"net_profit_percent"`
	ProfitEstimate  float64    `db:"profit_quote" json:"profit_quote"`
	BuyVolume24h    float64    `db:"volume_24h_buy" json:"volume_24h_buy"`
	SellVolume24h   float64    `db:"volume_24h_sell" json:"volume_24h_sell"`
	MinVolume       float64    `db:"min_volume_quote" json:"min_volume_quote"`
	IsActive        bool       `db:"is_active" json:"is_active"`
	DetectedAt      time.Time  `db:"detected_at" json:"detected_at"`
	AlertedAt       *time.Time `db:"alerted_at" json:"alerted_at,omitempty"`
	ExpiresAt       *time.Time `db:"expires_at" json:"expires_at,omitempty"`
}

// Instrument returns the instrument the opportunity was found on.
func (o Opportunity) Instrument() Instrument {
	return NewInstrument(o.Base, o.Quote)
}
