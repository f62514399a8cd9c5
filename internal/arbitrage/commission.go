package arbitrage

import (
	"strings"

	"arbwatch/internal/config"
	"arbwatch/internal/model"
)

// CommissionSource tells which tier supplied a commission rate.
type CommissionSource string

const (
	FromListing  CommissionSource = "listing"
	FromExchange CommissionSource = "exchange"
	FromDefault  CommissionSource = "default"
)

// Commission resolves the taker commission rate for l. The listing's own
// taker fee wins, then the per-exchange setting, then the configured default.
// A configured default of zero means fee-free venues.
func Commission(l model.Listing, s config.Settings) (float64, CommissionSource) {
	if l.TakerFee != nil && *l.TakerFee >= 0 {
		return *l.TakerFee, FromListing
	}
	if rate, ok := s.ExchangeCommission[strings.ToLower(l.Exchange.Name)]; ok {
		return rate, FromExchange
	}
	return s.DefaultCommission, FromDefault
}
