package arbitrage

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbwatch/internal/config"
	"arbwatch/internal/exchange"
	"arbwatch/internal/model"
)

func TestExchangeVolumeSource(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/api/v3/ticker/24hr", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","quoteVolume":"250000"}`))
	}))
	defer srv.Close()

	opts := exchange.Options{Timeout: time.Second, ConnectTimeout: time.Second, RetryDelay: time.Millisecond}
	src := NewExchangeVolumeSource(exchange.StaticOptions(opts), discardLogger())
	l := model.Listing{ID: 7, Exchange: model.Exchange{Name: "MEXC", BaseURL: srv.URL}, Base: "BTC", Quote: "USDT", Symbol: "BTCUSDT"}

	run := newRunVolumes(src)
	v, err := run.get(t.Context(), l)
	require.NoError(t, err)
	assert.Equal(t, 250000.0, v)

	_, err = run.get(t.Context(), l)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load(), "volume is fetched once per run")
}

func TestExchangeVolumeSource_FollowsReloadedOptions(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","quoteVolume":"1000"}`))
	}))
	defer srv.Close()

	provider := &config.StaticProvider{Settings: config.Settings{
		Timeout:        time.Second,
		ConnectTimeout: time.Second,
		RetryAttempts:  0,
		RetryDelay:     time.Millisecond,
	}}
	src := NewExchangeVolumeSource(exchange.SettingsOptions(provider, exchange.Options{}), discardLogger())
	l := model.Listing{ID: 7, Exchange: model.Exchange{Name: "MEXC", BaseURL: srv.URL}, Base: "BTC", Quote: "USDT", Symbol: "BTCUSDT"}

	_, err := src.Volume24h(t.Context(), l)
	require.Error(t, err, "no retries configured")

	provider.Settings.RetryAttempts = 3
	hits.Store(0)
	v, err := src.Volume24h(t.Context(), l)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, v)
	assert.Equal(t, int32(2), hits.Load(), "the reloaded retry budget applies")
}

func TestExchangeVolumeSource_UnknownExchange(t *testing.T) {
	src := NewExchangeVolumeSource(exchange.StaticOptions(exchange.Options{}), discardLogger())
	_, err := src.Volume24h(t.Context(), model.Listing{ID: 1, Exchange: model.Exchange{Name: "kraken"}, Symbol: "BTCUSD"})
	assert.ErrorIs(t, err, ErrVolumeUnavailable)
	assert.ErrorIs(t, err, exchange.ErrUnknownExchange)
}
