package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"arbwatch/internal/database"
	"arbwatch/internal/model"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockStore) Stats(ctx context.Context) (database.Stats, error) {
	args := m.Called(ctx)
	return args.Get(0).(database.Stats), args.Error(1)
}

func (m *MockStore) ListActiveOpportunities(ctx context.Context, limit int) ([]model.Opportunity, error) {
	args := m.Called(ctx, limit)
	opps, _ := args.Get(0).([]model.Opportunity)
	return opps, args.Error(1)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, store Store, hub *Hub) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "arbwatch_test_total", Help: "test"}))
	ts := httptest.NewServer(New(discardLogger(), store, hub, reg).Router())
	t.Cleanup(ts.Close)
	return ts
}

func TestHealth(t *testing.T) {
	store := new(MockStore)
	store.On("Ping", mock.Anything).Return(nil).Once()
	store.On("Ping", mock.Anything).Return(errors.New("connection refused")).Once()
	ts := newTestServer(t, store, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestOpportunities(t *testing.T) {
	store := new(MockStore)
	store.On("ListActiveOpportunities", mock.Anything, 50).Return([]model.Opportunity{{ID: 1, Base: "BTC", Quote: "USDT", NetProfitPct: 2.8}}, nil)
	store.On("ListActiveOpportunities", mock.Anything, 5).Return(nil, nil)
	ts := newTestServer(t, store, nil)

	resp, err := http.Get(ts.URL + "/api/opportunities")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got []model.Opportunity
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, 2.8, got[0].NetProfitPct)

	resp2, err := http.Get(ts.URL + "/api/opportunities?limit=5")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp2.Body)
	resp2.Body.Close()
	assert.Equal(t, "[]", strings.TrimSpace(string(body)))

	for _, bad := range []string{"0", "501", "ten"} {
		resp, err := http.Get(ts.URL + "/api/opportunities?limit=" + bad)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, bad)
	}
}

func TestStatsAndMetrics(t *testing.T) {
	store := new(MockStore)
	store.On("Stats", mock.Anything).Return(database.Stats{Exchanges: 4, ActiveListings: 40}, nil)
	ts := newTestServer(t, store, nil)

	resp, err := http.Get(ts.URL + "/api/stats")
	require.NoError(t, err)
	var st database.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, 40, st.ActiveListings)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "arbwatch_test_total")
}

func TestHub_PushesOpportunities(t *testing.T) {
	hub := NewHub(discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	ts := newTestServer(t, new(MockStore), hub)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	hub.Publish(context.Background(), model.Opportunity{ID: 7, Base: "ETH", Quote: "USDT"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev struct {
		Type    string            `json:"type"`
		Payload model.Opportunity `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, "opportunity", ev.Type)
	assert.Equal(t, int64(7), ev.Payload.ID)
}
