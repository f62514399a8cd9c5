package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbwatch/internal/config"
	"arbwatch/internal/model"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type telegramStub struct {
	mu       sync.Mutex
	server   *httptest.Server
	paths    []string
	messages []map[string]any
	status   int
	body     string
}

func newTelegramStub(t *testing.T) *telegramStub {
	t.Helper()
	stub := &telegramStub{status: http.StatusOK, body: `{"ok":true,"result":{}}`}
	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		stub.mu.Lock()
		stub.paths = append(stub.paths, r.URL.Path)
		stub.messages = append(stub.messages, payload)
		status, body := stub.status, stub.body
		stub.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(stub.server.Close)
	return stub
}

func (s *telegramStub) set(status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status, s.body = status, body
}

func (s *telegramStub) sent() ([]string, []map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...), append([]map[string]any(nil), s.messages...)
}

func (s *telegramStub) sender(t *testing.T) *TelegramSender {
	t.Helper()
	sender, err := NewTelegramSender(config.TelegramConfig{BotToken: "123:abc", ChatID: "-100", APIURL: s.server.URL})
	require.NoError(t, err)
	return sender
}

type recordingMarker struct {
	ids [][]int64
	at  []time.Time
	err error
}

func (m *recordingMarker) MarkAlerted(_ context.Context, ids []int64, at time.Time) (int64, error) {
	m.ids = append(m.ids, ids)
	m.at = append(m.at, at)
	return int64(len(ids)), m.err
}

func opportunity(id int64) model.Opportunity {
	return model.Opportunity{
		ID:              id,
		BuyExchange:     "MEXC",
		SellExchange:    "Bybit",
		Base:            "BTC",
		Quote:           "USDT",
		BuyPrice:        100,
		SellPrice:       103,
		GrossProfitPct:  3,
		TotalCommission: 0.002,
		NetProfitPct:    2.8,
		ProfitEstimate:  28,
		DetectedAt:      testNow,
	}
}

func newNotifier(sender Sender, marker Marker) *AlertNotifier {
	n := NewAlertNotifier(sender, marker, discardLogger())
	n.now = func() time.Time { return testNow }
	return n
}

func TestTelegramSender_Send(t *testing.T) {
	stub := newTelegramStub(t)
	require.NoError(t, stub.sender(t).Send(context.Background(), "A <title>", "body"))

	paths, messages := stub.sent()
	require.Len(t, messages, 1)
	assert.Equal(t, "/bot123:abc/sendMessage", paths[0])
	assert.Equal(t, "-100", messages[0]["chat_id"])
	assert.Equal(t, "HTML", messages[0]["parse_mode"])
	assert.Equal(t, "<b>A &lt;title&gt;</b>\n\nbody", messages[0]["text"])
}

func TestTelegramSender_Failures(t *testing.T) {
	stub := newTelegramStub(t)
	stub.set(http.StatusBadGateway, "bad gateway")
	assert.ErrorContains(t, stub.sender(t).Send(context.Background(), "t", "m"), "unexpected status 502")

	stub.set(http.StatusOK, `{"ok":false,"description":"Bad Request: chat not found"}`)
	assert.ErrorContains(t, stub.sender(t).Send(context.Background(), "t", "m"), "chat not found")
}

func TestNewTelegramSender_NotConfigured(t *testing.T) {
	_, err := NewTelegramSender(config.TelegramConfig{BotToken: "x"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestNotify_EmptySetSucceeds(t *testing.T) {
	stub := newTelegramStub(t)
	marker := &recordingMarker{}

	require.NoError(t, newNotifier(stub.sender(t), marker).Notify(context.Background(), nil))
	_, messages := stub.sent()
	assert.Empty(t, messages)
	assert.Empty(t, marker.ids)
}

func TestNotify_MarksAfterSuccessfulSend(t *testing.T) {
	stub := newTelegramStub(t)
	marker := &recordingMarker{}

	err := newNotifier(stub.sender(t), marker).Notify(context.Background(), []model.Opportunity{opportunity(1), opportunity(2)})
	require.NoError(t, err)

	_, messages := stub.sent()
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0]["text"], "2 arbitrage opportunities")
	assert.Equal(t, [][]int64{{1, 2}}, marker.ids)
	assert.Equal(t, []time.Time{testNow}, marker.at)
}

func TestNotify_SendFailureLeavesUnalerted(t *testing.T) {
	stub := newTelegramStub(t)
	stub.set(http.StatusInternalServerError, "internal error")
	marker := &recordingMarker{}

	err := newNotifier(stub.sender(t), marker).Notify(context.Background(), []model.Opportunity{opportunity(1)})
	assert.Error(t, err)
	assert.Empty(t, marker.ids)
}

func TestNotify_Batches(t *testing.T) {
	stub := newTelegramStub(t)
	marker := &recordingMarker{}

	opps := make([]model.Opportunity, 0, 23)
	for i := int64(1); i <= 23; i++ {
		opps = append(opps, opportunity(i))
	}
	require.NoError(t, newNotifier(stub.sender(t), marker).Notify(context.Background(), opps))

	_, messages := stub.sent()
	assert.Len(t, messages, 3)
	require.Len(t, marker.ids, 3)
	assert.Len(t, marker.ids[0], 10)
	assert.Len(t, marker.ids[2], 3)
}

func TestNotify_NoSender(t *testing.T) {
	marker := &recordingMarker{}
	err := newNotifier(nil, marker).Notify(context.Background(), []model.Opportunity{opportunity(1)})
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Empty(t, marker.ids)
}

func TestNotify_MarkFailure(t *testing.T) {
	stub := newTelegramStub(t)
	marker := &recordingMarker{err: errors.New("connection reset")}

	err := newNotifier(stub.sender(t), marker).Notify(context.Background(), []model.Opportunity{opportunity(1)})
	assert.ErrorContains(t, err, "connection reset")
}

func TestSendTestAndError(t *testing.T) {
	stub := newTelegramStub(t)
	n := newNotifier(stub.sender(t), &recordingMarker{})

	require.NoError(t, n.SendTest(context.Background()))
	require.NoError(t, n.SendError(context.Background(), "analysis failed: <nil>"))

	_, messages := stub.sent()
	require.Len(t, messages, 2)
	assert.Contains(t, messages[0]["text"], "Test message")
	assert.Contains(t, messages[1]["text"], "analysis failed: &lt;nil&gt;")
}

func TestFormatAlerts(t *testing.T) {
	msg := FormatAlerts([]model.Opportunity{opportunity(1)}, testNow)
	assert.Contains(t, msg, "<b>BTC/USDT</b>: 2.80% net, est. 28.00 USDT")
	assert.Contains(t, msg, "Buy on MEXC at 100\n")
	assert.Contains(t, msg, "Sell on Bybit at 103\n")
	assert.Contains(t, msg, "Gross 3.00%, fees 0.20%")
	assert.Contains(t, msg, "Detected 12:00:00")
}
