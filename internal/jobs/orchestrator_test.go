package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"arbwatch/internal/arbitrage"
	"arbwatch/internal/config"
	"arbwatch/internal/database"
	"arbwatch/internal/exchange"
	"arbwatch/internal/model"
	"arbwatch/internal/queue"
	"arbwatch/internal/sampler"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) ListActiveListings(ctx context.Context) ([]model.Listing, error) {
	args := m.Called(ctx)
	listings, _ := args.Get(0).([]model.Listing)
	return listings, args.Error(1)
}

func (m *MockStore) ListingsByIDs(ctx context.Context, ids []int64) ([]model.Listing, error) {
	args := m.Called(ctx, ids)
	listings, _ := args.Get(0).([]model.Listing)
	return listings, args.Error(1)
}

func (m *MockStore) ListingsForInstruments(ctx context.Context, instruments []model.Instrument) ([]model.Listing, error) {
	args := m.Called(ctx, instruments)
	listings, _ := args.Get(0).([]model.Listing)
	return listings, args.Error(1)
}

func (m *MockStore) ReadyForAlert(ctx context.Context, f database.AlertFilter) ([]model.Opportunity, error) {
	args := m.Called(ctx, f)
	opps, _ := args.Get(0).([]model.Opportunity)
	return opps, args.Error(1)
}

func (m *MockStore) DeactivateDelisted(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return int64(args.Int(0)), args.Error(1)
}

type fakeSampler struct {
	mu     sync.Mutex
	calls  [][]model.Listing
	result sampler.Result
	err    error
}

func (f *fakeSampler) Sample(_ context.Context, listings []model.Listing) (sampler.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, listings)
	return f.result, f.err
}

type fakeAnalyzer struct {
	calls [][]model.Listing
	err   error
}

func (f *fakeAnalyzer) Process(_ context.Context, _ config.Settings, listings []model.Listing) (arbitrage.Report, error) {
	f.calls = append(f.calls, listings)
	return arbitrage.Report{Instruments: len(instrumentsOf(listings))}, f.err
}

type fakeNotifier struct {
	got [][]model.Opportunity
	err error
}

func (f *fakeNotifier) Notify(_ context.Context, opps []model.Opportunity) error {
	f.got = append(f.got, opps)
	return f.err
}

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func listing(id, exchangeID int64, base string) model.Listing {
	return model.Listing{
		ID:       id,
		Exchange: model.Exchange{ID: exchangeID, Name: "ex", IsActive: true},
		Base:     base,
		Quote:    "USDT",
		Symbol:   base + "USDT",
		IsActive: true,
	}
}

func testSettings() config.Settings {
	return config.Settings{
		MinProfitPercent:     2,
		MinVolumeQuote:       100,
		AlertCooldown:        10 * time.Minute,
		FreshnessWindow:      5 * time.Minute,
		NotificationsEnabled: true,
	}
}

type fixture struct {
	store    *MockStore
	queue    *queue.MemoryQueue
	sampler  *fakeSampler
	analyzer *fakeAnalyzer
	notifier *fakeNotifier
	orch     *Orchestrator
}

func newFixture(s config.Settings) *fixture {
	f := &fixture{
		store:    new(MockStore),
		queue:    queue.NewMemoryQueue(1, queue.Policies{}, discardLogger()),
		sampler:  &fakeSampler{},
		analyzer: &fakeAnalyzer{},
		notifier: &fakeNotifier{},
	}
	f.orch = NewOrchestrator(discardLogger(), Deps{
		Store:    f.store,
		Queue:    f.queue,
		Settings: config.StaticProvider{Settings: s},
		Sampler:  f.sampler,
		Analyzer: f.analyzer,
		Notifier: f.notifier,
	}, config.JobsConfig{SampleChunkSize: 2, AnalyzeChunkSize: 4})
	f.orch.now = func() time.Time { return testNow }
	return f
}

func (f *fixture) drained(t *testing.T) []queue.Job {
	t.Helper()
	var (
		mu   sync.Mutex
		jobs []queue.Job
	)
	require.NoError(t, f.queue.Drain(context.Background(), func(_ context.Context, j queue.Job) error {
		mu.Lock()
		defer mu.Unlock()
		jobs = append(jobs, j)
		return nil
	}))
	return jobs
}

func TestDispatchSampling(t *testing.T) {
	f := newFixture(testSettings())
	f.store.On("ListActiveListings", mock.Anything).Return([]model.Listing{
		listing(1, 10, "BTC"), listing(2, 20, "BTC"), listing(3, 10, "ETH"), listing(4, 20, "ETH"), listing(5, 10, "SOL"),
	}, nil)

	n, err := f.orch.DispatchSampling(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	jobs := f.drained(t)
	require.Len(t, jobs, 3)
	var ids []int64
	for _, j := range jobs {
		assert.Equal(t, queue.KindSample, j.Kind)
		assert.LessOrEqual(t, len(j.ListingIDs), 2)
		ids = append(ids, j.ListingIDs...)
	}
	assert.ElementsMatch(t, []int64{1, 2, 3, 4, 5}, ids)
}

X, mock.Anything).Return([]model.Listing{
		listing(1, 10, "BTC"), listing(2, 20, "BTC"), listing(3, 30, "BTC"),
		listing(4, 10, "ETH"), listing(5, 20, "ETH"),
		listing(6, 10, "SOL"),
	}, nil)

	n, err := f.orch.DispatchAnalysis(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	jobs := f.drained(t)
	require.Len(t, jobs, 2)
	chunks := [][]int64{jobs[0].ListingIDs, jobs[1].ListingIDs}
	assert.ElementsMatch(t, [][]int64{{1, 2, 3}, {4, 5}}, chunks)
	f.store.AssertExpectations(t)
}

func TestDispatchAnalysis_DeactivatesDelistedFirst(t *testing.T) {
	f := newFixture(testSettings())
	f.store.On("DeactivateDelisted", mock.Anything).Return(3, nil).Once()
	f.store.On("ListActiveListings", mock.Anything).Return([]model.Listing{listing(1, 10, "BTC")}, nil)

	n, err := f.orch.DispatchAnalysis(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "a single venue is never enqueued")
	f.store.AssertExpectations(t)
}

func TestDispatchAnalysis_DeactivateError(t *testing.T) {
	f := newFixture(testSettings())
	f.store.On("DeactivateDelisted", mock.Anything).Return(0, errors.New("connection refused"))

	_, err := f.orch.DispatchAnalysis(context.Background())
	assert.ErrorContains(t, err, "connection refused")
	f.store.AssertNotCalled(t, "ListActiveListings", mock.Anything)
}

func TestDispatch_LoadError(t *testing.T) {
	f := newFixture(testSettings())
	f.store.On("ListActiveListings", mock.Anything).Return(nil, errors.New("connection refused"))

	_, err := f.orch.DispatchSampling(context.Background())
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, 0, f.queue.Len())
}

func TestHandleSample_FiltersStaleIDs(t *testing.T) {
	f := newFixture(testSettings())
	f.store.On("ListingsByIDs", mock.Anything, []int64{1, 2, 3}).Return([]model.Listing{listing(1, 10, "BTC"), listing(3, 20, "BTC")}, nil)
	f.sampler.result = sampler.Result{Saved: 2}

	err := f.orch.Handle(context.Background(), queue.NewJob(queue.KindSample, []int64{1, 2, 3}))
	require.NoError(t, err)
	require.Len(t, f.sampler.calls, 1)
	assert.Len(t, f.sampler.calls[0], 2)
}

func TestHandleSample_AllStaleIsNotAnError(t *testing.T) {
	f := newFixture(testSettings())
	f.store.On("ListingsByIDs", mock.Anything, []int64{7}).Return([]model.Listing{}, nil)

	require.NoError(t, f.orch.Handle(context.Background(), queue.NewJob(queue.KindSample, []int64{7})))
	assert.Empty(t, f.sampler.calls)
}

func TestHandleSample_PartialFailureSucceeds(t *testing.T) {
	f := newFixture(testSettings())
	f.store.On("ListingsByIDs", mock.Anything, mock.Anything).Return([]model.Listing{listing(1, 10, "BTC"), listing(2, 10, "ETH")}, nil)
	f.sampler.result = sampler.Result{Saved: 1, Failures: []sampler.Failure{{ListingID: 2, Err: &exchange.ParserError{Exchange: "mexc", Op: "ticker", Transient: true, Err: exchange.ErrRequestFailed}}}}

	assert.NoError(t, f.orch.Handle(context.Background(), queue.NewJob(queue.KindSample, []int64{1, 2})))
}

func TestHandleSample_TransientTotalFailureRetries(t *testing.T) {
	f := newFixture(testSettings())
	f.store.On("ListingsByIDs", mock.Anything, mock.Anything).Return([]model.Listing{listing(1, 10, "BTC")}, nil)
	f.sampler.result = sampler.Result{Failures: []sampler.Failure{{ListingID: 1, Err: &exchange.ParserError{Exchange: "mexc", Op: "ticker", Transient: true, Err: exchange.ErrRequestFailed}}}}

	err := f.orch.Handle(context.Background(), queue.NewJob(queue.KindSample, []int64{1}))
	assert.ErrorIs(t, err, exchange.ErrRequestFailed)
}

func TestHandleSample_ContractFailureDoesNotRetry(t *testing.T) {
	f := newFixture(testSettings())
	f.store.On("ListingsByIDs", mock.Anything, mock.Anything).Return([]model.Listing{listing(1, 10, "BTC")}, nil)
	f.sampler.result = sampler.Result{Failures: []sampler.Failure{{ListingID: 1, Err: &exchange.ParserError{Exchange: "mexc", Op: "ticker", Err: exchange.ErrSymbolNotFound}}}}

	assert.NoError(t, f.orch.Handle(context.Background(), queue.NewJob(queue.KindSample, []int64{1})))
}

func TestHandleAnalyze(t *testing.T) {
	btc := model.Instrument{Base: "BTC", Quote: "USDT"}
	ready := []model.Opportunity{{ID: 9, Base: "BTC", Quote: "USDT"}}

	f := newFixture(testSettings())
	f.store.On("ListingsByIDs", mock.Anything, []int64{1, 2}).Return([]model.Listing{listing(1, 10, "BTC"), listing(2, 20, "BTC")}, nil)
	f.store.On("ListingsForInstruments", mock.Anything, []model.Instrument{btc}).
		Return([]model.Listing{listing(1, 10, "BTC"), listing(2, 20, "BTC"), listing(8, 30, "BTC")}, nil)
	f.store.On("ReadyForAlert", mock.Anything, database.AlertFilter{
		MinProfitPct: 2,
		MinVolume:    100,
		Cooldown:     10 * time.Minute,
		MaxAge:       5 * time.Minute,
		Now:          testNow,
		Instruments:  []model.Instrument{btc},
	}).Return(ready, nil)

	require.NoError(t, f.orch.Handle(context.Background(), queue.NewJob(queue.KindAnalyze, []int64{1, 2})))
	require.Len(t, f.analyzer.calls, 1)
	assert.Len(t, f.analyzer.calls[0], 3)
	assert.Equal(t, [][]model.Opportunity{ready}, f.notifier.got)
	f.store.AssertExpectations(t)
}

func TestHandleAnalyze_NotificationFailureKeepsJobSuccessful(t *testing.T) {
	f := newFixture(testSettings())
	f.notifier.err = errors.New("telegram: 502")
	f.store.On("ListingsByIDs", mock.Anything, mock.Anything).Return([]model.Listing{listing(1, 10, "BTC")}, nil)
	f.store.On("ListingsForInstruments", mock.Anything, mock.Anything).Return([]model.Listing{listing(1, 10, "BTC"), listing(2, 20, "BTC")}, nil)
	f.store.On("ReadyForAlert", mock.Anything, mock.Anything).Return([]model.Opportunity{{ID: 1}}, nil)

	assert.NoError(t, f.orch.Handle(context.Background(), queue.NewJob(queue.KindAnalyze, []int64{1})))
	assert.Len(t, f.notifier.got, 1)
}

func TestHandleAnalyze_EngineErrorPropagates(t *testing.T) {
	f := newFixture(testSettings())
	f.analyzer.err = errors.New("samples: connection lost")
	f.store.On("ListingsByIDs", mock.Anything, mock.Anything).Return([]model.Listing{listing(1, 10, "BTC")}, nil)
	f.store.On("ListingsForInstruments", mock.Anything, mock.Anything).Return([]model.Listing{listing(1, 10, "BTC")}, nil)

	err := f.orch.Handle(context.Background(), queue.NewJob(queue.KindAnalyze, []int64{1}))
	assert.ErrorContains(t, err, "connection lost")
	assert.Empty(t, f.notifier.got)
}

func TestHandleAnalyze_NotificationsDisabled(t *testing.T) {
	s := testSettings()
	s.NotificationsEnabled = false
	f := newFixture(s)
	f.store.On("ListingsByIDs", mock.Anything, mock.Anything).Return([]model.Listing{listing(1, 10, "BTC")}, nil)
	f.store.On("ListingsForInstruments", mock.Anything, mock.Anything).Return([]model.Listing{listing(1, 10, "BTC")}, nil)

	require.NoError(t, f.orch.Handle(context.Background(), queue.NewJob(queue.KindAnalyze, []int64{1})))
	f.store.AssertNotCalled(t, "ReadyForAlert", mock.Anything, mock.Anything)
}

func TestRunAnalysis(t *testing.T) {
	f := newFixture(testSettings())
	f.store.On("DeactivateDelisted", mock.Anything).Return(1, nil).Once()
	f.store.On("ListActiveListings", mock.Anything).Return([]model.Listing{listing(1, 10, "BTC"), listing(2, 20, "BTC")}, nil)
	f.store.On("ReadyForAlert", mock.Anything, mock.MatchedBy(func(af database.AlertFilter) bool { return af.Instruments == nil })).
		Return([]model.Opportunity{{ID: 1}, {ID: 2}}, nil)

	summary, err := f.orch.RunAnalysis(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Listings)
	assert.Equal(t, int64(1), summary.Delisted)
	assert.Equal(t, 1, summary.Report.Instruments)
	assert.Equal(t, 2, summary.Alerted)
}
