package evaluator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elasticwatch/sentinel/internal/model"
	"github.com/elasticwatch/sentinel/internal/storage"
)

type fakeStore struct {
	mu sync.Mutex

	channels    map[int64]model.NotificationChannel
	dataSources map[int64]model.DataSource

	runs      []recordedRun
	alerts    []model.Alert
	nextID    int64
	statuses  map[int64]model.AlertStatus
	alertErrs map[int64]string
	incrCalls int
}

type recordedRun struct {
	ruleID  int64
	at      time.Time
	matched bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		channels:    map[int64]model.NotificationChannel{},
		dataSources: map[int64]model.DataSource{},
		statuses:    map[int64]model.AlertStatus{},
		alertErrs:   map[int64]string{},
	}
}

func (f *fakeStore) RecordRun(ctx context.Context, ruleID int64, at time.Time, matched bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, recordedRun{ruleID: ruleID, at: at, matched: matched})
	return nil
}

func (f *fakeStore) CreateAlert(ctx context.Context, alert model.Alert) (model.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	alert.ID = f.nextID
	f.alerts = append(f.alerts, alert)
	return alert, nil
}

func (f *fakeStore) GetChannel(ctx context.Context, id int64) (model.NotificationChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[id]
	if !ok {
		return model.NotificationChannel{}, storage.ErrNotFound
	}
	return ch, nil
}

func (f *fakeStore) GetDataSource(ctx context.Context, id int64) (model.DataSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds, ok := f.dataSources[id]
	if !ok {
		return model.DataSource{}, storage.ErrNotFound
	}
	return ds, nil
}

func (f *fakeStore) MarkAlertStatus(ctx context.Context, alertID int64, status model.AlertStatus, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[alertID] = status
	f.alertErrs[alertID] = errMsg
	return nil
}

func (f *fakeStore) IncrementAlertCount(ctx context.Context, ruleID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incrCalls++
	return nil
}

func (f *fakeStore) statusOf(alertID int64) model.AlertStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[alertID]
}

type fakeQuerier struct {
	total int
	docs  []model.LogDoc
	err   error

	calls int32
	mu    sync.Mutex
}

func (q *fakeQuerier) QueryLogs(ctx context.Context, rule model.Rule, from, to time.Time, batchSize int) (int, []model.LogDoc, error) {
	q.mu.Lock()
	q.calls++
	q.mu.Unlock()
	return q.total, q.docs, q.err
}

func noopLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func fixedFactory(q ESQuerier, err error) ClientFactory {
	return func(ds model.DataSource) (ESQuerier, error) {
		if err != nil {
			return nil, err
		}
		return q, nil
	}
}

type fakeNotifier struct {
	sent bool
	err  error
}

func (n fakeNotifier) Send(ctx context.Context, rule model.Rule, sample []model.LogDoc, originalCount int, from, to time.Time, maxAttempts int) notifierResult {
	return notifierResult{Sent: n.sent, Err: n.err}
}

func baseRule() model.Rule {
	dsID := int64(1)
	return model.Rule{
		ID:           10,
		Name:         "cpu-spike",
		IndexPattern: "logs-*",
		IntervalSecs: 30,
		DataSourceID: &dsID,
		WebhookURL:   "https://hooks.example.internal/webhook",
		Enabled:      true,
	}
}

func TestExecuteSkipsWhenWithinInterval(t *testing.T) {
	store := newFakeStore()
	store.dataSources[1] = model.DataSource{ID: 1, Enabled: true}

	now := time.Now()
	rule := baseRule()
	rule.LastRunTime = &now

	q := &fakeQuerier{}
	e := New(store, fixedFactory(q, nil), fakeNotifier{sent: true}, Config{}, noopLogger())

	out := e.Execute(context.Background(), rule, false)
	assert.True(t, out.Skipped)
	assert.Zero(t, q.calls)
}

func TestExecuteForceBypassesInterval(t *testing.T) {
	store := newFakeStore()
	store.dataSources[1] = model.DataSource{ID: 1, Enabled: true}

	now := time.Now()
	rule := baseRule()
	rule.LastRunTime = &now

	q := &fakeQuerier{total: 0}
	e := New(store, fixedFactory(q, nil), fakeNotifier{sent: true}, Config{}, noopLogger())

	out := e.Execute(context.Background(), rule, true)
	assert.False(t, out.Skipped)
	assert.Equal(t, int32(1), q.calls)
}

func TestExecuteUsesDefaultLookbackOnFirstTick(t *testing.T) {
	store := newFakeStore()
	store.dataSources[1] = model.DataSource{ID: 1, Enabled: true}

	rule := baseRule()
	rule.LastRunTime = nil

	var gotFrom, gotTo time.Time
	q := &capturingQuerier{fn: func(from, to time.Time) (int, []model.LogDoc, error) {
		gotFrom, gotTo = from, to
		return 0, nil, nil
	}}
	e := New(store, fixedFactory(q, nil), fakeNotifier{sent: true}, Config{}, noopLogger())

	e.Execute(context.Background(), rule, false)
	assert.WithinDuration(t, gotTo.Add(-defaultLookback), gotFrom, time.Second)
}

func TestExecuteUsesBackOverlapOnSubsequentTick(t *testing.T) {
	store := newFakeStore()
	store.dataSources[1] = model.DataSource{ID: 1, Enabled: true}

	last := time.Now().Add(-time.Minute)
	rule := baseRule()
	rule.LastRunTime = &last

	var gotFrom time.Time
	q := &capturingQuerier{fn: func(from, to time.Time) (int, []model.LogDoc, error) {
		gotFrom = from
		return 0, nil, nil
	}}
	e := New(store, fixedFactory(q, nil), fakeNotifier{sent: true}, Config{}, noopLogger())

	e.Execute(context.Background(), rule, false)
	assert.Equal(t, last.Add(-backOverlap), gotFrom)
}

type capturingQuerier struct {
	fn func(from, to time.Time) (int, []model.LogDoc, error)
}

func (c *capturingQuerier) QueryLogs(ctx context.Context, rule model.Rule, from, to time.Time, batchSize int) (int, []model.LogDoc, error) {
	return c.fn(from, to)
}

func TestExecuteNoWebhookConfiguredIsConfigError(t *testing.T) {
	store := newFakeStore()
	store.dataSources[1] = model.DataSource{ID: 1, Enabled: true}

	rule := baseRule()
	rule.WebhookURL = ""
	rule.NotificationChanID = nil

	e := New(store, fixedFactory(&fakeQuerier{}, nil), fakeNotifier{sent: true}, Config{}, noopLogger())

	out := e.Execute(context.Background(), rule, true)
	require.Error(t, out.Err)
	var evalErr *Error
	require.True(t, errors.As(out.Err, &evalErr))
	assert.Equal(t, KindConfigError, evalErr.Kind)
}

func TestExecuteResolvesChannelOverInlineWebhook(t *testing.T) {
	store := newFakeStore()
	store.dataSources[1] = model.DataSource{ID: 1, Enabled: true}
	store.channels[5] = model.NotificationChannel{ID: 5, URL: "https://chan.example.internal/hook", Enabled: true}

	chanID := int64(5)
	rule := baseRule()
	rule.NotificationChanID = &chanID
	rule.WebhookURL = ""

	docs := []model.LogDoc{{Index: "logs-1", ID: "a"}}
	q := &fakeQuerier{total: 1, docs: docs}
	e := New(store, fixedFactory(q, nil), fakeNotifier{sent: true}, Config{}, noopLogger())

	out := e.Execute(context.Background(), rule, true)
	require.NoError(t, out.Err)
	assert.True(t, out.Matched)
}

func TestExecuteFallsBackToInlineWebhookWhenChannelMissing(t *testing.T) {
	store := newFakeStore()
	store.dataSources[1] = model.DataSource{ID: 1, Enabled: true}

	chanID := int64(99)
	rule := baseRule()
	rule.NotificationChanID = &chanID

	q := &fakeQuerier{total: 0}
	e := New(store, fixedFactory(q, nil), fakeNotifier{sent: true}, Config{}, noopLogger())

	out := e.Execute(context.Background(), rule, true)
	require.NoError(t, out.Err)
	assert.False(t, out.Matched)
}

func TestExecuteNoDataSourceConfiguredIsConfigError(t *testing.T) {
	store := newFakeStore()
	rule := baseRule()
	rule.DataSourceID = nil

	e := New(store, fixedFactory(&fakeQuerier{}, nil), fakeNotifier{sent: true}, Config{}, noopLogger())

	out := e.Execute(context.Background(), rule, true)
	require.Error(t, out.Err)
	var evalErr *Error
	require.True(t, errors.As(out.Err, &evalErr))
	assert.Equal(t, KindConfigError, evalErr.Kind)
}

func TestExecuteFallsBackToEnvConstructedDefaultSource(t *testing.T) {
	store := newFakeStore()
	rule := baseRule()
	rule.DataSourceID = nil

	var gotDS model.DataSource
	factory := func(ds model.DataSource) (ESQuerier, error) {
		gotDS = ds
		return &fakeQuerier{}, nil
	}

	defaultSource := &model.DataSource{Name: "default", Endpoints: []string{"https://es.example.internal:9200"}, Enabled: true}
	e := New(store, factory, fakeNotifier{sent: true}, Config{DefaultSource: defaultSource}, noopLogger())

	out := e.Execute(context.Background(), rule, true)
	require.NoError(t, out.Err)
	assert.Equal(t, defaultSource.Endpoints, gotDS.Endpoints)
}

func TestExecuteDisabledDataSourceIsConfigError(t *testing.T) {
	store := newFakeStore()
	store.dataSources[1] = model.DataSource{ID: 1, Enabled: false}
	rule := baseRule()

	e := New(store, fixedFactory(&fakeQuerier{}, nil), fakeNotifier{sent: true}, Config{}, noopLogger())

	out := e.Execute(context.Background(), rule, true)
	require.Error(t, out.Err)
	var evalErr *Error
	require.True(t, errors.As(out.Err, &evalErr))
	assert.Equal(t, KindConfigError, evalErr.Kind)
}

func TestExecuteQueryFailureWrapsKindQueryFailed(t *testing.T) {
	store := newFakeStore()
	store.dataSources[1] = model.DataSource{ID: 1, Enabled: true}
	rule := baseRule()

	q := &fakeQuerier{err: errors.New("es unreachable")}
	e := New(store, fixedFactory(q, nil), fakeNotifier{sent: true}, Config{}, noopLogger())

	out := e.Execute(context.Background(), rule, true)
	require.Error(t, out.Err)
	var evalErr *Error
	require.True(t, errors.As(out.Err, &evalErr))
	assert.Equal(t, KindQueryFailed, evalErr.Kind)
}

func TestExecuteZeroMatchesSkipsAlertButCommitsCursor(t *testing.T) {
	store := newFakeStore()
	store.dataSources[1] = model.DataSource{ID: 1, Enabled: true}
	rule := baseRule()

	q := &fakeQuerier{total: 0}
	e := New(store, fixedFactory(q, nil), fakeNotifier{sent: true}, Config{}, noopLogger())

	out := e.Execute(context.Background(), rule, true)
	require.NoError(t, out.Err)
	assert.False(t, out.Matched)
	require.Len(t, store.runs, 1)
	assert.False(t, store.runs[0].matched)
	assert.Empty(t, store.alerts)
}

func TestExecuteMatchPersistsAlertAndDispatchesSuccess(t *testing.T) {
	store := newFakeStore()
	store.dataSources[1] = model.DataSource{ID: 1, Enabled: true}
	rule := baseRule()

	docs := []model.LogDoc{{Index: "logs-1", ID: "a"}, {Index: "logs-1", ID: "b"}}
	q := &fakeQuerier{total: 2, docs: docs}
	e := New(store, fixedFactory(q, nil), fakeNotifier{sent: true}, Config{}, noopLogger())

	out := e.Execute(context.Background(), rule, true)
	require.NoError(t, out.Err)
	assert.True(t, out.Matched)
	assert.NotZero(t, out.AlertID)

	require.Len(t, store.alerts, 1)
	assert.Equal(t, 2, store.alerts[0].LogCount)
	assert.Equal(t, model.AlertSent, store.statusOf(out.AlertID))
	assert.Equal(t, 1, store.incrCalls)
}

func TestExecuteMatchDispatchFailureMarksAlertFailed(t *testing.T) {
	store := newFakeStore()
	store.dataSources[1] = model.DataSource{ID: 1, Enabled: true}
	rule := baseRule()

	docs := []model.LogDoc{{Index: "logs-1", ID: "a"}}
	q := &fakeQuerier{total: 1, docs: docs}
	e := New(store, fixedFactory(q, nil), fakeNotifier{sent: false, err: errors.New("webhook timed out")}, Config{}, noopLogger())

	out := e.Execute(context.Background(), rule, true)
	require.NoError(t, out.Err)
	assert.True(t, out.Matched)

	assert.Equal(t, model.AlertFailed, store.statusOf(out.AlertID))
	assert.Equal(t, 0, store.incrCalls)
	assert.Equal(t, "webhook timed out", store.alertErrs[out.AlertID])
}

func TestExecuteStoredSampleTruncatedAtMaxStoredSample(t *testing.T) {
	store := newFakeStore()
	store.dataSources[1] = model.DataSource{ID: 1, Enabled: true}
	rule := baseRule()

	docs := make([]model.LogDoc, maxStoredSample+20)
	for i := range docs {
		docs[i] = model.LogDoc{Index: "logs-1", ID: "doc"}
	}
	q := &fakeQuerier{total: len(docs), docs: docs}
	e := New(store, fixedFactory(q, nil), fakeNotifier{sent: true}, Config{}, noopLogger())

	out := e.Execute(context.Background(), rule, true)
	require.NoError(t, out.Err)
	require.Len(t, store.alerts, 1)
	assert.Len(t, store.alerts[0].Logs, maxStoredSample)
	assert.Equal(t, len(docs), store.alerts[0].LogCount)
}

func TestExecuteClientFactoryFailureIsConfigError(t *testing.T) {
	store := newFakeStore()
	store.dataSources[1] = model.DataSource{ID: 1, Enabled: true}
	rule := baseRule()

	e := New(store, fixedFactory(nil, errors.New("dial failed")), fakeNotifier{sent: true}, Config{}, noopLogger())

	out := e.Execute(context.Background(), rule, true)
	require.Error(t, out.Err)
	var evalErr *Error
	require.True(t, errors.As(out.Err, &evalErr))
	assert.Equal(t, KindConfigError, evalErr.Kind)
}
