package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pagewatch/pagewatch/internal/scheduler"
	"github.com/pagewatch/pagewatch/internal/watch"
)

type fakeTriggerer struct {
	count int
	err   error
}

func (f *fakeTriggerer) TriggerNow(context.Context) (int, error) {
	return f.count, f.err
}

type fakeRuleStore struct {
	enabled int
	err     error
}

func (f *fakeRuleStore) FindDueRules(context.Context, time.Time, int) ([]watch.Rule, error) {
	return nil, nil
}
func (f *fakeRuleStore) UpdateNextRunAt(context.Context, string, time.Time) error { return nil }
func (f *fakeRuleStore) GetRule(context.Context, string) (watch.Rule, error) {
	return watch.Rule{}, errors.New("not found")
}
func (f *fakeRuleStore) UpdateRunResult(context.Context, string, int, watch.ErrorCode, time.Time) error {
	return nil
}
func (f *fakeRuleStore) CountEnabled(context.Context) (int, error) {
	return f.enabled, f.err
}

func doRequest(t *testing.T, srv *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	srv := NewServer(&fakeTriggerer{}, &fakeRuleStore{}, nil)
	rec := doRequest(t, srv, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_Readyz_StoreDown(t *testing.T) {
	t.Parallel()

	srv := NewServer(&fakeTriggerer{}, &fakeRuleStore{err: errors.New("connection refused")}, nil)
	rec := doRequest(t, srv, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_TriggerScheduler_Success(t *testing.T) {
	t.Parallel()

	srv := NewServer(&fakeTriggerer{count: 7}, &fakeRuleStore{}, nil)
	rec := doRequest(t, srv, http.MethodPost, "/v1/scheduler/trigger")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 7, body["enqueued"])
}

func TestServer_TriggerScheduler_AlreadyProcessing(t *testing.T) {
	t.Parallel()

	srv := NewServer(&fakeTriggerer{err: scheduler.ErrAlreadyProcessing}, &fakeRuleStore{}, nil)
	rec := doRequest(t, srv, http.MethodPost, "/v1/scheduler/trigger")
	require.Equal(t, http.StatusConflict, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body["error"], "already in progress")
}

func TestServer_TriggerScheduler_ShuttingDown(t *testing.T) {
	t.Parallel()

	srv := NewServer(&fakeTriggerer{err: scheduler.ErrShuttingDown}, &fakeRuleStore{}, nil)
	rec := doRequest(t, srv, http.MethodPost, "/v1/scheduler/trigger")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_EnabledCount(t *testing.T) {
	t.Parallel()

	srv := NewServer(&fakeTriggerer{}, &fakeRuleStore{enabled: 12}, nil)
	rec := doRequest(t, srv, http.MethodGet, "/v1/rules/enabled-count")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 12, body["enabled"])
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	srv := NewServer(&fakeTriggerer{}, &fakeRuleStore{}, nil)
	rec := doRequest(t, srv, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
}
