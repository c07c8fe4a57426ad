package v1_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txcoord/internal/core/tx"
	"txcoord/internal/core/tx/txtest"
	"txcoord/internal/domain/account"
	v1 "txcoord/internal/infrastructure/http/v1"
	"txcoord/internal/infrastructure/metrics"
	"txcoord/internal/infrastructure/storage/postgres"
	"txcoord/internal/infrastructure/storage/postgres/account_repo"
)

type fakeProbe struct {
	err error
}

func (p fakeProbe) Ping(context.Context) error { return p.err }
func (p fakeProbe) Stats() postgres.PoolStats  { return postgres.PoolStats{TotalConns: 3, MaxConns: 10} }

type sourceStreamer struct {
	source tx.Source
}

func (s sourceStreamer) Stream(sql string, args ...any) *tx.RowStream {
	return tx.Stream(s.source, sql, args...)
}

type deadSource struct{}

func (deadSource) Acquire(context.Context) (tx.Conn, tx.ReleaseFunc, error) {
	return nil, nil, errors.New("connection refused")
}

type fixture struct {
	router *gin.Engine
	ledger *txtest.Ledger
	probe  *fakeProbe
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ledger := txtest.NewLedger()
	repo := account_repo.NewRepo()
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)
	svc := account.NewService(repo, tx.NewRunner(ledger, tx.WithObserver(m)))
	require.NoError(t, svc.Seed(context.Background(),
		account.New(1, "alice", decimal.NewFromInt(100)),
		account.New(2, "bob", decimal.NewFromInt(100)),
	))

	probe := &fakeProbe{}
	router := v1.NewRouter(v1.RouterConfig{
		Probe:       probe,
		Accounts:    svc,
		Streamer:    sourceStreamer{source: ledger},
		ExportQuery: repo.ListQuery(),
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Version:     "test",
	})
	return &fixture{router: router, ledger: ledger, probe: probe}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = f.do(http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)

	f.probe.err = errors.New("no route to host")
	w = f.do(http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "no route to host")

	w = f.do(http.MethodGet, "/health/info", "")
	require.Equal(t, http.StatusOK, w.Code)
	info := decode(t, w)
	assert.Equal(t, "test", info["version"])
	assert.Equal(t, float64(10), info["database"].(map[string]any)["max_conns"])
}

func TestAccounts_List(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/v1/accounts", "")

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, "200.00", body["total"])
	items := body["items"].([]any)
	assert.Equal(t, "alice", items[0].(map[string]any)["owner"])
}

func TestAccounts_Get(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/v1/accounts/2", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "100.00", decode(t, w)["amount"])

	w = f.do(http.MethodGet, "/api/v1/accounts/9", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decode(t, w)["code"])

	w = f.do(http.MethodGet, "/api/v1/accounts/abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode(t, w)["code"])
}

func TestAccounts_Transfer(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/v1/transfers", `{"from": 1, "to": 2, "amount": "12.50"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decimal.RequireFromString("87.50").Equal(f.ledger.Amount(1)))
	assert.True(t, decimal.RequireFromString("112.50").Equal(f.ledger.Amount(2)))

	w = f.do(http.MethodPost, "/api/v1/transfers", `{"from": 1, "to": 7, "amount": "1"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.True(t, decimal.RequireFromString("87.50").Equal(f.ledger.Amount(1)))

	w = f.do(http.MethodPost, "/api/v1/transfers", `{"from": 1, "to": 1, "amount": "1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/v1/transfers", `{"to": 2}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAccounts_ExportStreamsNDJSON(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/v1/accounts/export", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))

	var lines []map[string]any
	sc := bufio.NewScanner(w.Body)
	for sc.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, float64(1), lines[0]["id"])
	assert.Equal(t, "bob", lines[1]["owner"])
}

func TestAccounts_ExportAcquireFailure(t *testing.T) {
	router := v1.NewRouter(v1.RouterConfig{
		Probe:       fakeProbe{},
		Accounts:    account.NewService(account_repo.NewRepo(), tx.NewRunner(deadSource{})),
		Streamer:    sourceStreamer{source: deadSource{}},
		ExportQuery: account_repo.NewRepo().ListQuery(),
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/accounts/export", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "ACQUIRE_FAILED")
}

func TestRecovery(t *testing.T) {
	f := newFixture(t)
	f.router.GET("/boom", func(*gin.Context) { panic("boom") })

	w := f.do(http.MethodGet, "/boom", "")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", decode(t, w)["code"])
	assert.NotContains(t, w.Body.String(), "boom")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodGet, "/api/v1/accounts", "")

	w := f.do(http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "txcoord_terminal_actions_total")
}
