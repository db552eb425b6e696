package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threatwatch/internal/auth"
	"threatwatch/internal/config"
	"threatwatch/internal/engine"
	"threatwatch/internal/history"
	"threatwatch/internal/metrics"
	"threatwatch/internal/model"
	"threatwatch/internal/storage"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
	Meta    *Meta           `json:"meta"`
}

type harness struct {
	t       *testing.T
	cfg     *config.Config
	store   storage.Store
	hist    *history.Store
	handler http.Handler
	token   string
}

func newHarness(t *testing.T, mutate func(*config.Config), analyzer Analyzer) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Auth.JWTSecret = "test-secret"
	if mutate != nil {
		mutate(cfg)
	}
	mgr := config.NewStaticManager(cfg)
	store := storage.NewMemory()
	hist := history.NewStore(10)
	if analyzer == nil {
		analyzer = engine.NewAnalyzer(mgr, store, engine.Options{History: hist})
	}
	authn, err := auth.NewAuthenticator(cfg.Auth.Users)
	require.NoError(t, err)
	tokens, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	require.NoError(t, err)
	srv := NewServer(Deps{
		Config:   mgr,
		Store:    store,
		Analyzer: analyzer,
		History:  hist,
		Metrics:  metrics.NewMetrics(),
		Auth:     authn,
		Tokens:   tokens,
		Version:  "test",
	})
	return &harness{t: t, cfg: cfg, store: store, hist: hist, handler: srv.Handler()}
}

func (h *harness) do(method, target string, body any) (*httptest.ResponseRecorder, envelope) {
	h.t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(h.t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	req.RemoteAddr = "192.0.2.10:4711"
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(h.t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func (h *harness) login() {
	h.t.Helper()
	rec, env := h.do(http.MethodPost, "/api/auth/login", map[string]string{"username": "admin", "password": "adminpassword"})
	require.Equal(h.t, http.StatusOK, rec.Code)
	var data struct {
		Token    string `json:"token"`
		Username string `json:"username"`
		Role     string `json:"role"`
	}
	require.NoError(h.t, json.Unmarshal(env.Data, &data))
	require.NotEmpty(h.t, data.Token)
	assert.Equal(h.t, "admin", data.Username)
	assert.Equal(h.t, "admin", data.Role)
	h.token = data.Token
}

func stuffingLogs(user string) []map[string]string {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ips := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"}
	out := make([]map[string]string, 0, 6)
	for i := 0; i < 6; i++ {
		out = append(out, map[string]string{
			"timestamp": base.Add(time.Duration(i) * 30 * time.Second).Format(time.RFC3339),
			"userId":    user,
			"ipAddress": ips[i%len(ips)],
			"action":    "loginFailed",
		})
	}
	return out
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	h := newHarness(t, nil, nil)
	rec, env := h.do(http.MethodGet, "/api/threats", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, http.StatusUnauthorized, env.Error.Code)

	h.token = "garbage"
	rec, _ = h.do(http.MethodGet, "/api/threats", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	h.login()
	rec, env = h.do(http.MethodGet, "/api/threats", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.JSONEq(t, `[]`, string(env.Data))
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	h := newHarness(t, nil, nil)
	rec, env := h.do(http.MethodPost, "/api/auth/login", map[string]string{"username": "admin", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, env.Success)

	rec, _ = h.do(http.MethodPost, "/api/auth/login", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginIsRateLimited(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Auth.LoginRate = 0.001
		cfg.Auth.LoginBurst = 1
	}, nil)
	creds := map[string]string{"username": "admin", "password": "nope"}
	rec, _ := h.do(http.MethodPost, "/api/auth/login", creds)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec, env := h.do(http.MethodPost, "/api/auth/login", creds)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, http.StatusTooManyRequests, env.Error.Code)
}

func TestRefreshIssuesNewToken(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.login()
	rec, env := h.do(http.MethodPost, "/api/auth/refresh", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var data struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.NotEmpty(t, data.Token)
}

func TestAnalyzeEndToEnd(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.login()

	rec, env := h.do(http.MethodPost, "/api/logs", stuffingLogs("u1"))
	require.Equal(t, http.StatusOK, rec.Code)
	var ingested ingestResponse
	require.NoError(t, json.Unmarshal(env.Data, &ingested))
	assert.Equal(t, 6, ingested.Accepted)
	assert.Equal(t, 0, ingested.Failed)

	rec, env = h.do(http.MethodPost, "/api/threats/analyze", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var result model.AnalysisResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, 1, result.ThreatsDetected)
	_, err := time.ParseDuration(result.Duration)
	assert.NoError(t, err)

	rec, env = h.do(http.MethodPost, "/api/threats/analyze?mode=incremental&timeout=30s", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, 0, result.ThreatsDetected)

	_, env = h.do(http.MethodGet, "/api/threats", nil)
	var threats []model.Threat
	require.NoError(t, json.Unmarshal(env.Data, &threats))
	require.Len(t, threats, 1)
	assert.Equal(t, model.ThreatCredentialStuffing, threats[0].ThreatType)

	_, env = h.do(http.MethodGet, "/api/threats/"+threats[0].ID+"/evidence", nil)
	var evidence []model.LogEvent
	require.NoError(t, json.Unmarshal(env.Data, &evidence))
	assert.Len(t, evidence, 6)

	rec, env = h.do(http.MethodGet, "/api/threats/"+threats[0].ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	_, env = h.do(http.MethodGet, "/api/threats/runs", nil)
	var runs []model.RunReport
	require.NoError(t, json.Unmarshal(env.Data, &runs))
	require.Len(t, runs, 2)
	assert.Equal(t, model.RunModeIncremental, runs[0].Mode)
}

func TestThreatSearch(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.login()
	h.do(http.MethodPost, "/api/logs", stuffingLogs("u1"))
	h.do(http.MethodPost, "/api/threats/analyze", nil)

	cases := []struct {
		query string
		want  int
	}{
		{"", 1},
		{"type=" + url.QueryEscape("credential stuffing"), 1},
		{"type=" + url.QueryEscape("Credential Stuffing") + "&user=u1", 1},
		{"user=u2", 0},
		{"type=Phishing", 0},
		{"severity=high", 1},
		{"severity=Critical", 0},
		{"severity=extreme", 0},
	}
	for _, tc := range cases {
		rec, env := h.do(http.MethodGet, "/api/threats/search?"+tc.query, nil)
		require.Equal(t, http.StatusOK, rec.Code, tc.query)
		var threats []model.Threat
		require.NoError(t, json.Unmarshal(env.Data, &threats), tc.query)
		assert.Len(t, threats, tc.want, tc.query)
		assert.NotEqual(t, "null", string(env.Data), tc.query)
	}
}

func TestLogSearch(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.login()
	h.do(http.MethodPost, "/api/logs", stuffingLogs("u1"))
	h.do(http.MethodPost, "/api/logs", stuffingLogs("u2"))

	cases := []struct {
		query string
		want  int
	}{
		{"", 12},
		{"userId=u1", 6},
		{"action=login_failed", 12},
		{"action=teleport", 0},
		{"userId=u1&startTime=2024-03-01T12:01:00Z&endTime=2024-03-01T12:02:00Z", 3},
	}
	for _, tc := range cases {
		rec, env := h.do(http.MethodGet, "/api/logs/search?"+tc.query, nil)
		require.Equal(t, http.StatusOK, rec.Code, tc.query)
		var logs []model.LogEvent
		require.NoError(t, json.Unmarshal(env.Data, &logs), tc.query)
		assert.Len(t, logs, tc.want, tc.query)
	}

	rec, env := h.do(http.MethodGet, "/api/logs/search?startTime=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Contains(t, env.Error.Details, "startTime")
}

func TestListLogsPagination(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.login()
	h.do(http.MethodPost, "/api/logs", stuffingLogs("u1"))

	rec, env := h.do(http.MethodGet, "/api/logs?page=2&limit=4", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var logs []model.LogEvent
	require.NoError(t, json.Unmarshal(env.Data, &logs))
	assert.Len(t, logs, 2)
	require.NotNil(t, env.Meta)
	assert.Equal(t, 6, env.Meta.Total)
	assert.Equal(t, 2, env.Meta.Count)

	rec, _ = h.do(http.MethodGet, "/api/logs?page=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunHistoryFilters(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.login()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		h.hist.Add(model.RunReport{ID: fmt.Sprintf("run-%d", i), Mode: model.RunModeFull, StartedAt: base.Add(time.Duration(i) * time.Hour)})
	}

	runIDs := func(target string) []string {
		rec, env := h.do(http.MethodGet, target, nil)
		require.Equal(t, http.StatusOK, rec.Code, target)
		var runs []model.RunReport
		require.NoError(t, json.Unmarshal(env.Data, &runs))
		ids := make([]string, 0, len(runs))
		for _, r := range runs {
			ids = append(ids, r.ID)
		}
		return ids
	}
	assert.Equal(t, []string{"run-3", "run-2", "run-1", "run-0"}, runIDs("/api/threats/runs"))
	assert.Equal(t, []string{"run-3", "run-2"}, runIDs("/api/threats/runs?limit=2"))
	since := url.QueryEscape(base.Add(2 * time.Hour).Format(time.RFC3339))
	assert.Equal(t, []string{"run-3", "run-2"}, runIDs("/api/threats/runs?since="+since))
	assert.Equal(t, []string{"run-3"}, runIDs("/api/threats/runs?since="+since+"&limit=1"))

	for _, bad := range []string{"limit=abc", "limit=-1", "since=yesterday"} {
		rec, env := h.do(http.MethodGet, "/api/threats/runs?"+bad, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
		assert.False(t, env.Success, bad)
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 4, status.Analysis.Runs)
}

func TestIngestRejectsMalformedBody(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.login()
	rec, env := h.do(http.MethodPost, "/api/logs", "[{")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, env.Success)

	rec, env = h.do(http.MethodPost, "/api/logs", `{"userId":"u1","ipAddress":"10.0.0.1","action":"fileAccess"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var ingested ingestResponse
	require.NoError(t, json.Unmarshal(env.Data, &ingested))
	assert.Equal(t, 0, ingested.Accepted)
	assert.Equal(t, 1, ingested.Failed)
}

func TestMissingResourcesReturn404(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.login()
	for _, target := range []string{"/api/threats/does-not-exist", "/api/logs/does-not-exist", "/api/threats/does-not-exist/evidence"} {
		rec, env := h.do(http.MethodGet, target, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
		assert.False(t, env.Success, target)
	}
}

type stubAnalyzer struct {
	err error
}

func (s stubAnalyzer) RunAnalysis(context.Context, engine.RunOptions) (model.RunReport, error) {
	return model.RunReport{}, s.err
}

func (s stubAnalyzer) Running() bool { return s.err == engine.ErrConcurrentRun }

func TestAnalyzeErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{engine.ErrConcurrentRun, http.StatusConflict},
		{fmt.Errorf("list logs: %w", storage.ErrStoreUnavailable), http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		h := newHarness(t, nil, stubAnalyzer{err: tc.err})
		h.login()
		rec, env := h.do(http.MethodPost, "/api/threats/analyze", nil)
		assert.Equal(t, tc.want, rec.Code)
		require.NotNil(t, env.Error)
		assert.Equal(t, tc.want, env.Error.Code)
	}

	h := newHarness(t, nil, stubAnalyzer{})
	h.login()
	rec, _ := h.do(http.MethodPost, "/api/threats/analyze?mode=sideways", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = h.do(http.MethodPost, "/api/threats/analyze?timeout=soon", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthDisabledAllowsAnonymousAccess(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Auth.Enabled = false }, nil)
	rec, env := h.do(http.MethodGet, "/api/logs", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.API.CORSOrigins = []string{"http://dashboard.local"}
	}, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/threats", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://dashboard.local", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealthStatusAndMetrics(t *testing.T) {
	h := newHarness(t, nil, nil)
	rec, _ := h.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "ok", status.Status)
	assert.Contains(t, status.Rules, "credential_stuffing")

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "threatwatch_http_requests_total")
}
