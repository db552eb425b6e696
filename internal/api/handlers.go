package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"threatwatch/internal/engine"
	"threatwatch/internal/ingest"
	"threatwatch/internal/model"
	"threatwatch/internal/normalize"
)

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.store.ListLogs(r.Context(), model.LogFilter{})
	if err != nil {
		writeErr(w, err)
		return
	}
	page, limit, err := pagination(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	meta := &Meta{Total: len(logs)}
	if limit > 0 {
		start := (page - 1) * limit
		end := start + limit
		if start > len(logs) {
			start = len(logs)
		}
		if end > len(logs) {
			end = len(logs)
		}
		logs = logs[start:end]
		meta.Page = page
		meta.Limit = limit
	}
	meta.Count = len(logs)
	writeSuccess(w, http.StatusOK, orEmpty(logs), meta)
}

func pagination(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	page, limit := 1, 0
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return 0, 0, model.NewValidationError("page", "must be a positive integer")
		}
		page = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, model.NewValidationError("limit", "must be a non-negative integer")
		}
		limit = n
	}
	return page, limit, nil
}

type ingestResponse struct {
	Accepted int                 `json:"accepted"`
	Failed   int                 `json:"failed"`
	IDs      []string            `json:"ids"`
	Errors   []ingest.BatchError `json:"errors,omitempty"`
}

func (s *Server) handleIngestLogs(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, cfg.API.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	batch, err := ingest.DecodeBatch(body, normalize.Location(cfg.Ingest.Parser.Timezone), time.Now())
	if err != nil {
		writeErr(w, err)
		return
	}
	stored, err := s.store.AppendLogs(r.Context(), batch.Events)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.metrics.IncLogsIngested("api", len(stored))
	s.metrics.IncLogsRejected("api", len(batch.Errors))
	ids := make([]string, 0, len(stored))
	for _, ev := range stored {
		ids = append(ids, ev.ID)
	}
	writeSuccess(w, http.StatusOK, ingestResponse{
		Accepted: len(stored),
		Failed:   len(batch.Errors),
		IDs:      ids,
		Errors:   batch.Errors,
	}, nil)
}

// handleSearchLogs filters conjunctively. An unknown action matches nothing.
func (s *Server) handleSearchLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.LogFilter{UserID: strings.TrimSpace(q.Get("userId"))}
	if raw := strings.TrimSpace(q.Get("action")); raw != "" {
		action := normalize.NormalizeAction(raw)
		if !action.Known() {
			writeSuccess(w, http.StatusOK, []model.LogEvent{}, &Meta{})
			return
		}
		filter.Action = action
	}
	var err error
	if filter.Start, err = queryTime(q.Get("startTime"), "startTime"); err != nil {
		writeErr(w, err)
		return
	}
	if filter.End, err = queryTime(q.Get("endTime"), "endTime"); err != nil {
		writeErr(w, err)
		return
	}
	logs, err := s.store.ListLogs(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, orEmpty(logs), &Meta{Count: len(logs)})
}

func queryTime(raw, field string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, model.NewValidationError(field, "must be an RFC3339 time")
	}
	return ts.UTC(), nil
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	ev, err := s.store.GetLog(r.Context(), mux.Vars(r)["logId"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, ev, nil)
}

func (s *Server) handleListThreats(w http.ResponseWriter, r *http.Request) {
	threats, err := s.store.ListThreats(r.Context(), model.ThreatFilter{})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, orEmpty(threats), &Meta{Count: len(threats)})
}

// handleSearchThreats filters by type, user and severity. An unknown type or
// severity matches nothing.
func (s *Server) handleSearchThreats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.ThreatFilter{UserID: strings.TrimSpace(q.Get("user"))}
	if raw := strings.TrimSpace(q.Get("type")); raw != "" {
		tt, ok := model.ParseThreatType(raw)
		if !ok {
			writeSuccess(w, http.StatusOK, []model.Threat{}, &Meta{})
			return
		}
		filter.ThreatType = tt
	}
	if raw := strings.TrimSpace(q.Get("severity")); raw != "" {
		sev, ok := model.ParseSeverity(raw)
		if !ok {
			writeSuccess(w, http.StatusOK, []model.Threat{}, &Meta{})
			return
		}
		filter.Severity = sev
	}
	threats, err := s.store.ListThreats(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, orEmpty(threats), &Meta{Count: len(threats)})
}

func (s *Server) handleGetThreat(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetThreat(r.Context(), mux.Vars(r)["threatId"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, t, nil)
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetThreat(r.Context(), mux.Vars(r)["threatId"])
	if err != nil {
		writeErr(w, err)
		return
	}
	logs, err := s.store.GetLogs(r.Context(), t.EvidenceEventIDs)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, orEmpty(logs), &Meta{Count: len(logs)})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode, ok := model.ParseRunMode(q.Get("mode"))
	if !ok {
		writeErr(w, model.NewValidationError("mode", "must be full or incremental"))
		return
	}
	opts := engine.RunOptions{Mode: mode}
	if raw := strings.TrimSpace(q.Get("timeout")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeErr(w, model.NewValidationError("timeout", "must be a positive duration"))
			return
		}
		opts.Timeout = d
	}
	report, err := s.analyzer.RunAnalysis(r.Context(), opts)
	if err != nil {
		writeErr(w, err)
		return
	}
	if report.Partial {
		w.Header().Set("X-Analysis-Partial", "true")
	}
	writeSuccess(w, http.StatusOK, report.Result(), nil)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	_, limit, err := pagination(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	since, err := queryTime(r.URL.Query().Get("since"), "since")
	if err != nil {
		writeErr(w, err)
		return
	}
	var runs []model.RunReport
	if s.history != nil {
		runs = s.history.List(since, limit)
	}
	writeSuccess(w, http.StatusOK, orEmpty(runs), &Meta{Count: len(runs)})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "Rate limit exceeded", "")
		return
	}
	if s.auth == nil || s.tokens == nil {
		writeError(w, http.StatusServiceUnavailable, "Authentication unavailable", "")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if req.Username == "" || req.Password == "" {
		writeErr(w, model.NewValidationError("username", "username and password are required"))
		return
	}
	user, err := s.auth.Authenticate(req.Username, req.Password)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("login failed", "username", req.Username, "ip", clientIP(r))
		}
		writeError(w, http.StatusUnauthorized, "Invalid credentials", "")
		return
	}
	token, expires, err := s.tokens.Issue(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate token", err.Error())
		return
	}
	if s.logger != nil {
		s.logger.Info("user logged in", "username", user.Username)
	}
	writeSuccess(w, http.StatusOK, loginResponse{
		Token:     token,
		Username:  user.Username,
		Role:      user.Role,
		ExpiresAt: expires.UTC(),
	}, nil)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil {
		writeError(w, http.StatusServiceUnavailable, "Authentication unavailable", "")
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "missing bearer token")
		return
	}
	claims, err := s.tokens.Verify(token)
	if err != nil {
		writeErr(w, err)
		return
	}
	fresh, expires, err := s.tokens.Issue(claims.User())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate token", err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, loginResponse{
		Token:     fresh,
		Username:  claims.Username,
		Role:      claims.Role,
		ExpiresAt: expires.UTC(),
	}, nil)
}
