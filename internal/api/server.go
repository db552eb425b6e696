package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"threatwatch/internal/auth"
	"threatwatch/internal/config"
	"threatwatch/internal/engine"
	"threatwatch/internal/history"
	"threatwatch/internal/metrics"
	"threatwatch/internal/model"
	"threatwatch/internal/rules"
	"threatwatch/internal/storage"
)

// Analyzer is the part of the engine the API drives.
type Analyzer interface {
	RunAnalysis(ctx context.Context, opts engine.RunOptions) (model.RunReport, error)
	Running() bool
}

type Deps struct {
	Config   *config.Manager
	Store    storage.Store
	Analyzer Analyzer
	History  *history.Store
	Metrics  *metrics.Metrics
	Auth     *auth.Authenticator
	Tokens   *auth.Issuer
	Logger   *slog.Logger
	Version  string
}

type Server struct {
	cfg      *config.Manager
	store    storage.Store
	analyzer Analyzer
	history  *history.Store
	metrics  *metrics.Metrics
	auth     *auth.Authenticator
	tokens   *auth.Issuer
	limiter  *loginLimiter
	logger   *slog.Logger
	version  string
}

func NewServer(d Deps) *Server {
	cfg := d.Config.Get()
	return &Server{
		cfg:      d.Config,
		store:    d.Store,
		analyzer: d.Analyzer,
		history:  d.History,
		metrics:  d.Metrics,
		auth:     d.Auth,
		tokens:   d.Tokens,
		limiter:  newLoginLimiter(cfg.Auth.LoginRate, cfg.Auth.LoginBurst),
		logger:   d.Logger,
		version:  d.Version,
	}
}

// Handler builds the router. Literal threat routes are registered before
// the {threatId} pattern so they win the match.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(observe(s.logger, s.metrics), cors(s.cfg))

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/api/auth/login", s.handleLogin).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/auth/refresh", s.handleRefresh).Methods(http.MethodPost, http.MethodOptions)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(requireAuth(s.cfg, s.tokens))
	api.HandleFunc("/logs", s.handleListLogs).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/logs", s.handleIngestLogs).Methods(http.MethodPost)
	api.HandleFunc("/logs/search", s.handleSearchLogs).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/logs/{logId}", s.handleGetLog).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/threats", s.handleListThreats).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/threats/analyze", s.handleAnalyze).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/threats/search", s.handleSearchThreats).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/threats/runs", s.handleRuns).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/threats/{threatId}", s.handleGetThreat).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/threats/{threatId}/evidence", s.handleEvidence).Methods(http.MethodGet, http.MethodOptions)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found", "")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
	})
	return r
}

func Start(ctx context.Context, s *Server) *http.Server {
	if s == nil {
		return nil
	}
	current := s.cfg.Get().API
	if !current.Enabled {
		if s.logger != nil {
			s.logger.Info("api disabled")
		}
		return nil
	}
	if s.logger != nil {
		s.logger.Info("api enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if s.logger != nil {
				s.logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

type statusResponse struct {
	Status     string           `json:"status"`
	Time       string           `json:"time"`
	Version    string           `json:"version"`
	ConfigPath string           `json:"config_path"`
	Ingest     ingestStatus     `json:"ingest"`
	API        apiStatus        `json:"api"`
	Storage    storageStatus    `json:"storage"`
	Analysis   analysisStatus   `json:"analysis"`
	Rules      []string         `json:"rules"`
	LastRun    *model.RunReport `json:"last_run,omitempty"`
	Notify     map[string]bool  `json:"notify"`
}

type ingestStatus struct {
	Syslog   bool `json:"syslog"`
	FileTail bool `json:"file_tail"`
	Kafka    bool `json:"kafka"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	Auth    bool   `json:"auth"`
}

type storageStatus struct {
	Driver string        `json:"driver"`
	Stats  storage.Stats `json:"stats"`
	Error  string        `json:"error,omitempty"`
}

type analysisStatus struct {
	Running  bool   `json:"running"`
	Workers  int    `json:"workers"`
	Timeout  string `json:"timeout"`
	Interval string `json:"interval"`
	Runs     int    `json:"runs_recorded"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()
	reg := rules.NewDefaultRegistry(cfg.Detection)
	ruleIDs := make([]string, 0)
	for _, rule := range reg.Rules() {
		ruleIDs = append(ruleIDs, rule.ID())
	}
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Ingest: ingestStatus{
			Syslog:   cfg.Ingest.Syslog.Enabled,
			FileTail: cfg.Ingest.FileTail.Enabled,
			Kafka:    cfg.Ingest.Kafka.Enabled,
		},
		API:     apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr, Auth: cfg.Auth.Enabled},
		Storage: storageStatus{Driver: cfg.Storage.Driver},
		Rules:   ruleIDs,
		Analysis: analysisStatus{
			Workers:  cfg.Analysis.Workers,
			Timeout:  cfg.Analysis.Timeout.String(),
			Interval: cfg.Analysis.Interval.String(),
		},
		Notify: map[string]bool{
			"nats":  cfg.Notify.NATS.Enabled,
			"kafka": cfg.Notify.Kafka.Enabled,
		},
	}
	if s.analyzer != nil {
		resp.Analysis.Running = s.analyzer.Running()
	}
	if s.store != nil {
		stats, err := s.store.Stats(r.Context())
		if err != nil {
			resp.Status = "degraded"
			resp.Storage.Error = err.Error()
		}
		resp.Storage.Stats = stats
	}
	if s.history != nil {
		resp.Analysis.Runs = s.history.Len()
		if last, ok := s.history.Last(); ok {
			resp.LastRun = &last
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
