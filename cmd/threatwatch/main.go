package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"threatwatch/internal/api"
	"threatwatch/internal/auth"
	"threatwatch/internal/config"
	"threatwatch/internal/engine"
	"threatwatch/internal/history"
	"threatwatch/internal/ingest"
	"threatwatch/internal/logging"
	"threatwatch/internal/metrics"
	"threatwatch/internal/model"
	"threatwatch/internal/notify"
	"threatwatch/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "threatwatch.yaml", "path to YAML or JSON config")
	envFile := flag.String("env", ".env", "optional dotenv file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}
	if err := run(*configPath, *envFile); err != nil {
		fmt.Fprintln(os.Stderr, "threatwatch:", err)
		os.Exit(1)
	}
}

func run(configPath, envFile string) error {
	if err := config.LoadEnv(envFile); err != nil {
		return fmt.Errorf("load env: %w", err)
	}
	mgr, err := loadConfig(config.ResolvePath(configPath))
	if err != nil {
		return err
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting threatwatch", "version", version, "config", mgr.Path(), "storage", cfg.Storage.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	m := metrics.NewMetrics()
	hist := history.NewStore(cfg.History.StoreLimit)
	notifier := notify.New(cfg.Notify, logger, m)
	defer notifier.Close()

	analyzer := engine.NewAnalyzer(mgr, store, engine.Options{
		Logger:   logger,
		Metrics:  m,
		History:  hist,
		Notifier: notifier,
	})
	engine.NewScheduler(analyzer, mgr, logger).Start(ctx)

	events := make(chan model.LogEvent, cfg.Ingest.ChannelBuffer)
	sink := ingest.NewSink(store, cfg.Ingest.BatchSize, cfg.Ingest.FlushInterval, logger)
	sink.OnFlush = func(stored int, _ error) {
		m.IncLogsIngested("stream", stored)
	}
	sinkDone := make(chan struct{})
	go func() {
		defer close(sinkDone)
		sink.Run(ctx, events)
	}()
	ingest.StartFileTail(ctx, mgr, events, logger)
	ingest.StartSyslog(ctx, mgr, events, logger)
	ingest.StartKafka(ctx, mgr, store, func(stored int) {
		m.IncLogsIngested("kafka", stored)
	}, logger)

	authn, err := auth.NewAuthenticator(cfg.Auth.Users)
	if err != nil {
		return err
	}
	if cfg.Auth.Enabled && cfg.Auth.JWTSecret == "" {
		logger.Warn("auth.jwt_secret not set, using a random key for this process")
	}
	tokens, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}
	api.Start(ctx, api.NewServer(api.Deps{
		Config:   mgr,
		Store:    store,
		Analyzer: analyzer,
		History:  hist,
		Metrics:  m,
		Auth:     authn,
		Tokens:   tokens,
		Logger:   logger,
		Version:  version,
	}))

	go mgr.Watch(3*time.Second, func(*config.Config) {
		logger.Info("config reloaded", "path", mgr.Path())
	}, func(err error) {
		logger.Warn("config reload failed", "err", err)
	}, ctx.Done())

	<-ctx.Done()
	logger.Info("shutting down")
	select {
	case <-sinkDone:
	case <-time.After(10 * time.Second):
		logger.Warn("log sink did not drain in time")
	}
	return nil
}

// loadConfig reads path when it exists and falls back to defaults plus
// environment overrides otherwise.
func loadConfig(path string) (*config.Manager, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return config.NewManager(path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	slog.Default().Info("config file not found, using defaults", "path", path)
	return config.NewStaticManager(cfg), nil
}
