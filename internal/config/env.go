package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "THREATWATCH_"

// LoadEnv reads .env style files into the process environment. Missing files
// are ignored; variables already set win.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ApplyEnv overlays THREATWATCH_* variables onto cfg.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := lookup("API_ADDR"); ok {
		cfg.API.Addr = v
	}
	if v, ok := lookup("CORS_ORIGINS"); ok {
		cfg.API.CORSOrigins = splitList(v)
	}
	if v, ok := lookup("AUTH_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Auth.Enabled = b
		}
	}
	if v, ok := lookup("JWT_SECRET"); ok {
		cfg.Auth.JWTSecret = v
	}
	if v, ok := lookup("ADMIN_PASSWORD"); ok {
		for i := range cfg.Auth.Users {
			if cfg.Auth.Users[i].Username == "admin" {
				cfg.Auth.Users[i].Password = v
				cfg.Auth.Users[i].PasswordHash = ""
			}
		}
	}
	if v, ok := lookup("STORAGE_DRIVER"); ok {
		cfg.Storage.Driver = v
	}
	if v, ok := lookup("STORAGE_DSN"); ok {
		cfg.Storage.DSN = v
	}
	if v, ok := lookup("KAFKA_BROKERS"); ok {
		brokers := splitList(v)
		cfg.Ingest.Kafka.Brokers = brokers
		cfg.Notify.Kafka.Brokers = brokers
	}
	if v, ok := lookup("NATS_URL"); ok {
		cfg.Notify.NATS.URL = v
	}
	if v, ok := lookup("ANALYSIS_INTERVAL"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Analysis.Interval = d
		}
	}
	if v, ok := lookup("ANALYSIS_WORKERS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Analysis.Workers = n
		}
	}
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
