package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"threatwatch/internal/config"
	"threatwatch/internal/model"
)

var (
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrNotFound         = errors.New("not found")
)

type LogStore interface {
	// AppendLogs assigns ids and sequence numbers and returns the events that
	// were stored. Events whose id already exists are skipped.
	AppendLogs(ctx context.Context, events []model.LogEvent) ([]model.LogEvent, error)
	ListLogs(ctx context.Context, filter model.LogFilter) ([]model.LogEvent, error)
	GetLog(ctx context.Context, id string) (model.LogEvent, error)
	GetLogs(ctx context.Context, ids []string) ([]model.LogEvent, error)
	// UsersWithLogsAfter returns the users owning events with seq > after and
	// the highest seq seen.
	UsersWithLogsAfter(ctx context.Context, after int64) ([]string, int64, error)
}

type ThreatStore interface {
	ExistingFingerprints(ctx context.Context, fingerprints []string) (map[string]bool, error)
	// InsertThreat is a no-op reporting false when the fingerprint is
	// already stored.
	InsertThreat(ctx context.Context, t model.Threat) (model.Threat, bool, error)
	ListThreats(ctx context.Context, filter model.ThreatFilter) ([]model.Threat, error)
	GetThreat(ctx context.Context, id string) (model.Threat, error)
	Checkpoint(ctx context.Context, name string) (int64, error)
	SetCheckpoint(ctx context.Context, name string, seq int64) error
}

type Stats struct {
	Logs    int64 `json:"logs"`
	Threats int64 `json:"threats"`
}

type Store interface {
	LogStore
	ThreatStore
	Init(ctx context.Context) error
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
