package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresDialect struct{}

// appendLockKey names the advisory lock that serialises log appends. BIGSERIAL
// values are taken before commit, so without it a transaction holding lower
// seqs could commit after an incremental run has checkpointed past them.
const appendLockKey = 7401624041

func (postgresDialect) appendLock() string {
	return fmt.Sprintf("SELECT pg_advisory_xact_lock(%d)", appendLockKey)
}

func (postgresDialect) placeholder(index int) string { return fmt.Sprintf("$%d", index) }

func (postgresDialect) timeArg(t time.Time) any { return t.UTC() }

func (postgresDialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS logs (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			ts TIMESTAMPTZ NOT NULL,
			user_id TEXT NOT NULL,
			ip_address TEXT NOT NULL,
			action TEXT NOT NULL,
			file_name TEXT,
			database_query TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_user_ts ON logs(user_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_ts ON logs(ts)`,
		`CREATE TABLE IF NOT EXISTS threats (
			id TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL UNIQUE,
			ts TIMESTAMPTZ NOT NULL,
			user_id TEXT NOT NULL,
			ip_address TEXT NOT NULL,
			action TEXT NOT NULL,
			file_name TEXT,
			threat_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			rule_id TEXT NOT NULL,
			rule_version INTEGER NOT NULL,
			evidence_json TEXT NOT NULL,
			detected_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_threats_type ON threats(threat_type)`,
		`CREATE INDEX IF NOT EXISTS idx_threats_user ON threats(user_id)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			name TEXT PRIMARY KEY,
			seq BIGINT NOT NULL
		)`,
	}
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/threatwatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &sqlStore{db: db, d: postgresDialect{}}, nil
}
