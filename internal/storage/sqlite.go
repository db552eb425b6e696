package storage

import (
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type sqliteDialect struct{}

func (sqliteDialect) placeholder(int) string { return "?" }

// appendLock is empty: sqlite runs one writer at a time, so commits already
// follow seq order.
func (sqliteDialect) appendLock() string { return "" }

func (sqliteDialect) timeArg(t time.Time) any { return t.UTC().Format(sqliteTimeLayout) }

func (sqliteDialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS logs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			ts TEXT NOT NULL,
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
			ts TEXT NOT NULL,
			user_id TEXT NOT NULL,
			ip_address TEXT NOT NULL,
			action TEXT NOT NULL,
			file_name TEXT,
			threat_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			rule_id TEXT NOT NULL,
			rule_version INTEGER NOT NULL,
			evidence_json TEXT NOT NULL,
			detected_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_threats_type ON threats(threat_type)`,
		`CREATE INDEX IF NOT EXISTS idx_threats_user ON threats(user_id)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			name TEXT PRIMARY KEY,
			seq INTEGER NOT NULL
		)`,
	}
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:threatwatch.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single connection keeps :memory: databases shared and serialises writers
	db.SetMaxOpenConns(1)
	return &sqlStore{db: db, d: sqliteDialect{}}, nil
}
