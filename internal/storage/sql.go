package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"threatwatch/internal/model"
)

// dialect isolates the SQL that differs between sqlite and postgres.
type dialect interface {
	placeholder(index int) string
	schema() []string
	timeArg(t time.Time) any
	// appendLock is run first in every log append transaction, or skipped
	// when empty. Appends must commit in seq order: incremental analysis
	// treats the highest visible seq as a watermark below which every row
	// is already committed.
	appendLock() string
}

const logColumns = "seq, id, ts, user_id, ip_address, action, file_name, database_query"

const threatColumns = "id, fingerprint, ts, user_id, ip_address, action, file_name, threat_type, severity, rule_id, rule_version, evidence_json, detected_at"

const fingerprintChunk = 500

// userChunk bounds the user IN list of one log query.
const userChunk = 500

type sqlStore struct {
	db *sql.DB
	d  dialect
}

func (s *sqlStore) Init(ctx context.Context) error {
	for _, stmt := range s.d.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return unavailable("init schema", err)
		}
	}
	return nil
}

func (s *sqlStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *sqlStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM logs").Scan(&st.Logs); err != nil {
		return Stats{}, unavailable("count logs", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM threats").Scan(&st.Threats); err != nil {
		return Stats{}, unavailable("count threats", err)
	}
	return st, nil
}

// placeholders returns n placeholders starting at index start, comma separated.
func (s *sqlStore) placeholders(start, n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = s.d.placeholder(start + i)
	}
	return strings.Join(parts, ", ")
}

func (s *sqlStore) AppendLogs(ctx context.Context, events []model.LogEvent) ([]model.LogEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("append logs", err)
	}
	if lock := s.d.appendLock(); lock != "" {
		if _, err := tx.ExecContext(ctx, lock); err != nil {
			_ = tx.Rollback()
			return nil, unavailable("append logs", err)
		}
	}
	query := fmt.Sprintf(
		"INSERT INTO logs (id, ts, user_id, ip_address, action, file_name, database_query) VALUES (%s) ON CONFLICT (id) DO NOTHING RETURNING seq",
		s.placeholders(1, 7))
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return nil, unavailable("append logs", err)
	}
	defer stmt.Close()
	stored := make([]model.LogEvent, 0, len(events))
	for _, ev := range events {
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		ev.Timestamp = ev.Timestamp.UTC()
		err := stmt.QueryRowContext(ctx,
			ev.ID,
			s.d.timeArg(ev.Timestamp),
			ev.UserID,
			ev.IPAddress,
			string(ev.Action),
			nullable(ev.FileName),
			nullable(ev.DatabaseQuery),
		).Scan(&ev.Seq)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			_ = tx.Rollback()
			return nil, unavailable("append logs", err)
		}
		stored = append(stored, ev)
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("append logs", err)
	}
	return stored, nil
}

func (s *sqlStore) ListLogs(ctx context.Context, filter model.LogFilter) ([]model.LogEvent, error) {
	var where []string
	var args []any
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, s.d.placeholder(len(args))))
	}
	if filter.UserID != "" {
		add("user_id = %s", filter.UserID)
	}
	if filter.Action != "" {
		add("action = %s", string(filter.Action))
	}
	if !filter.Start.IsZero() {
		add("ts >= %s", s.d.timeArg(filter.Start.UTC()))
	}
	if !filter.End.IsZero() {
		add("ts <= %s", s.d.timeArg(filter.End.UTC()))
	}
	build := func(users []string) (string, []any) {
		clauses := append([]string(nil), where...)
		params := append([]any(nil), args...)
		if len(users) > 0 {
			start := len(params) + 1
			for _, u := range users {
				params = append(params, u)
			}
			clauses = append(clauses, fmt.Sprintf("user_id IN (%s)", s.placeholders(start, len(users))))
		}
		query := "SELECT " + logColumns + " FROM logs"
		if len(clauses) > 0 {
			query += " WHERE " + strings.Join(clauses, " AND ")
		}
		return query + " ORDER BY ts, seq", params
	}
	if len(filter.UserIDs) <= userChunk {
		query, params := build(filter.UserIDs)
		return s.queryLogs(ctx, query, params...)
	}
	// bounded IN lists stay under the driver's bind variable limit
	out := make([]model.LogEvent, 0)
	for start := 0; start < len(filter.UserIDs); start += userChunk {
		end := min(start+userChunk, len(filter.UserIDs))
		query, params := build(filter.UserIDs[start:end])
		logs, err := s.queryLogs(ctx, query, params...)
		if err != nil {
			return nil, err
		}
		out = append(out, logs...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s *sqlStore) GetLog(ctx context.Context, id string) (model.LogEvent, error) {
	logs, err := s.queryLogs(ctx, "SELECT "+logColumns+" FROM logs WHERE id = "+s.d.placeholder(1), id)
	if err != nil {
		return model.LogEvent{}, err
	}
	if len(logs) == 0 {
		return model.LogEvent{}, ErrNotFound
	}
	return logs[0], nil
}

func (s *sqlStore) GetLogs(ctx context.Context, ids []string) ([]model.LogEvent, error) {
	out := make([]model.LogEvent, 0, len(ids))
	for start := 0; start < len(ids); start += fingerprintChunk {
		end := min(start+fingerprintChunk, len(ids))
		chunk := ids[start:end]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		query := fmt.Sprintf("SELECT %s FROM logs WHERE id IN (%s) ORDER BY ts, seq", logColumns, s.placeholders(1, len(chunk)))
		logs, err := s.queryLogs(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		out = append(out, logs...)
	}
	return out, nil
}

func (s *sqlStore) queryLogs(ctx context.Context, query string, args ...any) ([]model.LogEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query logs", err)
	}
	defer rows.Close()
	out := make([]model.LogEvent, 0)
	for rows.Next() {
		var ev model.LogEvent
		var ts scanTime
		var action string
		var file, query sql.NullString
		if err := rows.Scan(&ev.Seq, &ev.ID, &ts, &ev.UserID, &ev.IPAddress, &action, &file, &query); err != nil {
			return nil, unavailable("scan log", err)
		}
		ev.Timestamp = ts.t
		ev.Action = model.Action(action)
		ev.FileName = fromNullable(file)
		ev.DatabaseQuery = fromNullable(query)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("query logs", err)
	}
	return out, nil
}

func (s *sqlStore) UsersWithLogsAfter(ctx context.Context, after int64) ([]string, int64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id, MAX(seq) FROM logs WHERE seq > "+s.d.placeholder(1)+" GROUP BY user_id ORDER BY user_id", after)
	if err != nil {
		return nil, 0, unavailable("users after", err)
	}
	defer rows.Close()
	users := make([]string, 0)
	max := after
	for rows.Next() {
		var user string
		var seq int64
		if err := rows.Scan(&user, &seq); err != nil {
			return nil, 0, unavailable("users after", err)
		}
		users = append(users, user)
		if seq > max {
			max = seq
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, unavailable("users after", err)
	}
	return users, max, nil
}

func (s *sqlStore) ExistingFingerprints(ctx context.Context, fingerprints []string) (map[string]bool, error) {
	out := make(map[string]bool, len(fingerprints))
	for start := 0; start < len(fingerprints); start += fingerprintChunk {
		end := min(start+fingerprintChunk, len(fingerprints))
		chunk := fingerprints[start:end]
		args := make([]any, len(chunk))
		for i, fp := range chunk {
			args[i] = fp
		}
		query := fmt.Sprintf("SELECT fingerprint FROM threats WHERE fingerprint IN (%s)", s.placeholders(1, len(chunk)))
		if err := func() error {
			rows, err := s.db.QueryContext(ctx, query, args...)
			if err != nil {
				return err
			}
			defer rows.Close()
			for rows.Next() {
				var fp string
				if err := rows.Scan(&fp); err != nil {
					return err
				}
				out[fp] = true
			}
			return rows.Err()
		}(); err != nil {
			return nil, unavailable("existing fingerprints", err)
		}
	}
	return out, nil
}

func (s *sqlStore) InsertThreat(ctx context.Context, t model.Threat) (model.Threat, bool, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.DetectedAt.IsZero() {
		t.DetectedAt = nowUTC()
	}
	t.Timestamp = t.Timestamp.UTC()
	query := fmt.Sprintf("INSERT INTO threats (%s) VALUES (%s) ON CONFLICT (fingerprint) DO NOTHING",
		threatColumns, s.placeholders(1, 13))
	res, err := s.db.ExecContext(ctx, query,
		t.ID,
		t.Fingerprint,
		s.d.timeArg(t.Timestamp),
		t.UserID,
		t.IPAddress,
		string(t.Action),
		nullable(t.FileName),
		string(t.ThreatType),
		string(t.Severity),
		t.RuleID,
		t.RuleVersion,
		encodeJSON(t.EvidenceEventIDs),
		s.d.timeArg(t.DetectedAt),
	)
	if err != nil {
		return model.Threat{}, false, unavailable("insert threat", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Threat{}, false, unavailable("insert threat", err)
	}
	return t, n > 0, nil
}

func (s *sqlStore) ListThreats(ctx context.Context, filter model.ThreatFilter) ([]model.Threat, error) {
	var where []string
	var args []any
	if filter.ThreatType != "" {
		args = append(args, string(filter.ThreatType))
		where = append(where, "threat_type = "+s.d.placeholder(len(args)))
	}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		where = append(where, "user_id = "+s.d.placeholder(len(args)))
	}
	if filter.Severity != "" {
		args = append(args, string(filter.Severity))
		where = append(where, "severity = "+s.d.placeholder(len(args)))
	}
	query := "SELECT " + threatColumns + " FROM threats"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts, id"
	return s.queryThreats(ctx, query, args...)
}

func (s *sqlStore) GetThreat(ctx context.Context, id string) (model.Threat, error) {
	threats, err := s.queryThreats(ctx, "SELECT "+threatColumns+" FROM threats WHERE id = "+s.d.placeholder(1), id)
	if err != nil {
		return model.Threat{}, err
	}
	if len(threats) == 0 {
		return model.Threat{}, ErrNotFound
	}
	return threats[0], nil
}

func (s *sqlStore) queryThreats(ctx context.Context, query string, args ...any) ([]model.Threat, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query threats", err)
	}
	defer rows.Close()
	out := make([]model.Threat, 0)
	for rows.Next() {
		var t model.Threat
		var ts, detected scanTime
		var action, threatType, severity, evidence string
		var file sql.NullString
		if err := rows.Scan(&t.ID, &t.Fingerprint, &ts, &t.UserID, &t.IPAddress, &action, &file,
			&threatType, &severity, &t.RuleID, &t.RuleVersion, &evidence, &detected); err != nil {
			return nil, unavailable("scan threat", err)
		}
		t.Timestamp = ts.t
		t.DetectedAt = detected.t
		t.Action = model.Action(action)
		t.FileName = fromNullable(file)
		t.ThreatType = model.ThreatType(threatType)
		t.Severity = model.Severity(severity)
		if evidence != "" {
			if err := json.Unmarshal([]byte(evidence), &t.EvidenceEventIDs); err != nil {
				return nil, fmt.Errorf("decode evidence of threat %s: %w", t.ID, err)
			}
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("query threats", err)
	}
	return out, nil
}

func (s *sqlStore) Checkpoint(ctx context.Context, name string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, "SELECT seq FROM checkpoints WHERE name = "+s.d.placeholder(1), name).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("read checkpoint", err)
	}
	return seq, nil
}

func (s *sqlStore) SetCheckpoint(ctx context.Context, name string, seq int64) error {
	query := fmt.Sprintf(
		"INSERT INTO checkpoints (name, seq) VALUES (%s, %s) ON CONFLICT (name) DO UPDATE SET seq = excluded.seq",
		s.d.placeholder(1), s.d.placeholder(2))
	if _, err := s.db.ExecContext(ctx, query, name, seq); err != nil {
		return unavailable("write checkpoint", err)
	}
	return nil
}

func nullable(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullable(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// sqliteTimeLayout is fixed width so text ordering matches time ordering.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

type scanTime struct {
	t time.Time
}

func (s *scanTime) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		s.t = time.Time{}
	case time.Time:
		s.t = v.UTC()
	case string:
		return s.parse(v)
	case []byte:
		return s.parse(string(v))
	default:
		return fmt.Errorf("unsupported time value %T", value)
	}
	return nil
}

func (s *scanTime) parse(v string) error {
	for _, layout := range []string{sqliteTimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00"} {
		if t, err := time.Parse(layout, v); err == nil {
			s.t = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("unparsable stored time %q", v)
}
