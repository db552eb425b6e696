package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"threatwatch/internal/model"
)

type EventFields struct {
	ID            string
	Timestamp     string
	UserID        string
	IPAddress     string
	Action        string
	FileName      string
	DatabaseQuery string
	Raw           string
}

// Normalize turns loosely typed fields into a validated LogEvent. A missing
// timestamp becomes the ingestion time.
func Normalize(fields EventFields, loc *time.Location, now time.Time) (model.LogEvent, error) {
	if loc == nil {
		loc = time.UTC
	}
	ts := now.UTC()
	if strings.TrimSpace(fields.Timestamp) != "" {
		parsed, err := ParseTimestamp(fields.Timestamp, loc)
		if err != nil {
			return model.LogEvent{}, model.NewValidationError("timestamp", err.Error())
		}
		ts = parsed.UTC()
	}

	ev := model.LogEvent{
		ID:        strings.TrimSpace(fields.ID),
		Timestamp: ts,
		UserID:    strings.TrimSpace(fields.UserID),
		IPAddress: strings.TrimSpace(fields.IPAddress),
		Action:    NormalizeAction(fields.Action),
	}
	if f := strings.TrimSpace(fields.FileName); f != "" {
		ev.FileName = &f
	}
	if q := strings.TrimSpace(fields.DatabaseQuery); q != "" {
		ev.DatabaseQuery = &q
	}
	if err := ev.Validate(); err != nil {
		return model.LogEvent{}, err
	}
	return ev, nil
}

// Location resolves a timezone name, falling back to UTC.
func Location(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	if l, err := time.LoadLocation(name); err == nil {
		return l
	}
	return time.UTC
}

var actionAliases = map[string]model.Action{
	"login":            model.ActionLoginSuccess,
	"login_success":    model.ActionLoginSuccess,
	"loginsuccess":     model.ActionLoginSuccess,
	"login_failed":     model.ActionLoginFailed,
	"failed_login":     model.ActionLoginFailed,
	"loginfailed":      model.ActionLoginFailed,
	"file_access":      model.ActionFileAccess,
	"fileaccess":       model.ActionFileAccess,
	"db_query":         model.ActionDatabaseQuery,
	"database_query":   model.ActionDatabaseQuery,
	"databasequery":    model.ActionDatabaseQuery,
	"privilege_change": model.ActionPrivilegeChange,
	"privilegechange":  model.ActionPrivilegeChange,
	"network_request":  model.ActionNetworkRequest,
	"networkrequest":   model.ActionNetworkRequest,
}

func NormalizeAction(action string) model.Action {
	a := strings.TrimSpace(action)
	if a == "" {
		return ""
	}
	if known, ok := actionAliases[strings.ToLower(a)]; ok {
		return known
	}
	return model.Action(snakeToCamel(a))
}

func snakeToCamel(s string) string {
	if !strings.ContainsAny(s, "_-") {
		return s
	}
	var b strings.Builder
	upper := false
	for _, r := range s {
		if r == '_' || r == '-' {
			upper = b.Len() > 0
			continue
		}
		if upper {
			b.WriteRune(unicode.ToUpper(r))
			upper = false
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"1/2/2006 15:04:05",
	"1/2/2006 15:04",
	"01/02/2006 15:04:05",
	"Jan 02 15:04:05",
	"Jan 2 15:04:05",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if layout == "Jan 02 15:04:05" || layout == "Jan 2 15:04:05" {
			if t, err := time.ParseInLocation(layout, value, loc); err == nil {
				now := time.Now().In(loc)
				return time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc), nil
			}
			continue
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
