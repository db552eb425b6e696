package ingest

import (
	"encoding/csv"
	"regexp"
	"strings"

	"threatwatch/internal/normalize"
)

var (
	reTimestamp = regexp.MustCompile(`^\s*([0-9]{4}-[0-9]{2}-[0-9]{2}[ T][0-9:.+-Z]+)`)
	reKV        = regexp.MustCompile(`(?i)([a-zA-Z_]+)=("[^"]*"|[^\s]+)`)
	reSyslogTS  = regexp.MustCompile(`^\s*([A-Za-z]{3}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})`)
	reKVLine    = regexp.MustCompile(`(?i)(^|\s)(user(_?id)?|username|ip(_?address)?|action)=`)
)

var (
	idKeys        = []string{"id", "logid", "log_id"}
	timestampKeys = []string{"timestamp", "time", "ts"}
	userKeys      = []string{"userid", "user_id", "user", "username"}
	ipKeys        = []string{"ipaddress", "ip_address", "ip", "src_ip", "source_ip"}
	actionKeys    = []string{"action", "event", "event_type"}
	fileKeys      = []string{"filename", "file_name", "file", "path"}
	queryKeys     = []string{"databasequery", "database_query", "query", "sql"}
)

type Parser struct {
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

// ParseLine accepts a JSON object, a CSV record (a header line is remembered
// and yields nil) or a plain "key=value" line.
func (p *Parser) ParseLine(line string) (*normalize.EventFields, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		if fields, err := ParseJSONBytes([]byte(trim)); err == nil {
			fields.Raw = line
			return fields, nil
		}
	}
	if strings.Contains(trim, ",") && !reKVLine.MatchString(trim) {
		fields, err := p.csv.Parse(trim)
		if err == nil {
			if fields == nil {
				return nil, nil
			}
			fields.Raw = line
			return fields, nil
		}
	}
	fields := parsePlain(trim)
	fields.Raw = line
	return fields, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func parsePlain(line string) *normalize.EventFields {
	ts, rest := extractTimestamp(line)
	kv := map[string]string{}
	for _, match := range reKV.FindAllStringSubmatch(line, -1) {
		kv[strings.ToLower(match[1])] = strings.Trim(match[2], `"`)
	}
	fields := fieldsFromMap(kv)
	if fields.Timestamp == "" {
		fields.Timestamp = ts
	}
	if fields.Timestamp == "" {
		if ts2, _ := extractTimestamp(rest); ts2 != "" {
			fields.Timestamp = ts2
		}
	}
	return fields
}

func fieldsFromMap(m map[string]string) *normalize.EventFields {
	return &normalize.EventFields{
		ID:            firstNonEmpty(m, idKeys...),
		Timestamp:     firstNonEmpty(m, timestampKeys...),
		UserID:        firstNonEmpty(m, userKeys...),
		IPAddress:     firstNonEmpty(m, ipKeys...),
		Action:        firstNonEmpty(m, actionKeys...),
		FileName:      firstNonEmpty(m, fileKeys...),
		DatabaseQuery: firstNonEmpty(m, queryKeys...),
	}
}

func extractTimestamp(line string) (string, string) {
	m := reTimestamp.FindStringSubmatchIndex(line)
	if len(m) >= 4 {
		return strings.TrimSpace(line[m[2]:m[3]]), strings.TrimSpace(line[m[3]:])
	}
	m = reSyslogTS.FindStringSubmatchIndex(line)
	if len(m) >= 4 {
		return strings.TrimSpace(line[m[2]:m[3]]), strings.TrimSpace(line[m[3]:])
	}
	return "", line
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

// CSVParser is stateful: the first header-looking record sets the column
// names for the rest of the stream. Without a header the column order is
// timestamp,userId,ipAddress,action,fileName,databaseQuery.
type CSVParser struct {
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

func (p *CSVParser) Parse(line string) (*normalize.EventFields, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	if looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	header := p.header
	if header == nil {
		header = []string{"timestamp", "userid", "ipaddress", "action", "filename", "databasequery"}
	}
	m := make(map[string]string, len(header))
	for i, name := range header {
		if i >= len(record) {
			break
		}
		v := strings.TrimSpace(record[i])
		if v == "" || v == "NaN" {
			continue
		}
		m[name] = v
	}
	return fieldsFromMap(m), nil
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		v = strings.ToLower(strings.TrimSpace(v))
		switch v {
		case "timestamp", "time", "userid", "user_id", "ipaddress", "ip_address", "action":
			return true
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}
