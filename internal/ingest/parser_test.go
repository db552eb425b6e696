package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"threatwatch/internal/model"
)

func TestParsePlainText(t *testing.T) {
	p := NewParser()
	line := `2026-02-23 12:34:56 user=u1 ip=10.0.0.5 action=db_query query="select * from users"`
	fields, err := p.ParseLine(line)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if fields.UserID != "u1" || fields.IPAddress != "10.0.0.5" {
		t.Fatalf("user/ip: %s %s", fields.UserID, fields.IPAddress)
	}
	if fields.Action != "db_query" {
		t.Fatalf("action: %s", fields.Action)
	}
	if fields.DatabaseQuery != "select * from users" {
		t.Fatalf("query: %q", fields.DatabaseQuery)
	}
	if fields.Timestamp != "2026-02-23 12:34:56" {
		t.Fatalf("timestamp: %q", fields.Timestamp)
	}
}

func TestParseCSV(t *testing.T) {
	p := NewParser()
	if fields, _ := p.ParseLine("timestamp,user_id,ip_address,action,file_name,database_query"); fields != nil {
		t.Fatalf("expected header to return nil")
	}
	fields, err := p.ParseLine("1/2/2026 15:04,u7,192.168.1.10,file_access,/secure/payroll.csv,NaN")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if fields.UserID != "u7" || fields.FileName != "/secure/payroll.csv" {
		t.Fatalf("csv parse mismatch: %+v", fields)
	}
	if fields.DatabaseQuery != "" {
		t.Fatalf("NaN must be treated as empty, got %q", fields.DatabaseQuery)
	}
}

func TestParseCSVWithoutHeader(t *testing.T) {
	p := NewParser()
	fields, err := p.ParseLine("2026-02-23T12:34:56Z,u2,10.1.1.1,loginFailed")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if fields.UserID != "u2" || fields.Action != "loginFailed" {
		t.Fatalf("positional csv mismatch: %+v", fields)
	}
}

func TestParseJSON(t *testing.T) {
	p := NewParser()
	line := `{"timestamp":"2026-02-23T12:34:56Z","userId":"u3","ipAddress":"10.0.0.9","action":"fileAccess","fileName":"design.pdf"}`
	fields, err := p.ParseLine(line)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if fields.UserID != "u3" || fields.FileName != "design.pdf" {
		t.Fatalf("json parse mismatch: %+v", fields)
	}
}

type recordingAppender struct {
	mu      sync.Mutex
	batches [][]model.LogEvent
}

func (r *recordingAppender) AppendLogs(_ context.Context, events []model.LogEvent) ([]model.LogEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := append([]model.LogEvent(nil), events...)
	r.batches = append(r.batches, cp)
	return cp, nil
}

func (r *recordingAppender) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b)
	}
	return n
}

func TestSinkFlushesOnSizeAndClose(t *testing.T) {
	store := &recordingAppender{}
	sink := NewSink(store, 2, time.Hour, nil)
	in := make(chan model.LogEvent, 5)
	for i := 0; i < 5; i++ {
		in <- model.LogEvent{UserID: "u1"}
	}
	close(in)
	sink.Run(context.Background(), in)
	if got := store.total(); got != 5 {
		t.Fatalf("stored: got %d want 5", got)
	}
	if len(store.batches) != 3 {
		t.Fatalf("batches: got %d want 3", len(store.batches))
	}
}

func TestDecodeBatchKeepsValidEntries(t *testing.T) {
	body := []byte(`[
		{"timestamp":"2024-03-01T12:00:00Z","userId":"u1","ipAddress":"10.0.0.1","action":"loginFailed"},
		{"timestamp":"2024-03-01T12:00:01Z","userId":"u1","ipAddress":"not-an-ip","action":"loginFailed"},
		{"timestamp":"2024-03-01T12:00:02Z","userId":"u1","ipAddress":"10.0.0.1","action":"file_access","fileName":"payroll.csv"}
	]`)
	batch, err := DecodeBatch(body, time.UTC, time.Now())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(batch.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(batch.Events))
	}
	if len(batch.Errors) != 1 || batch.Errors[0].Index != 1 {
		t.Fatalf("unexpected errors: %+v", batch.Errors)
	}
	if batch.Events[1].Action != model.ActionFileAccess || batch.Events[1].File() != "payroll.csv" {
		t.Fatalf("unexpected event: %+v", batch.Events[1])
	}
}

func TestDecodeBatchRejectsBadJSON(t *testing.T) {
	_, err := DecodeBatch([]byte(`{"userId":`), time.UTC, time.Now())
	var verr *model.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := DecodeBatch([]byte("  "), time.UTC, time.Now()); err == nil {
		t.Fatalf("expected error for empty body")
	}
}
