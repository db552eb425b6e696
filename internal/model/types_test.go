package model

import (
	"errors"
	"testing"
	"time"
)

func strPtr(s string) *string { return &s }

func TestValidateTaggedVariants(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		name  string
		ev    LogEvent
		field string
	}{
		{"login ok", LogEvent{Timestamp: ts, UserID: "u1", IPAddress: "10.0.0.1", Action: ActionLoginSuccess}, ""},
		{"file ok", LogEvent{Timestamp: ts, UserID: "u1", IPAddress: "10.0.0.1", Action: ActionFileAccess, FileName: strPtr("/secure/payroll.csv")}, ""},
		{"query ok", LogEvent{Timestamp: ts, UserID: "u1", IPAddress: "::1", Action: ActionDatabaseQuery, DatabaseQuery: strPtr("select 1")}, ""},
		{"missing user", LogEvent{Timestamp: ts, IPAddress: "10.0.0.1", Action: ActionLoginFailed}, "userId"},
		{"bad ip", LogEvent{Timestamp: ts, UserID: "u1", IPAddress: "999.1.1.1", Action: ActionLoginFailed}, "ipAddress"},
		{"file without name", LogEvent{Timestamp: ts, UserID: "u1", IPAddress: "10.0.0.1", Action: ActionFileAccess}, "fileName"},
		{"query without sql", LogEvent{Timestamp: ts, UserID: "u1", IPAddress: "10.0.0.1", Action: ActionDatabaseQuery}, "databaseQuery"},
		{"login with file", LogEvent{Timestamp: ts, UserID: "u1", IPAddress: "10.0.0.1", Action: ActionLoginSuccess, FileName: strPtr("x")}, "fileName"},
		{"file with query", LogEvent{Timestamp: ts, UserID: "u1", IPAddress: "10.0.0.1", Action: ActionFileAccess, FileName: strPtr("x"), DatabaseQuery: strPtr("y")}, "databaseQuery"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.ev.Validate()
			if tc.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("field: got %s want %s", verr.Field, tc.field)
			}
		})
	}
}

func TestSeverityOrder(t *testing.T) {
	if !SeverityLow.Less(SeverityMedium) || !SeverityHigh.Less(SeverityCritical) {
		t.Fatalf("severity order broken")
	}
	if SeverityCritical.Less(SeverityHigh) {
		t.Fatalf("critical must outrank high")
	}
}

func TestParseThreatType(t *testing.T) {
	if tt, ok := ParseThreatType("credential stuffing"); !ok || tt != ThreatCredentialStuffing {
		t.Fatalf("case-insensitive parse failed: %q %v", tt, ok)
	}
	if _, ok := ParseThreatType("Alien Invasion"); ok {
		t.Fatalf("unknown type must not parse")
	}
}

func TestEventOrderingTieBreak(t *testing.T) {
	ts := time.Now()
	a := LogEvent{Timestamp: ts, Seq: 1}
	b := LogEvent{Timestamp: ts, Seq: 2}
	if !a.Before(b) || b.Before(a) {
		t.Fatalf("seq must break timestamp ties")
	}
}
