package model

import (
	"strings"
	"sync"
	"time"
)

type Action string

const (
	ActionLoginSuccess    Action = "loginSuccess"
	ActionLoginFailed     Action = "loginFailed"
	ActionFileAccess      Action = "fileAccess"
	ActionDatabaseQuery   Action = "databaseQuery"
	ActionPrivilegeChange Action = "privilegeChange"
	ActionNetworkRequest  Action = "networkRequest"
)

var knownActions = map[Action]struct{}{
	ActionLoginSuccess:    {},
	ActionLoginFailed:     {},
	ActionFileAccess:      {},
	ActionDatabaseQuery:   {},
	ActionPrivilegeChange: {},
	ActionNetworkRequest:  {},
}

func (a Action) Known() bool {
	_, ok := knownActions[a]
	return ok
}

type ThreatType string

const (
	ThreatCredentialStuffing  ThreatType = "Credential Stuffing"
	ThreatPrivilegeEscalation ThreatType = "Privilege Escalation"
	ThreatAccountTakeover     ThreatType = "Account Takeover"
	ThreatDataExfiltration    ThreatType = "Data Exfiltration"
	ThreatInsiderThreat       ThreatType = "Insider Threat"
)

var (
	threatTypesMu sync.RWMutex
	threatTypes   = []ThreatType{
		ThreatCredentialStuffing,
		ThreatPrivilegeEscalation,
		ThreatAccountTakeover,
		ThreatDataExfiltration,
		ThreatInsiderThreat,
	}
)

// RegisterThreatType makes an additional threat type searchable. Rules that
// introduce new types call it from their constructor.
func RegisterThreatType(t ThreatType) {
	if _, ok := ParseThreatType(string(t)); ok {
		return
	}
	threatTypesMu.Lock()
	threatTypes = append(threatTypes, t)
	threatTypesMu.Unlock()
}

// ParseThreatType matches a threat type case-insensitively.
func ParseThreatType(s string) (ThreatType, bool) {
	s = strings.TrimSpace(s)
	threatTypesMu.RLock()
	defer threatTypesMu.RUnlock()
	for _, t := range threatTypes {
		if strings.EqualFold(string(t), s) {
			return t, true
		}
	}
	return "", false
}

type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

func (s Severity) Less(other Severity) bool {
	return s.Rank() < other.Rank()
}

func ParseSeverity(s string) (Severity, bool) {
	for _, sev := range []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
		if strings.EqualFold(string(sev), strings.TrimSpace(s)) {
			return sev, true
		}
	}
	return "", false
}

type LogEvent struct {
	ID            string    `json:"id,omitempty"`
	Seq           int64     `json:"-"`
	Timestamp     time.Time `json:"timestamp"`
	UserID        string    `json:"userId"`
	IPAddress     string    `json:"ipAddress"`
	Action        Action    `json:"action"`
	FileName      *string   `json:"fileName,omitempty"`
	DatabaseQuery *string   `json:"databaseQuery,omitempty"`
}

func (e LogEvent) File() string {
	if e.FileName == nil {
		return ""
	}
	return *e.FileName
}

func (e LogEvent) Query() string {
	if e.DatabaseQuery == nil {
		return ""
	}
	return *e.DatabaseQuery
}

// Before orders events by stated timestamp, then ingestion sequence.
func (e LogEvent) Before(other LogEvent) bool {
	if !e.Timestamp.Equal(other.Timestamp) {
		return e.Timestamp.Before(other.Timestamp)
	}
	if e.Seq != other.Seq {
		return e.Seq < other.Seq
	}
	return e.ID < other.ID
}

type Threat struct {
	ID         string     `json:"id,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	UserID     string     `json:"userId"`
	IPAddress  string     `json:"ipAddress"`
	Action     Action     `json:"action"`
	FileName   *string    `json:"fileName,omitempty"`
	ThreatType ThreatType `json:"threatType"`
	Severity   Severity   `json:"severity"`

	Fingerprint      string    `json:"-"`
	RuleID           string    `json:"-"`
	RuleVersion      int       `json:"-"`
	EvidenceEventIDs []string  `json:"-"`
	DetectedAt       time.Time `json:"-"`
}

type AnalysisResult struct {
	ThreatsDetected int    `json:"threatsDetected"`
	Duration        string `json:"duration"`
}

type LogFilter struct {
	UserID  string
	Action  Action
	Start   time.Time
	End     time.Time
	UserIDs []string
}

func (f LogFilter) Match(ev LogEvent) bool {
	if f.UserID != "" && ev.UserID != f.UserID {
		return false
	}
	if f.Action != "" && ev.Action != f.Action {
		return false
	}
	if !f.Start.IsZero() && ev.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && ev.Timestamp.After(f.End) {
		return false
	}
	if len(f.UserIDs) > 0 {
		found := false
		for _, u := range f.UserIDs {
			if u == ev.UserID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

type ThreatFilter struct {
	ThreatType ThreatType
	UserID     string
	Severity   Severity
}

func (f ThreatFilter) Match(t Threat) bool {
	if f.ThreatType != "" && t.ThreatType != f.ThreatType {
		return false
	}
	if f.UserID != "" && t.UserID != f.UserID {
		return false
	}
	if f.Severity != "" && t.Severity != f.Severity {
		return false
	}
	return true
}

type RunMode string

const (
	RunModeFull        RunMode = "full"
	RunModeIncremental RunMode = "incremental"
)

func ParseRunMode(s string) (RunMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(RunModeFull):
		return RunModeFull, true
	case string(RunModeIncremental):
		return RunModeIncremental, true
	}
	return "", false
}

// RunReport describes one analysis run. AnalysisResult is its public subset.
type RunReport struct {
	ID                string    `json:"id"`
	Mode              RunMode   `json:"mode"`
	StartedAt         time.Time `json:"startedAt"`
	FinishedAt        time.Time `json:"finishedAt"`
	Duration          string    `json:"duration"`
	LogsScanned       int       `json:"logsScanned"`
	Suppressed        int       `json:"suppressed"`
	Partitions        int       `json:"partitions"`
	FailedPartitions  int       `json:"failedPartitions"`
	Verdicts          int       `json:"verdicts"`
	DuplicatesSkipped int       `json:"duplicatesSkipped"`
	ThreatsDetected   int       `json:"threatsDetected"`
	Partial           bool      `json:"partial"`
	Checkpoint        int64     `json:"checkpoint"`
	Error             string    `json:"error,omitempty"`
}

func (r RunReport) Result() AnalysisResult {
	return AnalysisResult{ThreatsDetected: r.ThreatsDetected, Duration: r.Duration}
}
