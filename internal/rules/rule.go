// Package rules holds the detection rules and the evaluator that runs them
// over one user's ordered events.
package rules

import (
	"fmt"

	"threatwatch/internal/model"
)

// Window is one user's events ordered by timestamp then ingestion sequence.
type Window struct {
	UserID string
	Events []model.LogEvent
}

type Verdict struct {
	RuleID      string
	RuleVersion int
	ThreatType  model.ThreatType
	Severity    model.Severity
	Evidence    []model.LogEvent
	// Trigger is the evidentiary event that completed the pattern.
	Trigger model.LogEvent
	// Anchor holds the ids of the events that first satisfied the rule.
	// Evidence may keep growing as later events join a cluster; the anchor
	// does not.
	Anchor []string
}

func (v Verdict) EvidenceIDs() []string {
	ids := make([]string, 0, len(v.Evidence))
	for _, ev := range v.Evidence {
		ids = append(ids, ev.ID)
	}
	return ids
}

// AnchorIDs returns the anchor, or the whole evidence when the rule set none.
func (v Verdict) AnchorIDs() []string {
	if len(v.Anchor) == 0 {
		return v.EvidenceIDs()
	}
	return append([]string(nil), v.Anchor...)
}

type Rule interface {
	ID() string
	Version() int
	ThreatType() model.ThreatType
	Evaluate(w Window) ([]Verdict, error)
}

type EvaluationError struct {
	RuleID string
	UserID string
	Err    error
}

func (e *EvaluationError) Error() string {
	if e.RuleID == "" {
		return fmt.Sprintf("evaluate user %s: %v", e.UserID, e.Err)
	}
	return fmt.Sprintf("rule %s on user %s: %v", e.RuleID, e.UserID, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

type ruleInfo struct {
	id         string
	version    int
	threatType model.ThreatType
}

func (r ruleInfo) ID() string                   { return r.id }
func (r ruleInfo) Version() int                 { return r.version }
func (r ruleInfo) ThreatType() model.ThreatType { return r.threatType }

// anchoredVerdict is verdict for rules whose evidence extends past the point
// where the threshold was met.
func (r ruleInfo) anchoredVerdict(sev model.Severity, anchor, evidence []model.LogEvent) Verdict {
	v := r.verdict(sev, evidence)
	v.Anchor = make([]string, 0, len(anchor))
	for _, ev := range anchor {
		v.Anchor = append(v.Anchor, ev.ID)
	}
	return v
}

func (r ruleInfo) verdict(sev model.Severity, evidence []model.LogEvent) Verdict {
	ev := append([]model.LogEvent(nil), evidence...)
	return Verdict{
		RuleID:      r.id,
		RuleVersion: r.version,
		ThreatType:  r.threatType,
		Severity:    sev,
		Evidence:    ev,
		Trigger:     ev[len(ev)-1],
	}
}
