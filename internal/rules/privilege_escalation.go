package rules

import (
	"time"

	"threatwatch/internal/config"
	"threatwatch/internal/model"
)

type PrivilegeEscalation struct {
	ruleInfo
	cfg      config.PrivilegeEscalationConfig
	patterns *Patterns
}

func NewPrivilegeEscalation(cfg config.PrivilegeEscalationConfig, patterns *Patterns) *PrivilegeEscalation {
	return &PrivilegeEscalation{
		ruleInfo: ruleInfo{id: "privilege_escalation", version: 1, threatType: model.ThreatPrivilegeEscalation},
		cfg:      cfg,
		patterns: patterns,
	}
}

func (r *PrivilegeEscalation) isEscalation(ev model.LogEvent) bool {
	switch ev.Action {
	case model.ActionPrivilegeChange:
		return true
	case model.ActionDatabaseQuery:
		return r.patterns.IsPrivilegeQuery(ev.Query())
	}
	return false
}

// Evaluate reports the first privileged operation following a login from a
// new address, once per such login.
func (r *PrivilegeEscalation) Evaluate(w Window) ([]Verdict, error) {
	return anchoredScan(w, r.cfg.Window, r.isEscalation, func(anchor, hit model.LogEvent) Verdict {
		return r.verdict(model.SeverityHigh, []model.LogEvent{anchor, hit})
	}), nil
}

// anchoredScan pairs each successful login from a previously unseen address
// with the first later event matching hit inside d.
func anchoredScan(w Window, d time.Duration, hit func(model.LogEvent) bool, emit func(anchor, hit model.LogEvent) Verdict) []Verdict {
	var out []Verdict
	history := newIPHistory()
	var anchor *model.LogEvent
	for i := range w.Events {
		ev := w.Events[i]
		isNew := history.observe(ev)
		if anchor != nil && !within(*anchor, ev, d) {
			anchor = nil
		}
		if ev.Action == model.ActionLoginSuccess {
			if isNew {
				anchor = &w.Events[i]
			}
			continue
		}
		if anchor != nil && hit(ev) {
			out = append(out, emit(*anchor, ev))
			anchor = nil
		}
	}
	return out
}
