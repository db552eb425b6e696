package rules

import (
	"time"

	"threatwatch/internal/config"
	"threatwatch/internal/model"
)

type InsiderThreat struct {
	ruleInfo
	cfg      config.InsiderThreatConfig
	patterns *Patterns
	offHours hourRange
	internal networkSet
}

func NewInsiderThreat(cfg config.InsiderThreatConfig, detection config.DetectionConfig, patterns *Patterns) *InsiderThreat {
	loc, err := time.LoadLocation(detection.Timezone)
	if err != nil || detection.Timezone == "" {
		loc = time.UTC
	}
	return &InsiderThreat{
		ruleInfo: ruleInfo{id: "insider_threat", version: 1, threatType: model.ThreatInsiderThreat},
		cfg:      cfg,
		patterns: patterns,
		offHours: hourRange{start: cfg.OffHoursStart, end: cfg.OffHoursEnd, loc: loc},
		internal: newNetworkSet(detection.InternalNetworks),
	}
}

// Evaluate looks only at the user's first-ever sensitive access. It is a
// finding when it happens off hours, from an internal address, after the
// user has logged in. Further off-hours sensitive accesses inside the
// window join the evidence.
func (r *InsiderThreat) Evaluate(w Window) ([]Verdict, error) {
	loggedIn := false
	for i, ev := range w.Events {
		if ev.Action == model.ActionLoginSuccess {
			loggedIn = true
			continue
		}
		if !r.patterns.IsSensitiveAccess(ev) {
			continue
		}
		if !loggedIn || !r.offHours.contains(ev.Timestamp) || !r.internal.contains(ev.IPAddress) {
			return nil, nil
		}
		evidence := []model.LogEvent{ev}
		for _, next := range w.Events[i+1:] {
			if !within(ev, next, r.cfg.Window) {
				break
			}
			if r.patterns.IsSensitiveAccess(next) && r.offHours.contains(next.Timestamp) {
				evidence = append(evidence, next)
			}
		}
		sev := model.SeverityMedium
		if r.cfg.EscalateCount > 0 && len(evidence) >= r.cfg.EscalateCount {
			sev = model.SeverityHigh
		}
		return []Verdict{r.anchoredVerdict(sev, evidence[:1], evidence)}, nil
	}
	return nil, nil
}
