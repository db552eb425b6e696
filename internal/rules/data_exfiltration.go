package rules

import (
	"strings"

	"threatwatch/internal/config"
	"threatwatch/internal/model"
)

type DataExfiltration struct {
	ruleInfo
	cfg      config.DataExfiltrationConfig
	patterns *Patterns
}

func NewDataExfiltration(cfg config.DataExfiltrationConfig, patterns *Patterns) *DataExfiltration {
	return &DataExfiltration{
		ruleInfo: ruleInfo{id: "data_exfiltration", version: 1, threatType: model.ThreatDataExfiltration},
		cfg:      cfg,
		patterns: patterns,
	}
}

func (r *DataExfiltration) Evaluate(w Window) ([]Verdict, error) {
	out := r.fileBursts(w.Events)
	for _, ev := range w.Events {
		if ev.Action != model.ActionDatabaseQuery || !r.patterns.IsBulkExport(ev.Query()) {
			continue
		}
		sev := model.SeverityHigh
		if r.patterns.TouchesSensitiveTable(ev.Query()) {
			sev = model.SeverityCritical
		}
		out = append(out, r.verdict(sev, []model.LogEvent{ev}))
	}
	return out, nil
}

// fileBursts reports windows in which one user touched many distinct files.
// A burst spans at most one window from its first access.
func (r *DataExfiltration) fileBursts(events []model.LogEvent) []Verdict {
	var out []Verdict
	sw := newSlidingWindow(r.cfg.Window)
	counted := func(ev model.LogEvent) bool {
		if ev.Action != model.ActionFileAccess {
			return false
		}
		return !r.cfg.RestrictedOnly || r.patterns.IsRestrictedFile(ev.File())
	}
	for i := 0; i < len(events); i++ {
		ev := events[i]
		if !counted(ev) {
			continue
		}
		sw.Push(ev, fileKey(ev))
		if sw.Distinct() < r.cfg.MinDistinctFiles {
			continue
		}
		anchor := sw.Events()
		burst := sw.Events()
		distinct := map[string]struct{}{}
		for _, b := range burst {
			distinct[fileKey(b)] = struct{}{}
		}
		first := sw.First()
		j := i + 1
		for ; j < len(events); j++ {
			next := events[j]
			if !within(first, next, r.cfg.Window) {
				break
			}
			if counted(next) {
				burst = append(burst, next)
				distinct[fileKey(next)] = struct{}{}
			}
		}
		sev := model.SeverityHigh
		if r.cfg.CriticalDistinctFiles > 0 && len(distinct) >= r.cfg.CriticalDistinctFiles {
			sev = model.SeverityCritical
		}
		out = append(out, r.anchoredVerdict(sev, anchor, burst))
		sw.Reset()
		i = j - 1
	}
	return out
}

func fileKey(ev model.LogEvent) string {
	return strings.ToLower(ev.File())
}
