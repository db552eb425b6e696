package rules

import (
	"time"

	"threatwatch/internal/config"
	"threatwatch/internal/model"
)

type CredentialStuffing struct {
	ruleInfo
	cfg config.CredentialStuffingConfig
}

func NewCredentialStuffing(cfg config.CredentialStuffingConfig) *CredentialStuffing {
	return &CredentialStuffing{
		ruleInfo: ruleInfo{id: "credential_stuffing", version: 1, threatType: model.ThreatCredentialStuffing},
		cfg:      cfg,
	}
}

// Evaluate finds clusters of failed logins from several addresses. A
// cluster spans at most one window from its first failure and is reported
// once; scanning resumes after it. The failures that met the threshold are
// the anchor, so later failures joining the cluster keep its identity.
func (r *CredentialStuffing) Evaluate(w Window) ([]Verdict, error) {
	var out []Verdict
	sw := newSlidingWindow(r.cfg.Window)
	events := w.Events
	for i := 0; i < len(events); i++ {
		ev := events[i]
		if ev.Action != model.ActionLoginFailed {
			continue
		}
		sw.Push(ev, ev.IPAddress)
		if sw.Len() < r.cfg.MinFailures || sw.Distinct() < r.cfg.MinDistinctIPs {
			continue
		}
		anchor := sw.Events()
		cluster := sw.Events()
		first := sw.First()
		j := i + 1
		for ; j < len(events); j++ {
			next := events[j]
			if !within(first, next, r.cfg.Window) {
				break
			}
			if next.Action == model.ActionLoginFailed {
				cluster = append(cluster, next)
			}
		}
		last := cluster[len(cluster)-1]
		sev := model.SeverityHigh
		if r.cfg.CriticalFailures > 0 && len(cluster) >= r.cfg.CriticalFailures {
			sev = model.SeverityCritical
		}
		evidence := cluster
		if success, ok := successAfter(events, last, r.cfg.Window); ok {
			sev = model.SeverityCritical
			evidence = append(evidence, success)
		}
		out = append(out, r.anchoredVerdict(sev, anchor, evidence))
		sw.Reset()
		i = j - 1
	}
	return out, nil
}

func successAfter(events []model.LogEvent, last model.LogEvent, d time.Duration) (model.LogEvent, bool) {
	for _, ev := range events {
		if !last.Before(ev) {
			continue
		}
		if !within(last, ev, d) {
			return model.LogEvent{}, false
		}
		if ev.Action == model.ActionLoginSuccess {
			return ev, true
		}
	}
	return model.LogEvent{}, false
}
