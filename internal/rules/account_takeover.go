package rules

import (
	"threatwatch/internal/config"
	"threatwatch/internal/model"
)

type AccountTakeover struct {
	ruleInfo
	cfg      config.AccountTakeoverConfig
	patterns *Patterns
}

func NewAccountTakeover(cfg config.AccountTakeoverConfig, patterns *Patterns) *AccountTakeover {
	return &AccountTakeover{
		ruleInfo: ruleInfo{id: "account_takeover", version: 1, threatType: model.ThreatAccountTakeover},
		cfg:      cfg,
		patterns: patterns,
	}
}

func (r *AccountTakeover) Evaluate(w Window) ([]Verdict, error) {
	return anchoredScan(w, r.cfg.Window, r.patterns.IsSensitiveAccess, func(anchor, hit model.LogEvent) Verdict {
		return r.verdict(model.SeverityCritical, []model.LogEvent{anchor, hit})
	}), nil
}
