package rules

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"threatwatch/internal/config"
	"threatwatch/internal/model"
)

var ErrDuplicateRule = errors.New("rule already registered")

// Registry is the ordered set of active rules. Order decides ties between
// exclusive rules.
type Registry struct {
	mu    sync.RWMutex
	rules []Rule
}

func NewRegistry() *Registry {
	return &Registry{}
}

// NewDefaultRegistry registers the built-in rules enabled in cfg.
func NewDefaultRegistry(cfg config.DetectionConfig) *Registry {
	patterns := NewPatterns(cfg)
	reg := NewRegistry()
	if cfg.CredentialStuffing.Enabled {
		_ = reg.Register(NewCredentialStuffing(cfg.CredentialStuffing))
	}
	if cfg.PrivilegeEscalation.Enabled {
		_ = reg.Register(NewPrivilegeEscalation(cfg.PrivilegeEscalation, patterns))
	}
	if cfg.AccountTakeover.Enabled {
		_ = reg.Register(NewAccountTakeover(cfg.AccountTakeover, patterns))
	}
	if cfg.DataExfiltration.Enabled {
		_ = reg.Register(NewDataExfiltration(cfg.DataExfiltration, patterns))
	}
	if cfg.InsiderThreat.Enabled {
		_ = reg.Register(NewInsiderThreat(cfg.InsiderThreat, cfg, patterns))
	}
	return reg
}

func (r *Registry) Register(rule Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.rules {
		if existing.ID() == rule.ID() {
			return fmt.Errorf("%w: %s", ErrDuplicateRule, rule.ID())
		}
	}
	model.RegisterThreatType(rule.ThreatType())
	r.rules = append(r.rules, rule)
	return nil
}

func (r *Registry) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Rule(nil), r.rules...)
}

type Evaluator struct {
	rules  []Rule
	order  map[string]int
	groups map[string]int
}

// NewEvaluator snapshots the registry. Rules named together in one
// exclusive group compete when their verdicts share evidence.
func NewEvaluator(reg *Registry, exclusiveGroups [][]string) *Evaluator {
	e := &Evaluator{rules: reg.Rules(), order: map[string]int{}, groups: map[string]int{}}
	for i, rule := range e.rules {
		e.order[rule.ID()] = i
	}
	for g, group := range exclusiveGroups {
		for _, id := range group {
			e.groups[id] = g
		}
	}
	return e
}

func (e *Evaluator) Rules() []Rule {
	return e.rules
}

// Evaluate runs every rule over w. Any malformed event, rule error or rule
// panic fails the whole window.
func (e *Evaluator) Evaluate(w Window) ([]Verdict, error) {
	if len(w.Events) == 0 {
		return nil, nil
	}
	for _, ev := range w.Events {
		if err := ev.Validate(); err != nil {
			return nil, &EvaluationError{UserID: w.UserID, Err: fmt.Errorf("event %s: %w", ev.ID, err)}
		}
	}
	var verdicts []Verdict
	for _, rule := range e.rules {
		vs, err := safeEvaluate(rule, w)
		if err != nil {
			return nil, &EvaluationError{RuleID: rule.ID(), UserID: w.UserID, Err: err}
		}
		verdicts = append(verdicts, vs...)
	}
	return e.resolveExclusive(verdicts), nil
}

func safeEvaluate(rule Rule, w Window) (vs []Verdict, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			vs = nil
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return rule.Evaluate(w)
}

// resolveExclusive drops, inside each exclusive group, verdicts that share
// evidence with a higher-severity verdict (ties go to registry order).
func (e *Evaluator) resolveExclusive(verdicts []Verdict) []Verdict {
	if len(e.groups) == 0 || len(verdicts) < 2 {
		return verdicts
	}
	idx := make([]int, len(verdicts))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		va, vb := verdicts[idx[a]], verdicts[idx[b]]
		if va.Severity.Rank() != vb.Severity.Rank() {
			return va.Severity.Rank() > vb.Severity.Rank()
		}
		return e.order[va.RuleID] < e.order[vb.RuleID]
	})
	dropped := make([]bool, len(verdicts))
	var accepted []int
	for _, i := range idx {
		g, grouped := e.groups[verdicts[i].RuleID]
		if grouped {
			for _, k := range accepted {
				gk, ok := e.groups[verdicts[k].RuleID]
				if ok && gk == g && verdicts[k].RuleID != verdicts[i].RuleID && sharesEvidence(verdicts[i], verdicts[k]) {
					dropped[i] = true
					break
				}
			}
		}
		if !dropped[i] {
			accepted = append(accepted, i)
		}
	}
	out := make([]Verdict, 0, len(verdicts))
	for i, v := range verdicts {
		if !dropped[i] {
			out = append(out, v)
		}
	}
	return out
}

func sharesEvidence(a, b Verdict) bool {
	ids := make(map[string]struct{}, len(a.Evidence))
	for _, ev := range a.Evidence {
		ids[ev.ID] = struct{}{}
	}
	for _, ev := range b.Evidence {
		if _, ok := ids[ev.ID]; ok {
			return true
		}
	}
	return false
}
