package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"threatwatch/internal/config"
	"threatwatch/internal/history"
	"threatwatch/internal/metrics"
	"threatwatch/internal/model"
	"threatwatch/internal/notify"
	"threatwatch/internal/rules"
	"threatwatch/internal/storage"
)

var ErrConcurrentRun = errors.New("analysis already running")

// CheckpointName is the checkpoint incremental runs resume from.
const CheckpointName = "analysis"

type RunOptions struct {
	Mode model.RunMode
	// Timeout bounds partition dispatch. Zero uses analysis.timeout.
	Timeout time.Duration
}

type Options struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	History  *history.Store
	Notifier *notify.Multi
}

// Analyzer runs the detection rules over the log store and records new
// threats. Only one run is active at a time.
type Analyzer struct {
	cfg      *config.Manager
	store    storage.Store
	logger   *slog.Logger
	metrics  *metrics.Metrics
	history  *history.Store
	notifier *notify.Multi
	cache    *fingerprintCache
	running  atomic.Bool

	mu    sync.RWMutex
	extra []rules.Rule

	now func() time.Time
}

func NewAnalyzer(cfg *config.Manager, store storage.Store, opts Options) *Analyzer {
	return &Analyzer{
		cfg:      cfg,
		store:    store,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		history:  opts.History,
		notifier: opts.Notifier,
		cache:    newFingerprintCache(cfg.Get().Analysis.FingerprintCache),
		now:      time.Now,
	}
}

// Register adds a rule evaluated after the built-in ones on every run.
func (a *Analyzer) Register(rule rules.Rule) error {
	reg := rules.NewDefaultRegistry(a.cfg.Get().Detection)
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range append(reg.Rules(), a.extra...) {
		if r.ID() == rule.ID() {
			return fmt.Errorf("%w: %s", rules.ErrDuplicateRule, rule.ID())
		}
	}
	model.RegisterThreatType(rule.ThreatType())
	a.extra = append(a.extra, rule)
	return nil
}

func (a *Analyzer) Running() bool {
	return a.running.Load()
}

// evaluator builds the rule set from the current configuration so reloaded
// thresholds apply to the next run.
func (a *Analyzer) evaluator(cfg *config.Config) *rules.Evaluator {
	reg := rules.NewDefaultRegistry(cfg.Detection)
	a.mu.RLock()
	for _, r := range a.extra {
		_ = reg.Register(r)
	}
	a.mu.RUnlock()
	return rules.NewEvaluator(reg, cfg.Detection.ExclusiveGroups)
}

type partitionResult struct {
	userID   string
	verdicts []rules.Verdict
}

type runState struct {
	report   model.RunReport
	inserted []model.Threat
	failed   atomic.Int64
	err      error
}

// RunAnalysis scans the log store, evaluates every user partition and stores
// the verdicts not seen before. A second call while one is active returns
// ErrConcurrentRun. When the timeout expires the verdicts already produced
// are still committed and the report is marked partial.
func (a *Analyzer) RunAnalysis(ctx context.Context, opts RunOptions) (model.RunReport, error) {
	if !a.running.CompareAndSwap(false, true) {
		if a.logger != nil {
			a.logger.Debug("analysis rejected, run in progress")
		}
		return model.RunReport{}, ErrConcurrentRun
	}
	defer a.running.Store(false)

	cfg := a.cfg.Get()
	if opts.Mode == "" {
		opts.Mode = model.RunModeFull
	}
	if opts.Timeout <= 0 {
		opts.Timeout = cfg.Analysis.Timeout
	}
	start := a.now()
	st := &runState{report: model.RunReport{
		ID:        uuid.NewString(),
		Mode:      opts.Mode,
		StartedAt: start.UTC(),
	}}

	runCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	events, checkpoint, err := a.load(runCtx, opts.Mode)
	if err != nil {
		if runCtx.Err() != nil && ctx.Err() == nil {
			st.report.Partial = true
			return a.finish(st, start), nil
		}
		st.err = err
		return a.finish(st, start), err
	}
	st.report.Checkpoint = checkpoint

	events, suppressed := rules.NewSuppressor(cfg.Detection.Suppress).Filter(events)
	st.report.LogsScanned = len(events)
	st.report.Suppressed = suppressed

	windows := partition(events)
	st.report.Partitions = len(windows)

	a.evaluate(ctx, runCtx, cfg, windows, st)

	if st.err == nil && !st.report.Partial && checkpoint > 0 {
		if err := a.store.SetCheckpoint(context.WithoutCancel(ctx), CheckpointName, checkpoint); err != nil {
			st.err = err
		}
	}
	if len(st.inserted) > 0 && a.notifier != nil {
		nctx, ncancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Analysis.CommitTimeout)
		a.notifier.Notify(nctx, st.inserted)
		ncancel()
	}
	return a.finish(st, start), st.err
}

// load returns the events to analyse and the highest sequence number among
// them. Incremental runs reload the full history of every user with new
// events so first-seen baselines hold.
func (a *Analyzer) load(ctx context.Context, mode model.RunMode) ([]model.LogEvent, int64, error) {
	if mode == model.RunModeIncremental {
		after, err := a.store.Checkpoint(ctx, CheckpointName)
		if err != nil {
			return nil, 0, err
		}
		users, maxSeq, err := a.store.UsersWithLogsAfter(ctx, after)
		if err != nil {
			return nil, 0, err
		}
		if len(users) == 0 {
			return nil, after, nil
		}
		events, err := a.store.ListLogs(ctx, model.LogFilter{UserIDs: users})
		if err != nil {
			return nil, 0, err
		}
		return events, maxSeq, nil
	}
	events, err := a.store.ListLogs(ctx, model.LogFilter{})
	if err != nil {
		return nil, 0, err
	}
	var maxSeq int64
	for _, ev := range events {
		if ev.Seq > maxSeq {
			maxSeq = ev.Seq
		}
	}
	return events, maxSeq, nil
}

// partition groups events per user, each window ordered by timestamp then
// sequence. Windows are returned in user order.
func partition(events []model.LogEvent) []rules.Window {
	byUser := make(map[string][]model.LogEvent)
	for _, ev := range events {
		byUser[ev.UserID] = append(byUser[ev.UserID], ev)
	}
	users := make([]string, 0, len(byUser))
	for u := range byUser {
		users = append(users, u)
	}
	sort.Strings(users)
	out := make([]rules.Window, 0, len(users))
	for _, u := range users {
		evs := byUser[u]
		sort.SliceStable(evs, func(i, j int) bool { return evs[i].Before(evs[j]) })
		out = append(out, rules.Window{UserID: u, Events: evs})
	}
	return out
}

// evaluate fans partitions out to the worker pool. Verdicts flow to a single
// committer goroutine, which keeps running under commit_timeout once the run
// deadline has passed.
func (a *Analyzer) evaluate(ctx, runCtx context.Context, cfg *config.Config, windows []rules.Window, st *runState) {
	evaluator := a.evaluator(cfg)

	commitCtx, cancelCommit := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelCommit()
	var commitTimer *time.Timer
	var timerMu sync.Mutex
	stopAfter := context.AfterFunc(runCtx, func() {
		timerMu.Lock()
		commitTimer = time.AfterFunc(cfg.Analysis.CommitTimeout, cancelCommit)
		timerMu.Unlock()
	})
	defer func() {
		stopAfter()
		timerMu.Lock()
		if commitTimer != nil {
			commitTimer.Stop()
		}
		timerMu.Unlock()
	}()

	// dispatchCtx stops dispatch on timeout or when the committer fails.
	dispatchCtx, stopDispatch := context.WithCancel(runCtx)
	defer stopDispatch()

	results := make(chan partitionResult, cfg.Analysis.Workers)
	committed := make(chan struct{})
	go func() {
		defer close(committed)
		a.commit(commitCtx, results, st, stopDispatch)
	}()

	g := new(errgroup.Group)
	g.SetLimit(cfg.Analysis.Workers)
	dispatched := 0
	for _, w := range windows {
		if dispatchCtx.Err() != nil {
			break
		}
		dispatched++
		w := w
		g.Go(func() error {
			verdicts, err := evaluator.Evaluate(w)
			if err != nil {
				st.failed.Add(1)
				if a.logger != nil {
					a.logger.Warn("partition skipped", "user_id", w.UserID, "err", err)
				}
				return nil
			}
			if len(verdicts) > 0 {
				results <- partitionResult{userID: w.UserID, verdicts: verdicts}
			}
			return nil
		})
	}
	_ = g.Wait()
	close(results)
	<-committed

	st.report.FailedPartitions = int(st.failed.Load())
	if dispatched < len(windows) && st.err == nil {
		st.report.Partial = true
	}
}

// commit turns verdicts into threats and writes the unseen ones. It is the
// only writer of the threat store during a run.
func (a *Analyzer) commit(ctx context.Context, results <-chan partitionResult, st *runState, abort func()) {
	seen := make(map[string]struct{})
	for res := range results {
		if st.err != nil {
			continue
		}
		st.report.Verdicts += len(res.verdicts)
		var pending []model.Threat
		for _, v := range res.verdicts {
			fp := Fingerprint(res.userID, v)
			if _, dup := seen[fp]; dup || a.cache.Seen(fp) {
				st.report.DuplicatesSkipped++
				continue
			}
			seen[fp] = struct{}{}
			pending = append(pending, threatFromVerdict(res.userID, fp, v, a.now().UTC()))
		}
		if len(pending) == 0 {
			continue
		}
		fps := make([]string, 0, len(pending))
		for _, t := range pending {
			fps = append(fps, t.Fingerprint)
		}
		existing, err := a.store.ExistingFingerprints(ctx, fps)
		if err != nil {
			st.err = err
			abort()
			continue
		}
		for _, t := range pending {
			if existing[t.Fingerprint] {
				a.cache.Add(t.Fingerprint)
				st.report.DuplicatesSkipped++
				continue
			}
			stored, inserted, err := a.store.InsertThreat(ctx, t)
			if err != nil {
				st.err = err
				abort()
				break
			}
			a.cache.Add(t.Fingerprint)
			if !inserted {
				st.report.DuplicatesSkipped++
				continue
			}
			st.inserted = append(st.inserted, stored)
			if a.logger != nil {
				a.logger.Info("threat detected",
					"user_id", stored.UserID,
					"rule", stored.RuleID,
					"threat_type", stored.ThreatType,
					"severity", stored.Severity,
				)
			}
		}
	}
}

func threatFromVerdict(userID, fp string, v rules.Verdict, detectedAt time.Time) model.Threat {
	trigger := v.Trigger
	return model.Threat{
		Timestamp:        trigger.Timestamp,
		UserID:           userID,
		IPAddress:        trigger.IPAddress,
		Action:           trigger.Action,
		FileName:         trigger.FileName,
		ThreatType:       v.ThreatType,
		Severity:         v.Severity,
		Fingerprint:      fp,
		RuleID:           v.RuleID,
		RuleVersion:      v.RuleVersion,
		EvidenceEventIDs: v.EvidenceIDs(),
		DetectedAt:       detectedAt,
	}
}

func (a *Analyzer) finish(st *runState, start time.Time) model.RunReport {
	elapsed := a.now().Sub(start)
	st.report.FinishedAt = start.Add(elapsed).UTC()
	st.report.Duration = elapsed.String()
	st.report.ThreatsDetected = len(st.inserted)
	outcome := "ok"
	switch {
	case st.err != nil:
		outcome = "error"
		st.report.Error = st.err.Error()
	case st.report.Partial:
		outcome = "partial"
	}

	a.metrics.ObserveRun(string(st.report.Mode), outcome, elapsed)
	a.metrics.IncFailedPartitions(st.report.FailedPartitions)
	a.metrics.IncDuplicates(st.report.DuplicatesSkipped)
	for _, t := range st.inserted {
		a.metrics.IncThreat(string(t.ThreatType), string(t.Severity))
	}
	if a.history != nil {
		a.history.Add(st.report)
	}
	if a.logger != nil {
		attrs := []any{
			"run_id", st.report.ID,
			"mode", st.report.Mode,
			"logs", st.report.LogsScanned,
			"partitions", st.report.Partitions,
			"failed_partitions", st.report.FailedPartitions,
			"threats", st.report.ThreatsDetected,
			"duplicates", st.report.DuplicatesSkipped,
			"partial", st.report.Partial,
			"duration", st.report.Duration,
		}
		if st.err != nil {
			a.logger.Error("analysis failed", append(attrs, "err", st.err)...)
		} else {
			a.logger.Info("analysis finished", attrs...)
		}
	}
	return st.report
}
