package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threatwatch/internal/config"
	"threatwatch/internal/history"
	"threatwatch/internal/model"
	"threatwatch/internal/rules"
	"threatwatch/internal/storage"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const testThreat model.ThreatType = "Test Threat"

type funcRule struct {
	id string
	fn func(rules.Window) ([]rules.Verdict, error)
}

func (r funcRule) ID() string                   { return r.id }
func (r funcRule) Version() int                 { return 1 }
func (r funcRule) ThreatType() model.ThreatType { return testThreat }
func (r funcRule) Evaluate(w rules.Window) ([]rules.Verdict, error) {
	return r.fn(w)
}

func failedLogins(user string, n int, ips ...string) []model.LogEvent {
	out := make([]model.LogEvent, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, model.LogEvent{
			Timestamp: base.Add(time.Duration(i) * 30 * time.Second),
			UserID:    user,
			IPAddress: ips[i%len(ips)],
			Action:    model.ActionLoginFailed,
		})
	}
	return out
}

func stuffingAttack(user string) []model.LogEvent {
	return failedLogins(user, 6, "10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4")
}

type fixture struct {
	cfg      *config.Config
	store    storage.Store
	history  *history.Store
	analyzer *Analyzer
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	store := storage.NewMemory()
	hist := history.NewStore(10)
	a := NewAnalyzer(config.NewStaticManager(cfg), store, Options{History: hist})
	return &fixture{cfg: cfg, store: store, history: hist, analyzer: a}
}

func (f *fixture) ingest(t *testing.T, events ...[]model.LogEvent) {
	t.Helper()
	for _, batch := range events {
		_, err := f.store.AppendLogs(context.Background(), batch)
		require.NoError(t, err)
	}
}

func TestRunAnalysisDetectsCredentialStuffing(t *testing.T) {
	f := newFixture(t, nil)
	f.ingest(t, stuffingAttack("u1"))

	report, err := f.analyzer.RunAnalysis(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.ThreatsDetected)
	assert.Equal(t, model.RunModeFull, report.Mode)
	assert.Equal(t, 6, report.LogsScanned)
	assert.Equal(t, 1, report.Partitions)
	assert.False(t, report.Partial)
	assert.NotEmpty(t, report.Duration)

	threats, err := f.store.ListThreats(context.Background(), model.ThreatFilter{})
	require.NoError(t, err)
	require.Len(t, threats, 1)
	assert.Equal(t, model.ThreatCredentialStuffing, threats[0].ThreatType)
	assert.Equal(t, "u1", threats[0].UserID)
	assert.Equal(t, "credential_stuffing", threats[0].RuleID)
	assert.Len(t, threats[0].EvidenceEventIDs, 6)
}

func TestRunAnalysisBelowThresholdFindsNothing(t *testing.T) {
	f := newFixture(t, nil)
	f.ingest(t, failedLogins("u1", 3, "10.0.0.1", "10.0.0.2", "10.0.0.3"))

	report, err := f.analyzer.RunAnalysis(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.ThreatsDetected)
}

func TestRunAnalysisIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.ingest(t, stuffingAttack("u1"), stuffingAttack("u2"))

	first, err := f.analyzer.RunAnalysis(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, first.ThreatsDetected)

	second, err := f.analyzer.RunAnalysis(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, second.ThreatsDetected)
	assert.Equal(t, 2, second.DuplicatesSkipped)

	// A fresh analyzer has an empty cache and must rely on the store.
	fresh := NewAnalyzer(config.NewStaticManager(f.cfg), f.store, Options{})
	third, err := fresh.RunAnalysis(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, third.ThreatsDetected)

	threats, err := f.store.ListThreats(context.Background(), model.ThreatFilter{})
	require.NoError(t, err)
	assert.Len(t, threats, 2)
	seen := map[string]bool{}
	for _, th := range threats {
		assert.False(t, seen[th.Fingerprint], "duplicate fingerprint %s", th.Fingerprint)
		seen[th.Fingerprint] = true
	}
}

func TestEvidenceExistsInLogStore(t *testing.T) {
	f := newFixture(t, nil)
	f.ingest(t, stuffingAttack("u1"))
	_, err := f.analyzer.RunAnalysis(context.Background(), RunOptions{})
	require.NoError(t, err)

	threats, err := f.store.ListThreats(context.Background(), model.ThreatFilter{})
	require.NoError(t, err)
	for _, th := range threats {
		logs, err := f.store.GetLogs(context.Background(), th.EvidenceEventIDs)
		require.NoError(t, err)
		assert.Len(t, logs, len(th.EvidenceEventIDs))
		last := logs[len(logs)-1]
		assert.True(t, th.Timestamp.Equal(last.Timestamp))
		assert.Equal(t, last.IPAddress, th.IPAddress)
	}
}

func TestPartitionFailureDoesNotBlockOtherUsers(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.analyzer.Register(funcRule{id: "explodes", fn: func(w rules.Window) ([]rules.Verdict, error) {
		if w.UserID == "broken" {
			panic("boom")
		}
		return nil, nil
	}}))
	f.ingest(t, stuffingAttack("broken"), stuffingAttack("u1"))

	report, err := f.analyzer.RunAnalysis(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.FailedPartitions)
	assert.Equal(t, 1, report.ThreatsDetected)

	threats, err := f.store.ListThreats(context.Background(), model.ThreatFilter{})
	require.NoError(t, err)
	require.Len(t, threats, 1)
	assert.Equal(t, "u1", threats[0].UserID)
}

func TestRegisterRejectsDuplicateRule(t *testing.T) {
	f := newFixture(t, nil)
	err := f.analyzer.Register(funcRule{id: "credential_stuffing"})
	assert.True(t, errors.Is(err, rules.ErrDuplicateRule))
	require.NoError(t, f.analyzer.Register(funcRule{id: "custom"}))
	assert.True(t, errors.Is(f.analyzer.Register(funcRule{id: "custom"}), rules.ErrDuplicateRule))
}

func TestConcurrentRunRejected(t *testing.T) {
	f := newFixture(t, nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	require.NoError(t, f.analyzer.Register(funcRule{id: "blocking", fn: func(w rules.Window) ([]rules.Verdict, error) {
		once.Do(func() { close(entered) })
		<-release
		return nil, nil
	}}))
	f.ingest(t, stuffingAttack("u1"))

	type result struct {
		report model.RunReport
		err    error
	}
	done := make(chan result, 1)
	go func() {
		r, err := f.analyzer.RunAnalysis(context.Background(), RunOptions{})
		done <- result{r, err}
	}()
	<-entered
	assert.True(t, f.analyzer.Running())

	_, err := f.analyzer.RunAnalysis(context.Background(), RunOptions{})
	assert.True(t, errors.Is(err, ErrConcurrentRun))

	close(release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.report.ThreatsDetected)

	threats, err := f.store.ListThreats(context.Background(), model.ThreatFilter{})
	require.NoError(t, err)
	assert.Len(t, threats, 1)
	assert.Equal(t, 1, f.history.Len())
	assert.False(t, f.analyzer.Running())
}

func TestTimeoutCommitsPartialResults(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Analysis.Workers = 1
	})
	require.NoError(t, f.analyzer.Register(funcRule{id: "slow", fn: func(w rules.Window) ([]rules.Verdict, error) {
		if w.UserID == "a-slow" {
			time.Sleep(150 * time.Millisecond)
		}
		return nil, nil
	}}))
	f.ingest(t, stuffingAttack("a-slow"), stuffingAttack("b"), stuffingAttack("c"))

	report, err := f.analyzer.RunAnalysis(context.Background(), RunOptions{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, report.Partial)
	assert.Equal(t, 2, report.ThreatsDetected)

	threats, err := f.store.ListThreats(context.Background(), model.ThreatFilter{UserID: "c"})
	require.NoError(t, err)
	assert.Empty(t, threats)
}

func TestIncrementalRunUsesCheckpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.ingest(t, stuffingAttack("u1"))

	first, err := f.analyzer.RunAnalysis(context.Background(), RunOptions{Mode: model.RunModeIncremental})
	require.NoError(t, err)
	assert.Equal(t, 1, first.ThreatsDetected)
	assert.Equal(t, int64(6), first.Checkpoint)

	idle, err := f.analyzer.RunAnalysis(context.Background(), RunOptions{Mode: model.RunModeIncremental})
	require.NoError(t, err)
	assert.Equal(t, 0, idle.LogsScanned)

	f.ingest(t, stuffingAttack("u2"))
	next, err := f.analyzer.RunAnalysis(context.Background(), RunOptions{Mode: model.RunModeIncremental})
	require.NoError(t, err)
	assert.Equal(t, 6, next.LogsScanned)
	assert.Equal(t, 1, next.ThreatsDetected)

	cp, err := f.store.Checkpoint(context.Background(), CheckpointName)
	require.NoError(t, err)
	assert.Equal(t, int64(12), cp)
}

func TestGrowingClusterIsStoredOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.ingest(t, stuffingAttack("u1"))
	ctx := context.Background()

	first, err := f.analyzer.RunAnalysis(ctx, RunOptions{Mode: model.RunModeIncremental})
	require.NoError(t, err)
	assert.Equal(t, 1, first.ThreatsDetected)

	late := model.LogEvent{
		Timestamp: base.Add(6 * 30 * time.Second),
		UserID:    "u1",
		IPAddress: "10.0.0.3",
		Action:    model.ActionLoginFailed,
	}
	f.ingest(t, []model.LogEvent{late})

	second, err := f.analyzer.RunAnalysis(ctx, RunOptions{Mode: model.RunModeIncremental})
	require.NoError(t, err)
	assert.Equal(t, 7, second.LogsScanned)
	assert.Equal(t, 0, second.ThreatsDetected)
	assert.Equal(t, 1, second.DuplicatesSkipped)

	// a fresh analyzer has an empty cache and must rely on the store
	fresh := NewAnalyzer(config.NewStaticManager(f.cfg), f.store, Options{})
	third, err := fresh.RunAnalysis(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, third.ThreatsDetected)

	threats, err := f.store.ListThreats(ctx, model.ThreatFilter{})
	require.NoError(t, err)
	require.Len(t, threats, 1)
	assert.Len(t, threats[0].EvidenceEventIDs, 6)
}

func TestSuppressedUsersAreSkipped(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Detection.Suppress.Users = []string{"svc-backup"}
	})
	f.ingest(t, stuffingAttack("svc-backup"))

	report, err := f.analyzer.RunAnalysis(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 6, report.Suppressed)
	assert.Equal(t, 0, report.ThreatsDetected)
}

type failingThreatStore struct {
	storage.Store
}

func (failingThreatStore) ExistingFingerprints(context.Context, []string) (map[string]bool, error) {
	return nil, fmt.Errorf("existing fingerprints: %w", storage.ErrStoreUnavailable)
}

func TestStoreFailureFailsRun(t *testing.T) {
	cfg := config.DefaultConfig()
	mem := storage.NewMemory()
	_, err := mem.AppendLogs(context.Background(), stuffingAttack("u1"))
	require.NoError(t, err)
	hist := history.NewStore(5)
	a := NewAnalyzer(config.NewStaticManager(cfg), failingThreatStore{mem}, Options{History: hist})

	report, err := a.RunAnalysis(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrStoreUnavailable))
	assert.NotEmpty(t, report.Error)

	cp, err := mem.Checkpoint(context.Background(), CheckpointName)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cp)
	last, ok := hist.Last()
	require.True(t, ok)
	assert.NotEmpty(t, last.Error)
}

func TestFingerprintIgnoresEvidenceOrder(t *testing.T) {
	a := model.LogEvent{ID: "a"}
	b := model.LogEvent{ID: "b"}
	v1 := rules.Verdict{RuleID: "r", RuleVersion: 1, ThreatType: testThreat, Evidence: []model.LogEvent{a, b}}
	v2 := rules.Verdict{RuleID: "r", RuleVersion: 1, ThreatType: testThreat, Evidence: []model.LogEvent{b, a}}
	assert.Equal(t, Fingerprint("u1", v1), Fingerprint("u1", v2))
	assert.NotEqual(t, Fingerprint("u1", v1), Fingerprint("u2", v1))
	v3 := v1
	v3.RuleVersion = 2
	assert.NotEqual(t, Fingerprint("u1", v1), Fingerprint("u1", v3))

	c := model.LogEvent{ID: "c"}
	grown := rules.Verdict{RuleID: "r", RuleVersion: 1, ThreatType: testThreat, Evidence: []model.LogEvent{a, b, c}, Anchor: []string{"b", "a"}}
	assert.Equal(t, Fingerprint("u1", v1), Fingerprint("u1", grown))
}

func TestSchedulerTickRecordsIncrementalRun(t *testing.T) {
	f := newFixture(t, nil)
	f.ingest(t, stuffingAttack("u1"))
	NewScheduler(f.analyzer, config.NewStaticManager(f.cfg), nil).Tick(context.Background())
	last, ok := f.history.Last()
	require.True(t, ok)
	assert.Equal(t, model.RunModeIncremental, last.Mode)
	assert.Equal(t, 1, last.ThreatsDetected)
}
