package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"threatwatch/internal/model"
)

type memoryStore struct {
	mu          sync.RWMutex
	seq         int64
	logs        []model.LogEvent
	logIndex    map[string]int
	threats     []model.Threat
	threatIndex map[string]int
	byPrint     map[string]string
	checkpoints map[string]int64
}

func NewMemory() Store {
	return &memoryStore{
		logIndex:    map[string]int{},
		threatIndex: map[string]int{},
		byPrint:     map[string]string{},
		checkpoints: map[string]int64{},
	}
}

func (m *memoryStore) Init(context.Context) error { return nil }
func (m *memoryStore) Ping(context.Context) error { return nil }
func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) Stats(context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{Logs: int64(len(m.logs)), Threats: int64(len(m.threats))}, nil
}

func (m *memoryStore) AppendLogs(ctx context.Context, events []model.LogEvent) ([]model.LogEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("append logs", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]model.LogEvent, 0, len(events))
	for _, ev := range events {
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if _, ok := m.logIndex[ev.ID]; ok {
			continue
		}
		m.seq++
		ev.Seq = m.seq
		ev.Timestamp = ev.Timestamp.UTC()
		m.logIndex[ev.ID] = len(m.logs)
		m.logs = append(m.logs, ev)
		stored = append(stored, ev)
	}
	return stored, nil
}

func (m *memoryStore) ListLogs(ctx context.Context, filter model.LogFilter) ([]model.LogEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("list logs", err)
	}
	m.mu.RLock()
	out := make([]model.LogEvent, 0)
	for _, ev := range m.logs {
		if filter.Match(ev) {
			out = append(out, ev)
		}
	}
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (m *memoryStore) GetLog(_ context.Context, id string) (model.LogEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.logIndex[id]
	if !ok {
		return model.LogEvent{}, ErrNotFound
	}
	return m.logs[idx], nil
}

func (m *memoryStore) GetLogs(_ context.Context, ids []string) ([]model.LogEvent, error) {
	m.mu.RLock()
	out := make([]model.LogEvent, 0, len(ids))
	for _, id := range ids {
		if idx, ok := m.logIndex[id]; ok {
			out = append(out, m.logs[idx])
		}
	}
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (m *memoryStore) UsersWithLogsAfter(ctx context.Context, after int64) ([]string, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, unavailable("users after", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]struct{}{}
	users := make([]string, 0)
	max := after
	for _, ev := range m.logs {
		if ev.Seq <= after {
			continue
		}
		if ev.Seq > max {
			max = ev.Seq
		}
		if _, ok := seen[ev.UserID]; !ok {
			seen[ev.UserID] = struct{}{}
			users = append(users, ev.UserID)
		}
	}
	sort.Strings(users)
	return users, max, nil
}

func (m *memoryStore) ExistingFingerprints(ctx context.Context, fingerprints []string) (map[string]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("existing fingerprints", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(fingerprints))
	for _, fp := range fingerprints {
		if _, ok := m.byPrint[fp]; ok {
			out[fp] = true
		}
	}
	return out, nil
}

func (m *memoryStore) InsertThreat(ctx context.Context, t model.Threat) (model.Threat, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Threat{}, false, unavailable("insert threat", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byPrint[t.Fingerprint]; ok {
		return m.threats[m.threatIndex[id]], false, nil
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.DetectedAt.IsZero() {
		t.DetectedAt = nowUTC()
	}
	t.Timestamp = t.Timestamp.UTC()
	t.EvidenceEventIDs = append([]string(nil), t.EvidenceEventIDs...)
	m.threatIndex[t.ID] = len(m.threats)
	m.byPrint[t.Fingerprint] = t.ID
	m.threats = append(m.threats, t)
	return t, true, nil
}

func (m *memoryStore) ListThreats(ctx context.Context, filter model.ThreatFilter) ([]model.Threat, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("list threats", err)
	}
	m.mu.RLock()
	out := make([]model.Threat, 0)
	for _, t := range m.threats {
		if filter.Match(t) {
			out = append(out, t)
		}
	}
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memoryStore) GetThreat(_ context.Context, id string) (model.Threat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.threatIndex[id]
	if !ok {
		return model.Threat{}, ErrNotFound
	}
	return m.threats[idx], nil
}

func (m *memoryStore) Checkpoint(_ context.Context, name string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkpoints[name], nil
}

func (m *memoryStore) SetCheckpoint(_ context.Context, name string, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[name] = seq
	return nil
}
