package history

import (
	"sync"
	"time"

	"threatwatch/internal/model"
)

// Store keeps the most recent run reports, oldest first.
type Store struct {
	mu    sync.RWMutex
	buf   []model.RunReport
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 100
	}
	return &Store{limit: limit}
}

func (s *Store) Add(report model.RunReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, report)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = report
}

// List returns up to limit reports started at or after since, newest first.
// A zero since or a non-positive limit does not filter.
func (s *Store) List(since time.Time, limit int) []model.RunReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.RunReport, 0)
	for i := len(s.buf) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		r := s.buf[i]
		if !since.IsZero() && r.StartedAt.Before(since) {
			break
		}
		out = append(out, r)
	}
	return out
}

func (s *Store) Last() (model.RunReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.buf) == 0 {
		return model.RunReport{}, false
	}
	return s.buf[len(s.buf)-1], true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}
