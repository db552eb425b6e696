package history

import (
	"testing"
	"time"

	"threatwatch/internal/model"
)

func report(id string, started time.Time) model.RunReport {
	return model.RunReport{ID: id, Mode: model.RunModeFull, StartedAt: started}
}

func TestStoreEvictsOldest(t *testing.T) {
	s := NewStore(2)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Add(report("a", base))
	s.Add(report("b", base.Add(time.Minute)))
	s.Add(report("c", base.Add(2*time.Minute)))
	if s.Len() != 2 {
		t.Fatalf("expected 2 reports, got %d", s.Len())
	}
	got := s.List(time.Time{}, 0)
	if got[0].ID != "c" || got[1].ID != "b" {
		t.Fatalf("unexpected order: %v, %v", got[0].ID, got[1].ID)
	}
	last, ok := s.Last()
	if !ok || last.ID != "c" {
		t.Fatalf("expected last report c, got %+v", last)
	}
}

func TestStoreListLimitAndSince(t *testing.T) {
	s := NewStore(10)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		s.Add(report(id, base.Add(time.Duration(i)*time.Hour)))
	}
	if got := s.List(time.Time{}, 1); len(got) != 1 || got[0].ID != "c" {
		t.Fatalf("unexpected limited list: %+v", got)
	}
	got := s.List(base.Add(time.Hour), 0)
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Fatalf("expected c, b since the second hour, got %+v", got)
	}
	if got := s.List(base.Add(time.Hour), 1); len(got) != 1 || got[0].ID != "c" {
		t.Fatalf("unexpected since+limit list: %+v", got)
	}
	if got := s.List(base.Add(3*time.Hour), 0); len(got) != 0 {
		t.Fatalf("expected nothing after the last run, got %+v", got)
	}
}
