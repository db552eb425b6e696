package rules

import (
	"time"

	"threatwatch/internal/model"
)

// slidingWindow keeps the events of the last duration and counts distinct
// keys among them.
type slidingWindow struct {
	duration  time.Duration
	events    []model.LogEvent
	keys      []string
	head      int
	keyCounts map[string]int
}

func newSlidingWindow(duration time.Duration) *slidingWindow {
	return &slidingWindow{
		duration:  duration,
		events:    make([]model.LogEvent, 0, 16),
		keys:      make([]string, 0, 16),
		keyCounts: make(map[string]int),
	}
}

// Push evicts everything older than ev.Timestamp minus the duration, then
// adds ev under key.
func (w *slidingWindow) Push(ev model.LogEvent, key string) {
	w.evict(ev.Timestamp.Add(-w.duration))
	w.events = append(w.events, ev)
	w.keys = append(w.keys, key)
	w.keyCounts[key]++
}

func (w *slidingWindow) evict(cutoff time.Time) {
	for w.head < len(w.events) {
		if !w.events[w.head].Timestamp.Before(cutoff) {
			break
		}
		key := w.keys[w.head]
		if count := w.keyCounts[key]; count <= 1 {
			delete(w.keyCounts, key)
		} else {
			w.keyCounts[key] = count - 1
		}
		w.head++
	}
	if w.head > 0 && w.head*2 >= len(w.events) {
		w.events = append([]model.LogEvent{}, w.events[w.head:]...)
		w.keys = append([]string{}, w.keys[w.head:]...)
		w.head = 0
	}
}

func (w *slidingWindow) Len() int {
	return len(w.events) - w.head
}

func (w *slidingWindow) Distinct() int {
	return len(w.keyCounts)
}

func (w *slidingWindow) First() model.LogEvent {
	return w.events[w.head]
}

func (w *slidingWindow) Events() []model.LogEvent {
	return append([]model.LogEvent(nil), w.events[w.head:]...)
}

func (w *slidingWindow) Reset() {
	w.events = w.events[:0]
	w.keys = w.keys[:0]
	w.head = 0
	w.keyCounts = make(map[string]int)
}

// within reports whether later happened no more than d after earlier.
func within(earlier, later model.LogEvent, d time.Duration) bool {
	delta := later.Timestamp.Sub(earlier.Timestamp)
	return delta >= 0 && delta <= d
}
