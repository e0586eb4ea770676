package engine

import (
	"sort"
	"time"
)

type AttemptEntry struct {
	Timestamp time.Time
	Origin    string
	DeviceID  string
}

// WindowState holds time-ordered attempts and evicts from the head. It backs
// both the 60-minute attempt log and the per-origin detection windows.
type WindowState struct {
	duration time.Duration
	events   []AttemptEntry
	head     int
}

func NewWindowState(duration time.Duration) *WindowState {
	return &WindowState{
		duration: duration,
		events:   make([]AttemptEntry, 0, 16),
	}
}

func (w *WindowState) Add(ev AttemptEntry) {
	w.events = append(w.events, ev)
}

// Evict drops entries older than cutoff. The backing slice is compacted once
// at least half of it is dead.
func (w *WindowState) Evict(cutoff time.Time) {
	for w.head < len(w.events) {
		if !w.events[w.head].Timestamp.Before(cutoff) {
			break
		}
		w.events[w.head] = AttemptEntry{}
		w.head++
	}
	if w.head > 0 && w.head*2 >= len(w.events) {
		w.events = append([]AttemptEntry{}, w.events[w.head:]...)
		w.head = 0
	}
}

// Observe evicts everything outside the window ending at now.
func (w *WindowState) Observe(now time.Time) {
	w.Evict(now.Add(-w.duration))
}

func (w *WindowState) Count() int {
	return len(w.events) - w.head
}

// CountSince counts live entries at or after ts.
func (w *WindowState) CountSince(ts time.Time) int {
	live := w.events[w.head:]
	idx := sort.Search(len(live), func(i int) bool {
		return !live[i].Timestamp.Before(ts)
	})
	return len(live) - idx
}

func (w *WindowState) SetDuration(d time.Duration) {
	if d > 0 {
		w.duration = d
	}
}

func (w *WindowState) Empty() bool {
	return w.Count() == 0
}
