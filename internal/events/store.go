package events

import (
	"time"

	"authguard/internal/model"
)

const DefaultCapacity = 1000

// Store is a fixed-capacity ring of security events. Recording past capacity
// evicts the oldest event. Access is serialized by the owner.
type Store struct {
	buf   []model.SecurityEvent
	start int
	size  int
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{buf: make([]model.SecurityEvent, capacity)}
}

func (s *Store) Record(ev model.SecurityEvent) {
	idx := (s.start + s.size) % len(s.buf)
	if s.size < len(s.buf) {
		s.buf[idx] = ev
		s.size++
		return
	}
	s.buf[s.start] = ev
	s.start = (s.start + 1) % len(s.buf)
}

// Recent returns up to limit events, newest first. limit <= 0 returns all.
func (s *Store) Recent(limit int) []model.SecurityEvent {
	if limit <= 0 || limit > s.size {
		limit = s.size
	}
	out := make([]model.SecurityEvent, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, s.at(s.size-1-i))
	}
	return out
}

// ByOriginKind returns matching events at or after since, newest first.
func (s *Store) ByOriginKind(origin string, kind model.EventKind, since time.Time) []model.SecurityEvent {
	out := make([]model.SecurityEvent, 0)
	for i := s.size - 1; i >= 0; i-- {
		ev := s.at(i)
		if ev.Timestamp.Before(since) {
			break
		}
		if ev.Origin == origin && ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (s *Store) Len() int {
	return s.size
}

// Restore loads persisted events given newest first, keeping the most recent
// ones when they exceed capacity.
func (s *Store) Restore(newestFirst []model.SecurityEvent) {
	s.Clear()
	n := len(newestFirst)
	if n > len(s.buf) {
		n = len(s.buf)
	}
	for i := n - 1; i >= 0; i-- {
		s.Record(newestFirst[i])
	}
}

func (s *Store) Clear() {
	for i := range s.buf {
		s.buf[i] = model.SecurityEvent{}
	}
	s.start = 0
	s.size = 0
}

func (s *Store) at(i int) model.SecurityEvent {
	return s.buf[(s.start+i)%len(s.buf)]
}
