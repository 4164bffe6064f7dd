package state

import (
	"sync/atomic"

	"github.com/genricoloni/nowplaying/internal/domain"
)

// Model holds the last snapshot accepted as a meaningful change.
// It has a single writer (the poll loop) and any number of readers.
type Model struct {
	held atomic.Pointer[domain.PlaybackSnapshot]
}

// NewModel creates a model holding the empty snapshot
func NewModel() *Model {
	m := &Model{}
	empty := domain.PlaybackSnapshot{}
	m.held.Store(&empty)
	return m
}

// ChangeDetected reports whether next differs meaningfully from the held
// snapshot: another track, a play/pause flip, or an empty/non-empty flip.
// Position-only differences are not changes. On change, next replaces the
// held snapshot.
func (m *Model) ChangeDetected(next domain.PlaybackSnapshot) bool {
	prev := m.held.Load()
	if !Differs(*prev, next) {
		return false
	}
	m.held.Store(&next)
	return true
}

// Current returns the held snapshot
func (m *Model) Current() domain.PlaybackSnapshot {
	return *m.held.Load()
}

// Differs is the change predicate used by ChangeDetected
func Differs(prev, next domain.PlaybackSnapshot) bool {
	if prev.Empty() != next.Empty() {
		return true
	}
	if next.Empty() {
		return false
	}
	return prev.Identity() != next.Identity() || prev.Playing != next.Playing
}
