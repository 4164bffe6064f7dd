package state

import (
	"testing"
	"time"

	"github.com/genricoloni/nowplaying/internal/domain"
)

func track(title string, pos time.Duration, playing bool) domain.PlaybackSnapshot {
	return domain.PlaybackSnapshot{
		Title:    title,
		Artist:   "Queen",
		Album:    "A Night at the Opera",
		Duration: 6 * time.Minute,
		Position: pos,
		Playing:  playing,
	}
}

func TestChangeDetected_Sequences(t *testing.T) {
	empty := domain.PlaybackSnapshot{}

	tests := []struct {
		name     string
		sequence []domain.PlaybackSnapshot
		expected []bool
	}{
		{
			name:     "Empty at start is not a change",
			sequence: []domain.PlaybackSnapshot{empty, empty},
			expected: []bool{false, false},
		},
		{
			name: "Position only updates on same track",
			sequence: []domain.PlaybackSnapshot{
				track("A", 10*time.Second, true),
				track("A", 10200*time.Millisecond, true),
				track("A", 10400*time.Millisecond, true),
			},
			expected: []bool{true, false, false},
		},
		{
			name: "Track change",
			sequence: []domain.PlaybackSnapshot{
				track("A", 0, true),
				track("B", 0, true),
			},
			expected: []bool{true, true},
		},
		{
			name: "Pause and resume",
			sequence: []domain.PlaybackSnapshot{
				track("A", time.Second, true),
				track("A", time.Second, false),
				track("A", time.Second, false),
				track("A", time.Second, true),
			},
			expected: []bool{true, true, false, true},
		},
		{
			name: "Playback stops and restarts",
			sequence: []domain.PlaybackSnapshot{
				track("A", 0, true),
				empty,
				empty,
				track("A", 0, true),
			},
			expected: []bool{true, true, false, true},
		},
		{
			name: "Provider id and title both identify the track",
			sequence: []domain.PlaybackSnapshot{
				{TrackID: "/track/1", Title: "Same", Playing: true},
				{TrackID: "/track/2", Title: "Same", Playing: true},
				{TrackID: "/track/2", Title: "Renamed", Playing: true},
				{TrackID: "/track/2", Title: "Renamed", Playing: true, Position: time.Second},
			},
			expected: []bool{true, true, true, false},
		},
		{
			name: "Stream song changes under one stream id",
			sequence: []domain.PlaybackSnapshot{
				{TrackID: "http://radio.example/stream", Title: "Artist A - Song A", Playing: true,
					ArtworkHandle: "http://radio.example/a.jpg"},
				{TrackID: "http://radio.example/stream", Title: "Artist B - Song B", Playing: true,
					ArtworkHandle: "http://radio.example/b.jpg"},
			},
			expected: []bool{true, true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewModel()
			for i, s := range tt.sequence {
				if got := m.ChangeDetected(s); got != tt.expected[i] {
					t.Errorf("step %d: expected %v, got %v", i, tt.expected[i], got)
				}
			}
		})
	}
}

func TestChangeDetected_HeldSnapshot(t *testing.T) {
	m := NewModel()
	if !m.Current().Empty() {
		t.Fatal("new model should hold the empty snapshot")
	}

	first := track("A", 10*time.Second, true)
	m.ChangeDetected(first)

	// Position deltas do not replace the held snapshot
	m.ChangeDetected(track("A", 20*time.Second, true))
	if got := m.Current().Position; got != 10*time.Second {
		t.Errorf("held snapshot should keep the accepted position, got %s", got)
	}

	second := track("B", 0, true)
	m.ChangeDetected(second)
	if got := m.Current().Title; got != "B" {
		t.Errorf("expected held title B, got %s", got)
	}
}
