//go:build linux
// +build linux

package monitor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/genricoloni/nowplaying/internal/domain"
	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

// TestParseMetadata_DataVariations tests valid parsing variations (Artist types, Status strings, etc.)
func TestParseMetadata_DataVariations(t *testing.T) {
	tests := []struct {
		name     string
		metadata map[string]dbus.Variant
		status   string
		check    func(*testing.T, domain.PlaybackSnapshot)
	}{
		{
			name: "Full Metadata",
			metadata: map[string]dbus.Variant{
				"mpris:trackid": dbus.MakeVariant(dbus.ObjectPath("/org/mpris/MediaPlayer2/Track/42")),
				"xesam:title":   dbus.MakeVariant("Bohemian Rhapsody"),
				"xesam:artist":  dbus.MakeVariant([]string{"Queen"}),
				"xesam:album":   dbus.MakeVariant("A Night at the Opera"),
				"mpris:length":  dbus.MakeVariant(int64(354_000_000)),
				"mpris:artUrl":  dbus.MakeVariant("https://example.com/cover.jpg"),
			},
			status: "Playing",
			check: func(t *testing.T, s domain.PlaybackSnapshot) {
				if s.Title != "Bohemian Rhapsody" || s.Artist != "Queen" || s.Album != "A Night at the Opera" {
					t.Errorf("unexpected metadata: %+v", s)
				}
				if s.TrackID != "/org/mpris/MediaPlayer2/Track/42" {
					t.Errorf("unexpected track id %q", s.TrackID)
				}
				if s.Duration != 354*time.Second {
					t.Errorf("expected 354s duration, got %s", s.Duration)
				}
				if !s.Playing {
					t.Error("expected Playing")
				}
				if s.ArtworkHandle != "https://example.com/cover.jpg" {
					t.Errorf("unexpected artwork handle %q", s.ArtworkHandle)
				}
			},
		},
		{
			name: "Artist as String (Non-compliant)",
			metadata: map[string]dbus.Variant{
				"xesam:title":  dbus.MakeVariant("Song"),
				"xesam:artist": dbus.MakeVariant("Single Artist"),
			},
			status: "Playing",
			check: func(t *testing.T, s domain.PlaybackSnapshot) {
				if s.Artist != "Single Artist" {
					t.Errorf("Expected 'Single Artist', got '%s'", s.Artist)
				}
			},
		},
		{
			name: "Multiple Artists",
			metadata: map[string]dbus.Variant{
				"xesam:title":  dbus.MakeVariant("Under Pressure"),
				"xesam:artist": dbus.MakeVariant([]string{"Queen", "David Bowie"}),
			},
			status: "Playing",
			check: func(t *testing.T, s domain.PlaybackSnapshot) {
				if s.Artist != "Queen, David Bowie" {
					t.Errorf("unexpected artist %q", s.Artist)
				}
			},
		},
		{
			name: "Empty Art URL",
			metadata: map[string]dbus.Variant{
				"mpris:artUrl": dbus.MakeVariant(""),
				"xesam:title":  dbus.MakeVariant("Song"),
			},
			status: "Playing",
			check: func(t *testing.T, s domain.PlaybackSnapshot) {
				if s.ArtworkHandle != "" {
					t.Errorf("Expected empty handle, got '%s'", s.ArtworkHandle)
				}
			},
		},
		{
			name: "Length as uint64",
			metadata: map[string]dbus.Variant{
				"xesam:title":  dbus.MakeVariant("Song"),
				"mpris:length": dbus.MakeVariant(uint64(1_000_000)),
			},
			status: "Paused",
			check: func(t *testing.T, s domain.PlaybackSnapshot) {
				if s.Duration != time.Second {
					t.Errorf("expected 1s, got %s", s.Duration)
				}
				if s.Playing {
					t.Error("expected paused")
				}
			},
		},
		{
			name: "NoTrack id is ignored",
			metadata: map[string]dbus.Variant{
				"mpris:trackid": dbus.MakeVariant(dbus.ObjectPath(noTrackObjectID)),
			},
			status: "Playing",
			check: func(t *testing.T, s domain.PlaybackSnapshot) {
				if !s.Empty() {
					t.Errorf("expected empty snapshot, got %+v", s)
				}
			},
		},
		{
			name: "Status Stopped",
			metadata: map[string]dbus.Variant{
				"xesam:title": dbus.MakeVariant("Song"),
			},
			status: "Stopped",
			check: func(t *testing.T, s domain.PlaybackSnapshot) {
				if !s.Empty() {
					t.Errorf("stopped player should yield empty snapshot, got %+v", s)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			probe := NewMprisProbe(zap.NewNop())
			tt.check(t, probe.parseMetadata(tt.metadata, tt.status))
		})
	}
}

// TestHandleNameOwnerChanged verifies player lifecycle tracking
func TestHandleNameOwnerChanged(t *testing.T) {
	tests := []struct {
		name         string
		preexisting  map[string]string
		signalBody   []interface{}
		expectMapped bool
		expectedName string
		targetUnique string
	}{
		{
			name: "New Player Appears",
			signalBody: []interface{}{
				"org.mpris.MediaPlayer2.spotify", // Name
				"",                               // Old Owner (Empty = New)
				":1.50",                          // New Owner
			},
			expectMapped: true,
			expectedName: "org.mpris.MediaPlayer2.spotify",
			targetUnique: ":1.50",
		},
		{
			name:        "Player Disappears",
			preexisting: map[string]string{":1.50": "org.mpris.MediaPlayer2.spotify"},
			signalBody: []interface{}{
				"org.mpris.MediaPlayer2.spotify",
				":1.50", // Old Owner
				"",      // New Owner (Empty = Deleted)
			},
			expectMapped: false,
			targetUnique: ":1.50",
		},
		{
			name:        "Ownership Transfer",
			preexisting: map[string]string{":1.50": "org.mpris.MediaPlayer2.vlc"},
			signalBody: []interface{}{
				"org.mpris.MediaPlayer2.vlc",
				":1.50",
				":1.51",
			},
			expectMapped: true,
			expectedName: "org.mpris.MediaPlayer2.vlc",
			targetUnique: ":1.51",
		},
		{
			name: "Non-MPRIS Service Ignored",
			signalBody: []interface{}{
				"com.example.service",
				"",
				":1.99",
			},
			expectMapped: false,
			targetUnique: ":1.99",
		},
		{
			name:         "Short Body Ignored",
			signalBody:   []interface{}{"org.mpris.MediaPlayer2.spotify"},
			expectMapped: false,
			targetUnique: ":1.50",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			probe := NewMprisProbe(zap.NewNop())
			for k, v := range tt.preexisting {
				probe.playerNames[k] = v
			}

			probe.handleNameOwnerChanged(&dbus.Signal{
				Name: "org.freedesktop.DBus.NameOwnerChanged",
				Body: tt.signalBody,
			})

			probe.mu.RLock()
			val, exists := probe.playerNames[tt.targetUnique]
			probe.mu.RUnlock()

			if tt.expectMapped {
				if !exists {
					t.Fatal("Expected player to be mapped, but it wasn't")
				}
				if val != tt.expectedName {
					t.Errorf("Expected name %s, got %s", tt.expectedName, val)
				}
			} else if exists {
				t.Errorf("Expected %s to be unmapped, found %s", tt.targetUnique, val)
			}
		})
	}
}

func TestKnownPlayers_SortedAndDeduplicated(t *testing.T) {
	probe := NewMprisProbe(zap.NewNop())
	probe.playerNames = map[string]string{
		":1.3": "org.mpris.MediaPlayer2.vlc",
		":1.1": "org.mpris.MediaPlayer2.spotify",
		":1.2": "org.mpris.MediaPlayer2.vlc",
	}

	got := probe.knownPlayers()
	want := []string{"org.mpris.MediaPlayer2.spotify", "org.mpris.MediaPlayer2.vlc"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestStart_SessionBusUnavailable(t *testing.T) {
	probe := NewMprisProbe(zap.NewNop())
	probe.dial = func() (DBusClient, error) {
		return nil, fmt.Errorf("no DBUS_SESSION_BUS_ADDRESS")
	}

	err := probe.Start(context.Background())
	if !errors.Is(err, domain.ErrProbeUnsupported) {
		t.Fatalf("expected ErrProbeUnsupported, got %v", err)
	}

	// Poll before a successful start is a transient failure
	if _, err := probe.Poll(context.Background()); !errors.Is(err, domain.ErrProbeTransient) {
		t.Errorf("expected ErrProbeTransient, got %v", err)
	}
}
