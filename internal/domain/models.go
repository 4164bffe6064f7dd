package domain

import (
	"strings"
	"time"
)

// MessageType distinguishes the broadcast kinds sent to display clients
type MessageType string

const (
	// MessageUpdate is a full update: the track, play state or empty state changed
	MessageUpdate MessageType = "update"
	// MessageTick is a position refresh for the same track
	MessageTick MessageType = "tick"
	// MessageEmpty signals that nothing is playing (or the backend is unavailable)
	MessageEmpty MessageType = "empty"
)

// TrackIdentity decides whether two snapshots describe the same track
type TrackIdentity string

// identitySep separates the metadata fields of a derived identity
const identitySep = "\x1f"

// PlaybackSnapshot is a point-in-time description of what is currently playing.
// The zero value is the empty snapshot (nothing playing).
type PlaybackSnapshot struct {
	// TrackID is a stable id supplied by the backend, if any
	TrackID string
	// Title of the currently playing track
	Title string
	// Artist name
	Artist string
	// Album name
	Album string
	// Duration of the track
	Duration time.Duration
	// Position within the track
	Position time.Duration
	// Playing is false when paused
	Playing bool
	// ArtworkHandle is an opaque handle understood by the artwork fetcher
	ArtworkHandle string
	// Player names the source player (informational only)
	Player string
	// CapturedAt is when the probe produced this snapshot
	CapturedAt time.Time
}

// EmptySnapshot returns the sentinel snapshot for "nothing playing"
func EmptySnapshot(at time.Time) PlaybackSnapshot {
	return PlaybackSnapshot{CapturedAt: at}
}

// Empty reports whether the snapshot describes no track at all
func (s PlaybackSnapshot) Empty() bool {
	return s.TrackID == "" && s.Title == "" && s.Artist == "" && s.Album == ""
}

// Identity derives the track identity. A backend-supplied id is combined with
// title and artist, since streams keep one id (the stream URL) while the
// song changes. Without an id the title/artist/album tuple is used. Distinct
// tracks sharing identical metadata collide; that is a known limitation.
func (s PlaybackSnapshot) Identity() TrackIdentity {
	if s.Empty() {
		return ""
	}
	if s.TrackID != "" {
		return TrackIdentity(strings.Join([]string{"id", s.TrackID, s.Title, s.Artist}, identitySep))
	}
	return TrackIdentity(strings.Join([]string{"meta", s.Title, s.Artist, s.Album}, identitySep))
}

// Message is the wire shape pushed to display clients
type Message struct {
	Type       MessageType `json:"type"`
	Title      string      `json:"title"`
	Artist     string      `json:"artist"`
	Album      string      `json:"album"`
	DurationMs int64       `json:"durationMs"`
	PositionMs int64       `json:"positionMs"`
	IsPlaying  bool        `json:"isPlaying"`
	ArtworkRef *string     `json:"artworkRef"`
	Timestamp  int64       `json:"ts"`
	Seq        uint64      `json:"seq"`
}

// NewMessage builds a wire message of the given type from a snapshot.
// An empty ref is encoded as null ("no artwork available").
func NewMessage(t MessageType, s PlaybackSnapshot, ref string) Message {
	msg := Message{
		Type:      t,
		Timestamp: s.CapturedAt.UnixMilli(),
	}
	if t == MessageEmpty || s.Empty() {
		msg.Type = MessageEmpty
		return msg
	}
	msg.Title = s.Title
	msg.Artist = s.Artist
	msg.Album = s.Album
	msg.DurationMs = s.Duration.Milliseconds()
	msg.PositionMs = s.Position.Milliseconds()
	msg.IsPlaying = s.Playing
	if ref != "" {
		msg.ArtworkRef = &ref
	}
	return msg
}

// Ref returns the artwork reference carried by the message, or "" for none
func (m Message) Ref() string {
	if m.ArtworkRef == nil {
		return ""
	}
	return *m.ArtworkRef
}

// AsUpdate returns a copy of the message suitable for replaying full state
// to a joining client.
func (m Message) AsUpdate() Message {
	if m.Type == MessageTick {
		m.Type = MessageUpdate
	}
	return m
}

// Artwork is a cached, normalised image
type Artwork struct {
	// Ref is the content hash token clients use to request the bytes
	Ref string
	// Data holds the image bytes; nil when the track has no artwork
	Data []byte
	// ContentType is the MIME type of Data
	ContentType string
	// FetchedAt is when the artwork was resolved
	FetchedAt time.Time
}

// Absent reports whether this entry marks "no artwork available"
func (a Artwork) Absent() bool {
	return a.Ref == ""
}

// ScreenResolution holds the display dimensions
type ScreenResolution struct {
	Width  int
	Height int
}
