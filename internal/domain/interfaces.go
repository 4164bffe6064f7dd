package domain

import (
	"context"
	"time"
)

// Probe queries the platform media-control facility for the current playback state.
// Implementations normalise backend-specific responses into a PlaybackSnapshot.
//
//go:generate mockgen -destination=mocks/domain_mock.go -package=mocks github.com/genricoloni/nowplaying/internal/domain Probe,ArtworkFetcher
type Probe interface {
	// Start connects to the backend. It returns an error wrapping
	// ErrProbeUnsupported when the backend cannot exist on this system.
	Start(ctx context.Context) error

	// Stop releases the backend connection
	Stop(ctx context.Context) error

	// Poll returns the current snapshot, or the empty snapshot when nothing is playing.
	// It must honour ctx cancellation. Transient failures wrap ErrProbeTransient.
	Poll(ctx context.Context) (PlaybackSnapshot, error)

	// Name identifies the backend in logs
	Name() string
}

// ArtworkFetcher retrieves raw artwork bytes for a handle produced by a Probe
type ArtworkFetcher interface {
	// Fetch returns the image bytes, or an error wrapping ErrArtworkAbsent
	// when the track has no artwork
	Fetch(ctx context.Context, handle string) ([]byte, error)
}

// ImageProcessor defines the interface for in-memory image processing
// This is OS-agnostic and works purely with byte streams
type ImageProcessor interface {
	// Process transforms image data (e.g., resize, re-encode)
	// Returns the processed image bytes or an error
	Process(ctx context.Context, imageData []byte) ([]byte, error)
}

// HookRunner executes the user-configured command on track changes
type HookRunner interface {
	// Run starts the hook for the given snapshot. It must not block the caller
	// for longer than it takes to spawn the command.
	Run(ctx context.Context, s PlaybackSnapshot, artworkRef string)
}

// ArtworkResolver maps track identities to artwork refs without blocking the poll loop
type ArtworkResolver interface {
	// ResolveAsync starts or joins the resolution and waits at most wait for it
	ResolveAsync(id TrackIdentity, handle string, wait time.Duration) (ref string, ready bool)

	// Peek returns the ref if the resolution has finished
	Peek(id TrackIdentity) (ref string, ready bool)
}
