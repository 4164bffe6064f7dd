package domain

import "errors"

var (
	// ErrProbeTransient means the backend is momentarily unreachable; retried next tick
	ErrProbeTransient = errors.New("playback probe temporarily unavailable")

	// ErrProbeUnsupported means no compatible backend exists on this system
	ErrProbeUnsupported = errors.New("no supported playback backend")

	// ErrArtworkFetch wraps failures retrieving artwork for one identity
	ErrArtworkFetch = errors.New("artwork fetch failed")

	// ErrArtworkAbsent means the track provides no artwork
	ErrArtworkAbsent = errors.New("no artwork available")

	// ErrClientSendTimeout means a display client did not accept a message in time
	ErrClientSendTimeout = errors.New("client send timed out")

	// ErrPortBind means a listener could not be opened on its configured port
	ErrPortBind = errors.New("cannot bind port")
)
