package monitor

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fhs/gompd/v2/mpd"
	"github.com/genricoloni/nowplaying/internal/domain"
	"go.uber.org/zap"
)

// MPDHandlePrefix marks artwork handles served by the MPD picture commands
const MPDHandlePrefix = "mpd:"

// mpdClient is the subset of *mpd.Client used by the probe
type mpdClient interface {
	Status() (mpd.Attrs, error)
	CurrentSong() (mpd.Attrs, error)
	ReadPicture(uri string) ([]byte, error)
	AlbumArt(uri string) ([]byte, error)
	Close() error
}

type mpdDialer func(network, addr, password string) (mpdClient, error)

func dialMPD(network, addr, password string) (mpdClient, error) {
	c, err := mpd.DialAuthenticated(network, addr, password)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// MPDProbe reads playback state from a Music Player Daemon
type MPDProbe struct {
	logger   *zap.Logger
	address  string
	password string
	dial     mpdDialer

	// mu serialises access to client; Poll gives up instead of queueing behind it
	mu      sync.Mutex
	client  mpdClient
	stopped bool
}

// NewMPDProbe creates a probe for the MPD server at address.
// An address starting with "/" is treated as a unix socket.
func NewMPDProbe(logger *zap.Logger, address, password string) *MPDProbe {
	return &MPDProbe{
		logger:   logger,
		address:  address,
		password: password,
		dial:     dialMPD,
	}
}

// Name identifies the backend
func (p *MPDProbe) Name() string {
	return "mpd"
}

func (p *MPDProbe) network() string {
	if strings.HasPrefix(p.address, "/") {
		return "unix"
	}
	return "tcp"
}

// Start opens the first connection. An unreachable server is not fatal:
// the connection is redialled on every poll until it succeeds.
func (p *MPDProbe) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopped = false
	if p.client != nil {
		return nil
	}

	client, err := p.dial(p.network(), p.address, p.password)
	if err != nil {
		p.logger.Warn("MPD not reachable yet, will retry on poll",
			zap.String("address", p.address),
			zap.Error(err))
		return nil
	}
	p.client = client
	p.logger.Info("Connected to MPD", zap.String("address", p.address))
	return nil
}

// Stop closes the connection
func (p *MPDProbe) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopped = true
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}

type pollResult struct {
	snap domain.PlaybackSnapshot
	err  error
}

// Poll queries status and the current song. The query runs off the caller's
// goroutine so that ctx bounds the wait even though gompd calls do not take one.
func (p *MPDProbe) Poll(ctx context.Context) (domain.PlaybackSnapshot, error) {
	if !p.mu.TryLock() {
		return domain.PlaybackSnapshot{}, fmt.Errorf("%w: previous mpd query still running", domain.ErrProbeTransient)
	}

	done := make(chan pollResult, 1)
	go func() {
		snap, err := p.query(time.Now())
		p.mu.Unlock()
		done <- pollResult{snap: snap, err: err}
	}()

	select {
	case r := <-done:
		return r.snap, r.err
	case <-ctx.Done():
		return domain.PlaybackSnapshot{}, fmt.Errorf("%w: %v", domain.ErrProbeTransient, ctx.Err())
	}
}

// query must be called with mu held
func (p *MPDProbe) query(now time.Time) (domain.PlaybackSnapshot, error) {
	if p.stopped {
		return domain.PlaybackSnapshot{}, fmt.Errorf("%w: probe stopped", domain.ErrProbeTransient)
	}

	if p.client == nil {
		client, err := p.dial(p.network(), p.address, p.password)
		if err != nil {
			return domain.PlaybackSnapshot{}, fmt.Errorf("%w: dial mpd: %v", domain.ErrProbeTransient, err)
		}
		p.client = client
		p.logger.Info("Reconnected to MPD", zap.String("address", p.address))
	}

	status, err := p.client.Status()
	if err != nil {
		p.dropClient()
		return domain.PlaybackSnapshot{}, fmt.Errorf("%w: mpd status: %v", domain.ErrProbeTransient, err)
	}

	state := status["state"]
	if state != "play" && state != "pause" {
		return domain.EmptySnapshot(now), nil
	}

	song, err := p.client.CurrentSong()
	if err != nil {
		p.dropClient()
		return domain.PlaybackSnapshot{}, fmt.Errorf("%w: mpd currentsong: %v", domain.ErrProbeTransient, err)
	}

	return parseMPDState(status, song, now), nil
}

func (p *MPDProbe) dropClient() {
	if p.client != nil {
		_ = p.client.Close()
		p.client = nil
	}
}

// parseMPDState converts status and currentsong attributes into a snapshot
func parseMPDState(status, song mpd.Attrs, now time.Time) domain.PlaybackSnapshot {
	file := song["file"]
	if file == "" {
		return domain.EmptySnapshot(now)
	}

	snap := domain.PlaybackSnapshot{
		TrackID:       file,
		Title:         song["Title"],
		Artist:        song["Artist"],
		Album:         song["Album"],
		Playing:       status["state"] == "play",
		ArtworkHandle: MPDHandlePrefix + file,
		Player:        "mpd",
		CapturedAt:    now,
	}
	if snap.Title == "" {
		snap.Title = strings.TrimSuffix(path.Base(file), path.Ext(file))
	}

	elapsed, total := parseSeconds(status["elapsed"]), parseSeconds(status["duration"])
	// Older servers only report "time" as "elapsed:total"
	if t := status["time"]; t != "" && (elapsed == 0 || total == 0) {
		if e, d, ok := strings.Cut(t, ":"); ok {
			if elapsed == 0 {
				elapsed = parseSeconds(e)
			}
			if total == 0 {
				total = parseSeconds(d)
			}
		}
	}
	if total == 0 {
		total = parseSeconds(song["duration"])
	}
	if total == 0 {
		total = parseSeconds(song["Time"])
	}

	snap.Position = elapsed
	snap.Duration = total
	return snap
}

func parseSeconds(s string) time.Duration {
	if s == "" {
		return 0
	}
	seconds, err := strconv.ParseFloat(s, 64)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// Fetch reads the picture for an "mpd:<file>" handle over a dedicated
// connection, so artwork transfers never hold up polling.
func (p *MPDProbe) Fetch(ctx context.Context, handle string) ([]byte, error) {
	file := strings.TrimPrefix(handle, MPDHandlePrefix)
	if file == "" {
		return nil, domain.ErrArtworkAbsent
	}

	type fetchResult struct {
		data []byte
		err  error
	}
	done := make(chan fetchResult, 1)

	go func() {
		client, err := p.dial(p.network(), p.address, p.password)
		if err != nil {
			done <- fetchResult{err: fmt.Errorf("%w: dial mpd: %v", domain.ErrArtworkFetch, err)}
			return
		}
		defer client.Close()

		// Embedded picture first, then the cover file next to the track
		data, err := client.ReadPicture(file)
		if err != nil || len(data) == 0 {
			data, err = client.AlbumArt(file)
			if err != nil || len(data) == 0 {
				done <- fetchResult{err: fmt.Errorf("%w: %s", domain.ErrArtworkAbsent, file)}
				return
			}
		}
		done <- fetchResult{data: data}
	}()

	select {
	case r := <-done:
		if r.err == nil {
			p.logger.Debug("MPD picture fetched", zap.String("file", file), zap.Int("bytes", len(r.data)))
		}
		return r.data, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", domain.ErrArtworkFetch, ctx.Err())
	}
}
