//go:build linux
// +build linux

package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/genricoloni/nowplaying/internal/domain"
	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

const (
	mprisPrefix     = "org.mpris.MediaPlayer2."
	mprisPath       = "/org/mpris/MediaPlayer2"
	propMetadata    = "org.mpris.MediaPlayer2.Player.Metadata"
	propStatus      = "org.mpris.MediaPlayer2.Player.PlaybackStatus"
	propPosition    = "org.mpris.MediaPlayer2.Player.Position"
	noTrackObjectID = "/org/mpris/MediaPlayer2/TrackList/NoTrack"
)

// MprisProbe reads playback state from MPRIS players on the D-Bus session bus.
// Players are tracked through NameOwnerChanged signals; each Poll queries the
// tracked players and picks the one that is playing (or, failing that, paused).
type MprisProbe struct {
	logger      *zap.Logger
	mu          sync.RWMutex
	running     bool
	cancel      context.CancelFunc
	conn        DBusClient        // Interface for testability
	dial        func() (DBusClient, error)
	wg          sync.WaitGroup    // Tracks the signal goroutine
	playerNames map[string]string // Maps unique bus names (:1.45) to well-known names (org.mpris.MediaPlayer2.spotify)
}

// NewMprisProbe creates a new MPRIS probe instance
func NewMprisProbe(logger *zap.Logger) *MprisProbe {
	return &MprisProbe{
		logger: logger,
		dial: func() (DBusClient, error) {
			return NewStdDBusClient()
		},
		playerNames: make(map[string]string),
	}
}

// Name identifies the backend
func (m *MprisProbe) Name() string {
	return "mpris"
}

// Start connects to the session bus and begins tracking players.
// It returns immediately; tracking continues until Stop.
func (m *MprisProbe) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	conn, err := m.dial()
	if err != nil {
		return fmt.Errorf("%w: session bus connection failed: %v", domain.ErrProbeUnsupported, err)
	}

	// Tracking outlives the start context
	monitorCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	m.mu.Lock()
	m.conn = conn
	m.cancel = cancel
	m.running = true
	m.mu.Unlock()

	if err := m.detectExistingPlayers(); err != nil {
		m.logger.Warn("Failed to detect existing players", zap.Error(err))
	}

	// Add match rule for NameOwnerChanged to track new/removed players dynamically
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		// Non-fatal: Poll rescans the bus when no player is known
		m.logger.Warn("Failed to add NameOwnerChanged match signal", zap.Error(err))
	} else {
		m.logger.Info("Dynamic player tracking enabled via NameOwnerChanged")
	}

	signals := make(chan *dbus.Signal, 10)
	conn.Signal(signals)

	m.wg.Add(1)
	go m.monitorSignals(monitorCtx, signals)

	m.logger.Info("MPRIS probe started")
	return nil
}

// Stop gracefully stops player tracking and closes the bus connection
func (m *MprisProbe) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			m.logger.Warn("Failed to close D-Bus connection", zap.Error(err))
		}
		m.conn = nil
	}

	m.logger.Info("MPRIS probe shutdown complete")
	return nil
}

// Poll returns the snapshot of the most relevant player
func (m *MprisProbe) Poll(ctx context.Context) (domain.PlaybackSnapshot, error) {
	now := time.Now()

	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return domain.PlaybackSnapshot{}, fmt.Errorf("%w: not connected to session bus", domain.ErrProbeTransient)
	}

	players := m.knownPlayers()
	if len(players) == 0 {
		// Signals may have been missed; rescan once
		if err := m.detectExistingPlayers(); err != nil {
			return domain.PlaybackSnapshot{}, fmt.Errorf("%w: %v", domain.ErrProbeTransient, err)
		}
		players = m.knownPlayers()
	}

	var (
		chosen, chosenStatus string
		paused               string
		lastErr              error
		reachable            int
	)
	for _, player := range players {
		status, err := m.playbackStatus(ctx, conn, player)
		if err != nil {
			lastErr = err
			m.logger.Debug("Player did not answer", zap.String("player", player), zap.Error(err))
			continue
		}
		reachable++
		if status == "Playing" {
			chosen, chosenStatus = player, status
			break
		}
		if status == "Paused" && paused == "" {
			paused = player
		}
	}
	if chosen == "" && paused != "" {
		chosen, chosenStatus = paused, "Paused"
	}

	if chosen == "" {
		if reachable == 0 && lastErr != nil {
			return domain.PlaybackSnapshot{}, fmt.Errorf("%w: %v", domain.ErrProbeTransient, lastErr)
		}
		return domain.EmptySnapshot(now), nil
	}

	return m.readPlayer(ctx, conn, chosen, chosenStatus, now)
}

// readPlayer fetches metadata and position from one player
func (m *MprisProbe) readPlayer(ctx context.Context, conn DBusClient, player, status string, now time.Time) (domain.PlaybackSnapshot, error) {
	variant, err := conn.GetProperty(ctx, player, mprisPath, propMetadata)
	if err != nil {
		return domain.PlaybackSnapshot{}, fmt.Errorf("%w: failed to get metadata: %v", domain.ErrProbeTransient, err)
	}

	// SAFE CAST: Some players may return nil or unexpected types if not playing anything
	metadata, ok := variant.Value().(map[string]dbus.Variant)
	if !ok {
		m.logger.Debug("Metadata variant is not a map, treating as empty", zap.String("player", player))
		return domain.EmptySnapshot(now), nil
	}

	snap := m.parseMetadata(metadata, status)
	if snap.Empty() {
		return domain.EmptySnapshot(now), nil
	}

	// Position is optional; some players do not implement it
	if posVariant, err := conn.GetProperty(ctx, player, mprisPath, propPosition); err == nil {
		if us, ok := toInt64(posVariant.Value()); ok && us > 0 {
			snap.Position = time.Duration(us) * time.Microsecond
		}
	}

	snap.Player = strings.TrimPrefix(player, mprisPrefix)
	snap.CapturedAt = now
	return snap, nil
}

func (m *MprisProbe) playbackStatus(ctx context.Context, conn DBusClient, player string) (string, error) {
	variant, err := conn.GetProperty(ctx, player, mprisPath, propStatus)
	if err != nil {
		return "", fmt.Errorf("failed to get playback status: %w", err)
	}
	status, ok := variant.Value().(string)
	if !ok {
		return "", fmt.Errorf("invalid playback status format")
	}
	return status, nil
}

// knownPlayers returns the tracked well-known names in stable order
func (m *MprisProbe) knownPlayers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{}, len(m.playerNames))
	players := make([]string, 0, len(m.playerNames))
	for _, name := range m.playerNames {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		players = append(players, name)
	}
	sort.Strings(players)
	return players
}

// detectExistingPlayers queries D-Bus for currently running MPRIS players
func (m *MprisProbe) detectExistingPlayers() error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	names, err := conn.ListNames()
	if err != nil {
		return fmt.Errorf("failed to list bus names: %w", err)
	}

	playerCount := 0
	for _, name := range names {
		if !strings.HasPrefix(name, mprisPrefix) {
			continue
		}
		playerCount++

		// Get the unique bus name for this well-known name
		uniqueName, err := conn.GetNameOwner(name)
		if err != nil {
			m.logger.Debug("Could not resolve player owner", zap.String("name", name), zap.Error(err))
			continue
		}
		m.mu.Lock()
		m.playerNames[uniqueName] = name
		m.mu.Unlock()
		m.logger.Debug("Mapped player name",
			zap.String("unique", uniqueName),
			zap.String("wellKnown", name))
	}

	m.logger.Info("Player detection complete", zap.Int("count", playerCount))
	return nil
}

// monitorSignals listens for D-Bus signals and processes them
func (m *MprisProbe) monitorSignals(ctx context.Context, signals <-chan *dbus.Signal) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("Signal monitoring goroutine stopped")
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			if sig == nil {
				continue
			}
			if sig.Name == "org.freedesktop.DBus.NameOwnerChanged" {
				m.handleNameOwnerChanged(sig)
			}
		}
	}
}

// handleNameOwnerChanged processes NameOwnerChanged signals to track player lifecycle
func (m *MprisProbe) handleNameOwnerChanged(sig *dbus.Signal) {
	if len(sig.Body) < 3 {
		return
	}

	name, ok := sig.Body[0].(string)
	if !ok || !strings.HasPrefix(name, mprisPrefix) {
		return // Not an MPRIS player
	}

	oldOwner, _ := sig.Body[1].(string)
	newOwner, _ := sig.Body[2].(string)

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case newOwner != "" && oldOwner == "":
		m.playerNames[newOwner] = name
		m.logger.Info("New MPRIS player detected",
			zap.String("player", name),
			zap.String("unique", newOwner))
	case newOwner == "" && oldOwner != "":
		delete(m.playerNames, oldOwner)
		m.logger.Info("MPRIS player removed",
			zap.String("player", name),
			zap.String("unique", oldOwner))
	case newOwner != "" && oldOwner != "":
		// Ownership transfer (rare)
		delete(m.playerNames, oldOwner)
		m.playerNames[newOwner] = name
		m.logger.Debug("MPRIS player ownership changed",
			zap.String("player", name),
			zap.String("oldUnique", oldOwner),
			zap.String("newUnique", newOwner))
	}
}

// parseMetadata converts MPRIS metadata to a snapshot. A stopped player
// yields the empty snapshot.
func (m *MprisProbe) parseMetadata(metadata map[string]dbus.Variant, status string) domain.PlaybackSnapshot {
	var snap domain.PlaybackSnapshot

	switch status {
	case "Playing":
		snap.Playing = true
	case "Paused":
		snap.Playing = false
	default:
		return snap
	}

	if metadata == nil {
		return snap
	}

	if idVar, ok := metadata["mpris:trackid"]; ok {
		var id string
		switch v := idVar.Value().(type) {
		case dbus.ObjectPath:
			id = string(v)
		case string:
			id = v
		}
		if id != noTrackObjectID {
			snap.TrackID = id
		}
	}

	if titleVar, ok := metadata["xesam:title"]; ok {
		if title, ok := titleVar.Value().(string); ok {
			snap.Title = title
		}
	}

	// Artist can be an array
	if artistVar, ok := metadata["xesam:artist"]; ok {
		switch artists := artistVar.Value().(type) {
		case []string:
			snap.Artist = strings.Join(artists, ", ")
		case string:
			snap.Artist = artists
		default:
			// Some non-compliant players may use unexpected types
			m.logger.Debug("Unexpected artist type in metadata",
				zap.String("type", fmt.Sprintf("%T", artistVar.Value())))
		}
	}

	if albumVar, ok := metadata["xesam:album"]; ok {
		if album, ok := albumVar.Value().(string); ok {
			snap.Album = album
		}
	}

	if lengthVar, ok := metadata["mpris:length"]; ok {
		if us, ok := toInt64(lengthVar.Value()); ok && us > 0 {
			snap.Duration = time.Duration(us) * time.Microsecond
		}
	}

	if artVar, ok := metadata["mpris:artUrl"]; ok {
		if artUrl, ok := artVar.Value().(string); ok {
			if artUrl == "" {
				// Some players (browsers, local files) may send empty artUrl
				m.logger.Debug("Empty artUrl received",
					zap.String("title", snap.Title),
					zap.String("artist", snap.Artist))
			} else {
				snap.ArtworkHandle = artUrl
			}
		}
	}

	return snap
}
