package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/genricoloni/nowplaying/internal/domain"
	"go.uber.org/zap"
)

const (
	initialBackoff = 250 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// NewBackoff returns the reconnect schedule: initialBackoff, doubling, capped
// at maxBackoff, without jitter and without giving up
func NewBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialBackoff
	b.MaxInterval = maxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Handler receives every message from the push channel
type Handler func(domain.Message)

// Watcher is a push-channel client that keeps reconnecting until its context ends
type Watcher struct {
	logger  *zap.Logger
	url     string
	handler Handler
	backoff *backoff.ExponentialBackOff
}

// New creates a watcher for the push endpoint at url
func New(logger *zap.Logger, url string, handler Handler) *Watcher {
	return &Watcher{
		logger:  logger,
		url:     url,
		handler: handler,
		backoff: NewBackoff(),
	}
}

// Run connects, forwards messages to the handler and reconnects on failure.
// It returns nil once ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		connected, err := w.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			w.backoff.Reset()
		}

		delay := w.backoff.NextBackOff()
		w.logger.Warn("Push channel lost, reconnecting",
			zap.String("url", w.url),
			zap.Duration("in", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session runs one connection. connected reports whether the dial succeeded.
func (w *Watcher) session(ctx context.Context) (connected bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	conn, _, err := websocket.Dial(dialCtx, w.url, nil)
	cancel()
	if err != nil {
		return false, err
	}
	defer conn.CloseNow()

	w.logger.Info("Connected to push channel", zap.String("url", w.url))

	// Ask for the full state, as overlays do
	if err := conn.Write(ctx, websocket.MessageText, []byte("RECIPIENT")); err != nil {
		return true, err
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				conn.Close(websocket.StatusNormalClosure, "watcher stopping")
				return true, nil
			}
			return true, err
		}

		var msg domain.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			w.logger.Debug("Ignoring malformed message", zap.Error(err))
			continue
		}
		w.handler(msg)

		ack, _ := json.Marshal(struct {
			Type string `json:"type"`
			Seq  uint64 `json:"seq"`
		}{Type: "ack", Seq: msg.Seq})
		if err := conn.Write(ctx, websocket.MessageText, ack); err != nil && !errors.Is(err, context.Canceled) {
			return true, err
		}
	}
}

// LogHandler prints every message through logger, the terminal view of --watch mode
func LogHandler(logger *zap.Logger) Handler {
	return func(m domain.Message) {
		switch m.Type {
		case domain.MessageEmpty:
			logger.Info("Nothing playing", zap.Uint64("seq", m.Seq))
		case domain.MessageUpdate:
			logger.Info("Now playing",
				zap.Uint64("seq", m.Seq),
				zap.String("title", m.Title),
				zap.String("artist", m.Artist),
				zap.String("album", m.Album),
				zap.Bool("playing", m.IsPlaying),
				zap.String("artwork", m.Ref()))
		default:
			logger.Debug("Position",
				zap.Uint64("seq", m.Seq),
				zap.Duration("position", time.Duration(m.PositionMs)*time.Millisecond),
				zap.Duration("duration", time.Duration(m.DurationMs)*time.Millisecond),
				zap.Bool("playing", m.IsPlaying))
		}
	}
}
