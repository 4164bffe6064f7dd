package engine

import (
	"context"
	"errors"
	"time"

	"github.com/genricoloni/nowplaying/internal/domain"
	"github.com/genricoloni/nowplaying/internal/state"
	"go.uber.org/zap"
)

// warnInterval limits how often repeated probe failures are logged at warn level
const warnInterval = 10 * time.Second

// Options tune the poll loop
type Options struct {
	PollInterval     time.Duration
	ProbeTimeout     time.Duration
	ArtworkWait      time.Duration
	FailureThreshold int
	// Buffer is the capacity of the outgoing message channel
	Buffer int
}

// Engine is the poll loop. It samples the probe at a fixed cadence, feeds the
// state model and emits typed messages in detection order.
type Engine struct {
	logger  *zap.Logger
	probe   domain.Probe
	model   *state.Model
	artwork domain.ArtworkResolver
	hook    domain.HookRunner
	opts    Options

	out chan domain.Message

	// Loop-owned state, touched only by the loop goroutine
	failures int
	degraded bool
	last     *domain.Message
	lastWarn time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates a new poll loop. hook may be nil.
func NewEngine(
	logger *zap.Logger,
	probe domain.Probe,
	model *state.Model,
	artwork domain.ArtworkResolver,
	hook domain.HookRunner,
	opts Options,
) *Engine {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 1
	}
	return &Engine{
		logger:  logger,
		probe:   probe,
		model:   model,
		artwork: artwork,
		hook:    hook,
		opts:    opts,
		out:     make(chan domain.Message, opts.Buffer),
	}
}

// Messages is the stream of emitted messages. It is closed when the loop stops.
func (e *Engine) Messages() <-chan domain.Message {
	return e.out
}

// Start launches the poll loop in a goroutine.
// It returns immediately (non-blocking).
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("Engine starting...",
		zap.String("backend", e.probe.Name()),
		zap.Duration("interval", e.opts.PollInterval))

	// The start context only bounds startup; the loop lives until Stop
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.done = make(chan struct{})

	go e.runLoop(loopCtx)
	return nil
}

// Stop halts the loop and waits for the current tick to finish
func (e *Engine) Stop(ctx context.Context) error {
	e.logger.Info("Engine stopping...")
	if e.cancel == nil {
		return nil
	}
	e.cancel()

	select {
	case <-e.done:
		e.logger.Info("Engine loop stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runLoop drives ticks. Ticks never overlap: a slow tick makes the ticker
// drop the ticks it missed.
func (e *Engine) runLoop(ctx context.Context) {
	defer close(e.done)
	defer close(e.out)

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick performs one probe and emits at most one message
func (e *Engine) tick(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, e.opts.ProbeTimeout)
	snap, err := e.probe.Poll(pctx)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if e.recordFailure(err) {
			// Broadcast even when the held state is already empty: clients
			// must learn the backend is gone.
			empty := domain.EmptySnapshot(time.Now())
			e.model.ChangeDetected(empty)
			e.emit(ctx, domain.NewMessage(domain.MessageEmpty, empty, ""))
		}
		return
	}

	if e.failures > 0 {
		e.logger.Info("Playback probe recovered",
			zap.String("backend", e.probe.Name()),
			zap.Int("failures", e.failures))
	}
	e.failures = 0
	e.degraded = false

	e.apply(ctx, snap)
}

// recordFailure counts a probe failure and reports whether the loop should now
// degrade to the empty state. Only the failure reaching the threshold degrades;
// further failures stay silent until a poll succeeds again.
func (e *Engine) recordFailure(err error) bool {
	e.failures++

	now := time.Now()
	fields := []zap.Field{
		zap.String("backend", e.probe.Name()),
		zap.Int("consecutive", e.failures),
		zap.Error(err),
	}
	// Rate-limit warnings to avoid log spam while the backend is down
	if now.Sub(e.lastWarn) >= warnInterval {
		e.lastWarn = now
		e.logger.Warn("Playback probe failed", fields...)
	} else {
		e.logger.Debug("Playback probe failed", fields...)
	}

	if e.degraded || e.failures < e.opts.FailureThreshold {
		return false
	}

	e.degraded = true
	if errors.Is(err, domain.ErrProbeUnsupported) {
		e.logger.Error("Playback backend unsupported, broadcasting empty state", zap.Error(err))
	} else {
		e.logger.Warn("Playback backend unavailable, broadcasting empty state",
			zap.Int("threshold", e.opts.FailureThreshold))
	}
	return true
}

// apply runs change detection and emits the resulting message
func (e *Engine) apply(ctx context.Context, snap domain.PlaybackSnapshot) {
	if e.model.ChangeDetected(snap) {
		if snap.Empty() {
			e.logger.Info("Playback stopped")
			e.emit(ctx, domain.NewMessage(domain.MessageEmpty, snap, ""))
			return
		}

		// A quick fetch folds into this update; a slow one into a later tick
		ref, ready := e.artwork.ResolveAsync(snap.Identity(), snap.ArtworkHandle, e.opts.ArtworkWait)

		e.logger.Info("Track changed",
			zap.String("title", snap.Title),
			zap.String("artist", snap.Artist),
			zap.String("album", snap.Album),
			zap.Bool("playing", snap.Playing),
			zap.String("player", snap.Player),
			zap.Bool("artwork_ready", ready))

		e.emit(ctx, domain.NewMessage(domain.MessageUpdate, snap, ref))

		if e.hook != nil {
			e.hook.Run(ctx, snap, ref)
		}
		return
	}

	if snap.Empty() {
		return
	}

	ref, _ := e.artwork.Peek(snap.Identity())
	msg := domain.NewMessage(domain.MessageTick, snap, ref)
	if e.last != nil && samePayload(*e.last, msg) {
		return
	}
	e.emit(ctx, msg)
}

// emit blocks until the hub takes msg, so nothing is dropped or reordered
func (e *Engine) emit(ctx context.Context, msg domain.Message) {
	select {
	case e.out <- msg:
		e.last = &msg
	case <-ctx.Done():
	}
}

// samePayload reports whether a tick would tell clients nothing new
func samePayload(prev, next domain.Message) bool {
	return prev.Type != domain.MessageEmpty &&
		prev.PositionMs == next.PositionMs &&
		prev.IsPlaying == next.IsPlaying &&
		prev.Ref() == next.Ref() &&
		prev.Title == next.Title &&
		prev.Artist == next.Artist &&
		prev.Album == next.Album &&
		prev.DurationMs == next.DurationMs
}
