package executor

import (
	"context"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/genricoloni/nowplaying/internal/domain"
	"go.uber.org/zap"
)

// maxLoggedOutput bounds how much hook output ends up in a log line
const maxLoggedOutput = 512

// HookExecutor runs the user's on-change command through the platform shell.
// At most one run is active; updates arriving meanwhile are skipped.
type HookExecutor struct {
	logger  *zap.Logger
	command string
	timeout time.Duration

	running atomic.Bool
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHookExecutor creates an executor. An empty command disables it.
func NewHookExecutor(logger *zap.Logger, command string, timeout time.Duration) *HookExecutor {
	ctx, cancel := context.WithCancel(context.Background())
	if command != "" {
		logger.Info("On-change hook configured",
			zap.String("shell", shellName),
			zap.Duration("timeout", timeout))
	}
	return &HookExecutor{
		logger:  logger,
		command: command,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Enabled reports whether a command is configured
func (e *HookExecutor) Enabled() bool {
	return e.command != ""
}

// Run starts the hook for s without waiting for it. The run outlives ctx
// (the poll tick) and is bounded by the hook timeout instead.
func (e *HookExecutor) Run(ctx context.Context, s domain.PlaybackSnapshot, artworkRef string) {
	if e.command == "" || e.ctx.Err() != nil {
		return
	}
	if !e.running.CompareAndSwap(false, true) {
		e.logger.Debug("Previous hook still running, skipping", zap.String("title", s.Title))
		return
	}

	env := append(os.Environ(), hookEnv(s, artworkRef)...)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.running.Store(false)
		e.execute(env, s.Title)
	}()
}

func (e *HookExecutor) execute(env []string, title string) {
	ctx, cancel := context.WithTimeout(e.ctx, e.timeout)
	defer cancel()

	cmd := shellCommand(ctx, e.command)
	cmd.Env = env
	// Children of the shell may keep the output pipe open after a kill
	cmd.WaitDelay = time.Second

	start := time.Now()
	output, err := cmd.CombinedOutput()
	if err != nil {
		e.logger.Warn("On-change hook failed",
			zap.String("title", title),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
			zap.String("output", truncate(output)))
		return
	}

	e.logger.Debug("On-change hook finished",
		zap.String("title", title),
		zap.Duration("elapsed", time.Since(start)))
}

// Close kills a running hook and waits for it to exit
func (e *HookExecutor) Close(ctx context.Context) error {
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// hookEnv describes the new state to the hook
func hookEnv(s domain.PlaybackSnapshot, artworkRef string) []string {
	return []string{
		"NOWPLAYING_TITLE=" + s.Title,
		"NOWPLAYING_ARTIST=" + s.Artist,
		"NOWPLAYING_ALBUM=" + s.Album,
		"NOWPLAYING_ARTWORK_REF=" + artworkRef,
		"NOWPLAYING_PLAYING=" + strconv.FormatBool(s.Playing),
		"NOWPLAYING_DURATION_MS=" + strconv.FormatInt(s.Duration.Milliseconds(), 10),
		"NOWPLAYING_PLAYER=" + s.Player,
	}
}

func truncate(b []byte) string {
	if len(b) > maxLoggedOutput {
		return string(b[:maxLoggedOutput]) + "..."
	}
	return string(b)
}
