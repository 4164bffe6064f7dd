package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/genricoloni/nowplaying/internal/domain"
	"go.uber.org/zap"
)

// FallbackProbe starts the first candidate that is supported on this system
// and delegates every call to it.
type FallbackProbe struct {
	logger     *zap.Logger
	candidates []domain.Probe

	mu     sync.RWMutex
	active domain.Probe
}

// NewFallbackProbe creates a probe trying candidates in order
func NewFallbackProbe(logger *zap.Logger, candidates ...domain.Probe) *FallbackProbe {
	return &FallbackProbe{
		logger:     logger,
		candidates: candidates,
	}
}

// Name reports the active backend, or "auto" before Start
func (f *FallbackProbe) Name() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.active == nil {
		return "auto"
	}
	return f.active.Name()
}

// Start picks the first candidate whose Start succeeds
func (f *FallbackProbe) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.active != nil {
		return nil
	}

	var errs []error
	for _, c := range f.candidates {
		err := c.Start(ctx)
		if err == nil {
			f.active = c
			f.logger.Info("Playback backend selected", zap.String("backend", c.Name()))
			return nil
		}
		f.logger.Debug("Playback backend unavailable",
			zap.String("backend", c.Name()),
			zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
	}

	if len(errs) == 0 {
		return fmt.Errorf("%w: no backends configured", domain.ErrProbeUnsupported)
	}
	return fmt.Errorf("%w: %w", domain.ErrProbeUnsupported, errors.Join(errs...))
}

// Stop stops the active backend
func (f *FallbackProbe) Stop(ctx context.Context) error {
	f.mu.Lock()
	active := f.active
	f.active = nil
	f.mu.Unlock()

	if active == nil {
		return nil
	}
	return active.Stop(ctx)
}

// Poll delegates to the active backend
func (f *FallbackProbe) Poll(ctx context.Context) (domain.PlaybackSnapshot, error) {
	f.mu.RLock()
	active := f.active
	f.mu.RUnlock()

	if active == nil {
		return domain.PlaybackSnapshot{}, fmt.Errorf("%w: no backend started", domain.ErrProbeTransient)
	}
	return active.Poll(ctx)
}

// Active returns the selected backend, or nil before Start
func (f *FallbackProbe) Active() domain.Probe {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.active
}
