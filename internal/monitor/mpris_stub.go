//go:build !linux
// +build !linux

package monitor

import (
	"context"
	"fmt"

	"github.com/genricoloni/nowplaying/internal/domain"
	"go.uber.org/zap"
)

// MprisProbe stub for non-Linux platforms
type MprisProbe struct {
	logger *zap.Logger
}

// NewMprisProbe creates a stub probe that fails to start on non-Linux platforms
func NewMprisProbe(logger *zap.Logger) *MprisProbe {
	return &MprisProbe{logger: logger}
}

// Name identifies the backend
func (m *MprisProbe) Name() string {
	return "mpris"
}

// Start returns an error indicating MPRIS is not supported on this platform
func (m *MprisProbe) Start(ctx context.Context) error {
	return fmt.Errorf("%w: MPRIS is only supported on Linux systems", domain.ErrProbeUnsupported)
}

// Stop is a no-op on non-Linux platforms
func (m *MprisProbe) Stop(ctx context.Context) error {
	return nil
}

// Poll always fails since the probe never starts
func (m *MprisProbe) Poll(ctx context.Context) (domain.PlaybackSnapshot, error) {
	return domain.PlaybackSnapshot{}, domain.ErrProbeUnsupported
}
