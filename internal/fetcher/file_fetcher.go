package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"

	"github.com/genricoloni/nowplaying/internal/domain"
	"go.uber.org/zap"
)

// FileFetcher reads artwork referenced by file:// URLs, as many local players
// (VLC, Rhythmbox, mpv scripts) publish their cover art that way.
type FileFetcher struct {
	logger *zap.Logger
}

// NewFileFetcher creates a local file reader
func NewFileFetcher(logger *zap.Logger) *FileFetcher {
	return &FileFetcher{logger: logger}
}

// Fetch reads the file behind a file:// URL, bounded by the same size limit as HTTP
func (f *FileFetcher) Fetch(ctx context.Context, handle string) ([]byte, error) {
	u, err := url.Parse(handle)
	if err != nil {
		return nil, fmt.Errorf("invalid file url %q: %w", handle, err)
	}
	if u.Path == "" {
		return nil, domain.ErrArtworkAbsent
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	file, err := os.Open(u.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", domain.ErrArtworkAbsent, u.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open artwork file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, _maxImageSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read artwork file: %w", err)
	}

	f.logger.Debug("Image read from disk", zap.Int("bytes", len(data)), zap.String("path", u.Path))
	return data, nil
}
