package processor

import (
	"bytes"
	"context"
	"fmt"
	_ "image/gif"  // GIF format support
	_ "image/jpeg" // JPEG format support
	_ "image/png"  // PNG format support

	"github.com/disintegration/imaging"
	"github.com/genricoloni/nowplaying/internal/domain"
	"github.com/h2non/filetype"
	"go.uber.org/zap"
)

const (
	coverHeightRatio = 0.40 // Cover size as percentage of screen height
	minCoverEdge     = 128
	fallbackEdge     = 512
	jpegQuality      = 90
)

// ArtworkProcessor bounds artwork to a maximum edge and re-encodes it as JPEG,
// so overlays never download multi-megabyte embedded scans.
type ArtworkProcessor struct {
	logger  *zap.Logger
	maxEdge int
}

// NewArtworkProcessor creates a processor. A zero maxEdge derives the edge from
// the screen height, the size a full-screen overlay would show the cover at.
func NewArtworkProcessor(logger *zap.Logger, res *domain.ScreenResolution, maxEdge int) *ArtworkProcessor {
	if maxEdge <= 0 {
		maxEdge = fallbackEdge
		if res != nil && res.Height > 0 {
			maxEdge = int(float64(res.Height) * coverHeightRatio)
		}
		if maxEdge < minCoverEdge {
			maxEdge = minCoverEdge
		}
	}

	return &ArtworkProcessor{
		logger:  logger,
		maxEdge: maxEdge,
	}
}

// MaxEdge returns the bounding edge in pixels
func (p *ArtworkProcessor) MaxEdge() int {
	return p.maxEdge
}

// Process normalises image bytes. Formats the decoder does not know (webp, heif)
// are passed through unchanged; anything that is not an image is rejected.
func (p *ArtworkProcessor) Process(ctx context.Context, imageData []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !filetype.IsImage(imageData) {
		return nil, fmt.Errorf("data is not an image (%d bytes)", len(imageData))
	}

	img, err := imaging.Decode(bytes.NewReader(imageData), imaging.AutoOrientation(true))
	if err != nil {
		p.logger.Debug("Cannot decode artwork, keeping original bytes",
			zap.String("type", ContentType(imageData)),
			zap.Error(err))
		return imageData, nil
	}

	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, fmt.Errorf("invalid image dimensions: %dx%d", bounds.Dx(), bounds.Dy())
	}

	// Already small enough and already JPEG: nothing to gain from re-encoding
	if bounds.Dx() <= p.maxEdge && bounds.Dy() <= p.maxEdge && filetype.Is(imageData, "jpg") {
		return imageData, nil
	}

	if bounds.Dx() > p.maxEdge || bounds.Dy() > p.maxEdge {
		p.logger.Debug("Downsizing artwork",
			zap.Int("w", bounds.Dx()),
			zap.Int("h", bounds.Dy()),
			zap.Int("edge", p.maxEdge))
		img = imaging.Fit(img, p.maxEdge, p.maxEdge, imaging.Lanczos)
	}

	buf := new(bytes.Buffer)
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	p.logger.Debug("Artwork processed successfully", zap.Int("in", len(imageData)), zap.Int("out", buf.Len()))
	return buf.Bytes(), nil
}

// ContentType sniffs the MIME type of image bytes
func ContentType(data []byte) string {
	kind, err := filetype.Image(data)
	if err != nil || kind == filetype.Unknown {
		return "application/octet-stream"
	}
	return kind.MIME.Value
}
