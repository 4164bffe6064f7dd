package artwork

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/genricoloni/nowplaying/internal/domain"
	"github.com/genricoloni/nowplaying/internal/processor"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// refBytes is how much of the SHA-256 digest forms a ref
const refBytes = 16

// Cache resolves artwork per track identity. At most one resolution runs per
// identity; failures are remembered as absent markers until the entry is evicted.
type Cache struct {
	logger       *zap.Logger
	fetcher      domain.ArtworkFetcher
	processor    domain.ImageProcessor
	fetchTimeout time.Duration

	entries *lru.Cache[domain.TrackIdentity, domain.Artwork]
	group   singleflight.Group

	// Background resolutions outlive the poll tick that started them
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCache creates a cache holding at most size identities
func NewCache(
	logger *zap.Logger,
	fetcher domain.ArtworkFetcher,
	proc domain.ImageProcessor,
	size int,
	fetchTimeout time.Duration,
) (*Cache, error) {
	entries, err := lru.NewWithEvict(size, func(id domain.TrackIdentity, a domain.Artwork) {
		logger.Debug("Artwork evicted", zap.String("ref", a.Ref))
	})
	if err != nil {
		return nil, fmt.Errorf("create artwork cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		logger:       logger,
		fetcher:      fetcher,
		processor:    proc,
		fetchTimeout: fetchTimeout,
		entries:      entries,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Resolve returns the ref for identity, fetching it if needed. An empty ref with
// a nil error means the track has no artwork. Cancelling ctx abandons the wait
// but not the shared resolution.
func (c *Cache) Resolve(ctx context.Context, id domain.TrackIdentity, handle string) (string, error) {
	if id == "" {
		return "", nil
	}
	if a, ok := c.entries.Get(id); ok {
		return a.Ref, nil
	}

	select {
	case r := <-c.start(id, handle):
		return r.Val.(domain.Artwork).Ref, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ResolveAsync starts (or joins) the resolution for identity and waits at most
// wait for it. ready is false when the result is still pending; it becomes
// visible through Peek once done.
func (c *Cache) ResolveAsync(id domain.TrackIdentity, handle string, wait time.Duration) (ref string, ready bool) {
	if id == "" {
		return "", true
	}
	if a, ok := c.entries.Get(id); ok {
		return a.Ref, true
	}

	ch := c.start(id, handle)
	if wait <= 0 {
		return "", false
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.Val.(domain.Artwork).Ref, true
	case <-timer.C:
		return "", false
	}
}

// Peek reports the ref for identity without starting a resolution or touching recency
func (c *Cache) Peek(id domain.TrackIdentity) (string, bool) {
	if id == "" {
		return "", true
	}
	a, ok := c.entries.Peek(id)
	if !ok {
		return "", false
	}
	return a.Ref, true
}

// Lookup finds cached artwork by ref. It does not touch recency.
func (c *Cache) Lookup(ref string) (domain.Artwork, bool) {
	if ref == "" {
		return domain.Artwork{}, false
	}
	for _, a := range c.entries.Values() {
		if a.Ref == ref && !a.Absent() {
			return a, true
		}
	}
	return domain.Artwork{}, false
}

// Len returns the number of cached identities, absent markers included
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Close cancels in-flight resolutions
func (c *Cache) Close() {
	c.cancel()
}

// start joins the single-flight resolution for id. The channel is buffered,
// so abandoning it does not leak the resolver.
func (c *Cache) start(id domain.TrackIdentity, handle string) <-chan singleflight.Result {
	return c.group.DoChan(string(id), func() (interface{}, error) {
		return c.resolve(id, handle), nil
	})
}

func (c *Cache) resolve(id domain.TrackIdentity, handle string) domain.Artwork {
	// A resolution for id may have finished between the caller's miss and now
	if a, ok := c.entries.Peek(id); ok {
		return a
	}

	art, err := c.fetch(handle)
	if err != nil {
		if c.ctx.Err() != nil {
			// Shutting down; remember nothing
			return domain.Artwork{}
		}
		if errors.Is(err, domain.ErrArtworkAbsent) {
			c.logger.Debug("Track has no artwork", zap.String("handle", handle))
		} else {
			c.logger.Warn("Artwork resolution failed, caching absence",
				zap.String("handle", handle),
				zap.Error(err))
		}
		art = domain.Artwork{FetchedAt: time.Now()}
	} else {
		c.logger.Info("Artwork cached",
			zap.String("ref", art.Ref),
			zap.String("type", art.ContentType),
			zap.Int("bytes", len(art.Data)))
	}

	c.entries.Add(id, art)
	return art
}

func (c *Cache) fetch(handle string) (domain.Artwork, error) {
	if handle == "" {
		return domain.Artwork{}, domain.ErrArtworkAbsent
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.fetchTimeout)
	defer cancel()

	raw, err := c.fetcher.Fetch(ctx, handle)
	if err != nil {
		return domain.Artwork{}, fmt.Errorf("%w: %w", domain.ErrArtworkFetch, err)
	}
	if len(raw) == 0 {
		return domain.Artwork{}, domain.ErrArtworkAbsent
	}

	data, err := c.processor.Process(ctx, raw)
	if err != nil {
		return domain.Artwork{}, fmt.Errorf("%w: process: %w", domain.ErrArtworkFetch, err)
	}

	return domain.Artwork{
		Ref:         Ref(data),
		Data:        data,
		ContentType: processor.ContentType(data),
		FetchedAt:   time.Now(),
	}, nil
}

// Ref derives the content hash token for normalised bytes
func Ref(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:refBytes])
}
