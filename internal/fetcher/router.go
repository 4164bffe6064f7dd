package fetcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/genricoloni/nowplaying/internal/domain"
)

// Router dispatches artwork handles to a fetcher by scheme
type Router struct {
	routes map[string]domain.ArtworkFetcher
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{routes: make(map[string]domain.ArtworkFetcher)}
}

// Handle registers f for handles starting with scheme + ":"
func (r *Router) Handle(scheme string, f domain.ArtworkFetcher) *Router {
	r.routes[strings.ToLower(scheme)] = f
	return r
}

// Fetch implements domain.ArtworkFetcher
func (r *Router) Fetch(ctx context.Context, handle string) ([]byte, error) {
	if handle == "" {
		return nil, domain.ErrArtworkAbsent
	}

	scheme, _, ok := strings.Cut(handle, ":")
	if !ok {
		return nil, fmt.Errorf("%w: handle %q has no scheme", domain.ErrArtworkAbsent, handle)
	}

	f, ok := r.routes[strings.ToLower(scheme)]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported scheme %q", domain.ErrArtworkAbsent, scheme)
	}
	return f.Fetch(ctx, handle)
}
