package artwork

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/genricoloni/nowplaying/internal/domain"
	"github.com/genricoloni/nowplaying/internal/domain/mocks"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
)

// passthrough leaves bytes untouched
type passthrough struct{}

func (passthrough) Process(ctx context.Context, data []byte) ([]byte, error) { return data, nil }

type failingProcessor struct{}

func (failingProcessor) Process(ctx context.Context, data []byte) ([]byte, error) {
	return nil, errors.New("undecodable")
}

func newTestCache(t *testing.T, fetcher domain.ArtworkFetcher, size int) *Cache {
	t.Helper()
	c, err := NewCache(zap.NewNop(), fetcher, passthrough{}, size, time.Second)
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestRef(t *testing.T) {
	ref := Ref([]byte("abc"))
	if len(ref) != 32 {
		t.Fatalf("expected 32 hex chars, got %d (%s)", len(ref), ref)
	}
	// sha256("abc") = ba7816bf8f01cfea414140de5dae2223...
	if ref != "ba7816bf8f01cfea414140de5dae2223" {
		t.Errorf("unexpected ref %s", ref)
	}
	if Ref([]byte("abd")) == ref {
		t.Error("different content must produce different refs")
	}
}

func TestResolve_CachedHitDoesNotFetch(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	fetcher := mocks.NewMockArtworkFetcher(ctrl)
	fetcher.EXPECT().Fetch(gomock.Any(), "https://img/a.jpg").Return([]byte("image-a"), nil).Times(1)

	cache := newTestCache(t, fetcher, 4)
	ctx := context.Background()

	first, err := cache.Resolve(ctx, "id\x1fa", "https://img/a.jpg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != Ref([]byte("image-a")) {
		t.Errorf("unexpected ref %s", first)
	}

	second, err := cache.Resolve(ctx, "id\x1fa", "https://img/a.jpg")
	if err != nil || second != first {
		t.Errorf("second resolve should hit the cache, got %s, %v", second, err)
	}

	art, ok := cache.Lookup(first)
	if !ok {
		t.Fatal("Lookup should find the resolved artwork")
	}
	if string(art.Data) != "image-a" {
		t.Errorf("unexpected data %q", art.Data)
	}
	if art.ContentType == "" {
		t.Error("content type should be set")
	}
}

func TestResolve_SingleFlight(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	release := make(chan struct{})
	fetcher := mocks.NewMockArtworkFetcher(ctrl)
	fetcher.EXPECT().Fetch(gomock.Any(), "mpd:song.flac").
		DoAndReturn(func(ctx context.Context, handle string) ([]byte, error) {
			<-release
			return []byte("cover"), nil
		}).Times(1)

	cache := newTestCache(t, fetcher, 4)

	const callers = 10
	var wg sync.WaitGroup
	refs := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			refs[i], _ = cache.Resolve(context.Background(), "id\x1fsong", "mpd:song.flac")
		}(i)
	}

	// Let every caller join the in-flight resolution before it completes
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, ref := range refs {
		if ref != Ref([]byte("cover")) {
			t.Errorf("caller %d got ref %q", i, ref)
		}
	}
}

func TestResolve_AbsentMarkerCached(t *testing.T) {
	tests := []struct {
		name   string
		handle string
		setup  func(*mocks.MockArtworkFetcher)
	}{
		{
			name:   "Empty handle",
			handle: "",
			setup:  func(m *mocks.MockArtworkFetcher) {},
		},
		{
			name:   "Fetcher reports absent",
			handle: "mpd:none.mp3",
			setup: func(m *mocks.MockArtworkFetcher) {
				m.EXPECT().Fetch(gomock.Any(), "mpd:none.mp3").Return(nil, domain.ErrArtworkAbsent).Times(1)
			},
		},
		{
			name:   "Fetch error",
			handle: "https://down/a.jpg",
			setup: func(m *mocks.MockArtworkFetcher) {
				m.EXPECT().Fetch(gomock.Any(), "https://down/a.jpg").Return(nil, errors.New("connection refused")).Times(1)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			fetcher := mocks.NewMockArtworkFetcher(ctrl)
			tt.setup(fetcher)
			cache := newTestCache(t, fetcher, 4)

			for i := 0; i < 3; i++ {
				ref, err := cache.Resolve(context.Background(), "meta\x1fx", tt.handle)
				if err != nil {
					t.Fatalf("absent artwork is not an error, got %v", err)
				}
				if ref != "" {
					t.Fatalf("expected empty ref, got %s", ref)
				}
			}

			ref, ready := cache.Peek("meta\x1fx")
			if !ready || ref != "" {
				t.Errorf("absent marker should be ready with empty ref, got %q %v", ref, ready)
			}
		})
	}
}

func TestResolve_ProcessorFailureIsAbsent(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	fetcher := mocks.NewMockArtworkFetcher(ctrl)
	fetcher.EXPECT().Fetch(gomock.Any(), "file:///a.bin").Return([]byte("garbage"), nil).Times(1)

	cache, err := NewCache(zap.NewNop(), fetcher, failingProcessor{}, 4, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	ref, err := cache.Resolve(context.Background(), "id\x1fa", "file:///a.bin")
	if err != nil || ref != "" {
		t.Errorf("expected absent marker, got %q, %v", ref, err)
	}
}

func TestResolveAsync(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	release := make(chan struct{})
	fetcher := mocks.NewMockArtworkFetcher(ctrl)
	fetcher.EXPECT().Fetch(gomock.Any(), "https://slow/a.jpg").
		DoAndReturn(func(ctx context.Context, handle string) ([]byte, error) {
			<-release
			return []byte("slow-cover"), nil
		}).Times(1)
	fetcher.EXPECT().Fetch(gomock.Any(), "https://fast/b.jpg").Return([]byte("fast-cover"), nil).Times(1)

	cache := newTestCache(t, fetcher, 4)

	// Slow fetch: not ready within the wait, visible later through Peek
	ref, ready := cache.ResolveAsync("id\x1fslow", "https://slow/a.jpg", 10*time.Millisecond)
	if ready || ref != "" {
		t.Fatalf("slow fetch should not be ready, got %q %v", ref, ready)
	}
	if _, ok := cache.Peek("id\x1fslow"); ok {
		t.Fatal("Peek should miss while the fetch is pending")
	}

	// Joining the pending resolution does not fetch again
	if _, ready := cache.ResolveAsync("id\x1fslow", "https://slow/a.jpg", 0); ready {
		t.Fatal("still pending")
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if ref, ok := cache.Peek("id\x1fslow"); ok {
			if ref != Ref([]byte("slow-cover")) {
				t.Errorf("unexpected ref %s", ref)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("background resolution never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Fast fetch folds into the same call
	ref, ready = cache.ResolveAsync("id\x1ffast", "https://fast/b.jpg", time.Second)
	if !ready || ref != Ref([]byte("fast-cover")) {
		t.Errorf("fast fetch should be ready, got %q %v", ref, ready)
	}
}

func TestEviction(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	fetcher := mocks.NewMockArtworkFetcher(ctrl)
	fetcher.EXPECT().Fetch(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, handle string) ([]byte, error) {
			return []byte("img-" + handle), nil
		}).Times(3)

	cache := newTestCache(t, fetcher, 2)
	ctx := context.Background()

	refA, _ := cache.Resolve(ctx, "a", "mpd:a")
	_, _ = cache.Resolve(ctx, "b", "mpd:b")
	_, _ = cache.Resolve(ctx, "c", "mpd:c")

	if cache.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", cache.Len())
	}
	if _, ok := cache.Peek("a"); ok {
		t.Error("least recently resolved identity should be evicted")
	}
	if _, ok := cache.Lookup(refA); ok {
		t.Error("evicted artwork must not be served")
	}
}

func TestResolve_CallerCancellation(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	release := make(chan struct{})

	fetcher := mocks.NewMockArtworkFetcher(ctrl)
	fetcher.EXPECT().Fetch(gomock.Any(), "https://slow/a.jpg").
		DoAndReturn(func(ctx context.Context, handle string) ([]byte, error) {
			<-release
			return nil, nil
		}).Times(1)

	cache := newTestCache(t, fetcher, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := cache.Resolve(ctx, "id\x1fa", "https://slow/a.jpg"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}

	// The shared resolution carries on without the caller
	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := cache.Peek("id\x1fa"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("resolution did not complete after the caller left")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLookup_Unknown(t *testing.T) {
	cache := newTestCache(t, nil, 2)
	if _, ok := cache.Lookup(""); ok {
		t.Error("empty ref must never match")
	}
	if _, ok := cache.Lookup("deadbeef"); ok {
		t.Error("unknown ref must not match")
	}
}
