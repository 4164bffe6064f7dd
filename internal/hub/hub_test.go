package hub

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/genricoloni/nowplaying/internal/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// fakeConn records frames; block makes every write wait for its context
type fakeConn struct {
	mu     sync.Mutex
	frames []domain.Message
	block  bool
	fail   error
	closed string
	got    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{got: make(chan struct{}, 128)}
}

func (f *fakeConn) Write(ctx context.Context, data []byte) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail != nil {
		return fail
	}
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	f.mu.Lock()
	f.frames = append(f.frames, msg)
	f.mu.Unlock()
	f.got <- struct{}{}
	return nil
}

func (f *fakeConn) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = reason
	return nil
}

func (f *fakeConn) waitFrames(t *testing.T, n int) []domain.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		f.mu.Lock()
		if len(f.frames) >= n {
			out := append([]domain.Message(nil), f.frames...)
			f.mu.Unlock()
			return out
		}
		f.mu.Unlock()
		select {
		case <-f.got:
		case <-deadline:
			t.Fatalf("timed out waiting for %d frames", n)
		}
	}
}

func (f *fakeConn) closeReason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func update(title string) domain.Message {
	snap := domain.PlaybackSnapshot{Title: title, Playing: true, CapturedAt: time.Now()}
	return domain.NewMessage(domain.MessageUpdate, snap, "")
}

func tick(title string, pos time.Duration) domain.Message {
	snap := domain.PlaybackSnapshot{Title: title, Position: pos, Playing: true, CapturedAt: time.Now()}
	return domain.NewMessage(domain.MessageTick, snap, "")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegister_ReplaysLatestState(t *testing.T) {
	h := NewHub(zap.NewNop(), time.Second, 0)

	early := newFakeConn()
	if _, err := h.Register(early); err != nil {
		t.Fatal(err)
	}
	frames := early.waitFrames(t, 1)
	if frames[0].Type != domain.MessageEmpty || frames[0].Seq != 0 {
		t.Errorf("joiner before any publish should see empty state, got %+v", frames[0])
	}

	h.Publish(update("A"))
	h.Publish(tick("A", time.Second))

	late := newFakeConn()
	if _, err := h.Register(late); err != nil {
		t.Fatal(err)
	}
	frames = late.waitFrames(t, 1)
	if frames[0].Type != domain.MessageUpdate || frames[0].Title != "A" {
		t.Errorf("replay should be a full update of the latest state, got %+v", frames[0])
	}
	if frames[0].PositionMs != 1000 || frames[0].Seq != 2 {
		t.Errorf("replay should carry the latest position and seq, got %+v", frames[0])
	}

	h.Publish(tick("A", 2*time.Second))
	frames = late.waitFrames(t, 2)
	if frames[1].Seq != 3 {
		t.Errorf("expected seq 3 after replay, got %d", frames[1].Seq)
	}
}

func TestRegister_EncodeFailureClosesConn(t *testing.T) {
	h := NewHub(zap.NewNop(), time.Second, 0)
	encodeErr := errors.New("encode failed")
	h.marshal = func(any) ([]byte, error) { return nil, encodeErr }

	conn := newFakeConn()
	c, err := h.Register(conn)
	if !errors.Is(err, encodeErr) {
		t.Fatalf("expected encode error, got %v", err)
	}
	if c != nil {
		t.Error("no client should be returned on failure")
	}
	if got := conn.closeReason(); got != ReasonSendFailed {
		t.Errorf("connection should be closed with %q, got %q", ReasonSendFailed, got)
	}
	if h.ClientCount() != 0 {
		t.Errorf("failed registration must not join, got %d clients", h.ClientCount())
	}
}

func TestPublish_OrderAndSequence(t *testing.T) {
	h := NewHub(zap.NewNop(), time.Second, 64)
	conns := []*fakeConn{newFakeConn(), newFakeConn(), newFakeConn()}
	for _, c := range conns {
		if _, err := h.Register(c); err != nil {
			t.Fatal(err)
		}
	}

	const n = 20
	for i := 0; i < n; i++ {
		h.Publish(tick("A", time.Duration(i)*time.Second))
	}

	for i, c := range conns {
		frames := c.waitFrames(t, n+1)
		for j := 1; j <= n; j++ {
			if frames[j].Seq != uint64(j) {
				t.Fatalf("client %d: frame %d has seq %d", i, j, frames[j].Seq)
			}
			if frames[j].PositionMs != int64(j-1)*1000 {
				t.Fatalf("client %d: frame %d out of order", i, j)
			}
		}
	}
}

func TestSlowClientIsolation(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	h := NewHub(zap.New(core), 50*time.Millisecond, 16)

	fast := newFakeConn()
	slow := newFakeConn()
	slow.block = true

	if _, err := h.Register(fast); err != nil {
		t.Fatal(err)
	}
	slowClient, err := h.Register(slow)
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	for i := 0; i < 10; i++ {
		h.Publish(tick("A", time.Duration(i)*time.Second))
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Publish must never block on a slow client")
	}

	frames := fast.waitFrames(t, 11)
	if frames[10].Seq != 10 {
		t.Errorf("fast client missed messages: last seq %d", frames[10].Seq)
	}

	<-slowClient.Done()
	waitFor(t, func() bool { return h.ClientCount() == 1 })
	waitFor(t, func() bool { return slow.closeReason() != "" })

	if logs.FilterMessage("Client too slow, dropping").Len() == 0 &&
		logs.FilterMessage("Client dropped").Len() == 0 {
		t.Error("dropping the slow client should be logged")
	}
}

func TestSendTimeout(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	h := NewHub(zap.New(core), 20*time.Millisecond, 16)

	stuck := newFakeConn()
	stuck.block = true
	c, err := h.Register(stuck)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("writer should give up after the send timeout")
	}

	waitFor(t, func() bool { return logs.FilterMessage("Client dropped").Len() == 1 })
	entry := logs.FilterMessage("Client dropped").All()[0]
	errField, ok := entry.ContextMap()["error"].(string)
	if !ok || !strings.Contains(errField, domain.ErrClientSendTimeout.Error()) {
		t.Errorf("expected send timeout error, got %v", entry.ContextMap()["error"])
	}
}

func TestDisconnectedClientExcluded(t *testing.T) {
	h := NewHub(zap.NewNop(), time.Second, 16)

	broken := newFakeConn()
	healthy := newFakeConn()

	brokenClient, _ := h.Register(broken)
	_, _ = h.Register(healthy)
	broken.waitFrames(t, 1)
	healthy.waitFrames(t, 1)

	// Client goes away mid-session
	broken.mu.Lock()
	broken.fail = errors.New("connection reset by peer")
	broken.mu.Unlock()

	h.Publish(update("A"))
	<-brokenClient.Done()
	waitFor(t, func() bool { return h.ClientCount() == 1 })

	h.Publish(update("B"))
	frames := healthy.waitFrames(t, 3)
	if frames[2].Title != "B" {
		t.Errorf("healthy client should keep receiving, got %+v", frames[2])
	}

	// Unregister is idempotent
	h.Unregister(brokenClient)
	h.Unregister(brokenClient)
	if h.ClientCount() != 1 {
		t.Errorf("expected 1 client, got %d", h.ClientCount())
	}
}

func TestResyncAndAck(t *testing.T) {
	h := NewHub(zap.NewNop(), time.Second, 16)
	conn := newFakeConn()
	c, _ := h.Register(conn)

	h.Publish(update("A"))
	h.Publish(tick("A", 3*time.Second))
	h.Resync(c)

	frames := conn.waitFrames(t, 4)
	if frames[3].Type != domain.MessageUpdate || frames[3].PositionMs != 3000 {
		t.Errorf("resync should replay the latest state as update, got %+v", frames[3])
	}

	h.Ack(c, 2)
	h.Ack(c, 1)
	if c.LastAck() != 2 {
		t.Errorf("ack must be monotonic, got %d", c.LastAck())
	}
}

func TestRun(t *testing.T) {
	h := NewHub(zap.NewNop(), time.Second, 16)
	conn := newFakeConn()
	_, _ = h.Register(conn)

	msgs := make(chan domain.Message, 2)
	msgs <- update("A")
	msgs <- tick("A", time.Second)
	close(msgs)

	if err := h.Run(context.Background(), msgs); err != nil {
		t.Fatalf("Run should end cleanly when the channel closes, got %v", err)
	}
	conn.waitFrames(t, 3)

	latest, ok := h.Latest()
	if !ok || latest.Seq != 2 || latest.Type != domain.MessageTick {
		t.Errorf("unexpected latest %+v", latest)
	}
}

func TestClose(t *testing.T) {
	h := NewHub(zap.NewNop(), time.Second, 16)
	a, b := newFakeConn(), newFakeConn()
	_, _ = h.Register(a)
	_, _ = h.Register(b)

	h.Publish(update("A"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	for _, c := range []*fakeConn{a, b} {
		if len(c.waitFrames(t, 2)) != 2 {
			t.Error("queued messages should be flushed before closing")
		}
		if c.closeReason() != "server shutting down" {
			t.Errorf("unexpected close reason %q", c.closeReason())
		}
	}

	late := newFakeConn()
	if _, err := h.Register(late); !errors.Is(err, ErrHubClosed) {
		t.Errorf("expected ErrHubClosed, got %v", err)
	}
	if h.ClientCount() != 0 {
		t.Errorf("expected no clients, got %d", h.ClientCount())
	}
}
