package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/genricoloni/nowplaying/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultQueueSize is the per-client backlog before a client counts as too slow
const DefaultQueueSize = 16

// ErrHubClosed is returned by Register after Close
var ErrHubClosed = errors.New("hub closed")

// Reasons passed to Conn.Close
const (
	ReasonShutdown     = "server shutting down"
	ReasonSlow         = "client too slow"
	ReasonSendFailed   = "send failed"
	ReasonDisconnected = "client disconnected"
)

// Conn is the write side of a client connection
type Conn interface {
	// Write sends one text frame, bounded by ctx
	Write(ctx context.Context, data []byte) error
	// Close ends the connection with a human-readable reason
	Close(reason string) error
}

// Client is one registered display client
type Client struct {
	id      uuid.UUID
	conn    Conn
	queue   chan []byte
	lastAck atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

// ID returns the client's unique id
func (c *Client) ID() string {
	return c.id.String()
}

// LastAck returns the highest sequence number the client acknowledged
func (c *Client) LastAck() uint64 {
	return c.lastAck.Load()
}

// Done is closed when the client's writer has exited
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) closeConn(reason string) {
	c.closeOnce.Do(func() {
		_ = c.conn.Close(reason)
	})
}

// Hub fans published messages out to every registered client. Each message is
// serialised once; every client drains its own queue on its own goroutine so a
// slow or dead client never holds up the others.
type Hub struct {
	logger      *zap.Logger
	sendTimeout time.Duration
	queueSize   int

	mu      sync.Mutex
	clients map[*Client]struct{}
	seq     uint64
	latest  *domain.Message
	closed  bool

	// marshal encodes every outgoing frame
	marshal func(any) ([]byte, error)

	writers sync.WaitGroup
}

// NewHub creates a hub. Every write to a client is bounded by sendTimeout.
func NewHub(logger *zap.Logger, sendTimeout time.Duration, queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		logger:      logger,
		sendTimeout: sendTimeout,
		queueSize:   queueSize,
		clients:     make(map[*Client]struct{}),
		marshal:     json.Marshal,
	}
}

// Register adds a client. The latest state is queued before the client becomes
// visible to Publish, so a joiner sees the replay first and then every later
// message in order.
func (h *Hub) Register(conn Conn) (*Client, error) {
	c := &Client{
		id:    uuid.New(),
		conn:  conn,
		queue: make(chan []byte, h.queueSize),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.closeConn(ReasonShutdown)
		close(c.done)
		return nil, ErrHubClosed
	}

	replay, err := h.replayLocked()
	if err != nil {
		h.mu.Unlock()
		c.closeConn(ReasonSendFailed)
		close(c.done)
		return nil, err
	}
	c.queue <- replay
	h.clients[c] = struct{}{}
	count := len(h.clients)

	h.writers.Add(1)
	h.mu.Unlock()

	go h.writeLoop(c)

	h.logger.Info("Client connected",
		zap.String("client", c.ID()),
		zap.Int("clients", count))
	return c, nil
}

// Unregister removes a client and closes its connection. Safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	h.remove(c, ReasonDisconnected, nil)
}

// Publish stamps msg with the next sequence number and queues it for every
// client. A client whose queue is full is dropped. It returns the stamped message.
func (h *Hub) Publish(msg domain.Message) domain.Message {
	h.mu.Lock()
	h.seq++
	msg.Seq = h.seq
	h.latest = &msg

	data, err := h.marshal(msg)
	if err != nil {
		h.mu.Unlock()
		h.logger.Error("Failed to encode message", zap.Uint64("seq", msg.Seq), zap.Error(err))
		return msg
	}

	var slow []*Client
	for c := range h.clients {
		select {
		case c.queue <- data:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		h.detachLocked(c)
	}
	count := len(h.clients)
	h.mu.Unlock()

	for _, c := range slow {
		h.logger.Warn("Client too slow, dropping",
			zap.String("client", c.ID()),
			zap.Int("queue", h.queueSize))
		go c.closeConn(ReasonSlow)
	}

	h.logger.Debug("Message published",
		zap.String("type", string(msg.Type)),
		zap.Uint64("seq", msg.Seq),
		zap.Int("clients", count))
	return msg
}

// Run publishes everything received on msgs until it is closed or ctx ends
func (h *Hub) Run(ctx context.Context, msgs <-chan domain.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			h.Publish(msg)
		}
	}
}

// Resync queues the latest state again as a full update for c
func (h *Hub) Resync(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}

	replay, err := h.replayLocked()
	if err != nil {
		h.mu.Unlock()
		return
	}

	select {
	case c.queue <- replay:
		h.mu.Unlock()
		h.logger.Debug("Client resynced", zap.String("client", c.ID()))
	default:
		h.detachLocked(c)
		h.mu.Unlock()
		h.logger.Warn("Client too slow, dropping", zap.String("client", c.ID()))
		go c.closeConn(ReasonSlow)
	}
}

// Ack records that c processed every message up to seq. Stale acks are ignored.
func (h *Hub) Ack(c *Client, seq uint64) {
	for {
		cur := c.lastAck.Load()
		if seq <= cur {
			return
		}
		if c.lastAck.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// Latest returns the most recently published message
func (h *Hub) Latest() (domain.Message, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest == nil {
		return domain.Message{}, false
	}
	return *h.latest, true
}

// ClientCount returns the number of registered clients
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close stops accepting clients, lets writers flush what is queued and closes
// every connection, all bounded by ctx.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		h.detachLocked(c)
	}
	h.mu.Unlock()

	h.logger.Info("Closing client connections", zap.Int("clients", len(clients)))

	flushed := make(chan struct{})
	go func() {
		h.writers.Wait()
		close(flushed)
	}()

	var err error
	select {
	case <-flushed:
	case <-ctx.Done():
		err = fmt.Errorf("flush client queues: %w", ctx.Err())
	}

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			c.closeConn(ReasonShutdown)
		}(c)
	}

	closed := make(chan struct{})
	go func() {
		wg.Wait()
		close(closed)
	}()

	select {
	case <-closed:
	case <-ctx.Done():
		if err == nil {
			err = fmt.Errorf("close client connections: %w", ctx.Err())
		}
	}
	return err
}

// replayLocked encodes the full state for a joining or resyncing client.
// Before anything was published the state is "nothing playing".
func (h *Hub) replayLocked() ([]byte, error) {
	var msg domain.Message
	if h.latest != nil {
		msg = h.latest.AsUpdate()
	} else {
		msg = domain.NewMessage(domain.MessageEmpty, domain.EmptySnapshot(time.Now()), "")
	}

	data, err := h.marshal(msg)
	if err != nil {
		h.logger.Error("Failed to encode replay", zap.Error(err))
		return nil, err
	}
	return data, nil
}

// detachLocked removes c from the fan-out set and ends its writer
func (h *Hub) detachLocked(c *Client) bool {
	if _, ok := h.clients[c]; !ok {
		return false
	}
	delete(h.clients, c)
	close(c.queue)
	return true
}

func (h *Hub) remove(c *Client, reason string, cause error) {
	h.mu.Lock()
	removed := h.detachLocked(c)
	count := len(h.clients)
	h.mu.Unlock()

	c.closeConn(reason)
	if !removed {
		return
	}

	fields := []zap.Field{
		zap.String("client", c.ID()),
		zap.String("reason", reason),
		zap.Int("clients", count),
	}
	if cause != nil {
		h.logger.Warn("Client dropped", append(fields, zap.Error(cause))...)
		return
	}
	h.logger.Info("Client disconnected", fields...)
}

// writeLoop drains c's queue until it is closed or a write fails
func (h *Hub) writeLoop(c *Client) {
	defer h.writers.Done()
	defer close(c.done)

	for data := range c.queue {
		ctx, cancel := context.WithTimeout(context.Background(), h.sendTimeout)
		err := c.conn.Write(ctx, data)
		timedOut := ctx.Err() != nil
		cancel()

		if err != nil {
			if timedOut {
				err = fmt.Errorf("%w after %s: %v", domain.ErrClientSendTimeout, h.sendTimeout, err)
			}
			h.remove(c, ReasonSendFailed, err)
			return
		}
	}
}
