package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/genricoloni/nowplaying/internal/hub"
	"go.uber.org/zap"
)

// recipientHandshake is the plain-text hello older overlays send on connect
const recipientHandshake = "RECIPIENT"

// maxClientFrame bounds frames read from clients; they only send small control messages
const maxClientFrame = 4096

// clientFrame is a control message from an overlay
type clientFrame struct {
	Type string `json:"type"`
	Seq  uint64 `json:"seq"`
}

// PushHandler upgrades requests to WebSocket and attaches them to the hub
type PushHandler struct {
	logger *zap.Logger
	hub    *hub.Hub
}

// NewPushHandler creates the push endpoint
func NewPushHandler(logger *zap.Logger, h *hub.Hub) *PushHandler {
	return &PushHandler{logger: logger, hub: h}
}

func (p *PushHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // local overlay files send a null origin
	})
	if err != nil {
		p.logger.Debug("WebSocket accept failed",
			zap.String("remote", r.RemoteAddr),
			zap.Error(err))
		return
	}
	conn.SetReadLimit(maxClientFrame)

	client, err := p.hub.Register(&wsConn{conn: conn})
	if err != nil {
		return
	}
	defer p.hub.Unregister(client)

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			p.logger.Debug("WebSocket read ended",
				zap.String("client", client.ID()),
				zap.Error(err))
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		p.handleFrame(client, data)
	}
}

func (p *PushHandler) handleFrame(client *hub.Client, data []byte) {
	if strings.TrimSpace(string(data)) == recipientHandshake {
		p.hub.Resync(client)
		return
	}

	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		p.logger.Debug("Ignoring client frame", zap.String("client", client.ID()), zap.Error(err))
		return
	}

	switch frame.Type {
	case "sync":
		p.hub.Resync(client)
	case "ack":
		p.hub.Ack(client, frame.Seq)
	default:
		p.logger.Debug("Unknown client frame type",
			zap.String("client", client.ID()),
			zap.String("type", frame.Type))
	}
}

// wsConn adapts a websocket connection to hub.Conn
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close(reason string) error {
	status := websocket.StatusNormalClosure
	switch reason {
	case hub.ReasonShutdown:
		status = websocket.StatusGoingAway
	case hub.ReasonSlow:
		status = websocket.StatusPolicyViolation
	case hub.ReasonSendFailed:
		// The connection is already broken; skip the close handshake
		return c.conn.CloseNow()
	}
	return c.conn.Close(status, reason)
}
