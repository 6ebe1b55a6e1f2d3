package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/t3chn0func/webio/internal/provider"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong. Missing it force-detaches the
	// connection (liveness policy).
	pongWait = 60 * time.Second

	// Ping interval; must be less than pongWait.
	pingPeriod = 45 * time.Second

	maxMessageSize = 4096

	// Outbound queue per connection. A full queue drops frames rather
	// than blocking broadcasts (the peer is too slow to matter).
	sendBuffer = 32
)

// socket is the subset of *websocket.Conn the gateway relies on,
// abstracted so tests can attach in-memory peers.
type socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Conn is one attached bidirectional channel observing a call.
//
// The transport handle is owned by the connection between attach and detach:
// the write pump is the only goroutine writing to the socket (which is what
// preserves per-connection message order), and it closes the socket on every
// exit path.
type Conn struct {
	id         string
	callID     string
	providerID string
	attachedAt time.Time
	cfg        provider.Config

	sock socket
	send chan []byte
	done chan struct{}
	once sync.Once

	log *slog.Logger
}

// ID returns the connection id assigned at attach time.
func (c *Conn) ID() string { return c.id }

// CallID returns the call this connection is attached to.
func (c *Conn) CallID() string { return c.callID }

// close makes the pumps wind down. Idempotent; safe from any goroutine.
func (c *Conn) close() {
	c.once.Do(func() { close(c.done) })
}

// enqueue hands a marshaled frame to the write pump without ever blocking
// the caller. Frames for a closing or saturated connection are dropped with
// a log entry.
func (c *Conn) enqueue(frame []byte) {
	select {
	case <-c.done:
		c.log.Debug("drop frame for closed connection", "connection_id", c.id)
	case c.send <- frame:
	default:
		c.log.Warn("outbound queue full, dropping frame", "connection_id", c.id, "call_id", c.callID)
	}
}

// writePump is the single writer for the socket. It also owns liveness
// pings and the final close handshake.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.sock.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("write failed", "connection_id", c.id, "err", err)
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.sock.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

// readPump consumes inbound frames until the peer goes away, then detaches.
// Detach is idempotent, so racing an administrative detach is fine.
func (c *Conn) readPump(g *Gateway) {
	defer g.Detach(c.id)

	c.sock.SetReadLimit(maxMessageSize)
	_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read failed", "connection_id", c.id, "err", err)
			}
			return
		}
		g.handleInbound(c, raw)
	}
}
