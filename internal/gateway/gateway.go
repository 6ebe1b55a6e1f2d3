package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/t3chn0func/webio/internal/call"
	"github.com/t3chn0func/webio/internal/provider"
)

var (
	ErrUnknownCall      = errors.New("gateway: unknown call")
	ErrProviderMismatch = errors.New("gateway: provider mismatch")
	ErrClosed           = errors.New("gateway: closed")
)

// CallDirectory is the read side of the call registry the gateway needs at
// attach time.
type CallDirectory interface {
	Get(id string) (call.Session, error)
}

// ProviderSource resolves provider connection parameters.
type ProviderSource interface {
	Get(id string) (provider.Config, error)
}

// Gateway owns the callId -> connection-set mapping and performs all frame
// dispatch. It is the only component that touches transports.
//
// Connection frames sent to one connection are delivered in order (single
// write pump per connection); no ordering holds across connections. A
// connection attaching concurrently with a broadcast may miss that broadcast;
// the attach handshake carries the current status so nothing is lost.
type Gateway struct {
	calls     CallDirectory
	providers ProviderSource
	log       *slog.Logger
	clock     func() time.Time

	mu     sync.RWMutex
	conns  map[string]*Conn            // by connection id
	byCall map[string]map[string]*Conn // call id -> connection id -> conn
	closed bool
}

func New(calls CallDirectory, providers ProviderSource, log *slog.Logger) *Gateway {
	return &Gateway{
		calls:     calls,
		providers: providers,
		log:       log,
		clock:     time.Now,
		conns:     make(map[string]*Conn),
		byCall:    make(map[string]map[string]*Conn),
	}
}

// Attach validates callID/providerID, registers the transport and sends the
// connection_established handshake. On error the transport is NOT closed;
// the caller owns it until Attach succeeds.
//
// The provider id is validated against the call's stored provider only, not
// against other attached connections (see the permissive-provider note in
// the tests).
func (g *Gateway) Attach(sock socket, callID, providerID string) (*Conn, error) {
	sess, err := g.calls.Get(callID)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCall, callID)
	}

	cfg, err := g.providers.Get(providerID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(providerID, sess.ProviderID) {
		return nil, fmt.Errorf("%w: call uses %q", ErrProviderMismatch, sess.ProviderID)
	}

	c := &Conn{
		id:         uuid.NewString(),
		callID:     sess.ID,
		providerID: strings.ToLower(providerID),
		attachedAt: g.clock().UTC(),
		cfg:        cfg,
		sock:       sock,
		send:       make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
		log:        g.log,
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrClosed
	}
	// Handshake goes into the queue before the connection is visible to
	// Broadcast (which takes g.mu), so it is always the first frame the
	// connection observes. Enqueue never blocks, so holding the lock here
	// is safe.
	c.enqueue(g.marshal(Envelope{
		Type: TypeConnectionEstablished,
		Data: ConnectionEstablishedData{
			ConnectionID: c.id,
			CallID:       c.callID,
			ProviderID:   c.providerID,
			Status:       string(sess.Status),
			Timestamp:    timestamp(c.attachedAt),
			Config:       cfg.Params(),
		},
	}))
	g.conns[c.id] = c
	set, ok := g.byCall[c.callID]
	if !ok {
		set = make(map[string]*Conn)
		g.byCall[c.callID] = set
	}
	set[c.id] = c
	g.mu.Unlock()

	go c.writePump()
	go c.readPump(g)

	g.log.Info("connection attached",
		"connection_id", c.id, "call_id", c.callID, "provider_id", c.providerID)
	return c, nil
}

// Detach removes the connection and releases its transport. Idempotent: the
// read pump, transport error paths and administrative shutdown may all call
// it without double-release.
func (g *Gateway) Detach(connectionID string) {
	g.mu.Lock()
	c, ok := g.conns[connectionID]
	if ok {
		delete(g.conns, connectionID)
		if set, ok := g.byCall[c.callID]; ok {
			delete(set, connectionID)
			if len(set) == 0 {
				delete(g.byCall, c.callID)
			}
		}
	}
	g.mu.Unlock()

	if !ok {
		return
	}
	c.close()
	g.log.Info("connection detached", "connection_id", connectionID, "call_id", c.callID)
}

// Send delivers one envelope to one connection. Unknown or unwritable
// connections are logged and skipped; Send never propagates transport
// failures into caller logic.
func (g *Gateway) Send(connectionID string, env Envelope) {
	g.mu.RLock()
	c, ok := g.conns[connectionID]
	g.mu.RUnlock()
	if !ok {
		g.log.Debug("send to unknown connection", "connection_id", connectionID)
		return
	}
	c.enqueue(g.marshal(env))
}

// Broadcast delivers one envelope to every connection currently attached to
// callID. Delivery order across connections is unspecified; per-connection
// order is preserved.
func (g *Gateway) Broadcast(callID string, env Envelope) {
	frame := g.marshal(env)

	g.mu.RLock()
	targets := make([]*Conn, 0, len(g.byCall[callID]))
	for _, c := range g.byCall[callID] {
		targets = append(targets, c)
	}
	g.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
}

// BroadcastCallStatus fans a status change out to every connection attached
// to the call.
func (g *Gateway) BroadcastCallStatus(callID, status string) {
	g.Broadcast(callID, Envelope{
		Type: TypeCallStatus,
		Data: CallStatusData{Status: status, Timestamp: timestamp(g.clock())},
	})
}

// BroadcastDTMFProcessed fans a processed DTMF event out to every connection
// attached to the call.
func (g *Gateway) BroadcastDTMFProcessed(callID, digit, method string) {
	g.Broadcast(callID, Envelope{
		Type: TypeDTMFProcessed,
		Data: DTMFProcessedData{Digit: digit, Method: method, Timestamp: timestamp(g.clock())},
	})
}

// ConnectionCount reports how many connections are attached to callID.
func (g *Gateway) ConnectionCount(callID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.byCall[callID])
}

// Close force-detaches every connection. Used on shutdown.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	all := make([]*Conn, 0, len(g.conns))
	for _, c := range g.conns {
		all = append(all, c)
	}
	g.conns = make(map[string]*Conn)
	g.byCall = make(map[string]map[string]*Conn)
	g.mu.Unlock()

	for _, c := range all {
		c.close()
	}
}

// handleInbound decodes and dispatches one client frame. Decode failures are
// answered in-band on the offending connection only; they never disturb the
// call or its other connections.
func (g *Gateway) handleInbound(c *Conn, raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		g.sendError(c, "Invalid message format")
		return
	}

	switch frame.Type {
	case typeDTMF:
		// DTMF over the channel is processed regardless of call status:
		// the digit relay method depends only on the provider config.
		if !call.ValidDTMFDigit(frame.Digit) {
			g.sendError(c, "Invalid DTMF digit")
			return
		}
		c.enqueue(g.marshal(Envelope{
			Type: TypeDTMFProcessed,
			Data: DTMFProcessedData{
				Digit:     frame.Digit,
				Method:    c.cfg.Media.Audio.DTMFType,
				Timestamp: timestamp(g.clock()),
			},
		}))

	case typeStatusUpdate:
		if frame.Status == "" {
			g.sendError(c, "Invalid status update")
			return
		}
		g.Broadcast(c.callID, Envelope{
			Type: TypeCallStatus,
			Data: CallStatusData{
				Status:     frame.Status,
				ProviderID: c.providerID,
				Timestamp:  timestamp(g.clock()),
			},
		})

	case typeMediaRequest:
		c.enqueue(g.marshal(Envelope{
			Type: TypeMediaConfig,
			Data: MediaConfigData{
				Audio:     c.cfg.Media.Audio,
				Video:     c.cfg.Media.Video,
				Timestamp: timestamp(g.clock()),
			},
		}))

	default:
		// Forward compatibility: newer clients may speak frame types this
		// gateway does not know yet.
		g.log.Warn("unknown inbound frame type", "type", frame.Type, "connection_id", c.id)
	}
}

func (g *Gateway) sendError(c *Conn, message string) {
	c.enqueue(g.marshal(Envelope{
		Type: TypeError,
		Data: ErrorData{Message: message, Timestamp: timestamp(g.clock())},
	}))
}

func (g *Gateway) marshal(env Envelope) []byte {
	frame, err := json.Marshal(env)
	if err != nil {
		// Envelope payloads are plain structs; this cannot fail in practice.
		g.log.Error("marshal frame failed", "type", env.Type, "err", err)
		return []byte(`{"type":"error","data":{"message":"internal error"}}`)
	}
	return frame
}
