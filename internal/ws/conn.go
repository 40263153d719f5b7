// Package ws owns the transport: it accepts WebSocket connections, drives
// the crypto handshake, runs the inbound/outbound loops, supervises
// liveness, and tears everything down on the way out.
package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/seenspeak/seenspeak/internal/call"
	"github.com/seenspeak/seenspeak/internal/envelope"
	"github.com/seenspeak/seenspeak/internal/protocol"
	"github.com/seenspeak/seenspeak/internal/registry"
	"github.com/seenspeak/seenspeak/internal/router"
)

const (
	// outboundQueueSize bounds the per-connection send queue.
	outboundQueueSize = 64

	// sendGrace is how long a blocked best-effort send may wait before the
	// frame is dropped for that connection.
	sendGrace = 200 * time.Millisecond
)

// Config carries the transport knobs a connection needs.
type Config struct {
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MessageRate       float64
	MessageBurst      int
}

// Conn is one client connection: transport handle, envelope state,
// authenticated identity, and the outbound queue.
type Conn struct {
	ws      *websocket.Conn
	env     *envelope.Envelope
	rt      *router.Router
	reg     *registry.Registry
	coord   *call.Coordinator
	cfg     Config
	limiter *rate.Limiter

	userID   atomic.Value // string
	lastPong atomic.Int64 // unix nanos

	out       chan *protocol.Message
	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

// Serve runs a connection to completion: handshake, then the inbound loop on
// the calling goroutine with outbound and heartbeat loops alongside. It
// returns when the connection is finished and cleaned up.
func Serve(wsConn *websocket.Conn, rt *router.Router, reg *registry.Registry, coord *call.Coordinator, cfg Config) {
	c := &Conn{
		ws:      wsConn,
		rt:      rt,
		reg:     reg,
		coord:   coord,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.MessageRate), cfg.MessageBurst),
		out:     make(chan *protocol.Message, outboundQueueSize),
		closed:  make(chan struct{}),
	}
	c.userID.Store("")
	defer c.cleanup()

	if err := c.handshake(); err != nil {
		slog.Debug("ws: handshake failed", "remote", wsConn.RemoteAddr(), "error", err)
		return
	}
	c.lastPong.Store(time.Now().UnixNano())

	go c.outboundLoop()
	go c.heartbeatLoop()

	c.inboundLoop()
}

// handshake emits the plaintext key-agreement offer and waits for the client
// half within the handshake budget. Anything unexpected drops the
// connection with no reply.
func (c *Conn) handshake() error {
	env, err := envelope.New()
	if err != nil {
		return err
	}

	offer := protocol.New(protocol.TypeHandshake, protocol.HandshakeOffer{
		ServerPublicKey: env.PublicKey(),
		Salt:            env.Salt(),
	})
	raw, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return err
	}

	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return err
	}
	_, replyRaw, err := c.ws.ReadMessage()
	if err != nil {
		return err
	}

	var reply protocol.Message
	if err := json.Unmarshal(replyRaw, &reply); err != nil {
		return err
	}
	if reply.MsgType != protocol.TypeHandshake {
		return envelope.ErrNotEstablished
	}
	var body protocol.HandshakeReply
	if err := reply.DecodePayload(&body); err != nil {
		return err
	}
	if err := env.Complete(body.ClientPublicKey); err != nil {
		return err
	}

	// Clear the handshake deadline; liveness is the heartbeat's job now.
	if err := c.ws.SetReadDeadline(time.Time{}); err != nil {
		return err
	}
	c.env = env
	return nil
}

// inboundLoop reads, opens, and dispatches frames in arrival order until the
// transport or the envelope fails.
func (c *Conn) inboundLoop() {
	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			c.Close()
			return
		}

		plaintext, err := c.env.Open(frame)
		if err != nil {
			// Undecryptable traffic is fatal; no reply on an
			// unauthenticated channel.
			slog.Debug("ws: dropping connection on decrypt failure", "remote", c.ws.RemoteAddr())
			c.Close()
			return
		}

		if !c.limiter.Allow() {
			busy := &protocol.Message{MsgType: "unknown"}
			c.Enqueue(protocol.ErrorReply(busy, protocol.ErrRateLimited, "message budget exceeded"))
			continue
		}

		if reply := c.rt.Dispatch(c, plaintext); reply != nil {
			if !c.EnqueueWait(reply) {
				slog.Warn("ws: reply dropped, outbound queue saturated", "user_id", c.UserID())
			}
		}
	}
}

// outboundLoop drains the queue, sealing and writing frames in enqueue
// order. It is the only writer after the handshake.
func (c *Conn) outboundLoop() {
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.out:
			if !c.writeSealed(msg) {
				c.Close()
				return
			}
		}
	}
}

// writeSealed seals and writes one frame. The mutex keeps the outbound loop
// and CloseWithNotice from interleaving writes on the gorilla connection.
func (c *Conn) writeSealed(msg *protocol.Message) bool {
	plaintext, err := json.Marshal(msg)
	if err != nil {
		slog.Error("ws: marshal outbound frame", "error", err)
		return true
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	frame, err := c.env.Seal(plaintext)
	if err != nil {
		return false
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame) == nil
}

// heartbeatLoop pings on the configured interval and drops the connection
// when the last pong ages past the threshold.
func (c *Conn) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, c.lastPong.Load())) > c.cfg.HeartbeatTimeout {
				slog.Info("ws: heartbeat timeout", "user_id", c.UserID())
				c.Close()
				return
			}
			c.Enqueue(protocol.New(protocol.TypePing, nil))
		}
	}
}

// cleanup runs once when Serve returns: session unregistration and call
// teardown. The envelope dies with the struct.
func (c *Conn) cleanup() {
	c.Close()
	if userID := c.UserID(); userID != "" {
		c.reg.Unregister(c)
		c.coord.Disconnect(userID, protocol.EndReasonPeerDisconnected)
	}
}

// UserID implements registry.Peer.
func (c *Conn) UserID() string {
	return c.userID.Load().(string)
}

// BindUser implements router.Conn.
func (c *Conn) BindUser(userID string) {
	c.userID.Store(userID)
}

// MarkPong implements router.Conn.
func (c *Conn) MarkPong() {
	c.lastPong.Store(time.Now().UnixNano())
}

// Enqueue implements registry.Peer: non-blocking best-effort send.
func (c *Conn) Enqueue(m *protocol.Message) bool {
	select {
	case <-c.closed:
		return false
	case c.out <- m:
		return true
	default:
		return false
	}
}

// EnqueueWait implements registry.Peer: blocks up to the send grace period.
func (c *Conn) EnqueueWait(m *protocol.Message) bool {
	timer := time.NewTimer(sendGrace)
	defer timer.Stop()
	select {
	case <-c.closed:
		return false
	case c.out <- m:
		return true
	case <-timer.C:
		return false
	}
}

// Close tears the connection down. Safe to call from any goroutine, any
// number of times.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

// CloseWithNotice implements registry.Peer: it delivers one final frame
// synchronously, bypassing the queue, then closes. Used when a session is
// displaced so the old device learns why it was cut off.
func (c *Conn) CloseWithNotice(m *protocol.Message) {
	select {
	case <-c.closed:
	default:
		if c.env != nil && c.env.Established() {
			c.writeSealed(m)
		}
	}
	c.Close()
}

// Verify interface compliance
var _ router.Conn = (*Conn)(nil)
var _ registry.Peer = (*Conn)(nil)
