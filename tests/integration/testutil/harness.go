// Package testutil provides an in-process server harness and a protocol
// client for integration and e2e tests. The client speaks the real wire
// format: WebSocket transport, X25519 handshake, sealed frames.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seenspeak/seenspeak/internal/call"
	"github.com/seenspeak/seenspeak/internal/db"
	"github.com/seenspeak/seenspeak/internal/envelope"
	"github.com/seenspeak/seenspeak/internal/handlers"
	"github.com/seenspeak/seenspeak/internal/media"
	"github.com/seenspeak/seenspeak/internal/protocol"
	"github.com/seenspeak/seenspeak/internal/registry"
	"github.com/seenspeak/seenspeak/internal/router"
	"github.com/seenspeak/seenspeak/internal/token"
	"github.com/seenspeak/seenspeak/internal/ws"
)

// Harness is one running in-process server.
type Harness struct {
	URL   string
	DB    *db.DB
	Coord *call.Coordinator
	Reg   *registry.Registry

	srv *httptest.Server
}

// Options tune the harness.
type Options struct {
	RingTimeout  time.Duration
	Heartbeat    time.Duration // interval; timeout is 1.5x
	Agents       media.AgentFactory
	Transcribers media.TranscriberFactory
}

// Start boots a server with an in-memory database.
func Start(opts Options) (*Harness, error) {
	database, err := db.Open(":memory:")
	if err != nil {
		return nil, err
	}

	key, err := token.GenerateKey()
	if err != nil {
		database.Close()
		return nil, err
	}
	tokens := token.NewService(key, database, 15*time.Minute, time.Hour)
	reg := registry.New()

	callOpts := []call.Option{}
	if opts.RingTimeout > 0 {
		callOpts = append(callOpts, call.WithRingTimeout(opts.RingTimeout))
	}
	if opts.Agents != nil && opts.Transcribers != nil {
		callOpts = append(callOpts, call.WithCaptioning(opts.Agents, opts.Transcribers))
	}
	coord := call.NewCoordinator(reg, database, callOpts...)
	rt := router.New(tokens, handlers.New(database, tokens), coord, reg)

	cfg := ws.Config{
		HandshakeTimeout:  2 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  15 * time.Second,
		MessageRate:       200,
		MessageBurst:      200,
	}
	if opts.Heartbeat > 0 {
		cfg.HeartbeatInterval = opts.Heartbeat
		cfg.HeartbeatTimeout = opts.Heartbeat * 3 / 2
	}

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go ws.Serve(conn, rt, reg, coord, cfg)
	}))

	return &Harness{
		URL:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		DB:    database,
		Coord: coord,
		Reg:   reg,
		srv:   srv,
	}, nil
}

// Stop shuts the harness down.
func (h *Harness) Stop() {
	h.Coord.Shutdown()
	h.srv.Close()
	h.DB.Close()
}

// Client is a protocol-complete test client. It answers server pings
// automatically and buffers out-of-band pushes so tests can await specific
// message types.
type Client struct {
	conn *websocket.Conn
	env  *envelope.Envelope

	UserID       string
	AccessToken  string
	RefreshToken string

	mu      sync.Mutex
	pending []*protocol.Message
}

// Dial connects and completes the crypto handshake.
func Dial(url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	var offerMsg protocol.Message
	if err := json.Unmarshal(raw, &offerMsg); err != nil {
		conn.Close()
		return nil, err
	}
	var offer protocol.HandshakeOffer
	if err := offerMsg.DecodePayload(&offer); err != nil {
		conn.Close()
		return nil, err
	}

	env, clientPub, err := envelope.NewClient(offer.ServerPublicKey, offer.Salt)
	if err != nil {
		conn.Close()
		return nil, err
	}
	reply := protocol.New(protocol.TypeHandshake, protocol.HandshakeReply{ClientPublicKey: clientPub})
	rawReply, _ := json.Marshal(reply)
	if err := conn.WriteMessage(websocket.TextMessage, rawReply); err != nil {
		conn.Close()
		return nil, err
	}

	return &Client{conn: conn, env: env}, nil
}

// Close drops the connection.
func (c *Client) Close() {
	c.conn.Close()
}

// Send seals and writes one message.
func (c *Client) Send(msg *protocol.Message) error {
	plaintext, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	frame, err := c.env.Seal(plaintext)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// SendAuthed stamps the client's credentials onto the message and sends it.
func (c *Client) SendAuthed(msg *protocol.Message) error {
	msg.JWT = c.AccessToken
	msg.UserID = c.UserID
	return c.Send(msg)
}

// Await returns the next inbound frame of the given type within the timeout,
// transparently answering pings and buffering other frames.
func (c *Client) Await(msgType string, timeout time.Duration) (*protocol.Message, error) {
	deadline := time.Now().Add(timeout)

	// Check frames buffered by earlier Await calls first.
	c.mu.Lock()
	for i, m := range c.pending {
		if m.MsgType == msgType {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			c.mu.Unlock()
			return m, nil
		}
	}
	c.mu.Unlock()

	for time.Now().Before(deadline) {
		c.conn.SetReadDeadline(deadline)
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		plaintext, err := c.env.Open(frame)
		if err != nil {
			return nil, err
		}
		var msg protocol.Message
		if err := json.Unmarshal(plaintext, &msg); err != nil {
			return nil, err
		}

		switch {
		case msg.MsgType == protocol.TypePing:
			c.Send(protocol.New(protocol.TypePong, nil))
		case msg.MsgType == msgType:
			return &msg, nil
		default:
			c.mu.Lock()
			c.pending = append(c.pending, &msg)
			c.mu.Unlock()
		}
	}
	return nil, fmt.Errorf("no %s frame within %v", msgType, timeout)
}

// Signup registers an account and stores the issued credentials.
func (c *Client) Signup(username, password, name string) (*protocol.Message, error) {
	err := c.Send(protocol.New(protocol.TypeSignup, protocol.SignupRequest{
		Username: username, Password: password, Name: name,
	}))
	if err != nil {
		return nil, err
	}
	reply, err := c.Await(protocol.TypeSignup, 3*time.Second)
	if err != nil {
		return nil, err
	}
	if reply.Success {
		var resp protocol.SignupResponse
		if err := reply.DecodePayload(&resp); err != nil {
			return nil, err
		}
		c.UserID = resp.UserID
		c.AccessToken = resp.AccessToken
		c.RefreshToken = resp.RefreshToken
	}
	return reply, nil
}

// Authenticate logs in and stores the issued credentials.
func (c *Client) Authenticate(username, password string) (*protocol.Message, error) {
	err := c.Send(protocol.New(protocol.TypeAuthenticate, protocol.AuthenticateRequest{
		Username: username, Password: password,
	}))
	if err != nil {
		return nil, err
	}
	reply, err := c.Await(protocol.TypeAuthenticate, 3*time.Second)
	if err != nil {
		return nil, err
	}
	if reply.Success {
		var resp protocol.AuthenticateResponse
		if err := reply.DecodePayload(&resp); err != nil {
			return nil, err
		}
		c.UserID = resp.UserID
		c.AccessToken = resp.AccessToken
		c.RefreshToken = resp.RefreshToken
	}
	return reply, nil
}

// Request sends an authenticated request and awaits its echo-typed reply.
func (c *Client) Request(msgType string, payload any) (*protocol.Message, error) {
	if err := c.SendAuthed(protocol.New(msgType, payload)); err != nil {
		return nil, err
	}
	return c.Await(msgType, 3*time.Second)
}
