// Package call implements the two-party call state machine and the signaling
// relay. Each call runs as one actor goroutine owning all state transitions;
// connections, timers, and the media plane post events to it.
package call

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seenspeak/seenspeak/internal/archive"
	"github.com/seenspeak/seenspeak/internal/db"
	"github.com/seenspeak/seenspeak/internal/media"
	"github.com/seenspeak/seenspeak/internal/protocol"
	"github.com/seenspeak/seenspeak/internal/registry"
)

// Coordinator owns every live call and the participant index used for busy
// checks. Call state itself lives in the per-call actor; the coordinator's
// lock only guards the maps.
type Coordinator struct {
	reg          *registry.Registry
	database     *db.DB
	archiveStore archive.Store
	ringTimeout  time.Duration

	agents       media.AgentFactory
	transcribers media.TranscriberFactory

	mu     sync.Mutex
	calls  map[string]*Call // by call id
	byUser map[string]*Call // participant -> non-terminal call
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithCaptioning wires the factories for the server's caption ingest agent
// and transcriber. Without it calls run signaling-only.
func WithCaptioning(agents media.AgentFactory, transcribers media.TranscriberFactory) Option {
	return func(c *Coordinator) {
		c.agents = agents
		c.transcribers = transcribers
	}
}

// WithArchive wires the transcript archive store.
func WithArchive(store archive.Store) Option {
	return func(c *Coordinator) {
		c.archiveStore = store
	}
}

// WithRingTimeout overrides the invite ring timeout.
func WithRingTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.ringTimeout = d
	}
}

// NewCoordinator creates a coordinator backed by the given registry and
// repository.
func NewCoordinator(reg *registry.Registry, database *db.DB, opts ...Option) *Coordinator {
	c := &Coordinator{
		reg:         reg,
		database:    database,
		ringTimeout: 30 * time.Second,
		calls:       make(map[string]*Call),
		byUser:      make(map[string]*Call),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invite starts a call from caller to callee. On success the callee session
// has been notified and the returned call is ringing; on failure the error
// code explains why and no call exists.
func (c *Coordinator) Invite(callerID, calleeID string) (string, string) {
	if callerID == calleeID {
		return "", protocol.ErrSchemaError
	}

	calleePeer, ok := c.reg.Lookup(calleeID)
	if !ok {
		return "", protocol.ErrTargetNotAvailable
	}

	c.mu.Lock()
	if _, busy := c.byUser[callerID]; busy {
		c.mu.Unlock()
		return "", protocol.ErrAlreadyInviting
	}
	if _, busy := c.byUser[calleeID]; busy {
		c.mu.Unlock()
		return "", protocol.ErrTargetBusy
	}

	call := newCall(c, callerID, calleeID)
	c.calls[call.id] = call
	c.byUser[callerID] = call
	c.byUser[calleeID] = call
	c.mu.Unlock()

	go call.run()

	invite := protocol.New(protocol.TypeCallInvite, protocol.CallInvitePush{
		CallID: call.id,
		From:   callerID,
	})
	if !calleePeer.Enqueue(invite) {
		// The callee vanished between lookup and delivery; fold the race
		// into the disconnect path so the call ends deterministically.
		call.post(event{kind: evDisconnect, userID: calleeID})
		return "", protocol.ErrTargetNotAvailable
	}

	slog.Info("call: invite", "call_id", call.id, "caller", callerID, "callee", calleeID)
	return call.id, ""
}

// Accept posts the callee's acceptance. Returns a wire error code, or "".
func (c *Coordinator) Accept(callID, userID string) string {
	return c.request(callID, event{kind: evAccept, userID: userID})
}

// Reject posts the callee's rejection. Returns a wire error code, or "".
func (c *Coordinator) Reject(callID, userID string) string {
	return c.request(callID, event{kind: evReject, userID: userID})
}

// End posts a hang-up from either participant. Returns a wire error code,
// or "".
func (c *Coordinator) End(callID, userID string) string {
	return c.request(callID, event{kind: evEnd, userID: userID, reason: protocol.EndReasonHangup})
}

// Signal relays an offer/answer/ice_candidate/video_state message from a
// participant to its target. Returns a wire error code, or "".
func (c *Coordinator) Signal(userID, msgType string, payload protocol.SignalPayload) string {
	return c.request(payload.CallID, event{
		kind:    evSignal,
		userID:  userID,
		msgType: msgType,
		signal:  payload,
	})
}

// Disconnect ends whatever non-terminal call the user participates in,
// because their connection went away. reason is SESSION_REPLACED when a new
// session displaced the old one, PEER_DISCONNECTED otherwise.
func (c *Coordinator) Disconnect(userID, reason string) {
	c.mu.Lock()
	call := c.byUser[userID]
	c.mu.Unlock()
	if call == nil {
		return
	}
	call.post(event{kind: evDisconnect, userID: userID, reason: reason})
}

// Shutdown ends every live call and waits for their terminal transitions.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	live := make([]*Call, 0, len(c.calls))
	for _, call := range c.calls {
		live = append(live, call)
	}
	c.mu.Unlock()

	for _, call := range live {
		call.post(event{kind: evShutdown})
	}
	for _, call := range live {
		<-call.done
	}
}

// ActiveCalls returns the number of non-terminal calls.
func (c *Coordinator) ActiveCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// request posts an event carrying a reply channel and waits for the actor's
// verdict. NO_SUCH_CALL covers both unknown ids and terminal races.
func (c *Coordinator) request(callID string, ev event) string {
	c.mu.Lock()
	call := c.calls[callID]
	c.mu.Unlock()
	if call == nil {
		return protocol.ErrNoSuchCall
	}

	ev.errc = make(chan string, 1)
	if !call.post(ev) {
		return protocol.ErrNoSuchCall
	}
	return <-ev.errc
}

// remove drops a terminal call from the indexes. Called by the actor on its
// way out.
func (c *Coordinator) remove(call *Call) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.calls, call.id)
	if c.byUser[call.callerID] == call {
		delete(c.byUser, call.callerID)
	}
	if c.byUser[call.calleeID] == call {
		delete(c.byUser, call.calleeID)
	}
}

func newCallID() string {
	return uuid.New().String()
}
