package call

import (
	"context"
	"log/slog"
	"time"

	"github.com/seenspeak/seenspeak/internal/caption"
	"github.com/seenspeak/seenspeak/internal/db"
	"github.com/seenspeak/seenspeak/internal/media"
	"github.com/seenspeak/seenspeak/internal/protocol"
)

// State is the call lifecycle position. Transitions happen only on the
// call's actor goroutine.
type State int

const (
	StateInviting State = iota
	StateAccepted
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateInviting:
		return "inviting"
	case StateAccepted:
		return "accepted"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

type eventKind int

const (
	evAccept eventKind = iota
	evReject
	evEnd
	evSignal
	evDisconnect
	evShutdown
)

type event struct {
	kind    eventKind
	userID  string
	reason  string
	msgType string
	signal  protocol.SignalPayload
	errc    chan string // nil for fire-and-forget events
}

// Call is one two-party call actor. All fields below mu-free because only
// run() touches them after construction.
type Call struct {
	id       string
	callerID string
	calleeID string
	coord    *Coordinator

	state     State
	startedAt time.Time
	endedAt   time.Time

	events chan event
	done   chan struct{}

	// Captioning plumbing, nil until Accepted.
	agent       media.Agent
	transcriber media.Transcriber
	fanout      *caption.FanOut
	captionStop context.CancelFunc
}

func newCall(coord *Coordinator, callerID, calleeID string) *Call {
	return &Call{
		id:        newCallID(),
		callerID:  callerID,
		calleeID:  calleeID,
		coord:     coord,
		state:     StateInviting,
		startedAt: time.Now().UTC(),
		events:    make(chan event, 32),
		done:      make(chan struct{}),
	}
}

// post delivers an event to the actor. Returns false if the call already
// reached its terminal state and the actor is gone.
func (c *Call) post(ev event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// run is the actor loop: it owns every state transition from Inviting to
// Ended, including the ring timer.
func (c *Call) run() {
	defer close(c.done)
	defer c.coord.remove(c)

	ring := time.NewTimer(c.coord.ringTimeout)
	defer ring.Stop()

	for c.state != StateEnded {
		select {
		case <-ring.C:
			if c.state == StateInviting {
				c.end(c.calleeID, protocol.EndReasonTimeout)
			}
		case ev := <-c.events:
			c.handle(ev, ring)
		}
	}
}

func (c *Call) handle(ev event, ring *time.Timer) {
	reply := func(code string) {
		if ev.errc != nil {
			ev.errc <- code
		}
	}

	switch ev.kind {
	case evAccept:
		if ev.userID != c.calleeID || c.state != StateInviting {
			reply(protocol.ErrNoSuchCall)
			return
		}
		ring.Stop()
		c.state = StateAccepted
		c.startCaptioning()
		c.broadcast(protocol.TypeCallAccept, protocol.CallEventPush{CallID: c.id, From: c.calleeID})
		slog.Info("call: accepted", "call_id", c.id)
		reply("")

	case evReject:
		if ev.userID != c.calleeID || c.state != StateInviting {
			reply(protocol.ErrNoSuchCall)
			return
		}
		reply("")
		c.end(c.calleeID, protocol.EndReasonRejected)

	case evEnd:
		if !c.participant(ev.userID) || (c.state != StateAccepted && c.state != StateActive) {
			reply(protocol.ErrNoSuchCall)
			return
		}
		reply("")
		c.end(ev.userID, ev.reason)

	case evSignal:
		reply(c.relay(ev))

	case evDisconnect:
		if !c.participant(ev.userID) {
			return
		}
		reason := ev.reason
		if reason == "" {
			reason = protocol.EndReasonPeerDisconnected
		}
		c.end(ev.userID, reason)

	case evShutdown:
		c.end("", protocol.EndReasonServerShutdown)
	}
}

// relay forwards one signaling message, rewriting from and leaving the
// SDP/ICE body untouched. Messages addressed to "server" drive the caption
// agent instead.
func (c *Call) relay(ev event) string {
	if !c.participant(ev.userID) {
		return protocol.ErrNoSuchCall
	}
	if c.state != StateAccepted && c.state != StateActive {
		return protocol.ErrNoSuchCall
	}

	if ev.signal.Target == protocol.ServerTarget {
		return c.serverSignal(ev)
	}

	target := c.peerOf(ev.userID)
	peer, ok := c.coord.reg.Lookup(target)
	if !ok {
		return protocol.ErrTargetNotAvailable
	}

	// The first answer between the peers marks the media leg up.
	if ev.msgType == protocol.TypeAnswer && c.state == StateAccepted {
		c.state = StateActive
		slog.Info("call: active", "call_id", c.id)
	}

	out := ev.signal
	out.From = ev.userID
	out.Target = ""
	if !peer.Enqueue(protocol.New(ev.msgType, out)) {
		return protocol.ErrTargetNotAvailable
	}
	return ""
}

// serverSignal handles offer/ice addressed to the server's caption agent.
func (c *Call) serverSignal(ev event) string {
	if c.agent == nil {
		return protocol.ErrTargetNotAvailable
	}

	switch ev.msgType {
	case protocol.TypeOffer:
		answer, err := c.agent.AcceptOffer(ev.signal.SDP)
		if err != nil {
			slog.Error("call: caption agent rejected offer", "call_id", c.id, "error", err)
			return protocol.ErrTargetNotAvailable
		}
		c.pushTo(ev.userID, protocol.New(protocol.TypeAnswer, protocol.SignalPayload{
			CallID: c.id,
			From:   protocol.ServerTarget,
			SDP:    answer,
		}))
		return ""
	case protocol.TypeIceCandidate:
		if err := c.agent.AddICE(ev.signal.Candidate, ev.signal.Mid, ev.signal.MLineIdx); err != nil {
			slog.Debug("call: bad ice candidate for caption agent", "call_id", c.id, "error", err)
		}
		return ""
	default:
		return protocol.ErrSchemaError
	}
}

// startCaptioning brings up the server media endpoint on the Accepted
// transition. The captured participant is the caller; the transcriber model
// follows the caller's stored preference. Failures log and degrade the call
// to signaling-only.
func (c *Call) startCaptioning() {
	if c.coord.agents == nil || c.coord.transcribers == nil {
		return
	}

	source := string(db.ModelLip)
	if user, err := c.coord.database.GetUserByID(c.callerID); err != nil {
		slog.Error("call: load model preference", "call_id", c.id, "error", err)
	} else if user != nil && user.ModelPreference != "" {
		source = string(user.ModelPreference)
	}

	agent, err := c.coord.agents()
	if err != nil {
		slog.Error("call: caption agent unavailable", "call_id", c.id, "error", err)
		return
	}
	transcriber, err := c.coord.transcribers(source)
	if err != nil {
		slog.Error("call: transcriber unavailable", "call_id", c.id, "source", source, "error", err)
		agent.Dispose()
		return
	}

	c.agent = agent
	c.transcriber = transcriber
	c.fanout = caption.New(c.id, c.callerID, c.calleeID, c.coord.reg.Lookup)

	ctx, cancel := context.WithCancel(context.Background())
	c.captionStop = cancel

	agent.OnFrame(func(f media.Frame) { transcriber.Ingest(f) })
	agent.OnICECandidate(func(candidate string) {
		c.pushTo(c.callerID, protocol.New(protocol.TypeIceCandidate, protocol.SignalPayload{
			CallID:    c.id,
			From:      protocol.ServerTarget,
			Candidate: candidate,
		}))
	})

	speaker := c.callerID
	go c.fanout.Consume(ctx, speaker, transcriber)
}

// end performs the terminal transition exactly once: stop captioning,
// notify the parties that didn't initiate, persist the record.
func (c *Call) end(initiator, reason string) {
	if c.state == StateEnded {
		return
	}
	accepted := c.state == StateAccepted || c.state == StateActive
	c.state = StateEnded
	c.endedAt = time.Now().UTC()

	if c.captionStop != nil {
		c.captionStop()
	}
	if c.transcriber != nil {
		c.transcriber.Close()
	}
	if c.agent != nil {
		c.agent.Dispose()
	}

	push := protocol.CallEventPush{CallID: c.id, From: initiator, Reason: reason}
	if initiator == "" {
		push.From = protocol.ServerTarget
	}
	for _, userID := range []string{c.callerID, c.calleeID} {
		if userID == initiator {
			continue
		}
		c.pushTo(userID, protocol.New(protocol.TypeCallEnd, push))
	}

	c.persist(accepted, reason)
	slog.Info("call: ended", "call_id", c.id, "reason", reason)
}

func (c *Call) persist(accepted bool, reason string) {
	callType := db.CallMissed
	switch {
	case accepted:
		callType = db.CallCompleted
	case reason == protocol.EndReasonRejected:
		callType = db.CallRejected
	}

	rec := db.CallRecord{
		ID:        c.id,
		CallerID:  c.callerID,
		CalleeID:  c.calleeID,
		Type:      callType,
		StartedAt: c.startedAt,
		EndedAt:   c.endedAt,
	}
	if c.fanout != nil {
		rec.Transcripts = c.fanout.Lines()
	}

	if err := c.coord.database.CreateCall(rec); err != nil {
		slog.Error("call: persist record", "call_id", c.id, "error", err)
	}

	if c.coord.archiveStore != nil && len(rec.Transcripts) > 0 {
		if err := c.coord.archiveStore.SaveTranscript(rec); err != nil {
			slog.Warn("call: archive transcript", "call_id", c.id, "error", err)
		}
	}
}

func (c *Call) participant(userID string) bool {
	return userID == c.callerID || userID == c.calleeID
}

func (c *Call) peerOf(userID string) string {
	if userID == c.callerID {
		return c.calleeID
	}
	return c.callerID
}

// broadcast pushes to both participants.
func (c *Call) broadcast(msgType string, payload any) {
	msg := protocol.New(msgType, payload)
	c.pushTo(c.callerID, msg)
	c.pushTo(c.calleeID, msg)
}

func (c *Call) pushTo(userID string, msg *protocol.Message) {
	if peer, ok := c.coord.reg.Lookup(userID); ok {
		peer.Enqueue(msg)
	}
}
