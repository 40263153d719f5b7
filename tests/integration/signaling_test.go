package integration

import (
	"sync"
	"testing"
	"time"

	"github.com/seenspeak/seenspeak/internal/media"
	"github.com/seenspeak/seenspeak/internal/protocol"
	"github.com/seenspeak/seenspeak/tests/integration/testutil"
)

func startHarness(t *testing.T, opts testutil.Options) *testutil.Harness {
	t.Helper()
	h, err := testutil.Start(opts)
	if err != nil {
		t.Fatalf("start harness: %v", err)
	}
	t.Cleanup(h.Stop)
	return h
}

func dial(t *testing.T, h *testutil.Harness) *testutil.Client {
	t.Helper()
	c, err := testutil.Dial(h.URL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func mustSignup(t *testing.T, c *testutil.Client, username string) {
	t.Helper()
	reply, err := c.Signup(username, "Abcdef!1", username)
	if err != nil {
		t.Fatalf("signup %s: %v", username, err)
	}
	if !reply.Success {
		t.Fatalf("signup %s failed: %s %s", username, reply.ErrorCode, reply.ErrorMessage)
	}
}

func TestSignupThenCallEndToEnd(t *testing.T) {
	h := startHarness(t, testutil.Options{})
	ada := dial(t, h)
	bob := dial(t, h)
	mustSignup(t, ada, "ada")
	mustSignup(t, bob, "bob")

	// ada adds bob as a contact.
	reply, err := ada.Request(protocol.TypeAddContact, protocol.AddContactRequest{ContactUsername: "bob"})
	if err != nil || !reply.Success {
		t.Fatalf("add_contact: %v %+v", err, reply)
	}

	// ada invites bob.
	reply, err = ada.Request(protocol.TypeCallInvite, protocol.CallInviteRequest{Target: bob.UserID})
	if err != nil || !reply.Success {
		t.Fatalf("call_invite: %v %+v", err, reply)
	}
	var inviteResp protocol.CallInvitePush
	reply.DecodePayload(&inviteResp)
	callID := inviteResp.CallID

	// bob receives the invite push.
	push, err := bob.Await(protocol.TypeCallInvite, 3*time.Second)
	if err != nil {
		t.Fatalf("await invite: %v", err)
	}
	var invite protocol.CallInvitePush
	push.DecodePayload(&invite)
	if invite.From != ada.UserID || invite.CallID != callID {
		t.Fatalf("unexpected invite: %+v", invite)
	}

	// bob accepts; both sides see the mirror.
	reply, err = bob.Request(protocol.TypeCallAccept, protocol.CallAnswerRequest{CallID: callID})
	if err != nil || !reply.Success {
		t.Fatalf("call_accept: %v %+v", err, reply)
	}
	if _, err := ada.Await(protocol.TypeCallAccept, 3*time.Second); err != nil {
		t.Fatalf("ada accept mirror: %v", err)
	}

	// Signaling relay: offer from ada arrives at bob with from rewritten
	// and SDP untouched.
	reply, err = ada.Request(protocol.TypeOffer, protocol.SignalPayload{
		CallID: callID, Target: bob.UserID, SDP: "v=0 test-offer",
	})
	if err != nil || !reply.Success {
		t.Fatalf("offer: %v %+v", err, reply)
	}
	offerPush, err := bob.Await(protocol.TypeOffer, 3*time.Second)
	if err != nil {
		t.Fatalf("await offer: %v", err)
	}
	var offer protocol.SignalPayload
	offerPush.DecodePayload(&offer)
	if offer.From != ada.UserID || offer.SDP != "v=0 test-offer" {
		t.Fatalf("relay mangled the offer: %+v", offer)
	}

	// Answer back; ICE both ways.
	if _, err = bob.Request(protocol.TypeAnswer, protocol.SignalPayload{CallID: callID, Target: ada.UserID, SDP: "v=0 test-answer"}); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if _, err := ada.Await(protocol.TypeAnswer, 3*time.Second); err != nil {
		t.Fatalf("await answer: %v", err)
	}
	if _, err = ada.Request(protocol.TypeIceCandidate, protocol.SignalPayload{CallID: callID, Target: bob.UserID, Candidate: "candidate:1"}); err != nil {
		t.Fatalf("ice: %v", err)
	}
	if _, err := bob.Await(protocol.TypeIceCandidate, 3*time.Second); err != nil {
		t.Fatalf("await ice: %v", err)
	}

	// ada hangs up; bob gets the push.
	reply, err = ada.Request(protocol.TypeCallEnd, protocol.CallAnswerRequest{CallID: callID})
	if err != nil || !reply.Success {
		t.Fatalf("call_end: %v %+v", err, reply)
	}
	endPush, err := bob.Await(protocol.TypeCallEnd, 3*time.Second)
	if err != nil {
		t.Fatalf("await call_end: %v", err)
	}
	var end protocol.CallEventPush
	endPush.DecodePayload(&end)
	if end.From != ada.UserID {
		t.Fatalf("call_end from = %q", end.From)
	}

	// A record exists with ended_at >= started_at, visible in history.
	histReply, err := ada.Request(protocol.TypeFetchCallHistory, protocol.CallHistoryRequest{Limit: 10})
	if err != nil || !histReply.Success {
		t.Fatalf("fetch_call_history: %v %+v", err, histReply)
	}
	var hist protocol.CallHistoryResponse
	histReply.DecodePayload(&hist)
	if len(hist.Calls) != 1 {
		t.Fatalf("history has %d calls, want 1", len(hist.Calls))
	}
	entry := hist.Calls[0]
	if entry.CallerID != ada.UserID || entry.CalleeID != bob.UserID || entry.Type != "outgoing" {
		t.Errorf("unexpected history entry: %+v", entry)
	}
	rec, err := h.DB.GetCall(callID)
	if err != nil || rec == nil {
		t.Fatalf("call record missing: %v", err)
	}
	if rec.EndedAt.Before(rec.StartedAt) {
		t.Errorf("ended_at %v before started_at %v", rec.EndedAt, rec.StartedAt)
	}
}

func TestMissedCallTargetNotAvailable(t *testing.T) {
	h := startHarness(t, testutil.Options{})
	ada := dial(t, h)
	mustSignup(t, ada, "ada")

	reply, err := ada.Request(protocol.TypeCallInvite, protocol.CallInviteRequest{Target: "U_NOBODY"})
	if err != nil {
		t.Fatalf("call_invite: %v", err)
	}
	if reply.Success || reply.ErrorCode != protocol.ErrTargetNotAvailable {
		t.Fatalf("got %s, want TARGET_NOT_AVAILABLE", reply.ErrorCode)
	}

	calls, _ := h.DB.ListCallsByUser(ada.UserID, 10)
	if len(calls) != 0 {
		t.Errorf("no record should exist, got %d", len(calls))
	}
}

func TestRingTimeoutProducesMissedRecord(t *testing.T) {
	h := startHarness(t, testutil.Options{RingTimeout: 200 * time.Millisecond})
	ada := dial(t, h)
	bob := dial(t, h)
	mustSignup(t, ada, "ada")
	mustSignup(t, bob, "bob") // registered but silent

	reply, err := ada.Request(protocol.TypeCallInvite, protocol.CallInviteRequest{Target: bob.UserID})
	if err != nil || !reply.Success {
		t.Fatalf("call_invite: %v %+v", err, reply)
	}

	endPush, err := ada.Await(protocol.TypeCallEnd, 3*time.Second)
	if err != nil {
		t.Fatalf("await timeout call_end: %v", err)
	}
	var end protocol.CallEventPush
	endPush.DecodePayload(&end)
	if end.Reason != protocol.EndReasonTimeout {
		t.Errorf("reason = %q, want TIMEOUT", end.Reason)
	}

	var inviteResp protocol.CallInvitePush
	reply.DecodePayload(&inviteResp)
	rec, _ := h.DB.GetCall(inviteResp.CallID)
	if rec == nil || string(rec.Type) != "missed" {
		t.Fatalf("expected missed record, got %+v", rec)
	}
}

func TestSessionReplacement(t *testing.T) {
	h := startHarness(t, testutil.Options{})
	c1 := dial(t, h)
	mustSignup(t, c1, "ada")

	c2 := dial(t, h)
	reply, err := c2.Authenticate("ada", "Abcdef!1")
	if err != nil || !reply.Success {
		t.Fatalf("second login: %v %+v", err, reply)
	}

	// C1 receives the SESSION_REPLACED notice and then loses the
	// connection.
	notice, err := c1.Await(protocol.TypeLogout, 3*time.Second)
	if err != nil {
		t.Fatalf("await notice: %v", err)
	}
	if notice.ErrorCode != protocol.ErrSessionReplaced {
		t.Errorf("notice code = %q, want SESSION_REPLACED", notice.ErrorCode)
	}
}

func TestRefreshRotationReplayRejected(t *testing.T) {
	h := startHarness(t, testutil.Options{})
	c := dial(t, h)
	mustSignup(t, c, "ada")
	firstRefresh := c.RefreshToken

	if err := c.Send(protocol.New(protocol.TypeRefreshToken, protocol.RefreshRequest{RefreshToken: firstRefresh})); err != nil {
		t.Fatalf("send refresh: %v", err)
	}
	reply, err := c.Await(protocol.TypeRefreshToken, 3*time.Second)
	if err != nil || !reply.Success {
		t.Fatalf("refresh: %v %+v", err, reply)
	}
	var resp protocol.RefreshResponse
	reply.DecodePayload(&resp)
	if resp.AccessToken == "" || resp.RefreshToken == firstRefresh {
		t.Fatalf("rotation should mint a new refresh token")
	}

	// Replay the consumed token.
	if err := c.Send(protocol.New(protocol.TypeRefreshToken, protocol.RefreshRequest{RefreshToken: firstRefresh})); err != nil {
		t.Fatalf("send replay: %v", err)
	}
	replay, err := c.Await(protocol.TypeRefreshToken, 3*time.Second)
	if err != nil {
		t.Fatalf("await replay: %v", err)
	}
	if replay.Success || replay.ErrorCode != protocol.ErrRevoked {
		t.Fatalf("replay got %s, want REVOKED", replay.ErrorCode)
	}
}

// pipeTranscriber lets the test inject deltas as if a model produced them.
type pipeTranscriber struct {
	ch   chan media.Delta
	once sync.Once
}

func (p *pipeTranscriber) Ingest(media.Frame)         {}
func (p *pipeTranscriber) Deltas() <-chan media.Delta { return p.ch }
func (p *pipeTranscriber) Close()                     { p.once.Do(func() { close(p.ch) }) }

type nullAgent struct{}

func (nullAgent) AcceptOffer(string) (string, error)  { return "answer", nil }
func (nullAgent) AddICE(string, string, *int) error   { return nil }
func (nullAgent) OnICECandidate(func(string))         {}
func (nullAgent) OnFrame(func(media.Frame))           {}
func (nullAgent) Dispose()                            {}

func TestCaptionFanOutReachesBothParties(t *testing.T) {
	transcriber := &pipeTranscriber{ch: make(chan media.Delta, 4)}
	h := startHarness(t, testutil.Options{
		Agents:       func() (media.Agent, error) { return nullAgent{}, nil },
		Transcribers: func(string) (media.Transcriber, error) { return transcriber, nil },
	})
	ada := dial(t, h)
	bob := dial(t, h)
	mustSignup(t, ada, "ada")
	mustSignup(t, bob, "bob")

	reply, err := ada.Request(protocol.TypeCallInvite, protocol.CallInviteRequest{Target: bob.UserID})
	if err != nil || !reply.Success {
		t.Fatalf("call_invite: %v %+v", err, reply)
	}
	var inviteResp protocol.CallInvitePush
	reply.DecodePayload(&inviteResp)
	callID := inviteResp.CallID

	if _, err := bob.Await(protocol.TypeCallInvite, 3*time.Second); err != nil {
		t.Fatalf("await invite: %v", err)
	}
	if reply, err := bob.Request(protocol.TypeCallAccept, protocol.CallAnswerRequest{CallID: callID}); err != nil || !reply.Success {
		t.Fatalf("call_accept: %v %+v", err, reply)
	}

	transcriber.ch <- media.Delta{Text: "hello", Source: "lip"}

	for name, c := range map[string]*testutil.Client{"ada": ada, "bob": bob} {
		push, err := c.Await(protocol.TypeLipReadingPrediction, 3*time.Second)
		if err != nil {
			t.Fatalf("%s: await caption: %v", name, err)
		}
		var caption protocol.CaptionPush
		push.DecodePayload(&caption)
		if caption.Prediction != "hello" || caption.From != "server" || caption.Speaker != ada.UserID {
			t.Fatalf("%s: unexpected caption: %+v", name, caption)
		}
	}

	// On call end the transcript is persisted under the record.
	if reply, err := ada.Request(protocol.TypeCallEnd, protocol.CallAnswerRequest{CallID: callID}); err != nil || !reply.Success {
		t.Fatalf("call_end: %v %+v", err, reply)
	}
	if _, err := bob.Await(protocol.TypeCallEnd, 3*time.Second); err != nil {
		t.Fatalf("await call_end: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, _ := h.DB.GetCall(callID)
		if rec != nil {
			if len(rec.Transcripts) != 1 || rec.Transcripts[0].Text != "hello" {
				t.Fatalf("transcript not persisted: %+v", rec.Transcripts)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("record never persisted")
}

func TestPeerDisconnectEndsActiveCall(t *testing.T) {
	h := startHarness(t, testutil.Options{})
	ada := dial(t, h)
	bob := dial(t, h)
	mustSignup(t, ada, "ada")
	mustSignup(t, bob, "bob")

	reply, err := ada.Request(protocol.TypeCallInvite, protocol.CallInviteRequest{Target: bob.UserID})
	if err != nil || !reply.Success {
		t.Fatalf("call_invite: %v %+v", err, reply)
	}
	var inviteResp protocol.CallInvitePush
	reply.DecodePayload(&inviteResp)

	if _, err := bob.Await(protocol.TypeCallInvite, 3*time.Second); err != nil {
		t.Fatalf("await invite: %v", err)
	}
	if reply, err := bob.Request(protocol.TypeCallAccept, protocol.CallAnswerRequest{CallID: inviteResp.CallID}); err != nil || !reply.Success {
		t.Fatalf("call_accept: %v %+v", err, reply)
	}

	// bob drops the transport; ada learns the call ended.
	bob.Close()

	endPush, err := ada.Await(protocol.TypeCallEnd, 3*time.Second)
	if err != nil {
		t.Fatalf("await call_end: %v", err)
	}
	var end protocol.CallEventPush
	endPush.DecodePayload(&end)
	if end.Reason != protocol.EndReasonPeerDisconnected {
		t.Errorf("reason = %q, want PEER_DISCONNECTED", end.Reason)
	}
}
