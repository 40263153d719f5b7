package caption

import (
	"context"
	"testing"
	"time"

	"github.com/seenspeak/seenspeak/internal/media"
	"github.com/seenspeak/seenspeak/internal/protocol"
	"github.com/seenspeak/seenspeak/internal/registry"
)

// capturePeer records enqueued messages.
type capturePeer struct {
	userID string
	msgs   []*protocol.Message
	full   bool
}

func (c *capturePeer) UserID() string { return c.userID }
func (c *capturePeer) Enqueue(m *protocol.Message) bool {
	return c.EnqueueWait(m)
}
func (c *capturePeer) EnqueueWait(m *protocol.Message) bool {
	if c.full {
		return false
	}
	c.msgs = append(c.msgs, m)
	return true
}
func (c *capturePeer) Close()                             {}
func (c *capturePeer) CloseWithNotice(*protocol.Message)  {}

func lookupFor(peers ...*capturePeer) Lookup {
	return func(userID string) (registry.Peer, bool) {
		for _, p := range peers {
			if p.userID == userID {
				return p, true
			}
		}
		return nil, false
	}
}

func TestAppendBroadcastsToBothParties(t *testing.T) {
	a := &capturePeer{userID: "u1"}
	b := &capturePeer{userID: "u2"}
	f := New("c1", "u1", "u2", lookupFor(a, b))

	f.Append("u1", "hello", "lip")

	for _, p := range []*capturePeer{a, b} {
		if len(p.msgs) != 1 {
			t.Fatalf("peer %s got %d messages, want 1", p.userID, len(p.msgs))
		}
		msg := p.msgs[0]
		if msg.MsgType != protocol.TypeLipReadingPrediction {
			t.Errorf("msg_type = %q", msg.MsgType)
		}
		var push protocol.CaptionPush
		if err := msg.DecodePayload(&push); err != nil {
			t.Fatalf("DecodePayload: %v", err)
		}
		if push.Prediction != "hello" || push.Speaker != "u1" || push.From != "server" || push.Source != "lip" {
			t.Errorf("unexpected push: %+v", push)
		}
	}
}

func TestAppendPersistsWhenPeerGone(t *testing.T) {
	a := &capturePeer{userID: "u1"}
	f := New("c1", "u1", "u2", lookupFor(a)) // u2 not connected

	f.Append("u2", "still here", "audio")

	lines := f.Lines()
	if len(lines) != 1 || lines[0].Text != "still here" {
		t.Fatalf("transcript should keep the line: %+v", lines)
	}
	if len(a.msgs) != 1 {
		t.Errorf("connected peer should still receive the caption")
	}
}

func TestAppendPersistsWhenQueueFull(t *testing.T) {
	a := &capturePeer{userID: "u1", full: true}
	f := New("c1", "u1", "u2", lookupFor(a))

	f.Append("u1", "dropped on the wire", "lip")

	if len(f.Lines()) != 1 {
		t.Fatal("persistence must not depend on broadcast success")
	}
}

func TestTimestampsMonotonic(t *testing.T) {
	f := New("c1", "u1", "u2", lookupFor())

	for i := 0; i < 10; i++ {
		f.Append("u1", "word", "lip")
	}

	lines := f.Lines()
	for i := 1; i < len(lines); i++ {
		if lines[i].T.Before(lines[i-1].T) {
			t.Fatalf("timestamp regression at %d: %v < %v", i, lines[i].T, lines[i-1].T)
		}
	}
}

// scriptedTranscriber emits a fixed set of deltas then closes.
type scriptedTranscriber struct {
	ch chan media.Delta
}

func newScripted(deltas ...media.Delta) *scriptedTranscriber {
	ch := make(chan media.Delta, len(deltas))
	for _, d := range deltas {
		ch <- d
	}
	close(ch)
	return &scriptedTranscriber{ch: ch}
}

func (s *scriptedTranscriber) Ingest(media.Frame)         {}
func (s *scriptedTranscriber) Deltas() <-chan media.Delta { return s.ch }
func (s *scriptedTranscriber) Close()                     {}

func TestConsumeDrainsTranscriber(t *testing.T) {
	a := &capturePeer{userID: "u1"}
	f := New("c1", "u1", "u2", lookupFor(a))

	tr := newScripted(
		media.Delta{Text: "hel", Source: "lip"},
		media.Delta{Text: "lo", Source: "lip"},
		media.Delta{Text: "", Source: "lip"}, // empty deltas skipped
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.Consume(context.Background(), "u1", tr)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Consume did not finish after transcriber closed")
	}

	lines := f.Lines()
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %+v", len(lines), lines)
	}
	if lines[0].Text != "hel" || lines[1].Text != "lo" {
		t.Errorf("unexpected lines: %+v", lines)
	}
}

func TestConsumeStopsOnCancel(t *testing.T) {
	f := New("c1", "u1", "u2", lookupFor())
	tr := &scriptedTranscriber{ch: make(chan media.Delta)} // never emits

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.Consume(ctx, "u1", tr)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Consume did not stop on cancel")
	}
}
