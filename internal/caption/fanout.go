// Package caption moves transcriber output to call participants: every text
// delta is timestamped, buffered for persistence, and broadcast to both
// sessions as a lip_reading_prediction push. Broadcasting is best-effort;
// the persistence buffer never drops a line.
package caption

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/seenspeak/seenspeak/internal/db"
	"github.com/seenspeak/seenspeak/internal/media"
	"github.com/seenspeak/seenspeak/internal/protocol"
	"github.com/seenspeak/seenspeak/internal/registry"
)

// broadcastRate bounds caption pushes per call. Deltas beyond the budget are
// persisted but not broadcast.
const (
	broadcastRate  = 10 // per second
	broadcastBurst = 20
)

// Lookup resolves a participant's live connection, if any.
type Lookup func(userID string) (registry.Peer, bool)

// FanOut collects and distributes the caption stream for one call. The
// transcript buffer is owned here; the call coordinator reads it exactly once
// on the terminal transition.
type FanOut struct {
	callID  string
	parties [2]string
	lookup  Lookup
	limiter *rate.Limiter

	mu    sync.Mutex
	lines []db.TranscriptLine
}

// New creates a fan-out for the call between the two participants.
func New(callID string, caller, callee string, lookup Lookup) *FanOut {
	return &FanOut{
		callID:  callID,
		parties: [2]string{caller, callee},
		lookup:  lookup,
		limiter: rate.NewLimiter(rate.Limit(broadcastRate), broadcastBurst),
	}
}

// Consume drains the transcriber's delta stream for one speaker until the
// stream closes or ctx is canceled. Runs on its own goroutine per speaker.
func (f *FanOut) Consume(ctx context.Context, speaker string, t media.Transcriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case delta, ok := <-t.Deltas():
			if !ok {
				return
			}
			if delta.Text == "" {
				continue
			}
			f.Append(speaker, delta.Text, delta.Source)
		}
	}
}

// Append records one caption line and broadcasts it to both participants.
func (f *FanOut) Append(speaker, text, source string) {
	now := time.Now().UTC()

	f.mu.Lock()
	// Timestamps are non-decreasing per call; the clock can step backwards
	// under NTP correction, the transcript may not.
	if n := len(f.lines); n > 0 && now.Before(f.lines[n-1].T) {
		now = f.lines[n-1].T
	}
	f.lines = append(f.lines, db.TranscriptLine{T: now, Speaker: speaker, Text: text, Source: source})
	f.mu.Unlock()

	if !f.limiter.Allow() {
		slog.Debug("caption: broadcast budget exceeded, delta persisted only", "call_id", f.callID)
		return
	}

	push := protocol.New(protocol.TypeLipReadingPrediction, protocol.CaptionPush{
		From:       protocol.ServerTarget,
		CallID:     f.callID,
		Speaker:    speaker,
		Prediction: text,
		Source:     source,
	})

	for _, userID := range f.parties {
		peer, ok := f.lookup(userID)
		if !ok {
			continue
		}
		if !peer.EnqueueWait(push) {
			// Slow consumer: this delta is dropped for this connection
			// only. The transcript still carries it.
			slog.Debug("caption: dropped delta for slow connection", "call_id", f.callID, "user_id", userID)
		}
	}
}

// Lines returns a snapshot of the transcript collected so far, in append
// order.
func (f *FanOut) Lines() []db.TranscriptLine {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]db.TranscriptLine, len(f.lines))
	copy(out, f.lines)
	return out
}
