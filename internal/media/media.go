// Package media defines the boundary to the media plane: the negotiation
// agent the server runs to receive one participant's video, and the
// transcriber that turns received frames into text deltas. Both are
// interfaces; the captioning pipeline itself lives outside this repository.
package media

import "time"

// Frame is one received media payload unit, handed to the transcriber at no
// more than 15 fps.
type Frame struct {
	Data      []byte
	Timestamp time.Time
}

// Agent negotiates one media session. The server holds one Agent per call for
// caption ingest; participants hold their own agents client-side and the
// server only relays their signaling.
type Agent interface {
	// AcceptOffer consumes the remote SDP offer and returns the local answer.
	AcceptOffer(sdp string) (string, error)

	// AddICE feeds a remote ICE candidate into the agent.
	AddICE(candidate, mid string, mLineIndex *int) error

	// OnICECandidate registers the sink for locally gathered candidates.
	// Must be set before AcceptOffer.
	OnICECandidate(fn func(candidate string))

	// OnFrame registers the per-frame callback. Must be set before
	// AcceptOffer; the callback runs on the agent's read loop.
	OnFrame(fn func(Frame))

	// Dispose releases transport and decoder resources. Idempotent.
	Dispose()
}

// Delta is one text emission from a transcriber.
type Delta struct {
	Text   string
	Source string // "lip" or "audio"
}

// Transcriber consumes frames and emits text deltas at a bounded rate.
type Transcriber interface {
	// Ingest hands one frame to the model. Non-blocking; the transcriber
	// drops frames it cannot keep up with.
	Ingest(f Frame)

	// Deltas is the stream of recognized text. Closed by Close.
	Deltas() <-chan Delta

	// Close releases the model session.
	Close()
}

// AgentFactory creates a server-side caption ingest agent for a call.
type AgentFactory func() (Agent, error)

// TranscriberFactory creates a transcriber for the given source model
// ("lip" or "audio").
type TranscriberFactory func(source string) (Transcriber, error)
