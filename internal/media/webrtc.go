package media

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// frameInterval caps delivery to the transcriber at 15 fps.
const frameInterval = time.Second / 15

// WebRTCAgent receives one participant's video track over a WebRTC peer
// connection and surfaces its payloads as Frames. It is the server-side
// implementation of Agent; clients negotiate against it with the same
// offer/answer/ICE messages they use between themselves.
type WebRTCAgent struct {
	pc *webrtc.PeerConnection

	mu       sync.Mutex
	onFrame  func(Frame)
	onICE    func(string)
	disposed bool
}

// NewWebRTCAgent builds a receive-only peer connection using the given STUN
// servers (none is fine on a directly reachable host).
func NewWebRTCAgent(stunServers []string) (*WebRTCAgent, error) {
	cfg := webrtc.Configuration{}
	if len(stunServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}

	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("media: create peer connection: %w", err)
	}

	a := &WebRTCAgent{pc: pc}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("media: add video transceiver: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		a.mu.Lock()
		fn := a.onICE
		a.mu.Unlock()
		if fn != nil {
			fn(c.ToJSON().Candidate)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go a.readTrack(track)
	})

	return a, nil
}

// OnFrame implements Agent.
func (a *WebRTCAgent) OnFrame(fn func(Frame)) {
	a.mu.Lock()
	a.onFrame = fn
	a.mu.Unlock()
}

// OnICECandidate implements Agent.
func (a *WebRTCAgent) OnICECandidate(fn func(string)) {
	a.mu.Lock()
	a.onICE = fn
	a.mu.Unlock()
}

// AcceptOffer implements Agent.
func (a *WebRTCAgent) AcceptOffer(sdp string) (string, error) {
	err := a.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
	if err != nil {
		return "", fmt.Errorf("media: set remote description: %w", err)
	}

	answer, err := a.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("media: create answer: %w", err)
	}
	if err := a.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("media: set local description: %w", err)
	}
	return answer.SDP, nil
}

// AddICE implements Agent.
func (a *WebRTCAgent) AddICE(candidate, mid string, mLineIndex *int) error {
	init := webrtc.ICECandidateInit{Candidate: candidate}
	if mid != "" {
		init.SDPMid = &mid
	}
	if mLineIndex != nil {
		idx := uint16(*mLineIndex)
		init.SDPMLineIndex = &idx
	}
	if err := a.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("media: add ice candidate: %w", err)
	}
	return nil
}

// readTrack pulls RTP packets off the remote track and forwards payloads to
// the frame callback, throttled to the caption frame rate.
func (a *WebRTCAgent) readTrack(track *webrtc.TrackRemote) {
	var last time.Time
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			a.mu.Lock()
			disposed := a.disposed
			a.mu.Unlock()
			if !disposed {
				slog.Debug("media: track read ended", "error", err)
			}
			return
		}

		now := time.Now()
		if now.Sub(last) < frameInterval {
			continue
		}
		last = now

		a.mu.Lock()
		fn := a.onFrame
		a.mu.Unlock()
		if fn != nil {
			fn(Frame{Data: pkt.Payload, Timestamp: now})
		}
	}
}

// Dispose implements Agent.
func (a *WebRTCAgent) Dispose() {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return
	}
	a.disposed = true
	a.mu.Unlock()

	if err := a.pc.Close(); err != nil {
		slog.Debug("media: close peer connection", "error", err)
	}
}

// Verify interface compliance
var _ Agent = (*WebRTCAgent)(nil)
