package media

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ingestQueueSize bounds frames waiting for the inference service. The
// transcriber drops rather than stalls the media read loop.
const ingestQueueSize = 8

// RemoteTranscriber streams frames to an external inference service over a
// WebSocket and reads back text deltas. One instance serves one call.
type RemoteTranscriber struct {
	conn   *websocket.Conn
	source string

	frames chan Frame
	deltas chan Delta

	closeOnce sync.Once
	closed    chan struct{}
}

// remoteDelta is the inference service's emission format.
type remoteDelta struct {
	Text string `json:"text"`
}

// DialTranscriber connects to the inference service for the given source
// model. endpoint is the service base URL (ws:// or wss://); the model is
// selected by path.
func DialTranscriber(endpoint, source string) (*RemoteTranscriber, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("media: bad transcriber endpoint: %w", err)
	}
	u.Path, err = url.JoinPath(u.Path, source)
	if err != nil {
		return nil, fmt.Errorf("media: bad transcriber endpoint: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("media: dial transcriber: %w", err)
	}

	t := &RemoteTranscriber{
		conn:   conn,
		source: source,
		frames: make(chan Frame, ingestQueueSize),
		deltas: make(chan Delta, 32),
		closed: make(chan struct{}),
	}
	go t.writeLoop()
	go t.readLoop()
	return t, nil
}

// Ingest implements Transcriber. Frames beyond the queue are dropped; the
// model works on whatever it can keep up with.
func (t *RemoteTranscriber) Ingest(f Frame) {
	select {
	case t.frames <- f:
	case <-t.closed:
	default:
	}
}

// Deltas implements Transcriber.
func (t *RemoteTranscriber) Deltas() <-chan Delta {
	return t.deltas
}

// Close implements Transcriber.
func (t *RemoteTranscriber) Close() {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.conn.Close()
	})
}

func (t *RemoteTranscriber) writeLoop() {
	for {
		select {
		case <-t.closed:
			return
		case f := <-t.frames:
			if err := t.conn.WriteMessage(websocket.BinaryMessage, f.Data); err != nil {
				t.Close()
				return
			}
		}
	}
}

func (t *RemoteTranscriber) readLoop() {
	defer close(t.deltas)
	for {
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.closed:
			default:
				slog.Debug("media: transcriber stream ended", "source", t.source, "error", err)
				t.Close()
			}
			return
		}

		var d remoteDelta
		if err := json.Unmarshal(raw, &d); err != nil {
			slog.Debug("media: malformed transcriber delta", "source", t.source, "error", err)
			continue
		}
		if d.Text == "" {
			continue
		}
		select {
		case t.deltas <- Delta{Text: d.Text, Source: t.source}:
		case <-t.closed:
			return
		}
	}
}

// Verify interface compliance
var _ Transcriber = (*RemoteTranscriber)(nil)
