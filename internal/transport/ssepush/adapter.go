// Package ssepush implements the "push + post" transport variant (spec
// §4.8, §6.2): server-to-client frames ride an SSE stream; client-to-server
// frames arrive as separate HTTP POSTs that the façade feeds into the
// adapter via PushInbound. Grounded on the teacher corpus's SSE hub
// pattern (per-client buffered channel, heartbeat ticker, flush-after-
// write), adapted from fan-out-to-many-clients to one adapter per session.
package ssepush

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"haip.dev/engine/internal/transport"
)

// inboundBufSize bounds how many client-to-server frames may queue before
// PushInbound blocks; the façade's HTTP handlers push one frame per
// request so this is generous headroom, not a hard protocol limit.
const inboundBufSize = 64

// HeartbeatInterval is how often a comment line is written to keep
// intermediate proxies from timing out an idle SSE stream.
const HeartbeatInterval = 30 * time.Second

// Adapter bridges one session's SSE push stream and its companion POST
// endpoints to transport.Adapter. Binary frames never flow through Send
// (spec: "in this variant only, the server's outbound direction never
// carries bin_len"); the engine is expected not to offer them here.
type Adapter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	remote  string

	writeMu sync.Mutex
	inbound chan transport.Frame
	closed  chan struct{}
	once    sync.Once
}

// New wraps an already-flushable ResponseWriter as an Adapter and writes
// the SSE preamble headers. streamID is handed back to the client in the
// connected event so its companion POST /haip/handshake and POST
// /haip/message requests can be routed to this adapter's PushInbound
// before any HAIP session id exists. Callers must keep the request's
// context alive for the stream's lifetime and call Close when it ends.
func New(w http.ResponseWriter, remote, streamID string) (*Adapter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ssepush: response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	a := &Adapter{
		w:       w,
		flusher: flusher,
		remote:  remote,
		inbound: make(chan transport.Frame, inboundBufSize),
		closed:  make(chan struct{}),
	}
	fmt.Fprintf(w, "event: connected\ndata: {\"stream_id\":%q}\n\n", streamID)
	flusher.Flush()
	return a, nil
}

// PushInbound is called by the façade's POST /haip/handshake and POST
// /haip/message handlers to deliver a client-to-server frame into Recv.
// Returns false if the adapter has already been closed.
func (a *Adapter) PushInbound(f transport.Frame) bool {
	select {
	case a.inbound <- f:
		return true
	case <-a.closed:
		return false
	}
}

// Recv blocks until a frame arrives via PushInbound or the adapter closes.
func (a *Adapter) Recv() (transport.Frame, error) {
	select {
	case f := <-a.inbound:
		return f, nil
	case <-a.closed:
		return transport.Frame{}, transport.ErrClosed
	}
}

// Send writes one SSE event. Only FrameText is meaningful on this
// transport's outbound direction; a FrameBinary here indicates the engine
// failed to honor the push-direction binary constraint and is written as
// an opaque base64-free raw data line for visibility rather than silently
// dropped.
func (a *Adapter) Send(f transport.Frame) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	select {
	case <-a.closed:
		return transport.ErrClosed
	default:
	}
	if _, err := fmt.Fprintf(a.w, "event: message\ndata: %s\n\n", f.Data); err != nil {
		return err
	}
	a.flusher.Flush()
	return nil
}

// Heartbeat writes an SSE comment line to keep the stream alive through
// idle periods; callers drive this on a ticker at HeartbeatInterval.
func (a *Adapter) Heartbeat() error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	select {
	case <-a.closed:
		return transport.ErrClosed
	default:
	}
	if _, err := fmt.Fprint(a.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	a.flusher.Flush()
	return nil
}

// Close signals Recv/Send callers that the stream has ended.
func (a *Adapter) Close() error {
	a.once.Do(func() { close(a.closed) })
	return nil
}

func (a *Adapter) RemoteAddr() string {
	return a.remote
}
