// Package chunked implements the bidirectional chunked HTTP transport
// variant (spec §4.8, §6.2): a single long-lived POST /haip/stream whose
// request and response bodies are both chunked. Frames are newline-
// delimited JSON lines, with raw binary chunks immediately following a
// JSON line that carries bin_len, mirroring wsduplex's framing but over
// one streamed HTTP body in each direction instead of a message-typed
// socket.
package chunked

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"haip.dev/engine/internal/transport"
)

// envelopePeek is enough of the envelope to discover bin_len without
// depending on the protocol package, keeping this transport adapter
// decodable even for a malformed envelope the engine will itself reject.
type envelopePeek struct {
	BinLen *int64 `json:"bin_len"`
}

// Adapter reads newline-delimited JSON from the request body and writes
// newline-delimited JSON (plus raw binary chunks) to the response body.
type Adapter struct {
	reader *bufio.Reader
	body   io.Reader

	w       io.Writer
	flusher http.Flusher
	remote  string

	writeMu sync.Mutex

	// pendingBinary is set when the last line Recv returned announced
	// bin_len > 0; the next Recv call reads exactly that many raw bytes
	// instead of a JSON line.
	pendingBinary int64
}

// New wraps the request body and response writer of an in-flight
// POST /haip/stream handler.
func New(body io.Reader, w http.ResponseWriter, remote string) (*Adapter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("chunked: response writer does not support flushing")
	}
	return &Adapter{reader: bufio.NewReader(body), body: body, w: w, flusher: flusher, remote: remote}, nil
}

// Recv returns the next frame: a JSON line as FrameText, or — immediately
// following a text frame whose envelope announced bin_len — exactly that
// many bytes as FrameBinary.
func (a *Adapter) Recv() (transport.Frame, error) {
	if a.pendingBinary > 0 {
		n := a.pendingBinary
		a.pendingBinary = 0
		buf := make([]byte, n)
		if _, err := io.ReadFull(a.reader, buf); err != nil {
			return transport.Frame{}, transport.ErrClosed
		}
		return transport.Frame{Kind: transport.FrameBinary, Data: buf}, nil
	}

	line, err := a.reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return transport.Frame{}, transport.ErrClosed
	}

	var peek envelopePeek
	if jsonErr := json.Unmarshal(line, &peek); jsonErr == nil && peek.BinLen != nil && *peek.BinLen > 0 {
		a.pendingBinary = *peek.BinLen
	}
	return transport.Frame{Kind: transport.FrameText, Data: line}, nil
}

// Send writes one frame: a JSON line (newline-terminated) for FrameText,
// or raw bytes for FrameBinary, flushing after each write so the peer's
// chunked reader observes it promptly.
func (a *Adapter) Send(f transport.Frame) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if f.Kind == transport.FrameBinary {
		if _, err := a.w.Write(f.Data); err != nil {
			return err
		}
		a.flusher.Flush()
		return nil
	}

	data := f.Data
	if len(data) == 0 || data[len(data)-1] != '\n' {
		data = append(append([]byte{}, data...), '\n')
	}
	if _, err := a.w.Write(data); err != nil {
		return err
	}
	a.flusher.Flush()
	return nil
}

// Close is a no-op beyond signalling intent; the HTTP handler that owns
// the request/response pair tears down the connection itself once its
// handler function returns.
func (a *Adapter) Close() error {
	return nil
}

func (a *Adapter) RemoteAddr() string {
	return a.remote
}
