// Package wsduplex adapts a gorilla/websocket connection to the engine's
// transport.Adapter contract, grounded on the teacher's ws.Handler
// upgrade/serve pattern: JSON frames and binary frames interleave on the
// wire exactly as websocket.TextMessage/BinaryMessage already distinguish
// them, which maps directly onto HAIP's envelope/binary-frame pairing
// (spec §4.8 "Duplex socket").
package wsduplex

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"haip.dev/engine/internal/transport"
)

const writeTimeout = 5 * time.Second

// Upgrader wraps websocket.Upgrader with the permissive CheckOrigin the
// teacher uses; callers needing origin enforcement can set it on Upgrader
// directly before Upgrade is called.
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// Adapter carries one upgraded connection.
type Adapter struct {
	conn   *websocket.Conn
	remote string

	writeMu sync.Mutex
}

// Upgrade upgrades an HTTP request to a websocket connection and wraps it
// as a transport.Adapter.
func Upgrade(w http.ResponseWriter, r *http.Request, remote string) (*Adapter, error) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade websocket: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	return &Adapter{conn: conn, remote: remote}, nil
}

// Dial opens a client-side websocket connection to url and wraps it as a
// transport.Adapter, the client-facing counterpart to Upgrade.
func Dial(url string) (*Adapter, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	return &Adapter{conn: conn, remote: url}, nil
}

// Recv blocks for the next frame. A bin_len-bearing JSON envelope is
// always immediately followed, on the wire, by a BinaryMessage frame; the
// engine's reader task is responsible for pairing the two Frame values
// this returns, not the adapter.
func (a *Adapter) Recv() (transport.Frame, error) {
	kind, data, err := a.conn.ReadMessage()
	if err != nil {
		return transport.Frame{}, transport.ErrClosed
	}
	switch kind {
	case websocket.TextMessage:
		return transport.Frame{Kind: transport.FrameText, Data: data}, nil
	case websocket.BinaryMessage:
		return transport.Frame{Kind: transport.FrameBinary, Data: data}, nil
	default:
		// Ping/pong/close control frames are handled by gorilla internally
		// and never reach here; treat anything else as a closed connection.
		return transport.Frame{}, transport.ErrClosed
	}
}

// Send writes one frame. Guarded by writeMu since gorilla/websocket
// connections are not safe for concurrent writers and the engine calls
// Send from several of a session's goroutines.
func (a *Adapter) Send(f transport.Frame) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	_ = a.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	kind := websocket.TextMessage
	if f.Kind == transport.FrameBinary {
		kind = websocket.BinaryMessage
	}
	return a.conn.WriteMessage(kind, f.Data)
}

// Close closes the underlying connection.
func (a *Adapter) Close() error {
	return a.conn.Close()
}

// RemoteAddr returns the label captured at upgrade time.
func (a *Adapter) RemoteAddr() string {
	return a.remote
}
