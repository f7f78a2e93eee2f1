package ssepush

import (
	"net/http/httptest"
	"strings"
	"testing"

	"haip.dev/engine/internal/transport"
)

func TestNewWritesConnectedPreamble(t *testing.T) {
	rec := httptest.NewRecorder()
	a, err := New(rec, "1.2.3.4", "stream-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer a.Close()

	if !strings.Contains(rec.Body.String(), "event: connected") {
		t.Fatalf("expected connected preamble, got %q", rec.Body.String())
	}
}

func TestSendWritesSSEEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	a, _ := New(rec, "", "stream-1")
	defer a.Close()

	if err := a.Send(transport.Frame{Kind: transport.FrameText, Data: []byte(`{"type":"PING"}`)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `data: {"type":"PING"}`) {
		t.Fatalf("expected data line, got %q", rec.Body.String())
	}
}

func TestPushInboundDeliversToRecv(t *testing.T) {
	rec := httptest.NewRecorder()
	a, _ := New(rec, "", "stream-1")
	defer a.Close()

	go func() {
		a.PushInbound(transport.Frame{Kind: transport.FrameText, Data: []byte(`{"type":"HAI"}`)})
	}()

	f, err := a.Recv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(f.Data) != `{"type":"HAI"}` {
		t.Fatalf("unexpected frame data: %s", f.Data)
	}
}

func TestCloseUnblocksRecvAndPushInbound(t *testing.T) {
	rec := httptest.NewRecorder()
	a, _ := New(rec, "", "stream-1")
	a.Close()

	if _, err := a.Recv(); err != transport.ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if a.PushInbound(transport.Frame{Kind: transport.FrameText, Data: []byte("{}")}) {
		t.Fatal("expected PushInbound to report closed")
	}
}

func TestHeartbeatWritesCommentLine(t *testing.T) {
	rec := httptest.NewRecorder()
	a, _ := New(rec, "", "stream-1")
	defer a.Close()

	if err := a.Heartbeat(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), ": heartbeat") {
		t.Fatalf("expected heartbeat comment, got %q", rec.Body.String())
	}
}
