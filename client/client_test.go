package client

import (
	"context"
	"testing"
	"time"

	"haip.dev/engine/internal/engine"
	"haip.dev/engine/internal/protocol"
	"haip.dev/engine/internal/toolmanager"
	"haip.dev/engine/internal/transport"
)

// pipeAdapter is one end of an in-memory transport.Adapter pair, used to
// drive a real engine.Engine against a real Client without a socket.
type pipeAdapter struct {
	recvCh chan transport.Frame
	sendCh chan transport.Frame
	closed chan struct{}
}

func newPipePair() (clientSide, engineSide *pipeAdapter) {
	aToB := make(chan transport.Frame, 64)
	bToA := make(chan transport.Frame, 64)
	closed := make(chan struct{})
	clientSide = &pipeAdapter{recvCh: bToA, sendCh: aToB, closed: closed}
	engineSide = &pipeAdapter{recvCh: aToB, sendCh: bToA, closed: closed}
	return clientSide, engineSide
}

func (p *pipeAdapter) Recv() (transport.Frame, error) {
	select {
	case f := <-p.recvCh:
		return f, nil
	case <-p.closed:
		return transport.Frame{}, transport.ErrClosed
	}
}

func (p *pipeAdapter) Send(f transport.Frame) error {
	select {
	case p.sendCh <- f:
		return nil
	case <-p.closed:
		return transport.ErrClosed
	}
}

func (p *pipeAdapter) Close() error {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	return nil
}

func (p *pipeAdapter) RemoteAddr() string { return "pipe" }

func TestDialNegotiatesSessionAgainstRealEngine(t *testing.T) {
	eng := engine.New(engine.DefaultConfig, toolmanager.NewRegistry(), engine.Observer{})
	clientSide, engineSide := newPipePair()
	go eng.Serve(context.Background(), engineSide)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := newClient(ctx, clientSide, "", 0, DefaultConfig)
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	defer c.Close()

	if c.SessionID() == "" {
		t.Fatal("expected server-assigned session id")
	}
	if c.NegotiatedVersion() == "" {
		t.Fatal("expected negotiated version")
	}
}

func TestStartRunRoundTripsThroughEngine(t *testing.T) {
	eng := engine.New(engine.DefaultConfig, toolmanager.NewRegistry(), engine.Observer{})
	clientSide, engineSide := newPipePair()
	go eng.Serve(context.Background(), engineSide)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := newClient(ctx, clientSide, "", 0, DefaultConfig)
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	defer c.Close()

	if err := c.StartRun("thread-1", nil); err != nil {
		t.Fatalf("start run failed: %v", err)
	}

	select {
	case ev := <-c.Events():
		if ev.Envelope.Type != protocol.TypeRunStarted {
			t.Fatalf("expected RUN_STARTED echo, got %s", ev.Envelope.Type)
		}
		var p protocol.RunStartedPayload
		ev.Envelope.DecodePayload(&p)
		if p.RunID == "" {
			t.Fatal("expected assigned run id")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for RUN_STARTED echo")
	}
}

func TestCallToolOnUnknownToolReturnsToolDoneError(t *testing.T) {
	eng := engine.New(engine.DefaultConfig, toolmanager.NewRegistry(), engine.Observer{})
	clientSide, engineSide := newPipePair()
	go eng.Serve(context.Background(), engineSide)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := newClient(ctx, clientSide, "", 0, DefaultConfig)
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	defer c.Close()

	if err := c.CallTool("call-1", "missing", map[string]any{}, ""); err != nil {
		t.Fatalf("call tool failed: %v", err)
	}

	select {
	case ev := <-c.Events():
		if ev.Envelope.Type != protocol.TypeToolDone {
			t.Fatalf("expected TOOL_DONE, got %s", ev.Envelope.Type)
		}
		var p protocol.ToolDonePayload
		ev.Envelope.DecodePayload(&p)
		if p.Status != "ERROR" {
			t.Fatalf("expected ERROR status, got %s", p.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for TOOL_DONE")
	}
}
