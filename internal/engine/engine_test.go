package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"haip.dev/engine/internal/protocol"
	"haip.dev/engine/internal/runmanager"
	"haip.dev/engine/internal/toolmanager"
	"haip.dev/engine/internal/transport"
)

// fakeAdapter is an in-memory transport.Adapter pair for driving Engine.Serve
// in tests without a real socket.
type fakeAdapter struct {
	toEngine   chan transport.Frame
	fromEngine chan transport.Frame
	closed     chan struct{}
}

func newFakeAdapterPair() (engineSide, testSide *fakeAdapter) {
	a := &fakeAdapter{
		toEngine:   make(chan transport.Frame, 64),
		fromEngine: make(chan transport.Frame, 64),
		closed:     make(chan struct{}),
	}
	return a, a
}

func (a *fakeAdapter) Recv() (transport.Frame, error) {
	select {
	case f := <-a.toEngine:
		return f, nil
	case <-a.closed:
		return transport.Frame{}, transport.ErrClosed
	}
}

func (a *fakeAdapter) Send(f transport.Frame) error {
	select {
	case a.fromEngine <- f:
		return nil
	case <-a.closed:
		return transport.ErrClosed
	}
}

func (a *fakeAdapter) Close() error {
	select {
	case <-a.closed:
	default:
		close(a.closed)
	}
	return nil
}

func (a *fakeAdapter) RemoteAddr() string { return "fake" }

// testSide helpers drive the client half of the handshake from the test.
func (a *fakeAdapter) clientSend(t *testing.T, env protocol.Envelope) {
	t.Helper()
	data, err := protocol.Encode(env)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	a.toEngine <- transport.Frame{Kind: transport.FrameText, Data: data}
}

func (a *fakeAdapter) clientRecv(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case f := <-a.fromEngine:
		env, err := protocol.Decode(f.Data)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for engine to send")
		return protocol.Envelope{}
	}
}

func haiEnvelope(sessionID string, lastRxSeq string) protocol.Envelope {
	payload, _ := protocol.EncodePayload(protocol.HAIPayload{
		HAIPVersion:  "1.1.2",
		AcceptMajor:  []int{1},
		AcceptEvents: []string{"HAI"},
		LastRxSeq:    lastRxSeq,
	})
	return protocol.Envelope{
		ID: protocol.NewID(), Session: sessionID, Seq: "1", TS: time.Now().UnixMilli(),
		Channel: protocol.ChannelSystem, Type: protocol.TypeHAI, Payload: payload,
	}
}

func TestHandshakeExchangesHAIAndAssignsSessionID(t *testing.T) {
	eng := New(DefaultConfig, toolmanager.NewRegistry(), Observer{})
	a, client := newFakeAdapterPair()

	go eng.Serve(context.Background(), a)
	client.clientSend(t, haiEnvelope("", ""))

	reply := client.clientRecv(t)
	if reply.Type != protocol.TypeHAI {
		t.Fatalf("expected HAI reply, got %s", reply.Type)
	}
	if reply.Session == "" {
		t.Fatal("expected server-assigned session id")
	}
}

func TestRunStartedAssignsIDAndEchoesEnvelope(t *testing.T) {
	var started *runmanager.Run
	eng := New(DefaultConfig, toolmanager.NewRegistry(), Observer{
		OnRunStarted: func(sessionID string, run *runmanager.Run) { started = run },
	})
	a, client := newFakeAdapterPair()
	go eng.Serve(context.Background(), a)
	client.clientSend(t, haiEnvelope("", ""))
	sid := client.clientRecv(t).Session

	payload, _ := protocol.EncodePayload(protocol.RunStartedPayload{ThreadID: "t1"})
	client.clientSend(t, protocol.Envelope{
		ID: protocol.NewID(), Session: sid, Seq: "2", Ack: "1", TS: time.Now().UnixMilli(),
		Channel: protocol.ChannelSystem, Type: protocol.TypeRunStarted, Payload: payload,
	})

	echoed := client.clientRecv(t)
	if echoed.Type != protocol.TypeRunStarted {
		t.Fatalf("expected RUN_STARTED echo, got %s", echoed.Type)
	}
	var p protocol.RunStartedPayload
	echoed.DecodePayload(&p)
	if p.RunID == "" {
		t.Fatal("expected assigned run_id")
	}
	if started == nil || started.ID != p.RunID {
		t.Fatalf("observer should see the same run, got %+v", started)
	}
}

func TestUnknownToolReturnsToolDoneError(t *testing.T) {
	eng := New(DefaultConfig, toolmanager.NewRegistry(), Observer{})
	a, client := newFakeAdapterPair()
	go eng.Serve(context.Background(), a)
	client.clientSend(t, haiEnvelope("", ""))
	sid := client.clientRecv(t).Session

	payload, _ := protocol.EncodePayload(protocol.ToolCallPayload{CallID: "c1", Tool: "missing", Params: map[string]any{}})
	client.clientSend(t, protocol.Envelope{
		ID: protocol.NewID(), Session: sid, Seq: "2", TS: time.Now().UnixMilli(),
		Channel: protocol.ChannelAgent, Type: protocol.TypeToolCall, Payload: payload,
	})

	done := client.clientRecv(t)
	if done.Type != protocol.TypeToolDone {
		t.Fatalf("expected TOOL_DONE, got %s", done.Type)
	}
	var p protocol.ToolDonePayload
	done.DecodePayload(&p)
	if p.Status != "ERROR" {
		t.Fatalf("expected ERROR status, got %s", p.Status)
	}
}

func TestMalformedEnvelopeProducesErrorEnvelope(t *testing.T) {
	eng := New(DefaultConfig, toolmanager.NewRegistry(), Observer{})
	a, client := newFakeAdapterPair()
	go eng.Serve(context.Background(), a)
	client.clientSend(t, haiEnvelope("", ""))
	client.clientRecv(t)

	client.toEngine <- transport.Frame{Kind: transport.FrameText, Data: []byte(`{"session":"x"}`)}

	errEnv := client.clientRecv(t)
	if errEnv.Type != protocol.TypeError {
		t.Fatalf("expected ERROR envelope, got %s", errEnv.Type)
	}
	var p protocol.ErrorPayload
	errEnv.DecodePayload(&p)
	if p.Code != string(protocol.ErrProtocolViolation) {
		t.Fatalf("expected PROTOCOL_VIOLATION, got %s", p.Code)
	}
}

func TestIncompatibleVersionClosesWithError(t *testing.T) {
	eng := New(DefaultConfig, toolmanager.NewRegistry(), Observer{})
	a, client := newFakeAdapterPair()
	go eng.Serve(context.Background(), a)

	payload, _ := protocol.EncodePayload(protocol.HAIPayload{HAIPVersion: "2.0.0", AcceptMajor: []int{2}})
	client.clientSend(t, protocol.Envelope{
		ID: protocol.NewID(), Session: "", Seq: "1", TS: time.Now().UnixMilli(),
		Channel: protocol.ChannelSystem, Type: protocol.TypeHAI, Payload: payload,
	})

	errEnv := client.clientRecv(t)
	if errEnv.Type != protocol.TypeError {
		t.Fatalf("expected ERROR envelope, got %s", errEnv.Type)
	}
	var p protocol.ErrorPayload
	errEnv.DecodePayload(&p)
	if p.Code != string(protocol.ErrVersionIncompatible) {
		t.Fatalf("expected VERSION_INCOMPATIBLE, got %s", p.Code)
	}

	select {
	case <-a.closed:
	case <-time.After(time.Second):
		t.Fatal("expected transport to be closed after version incompatibility")
	}
}

func TestRunSweeperRemovesClosedSessionAfterReplayWindow(t *testing.T) {
	cfg := DefaultConfig
	cfg.HeartbeatInterval = 5 * time.Millisecond
	cfg.HeartbeatTimeout = 5 * time.Millisecond
	cfg.Session.ReplayWindow.MaxAge = 10 * time.Millisecond
	eng := New(cfg, toolmanager.NewRegistry(), Observer{})
	a, client := newFakeAdapterPair()

	go eng.Serve(context.Background(), a)
	client.clientSend(t, haiEnvelope("", ""))
	sid := client.clientRecv(t).Session

	sess, ok := eng.Sessions().Lookup(sid)
	if !ok {
		t.Fatal("expected session to be registered")
	}
	sess.Close("test_disconnect")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go eng.RunSweeper(ctx)

	deadline := time.After(time.Second)
	for {
		if _, ok := eng.Sessions().Lookup(sid); !ok {
			return
		}
		select {
		case <-deadline:
			t.Fatal("expected sweeper to remove the closed session from the table")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestToolListReturnsRegisteredTools(t *testing.T) {
	reg := toolmanager.NewRegistry()
	reg.Register(toolmanager.Tool{Name: "echo", Description: "echoes input"})
	eng := New(DefaultConfig, reg, Observer{})
	a, client := newFakeAdapterPair()
	go eng.Serve(context.Background(), a)
	client.clientSend(t, haiEnvelope("", ""))
	sid := client.clientRecv(t).Session

	client.clientSend(t, protocol.Envelope{
		ID: protocol.NewID(), Session: sid, Seq: "2", TS: time.Now().UnixMilli(),
		Channel: protocol.ChannelAgent, Type: protocol.TypeToolList, Payload: json.RawMessage(`{}`),
	})

	list := client.clientRecv(t)
	if list.Type != protocol.TypeToolList {
		t.Fatalf("expected TOOL_LIST, got %s", list.Type)
	}
	var p protocol.ToolListPayload
	list.DecodePayload(&p)
	if len(p.Tools) != 1 || p.Tools[0].Name != "echo" {
		t.Fatalf("unexpected tool list: %+v", p.Tools)
	}
}
