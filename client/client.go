// Package client implements the initiating side of a HAIP connection: the
// same per-session sequence, credit, and replay bookkeeping the engine
// owns on the server side (spec §1 "implements the server and client
// engine"), driven here from the connecting peer's perspective. Dial uses
// the module's own wsduplex adapter, so the same transport.Adapter
// contract serves both ends; the client does not reconnect on its own.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"haip.dev/engine/internal/flow"
	"haip.dev/engine/internal/protocol"
	"haip.dev/engine/internal/replay"
	"haip.dev/engine/internal/seqtrack"
	"haip.dev/engine/internal/session"
	"haip.dev/engine/internal/transport"
	"haip.dev/engine/internal/transport/wsduplex"
)

// Event is one decoded inbound envelope delivered to the application, in
// seq order, with its paired binary payload when present.
type Event struct {
	Envelope protocol.Envelope
	Binary   []byte
}

// Config bounds the client's handshake and replay policy; it mirrors the
// session-scoped subset of the server's Config (spec §6.5).
type Config struct {
	AcceptEvents  []string
	Capabilities  map[string]any
	ReplayWindow  replay.Config
	DialTimeout   time.Duration
}

// DefaultConfig accepts every event type the codec knows and keeps a
// conservative replay window, matching the engine's own defaults.
var DefaultConfig = Config{
	ReplayWindow: replay.DefaultConfig,
	DialTimeout:  10 * time.Second,
}

// Client is one negotiated HAIP connection from the initiating side.
type Client struct {
	cfg Config
	a   transport.Adapter

	sessionID string
	negotiatedVer string

	out *seqtrack.Tracker
	in  *seqtrack.Tracker

	sendCredits *flow.Controller
	recvCredits *flow.Controller
	replayWin   *replay.Window

	events chan Event
	done   chan struct{}
}

// Dial opens a wsduplex connection to url and performs the HAI handshake,
// resuming session sessionID if lastRxSeq > 0 and the server still has it
// in its replay window.
func Dial(ctx context.Context, url string, sessionID string, lastRxSeq uint64, cfg Config) (*Client, error) {
	a, err := wsduplex.Dial(url)
	if err != nil {
		return nil, err
	}
	return newClient(ctx, a, sessionID, lastRxSeq, cfg)
}

func newClient(ctx context.Context, a transport.Adapter, sessionID string, lastRxSeq uint64, cfg Config) (*Client, error) {
	if cfg.AcceptEvents == nil {
		cfg.AcceptEvents = []string{"*"}
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultConfig.DialTimeout
	}
	if cfg.ReplayWindow.MaxSize == 0 {
		cfg.ReplayWindow = DefaultConfig.ReplayWindow
	}

	c := &Client{
		cfg:         cfg,
		a:           a,
		out:         seqtrack.New(),
		in:          seqtrack.New(),
		sendCredits: flow.New(),
		recvCredits: flow.New(),
		replayWin:   replay.New(cfg.ReplayWindow),
		events:      make(chan Event, 64),
		done:        make(chan struct{}),
	}

	hai := protocol.HAIPayload{
		HAIPVersion:  session.ServerVersion,
		AcceptMajor:  []int{session.ServerMajor},
		AcceptEvents: cfg.AcceptEvents,
		Capabilities: cfg.Capabilities,
	}
	if sessionID != "" && lastRxSeq > 0 {
		hai.LastRxSeq = protocol.FormatSeq(lastRxSeq)
	}
	env := protocol.Envelope{
		ID: protocol.NewID(), Session: sessionID, Seq: protocol.FormatSeq(c.out.NextOutSeq()),
		TS: time.Now().UnixMilli(), Channel: protocol.ChannelSystem, Type: protocol.TypeHAI,
	}
	env.Payload, _ = protocol.EncodePayload(hai)
	if err := c.sendEnvelope(env, nil); err != nil {
		a.Close()
		return nil, fmt.Errorf("client: send HAI: %w", err)
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	reply, err := recvEnvelope(handshakeCtx, a)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("client: await HAI reply: %w", err)
	}
	if reply.Type == protocol.TypeError {
		var perr protocol.ErrorPayload
		reply.DecodePayload(&perr)
		a.Close()
		return nil, fmt.Errorf("client: handshake rejected: %s: %s", perr.Code, perr.Message)
	}
	if reply.Type != protocol.TypeHAI {
		a.Close()
		return nil, fmt.Errorf("client: expected HAI reply, got %s", reply.Type)
	}
	var replyHAI protocol.HAIPayload
	reply.DecodePayload(&replyHAI)
	c.sessionID = reply.Session
	c.negotiatedVer = replyHAI.HAIPVersion
	c.in.Deliver(reply) // the server's HAI reply itself occupies inbound seq 1

	go c.readLoop(ctx)
	return c, nil
}

// SessionID returns the server-assigned session identifier, valid for
// resuming a later connection.
func (c *Client) SessionID() string { return c.sessionID }

// NegotiatedVersion returns the server's advertised haip_version.
func (c *Client) NegotiatedVersion() string { return c.negotiatedVer }

// Events returns the channel of inbound, seq-ordered envelopes.
func (c *Client) Events() <-chan Event { return c.events }

// Done is closed once the underlying transport ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close tears down the transport.
func (c *Client) Close() error { return c.a.Close() }

// Send transmits one envelope on ch, applying the same credit gate and
// replay recording the server-side engine applies (spec invariant 3).
func (c *Client) Send(ch protocol.Channel, typ protocol.EventType, payload any, binary []byte) error {
	raw, err := protocol.EncodePayload(payload)
	if err != nil {
		return err
	}
	seq := c.out.NextOutSeq()
	env := protocol.Envelope{
		ID: protocol.NewID(), Session: c.sessionID, Seq: protocol.FormatSeq(seq),
		Ack: protocol.FormatSeq(c.in.CurrentAck()), TS: time.Now().UnixMilli(),
		Channel: ch, Type: typ, Payload: raw,
	}
	if binary != nil {
		n := int64(len(binary))
		env.BinLen = &n
	}
	c.replayWin.Record(seq, env, binary)

	size := int64(len(raw)) + int64(len(binary))
	if ch != protocol.ChannelSystem {
		if !c.sendCredits.CanSend(ch, size) {
			if err := c.sendCredits.WaitForCredit(context.Background(), ch, size); err != nil {
				return err
			}
		}
		c.sendCredits.Deduct(ch, size)
	}
	return c.sendEnvelope(env, binary)
}

// StartRun is a convenience wrapper for RUN_STARTED.
func (c *Client) StartRun(threadID string, metadata map[string]any) error {
	return c.Send(protocol.ChannelSystem, protocol.TypeRunStarted, protocol.RunStartedPayload{ThreadID: threadID, Metadata: metadata}, nil)
}

// CallTool is a convenience wrapper for TOOL_CALL.
func (c *Client) CallTool(callID, tool string, params map[string]any, runID string) error {
	return c.Send(protocol.ChannelAgent, protocol.TypeToolCall, protocol.ToolCallPayload{CallID: callID, Tool: tool, Params: params, RunID: runID}, nil)
}

func (c *Client) sendEnvelope(env protocol.Envelope, binary []byte) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := c.a.Send(transport.Frame{Kind: transport.FrameText, Data: data}); err != nil {
		return err
	}
	if binary != nil {
		return c.a.Send(transport.Frame{Kind: transport.FrameBinary, Data: binary})
	}
	return nil
}

func recvEnvelope(ctx context.Context, a transport.Adapter) (protocol.Envelope, error) {
	type result struct {
		env protocol.Envelope
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := a.Recv()
		if err != nil {
			ch <- result{err: err}
			return
		}
		env, err := protocol.Decode(f.Data)
		ch <- result{env: env, err: err}
	}()
	select {
	case r := <-ch:
		return r.env, r.err
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)
	for {
		f, err := c.a.Recv()
		if err != nil {
			return
		}
		if f.Kind == transport.FrameBinary {
			slog.Debug("client: unexpected leading binary frame, dropping")
			continue
		}
		env, err := protocol.Decode(f.Data)
		if err != nil {
			slog.Debug("client: malformed envelope from peer", "err", err)
			continue
		}
		var binary []byte
		if env.HasBinary() {
			bf, err := c.a.Recv()
			if err != nil || bf.Kind != transport.FrameBinary {
				slog.Debug("client: announced binary frame did not follow")
				continue
			}
			binary = bf.Data
		}
		if ack := env.Ack; ack != "" {
			c.out.RecordPeerAck(protocol.SeqUint(ack))
			c.replayWin.Evict(c.out.PeerAck())
		}

		result := c.in.Deliver(env)
		if result.Duplicate {
			continue
		}
		if result.NeedsReplay {
			c.Send(protocol.ChannelSystem, protocol.TypeReplayRequest, protocol.ReplayRequestPayload{
				FromSeq: protocol.FormatSeq(result.ReplayFrom), ToSeq: protocol.FormatSeq(result.ReplayTo),
			}, nil)
		}
		for _, deliverable := range result.Deliverable {
			var b []byte
			if deliverable.ID == env.ID {
				b = binary
			}
			if deliverable.Type == protocol.TypePing {
				var p protocol.PingPongPayload
				deliverable.DecodePayload(&p)
				c.Send(protocol.ChannelSystem, protocol.TypePong, protocol.PingPongPayload{Nonce: p.Nonce}, nil)
				continue
			}
			select {
			case c.events <- Event{Envelope: deliverable, Binary: b}:
			case <-ctx.Done():
				return
			}
		}
	}
}
