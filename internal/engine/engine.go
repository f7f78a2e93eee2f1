// Package engine implements the protocol engine described in spec §4.9:
// a per-session reader task and heartbeat goroutine, dispatch over the
// event catalogue, and the observable event bus the façade subscribes to.
// There is no dedicated writer task: outbound envelopes are written to the
// transport by whichever goroutine produces them (see send).
package engine

import (
	"context"
	"log/slog"
	"time"

	"haip.dev/engine/internal/protocol"
	"haip.dev/engine/internal/runmanager"
	"haip.dev/engine/internal/session"
	"haip.dev/engine/internal/toolmanager"
	"haip.dev/engine/internal/transport"
)

// Observer is the façade's subscription to engine lifecycle events (spec
// §4.9). Any field left nil is simply not invoked.
type Observer struct {
	OnConnect     func(sessionID string)
	OnDisconnect  func(sessionID, reason string)
	OnHandshake   func(sessionID string, resumed bool)
	OnMessage     func(sessionID string, env protocol.Envelope)
	OnBinary      func(sessionID string, env protocol.Envelope, data []byte)
	OnRunStarted  func(sessionID string, run *runmanager.Run)
	OnRunFinished func(sessionID string, run *runmanager.Run)
	OnToolCall    func(sessionID string, call *toolmanager.Call)
	OnError       func(sessionID string, perr *protocol.ProtoError)
}

// Config bounds the engine's operational timeouts (spec §6.5, §5).
type Config struct {
	Session           session.Config
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	AcceptedEvents    []string
}

// DefaultConfig matches the spec's stated defaults.
var DefaultConfig = Config{
	Session:           session.DefaultConfig,
	HandshakeTimeout:  10 * time.Second,
	HeartbeatInterval: 20 * time.Second,
	HeartbeatTimeout:  5 * time.Second,
	AcceptedEvents:    defaultAcceptedEvents(),
}

func defaultAcceptedEvents() []string {
	return []string{
		string(protocol.TypeHAI), string(protocol.TypePing), string(protocol.TypePong),
		string(protocol.TypeRunStarted), string(protocol.TypeRunFinished), string(protocol.TypeRunCancel), string(protocol.TypeRunError),
		string(protocol.TypeTextMessageStart), string(protocol.TypeTextMessagePart), string(protocol.TypeTextMessageEnd),
		string(protocol.TypeAudioChunk),
		string(protocol.TypeToolCall), string(protocol.TypeToolUpdate), string(protocol.TypeToolDone), string(protocol.TypeToolCancel),
		string(protocol.TypeToolList), string(protocol.TypeToolSchema),
		string(protocol.TypeFlowUpdate), string(protocol.TypePauseChannel), string(protocol.TypeResumeChannel),
		string(protocol.TypeReplayRequest), string(protocol.TypeAck), string(protocol.TypeError),
	}
}

// Engine drives every session connected through any transport adapter.
type Engine struct {
	cfg      Config
	sessions *session.Manager
	registry *toolmanager.Registry
	observer Observer
}

// New constructs an Engine around a shared tool registry.
func New(cfg Config, registry *toolmanager.Registry, observer Observer) *Engine {
	e := &Engine{cfg: cfg, registry: registry, observer: observer}
	e.sessions = session.NewManager(cfg.Session, registry, e.toolSink, cfg.AcceptedEvents)
	return e
}

// Sessions exposes the session table for transport façades that need to
// look up a session by id (e.g. ssepush's companion POST handlers).
func (e *Engine) Sessions() *session.Manager { return e.sessions }

// toolSink builds a toolmanager.Sink bound to sessionID; it looks the
// session up lazily since the session may not be registered yet at the
// moment the sink closure is created (see session.Manager.Handshake).
func (e *Engine) toolSink(sessionID string) toolmanager.Sink {
	return &engineToolSink{engine: e, sessionID: sessionID}
}

type engineToolSink struct {
	engine    *Engine
	sessionID string
}

func (s *engineToolSink) ToolUpdate(call *toolmanager.Call) {
	s.engine.emitToolEnvelope(s.sessionID, protocol.TypeToolUpdate, call)
	if s.engine.observer.OnToolCall != nil {
		s.engine.observer.OnToolCall(s.sessionID, call)
	}
}

func (s *engineToolSink) ToolDone(call *toolmanager.Call) {
	s.engine.emitToolEnvelope(s.sessionID, protocol.TypeToolDone, call)
	if s.engine.observer.OnToolCall != nil {
		s.engine.observer.OnToolCall(s.sessionID, call)
	}
}

func (e *Engine) emitToolEnvelope(sessionID string, typ protocol.EventType, call *toolmanager.Call) {
	sess, ok := e.sessions.Lookup(sessionID)
	if !ok {
		return
	}
	var payload any
	switch typ {
	case protocol.TypeToolUpdate:
		payload = protocol.ToolUpdatePayload{CallID: call.CallID, Status: string(call.Phase), Progress: call.Progress, Partial: call.Partial}
	case protocol.TypeToolDone:
		result := call.Result
		if call.FinalStatus == toolmanager.FinalError && result == nil {
			result = map[string]any{"error": call.ErrorMsg}
		}
		payload = protocol.ToolDonePayload{CallID: call.CallID, Status: string(call.FinalStatus), Result: result}
	}
	e.send(sess, protocol.ChannelAgent, typ, payload, nil)
}

// send stamps seq/ack on an outbound envelope, records it in the replay
// window, and writes it to sess's transport from the calling goroutine, or
// leaves it on the flow controller's backlog when credit is short. Used
// both by dispatch handlers and by the tool sink.
func (e *Engine) send(sess *session.Session, ch protocol.Channel, typ protocol.EventType, payload any, binary []byte) {
	raw, err := protocol.EncodePayload(payload)
	if err != nil {
		slog.Error("engine: encode payload failed", "session", sess.ID, "type", typ, "err", err)
		return
	}
	seq := sess.Out.NextOutSeq()
	env := protocol.Envelope{
		ID:      protocol.NewID(),
		Session: sess.ID,
		Seq:     protocol.FormatSeq(seq),
		Ack:     protocol.FormatSeq(sess.In.CurrentAck()),
		TS:      time.Now().UnixMilli(),
		Channel: ch,
		Type:    typ,
		Payload: raw,
	}
	if binary != nil {
		n := int64(len(binary))
		env.BinLen = &n
	}
	sess.Replay.Record(seq, env, binary)

	// SYSTEM-channel control traffic (handshake replies, heartbeats, errors,
	// flow/replay bookkeeping) bypasses the sender-side credit gate: these
	// are engine-originated, not application payload, and gating them would
	// let a starved SYSTEM channel deadlock the handshake or error delivery
	// it itself exists to unblock. Everything else obeys spec invariant 3.
	size := int64(len(raw)) + int64(len(binary))
	if ch != protocol.ChannelSystem {
		if !sess.SendCredits.CanSend(ch, size) {
			sess.SendCredits.Enqueue(ch, mustEncodeEnvelope(env))
			return
		}
		sess.SendCredits.Deduct(ch, size)
	}

	t := sess.Transport()
	if t == nil {
		return
	}
	if err := t.Send(env, binary); err != nil {
		slog.Debug("engine: send failed", "session", sess.ID, "err", err)
	}
}

func mustEncodeEnvelope(env protocol.Envelope) []byte {
	data, _ := protocol.Encode(env)
	return data
}

// flushQueued drains whatever send() deferred to sess.SendCredits' backlog
// for ch once a FLOW_UPDATE grant or RESUME_CHANNEL reopens it, sending
// each as far as credit allows and re-enqueuing the remainder. The backlog
// holds only encoded envelopes, not their binary payloads, so a flushed
// envelope goes out without its binary frame; AUDIO_IN/AUDIO_OUT channels
// under sustained backpressure lose binary data the same way an envelope
// drained from the inbound tracker's out-of-order buffer does (see
// readLoop).
func (e *Engine) flushQueued(sess *session.Session, ch protocol.Channel) {
	queued := sess.SendCredits.DequeueAll(ch)
	for i, data := range queued {
		env, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		size := int64(len(data))
		if !sess.SendCredits.CanSend(ch, size) {
			for _, rest := range queued[i:] {
				sess.SendCredits.Enqueue(ch, rest)
			}
			return
		}
		sess.SendCredits.Deduct(ch, size)
		t := sess.Transport()
		if t == nil {
			return
		}
		if err := t.Send(env, nil); err != nil {
			slog.Debug("engine: flush queued send failed", "session", sess.ID, "err", err)
		}
	}
}

// sendError emits ERROR and reports it to the OnError observer, whatever
// the code; the caller decides whether to also close the transport.
func (e *Engine) sendError(sess *session.Session, perr *protocol.ProtoError) {
	e.send(sess, protocol.ChannelSystem, protocol.TypeError, protocol.ErrorPayload{
		Code: string(perr.Code), Message: perr.Message, RelatedID: perr.RelatedID, Detail: perr.Detail,
	}, nil)
	if e.observer.OnError != nil {
		e.observer.OnError(sess.ID, perr)
	}
}

// adapterSend adapts a transport.Adapter to the session.Transport contract
// used by Session.Bind.
type adapterSend struct {
	a transport.Adapter
}

func (w adapterSend) Send(env protocol.Envelope, binary []byte) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := w.a.Send(transport.Frame{Kind: transport.FrameText, Data: data}); err != nil {
		return err
	}
	if binary != nil {
		return w.a.Send(transport.Frame{Kind: transport.FrameBinary, Data: binary})
	}
	return nil
}

func (w adapterSend) Close(reason string) error {
	return w.a.Close()
}

// Serve drives one connection end to end: handshake, then read/dispatch
// until the transport closes. It blocks; callers run it in its own
// goroutine per connection (the façade's HTTP handler, typically).
func (e *Engine) Serve(ctx context.Context, a transport.Adapter) {
	handshakeCtx, cancel := context.WithTimeout(ctx, e.cfg.HandshakeTimeout)
	defer cancel()

	env, err := e.recvEnvelope(handshakeCtx, a)
	if err != nil {
		a.Close()
		return
	}
	if env.Type != protocol.TypeHAI {
		a.Close()
		return
	}
	var hai protocol.HAIPayload
	if err := env.DecodePayload(&hai); err != nil {
		a.Close()
		return
	}

	result := e.sessions.Handshake(env.Session, hai)
	sess := result.Session
	if result.Err != nil && result.Err.Code.Fatal() {
		w := adapterSend{a: a}
		w.Send(protocol.Envelope{
			ID: protocol.NewID(), Session: env.Session, Seq: "0", TS: time.Now().UnixMilli(),
			Channel: protocol.ChannelSystem, Type: protocol.TypeError,
			Payload: mustEncode(protocol.ErrorPayload{Code: string(result.Err.Code), Message: result.Err.Message, Detail: result.Err.Detail}),
		}, nil)
		a.Close()
		return
	}
	if sess == nil {
		a.Close()
		return
	}

	sess.Bind(adapterSend{a: a})
	if e.observer.OnConnect != nil {
		e.observer.OnConnect(sess.ID)
	}
	// The handshake envelope itself occupies inbound seq 1 (spec §3: seq
	// counts every envelope in a direction); feed it through the tracker
	// now so the first post-handshake envelope is seen as in-order rather
	// than a gap.
	sess.In.Deliver(env)

	e.send(sess, protocol.ChannelSystem, protocol.TypeHAI, result.Reply, nil)

	if result.ReplayFromSeq > 0 {
		entries, rerr := sess.Replay.Replay(result.ReplayFromSeq, nil, sess.Out.LastOutSeq())
		if rerr != nil {
			e.sendError(sess, protocol.NewProtoError(protocol.ErrReplayTooOld, rerr.Error()))
		} else {
			for _, entry := range entries {
				if t := sess.Transport(); t != nil {
					t.Send(entry.Envelope, entry.Binary)
				}
			}
		}
	}
	if result.Err != nil {
		e.sendError(sess, result.Err)
	}
	if e.observer.OnHandshake != nil {
		e.observer.OnHandshake(sess.ID, result.ReplayFromSeq > 0)
	}

	go e.heartbeatLoop(ctx, sess)
	e.readLoop(ctx, sess, a)
}

// heartbeatLoop implements spec §4.7: emit PING {nonce} after
// heartbeatInterval of transport idle; if no inbound traffic arrives
// within heartbeatTimeout of that PING, the session is unhealthy and its
// transport is closed (the session record itself survives for resume,
// per Session.Close leaving Replay intact).
func (e *Engine) heartbeatLoop(ctx context.Context, sess *session.Session) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if sess.Closed() {
			return
		}
		if sess.IdleSince() < e.cfg.HeartbeatInterval {
			continue
		}
		nonce := protocol.NewID()
		e.send(sess, protocol.ChannelSystem, protocol.TypePing, protocol.PingPongPayload{Nonce: nonce}, nil)

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.cfg.HeartbeatTimeout):
		}
		if sess.Closed() {
			return
		}
		if sess.IdleSince() >= e.cfg.HeartbeatInterval+e.cfg.HeartbeatTimeout {
			slog.Warn("engine: session unhealthy, closing transport", "session", sess.ID)
			sess.Close("heartbeat_timeout")
			return
		}
	}
}

// RunSweeper periodically reaps idle sessions (spec §3 "destroyed ...
// when idle beyond the heartbeat deadline without rebinding", §4.7): a
// session whose transport closed (via heartbeatLoop's timeout, or any
// other disconnect) is retained only for ReplayWindow.MaxAge to permit
// resume, after which it's dropped from the table; a still-bound session
// that somehow missed its own heartbeatLoop check is also caught here.
// Callers run this once per process (see server.Server.Run), not once per
// session — unlike heartbeatLoop, which is per-session.
func (e *Engine) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, sess := range e.sessions.ReapIdle(e.cfg.HeartbeatInterval+e.cfg.HeartbeatTimeout, e.cfg.Session.ReplayWindow.MaxAge) {
			slog.Warn("engine: idle session unhealthy, closing transport", "session", sess.ID)
			sess.Close("heartbeat_timeout")
		}
	}
}

func mustEncode(v any) []byte {
	raw, _ := protocol.EncodePayload(v)
	return raw
}

func (e *Engine) recvEnvelope(ctx context.Context, a transport.Adapter) (protocol.Envelope, error) {
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

// readLoop consumes frames until the transport closes or the session is
// force-closed by repeated violations.
func (e *Engine) readLoop(ctx context.Context, sess *session.Session, a transport.Adapter) {
	reason := "eof"
	for {
		f, err := a.Recv()
		if err != nil {
			break
		}
		sess.Touch()
		if f.Kind == transport.FrameBinary {
			// A binary frame with no preceding bin_len-bearing envelope is a
			// protocol violation rather than a silent drop.
			e.violate(sess, protocol.NewProtoError(protocol.ErrBinaryFrameError, "unexpected binary frame"), &reason)
			if sess.Closed() {
				break
			}
			continue
		}

		env, derr := protocol.Decode(f.Data)
		if derr != nil {
			perr, _ := derr.(*protocol.ProtoError)
			if perr == nil {
				perr = protocol.NewProtoError(protocol.ErrProtocolViolation, derr.Error())
			}
			e.violate(sess, perr, &reason)
			if sess.Closed() {
				break
			}
			continue
		}

		var binary []byte
		if env.HasBinary() {
			bf, berr := a.Recv()
			if berr != nil || bf.Kind != transport.FrameBinary {
				e.violate(sess, protocol.NewProtoError(protocol.ErrBinaryFrameError, "announced binary frame did not follow"), &reason)
				if sess.Closed() {
					break
				}
				continue
			}
			binary = bf.Data
		}

		// Seq-order the envelope before handing it to dispatch (spec §4.2,
		// §5 "delivered to application handlers in seq order"). Binary
		// payloads are only preserved for the envelope just received in
		// order; one drained from the out-of-order buffer after sitting
		// there across a gap dispatches with no binary — an accepted gap
		// for binary-bearing channels, noted as a design tradeoff.
		result := sess.In.Deliver(env)
		if result.Duplicate {
			continue
		}
		if result.NeedsReplay {
			e.send(sess, protocol.ChannelSystem, protocol.TypeReplayRequest, protocol.ReplayRequestPayload{
				FromSeq: protocol.FormatSeq(result.ReplayFrom),
				ToSeq:   protocol.FormatSeq(result.ReplayTo),
			}, nil)
		}
		for _, deliverable := range result.Deliverable {
			var b []byte
			if deliverable.ID == env.ID {
				b = binary
			}
			e.dispatch(sess, deliverable, b)
		}
	}

	sess.MarkClosed()
	if e.observer.OnDisconnect != nil {
		e.observer.OnDisconnect(sess.ID, reason)
	}
}

func (e *Engine) violate(sess *session.Session, perr *protocol.ProtoError, reason *string) {
	e.sendError(sess, perr)
	if perr.Code.Fatal() || sess.RecordViolation(e.cfg.Session.ViolationThreshold) {
		*reason = "protocol_violation"
		sess.Close(*reason)
	}
}
