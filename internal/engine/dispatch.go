package engine

import (
	"haip.dev/engine/internal/protocol"
	"haip.dev/engine/internal/session"
	"haip.dev/engine/internal/toolmanager"
)

// dispatch applies one in-order, decoded inbound envelope to session
// state, per the event catalogue in spec §6.1 and the component designs
// in §4.4–§4.6.
func (e *Engine) dispatch(sess *session.Session, env protocol.Envelope, binary []byte) {
	sess.RecvCredits.Deduct(env.Channel, int64(len(env.Payload))+int64(len(binary)))
	if ack := env.Ack; ack != "" {
		sess.Out.RecordPeerAck(protocol.SeqUint(ack))
		sess.Replay.Evict(sess.Out.PeerAck())
	}

	if e.observer.OnMessage != nil {
		e.observer.OnMessage(sess.ID, env)
	}
	if binary != nil && e.observer.OnBinary != nil {
		e.observer.OnBinary(sess.ID, env, binary)
	}

	switch env.Type {
	case protocol.TypeHAI:
		// A second HAI on an already-bound session is a protocol violation;
		// the first one is consumed by Serve before the read loop starts.
		e.sendError(sess, protocol.NewProtoError(protocol.ErrProtocolViolation, "HAI received after handshake"))

	case protocol.TypePing:
		var p protocol.PingPongPayload
		env.DecodePayload(&p)
		e.send(sess, protocol.ChannelSystem, protocol.TypePong, protocol.PingPongPayload{Nonce: p.Nonce}, nil)

	case protocol.TypePong:
		// Heartbeat liveness is inferred by Session.Touch on every received
		// frame; PONG needs no further bookkeeping here.

	case protocol.TypeRunStarted:
		e.handleRunStarted(sess, env)

	case protocol.TypeRunFinished:
		var p protocol.RunFinishedPayload
		env.DecodePayload(&p)
		run, err := sess.Runs.Finish(p.RunID, p.Status, p.Summary)
		if err != nil {
			e.sendError(sess, asProtoError(err, protocol.ErrRunNotFound))
			return
		}
		if e.observer.OnRunFinished != nil {
			e.observer.OnRunFinished(sess.ID, run)
		}

	case protocol.TypeRunCancel:
		var p protocol.RunCancelPayload
		env.DecodePayload(&p)
		if _, err := sess.Runs.Cancel(p.RunID); err != nil {
			e.sendError(sess, asProtoError(err, protocol.ErrRunNotFound))
			return
		}
		sess.Tools.CancelAllForRun(p.RunID)

	case protocol.TypeRunError:
		var p protocol.RunErrorPayload
		env.DecodePayload(&p)
		if _, err := sess.Runs.Fail(p.RunID, p.Error); err != nil {
			e.sendError(sess, asProtoError(err, protocol.ErrRunNotFound))
			return
		}
		sess.Tools.CancelAllForRun(p.RunID)

	case protocol.TypeTextMessageStart, protocol.TypeTextMessagePart, protocol.TypeTextMessageEnd, protocol.TypeAudioChunk:
		// Pure pass-through events: their only engine-level handling is
		// seq/flow bookkeeping (already applied above) and the OnMessage/
		// OnBinary observer callbacks; the façade/application owns the
		// conversational semantics.

	case protocol.TypeToolCall:
		var p protocol.ToolCallPayload
		env.DecodePayload(&p)
		sess.Tools.HandleCall(p.CallID, p.Tool, p.Params, p.RunID)

	case protocol.TypeToolUpdate:
		var p protocol.ToolUpdatePayload
		env.DecodePayload(&p)
		sess.Tools.HandleUpdate(p.CallID, p.Progress, p.Partial)

	case protocol.TypeToolDone:
		var p protocol.ToolDonePayload
		env.DecodePayload(&p)
		sess.Tools.HandleDone(p.CallID, toolmanager.FinalStatus(p.Status), p.Result)

	case protocol.TypeToolCancel:
		var p protocol.ToolCancelPayload
		env.DecodePayload(&p)
		sess.Tools.HandleCancel(p.CallID)

	case protocol.TypeToolList:
		tools := e.registry.List()
		summaries := make([]protocol.ToolSummary, 0, len(tools))
		for _, t := range tools {
			summaries = append(summaries, protocol.ToolSummary{Name: t.Name, Description: t.Description})
		}
		e.send(sess, protocol.ChannelAgent, protocol.TypeToolList, protocol.ToolListPayload{Tools: summaries}, nil)

	case protocol.TypeToolSchema:
		var p protocol.ToolSchemaPayload
		env.DecodePayload(&p)
		tool, ok := e.registry.Lookup(p.Tool)
		if !ok {
			e.sendError(sess, protocol.NewProtoError(protocol.ErrToolNotFound, "unknown tool: "+p.Tool))
			return
		}
		e.send(sess, protocol.ChannelAgent, protocol.TypeToolSchema, protocol.ToolSchemaPayload{
			Tool: tool.Name, InputSchema: tool.InputSchema, OutputSchema: tool.OutputSchema,
		}, nil)

	case protocol.TypeFlowUpdate:
		var p protocol.FlowUpdatePayload
		env.DecodePayload(&p)
		sess.SendCredits.Grant(p.Channel, p.AddMessages, p.AddBytes)
		e.flushQueued(sess, p.Channel)

	case protocol.TypePauseChannel:
		var p protocol.PauseResumePayload
		env.DecodePayload(&p)
		sess.SendCredits.Pause(p.Channel)

	case protocol.TypeResumeChannel:
		var p protocol.PauseResumePayload
		env.DecodePayload(&p)
		sess.SendCredits.Resume(p.Channel)
		e.flushQueued(sess, p.Channel)

	case protocol.TypeReplayRequest:
		e.handleReplayRequest(sess, env)

	case protocol.TypeAck:
		// ack bookkeeping already applied unconditionally above.

	case protocol.TypeError:
		if e.observer.OnError != nil {
			var p protocol.ErrorPayload
			env.DecodePayload(&p)
			e.observer.OnError(sess.ID, &protocol.ProtoError{Code: protocol.ErrorCode(p.Code), Message: p.Message, RelatedID: p.RelatedID, Detail: p.Detail})
		}

	default:
		e.sendError(sess, protocol.NewProtoError(protocol.ErrUnsupportedType, "unsupported event type: "+string(env.Type)))
	}
}

func (e *Engine) handleRunStarted(sess *session.Session, env protocol.Envelope) {
	var p protocol.RunStartedPayload
	env.DecodePayload(&p)
	run, err := sess.Runs.Start(p.RunID, p.ThreadID, p.Metadata)
	if err != nil {
		e.sendError(sess, asProtoError(err, protocol.ErrRunLimitExceeded))
		return
	}
	e.send(sess, protocol.ChannelSystem, protocol.TypeRunStarted, protocol.RunStartedPayload{
		RunID: run.ID, ThreadID: run.ThreadID, Metadata: run.Metadata,
	}, nil)
	if e.observer.OnRunStarted != nil {
		e.observer.OnRunStarted(sess.ID, run)
	}
}

func (e *Engine) handleReplayRequest(sess *session.Session, env protocol.Envelope) {
	var p protocol.ReplayRequestPayload
	env.DecodePayload(&p)
	from := protocol.SeqUint(p.FromSeq)
	var to *uint64
	if p.ToSeq != "" {
		v := protocol.SeqUint(p.ToSeq)
		to = &v
	}
	entries, err := sess.Replay.Replay(from, to, sess.Out.LastOutSeq())
	if err != nil {
		e.sendError(sess, protocol.NewProtoError(protocol.ErrReplayTooOld, err.Error()))
		return
	}
	t := sess.Transport()
	if t == nil {
		return
	}
	for _, entry := range entries {
		t.Send(entry.Envelope, entry.Binary)
	}
}

func asProtoError(err error, fallback protocol.ErrorCode) *protocol.ProtoError {
	if perr, ok := err.(*protocol.ProtoError); ok {
		return perr
	}
	return protocol.NewProtoError(fallback, err.Error())
}

