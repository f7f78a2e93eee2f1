// Package protocol defines the HAIP wire envelope: the JSON object that
// frames every event exchanged between client and server, plus the event
// catalogue and channel set from the specification's event table.
package protocol

import "encoding/json"

// Channel is a logical stream with its own flow-control pools. It is not a
// transport.
type Channel string

const (
	ChannelUser     Channel = "USER"
	ChannelAgent    Channel = "AGENT"
	ChannelSystem   Channel = "SYSTEM"
	ChannelAudioIn  Channel = "AUDIO_IN"
	ChannelAudioOut Channel = "AUDIO_OUT"
)

// EventType is the tag HAIP dispatches on; see the wire-level event
// catalogue.
type EventType string

const (
	TypeHAI             EventType = "HAI"
	TypePing            EventType = "PING"
	TypePong            EventType = "PONG"
	TypeRunStarted      EventType = "RUN_STARTED"
	TypeRunFinished     EventType = "RUN_FINISHED"
	TypeRunCancel       EventType = "RUN_CANCEL"
	TypeRunError        EventType = "RUN_ERROR"
	TypeTextMessageStart EventType = "TEXT_MESSAGE_START"
	TypeTextMessagePart  EventType = "TEXT_MESSAGE_PART"
	TypeTextMessageEnd   EventType = "TEXT_MESSAGE_END"
	TypeAudioChunk       EventType = "AUDIO_CHUNK"
	TypeToolCall         EventType = "TOOL_CALL"
	TypeToolUpdate       EventType = "TOOL_UPDATE"
	TypeToolDone         EventType = "TOOL_DONE"
	TypeToolCancel       EventType = "TOOL_CANCEL"
	TypeToolList         EventType = "TOOL_LIST"
	TypeToolSchema       EventType = "TOOL_SCHEMA"
	TypeFlowUpdate       EventType = "FLOW_UPDATE"
	TypePauseChannel     EventType = "PAUSE_CHANNEL"
	TypeResumeChannel    EventType = "RESUME_CHANNEL"
	TypeReplayRequest    EventType = "REPLAY_REQUEST"
	TypeAck              EventType = "ACK"
	TypeError            EventType = "ERROR"
)

// Envelope is the JSON object framing a single protocol event. Field order
// and omitempty tags follow the wire format in spec §3.
type Envelope struct {
	ID      string          `json:"id"`
	Session string          `json:"session"`
	Seq     string          `json:"seq"`
	Ack     string          `json:"ack,omitempty"`
	TS      int64           `json:"ts"`
	Channel Channel         `json:"channel"`
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
	BinLen  *int64          `json:"bin_len,omitempty"`
	BinMime string          `json:"bin_mime,omitempty"`
}

// HasBinary reports whether this envelope announces a following binary
// frame, per invariant 4: bin_len > 0 means exactly one binary frame of
// that length follows.
func (e Envelope) HasBinary() bool {
	return e.BinLen != nil && *e.BinLen > 0
}

// DecodePayload unmarshals the envelope's payload into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// EncodePayload marshals v into raw JSON suitable for Envelope.Payload.
func EncodePayload(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage(`{}`), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}
