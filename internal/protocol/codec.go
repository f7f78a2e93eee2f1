package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/google/uuid"
)

// channelPattern matches spec §4.1: ^[A-Za-z0-9_-]{1,128}$.
var channelPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// requiredFields lists the envelope fields the codec must see populated;
// used only to drive the "offending field name" error detail.
var requiredFields = []string{"id", "session", "seq", "ts", "channel", "type", "payload"}

// rawEnvelope mirrors Envelope but with fields as json.RawMessage so we can
// detect "field present but empty" vs "field entirely absent" for the
// required-field check, and so ts=0 (a legitimate, if unusual, timestamp)
// isn't mistaken for "missing".
type rawEnvelope struct {
	ID      *json.RawMessage `json:"id"`
	Session *json.RawMessage `json:"session"`
	Seq     *json.RawMessage `json:"seq"`
	Ack     *json.RawMessage `json:"ack"`
	TS      *json.RawMessage `json:"ts"`
	Channel *json.RawMessage `json:"channel"`
	Type    *json.RawMessage `json:"type"`
	Payload *json.RawMessage `json:"payload"`
}

// Decode parses a single JSON envelope frame, enforcing the structural
// invariants in spec §4.1. It does not wait for any following binary
// frame; the engine's read loop (and the client's) pairs a bin_len-bearing
// envelope with the next binary frame the transport adapter returns.
func Decode(data []byte) (Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, &ProtoError{Code: ErrProtocolViolation, Message: fmt.Sprintf("malformed envelope json: %v", err)}
	}

	present := map[string]*json.RawMessage{
		"id": raw.ID, "session": raw.Session, "seq": raw.Seq,
		"ts": raw.TS, "channel": raw.Channel, "type": raw.Type, "payload": raw.Payload,
	}
	for _, f := range requiredFields {
		if present[f] == nil {
			return Envelope{}, &ProtoError{
				Code:    ErrProtocolViolation,
				Message: "missing required field",
				Detail:  map[string]any{"field": f},
			}
		}
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &ProtoError{Code: ErrProtocolViolation, Message: fmt.Sprintf("malformed envelope json: %v", err)}
	}

	if _, err := uuid.Parse(env.ID); err != nil {
		return Envelope{}, &ProtoError{Code: ErrProtocolViolation, Message: "id is not a valid UUID", Detail: map[string]any{"field": "id"}}
	}
	if _, err := strconv.ParseUint(env.Seq, 10, 64); err != nil {
		return Envelope{}, &ProtoError{Code: ErrProtocolViolation, Message: "seq is not a decimal uint64", Detail: map[string]any{"field": "seq"}}
	}
	if env.Ack != "" {
		if _, err := strconv.ParseUint(env.Ack, 10, 64); err != nil {
			return Envelope{}, &ProtoError{Code: ErrProtocolViolation, Message: "ack is not a decimal uint64", Detail: map[string]any{"field": "ack"}}
		}
	}
	if !channelPattern.MatchString(string(env.Channel)) {
		return Envelope{}, &ProtoError{Code: ErrProtocolViolation, Message: "channel does not match the allowed pattern", Detail: map[string]any{"field": "channel"}}
	}
	if env.Type == "" {
		return Envelope{}, &ProtoError{Code: ErrProtocolViolation, Message: "type must not be empty", Detail: map[string]any{"field": "type"}}
	}
	if env.BinLen != nil && *env.BinLen < 0 {
		return Envelope{}, &ProtoError{Code: ErrBinaryFrameError, Message: "bin_len must be non-negative", Detail: map[string]any{"field": "bin_len"}}
	}

	return env, nil
}

// Encode marshals an envelope to its wire JSON form.
func Encode(env Envelope) ([]byte, error) {
	if env.Payload == nil {
		env.Payload = json.RawMessage(`{}`)
	}
	return json.Marshal(env)
}

// SeqUint parses an envelope's decimal seq string. Callers have already
// gone through Decode, so a parse error here indicates a programming
// error rather than untrusted input.
func SeqUint(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}

// FormatSeq renders a sequence number in the decimal-string wire format.
func FormatSeq(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}

// NewID returns a fresh UUID string suitable for Envelope.ID or any
// server-assigned identifier (run_id, call_id, session id).
func NewID() string {
	return uuid.NewString()
}
