package protocol

import (
	"encoding/json"
	"testing"
)

func validEnvelopeJSON(t *testing.T) []byte {
	t.Helper()
	env := Envelope{
		ID:      NewID(),
		Session: "sess-1",
		Seq:     "1",
		TS:      1000,
		Channel: ChannelUser,
		Type:    TypeTextMessageStart,
		Payload: json.RawMessage(`{"message_id":"m1","author":"USER"}`),
	}
	data, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

func TestDecodeValidEnvelope(t *testing.T) {
	data := validEnvelopeJSON(t)
	env, err := Decode(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Seq != "1" || env.Channel != ChannelUser || env.Type != TypeTextMessageStart {
		t.Errorf("decoded envelope mismatch: %+v", env)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	original := Envelope{
		ID:      NewID(),
		Session: "sess-1",
		Seq:     "42",
		Ack:     "41",
		TS:      123456,
		Channel: ChannelAgent,
		Type:    TypeToolCall,
		Payload: json.RawMessage(`{"call_id":"c1","tool":"x","params":{}}`),
	}
	data, err := Encode(original)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != original.ID || decoded.Seq != original.Seq || decoded.Ack != original.Ack ||
		decoded.Channel != original.Channel || decoded.Type != original.Type {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestDecodeMissingField(t *testing.T) {
	cases := []struct {
		name string
		json string
	}{
		{"missing id", `{"session":"s","seq":"1","ts":1,"channel":"USER","type":"PING","payload":{}}`},
		{"missing session", `{"id":"` + NewID() + `","seq":"1","ts":1,"channel":"USER","type":"PING","payload":{}}`},
		{"missing seq", `{"id":"` + NewID() + `","session":"s","ts":1,"channel":"USER","type":"PING","payload":{}}`},
		{"missing channel", `{"id":"` + NewID() + `","session":"s","seq":"1","ts":1,"type":"PING","payload":{}}`},
		{"missing type", `{"id":"` + NewID() + `","session":"s","seq":"1","ts":1,"channel":"USER","payload":{}}`},
		{"missing payload", `{"id":"` + NewID() + `","session":"s","seq":"1","ts":1,"channel":"USER","type":"PING"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.json))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			perr, ok := err.(*ProtoError)
			if !ok || perr.Code != ErrProtocolViolation {
				t.Fatalf("expected ErrProtocolViolation, got %v", err)
			}
		})
	}
}

func TestDecodeInvalidID(t *testing.T) {
	_, err := Decode([]byte(`{"id":"not-a-uuid","session":"s","seq":"1","ts":1,"channel":"USER","type":"PING","payload":{}}`))
	if err == nil {
		t.Fatal("expected error for invalid uuid")
	}
}

func TestDecodeInvalidSeq(t *testing.T) {
	_, err := Decode([]byte(`{"id":"` + NewID() + `","session":"s","seq":"abc","ts":1,"channel":"USER","type":"PING","payload":{}}`))
	if err == nil {
		t.Fatal("expected error for non-numeric seq")
	}
}

func TestDecodeInvalidChannel(t *testing.T) {
	_, err := Decode([]byte(`{"id":"` + NewID() + `","session":"s","seq":"1","ts":1,"channel":"bad channel!","type":"PING","payload":{}}`))
	if err == nil {
		t.Fatal("expected error for invalid channel pattern")
	}
}

func TestDecodeNegativeBinLen(t *testing.T) {
	_, err := Decode([]byte(`{"id":"` + NewID() + `","session":"s","seq":"1","ts":1,"channel":"AUDIO_IN","type":"AUDIO_CHUNK","payload":{},"bin_len":-1}`))
	if err == nil {
		t.Fatal("expected error for negative bin_len")
	}
}

func TestPayloadEncodeDecode(t *testing.T) {
	raw, err := EncodePayload(ToolCallPayload{CallID: "c1", Tool: "echo", Params: map[string]any{"x": 1}})
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	env := Envelope{Payload: raw}
	var p ToolCallPayload
	if err := env.DecodePayload(&p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.CallID != "c1" || p.Tool != "echo" {
		t.Errorf("payload mismatch: %+v", p)
	}
}
