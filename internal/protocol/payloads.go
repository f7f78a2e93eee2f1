package protocol

// Payload types for each entry in the event catalogue (spec §6.1). These
// are convenience structs for EncodePayload/DecodePayload; the envelope
// itself carries the payload as a raw JSON mapping so unknown fields never
// fail decoding.

// HAIPayload is the handshake payload carried by HAI in both directions.
type HAIPayload struct {
	HAIPVersion   string         `json:"haip_version"`
	AcceptMajor   []int          `json:"accept_major"`
	AcceptEvents  []string       `json:"accept_events"`
	Capabilities  map[string]any `json:"capabilities,omitempty"`
	LastRxSeq     string         `json:"last_rx_seq,omitempty"`
}

// PingPongPayload carries a correlation nonce for PING/PONG.
type PingPongPayload struct {
	Nonce string `json:"nonce"`
}

// RunStartedPayload starts or echoes a run.
type RunStartedPayload struct {
	RunID    string         `json:"run_id,omitempty"`
	ThreadID string         `json:"thread_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RunFinishedPayload terminates a run successfully.
type RunFinishedPayload struct {
	RunID   string `json:"run_id"`
	Status  string `json:"status,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// RunCancelPayload requests cancellation of an active run.
type RunCancelPayload struct {
	RunID string `json:"run_id"`
}

// RunErrorPayload reports a run failing.
type RunErrorPayload struct {
	RunID string `json:"run_id"`
	Error string `json:"error"`
}

// TextMessageStartPayload opens a streamed text message.
type TextMessageStartPayload struct {
	MessageID string `json:"message_id"`
	Author    string `json:"author"`
	Text      string `json:"text,omitempty"`
	RunID     string `json:"run_id,omitempty"`
}

// TextMessagePartPayload carries one chunk of a streamed text message.
type TextMessagePartPayload struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

// TextMessageEndPayload closes a streamed text message.
type TextMessageEndPayload struct {
	MessageID string `json:"message_id"`
	Tokens    int    `json:"tokens,omitempty"`
}

// AudioChunkPayload announces metadata for the binary frame that follows.
type AudioChunkPayload struct {
	MessageID  string `json:"message_id"`
	Mime       string `json:"mime"`
	DurationMs int    `json:"duration_ms,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// ToolCallPayload starts a tool call.
type ToolCallPayload struct {
	CallID string         `json:"call_id"`
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
	RunID  string         `json:"run_id,omitempty"`
}

// ToolUpdatePayload advances a tool call.
type ToolUpdatePayload struct {
	CallID   string `json:"call_id"`
	Status   string `json:"status"`
	Progress *int   `json:"progress,omitempty"`
	Partial  any    `json:"partial,omitempty"`
}

// ToolDonePayload terminates a tool call.
type ToolDonePayload struct {
	CallID string `json:"call_id"`
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
}

// ToolCancelPayload requests cancellation of an in-flight tool call.
type ToolCancelPayload struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason,omitempty"`
}

// ToolSummary is one entry in TOOL_LIST.
type ToolSummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ToolListPayload advertises the registered tools.
type ToolListPayload struct {
	Tools []ToolSummary `json:"tools"`
}

// ToolSchemaPayload requests or returns one tool's schema.
type ToolSchemaPayload struct {
	Tool         string         `json:"tool"`
	Schema       map[string]any `json:"schema,omitempty"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
}

// FlowUpdatePayload grants additional credit on a channel.
type FlowUpdatePayload struct {
	Channel     Channel `json:"channel"`
	AddMessages int64   `json:"add_messages,omitempty"`
	AddBytes    int64   `json:"add_bytes,omitempty"`
}

// PauseResumePayload names the channel a PAUSE_CHANNEL/RESUME_CHANNEL
// applies to.
type PauseResumePayload struct {
	Channel Channel `json:"channel"`
}

// ReplayRequestPayload asks the peer to resend a seq range.
type ReplayRequestPayload struct {
	FromSeq string `json:"from_seq"`
	ToSeq   string `json:"to_seq,omitempty"`
}

// ErrorPayload is the peer-visible error envelope payload.
type ErrorPayload struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RelatedID string         `json:"related_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}
