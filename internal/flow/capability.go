package flow

import (
	"encoding/json"

	"haip.dev/engine/internal/protocol"
)

// FlowControlCapability is the shape of hai.Capabilities["flow_control"]
// (spec §4.4 "defaults, overridable by handshake"): a per-channel request
// for different initial/max credits than the server's configured
// defaults. A channel absent from Channels keeps its configured default.
type FlowControlCapability struct {
	Channels map[protocol.Channel]ChannelOverride `json:"channels"`
}

// ChannelOverride is one channel's requested override; a nil field falls
// back to that channel's configured default.
type ChannelOverride struct {
	InitialMessages   *int64   `json:"initial_messages,omitempty"`
	InitialBytes      *int64   `json:"initial_bytes,omitempty"`
	MaxMessages       *int64   `json:"max_messages,omitempty"`
	MaxBytes          *int64   `json:"max_bytes,omitempty"`
	LowWaterThreshold *float64 `json:"low_water_threshold,omitempty"`
}

// Apply merges o onto base, keeping base's value for any field o leaves
// unset.
func (o ChannelOverride) Apply(base ChannelDefaults) ChannelDefaults {
	out := base
	if o.InitialMessages != nil {
		out.InitialMessages = *o.InitialMessages
	}
	if o.InitialBytes != nil {
		out.InitialBytes = *o.InitialBytes
	}
	if o.MaxMessages != nil {
		out.MaxMessages = *o.MaxMessages
	}
	if o.MaxBytes != nil {
		out.MaxBytes = *o.MaxBytes
	}
	if o.LowWaterThreshold != nil {
		out.LowWater = *o.LowWaterThreshold
	}
	return out
}

// ParseCapability extracts and decodes the flow_control entry from a
// handshake's capabilities map, if present. A missing or malformed entry
// reports ok=false; the caller then applies no overrides.
func ParseCapability(capabilities map[string]any) (FlowControlCapability, bool) {
	raw, ok := capabilities["flow_control"]
	if !ok {
		return FlowControlCapability{}, false
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return FlowControlCapability{}, false
	}
	var cap FlowControlCapability
	if err := json.Unmarshal(data, &cap); err != nil {
		return FlowControlCapability{}, false
	}
	return cap, true
}
