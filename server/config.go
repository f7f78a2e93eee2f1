package server

import (
	"time"

	"haip.dev/engine/internal/auth"
	"haip.dev/engine/internal/engine"
	"haip.dev/engine/internal/flow"
	"haip.dev/engine/internal/replay"
	"haip.dev/engine/internal/session"
)

// Config bounds everything the façade needs beyond the engine itself
// (spec §6.5): listen address, per-connection timeouts, and the admission
// limits that protect the process from an unbounded client fleet.
type Config struct {
	Host string
	Port int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	HandshakeTimeout  time.Duration

	MaxConcurrentRuns int
	ReplayWindow      replay.Config
	ToolCallTimeout   time.Duration

	// FlowControl is the spec §6.5 flowControl.* policy: generic
	// defaults plus per-channel override maps, applied when each session
	// is constructed and re-applied per channel if the peer's handshake
	// capabilities request something different.
	FlowControl flow.Config

	// MaxConnections bounds simultaneous open transports; beyond it new
	// upgrade/stream requests are rejected with 503.
	MaxConnections int
	// ConnectionsPerSecond throttles the rate of new transport admissions
	// (token-bucket, burst = MaxConnections/10 rounded up to 1).
	ConnectionsPerSecond float64

	// EnableWSDuplex/EnableSSEPush/EnableChunked toggle individual
	// transport routes; all three are on by default.
	EnableWSDuplex bool
	EnableSSEPush  bool
	EnableChunked  bool

	// Auth validates the bearer token on every transport-opening request
	// (spec §6.3). Nil means no credential check, suitable only for local
	// development; cmd/haipd wires an auth.StaticValidator only when its
	// -dev-token flag is set.
	Auth auth.TokenValidator
}

// DefaultConfig matches the spec's stated defaults (§6.5).
var DefaultConfig = Config{
	Host:                 "0.0.0.0",
	Port:                 8443,
	HeartbeatInterval:    20 * time.Second,
	HeartbeatTimeout:     5 * time.Second,
	HandshakeTimeout:     10 * time.Second,
	MaxConcurrentRuns:    8,
	ReplayWindow:         replay.DefaultConfig,
	ToolCallTimeout:      5 * time.Minute,
	FlowControl:          flow.DefaultConfig,
	MaxConnections:       500,
	ConnectionsPerSecond: 50,
	EnableWSDuplex:       true,
	EnableSSEPush:        true,
	EnableChunked:        true,
}

func (c Config) engineConfig() engine.Config {
	return engine.Config{
		Session: session.Config{
			MaxConcurrentRuns:  c.MaxConcurrentRuns,
			ReplayWindow:       c.ReplayWindow,
			ToolCallTimeout:    c.ToolCallTimeout,
			ViolationThreshold: 5,
			FlowControl:        c.FlowControl,
		},
		HandshakeTimeout:  c.HandshakeTimeout,
		HeartbeatInterval: c.HeartbeatInterval,
		HeartbeatTimeout:  c.HeartbeatTimeout,
		AcceptedEvents:    engine.DefaultConfig.AcceptedEvents,
	}
}
