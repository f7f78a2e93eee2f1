// Package session implements the per-connection state and the session
// table described in spec §3 and §4.7: handshake negotiation, resume,
// heartbeat, and the credit/sequence/replay machinery bound together per
// session.
package session

import (
	"sync"
	"time"

	"haip.dev/engine/internal/flow"
	"haip.dev/engine/internal/protocol"
	"haip.dev/engine/internal/replay"
	"haip.dev/engine/internal/runmanager"
	"haip.dev/engine/internal/seqtrack"
	"haip.dev/engine/internal/toolmanager"
)

// ServerVersion is the major.minor.patch this engine implements and
// advertises during the HAI handshake.
const ServerVersion = "1.1.2"

// ServerMajor is the major version number peers must list in accept_major.
const ServerMajor = 1

// Transport is the minimal send contract a session needs from its bound
// transport adapter; adapters in internal/transport implement this.
type Transport interface {
	// Send writes one JSON envelope, optionally followed by its announced
	// binary payload, to the peer. Implementations must not interleave
	// another envelope's bytes between the two.
	Send(env protocol.Envelope, binary []byte) error
	Close(reason string) error
}

// Session is one negotiated HAIP connection's full state (spec §3
// "Session"). It is touched from several goroutines (the engine's reader
// and heartbeat loops, tool execution), each component guarding its own
// state with a mutex; see internal/engine for the goroutines that drive it.
type Session struct {
	ID             string
	NegotiatedVer  string
	AcceptedEvents map[string]bool
	Capabilities   map[string]any

	Out *seqtrack.Tracker // this direction's outbound counter + inbound delivery for the peer's acks
	In  *seqtrack.Tracker // inbound sequence tracking for envelopes this session receives

	SendCredits *flow.Controller // governs what this session may transmit
	RecvCredits *flow.Controller // mirrors the peer's view of what it may send us

	Replay *replay.Window
	Runs   *runmanager.Manager
	Tools  *toolmanager.Manager

	mu          sync.Mutex
	transport   Transport
	lastActive  time.Time
	closed      bool
	violations  int
}

// Config bounds per-session resource policy (spec §6.5, the session-scoped
// subset).
type Config struct {
	MaxConcurrentRuns  int
	ReplayWindow       replay.Config
	ToolCallTimeout    time.Duration
	ViolationThreshold int // repeated PROTOCOL_VIOLATION count that closes the transport
	FlowControl        flow.Config
}

// DefaultConfig matches the spec's stated defaults.
var DefaultConfig = Config{
	MaxConcurrentRuns:  8,
	ReplayWindow:       replay.DefaultConfig,
	ToolCallTimeout:    5 * time.Minute,
	ViolationThreshold: 5,
	FlowControl:        flow.DefaultConfig,
}

// negotiableChannels lists every channel a session seeds credit pools for
// up front, so cfg.FlowControl's defaults (and any handshake override
// applied afterward) are in effect from the first envelope rather than
// lazily materialized on first touch.
var negotiableChannels = []protocol.Channel{
	protocol.ChannelSystem, protocol.ChannelUser, protocol.ChannelAgent,
	protocol.ChannelAudioIn, protocol.ChannelAudioOut,
}

// New constructs a fresh session bound to no transport yet; id is assigned
// by the caller (session manager), which owns identifier uniqueness.
func New(id string, cfg Config, toolRegistry *toolmanager.Registry, sink toolmanager.Sink) *Session {
	s := &Session{
		ID:             id,
		AcceptedEvents: make(map[string]bool),
		Out:            seqtrack.New(),
		In:             seqtrack.New(),
		SendCredits:    flow.New(),
		RecvCredits:    flow.New(),
		Replay:         replay.New(cfg.ReplayWindow),
		Runs:           runmanager.New(cfg.MaxConcurrentRuns),
		Tools:          toolmanager.New(toolRegistry, sink, cfg.ToolCallTimeout),
		lastActive:     time.Now(),
	}
	for _, ch := range negotiableChannels {
		d := cfg.FlowControl.CreditsFor(ch)
		s.SendCredits.EnsureChannel(ch, d)
		s.RecvCredits.EnsureChannel(ch, d)
	}
	return s
}

// ApplyFlowControlCapability negotiates per-channel credit overrides
// requested by the peer's handshake capabilities (spec §4.4 "defaults,
// overridable by handshake"). Channels the capability doesn't name keep
// whatever cfg.FlowControl already seeded in New.
func (s *Session) ApplyFlowControlCapability(cfg Config, capabilities map[string]any) {
	cap, ok := flow.ParseCapability(capabilities)
	if !ok {
		return
	}
	for ch, override := range cap.Channels {
		d := override.Apply(cfg.FlowControl.CreditsFor(ch))
		s.SendCredits.EnsureChannel(ch, d)
		s.RecvCredits.EnsureChannel(ch, d)
	}
}

// Bind attaches a transport to the session, failing the caller's rebind
// attempt if one is already bound (spec invariant: "a session has at most
// one bound transport at any instant").
func (s *Session) Bind(t Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport != nil {
		return false
	}
	s.transport = t
	s.closed = false
	return true
}

// Unbind detaches the transport, e.g. on transport-level disconnect, while
// keeping the session record alive for resume.
func (s *Session) Unbind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = nil
}

// Transport returns the currently bound transport, or nil.
func (s *Session) Transport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// Touch records activity for idle-reaping purposes.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
}

// IdleSince reports how long it has been since the last recorded activity.
func (s *Session) IdleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActive)
}

// RecordViolation increments the protocol-violation counter and reports
// whether it has now crossed threshold, at which point the caller should
// close the transport (spec §4.9: "repeated protocol violations above a
// per-session threshold close the transport").
func (s *Session) RecordViolation(threshold int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations++
	return s.violations >= threshold
}

// MarkClosed records that this session's transport has been torn down.
func (s *Session) MarkClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.transport = nil
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close tears the session down: cancels in-flight tool calls and drops the
// bound transport (spec §5 cancellation semantics).
func (s *Session) Close(reason string) {
	s.Tools.CancelAll()
	s.mu.Lock()
	t := s.transport
	s.transport = nil
	s.closed = true
	s.mu.Unlock()
	if t != nil {
		t.Close(reason)
	}
}
