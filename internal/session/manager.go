package session

import (
	"sync"

	"haip.dev/engine/internal/protocol"
	"haip.dev/engine/internal/toolmanager"
)

// Manager owns the session lookup table (spec §5: "the session manager
// holds a lookup table guarded by a read-mostly lock used only on
// connect/resume/close").
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	cfg            Config
	registry       *toolmanager.Registry
	sinkFactory    func(sessionID string) toolmanager.Sink
	acceptedEvents []string
}

// NewManager returns an empty session table. sinkFactory builds the
// toolmanager.Sink for a session's tool manager once it's known which
// session id it belongs to (the engine implements Sink to turn tool state
// changes into TOOL_UPDATE/TOOL_DONE envelopes on that session's writer).
func NewManager(cfg Config, registry *toolmanager.Registry, sinkFactory func(string) toolmanager.Sink, acceptedEvents []string) *Manager {
	return &Manager{
		sessions:       make(map[string]*Session),
		cfg:            cfg,
		registry:       registry,
		sinkFactory:    sinkFactory,
		acceptedEvents: acceptedEvents,
	}
}

// Lookup returns the session by id.
func (m *Manager) Lookup(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Remove drops a session from the table, e.g. once fully destroyed.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// All returns every tracked session, for heartbeat/idle sweeps.
func (m *Manager) All() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *Manager) register(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

// HandshakeResult is the outcome of processing an inbound HAI envelope
// (spec §4.7).
type HandshakeResult struct {
	Session       *Session
	Reply         protocol.HAIPayload
	ReplayFromSeq uint64 // 0 means no replay is owed
	NewSession    bool
	Err           *protocol.ProtoError
}

// Handshake negotiates version and, optionally, session resume (spec
// §4.7). requestedID is the "session" field of the inbound HAI envelope;
// empty means the peer has none yet.
func (m *Manager) Handshake(requestedID string, hai protocol.HAIPayload) HandshakeResult {
	if !acceptsMajor(hai.AcceptMajor, ServerMajor) {
		return HandshakeResult{
			Err: protocol.NewProtoError(protocol.ErrVersionIncompatible, "server major version not in accept_major"),
		}
	}

	if requestedID != "" && hai.LastRxSeq != "" {
		if s, ok := m.Lookup(requestedID); ok {
			fromSeq := protocol.SeqUint(hai.LastRxSeq) + 1
			floor := s.Replay.Floor()
			if floor == 0 || fromSeq >= floor {
				return HandshakeResult{
					Session:       s,
					Reply:         m.replyPayload(s),
					ReplayFromSeq: fromSeq,
				}
			}
			// Requested seq is older than the retained window: spec says
			// treat as RESUME_FAILED and fall through to a new session.
		}
	}

	newID := protocol.NewID()
	s := New(newID, m.cfg, m.registry, m.sinkFactory(newID))
	s.NegotiatedVer = ServerVersion
	for _, e := range hai.AcceptEvents {
		s.AcceptedEvents[e] = true
	}
	s.Capabilities = hai.Capabilities
	s.ApplyFlowControlCapability(m.cfg, hai.Capabilities)
	m.register(s)

	result := HandshakeResult{Session: s, Reply: m.replyPayload(s), NewSession: true}
	if requestedID != "" && hai.LastRxSeq != "" {
		// A resume was requested but couldn't be honored.
		result.Err = protocol.NewProtoError(protocol.ErrResumeFailed, "session not resumable; started a new session")
	}
	return result
}

func (m *Manager) replyPayload(s *Session) protocol.HAIPayload {
	return protocol.HAIPayload{
		HAIPVersion:  ServerVersion,
		AcceptMajor:  []int{ServerMajor},
		AcceptEvents: m.acceptedEvents,
		Capabilities: map[string]any{
			"max_concurrent_runs": m.cfg.MaxConcurrentRuns,
			"binary_frames":       true,
		},
	}
}

func acceptsMajor(accept []int, major int) bool {
	for _, v := range accept {
		if v == major {
			return true
		}
	}
	return false
}
