package session

import "time"

// ReapIdle drops sessions whose transport has been unbound for longer
// than replayWindowTime (spec §4.7: "the session is retained for
// replayWindowTime to permit resume") and drops them from the table once
// that grace period elapses. Bound sessions idle past heartbeatTimeout are
// returned so the caller can close their transport (the heartbeat
// PING/PONG exchange itself lives in the engine, which owns the write
// path); this function only judges elapsed time, never sends frames.
func (m *Manager) ReapIdle(heartbeatTimeout, replayWindowTime time.Duration) (unhealthy []*Session) {
	for _, s := range m.All() {
		if s.Closed() {
			if s.IdleSince() >= replayWindowTime {
				m.Remove(s.ID)
			}
			continue
		}
		if s.Transport() == nil {
			if s.IdleSince() >= replayWindowTime {
				m.Remove(s.ID)
			}
			continue
		}
		if s.IdleSince() >= heartbeatTimeout {
			unhealthy = append(unhealthy, s)
		}
	}
	return unhealthy
}
