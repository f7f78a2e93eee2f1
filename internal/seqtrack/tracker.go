// Package seqtrack implements the per-session, per-direction sequence and
// cumulative-ack bookkeeping described in spec §4.2.
package seqtrack

import (
	"sync"

	"haip.dev/engine/internal/protocol"
)

// DefaultGapWindow is the default bound on how many out-of-order inbound
// envelopes Deliver buffers; beyond it the lowest-seq buffered envelope is
// dropped. A REPLAY_REQUEST does not wait on this window: Deliver asks for
// one as soon as a gap opens.
const DefaultGapWindow = 10

// Tracker owns the outbound next-seq counter and the inbound
// delivery/duplicate/out-of-order state for one (session, direction) pair.
// A session has two Trackers: one for its outbound direction and one for
// its inbound direction.
type Tracker struct {
	mu sync.Mutex

	nextOut uint64 // next outbound seq to assign; starts at 1

	expected      uint64 // next inbound seq expected in order
	lastDelivered uint64 // highest inbound seq delivered so far (== cumulative ack)
	pending       map[uint64]protocol.Envelope
	gapWindow     uint64

	peerAck uint64 // highest ack value received from the peer
}

// New returns a Tracker with outbound counting starting at 1 and inbound
// expecting seq 1 first.
func New() *Tracker {
	return &Tracker{
		nextOut:   1,
		expected:  1,
		gapWindow: DefaultGapWindow,
		pending:   make(map[uint64]protocol.Envelope),
	}
}

// SetGapWindow overrides the default bound on the out-of-order buffer (see
// DefaultGapWindow).
func (t *Tracker) SetGapWindow(n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > 0 {
		t.gapWindow = n
	}
}

// NextOutSeq assigns and consumes the next outbound sequence number.
func (t *Tracker) NextOutSeq() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	seq := t.nextOut
	t.nextOut++
	return seq
}

// LastOutSeq returns the most recently assigned outbound sequence number,
// or 0 if none has been assigned yet.
func (t *Tracker) LastOutSeq() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nextOut <= 1 {
		return 0
	}
	return t.nextOut - 1
}

// RewindOut resets the outbound counter, used only when binding a resumed
// session whose persisted last-out-seq is known.
func (t *Tracker) RewindOut(lastOut uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextOut = lastOut + 1
}

// DeliverResult is the outcome of offering one inbound envelope to the
// tracker.
type DeliverResult struct {
	// Deliverable holds, in order, every envelope now ready for application
	// handling: the one just offered (if in-order) plus any contiguous run
	// it unblocked from the pending buffer.
	Deliverable []protocol.Envelope
	// Duplicate is true when seq <= lastDelivered: dropped silently.
	Duplicate bool
	// ReplayFrom/ReplayTo are set when this envelope opens a new gap
	// (nothing was buffered before it); the caller should emit
	// REPLAY_REQUEST.
	ReplayFrom, ReplayTo uint64
	NeedsReplay          bool
}

// Deliver offers one decoded inbound envelope to the tracker and reports
// what the caller should do with it (deliver now, buffer, drop as
// duplicate, or request replay), per spec §4.2.
func (t *Tracker) Deliver(env protocol.Envelope) DeliverResult {
	seq := protocol.SeqUint(env.Seq)

	t.mu.Lock()
	defer t.mu.Unlock()

	if seq <= t.lastDelivered && t.lastDelivered > 0 {
		return DeliverResult{Duplicate: true}
	}

	if seq < t.expected {
		// Already delivered (expected has moved past it) — duplicate.
		return DeliverResult{Duplicate: true}
	}

	if seq == t.expected {
		out := []protocol.Envelope{env}
		t.expected++
		t.lastDelivered = seq
		// Drain any contiguous run sitting in the pending buffer.
		for {
			next, ok := t.pending[t.expected]
			if !ok {
				break
			}
			delete(t.pending, t.expected)
			out = append(out, next)
			t.lastDelivered = t.expected
			t.expected++
		}
		return DeliverResult{Deliverable: out}
	}

	// seq > expected: out-of-order, buffer it. A REPLAY_REQUEST fires the
	// moment a new gap opens (pending was empty) rather than waiting for
	// the gap to widen — see spec §8 scenario 3, where a two-seq gap
	// triggers replay immediately. gapWindow instead bounds how many
	// out-of-order envelopes may sit in the buffer before the oldest are
	// dropped, guarding against unbounded growth from a peer that never
	// closes the gap.
	newGap := len(t.pending) == 0
	t.pending[seq] = env
	if uint64(len(t.pending)) > t.gapWindow {
		t.evictOldestPendingLocked()
	}
	if newGap {
		return DeliverResult{
			NeedsReplay: true,
			ReplayFrom:  t.expected,
			ReplayTo:    seq - 1,
		}
	}
	return DeliverResult{}
}

// evictOldestPendingLocked drops the lowest-seq buffered envelope once the
// pending buffer exceeds gapWindow entries. Callers hold t.mu.
func (t *Tracker) evictOldestPendingLocked() {
	var oldest uint64
	first := true
	for seq := range t.pending {
		if first || seq < oldest {
			oldest = seq
			first = false
		}
	}
	if !first {
		delete(t.pending, oldest)
	}
}

// CurrentAck returns the cumulative ack value to stamp on outbound
// envelopes: the highest contiguously delivered inbound seq.
func (t *Tracker) CurrentAck() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastDelivered
}

// RecordPeerAck updates the highest ack value observed from the peer. Per
// spec's invariant 2, this is monotone non-decreasing; a stale/out-of-order
// ack is ignored rather than rolling the value backwards.
func (t *Tracker) RecordPeerAck(ack uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ack > t.peerAck {
		t.peerAck = ack
	}
}

// PeerAck returns the highest ack value received from the peer so far.
func (t *Tracker) PeerAck() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peerAck
}
