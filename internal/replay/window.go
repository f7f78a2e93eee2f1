// Package replay implements the bounded outbound replay window described
// in spec §4.3: a time+size buffer of outbound envelopes keyed by seq,
// used to serve REPLAY_REQUEST and session resume.
package replay

import (
	"sort"
	"sync"
	"time"

	"haip.dev/engine/internal/protocol"
)

// Entry is one retained outbound envelope (spec §3 "Replay entry").
type Entry struct {
	Seq        uint64
	Envelope   protocol.Envelope
	Binary     []byte
	InsertedAt time.Time
}

// Config bounds the window's retention policy.
type Config struct {
	MaxSize int           // maximum entry count (spec default configurable; see session config)
	MaxAge  time.Duration // entries younger than this are not evicted by age; once acked they can still be trimmed when the window exceeds MaxSize
}

// DefaultConfig matches a conservative, always-safe retention policy; the
// session manager normally supplies its own from the engine Config.
var DefaultConfig = Config{MaxSize: 1000, MaxAge: 5 * time.Minute}

// ErrTooOld is returned by Replay when from_seq is below the window floor:
// the spec's REPLAY_TOO_OLD condition, whose recovery is a fresh session.
type ErrTooOld struct {
	FromSeq uint64
	Floor   uint64
}

func (e *ErrTooOld) Error() string {
	return "replay: requested seq is older than the retained window"
}

// Window is a single session's outbound replay buffer. Record is called
// from whichever of the session's goroutines sends (reader, heartbeat,
// tool execution) and Evict from the reader, so every access goes through
// mu.
type Window struct {
	mu      sync.Mutex
	cfg     Config
	entries map[uint64]Entry
}

// New returns an empty replay window governed by cfg.
func New(cfg Config) *Window {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig.MaxSize
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultConfig.MaxAge
	}
	return &Window{cfg: cfg, entries: make(map[uint64]Entry)}
}

// Record stores a freshly transmitted outbound envelope (and its bound
// binary payload, if any) for possible future replay.
func (w *Window) Record(seq uint64, env protocol.Envelope, binary []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[seq] = Entry{Seq: seq, Envelope: env, Binary: binary, InsertedAt: time.Now()}
}

// Evict removes entries that are both acknowledged by the peer (seq <=
// peerAck) and past their minimum retention age, oldest first, trimming
// down to MaxSize when the window has grown beyond it. Called whenever an
// inbound envelope's ack has been recorded; there is no periodic eviction.
func (w *Window) Evict(peerAck uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()

	for seq, e := range w.entries {
		if seq <= peerAck && now.Sub(e.InsertedAt) >= w.cfg.MaxAge {
			delete(w.entries, seq)
		}
	}

	if len(w.entries) <= w.cfg.MaxSize {
		return
	}
	seqs := w.sortedSeqsLocked()
	excess := len(seqs) - w.cfg.MaxSize
	for i := 0; i < excess; i++ {
		// Only acknowledged entries are eligible for size-based eviction;
		// un-acked entries must survive so resume/replay can still serve
		// them (spec: replay floor only advances past what's evictable).
		if seqs[i] <= peerAck {
			delete(w.entries, seqs[i])
		}
	}
}

func (w *Window) sortedSeqsLocked() []uint64 {
	seqs := make([]uint64, 0, len(w.entries))
	for seq := range w.entries {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}

// Floor returns the lowest seq currently retained, or 0 if the window is
// empty.
func (w *Window) Floor() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	seqs := w.sortedSeqsLocked()
	if len(seqs) == 0 {
		return 0
	}
	return seqs[0]
}

// Len reports how many entries are currently retained.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Replay returns, in ascending seq order, the retained entries in
// [from, to]. A nil "to" (toPtr == nil) means "up to the current last
// outbound seq", resolved by the caller via lastOutSeq. If from is below
// the retained floor, ErrTooOld is returned — the peer's recovery is to
// reset the session.
func (w *Window) Replay(from uint64, toPtr *uint64, lastOutSeq uint64) ([]Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	to := lastOutSeq
	if toPtr != nil {
		to = *toPtr
	}

	floor := uint64(0)
	seqs := w.sortedSeqsLocked()
	if len(seqs) > 0 {
		floor = seqs[0]
	}
	if from < floor {
		return nil, &ErrTooOld{FromSeq: from, Floor: floor}
	}

	var out []Entry
	for _, seq := range seqs {
		if seq >= from && seq <= to {
			out = append(out, w.entries[seq])
		}
	}
	return out, nil
}
