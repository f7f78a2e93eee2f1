// Package runmanager implements run lifecycle tracking described in
// spec §4.5: start/finish/cancel/error, the per-session concurrency cap,
// and run-scoped tagging for observability.
package runmanager

import (
	"sync"
	"time"

	"haip.dev/engine/internal/protocol"
)

// Status is a run's lifecycle state (spec §3).
type Status string

const (
	StatusActive    Status = "active"
	StatusFinished  Status = "finished"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Run is one tracked run (spec §3 "Run").
type Run struct {
	ID        string
	ThreadID  string
	Metadata  map[string]any
	Status    Status
	StartedAt time.Time
	EndedAt   time.Time
	Summary   string
	Error     string
}

// ErrRunLimitExceeded mirrors protocol.ErrRunLimitExceeded for callers that
// want a typed error distinct from the wire ProtoError.
var ErrRunLimitExceeded = protocol.NewProtoError(protocol.ErrRunLimitExceeded, "active run limit exceeded for this session")

// ErrRunNotFound mirrors protocol.ErrRunNotFound.
var ErrRunNotFound = protocol.NewProtoError(protocol.ErrRunNotFound, "run not found")

// Manager owns the run table for one session.
type Manager struct {
	mu                sync.Mutex
	runs              map[string]*Run
	maxConcurrentRuns int
	activeCount       int
}

// New returns a Manager enforcing maxConcurrentRuns simultaneously-active
// runs (spec invariant 6). A value <= 0 means unlimited.
func New(maxConcurrentRuns int) *Manager {
	return &Manager{runs: make(map[string]*Run), maxConcurrentRuns: maxConcurrentRuns}
}

// Start handles RUN_STARTED: assigns a run_id if absent, enforces the
// concurrency cap, and stores the run as active.
func (m *Manager) Start(runID, threadID string, metadata map[string]any) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxConcurrentRuns > 0 && m.activeCount >= m.maxConcurrentRuns {
		return nil, ErrRunLimitExceeded
	}
	if runID == "" {
		runID = protocol.NewID()
	}
	r := &Run{ID: runID, ThreadID: threadID, Metadata: metadata, Status: StatusActive, StartedAt: time.Now()}
	m.runs[runID] = r
	m.activeCount++
	return r, nil
}

func (m *Manager) terminate(runID string, status Status, summary, errMsg string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	if r.Status == StatusActive {
		m.activeCount--
	}
	r.Status = status
	r.EndedAt = time.Now()
	r.Summary = summary
	r.Error = errMsg
	return r, nil
}

// Finish handles RUN_FINISHED.
func (m *Manager) Finish(runID, status, summary string) (*Run, error) {
	st := StatusFinished
	if status != "" {
		st = Status(status)
	}
	return m.terminate(runID, st, summary, "")
}

// Cancel handles RUN_CANCEL.
func (m *Manager) Cancel(runID string) (*Run, error) {
	return m.terminate(runID, StatusCancelled, "", "")
}

// Fail handles RUN_ERROR.
func (m *Manager) Fail(runID, errMsg string) (*Run, error) {
	return m.terminate(runID, StatusError, "", errMsg)
}

// Get returns the run by id, if tracked.
func (m *Manager) Get(runID string) (*Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	return r, ok
}

// ActiveCount returns the number of runs currently in StatusActive
// (spec invariant 6).
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeCount
}

// ActiveIDs returns the ids of every currently active run, in no
// particular order.
func (m *Manager) ActiveIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.runs))
	for id, r := range m.runs {
		if r.Status == StatusActive {
			ids = append(ids, id)
		}
	}
	return ids
}
