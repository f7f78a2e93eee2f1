package toolmanager

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Phase is a tool call's position in the lifecycle state machine (spec
// §4.6). Terminal outcomes are reported via FinalStatus once Phase reaches
// PhaseCompleted.
type Phase string

const (
	PhaseQueued     Phase = "QUEUED"
	PhaseRunning    Phase = "RUNNING"
	PhaseCancelling Phase = "CANCELLING"
	PhaseCompleted  Phase = "COMPLETED"
)

// FinalStatus is the terminal outcome carried by TOOL_DONE.
type FinalStatus string

const (
	FinalOK        FinalStatus = "OK"
	FinalCancelled FinalStatus = "CANCELLED"
	FinalError     FinalStatus = "ERROR"
)

// Call is one in-flight or terminal tool invocation (spec §3 "Tool call").
type Call struct {
	CallID      string
	Tool        string
	Params      map[string]any
	RunID       string
	Phase       Phase
	Progress    *int
	Partial     any
	Result      any
	ErrorMsg    string
	FinalStatus FinalStatus
	StartedAt   time.Time
	EndedAt     time.Time

	cancel context.CancelFunc
}

// Sink is how the manager reports progress and terminal envelopes back to
// the engine; the engine implements this to turn manager state changes
// into wire TOOL_UPDATE/TOOL_DONE envelopes.
type Sink interface {
	ToolUpdate(call *Call)
	ToolDone(call *Call)
}

// Manager owns the in-flight tool-call table for one session (spec
// invariant 7: distinct call_ids).
type Manager struct {
	registry *Registry
	sink     Sink
	timeout  time.Duration

	mu    sync.Mutex
	calls map[string]*Call
}

// New returns a Manager bound to registry, reporting through sink. timeout
// bounds how long an implementation may run before being forcibly marked
// ERROR (spec §4.6, "no terminal envelope arrives within an
// implementation-configured timeout").
func New(registry *Registry, sink Sink, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Manager{registry: registry, sink: sink, timeout: timeout, calls: make(map[string]*Call)}
}

// validateParams is a minimal structural check against an input schema
// shaped like a JSON Schema object: every name listed in "required" must
// be present in params. Full JSON Schema validation is a collaborator
// concern (spec §1 "tool business logic... not specified"); this is the
// floor the engine itself can enforce without delegating.
func validateParams(schema map[string]any, params map[string]any) error {
	if schema == nil {
		return nil
	}
	required, _ := schema["required"].([]any)
	for _, r := range required {
		name, _ := r.(string)
		if name == "" {
			continue
		}
		if _, ok := params[name]; !ok {
			return fmt.Errorf("missing required parameter %q", name)
		}
	}
	return nil
}

// HandleCall processes TOOL_CALL (spec §4.6 failure semantics + state
// machine). An unknown tool or schema violation terminates immediately
// with TOOL_DONE/ERROR and never reaches QUEUED.
func (m *Manager) HandleCall(callID, toolName string, params map[string]any, runID string) {
	m.mu.Lock()
	if _, exists := m.calls[callID]; exists {
		m.mu.Unlock()
		return // duplicate call_id on an open row: spec invariant 7, ignore
	}
	call := &Call{CallID: callID, Tool: toolName, Params: params, RunID: runID, StartedAt: time.Now()}
	m.calls[callID] = call
	m.mu.Unlock()

	tool, ok := m.registry.Lookup(toolName)
	if !ok {
		m.finish(call, FinalError, map[string]any{"error": "unknown_tool"}, "unknown tool")
		return
	}
	if err := validateParams(tool.InputSchema, params); err != nil {
		m.finish(call, FinalError, map[string]any{"error": "schema", "details": err.Error()}, err.Error())
		return
	}

	call.Phase = PhaseQueued
	m.sink.ToolUpdate(call)

	if tool.Impl == nil {
		// Externally handled: the collaborator will drive state via
		// HandleUpdate/HandleDone as TOOL_UPDATE/TOOL_DONE envelopes arrive.
		return
	}
	m.run(call, tool.Impl)
}

func (m *Manager) run(call *Call, impl Implementation) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	m.mu.Lock()
	call.cancel = cancel
	call.Phase = PhaseRunning
	m.mu.Unlock()
	m.sink.ToolUpdate(call)

	go func() {
		defer cancel()
		result, err := m.invoke(ctx, call, impl)
		if ctx.Err() != nil && err == nil {
			err = fmt.Errorf("tool call timed out after %s", m.timeout)
		}
		m.mu.Lock()
		cancelling := call.Phase == PhaseCancelling
		m.mu.Unlock()

		switch {
		case cancelling:
			m.finish(call, FinalCancelled, nil, "")
		case err != nil:
			m.finish(call, FinalError, map[string]any{"error": err.Error()}, err.Error())
		default:
			m.finish(call, FinalOK, result, "")
		}
	}()
}

// invoke calls the implementation, converting a panic into an error so one
// misbehaving tool can't take down the session's goroutine.
func (m *Manager) invoke(ctx context.Context, call *Call, impl Implementation) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool implementation panic: %v", r)
		}
	}()
	return impl.Invoke(ctx, call.Params, func(status string, progress *int, partial any) {
		m.mu.Lock()
		call.Progress = progress
		call.Partial = partial
		m.mu.Unlock()
		m.sink.ToolUpdate(call)
	})
}

// HandleUpdate applies an externally-sourced TOOL_UPDATE (spec: when the
// implementation is delegated to an out-of-process handler).
func (m *Manager) HandleUpdate(callID string, progress *int, partial any) {
	m.mu.Lock()
	call, ok := m.calls[callID]
	if ok {
		call.Progress = progress
		call.Partial = partial
	}
	m.mu.Unlock()
	if ok {
		m.sink.ToolUpdate(call)
	}
}

// HandleCancel processes TOOL_CANCEL: sets CANCELLING and signals the
// implementation's context, or — if the call never left QUEUED — completes
// it as CANCELLED immediately (spec state machine: "QUEUED --cancel-->
// COMPLETED(CANCELLED), no RUNNING observed").
func (m *Manager) HandleCancel(callID string) {
	m.mu.Lock()
	call, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return
	}
	phase := call.Phase
	cancelFn := call.cancel
	m.mu.Unlock()

	switch phase {
	case PhaseQueued:
		m.finish(call, FinalCancelled, nil, "")
	case PhaseRunning:
		m.mu.Lock()
		call.Phase = PhaseCancelling
		m.mu.Unlock()
		m.sink.ToolUpdate(call)
		if cancelFn != nil {
			cancelFn()
		}
	default:
		// already CANCELLING or terminal: no-op
	}
}

// HandleDone applies an externally-sourced TOOL_DONE, terminating the call
// exactly as a locally-run implementation would.
func (m *Manager) HandleDone(callID string, status FinalStatus, result any) {
	m.mu.Lock()
	call, ok := m.calls[callID]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.finish(call, status, result, "")
}

func (m *Manager) finish(call *Call, status FinalStatus, result any, errMsg string) {
	m.mu.Lock()
	call.Phase = PhaseCompleted
	call.FinalStatus = status
	call.Result = result
	call.ErrorMsg = errMsg
	call.EndedAt = time.Now()
	delete(m.calls, call.CallID) // removed from the in-flight table on terminal TOOL_DONE
	m.mu.Unlock()
	m.sink.ToolDone(call)
}

// Get returns the in-flight call by id.
func (m *Manager) Get(callID string) (*Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	return c, ok
}

// InFlightCount reports how many calls are currently tracked (not yet
// terminal).
func (m *Manager) InFlightCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// CancelAllForRun sends TOOL_CANCEL semantics to every in-flight call
// tagged with runID (spec §5: cancelling a run cancels its bound tool
// calls).
func (m *Manager) CancelAllForRun(runID string) {
	m.mu.Lock()
	var ids []string
	for id, c := range m.calls {
		if c.RunID == runID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.HandleCancel(id)
	}
}

// CancelAll cancels every in-flight call, used when the owning session is
// closed (spec §5: "pending tool calls bound to it receive TOOL_CANCEL").
func (m *Manager) CancelAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.calls))
	for id := range m.calls {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.HandleCancel(id)
	}
}
