// Package workflow models the lifecycle of a query session: the phase state
// machine, the driver that pumps aggregation events through it, and the
// store that persists completed results.
package workflow

import (
	"sync"

	"github.com/askgrid/askd/model"
)

// Machine owns the QueryState for one session. It is the single writer;
// every command replaces the whole state, and Snapshot hands out deep
// copies, so readers always observe a consistent view.
//
// All commands are total. A command that is invalid for the current phase is
// a no-op; the machine never panics and never returns an error.
type Machine struct {
	mu    sync.Mutex
	state model.QueryState
}

// NewMachine returns a machine in the idle phase.
func NewMachine() *Machine {
	return &Machine{state: initialState()}
}

func initialState() model.QueryState {
	return model.QueryState{
		Phase:             model.PhaseIdle,
		SelectedSourceIDs: make(map[string]bool),
	}
}

// activePhase reports whether the phase belongs to an in-progress
// submission, as opposed to idle or a terminal phase.
func activePhase(phase string) bool {
	switch phase {
	case model.PhaseSearching, model.PhaseSelecting, model.PhasePreparing, model.PhaseStreaming:
		return true
	}
	return false
}

// selectionOpen reports whether the selected-source set may still change.
func selectionOpen(phase string) bool {
	return phase == model.PhaseIdle || phase == model.PhaseSearching || phase == model.PhaseSelecting
}

// Snapshot returns a deep copy of the current state.
func (m *Machine) Snapshot() model.QueryState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// Phase returns the current session phase.
func (m *Machine) Phase() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Phase
}

// StartSearch begins a new submission. Valid only from idle. The query is
// recorded and all prior content, sources and error are cleared; selected
// source ids carry over so a pre-selection made in idle survives.
func (m *Machine) StartSearch(query string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Phase != model.PhaseIdle {
		return
	}
	next := initialState()
	next.Phase = model.PhaseSearching
	next.Query = query
	for id, v := range m.state.SelectedSourceIDs {
		next.SelectedSourceIDs[id] = v
	}
	m.state = next
}

// SearchComplete records the discovered candidates and moves searching to
// selecting. A nil candidate list is valid: the user may proceed with zero
// sources.
func (m *Machine) SearchComplete(candidates []model.CandidateSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Phase != model.PhaseSearching {
		return
	}
	next := m.state.Clone()
	next.Phase = model.PhaseSelecting
	next.SuggestedSources = candidates
	m.state = next
}

// ToggleSource flips membership of a source id in the selected set. Valid
// only while selection is still open.
func (m *Machine) ToggleSource(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !selectionOpen(m.state.Phase) {
		return
	}
	next := m.state.Clone()
	if next.SelectedSourceIDs == nil {
		next.SelectedSourceIDs = make(map[string]bool)
	}
	if next.SelectedSourceIDs[id] {
		delete(next.SelectedSourceIDs, id)
	} else {
		next.SelectedSourceIDs[id] = true
	}
	m.state = next
}

// StartPreparing marks the selection as confirmed and the remote request as
// being issued. Valid from searching (direct execution path) or selecting.
func (m *Machine) StartPreparing() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Phase != model.PhaseSearching && m.state.Phase != model.PhaseSelecting {
		return
	}
	next := m.state.Clone()
	next.Phase = model.PhasePreparing
	m.state = next
}

// StartStreaming installs the first processing status and moves any active
// phase to streaming.
func (m *Machine) StartStreaming(status *model.ProcessingStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !activePhase(m.state.Phase) {
		return
	}
	next := m.state.Clone()
	next.Phase = model.PhaseStreaming
	next.Processing = status.Clone()
	m.state = next
}

// UpdateStatus replaces the processing status while preparing or streaming.
func (m *Machine) UpdateStatus(status *model.ProcessingStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Phase != model.PhasePreparing && m.state.Phase != model.PhaseStreaming {
		return
	}
	next := m.state.Clone()
	next.Processing = status.Clone()
	m.state = next
}

// AppendContent appends a chunk to the accumulated content. Content only
// grows; it is cleared by StartSearch and Reset, never replaced here.
func (m *Machine) AppendContent(chunk string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Phase != model.PhasePreparing && m.state.Phase != model.PhaseStreaming {
		return
	}
	next := m.state.Clone()
	next.Content += chunk
	m.state = next
}

// Complete moves any active phase to complete, adopting the attributed
// sources from the done event and discarding the processing status.
func (m *Machine) Complete(sources map[string]model.AggregatorSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !activePhase(m.state.Phase) {
		return
	}
	next := m.state.Clone()
	next.Phase = model.PhaseComplete
	next.Sources = sources
	next.Processing = nil
	next.Error = ""
	m.state = next
}

// Fail moves the session to the error phase with a user-facing message.
// Accumulated content is retained so partial output can still be shown.
func (m *Machine) Fail(message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Phase == model.PhaseError {
		return
	}
	next := m.state.Clone()
	next.Phase = model.PhaseError
	next.Error = message
	next.Processing = nil
	m.state = next
}

// Reset reinitializes the whole state back to idle.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = initialState()
}
