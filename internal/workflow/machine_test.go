package workflow

import (
	"testing"

	"github.com/askgrid/askd/model"
)

func TestMachine_initialState(t *testing.T) {
	m := NewMachine()
	st := m.Snapshot()
	if st.Phase != model.PhaseIdle {
		t.Errorf("Phase = %q", st.Phase)
	}
	if st.Query != "" || st.Content != "" || st.Error != "" {
		t.Errorf("unexpected non-zero fields: %+v", st)
	}
}

func TestMachine_startSearch(t *testing.T) {
	m := NewMachine()
	m.StartSearch("glacier melt")

	st := m.Snapshot()
	if st.Phase != model.PhaseSearching {
		t.Fatalf("Phase = %q", st.Phase)
	}
	if st.Query != "glacier melt" {
		t.Errorf("Query = %q", st.Query)
	}

	// Only valid from idle.
	m.StartSearch("other")
	if got := m.Snapshot().Query; got != "glacier melt" {
		t.Errorf("StartSearch from searching changed query to %q", got)
	}
}

func TestMachine_startSearch_clearsPriorRun(t *testing.T) {
	m := NewMachine()
	m.StartSearch("first")
	m.SearchComplete(nil)
	m.StartPreparing()
	m.StartStreaming(&model.ProcessingStatus{Phase: model.ProcessingRetrieving})
	m.AppendContent("partial")
	m.Fail("boom")

	m.Reset()
	m.StartSearch("second")

	st := m.Snapshot()
	if st.Content != "" || st.Error != "" || st.Sources != nil || st.Processing != nil {
		t.Errorf("prior run leaked into new submission: %+v", st)
	}
}

func TestMachine_preselectionSurvivesStartSearch(t *testing.T) {
	m := NewMachine()
	m.ToggleSource("src-1")
	m.StartSearch("query")

	if !m.Snapshot().SelectedSourceIDs["src-1"] {
		t.Error("idle pre-selection was dropped by StartSearch")
	}
}

func TestMachine_toggleSource(t *testing.T) {
	m := NewMachine()
	m.StartSearch("q")
	m.SearchComplete([]model.CandidateSource{{ID: "a"}, {ID: "b"}})

	m.ToggleSource("a")
	if !m.Snapshot().SelectedSourceIDs["a"] {
		t.Error("toggle on failed")
	}
	m.ToggleSource("a")
	if m.Snapshot().SelectedSourceIDs["a"] {
		t.Error("toggle off failed")
	}

	// Selection closes once preparing.
	m.ToggleSource("b")
	m.StartPreparing()
	m.ToggleSource("b")
	if !m.Snapshot().SelectedSourceIDs["b"] {
		t.Error("toggle while preparing should be a no-op")
	}
}

func TestMachine_statusLifecycle(t *testing.T) {
	m := NewMachine()
	m.StartSearch("q")
	m.SearchComplete(nil)
	m.StartPreparing()

	first := &model.ProcessingStatus{Phase: model.ProcessingRetrieving, Message: "Searching across 1 sources..."}
	m.StartStreaming(first)

	st := m.Snapshot()
	if st.Phase != model.PhaseStreaming {
		t.Fatalf("Phase = %q", st.Phase)
	}
	if st.Processing == nil || st.Processing.Message != first.Message {
		t.Errorf("Processing = %+v", st.Processing)
	}

	m.UpdateStatus(&model.ProcessingStatus{Phase: model.ProcessingGenerating, Message: "Generating response..."})
	if got := m.Snapshot().Processing.Phase; got != model.ProcessingGenerating {
		t.Errorf("Processing.Phase = %q", got)
	}

	m.Complete(map[string]model.AggregatorSource{"Doc": {SourcePath: "a/b", Content: "text"}})
	st = m.Snapshot()
	if st.Phase != model.PhaseComplete {
		t.Errorf("Phase = %q", st.Phase)
	}
	if st.Processing != nil {
		t.Error("Processing not cleared on complete")
	}
	if st.Sources["Doc"].SourcePath != "a/b" {
		t.Errorf("Sources = %+v", st.Sources)
	}
}

func TestMachine_appendContent(t *testing.T) {
	m := NewMachine()
	m.StartSearch("q")
	m.SearchComplete(nil)
	m.StartPreparing()

	m.AppendContent("Hello ")
	m.AppendContent("world")
	if got := m.Snapshot().Content; got != "Hello world" {
		t.Errorf("Content = %q", got)
	}

	// No accumulation outside an active run.
	m.Fail("boom")
	m.AppendContent("more")
	if got := m.Snapshot().Content; got != "Hello world" {
		t.Errorf("Content after error = %q", got)
	}
}

func TestMachine_failRetainsContent(t *testing.T) {
	m := NewMachine()
	m.StartSearch("q")
	m.SearchComplete(nil)
	m.StartPreparing()
	m.AppendContent("partial output")

	m.Fail("Generation failed")
	st := m.Snapshot()
	if st.Phase != model.PhaseError {
		t.Fatalf("Phase = %q", st.Phase)
	}
	if st.Error != "Generation failed" {
		t.Errorf("Error = %q", st.Error)
	}
	if st.Content != "partial output" {
		t.Errorf("Content = %q, partial output must be retained", st.Content)
	}
	if st.Processing != nil {
		t.Error("Processing not cleared on error")
	}
}

func TestMachine_invalidCommandsAreNoops(t *testing.T) {
	m := NewMachine()

	// None of these are valid from idle; none may panic or transition.
	m.SearchComplete([]model.CandidateSource{{ID: "x"}})
	m.StartPreparing()
	m.StartStreaming(&model.ProcessingStatus{Phase: model.ProcessingRetrieving})
	m.UpdateStatus(nil)
	m.AppendContent("x")
	m.Complete(nil)

	st := m.Snapshot()
	if st.Phase != model.PhaseIdle {
		t.Errorf("Phase = %q, want idle", st.Phase)
	}
	if st.Content != "" || st.Processing != nil || st.SuggestedSources != nil {
		t.Errorf("state mutated by invalid commands: %+v", st)
	}
}

func TestMachine_snapshotIsolation(t *testing.T) {
	m := NewMachine()
	m.StartSearch("q")
	m.SearchComplete([]model.CandidateSource{{ID: "a", Path: "o/a"}})
	m.ToggleSource("a")

	snap := m.Snapshot()
	snap.SelectedSourceIDs["b"] = true
	snap.SuggestedSources[0].Path = "mutated"

	st := m.Snapshot()
	if st.SelectedSourceIDs["b"] {
		t.Error("mutating a snapshot leaked into machine state")
	}
	if st.SuggestedSources[0].Path != "o/a" {
		t.Error("mutating a snapshot slice leaked into machine state")
	}
}

func TestMachine_reset(t *testing.T) {
	m := NewMachine()
	m.StartSearch("q")
	m.SearchComplete(nil)
	m.StartPreparing()
	m.AppendContent("text")
	m.Fail("boom")

	m.Reset()
	st := m.Snapshot()
	if st.Phase != model.PhaseIdle || st.Query != "" || st.Content != "" || st.Error != "" {
		t.Errorf("Reset left residue: %+v", st)
	}
}
