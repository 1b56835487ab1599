package model

import "testing"

func TestQueryState_Clone_isolated(t *testing.T) {
	orig := QueryState{
		Phase:             PhaseSelecting,
		Query:             "how do glaciers form",
		SuggestedSources:  []CandidateSource{{ID: "s1", Path: "alice/glaciers"}},
		SelectedSourceIDs: map[string]bool{"s1": true},
		Processing: &ProcessingStatus{
			Phase:     ProcessingRetrieving,
			Message:   "Searching across 1 sources...",
			Retrieval: &RetrievalProgress{Completed: 0, Total: 1},
			CompletedSources: []SourceProgress{
				{Path: "alice/glaciers", DisplayName: "Glaciers", Status: SourceSuccess},
			},
		},
		Sources: map[string]AggregatorSource{
			"Intro": {SourcePath: "alice/glaciers", Content: "ice"},
		},
	}

	clone := orig.Clone()

	clone.SuggestedSources[0].ID = "mutated"
	clone.SelectedSourceIDs["s2"] = true
	clone.Processing.Retrieval.Completed = 99
	clone.Processing.CompletedSources[0].Status = SourceError
	clone.Sources["Intro"] = AggregatorSource{Content: "mutated"}

	if orig.SuggestedSources[0].ID != "s1" {
		t.Error("clone mutation leaked into SuggestedSources")
	}
	if orig.SelectedSourceIDs["s2"] {
		t.Error("clone mutation leaked into SelectedSourceIDs")
	}
	if orig.Processing.Retrieval.Completed != 0 {
		t.Error("clone mutation leaked into Retrieval")
	}
	if orig.Processing.CompletedSources[0].Status != SourceSuccess {
		t.Error("clone mutation leaked into CompletedSources")
	}
	if orig.Sources["Intro"].Content != "ice" {
		t.Error("clone mutation leaked into Sources")
	}
}

func TestProcessingStatus_Clone_nil(t *testing.T) {
	var p *ProcessingStatus
	if p.Clone() != nil {
		t.Error("Clone of nil status should be nil")
	}
}
