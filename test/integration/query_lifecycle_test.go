package integration

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/askgrid/askd/model"
)

func TestQueryLifecycle_discoveryToCompletion(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(MemberClaims())

	h.Directory.SetResults([]model.ScoredSource{
		ScoredSourceFixture("src-1", "acme/handbook", 0.92),
		ScoredSourceFixture("src-2", "acme/scratchpad", 0.21),
	})
	h.Aggregator.SetScript(AnswerScript("Deploys run through the release pipeline.", "acme/handbook"))

	session := h.CreateSession(t, token, "openai/gpt-4")

	// Discovery runs synchronously with the submission.
	accepted := h.SubmitQuery(t, token, session.ID, "how do deploys work")
	if accepted.State.Phase != model.PhaseSelecting {
		t.Fatalf("phase = %q, want selecting", accepted.State.Phase)
	}
	if len(accepted.State.SuggestedSources) != 1 {
		t.Fatalf("suggested = %+v, want only the high-relevance candidate", accepted.State.SuggestedSources)
	}
	if accepted.State.SuggestedSources[0].Path != "acme/handbook" {
		t.Errorf("suggested path = %q", accepted.State.SuggestedSources[0].Path)
	}

	resp := h.POST("/ask/sessions/"+session.ID+"/sources/src-1/toggle", nil, token)
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = h.POST("/ask/sessions/"+session.ID+"/confirm", nil, token)
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	state := h.WaitForPhase(t, token, session.ID, model.PhaseComplete, 2*time.Second)
	if !strings.Contains(state.Content, "release pipeline") {
		t.Errorf("content = %q", state.Content)
	}
	if _, ok := state.Sources["acme/handbook"]; !ok {
		t.Errorf("sources = %+v, missing acme/handbook", state.Sources)
	}

	req := h.Aggregator.LastRequest()
	if req.Model != "openai/gpt-4" {
		t.Errorf("streamed model = %q", req.Model)
	}
	if len(req.SourcePaths) != 1 || req.SourcePaths[0] != "acme/handbook" {
		t.Errorf("streamed source paths = %v", req.SourcePaths)
	}

	// The completion hook persisted a record.
	resp = h.GET("/ask/results", token)
	h.AssertStatus(t, resp, http.StatusOK)
	var list struct {
		Data []model.QueryRecord `json:"data"`
	}
	h.ParseJSON(resp, &list)
	if len(list.Data) != 1 {
		t.Fatalf("records = %d, want 1", len(list.Data))
	}
	if list.Data[0].Query != "how do deploys work" {
		t.Errorf("record query = %q", list.Data[0].Query)
	}
	if !strings.Contains(list.Data[0].Content, "release pipeline") {
		t.Errorf("record content = %q", list.Data[0].Content)
	}

	// And an audit event for the session.
	resp = h.GET("/ask/sessions/"+session.ID+"/events", token)
	h.AssertStatus(t, resp, http.StatusOK)
	var events struct {
		Data []model.QueryEvent `json:"data"`
	}
	h.ParseJSON(resp, &events)
	if len(events.Data) != 1 || events.Data[0].Phase != model.PhaseComplete {
		t.Errorf("events = %+v", events.Data)
	}
}

func TestQueryLifecycle_mentionBypassesDiscovery(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(MemberClaims())

	h.Aggregator.SetScript(AnswerScript("Summary of the handbook.", "acme/handbook"))

	session := h.CreateSession(t, token, "openai/gpt-4")
	h.SubmitQuery(t, token, session.ID, "summarize @acme/handbook for me")

	state := h.WaitForPhase(t, token, session.ID, model.PhaseComplete, 2*time.Second)
	if !strings.Contains(state.Content, "Summary") {
		t.Errorf("content = %q", state.Content)
	}

	if calls := h.Directory.SearchCalls(); calls != 0 {
		t.Errorf("directory searched %d times, want 0 for mention queries", calls)
	}
	req := h.Aggregator.LastRequest()
	if len(req.SourcePaths) != 1 || req.SourcePaths[0] != "acme/handbook" {
		t.Errorf("streamed source paths = %v", req.SourcePaths)
	}
}

func TestQueryLifecycle_shortQuerySkipsSearch(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(MemberClaims())

	session := h.CreateSession(t, token, "openai/gpt-4")
	accepted := h.SubmitQuery(t, token, session.ID, "hi")

	if accepted.State.Phase != model.PhaseSelecting {
		t.Fatalf("phase = %q, want selecting", accepted.State.Phase)
	}
	if len(accepted.State.SuggestedSources) != 0 {
		t.Errorf("suggested = %+v, want none", accepted.State.SuggestedSources)
	}
	if calls := h.Directory.SearchCalls(); calls != 0 {
		t.Errorf("directory searched %d times for a too-short query", calls)
	}
}

func TestQueryLifecycle_missingModel(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(MemberClaims())

	session := h.CreateSession(t, token, "")
	accepted := h.SubmitQuery(t, token, session.ID, "how do deploys work")

	if accepted.State.Phase != model.PhaseError {
		t.Fatalf("phase = %q, want error", accepted.State.Phase)
	}
	if accepted.State.Error == "" {
		t.Error("no error message in state")
	}
	if calls := h.Directory.SearchCalls(); calls != 0 {
		t.Errorf("directory searched %d times without a model selected", calls)
	}
}

func TestQueryLifecycle_resetClearsState(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(MemberClaims())

	h.Directory.SetResults([]model.ScoredSource{
		ScoredSourceFixture("src-1", "acme/handbook", 0.9),
	})

	session := h.CreateSession(t, token, "openai/gpt-4")
	h.SubmitQuery(t, token, session.ID, "how do deploys work")

	resp := h.POST("/ask/sessions/"+session.ID+"/reset", nil, token)
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	state := h.State(t, token, session.ID)
	if state.Phase != model.PhaseIdle {
		t.Errorf("phase = %q, want idle", state.Phase)
	}
	if state.Query != "" || len(state.SuggestedSources) != 0 {
		t.Errorf("state not cleared: %+v", state)
	}
}

func TestSearchEndpoint_cachesResults(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(MemberClaims())

	h.Directory.SetResults([]model.ScoredSource{
		ScoredSourceFixture("src-1", "acme/handbook", 0.9),
	})

	for i := 0; i < 3; i++ {
		resp := h.GET("/ask/sources/search?q=deploys", token)
		h.AssertStatus(t, resp, http.StatusOK)
		var out struct {
			Data []model.ScoredSource `json:"data"`
		}
		h.ParseJSON(resp, &out)
		if len(out.Data) != 1 || out.Data[0].Path != "acme/handbook" {
			t.Fatalf("request %d: data = %+v", i, out.Data)
		}
	}

	if calls := h.Directory.SearchCalls(); calls != 1 {
		t.Errorf("directory hit %d times, want 1 (cached)", calls)
	}
}
