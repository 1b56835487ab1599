package integration

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/askgrid/askd/internal/aggregator"
	"github.com/askgrid/askd/model"
)

func TestResilience_directoryDownDiscoveryDegrades(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(MemberClaims())

	h.Directory.SetFailStatus(http.StatusServiceUnavailable)

	session := h.CreateSession(t, token, "openai/gpt-4")
	accepted := h.SubmitQuery(t, token, session.ID, "how do deploys work")

	// Discovery failure is non-fatal: the session lands in selecting with
	// no suggestions instead of erroring out.
	if accepted.State.Phase != model.PhaseSelecting {
		t.Fatalf("phase = %q, want selecting", accepted.State.Phase)
	}
	if len(accepted.State.SuggestedSources) != 0 {
		t.Errorf("suggested = %+v, want none", accepted.State.SuggestedSources)
	}
}

func TestResilience_aggregatorUnavailable(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(MemberClaims())

	h.Aggregator.SetFailStatus(http.StatusInternalServerError)

	session := h.CreateSession(t, token, "openai/gpt-4")
	h.SubmitQuery(t, token, session.ID, "summarize @acme/handbook")

	state := h.WaitForPhase(t, token, session.ID, model.PhaseError, 2*time.Second)
	if state.Error != model.NewAggregatorUnavailableError().Message {
		t.Errorf("error = %q", state.Error)
	}
}

func TestResilience_aggregatorAuthFailure(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(MemberClaims())

	h.Aggregator.SetFailStatus(http.StatusUnauthorized)

	session := h.CreateSession(t, token, "openai/gpt-4")
	h.SubmitQuery(t, token, session.ID, "summarize @acme/handbook")

	state := h.WaitForPhase(t, token, session.ID, model.PhaseError, 2*time.Second)
	if state.Error != model.NewAggregatorAuthError().Message {
		t.Errorf("error = %q", state.Error)
	}
}

func TestResilience_midStreamError(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(MemberClaims())

	h.Aggregator.SetScript(ErrorScript("generation backend overloaded"))

	session := h.CreateSession(t, token, "openai/gpt-4")
	h.SubmitQuery(t, token, session.ID, "summarize @acme/handbook")

	state := h.WaitForPhase(t, token, session.ID, model.PhaseError, 2*time.Second)
	if state.Error != "generation backend overloaded" {
		t.Errorf("error = %q", state.Error)
	}

	// The error hook recorded an audit event with the message.
	resp := h.GET("/ask/sessions/"+session.ID+"/events", token)
	h.AssertStatus(t, resp, http.StatusOK)
	var events struct {
		Data []model.QueryEvent `json:"data"`
	}
	h.ParseJSON(resp, &events)
	if len(events.Data) != 1 || events.Data[0].Detail != "generation backend overloaded" {
		t.Errorf("events = %+v", events.Data)
	}
}

func TestResilience_truncatedStream(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(MemberClaims())

	// Stream ends without a terminal done or error event.
	h.Aggregator.SetScript([]model.StreamEvent{
		{Kind: model.EventRetrievalStart, SourceCount: 1},
		{Kind: model.EventToken, Content: "partial"},
	})

	session := h.CreateSession(t, token, "openai/gpt-4")
	h.SubmitQuery(t, token, session.ID, "summarize @acme/handbook")

	state := h.WaitForPhase(t, token, session.ID, model.PhaseError, 2*time.Second)
	if state.Error != model.NewAggregatorUnavailableError().Message {
		t.Errorf("error = %q", state.Error)
	}
}

func TestResilience_breakerOpensAndReadinessReports(t *testing.T) {
	h := NewTestHarness(t, WithBreakerFailureThreshold(2))
	token := h.GenerateToken(MemberClaims())

	h.Aggregator.SetFailStatus(http.StatusInternalServerError)

	session := h.CreateSession(t, token, "openai/gpt-4")
	for i := 0; i < 2; i++ {
		h.SubmitQuery(t, token, session.ID, "summarize @acme/handbook")
		h.WaitForPhase(t, token, session.ID, model.PhaseError, 2*time.Second)
	}

	if state := h.Breaker.State(); state != aggregator.BreakerOpen {
		t.Fatalf("breaker state = %v, want open", state)
	}

	// Further submissions fail fast without touching the upstream.
	calls := h.Aggregator.StreamCalls()
	h.SubmitQuery(t, token, session.ID, "summarize @acme/handbook")
	h.WaitForPhase(t, token, session.ID, model.PhaseError, 2*time.Second)
	if h.Aggregator.StreamCalls() != calls {
		t.Error("open breaker still forwarded the stream request")
	}

	// Readiness flips to 503 with the aggregator check failing.
	resp := h.GET("/ask/ready", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readiness status = %d, want 503", resp.StatusCode)
	}
	var ready struct {
		Status string `json:"status"`
		Checks map[string]struct {
			Status string `json:"status"`
			Error  string `json:"error,omitempty"`
		} `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ready); err != nil {
		t.Fatalf("decode readiness: %v", err)
	}
	if check, ok := ready.Checks["aggregator"]; !ok || check.Error != "circuit breaker open" {
		t.Errorf("aggregator check = %+v", ready.Checks)
	}
}

func TestResilience_supersedingSubmissionWins(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(MemberClaims())

	// Slow first stream so the second submission overtakes it.
	h.Aggregator.SetScript(AnswerScript("First answer.", "acme/handbook"))
	h.Aggregator.SetEventDelay(30 * time.Millisecond)

	session := h.CreateSession(t, token, "openai/gpt-4")
	h.SubmitQuery(t, token, session.ID, "summarize @acme/handbook")

	h.Aggregator.SetEventDelay(0)
	h.Aggregator.SetScript(AnswerScript("Second answer.", "acme/wiki"))
	h.SubmitQuery(t, token, session.ID, "summarize @acme/wiki")

	state := h.WaitForPhase(t, token, session.ID, model.PhaseComplete, 3*time.Second)
	if state.Content != "Second answer." {
		t.Errorf("content = %q, want the superseding run's answer", state.Content)
	}
	if _, ok := state.Sources["acme/wiki"]; !ok {
		t.Errorf("sources = %+v", state.Sources)
	}
}
