package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/askgrid/askd/model"
)

// MockDirectory is a stub source directory service. It serves configurable
// ranked results and counts search calls.
type MockDirectory struct {
	server *httptest.Server

	mu          sync.Mutex
	results     []model.ScoredSource
	failStatus  int
	searchCalls int
	lastQuery   string
}

func newMockDirectory(t *testing.T) *MockDirectory {
	t.Helper()
	md := &MockDirectory{}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		md.mu.Lock()
		fail := md.failStatus
		md.mu.Unlock()
		if fail != 0 {
			w.WriteHeader(fail)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/sources/search", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		md.mu.Lock()
		md.searchCalls++
		md.lastQuery = r.URL.Query().Get("q")
		results := md.results
		fail := md.failStatus
		md.mu.Unlock()

		if fail != 0 {
			w.WriteHeader(fail)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"data": results})
	})

	md.server = httptest.NewServer(mux)
	t.Cleanup(md.server.Close)
	return md
}

// URL returns the mock directory's base URL.
func (md *MockDirectory) URL() string {
	return md.server.URL
}

// SetResults configures the ranked results returned by search.
func (md *MockDirectory) SetResults(results []model.ScoredSource) {
	md.mu.Lock()
	md.results = results
	md.mu.Unlock()
}

// SetFailStatus makes all endpoints return the given HTTP status.
// Zero restores normal behavior.
func (md *MockDirectory) SetFailStatus(status int) {
	md.mu.Lock()
	md.failStatus = status
	md.mu.Unlock()
}

// SearchCalls returns the number of search requests received.
func (md *MockDirectory) SearchCalls() int {
	md.mu.Lock()
	defer md.mu.Unlock()
	return md.searchCalls
}

// LastQuery returns the q parameter of the most recent search request.
func (md *MockDirectory) LastQuery() string {
	md.mu.Lock()
	defer md.mu.Unlock()
	return md.lastQuery
}

// MockAggregator is a stub aggregation service. It answers stream requests
// with a configurable SSE event script.
type MockAggregator struct {
	server *httptest.Server

	mu          sync.Mutex
	script      []model.StreamEvent
	failStatus  int
	eventDelay  time.Duration
	streamCalls int
	lastRequest model.QueryRequest
}

func newMockAggregator(t *testing.T) *MockAggregator {
	t.Helper()
	ma := &MockAggregator{}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/queries/stream", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req model.QueryRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		ma.mu.Lock()
		ma.streamCalls++
		ma.lastRequest = req
		script := ma.script
		fail := ma.failStatus
		delay := ma.eventDelay
		ma.mu.Unlock()

		if fail != 0 {
			w.WriteHeader(fail)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, ok := w.(http.Flusher)
		if !ok {
			return
		}

		for _, ev := range script {
			if delay > 0 {
				select {
				case <-r.Context().Done():
					return
				case <-time.After(delay):
				}
			}
			data, _ := json.Marshal(ev)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	})

	ma.server = httptest.NewServer(mux)
	t.Cleanup(ma.server.Close)
	return ma
}

// URL returns the mock aggregator's base URL.
func (ma *MockAggregator) URL() string {
	return ma.server.URL
}

// SetScript configures the event sequence replayed per stream request.
func (ma *MockAggregator) SetScript(events []model.StreamEvent) {
	ma.mu.Lock()
	ma.script = events
	ma.mu.Unlock()
}

// SetFailStatus makes stream requests fail with the given HTTP status.
// Zero restores normal behavior.
func (ma *MockAggregator) SetFailStatus(status int) {
	ma.mu.Lock()
	ma.failStatus = status
	ma.mu.Unlock()
}

// SetEventDelay adds a pause before each scripted event.
func (ma *MockAggregator) SetEventDelay(d time.Duration) {
	ma.mu.Lock()
	ma.eventDelay = d
	ma.mu.Unlock()
}

// StreamCalls returns the number of stream requests received.
func (ma *MockAggregator) StreamCalls() int {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	return ma.streamCalls
}

// LastRequest returns the most recent decoded stream request.
func (ma *MockAggregator) LastRequest() model.QueryRequest {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	return ma.lastRequest
}

// AnswerScript returns a minimal happy-path event sequence ending in done.
func AnswerScript(answer string, sourcePaths ...string) []model.StreamEvent {
	events := []model.StreamEvent{
		{Kind: model.EventRetrievalStart, SourceCount: len(sourcePaths)},
	}
	sources := make(map[string]model.AggregatorSource, len(sourcePaths))
	for _, path := range sourcePaths {
		events = append(events, model.StreamEvent{
			Kind: model.EventSourceComplete, Path: path,
			Status: "ok", DocumentsRetrieved: 3,
		})
		sources[path] = model.AggregatorSource{SourcePath: path, Content: "excerpt from " + path}
	}
	events = append(events,
		model.StreamEvent{Kind: model.EventRetrievalComplete, TotalDocuments: 3 * len(sourcePaths), TimeMs: 120},
		model.StreamEvent{Kind: model.EventGenerationStart},
		model.StreamEvent{Kind: model.EventToken, Content: answer},
		model.StreamEvent{Kind: model.EventDone, Sources: sources},
	)
	return events
}

// ErrorScript returns an event sequence that fails mid-stream.
func ErrorScript(message string) []model.StreamEvent {
	return []model.StreamEvent{
		{Kind: model.EventRetrievalStart, SourceCount: 1},
		{Kind: model.EventError, Message: message},
	}
}
