// Package integration provides a reusable test harness for end-to-end
// testing of the askd query server. It starts a full HTTP server with mock
// upstream services, in-memory stores, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/askgrid/askd/internal/aggregator"
	"github.com/askgrid/askd/internal/config"
	"github.com/askgrid/askd/internal/directory"
	"github.com/askgrid/askd/internal/observability"
	"github.com/askgrid/askd/internal/transport"
	"github.com/askgrid/askd/internal/workflow"
	"github.com/askgrid/askd/model"
)

// TestHarness encapsulates a fully wired askd instance with mock upstreams
// for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Store      *workflow.MemoryQueryStore
	Sessions   *transport.Manager
	Breaker    *aggregator.CircuitBreaker
	Directory  *MockDirectory
	Aggregator *MockAggregator

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	handlerTimeout   time.Duration
	idleTimeout      time.Duration
	failureThreshold int
	queryOpts        workflow.Options
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithIdleTimeout sets the session idle-eviction timeout.
func WithIdleTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.idleTimeout = d
	}
}

// WithBreakerFailureThreshold sets how many connect failures open the
// aggregation circuit breaker.
func WithBreakerFailureThreshold(n int) HarnessOption {
	return func(c *harnessConfig) {
		c.failureThreshold = n
	}
}

// WithQueryOptions overrides the workflow driver policy.
func WithQueryOptions(opts workflow.Options) HarnessOption {
	return func(c *harnessConfig) {
		c.queryOpts = opts
	}
}

// NewTestHarness creates and starts a full askd test instance. The server
// and its mock upstreams are cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout:   10 * time.Second,
		idleTimeout:      time.Hour,
		failureThreshold: 5,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:          t,
		issuer:     newTokenIssuer(t),
		Store:      workflow.NewMemoryQueryStore(),
		Directory:  newMockDirectory(t),
		Aggregator: newMockAggregator(t),
	}

	logger := zap.NewNop()
	metrics := observability.InitMetrics(prometheus.NewRegistry())

	dirClient := directory.NewClient(h.Directory.URL(), "", 3*time.Second)
	searcher := directory.NewCachedSearcher(
		dirClient, directory.NewMemoryResultCache(), 5*time.Minute,
	).WithStats(metrics)

	aggClient := aggregator.NewClient(h.Aggregator.URL(), "", 5*time.Second, logger)
	h.Breaker = aggregator.NewCircuitBreaker(hc.failureThreshold, 2, time.Minute)
	streamer := aggregator.NewBreakerStreamer(aggClient, h.Breaker).WithStats(metrics)

	hooks := func(s *transport.Session) workflow.Hooks {
		return workflow.Hooks{
			OnComplete: func(result model.QueryResult) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = h.Store.Create(ctx, model.QueryRecord{
					ID:          uuid.NewString(),
					TenantID:    s.TenantID,
					SubjectID:   s.SubjectID,
					Query:       result.Query,
					Content:     result.Content,
					SourcePaths: result.SourcePaths,
					Sources:     result.Sources,
					CreatedAt:   time.Now(),
				})
				_ = h.Store.AppendEvent(ctx, model.QueryEvent{
					ID: uuid.NewString(), SessionID: s.ID,
					TenantID: s.TenantID, SubjectID: s.SubjectID,
					Phase: model.PhaseComplete, Timestamp: time.Now(),
				})
			},
			OnError: func(message string) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = h.Store.AppendEvent(ctx, model.QueryEvent{
					ID: uuid.NewString(), SessionID: s.ID,
					TenantID: s.TenantID, SubjectID: s.SubjectID,
					Phase: model.PhaseError, Detail: message, Timestamp: time.Now(),
				})
			},
		}
	}

	h.Sessions = transport.NewManager(searcher, streamer, hooks,
		hc.queryOpts, hc.idleTimeout, logger, metrics)
	t.Cleanup(h.Sessions.Close)

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()

	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, logger)
	auth := transport.NewJWTAuthenticator(h.cfg.Identity, jwks, logger)

	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Logger:       logger,
		Authenticate: auth.Middleware,
		Sessions:     h.Sessions,
		Store:        h.Store,
		Searcher:     searcher,
		Readiness: observability.ReadinessChecks{
			QueryStore: h.Store,
			Directory:  dirClient,
			AggregatorOpen: func() bool {
				return h.Breaker.State() == aggregator.BreakerOpen
			},
		},
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token)
}

// DELETE performs an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("DELETE", path, nil, token)
}

func (h *TestHarness) doRequest(method, path string, body any, token string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// --- Session helpers ---

// SessionResponse mirrors the transport session payload.
type SessionResponse struct {
	ID    string           `json:"id"`
	Model string           `json:"model"`
	State model.QueryState `json:"state"`
}

// CreateSession creates a session with the given model selection.
func (h *TestHarness) CreateSession(t *testing.T, token, modelPath string) SessionResponse {
	t.Helper()
	var body any
	if modelPath != "" {
		body = map[string]string{"model": modelPath}
	}
	resp := h.POST("/ask/sessions", body, token)
	h.AssertStatus(t, resp, http.StatusCreated)
	var out SessionResponse
	h.ParseJSON(resp, &out)
	return out
}

// SubmitQuery submits a query and returns the accepted session snapshot.
func (h *TestHarness) SubmitQuery(t *testing.T, token, sessionID, query string) SessionResponse {
	t.Helper()
	resp := h.POST("/ask/sessions/"+sessionID+"/query", map[string]string{"query": query}, token)
	h.AssertStatus(t, resp, http.StatusAccepted)
	var out SessionResponse
	h.ParseJSON(resp, &out)
	return out
}

// State fetches the session's current state snapshot.
func (h *TestHarness) State(t *testing.T, token, sessionID string) model.QueryState {
	t.Helper()
	resp := h.GET("/ask/sessions/"+sessionID+"/state", token)
	h.AssertStatus(t, resp, http.StatusOK)
	var out SessionResponse
	h.ParseJSON(resp, &out)
	return out.State
}

// WaitForPhase polls the state endpoint until the session reaches the given
// phase or the timeout expires.
func (h *TestHarness) WaitForPhase(t *testing.T, token, sessionID, phase string, timeout time.Duration) model.QueryState {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		state := h.State(t, token, sessionID)
		if state.Phase == phase {
			return state
		}
		if time.Now().After(deadline) {
			t.Fatalf("session %s never reached phase %q, stuck in %q (error: %q)",
				sessionID, phase, state.Phase, state.Error)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// --- Default test claims ---

// MemberClaims returns TestClaims for a regular tenant member.
func MemberClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-member",
		TenantID:  "acme-corp",
		Email:     "member@acme.example.com",
		Roles:     []string{"member"},
	}
}

// OutsiderClaims returns TestClaims for a user in a different tenant.
func OutsiderClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-outsider",
		TenantID:  "rival-inc",
		Email:     "outsider@rival.example.com",
		Roles:     []string{"member"},
	}
}

// ScoredSourceFixture builds a scored candidate for mock directory results.
func ScoredSourceFixture(id, path string, score float64) model.ScoredSource {
	owner, slug, _ := strings.Cut(path, "/")
	return model.ScoredSource{
		CandidateSource: model.CandidateSource{
			ID:            id,
			Name:          slug,
			Slug:          slug,
			OwnerUsername: owner,
			Path:          path,
			Description:   fmt.Sprintf("knowledge source %s", path),
		},
		RelevanceScore: score,
	}
}
