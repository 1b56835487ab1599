package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/askgrid/askd/internal/config"
	"github.com/askgrid/askd/model"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRecovery_catchesPanic(t *testing.T) {
	handler := Recovery(zap.NewNop())(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ask/health", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := decodeErrorBody(t, rec).Code; got != model.ErrInternalError {
		t.Errorf("code = %q", got)
	}
}

func TestRecovery_passesThrough(t *testing.T) {
	handler := Recovery(zap.NewNop())(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	cfg := config.CORSConfig{
		AllowedOrigins: []string{"https://app.example.com"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         86400,
	}
	handler := CORS(cfg)(okHandler())

	t.Run("allowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://app.example.com")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
			t.Errorf("Allow-Origin = %q", got)
		}
		if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST" {
			t.Errorf("Allow-Methods = %q", got)
		}
		if got := rec.Header().Get("Vary"); got != "Origin" {
			t.Errorf("Vary = %q", got)
		}
	})

	t.Run("disallowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Allow-Origin = %q, want empty", got)
		}
	})

	t.Run("preflight short-circuits", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/", nil)
		req.Header.Set("Origin", "https://app.example.com")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want 204", rec.Code)
		}
	})
}

func TestRequestID_generatesWhenMissing(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationIDFrom(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if seen == "" {
		t.Fatal("no correlation ID in context")
	}
	if got := rec.Header().Get("X-Correlation-Id"); got != seen {
		t.Errorf("header = %q, context = %q", got, seen)
	}
}

func TestRequestID_propagatesHeader(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationIDFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Correlation-Id", "corr-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen != "corr-123" {
		t.Errorf("context correlation ID = %q", seen)
	}
	if got := rec.Header().Get("X-Correlation-Id"); got != "corr-123" {
		t.Errorf("header = %q", got)
	}
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	}
	for header, value := range want {
		if got := rec.Header().Get(header); got != value {
			t.Errorf("%s = %q, want %q", header, got, value)
		}
	}
}

func TestBuildRequestContextMiddleware_defaults(t *testing.T) {
	var rc *model.RequestContext
	handler := BuildRequestContextMiddleware(nil)(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			rc = model.MustRequestContext(r.Context())
		}))

	claims := map[string]any{
		"sub":       "user-42",
		"tenant_id": "tenant-1",
		"email":     "dev@example.com",
		"roles":     []any{"member", "admin"},
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Language", "en-GB")
	req = req.WithContext(WithClaims(req.Context(), claims))

	handler.ServeHTTP(httptest.NewRecorder(), req)

	if rc.SubjectID != "user-42" {
		t.Errorf("SubjectID = %q", rc.SubjectID)
	}
	if rc.TenantID != "tenant-1" {
		t.Errorf("TenantID = %q", rc.TenantID)
	}
	if rc.Email != "dev@example.com" {
		t.Errorf("Email = %q", rc.Email)
	}
	if len(rc.Roles) != 2 || rc.Roles[1] != "admin" {
		t.Errorf("Roles = %v", rc.Roles)
	}
	if rc.Locale != "en-GB" {
		t.Errorf("Locale = %q", rc.Locale)
	}
}

func TestBuildRequestContextMiddleware_customPaths(t *testing.T) {
	var rc *model.RequestContext
	paths := map[string]string{
		"tenant_id": "org.id",
		"roles":     "realm_access.roles",
	}
	handler := BuildRequestContextMiddleware(paths)(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			rc = model.MustRequestContext(r.Context())
		}))

	claims := map[string]any{
		"sub": "user-42",
		"org": map[string]any{"id": "org-9"},
		"realm_access": map[string]any{
			"roles": []any{"viewer"},
		},
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithClaims(req.Context(), claims))

	handler.ServeHTTP(httptest.NewRecorder(), req)

	if rc.TenantID != "org-9" {
		t.Errorf("TenantID = %q", rc.TenantID)
	}
	if len(rc.Roles) != 1 || rc.Roles[0] != "viewer" {
		t.Errorf("Roles = %v", rc.Roles)
	}
}

func TestBuildRequestContextMiddleware_carriesCorrelationID(t *testing.T) {
	var rc *model.RequestContext
	handler := RequestID(BuildRequestContextMiddleware(nil)(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			rc = model.MustRequestContext(r.Context())
		})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Correlation-Id", "corr-xyz")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if rc.CorrelationID != "corr-xyz" {
		t.Errorf("CorrelationID = %q", rc.CorrelationID)
	}
}

func TestHandlerTimeout_setsDeadline(t *testing.T) {
	var hasDeadline bool
	handler := HandlerTimeout(5*time.Second)(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			_, hasDeadline = r.Context().Deadline()
		}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if !hasDeadline {
		t.Error("context has no deadline")
	}
}

func TestHandlerTimeout_zeroDisables(t *testing.T) {
	var hasDeadline bool
	handler := HandlerTimeout(0)(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			_, hasDeadline = r.Context().Deadline()
		}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if hasDeadline {
		t.Error("context has a deadline, want none")
	}
}

func TestExtractClaim(t *testing.T) {
	claims := map[string]any{
		"sub": "user-1",
		"org": map[string]any{
			"unit": map[string]any{"id": "u-7"},
		},
		"count": float64(3),
	}

	tests := []struct {
		path string
		want any
	}{
		{"sub", "user-1"},
		{"org.unit.id", "u-7"},
		{"org.unit", map[string]any{"id": "u-7"}},
		{"org.missing", nil},
		{"sub.nested", nil},
		{"", nil},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := extractClaim(claims, tt.path)
			switch want := tt.want.(type) {
			case nil:
				if got != nil {
					t.Errorf("extractClaim(%q) = %v, want nil", tt.path, got)
				}
			case string:
				if got != want {
					t.Errorf("extractClaim(%q) = %v, want %q", tt.path, got, want)
				}
			case map[string]any:
				m, ok := got.(map[string]any)
				if !ok || m["id"] != want["id"] {
					t.Errorf("extractClaim(%q) = %v", tt.path, got)
				}
			}
		})
	}
}

func TestExtractClaimStringSlice_skipsNonStrings(t *testing.T) {
	claims := map[string]any{
		"roles": []any{"admin", 42, "member"},
	}
	got := extractClaimStringSlice(claims, "roles")
	if len(got) != 2 || got[0] != "admin" || got[1] != "member" {
		t.Errorf("roles = %v", got)
	}
}

func TestStatusWriter_capturesFirstStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, status: http.StatusOK}

	sw.WriteHeader(http.StatusTeapot)
	sw.WriteHeader(http.StatusOK)

	if sw.status != http.StatusTeapot {
		t.Errorf("status = %d, want 418", sw.status)
	}
}

func TestClaimsFrom_missing(t *testing.T) {
	if got := ClaimsFrom(context.Background()); got != nil {
		t.Errorf("claims = %v, want nil", got)
	}
}
