package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sandboxd/sandboxd/pkg/auth"
	"github.com/sandboxd/sandboxd/pkg/circuitbreaker"
	"github.com/sandboxd/sandboxd/pkg/coordinator"
	"github.com/sandboxd/sandboxd/pkg/environment"
	"github.com/sandboxd/sandboxd/pkg/ratelimit"
	"github.com/sandboxd/sandboxd/pkg/sandboxerr"
	"github.com/sandboxd/sandboxd/pkg/store"
	"github.com/sandboxd/sandboxd/pkg/types"
)

type fakeCounter struct{ count int }

func (f fakeCounter) ActiveCount() int { return f.count }

type fakeVerifier struct {
	identity auth.Identity
	err      error
}

func (v fakeVerifier) Verify(string) (auth.Identity, error) { return v.identity, v.err }

func testTierLimits() map[types.Tier]types.TierLimits {
	return map[types.Tier]types.TierLimits{
		types.TierAnonymous: {
			SessionsPerHour:          2,
			MaxConcurrentSessions:    1,
			CommandsPerMinute:        3,
			MaxConcurrentConnections: 1,
		},
	}
}

// newTestServer wires a Server against a real Coordinator (minus a live
// Provisioner, which needs a containerd socket) so that every request path
// returning before the Provisioner is reached can be exercised end to end
// through the router.
func newTestServer(t *testing.T, maxContainers int, verifier auth.Verifier, allowedOrigins []string) (*Server, *store.Store) {
	t.Helper()
	reg, err := environment.New("")
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	limiter := ratelimit.New(testTierLimits())
	breaker := circuitbreaker.New(fakeCounter{count: 0}, maxContainers, 85, true)
	st := store.New()
	coord := coordinator.New(reg, limiter, breaker, nil, st)
	return New(Config{ListenAddr: ":0", AllowedOrigins: allowedOrigins}, coord, nil, verifier), st
}

func TestHandleCreateRejectsInvalidJSON(t *testing.T) {
	s, _ := newTestServer(t, 100, fakeVerifier{identity: auth.AnonymousIdentity("x")}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for an invalid body, got %d", rec.Code)
	}
}

func TestHandleCreateRejectsWhenCircuitOpen(t *testing.T) {
	s, _ := newTestServer(t, 0, fakeVerifier{identity: auth.AnonymousIdentity("x")}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/", strings.NewReader(`{"toolPair":"a/b"}`))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when the circuit breaker is open, got %d", rec.Code)
	}
}

func TestHandleDestroyRejectsNonOwner(t *testing.T) {
	s, st := newTestServer(t, 100, fakeVerifier{identity: auth.Identity{OwnerKey: "owner-2", Tier: types.TierAnonymous}}, nil)
	st.Create(types.Session{
		ID:       "sess-1",
		OwnerKey: "owner-1",
		Tier:     types.TierAnonymous,
		State:    types.SessionRunning,
	})

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/sess-1", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 destroying a session owned by someone else, got %d", rec.Code)
	}
}

func TestHandleDestroyUnknownSessionIsIdempotentSuccess(t *testing.T) {
	s, _ := newTestServer(t, 100, fakeVerifier{identity: auth.AnonymousIdentity("x")}, nil)
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/missing", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204 destroying an already-gone session, got %d", rec.Code)
	}
}

func TestHandleAttachRejectsForbiddenOrigin(t *testing.T) {
	s, _ := newTestServer(t, 100, fakeVerifier{identity: auth.AnonymousIdentity("x")}, []string{"https://allowed.test"})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/sess-1/ws", nil)
	req.Header.Set("Origin", "https://evil.test")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for a disallowed origin, got %d", rec.Code)
	}
}

func TestHandleAttachRejectsUnverifiableCredential(t *testing.T) {
	s, _ := newTestServer(t, 100, fakeVerifier{err: sandboxerr.New(sandboxerr.AuthFailed, "bad token")}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/sess-1/ws?token=garbage", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for a credential the verifier rejects, got %d", rec.Code)
	}
}

func TestHandleAttachRejectsUnknownSessionBeforeUpgrade(t *testing.T) {
	s, _ := newTestServer(t, 100, fakeVerifier{identity: auth.AnonymousIdentity("x")}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/missing/ws", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code == http.StatusSwitchingProtocols {
		t.Error("expected the handler to fail before attempting a WebSocket upgrade")
	}
}

func TestOriginAllowedWildcardWhenUnconfigured(t *testing.T) {
	s := &Server{allowedOrigins: nil}
	if !s.originAllowed("https://anything.test") {
		t.Error("expected an empty allow-list to permit any origin")
	}
}

func TestOriginAllowedMatchesConfiguredList(t *testing.T) {
	s := &Server{allowedOrigins: []string{"https://a.test", "https://b.test"}}
	if !s.originAllowed("https://a.test") {
		t.Error("expected a.test to be allowed")
	}
	if s.originAllowed("https://c.test") {
		t.Error("expected c.test to be rejected")
	}
}

func TestClampQueryIntUsesDefaultOnMissingOrInvalid(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?cols=notanumber", nil)
	if got := clampQueryInt(req, "cols", 80, 20, 500); got != 80 {
		t.Errorf("expected default 80 for an invalid value, got %d", got)
	}
	req2 := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if got := clampQueryInt(req2, "rows", 24, 5, 200); got != 24 {
		t.Errorf("expected default 24 when unset, got %d", got)
	}
}

func TestClampQueryIntClampsToBounds(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?cols=99999", nil)
	if got := clampQueryInt(req, "cols", 80, 20, 500); got != 500 {
		t.Errorf("expected clamping to the max of 500, got %d", got)
	}
}

func TestToSessionResponseComputesExpiry(t *testing.T) {
	sess := types.Session{
		ID:             "sess-1",
		Environment:    "bash",
		State:          types.SessionRunning,
		TimeoutMs:      1000,
		LastActivityAt: time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC),
	}
	resp := toSessionResponse(sess)
	if resp.ExpiresAt != "2026-01-15T10:30:01Z" {
		t.Errorf("expected expiry one timeout after last activity, got %q", resp.ExpiresAt)
	}
	if resp.WSURL != "/api/v1/sessions/sess-1/ws" {
		t.Errorf("unexpected ws url: %q", resp.WSURL)
	}
	if resp.ID != "sess-1" || resp.Environment != "bash" {
		t.Errorf("unexpected response: %+v", resp)
	}
}
