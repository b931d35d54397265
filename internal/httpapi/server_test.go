package httpapi

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"nexus/internal/ipguard"
	"nexus/internal/session"
	"nexus/internal/store"
	"nexus/internal/transfer"
	"nexus/internal/wire"
)

func newTestServer(t *testing.T) (*Server, *session.Manager) {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sessions := session.NewManager(st.UsernameExists)
	return New(sessions, transfer.NewRegistry(), ipguard.New(), st), sessions
}

func TestHealthReportsSessionCount(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status ok, got %q", resp.Status)
	}
	if resp.Sessions != 0 {
		t.Errorf("expected 0 sessions on a fresh server, got %d", resp.Sessions)
	}
}

func TestSessionsEndpointReflectsLiveSessions(t *testing.T) {
	s, sessions := newTestServer(t)
	if _, err := sessions.Add(session.AddParams{
		Username: "alice",
		Nickname: "alice",
		PeerAddr: &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1},
		Tx:       make(chan wire.Frame, 1),
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var sessionsOut []sessionSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &sessionsOut); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(sessionsOut) != 1 || sessionsOut[0].Username != "alice" {
		t.Fatalf("unexpected sessions payload: %#v", sessionsOut)
	}
}

func TestBansEndpointEmptyByDefault(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/bans", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var rules []store.IPRule
	if err := json.Unmarshal(rec.Body.Bytes(), &rules); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rules) != 0 {
		t.Errorf("expected no rules, got %d", len(rules))
	}
}

func TestTransfersEndpointEmptyByDefault(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/transfers", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuditEndpointEmptyByDefault(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/audit", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var entries []store.AuditEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries, got %d", len(entries))
	}
}
