package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kbpersonal/agentbridge"
	"github.com/kbpersonal/agentbridge/ingress"
	"github.com/kbpersonal/agentbridge/store"
)

func newTestServer(t *testing.T, token string) (*Server, store.Store) {
	t.Helper()
	s, err := store.Open(context.Background(), t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewServer(s, ingress.NewHTTPQueue(), Config{Token: token}), s
}

func TestHealthNeverRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t, "secret")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.authMiddleware(srv.routes()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestOtherRoutesRequireBearerToken(t *testing.T) {
	srv, _ := newTestServer(t, "secret")
	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := httptest.NewRecorder()
	srv.authMiddleware(srv.routes()).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/events", nil)
	req2.Header.Set("Authorization", "Bearer secret")
	rec2 := httptest.NewRecorder()
	srv.authMiddleware(srv.routes()).ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 with correct token, got %d", rec2.Code)
	}
}

func TestPostTaskEnqueuesAndReturnsID(t *testing.T) {
	srv, _ := newTestServer(t, "")
	body := strings.NewReader(`{"sender": "+15551234567", "text": "remind me to call mom"}`)
	req := httptest.NewRequest(http.MethodPost, "/tasks", body)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	items, err := srv.Tasks.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(items) != 1 || items[0].Text != "remind me to call mom" {
		t.Fatalf("expected one enqueued task, got %+v", items)
	}
}

func TestPostTaskRejectsMissingFields(t *testing.T) {
	srv, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(`{"sender": ""}`))
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	srv, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/sessions/chat/+15551234567", nil)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetSessionFound(t *testing.T) {
	srv, s := newTestServer(t, "")
	sender := agentbridge.Normalize("+15551234567")
	if _, err := s.CreateSession(agentbridge.ChannelChat, sender); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/sessions/chat/+15551234567", nil)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsIsPlaintext(t *testing.T) {
	srv, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "agentbridge_uptime_seconds") {
		t.Fatalf("expected uptime gauge in metrics body, got %q", rec.Body.String())
	}
}
