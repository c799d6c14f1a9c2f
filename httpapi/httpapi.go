// Package httpapi implements the Admin HTTP surface: health, session
// and approval inspection, recent events, metrics, and the task
// ingestion endpoint, built on http.NewServeMux + method-pattern
// routing ("GET /sessions/{channel}/{sender}") and a shared writeJSON
// helper.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/kbpersonal/agentbridge"
	"github.com/kbpersonal/agentbridge/ingress"
	"github.com/kbpersonal/agentbridge/store"
)

// ErrorResponse is the JSON body written for any non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Config holds the admin server's settings.
type Config struct {
	Addr  string
	Token string // bearer token required on every route but /health; empty disables auth
}

// Server is the Admin HTTP server.
type Server struct {
	Store     store.Store
	Tasks     *ingress.HTTPQueue
	Config    Config
	startedAt time.Time
}

// NewServer builds a Server. Tasks may be nil if the HTTP ingress
// channel is disabled, in which case POST /tasks always answers 503.
func NewServer(s store.Store, tasks *ingress.HTTPQueue, cfg Config) *Server {
	return &Server{Store: s, Tasks: tasks, Config: cfg, startedAt: time.Now()}
}

func (srv *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", srv.handleHealth)
	mux.HandleFunc("GET /sessions", srv.handleListSessions)
	mux.HandleFunc("GET /sessions/{channel}/{sender}", srv.handleGetSession)
	mux.HandleFunc("GET /approvals", srv.handleListApprovals)
	mux.HandleFunc("GET /approvals/{id}", srv.handleGetApproval)
	mux.HandleFunc("GET /events", srv.handleListEvents)
	mux.HandleFunc("POST /tasks", srv.handlePostTask)
	mux.HandleFunc("GET /metrics", srv.handleMetrics)
	return mux
}

// Run starts the admin HTTP server and blocks until ctx is cancelled,
// then shuts down gracefully with a 5s grace period.
func (srv *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:    srv.Config.Addr,
		Handler: srv.authMiddleware(srv.routes()),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("agentbridge admin http started", "addr", srv.Config.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// authMiddleware enforces the bearer token on every route but
// /health — one function wrapping the whole mux rather than
// per-route.
func (srv *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if srv.Config.Token == "" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get("Authorization")
		if got != "Bearer "+srv.Config.Token {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "missing or invalid bearer token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (srv *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"uptime": time.Since(srv.startedAt).Truncate(time.Second).String(),
	})
}

func (srv *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	sessions, err := srv.Store.ListSessions(limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (srv *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	channel := agentbridge.Channel(r.PathValue("channel"))
	sender := agentbridge.Normalize(r.PathValue("sender"))
	session, ok, err := srv.Store.GetSession(channel, sender)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (srv *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	sender := agentbridge.Normalize(r.URL.Query().Get("sender"))
	if sender.Empty() {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "sender query parameter required"})
		return
	}
	approvals, err := srv.Store.ListPendingApprovalsForSender(sender)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	sort.Slice(approvals, func(i, j int) bool { return approvals[i].CreatedAt.Before(approvals[j].CreatedAt) })
	writeJSON(w, http.StatusOK, approvals)
}

func (srv *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a, err := srv.Store.GetApproval(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "approval not found"})
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (srv *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := srv.Store.RecentEvents(limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (srv *Server) handlePostTask(w http.ResponseWriter, r *http.Request) {
	if srv.Tasks == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "http task ingestion is disabled"})
		return
	}
	var task ingress.HTTPTask
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid json body"})
		return
	}
	if task.Sender == "" || task.Text == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "sender and text are required"})
		return
	}
	id := srv.Tasks.Enqueue(task)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

// handleMetrics writes a hand-rolled Prometheus text-exposition
// response. No client library is used — see DESIGN.md: the handful of
// gauges/counters this daemon exposes don't justify pulling in
// prometheus/client_golang's registry machinery for a single endpoint
// with no push path and no custom collectors.
func (srv *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	events, _ := srv.Store.RecentEvents(1000)
	var sent, suppressed, ignored int
	for _, e := range events {
		switch e.Kind {
		case "outbound_sent":
			sent++
		case "outbound_suppressed":
			suppressed++
		case "message_ignored":
			ignored++
		}
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "# HELP agentbridge_uptime_seconds Seconds since the admin server started.\n")
	fmt.Fprintf(w, "# TYPE agentbridge_uptime_seconds gauge\n")
	fmt.Fprintf(w, "agentbridge_uptime_seconds %d\n", int(time.Since(srv.startedAt).Seconds()))
	fmt.Fprintf(w, "# HELP agentbridge_events_sampled_total Count of recent events by kind, sampled from the last 1000 rows.\n")
	fmt.Fprintf(w, "# TYPE agentbridge_events_sampled_total counter\n")
	fmt.Fprintf(w, "agentbridge_events_sampled_total{kind=\"outbound_sent\"} %d\n", sent)
	fmt.Fprintf(w, "agentbridge_events_sampled_total{kind=\"outbound_suppressed\"} %d\n", suppressed)
	fmt.Fprintf(w, "agentbridge_events_sampled_total{kind=\"message_ignored\"} %d\n", ignored)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
