package companion

import (
	"context"
	"testing"
	"time"

	"github.com/kbpersonal/agentbridge"
	"github.com/kbpersonal/agentbridge/connector"
	"github.com/kbpersonal/agentbridge/egress"
	"github.com/kbpersonal/agentbridge/store"
)

type fakeConnector struct {
	calls int
	reply string
}

func (f *fakeConnector) RunTurn(ctx context.Context, runID, prompt, workspaceDir string, timeout time.Duration) (string, error) {
	f.calls++
	return f.reply, nil
}
func (f *fakeConnector) RunTurnStreaming(ctx context.Context, runID, prompt, workspaceDir string, timeout time.Duration, onProgress connector.ProgressFunc) (string, error) {
	return f.RunTurn(ctx, runID, prompt, workspaceDir, timeout)
}
func (f *fakeConnector) Cancel(runID string) bool { return false }
func (f *fakeConnector) SetSoulPrompt(text string) {}

type fakeWriter struct {
	sent []string
}

func (w *fakeWriter) Send(ctx context.Context, recipient, text, threadHint string) (egress.DeliveryStatus, error) {
	w.sent = append(w.sent, text)
	return egress.DeliveryStatus{Delivered: true}, nil
}

func newLoop(t *testing.T) (*Loop, store.Store, *fakeConnector, *fakeWriter) {
	t.Helper()
	s, err := store.Open(context.Background(), t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	conn := &fakeConnector{reply: "you have 2 things to look at"}
	w := &fakeWriter{}
	owner := agentbridge.Normalize("+15551234567")
	cfg := DefaultConfig()
	cfg.QuietHoursStart = 0
	cfg.QuietHoursEnd = 0
	l := NewLoop(s, conn, w, owner, cfg)
	return l, s, conn, w
}

func TestTickSkipsWhenMuted(t *testing.T) {
	l, s, conn, _ := newLoop(t)
	if err := s.KVPut("mute", "true"); err != nil {
		t.Fatalf("KVPut: %v", err)
	}
	runID, err := s.CreateRun(agentbridge.Run{Sender: l.Owner, Channel: agentbridge.ChannelChat, Kind: agentbridge.CommandTask, State: agentbridge.RunAwaitingApproval})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if _, err := s.CreateApproval(agentbridge.Approval{RunID: runID, Sender: l.Owner, Summary: "old", CreatedAt: time.Now().Add(-3 * time.Hour), ExpiresAt: time.Now().Add(time.Hour), Status: agentbridge.ApprovalPending}); err != nil {
		t.Fatalf("CreateApproval: %v", err)
	}
	l.tick(context.Background())
	if conn.calls != 0 {
		t.Fatalf("muted loop should not call connector")
	}
}

func TestTickSendsOnStaleApproval(t *testing.T) {
	l, s, conn, w := newLoop(t)
	runID, err := s.CreateRun(agentbridge.Run{Sender: l.Owner, Channel: agentbridge.ChannelChat, Kind: agentbridge.CommandTask, State: agentbridge.RunAwaitingApproval})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if _, err := s.CreateApproval(agentbridge.Approval{RunID: runID, Sender: l.Owner, Summary: "old task", CreatedAt: time.Now().Add(-3 * time.Hour), ExpiresAt: time.Now().Add(time.Hour), Status: agentbridge.ApprovalPending}); err != nil {
		t.Fatalf("CreateApproval: %v", err)
	}
	l.tick(context.Background())
	if conn.calls != 1 {
		t.Fatalf("expected one connector call, got %d", conn.calls)
	}
	if len(w.sent) != 1 {
		t.Fatalf("expected one proactive message, got %v", w.sent)
	}
}

func TestTickRespectsRateLimit(t *testing.T) {
	l, s, conn, _ := newLoop(t)
	l.Config.MaxProactivePerHour = 1
	runID, _ := s.CreateRun(agentbridge.Run{Sender: l.Owner, Channel: agentbridge.ChannelChat, Kind: agentbridge.CommandTask, State: agentbridge.RunAwaitingApproval})
	s.CreateApproval(agentbridge.Approval{RunID: runID, Sender: l.Owner, Summary: "old task", CreatedAt: time.Now().Add(-3 * time.Hour), ExpiresAt: time.Now().Add(time.Hour), Status: agentbridge.ApprovalPending})

	l.tick(context.Background())
	l.tick(context.Background())
	if conn.calls != 1 {
		t.Fatalf("rate limit should cap connector calls to 1, got %d", conn.calls)
	}
}

func TestRunSchedulesDigestAndWeeklyReviewOnCron(t *testing.T) {
	l, _, _, _ := newLoop(t)
	l.Config.TickInterval = time.Hour // keep the ticker branch quiet during this test

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	// Give Run a moment to construct and start the cron scheduler.
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-done; err == nil {
		t.Fatalf("expected Run to return ctx.Err() after cancellation")
	}
	if l.cron == nil {
		t.Fatalf("expected Run to have installed a cron scheduler")
	}
	entries := l.cron.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 cron entries (digest, weekly review), got %d", len(entries))
	}
}

func TestInQuietHoursCrossesMidnight(t *testing.T) {
	l, _, _, _ := newLoop(t)
	l.Config.QuietHoursStart = 22
	l.Config.QuietHoursEnd = 7
	late := time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)
	early := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)
	midday := time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC)
	if !l.inQuietHours(late) || !l.inQuietHours(early) {
		t.Fatalf("expected late/early hours to be quiet")
	}
	if l.inQuietHours(midday) {
		t.Fatalf("midday should not be quiet")
	}
}
