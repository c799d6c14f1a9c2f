// Package companion implements the proactive observer loop: a single
// supervised goroutine that periodically gathers candidate
// observations from the store and the passive channels, and — subject
// to quiet hours, a mute flag, and a proactive rate limit — synthesizes
// at most one consolidated message per tick through the connector and
// egresses it to the owner's chat channel. A time.Ticker drives the
// loop, joined on shutdown like the process's other independent tasks.
package companion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kbpersonal/agentbridge"
	"github.com/kbpersonal/agentbridge/connector"
	"github.com/kbpersonal/agentbridge/egress"
	"github.com/kbpersonal/agentbridge/ingress"
	"github.com/kbpersonal/agentbridge/store"
)

// Config holds the companion loop's tunables. Quiet hours are clock
// hours in [0,23]; Start > End means the window crosses midnight.
type Config struct {
	TickInterval        time.Duration
	QuietHoursStart     int
	QuietHoursEnd       int
	MaxProactivePerHour int
	StaleApprovalAfter  time.Duration
	DailyDigestHour     int
	WeeklyReviewWeekday time.Weekday
	WeeklyReviewHour    int
	ConnectorTimeout    time.Duration
}

// DefaultConfig returns the companion loop's hard defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:        5 * time.Minute,
		QuietHoursStart:     22,
		QuietHoursEnd:       7,
		MaxProactivePerHour: 2,
		StaleApprovalAfter:  2 * time.Hour,
		DailyDigestHour:     7,
		WeeklyReviewWeekday: time.Sunday,
		WeeklyReviewHour:    18,
		ConnectorTimeout:    2 * time.Minute,
	}
}

// Loop is the companion's runtime state. Calendar/Reminders/Mail are
// optional — a nil reader is simply skipped when gathering
// observations, so the loop degrades gracefully when a channel is
// disabled in configuration.
type Loop struct {
	Store     store.Store
	Connector connector.Connector
	Chat      egress.Writer
	Owner     agentbridge.NormalizedSender
	Calendar  ingress.Reader
	Reminders ingress.Reader
	Mail      ingress.Reader
	Config    Config

	mu        sync.Mutex
	sentTimes []time.Time
	now       func() time.Time
	cron      *cron.Cron
}

// NewLoop builds a companion Loop.
func NewLoop(s store.Store, conn connector.Connector, chat egress.Writer, owner agentbridge.NormalizedSender, cfg Config) *Loop {
	return &Loop{Store: s, Connector: conn, Chat: chat, Owner: owner, Config: cfg, now: time.Now}
}

// Run blocks, ticking every Config.TickInterval until ctx is
// cancelled. The daemon runs this as one supervised goroutine. The
// daily digest and weekly review run on their own cron schedule
// instead of being polled for on every tick, since TickInterval (5m
// default) and a hard digest/review hour don't divide evenly and a
// ticker-based check can miss its target minute under scheduling jitter.
func (l *Loop) Run(ctx context.Context) error {
	l.cron = cron.New()
	digestSpec := fmt.Sprintf("0 %d * * *", l.Config.DailyDigestHour)
	weeklySpec := fmt.Sprintf("0 %d * * %d", l.Config.WeeklyReviewHour, int(l.Config.WeeklyReviewWeekday))
	if _, err := l.cron.AddFunc(digestSpec, l.writeDailyDigest); err != nil {
		return fmt.Errorf("companion: schedule daily digest: %w", err)
	}
	if _, err := l.cron.AddFunc(weeklySpec, l.writeWeeklyReview); err != nil {
		return fmt.Errorf("companion: schedule weekly review: %w", err)
	}
	l.cron.Start()
	defer l.cron.Stop()

	ticker := time.NewTicker(l.Config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	if l.isMuted() {
		return
	}
	if l.inQuietHours(l.now()) {
		return
	}

	observations := l.gatherObservations(ctx)
	if len(observations) == 0 {
		return
	}
	if !l.allowProactive() {
		return
	}

	prompt := "Synthesize one brief proactive update from these observations:\n" + strings.Join(observations, "\n")
	timeout := l.Config.ConnectorTimeout
	text, err := l.Connector.RunTurn(ctx, "companion-"+l.now().Format("20060102150405"), prompt, "", timeout)
	if err != nil || strings.TrimSpace(text) == "" {
		return
	}
	_, _ = l.Chat.Send(ctx, l.Owner.String(), text, "")
}

func (l *Loop) isMuted() bool {
	v, ok, err := l.Store.KVGet("mute")
	return err == nil && ok && v == "true"
}

// inQuietHours reports whether t's local hour falls in [Start, End),
// handling a window that crosses midnight.
func (l *Loop) inQuietHours(t time.Time) bool {
	start, end := l.Config.QuietHoursStart, l.Config.QuietHoursEnd
	if start == end {
		return false
	}
	h := t.Hour()
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

func (l *Loop) allowProactive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cutoff := now.Add(-time.Hour)
	kept := l.sentTimes[:0]
	for _, t := range l.sentTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.Config.MaxProactivePerHour {
		l.sentTimes = kept
		return false
	}
	l.sentTimes = append(kept, now)
	return true
}

func (l *Loop) gatherObservations(ctx context.Context) []string {
	var out []string

	if stale := l.staleApprovals(); len(stale) > 0 {
		out = append(out, stale...)
	}
	if l.Calendar != nil {
		if items, err := l.Calendar.Poll(ctx); err == nil {
			for _, it := range items {
				out = append(out, "upcoming calendar: "+it.Text)
			}
		}
	}
	if l.Reminders != nil {
		if items, err := l.Reminders.Poll(ctx); err == nil {
			for _, it := range items {
				out = append(out, "overdue reminder: "+it.Text)
			}
		}
	}
	if l.Mail != nil {
		if items, err := l.Mail.Poll(ctx); err == nil {
			for _, it := range items {
				out = append(out, "inbox item: "+it.Text)
			}
		}
	}
	return out
}

func (l *Loop) staleApprovals() []string {
	pending, err := l.Store.ListPendingApprovalsForSender(l.Owner)
	if err != nil {
		return nil
	}
	var out []string
	cutoff := l.now().Add(-l.Config.StaleApprovalAfter)
	for _, a := range pending {
		if a.CreatedAt.Before(cutoff) {
			out = append(out, fmt.Sprintf("stale approval %s: %s", a.RequestID, a.Summary))
		}
	}
	return out
}

// writeDailyDigest is invoked by cron at Config.DailyDigestHour. The
// KV dedup guard protects against a double run if the loop restarts
// (via Daemon.supervise) within the same digest hour.
func (l *Loop) writeDailyDigest() {
	now := l.now()
	today := now.Format("2006-01-02")
	last, ok, _ := l.Store.KVGet("companion:last_digest_date")
	if ok && last == today {
		return
	}
	path := filepath.Join(agentbridge.OfficeDailyPath(), "digest-"+today+".md")
	content := fmt.Sprintf("# Daily digest — %s\n\ngenerated by the companion loop\n", today)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return
	}
	_ = l.Store.KVPut("companion:last_digest_date", today)
}

// writeWeeklyReview is invoked by cron at Config.WeeklyReviewWeekday/
// WeeklyReviewHour. Same restart-safety rationale as writeDailyDigest.
func (l *Loop) writeWeeklyReview() {
	now := l.now()
	week := now.Format("2006-01-02")
	last, ok, _ := l.Store.KVGet("companion:last_review_date")
	if ok && last == week {
		return
	}
	path := filepath.Join(agentbridge.OfficeDailyPath(), "weekly-review-"+week+".md")
	content := fmt.Sprintf("# Weekly review — week of %s\n\ngenerated by the companion loop\n", week)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return
	}
	_ = l.Store.KVPut("companion:last_review_date", week)
}
