// Package ambient implements the read-only ambient scanner: a ticker
// loop that reads the passive channels (notes, calendar, mail) and
// writes summarized items into the shared topic-memory backend the
// orchestrator's context injection reads from. It never sends an
// outbound message and never calls the orchestrator or a connector —
// an asynchronous-enrichment pattern applied to any item from a
// passive channel.
package ambient

import (
	"context"
	"strings"
	"time"

	"github.com/kbpersonal/agentbridge/ingress"
	"github.com/kbpersonal/agentbridge/memory"
)

// Config holds the scanner's tunables.
type Config struct {
	TickInterval   time.Duration
	MaxSummaryChars int
}

// DefaultConfig returns the hard defaults.
func DefaultConfig() Config {
	return Config{TickInterval: 10 * time.Minute, MaxSummaryChars: 280}
}

// Scanner periodically polls its configured readers and writes a
// summarized entry per item into Memory, keyed by the reader's topic
// name. Any of Notes/Calendar/Mail may be nil, in which case that
// source is skipped — the same readers the ingress supervisor polls
// may be shared here since Poll alone never advances a cursor; only
// MarkProcessed does, and the scanner never calls it.
type Scanner struct {
	Memory   memory.TopicMemory
	Notes    ingress.Reader
	Calendar ingress.Reader
	Mail     ingress.Reader
	Config   Config
}

// NewScanner builds a Scanner.
func NewScanner(mem memory.TopicMemory, cfg Config) *Scanner {
	return &Scanner{Memory: mem, Config: cfg}
}

// Run blocks, ticking until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scanner) tick(ctx context.Context) {
	s.scan(ctx, "notes", s.Notes)
	s.scan(ctx, "calendar", s.Calendar)
	s.scan(ctx, "mail", s.Mail)
}

func (s *Scanner) scan(ctx context.Context, topic string, r ingress.Reader) {
	if r == nil {
		return
	}
	items, err := r.Poll(ctx)
	if err != nil {
		return
	}
	for _, it := range items {
		meta := map[string]string{
			"channel":     string(it.Channel),
			"received_at": it.ReceivedAt.Format(time.RFC3339),
		}
		if title, ok := it.ContextMetadata["title"]; ok {
			meta["title"] = title
		}
		_ = s.Memory.Store(topic, it.ID, s.summarize(it.Text), meta)
	}
}

func (s *Scanner) summarize(text string) string {
	text = strings.TrimSpace(text)
	max := s.Config.MaxSummaryChars
	if max > 0 && len(text) > max {
		return text[:max]
	}
	return text
}
