// Package policy decides, for each InboundMessage, whether it is
// accepted for dispatch or dropped and why: sender allowlisting and
// per-process rate limiting consolidated into one pure decision
// function plus a small stateful rate counter.
package policy

import (
	"strings"
	"sync"
	"time"

	"github.com/kbpersonal/agentbridge"
)

// Config holds the settings Evaluate consults. It is immutable once
// built; callers construct a fresh Config from the daemon's loaded
// configuration.
type Config struct {
	AllowedSenders map[agentbridge.NormalizedSender]bool
	SuppressSelf   bool
	PrefixMode     bool
	ChatPrefix     string // e.g. "bot:" — compared case-insensitively
	TriggerTag     string // e.g. "#bridge" — required for the non-chat channels
	RateWindow     time.Duration
	RateMax        int
}

// Decision is the outcome of evaluating one InboundMessage.
type Decision struct {
	Accept        bool
	Reason        agentbridge.PolicyDropReason
	EffectiveText string // text with prefix/trigger tag stripped, ready for the command parser
}

func requiresTriggerTag(ch agentbridge.Channel) bool {
	switch ch {
	case agentbridge.ChannelMail, agentbridge.ChannelReminders, agentbridge.ChannelNotes, agentbridge.ChannelCalendar:
		return true
	default:
		return false
	}
}

// Evaluate applies the policy rules in order, stopping at the first
// rejection. limiter is consulted last so that non-rate-limited drops
// never consume a slot in the sliding window.
func Evaluate(cfg Config, limiter *RateLimiter, msg agentbridge.InboundMessage) Decision {
	if !cfg.AllowedSenders[msg.Sender] {
		return Decision{Reason: agentbridge.DropUnknownSender}
	}
	if msg.IsSelf && cfg.SuppressSelf {
		return Decision{Reason: agentbridge.DropEcho}
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return Decision{Reason: agentbridge.DropEmpty}
	}

	if cfg.PrefixMode && msg.Channel == agentbridge.ChannelChat {
		prefix := cfg.ChatPrefix
		if !hasCaseInsensitivePrefix(text, prefix) {
			return Decision{Reason: agentbridge.DropMissingPrefix}
		}
		text = strings.TrimSpace(text[len(prefix):])
	}

	if requiresTriggerTag(msg.Channel) {
		haystack := text
		if title, ok := msg.ContextMetadata["title"]; ok {
			haystack = title + "\n" + haystack
		}
		idx := strings.Index(strings.ToLower(haystack), strings.ToLower(cfg.TriggerTag))
		if idx < 0 {
			return Decision{Reason: agentbridge.DropMissingTriggerTag}
		}
		text = stripTag(text, cfg.TriggerTag)
	}

	if limiter != nil && !limiter.Allow(msg.Sender, cfg.RateWindow, cfg.RateMax) {
		return Decision{Reason: agentbridge.DropRateLimited}
	}

	return Decision{Accept: true, EffectiveText: text}
}

func hasCaseInsensitivePrefix(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	return strings.EqualFold(s[:len(prefix)], prefix)
}

// stripTag removes the first case-insensitive occurrence of tag from s.
func stripTag(s, tag string) string {
	lower := strings.ToLower(s)
	idx := strings.Index(lower, strings.ToLower(tag))
	if idx < 0 {
		return s
	}
	out := s[:idx] + s[idx+len(tag):]
	return strings.TrimSpace(out)
}

// RateLimiter tracks a sliding window of recent accepted-message
// timestamps per sender. It does not persist across restarts — the
// window is short enough (default 60s) that a restart resetting it is
// an acceptable cost, per the design notes.
type RateLimiter struct {
	mu     sync.Mutex
	recent map[agentbridge.NormalizedSender][]time.Time
	now    func() time.Time
}

// NewRateLimiter creates an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		recent: make(map[agentbridge.NormalizedSender][]time.Time),
		now:    time.Now,
	}
}

// Allow records one attempt for sender and reports whether it falls
// within the window/max budget. The (K+1)th message within window is
// rejected.
func (r *RateLimiter) Allow(sender agentbridge.NormalizedSender, window time.Duration, max int) bool {
	if max <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-window)
	kept := r.recent[sender][:0]
	for _, t := range r.recent[sender] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= max {
		r.recent[sender] = kept
		return false
	}
	r.recent[sender] = append(kept, now)
	return true
}
