package egress

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kbpersonal/agentbridge"
)

type fakeRunner struct {
	calls   int
	err     error
	scripts []string
}

func (f *fakeRunner) Run(ctx context.Context, script string, args ...string) (string, error) {
	f.calls++
	f.scripts = append(f.scripts, script)
	return "", f.err
}

func TestFingerprintCacheSuppressesRepeat(t *testing.T) {
	c := NewFingerprintCache(time.Minute)
	if c.CheckAndRecord(agentbridge.ChannelChat, "+1", "hello") {
		t.Fatalf("first send should not be suppressed")
	}
	if !c.CheckAndRecord(agentbridge.ChannelChat, "+1", "hello") {
		t.Fatalf("repeat within window should be suppressed")
	}
}

func TestFingerprintCacheAllowsAfterWindow(t *testing.T) {
	now := time.Now()
	c := NewFingerprintCache(time.Minute)
	c.now = func() time.Time { return now }
	c.CheckAndRecord(agentbridge.ChannelChat, "+1", "hello")

	c.now = func() time.Time { return now.Add(2 * time.Minute) }
	if c.CheckAndRecord(agentbridge.ChannelChat, "+1", "hello") {
		t.Fatalf("expected no suppression after window elapsed")
	}
}

func TestFingerprintCacheDistinguishesRecipientAndChannel(t *testing.T) {
	c := NewFingerprintCache(time.Minute)
	c.CheckAndRecord(agentbridge.ChannelChat, "+1", "hello")
	if c.CheckAndRecord(agentbridge.ChannelMail, "+1", "hello") {
		t.Fatalf("different channel must not be suppressed")
	}
	if c.CheckAndRecord(agentbridge.ChannelChat, "+2", "hello") {
		t.Fatalf("different recipient must not be suppressed")
	}
}

func TestChunkTextShortPassesThrough(t *testing.T) {
	chunks := ChunkText("short text", 100)
	if len(chunks) != 1 || chunks[0] != "short text" {
		t.Fatalf("got %v", chunks)
	}
}

func TestChunkTextSplitsOnWhitespace(t *testing.T) {
	text := "one two three four five six seven eight nine ten"
	chunks := ChunkText(text, 12)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %v", chunks)
	}
	joined := ""
	for _, c := range chunks {
		joined += c + " "
	}
	for _, word := range []string{"one", "two", "three", "ten"} {
		if !contains(joined, word) {
			t.Fatalf("chunk output missing word %q: %v", word, chunks)
		}
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func TestScriptedWriterSendsAndChunks(t *testing.T) {
	r := &fakeRunner{}
	w := NewChatWriter(r, NewFingerprintCache(time.Minute))
	status, err := w.Send(context.Background(), "+15551234567", "hello there", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !status.Delivered || status.Chunks != 1 || r.calls != 1 {
		t.Fatalf("got %+v calls=%d", status, r.calls)
	}
}

func TestScriptedWriterSuppressesRepeat(t *testing.T) {
	r := &fakeRunner{}
	cache := NewFingerprintCache(time.Minute)
	w := NewChatWriter(r, cache)
	w.Send(context.Background(), "+1", "same text", "")
	status, err := w.Send(context.Background(), "+1", "same text", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !status.Suppressed || r.calls != 1 {
		t.Fatalf("expected suppression on repeat, got %+v calls=%d", status, r.calls)
	}
}

func TestMailWriterSubjectPrefixing(t *testing.T) {
	r := &fakeRunner{}
	w := NewMailWriter(r, NewFingerprintCache(time.Minute), "me@example.com")
	status, err := w.Send(context.Background(), "them@example.com", "body text", "Trip planning")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !status.Delivered || r.calls != 1 {
		t.Fatalf("got %+v calls=%d", status, r.calls)
	}
}

func TestScriptedWriterDoesNotDoubleEscape(t *testing.T) {
	r := &fakeRunner{}
	w := NewChatWriter(r, NewFingerprintCache(time.Minute))
	text := "line one\nsays \"hi\" with a \\backslash"
	status, err := w.Send(context.Background(), "+15551234567", text, "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !status.Delivered {
		t.Fatalf("expected delivery, got %+v", status)
	}
	want := fmt.Sprintf("%q", text)
	if !contains(r.scripts[0], want) {
		t.Fatalf("script does not contain the single-escaped %%q form %s:\n%s", want, r.scripts[0])
	}
}

func TestMailWriterDoesNotDoubleEscape(t *testing.T) {
	r := &fakeRunner{}
	w := NewMailWriter(r, NewFingerprintCache(time.Minute), "me@example.com")
	text := "quote \" and backslash \\ and\nnewline"
	status, err := w.Send(context.Background(), "them@example.com", text, "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !status.Delivered {
		t.Fatalf("expected delivery, got %+v", status)
	}
	want := fmt.Sprintf("%q", text)
	if !contains(r.scripts[0], want) {
		t.Fatalf("script does not contain the single-escaped %%q form %s:\n%s", want, r.scripts[0])
	}
}

func TestBuildEnvelope(t *testing.T) {
	env := buildEnvelope("me@example.com", "you@example.com", "Re: hi", "body")
	if !contains(env, "From: me@example.com") || !contains(env, "body") {
		t.Fatalf("envelope missing expected fields: %q", env)
	}
}
