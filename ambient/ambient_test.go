package ambient

import (
	"context"
	"testing"
	"time"

	"github.com/kbpersonal/agentbridge"
	"github.com/kbpersonal/agentbridge/memory"
)

type fakeReader struct {
	items []agentbridge.InboundMessage
}

func (r *fakeReader) Poll(ctx context.Context) ([]agentbridge.InboundMessage, error) {
	return r.items, nil
}
func (r *fakeReader) MarkProcessed(ctx context.Context, ids []string) error { return nil }

func TestTickWritesSummariesPerTopic(t *testing.T) {
	mem := memory.NewInMemory()
	s := NewScanner(mem, DefaultConfig())
	s.Notes = &fakeReader{items: []agentbridge.InboundMessage{
		{ID: "notes:1", Channel: agentbridge.ChannelNotes, Text: "remember to renew the passport", ReceivedAt: time.Now()},
	}}
	s.Calendar = &fakeReader{items: []agentbridge.InboundMessage{
		{ID: "calendar:1", Channel: agentbridge.ChannelCalendar, Text: "dentist at 3pm", ReceivedAt: time.Now()},
	}}

	s.tick(context.Background())

	item, ok := mem.Get("notes", "notes:1")
	if !ok || item.Value != "remember to renew the passport" {
		t.Fatalf("expected notes item stored, got %+v ok=%v", item, ok)
	}
	item, ok = mem.Get("calendar", "calendar:1")
	if !ok || item.Value != "dentist at 3pm" {
		t.Fatalf("expected calendar item stored, got %+v ok=%v", item, ok)
	}
	if _, ok := mem.Get("mail", "mail:1"); ok {
		t.Fatalf("mail reader was nil, nothing should be stored under mail")
	}
}

func TestSummarizeTruncatesLongText(t *testing.T) {
	mem := memory.NewInMemory()
	cfg := DefaultConfig()
	cfg.MaxSummaryChars = 10
	s := NewScanner(mem, cfg)
	s.Notes = &fakeReader{items: []agentbridge.InboundMessage{
		{ID: "notes:long", Channel: agentbridge.ChannelNotes, Text: "this text is definitely longer than ten characters", ReceivedAt: time.Now()},
	}}
	s.tick(context.Background())
	item, ok := mem.Get("notes", "notes:long")
	if !ok {
		t.Fatalf("expected item stored")
	}
	if len(item.Value) != 10 {
		t.Fatalf("expected truncated value of length 10, got %q", item.Value)
	}
}

func TestScanSkipsNilReader(t *testing.T) {
	mem := memory.NewInMemory()
	s := NewScanner(mem, DefaultConfig())
	s.tick(context.Background())
	if _, err := mem.Retrieve("", 10); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
}
