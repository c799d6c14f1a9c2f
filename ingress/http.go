package ingress

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kbpersonal/agentbridge"
)

// HTTPTask is the payload the Admin HTTP task endpoint accepts.
type HTTPTask struct {
	Sender      string `json:"sender"`
	Text        string `json:"text"`
	ChannelHint string `json:"channel_hint,omitempty"`
}

// HTTPQueue is a Reader backed by an in-memory buffer the Admin HTTP
// handler enqueues into. Unlike the scripted readers, there is no
// external cursor to persist: once a task is accepted over HTTP it
// exists only in this process's memory, so MarkProcessed simply drops
// it from the pending set. Enqueue mints a fresh synthetic id on every
// call, so a retried HTTP request is dispatched again rather than
// deduped — RecordMessage's (channel, external_id) idempotency only
// protects channels whose reader assigns a stable external id to the
// same underlying message across polls.
type HTTPQueue struct {
	mu      sync.Mutex
	pending []agentbridge.InboundMessage
}

// NewHTTPQueue creates an empty queue.
func NewHTTPQueue() *HTTPQueue {
	return &HTTPQueue{}
}

// Enqueue accepts one task and assigns it a synthetic channel and a
// fresh idempotency id. The returned id is handed back to the HTTP
// caller as an acknowledgement.
func (q *HTTPQueue) Enqueue(task HTTPTask) string {
	id := "http:" + uuid.NewString()
	channel := agentbridge.ChannelHTTP
	msg := agentbridge.InboundMessage{
		ID:         id,
		Channel:    channel,
		Sender:     agentbridge.Normalize(task.Sender),
		Text:       task.Text,
		ReceivedAt: time.Now(),
	}
	if task.ChannelHint != "" {
		msg.ContextMetadata = map[string]string{"channel_hint": task.ChannelHint}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, msg)
	return id
}

func (q *HTTPQueue) Poll(ctx context.Context) ([]agentbridge.InboundMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]agentbridge.InboundMessage, len(q.pending))
	copy(out, q.pending)
	return out, nil
}

func (q *HTTPQueue) MarkProcessed(ctx context.Context, ids []string) error {
	confirmed := make(map[string]bool, len(ids))
	for _, id := range ids {
		confirmed[id] = true
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.pending[:0]
	for _, m := range q.pending {
		if !confirmed[m.ID] {
			kept = append(kept, m)
		}
	}
	q.pending = kept
	return nil
}
