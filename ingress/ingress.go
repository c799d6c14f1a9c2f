// Package ingress implements the five channel readers plus the HTTP
// task queue, each satisfying the same Reader contract: poll for new
// items, then mark exactly the items the caller successfully dispatched
// as processed. The same poll-translate-hand-off loop shape spans six
// very different backing stores (a read-only chat database, four
// AppleScript-driven macOS apps — Mail, Reminders, Notes, Calendar —
// and an HTTP-enqueued synthetic channel).
package ingress

import (
	"context"
	"fmt"
	"time"

	"github.com/kbpersonal/agentbridge"
)

// Reader is the common ingress contract. Poll must not re-yield an
// item MarkProcessed has already confirmed; MarkProcessed must be
// per-item so a partial failure only loses progress on the items that
// actually failed to mark (the all-or-nothing-per-item guarantee).
type Reader interface {
	Poll(ctx context.Context) ([]agentbridge.InboundMessage, error)
	MarkProcessed(ctx context.Context, ids []string) error
}

// CursorStore is the narrow persistence slice readers need to survive
// a restart without re-yielding already-seen items. store.Store
// satisfies this via its KV operations.
type CursorStore interface {
	KVGet(key string) (value string, ok bool, err error)
	KVPut(key, value string) error
}

func cursorKey(channel agentbridge.Channel, name string) string {
	return fmt.Sprintf("ingress.cursor.%s.%s", channel, name)
}

// clock allows tests to control "now".
type clock func() time.Time

func defaultClock() time.Time { return time.Now() }
