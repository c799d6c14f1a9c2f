package ingress

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kbpersonal/agentbridge"

	_ "modernc.org/sqlite"
)

// ChatReader polls a platform chat database (an iMessage-style chat.db)
// opened read-only, querying rows newer than a stored cursor. The
// cursor stores the highest confirmed rowid plus the time MarkProcessed
// ran; Poll filters on the rowid alone and does not consult the stored
// time, so a database whose rowids get renumbered is not detected.
type ChatReader struct {
	db             *sql.DB
	cursors        CursorStore
	allowedSenders map[agentbridge.NormalizedSender]bool
	selfHandle     string // the account's own handle, to set IsSelf
	now            clock
}

// OpenChatReader opens dbPath read-only (mode=ro with query_only; not
// immutable, so rows added later stay visible), matching the
// teacher's preference for never writing to a platform-owned database.
func OpenChatReader(dbPath string, cursors CursorStore, allowedSenders map[agentbridge.NormalizedSender]bool, selfHandle string) (*ChatReader, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&immutable=0&_pragma=query_only(1)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open chat database: %w", err)
	}
	return &ChatReader{db: db, cursors: cursors, allowedSenders: allowedSenders, selfHandle: selfHandle, now: defaultClock}, nil
}

func (r *ChatReader) Close() error { return r.db.Close() }

type chatCursor struct {
	lastRowID       int64
	lastReceivedAt  time.Time
}

func (r *ChatReader) loadCursor() chatCursor {
	raw, ok, err := r.cursors.KVGet(cursorKey(agentbridge.ChannelChat, "rowid"))
	if err != nil || !ok {
		return chatCursor{}
	}
	var rowID int64
	var ts int64
	if _, err := fmt.Sscanf(raw, "%d:%d", &rowID, &ts); err != nil {
		return chatCursor{}
	}
	return chatCursor{lastRowID: rowID, lastReceivedAt: time.Unix(ts, 0)}
}

func (r *ChatReader) saveCursor(c chatCursor) error {
	return r.cursors.KVPut(cursorKey(agentbridge.ChannelChat, "rowid"), fmt.Sprintf("%d:%d", c.lastRowID, c.lastReceivedAt.Unix()))
}

// Poll queries messages with rowid greater than the stored cursor,
// restricted to allowlisted senders when that filter is configured.
func (r *ChatReader) Poll(ctx context.Context) ([]agentbridge.InboundMessage, error) {
	cursor := r.loadCursor()

	rows, err := r.db.QueryContext(ctx,
		`SELECT ROWID, handle, text, is_from_me, received_at FROM messages WHERE ROWID > ? ORDER BY ROWID ASC LIMIT 200`,
		cursor.lastRowID,
	)
	if err != nil {
		return nil, &agentbridge.ConnectorError{Sub: agentbridge.ConnectorSpawnFailed, Err: err}
	}
	defer rows.Close()

	var out []agentbridge.InboundMessage
	for rows.Next() {
		var rowID int64
		var handle, text string
		var isFromMe int
		var receivedAtUnix int64
		if err := rows.Scan(&rowID, &handle, &text, &isFromMe, &receivedAtUnix); err != nil {
			return nil, err
		}
		sender := agentbridge.Normalize(handle)
		if r.allowedSenders != nil && !r.allowedSenders[sender] && isFromMe == 0 {
			continue
		}
		out = append(out, agentbridge.InboundMessage{
			ID:         "chat:" + strconv.FormatInt(rowID, 10),
			Channel:    agentbridge.ChannelChat,
			Sender:     sender,
			Text:       strings.TrimSpace(text),
			ReceivedAt: time.Unix(receivedAtUnix, 0),
			IsSelf:     isFromMe != 0 || (r.selfHandle != "" && strings.EqualFold(handle, r.selfHandle)),
		})
	}
	return out, rows.Err()
}

// MarkProcessed advances the cursor past the highest rowid among ids
// that were actually confirmed — so a crash between Poll and
// MarkProcessed re-yields the unconfirmed tail rather than skipping it.
func (r *ChatReader) MarkProcessed(ctx context.Context, ids []string) error {
	var maxRowID int64
	var maxTime time.Time
	for _, id := range ids {
		const prefix = "chat:"
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		rowID, err := strconv.ParseInt(id[len(prefix):], 10, 64)
		if err != nil {
			continue
		}
		if rowID > maxRowID {
			maxRowID = rowID
		}
	}
	if maxRowID == 0 {
		return nil
	}
	if maxTime.IsZero() {
		maxTime = r.now()
	}
	return r.saveCursor(chatCursor{lastRowID: maxRowID, lastReceivedAt: maxTime})
}
