package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kbpersonal/agentbridge"
	"github.com/kbpersonal/agentbridge/scripting"
)

// scriptedItem is the common JSON shape every poll/archive JXA script
// emits on stdout — a flat array of records, one per candidate item.
type scriptedItem struct {
	ID         string `json:"id"`
	Sender     string `json:"sender"`
	Title      string `json:"title"`
	Text       string `json:"text"`
	ReceivedAt int64  `json:"received_at"`
}

// scriptedReader is the shared implementation backing the
// Mail/Reminders/Notes/Calendar readers: each differs only in which
// JXA script it runs to list candidates and which script it runs to
// archive/mark-read/annotate a confirmed item.
type scriptedReader struct {
	channel      agentbridge.Channel
	runner       scripting.Runner
	listScript   string
	markScript   string // invoked once per confirmed id
	cursors      CursorStore
}

func (r *scriptedReader) Poll(ctx context.Context) ([]agentbridge.InboundMessage, error) {
	out, err := r.runner.Run(ctx, r.listScript)
	if err != nil {
		return nil, &agentbridge.EgressError{Channel: r.channel, Sub: agentbridge.EgressScriptingFailed, Err: err}
	}
	if out == "" {
		return nil, nil
	}
	var items []scriptedItem
	if err := json.Unmarshal([]byte(out), &items); err != nil {
		return nil, fmt.Errorf("ingress(%s): decode script output: %w", r.channel, err)
	}

	msgs := make([]agentbridge.InboundMessage, 0, len(items))
	for _, it := range items {
		receivedAt := time.Now()
		if it.ReceivedAt > 0 {
			receivedAt = time.Unix(it.ReceivedAt, 0)
		}
		meta := map[string]string{}
		if it.Title != "" {
			meta["title"] = it.Title
		}
		if r.channel == agentbridge.ChannelCalendar {
			meta["thread_id"] = it.ID
		}
		msgs = append(msgs, agentbridge.InboundMessage{
			ID:              fmt.Sprintf("%s:%s", r.channel, it.ID),
			Channel:         r.channel,
			Sender:          agentbridge.Normalize(it.Sender),
			Text:            it.Text,
			ReceivedAt:      receivedAt,
			ContextMetadata: meta,
		})
	}
	return msgs, nil
}

// MarkProcessed invokes the archive/mark-read/annotate script once per
// confirmed id; a failure on one id does not block the others, but is
// still reported so the caller can decide whether to re-poll it.
func (r *scriptedReader) MarkProcessed(ctx context.Context, ids []string) error {
	var firstErr error
	for _, id := range ids {
		rawID := stripChannelPrefix(r.channel, id)
		if _, err := r.runner.Run(ctx, r.markScript, rawID); err != nil && firstErr == nil {
			firstErr = &agentbridge.EgressError{Channel: r.channel, Sub: agentbridge.EgressScriptingFailed, Err: err}
		}
	}
	return firstErr
}

func stripChannelPrefix(channel agentbridge.Channel, id string) string {
	prefix := string(channel) + ":"
	if len(id) > len(prefix) && id[:len(prefix)] == prefix {
		return id[len(prefix):]
	}
	return id
}

// NewMailReader polls unread mail newer than maxAge via Mail.app
// scripting, and marks each as read after successful ingestion.
func NewMailReader(runner scripting.Runner, maxAge time.Duration) Reader {
	return &scriptedReader{
		channel: agentbridge.ChannelMail,
		runner:  runner,
		listScript: fmt.Sprintf(`
			(() => {
				const Mail = Application('Mail');
				const cutoff = new Date(Date.now() - %d);
				const unread = Mail.inbox.messages.whose({readStatus: false})();
				return JSON.stringify(unread
					.filter(m => m.dateReceived() >= cutoff)
					.map(m => ({
						id: m.id().toString(),
						sender: m.sender(),
						title: m.subject(),
						text: m.content(),
						received_at: Math.floor(m.dateReceived().getTime() / 1000),
					})));
			})()`, maxAge.Milliseconds()),
		markScript: `
			(id => {
				const Mail = Application('Mail');
				const msg = Mail.inbox.messages.whose({id: Number(id)})[0];
				msg.readStatus = true;
			})($.NSProcessInfo.processInfo.arguments.js[0])`,
	}
}

// NewRemindersReader lists incomplete items in listName; after the
// orchestrator completes the run it moves the item to archiveList.
func NewRemindersReader(runner scripting.Runner, listName, archiveList string) Reader {
	return &scriptedReader{
		channel: agentbridge.ChannelReminders,
		runner:  runner,
		listScript: fmt.Sprintf(`
			(() => {
				const Reminders = Application('Reminders');
				const list = Reminders.lists.whose({name: %q})[0];
				return JSON.stringify(list.reminders.whose({completed: false})().map(r => ({
					id: r.id(),
					sender: 'self',
					title: r.name(),
					text: r.body() || r.name(),
					received_at: Math.floor(r.creationDate().getTime() / 1000),
				})));
			})()`, listName),
		markScript: fmt.Sprintf(`
			(id => {
				const Reminders = Application('Reminders');
				const source = Reminders.lists.whose({name: %q})[0];
				const dest = Reminders.lists.whose({name: %q})[0];
				const item = source.reminders.whose({id: id})[0];
				item.completed = true;
				Reminders.move(item, {to: dest.reminders});
			})($.NSProcessInfo.processInfo.arguments.js[0])`, listName, archiveList),
	}
}

// NewNotesReader lists notes in folderName carrying triggerTag.
func NewNotesReader(runner scripting.Runner, folderName, triggerTag string) Reader {
	return &scriptedReader{
		channel: agentbridge.ChannelNotes,
		runner:  runner,
		listScript: fmt.Sprintf(`
			(() => {
				const Notes = Application('Notes');
				const folder = Notes.folders.whose({name: %q})[0];
				return JSON.stringify(folder.notes.whose({body: {_contains: %q}})().map(n => ({
					id: n.id(),
					sender: 'self',
					title: n.name(),
					text: n.body(),
					received_at: Math.floor(n.modificationDate().getTime() / 1000),
				})));
			})()`, folderName, triggerTag),
		markScript: `
			(id => {
				// notes are left in place; processed state is tracked in the cursor store
			})($.NSProcessInfo.processInfo.arguments.js[0])`,
	}
}

// NewCalendarReader lists events within lookahead whose start time has
// elapsed. Its markScript does nothing; the result is written onto the
// event when the reply is sent, by egress.NewCalendarWriter (in
// egress/scripted.go), which finds the event by the uid carried as the
// thread id.
func NewCalendarReader(runner scripting.Runner, calendarName string, lookahead time.Duration) Reader {
	return &scriptedReader{
		channel: agentbridge.ChannelCalendar,
		runner:  runner,
		listScript: fmt.Sprintf(`
			(() => {
				const Calendar = Application('Calendar');
				const cal = Calendar.calendars.whose({name: %q})[0];
				const horizon = new Date(Date.now() + %d);
				const now = new Date();
				return JSON.stringify(cal.events.whose({startDate: {_lessThanEquals: now}})()
					.filter(e => e.startDate() <= now && e.startDate() >= new Date(now.getTime() - %d) && e.startDate() <= horizon)
					.map(e => ({
						id: e.uid(),
						sender: 'self',
						title: e.summary(),
						text: e.description() || e.summary(),
						received_at: Math.floor(e.startDate().getTime() / 1000),
					})));
			})()`, calendarName, lookahead.Milliseconds(), lookahead.Milliseconds()),
		markScript: `
			(id => {
				// annotation of the completed event happens via egress.NewCalendarWriter
			})($.NSProcessInfo.processInfo.arguments.js[0])`,
	}
}
