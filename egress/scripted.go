package egress

import (
	"context"
	"fmt"

	"github.com/kbpersonal/agentbridge"
	"github.com/kbpersonal/agentbridge/scripting"
)

// These per-channel limits bound a single channel message, chunking text that
// exceeds a channel-defined maximum. Chat apps tolerate long messages
// better than Reminders/Notes bodies, so each writer picks its own.
const (
	chatMaxChunk      = 3000
	remindersMaxChunk = 1000
	notesMaxChunk     = 4000
	calendarMaxChunk  = 1000
)

// scriptedWriter is the shared implementation behind the
// Chat/Reminders/Notes/Calendar writers.
type scriptedWriter struct {
	channel   agentbridge.Channel
	runner    scripting.Runner
	cache     *FingerprintCache
	maxChunk  int
	sendScriptFunc func(recipient, chunk, threadHint string) string
}

func (w *scriptedWriter) Send(ctx context.Context, recipient, text, threadHint string) (DeliveryStatus, error) {
	if w.cache.CheckAndRecord(w.channel, recipient, text) {
		return DeliveryStatus{Suppressed: true}, nil
	}

	chunks := ChunkText(text, w.maxChunk)
	for _, chunk := range chunks {
		// chunk is interpolated via %q below, which already produces a
		// safely quoted JS string literal — escaping it here too would
		// double-escape backslashes and newlines.
		script := w.sendScriptFunc(recipient, chunk, threadHint)
		if _, err := w.runner.Run(ctx, script); err != nil {
			return DeliveryStatus{}, &agentbridge.EgressError{Channel: w.channel, Sub: agentbridge.EgressScriptingFailed, Err: err}
		}
	}
	return DeliveryStatus{Delivered: true, Chunks: len(chunks)}, nil
}

// NewChatWriter sends an iMessage via Messages.app scripting.
func NewChatWriter(runner scripting.Runner, cache *FingerprintCache) Writer {
	return &scriptedWriter{
		channel:  agentbridge.ChannelChat,
		runner:   runner,
		cache:    cache,
		maxChunk: chatMaxChunk,
		sendScriptFunc: func(recipient, chunk, _ string) string {
			return fmt.Sprintf(`
				(() => {
					const Messages = Application('Messages');
					const buddy = Messages.buddies.whose({handle: %q})[0];
					Messages.send(%q, {to: buddy});
				})()`, recipient, chunk)
		},
	}
}

// NewRemindersWriter creates a new reminder in listName carrying each
// chunk; the daemon registers it as the reply writer for the reminders
// channel.
func NewRemindersWriter(runner scripting.Runner, cache *FingerprintCache, listName string) Writer {
	return &scriptedWriter{
		channel:  agentbridge.ChannelReminders,
		runner:   runner,
		cache:    cache,
		maxChunk: remindersMaxChunk,
		sendScriptFunc: func(_, chunk, _ string) string {
			return fmt.Sprintf(`
				(() => {
					const Reminders = Application('Reminders');
					const list = Reminders.lists.whose({name: %q})[0];
					Reminders.make({new: 'reminder', withProperties: {name: %q}, at: list});
				})()`, listName, chunk)
		},
	}
}

// NewNotesWriter appends chunk as a new note in folderName.
func NewNotesWriter(runner scripting.Runner, cache *FingerprintCache, folderName string) Writer {
	return &scriptedWriter{
		channel:  agentbridge.ChannelNotes,
		runner:   runner,
		cache:    cache,
		maxChunk: notesMaxChunk,
		sendScriptFunc: func(_, chunk, threadHint string) string {
			title := threadHint
			if title == "" {
				title = "Note"
			}
			return fmt.Sprintf(`
				(() => {
					const Notes = Application('Notes');
					const folder = Notes.folders.whose({name: %q})[0];
					Notes.make({new: 'note', withProperties: {name: %q, body: %q}, at: folder});
				})()`, folderName, title, chunk)
		},
	}
}

// NewCalendarWriter annotates the event identified by threadHint (the
// event uid) with the chunk as its result note.
func NewCalendarWriter(runner scripting.Runner, cache *FingerprintCache, calendarName string) Writer {
	return &scriptedWriter{
		channel:  agentbridge.ChannelCalendar,
		runner:   runner,
		cache:    cache,
		maxChunk: calendarMaxChunk,
		sendScriptFunc: func(_, chunk, threadHint string) string {
			return fmt.Sprintf(`
				(() => {
					const Calendar = Application('Calendar');
					const cal = Calendar.calendars.whose({name: %q})[0];
					const event = cal.events.whose({uid: %q})[0];
					event.description = (event.description() || '') + '\n' + %q;
				})()`, calendarName, threadHint, chunk)
		},
	}
}
