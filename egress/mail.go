package egress

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kbpersonal/agentbridge"
	"github.com/kbpersonal/agentbridge/scripting"
)

const mailMaxChunk = 8000

// MailWriter sends a reply via Mail.app scripting. It builds a MIME-ish
// envelope (From/To/Subject/Content-Type headers plus body) before
// handing the composed body to the scripting call, purely for
// consistency and logging — the actual delivery is via Mail.app, which
// owns its own MIME encoding once it sends.
type MailWriter struct {
	runner scripting.Runner
	cache  *FingerprintCache
	from   string
}

// NewMailWriter creates a mail writer sending from the given account
// address (must match a Mail.app configured account).
func NewMailWriter(runner scripting.Runner, cache *FingerprintCache, from string) *MailWriter {
	return &MailWriter{runner: runner, cache: cache, from: from}
}

// buildEnvelope assembles an RFC 5322-style header block for
// logging/audit purposes.
func buildEnvelope(from, to, subject, body string) string {
	lines := []string{
		"From: " + from,
		"To: " + to,
		"Subject: " + subject,
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}
	return strings.Join(lines, "\r\n")
}

func (w *MailWriter) Send(ctx context.Context, recipient, text, threadHint string) (DeliveryStatus, error) {
	if w.cache.CheckAndRecord(agentbridge.ChannelMail, recipient, text) {
		return DeliveryStatus{Suppressed: true}, nil
	}

	subject := threadHint
	if subject == "" {
		subject = "Re: your message"
	} else if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}

	chunks := ChunkText(text, mailMaxChunk)
	for _, chunk := range chunks {
		slog.Debug("mail send", "envelope", buildEnvelope(w.from, recipient, subject, chunk))
		script := fmt.Sprintf(`
			(() => {
				const Mail = Application('Mail');
				const msg = Mail.make({new: 'outgoing message', withProperties: {
					subject: %q,
					content: %q,
					visible: false,
				}});
				msg.to.make({withProperties: {address: %q}});
				msg.send();
			})()`, subject, chunk, recipient)
		if _, err := w.runner.Run(ctx, script); err != nil {
			return DeliveryStatus{}, &agentbridge.EgressError{Channel: agentbridge.ChannelMail, Sub: agentbridge.EgressScriptingFailed, Err: err}
		}
	}
	return DeliveryStatus{Delivered: true, Chunks: len(chunks)}, nil
}
