package agentbridge

import "strings"

// NormalizedSender is the normalized form of a Sender identifier, either a
// phone number (digits + leading '+') or a lowercased email mailbox. The
// distinct type makes comparing two raw strings a compile error — the
// only way to get a NormalizedSender is through Normalize.
type NormalizedSender string

// Normalize reduces a raw sender string (phone number or email address) to
// its canonical comparison form. It is idempotent:
// Normalize(string(Normalize(s))) == Normalize(s).
func Normalize(raw string) NormalizedSender {
	s := strings.TrimSpace(raw)
	if strings.Contains(s, "@") {
		return NormalizedSender(strings.ToLower(s))
	}

	var b strings.Builder
	leadingPlus := strings.HasPrefix(s, "+")
	if leadingPlus {
		b.WriteByte('+')
	}
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return NormalizedSender(b.String())
}

// String returns the underlying normalized string.
func (n NormalizedSender) String() string {
	return string(n)
}

// Empty reports whether the sender normalized to nothing usable.
func (n NormalizedSender) Empty() bool {
	return n == "" || n == "+"
}
