// Package approval generates short, chat-typeable request IDs and
// provides a thin facade over store.Store's approval lifecycle calls.
// Resolution itself (sender-binding enforcement, run-state transition)
// lives in the store so it can be one atomic transaction; this package
// owns request ID minting and ttl-to-expiry conversion at create time.
package approval

import (
	"crypto/rand"
	"time"

	"github.com/kbpersonal/agentbridge"
	"github.com/kbpersonal/agentbridge/store"
)

// idAlphabet avoids visually ambiguous characters (0/O, 1/I/l) since
// these IDs are typed by hand in a chat reply.
const idAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

const idLength = 6

// DefaultTTL is how long an approval stays pending before ExpireDueApprovals
// (run via the daemon's periodic sweep) marks it expired and fails the run.
const DefaultTTL = 30 * time.Minute

// NewRequestID mints a short, unambiguous, collision-resistant ID for a
// new approval request.
func NewRequestID() (string, error) {
	buf := make([]byte, idLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, idLength)
	for i, b := range buf {
		out[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(out), nil
}

// Manager is a thin facade over store.Store's approval calls, owning
// request ID minting and ttl-to-expiry conversion.
type Manager struct {
	Store store.Store
	TTL   time.Duration
	now   func() time.Time
}

// NewManager builds a Manager with the given ttl (DefaultTTL if zero).
func NewManager(s store.Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{Store: s, TTL: ttl, now: time.Now}
}

// Request creates a new pending approval for runID, bound to sender,
// and returns the short request ID a reply must quote back.
func (m *Manager) Request(runID string, sender agentbridge.NormalizedSender, summary, preview string) (string, error) {
	id, err := NewRequestID()
	if err != nil {
		return "", err
	}
	now := m.now()
	a := agentbridge.Approval{
		RequestID: id,
		RunID:     runID,
		Sender:    sender,
		Summary:   summary,
		Preview:   preview,
		CreatedAt: now,
		ExpiresAt: now.Add(m.TTL),
		Status:    agentbridge.ApprovalPending,
	}
	return m.Store.CreateApproval(a)
}

// Resolve approves or denies requestID on behalf of sender. The store
// enforces that only the originating sender may resolve a request still
// pending and not yet expired.
func (m *Manager) Resolve(requestID string, sender agentbridge.NormalizedSender, approve bool) (store.ApprovalOutcome, error) {
	return m.Store.ResolveApproval(requestID, sender, approve)
}

// Pending lists a sender's outstanding approval requests, most recent
// activity relevant first (order is the store's to decide).
func (m *Manager) Pending(sender agentbridge.NormalizedSender) ([]agentbridge.Approval, error) {
	return m.Store.ListPendingApprovalsForSender(sender)
}

// SweepExpired expires every approval whose TTL has elapsed and fails
// the runs waiting on them, returning the expired request IDs. Intended
// to be called periodically by the daemon's housekeeping loop.
func (m *Manager) SweepExpired() ([]string, error) {
	return m.Store.ExpireDueApprovals(m.now())
}
