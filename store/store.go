// Package store is the exclusive owner of the daemon's durable state:
// sessions, runs, approvals, events, scheduled actions, and the
// key-value map, backed by a Store interface and a SQLite
// implementation.
package store

import (
	"time"

	"github.com/kbpersonal/agentbridge"
)

// StoredMessage is a persisted inbound or outbound message, used both for
// idempotent ingestion (by (channel, external_id)) and for
// search_messages / session history reconstruction.
type StoredMessage struct {
	ID          int64
	Channel     agentbridge.Channel
	ExternalID  string // InboundMessage.ID, or "" for outbound
	Sender      agentbridge.NormalizedSender
	Direction   string // "in" or "out"
	Text        string
	ReceivedAt  time.Time
}

// ApprovalOutcome is the result of resolving an approval.
type ApprovalOutcome struct {
	Run     agentbridge.Run
	Status  agentbridge.ApprovalStatus
}

// Store is the persistence contract every other component depends on.
// Implementations must make every individual method atomic and must be
// safe for concurrent use from multiple goroutines.
type Store interface {
	Close() error

	// Sessions

	CreateSession(channel agentbridge.Channel, sender agentbridge.NormalizedSender) (agentbridge.Session, error)
	GetSession(channel agentbridge.Channel, sender agentbridge.NormalizedSender) (agentbridge.Session, bool, error)
	ListSessions(limit int) ([]agentbridge.Session, error)
	AppendSessionExchange(channel agentbridge.Channel, sender agentbridge.NormalizedSender, ex agentbridge.Exchange, maxHistory int) error
	SetSessionWorkspace(channel agentbridge.Channel, sender agentbridge.NormalizedSender, alias string) error
	ClearSessionContext(channel agentbridge.Channel, sender agentbridge.NormalizedSender) error

	// Messages

	// RecordMessage inserts the message if (channel, external_id) hasn't
	// been seen before. It returns inserted=false for a duplicate without
	// erroring, so ingestion stays idempotent.
	RecordMessage(msg StoredMessage) (inserted bool, err error)
	SearchMessages(sender agentbridge.NormalizedSender, pattern string, limit int) ([]StoredMessage, error)

	// Runs

	CreateRun(run agentbridge.Run) (runID string, err error)
	UpdateRunState(runID string, newState agentbridge.RunState, result string, checkpoint string) error
	GetRun(runID string) (agentbridge.Run, error)
	ListRunsBySender(sender agentbridge.NormalizedSender, limit int) ([]agentbridge.Run, error)

	// Approvals

	CreateApproval(a agentbridge.Approval) (requestID string, err error)
	GetApproval(requestID string) (agentbridge.Approval, error)
	ListPendingApprovalsForSender(sender agentbridge.NormalizedSender) ([]agentbridge.Approval, error)
	ResolveApproval(requestID string, sender agentbridge.NormalizedSender, approve bool) (ApprovalOutcome, error)
	ExpireDueApprovals(now time.Time) ([]string, error)

	// Events

	AppendEvent(kind string, payload string) error
	RecentEvents(limit int) ([]agentbridge.Event, error)

	// Scheduled actions

	ScheduleAction(a agentbridge.ScheduledAction) (id int64, err error)
	DueActions(now time.Time, limit int) ([]agentbridge.ScheduledAction, error)
	MarkActionFired(id int64, success bool) error

	// Key-value

	KVGet(key string) (value string, ok bool, err error)
	KVPut(key, value string) error
}
