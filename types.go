package agentbridge

import "time"

// Channel identifies one of the platform message sources or sinks.
type Channel string

const (
	ChannelChat      Channel = "chat"
	ChannelMail      Channel = "mail"
	ChannelReminders Channel = "reminders"
	ChannelNotes     Channel = "notes"
	ChannelCalendar  Channel = "calendar"
	ChannelHTTP      Channel = "http"
)

// RunState is a position in the run state machine (see Orchestrator).
type RunState string

const (
	RunReceived          RunState = "RECEIVED"
	RunPlanning          RunState = "PLANNING"
	RunAwaitingApproval  RunState = "AWAITING_APPROVAL"
	RunExecuting         RunState = "EXECUTING"
	RunVerifying         RunState = "VERIFYING"
	RunCheckpointed      RunState = "CHECKPOINTED"
	RunCompleted         RunState = "COMPLETED"
	RunFailed            RunState = "FAILED"
	RunDenied            RunState = "DENIED"
	RunExpired           RunState = "EXPIRED"
	RunCancelled         RunState = "CANCELLED"
	RunFailedDelivery    RunState = "FAILED_DELIVERY"
)

// Terminal reports whether state has no successor states.
func (s RunState) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunDenied, RunExpired, RunCancelled, RunFailedDelivery:
		return true
	default:
		return false
	}
}

// ApprovalStatus is the lifecycle state of an Approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalDenied   ApprovalStatus = "DENIED"
	ApprovalExpired  ApprovalStatus = "EXPIRED"
)

// ScheduledKind identifies what a ScheduledAction is for.
type ScheduledKind string

const (
	ScheduledFollowUp ScheduledKind = "follow-up"
	ScheduledDigest   ScheduledKind = "digest"
	ScheduledReview   ScheduledKind = "review"
)

// CommandKind classifies the work commands that create a Run. Control
// commands (approve/deny/status/health/history/usage/logs/system/
// clear-context/help) are handled synchronously by the orchestrator
// against the store and approval manager and never create a Run, so
// they have no CommandKind — see command.Variant for the full tagged
// value the parser produces. CommandKind lives on the root package
// because Run embeds it and store must round-trip it without an
// import cycle back into command.
type CommandKind string

const (
	CommandChat    CommandKind = "chat"    // ordinary conversational turn
	CommandIdea    CommandKind = "idea"    // captured for later, non-mutating
	CommandPlan    CommandKind = "plan"    // multi-step plan request, non-mutating
	CommandTask    CommandKind = "task"    // an instruction intended to mutate something
	CommandProject CommandKind = "project" // a task scoped to a whole workspace
)

// Attachment is a small descriptor of an inbound attachment, summarized
// (not stored in full) for context injection.
type Attachment struct {
	Name        string
	SizeBytes   int64
	FirstBytes  string // best-effort text preview for known types
	ContentType string
}

// InboundMessage is one message received on a Channel, before policy.
type InboundMessage struct {
	ID              string // unique per channel; the idempotency key
	Channel         Channel
	Sender          NormalizedSender
	Text            string
	ReceivedAt      time.Time
	IsSelf          bool
	Attachments     []Attachment
	ContextMetadata map[string]string // e.g. thread id, note title, event uid
}

// Session is an ongoing thread keyed by (channel, sender).
type Session struct {
	Channel        Channel
	Sender         NormalizedSender
	WorkspaceAlias string
	Muted          bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	History        []Exchange // most recent N, oldest first
}

// Exchange is one (input, reply) pair retained as session context.
type Exchange struct {
	Input     string
	Reply     string
	Timestamp time.Time
}

// Run is the lifecycle of a single executed command.
type Run struct {
	RunID             string
	Sender            NormalizedSender
	Channel           Channel
	Kind              CommandKind
	State             RunState
	CreatedAt         time.Time
	UpdatedAt         time.Time
	PromptSummary     string
	CommandPreview    string
	Result            string
	Attempts          int
	CheckpointContext string
	MutationHint      bool
	ConnectorName     string
	WorkspaceAlias    string
}

// Approval authorizes a sender to let a mutating Run proceed.
type Approval struct {
	RequestID string
	RunID     string
	Sender    NormalizedSender
	Summary   string
	Preview   string
	CreatedAt time.Time
	ExpiresAt time.Time
	Status    ApprovalStatus
}

// Event is an append-only audit row.
type Event struct {
	ID        int64
	Timestamp time.Time
	Kind      string
	Payload   string // JSON
}

// ScheduledAction is a time-triggered follow-up, digest, or review.
type ScheduledAction struct {
	ID         int64
	RunID      string
	Sender     NormalizedSender
	Channel    Channel
	FireAt     time.Time
	Kind       ScheduledKind
	NudgesSent int
	MaxNudges  int
	Payload    string
}
