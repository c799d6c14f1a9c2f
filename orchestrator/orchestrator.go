// Package orchestrator is the central router: it evaluates policy,
// parses commands, drives the run state machine, creates approvals,
// invokes the connector, injects context, and dispatches replies on
// egress — an inbound-event switch tying together store, connector,
// and egress across five channels plus the control commands.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kbpersonal/agentbridge"
	"github.com/kbpersonal/agentbridge/approval"
	"github.com/kbpersonal/agentbridge/command"
	"github.com/kbpersonal/agentbridge/connector"
	"github.com/kbpersonal/agentbridge/egress"
	"github.com/kbpersonal/agentbridge/memory"
	"github.com/kbpersonal/agentbridge/policy"
	"github.com/kbpersonal/agentbridge/store"
)

// Config holds the tunables for the orchestrator and its connector
// calls. Every field has a hard default applied by config.Load; the
// zero value here is not meant to be used directly in production.
type Config struct {
	SessionHistoryMax   int
	MaxContextChars     int
	MemorySnippetChars  int
	MemorySnippetK      int
	TurnTimeout         time.Duration
	ApprovalTTL         time.Duration
	CheckpointOnTimeout bool
	MaxResumeAttempts   int
	FollowUpEnabled     bool
	FollowUpDelay       time.Duration
	FollowUpMaxNudges   int
	DefaultConnector    string
	ToolsContext        string
	WorkspacesDir        string
}

// DefaultConfig returns the orchestrator's hard defaults.
func DefaultConfig() Config {
	return Config{
		SessionHistoryMax:   20,
		MaxContextChars:     6000,
		MemorySnippetChars:  1500,
		MemorySnippetK:      5,
		TurnTimeout:         5 * time.Minute,
		ApprovalTTL:         approval.DefaultTTL,
		CheckpointOnTimeout: true,
		MaxResumeAttempts:   5,
		FollowUpEnabled:     true,
		FollowUpDelay:       30 * time.Minute,
		FollowUpMaxNudges:   2,
		DefaultConnector:    "default",
		WorkspacesDir:       agentbridge.WorkspacesPath(),
	}
}

// Orchestrator wires together every subsystem a dispatch needs. Every
// field is an explicit, narrow dependency — no subsystem reaches back
// into the orchestrator, avoiding the cyclic collaborator graph
// SPEC_FULL.md §9 flags.
type Orchestrator struct {
	Store       store.Store
	Approvals   *approval.Manager
	Connectors  map[string]connector.Connector
	Egress      map[agentbridge.Channel]egress.Writer
	Memory      memory.TopicMemory
	PolicyCfg   policy.Config
	RateLimiter *policy.RateLimiter
	Config      Config

	now func() time.Time
}

// New builds an Orchestrator. connectors must contain at least
// cfg.DefaultConnector.
func New(s store.Store, approvals *approval.Manager, connectors map[string]connector.Connector, writers map[agentbridge.Channel]egress.Writer, mem memory.TopicMemory, pc policy.Config, cfg Config) *Orchestrator {
	return &Orchestrator{
		Store:       s,
		Approvals:   approvals,
		Connectors:  connectors,
		Egress:      writers,
		Memory:      mem,
		PolicyCfg:   pc,
		RateLimiter: policy.NewRateLimiter(),
		Config:      cfg,
		now:         time.Now,
	}
}

// Dispatch is the single entry point for an accepted or rejected
// InboundMessage: it runs policy, and on acceptance parses and routes
// the command, advancing whatever state the command implies.
func (o *Orchestrator) Dispatch(ctx context.Context, msg agentbridge.InboundMessage) error {
	decision := policy.Evaluate(o.PolicyCfg, o.RateLimiter, msg)
	if !decision.Accept {
		return o.recordIgnored(msg, decision.Reason)
	}

	if _, err := o.Store.CreateSession(msg.Channel, msg.Sender); err != nil {
		return &agentbridge.StoreError{Op: "create_session", Err: err}
	}
	if _, err := o.Store.RecordMessage(store.StoredMessage{
		Channel:    msg.Channel,
		ExternalID: msg.ID,
		Sender:     msg.Sender,
		Direction:  "in",
		Text:       msg.Text,
		ReceivedAt: msg.ReceivedAt,
	}); err != nil {
		return &agentbridge.StoreError{Op: "record_message", Err: err}
	}

	parsed := command.Parse(decision.EffectiveText)
	if !parsed.Variant.IsWork() {
		return o.dispatchControl(ctx, msg, parsed)
	}
	return o.dispatchWork(ctx, msg, parsed)
}

func (o *Orchestrator) recordIgnored(msg agentbridge.InboundMessage, reason agentbridge.PolicyDropReason) error {
	payload, _ := json.Marshal(map[string]string{
		"channel": string(msg.Channel),
		"sender":  msg.Sender.String(),
		"reason":  string(reason),
	})
	return o.Store.AppendEvent("message_ignored", string(payload))
}

// -- control commands --------------------------------------------------

func (o *Orchestrator) dispatchControl(ctx context.Context, msg agentbridge.InboundMessage, p command.Parsed) error {
	switch p.Variant {
	case command.VariantApprove:
		if p.ApprovalID == "" {
			return o.reply(ctx, msg, o.renderWhichRequest(msg.Sender, "approve"))
		}
		return o.handleApprove(ctx, msg, p.ApprovalID)
	case command.VariantDeny:
		if p.ApprovalID == "" && !p.DenyAll {
			return o.reply(ctx, msg, o.renderWhichRequest(msg.Sender, "deny"))
		}
		return o.handleDeny(ctx, msg, p)
	case command.VariantStatus:
		return o.reply(ctx, msg, o.renderStatus(msg.Sender))
	case command.VariantHealth:
		return o.reply(ctx, msg, o.renderHealth())
	case command.VariantHistory:
		return o.reply(ctx, msg, o.renderHistory(msg.Sender, p.Query))
	case command.VariantUsage:
		return o.reply(ctx, msg, o.renderUsage(msg.Sender))
	case command.VariantLogs:
		return o.reply(ctx, msg, o.renderLogs())
	case command.VariantSystem:
		return o.handleSystem(ctx, msg, p.SystemArg)
	case command.VariantClearContext:
		if err := o.Store.ClearSessionContext(msg.Channel, msg.Sender); err != nil {
			return &agentbridge.StoreError{Op: "clear_session_context", Err: err}
		}
		return o.reply(ctx, msg, "context cleared")
	case command.VariantHelp:
		return o.reply(ctx, msg, helpText)
	default:
		return o.reply(ctx, msg, "unrecognized command")
	}
}

const helpText = "commands: chat, idea:, plan:, task:, project:, approve <id>, deny <id>|all, status, health, history <q>, usage, logs, system: <sub>, clear context, help"

func (o *Orchestrator) handleApprove(ctx context.Context, msg agentbridge.InboundMessage, requestID string) error {
	outcome, err := o.Approvals.Resolve(requestID, msg.Sender, true)
	if err != nil {
		return o.reply(ctx, msg, err.Error())
	}
	if err := o.reply(ctx, msg, fmt.Sprintf("approved %s, running...", requestID)); err != nil {
		return err
	}
	return o.executeRun(ctx, msg, outcome.Run)
}

func (o *Orchestrator) handleDeny(ctx context.Context, msg agentbridge.InboundMessage, p command.Parsed) error {
	if p.DenyAll {
		pending, err := o.Approvals.Pending(msg.Sender)
		if err != nil {
			return &agentbridge.StoreError{Op: "list_pending_approvals", Err: err}
		}
		for _, a := range pending {
			if _, err := o.Approvals.Resolve(a.RequestID, msg.Sender, false); err != nil {
				continue
			}
		}
		return o.reply(ctx, msg, fmt.Sprintf("denied %d pending approval(s)", len(pending)))
	}
	if _, err := o.Approvals.Resolve(p.ApprovalID, msg.Sender, false); err != nil {
		return o.reply(ctx, msg, err.Error())
	}
	return o.reply(ctx, msg, fmt.Sprintf("denied %s", p.ApprovalID))
}

// renderWhichRequest answers a bare "approve"/"deny" (no id) by listing
// the sender's pending approvals so they can reissue the command with
// an id, per the verb passed in ("approve" or "deny").
func (o *Orchestrator) renderWhichRequest(sender agentbridge.NormalizedSender, verb string) string {
	pending, err := o.Approvals.Pending(sender)
	if err != nil || len(pending) == 0 {
		return "no pending approvals"
	}
	if len(pending) == 1 {
		return fmt.Sprintf("which request? %s %s — %s", verb, pending[0].RequestID, pending[0].Summary)
	}
	var b strings.Builder
	b.WriteString("which request? pending:\n")
	for _, a := range pending {
		fmt.Fprintf(&b, "- %s %s — %s\n", verb, a.RequestID, a.Summary)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (o *Orchestrator) renderStatus(sender agentbridge.NormalizedSender) string {
	runs, err := o.Store.ListRunsBySender(sender, 5)
	if err != nil {
		return "status: unavailable"
	}
	if len(runs) == 0 {
		return "no runs yet"
	}
	var b strings.Builder
	b.WriteString("recent runs:\n")
	for _, r := range runs {
		fmt.Fprintf(&b, "- %s [%s] %s\n", r.RunID, r.State, r.PromptSummary)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (o *Orchestrator) renderHealth() string {
	if started, ok, err := o.Store.KVGet("daemon:started_at"); err == nil && ok {
		return "healthy, started " + started
	}
	return "healthy (no start time recorded)"
}

func (o *Orchestrator) renderHistory(sender agentbridge.NormalizedSender, query string) string {
	msgs, err := o.Store.SearchMessages(sender, query, 10)
	if err != nil {
		return "history: unavailable"
	}
	if len(msgs) == 0 {
		return "no matching messages"
	}
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", m.Direction, m.ReceivedAt.Format(time.RFC3339), m.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (o *Orchestrator) renderUsage(sender agentbridge.NormalizedSender) string {
	runs, err := o.Store.ListRunsBySender(sender, 100)
	if err != nil {
		return "usage: unavailable"
	}
	total, completed, failed := 0, 0, 0
	for _, r := range runs {
		total++
		switch r.State {
		case agentbridge.RunCompleted:
			completed++
		case agentbridge.RunFailed, agentbridge.RunFailedDelivery:
			failed++
		}
	}
	return fmt.Sprintf("runs: %d total, %d completed, %d failed", total, completed, failed)
}

func (o *Orchestrator) renderLogs() string {
	events, err := o.Store.RecentEvents(10)
	if err != nil {
		return "logs: unavailable"
	}
	if len(events) == 0 {
		return "no recent events"
	}
	var b strings.Builder
	for _, e := range events {
		fmt.Fprintf(&b, "- %s %s\n", e.Timestamp.Format(time.RFC3339), e.Kind)
	}
	return strings.TrimRight(b.String(), "\n")
}

// handleSystem implements the "system: <sub>" control commands:
// mute/unmute (KV toggle, read by the companion loop) and
// "cancel run <id>"/"killswitch" (connector cancellation).
func (o *Orchestrator) handleSystem(ctx context.Context, msg agentbridge.InboundMessage, arg string) error {
	arg = strings.TrimSpace(strings.ToLower(arg))
	switch {
	case arg == "mute":
		if err := o.Store.KVPut("mute", "true"); err != nil {
			return &agentbridge.StoreError{Op: "kv_put_mute", Err: err}
		}
		return o.reply(ctx, msg, "muted")
	case arg == "unmute":
		if err := o.Store.KVPut("mute", "false"); err != nil {
			return &agentbridge.StoreError{Op: "kv_put_mute", Err: err}
		}
		return o.reply(ctx, msg, "unmuted")
	case arg == "killswitch":
		n := o.cancelAllInFlight(msg.Sender)
		return o.reply(ctx, msg, fmt.Sprintf("killswitch: cancelled %d run(s)", n))
	case strings.HasPrefix(arg, "cancel run "):
		runID := strings.TrimSpace(strings.TrimPrefix(arg, "cancel run "))
		if o.cancelRun(runID) {
			return o.reply(ctx, msg, fmt.Sprintf("cancelled %s", runID))
		}
		return o.reply(ctx, msg, fmt.Sprintf("run %s is not in flight", runID))
	default:
		return o.reply(ctx, msg, "unknown system subcommand")
	}
}

func (o *Orchestrator) cancelRun(runID string) bool {
	cancelled := false
	for _, c := range o.Connectors {
		if c.Cancel(runID) {
			cancelled = true
		}
	}
	if cancelled {
		_ = o.Store.UpdateRunState(runID, agentbridge.RunCancelled, "cancelled by request", "")
	}
	return cancelled
}

func (o *Orchestrator) cancelAllInFlight(sender agentbridge.NormalizedSender) int {
	runs, err := o.Store.ListRunsBySender(sender, 50)
	if err != nil {
		return 0
	}
	n := 0
	for _, r := range runs {
		if r.State == agentbridge.RunExecuting {
			if o.cancelRun(r.RunID) {
				n++
			}
		}
	}
	return n
}

// -- work commands -------------------------------------------------------

func isMutating(p command.Parsed) bool {
	switch p.Variant {
	case command.VariantTask, command.VariantProject:
		return true
	case command.VariantChat:
		return p.MutationHint
	default:
		return false
	}
}

func (o *Orchestrator) dispatchWork(ctx context.Context, msg agentbridge.InboundMessage, p command.Parsed) error {
	run := agentbridge.Run{
		Sender:         msg.Sender,
		Channel:        msg.Channel,
		Kind:           p.Variant.RunKind(),
		State:          agentbridge.RunReceived,
		PromptSummary:  p.Body,
		CommandPreview: p.Body,
		MutationHint:   p.MutationHint,
		ConnectorName:  o.Config.DefaultConnector,
		WorkspaceAlias: p.WorkspaceAlias,
	}
	runID, err := o.Store.CreateRun(run)
	if err != nil {
		return &agentbridge.StoreError{Op: "create_run", Err: err}
	}
	run.RunID = runID
	if err := o.Store.AppendEvent("run_received", runID); err != nil {
		return &agentbridge.StoreError{Op: "append_event", Err: err}
	}

	if isMutating(p) {
		return o.requestApproval(ctx, msg, run)
	}

	if err := o.Store.UpdateRunState(runID, agentbridge.RunExecuting, "", ""); err != nil {
		return &agentbridge.StoreError{Op: "update_run_state", Err: err}
	}
	run.State = agentbridge.RunExecuting
	return o.executeRun(ctx, msg, run)
}

func (o *Orchestrator) requestApproval(ctx context.Context, msg agentbridge.InboundMessage, run agentbridge.Run) error {
	if err := o.Store.UpdateRunState(run.RunID, agentbridge.RunAwaitingApproval, "", ""); err != nil {
		return &agentbridge.StoreError{Op: "update_run_state", Err: err}
	}
	summary := run.PromptSummary
	if len(summary) > 200 {
		summary = summary[:200]
	}
	reqID, err := o.Approvals.Request(run.RunID, msg.Sender, summary, run.CommandPreview)
	if err != nil {
		return err
	}
	return o.reply(ctx, msg, fmt.Sprintf("%s — approval required. Approve with: approve %s", summary, reqID))
}

// executeRun assembles context, invokes the connector, persists the
// outcome, and egresses a reply. It is the single path both a
// non-mutating dispatch and an approve/resume continue into, keeping
// the state-transition-as-one-transaction contract of §4.7 in one
// place.
func (o *Orchestrator) executeRun(ctx context.Context, msg agentbridge.InboundMessage, run agentbridge.Run) error {
	conn, ok := o.Connectors[run.ConnectorName]
	if !ok {
		conn, ok = o.Connectors[o.Config.DefaultConnector]
	}
	if !ok {
		return o.failRun(ctx, msg, run, "no connector configured")
	}

	session, _, err := o.Store.GetSession(run.Channel, run.Sender)
	if err != nil {
		return &agentbridge.StoreError{Op: "get_session", Err: err}
	}

	var prior string
	if run.CheckpointContext != "" {
		prior = "Prior partial output from an earlier attempt:\n" + run.CheckpointContext + "\n\n"
	}
	memSnippet := memory.Snippet(o.Memory, run.PromptSummary, o.Config.MemorySnippetK, o.Config.MemorySnippetChars)
	marker := ""
	if run.WorkspaceAlias != "" {
		marker = fmt.Sprintf("working directory is %s", o.workspaceDir(run.WorkspaceAlias))
	}
	prompt := connector.AssemblePrompt(connector.AssembleInputs{
		MemorySnippet:    memSnippet,
		ToolsContext:     o.Config.ToolsContext,
		SessionExchanges: session.History,
		Attachments:      msg.Attachments,
		WorkspaceMarker:  marker,
		Body:             prior + run.PromptSummary,
		MaxContextChars:  o.Config.MaxContextChars,
	})

	timeout := o.Config.TurnTimeout
	text, runErr := conn.RunTurn(ctx, run.RunID, prompt, o.workspaceDir(run.WorkspaceAlias), timeout)

	if runErr != nil {
		var connErr *agentbridge.ConnectorError
		if ce, ok := runErr.(*agentbridge.ConnectorError); ok {
			connErr = ce
		}
		if connErr != nil && connErr.Sub == agentbridge.ConnectorTimeout && o.Config.CheckpointOnTimeout && run.Attempts < o.Config.MaxResumeAttempts {
			return o.checkpointRun(ctx, msg, run, text)
		}
		return o.failRun(ctx, msg, run, runErr.Error())
	}

	if err := o.Store.UpdateRunState(run.RunID, agentbridge.RunCompleted, text, ""); err != nil {
		return &agentbridge.StoreError{Op: "update_run_state", Err: err}
	}
	if err := o.Store.AppendSessionExchange(run.Channel, run.Sender, agentbridge.Exchange{
		Input:     run.PromptSummary,
		Reply:     text,
		Timestamp: o.now(),
	}, o.Config.SessionHistoryMax); err != nil {
		return &agentbridge.StoreError{Op: "append_session_exchange", Err: err}
	}

	if err := o.reply(ctx, msg, text); err != nil {
		if _, isEgressErr := err.(*agentbridge.EgressError); isEgressErr {
			if updateErr := o.Store.UpdateRunState(run.RunID, agentbridge.RunFailedDelivery, text, ""); updateErr != nil {
				return &agentbridge.StoreError{Op: "update_run_state", Err: updateErr}
			}
		}
		return err
	}

	if o.Config.FollowUpEnabled && (run.Kind == agentbridge.CommandTask || run.Kind == agentbridge.CommandProject) {
		_, _ = o.Store.ScheduleAction(agentbridge.ScheduledAction{
			RunID:     run.RunID,
			Sender:    run.Sender,
			Channel:   run.Channel,
			FireAt:    o.now().Add(o.Config.FollowUpDelay),
			Kind:      agentbridge.ScheduledFollowUp,
			MaxNudges: o.Config.FollowUpMaxNudges,
		})
	}
	return nil
}

func (o *Orchestrator) checkpointRun(ctx context.Context, msg agentbridge.InboundMessage, run agentbridge.Run, partial string) error {
	if err := o.Store.UpdateRunState(run.RunID, agentbridge.RunCheckpointed, partial, partial); err != nil {
		return &agentbridge.StoreError{Op: "update_run_state", Err: err}
	}
	run.CheckpointContext = partial
	reqID, err := o.Approvals.Request(run.RunID, run.Sender, "resume after timeout", run.CommandPreview)
	if err != nil {
		return err
	}
	return o.reply(ctx, msg, fmt.Sprintf("timed out; checkpoint saved. Resume with: approve %s", reqID))
}

func (o *Orchestrator) failRun(ctx context.Context, msg agentbridge.InboundMessage, run agentbridge.Run, reason string) error {
	if err := o.Store.UpdateRunState(run.RunID, agentbridge.RunFailed, reason, ""); err != nil {
		return &agentbridge.StoreError{Op: "update_run_state", Err: err}
	}
	return o.reply(ctx, msg, "failed: "+reason)
}

// SendFollowUp synthesizes and egresses a one-line nudge for a
// completed run, per §4.10: "replays through the orchestrator's reply
// path with a synthesized follow-up prompt for the owning run". Called
// by the follow-up scheduler once per due ScheduledAction; the
// scheduler owns incrementing nudges_sent via Store.MarkActionFired.
func (o *Orchestrator) SendFollowUp(ctx context.Context, action agentbridge.ScheduledAction) error {
	run, err := o.Store.GetRun(action.RunID)
	if err != nil {
		return &agentbridge.StoreError{Op: "get_run", Err: err}
	}

	text := fmt.Sprintf("Following up on %q — anything else needed?", run.PromptSummary)
	conn, ok := o.Connectors[run.ConnectorName]
	if !ok {
		conn, ok = o.Connectors[o.Config.DefaultConnector]
	}
	if ok {
		prompt := fmt.Sprintf("Write one brief, friendly follow-up sentence checking in on this completed task: %q", run.PromptSummary)
		if out, runErr := conn.RunTurn(ctx, fmt.Sprintf("followup-%d", action.ID), prompt, "", 30*time.Second); runErr == nil && strings.TrimSpace(out) != "" {
			text = out
		}
	}

	w, ok := o.Egress[action.Channel]
	if !ok {
		return &agentbridge.EgressError{Channel: action.Channel, Sub: agentbridge.EgressRecipientRejected, Err: fmt.Errorf("no writer configured for channel")}
	}
	_, err = w.Send(ctx, action.Sender.String(), text, "")
	return err
}

func (o *Orchestrator) workspaceDir(alias string) string {
	if alias == "" {
		return ""
	}
	return filepath.Join(o.Config.WorkspacesDir, alias)
}

func (o *Orchestrator) reply(ctx context.Context, msg agentbridge.InboundMessage, text string) error {
	w, ok := o.Egress[msg.Channel]
	if !ok {
		return &agentbridge.EgressError{Channel: msg.Channel, Sub: agentbridge.EgressRecipientRejected, Err: fmt.Errorf("no writer configured for channel")}
	}
	threadHint := msg.ContextMetadata["thread_id"]
	status, err := w.Send(ctx, msg.Sender.String(), text, threadHint)
	if _, isEgressErr := err.(*agentbridge.EgressError); isEgressErr {
		// retried at most once per §4.5 failure semantics
		status, err = w.Send(ctx, msg.Sender.String(), text, threadHint)
	}
	if err != nil {
		return err
	}
	if status.Delivered {
		payload, _ := json.Marshal(map[string]string{"channel": string(msg.Channel), "recipient": msg.Sender.String(), "chunks": strconv.Itoa(status.Chunks)})
		_ = o.Store.AppendEvent("outbound_sent", string(payload))
		_, _ = o.Store.RecordMessage(store.StoredMessage{
			Channel:    msg.Channel,
			Sender:     msg.Sender,
			Direction:  "out",
			Text:       text,
			ReceivedAt: o.now(),
		})
	} else if status.Suppressed {
		_ = o.Store.AppendEvent("outbound_suppressed", msg.Sender.String())
	}
	return nil
}
