// Package command turns the effective text of an accepted
// InboundMessage into a tagged instruction the orchestrator can act
// on. It is a hand-written tokenizer with no parser-generator
// dependency — not worth reaching for a grammar library over a
// handful of fixed-prefix commands.
package command

import (
	"regexp"
	"strings"

	"github.com/kbpersonal/agentbridge"
)

// Variant is the full tagged-value kind the parser can produce,
// covering both work commands (which become a Run) and control
// commands (handled synchronously, never a Run).
type Variant string

const (
	VariantChat         Variant = "chat"
	VariantIdea         Variant = "idea"
	VariantPlan         Variant = "plan"
	VariantTask         Variant = "task"
	VariantProject      Variant = "project"
	VariantApprove      Variant = "approve"
	VariantDeny         Variant = "deny"
	VariantStatus       Variant = "status"
	VariantHealth       Variant = "health"
	VariantHistory      Variant = "history"
	VariantUsage        Variant = "usage"
	VariantLogs         Variant = "logs"
	VariantSystem       Variant = "system"
	VariantClearContext Variant = "clear_context"
	VariantHelp         Variant = "help"
)

// workVariants are the variants that create a Run. All others are
// control commands the orchestrator handles synchronously.
var workVariants = map[Variant]agentbridge.CommandKind{
	VariantChat:    agentbridge.CommandChat,
	VariantIdea:    agentbridge.CommandIdea,
	VariantPlan:    agentbridge.CommandPlan,
	VariantTask:    agentbridge.CommandTask,
	VariantProject: agentbridge.CommandProject,
}

// IsWork reports whether v creates a Run.
func (v Variant) IsWork() bool {
	_, ok := workVariants[v]
	return ok
}

// RunKind converts a work Variant to the CommandKind stored on a Run.
// It panics if v is not a work variant — callers must check IsWork
// first; an invariant violation here should panic rather than thread
// an error through code that cannot actually fail once the caller has
// checked.
func (v Variant) RunKind() agentbridge.CommandKind {
	k, ok := workVariants[v]
	if !ok {
		panic("command: RunKind called on non-work variant " + string(v))
	}
	return k
}

// prefixKinds maps a leading "<kind>:" token to its Variant.
var prefixKinds = map[string]Variant{
	"idea":    VariantIdea,
	"plan":    VariantPlan,
	"task":    VariantTask,
	"project": VariantProject,
	"relay":   VariantChat,
	"system":  VariantSystem,
	"history": VariantHistory,
	"usage":   VariantUsage,
	"health":  VariantHealth,
	"logs":    VariantLogs,
}

// controlKeywords are exact-match (case-insensitive, whitespace
// collapsed) phrases that select a control Variant with no prefix.
var controlKeywords = map[string]Variant{
	"status":        VariantStatus,
	"help":          VariantHelp,
	"clear context": VariantClearContext,
	"new chat":      VariantClearContext,
	"approve":       VariantApprove,
	"deny":          VariantDeny,
}

var (
	aliasPattern      = regexp.MustCompile(`^@(\S+)\s*`)
	approvePattern    = regexp.MustCompile(`(?i)^approve\s+(\S+)(?:\s+(.*))?$`)
	denyAllPattern    = regexp.MustCompile(`(?i)^deny\s+all$`)
	denyPattern       = regexp.MustCompile(`(?i)^deny\s+(\S+)$`)
	mutationHeuristic = regexp.MustCompile(`(?i)\b(create|write|modify|delete|install|deploy|rename|refactor|remove|update|build|run|execute|push|merge|publish)\b`)
)

// Parsed is the tagged value the parser produces, with optional fields
// populated depending on Variant.
type Parsed struct {
	Variant        Variant
	Body           string
	WorkspaceAlias string // set if a leading @alias token was present
	ApprovalID     string // set for Approve/Deny
	DenyAll        bool   // set for Deny when the target is "all"
	Query          string // set for History
	SystemArg      string // set for System
	MutationHint   bool   // set for Chat containing an imperative-verb pattern
}

// Parse classifies text (already passed through policy, with any
// channel prefix/trigger tag stripped) into a Parsed command.
func Parse(text string) Parsed {
	trimmed := strings.TrimSpace(text)
	normalized := strings.ToLower(collapseSpace(trimmed))

	if v, ok := controlKeywords[normalized]; ok {
		return Parsed{Variant: v}
	}
	if denyAllPattern.MatchString(trimmed) {
		return Parsed{Variant: VariantDeny, DenyAll: true}
	}
	if m := approvePattern.FindStringSubmatch(trimmed); m != nil {
		return Parsed{Variant: VariantApprove, ApprovalID: m[1], Body: strings.TrimSpace(m[2])}
	}
	if m := denyPattern.FindStringSubmatch(trimmed); m != nil {
		return Parsed{Variant: VariantDeny, ApprovalID: m[1]}
	}

	if kind, body, ok := splitPrefix(trimmed); ok {
		p := Parsed{Variant: kind}
		alias, rest := extractAlias(body)
		p.WorkspaceAlias = alias
		switch kind {
		case VariantHistory:
			p.Query = rest
		case VariantSystem:
			p.SystemArg = rest
		default:
			p.Body = rest
		}
		return p
	}

	// No prefix and not a control keyword: classify as Chat.
	alias, rest := extractAlias(trimmed)
	p := Parsed{Variant: VariantChat, Body: rest, WorkspaceAlias: alias}
	p.MutationHint = mutationHeuristic.MatchString(rest)
	return p
}

// splitPrefix looks for a leading "<kind>:" token and reports the
// matched Variant and remainder if kind is recognized. The token must
// not itself contain whitespace — "task: do it" matches, "do: it"
// does not qualify as "do" is not a known kind, and a colon appearing
// after the first space never counts as a prefix delimiter.
func splitPrefix(s string) (Variant, string, bool) {
	colon := strings.IndexByte(s, ':')
	if colon < 0 {
		return "", "", false
	}
	candidate := s[:colon]
	if strings.ContainsAny(candidate, " \t\n") {
		return "", "", false
	}
	kind, ok := prefixKinds[strings.ToLower(candidate)]
	if !ok {
		return "", "", false
	}
	return kind, strings.TrimSpace(s[colon+1:]), true
}

// extractAlias pulls a leading "@alias" token out of body, returning
// the alias (without "@") and the remaining text.
func extractAlias(body string) (alias string, rest string) {
	if m := aliasPattern.FindStringSubmatch(body); m != nil {
		return m[1], strings.TrimSpace(body[len(m[0]):])
	}
	return "", body
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
