package command

import (
	"testing"

	"github.com/kbpersonal/agentbridge"
)

func TestParsePrefixedKinds(t *testing.T) {
	cases := map[string]Variant{
		"task: clean up the garage":    VariantTask,
		"Plan: plan my week":           VariantPlan,
		"idea:   a new feature":        VariantIdea,
		"project: rebuild the deck":    VariantProject,
		"relay: tell the team":         VariantChat,
		"history: lisbon":              VariantHistory,
		"system: mute":                 VariantSystem,
		"usage: this month":           VariantUsage,
		"logs: last run":               VariantLogs,
		"health:":                      VariantHealth,
	}
	for text, want := range cases {
		p := Parse(text)
		if p.Variant != want {
			t.Errorf("Parse(%q).Variant = %v, want %v", text, p.Variant, want)
		}
	}
}

func TestParseControlKeywords(t *testing.T) {
	cases := map[string]Variant{
		"status":        VariantStatus,
		"Status":        VariantStatus,
		"help":          VariantHelp,
		"clear context": VariantClearContext,
		"new chat":      VariantClearContext,
	}
	for text, want := range cases {
		p := Parse(text)
		if p.Variant != want {
			t.Errorf("Parse(%q).Variant = %v, want %v", text, p.Variant, want)
		}
	}
}

func TestParseApprove(t *testing.T) {
	p := Parse("approve ab12cd")
	if p.Variant != VariantApprove || p.ApprovalID != "ab12cd" {
		t.Fatalf("got %+v", p)
	}
}

func TestParseApproveWithExtra(t *testing.T) {
	p := Parse("approve ab12cd go ahead")
	if p.Variant != VariantApprove || p.ApprovalID != "ab12cd" || p.Body != "go ahead" {
		t.Fatalf("got %+v", p)
	}
}

func TestParseDeny(t *testing.T) {
	p := Parse("deny xy98")
	if p.Variant != VariantDeny || p.ApprovalID != "xy98" || p.DenyAll {
		t.Fatalf("got %+v", p)
	}
}

func TestParseDenyAll(t *testing.T) {
	p := Parse("deny all")
	if p.Variant != VariantDeny || !p.DenyAll {
		t.Fatalf("got %+v", p)
	}
}

func TestParseBareApprove(t *testing.T) {
	p := Parse("approve")
	if p.Variant != VariantApprove || p.ApprovalID != "" {
		t.Fatalf("got %+v", p)
	}
}

func TestParseBareDeny(t *testing.T) {
	p := Parse("Deny")
	if p.Variant != VariantDeny || p.ApprovalID != "" || p.DenyAll {
		t.Fatalf("got %+v", p)
	}
}

func TestParseChatDefault(t *testing.T) {
	p := Parse("what's the weather like")
	if p.Variant != VariantChat || p.Body != "what's the weather like" {
		t.Fatalf("got %+v", p)
	}
}

func TestParseChatMutationHeuristic(t *testing.T) {
	p := Parse("delete the old backup folder")
	if p.Variant != VariantChat || !p.MutationHint {
		t.Fatalf("got %+v, want mutation hint set", p)
	}
}

func TestParseChatNoMutationHeuristic(t *testing.T) {
	p := Parse("what time is it in lisbon")
	if p.Variant != VariantChat || p.MutationHint {
		t.Fatalf("got %+v, want no mutation hint", p)
	}
}

func TestParseWorkspaceAlias(t *testing.T) {
	p := Parse("task: @garden water the tomatoes")
	if p.WorkspaceAlias != "garden" || p.Body != "water the tomatoes" {
		t.Fatalf("got %+v", p)
	}
}

func TestParseWorkspaceAliasOnChat(t *testing.T) {
	p := Parse("@garden how are the tomatoes doing")
	if p.Variant != VariantChat || p.WorkspaceAlias != "garden" || p.Body != "how are the tomatoes doing" {
		t.Fatalf("got %+v", p)
	}
}

func TestVariantRunKind(t *testing.T) {
	if VariantTask.RunKind() != agentbridge.CommandTask {
		t.Fatalf("RunKind mismatch")
	}
	if VariantStatus.IsWork() {
		t.Fatalf("status should not be a work variant")
	}
}

func TestVariantRunKindPanicsOnControlVariant(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	VariantStatus.RunKind()
}
