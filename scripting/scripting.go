// Package scripting is the one place in the tree that shells out to
// macOS platform automation (AppleScript/JXA via osascript) on behalf
// of the Mail/Reminders/Notes/Calendar channels. It is grounded on the
// teacher's tools/dynamic.go exec executor (exec.CommandContext,
// stdout/stderr captured into bytes.Buffer, a bounded timeout via the
// caller's context) generalized from "run an arbitrary shell command"
// to "run one named AppleScript/JXA script with escaped arguments".
package scripting

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Runner executes named scripts against a platform application. Tests
// substitute a fake Runner; production wires Osascript.
type Runner interface {
	Run(ctx context.Context, script string, args ...string) (string, error)
}

// Osascript shells out to osascript (looked up on PATH unless Binary is
// set), the default runner.
type Osascript struct {
	// Timeout bounds a single invocation; zero means no additional
	// timeout beyond the caller's context.
	Timeout time.Duration
	// Binary overrides the osascript path, for testing.
	Binary string
}

func (o Osascript) binary() string {
	if o.Binary != "" {
		return o.Binary
	}
	return "osascript"
}

// Run executes script (JXA, invoked with -l JavaScript) passing args as
// positional script arguments: builds an exec.Cmd, captures
// stdout/stderr separately, and returns an error carrying stderr on
// non-zero exit.
func (o Osascript) Run(ctx context.Context, script string, args ...string) (string, error) {
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}

	cmdArgs := append([]string{"-l", "JavaScript", "-e", script}, args...)
	cmd := exec.CommandContext(ctx, o.binary(), cmdArgs...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("scripting: %s timed out", o.binary())
		}
		return "", fmt.Errorf("scripting: %s: %w: %s", o.binary(), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// EscapeForScript escapes backslash, double quote, and newline so a
// user-controlled string can be safely interpolated into a JXA string
// literal built with %q-style quoting at the call site.
func EscapeForScript(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`"`, `\"`,
		"\n", `\n`,
		"\r", `\r`,
	)
	return r.Replace(s)
}
