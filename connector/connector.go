// Package connector executes one AI turn by spawning the configured
// CLI as a child process: exec.CommandContext plus buffered
// stdout/stderr capture behind a resultCh and mutex-guarded status.
// The AI itself is never called in-process — it is always an opaque
// subprocess.
package connector

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/kbpersonal/agentbridge"
)

// ProgressFunc receives partial output during a streaming turn. The
// orchestrator is responsible for rate-limiting how often it forwards
// these to an egress call (see §5 of the design).
type ProgressFunc func(partial string)

// Connector is the public contract every run driver depends on.
type Connector interface {
	RunTurn(ctx context.Context, runID, prompt, workspaceDir string, timeout time.Duration) (string, error)
	RunTurnStreaming(ctx context.Context, runID, prompt, workspaceDir string, timeout time.Duration, onProgress ProgressFunc) (string, error)
	Cancel(runID string) bool
	SetSoulPrompt(text string)
}

// Spawner starts the configured CLI and returns live pipes. Exec is
// the default implementation; sandbox.Runner satisfies the same shape
// so the connector doesn't need to know whether a turn is running
// directly on the host or inside a container.
type Spawner interface {
	Spawn(ctx context.Context, workspaceDir string, stdin io.Reader) (Handle, error)
}

// Handle is a running child process.
type Handle interface {
	Stdout() io.Reader
	Wait() error
	Kill() error
}

const soulPromptMaxChars = 8000

// Exec is the default Connector, spawning the CLI binary directly on
// the host via exec.CommandContext.
type Exec struct {
	Command string
	Args    []string

	// Sandbox, if set, is tried first for every turn; a failure to
	// spawn through it (Docker unreachable, workspace alias not
	// sandboxed, etc.) falls back to a direct host exec rather than
	// failing the turn, per §4.6's "Docker absence is not an error".
	Sandbox Spawner

	mu         sync.RWMutex
	soulPrompt string

	registryMu sync.Mutex
	registry   map[string]killer
}

type killer interface {
	Kill() error
}

// NewExec creates a connector that spawns command with args on every
// turn.
func NewExec(command string, args ...string) *Exec {
	return &Exec{Command: command, Args: args, registry: make(map[string]killer)}
}

func (e *Exec) SetSoulPrompt(text string) {
	if len(text) > soulPromptMaxChars {
		text = text[:soulPromptMaxChars]
	}
	e.mu.Lock()
	e.soulPrompt = text
	e.mu.Unlock()
}

func (e *Exec) getSoulPrompt() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.soulPrompt
}

// Cancel kills the in-flight child for runID, if any. Safe to call
// from any goroutine, including concurrently with the turn itself
// completing naturally.
func (e *Exec) Cancel(runID string) bool {
	e.registryMu.Lock()
	k, ok := e.registry[runID]
	e.registryMu.Unlock()
	if !ok {
		return false
	}
	return k.Kill() == nil
}

func (e *Exec) register(runID string, k killer) {
	e.registryMu.Lock()
	e.registry[runID] = k
	e.registryMu.Unlock()
}

func (e *Exec) unregister(runID string) {
	e.registryMu.Lock()
	delete(e.registry, runID)
	e.registryMu.Unlock()
}

type execHandle struct {
	cmd    *exec.Cmd
	stdout io.Reader
}

func (h *execHandle) Stdout() io.Reader { return h.stdout }
func (h *execHandle) Wait() error       { return h.cmd.Wait() }
func (h *execHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

func (e *Exec) spawnHost(ctx context.Context, workspaceDir, prompt string) (Handle, error) {
	cmd := exec.CommandContext(ctx, e.Command, e.Args...)
	if workspaceDir != "" {
		cmd.Dir = workspaceDir
	}
	cmd.Stdin = strings.NewReader(prompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &agentbridge.ConnectorError{Sub: agentbridge.ConnectorSpawnFailed, Err: err}
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		if isCommandNotFound(err, e.Command) {
			return nil, &agentbridge.ConnectorError{Sub: agentbridge.ConnectorCommandNotFound, Err: err}
		}
		return nil, &agentbridge.ConnectorError{Sub: agentbridge.ConnectorSpawnFailed, Err: err}
	}
	return &execHandle{cmd: cmd, stdout: stdout}, nil
}

func (e *Exec) spawn(ctx context.Context, workspaceDir, prompt string) (Handle, error) {
	if e.Sandbox != nil {
		if h, err := e.Sandbox.Spawn(ctx, workspaceDir, strings.NewReader(prompt)); err == nil {
			return h, nil
		}
	}
	return e.spawnHost(ctx, workspaceDir, prompt)
}

// isCommandNotFound reports whether a Start failure means the binary
// itself is missing: a failed PATH lookup (*exec.Error), or a
// not-exist error for a command given by path that LookPath also
// cannot find.
func isCommandNotFound(err error, command string) bool {
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return true
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return false
	}
	_, lookErr := exec.LookPath(command)
	return lookErr != nil
}

// RunTurn spawns the CLI, writes prompt to stdin, waits for exit
// (bounded by timeout), and returns the full stdout. Non-zero exit,
// timeout, and empty output all produce typed errors.
func (e *Exec) RunTurn(ctx context.Context, runID, prompt, workspaceDir string, timeout time.Duration) (string, error) {
	return e.run(ctx, runID, prompt, workspaceDir, timeout, nil)
}

// RunTurnStreaming is RunTurn but forwards each scanned line to
// onProgress as it arrives.
func (e *Exec) RunTurnStreaming(ctx context.Context, runID, prompt, workspaceDir string, timeout time.Duration, onProgress ProgressFunc) (string, error) {
	return e.run(ctx, runID, prompt, workspaceDir, timeout, onProgress)
}

func (e *Exec) run(ctx context.Context, runID, userPrompt, workspaceDir string, timeout time.Duration, onProgress ProgressFunc) (string, error) {
	fullPrompt := e.getSoulPrompt()
	if fullPrompt != "" {
		fullPrompt += "\n\n"
	}
	fullPrompt += userPrompt

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	handle, err := e.spawn(ctx, workspaceDir, fullPrompt)
	if err != nil {
		return "", err
	}
	e.register(runID, handle)
	defer e.unregister(runID)

	var out strings.Builder
	scanner := bufio.NewScanner(handle.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		out.WriteString(line)
		out.WriteByte('\n')
		if onProgress != nil {
			onProgress(line)
		}
	}

	waitErr := handle.Wait()
	text := strings.TrimRight(out.String(), "\n")

	if ctx.Err() == context.DeadlineExceeded {
		return text, &agentbridge.ConnectorError{Sub: agentbridge.ConnectorTimeout, Err: ctx.Err()}
	}
	if ctx.Err() == context.Canceled {
		return text, &agentbridge.ConnectorError{Sub: agentbridge.ConnectorCancelled, Err: ctx.Err()}
	}
	if waitErr != nil {
		return text, &agentbridge.ConnectorError{Sub: agentbridge.ConnectorNonZeroExit, Err: waitErr}
	}
	if text == "" {
		return "", &agentbridge.ConnectorError{Sub: agentbridge.ConnectorEmptyOutput}
	}
	return text, nil
}

// AssembleInputs are the pieces the orchestrator gathers before
// calling a connector, matching §4.6's prompt assembly order.
type AssembleInputs struct {
	SoulPrompt      string // not read by AssemblePrompt; Exec prepends the text set via SetSoulPrompt
	MemorySnippet   string
	ToolsContext    string
	SessionExchanges []agentbridge.Exchange
	Attachments     []agentbridge.Attachment
	WorkspaceMarker string
	Body            string
	MaxContextChars int
}

// AssemblePrompt concatenates the inputs in memory → tools → history →
// attachments → workspace → body order (the soul prompt is not part of
// the result; Exec.run prepends it), trimming oldest session exchanges
// first while the rendered history alone exceeds MaxContextChars.
func AssemblePrompt(in AssembleInputs) string {
	var parts []string
	if in.MemorySnippet != "" {
		parts = append(parts, "Relevant memory:\n"+in.MemorySnippet)
	}
	if in.ToolsContext != "" {
		parts = append(parts, "Tools available:\n"+in.ToolsContext)
	}

	exchanges := in.SessionExchanges
	history := renderHistory(exchanges)
	budget := in.MaxContextChars
	for budget > 0 && len(history) > budget && len(exchanges) > 0 {
		exchanges = exchanges[1:]
		history = renderHistory(exchanges)
	}
	if history != "" {
		parts = append(parts, "Recent conversation:\n"+history)
	}

	if attachments := renderAttachments(in.Attachments); attachments != "" {
		parts = append(parts, "Attached:\n"+attachments)
	}

	if in.WorkspaceMarker != "" {
		parts = append(parts, in.WorkspaceMarker)
	}
	parts = append(parts, in.Body)

	return strings.Join(parts, "\n\n")
}

// renderAttachments summarizes each attachment as name, size, and (for
// types with a text preview) its first bytes, so the connector knows
// an attachment exists without the full content being stored or sent.
func renderAttachments(attachments []agentbridge.Attachment) string {
	if len(attachments) == 0 {
		return ""
	}
	var b strings.Builder
	for _, a := range attachments {
		fmt.Fprintf(&b, "- %s (%d bytes, %s)", a.Name, a.SizeBytes, a.ContentType)
		if a.FirstBytes != "" {
			fmt.Fprintf(&b, ": %s", a.FirstBytes)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderHistory(exchanges []agentbridge.Exchange) string {
	if len(exchanges) == 0 {
		return ""
	}
	var b strings.Builder
	for _, ex := range exchanges {
		fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", ex.Input, ex.Reply)
	}
	return strings.TrimRight(b.String(), "\n")
}
