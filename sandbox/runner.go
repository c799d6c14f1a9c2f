package sandbox

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/kbpersonal/agentbridge/connector"
)

// Runner satisfies connector.Spawner, running the connector's CLI
// command inside the workspace alias's sandbox container instead of
// directly on the host. It is the §4.6 expansion: the connector falls
// back to exec.CommandContext transparently when this is nil or the
// manager reports IsAvailable()==false.
type Runner struct {
	Manager  *Manager
	Registry *WorkspaceRegistry // optional; Touch'd on every Spawn
	Command  string
	Args     []string
}

// NewRunner builds a sandboxed spawner for command/args, scoped to
// whichever workspace alias the caller targets at Spawn time.
func NewRunner(mgr *Manager, command string, args ...string) *Runner {
	return &Runner{Manager: mgr, Command: command, Args: args}
}

// Spawn starts (or reuses) the alias's container, then execs the
// connector command inside it, attaching stdin/stdout.
// workspaceDir here is interpreted as the workspace alias name — the
// sandbox manages its own bind-mounted directory layout, distinct from
// the host path the Exec connector would use directly.
func (r *Runner) Spawn(ctx context.Context, alias string, stdin io.Reader) (connector.Handle, error) {
	if r.Manager == nil || !r.Manager.IsAvailable() {
		return nil, fmt.Errorf("sandbox: unavailable")
	}
	containerID, err := r.Manager.StartWorkspace(ctx, WorkspaceConfig{Alias: alias})
	if err != nil {
		return nil, err
	}
	if r.Registry != nil {
		_ = r.Registry.Touch(alias)
	}

	cmd := append([]string{r.Command}, r.Args...)
	execResp, err := r.Manager.client.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   "/workspace",
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: exec create: %w", err)
	}

	attach, err := r.Manager.client.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("sandbox: exec attach: %w", err)
	}

	if stdin != nil {
		go func() {
			io.Copy(attach.Conn, stdin)
			attach.CloseWrite()
		}()
	}

	return &execHandle{
		manager: r.Manager,
		execID:  execResp.ID,
		reader:  attach.Reader,
		closer:  attach.Close,
	}, nil
}

type execHandle struct {
	manager *Manager
	execID  string
	reader  io.Reader
	closer  func()
}

func (h *execHandle) Stdout() io.Reader { return h.reader }

func (h *execHandle) Wait() error {
	ctx := context.Background()
	for {
		inspect, err := h.manager.client.ContainerExecInspect(ctx, h.execID)
		if err != nil {
			return err
		}
		if !inspect.Running {
			if inspect.ExitCode != 0 {
				return fmt.Errorf("sandbox: exec exited %d", inspect.ExitCode)
			}
			return nil
		}
	}
}

func (h *execHandle) Kill() error {
	h.closer()
	return nil
}
