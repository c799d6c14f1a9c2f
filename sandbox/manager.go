// Package sandbox provides Docker-backed isolated execution of one
// connector turn, scoped to a workspace alias's directory. Docker
// absence is never an error here: the connector logs a warning once
// and falls back to running the CLI directly on the host.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	DefaultNetworkName = "agentbridge-network"
	LabelWorkspace     = "agentbridge.workspace"
	LabelManagedBy     = "agentbridge.managed-by"
	DefaultImage        = "node:20-slim"
	containerPrefix     = "agentbridge-sandbox-"
)

// Manager owns the lifecycle of one long-lived container per workspace
// alias, bind-mounting that workspace's directory read-write with
// networking disabled by default.
type Manager struct {
	client      *client.Client
	baseDir     string
	networkName string
	defaultImg  string
	networkMode string // "none" unless NetworkEnabled is set on a WorkspaceConfig
	mu          sync.RWMutex
	available   bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

func WithNetworkName(name string) ManagerOption {
	return func(m *Manager) { m.networkName = name }
}

func WithDefaultImage(img string) ManagerOption {
	return func(m *Manager) { m.defaultImg = img }
}

// NewManager probes for a reachable Docker daemon. If none is found,
// it returns a Manager with available=false rather than an error —
// sandboxing is an optional enhancement, never a startup requirement.
func NewManager(baseDir string, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		baseDir:     baseDir,
		networkName: DefaultNetworkName,
		defaultImg:  DefaultImage,
	}
	for _, opt := range opts {
		opt(m)
	}

	cli, err := createDockerClient()
	if err != nil {
		return m, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return m, nil
	}

	m.client = cli
	m.available = true
	if err := m.ensureNetwork(context.Background()); err != nil {
		return nil, fmt.Errorf("sandbox: create network: %w", err)
	}
	return m, nil
}

func createDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := cli.Ping(ctx); err == nil {
			return cli, nil
		}
		cli.Close()
	}

	socketPaths := []string{
		"unix://" + os.Getenv("HOME") + "/.docker/run/docker.sock",
		"unix:///var/run/docker.sock",
		"unix://" + os.Getenv("HOME") + "/.colima/docker.sock",
	}
	for _, socketPath := range socketPaths {
		cli, err := client.NewClientWithOpts(client.WithHost(socketPath), client.WithAPIVersionNegotiation())
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err = cli.Ping(ctx)
		cancel()
		if err == nil {
			return cli, nil
		}
		cli.Close()
	}
	return nil, fmt.Errorf("sandbox: could not connect to Docker daemon")
}

// IsAvailable reports whether a Docker daemon was reachable at
// construction time.
func (m *Manager) IsAvailable() bool {
	return m.available
}

func (m *Manager) ensureNetwork(ctx context.Context) error {
	if !m.available {
		return nil
	}
	networks, err := m.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", m.networkName)),
	})
	if err != nil {
		return err
	}
	if len(networks) > 0 {
		return nil
	}
	_, err = m.client.NetworkCreate(ctx, m.networkName, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{LabelManagedBy: "agentbridge"},
	})
	return err
}

// WorkspaceConfig configures the sandbox container for one workspace
// alias.
type WorkspaceConfig struct {
	Alias           string
	Image           string
	Env             []string
	NetworkEnabled  bool // default false: the sandbox has no network access
}

func containerName(alias string) string { return containerPrefix + alias }

// StartWorkspace starts (or reuses) the container for alias, bind
// mounting its workspace directory at /workspace.
func (m *Manager) StartWorkspace(ctx context.Context, cfg WorkspaceConfig) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.available {
		return "", fmt.Errorf("sandbox: docker not available")
	}
	name := containerName(cfg.Alias)

	if existing, err := m.getContainer(ctx, name); err == nil && existing != "" {
		inspect, err := m.client.ContainerInspect(ctx, existing)
		if err == nil {
			if inspect.State.Running {
				return existing, nil
			}
			if err := m.client.ContainerStart(ctx, existing, container.StartOptions{}); err != nil {
				return "", fmt.Errorf("sandbox: start existing container: %w", err)
			}
			return existing, nil
		}
	}

	img := cfg.Image
	if img == "" {
		img = m.defaultImg
	}
	if err := m.ensureImage(ctx, img); err != nil {
		return "", fmt.Errorf("sandbox: pull image: %w", err)
	}

	workspacePath := filepath.Join(m.baseDir, cfg.Alias)
	absPath, err := filepath.Abs(workspacePath)
	if err != nil {
		return "", fmt.Errorf("sandbox: resolve workspace path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0o755); err != nil {
		return "", fmt.Errorf("sandbox: create workspace directory: %w", err)
	}

	netMode := container.NetworkMode("none")
	if cfg.NetworkEnabled {
		netMode = container.NetworkMode(m.networkName)
	}

	containerCfg := &container.Config{
		Image:      img,
		WorkingDir: "/workspace",
		Env:        cfg.Env,
		Labels: map[string]string{
			LabelWorkspace: cfg.Alias,
			LabelManagedBy: "agentbridge",
		},
		Tty:       true,
		OpenStdin: true,
		Cmd:       []string{"tail", "-f", "/dev/null"},
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: absPath, Target: "/workspace"},
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		NetworkMode:   netMode,
	}

	resp, err := m.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("sandbox: create container: %w", err)
	}
	if err := m.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("sandbox: start container: %w", err)
	}
	return resp.ID, nil
}

// StopWorkspace stops the container for alias, if running.
func (m *Manager) StopWorkspace(ctx context.Context, alias string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.available {
		return fmt.Errorf("sandbox: docker not available")
	}
	id, err := m.getContainer(ctx, containerName(alias))
	if err != nil {
		return err
	}
	timeout := 10
	return m.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
}

// RemoveWorkspace stops and removes the container for alias.
func (m *Manager) RemoveWorkspace(ctx context.Context, alias string) error {
	if !m.available {
		return fmt.Errorf("sandbox: docker not available")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, err := m.getContainer(ctx, containerName(alias))
	if err != nil {
		return nil
	}
	timeout := 5
	_ = m.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	return m.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

// WorkspaceStatus reports a workspace container's live state.
type WorkspaceStatus struct {
	ContainerID string
	Running     bool
	Image       string
	Created     time.Time
}

func (m *Manager) GetWorkspaceStatus(ctx context.Context, alias string) (*WorkspaceStatus, error) {
	if !m.available {
		return &WorkspaceStatus{Running: false}, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, err := m.getContainer(ctx, containerName(alias))
	if err != nil {
		return &WorkspaceStatus{Running: false}, nil
	}
	inspect, err := m.client.ContainerInspect(ctx, id)
	if err != nil {
		return &WorkspaceStatus{Running: false}, nil
	}
	created, _ := time.Parse(time.RFC3339Nano, inspect.Created)
	return &WorkspaceStatus{ContainerID: id[:12], Running: inspect.State.Running, Image: inspect.Config.Image, Created: created}, nil
}

// ListWorkspaceContainers returns every agentbridge-managed workspace alias.
func (m *Manager) ListWorkspaceContainers(ctx context.Context) ([]string, error) {
	if !m.available {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	containers, err := m.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManagedBy+"=agentbridge")),
	})
	if err != nil {
		return nil, err
	}
	var aliases []string
	for _, c := range containers {
		if alias, ok := c.Labels[LabelWorkspace]; ok {
			aliases = append(aliases, alias)
		}
	}
	return aliases, nil
}

func (m *Manager) getContainer(ctx context.Context, name string) (string, error) {
	containers, err := m.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return "", err
	}
	for _, c := range containers {
		for _, n := range c.Names {
			if n == "/"+name {
				return c.ID, nil
			}
		}
	}
	return "", fmt.Errorf("sandbox: container not found: %s", name)
}

func (m *Manager) ensureImage(ctx context.Context, imageName string) error {
	if _, _, err := m.client.ImageInspectWithRaw(ctx, imageName); err == nil {
		return nil
	}
	reader, err := m.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// GetLogs returns recent combined stdout/stderr logs for alias's container.
func (m *Manager) GetLogs(ctx context.Context, alias string, tail int) (string, error) {
	if !m.available {
		return "", fmt.Errorf("sandbox: docker not available")
	}
	m.mu.RLock()
	id, err := m.getContainer(ctx, containerName(alias))
	m.mu.RUnlock()
	if err != nil {
		return "", err
	}
	reader, err := m.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true, ShowStderr: true, Tail: fmt.Sprintf("%d", tail),
	})
	if err != nil {
		return "", err
	}
	defer reader.Close()
	var out strings.Builder
	if _, err := stdcopy.StdCopy(&out, &out, reader); err != nil && err != io.EOF {
		return "", err
	}
	return out.String(), nil
}

// Close closes the Docker client.
func (m *Manager) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}
