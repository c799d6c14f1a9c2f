// Package daemon wires every component — store, ingress readers,
// egress writers, connector, orchestrator, companion loop, follow-up
// scheduler, ambient scanner, and the admin HTTP server — into one
// supervised process, and owns the single-instance lock and the
// graceful-shutdown signal handling (signal.NotifyContext plus a
// bounded-timeout graceful Shutdown), with its own on-disk home
// directory conventions.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kbpersonal/agentbridge"
	"github.com/kbpersonal/agentbridge/ambient"
	"github.com/kbpersonal/agentbridge/approval"
	"github.com/kbpersonal/agentbridge/companion"
	"github.com/kbpersonal/agentbridge/config"
	"github.com/kbpersonal/agentbridge/connector"
	"github.com/kbpersonal/agentbridge/egress"
	"github.com/kbpersonal/agentbridge/followup"
	"github.com/kbpersonal/agentbridge/httpapi"
	"github.com/kbpersonal/agentbridge/ingress"
	"github.com/kbpersonal/agentbridge/memory"
	"github.com/kbpersonal/agentbridge/orchestrator"
	"github.com/kbpersonal/agentbridge/sandbox"
	"github.com/kbpersonal/agentbridge/scripting"
	"github.com/kbpersonal/agentbridge/store"
)

// HeartbeatInterval is how often the lock file's PID line is
// rewritten while the daemon is running, so a reclaiming process can
// tell a live holder apart from a crashed one.
const HeartbeatInterval = 30 * time.Second

// ErrAlreadyRunning is returned by Run when another instance holds
// the single-instance lock and its heartbeat is still fresh.
var ErrAlreadyRunning = errors.New("daemon: another instance is already running")

// Daemon holds every wired component. Fields are exported; `agentbridge
// admin` does not build a Daemon, it opens the store and the admin HTTP
// server on its own.
type Daemon struct {
	Config       config.Config
	Store        store.Store
	Orchestrator *orchestrator.Orchestrator
	Companion    *companion.Loop
	FollowUp     *followup.Scheduler
	Ambient      *ambient.Scanner
	HTTP         *httpapi.Server

	// SandboxManager and WorkspaceRegistry are non-nil only when
	// Config.SandboxEnabled and a Docker daemon was reachable at
	// startup; workspaceCleanupLoop is not started otherwise.
	SandboxManager    *sandbox.Manager
	WorkspaceRegistry *sandbox.WorkspaceRegistry

	readers map[agentbridge.Channel]ingress.Reader
	tasks   *ingress.HTTPQueue

	lockPath string
	lockFile *os.File
}

// New builds every component from cfg but does not start anything.
func New(cfg config.Config) (*Daemon, error) {
	if err := agentbridge.EnsureHome(); err != nil {
		return nil, fmt.Errorf("ensure home: %w", err)
	}

	st, err := store.Open(context.Background(), agentbridge.DefaultDBPath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	d := &Daemon{
		Config:   cfg,
		Store:    st,
		readers:  make(map[agentbridge.Channel]ingress.Reader),
		lockPath: agentbridge.DefaultLockPath(),
	}

	runner := scripting.Osascript{Timeout: cfg.ScriptingTimeout.Duration}
	cache := egress.NewFingerprintCache(5 * time.Minute)
	writers := d.buildWriters(runner, cache)

	d.tasks = ingress.NewHTTPQueue()
	d.readers[agentbridge.ChannelHTTP] = d.tasks
	if err := d.buildReaders(runner); err != nil {
		st.Close()
		return nil, err
	}

	conn, err := d.buildConnector(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	connectors := map[string]connector.Connector{cfg.OrchestratorConfig().DefaultConnector: conn}

	approvals := approval.NewManager(st, cfg.ApprovalTTLOrDefault())
	mem := memory.NewInMemory()

	d.Orchestrator = orchestrator.New(st, approvals, connectors, writers, mem, cfg.PolicyConfig(), cfg.OrchestratorConfig())
	d.FollowUp = followup.NewScheduler(st, d.Orchestrator, cfg.FollowUpInterval.Duration)
	d.Ambient = ambient.NewScanner(mem, ambient.Config{TickInterval: cfg.AmbientTickInterval.Duration, MaxSummaryChars: cfg.AmbientMaxSummary})
	d.Ambient.Notes = d.readers[agentbridge.ChannelNotes]
	d.Ambient.Calendar = d.readers[agentbridge.ChannelCalendar]
	d.Ambient.Mail = d.readers[agentbridge.ChannelMail]

	if chatWriter, ok := writers[agentbridge.ChannelChat]; ok {
		d.Companion = companion.NewLoop(st, conn, chatWriter, cfg.Owner(), cfg.CompanionConfig())
		d.Companion.Calendar = d.readers[agentbridge.ChannelCalendar]
		d.Companion.Reminders = d.readers[agentbridge.ChannelReminders]
		d.Companion.Mail = d.readers[agentbridge.ChannelMail]
	}

	d.HTTP = httpapi.NewServer(st, d.tasks, httpapi.Config{Addr: cfg.AdminAddr, Token: cfg.AdminToken})

	return d, nil
}

func (d *Daemon) buildWriters(runner scripting.Runner, cache *egress.FingerprintCache) map[agentbridge.Channel]egress.Writer {
	writers := make(map[agentbridge.Channel]egress.Writer)
	if d.Config.ChannelEnabled(agentbridge.ChannelChat) {
		writers[agentbridge.ChannelChat] = egress.NewChatWriter(runner, cache)
	}
	if d.Config.ChannelEnabled(agentbridge.ChannelMail) {
		writers[agentbridge.ChannelMail] = egress.NewMailWriter(runner, cache, d.Config.MailFrom)
	}
	if d.Config.ChannelEnabled(agentbridge.ChannelReminders) {
		writers[agentbridge.ChannelReminders] = egress.NewRemindersWriter(runner, cache, d.Config.RemindersList)
	}
	if d.Config.ChannelEnabled(agentbridge.ChannelNotes) {
		writers[agentbridge.ChannelNotes] = egress.NewNotesWriter(runner, cache, d.Config.NotesFolder)
	}
	if d.Config.ChannelEnabled(agentbridge.ChannelCalendar) {
		writers[agentbridge.ChannelCalendar] = egress.NewCalendarWriter(runner, cache, d.Config.CalendarName)
	}
	return writers
}

func (d *Daemon) buildReaders(runner scripting.Runner) error {
	cfg := d.Config
	if cfg.ChannelEnabled(agentbridge.ChannelChat) && cfg.ChatDBPath != "" {
		allowed := cfg.PolicyConfig().AllowedSenders
		r, err := ingress.OpenChatReader(cfg.ChatDBPath, d.Store, allowed, cfg.ChatSelfHandle)
		if err != nil {
			return fmt.Errorf("open chat reader: %w", err)
		}
		d.readers[agentbridge.ChannelChat] = r
	}
	if cfg.ChannelEnabled(agentbridge.ChannelMail) {
		d.readers[agentbridge.ChannelMail] = ingress.NewMailReader(runner, cfg.MailMaxAge.Duration)
	}
	if cfg.ChannelEnabled(agentbridge.ChannelReminders) {
		d.readers[agentbridge.ChannelReminders] = ingress.NewRemindersReader(runner, cfg.RemindersList, cfg.RemindersArchive)
	}
	if cfg.ChannelEnabled(agentbridge.ChannelNotes) {
		d.readers[agentbridge.ChannelNotes] = ingress.NewNotesReader(runner, cfg.NotesFolder, cfg.TriggerTag)
	}
	if cfg.ChannelEnabled(agentbridge.ChannelCalendar) {
		d.readers[agentbridge.ChannelCalendar] = ingress.NewCalendarReader(runner, cfg.CalendarName, cfg.CalendarLookahead.Duration)
	}
	return nil
}

func (d *Daemon) buildConnector(cfg config.Config) (connector.Connector, error) {
	exec := connector.NewExec(cfg.ConnectorCommand, cfg.ConnectorArgs...)
	if cfg.SandboxEnabled {
		mgr, err := sandbox.NewManager(agentbridge.WorkspacesPath())
		if err != nil {
			slog.Warn("sandbox manager unavailable, connector will run on host", "error", err)
			return exec, nil
		}
		if !mgr.IsAvailable() {
			slog.Warn("docker not reachable, connector will run on host")
			return exec, nil
		}
		registry, err := sandbox.NewWorkspaceRegistry(agentbridge.WorkspacesPath())
		if err != nil {
			slog.Warn("workspace registry unavailable, stale workspaces will not be archived", "error", err)
		} else {
			d.WorkspaceRegistry = registry
		}
		d.SandboxManager = mgr
		runner := sandbox.NewRunner(mgr, cfg.ConnectorCommand, cfg.ConnectorArgs...)
		runner.Registry = registry
		exec.Sandbox = runner
	}
	return exec, nil
}

// workspaceCleanupInterval is how often Run checks for workspace
// aliases untouched past sandbox.StaleWorkspaceAge. A day is frequent
// enough to keep the sandbox host from accumulating abandoned
// containers and directories without adding meaningful daemon load.
const workspaceCleanupInterval = 24 * time.Hour

func (d *Daemon) workspaceCleanupLoop(ctx context.Context) error {
	if d.WorkspaceRegistry == nil {
		return nil
	}
	ticker := time.NewTicker(workspaceCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			archived, err := d.WorkspaceRegistry.ArchiveStale(ctx, d.SandboxManager, sandbox.StaleWorkspaceAge)
			if err != nil {
				slog.Warn("workspace cleanup failed", "error", err)
				continue
			}
			if len(archived) > 0 {
				slog.Info("archived stale workspaces", "aliases", archived)
			}
		}
	}
}

// Run acquires the single-instance lock, starts every loop, and
// blocks until ctx is cancelled — the caller is expected to derive ctx
// from signal.NotifyContext(os.Interrupt, syscall.SIGTERM).
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.acquireLock(); err != nil {
		return err
	}
	defer d.releaseLock()
	if err := d.Store.KVPut("daemon:started_at", time.Now().UTC().Format(time.RFC3339)); err != nil {
		slog.Warn("record start time failed", "error", err)
	}

	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	var wg sync.WaitGroup
	runLoop := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.supervise(ctx, name, fn)
		}()
	}

	for channel, reader := range d.readers {
		channel, reader := channel, reader
		runLoop("ingress:"+string(channel), func(ctx context.Context) error {
			return d.pollLoop(ctx, channel, reader)
		})
	}
	if d.Companion != nil {
		runLoop("companion", d.Companion.Run)
	}
	runLoop("followup", d.FollowUp.Run)
	runLoop("ambient", d.Ambient.Run)
	runLoop("admin-http", d.HTTP.Run)
	runLoop("approval-expiry", func(ctx context.Context) error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := d.Orchestrator.Approvals.SweepExpired(); err != nil {
					slog.Warn("approval expiry sweep failed", "error", err)
				}
			}
		}
	})
	if d.WorkspaceRegistry != nil {
		runLoop("workspace-cleanup", d.workspaceCleanupLoop)
	}

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return d.Store.Close()
		case <-heartbeat.C:
			d.writeHeartbeat()
		}
	}
}

// supervise restarts fn with exponential backoff (capped at 30s) if it
// returns a non-context-cancellation error, letting a single failing
// goroutine log and retry rather than taking the whole process down.
func (d *Daemon) supervise(ctx context.Context, name string, fn func(context.Context) error) {
	backoff := time.Second
	for {
		err := fn(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			return
		}
		slog.Error("loop exited, restarting", "loop", name, "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

const ingressPollInterval = 10 * time.Second

// pollLoop polls one reader on a fixed interval, dispatches each item
// through the orchestrator, and marks only the items that were
// successfully accepted as processed — satisfying the
// all-or-nothing-per-item guarantee named in spec §4.4 even when
// Dispatch fails partway through a batch.
func (d *Daemon) pollLoop(ctx context.Context, channel agentbridge.Channel, reader ingress.Reader) error {
	ticker := time.NewTicker(ingressPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			items, err := reader.Poll(ctx)
			if err != nil {
				slog.Warn("ingress poll failed", "channel", channel, "error", err)
				continue
			}
			var confirmed []string
			for _, msg := range items {
				if err := d.Orchestrator.Dispatch(ctx, msg); err != nil {
					slog.Warn("dispatch failed", "channel", channel, "id", msg.ID, "error", err)
					continue
				}
				confirmed = append(confirmed, msg.ID)
			}
			if len(confirmed) > 0 {
				if err := reader.MarkProcessed(ctx, confirmed); err != nil {
					slog.Warn("mark processed failed", "channel", channel, "error", err)
				}
			}
		}
	}
}

func (d *Daemon) acquireLock() error {
	if pid, alive := d.readLockPID(); alive {
		return fmt.Errorf("%w (pid %d, lock %s)", ErrAlreadyRunning, pid, d.lockPath)
	}
	f, err := os.OpenFile(d.lockPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("daemon: create lock file: %w", err)
	}
	d.lockFile = f
	d.writeHeartbeat()
	return nil
}

func (d *Daemon) releaseLock() {
	if d.lockFile == nil {
		return
	}
	d.lockFile.Close()
	os.Remove(d.lockPath)
}

func (d *Daemon) writeHeartbeat() {
	if d.lockFile == nil {
		return
	}
	d.lockFile.Truncate(0)
	d.lockFile.Seek(0, 0)
	fmt.Fprintf(d.lockFile, "%d\n%d\n", os.Getpid(), time.Now().Unix())
}

// readLockPID reports the PID recorded in an existing lock file and
// whether that process still appears to be alive. A stale lock (no
// such process, or a heartbeat older than 3x HeartbeatInterval) is
// reported as not alive so the next startup can reclaim it.
func (d *Daemon) readLockPID() (int, bool) {
	data, err := os.ReadFile(d.lockPath)
	if err != nil {
		return 0, false
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) == 0 {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || pid <= 0 {
		return 0, false
	}
	if len(lines) >= 2 {
		if beat, err := strconv.ParseInt(strings.TrimSpace(lines[1]), 10, 64); err == nil {
			if time.Since(time.Unix(beat, 0)) > 3*HeartbeatInterval {
				return pid, false
			}
		}
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	// On Unix, FindProcess always succeeds; signal 0 probes liveness
	// without affecting the process, matching a standard PID-file check.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return pid, false
	}
	return pid, true
}
