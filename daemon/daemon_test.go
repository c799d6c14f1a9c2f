package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var errBoom = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	return &Daemon{lockPath: filepath.Join(t.TempDir(), "agentbridge.lock")}
}

func TestAcquireLockWritesPIDAndHeartbeat(t *testing.T) {
	d := newTestDaemon(t)
	if err := d.acquireLock(); err != nil {
		t.Fatalf("acquireLock: %v", err)
	}
	defer d.releaseLock()

	data, err := os.ReadFile(d.lockPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected lock file to contain pid+heartbeat")
	}
}

func TestAcquireLockRejectsSecondHolder(t *testing.T) {
	d1 := newTestDaemon(t)
	if err := d1.acquireLock(); err != nil {
		t.Fatalf("acquireLock: %v", err)
	}
	defer d1.releaseLock()

	d2 := &Daemon{lockPath: d1.lockPath}
	if err := d2.acquireLock(); err == nil {
		t.Fatalf("expected second acquireLock to fail while the first is alive")
	}
}

func TestAcquireLockReclaimsStaleLock(t *testing.T) {
	d := newTestDaemon(t)
	if err := os.WriteFile(d.lockPath, []byte("999999\n1\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := d.acquireLock(); err != nil {
		t.Fatalf("expected stale lock (old heartbeat, implausible pid) to be reclaimed: %v", err)
	}
	d.releaseLock()
}

func TestReleaseLockRemovesFile(t *testing.T) {
	d := newTestDaemon(t)
	if err := d.acquireLock(); err != nil {
		t.Fatalf("acquireLock: %v", err)
	}
	d.releaseLock()
	if _, err := os.Stat(d.lockPath); !os.IsNotExist(err) {
		t.Fatalf("expected lock file removed after release")
	}
}

func TestSuperviseStopsOnContextCancel(t *testing.T) {
	d := &Daemon{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		d.supervise(ctx, "test", func(ctx context.Context) error {
			return nil // returns cleanly; supervise must not loop forever restarting it
		})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("supervise did not return")
	}
}

func TestSuperviseRestartsOnError(t *testing.T) {
	d := &Daemon{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	done := make(chan struct{})
	go func() {
		d.supervise(ctx, "test", func(ctx context.Context) error {
			calls++
			if calls >= 2 {
				cancel()
			}
			return errBoom
		})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("supervise did not return after cancellation")
	}
	if calls < 2 {
		t.Fatalf("expected at least 2 calls before cancellation, got %d", calls)
	}
}
