package ycmd

import (
	"context"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

// registerReadyServer wires a fabricated ready server into a manager's
// registry, bypassing process startup.
func registerReadyServer(t *testing.T, m *Manager, root string, srv *Server) *Supervisor {
	t.Helper()

	sup := NewSupervisor(srv.config, root, DefaultSupervisorConfig(), nil)
	sup.server = srv
	sup.state.Store(int32(SupervisorStateRunning))

	m.mu.Lock()
	m.supervisors[root] = sup
	m.publishLocked()
	m.mu.Unlock()
	return sup
}

func TestManagerEnsureRunningInvalidConfig(t *testing.T) {
	m := NewManager()

	_, err := m.EnsureRunning(context.Background(), "/p", StartupConfig{})
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}

	// Nothing may be registered after a validation failure.
	if len(m.Handles()) != 0 {
		t.Errorf("expected no registered servers, got %d", len(m.Handles()))
	}
	if _, ok := m.SupervisorFor("/p"); ok {
		t.Error("expected no supervisor for the root")
	}
}

func TestManagerEnsureRunningAfterShutdown(t *testing.T) {
	m := NewManager()
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := m.EnsureRunning(context.Background(), "/p", StartupConfig{RootDirectory: "/opt/ycmd"})
	if !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestManagerEnsureRunningReusesHealthyServer(t *testing.T) {
	root := writeFakeInstall(t, minimalTemplate)
	m := NewManager()

	srv := newReadyServer(t, "/p", func(w http.ResponseWriter, r *http.Request, body []byte) {
		writeSigned(w, http.StatusOK, nil)
	})
	registerReadyServer(t, m, "/p", srv)

	handle, err := m.EnsureRunning(context.Background(), "/p", StartupConfig{RootDirectory: root})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handle.Pid != srv.Pid() {
		t.Errorf("expected existing server's pid %d, got %d", srv.Pid(), handle.Pid)
	}
	if handle.Status != ServerStatusReady {
		t.Errorf("expected Ready status, got %v", handle.Status)
	}
}

func TestManagerServerFor(t *testing.T) {
	m := NewManager()

	_, err := m.ServerFor("/unknown")
	if !errors.Is(err, ErrServerUnavailable) {
		t.Fatalf("expected ErrServerUnavailable, got %v", err)
	}

	var serverErr *ServerError
	if !errors.As(err, &serverErr) {
		t.Fatalf("expected ServerError, got %v", err)
	}
	if serverErr.ProjectRoot != "/unknown" {
		t.Errorf("unexpected project root %q", serverErr.ProjectRoot)
	}

	srv := newReadyServer(t, "/p", func(w http.ResponseWriter, r *http.Request, body []byte) {
		writeSigned(w, http.StatusOK, nil)
	})
	registerReadyServer(t, m, "/p", srv)

	got, err := m.ServerFor("/p")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != srv {
		t.Error("expected the registered server")
	}
}

func TestManagerServerFor_DeadServer(t *testing.T) {
	m := NewManager()

	srv := newReadyServer(t, "/p", func(w http.ResponseWriter, r *http.Request, body []byte) {
		writeSigned(w, http.StatusOK, nil)
	})
	registerReadyServer(t, m, "/p", srv)

	// Simulate an externally observed death.
	srv.status.Store(int32(ServerStatusStopped))

	if _, err := m.ServerFor("/p"); !errors.Is(err, ErrServerUnavailable) {
		t.Errorf("expected ErrServerUnavailable for a dead server, got %v", err)
	}
}

func TestManagerStopUnknownRoot(t *testing.T) {
	m := NewManager()
	if err := m.Stop(context.Background(), "/unknown"); err != nil {
		t.Errorf("stopping an unknown root should be a no-op, got %v", err)
	}
}

func TestManagerHandles(t *testing.T) {
	m := NewManager()
	if got := m.Handles(); len(got) != 0 {
		t.Fatalf("expected no handles, got %d", len(got))
	}

	srv := newReadyServer(t, "/p", func(w http.ResponseWriter, r *http.Request, body []byte) {
		writeSigned(w, http.StatusOK, nil)
	})
	registerReadyServer(t, m, "/p", srv)

	handles := m.Handles()
	if len(handles) != 1 {
		t.Fatalf("expected 1 handle, got %d", len(handles))
	}
	if handles[0].ProjectRoot != "/p" {
		t.Errorf("unexpected handle root %q", handles[0].ProjectRoot)
	}
}

func TestManagerSupervisorFor(t *testing.T) {
	m := NewManager()

	if _, ok := m.SupervisorFor("/p"); ok {
		t.Error("expected no supervisor before registration")
	}

	srv := newReadyServer(t, "/p", func(w http.ResponseWriter, r *http.Request, body []byte) {
		writeSigned(w, http.StatusOK, nil)
	})
	sup := registerReadyServer(t, m, "/p", srv)

	got, ok := m.SupervisorFor("/p")
	if !ok || got != sup {
		t.Error("expected the registered supervisor")
	}
}

func TestManagerFailedStartReleasesSupervisor(t *testing.T) {
	root := writeFakeInstall(t, minimalTemplate)
	project := t.TempDir()
	config := StartupConfig{
		RootDirectory:    root,
		PythonBinaryPath: "/bin/false",
		StartupTimeout:   5 * time.Second,
	}

	m := NewManager(WithSupervisorCallback(func(SupervisorEvent) {}))

	before := runtime.NumGoroutine()
	for i := 0; i < 5; i++ {
		if _, err := m.EnsureRunning(context.Background(), project, config); !errors.Is(err, ErrServerStart) {
			t.Fatalf("expected ErrServerStart, got %v", err)
		}
	}

	// Every failed startup must tear its supervisor down again; an event
	// forwarder left reading a never-closed channel shows up here.
	deadline := time.Now().Add(5 * time.Second)
	for runtime.NumGoroutine() > before {
		if time.Now().After(deadline) {
			t.Fatalf("goroutines did not settle: before=%d now=%d", before, runtime.NumGoroutine())
		}
		time.Sleep(20 * time.Millisecond)
	}

	if len(m.Handles()) != 0 {
		t.Errorf("expected no registered servers, got %d", len(m.Handles()))
	}
}

func TestManagerReplacingFailedSupervisorClosesEvents(t *testing.T) {
	root := writeFakeInstall(t, minimalTemplate)
	config := StartupConfig{
		RootDirectory:    root,
		PythonBinaryPath: "/bin/false",
		StartupTimeout:   5 * time.Second,
	}

	m := NewManager()
	sup := NewSupervisor(config, "/p", DefaultSupervisorConfig(), nil)
	sup.state.Store(int32(SupervisorStateFailed))
	m.mu.Lock()
	m.supervisors["/p"] = sup
	m.publishLocked()
	m.mu.Unlock()

	// The stale supervisor is evicted before the new startup attempt.
	if _, err := m.EnsureRunning(context.Background(), "/p", config); !errors.Is(err, ErrServerStart) {
		t.Fatalf("expected ErrServerStart, got %v", err)
	}

	if sup.State() != SupervisorStateStopped {
		t.Errorf("expected the evicted supervisor to be stopped, got %v", sup.State())
	}
	select {
	case _, ok := <-sup.Events():
		if ok {
			t.Error("expected the event channel to be closed, got an event")
		}
	default:
		t.Error("expected the evicted supervisor's event channel to be closed")
	}
}

// stubServerScript is a runnable stand-in for the real module directory.
// It answers every request with an empty 200, which satisfies both the
// readiness probe and response verification (empty bodies carry no
// signature), and exits after POST /shutdown.
const stubServerScript = `import re
import sys
import threading
from http.server import BaseHTTPRequestHandler, HTTPServer

port = 0
for arg in sys.argv[1:]:
    m = re.match(r"--port=(\d+)$", arg)
    if m:
        port = int(m.group(1))

class Handler(BaseHTTPRequestHandler):
    def _ok(self):
        self.send_response(200)
        self.send_header("Content-Length", "0")
        self.end_headers()

    def do_GET(self):
        self._ok()

    def do_POST(self):
        self.rfile.read(int(self.headers.get("Content-Length", 0)))
        self._ok()
        if self.path == "/shutdown":
            threading.Thread(target=httpd.shutdown).start()

    def log_message(self, fmt, *args):
        pass

httpd = HTTPServer(("127.0.0.1", port), Handler)
httpd.serve_forever()
`

// writeServableInstall lays out a fake checkout whose module directory
// actually runs under python3, so full startup, crash, and shutdown
// paths can be exercised without a real install.
func writeServableInstall(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	root := writeFakeInstall(t, minimalTemplate)
	if err := os.WriteFile(filepath.Join(root, "ycmd", "__main__.py"), []byte(stubServerScript), 0o644); err != nil {
		t.Fatalf("write stub module: %v", err)
	}
	return root
}

func TestManagerRestartReplacesServer(t *testing.T) {
	root := writeServableInstall(t)
	project := t.TempDir()
	config := StartupConfig{RootDirectory: root, StartupTimeout: 15 * time.Second}

	m := NewManager()
	defer func() { _ = m.Shutdown(context.Background()) }()

	first, err := m.EnsureRunning(context.Background(), project, config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := m.Restart(context.Background(), project, config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Status != ServerStatusReady {
		t.Errorf("expected Ready after restart, got %v", second.Status)
	}
	if second.Pid == first.Pid {
		t.Errorf("restart kept pid %d", first.Pid)
	}
	if second.Port == first.Port {
		t.Errorf("restart kept port %d", first.Port)
	}

	handles := m.Handles()
	if len(handles) != 1 || handles[0].Pid != second.Pid {
		t.Error("expected only the replacement server to be registered")
	}
}

func TestManagerRecoversExternallyKilledServer(t *testing.T) {
	root := writeServableInstall(t)
	project := t.TempDir()
	config := StartupConfig{RootDirectory: root, StartupTimeout: 15 * time.Second}

	// A wide backoff keeps the server down long enough to observe the
	// unavailable window deterministically.
	m := NewManager(WithSupervisorConfig(SupervisorConfig{
		MaxRestarts:       5,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		ResetWindow:       5 * time.Minute,
	}))
	defer func() { _ = m.Shutdown(context.Background()) }()

	first, err := m.EnsureRunning(context.Background(), project, config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := syscall.Kill(first.Pid, syscall.SIGKILL); err != nil {
		t.Fatalf("kill server: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		_, err := m.ServerFor(project)
		if err != nil {
			if !errors.Is(err, ErrServerUnavailable) {
				t.Fatalf("expected ErrServerUnavailable, got %v", err)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("server death never observed")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Requests dispatched while the server is down settle with the same
	// error instead of hanging.
	client := NewClient(m)
	call := client.Completions(context.Background(), project, testParams)
	if _, err := call.Wait(context.Background()); !errors.Is(err, ErrServerUnavailable) {
		t.Fatalf("expected ErrServerUnavailable, got %v", err)
	}

	second, err := m.EnsureRunning(context.Background(), project, config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Pid == first.Pid {
		t.Errorf("recovery kept pid %d", first.Pid)
	}
	if second.Status != ServerStatusReady {
		t.Errorf("expected Ready after recovery, got %v", second.Status)
	}
}
