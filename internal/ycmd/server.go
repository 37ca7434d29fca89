package ycmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// ServerStatus indicates the current state of a server.
type ServerStatus int32

const (
	ServerStatusStopped ServerStatus = iota
	ServerStatusStarting
	ServerStatusProbing
	ServerStatusReady
	ServerStatusShuttingDown
	ServerStatusError
)

// String returns a human-readable status name.
func (s ServerStatus) String() string {
	switch s {
	case ServerStatusStopped:
		return "stopped"
	case ServerStatusStarting:
		return "starting"
	case ServerStatusProbing:
		return "probing"
	case ServerStatusReady:
		return "ready"
	case ServerStatusShuttingDown:
		return "shutting down"
	case ServerStatusError:
		return "error"
	default:
		return "unknown"
	}
}

// ServerHandle is a snapshot of one running server. Handles are values;
// holding one does not keep the server alive.
type ServerHandle struct {
	ProjectRoot      string
	Pid              int
	Port             int
	WorkingDirectory string
	Status           ServerStatus
	StartedAt        time.Time
}

// Server represents one ycmd subprocess serving one project root.
type Server struct {
	mu sync.Mutex

	config      StartupConfig
	projectRoot string

	// Process management
	cmd         *exec.Cmd
	port        int
	secret      []byte
	optionsPath string
	startedAt   time.Time

	// Transport
	transport *Transport

	// State
	status    atomic.Int32
	lastError error

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	exitCh chan error

	log *zap.SugaredLogger
}

// NewServer creates a server instance (not yet started).
func NewServer(config StartupConfig, projectRoot string, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		config:      config.withDefaults(),
		projectRoot: projectRoot,
		exitCh:      make(chan error, 1),
		log:         log.With("project", projectRoot),
	}
	s.status.Store(int32(ServerStatusStopped))
	return s
}

// Start spawns the subprocess and waits for the readiness probe.
// It returns ErrConfig without spawning anything when the configuration
// is invalid, ErrServerStart when the process exits before becoming
// ready, and ErrServerTimeout when the startup deadline passes.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status() != ServerStatusStopped {
		return ErrAlreadyRunning
	}
	if err := s.config.Validate(); err != nil {
		return err
	}

	s.status.Store(int32(ServerStatusStarting))
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	port, err := reservePort()
	if err != nil {
		return s.failLocked(errors.Wrap(err, "reserve port"))
	}
	secret, err := NewHMACSecret()
	if err != nil {
		return s.failLocked(err)
	}
	options, err := renderOptions(s.config.DefaultSettingsPath, secret, s.config.SemanticTriggers)
	if err != nil {
		return s.failLocked(err)
	}
	optionsPath, err := writeOptionsFile(options)
	if err != nil {
		return s.failLocked(err)
	}

	s.port = port
	s.secret = secret
	s.optionsPath = optionsPath

	if err := s.startProcess(); err != nil {
		os.Remove(optionsPath)
		return s.failLocked(err)
	}
	s.startedAt = time.Now()
	s.transport = NewTransport(port, secret, s.config.RequestTimeout, s.log)

	go s.monitorProcess()

	s.status.Store(int32(ServerStatusProbing))
	if err := s.waitReady(ctx); err != nil {
		s.stopProcessLocked()
		s.removeStaleOptionsFile()
		return s.failLocked(err)
	}

	s.status.Store(int32(ServerStatusReady))
	s.log.Infow("ycmd server ready", "port", port, "pid", s.Pid())
	return nil
}

// failLocked records the error and moves to the error state.
func (s *Server) failLocked(err error) error {
	s.lastError = err
	s.status.Store(int32(ServerStatusError))
	return err
}

// startProcess launches the ycmd module under the configured python.
func (s *Server) startProcess() error {
	args := []string{
		s.config.ModuleDirectory(),
		"--host=127.0.0.1",
		fmt.Sprintf("--port=%d", s.port),
		fmt.Sprintf("--idle_suicide_seconds=%d", s.config.IdleSuicideSeconds),
		fmt.Sprintf("--check_interval_seconds=%d", s.config.MaxServerWaitTimeSeconds),
		"--options_file=" + s.optionsPath,
	}
	if s.config.LogLevel != "" {
		args = append(args, "--log="+s.config.LogLevel)
		if s.config.StdoutLogPath != "" && s.config.StderrLogPath != "" {
			args = append(args,
				"--stdout="+s.config.StdoutLogPath,
				"--stderr="+s.config.StderrLogPath,
			)
			if s.config.KeepLogs {
				args = append(args, "--keep_logfiles")
			}
		}
	}

	cmd := exec.CommandContext(s.ctx, s.config.PythonBinaryPath, args...)
	if s.config.WorkingDirectory != "" {
		cmd.Dir = s.config.WorkingDirectory
	} else {
		cmd.Dir = s.projectRoot
	}

	if err := cmd.Start(); err != nil {
		return errors.Wrapf(ErrServerStart, "spawn %s: %v", s.config.PythonBinaryPath, err)
	}
	s.cmd = cmd
	return nil
}

// monitorProcess waits for the subprocess and signals its exit.
func (s *Server) monitorProcess() {
	if s.cmd == nil {
		return
	}
	err := s.cmd.Wait()
	select {
	case s.exitCh <- err:
	default:
	}
}

// waitReady polls the readiness handler with a growing delay until the
// startup deadline. A process exit during probing fails startup.
func (s *Server) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(s.config.StartupTimeout)
	delay := 100 * time.Millisecond

	for {
		probeCtx, cancel := context.WithTimeout(s.ctx, time.Second)
		ready := s.probeReady(probeCtx)
		cancel()
		if ready {
			return nil
		}

		if time.Now().After(deadline) {
			return errors.Wrapf(ErrServerTimeout, "no readiness after %s", s.config.StartupTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case exitErr := <-s.exitCh:
			return errors.Wrapf(ErrServerStart, "process exited during startup: %v", exitErr)
		case <-time.After(delay):
		}
		if delay < 2*time.Second {
			delay *= 2
		}
	}
}

// probeReady issues one readiness probe.
func (s *Server) probeReady(ctx context.Context) bool {
	return s.transport.Get(ctx, HandlerReady, nil) == nil
}

// removeStaleOptionsFile deletes the options file if the server never got
// far enough to consume it.
func (s *Server) removeStaleOptionsFile() {
	if s.optionsPath == "" {
		return
	}
	if _, err := os.Stat(s.optionsPath); err == nil {
		os.Remove(s.optionsPath)
	}
	s.optionsPath = ""
}

// stopProcessLocked tears down the transport and kills the subprocess.
func (s *Server) stopProcessLocked() {
	if s.transport != nil {
		s.transport.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

// Shutdown asks the server to exit, waits briefly, then kills it.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := s.Status()
	if status == ServerStatusStopped || status == ServerStatusShuttingDown {
		return nil
	}
	s.status.Store(int32(ServerStatusShuttingDown))

	if s.transport != nil && !s.transport.IsClosed() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_ = s.transport.Post(shutdownCtx, HandlerShutdown, nil, nil)
		cancel()

		select {
		case <-s.exitCh:
		case <-time.After(3 * time.Second):
			s.log.Warnw("ycmd server unresponsive to shutdown, killing", "pid", s.Pid())
		case <-ctx.Done():
		}
	}

	s.stopProcessLocked()
	s.status.Store(int32(ServerStatusStopped))
	return nil
}

// Status returns the current server status.
func (s *Server) Status() ServerStatus {
	return ServerStatus(s.status.Load())
}

// LastError returns the last lifecycle error.
func (s *Server) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Pid returns the subprocess pid, or 0 before start.
func (s *Server) Pid() int {
	if s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return 0
}

// Port returns the bound loopback port.
func (s *Server) Port() int {
	return s.port
}

// ProjectRoot returns the project this server serves.
func (s *Server) ProjectRoot() string {
	return s.projectRoot
}

// ExitChannel receives once when the process exits.
func (s *Server) ExitChannel() <-chan error {
	return s.exitCh
}

// Handle returns a snapshot of the server's identity and state.
func (s *Server) Handle() ServerHandle {
	workDir := s.config.WorkingDirectory
	if workDir == "" {
		workDir = s.projectRoot
	}
	return ServerHandle{
		ProjectRoot:      s.projectRoot,
		Pid:              s.Pid(),
		Port:             s.port,
		WorkingDirectory: workDir,
		Status:           s.Status(),
		StartedAt:        s.startedAt,
	}
}

// IsAlive reports whether the server is ready and its process still
// exists. The pid check catches externally killed servers whose exit has
// not been observed yet.
func (s *Server) IsAlive() bool {
	if s.Status() != ServerStatusReady {
		return false
	}
	pid := s.Pid()
	if pid == 0 {
		return false
	}
	exists, err := process.PidExists(int32(pid))
	return err == nil && exists
}

// --- Handlers ---

// Completions requests completion candidates for the buffer position in
// params.
func (s *Server) Completions(ctx context.Context, params RequestParameters) (*CompletionResponse, error) {
	var raw json.RawMessage
	if err := s.call(ctx, HandlerCompletions, params, &raw); err != nil {
		return nil, err
	}
	return ParseCompletionResponse(raw)
}

// NotifyEvent reports a buffer lifecycle event. The returned payload is
// only meaningful for FileReadyToParse, which yields diagnostics.
func (s *Server) NotifyEvent(ctx context.Context, event EventName, params RequestParameters) (json.RawMessage, error) {
	var raw json.RawMessage
	err := s.call(ctx, HandlerEventNotification, params.withExtra("event_name", string(event)), &raw)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// RunCompleterCommand invokes a completer subcommand, e.g. GoTo.
func (s *Server) RunCompleterCommand(ctx context.Context, command string, args []string, params RequestParameters) (json.RawMessage, error) {
	commandArgs := append([]string{command}, args...)
	var raw json.RawMessage
	err := s.call(ctx, HandlerRunCompleterCommand, params.withExtra("command_arguments", commandArgs), &raw)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// GoTo runs a navigation command and parses the resulting locations.
func (s *Server) GoTo(ctx context.Context, command string, params RequestParameters) ([]Location, error) {
	raw, err := s.RunCompleterCommand(ctx, command, nil, params)
	if err != nil {
		return nil, err
	}
	return ParseGoToResponse(raw)
}

// DefinedSubcommands lists the commands the buffer's completer supports.
func (s *Server) DefinedSubcommands(ctx context.Context, params RequestParameters) ([]string, error) {
	var commands []string
	if err := s.call(ctx, HandlerDefinedSubcommands, params, &commands); err != nil {
		return nil, err
	}
	return commands, nil
}

// DetailedDiagnostic fetches the long-form diagnostic at the position in
// params.
func (s *Server) DetailedDiagnostic(ctx context.Context, params RequestParameters) (string, error) {
	var resp DetailedDiagnosticResponse
	if err := s.call(ctx, HandlerDetailedDiagnostic, params, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// DebugInfo returns the server's self-description, useful for logs.
func (s *Server) DebugInfo(ctx context.Context, params RequestParameters) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := s.call(ctx, HandlerDebugInfo, params, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// IsHealthy issues a synchronous health probe.
func (s *Server) IsHealthy(ctx context.Context) bool {
	if s.Status() != ServerStatusReady {
		return false
	}
	return s.transport.Get(ctx, HandlerHealthy, nil) == nil
}

// call validates state and params, then posts to a handler.
func (s *Server) call(ctx context.Context, handler string, params RequestParameters, result any) error {
	if s.Status() != ServerStatusReady {
		return ErrServerUnavailable
	}
	body, err := params.Body()
	if err != nil {
		return err
	}
	return s.transport.Post(ctx, handler, body, result)
}

// reservePort asks the kernel for a free loopback port. There is a small
// window between release and server bind; ycmd fails fast if it loses the
// race and the supervisor retries.
func reservePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	if err := l.Close(); err != nil {
		return 0, err
	}
	return port, nil
}
