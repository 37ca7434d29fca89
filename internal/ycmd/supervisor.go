package ycmd

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// SupervisorState represents the state of a supervised server.
type SupervisorState int

const (
	// SupervisorStateIdle means the supervisor is not monitoring.
	SupervisorStateIdle SupervisorState = iota
	// SupervisorStateRunning means the server is running normally.
	SupervisorStateRunning
	// SupervisorStateRestarting means the server crashed and is being restarted.
	SupervisorStateRestarting
	// SupervisorStateFailed means the server has exceeded max restart attempts.
	SupervisorStateFailed
	// SupervisorStateStopped means the supervisor was explicitly stopped.
	SupervisorStateStopped
)

// String returns a human-readable state name.
func (s SupervisorState) String() string {
	switch s {
	case SupervisorStateIdle:
		return "idle"
	case SupervisorStateRunning:
		return "running"
	case SupervisorStateRestarting:
		return "restarting"
	case SupervisorStateFailed:
		return "failed"
	case SupervisorStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// SupervisorConfig configures crash recovery.
type SupervisorConfig struct {
	// MaxRestarts is the maximum number of restart attempts before giving up.
	// Default: 5
	MaxRestarts int

	// InitialBackoff is the initial backoff duration after a crash.
	// Default: 1 second
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	// Default: 60 seconds
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier applied to backoff after each failure.
	// Default: 2.0
	BackoffMultiplier float64

	// ResetWindow is the time after which the restart count resets if the
	// server has been running successfully.
	// Default: 5 minutes
	ResetWindow time.Duration
}

// DefaultSupervisorConfig returns the default supervisor configuration.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		MaxRestarts:       5,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        60 * time.Second,
		BackoffMultiplier: 2.0,
		ResetWindow:       5 * time.Minute,
	}
}

// SupervisorEventType identifies the type of supervisor event.
type SupervisorEventType int

const (
	// SupervisorEventCrash indicates the server crashed.
	SupervisorEventCrash SupervisorEventType = iota
	// SupervisorEventRestarting indicates a restart attempt is starting.
	SupervisorEventRestarting
	// SupervisorEventRecovered indicates the server has recovered.
	SupervisorEventRecovered
	// SupervisorEventFailed indicates the server has permanently failed.
	SupervisorEventFailed
)

// String returns a human-readable event type name.
func (t SupervisorEventType) String() string {
	switch t {
	case SupervisorEventCrash:
		return "crash"
	case SupervisorEventRestarting:
		return "restarting"
	case SupervisorEventRecovered:
		return "recovered"
	case SupervisorEventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SupervisorEvent represents an event from the supervisor.
type SupervisorEvent struct {
	Type        SupervisorEventType
	ProjectRoot string
	Error       error
	Attempt     int
	NextRetry   time.Duration
}

// bufferState captures an open buffer for post-recovery re-notification.
type bufferState struct {
	FilePath  string
	FileTypes []string
	Contents  string
}

// Supervisor monitors one ycmd server and handles crash recovery.
// It restarts crashed servers with exponential backoff and replays
// buffer-visit notifications after recovery, so the new server rebuilds
// its identifier caches.
//
// Thread Safety: Supervisor is safe for concurrent use. The state field
// uses atomic operations for lock-free reads. Other fields are protected
// by mu (server management) or buffersMu (buffer tracking).
type Supervisor struct {
	mu sync.Mutex

	config      SupervisorConfig
	projectRoot string

	// Server management (protected by mu)
	server       *Server
	serverConfig StartupConfig

	// State tracking (state uses atomic, others protected by mu)
	state        atomic.Int32
	restartCount int
	lastStart    time.Time

	// Buffer state for recovery (protected by buffersMu)
	buffers   map[string]bufferState
	buffersMu sync.RWMutex

	// Lifecycle
	ctx       context.Context
	cancel    context.CancelFunc
	eventCh   chan SupervisorEvent
	closed    atomic.Bool
	closeOnce sync.Once

	log *zap.SugaredLogger
}

// NewSupervisor creates a supervisor for one project root.
func NewSupervisor(serverConfig StartupConfig, projectRoot string, config SupervisorConfig, log *zap.SugaredLogger) *Supervisor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Supervisor{
		config:       config,
		projectRoot:  projectRoot,
		serverConfig: serverConfig,
		buffers:      make(map[string]bufferState),
		eventCh:      make(chan SupervisorEvent, 16),
		log:          log.With("project", projectRoot),
	}
	s.state.Store(int32(SupervisorStateIdle))
	return s
}

// Start begins supervision and starts the server.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if SupervisorState(s.state.Load()) != SupervisorStateIdle {
		return ErrAlreadyRunning
	}

	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := s.startServerLocked(ctx); err != nil {
		s.state.Store(int32(SupervisorStateFailed))
		return err
	}

	s.state.Store(int32(SupervisorStateRunning))
	go s.monitor()
	return nil
}

// startServerLocked starts the server (must hold mu lock).
func (s *Supervisor) startServerLocked(ctx context.Context) error {
	server := NewServer(s.serverConfig, s.projectRoot, s.log)
	if err := server.Start(ctx); err != nil {
		return err
	}
	s.server = server
	s.lastStart = time.Now()
	return nil
}

// monitor watches for server crashes and handles restarts.
// This is the main supervision loop that runs in its own goroutine.
func (s *Supervisor) monitor() {
	for {
		s.mu.Lock()
		server := s.server
		s.mu.Unlock()

		if server == nil {
			return
		}

		select {
		case <-s.ctx.Done():
			return
		case exitErr := <-server.ExitChannel():
			if !s.handleCrashWithRetry(exitErr) {
				return
			}
			// Recovered, keep monitoring the new process.
		}
	}
}

// handleCrashWithRetry handles a server crash with retry logic.
// Returns true if the server recovered, false if permanently failed or
// stopped.
func (s *Supervisor) handleCrashWithRetry(initialErr error) bool {
	exitErr := initialErr

	for {
		s.mu.Lock()

		if SupervisorState(s.state.Load()) == SupervisorStateStopped {
			s.mu.Unlock()
			return false
		}

		// A long successful run resets the crash counter.
		if time.Since(s.lastStart) > s.config.ResetWindow {
			s.restartCount = 0
		}
		s.restartCount++

		s.log.Warnw("ycmd server exited", "error", exitErr, "attempt", s.restartCount)
		s.emitEventLocked(SupervisorEvent{
			Type:        SupervisorEventCrash,
			ProjectRoot: s.projectRoot,
			Error:       exitErr,
			Attempt:     s.restartCount,
		})

		if s.restartCount > s.config.MaxRestarts {
			s.state.Store(int32(SupervisorStateFailed))
			s.emitEventLocked(SupervisorEvent{
				Type:        SupervisorEventFailed,
				ProjectRoot: s.projectRoot,
				Error:       exitErr,
				Attempt:     s.restartCount,
			})
			s.mu.Unlock()
			return false
		}

		delay := CalculateBackoff(
			s.restartCount,
			s.config.InitialBackoff,
			s.config.MaxBackoff,
			s.config.BackoffMultiplier,
		)

		s.state.Store(int32(SupervisorStateRestarting))
		s.emitEventLocked(SupervisorEvent{
			Type:        SupervisorEventRestarting,
			ProjectRoot: s.projectRoot,
			Attempt:     s.restartCount,
			NextRetry:   delay,
		})

		s.mu.Unlock()

		select {
		case <-s.ctx.Done():
			return false
		case <-time.After(delay):
		}

		s.mu.Lock()

		if SupervisorState(s.state.Load()) == SupervisorStateStopped {
			s.mu.Unlock()
			return false
		}

		if err := s.startServerLocked(s.ctx); err != nil {
			exitErr = err
			s.mu.Unlock()
			continue
		}

		s.resyncBuffersLocked()

		s.state.Store(int32(SupervisorStateRunning))
		s.emitEventLocked(SupervisorEvent{
			Type:        SupervisorEventRecovered,
			ProjectRoot: s.projectRoot,
			Attempt:     s.restartCount,
		})

		s.mu.Unlock()
		return true
	}
}

// resyncBuffersLocked replays buffer notifications on the recovered
// server so it rebuilds identifier caches. Must hold mu lock.
func (s *Supervisor) resyncBuffersLocked() {
	if s.server == nil {
		return
	}

	s.buffersMu.RLock()
	buffers := make([]bufferState, 0, len(s.buffers))
	for _, buf := range s.buffers {
		buffers = append(buffers, buf)
	}
	s.buffersMu.RUnlock()

	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	for _, buf := range buffers {
		params := RequestParameters{
			FilePath:     buf.FilePath,
			FileContents: buf.Contents,
			FileTypes:    buf.FileTypes,
		}
		_, _ = s.server.NotifyEvent(ctx, EventBufferVisit, params)
		_, _ = s.server.NotifyEvent(ctx, EventFileReadyToParse, params)
	}
}

// emitEventLocked sends an event to listeners.
// Events are dropped if the channel is full or closed.
func (s *Supervisor) emitEventLocked(event SupervisorEvent) {
	if s.closed.Load() {
		return
	}
	select {
	case s.eventCh <- event:
	default:
		// Channel full, drop event
	}
}

// Stop stops the supervisor and the server.
func (s *Supervisor) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	state := SupervisorState(s.state.Load())
	if state == SupervisorStateStopped || state == SupervisorStateIdle {
		s.mu.Unlock()
		return nil
	}

	s.state.Store(int32(SupervisorStateStopped))
	server := s.server
	s.server = nil
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.eventCh)
	})

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// State returns the current supervisor state.
func (s *Supervisor) State() SupervisorState {
	return SupervisorState(s.state.Load())
}

// Server returns the current server instance (may be nil during restart).
func (s *Supervisor) Server() *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server
}

// RestartCount returns the number of restart attempts since the last reset.
func (s *Supervisor) RestartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartCount
}

// Events returns the event channel for monitoring supervisor events.
// The channel is closed when the supervisor is stopped.
func (s *Supervisor) Events() <-chan SupervisorEvent {
	return s.eventCh
}

// IsReady returns true if the server is ready to accept requests.
func (s *Supervisor) IsReady() bool {
	if SupervisorState(s.state.Load()) != SupervisorStateRunning {
		return false
	}
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()
	return server != nil && server.Status() == ServerStatusReady
}

// ProjectRoot returns the project this supervisor handles.
func (s *Supervisor) ProjectRoot() string {
	return s.projectRoot
}

// Config returns the startup configuration the supervisor launches with.
func (s *Supervisor) Config() StartupConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverConfig
}

// --- Buffer State Tracking ---

// TrackBuffer records a buffer's state for recovery.
func (s *Supervisor) TrackBuffer(path string, fileTypes []string, contents string) {
	s.buffersMu.Lock()
	s.buffers[path] = bufferState{
		FilePath:  path,
		FileTypes: fileTypes,
		Contents:  contents,
	}
	s.buffersMu.Unlock()
}

// UpdateBufferContents updates a tracked buffer's contents.
func (s *Supervisor) UpdateBufferContents(path, contents string) {
	s.buffersMu.Lock()
	if buf, exists := s.buffers[path]; exists {
		buf.Contents = contents
		s.buffers[path] = buf
	}
	s.buffersMu.Unlock()
}

// UntrackBuffer removes a buffer from tracking.
func (s *Supervisor) UntrackBuffer(path string) {
	s.buffersMu.Lock()
	delete(s.buffers, path)
	s.buffersMu.Unlock()
}

// TrackedBuffers returns the paths of all tracked buffers.
func (s *Supervisor) TrackedBuffers() []string {
	s.buffersMu.RLock()
	defer s.buffersMu.RUnlock()

	paths := make([]string, 0, len(s.buffers))
	for path := range s.buffers {
		paths = append(paths, path)
	}
	return paths
}

// --- Statistics ---

// SupervisorStats provides statistics about the supervisor.
type SupervisorStats struct {
	State          SupervisorState
	RestartCount   int
	LastStartTime  time.Time
	CurrentBackoff time.Duration
	TrackedBuffers int
}

// Stats returns current supervisor statistics.
func (s *Supervisor) Stats() SupervisorStats {
	s.mu.Lock()
	restartCount := s.restartCount
	lastStart := s.lastStart
	s.mu.Unlock()

	s.buffersMu.RLock()
	bufCount := len(s.buffers)
	s.buffersMu.RUnlock()

	currentBackoff := CalculateBackoff(
		restartCount,
		s.config.InitialBackoff,
		s.config.MaxBackoff,
		s.config.BackoffMultiplier,
	)

	return SupervisorStats{
		State:          SupervisorState(s.state.Load()),
		RestartCount:   restartCount,
		LastStartTime:  lastStart,
		CurrentBackoff: currentBackoff,
		TrackedBuffers: bufCount,
	}
}

// CalculateBackoff calculates the backoff duration for a given attempt.
// attempt=0 or attempt=1 returns initial, subsequent attempts use
// exponential growth.
func CalculateBackoff(attempt int, initial, max time.Duration, multiplier float64) time.Duration {
	if attempt <= 1 {
		return initial
	}

	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if delay > float64(max) {
		return max
	}
	return time.Duration(delay)
}
