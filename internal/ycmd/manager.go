package ycmd

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Manager owns the process-wide registry of ycmd servers, one per
// project root. Lifecycle transitions are serialized per root; the
// request path reads a lock-free snapshot of the registry.
type Manager struct {
	mu          sync.Mutex
	supervisors map[string]*Supervisor
	snapshot    atomic.Pointer[map[string]*Supervisor]
	group       singleflight.Group

	supervisorConfig SupervisorConfig
	supervisorCb     func(event SupervisorEvent)
	shutdown         atomic.Bool

	log *zap.SugaredLogger
}

// ManagerOption configures the manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(log *zap.SugaredLogger) ManagerOption {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithSupervisorConfig overrides the crash-recovery parameters.
func WithSupervisorConfig(config SupervisorConfig) ManagerOption {
	return func(m *Manager) {
		m.supervisorConfig = config
	}
}

// WithSupervisorCallback sets a callback for supervisor events.
func WithSupervisorCallback(cb func(event SupervisorEvent)) ManagerOption {
	return func(m *Manager) {
		m.supervisorCb = cb
	}
}

// NewManager creates a server manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		supervisors:      make(map[string]*Supervisor),
		supervisorConfig: DefaultSupervisorConfig(),
		log:              zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.publishLocked()
	return m
}

// publishLocked publishes a fresh registry snapshot. Must hold mu, except
// during construction.
func (m *Manager) publishLocked() {
	snap := make(map[string]*Supervisor, len(m.supervisors))
	for root, sup := range m.supervisors {
		snap[root] = sup
	}
	m.snapshot.Store(&snap)
}

// lookup returns the supervisor for a root without taking locks.
func (m *Manager) lookup(projectRoot string) *Supervisor {
	snap := m.snapshot.Load()
	if snap == nil {
		return nil
	}
	return (*snap)[projectRoot]
}

// EnsureRunning returns a handle to a healthy server for the project
// root, starting one if needed. It is idempotent: a healthy server is
// returned as-is, and concurrent callers for the same root share one
// startup. Errors: ErrConfig (nothing spawned), ErrServerStart,
// ErrServerTimeout, ErrStopped.
func (m *Manager) EnsureRunning(ctx context.Context, projectRoot string, config StartupConfig) (ServerHandle, error) {
	if m.shutdown.Load() {
		return ServerHandle{}, ErrStopped
	}
	if err := config.Validate(); err != nil {
		return ServerHandle{}, err
	}
	config = config.withDefaults()

	if sup := m.lookup(projectRoot); sup != nil {
		switch sup.State() {
		case SupervisorStateRunning:
			if server := sup.Server(); server != nil && server.IsAlive() {
				return server.Handle(), nil
			}
			// Process gone but exit not observed yet; the monitor will
			// catch it. Fall through and wait for recovery.
			return m.awaitRecovery(ctx, sup, config.StartupTimeout)
		case SupervisorStateRestarting:
			return m.awaitRecovery(ctx, sup, config.StartupTimeout)
		case SupervisorStateFailed, SupervisorStateStopped:
			m.remove(ctx, projectRoot, sup)
		}
	}

	result, err, _ := m.group.Do(projectRoot, func() (any, error) {
		// Double-check: another caller may have registered a healthy
		// supervisor between lookup and flight start.
		if sup := m.lookup(projectRoot); sup != nil && sup.IsReady() {
			return sup.Server().Handle(), nil
		}

		sup := NewSupervisor(config, projectRoot, m.supervisorConfig, m.log)
		if err := sup.Start(ctx); err != nil {
			// Close the event channel; nothing ever subscribed to it.
			_ = sup.Stop(ctx)
			return ServerHandle{}, &ServerError{ProjectRoot: projectRoot, Err: err}
		}
		if m.supervisorCb != nil {
			go m.forwardSupervisorEvents(sup)
		}

		m.mu.Lock()
		m.supervisors[projectRoot] = sup
		m.publishLocked()
		m.mu.Unlock()

		return sup.Server().Handle(), nil
	})
	if err != nil {
		return ServerHandle{}, err
	}
	return result.(ServerHandle), nil
}

// awaitRecovery waits for a restarting supervisor to produce a ready
// server again.
func (m *Manager) awaitRecovery(ctx context.Context, sup *Supervisor, timeout time.Duration) (ServerHandle, error) {
	deadline := time.Now().Add(timeout)
	for {
		if sup.State() == SupervisorStateFailed {
			return ServerHandle{}, &ServerError{ProjectRoot: sup.ProjectRoot(), Err: ErrSupervisorFailed}
		}
		if sup.IsReady() {
			if server := sup.Server(); server != nil && server.IsAlive() {
				return server.Handle(), nil
			}
		}
		if time.Now().After(deadline) {
			return ServerHandle{}, &ServerError{
				ProjectRoot: sup.ProjectRoot(),
				Err:         errors.Wrap(ErrServerTimeout, "waiting for recovery"),
			}
		}
		select {
		case <-ctx.Done():
			return ServerHandle{}, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// forwardSupervisorEvents forwards supervisor events to the callback.
func (m *Manager) forwardSupervisorEvents(sup *Supervisor) {
	for event := range sup.Events() {
		m.supervisorCb(event)
	}
}

// remove drops a supervisor from the registry if it is still the one
// registered for the root, then stops it. A failed supervisor's monitor
// exits without closing the event channel, so skipping Stop here would
// strand the event forwarder.
func (m *Manager) remove(ctx context.Context, projectRoot string, sup *Supervisor) {
	m.mu.Lock()
	if m.supervisors[projectRoot] == sup {
		delete(m.supervisors, projectRoot)
		m.publishLocked()
	}
	m.mu.Unlock()
	if err := sup.Stop(ctx); err != nil {
		m.log.Warnw("stop replaced supervisor", "project_root", projectRoot, "error", err)
	}
}

// Stop shuts down the server for a project root and releases its handle.
// Stopping a root with no server is a no-op.
func (m *Manager) Stop(ctx context.Context, projectRoot string) error {
	m.mu.Lock()
	sup, exists := m.supervisors[projectRoot]
	if exists {
		delete(m.supervisors, projectRoot)
		m.publishLocked()
	}
	m.mu.Unlock()

	if !exists {
		return nil
	}
	return sup.Stop(ctx)
}

// Restart stops the root's server and starts a new one with the given
// configuration. Used when effective settings change. The new server
// always has a fresh pid and port.
func (m *Manager) Restart(ctx context.Context, projectRoot string, config StartupConfig) (ServerHandle, error) {
	if err := m.Stop(ctx, projectRoot); err != nil {
		m.log.Warnw("stop before restart failed", "project", projectRoot, "error", err)
	}
	return m.EnsureRunning(ctx, projectRoot, config)
}

// ServerFor returns the ready server for a root, or ErrServerUnavailable.
// This is the request path: it never starts anything.
func (m *Manager) ServerFor(projectRoot string) (*Server, error) {
	sup := m.lookup(projectRoot)
	if sup == nil {
		return nil, &ServerError{ProjectRoot: projectRoot, Err: ErrServerUnavailable}
	}
	server := sup.Server()
	if server == nil || !server.IsAlive() {
		return nil, &ServerError{ProjectRoot: projectRoot, Err: ErrServerUnavailable}
	}
	return server, nil
}

// SupervisorFor returns the supervisor for a root, if any.
func (m *Manager) SupervisorFor(projectRoot string) (*Supervisor, bool) {
	sup := m.lookup(projectRoot)
	return sup, sup != nil
}

// Handles returns snapshots of all registered servers.
func (m *Manager) Handles() []ServerHandle {
	snap := m.snapshot.Load()
	if snap == nil {
		return nil
	}
	handles := make([]ServerHandle, 0, len(*snap))
	for _, sup := range *snap {
		if server := sup.Server(); server != nil {
			handles = append(handles, server.Handle())
		}
	}
	return handles
}

// Shutdown stops all supervisors and their servers concurrently.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdown.Store(true)

	m.mu.Lock()
	supervisors := make([]*Supervisor, 0, len(m.supervisors))
	for _, sup := range m.supervisors {
		supervisors = append(supervisors, sup)
	}
	m.supervisors = make(map[string]*Supervisor)
	m.publishLocked()
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, sup := range supervisors {
		g.Go(func() error {
			return sup.Stop(ctx)
		})
	}
	return g.Wait()
}
