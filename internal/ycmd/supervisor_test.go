package ycmd

import (
	"context"
	"testing"
	"time"
)

func TestDefaultSupervisorConfig(t *testing.T) {
	config := DefaultSupervisorConfig()

	if config.MaxRestarts != 5 {
		t.Errorf("expected MaxRestarts 5, got %d", config.MaxRestarts)
	}

	if config.InitialBackoff != 1*time.Second {
		t.Errorf("expected InitialBackoff 1s, got %v", config.InitialBackoff)
	}

	if config.MaxBackoff != 60*time.Second {
		t.Errorf("expected MaxBackoff 60s, got %v", config.MaxBackoff)
	}

	if config.BackoffMultiplier != 2.0 {
		t.Errorf("expected BackoffMultiplier 2.0, got %v", config.BackoffMultiplier)
	}

	if config.ResetWindow != 5*time.Minute {
		t.Errorf("expected ResetWindow 5m, got %v", config.ResetWindow)
	}
}

func TestNewSupervisor(t *testing.T) {
	config := StartupConfig{RootDirectory: "/opt/ycmd"}

	supervisor := NewSupervisor(config, "/home/u/project", DefaultSupervisorConfig(), nil)

	if supervisor == nil {
		t.Fatal("expected non-nil supervisor")
	}

	if supervisor.ProjectRoot() != "/home/u/project" {
		t.Errorf("expected project root '/home/u/project', got %q", supervisor.ProjectRoot())
	}

	if supervisor.State() != SupervisorStateIdle {
		t.Errorf("expected state Idle, got %v", supervisor.State())
	}

	if supervisor.RestartCount() != 0 {
		t.Errorf("expected restart count 0, got %d", supervisor.RestartCount())
	}

	if supervisor.IsReady() {
		t.Error("expected idle supervisor to report not ready")
	}
}

func TestSupervisorState_String(t *testing.T) {
	tests := []struct {
		state    SupervisorState
		expected string
	}{
		{SupervisorStateIdle, "idle"},
		{SupervisorStateRunning, "running"},
		{SupervisorStateRestarting, "restarting"},
		{SupervisorStateFailed, "failed"},
		{SupervisorStateStopped, "stopped"},
		{SupervisorState(99), "unknown"},
	}

	for _, tt := range tests {
		got := tt.state.String()
		if got != tt.expected {
			t.Errorf("SupervisorState(%d).String() = %q, want %q", tt.state, got, tt.expected)
		}
	}
}

func TestSupervisorEventType_String(t *testing.T) {
	tests := []struct {
		eventType SupervisorEventType
		expected  string
	}{
		{SupervisorEventCrash, "crash"},
		{SupervisorEventRestarting, "restarting"},
		{SupervisorEventRecovered, "recovered"},
		{SupervisorEventFailed, "failed"},
		{SupervisorEventType(99), "unknown"},
	}

	for _, tt := range tests {
		got := tt.eventType.String()
		if got != tt.expected {
			t.Errorf("SupervisorEventType(%d).String() = %q, want %q", tt.eventType, got, tt.expected)
		}
	}
}

func TestCalculateBackoff(t *testing.T) {
	initial := 1 * time.Second
	max := 60 * time.Second
	multiplier := 2.0

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second}, // Capped at max
		{10, 60 * time.Second},
	}

	for _, tt := range tests {
		got := CalculateBackoff(tt.attempt, initial, max, multiplier)
		if got != tt.expected {
			t.Errorf("CalculateBackoff(%d) = %v, want %v", tt.attempt, got, tt.expected)
		}
	}
}

func TestSupervisorBufferTracking(t *testing.T) {
	supervisor := NewSupervisor(StartupConfig{}, "/p", DefaultSupervisorConfig(), nil)

	supervisor.TrackBuffer("/p/a.go", []string{"go"}, "package a")
	supervisor.TrackBuffer("/p/b.go", []string{"go"}, "package b")

	paths := supervisor.TrackedBuffers()
	if len(paths) != 2 {
		t.Fatalf("expected 2 tracked buffers, got %d", len(paths))
	}

	supervisor.UpdateBufferContents("/p/a.go", "package a // edited")
	supervisor.UpdateBufferContents("/p/missing.go", "ignored")

	supervisor.UntrackBuffer("/p/b.go")
	paths = supervisor.TrackedBuffers()
	if len(paths) != 1 || paths[0] != "/p/a.go" {
		t.Errorf("expected only /p/a.go tracked, got %v", paths)
	}

	stats := supervisor.Stats()
	if stats.TrackedBuffers != 1 {
		t.Errorf("expected 1 tracked buffer in stats, got %d", stats.TrackedBuffers)
	}
}

func TestSupervisorStats(t *testing.T) {
	supervisor := NewSupervisor(StartupConfig{}, "/p", DefaultSupervisorConfig(), nil)

	stats := supervisor.Stats()
	if stats.State != SupervisorStateIdle {
		t.Errorf("expected Idle state, got %v", stats.State)
	}
	if stats.RestartCount != 0 {
		t.Errorf("expected 0 restarts, got %d", stats.RestartCount)
	}
	if stats.CurrentBackoff != 1*time.Second {
		t.Errorf("expected initial backoff, got %v", stats.CurrentBackoff)
	}
	if !stats.LastStartTime.IsZero() {
		t.Errorf("expected zero start time, got %v", stats.LastStartTime)
	}
}

func TestSupervisorStopIdle(t *testing.T) {
	supervisor := NewSupervisor(StartupConfig{}, "/p", DefaultSupervisorConfig(), nil)

	if err := supervisor.Stop(context.Background()); err != nil {
		t.Errorf("stopping an idle supervisor should be a no-op, got %v", err)
	}
	if supervisor.State() != SupervisorStateIdle {
		t.Errorf("expected state Idle, got %v", supervisor.State())
	}
}

func TestSupervisorStartInvalidConfig(t *testing.T) {
	supervisor := NewSupervisor(StartupConfig{}, "/p", DefaultSupervisorConfig(), nil)

	err := supervisor.Start(context.Background())
	if err == nil {
		t.Fatal("expected error starting with empty config")
	}
	if supervisor.State() != SupervisorStateFailed {
		t.Errorf("expected state Failed, got %v", supervisor.State())
	}
}

func TestSupervisorConfigAccessor(t *testing.T) {
	config := StartupConfig{RootDirectory: "/opt/ycmd", LogLevel: "debug"}
	supervisor := NewSupervisor(config, "/p", DefaultSupervisorConfig(), nil)

	got := supervisor.Config()
	if got.RootDirectory != "/opt/ycmd" || got.LogLevel != "debug" {
		t.Errorf("unexpected config %+v", got)
	}
}
