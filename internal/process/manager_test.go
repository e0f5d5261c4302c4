package process

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/delmic/odemis-sub009/internal/infrastructure/config"
)

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ─── Manager Tests ──────────────────────────────────────────────────

func TestNewManager_Defaults(t *testing.T) {
	m := NewManager(Config{Name: "back2", Binary: "/usr/bin/odemisd", Args: []string{"-config", "back2.yaml"}})

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"RestartDelay", m.config.RestartDelay, 5 * time.Second},
		{"MaxRestartDelay", m.config.MaxRestartDelay, 5 * time.Minute},
		{"StableThreshold", m.config.StableThreshold, 2 * time.Minute},
		{"GracefulTimeout", m.config.GracefulTimeout, 10 * time.Second},
		{"HealthCheckInterval", m.config.HealthCheckInterval, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
	if m.Name() != "back2" {
		t.Errorf("Name() = %q, want back2", m.Name())
	}
}

func TestNewManager_CustomConfig(t *testing.T) {
	m := NewManager(Config{
		Name:               "custom",
		Binary:             "/bin/true",
		RestartDelay:       time.Second,
		MaxRestartDelay:    time.Minute,
		MaxRestartAttempts: 20,
	})

	if m.config.RestartDelay != time.Second {
		t.Errorf("RestartDelay = %v, want 1s", m.config.RestartDelay)
	}
	if m.config.MaxRestartDelay != time.Minute {
		t.Errorf("MaxRestartDelay = %v, want 1m", m.config.MaxRestartDelay)
	}
	if m.config.MaxRestartAttempts != 20 {
		t.Errorf("MaxRestartAttempts = %d, want 20", m.config.MaxRestartAttempts)
	}
}

func TestManager_InitialState(t *testing.T) {
	m := NewManager(Config{Name: "test", Binary: "/bin/true"})

	if m.Status() != StatusStopped {
		t.Errorf("Status() = %q, want %q", m.Status(), StatusStopped)
	}
	if m.IsRunning() || m.PID() != 0 || m.RestartCount() != 0 || m.Uptime() != 0 || m.LastError() != nil {
		t.Errorf("unexpected initial state: %+v", m.Stats())
	}
	if err := m.Stop(); err != nil {
		t.Errorf("Stop() on a stopped manager error = %v", err)
	}
}

func TestManager_StartAndStop(t *testing.T) {
	started := make(chan struct{}, 1)
	m := NewManager(Config{
		Name:            "sleeper",
		Binary:          "/bin/sleep",
		Args:            []string{"60"},
		GracefulTimeout: 2 * time.Second,
		OnStart:         func() { started <- struct{}{} },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	select {
	case <-started:
	default:
		t.Error("OnStart was not called")
	}
	if !m.IsRunning() || m.PID() == 0 {
		t.Errorf("after Start: %+v", m.Stats())
	}
	if err := m.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if m.Status() != StatusStopped {
		t.Errorf("Status() after Stop = %q, want %q", m.Status(), StatusStopped)
	}
	if err := m.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestManager_StartWithInvalidBinary(t *testing.T) {
	m := NewManager(Config{Name: "bad", Binary: "/nonexistent/odemisd"})

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("Start() error = nil, want an error")
	}
	if m.Status() != StatusFailed {
		t.Errorf("Status() = %q, want %q", m.Status(), StatusFailed)
	}
	if err := m.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestManager_RestartOnFailure(t *testing.T) {
	var starts atomic.Int32
	m := NewManager(Config{
		Name:               "crasher",
		Binary:             "/bin/sh",
		Args:               []string{"-c", "exit 3"},
		RestartOnFailure:   true,
		RestartDelay:       10 * time.Millisecond,
		MaxRestartAttempts: 2,
		OnStart:            func() { starts.Add(1) },
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	eventually(t, "the restart limit", func() bool { return m.RestartCount() == 3 })

	if got := starts.Load(); got != 3 {
		t.Errorf("process started %d times, want 3", got)
	}
	if m.Status() != StatusFailed || m.LastError() == nil {
		t.Errorf("after the restart limit: %+v", m.Stats())
	}
	if err := m.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestManager_StopDuringRestartDelay(t *testing.T) {
	m := NewManager(Config{
		Name:             "crasher",
		Binary:           "/bin/sh",
		Args:             []string{"-c", "exit 1"},
		RestartOnFailure: true,
		RestartDelay:     time.Hour,
		MaxRestartDelay:  time.Hour,
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	eventually(t, "the first failure", func() bool { return m.RestartCount() == 1 })

	stopped := make(chan error, 1)
	go func() { stopped <- m.Stop() }()
	select {
	case err := <-stopped:
		if err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() waited for the restart delay")
	}
	if m.Status() != StatusStopped {
		t.Errorf("Status() = %q, want %q", m.Status(), StatusStopped)
	}
}

func TestManager_HealthCheck(t *testing.T) {
	var checks atomic.Int32
	m := NewManager(Config{
		Name:                "hung",
		Binary:              "/bin/sleep",
		Args:                []string{"60"},
		HealthCheckInterval: 10 * time.Millisecond,
		HealthCheck: func(context.Context) error {
			checks.Add(1)
			return errors.New("container back2 not found")
		},
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	eventually(t, "the process to be killed", func() bool { return m.Status() == StatusFailed })

	if !errors.Is(m.LastError(), ErrUnhealthy) {
		t.Errorf("LastError() = %v, want ErrUnhealthy", m.LastError())
	}
	if got := checks.Load(); got != maxHealthFailures {
		t.Errorf("health checked %d times, want %d", got, maxHealthFailures)
	}
}

func TestCalculateBackoffDelay(t *testing.T) {
	m := NewManager(Config{
		Name:            "test",
		Binary:          "/bin/true",
		RestartDelay:    time.Second,
		MaxRestartDelay: 30 * time.Second,
	})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{40, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := m.calculateBackoffDelay(tt.attempt); got != tt.want {
			t.Errorf("calculateBackoffDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

type testRecoverableError struct {
	recoverable bool
}

func (e *testRecoverableError) Error() string       { return "test error" }
func (e *testRecoverableError) IsRecoverable() bool { return e.recoverable }

func TestIsRecoverable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, true},
		{"plain error", context.DeadlineExceeded, true},
		{"recoverable", &testRecoverableError{recoverable: true}, true},
		{"not recoverable", &testRecoverableError{recoverable: false}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRecoverable(tt.err); got != tt.want {
				t.Errorf("IsRecoverable() = %v, want %v", got, tt.want)
			}
		})
	}
}

// ─── Group Tests ────────────────────────────────────────────────────

func TestGroup_StartStop(t *testing.T) {
	var checked atomic.Value
	g := NewGroup([]config.ProcessConfig{
		{Name: "back2", Binary: "/bin/sleep", Args: []string{"60"}, Container: "back2", MaxRestart: 3},
		{Name: "back3", Binary: "/bin/sleep", Args: []string{"60"}},
	}, func(_ context.Context, container string) error {
		checked.Store(container)
		return nil
	})
	g.SetLogger(noopLogger{})

	ms := g.Managers()
	if len(ms) != 2 {
		t.Fatalf("Managers() = %d, want 2", len(ms))
	}
	if ms[0].config.MaxRestartAttempts != 3 || ms[1].config.MaxRestartAttempts != 10 {
		t.Errorf("MaxRestartAttempts = %d, %d", ms[0].config.MaxRestartAttempts, ms[1].config.MaxRestartAttempts)
	}
	if ms[0].config.HealthCheck == nil || ms[1].config.HealthCheck != nil {
		t.Error("only the process hosting a container should be health-checked")
	}
	if err := ms[0].config.HealthCheck(context.Background()); err != nil || checked.Load() != "back2" {
		t.Errorf("health check error = %v, checked %v", err, checked.Load())
	}

	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for _, s := range g.Stats() {
		if s.Status != StatusRunning || s.PID == 0 {
			t.Errorf("%s: %+v", s.Name, s)
		}
	}

	if err := g.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	for _, s := range g.Stats() {
		if s.Status != StatusStopped {
			t.Errorf("%s status = %q after Stop", s.Name, s.Status)
		}
	}
}

func TestGroup_StartFailure(t *testing.T) {
	g := NewGroup([]config.ProcessConfig{
		{Name: "back2", Binary: "/bin/sleep", Args: []string{"60"}},
		{Name: "broken", Binary: "/nonexistent/odemisd"},
	}, nil)

	if err := g.Start(context.Background()); err == nil {
		t.Fatal("Start() error = nil, want an error")
	}
	if s := g.Managers()[0].Status(); s != StatusStopped {
		t.Errorf("back2 status = %q, want it stopped after the failure", s)
	}
}
