package process

import (
	"context"
	"errors"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FdxDelveloper/iot-walkthrough/internal/infrastructure/config"
)

func requireBinary(t *testing.T, name string) string {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
	return path
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestNewSupervisor_Defaults(t *testing.T) {
	s := NewSupervisor(Config{Name: "ui", Binary: "/bin/true"})

	if s.config.RestartDelay != defaultRestartDelay {
		t.Errorf("RestartDelay = %v, want %v", s.config.RestartDelay, defaultRestartDelay)
	}
	if s.config.MaxRestartDelay != defaultMaxRestartDelay {
		t.Errorf("MaxRestartDelay = %v, want %v", s.config.MaxRestartDelay, defaultMaxRestartDelay)
	}
	if s.config.StableThreshold != defaultStableThreshold {
		t.Errorf("StableThreshold = %v, want %v", s.config.StableThreshold, defaultStableThreshold)
	}
	if s.config.GracefulTimeout != defaultGracefulTimeout {
		t.Errorf("GracefulTimeout = %v, want %v", s.config.GracefulTimeout, defaultGracefulTimeout)
	}
	if s.Status() != StatusStopped {
		t.Errorf("Status() = %v, want %v", s.Status(), StatusStopped)
	}
}

func TestNewSupervisor_MaxDelayNotBelowDelay(t *testing.T) {
	s := NewSupervisor(Config{
		Binary:          "/bin/true",
		RestartDelay:    10 * time.Second,
		MaxRestartDelay: time.Second,
	})
	if s.config.MaxRestartDelay != 10*time.Second {
		t.Errorf("MaxRestartDelay = %v, want 10s", s.config.MaxRestartDelay)
	}
}

func TestFromUIConfig(t *testing.T) {
	cfg := FromUIConfig(config.UIConfig{
		Command:            "/usr/bin/weather-ui",
		Args:               []string{"--fullscreen"},
		RestartDelay:       3,
		MaxRestartAttempts: 7,
	}, []string{"BRIDGE_SOCKET=/tmp/b.sock"})

	if cfg.Binary != "/usr/bin/weather-ui" {
		t.Errorf("Binary = %q", cfg.Binary)
	}
	if len(cfg.Args) != 1 || cfg.Args[0] != "--fullscreen" {
		t.Errorf("Args = %v", cfg.Args)
	}
	if !cfg.RestartOnFailure {
		t.Error("RestartOnFailure = false, want true")
	}
	if cfg.RestartDelay != 3*time.Second {
		t.Errorf("RestartDelay = %v, want 3s", cfg.RestartDelay)
	}
	if cfg.MaxRestartAttempts != 7 {
		t.Errorf("MaxRestartAttempts = %d, want 7", cfg.MaxRestartAttempts)
	}
	if len(cfg.Env) != 1 || cfg.Env[0] != "BRIDGE_SOCKET=/tmp/b.sock" {
		t.Errorf("Env = %v", cfg.Env)
	}
}

func TestSupervisor_StartWithoutCommand(t *testing.T) {
	s := NewSupervisor(Config{Name: "ui"})
	if err := s.Start(context.Background()); !errors.Is(err, ErrNoCommand) {
		t.Errorf("Start() error = %v, want ErrNoCommand", err)
	}
}

func TestSupervisor_StartMissingBinary(t *testing.T) {
	s := NewSupervisor(Config{Name: "ui", Binary: "/nonexistent/weather-ui"})
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start() error = nil, want error for missing binary")
	}
	if s.Status() != StatusFailed {
		t.Errorf("Status() = %v, want %v", s.Status(), StatusFailed)
	}
	if s.LastError() == nil {
		t.Error("LastError() = nil, want error")
	}
}

func TestSupervisor_StartStop(t *testing.T) {
	sleep := requireBinary(t, "sleep")

	s := NewSupervisor(Config{
		Name:            "ui",
		Binary:          sleep,
		Args:            []string{"60"},
		GracefulTimeout: 2 * time.Second,
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if !s.IsRunning() {
		t.Error("IsRunning() = false, want true")
	}
	if s.PID() == 0 {
		t.Error("PID() = 0, want running pid")
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}

	stats := s.Stats()
	if stats.Name != "ui" || stats.Status != StatusRunning {
		t.Errorf("Stats() = %+v", stats)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if s.Status() != StatusStopped {
		t.Errorf("Status() after Stop = %v, want %v", s.Status(), StatusStopped)
	}
	if s.PID() != 0 {
		t.Errorf("PID() after Stop = %d, want 0", s.PID())
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done() not closed after Stop")
	}
}

func TestSupervisor_StopBeforeStart(t *testing.T) {
	s := NewSupervisor(Config{Name: "ui", Binary: "/bin/true"})
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() error = %v, want nil", err)
	}
}

func TestSupervisor_RestartsOnFailure(t *testing.T) {
	sh := requireBinary(t, "sh")

	var stops atomic.Int32
	s := NewSupervisor(Config{
		Name:               "ui",
		Binary:             sh,
		Args:               []string{"-c", "exit 1"},
		RestartOnFailure:   true,
		RestartDelay:       10 * time.Millisecond,
		MaxRestartDelay:    20 * time.Millisecond,
		MaxRestartAttempts: 2,
		OnStop: func(err error) {
			if err != nil {
				stops.Add(1)
			}
		},
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("supervision did not end after max restart attempts")
	}

	// The first run plus two restarts.
	if got := stops.Load(); got != 3 {
		t.Errorf("failed runs = %d, want 3", got)
	}
	if s.Status() != StatusFailed {
		t.Errorf("Status() = %v, want %v", s.Status(), StatusFailed)
	}
	if s.LastError() == nil {
		t.Error("LastError() = nil, want exit error")
	}
}

func TestSupervisor_NoRestartWhenDisabled(t *testing.T) {
	sh := requireBinary(t, "sh")

	s := NewSupervisor(Config{
		Name:   "ui",
		Binary: sh,
		Args:   []string{"-c", "exit 3"},
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("supervision did not end")
	}
	if s.RestartCount() != 0 {
		t.Errorf("RestartCount() = %d, want 0", s.RestartCount())
	}
	if s.Status() != StatusFailed {
		t.Errorf("Status() = %v, want %v", s.Status(), StatusFailed)
	}
}

func TestSupervisor_ContextCancelStops(t *testing.T) {
	sleep := requireBinary(t, "sleep")

	ctx, cancel := context.WithCancel(context.Background())
	s := NewSupervisor(Config{
		Name:             "ui",
		Binary:           sleep,
		Args:             []string{"60"},
		RestartOnFailure: true,
	})
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("supervision did not end after context cancel")
	}
	if s.Status() != StatusStopped {
		t.Errorf("Status() = %v, want %v", s.Status(), StatusStopped)
	}
	if s.RestartCount() != 0 {
		t.Errorf("RestartCount() = %d, want 0", s.RestartCount())
	}
}

func TestSupervisor_HealthCheckKillsProcess(t *testing.T) {
	sleep := requireBinary(t, "sleep")

	var lastErr atomic.Value
	s := NewSupervisor(Config{
		Name:                "ui",
		Binary:              sleep,
		Args:                []string{"60"},
		HealthCheckInterval: 10 * time.Millisecond,
		HealthCheck: func(context.Context, time.Duration) error {
			return errors.New("no heartbeat")
		},
		OnStop: func(err error) {
			if err != nil {
				lastErr.Store(err)
			}
		},
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("unhealthy process was not killed")
	}

	err, _ := lastErr.Load().(error)
	if !errors.Is(err, ErrUnhealthy) {
		t.Errorf("stop error = %v, want ErrUnhealthy", err)
	}
}

func TestSupervisor_HealthCheckRecovers(t *testing.T) {
	sleep := requireBinary(t, "sleep")

	var calls atomic.Int32
	s := NewSupervisor(Config{
		Name:                "ui",
		Binary:              sleep,
		Args:                []string{"60"},
		GracefulTimeout:     2 * time.Second,
		HealthCheckInterval: 10 * time.Millisecond,
		HealthCheck: func(context.Context, time.Duration) error {
			// Two failures, then healthy: never three in a row.
			if n := calls.Add(1); n%3 != 0 {
				return errors.New("transient")
			}
			return nil
		},
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop() //nolint:errcheck // test cleanup

	waitFor(t, 5*time.Second, func() bool { return calls.Load() >= 9 })
	if !s.IsRunning() {
		t.Error("IsRunning() = false, want process kept alive")
	}
}

func TestAttachHealthCheck(t *testing.T) {
	tests := []struct {
		name     string
		attached bool
		uptime   time.Duration
		wantErr  bool
	}{
		{name: "attached", attached: true, uptime: time.Hour},
		{name: "within grace", attached: false, uptime: 5 * time.Second},
		{name: "past grace unattached", attached: false, uptime: time.Minute, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := AttachHealthCheck(func() bool { return tt.attached }, 30*time.Second)
			err := check(context.Background(), tt.uptime)
			if tt.wantErr {
				if !errors.Is(err, ErrNotAttached) {
					t.Errorf("check() error = %v, want ErrNotAttached", err)
				}
				return
			}
			if err != nil {
				t.Errorf("check() error = %v, want nil", err)
			}
		})
	}
}
