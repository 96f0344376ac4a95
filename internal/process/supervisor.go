package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/FdxDelveloper/iot-walkthrough/internal/infrastructure/config"
)

// Status represents the current state of the supervised process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
)

const (
	defaultRestartDelay        = 5 * time.Second
	defaultMaxRestartDelay     = 5 * time.Minute
	defaultStableThreshold     = 2 * time.Minute
	defaultGracefulTimeout     = 10 * time.Second
	defaultHealthCheckInterval = 10 * time.Second

	// maxConsecutiveFailures health check failures kill the process.
	maxConsecutiveFailures = 3

	healthCheckTimeout = 5 * time.Second
)

// HealthCheckFunc reports whether a process that has been running for
// uptime is healthy.
type HealthCheckFunc func(ctx context.Context, uptime time.Duration) error

// Config holds configuration for a supervised process.
type Config struct {
	// Name is a human-readable identifier for logging.
	Name string

	// Binary is the path to the executable.
	Binary string

	// Args are command-line arguments to pass to the binary.
	Args []string

	// Env are additional environment variables (key=value), appended to
	// the host's environment.
	Env []string

	// WorkDir is the working directory. Empty inherits the host's.
	WorkDir string

	// RestartOnFailure restarts the process when it exits unexpectedly.
	RestartOnFailure bool

	// RestartDelay is the first restart delay; it doubles per consecutive
	// failure up to MaxRestartDelay.
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration

	// StableThreshold is how long a run must last for the restart counter
	// and delay to reset.
	StableThreshold time.Duration

	// MaxRestartAttempts limits consecutive restarts. 0 means unlimited.
	MaxRestartAttempts int

	// GracefulTimeout is how long Stop waits after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration

	// HealthCheck runs every HealthCheckInterval while the process is up.
	// Three consecutive failures kill it.
	HealthCheck         HealthCheckFunc
	HealthCheckInterval time.Duration

	// OnStop is called whenever the process exits (nil error on a
	// requested stop).
	OnStop func(err error)
}

// FromUIConfig builds the supervisor configuration for the UI process.
func FromUIConfig(cfg config.UIConfig, env []string) Config {
	return Config{
		Name:               "ui",
		Binary:             cfg.Command,
		Args:               cfg.Args,
		Env:                env,
		RestartOnFailure:   true,
		RestartDelay:       time.Duration(cfg.RestartDelay) * time.Second,
		MaxRestartAttempts: cfg.MaxRestartAttempts,
	}
}

// Logger defines the logging interface for the supervisor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Supervisor runs one child process and restarts it when it fails.
type Supervisor struct {
	config Config
	logger Logger

	mu            sync.RWMutex
	cmd           *exec.Cmd
	status        Status
	restartCount  int
	lastError     error
	startTime     time.Time
	stopRequested bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor creates a supervisor. Zero durations get defaults.
func NewSupervisor(cfg Config) *Supervisor {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = defaultRestartDelay
	}
	if cfg.MaxRestartDelay <= 0 {
		cfg.MaxRestartDelay = defaultMaxRestartDelay
	}
	if cfg.MaxRestartDelay < cfg.RestartDelay {
		cfg.MaxRestartDelay = cfg.RestartDelay
	}
	if cfg.StableThreshold <= 0 {
		cfg.StableThreshold = defaultStableThreshold
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = defaultGracefulTimeout
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = defaultHealthCheckInterval
	}

	return &Supervisor{
		config: cfg,
		logger: noopLogger{},
		status: StatusStopped,
	}
}

// SetLogger sets the logger for the supervisor.
func (s *Supervisor) SetLogger(logger Logger) {
	s.logger = logger
}

// Start launches the process and begins supervising it. Only the first
// launch is reported; later failures are handled by restarting.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.config.Binary == "" {
		return ErrNoCommand
	}

	s.mu.Lock()
	if s.status == StatusRunning || s.status == StatusStarting {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, s.config.Name)
	}
	s.status = StatusStarting
	s.stopRequested = false
	s.restartCount = 0
	s.done = make(chan struct{})
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.launch(ctx); err != nil {
		cancel()
		s.mu.Lock()
		s.status = StatusFailed
		s.lastError = err
		close(s.done)
		s.mu.Unlock()
		return err
	}

	go s.supervise(ctx)
	return nil
}

// launch starts one instance of the process in its own process group.
func (s *Supervisor) launch(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, s.config.Binary, s.config.Args...) //nolint:gosec // Command comes from the host config
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(), s.config.Env...)
	cmd.Dir = s.config.WorkDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", s.config.Name, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.status = StatusRunning
	s.startTime = time.Now()
	s.mu.Unlock()

	go s.captureOutput("stdout", stdout)
	go s.captureOutput("stderr", stderr)

	s.logger.Info("process started",
		"name", s.config.Name,
		"binary", s.config.Binary,
		"pid", cmd.Process.Pid,
	)
	return nil
}

// captureOutput logs the process output line by line.
func (s *Supervisor) captureOutput(stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.logger.Debug("process output",
			"name", s.config.Name,
			"stream", stream,
			"line", scanner.Text(),
		)
	}
}

// wait blocks until the process exits or is killed for failing its health
// check.
func (s *Supervisor) wait(ctx context.Context, cmd *exec.Cmd) error {
	exitCh := make(chan error, 1)
	go func() {
		exitCh <- cmd.Wait()
	}()

	if s.config.HealthCheck == nil {
		return <-exitCh
	}

	ticker := time.NewTicker(s.config.HealthCheckInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case err := <-exitCh:
			return err

		case <-ctx.Done():
			return <-exitCh

		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			err := s.config.HealthCheck(checkCtx, s.Uptime())
			cancel()

			if err == nil {
				if failures > 0 {
					s.logger.Info("health check recovered", "name", s.config.Name, "previous_failures", failures)
				}
				failures = 0
				continue
			}

			failures++
			s.logger.Warn("health check failed",
				"name", s.config.Name,
				"error", err,
				"consecutive_failures", failures,
			)
			if failures < maxConsecutiveFailures {
				continue
			}

			s.logger.Error("health check failed repeatedly, killing process", "name", s.config.Name)
			if cmd.Process != nil {
				//nolint:errcheck // Process may already be gone
				syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			}
			<-exitCh
			return fmt.Errorf("%w: %w", ErrUnhealthy, err)
		}
	}
}

// supervise waits for each run to end and restarts with backoff.
func (s *Supervisor) supervise(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.cancel()
		close(s.done)
		s.mu.Unlock()
	}()

	delay := s.config.RestartDelay
	for {
		s.mu.RLock()
		cmd := s.cmd
		started := s.startTime
		s.mu.RUnlock()

		err := s.wait(ctx, cmd)
		ran := time.Since(started)

		s.mu.Lock()
		stopRequested := s.stopRequested || ctx.Err() != nil
		if stopRequested {
			s.status = StatusStopped
		} else {
			s.status = StatusFailed
			s.lastError = err
		}
		s.mu.Unlock()

		if stopRequested {
			s.logger.Info("process stopped", "name", s.config.Name)
			s.notifyStop(nil)
			return
		}

		if err == nil {
			err = errors.New("exited with status 0")
		}
		s.logger.Warn("process exited unexpectedly", "name", s.config.Name, "error", err, "ran", ran)
		s.notifyStop(err)

		if !s.config.RestartOnFailure {
			return
		}

		// A long run means the previous failures are history.
		if ran >= s.config.StableThreshold {
			s.mu.Lock()
			s.restartCount = 0
			s.mu.Unlock()
			delay = s.config.RestartDelay
		}

		s.mu.Lock()
		s.restartCount++
		attempt := s.restartCount
		s.mu.Unlock()

		if s.config.MaxRestartAttempts > 0 && attempt > s.config.MaxRestartAttempts {
			s.logger.Error("max restart attempts reached", "name", s.config.Name, "attempts", attempt-1)
			return
		}

		s.logger.Info("restarting process", "name", s.config.Name, "attempt", attempt, "delay", delay)
		for {
			if !s.sleep(ctx, delay) {
				s.setStatus(StatusStopped)
				return
			}
			delay = min(delay*2, s.config.MaxRestartDelay)

			err := s.launch(ctx)
			if err == nil {
				break
			}
			s.logger.Error("failed to restart process", "name", s.config.Name, "error", err)

			s.mu.Lock()
			s.lastError = err
			s.restartCount++
			attempt = s.restartCount
			s.mu.Unlock()

			if s.config.MaxRestartAttempts > 0 && attempt > s.config.MaxRestartAttempts {
				s.logger.Error("max restart attempts reached", "name", s.config.Name, "attempts", attempt-1)
				return
			}
		}
	}
}

// sleep waits for d, returning false if supervision was stopped first.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.stopRequested
}

func (s *Supervisor) notifyStop(err error) {
	if s.config.OnStop != nil {
		s.config.OnStop(err)
	}
}

func (s *Supervisor) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Stop terminates the process: SIGTERM to its process group, then SIGKILL
// after GracefulTimeout. It returns once supervision has ended.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	s.stopRequested = true
	cmd := s.cmd
	done := s.done
	cancel := s.cancel
	running := s.status == StatusRunning || s.status == StatusStarting
	s.mu.Unlock()

	if done == nil {
		return nil
	}
	if !running || cmd == nil || cmd.Process == nil {
		// Waiting out a restart delay, or already finished.
		cancel()
		<-done
		return nil
	}

	pid := cmd.Process.Pid
	s.logger.Info("stopping process", "name", s.config.Name, "pid", pid)

	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		s.logger.Warn("failed to send SIGTERM", "name", s.config.Name, "error", err)
	}

	timer := time.NewTimer(s.config.GracefulTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		s.logger.Warn("graceful shutdown timeout, sending SIGKILL", "name", s.config.Name)
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("killing process group %s: %w", s.config.Name, err)
	}
	<-done
	return nil
}

// Done is closed when supervision ends.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done
}

// Status returns the current status of the process.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// IsRunning returns true if the process is currently running.
func (s *Supervisor) IsRunning() bool {
	return s.Status() == StatusRunning
}

// LastError returns the error that ended the last failed run.
func (s *Supervisor) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// RestartCount returns the number of consecutive restarts.
func (s *Supervisor) RestartCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restartCount
}

// Uptime returns how long the current run has lasted, or 0.
func (s *Supervisor) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != StatusRunning {
		return 0
	}
	return time.Since(s.startTime)
}

// PID returns the process ID, or 0 if not running.
func (s *Supervisor) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == StatusRunning && s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return 0
}

// Stats is a snapshot of the supervisor state.
type Stats struct {
	Name         string        `json:"name"`
	Status       Status        `json:"status"`
	PID          int           `json:"pid,omitempty"`
	Uptime       time.Duration `json:"uptime,omitempty"`
	RestartCount int           `json:"restart_count"`
	LastError    string        `json:"last_error,omitempty"`
}

// Stats returns current statistics for the process.
func (s *Supervisor) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Name:         s.config.Name,
		Status:       s.status,
		RestartCount: s.restartCount,
	}
	if s.status == StatusRunning {
		if s.cmd != nil && s.cmd.Process != nil {
			stats.PID = s.cmd.Process.Pid
		}
		stats.Uptime = time.Since(s.startTime)
	}
	if s.lastError != nil {
		stats.LastError = s.lastError.Error()
	}
	return stats
}

// AttachHealthCheck fails once the process has run longer than grace
// without a bridge peer attached. attached is typically
// (*bridge.Server).Attached.
func AttachHealthCheck(attached func() bool, grace time.Duration) HealthCheckFunc {
	return func(_ context.Context, uptime time.Duration) error {
		if attached() || uptime < grace {
			return nil
		}
		return fmt.Errorf("%w after %v", ErrNotAttached, uptime.Round(time.Second))
	}
}
