package process

import "errors"

var (
	// ErrAlreadyRunning is returned by Start while the process is running.
	ErrAlreadyRunning = errors.New("process: already running")

	// ErrNoCommand is returned when no executable is configured.
	ErrNoCommand = errors.New("process: no command configured")

	// ErrNotAttached is returned by the attach health check when the UI has
	// been running past its grace period without attaching to the bridge.
	ErrNotAttached = errors.New("process: ui not attached to bridge")

	// ErrUnhealthy is returned when the process was killed after repeated
	// health check failures.
	ErrUnhealthy = errors.New("process: killed after failed health checks")
)
