package prefork

import "time"

// Worker identity constants
const (
	// MaxWorkers is the largest worker id a cluster may assign.
	// Id 0 is reserved to mean "not a worker".
	MaxWorkers = 254

	// EnvWorkerID is the environment variable carrying a worker's id
	// across the re-exec boundary
	EnvWorkerID = "PREFORK_WORKER_ID"

	// EnvWorkerPort is the environment variable carrying the shared
	// listening port across the re-exec boundary
	EnvWorkerPort = "PREFORK_PORT"
)

// Supervisor timing defaults
const (
	// DefaultShutdownTimeout is how long the master waits for workers to
	// exit after SIGTERM before escalating to SIGKILL
	DefaultShutdownTimeout = 15 * time.Second

	// DefaultWorkerStartupDelay is the pause between initial worker
	// spawns, and the time a fresh worker must survive before it is
	// considered active
	DefaultWorkerStartupDelay = 100 * time.Millisecond

	// DefaultWorkerRespawnDelay is the pause before re-filling a slot
	// whose incarnation exited
	DefaultWorkerRespawnDelay = 100 * time.Millisecond

	// DefaultRespawnWindow is the sliding window the crash-rate limiter
	// evaluates
	DefaultRespawnWindow = 5 * time.Second

	// DefaultRespawnMaxCrashes is the number of crashes inside the window
	// that disables a slot
	DefaultRespawnMaxCrashes = 3

	// DefaultTriggerDebounce is the debounce applied to restart trigger
	// file events to coalesce rapid touches
	DefaultTriggerDebounce = 25 * time.Millisecond

	// PIDFileMode is the mode for the master pidfile
	PIDFileMode = 0o644
)
