package prefork

import (
	"log/slog"
	"time"

	"github.com/axondata/go-prefork/internal/cputopo"
)

// Config configures the cluster. It is frozen after Init; later mutation
// has no effect on a running supervisor.
type Config struct {
	// CPUs is the number of worker slots. 0 means one worker per logical
	// CPU, capped at MaxWorkers.
	CPUs int

	// Port is the listening port every worker inherits. Workers are
	// expected to bind it with SO_REUSEPORT; see Listen.
	Port uint16

	// Respawn enables re-filling slots whose incarnation exited
	Respawn bool

	// ShutdownTimeout is how long workers get to exit after SIGTERM
	// before SIGKILL
	ShutdownTimeout time.Duration

	// WorkerStartupDelay is the pause between initial spawns and the
	// survival time before a worker is considered active
	WorkerStartupDelay time.Duration

	// WorkerRespawnDelay is the pause before re-filling an exited slot
	WorkerRespawnDelay time.Duration

	// RespawnWindow is the crash-rate limiter's sliding window
	RespawnWindow time.Duration

	// RespawnMaxCrashes is the number of crashes inside RespawnWindow
	// that disables a slot
	RespawnMaxCrashes int

	// OnStart is invoked from the supervisor loop when a worker reaches
	// active, never from signal context
	OnStart func(id WorkerID, pid int)

	// OnExit is invoked from the supervisor loop when an incarnation is
	// reaped. crashed is false for a clean exit, and for any exit while
	// the worker was being stopped except death by a signal other than
	// SIGTERM.
	OnExit func(id WorkerID, exitCode int, crashed bool)

	// Logger receives supervisor events. Defaults to slog.Default().
	Logger *slog.Logger

	// PIDFile, when set, is written atomically with the master pid at
	// Init and removed when WaitWorkers returns
	PIDFile string

	// RestartTriggerFile, when set, is watched by the master; writing or
	// touching it requests a graceful rolling restart
	RestartTriggerFile string

	// MetricsAddr, when set, serves Prometheus metrics at /metrics on
	// this address for the lifetime of the supervisor loop
	MetricsAddr string

	// APIAddr, when set, serves the read-only introspection API on this
	// address for the lifetime of the supervisor loop
	APIAddr string
}

// Option configures a Config
type Option func(*Config)

// WithCPUs sets the number of worker slots
func WithCPUs(n int) Option {
	return func(c *Config) {
		c.CPUs = n
	}
}

// WithPort sets the shared listening port
func WithPort(port uint16) Option {
	return func(c *Config) {
		c.Port = port
	}
}

// WithRespawn enables or disables respawning exited workers
func WithRespawn(on bool) Option {
	return func(c *Config) {
		c.Respawn = on
	}
}

// WithShutdownTimeout sets the SIGTERM-to-SIGKILL escalation deadline
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ShutdownTimeout = d
	}
}

// WithWorkerStartupDelay sets the inter-spawn pause and activation delay
func WithWorkerStartupDelay(d time.Duration) Option {
	return func(c *Config) {
		c.WorkerStartupDelay = d
	}
}

// WithWorkerRespawnDelay sets the pause before re-filling an exited slot
func WithWorkerRespawnDelay(d time.Duration) Option {
	return func(c *Config) {
		c.WorkerRespawnDelay = d
	}
}

// WithRespawnLimit sets the crash-rate limiter window and threshold
func WithRespawnLimit(window time.Duration, maxCrashes int) Option {
	return func(c *Config) {
		c.RespawnWindow = window
		c.RespawnMaxCrashes = maxCrashes
	}
}

// WithCallbacks sets the worker lifecycle callbacks
func WithCallbacks(onStart func(WorkerID, int), onExit func(WorkerID, int, bool)) Option {
	return func(c *Config) {
		c.OnStart = onStart
		c.OnExit = onExit
	}
}

// WithLogger sets the supervisor logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithPIDFile sets the master pidfile path
func WithPIDFile(path string) Option {
	return func(c *Config) {
		c.PIDFile = path
	}
}

// WithRestartTriggerFile sets the file whose touch requests a rolling restart
func WithRestartTriggerFile(path string) Option {
	return func(c *Config) {
		c.RestartTriggerFile = path
	}
}

// WithMetricsAddr sets the Prometheus metrics listen address
func WithMetricsAddr(addr string) Option {
	return func(c *Config) {
		c.MetricsAddr = addr
	}
}

// WithAPIAddr sets the introspection API listen address
func WithAPIAddr(addr string) Option {
	return func(c *Config) {
		c.APIAddr = addr
	}
}

// NewConfig builds a Config from options. Defaults are applied by Init.
func NewConfig(opts ...Option) *Config {
	c := &Config{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Validate checks init-time constraints. It does not modify the config.
func (c *Config) Validate() error {
	if c.Port == 0 {
		return ErrInvalidPort
	}
	if c.CPUs < 0 || c.CPUs > MaxWorkers {
		return ErrInvalidCPUs
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.CPUs == 0 {
		c.CPUs = cputopo.Logical(MaxWorkers)
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.WorkerStartupDelay == 0 {
		c.WorkerStartupDelay = DefaultWorkerStartupDelay
	}
	if c.WorkerRespawnDelay == 0 {
		c.WorkerRespawnDelay = DefaultWorkerRespawnDelay
	}
	if c.RespawnWindow == 0 {
		c.RespawnWindow = DefaultRespawnWindow
	}
	if c.RespawnMaxCrashes == 0 {
		c.RespawnMaxCrashes = DefaultRespawnMaxCrashes
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
