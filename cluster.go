package prefork

import (
	"context"
	"os"
	"strconv"
	"sync"
	"syscall"

	"github.com/axondata/go-prefork/internal/cputopo"
)

// cluster is the process-wide supervisor state. The C-style prefork model
// is inherently global (a process is the master or a worker exactly
// once), so the package exposes its API over a single instance, the way
// net/http fronts DefaultServeMux.
type cluster struct {
	mu          sync.Mutex
	initialized bool
	isMaster    bool

	// worker-local identity, immutable after Init
	selfID   WorkerID
	selfPort uint16

	// master-only
	cfg     *Config
	sup     *supervisor
	disp    *dispatcher
	trigger *triggerWatcher
	servers *auxServers
	pidfile string
}

var std = &cluster{}

// workerEnv reads the identity a master placed in our environment.
// Returns ok=false in the master (no identity present).
func workerEnv() (WorkerID, uint16, bool, error) {
	idStr, ok := os.LookupEnv(EnvWorkerID)
	if !ok {
		return 0, 0, false, nil
	}
	portStr := os.Getenv(EnvWorkerPort)

	id, err := strconv.Atoi(idStr)
	if err != nil || id < 1 || id > MaxWorkers {
		return 0, 0, true, ErrBadWorkerEnv
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return 0, 0, true, ErrBadWorkerEnv
	}
	return WorkerID(id), uint16(port), true, nil
}

// Init initializes the cluster in the calling process. In the master it
// validates the configuration, spawns one worker per slot, and returns
// true; the caller is then expected to run WaitWorkers. In a worker it
// assigns the inherited identity and port, resets signal dispositions so
// user handlers take effect, and returns false.
//
// Init fails with a configuration error if cfg is nil, the port is zero,
// or the cpu count is out of range; no process state is modified in that
// case.
func Init(cfg *Config) (bool, error) {
	std.mu.Lock()
	defer std.mu.Unlock()
	return std.init(cfg)
}

func (c *cluster) init(cfg *Config) (bool, error) {
	if c.initialized {
		return false, ErrAlreadyInitialized
	}
	if cfg == nil {
		return false, ErrNilConfig
	}
	if err := cfg.Validate(); err != nil {
		return false, err
	}

	id, port, isWorker, err := workerEnv()
	if err != nil {
		return false, err
	}
	if isWorker {
		resetWorkerSignals()
		c.initialized = true
		c.isMaster = false
		c.selfID = id
		c.selfPort = port
		return false, nil
	}

	frozen := *cfg
	frozen.applyDefaults()

	sp, err := newExecSpawner()
	if err != nil {
		return false, err
	}

	reg := newRegistry(frozen.CPUs, frozen.Port, frozen.RespawnMaxCrashes)
	disp := newDispatcher()
	sup := newSupervisor(&frozen, reg, sp, disp)

	if frozen.MetricsAddr != "" {
		sup.metrics = newMetrics()
	}

	if frozen.PIDFile != "" {
		if err := writePIDFile(frozen.PIDFile, os.Getpid()); err != nil {
			return false, err
		}
		c.pidfile = frozen.PIDFile
	}

	disp.install()

	c.initialized = true
	c.isMaster = true
	c.cfg = &frozen
	c.sup = sup
	c.disp = disp

	frozen.Logger.Info("cluster starting",
		"workers", frozen.CPUs, "port", frozen.Port, "pid", os.Getpid())
	sup.spawnInitial()

	return true, nil
}

// WaitWorkers runs the supervisor loop in the master. It blocks until
// every worker slot is terminal and shutdown has completed, then tears
// the cluster down: signal handlers are restored, auxiliary listeners
// stop, the pidfile is removed, and the process may call Init again.
// With zero workers configured it returns immediately.
//
// Cancelling ctx is equivalent to receiving SIGTERM.
func WaitWorkers(ctx context.Context) error {
	std.mu.Lock()
	if !std.initialized {
		std.mu.Unlock()
		return ErrNotInitialized
	}
	if !std.isMaster {
		std.mu.Unlock()
		return ErrNotMaster
	}
	sup, cfg, disp := std.sup, std.cfg, std.disp

	var err error
	if cfg.RestartTriggerFile != "" {
		std.trigger, err = watchRestartTrigger(ctx, cfg.RestartTriggerFile, cfg.Logger, disp)
		if err != nil {
			cfg.Logger.Error("restart trigger watch failed",
				"path", cfg.RestartTriggerFile, "error", err)
		}
	}
	std.servers = startAuxServers(cfg, sup)
	std.mu.Unlock()

	runErr := sup.run(ctx)

	std.mu.Lock()
	defer std.mu.Unlock()
	std.teardown()
	return runErr
}

// teardown restores process-global state after the loop exits.
// Call with mu held.
func (c *cluster) teardown() {
	if c.disp != nil {
		c.disp.uninstall()
	}
	if c.trigger != nil {
		c.trigger.stop()
		c.trigger = nil
	}
	if c.servers != nil {
		c.servers.stop()
		c.servers = nil
	}
	if c.pidfile != "" {
		removePIDFile(c.pidfile)
		c.pidfile = ""
	}
	c.initialized = false
	c.isMaster = false
	c.cfg = nil
	c.sup = nil
	c.disp = nil
}

// Shutdown requests an orderly shutdown, exactly as if the master had
// received SIGTERM. Safe to call from any goroutine; idempotent.
func Shutdown() error {
	return std.withMaster(func(c *cluster) error {
		if c.disp.requestShutdown() {
			c.cfg.Logger.Info("shutdown requested programmatically")
		}
		return nil
	})
}

// GracefulRestart requests a rolling restart of every worker, exactly as
// if the master had received SIGUSR2. A request made while a rolling
// cycle is already in progress is a no-op.
func GracefulRestart() error {
	return std.withMaster(func(c *cluster) error {
		c.disp.requestRestart()
		return nil
	})
}

// SignalWorkers sends sig to every live worker. Unknown or reserved
// signals are passed through to the OS unchanged.
func SignalWorkers(sig syscall.Signal) error {
	var err error
	werr := std.withMaster(func(c *cluster) error {
		err = c.sup.signalWorkers(sig)
		return nil
	})
	if werr != nil {
		return werr
	}
	return err
}

// withMaster runs fn with the lock held if this process is an
// initialized master
func (c *cluster) withMaster(fn func(*cluster) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return ErrNotInitialized
	}
	if !c.isMaster {
		return ErrNotMaster
	}
	return fn(c)
}

// IsMaster reports whether this process is the initialized master
func IsMaster() bool {
	std.mu.Lock()
	defer std.mu.Unlock()
	return std.initialized && std.isMaster
}

// IsWorker reports whether this process is an initialized worker
func IsWorker() bool {
	std.mu.Lock()
	defer std.mu.Unlock()
	return std.initialized && !std.isMaster
}

// SelfID returns this worker's id, or 0 in the master or before Init
func SelfID() WorkerID {
	std.mu.Lock()
	defer std.mu.Unlock()
	return std.selfID
}

// GetPort returns the inherited listening port in a worker, or 0 in the
// master
func GetPort() uint16 {
	std.mu.Lock()
	defer std.mu.Unlock()
	return std.selfPort
}

// WorkerCount returns the configured number of worker slots in the
// master, or 0 elsewhere
func WorkerCount() int {
	std.mu.Lock()
	defer std.mu.Unlock()
	if !std.initialized || !std.isMaster {
		return 0
	}
	return std.sup.reg.size()
}

// CPUs returns the number of logical CPUs, clamped to [1, MaxWorkers]
func CPUs() int {
	return cputopo.Logical(MaxWorkers)
}

// CPUsPhysical returns the number of physical CPU cores, clamped to
// [1, MaxWorkers]. Falls back to the logical count when topology
// information is unavailable.
func CPUsPhysical() int {
	return cputopo.Physical(MaxWorkers)
}
