package prefork

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// dispatcher captures master-directed signals into request flags that the
// supervisor loop consumes on its own thread. Handlers never touch the
// registry; N deliveries of the same signal coalesce into one flag set.
//
// SIGTERM and SIGINT request shutdown, SIGUSR2 requests a rolling
// restart. Everything else keeps its default disposition. Child exits are
// observed through per-child wait goroutines rather than SIGCHLD; the Go
// runtime owns child reaping.
type dispatcher struct {
	sigCh    chan os.Signal
	shutdown atomic.Bool
	restart  atomic.Bool

	// wake nudges the loop when a flag is set programmatically rather
	// than by a signal
	wake chan struct{}
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		sigCh: make(chan os.Signal, 8),
		wake:  make(chan struct{}, 1),
	}
}

// install registers the master signal set
func (d *dispatcher) install() {
	signal.Notify(d.sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR2)
}

// uninstall restores default dispositions for the master signal set
func (d *dispatcher) uninstall() {
	signal.Stop(d.sigCh)
}

// resetWorkerSignals restores default dispositions in a freshly spawned
// worker so the user's own handlers take effect
func resetWorkerSignals() {
	signal.Reset()
}

// dispatch maps a delivered signal to its request flag
func (d *dispatcher) dispatch(sig os.Signal) {
	switch sig {
	case syscall.SIGTERM, syscall.SIGINT:
		d.requestShutdown()
	case syscall.SIGUSR2:
		d.requestRestart()
	}
}

// requestShutdown sets the shutdown flag; reports whether it was newly set
func (d *dispatcher) requestShutdown() bool {
	first := d.shutdown.CompareAndSwap(false, true)
	d.nudge()
	return first
}

// requestRestart sets the restart flag; reports whether it was newly set
func (d *dispatcher) requestRestart() bool {
	first := d.restart.CompareAndSwap(false, true)
	d.nudge()
	return first
}

// consumeRestart clears and returns the restart flag
func (d *dispatcher) consumeRestart() bool {
	return d.restart.Swap(false)
}

// shutdownRequested reports the shutdown flag without clearing it; once
// set it stays set for the supervisor lifetime
func (d *dispatcher) shutdownRequested() bool {
	return d.shutdown.Load()
}

// nudge wakes a sleeping loop without a signal delivery
func (d *dispatcher) nudge() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}
