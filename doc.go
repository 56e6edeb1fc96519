// Package prefork supervises a fleet of worker processes that all serve
// the same listening port.
//
// The master process spawns N copies of its own binary, each marked as a
// worker through the environment. Workers bind the shared port with
// SO_REUSEPORT so the kernel distributes accepted connections across them;
// no userspace load balancer is involved. The master monitors its workers,
// re-fills slots whose process exited (with sliding-window crash-rate
// protection), performs zero-downtime rolling restarts on SIGUSR2, and
// coordinates orderly shutdown on SIGTERM or SIGINT.
//
// Every process calls Init. The master spawns the fleet and then runs the
// supervisor loop; a worker returns immediately with its inherited identity
// and port and runs the user's server:
//
//	isMaster, err := prefork.Init(&prefork.Config{Port: 3000, Respawn: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if isMaster {
//	    if err := prefork.WaitWorkers(context.Background()); err != nil {
//	        log.Fatal(err)
//	    }
//	    return
//	}
//
//	// Worker: bind the inherited port with SO_REUSEPORT and serve.
//	ln, err := prefork.Listen(context.Background())
//
// # Worker identity
//
// A worker slot has a stable id in [1, MaxWorkers] that survives respawns;
// an individual OS process filling a slot is one incarnation. SelfID and
// GetPort report the identity a worker inherited. The master's view of the
// fleet is available through GetStats, GetWorkerStats, and GetAllWorkers,
// which fail in a worker.
//
// # Design notes
//
// The supervisor does not bind the listening port itself. Workers are
// expected to open their listener with kernel-level port reuse; the Listen
// helper does this for TCP on Linux and macOS, and opens a plain listener
// elsewhere. The only IPC between master and workers is
// signals and exit status.
package prefork
