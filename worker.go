package prefork

import "time"

// worker is one slot in the registry. The slot (and its id) lives for the
// whole supervisor lifetime; the process filling it is one incarnation.
// All fields are owned by the supervisor loop and guarded by its mutex.
type worker struct {
	id   WorkerID
	port uint16

	pid    int
	status WorkerStatus
	handle procHandle

	// incarnation counts spawns for this slot. Exit events carry the
	// incarnation they belong to so a late event for a replaced process
	// cannot be misattributed.
	incarnation uint64

	startTime  time.Time
	exitStatus int

	crashCount      uint64
	crashes         crashRing
	respawnDisabled bool

	// activeAt is the promotion deadline while starting
	activeAt time.Time
	// respawnAt is the due time while respawning
	respawnAt time.Time

	// restarting marks the slot as the subject of the rolling-restart
	// cursor: set when its old incarnation is terminated, cleared when
	// the replacement reaches active (or the slot becomes terminal)
	restarting bool
}

// live reports whether the slot currently owns an OS process
func (w *worker) live() bool {
	return w.pid != 0 && w.status.hasProcess()
}

// terminal reports whether the slot can never again produce a process.
// During shutdown every empty slot is terminal; outside shutdown only a
// disabled slot, or an exited slot that will not be respawned, is.
func (w *worker) terminal(shuttingDown bool) bool {
	if w.live() {
		return false
	}
	if w.status == StatusDisabled {
		return true
	}
	if shuttingDown {
		return true
	}
	return w.status == StatusCrashed || w.status == StatusUnstarted
}

// snapshot copies the externally visible fields
func (w *worker) snapshot() WorkerStats {
	return WorkerStats{
		ID:              w.id,
		PID:             w.pid,
		Port:            w.port,
		Status:          w.status,
		StartTime:       w.startTime,
		ExitStatus:      w.exitStatus,
		CrashCount:      w.crashCount,
		RespawnDisabled: w.respawnDisabled,
	}
}
