package prefork

import "time"

// Stats is a point-in-time snapshot of the fleet. A snapshot may lag the
// supervisor by one loop iteration.
type Stats struct {
	// Workers is the configured number of slots
	Workers int

	// Per-status slot counts; they always sum to Workers
	Unstarted  int
	Starting   int
	Active     int
	Stopping   int
	Crashed    int
	Respawning int
	Disabled   int

	// TotalCrashes counts crashes across all slots since Init
	TotalCrashes uint64

	// TotalRestarts counts completed rolling-restart cycles, not
	// individual respawns
	TotalRestarts uint64

	// ShutdownRequested reports whether shutdown has been requested
	ShutdownRequested bool

	// RestartActive reports whether a rolling restart is in progress
	RestartActive bool
}

// WorkerStats is a copy of one slot's externally visible state
type WorkerStats struct {
	ID              WorkerID
	PID             int
	Port            uint16
	Status          WorkerStatus
	StartTime       time.Time
	ExitStatus      int
	CrashCount      uint64
	RespawnDisabled bool
}

// stats builds a fleet snapshot under the supervisor lock
func (s *supervisor) stats() *Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := &Stats{
		Workers:           s.reg.size(),
		TotalCrashes:      s.totalCrashes,
		TotalRestarts:     s.totalRestarts,
		ShutdownRequested: s.shuttingDown || s.disp.shutdownRequested(),
		RestartActive:     s.restartActive,
	}
	for _, w := range s.reg.all() {
		switch w.status {
		case StatusUnstarted:
			st.Unstarted++
		case StatusStarting:
			st.Starting++
		case StatusActive:
			st.Active++
		case StatusStopping:
			st.Stopping++
		case StatusCrashed:
			st.Crashed++
		case StatusRespawning:
			st.Respawning++
		case StatusDisabled:
			st.Disabled++
		}
	}
	return st
}

// workerStats copies one slot's state under the supervisor lock
func (s *supervisor) workerStats(id WorkerID) (*WorkerStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.reg.lookup(id)
	if w == nil {
		return nil, ErrUnknownWorker
	}
	ws := w.snapshot()
	return &ws, nil
}

// allWorkers copies every slot's state under the supervisor lock
func (s *supervisor) allWorkers() []WorkerStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]WorkerStats, 0, s.reg.size())
	for _, w := range s.reg.all() {
		out = append(out, w.snapshot())
	}
	return out
}

// GetStats returns a snapshot of registry counts and supervisor flags.
// Master-only; in a worker it fails with ErrNotMaster.
func GetStats() (*Stats, error) {
	var st *Stats
	err := std.withMaster(func(c *cluster) error {
		st = c.sup.stats()
		return nil
	})
	return st, err
}

// GetWorkerStats returns a snapshot of one worker slot. Master-only.
func GetWorkerStats(id WorkerID) (*WorkerStats, error) {
	var ws *WorkerStats
	err := std.withMaster(func(c *cluster) error {
		var serr error
		ws, serr = c.sup.workerStats(id)
		return serr
	})
	return ws, err
}

// GetAllWorkers returns a snapshot of every worker slot in id order.
// Master-only.
func GetAllWorkers() ([]WorkerStats, error) {
	var out []WorkerStats
	err := std.withMaster(func(c *cluster) error {
		out = c.sup.allWorkers()
		return nil
	})
	return out, err
}
