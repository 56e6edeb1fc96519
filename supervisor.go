package prefork

import (
	"context"
	"log/slog"
	"sync"
	"syscall"
	"time"
)

// idlePollInterval bounds the loop's sleep when no deadline is pending,
// so a request flag set between the flag check and the select cannot
// park the loop indefinitely.
const idlePollInterval = 500 * time.Millisecond

// supervisor owns the worker registry and runs the master control loop.
// The registry is mutated only with mu held; user callbacks are invoked
// with mu released, always from the loop goroutine and never from signal
// context.
type supervisor struct {
	cfg   *Config
	log   *slog.Logger
	reg   *registry
	spawn spawner
	disp  *dispatcher
	exits chan exitEvent

	// metrics is optional; all observe methods are nil-safe
	metrics *metrics

	mu               sync.Mutex
	shuttingDown     bool
	killed           bool
	shutdownDeadline time.Time

	restartActive bool
	restartCursor int
	totalRestarts uint64
	totalCrashes  uint64
}

func newSupervisor(cfg *Config, reg *registry, sp spawner, disp *dispatcher) *supervisor {
	return &supervisor{
		cfg:   cfg,
		log:   cfg.Logger,
		reg:   reg,
		spawn: sp,
		disp:  disp,
		exits: make(chan exitEvent, 2*reg.size()+8),
	}
}

// spawnInitial brings up every slot with the configured delay between
// spawns to avoid a thundering herd on boot. Called once from Init,
// before the loop runs.
func (s *supervisor) spawnInitial() {
	for i, w := range s.reg.all() {
		if i > 0 {
			time.Sleep(s.cfg.WorkerStartupDelay)
		}
		s.mu.Lock()
		s.spawnSlot(w, time.Now())
		s.mu.Unlock()
	}
}

// spawnSlot starts a new incarnation for w. A spawn failure counts as a
// crash for the slot and feeds the rate limiter. Call with mu held.
func (s *supervisor) spawnSlot(w *worker, now time.Time) {
	h, err := s.spawn.Spawn(w.id, w.port)
	if err != nil {
		s.log.Error("worker spawn failed",
			"worker", int(w.id), "error", err)
		w.crashCount++
		s.totalCrashes++
		s.metrics.observeCrash(w.id)
		s.decideRespawn(w, now)
		return
	}

	w.handle = h
	w.pid = h.Pid()
	w.incarnation++
	w.status = StatusStarting
	w.startTime = now
	w.activeAt = now.Add(s.cfg.WorkerStartupDelay)
	w.exitStatus = 0

	id, inc := w.id, w.incarnation
	go func() {
		code, signaled, sig := h.Wait()
		s.exits <- exitEvent{
			id:          id,
			incarnation: inc,
			pid:         h.Pid(),
			code:        code,
			signaled:    signaled,
			signal:      sig,
		}
	}()

	s.log.Info("worker spawned",
		"worker", int(w.id), "pid", w.pid, "port", w.port)
}

// decideRespawn schedules the next move for a slot whose incarnation is
// gone after a crash: respawn after the configured delay, or disable the
// slot when the rate limiter trips. Call with mu held.
func (s *supervisor) decideRespawn(w *worker, now time.Time) {
	if s.shuttingDown || s.disp.shutdownRequested() {
		w.status = StatusCrashed
		w.restarting = false
		return
	}
	if !s.cfg.Respawn && !w.restarting {
		w.status = StatusCrashed
		return
	}
	if w.crashes.recordAndDecide(now, s.cfg.RespawnWindow) {
		w.status = StatusRespawning
		w.respawnAt = now.Add(s.cfg.WorkerRespawnDelay)
		return
	}
	w.status = StatusDisabled
	w.respawnDisabled = true
	w.restarting = false
	s.metrics.observeDisabled()
	s.log.Warn("worker disabled: crash rate exceeded",
		"worker", int(w.id),
		"crashes", w.crashes.count,
		"window", s.cfg.RespawnWindow)
}

// isCrash classifies an exit. A clean exit is never a crash; during a
// requested stop, death by SIGTERM is the expected outcome and any other
// fatal signal is not.
func isCrash(prev WorkerStatus, ev exitEvent) bool {
	if prev == StatusStopping {
		return ev.signaled && ev.signal != syscall.SIGTERM
	}
	if ev.signaled {
		return true
	}
	return ev.code != 0
}

// handleExit reconciles one reaped incarnation. Returns the callbacks to
// run after the lock is released.
func (s *supervisor) handleExit(ev exitEvent, now time.Time) []func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.reg.lookup(ev.id)
	if w == nil || ev.incarnation != w.incarnation || w.pid == 0 {
		// stale event for a replaced incarnation
		return nil
	}

	prev := w.status
	w.pid = 0
	w.handle = nil
	w.exitStatus = ev.code

	crashed := isCrash(prev, ev)
	if crashed {
		w.crashCount++
		s.totalCrashes++
		s.metrics.observeCrash(w.id)
	}

	s.log.Info("worker exited",
		"worker", int(w.id),
		"pid", ev.pid,
		"code", ev.code,
		"signaled", ev.signaled,
		"crashed", crashed)

	var cbs []func()
	if cb := s.cfg.OnExit; cb != nil {
		id, code := w.id, ev.code
		cbs = append(cbs, func() { cb(id, code, crashed) })
	}

	switch {
	case s.shuttingDown || s.disp.shutdownRequested():
		w.status = StatusCrashed
		w.restarting = false
	case crashed:
		s.decideRespawn(w, now)
	case s.cfg.Respawn || w.restarting:
		// clean exit outside shutdown still vacates the slot; re-fill
		// it without charging the rate limiter
		w.status = StatusRespawning
		w.respawnAt = now.Add(s.cfg.WorkerRespawnDelay)
	default:
		w.status = StatusCrashed
	}
	return cbs
}

// beginShutdown transitions every slot toward termination. Pending
// respawns are cancelled, live workers get SIGTERM, and the kill deadline
// is armed. An in-flight rolling restart is abandoned. Call with mu held.
func (s *supervisor) beginShutdown(now time.Time) {
	s.shuttingDown = true
	s.restartActive = false
	s.shutdownDeadline = now.Add(s.cfg.ShutdownTimeout)

	s.log.Info("shutdown requested",
		"workers", len(s.reg.iterLive()),
		"timeout", s.cfg.ShutdownTimeout)

	for _, w := range s.reg.all() {
		switch {
		case w.live():
			w.status = StatusStopping
			if err := w.handle.Signal(syscall.SIGTERM); err != nil {
				s.log.Error("sending SIGTERM failed",
					"worker", int(w.id), "pid", w.pid, "error", err)
			}
		case w.status == StatusRespawning:
			w.status = StatusCrashed
		}
	}
}

// forceKill escalates to SIGKILL for workers that outlived the shutdown
// deadline. Call with mu held.
func (s *supervisor) forceKill() {
	s.killed = true
	for _, w := range s.reg.iterLive() {
		s.log.Warn("shutdown timeout, killing worker",
			"worker", int(w.id), "pid", w.pid)
		if err := w.handle.Kill(); err != nil {
			s.log.Error("sending SIGKILL failed",
				"worker", int(w.id), "pid", w.pid, "error", err)
		}
	}
}

// advanceRestart walks the rolling-restart cursor. Each slot in turn is
// terminated and the cursor waits until its replacement has reached
// active before moving on, so serving capacity never drops by more than
// one worker. Call with mu held.
func (s *supervisor) advanceRestart() {
	for s.restartActive {
		if s.restartCursor >= s.reg.size() {
			s.restartActive = false
			s.totalRestarts++
			s.metrics.observeRestartCycle()
			s.log.Info("rolling restart complete",
				"cycles", s.totalRestarts)
			return
		}

		w := s.reg.all()[s.restartCursor]
		if w.restarting {
			// waiting for the replacement to reach active
			return
		}
		switch w.status {
		case StatusActive:
			w.restarting = true
			w.status = StatusStopping
			s.log.Info("rolling restart: stopping worker",
				"worker", int(w.id), "pid", w.pid)
			if err := w.handle.Signal(syscall.SIGTERM); err != nil {
				s.log.Error("sending SIGTERM failed",
					"worker", int(w.id), "pid", w.pid, "error", err)
			}
			return
		case StatusStarting, StatusStopping, StatusRespawning:
			// slot in flux for another reason; wait for it to settle
			return
		default:
			// empty or disabled slots are skipped
			s.restartCursor++
		}
	}
}

// step applies every due state transition and computes the next deadline.
// Returns deferred callbacks to run with the lock released.
func (s *supervisor) step(now time.Time) (cbs []func(), next time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disp.shutdownRequested() && !s.shuttingDown {
		s.beginShutdown(now)
	}

	if s.shuttingDown && !s.killed && !now.Before(s.shutdownDeadline) {
		s.forceKill()
	}

	if s.disp.consumeRestart() && !s.shuttingDown && !s.restartActive {
		s.restartActive = true
		s.restartCursor = 0
		s.log.Info("rolling restart requested")
	}

	for _, w := range s.reg.all() {
		// promote workers that survived their startup delay
		if w.status == StatusStarting && !now.Before(w.activeAt) {
			w.status = StatusActive
			if w.restarting {
				// the replacement for the cursor slot is up; the
				// rolling cycle moves on
				w.restarting = false
				s.restartCursor++
			}
			s.log.Info("worker active", "worker", int(w.id), "pid", w.pid)
			if cb := s.cfg.OnStart; cb != nil {
				id, pid := w.id, w.pid
				cbs = append(cbs, func() { cb(id, pid) })
			}
		}

		// execute due respawns
		if w.status == StatusRespawning && !s.shuttingDown && !now.Before(w.respawnAt) {
			s.log.Info("worker respawning", "worker", int(w.id))
			s.spawnSlot(w, now)
		}
	}

	if s.restartActive {
		s.advanceRestart()
	}

	// next deadline: earliest promotion, due respawn, or the kill deadline
	add := func(t time.Time) {
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}
	for _, w := range s.reg.all() {
		switch w.status {
		case StatusStarting:
			add(w.activeAt)
		case StatusRespawning:
			if !s.shuttingDown {
				add(w.respawnAt)
			}
		}
	}
	if s.shuttingDown && !s.killed {
		add(s.shutdownDeadline)
	}
	return cbs, next
}

// done reports whether every slot is terminal
func (s *supervisor) done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.reg.all() {
		if !w.terminal(s.shuttingDown) {
			return false
		}
	}
	return true
}

// run is the supervisor loop. It blocks until every slot is terminal:
// all workers reaped during shutdown, or every slot disabled or exited
// without respawn. Context cancellation is treated as a shutdown request.
func (s *supervisor) run(ctx context.Context) error {
	ctxDone := ctx.Done()
	for {
		cbs, next := s.step(time.Now())
		for _, cb := range cbs {
			cb()
		}
		s.metrics.observeFleet(s)

		if s.done() {
			s.log.Info("all workers terminal, supervisor exiting")
			return nil
		}

		sleep := idlePollInterval
		if !next.IsZero() {
			if d := time.Until(next); d < sleep {
				sleep = d
			}
		}
		if sleep < 0 {
			sleep = 0
		}
		timer := time.NewTimer(sleep)

		select {
		case <-ctxDone:
			s.disp.requestShutdown()
			ctxDone = nil
		case sig := <-s.disp.sigCh:
			s.disp.dispatch(sig)
		case <-s.disp.wake:
		case ev := <-s.exits:
			for _, cb := range s.handleExit(ev, time.Now()) {
				cb()
			}
		case <-timer.C:
		}
		timer.Stop()
	}
}

// signalWorkers sends sig to every live worker, collecting per-slot
// failures
func (s *supervisor) signalWorkers(sig syscall.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	merr := &MultiError{}
	for _, w := range s.reg.iterLive() {
		if err := w.handle.Signal(sig); err != nil {
			merr.Add(&SlotError{ID: w.id, Op: "signal", Err: err})
		}
	}
	return merr.Err()
}
