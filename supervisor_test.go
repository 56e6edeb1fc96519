package prefork

import (
	"context"
	"log/slog"
	"sync"
	"syscall"
	"testing"
	"time"
)

// fakeProc is a controllable stand-in for a worker process. Its default
// reaction to SIGTERM is a clean zero exit; ignoreTerm simulates a
// worker that does not honor graceful shutdown.
type fakeProc struct {
	pid        int
	ignoreTerm bool

	mu       sync.Mutex
	once     sync.Once
	exitCh   chan struct{}
	code     int
	signaled bool
	sig      syscall.Signal

	termCount int
	killCount int
}

func newFakeProc(pid int) *fakeProc {
	return &fakeProc{pid: pid, exitCh: make(chan struct{})}
}

func (p *fakeProc) Pid() int { return p.pid }

func (p *fakeProc) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	if sig == syscall.SIGTERM {
		p.termCount++
	}
	ignore := p.ignoreTerm
	p.mu.Unlock()

	if sig == syscall.SIGTERM && !ignore {
		p.exit(0, false, 0)
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	p.killCount++
	p.mu.Unlock()
	p.exit(128+int(syscall.SIGKILL), true, syscall.SIGKILL)
	return nil
}

func (p *fakeProc) Wait() (int, bool, syscall.Signal) {
	<-p.exitCh
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, p.signaled, p.sig
}

// exit simulates process termination; idempotent
func (p *fakeProc) exit(code int, signaled bool, sig syscall.Signal) {
	p.once.Do(func() {
		p.mu.Lock()
		p.code = code
		p.signaled = signaled
		p.sig = sig
		p.mu.Unlock()
		close(p.exitCh)
	})
}

func (p *fakeProc) sigterms() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.termCount
}

// fakeSpawner fabricates fakeProcs and records spawn history per slot
type fakeSpawner struct {
	mu      sync.Mutex
	nextPID int
	history []WorkerID
	byID    map[WorkerID][]*fakeProc

	// onSpawn customizes a new proc before the supervisor sees it
	onSpawn func(id WorkerID, p *fakeProc)
	// failFor injects spawn errors per slot
	failFor map[WorkerID]bool
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{
		nextPID: 1000,
		byID:    make(map[WorkerID][]*fakeProc),
		failFor: make(map[WorkerID]bool),
	}
}

func (f *fakeSpawner) Spawn(id WorkerID, _ uint16) (procHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failFor[id] {
		return nil, syscall.EAGAIN
	}

	f.nextPID++
	p := newFakeProc(f.nextPID)
	if f.onSpawn != nil {
		f.onSpawn(id, p)
	}
	f.history = append(f.history, id)
	f.byID[id] = append(f.byID[id], p)
	return p, nil
}

// current returns the most recent proc spawned for a slot
func (f *fakeSpawner) current(id WorkerID) *fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	procs := f.byID[id]
	if len(procs) == 0 {
		return nil
	}
	return procs[len(procs)-1]
}

func (f *fakeSpawner) spawnCount(id WorkerID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byID[id])
}

func (f *fakeSpawner) spawnOrder() []WorkerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]WorkerID(nil), f.history...)
}

func testConfig(n int) *Config {
	return &Config{
		CPUs:               n,
		Port:               3000,
		Respawn:            true,
		ShutdownTimeout:    5 * time.Second,
		WorkerStartupDelay: 10 * time.Millisecond,
		WorkerRespawnDelay: 10 * time.Millisecond,
		RespawnWindow:      5 * time.Second,
		RespawnMaxCrashes:  3,
		Logger:             slog.New(slog.DiscardHandler),
	}
}

func newTestSupervisor(cfg *Config) (*supervisor, *fakeSpawner, *dispatcher) {
	fs := newFakeSpawner()
	disp := newDispatcher()
	reg := newRegistry(cfg.CPUs, cfg.Port, cfg.RespawnMaxCrashes)
	return newSupervisor(cfg, reg, fs, disp), fs, disp
}

// waitFor polls cond until it holds or the deadline passes
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func activeCount(s *supervisor) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg.countByStatus(StatusActive)
}

func startLoop(t *testing.T, s *supervisor) chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.run(context.Background()) }()
	return done
}

func waitDone(t *testing.T, done chan error, timeout time.Duration) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("supervisor loop: %v", err)
		}
	case <-time.After(timeout):
		t.Fatal("supervisor loop did not exit")
	}
}

func TestCleanShutdown(t *testing.T) {
	var mu sync.Mutex
	var exits []bool

	cfg := testConfig(2)
	cfg.OnExit = func(_ WorkerID, _ int, crashed bool) {
		mu.Lock()
		exits = append(exits, crashed)
		mu.Unlock()
	}

	sup, fs, disp := newTestSupervisor(cfg)
	sup.spawnInitial()
	done := startLoop(t, sup)

	waitFor(t, 5*time.Second, "workers active", func() bool {
		return activeCount(sup) == 2
	})

	disp.requestShutdown()
	waitDone(t, done, 5*time.Second)

	for _, id := range []WorkerID{1, 2} {
		if got := fs.current(id).sigterms(); got != 1 {
			t.Errorf("worker %d received %d SIGTERMs, want 1", id, got)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(exits) != 2 {
		t.Fatalf("got %d exit callbacks, want 2", len(exits))
	}
	for i, crashed := range exits {
		if crashed {
			t.Errorf("exit %d reported crashed, want graceful", i)
		}
	}
}

func TestCrashAndRespawn(t *testing.T) {
	crashCh := make(chan bool, 4)

	cfg := testConfig(2)
	cfg.OnExit = func(id WorkerID, _ int, crashed bool) {
		if id == 1 {
			crashCh <- crashed
		}
	}

	sup, fs, disp := newTestSupervisor(cfg)
	sup.spawnInitial()
	done := startLoop(t, sup)

	waitFor(t, 5*time.Second, "workers active", func() bool {
		return activeCount(sup) == 2
	})

	// externally kill worker 1
	first := fs.current(1)
	first.exit(128+int(syscall.SIGKILL), true, syscall.SIGKILL)

	select {
	case crashed := <-crashCh:
		if !crashed {
			t.Error("external kill not reported as crash")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no exit callback for killed worker")
	}

	waitFor(t, 5*time.Second, "slot 1 respawned", func() bool {
		return fs.spawnCount(1) == 2 && activeCount(sup) == 2
	})

	ws, err := sup.workerStats(1)
	if err != nil {
		t.Fatal(err)
	}
	if ws.CrashCount != 1 {
		t.Errorf("CrashCount = %d, want 1", ws.CrashCount)
	}
	if got := sup.stats().TotalRestarts; got != 0 {
		t.Errorf("TotalRestarts = %d, want 0 (respawns are not rolling cycles)", got)
	}

	disp.requestShutdown()
	waitDone(t, done, 5*time.Second)
}

func TestCrashStormDisablesSlot(t *testing.T) {
	cfg := testConfig(1)

	sup, fs, _ := newTestSupervisor(cfg)
	fs.onSpawn = func(_ WorkerID, p *fakeProc) {
		// deterministic defect: dies instantly with status 1
		p.exit(1, false, 0)
	}
	sup.spawnInitial()
	done := startLoop(t, sup)

	// loop must exit on its own once the slot is terminal
	waitDone(t, done, 10*time.Second)

	ws, err := sup.workerStats(1)
	if err != nil {
		t.Fatal(err)
	}
	if ws.Status != StatusDisabled {
		t.Errorf("status = %v, want disabled", ws.Status)
	}
	if !ws.RespawnDisabled {
		t.Error("RespawnDisabled not set")
	}
	if ws.CrashCount != uint64(cfg.RespawnMaxCrashes) {
		t.Errorf("CrashCount = %d, want %d", ws.CrashCount, cfg.RespawnMaxCrashes)
	}
	if got := fs.spawnCount(1); got != cfg.RespawnMaxCrashes {
		t.Errorf("spawned %d times, want %d", got, cfg.RespawnMaxCrashes)
	}
	if st := sup.stats(); st.Disabled != 1 {
		t.Errorf("Disabled = %d, want 1", st.Disabled)
	}
}

func TestRollingRestart(t *testing.T) {
	type event struct {
		kind string
		id   WorkerID
	}
	var mu sync.Mutex
	var log []event

	cfg := testConfig(3)
	cfg.OnStart = func(id WorkerID, _ int) {
		mu.Lock()
		log = append(log, event{"start", id})
		mu.Unlock()
	}
	cfg.OnExit = func(id WorkerID, _ int, _ bool) {
		mu.Lock()
		log = append(log, event{"exit", id})
		mu.Unlock()
	}

	sup, fs, disp := newTestSupervisor(cfg)
	sup.spawnInitial()
	done := startLoop(t, sup)

	waitFor(t, 5*time.Second, "workers active", func() bool {
		return activeCount(sup) == 3
	})

	disp.requestRestart()
	waitFor(t, 10*time.Second, "rolling restart completion", func() bool {
		mu.Lock()
		n := len(log)
		mu.Unlock()
		return sup.stats().TotalRestarts == 1 && n >= 9
	})

	// each slot was respawned exactly once, in id order
	order := fs.spawnOrder()
	if len(order) != 6 {
		t.Fatalf("spawn history %v, want 6 spawns", order)
	}
	for i, want := range []WorkerID{1, 2, 3, 1, 2, 3} {
		if order[i] != want {
			t.Fatalf("spawn history %v, want initial 1,2,3 then rolling 1,2,3", order)
		}
	}

	// the cycle is strictly sequential: a slot's replacement is active
	// before the next slot is stopped
	mu.Lock()
	rolling := log[3:] // skip the three initial starts
	mu.Unlock()
	want := []event{
		{"exit", 1}, {"start", 1},
		{"exit", 2}, {"start", 2},
		{"exit", 3}, {"start", 3},
	}
	if len(rolling) != len(want) {
		t.Fatalf("rolling events %v, want %v", rolling, want)
	}
	for i := range want {
		if rolling[i] != want[i] {
			t.Fatalf("rolling events %v, want %v", rolling, want)
		}
	}

	disp.requestShutdown()
	waitDone(t, done, 5*time.Second)
}

func TestGracefulRestartIdempotent(t *testing.T) {
	cfg := testConfig(2)
	sup, fs, disp := newTestSupervisor(cfg)
	sup.spawnInitial()
	done := startLoop(t, sup)

	waitFor(t, 5*time.Second, "workers active", func() bool {
		return activeCount(sup) == 2
	})

	disp.requestRestart()
	disp.requestRestart()

	waitFor(t, 10*time.Second, "rolling restart completion", func() bool {
		return sup.stats().TotalRestarts == 1
	})

	// give a second cycle a chance to (wrongly) begin
	time.Sleep(100 * time.Millisecond)
	if got := sup.stats().TotalRestarts; got != 1 {
		t.Errorf("TotalRestarts = %d, want exactly 1", got)
	}
	if got := fs.spawnCount(1) + fs.spawnCount(2); got != 4 {
		t.Errorf("total spawns = %d, want 4", got)
	}

	disp.requestShutdown()
	waitDone(t, done, 5*time.Second)
}

func TestShutdownTimeoutEscalatesToKill(t *testing.T) {
	crashCh := make(chan bool, 1)

	cfg := testConfig(1)
	cfg.ShutdownTimeout = 100 * time.Millisecond
	cfg.OnExit = func(_ WorkerID, _ int, crashed bool) {
		crashCh <- crashed
	}

	sup, fs, disp := newTestSupervisor(cfg)
	fs.onSpawn = func(_ WorkerID, p *fakeProc) {
		p.ignoreTerm = true
	}
	sup.spawnInitial()
	done := startLoop(t, sup)

	waitFor(t, 5*time.Second, "worker active", func() bool {
		return activeCount(sup) == 1
	})

	start := time.Now()
	disp.requestShutdown()
	waitDone(t, done, 5*time.Second)
	elapsed := time.Since(start)

	if elapsed < cfg.ShutdownTimeout {
		t.Errorf("loop exited after %v, before the %v deadline", elapsed, cfg.ShutdownTimeout)
	}
	if elapsed > 3*time.Second {
		t.Errorf("loop took %v, SIGKILL escalation too slow", elapsed)
	}

	p := fs.current(1)
	if p.killCount != 1 {
		t.Errorf("killCount = %d, want 1", p.killCount)
	}
	select {
	case crashed := <-crashCh:
		if !crashed {
			t.Error("SIGKILL death not reported as crash")
		}
	default:
		t.Error("no exit callback after forced kill")
	}
}

func TestDoubleShutdownCoalesces(t *testing.T) {
	cfg := testConfig(2)
	sup, fs, disp := newTestSupervisor(cfg)
	sup.spawnInitial()
	done := startLoop(t, sup)

	waitFor(t, 5*time.Second, "workers active", func() bool {
		return activeCount(sup) == 2
	})

	disp.requestShutdown()
	disp.requestShutdown()
	waitDone(t, done, 5*time.Second)

	for _, id := range []WorkerID{1, 2} {
		if got := fs.current(id).sigterms(); got != 1 {
			t.Errorf("worker %d received %d SIGTERMs, want 1", id, got)
		}
	}
}

func TestNoRespawnReturnsWhenAllExit(t *testing.T) {
	cfg := testConfig(2)
	cfg.Respawn = false

	sup, fs, _ := newTestSupervisor(cfg)
	sup.spawnInitial()
	done := startLoop(t, sup)

	waitFor(t, 5*time.Second, "workers active", func() bool {
		return activeCount(sup) == 2
	})

	fs.current(1).exit(0, false, 0)
	fs.current(2).exit(0, false, 0)

	// with respawn disabled and every worker gone, the loop exits
	// without any shutdown request
	waitDone(t, done, 5*time.Second)

	if got := fs.spawnCount(1) + fs.spawnCount(2); got != 2 {
		t.Errorf("total spawns = %d, want 2 (no respawns)", got)
	}
}

func TestSpawnFailureFeedsRateLimiter(t *testing.T) {
	cfg := testConfig(1)
	sup, fs, disp := newTestSupervisor(cfg)
	fs.mu.Lock()
	fs.failFor[1] = true
	fs.mu.Unlock()

	sup.spawnInitial()
	done := startLoop(t, sup)

	waitFor(t, 5*time.Second, "failed spawn recorded", func() bool {
		ws, err := sup.workerStats(1)
		return err == nil && ws.CrashCount >= 1
	})

	// the slot recovers once forking works again
	fs.mu.Lock()
	fs.failFor[1] = false
	fs.mu.Unlock()

	waitFor(t, 5*time.Second, "worker active after spawn recovery", func() bool {
		return activeCount(sup) == 1
	})

	disp.requestShutdown()
	waitDone(t, done, 5*time.Second)
}

func TestCrashDuringRollingRestartOfOtherSlot(t *testing.T) {
	cfg := testConfig(3)
	sup, fs, disp := newTestSupervisor(cfg)
	sup.spawnInitial()
	done := startLoop(t, sup)

	waitFor(t, 5*time.Second, "workers active", func() bool {
		return activeCount(sup) == 3
	})

	disp.requestRestart()

	// crash slot 3 while the cursor works on slot 1
	fs.current(3).exit(2, false, 0)

	waitFor(t, 10*time.Second, "restart completion", func() bool {
		return sup.stats().TotalRestarts == 1
	})
	waitFor(t, 5*time.Second, "fleet recovered", func() bool {
		return activeCount(sup) == 3
	})

	// slot 3 was both respawned after its crash and cycled by the
	// cursor
	if got := fs.spawnCount(3); got < 2 {
		t.Errorf("slot 3 spawned %d times, want at least 2", got)
	}

	disp.requestShutdown()
	waitDone(t, done, 5*time.Second)
}

func TestShutdownAbandonsRollingRestart(t *testing.T) {
	cfg := testConfig(2)
	// keep the cycle slow enough to interrupt
	cfg.WorkerRespawnDelay = 200 * time.Millisecond

	sup, fs, disp := newTestSupervisor(cfg)
	sup.spawnInitial()
	done := startLoop(t, sup)

	waitFor(t, 5*time.Second, "workers active", func() bool {
		return activeCount(sup) == 2
	})

	disp.requestRestart()
	waitFor(t, 5*time.Second, "cycle started", func() bool {
		return fs.current(1).sigterms() == 1
	})

	disp.requestShutdown()
	waitDone(t, done, 5*time.Second)

	if got := sup.stats().TotalRestarts; got != 0 {
		t.Errorf("TotalRestarts = %d, want 0 for an abandoned cycle", got)
	}
}

func TestStaleExitEventIgnored(t *testing.T) {
	cfg := testConfig(1)
	sup, _, disp := newTestSupervisor(cfg)
	sup.spawnInitial()
	done := startLoop(t, sup)

	waitFor(t, 5*time.Second, "worker active", func() bool {
		return activeCount(sup) == 1
	})

	// an event for an incarnation the registry no longer tracks
	cbs := sup.handleExit(exitEvent{id: 1, incarnation: 99, pid: 1}, time.Now())
	if cbs != nil {
		t.Error("stale event produced callbacks")
	}
	if activeCount(sup) != 1 {
		t.Error("stale event changed worker state")
	}

	disp.requestShutdown()
	waitDone(t, done, 5*time.Second)
}
