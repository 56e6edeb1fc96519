package prefork

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// exitEvent describes one reaped incarnation. Events are produced by the
// per-child wait goroutine and consumed only by the supervisor loop.
type exitEvent struct {
	id          WorkerID
	incarnation uint64
	pid         int
	code        int
	signaled    bool
	signal      syscall.Signal
}

// procHandle is one spawned incarnation. Wait blocks until the process
// exits and reports how.
type procHandle interface {
	Pid() int
	Signal(sig syscall.Signal) error
	Kill() error
	Wait() (code int, signaled bool, sig syscall.Signal)
}

// spawner creates worker processes. The supervisor only ever talks to
// this interface, which keeps the control loop testable without real
// processes.
type spawner interface {
	Spawn(id WorkerID, port uint16) (procHandle, error)
}

// execSpawner spawns workers by re-executing the current binary with the
// worker identity in the environment. This is the process-model
// equivalent of a fork-based prefork server: the same program runs in
// every process and the child discovers its role at Init.
type execSpawner struct {
	exe  string
	args []string
}

func newExecSpawner() (*execSpawner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("prefork: resolving executable: %w", err)
	}
	return &execSpawner{exe: exe, args: os.Args[1:]}, nil
}

func (s *execSpawner) Spawn(id WorkerID, port uint16) (procHandle, error) {
	cmd := exec.Command(s.exe, s.args...)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%d", EnvWorkerID, id),
		fmt.Sprintf("%s=%d", EnvWorkerPort, port),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execHandle{cmd: cmd}, nil
}

// execHandle wraps a started exec.Cmd
type execHandle struct {
	cmd *exec.Cmd
}

func (h *execHandle) Pid() int {
	return h.cmd.Process.Pid
}

func (h *execHandle) Signal(sig syscall.Signal) error {
	return h.cmd.Process.Signal(sig)
}

func (h *execHandle) Kill() error {
	return h.cmd.Process.Kill()
}

// Wait reaps the child and decodes its wait status. A signaled death is
// reported with the conventional 128+signal exit code.
func (h *execHandle) Wait() (int, bool, syscall.Signal) {
	_ = h.cmd.Wait()
	state := h.cmd.ProcessState
	if state == nil {
		return -1, false, 0
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), true, ws.Signal()
	}
	return state.ExitCode(), false, 0
}
