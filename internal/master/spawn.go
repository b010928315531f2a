//go:build linux

package master

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// WorkerCommand is the sub-command a re-executed binary runs as a worker.
const WorkerCommand = "worker"

// Spawner starts a worker process for an accepted client. conn and ctrl stay
// owned by the caller; the spawner must arrange for the child to get its own
// copies.
type Spawner interface {
	Spawn(conn, ctrl int, remote netip.AddrPort) (pid int, err error)
}

// Exit is one reaped child.
type Exit struct {
	PID    int
	Status unix.WaitStatus
}

// Failed reports a non-zero exit or death by a fault signal.
func (e Exit) Failed() bool {
	if e.Status.Exited() {
		return e.Status.ExitStatus() != 0
	}
	if e.Status.Signaled() {
		switch e.Status.Signal() {
		case unix.SIGSEGV, unix.SIGBUS, unix.SIGILL, unix.SIGFPE, unix.SIGABRT:
			return true
		}
	}
	return false
}

// ProcessControl signals and reaps worker processes.
type ProcessControl interface {
	Kill(pid int, sig syscall.Signal) error
	// Reap collects every child that has already exited without blocking.
	Reap() ([]Exit, error)
	// WaitAll blocks until no children remain.
	WaitAll() ([]Exit, error)
}

// ExecSpawner re-executes Path with the worker sub-command. The child sees
// the client connection on fd 3 and its end of the control channel on fd 4.
type ExecSpawner struct {
	Path   string   // defaults to /proc/self/exe
	Args   []string // appended after the worker sub-command
	Env    []string // full child environment
	Stderr io.Writer
}

var _ Spawner = (*ExecSpawner)(nil)

func (e *ExecSpawner) Spawn(conn, ctrl int, remote netip.AddrPort) (int, error) {
	connF, err := dupFile(conn, "client")
	if err != nil {
		return 0, err
	}
	defer connF.Close()
	ctrlF, err := dupFile(ctrl, "control")
	if err != nil {
		return 0, err
	}
	defer ctrlF.Close()

	path := e.Path
	if path == "" {
		path = "/proc/self/exe"
	}
	cmd := exec.Command(path, append([]string{WorkerCommand}, e.Args...)...)
	cmd.Env = e.Env
	cmd.ExtraFiles = []*os.File{connF, ctrlF}
	cmd.Stdout = e.Stderr
	cmd.Stderr = e.Stderr
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start worker for %s: %w", remote, err)
	}
	pid := cmd.Process.Pid
	// wait4(-1) in the reaper owns the child from here on
	_ = cmd.Process.Release()
	return pid, nil
}

func dupFile(fd int, name string) (*os.File, error) {
	nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 3)
	if err != nil {
		return nil, fmt.Errorf("dup %s: %w", name, err)
	}
	return os.NewFile(uintptr(nfd), name), nil
}

// SysProcs is ProcessControl backed by kill(2) and wait4(2).
type SysProcs struct{}

var _ ProcessControl = SysProcs{}

func (SysProcs) Kill(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return unix.ESRCH
	}
	return unix.Kill(pid, sig)
}

func (SysProcs) Reap() ([]Exit, error) {
	var out []Exit
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			return out, nil
		case err != nil:
			return out, fmt.Errorf("wait4: %w", err)
		case pid <= 0:
			return out, nil
		}
		out = append(out, Exit{PID: pid, Status: ws})
	}
}

func (SysProcs) WaitAll() ([]Exit, error) {
	var out []Exit
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, 0, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			return out, nil
		case err != nil:
			return out, fmt.Errorf("wait4: %w", err)
		}
		out = append(out, Exit{PID: pid, Status: ws})
	}
}
