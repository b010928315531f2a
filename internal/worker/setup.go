//go:build linux

package worker

import (
	"fmt"
	"os"
	"slices"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/matst80/vpnd/internal/obs"
)

// Setup performs the child side of spawning: it takes the configuration out
// of the environment, closes every inherited descriptor that is not ours and
// returns the client connection and the control channel.
func Setup() (Config, *os.File, *os.File, error) {
	raw := os.Getenv(EnvConfig)
	_ = os.Unsetenv(EnvConfig)
	cfg, err := DecodeConfig(raw)
	if err != nil {
		return Config{}, nil, nil, err
	}

	fds, err := openFDs()
	if err != nil {
		return Config{}, nil, nil, err
	}
	if closed := SweepFDs(fds, ConnFD, CtrlFD); len(closed) > 0 {
		obs.Debug("worker.fd_sweep", obs.Fields{"closed": closed})
	}

	for _, fd := range []int{ConnFD, CtrlFD} {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
			return Config{}, nil, nil, fmt.Errorf("inherited fd %d: %w", fd, err)
		}
		unix.CloseOnExec(fd)
	}
	return cfg, os.NewFile(ConnFD, "client"), os.NewFile(CtrlFD, "control"), nil
}

// SweepFDs closes every descriptor in candidates above stderr that is not in
// keep and lacks close-on-exec. Close-on-exec descriptors belong to the Go
// runtime or were opened by this process, so only leaked inherited ones go.
func SweepFDs(candidates []int, keep ...int) []int {
	var closed []int
	for _, fd := range candidates {
		if fd <= 2 || slices.Contains(keep, fd) {
			continue
		}
		flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
		if err != nil || flags&unix.FD_CLOEXEC != 0 {
			continue
		}
		if err := unix.Close(fd); err == nil {
			closed = append(closed, fd)
		}
	}
	return closed
}

func openFDs() ([]int, error) {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return nil, fmt.Errorf("list descriptors: %w", err)
	}
	fds := make([]int, 0, len(entries))
	for _, e := range entries {
		n, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		fds = append(fds, n)
	}
	return fds, nil
}
