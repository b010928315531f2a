//go:build linux

package worker

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/matst80/vpnd/internal/obs"
)

// sysCalls isolates the identity changing calls.
type sysCalls struct {
	geteuid   func() int
	chroot    func(string) error
	chdir     func(string) error
	setgroups func([]int) error
	setgid    func(int) error
	setuid    func(int) error
}

var realSys = sysCalls{
	geteuid:   unix.Geteuid,
	chroot:    unix.Chroot,
	chdir:     unix.Chdir,
	setgroups: unix.Setgroups,
	setgid:    unix.Setgid,
	setuid:    unix.Setuid,
}

// DropPrivileges confines the worker: chroot, then group, then user. Each
// step runs only when configured and while the process is still root.
func DropPrivileges(cfg Config) error {
	return dropPrivileges(cfg, realSys)
}

func dropPrivileges(cfg Config, sys sysCalls) error {
	if cfg.Chroot != "" && sys.geteuid() == 0 {
		if err := sys.chroot(cfg.Chroot); err != nil {
			return fmt.Errorf("chroot %s: %w", cfg.Chroot, err)
		}
		if err := sys.chdir("/"); err != nil {
			return fmt.Errorf("chdir after chroot: %w", err)
		}
	}
	if cfg.GID >= 0 && sys.geteuid() == 0 {
		if err := sys.setgroups([]int{cfg.GID}); err != nil {
			return fmt.Errorf("setgroups %d: %w", cfg.GID, err)
		}
		if err := sys.setgid(cfg.GID); err != nil {
			return fmt.Errorf("setgid %d: %w", cfg.GID, err)
		}
	}
	if cfg.UID >= 0 && sys.geteuid() == 0 {
		if err := sys.setuid(cfg.UID); err != nil {
			return fmt.Errorf("setuid %d: %w", cfg.UID, err)
		}
	}
	obs.Debug("worker.privileges", obs.Fields{"chroot": cfg.Chroot, "uid": cfg.UID, "gid": cfg.GID, "euid": sys.geteuid()})
	return nil
}
