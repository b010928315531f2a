//go:build linux

package worker

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestConfig_EncodeDecode(t *testing.T) {
	in := Config{
		CertFile:         "/etc/vpnd/cert.pem",
		KeyFile:          "/etc/vpnd/key.pem",
		Chroot:           "/var/empty",
		UID:              65534,
		GID:              65534,
		HandshakeTimeout: 5 * time.Second,
	}
	s, err := in.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := DecodeConfig(s)
	if err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip: %+v != %+v", in, out)
	}
}

func TestDecodeConfig_Defaults(t *testing.T) {
	if _, err := DecodeConfig(""); !errors.Is(err, ErrNoConfig) {
		t.Fatalf("empty: expected ErrNoConfig, got %v", err)
	}
	c, err := DecodeConfig("cert_file: a\nkey_file: b\n")
	if err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}
	if c.UID != -1 || c.GID != -1 {
		t.Fatalf("identity defaults = %d/%d, want -1/-1", c.UID, c.GID)
	}
	if c.HandshakeTimeout != defaultHandshakeTimeout {
		t.Fatalf("handshake timeout = %v", c.HandshakeTimeout)
	}
	if _, err := DecodeConfig("uid: [nope"); err == nil {
		t.Fatal("broken yaml decoded")
	}
}

func isOpen(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

func TestSweepFDs(t *testing.T) {
	var leaked [2]int
	if err := unix.Pipe(leaked[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	var owned [2]int
	if err := unix.Pipe2(owned[:], unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	defer unix.Close(owned[0])
	defer unix.Close(owned[1])
	defer unix.Close(leaked[1])

	closed := SweepFDs([]int{0, 1, 2, leaked[0], leaked[1], owned[0], owned[1], 1 << 20}, leaked[1])

	if len(closed) != 1 || closed[0] != leaked[0] {
		t.Fatalf("closed = %v, want [%d]", closed, leaked[0])
	}
	if isOpen(leaked[0]) {
		t.Fatal("leaked descriptor still open")
	}
	if !isOpen(leaked[1]) || !isOpen(owned[0]) || !isOpen(owned[1]) {
		t.Fatal("kept or close-on-exec descriptor was closed")
	}
}

type sysRecorder struct {
	euid  int
	calls []string
	fail  string
}

func (r *sysRecorder) sys() sysCalls {
	step := func(name string) error {
		r.calls = append(r.calls, name)
		if name == r.fail {
			return errors.New(name + " denied")
		}
		return nil
	}
	return sysCalls{
		geteuid:   func() int { return r.euid },
		chroot:    func(string) error { return step("chroot") },
		chdir:     func(string) error { return step("chdir") },
		setgroups: func([]int) error { return step("setgroups") },
		setgid:    func(int) error { return step("setgid") },
		setuid: func(int) error {
			err := step("setuid")
			if err == nil {
				r.euid = 65534
			}
			return err
		},
	}
}

func TestDropPrivileges(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		euid    int
		fail    string
		want    []string
		wantErr bool
	}{
		{
			name: "full drop in order",
			cfg:  Config{Chroot: "/var/empty", UID: 65534, GID: 65534},
			want: []string{"chroot", "chdir", "setgroups", "setgid", "setuid"},
		},
		{
			name: "nothing configured",
			cfg:  Config{UID: -1, GID: -1},
		},
		{
			name: "not root",
			cfg:  Config{Chroot: "/var/empty", UID: 1000, GID: 1000},
			euid: 1000,
		},
		{
			name: "uid only",
			cfg:  Config{UID: 65534, GID: -1},
			want: []string{"setuid"},
		},
		{
			name:    "chroot failure stops",
			cfg:     Config{Chroot: "/missing", UID: 65534, GID: 65534},
			fail:    "chroot",
			want:    []string{"chroot"},
			wantErr: true,
		},
		{
			name:    "setgid failure stops before setuid",
			cfg:     Config{UID: 65534, GID: 65534},
			fail:    "setgid",
			want:    []string{"setgroups", "setgid"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &sysRecorder{euid: tt.euid, fail: tt.fail}
			err := dropPrivileges(tt.cfg, r.sys())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !reflect.DeepEqual(r.calls, tt.want) {
				t.Fatalf("calls = %v, want %v", r.calls, tt.want)
			}
		})
	}
}
