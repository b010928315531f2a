package proto

import (
	"errors"
	"fmt"
	"io"
	"net/netip"

	"golang.org/x/sys/unix"
)

// RightsLen is the ancillary buffer size needed to receive one descriptor.
var RightsLen = unix.CmsgSpace(4)

// FD adapts a raw, blocking control-channel descriptor to io.Reader and
// io.Writer.
type FD int

func (fd FD) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(int(fd), p)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n == 0 && len(p) > 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

func (fd FD) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := unix.Write(int(fd), p[total:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// SendUDPFd hands udpFD to the worker on the other end of ctrl together with
// the peer the first datagram came from. The descriptor rides on the first
// byte of the frame so the receiver sees it with the frame header.
func SendUDPFd(ctrl, udpFD int, peer netip.AddrPort) error {
	b, err := Marshal(CmdUDPFd, UDPFd{Peer: peer.String()})
	if err != nil {
		return err
	}
	n, err := SendRights(ctrl, b, udpFD)
	if err != nil {
		return err
	}
	if n < len(b) {
		// the descriptor already went out with the first chunk
		_, err = FD(ctrl).Write(b[n:])
	}
	return err
}

// SendRights issues a single sendmsg of b carrying fd and returns how many
// bytes went out. On a non-blocking ctrl the result may be short; the
// descriptor is attached to the first byte written.
func SendRights(ctrl int, b []byte, fd int) (int, error) {
	for {
		n, err := unix.SendmsgN(ctrl, b, unix.UnixRights(fd), nil, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("sendmsg: %w", err)
		}
		return n, nil
	}
}

// ParseRights extracts the descriptors carried in an ancillary buffer.
func ParseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}
	var fds []int
	for i := range msgs {
		rights, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}
