//go:build linux

package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/matst80/vpnd/internal/obs"
	"github.com/matst80/vpnd/internal/proto"
)

var (
	ErrChannelClosed = errors.New("worker: control channel closed")
	ErrUnexpected    = errors.New("worker: unexpected reply")
)

// Handoff is the UDP socket the master passed for this client, with the
// address the client's first datagram came from.
type Handoff struct {
	FD   int
	Peer netip.AddrPort
}

// Channel is the worker end of the control channel. A reader goroutine
// demultiplexes replies to Call and UDP handoffs to UDP.
type Channel struct {
	conn *net.UnixConn

	callMu  sync.Mutex
	replies chan proto.Frame
	udp     chan Handoff

	done    chan struct{}
	errOnce sync.Once
	err     error
}

// NewChannel wraps the control connection and starts reading it.
func NewChannel(conn *net.UnixConn) *Channel {
	c := &Channel{
		conn:    conn,
		replies: make(chan proto.Frame, 1),
		udp:     make(chan Handoff, 1),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// ChannelFromFile converts an inherited descriptor into a Channel.
func ChannelFromFile(f *os.File) (*Channel, error) {
	fc, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("control channel: %w", err)
	}
	_ = f.Close()
	uc, ok := fc.(*net.UnixConn)
	if !ok {
		_ = fc.Close()
		return nil, fmt.Errorf("control channel: %T is not a unix socket", fc)
	}
	return NewChannel(uc), nil
}

// UDP delivers the handed-over UDP socket, at most once in practice.
func (c *Channel) UDP() <-chan Handoff { return c.udp }

// Done is closed when the master side goes away.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err reports why the channel closed.
func (c *Channel) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Channel) Close() error { return c.conn.Close() }

// Send writes a command that has no reply.
func (c *Channel) Send(cmd proto.Cmd, v any) error {
	if err := proto.WriteFrame(c.conn, cmd, v); err != nil {
		return fmt.Errorf("send %s: %w", cmd, err)
	}
	return nil
}

// Call sends a request and decodes the reply, which must carry want.
func (c *Channel) Call(ctx context.Context, cmd proto.Cmd, v any, want proto.Cmd, out any) error {
	c.callMu.Lock()
	defer c.callMu.Unlock()
	// a reply to an abandoned call must not answer this one
	select {
	case <-c.replies:
	default:
	}
	if err := c.Send(cmd, v); err != nil {
		return err
	}
	select {
	case f := <-c.replies:
		if f.Cmd != want {
			return fmt.Errorf("%w: %s for %s", ErrUnexpected, f.Cmd, cmd)
		}
		return f.Decode(out)
	case <-c.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StoreSession and FetchSession route TLS session resumption through the
// master.
func (c *Channel) StoreSession(id, data []byte) error {
	return c.Send(proto.CmdResumeStore, proto.ResumeStore{ID: id, Data: data})
}

func (c *Channel) FetchSession(ctx context.Context, id []byte) ([]byte, bool, error) {
	var r proto.ResumeReply
	if err := c.Call(ctx, proto.CmdResumeFetch, proto.ResumeFetch{ID: id}, proto.CmdResumeReply, &r); err != nil {
		return nil, false, err
	}
	return r.Data, r.Found, nil
}

func (c *Channel) fail(err error) {
	c.errOnce.Do(func() {
		c.err = err
		close(c.done)
	})
}

func (c *Channel) readLoop() {
	var (
		pending []byte
		fds     []int
		buf     = make([]byte, 4096)
		oob     = make([]byte, 4*proto.RightsLen)
	)
	for {
		n, oobn, _, _, err := c.conn.ReadMsgUnix(buf, oob)
		if oobn > 0 {
			got, perr := proto.ParseRights(oob[:oobn])
			if perr != nil {
				obs.Error("channel.rights", obs.Fields{"err": perr})
			}
			for _, fd := range got {
				unix.CloseOnExec(fd)
			}
			fds = append(fds, got...)
		}
		pending = append(pending, buf[:n]...)
		for {
			f, used, ok := proto.ParseFrame(pending)
			if !ok {
				break
			}
			pending = pending[used:]
			fds = c.deliver(f, fds)
		}
		if err != nil {
			for _, fd := range fds {
				_ = unix.Close(fd)
			}
			c.fail(fmt.Errorf("%w: %v", ErrChannelClosed, err))
			return
		}
		if n == 0 && oobn == 0 {
			c.fail(ErrChannelClosed)
			return
		}
	}
}

func (c *Channel) deliver(f proto.Frame, fds []int) []int {
	if f.Cmd != proto.CmdUDPFd {
		select {
		case c.replies <- f:
		default:
			obs.Error("channel.unsolicited", obs.Fields{"cmd": f.Cmd.String()})
		}
		return fds
	}
	if len(fds) == 0 {
		obs.Error("channel.udp_fd", obs.Fields{"err": "frame without descriptor"})
		return fds
	}
	fd := fds[0]
	fds = fds[1:]
	var m proto.UDPFd
	if err := f.Decode(&m); err != nil {
		obs.Error("channel.udp_fd", obs.Fields{"err": err})
		_ = unix.Close(fd)
		return fds
	}
	peer, err := netip.ParseAddrPort(m.Peer)
	if err != nil {
		obs.Error("channel.udp_fd", obs.Fields{"err": err, "peer": m.Peer})
		_ = unix.Close(fd)
		return fds
	}
	select {
	case c.udp <- Handoff{FD: fd, Peer: peer}:
	default:
		obs.Error("channel.udp_fd", obs.Fields{"err": "handoff already pending"})
		_ = unix.Close(fd)
	}
	return fds
}
