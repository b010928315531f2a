//go:build linux

package worker

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/matst80/vpnd/internal/proto"
)

// channelPair returns a worker Channel and the raw master end.
func channelPair(t *testing.T) (*Channel, int) {
	t.Helper()
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	ch, err := ChannelFromFile(os.NewFile(uintptr(pair[1]), "control"))
	if err != nil {
		t.Fatalf("ChannelFromFile: %v", err)
	}
	t.Cleanup(func() {
		ch.Close()
		unix.Close(pair[0])
	})
	return ch, pair[0]
}

// fakeMaster answers worker calls the way the master does.
func fakeMaster(t *testing.T, fd int) {
	t.Helper()
	go func() {
		for {
			f, err := proto.ReadFrame(proto.FD(fd))
			if err != nil {
				return
			}
			switch f.Cmd {
			case proto.CmdCookieIssue:
				_ = proto.WriteFrame(proto.FD(fd), proto.CmdCookieReply, proto.CookieReply{Cookie: []byte{0xca, 0xfe}})
			case proto.CmdCookieAuth:
				var m proto.CookieAuth
				_ = f.Decode(&m)
				ok := string(m.Cookie) == "\xca\xfe"
				_ = proto.WriteFrame(proto.FD(fd), proto.CmdAuthReply, proto.AuthReply{OK: ok, User: "alice"})
			case proto.CmdLeaseRequest:
				_ = proto.WriteFrame(proto.FD(fd), proto.CmdLeaseReply, proto.LeaseReply{Local: "10.0.0.1", Remote: "10.0.0.2"})
			case proto.CmdResumeFetch:
				_ = proto.WriteFrame(proto.FD(fd), proto.CmdResumeReply, proto.ResumeReply{Found: true, Data: []byte("state")})
			}
		}
	}()
}

func TestChannel_Call(t *testing.T) {
	ch, master := channelPair(t)
	fakeMaster(t, master)
	ctx := context.Background()

	var lr proto.LeaseReply
	if err := ch.Call(ctx, proto.CmdLeaseRequest, proto.LeaseRequest{}, proto.CmdLeaseReply, &lr); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if lr.Local != "10.0.0.1" || lr.Remote != "10.0.0.2" {
		t.Fatalf("lease = %+v", lr)
	}

	data, found, err := ch.FetchSession(ctx, []byte("id"))
	if err != nil || !found || string(data) != "state" {
		t.Fatalf("FetchSession = %q %v %v", data, found, err)
	}

	var ar proto.AuthReply
	err = ch.Call(ctx, proto.CmdLeaseRequest, proto.LeaseRequest{}, proto.CmdAuthReply, &ar)
	if !errors.Is(err, ErrUnexpected) {
		t.Fatalf("mismatched reply: expected ErrUnexpected, got %v", err)
	}
}

func TestChannel_Closed(t *testing.T) {
	ch, master := channelPair(t)
	unix.Close(master)

	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after master went away")
	}
	if !errors.Is(ch.Err(), ErrChannelClosed) {
		t.Fatalf("Err = %v", ch.Err())
	}
	var lr proto.LeaseReply
	if err := ch.Call(context.Background(), proto.CmdLeaseRequest, proto.LeaseRequest{}, proto.CmdLeaseReply, &lr); err == nil {
		t.Fatal("Call succeeded on a closed channel")
	}
}

func TestChannel_UDPHandoff(t *testing.T) {
	ch, master := channelPair(t)

	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	defer udp.Close()
	f, err := udp.File()
	if err != nil {
		t.Fatalf("udp file: %v", err)
	}
	defer f.Close()

	peer := netip.MustParseAddrPort("127.0.0.1:40404")
	if err := proto.SendUDPFd(master, int(f.Fd()), peer); err != nil {
		t.Fatalf("SendUDPFd: %v", err)
	}

	select {
	case h := <-ch.UDP():
		defer unix.Close(h.FD)
		if h.Peer != peer {
			t.Fatalf("peer = %v, want %v", h.Peer, peer)
		}
		sa, err := unix.Getsockname(h.FD)
		if err != nil {
			t.Fatalf("getsockname: %v", err)
		}
		if got := sa.(*unix.SockaddrInet4).Port; got != udp.LocalAddr().(*net.UDPAddr).Port {
			t.Fatalf("handed socket bound to port %d", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no handoff delivered")
	}
}

func TestLineBody(t *testing.T) {
	ch, master := channelPair(t)
	fakeMaster(t, master)

	server, client := net.Pipe()
	defer client.Close()
	sid := []byte{1, 2, 3, 4}
	errc := make(chan error, 1)
	go func() {
		errc <- LineBody{}.Serve(context.Background(), &Session{Conn: server, Channel: ch, SessionID: sid})
		server.Close()
	}()

	rd := bufio.NewReader(client)
	expect := func(prefix string) string {
		t.Helper()
		_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
		line, err := rd.ReadString('\n')
		if err != nil {
			t.Fatalf("read %s: %v", prefix, err)
		}
		if !strings.HasPrefix(line, prefix) {
			t.Fatalf("got %q, want prefix %q", line, prefix)
		}
		return strings.TrimSpace(line)
	}
	send := func(s string) {
		t.Helper()
		if _, err := client.Write([]byte(s + "\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	expect("SESSION 01020304")
	send("AUTH alice")
	expect("COOKIE cafe")
	expect("LEASE 10.0.0.1 10.0.0.2")
	send("COOKIE cafe")
	expect("OK alice")
	expect("LEASE ")
	send("BOGUS")
	expect("ERR unknown command")
	send("QUIT")

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after QUIT")
	}
}

func TestLineBody_BadCookie(t *testing.T) {
	ch, master := channelPair(t)
	fakeMaster(t, master)

	server, client := net.Pipe()
	defer client.Close()
	errc := make(chan error, 1)
	go func() {
		errc <- LineBody{}.Serve(context.Background(), &Session{Conn: server, Channel: ch, SessionID: []byte{9}})
		server.Close()
	}()

	rd := bufio.NewReader(client)
	if _, err := rd.ReadString('\n'); err != nil {
		t.Fatalf("read session: %v", err)
	}
	_, _ = client.Write([]byte("COOKIE 0000\n"))
	if line, _ := rd.ReadString('\n'); !strings.HasPrefix(line, "ERR auth") {
		t.Fatalf("got %q", line)
	}
	if err := <-errc; !errors.Is(err, ErrAuth) {
		t.Fatalf("Serve = %v, want ErrAuth", err)
	}
}
