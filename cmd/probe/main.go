// Command probe checks a running server end to end: it opens a TLS session,
// reads the DTLS session id the worker announces, optionally authenticates,
// then sends a ClientHello carrying that id over UDP and waits for the
// worker to confirm the socket handoff and echo the datagram.
package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/matst80/vpnd/internal/dtls"
	"github.com/matst80/vpnd/internal/obs"
)

const retransmit = 500 * time.Millisecond

var errServer = errors.New("server error")

// Result is what a successful probe learned.
type Result struct {
	SessionID []byte
	Lease     string
	Peer      string
	RTT       time.Duration
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "probe: %v\n", err)
		os.Exit(2)
	}
	obs.Setup(os.Stderr, "text", "probe", cfg.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	res, err := probe(ctx, cfg)
	if err != nil {
		obs.Error("probe.failed", obs.Fields{"server": cfg.ServerAddr, "udp": cfg.UDPAddr, "err": err.Error()})
		os.Exit(1)
	}
	obs.Info("probe.ok", obs.Fields{
		"session": hex.EncodeToString(res.SessionID),
		"lease":   res.Lease,
		"peer":    res.Peer,
		"rtt":     res.RTT.String(),
	})
}

func tlsConfig(cfg Config) (*tls.Config, error) {
	tc := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.Insecure,
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", cfg.CAFile)
		}
		tc.RootCAs = pool
	}
	return tc, nil
}

func probe(ctx context.Context, cfg Config) (Result, error) {
	var res Result
	tc, err := tlsConfig(cfg)
	if err != nil {
		return res, err
	}
	d := &tls.Dialer{Config: tc}
	c, err := d.DialContext(ctx, "tcp", cfg.ServerAddr)
	if err != nil {
		return res, fmt.Errorf("dial tls: %w", err)
	}
	defer c.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.SetDeadline(dl)
	}
	rd := bufio.NewReader(c)

	arg, err := readLine(rd, "SESSION")
	if err != nil {
		return res, err
	}
	if res.SessionID, err = hex.DecodeString(arg); err != nil {
		return res, fmt.Errorf("session id %q: %w", arg, err)
	}
	obs.Debug("probe.session", obs.Fields{"session": arg})

	if cfg.User != "" {
		if _, err := fmt.Fprintf(c, "AUTH %s\n", cfg.User); err != nil {
			return res, err
		}
		if _, err := readLine(rd, "COOKIE"); err != nil {
			return res, err
		}
		if res.Lease, err = readLine(rd, "LEASE"); err != nil {
			return res, err
		}
	}

	hello, err := dtls.BuildClientHello(cfg.Version, res.SessionID)
	if err != nil {
		return res, err
	}
	var nd net.Dialer
	uc, err := nd.DialContext(ctx, "udp", cfg.UDPAddr)
	if err != nil {
		return res, fmt.Errorf("dial udp: %w", err)
	}
	defer uc.Close()

	type announce struct {
		peer string
		err  error
	}
	ann := make(chan announce, 1)
	go func() {
		peer, err := readLine(rd, "UDP")
		ann <- announce{peer, err}
	}()

	start := time.Now()
	tick := time.NewTicker(retransmit)
	defer tick.Stop()
	for res.Peer == "" {
		if _, err := uc.Write(hello); err != nil {
			return res, fmt.Errorf("send hello: %w", err)
		}
		obs.Debug("probe.hello", obs.Fields{"bytes": len(hello)})
		select {
		case <-ctx.Done():
			return res, fmt.Errorf("waiting for udp handoff: %w", ctx.Err())
		case a := <-ann:
			if a.err != nil {
				return res, a.err
			}
			res.Peer = a.peer
		case <-tick.C:
		}
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = uc.SetReadDeadline(dl)
	}
	buf := make([]byte, 2048)
	for {
		n, err := uc.Read(buf)
		if err != nil {
			return res, fmt.Errorf("waiting for echo: %w", err)
		}
		if bytes.Equal(buf[:n], hello) {
			break
		}
	}
	res.RTT = time.Since(start)
	_, _ = c.Write([]byte("QUIT\n"))
	return res, nil
}

// readLine reads the next line and returns what follows want. ERR lines are
// returned as errors.
func readLine(rd *bufio.Reader, want string) (string, error) {
	line, err := rd.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("waiting for %s: %w", want, err)
	}
	verb, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch verb {
	case want:
		return arg, nil
	case "ERR":
		return "", fmt.Errorf("%w: %s", errServer, arg)
	}
	return "", fmt.Errorf("expected %s, got %q", want, strings.TrimSpace(line))
}
