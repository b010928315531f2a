package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"time"

	"github.com/matst80/vpnd/internal/dtls"
)

// Config holds probe runtime configuration.
type Config struct {
	ServerAddr string
	UDPAddr    string // derived from ServerAddr when empty
	ServerName string
	CAFile     string
	Insecure   bool
	User       string
	Version    dtls.Version
	Timeout    time.Duration
	Debug      bool
}

var versions = map[string]dtls.Version{
	"1.0": dtls.VersionDTLS10,
	"1.2": dtls.VersionDTLS12,
	"pre": dtls.VersionDTLSPre10,
}

func parseFlags(args []string) (Config, error) {
	var cfg Config
	var version string
	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	fs.StringVar(&cfg.ServerAddr, "server", "127.0.0.1:443", "server TLS address")
	fs.StringVar(&cfg.UDPAddr, "udp", "", "server UDP address (defaults to the TLS address)")
	fs.StringVar(&cfg.ServerName, "servername", "", "TLS server name (defaults to the server host)")
	fs.StringVar(&cfg.CAFile, "ca", "", "CA bundle used to verify the server")
	fs.BoolVar(&cfg.Insecure, "insecure", false, "skip server certificate verification")
	fs.StringVar(&cfg.User, "user", "", "request a cookie and lease for this user before probing UDP")
	fs.StringVar(&version, "dtls-version", "1.2", "ClientHello version: 1.0, 1.2 or pre")
	fs.DurationVar(&cfg.Timeout, "timeout", 10*time.Second, "overall probe timeout")
	fs.BoolVar(&cfg.Debug, "d", false, "enable debug logs")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	v, ok := versions[version]
	if !ok {
		return Config{}, fmt.Errorf("unknown dtls version %q", version)
	}
	cfg.Version = v
	host, _, err := net.SplitHostPort(cfg.ServerAddr)
	if err != nil {
		return Config{}, fmt.Errorf("server address: %w", err)
	}
	if cfg.UDPAddr == "" {
		cfg.UDPAddr = cfg.ServerAddr
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	if cfg.Timeout <= 0 {
		return Config{}, errors.New("timeout must be positive")
	}
	return cfg, nil
}
