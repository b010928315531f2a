package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/matst80/vpnd/internal/dtls"
	"github.com/matst80/vpnd/internal/worker"
)

const envPrefix = "VPND_"

// Config holds all runtime configuration. Values are layered: built-in
// defaults, then the YAML file given with -c, then VPND_* environment
// variables, then command line flags.
type Config struct {
	ListenHost string `yaml:"listen_host" env:"LISTEN_HOST"`
	TCPPort    int    `yaml:"tcp_port" env:"TCP_PORT"`
	UDPPort    int    `yaml:"udp_port" env:"UDP_PORT"`

	MaxClients int `yaml:"max_clients" env:"MAX_CLIENTS"`

	// CookieValidity is in seconds.
	CookieValidity int `yaml:"cookie_validity" env:"COOKIE_VALIDITY"`

	// CookieKey is hex; instances sharing a Redis must share it.
	CookieKey string `yaml:"cookie_key" env:"COOKIE_KEY"`

	Chroot string `yaml:"chroot_dir" env:"CHROOT_DIR"`
	UID    int    `yaml:"uid" env:"UID"`
	GID    int    `yaml:"gid" env:"GID"`

	TLSCertFile string `yaml:"tls_cert" env:"TLS_CERT"`
	TLSKeyFile  string `yaml:"tls_key" env:"TLS_KEY"`
	TLSCAFile   string `yaml:"tls_ca" env:"TLS_CA"`

	// Durations below are in seconds; IdleTimeout 0 disables it.
	TLSCacheSize     int `yaml:"tls_cache_size" env:"TLS_CACHE_SIZE"`
	TLSSessionTTL    int `yaml:"tls_session_ttl" env:"TLS_SESSION_TTL"`
	HandshakeTimeout int `yaml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
	IdleTimeout      int `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`

	LeaseNetwork string `yaml:"lease_network" env:"LEASE_NETWORK"`

	RateGlobal int `yaml:"rate_global" env:"RATE_GLOBAL"`
	RatePerIP  int `yaml:"rate_per_ip" env:"RATE_PER_IP"`
	RateBurst  int `yaml:"rate_burst" env:"RATE_BURST"`

	DTLSVersionCheck string `yaml:"dtls_version_check" env:"DTLS_VERSION_CHECK"`

	MetricsAddr   string `yaml:"metrics_addr" env:"METRICS_ADDR"`
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB"`

	Foreground bool   `yaml:"foreground" env:"FOREGROUND"`
	Debug      bool   `yaml:"debug" env:"DEBUG"`
	LogFormat  string `yaml:"log_format" env:"LOG_FORMAT"`
}

func defaultConfig() Config {
	return Config{
		TCPPort:          443,
		UDPPort:          443,
		CookieValidity:   300,
		UID:              -1,
		GID:              -1,
		TLSSessionTTL:    3600,
		HandshakeTimeout: 30,
		LeaseNetwork:     "192.168.99.0/24",
		RateBurst:        5,
		DTLSVersionCheck: "legacy",
		MetricsAddr:      ":9100",
		LogFormat:        "json",
	}
}

// loadConfig builds the configuration from args (without the program name)
// and the given environment.
func loadConfig(args []string, environ map[string]string) (Config, error) {
	fs := flag.NewFlagSet("vpnd", flag.ContinueOnError)
	var (
		file       string
		foreground bool
		debug      bool
		logFormat  string
		metrics    string
	)
	fs.StringVar(&file, "c", "", "YAML configuration file")
	fs.BoolVar(&foreground, "f", false, "stay in the foreground")
	fs.BoolVar(&debug, "d", false, "enable debug logs")
	fs.StringVar(&logFormat, "log-format", "", "log format: json or text")
	fs.StringVar(&metrics, "metrics", "", "metrics and health listen address (empty keeps the configured one)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := defaultConfig()
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", file, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix, Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("environment: %w", err)
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "f":
			cfg.Foreground = foreground
		case "d":
			cfg.Debug = debug
		case "log-format":
			cfg.LogFormat = logFormat
		case "metrics":
			cfg.MetricsAddr = metrics
		}
	})
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	var errs []error
	if c.TCPPort <= 0 || c.TCPPort > 65535 {
		errs = append(errs, fmt.Errorf("tcp_port %d out of range", c.TCPPort))
	}
	if c.UDPPort <= 0 || c.UDPPort > 65535 {
		errs = append(errs, fmt.Errorf("udp_port %d out of range", c.UDPPort))
	}
	if c.MaxClients < 0 {
		errs = append(errs, errors.New("max_clients must not be negative"))
	}
	if c.CookieValidity <= 0 {
		errs = append(errs, errors.New("cookie_validity must be positive"))
	}
	if c.TLSCertFile == "" || c.TLSKeyFile == "" {
		errs = append(errs, errors.New("tls_cert and tls_key are required"))
	}
	if _, err := dtls.ParseVersionPolicy(c.DTLSVersionCheck); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("log_format %q: want json or text", c.LogFormat))
	}
	return errors.Join(errs...)
}

func (c Config) cookieValidity() time.Duration {
	return time.Duration(c.CookieValidity) * time.Second
}

// workerConfig is the subset handed to worker processes.
func (c Config) workerConfig() worker.Config {
	return worker.Config{
		CertFile:         c.TLSCertFile,
		KeyFile:          c.TLSKeyFile,
		CAFile:           c.TLSCAFile,
		Chroot:           c.Chroot,
		UID:              c.UID,
		GID:              c.GID,
		Debug:            c.Debug,
		LogFormat:        c.LogFormat,
		HandshakeTimeout: time.Duration(c.HandshakeTimeout) * time.Second,
		IdleTimeout:      time.Duration(c.IdleTimeout) * time.Second,
	}
}

// workerEnv is the environment of worker processes: the parent's minus
// every VPND_* variable, plus the encoded worker configuration.
func workerEnv(parent []string, encoded string) []string {
	out := make([]string, 0, len(parent)+1)
	for _, kv := range parent {
		if strings.HasPrefix(kv, envPrefix) {
			continue
		}
		out = append(out, kv)
	}
	return append(out, worker.EnvConfig+"="+encoded)
}
