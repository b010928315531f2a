// Package worker is the unprivileged per-client process. It is started by the
// master with the client connection on fd 3 and its control channel on fd 4,
// performs the mandatory child setup, terminates TLS and runs a Body.
package worker

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// EnvConfig carries the YAML encoded Config from master to worker.
	EnvConfig = "VPND_WORKER"

	ConnFD = 3
	CtrlFD = 4

	defaultHandshakeTimeout = 30 * time.Second
)

var ErrNoConfig = errors.New("worker: no configuration in environment")

// Config is everything a worker needs from the master's configuration.
// UID and GID of -1 leave the identity unchanged.
type Config struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file,omitempty"`

	Chroot string `yaml:"chroot,omitempty"`
	UID    int    `yaml:"uid"`
	GID    int    `yaml:"gid"`

	Debug     bool   `yaml:"debug,omitempty"`
	LogFormat string `yaml:"log_format,omitempty"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout,omitempty"`
	IdleTimeout      time.Duration `yaml:"idle_timeout,omitempty"`
}

// Encode renders c for the environment.
func (c Config) Encode() (string, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode worker config: %w", err)
	}
	return string(b), nil
}

// DecodeConfig parses what Encode produced.
func DecodeConfig(s string) (Config, error) {
	if s == "" {
		return Config{}, ErrNoConfig
	}
	c := Config{UID: -1, GID: -1}
	if err := yaml.Unmarshal([]byte(s), &c); err != nil {
		return Config{}, fmt.Errorf("decode worker config: %w", err)
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	return c, nil
}
