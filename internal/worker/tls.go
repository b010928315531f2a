package worker

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"
	"time"

	"github.com/matst80/vpnd/internal/obs"
)

const (
	sessionIDLen = 32
	resumeWait   = 5 * time.Second
)

// Resumer stores TLS sessions outside the worker so a client can resume with
// a different worker.
type Resumer interface {
	StoreSession(id, data []byte) error
	FetchSession(ctx context.Context, id []byte) ([]byte, bool, error)
}

// ServerTLSConfig builds a fresh TLS context for one worker. With a CA file
// clients must present a certificate signed by it. Tickets handed to clients
// are opaque ids; the session state itself lives in the master's cache.
func ServerTLSConfig(cfg Config, r Resumer) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tlsConfig.ClientCAs = caCertPool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		obs.Debug("tls.mtls_enabled", obs.Fields{"ca_file": cfg.CAFile})
	}

	if r != nil {
		tlsConfig.WrapSession = wrapSession(r)
		tlsConfig.UnwrapSession = unwrapSession(r)
	}
	return tlsConfig, nil
}

func wrapSession(r Resumer) func(tls.ConnectionState, *tls.SessionState) ([]byte, error) {
	return func(_ tls.ConnectionState, ss *tls.SessionState) ([]byte, error) {
		data, err := ss.Bytes()
		if err != nil {
			return nil, err
		}
		id := make([]byte, sessionIDLen)
		if _, err := rand.Read(id); err != nil {
			return nil, err
		}
		if err := r.StoreSession(id, data); err != nil {
			obs.Error("tls.session_store", obs.Fields{"err": err})
			return nil, err
		}
		return id, nil
	}
}

func unwrapSession(r Resumer) func([]byte, tls.ConnectionState) (*tls.SessionState, error) {
	return func(id []byte, _ tls.ConnectionState) (*tls.SessionState, error) {
		if len(id) != sessionIDLen {
			return nil, nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), resumeWait)
		defer cancel()
		data, found, err := r.FetchSession(ctx, id)
		if err != nil {
			obs.Error("tls.session_fetch", obs.Fields{"err": err})
			return nil, nil
		}
		if !found {
			return nil, nil
		}
		ss, err := tls.ParseSessionState(data)
		if err != nil {
			obs.Info("tls.session_parse", obs.Fields{"err": err})
			return nil, nil
		}
		return ss, nil
	}
}
