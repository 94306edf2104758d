package socket

import (
	"time"

	"github.com/irctrakz/guestcap/pkg/core"
)

// Config contains configuration for the socket interface
type Config struct {
	// ListenAddr is where guest connections are accepted.
	ListenAddr string

	// Upstream is the host:port every guest connection is relayed to.
	Upstream string

	// UpstreamTLS terminates TLS toward the upstream. The guest side stays
	// plaintext, so traffic is seen decrypted.
	UpstreamTLS bool

	// ServerName overrides the TLS server name.
	ServerName string

	// RootCAFile replaces the system roots with a PEM bundle.
	RootCAFile string

	// VerifyCertificates enables chain and host name verification.
	VerifyCertificates bool

	// DumpSSLRead and DumpSSLWrite gate the TLS logging calls.
	DumpSSLRead  bool
	DumpSSLWrite bool

	// DumpPeerCert and DumpRootCA write certificates seen during handshakes
	// to DumpDir.
	DumpPeerCert bool
	DumpRootCA   bool
	DumpDir      string

	// MaxSockets bounds the guest socket table.
	MaxSockets int

	// DialTimeout bounds upstream connect and TLS handshake.
	DialTimeout time.Duration

	// IdleTimeout closes relays with no traffic in either direction (0 = never).
	IdleTimeout time.Duration
}

// DefaultConfig returns the default configuration for the socket interface
func DefaultConfig() Config {
	return Config{
		ListenAddr:         "127.0.0.1:8443",
		VerifyCertificates: true,
		MaxSockets:         64,
		DialTimeout:        10 * time.Second,
		IdleTimeout:        120 * time.Second,
	}
}

// ConfigFrom builds a Config from the bridge and capture sections of the
// application configuration.
func ConfigFrom(b core.BridgeConfig, c core.CaptureConfig) Config {
	cfg := DefaultConfig()
	cfg.ListenAddr = b.ListenAddr
	cfg.Upstream = b.Upstream
	cfg.UpstreamTLS = b.UpstreamTLS
	cfg.ServerName = b.ServerName
	cfg.RootCAFile = b.RootCAFile
	if b.MaxSockets > 0 {
		cfg.MaxSockets = b.MaxSockets
	}
	cfg.VerifyCertificates = c.VerifyCertificates
	cfg.DumpSSLRead = c.DumpSSLRead
	cfg.DumpSSLWrite = c.DumpSSLWrite
	cfg.DumpPeerCert = c.DumpPeerCert
	cfg.DumpRootCA = c.DumpRootCA
	cfg.DumpDir = c.DumpDir
	return cfg
}
