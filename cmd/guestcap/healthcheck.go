package main

import (
	"crypto/tls"
	"net"
	"os"
	"strings"
	"time"

	"github.com/irctrakz/guestcap/pkg/logging"
	"github.com/irctrakz/guestcap/pkg/socket"
)

// runUpstreamHealth resolves and connects to the upstream using the host
// stack (not the relay) so that egress problems show up separately from
// relay errors. With UpstreamTLS the handshake is performed too.
func runUpstreamHealth(cfg socket.Config) {
	timeout := 5 * time.Second
	if v := strings.TrimSpace(os.Getenv("HEALTH_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			timeout = d
		}
	}

	host, _, err := net.SplitHostPort(cfg.Upstream)
	if err != nil {
		logging.Warnf("Health: invalid upstream %q: %v", cfg.Upstream, err)
		return
	}
	if net.ParseIP(host) == nil {
		if _, err := net.LookupHost(host); err != nil {
			logging.Warnf("Health: DNS lookup failed: %v", err)
			return
		}
		logging.Infof("Health: DNS lookup ok: %s", host)
	}

	conn, err := net.DialTimeout("tcp", cfg.Upstream, timeout)
	if err != nil {
		logging.Warnf("Health: connect to %s failed: %v", cfg.Upstream, err)
		return
	}
	defer conn.Close()
	logging.Infof("Health: connect ok: %s", cfg.Upstream)

	if !cfg.UpstreamTLS {
		return
	}
	tlsConf, err := cfg.ClientTLSConfig()
	if err != nil {
		logging.Warnf("Health: TLS config: %v", err)
		return
	}
	tc := tls.Client(conn, tlsConf)
	_ = tc.SetDeadline(time.Now().Add(timeout))
	if err := tc.Handshake(); err != nil {
		logging.Warnf("Health: TLS handshake with %s failed: %v", tlsConf.ServerName, err)
		return
	}
	state := tc.ConnectionState()
	logging.Infof("Health: TLS handshake ok: %s (version %s, %d peer certs)",
		tlsConf.ServerName, tls.VersionName(state.Version), len(state.PeerCertificates))
}
