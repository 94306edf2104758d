package socket

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/guestcap/pkg/logging"
)

// ClientTLSConfig returns the TLS client configuration used toward the
// upstream.
func (c Config) ClientTLSConfig() (*tls.Config, error) {
	return buildTLSConfig(c)
}

func buildTLSConfig(cfg Config) (*tls.Config, error) {
	serverName := cfg.ServerName
	if serverName == "" {
		host, _, err := net.SplitHostPort(cfg.Upstream)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream address: %w", err)
		}
		serverName = host
	}

	conf := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: !cfg.VerifyCertificates,
		MinVersion:         tls.VersionTLS12,
	}
	if cfg.RootCAFile != "" {
		data, err := os.ReadFile(cfg.RootCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read root CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.RootCAFile)
		}
		conf.RootCAs = pool
	}
	if !cfg.VerifyCertificates {
		logging.Warnf("TLS certificate verification disabled for %s", serverName)
	}
	return conf, nil
}

// dumpCertificates writes the peer chain and its root as PEM files named
// after the server.
func (s *SocketInterface) dumpCertificates(state tls.ConnectionState) {
	if !s.config.DumpPeerCert && !s.config.DumpRootCA {
		return
	}
	if len(state.PeerCertificates) == 0 {
		return
	}
	name := certFileName(state.ServerName)
	if name == "" {
		name = certFileName(s.tlsConf.ServerName)
	}

	if s.config.DumpPeerCert {
		path := filepath.Join(s.config.DumpDir, name+"_peer.pem")
		if err := writePEM(path, state.PeerCertificates); err != nil {
			logging.WarnWithFields(logrus.Fields{"component": "socket", "path": path}, "Failed to dump peer certificate: %v", err)
		}
	}
	if s.config.DumpRootCA {
		chain := state.PeerCertificates
		if len(state.VerifiedChains) > 0 {
			chain = state.VerifiedChains[0]
		}
		root := chain[len(chain)-1]
		path := filepath.Join(s.config.DumpDir, name+"_root.pem")
		if err := writePEM(path, []*x509.Certificate{root}); err != nil {
			logging.WarnWithFields(logrus.Fields{"component": "socket", "path": path}, "Failed to dump root certificate: %v", err)
		}
	}
}

func writePEM(path string, certs []*x509.Certificate) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	var b strings.Builder
	for _, c := range certs {
		if err := pem.Encode(&b, &pem.Block{Type: "CERTIFICATE", Bytes: c.Raw}); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(b.String()), 0644)
}

// certFileName keeps server names usable as file names.
func certFileName(serverName string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		}
		return '_'
	}, serverName)
}
