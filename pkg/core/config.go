package core

// CaptureConfig selects and tunes the capture logger.
type CaptureConfig struct {
	// DumpSSLRead logs decrypted bytes read on TLS sessions.
	DumpSSLRead bool `json:"dump_ssl_read" yaml:"dumpSSLRead"`

	// DumpSSLWrite logs plaintext bytes written on TLS sessions.
	DumpSSLWrite bool `json:"dump_ssl_write" yaml:"dumpSSLWrite"`

	// DumpRootCA writes the root certificate of each verified chain to DumpDir.
	DumpRootCA bool `json:"dump_root_ca" yaml:"dumpRootCA"`

	// DumpPeerCert writes every certificate presented by a peer to DumpDir.
	DumpPeerCert bool `json:"dump_peer_cert" yaml:"dumpPeerCert"`

	// VerifyCertificates enables peer certificate chain verification.
	VerifyCertificates bool `json:"verify_certificates" yaml:"verifyCertificates"`

	// DumpAsPCAP writes synthesized frames to a pcap file instead of flat dumps.
	// Plaintext socket traffic is only captured in this mode.
	DumpAsPCAP bool `json:"dump_as_pcap" yaml:"dumpAsPCAP"`

	// DumpDir is the directory capture files are created in.
	DumpDir string `json:"dump_dir" yaml:"dumpDir"`

	// SessionName prefixes capture file names. A random id is used if empty.
	SessionName string `json:"session_name" yaml:"sessionName"`

	// GuestMAC is placed on the guest side of synthesized Ethernet headers.
	GuestMAC string `json:"guest_mac" yaml:"guestMAC"`
}

// Enabled reports whether any capture output is configured.
func (c CaptureConfig) Enabled() bool {
	return c.DumpAsPCAP || c.DumpSSLRead || c.DumpSSLWrite
}

// BridgeConfig contains configuration for the host socket bridge.
type BridgeConfig struct {
	// ListenAddr is where guest connections are accepted (host:port).
	ListenAddr string `json:"listen_addr" yaml:"listenAddr"`

	// Upstream is the host:port each guest connection is relayed to.
	Upstream string `json:"upstream" yaml:"upstream"`

	// UpstreamTLS wraps the upstream connection in TLS.
	UpstreamTLS bool `json:"upstream_tls" yaml:"upstreamTLS"`

	// ServerName overrides the TLS server name. Defaults to the upstream host.
	ServerName string `json:"server_name" yaml:"serverName"`

	// RootCAFile is a PEM bundle used instead of the system roots.
	RootCAFile string `json:"root_ca_file" yaml:"rootCAFile"`

	// HTTPAddr serves /health, /metrics and /sockets. Empty disables it.
	HTTPAddr string `json:"http_addr" yaml:"httpAddr"`

	// MaxSockets bounds the guest socket table.
	MaxSockets int `json:"max_sockets" yaml:"maxSockets"`
}
