package config

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// BindFlags registers a flag for every setting, defaulting to the current
// values of c.
func (c *Config) BindFlags(cmd *cobra.Command) {
	// Capture configuration
	cmd.Flags().BoolVar(&c.Capture.DumpSSLRead, "dump-ssl-read", c.Capture.DumpSSLRead, "Dump decrypted TLS reads")
	cmd.Flags().BoolVar(&c.Capture.DumpSSLWrite, "dump-ssl-write", c.Capture.DumpSSLWrite, "Dump plaintext TLS writes")
	cmd.Flags().BoolVar(&c.Capture.DumpRootCA, "dump-root-ca", c.Capture.DumpRootCA, "Write the root certificate of each TLS peer chain")
	cmd.Flags().BoolVar(&c.Capture.DumpPeerCert, "dump-peer-cert", c.Capture.DumpPeerCert, "Write every TLS peer certificate")
	cmd.Flags().BoolVar(&c.Capture.VerifyCertificates, "verify-certificates", c.Capture.VerifyCertificates, "Verify TLS peer certificate chains")
	cmd.Flags().BoolVar(&c.Capture.DumpAsPCAP, "dump-as-pcap", c.Capture.DumpAsPCAP, "Write all traffic as synthesized frames to a pcap file")
	cmd.Flags().StringVar(&c.Capture.DumpDir, "dump-dir", c.Capture.DumpDir, "Directory for capture files")
	cmd.Flags().StringVar(&c.Capture.SessionName, "session", c.Capture.SessionName, "Capture file name prefix (default random)")
	cmd.Flags().StringVar(&c.Capture.GuestMAC, "guest-mac", c.Capture.GuestMAC, "MAC address placed on the guest side of captured frames")

	// Bridge configuration
	cmd.Flags().StringVar(&c.Bridge.ListenAddr, "listen", c.Bridge.ListenAddr, "Address guest connections are accepted on")
	cmd.Flags().StringVar(&c.Bridge.Upstream, "upstream", c.Bridge.Upstream, "Upstream host:port")
	cmd.Flags().BoolVar(&c.Bridge.UpstreamTLS, "upstream-tls", c.Bridge.UpstreamTLS, "Connect to the upstream over TLS")
	cmd.Flags().StringVar(&c.Bridge.ServerName, "server-name", c.Bridge.ServerName, "TLS server name (default upstream host)")
	cmd.Flags().StringVar(&c.Bridge.RootCAFile, "root-ca-file", c.Bridge.RootCAFile, "PEM bundle of trusted roots (default system roots)")
	cmd.Flags().StringVar(&c.Bridge.HTTPAddr, "http", c.Bridge.HTTPAddr, "Address for /health, /metrics and /sockets (empty disables)")
	cmd.Flags().IntVar(&c.Bridge.MaxSockets, "max-sockets", c.Bridge.MaxSockets, "Guest socket table size")

	// Logging configuration
	cmd.Flags().StringVar(&c.Logging.Level, "log-level", c.Logging.Level, "Logging level (debug|info|warn|error)")
	cmd.Flags().StringVar(&c.Logging.File, "log-file", c.Logging.File, "Log file path (rotated)")
}

// Load layers the config file at path (if any) and the environment over c,
// then re-applies the flags set on the command line so they take precedence.
func (c *Config) Load(flags *pflag.FlagSet, path string) error {
	changed := map[string]string{}
	if flags != nil {
		flags.Visit(func(f *pflag.Flag) { changed[f.Name] = f.Value.String() })
	}

	if path != "" {
		if err := LoadFromFile(path, c); err != nil {
			return err
		}
	}
	LoadFromEnv(c)

	for name, val := range changed {
		if err := flags.Set(name, val); err != nil {
			return fmt.Errorf("failed to re-apply flag --%s: %w", name, err)
		}
	}
	return nil
}
