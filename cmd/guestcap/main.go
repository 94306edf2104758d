package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/irctrakz/guestcap/pkg/capture"
	"github.com/irctrakz/guestcap/pkg/config"
	"github.com/irctrakz/guestcap/pkg/hostsock"
	"github.com/irctrakz/guestcap/pkg/logging"
	"github.com/irctrakz/guestcap/pkg/socket"
	"github.com/irctrakz/guestcap/pkg/socketview"
	"github.com/irctrakz/guestcap/pkg/sockman"
)

var (
	cfg         = config.DefaultConfig()
	configPath  string
	writeConfig string
	showVersion bool
	Version     = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "guestcap",
	Short: "Capturing connection bridge",
	Long: `guestcap relays guest connections to an upstream host, optionally over TLS,
and records the relayed traffic as raw TLS dumps or a synthesized pcap.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	cfg.BindFlags(rootCmd)
	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to config file (.yaml, .yml or .json)")
	rootCmd.Flags().StringVar(&writeConfig, "write-config", "", "Write the effective configuration to this path and exit")
	rootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "Show version and exit")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if showVersion {
		fmt.Printf("guestcap version: %s\n", Version)
		return nil
	}

	if err := cfg.Load(cmd.Flags(), configPath); err != nil {
		return err
	}
	if writeConfig != "" {
		return cfg.SaveToFile(writeConfig)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.ApplyLogging(); err != nil {
		return err
	}

	// DEBUG env still forces verbose logging
	if v := strings.ToLower(strings.TrimSpace(os.Getenv("DEBUG"))); v == "1" || v == "true" || v == "yes" || v == "on" {
		logging.SetLevel(logging.DebugLevel)
		logging.Infof("DEBUG enabled: verbose logging")
	}

	// One error indicator is shared by the socket table, host introspection
	// and the capture logger. Introspection only leaves side effects that the
	// logger and the socket view undo.
	sockets := sockman.New(cfg.Bridge.MaxSockets)
	ind := sockets.Errors()
	introspector := hostsock.New(ind.Introspection())

	logger, err := capture.New(cfg.Capture, capture.Options{
		Introspector: introspector,
		Errors:       ind,
	})
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	defer logger.Close()
	logging.Infof("Capture mode: %s (enabled=%v)", logger.GetCaptureType(), logger.Enabled())

	si := socket.NewSocketInterface(socket.ConfigFrom(cfg.Bridge, cfg.Capture))
	si.SetSocketManager(sockets)
	si.SetLogger(logger)
	if err := si.Start(); err != nil {
		return fmt.Errorf("socket start: %w", err)
	}
	defer si.Stop()

	view := socketview.New(sockets, introspector, ind)
	if cfg.Bridge.HTTPAddr != "" {
		srv := newHTTPServer(cfg.Bridge.HTTPAddr, si, logger, view)
		go func() {
			logging.Infof("HTTP endpoints on %s", cfg.Bridge.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Errorf("HTTP server failed: %v", err)
			}
		}()
		defer srv.Close()
	}

	// Optional periodic metrics reporter
	if strings.TrimSpace(os.Getenv("METRICS_LOG")) != "" || strings.TrimSpace(os.Getenv("METRICS_INTERVAL")) != "" {
		stop := make(chan struct{})
		defer close(stop)
		go runMetricsReporter(si, logger, stop)
	}

	// Optional upstream health check over the host stack
	if strings.TrimSpace(os.Getenv("HEALTHCHECK")) != "" {
		go runUpstreamHealth(socket.ConfigFrom(cfg.Bridge, cfg.Capture))
	}

	// Wait for termination
	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	logging.Infof("Received %s, shutting down", sig)
	return nil
}
