// Package config provides configuration handling for the capture bridge.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/irctrakz/guestcap/pkg/core"
	"github.com/irctrakz/guestcap/pkg/logging"
	"github.com/irctrakz/guestcap/pkg/sockman"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration.
type Config struct {
	// Capture selects the capture logger.
	Capture core.CaptureConfig `json:"capture" yaml:"capture"`

	// Bridge contains the host socket bridge configuration.
	Bridge core.BridgeConfig `json:"bridge" yaml:"bridge"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// File is the log file path.
	File string `json:"file" yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Capture: core.CaptureConfig{
			VerifyCertificates: true,
			DumpDir:            "captures",
		},
		Bridge: core.BridgeConfig{
			ListenAddr: "127.0.0.1:8443",
			HTTPAddr:   "127.0.0.1:8080",
			MaxSockets: sockman.DefaultMaxSockets,
		},
		Logging: LoggingConfig{
			Level:      "info",
			File:       "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// LoadFromFile loads configuration from a file.
func LoadFromFile(path string, config *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Determine file format based on extension
	switch {
	case strings.HasSuffix(path, ".json"):
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	return nil
}

func envBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv(config *Config) {
	// Capture config
	for _, b := range []struct {
		key string
		dst *bool
	}{
		{"CAPTURE_DUMP_SSL_READ", &config.Capture.DumpSSLRead},
		{"CAPTURE_DUMP_SSL_WRITE", &config.Capture.DumpSSLWrite},
		{"CAPTURE_DUMP_ROOT_CA", &config.Capture.DumpRootCA},
		{"CAPTURE_DUMP_PEER_CERT", &config.Capture.DumpPeerCert},
		{"CAPTURE_VERIFY_CERTIFICATES", &config.Capture.VerifyCertificates},
		{"CAPTURE_DUMP_AS_PCAP", &config.Capture.DumpAsPCAP},
		{"BRIDGE_UPSTREAM_TLS", &config.Bridge.UpstreamTLS},
	} {
		if val := os.Getenv(b.key); val != "" {
			*b.dst = envBool(val)
		}
	}
	if val := os.Getenv("CAPTURE_DUMP_DIR"); val != "" {
		config.Capture.DumpDir = val
	}
	if val := os.Getenv("CAPTURE_SESSION"); val != "" {
		config.Capture.SessionName = val
	}
	if val := os.Getenv("CAPTURE_GUEST_MAC"); val != "" {
		config.Capture.GuestMAC = val
	}

	// Bridge config
	if val := os.Getenv("BRIDGE_LISTEN_ADDR"); val != "" {
		config.Bridge.ListenAddr = val
	}
	if val := os.Getenv("BRIDGE_UPSTREAM"); val != "" {
		config.Bridge.Upstream = val
	}
	if val := os.Getenv("BRIDGE_SERVER_NAME"); val != "" {
		config.Bridge.ServerName = val
	}
	if val := os.Getenv("BRIDGE_ROOT_CA_FILE"); val != "" {
		config.Bridge.RootCAFile = val
	}
	if val := os.Getenv("BRIDGE_HTTP_ADDR"); val != "" {
		config.Bridge.HTTPAddr = val
	}
	if val := os.Getenv("BRIDGE_MAX_SOCKETS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Bridge.MaxSockets = n
		}
	}

	// Logging config
	if val := os.Getenv("LOGGING_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOGGING_FILE"); val != "" {
		config.Logging.File = val
	}
	if val := os.Getenv("LOGGING_MAX_SIZE"); val != "" {
		if maxSize, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxSize = maxSize
		}
	}
	if val := os.Getenv("LOGGING_MAX_BACKUPS"); val != "" {
		if maxBackups, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxBackups = maxBackups
		}
	}
	if val := os.Getenv("LOGGING_MAX_AGE"); val != "" {
		if maxAge, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxAge = maxAge
		}
	}
}

func validHostPort(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return false
	}
	n, err := strconv.Atoi(port)
	return err == nil && n >= 0 && n <= 65535
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	// Validate Capture config
	if c.Capture.GuestMAC != "" {
		mac, err := net.ParseMAC(c.Capture.GuestMAC)
		if err != nil {
			return fmt.Errorf("invalid guest MAC: %w", err)
		}
		if len(mac) != 6 {
			return fmt.Errorf("invalid guest MAC (must be EUI-48): %s", c.Capture.GuestMAC)
		}
	}
	if c.Capture.Enabled() && c.Capture.DumpDir == "" {
		return fmt.Errorf("capture directory cannot be empty when capture is enabled")
	}
	if (c.Capture.DumpPeerCert || c.Capture.DumpRootCA) && c.Capture.DumpDir == "" {
		return fmt.Errorf("capture directory cannot be empty when certificate dumps are enabled")
	}

	// Validate Bridge config
	if !validHostPort(c.Bridge.ListenAddr) {
		return fmt.Errorf("invalid listen address (must be host:port): %q", c.Bridge.ListenAddr)
	}
	if !validHostPort(c.Bridge.Upstream) {
		return fmt.Errorf("invalid upstream address (must be host:port): %q", c.Bridge.Upstream)
	}
	if c.Bridge.HTTPAddr != "" && !validHostPort(c.Bridge.HTTPAddr) {
		return fmt.Errorf("invalid HTTP address (must be host:port): %q", c.Bridge.HTTPAddr)
	}
	if c.Bridge.MaxSockets <= 0 {
		return fmt.Errorf("invalid socket table size: %d", c.Bridge.MaxSockets)
	}

	// Validate Logging config
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	return nil
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logging.InfoLevel
	}
	logging.SetLevel(level)

	// Enable file logging if configured
	if c.Logging.File != "" {
		err := logging.EnableFileLogging(
			c.Logging.File,
			c.Logging.MaxSize,
			c.Logging.MaxBackups,
			c.Logging.MaxAge,
		)
		if err != nil {
			return fmt.Errorf("failed to enable file logging: %w", err)
		}
	}

	return nil
}

// SaveToFile saves the configuration to a file.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	// Determine file format based on extension
	switch {
	case strings.HasSuffix(path, ".json"):
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	// Create directory if it doesn't exist
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	// Write to file
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
