// Package capture records guest network traffic for offline analysis.
//
// Three NetworkCaptureLogger variants exist: NoneLogger (capture off),
// RawDumpLogger (decrypted TLS payloads appended verbatim to flat files) and
// PacketCaptureLogger (every event wrapped in a fabricated Ethernet/IPv4/TCP
// frame and written to a pcap file). New picks one from a CaptureConfig.
//
// Logging never fails from the caller's point of view. A sink that cannot be
// opened disables capture for the session; a record that cannot be written
// is dropped and counted.
package capture

import (
	"fmt"
	"net"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/irctrakz/guestcap/pkg/core"
	"github.com/irctrakz/guestcap/pkg/logging"
)

// Logger is a NetworkCaptureLogger owned by a session.
type Logger interface {
	core.NetworkCaptureLogger

	// Enabled reports whether records can currently be written.
	Enabled() bool

	// Metrics returns a snapshot of the logger counters.
	Metrics() core.CaptureMetrics

	// Close flushes and closes the logger's sinks exactly once.
	Close() error
}

// Options carries the collaborators a logger may need.
type Options struct {
	// Introspector resolves socket addressing for synthesized frames.
	Introspector core.SocketIntrospector

	// Errors is the guest-visible socket error state.
	Errors core.ErrorIndicator

	// OpenPCAP overrides the pcap sink opener.
	OpenPCAP core.SinkOpener

	// OpenRaw overrides the raw dump sink opener.
	OpenRaw core.SinkOpener

	// Now overrides the clock used for file names and timestamps.
	Now func() time.Time
}

// New builds the logger variant selected by cfg: packet capture when
// DumpAsPCAP is set, raw dumps when either TLS dump option is set, and
// NoneLogger otherwise. Only configuration errors are returned; sinks that
// fail to open leave the logger disabled instead.
func New(cfg core.CaptureConfig, opts Options) (Logger, error) {
	var mac net.HardwareAddr
	if cfg.GuestMAC != "" {
		var err error
		mac, err = net.ParseMAC(cfg.GuestMAC)
		if err != nil {
			return nil, fmt.Errorf("invalid guest MAC: %w", err)
		}
		if len(mac) != 6 {
			return nil, fmt.Errorf("invalid guest MAC: %s is not an EUI-48 address", cfg.GuestMAC)
		}
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	session := cfg.SessionName
	if session == "" {
		session = uuid.NewString()
	}

	switch {
	case cfg.DumpAsPCAP:
		path := filepath.Join(cfg.DumpDir, fmt.Sprintf("%s_%s.pcap", session, now().Format("2006-01-02_15-04-05")))
		logging.Component("capture").WithField("path", path).Info("Writing packet capture")
		return NewPacketCaptureLogger(PacketCaptureOptions{
			Path:         path,
			Open:         opts.OpenPCAP,
			Introspector: opts.Introspector,
			Errors:       opts.Errors,
			GuestMAC:     mac,
			Now:          now,
		}), nil
	case cfg.DumpSSLRead || cfg.DumpSSLWrite:
		ro := RawDumpOptions{Open: opts.OpenRaw}
		if cfg.DumpSSLRead {
			ro.ReadPath = filepath.Join(cfg.DumpDir, session+"_read.bin")
		}
		if cfg.DumpSSLWrite {
			ro.WritePath = filepath.Join(cfg.DumpDir, session+"_write.bin")
		}
		logging.Component("capture").WithField("dir", cfg.DumpDir).Info("Writing raw TLS dumps")
		return NewRawDumpLogger(ro), nil
	default:
		return NoneLogger{}, nil
	}
}

func loadCaptureMetrics(m *core.CaptureMetrics) core.CaptureMetrics {
	return core.CaptureMetrics{
		RecordsWritten:   atomic.LoadUint64(&m.RecordsWritten),
		RecordsDropped:   atomic.LoadUint64(&m.RecordsDropped),
		BytesRead:        atomic.LoadUint64(&m.BytesRead),
		BytesWritten:     atomic.LoadUint64(&m.BytesWritten),
		SinkOpenFailures: atomic.LoadUint64(&m.SinkOpenFailures),
	}
}

func addDirectionBytes(m *core.CaptureMetrics, dir direction, n int) {
	if dir == dirRead {
		atomic.AddUint64(&m.BytesRead, uint64(n))
	} else {
		atomic.AddUint64(&m.BytesWritten, uint64(n))
	}
}

// recordDrop counts a dropped record. The first drop of a logger is logged
// at warn level, later ones at debug.
func recordDrop(m *core.CaptureMetrics, t core.CaptureType, warned *bool, err error) {
	atomic.AddUint64(&m.RecordsDropped, 1)
	entry := logging.Component("capture").WithField("type", t.String())
	if *warned {
		entry.Debugf("Dropping capture record: %v", err)
		return
	}
	*warned = true
	entry.Warnf("Dropping capture record: %v", err)
}
