package capture

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/guestcap/pkg/core"
	"github.com/irctrakz/guestcap/pkg/logging"
)

// RawDumpOptions configures a RawDumpLogger. An empty path disables that
// direction.
type RawDumpOptions struct {
	// ReadPath receives decrypted bytes read on TLS sessions.
	ReadPath string

	// WritePath receives plaintext bytes written on TLS sessions.
	WritePath string

	// Open opens the sinks. Defaults to OpenRaw.
	Open core.SinkOpener
}

// RawDumpLogger appends decrypted TLS payloads verbatim to flat files, one
// per direction, for manual inspection. Plaintext socket traffic is not
// captured by this variant.
type RawDumpLogger struct {
	mu    sync.Mutex
	read  core.CaptureSink
	write core.CaptureSink

	enabled     atomic.Bool
	warnedWrite bool
	metrics     core.CaptureMetrics
}

var _ Logger = (*RawDumpLogger)(nil)

// NewRawDumpLogger opens the configured sinks. If any of them fails to open,
// capture is disabled for the lifetime of the logger and the failure is
// reported once.
func NewRawDumpLogger(opts RawDumpOptions) *RawDumpLogger {
	open := opts.Open
	if open == nil {
		open = OpenRaw
	}

	l := &RawDumpLogger{}
	for _, s := range []struct {
		path string
		dst  *core.CaptureSink
	}{
		{opts.ReadPath, &l.read},
		{opts.WritePath, &l.write},
	} {
		if s.path == "" {
			continue
		}
		sink, err := open(s.path)
		if err != nil {
			atomic.AddUint64(&l.metrics.SinkOpenFailures, 1)
			logging.Component("capture").WithFields(logrus.Fields{
				"type": core.CaptureRawDump.String(),
				"path": s.path,
			}).Warnf("Capture disabled for this session: %v", err)
			l.closeSinks()
			return l
		}
		*s.dst = sink
	}

	l.enabled.Store(l.read != nil || l.write != nil)
	return l
}

// LogSSLRead appends payload to the read dump.
func (l *RawDumpLogger) LogSSLRead(payload []byte, socket int) {
	l.append(dirRead, payload)
}

// LogSSLWrite appends payload to the write dump.
func (l *RawDumpLogger) LogSSLWrite(payload []byte, socket int) {
	l.append(dirWrite, payload)
}

// LogRead does nothing; plaintext capture needs the packet-capture variant.
func (l *RawDumpLogger) LogRead(payload []byte, socket int, peer netip.AddrPort) {}

// LogWrite does nothing; plaintext capture needs the packet-capture variant.
func (l *RawDumpLogger) LogWrite(payload []byte, socket int, peer netip.AddrPort) {}

// GetCaptureType returns core.CaptureRawDump.
func (l *RawDumpLogger) GetCaptureType() core.CaptureType { return core.CaptureRawDump }

// Enabled reports whether at least one dump file is open.
func (l *RawDumpLogger) Enabled() bool { return l.enabled.Load() }

// Metrics returns a snapshot of the logger counters.
func (l *RawDumpLogger) Metrics() core.CaptureMetrics { return loadCaptureMetrics(&l.metrics) }

// Close flushes and closes the dump files. Later logging calls are no-ops.
func (l *RawDumpLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled.Store(false)
	return l.closeSinks()
}

func (l *RawDumpLogger) closeSinks() error {
	var first error
	for _, s := range []*core.CaptureSink{&l.read, &l.write} {
		if *s == nil {
			continue
		}
		if err := (*s).Close(); err != nil && first == nil {
			first = err
		}
		*s = nil
	}
	return first
}

func (l *RawDumpLogger) append(dir direction, payload []byte) {
	if !l.enabled.Load() {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	sink := l.write
	if dir == dirRead {
		sink = l.read
	}
	if sink == nil {
		return
	}

	addDirectionBytes(&l.metrics, dir, len(payload))
	if err := sink.AppendRecord(time.Time{}, payload); err != nil {
		recordDrop(&l.metrics, core.CaptureRawDump, &l.warnedWrite, err)
		return
	}
	atomic.AddUint64(&l.metrics.RecordsWritten, 1)
}
