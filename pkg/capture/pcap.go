package capture

import (
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/guestcap/pkg/core"
	"github.com/irctrakz/guestcap/pkg/errstate"
	"github.com/irctrakz/guestcap/pkg/logging"
)

// PacketCaptureOptions configures a PacketCaptureLogger.
type PacketCaptureOptions struct {
	// Path is the capture file.
	Path string

	// Open opens the sink. Defaults to OpenPCAP.
	Open core.SinkOpener

	// Introspector resolves socket addressing and kind. Without one every
	// frame uses placeholder addressing and a TCP header.
	Introspector core.SocketIntrospector

	// Errors is the guest-visible error state that introspection must not
	// disturb.
	Errors core.ErrorIndicator

	// GuestMAC is written on the guest side of each Ethernet header.
	GuestMAC net.HardwareAddr

	// Now timestamps records. Defaults to time.Now.
	Now func() time.Time
}

// PacketCaptureLogger writes every logged event as a synthesized frame into a
// pcap stream.
//
// Sequence and acknowledgment numbers come from two byte counters owned by
// the logger, one per direction: a frame's sequence number is its direction's
// counter before the frame, its acknowledgment number is the opposite
// counter. Counters are per logger, not per socket, so traffic from several
// sockets logged through one instance reads as a single pseudo-connection and
// is not a faithful per-flow reconstruction.
type PacketCaptureLogger struct {
	introspector core.SocketIntrospector
	errs         core.ErrorIndicator
	now          func() time.Time

	enabled atomic.Bool

	// mu covers the counters, the synthesizer and the sink so that a record
	// and the counter values it carries are produced as one unit.
	mu          sync.Mutex
	sink        core.CaptureSink
	synth       frameSynthesizer
	readSeq     uint64
	writeSeq    uint64
	warnedWrite bool

	metrics core.CaptureMetrics
}

var _ Logger = (*PacketCaptureLogger)(nil)

// NewPacketCaptureLogger opens the capture file. If it cannot be opened,
// capture is disabled for the lifetime of the logger and the failure is
// reported once.
func NewPacketCaptureLogger(opts PacketCaptureOptions) *PacketCaptureLogger {
	open := opts.Open
	if open == nil {
		open = OpenPCAP
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	l := &PacketCaptureLogger{
		introspector: opts.Introspector,
		errs:         opts.Errors,
		now:          now,
		synth:        frameSynthesizer{guestMAC: opts.GuestMAC},
	}

	sink, err := open(opts.Path)
	if err != nil {
		atomic.AddUint64(&l.metrics.SinkOpenFailures, 1)
		logging.Component("capture").WithFields(logrus.Fields{
			"type": core.CapturePacketCapture.String(),
			"path": opts.Path,
		}).Warnf("Capture disabled for this session: %v", err)
		return l
	}
	l.sink = sink
	l.enabled.Store(true)
	return l
}

// LogSSLRead logs decrypted bytes received on socket.
func (l *PacketCaptureLogger) LogSSLRead(payload []byte, socket int) {
	l.log(dirRead, payload, socket, netip.AddrPort{})
}

// LogSSLWrite logs plaintext bytes sent on socket.
func (l *PacketCaptureLogger) LogSSLWrite(payload []byte, socket int) {
	l.log(dirWrite, payload, socket, netip.AddrPort{})
}

// LogRead logs bytes received on socket from peer.
func (l *PacketCaptureLogger) LogRead(payload []byte, socket int, peer netip.AddrPort) {
	l.log(dirRead, payload, socket, peer)
}

// LogWrite logs bytes sent on socket to peer.
func (l *PacketCaptureLogger) LogWrite(payload []byte, socket int, peer netip.AddrPort) {
	l.log(dirWrite, payload, socket, peer)
}

// GetCaptureType returns core.CapturePacketCapture.
func (l *PacketCaptureLogger) GetCaptureType() core.CaptureType { return core.CapturePacketCapture }

// Enabled reports whether the capture file is open.
func (l *PacketCaptureLogger) Enabled() bool { return l.enabled.Load() }

// Metrics returns a snapshot of the logger counters.
func (l *PacketCaptureLogger) Metrics() core.CaptureMetrics { return loadCaptureMetrics(&l.metrics) }

// Counters returns the read and write byte counters.
func (l *PacketCaptureLogger) Counters() (read, write uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readSeq, l.writeSeq
}

// Close flushes and closes the capture file. Later logging calls are no-ops.
func (l *PacketCaptureLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled.Store(false)
	if l.sink == nil {
		return nil
	}
	err := l.sink.Close()
	l.sink = nil
	return err
}

func (l *PacketCaptureLogger) log(dir direction, payload []byte, socket int, peer netip.AddrPort) {
	if !l.enabled.Load() {
		return
	}
	defer errstate.Save(l.errs).Restore()

	ep := l.resolve(dir, socket, peer)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sink == nil {
		return
	}

	own, other := &l.writeSeq, &l.readSeq
	if dir == dirRead {
		own, other = &l.readSeq, &l.writeSeq
	}
	seq := *own
	ack := uint32(*other)
	*own += uint64(len(payload))
	addDirectionBytes(&l.metrics, dir, len(payload))

	ts := l.now()
	limit := maxSegment(ep.kind)
	for off := 0; ; {
		end := min(off+limit, len(payload))
		l.emit(ts, dir, ep, uint32(seq+uint64(off)), ack, payload[off:end])
		off = end
		if off >= len(payload) {
			break
		}
	}
}

// emit synthesizes one frame and appends it. Failures drop the record.
func (l *PacketCaptureLogger) emit(ts time.Time, dir direction, ep endpoints, seq, ack uint32, payload []byte) {
	buf := getSerializeBuffer()
	defer putSerializeBuffer(buf)

	err := l.synth.serialize(buf, dir, ep, seq, ack, payload)
	if err == nil {
		err = l.sink.AppendRecord(ts, buf.Bytes())
	}
	if err != nil {
		recordDrop(&l.metrics, core.CapturePacketCapture, &l.warnedWrite, err)
		return
	}
	atomic.AddUint64(&l.metrics.RecordsWritten, 1)
}

// resolve works out frame addressing. The local endpoint always comes from
// introspection; the peer comes from the caller when known. Anything that is
// unresolvable or not IPv4 becomes a placeholder.
func (l *PacketCaptureLogger) resolve(dir direction, socket int, peer netip.AddrPort) endpoints {
	var local, remote netip.AddrPort
	kind := core.KindUnknown

	if l.introspector != nil {
		a := l.introspector.ResolveAddressing(socket)
		// Dual-stack sockets may carry IPv4-mapped endpoints.
		if a.Family == core.FamilyInet || a.Family == core.FamilyInet6 {
			local = a.Local
			remote = a.Peer
		}
		kind = l.introspector.GetSocketKind(socket)
	}
	if peer.IsValid() {
		remote = peer
	}
	local, remote = ipv4Only(local), ipv4Only(remote)

	if dir == dirRead {
		return endpoints{src: remote, dst: local, kind: kind}
	}
	return endpoints{src: local, dst: remote, kind: kind}
}
