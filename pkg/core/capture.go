package core

import (
	"fmt"
	"net/netip"
)

// CaptureType selects which NetworkCaptureLogger variant is active.
type CaptureType int

const (
	// CaptureNone disables capture; every logging call is a no-op.
	CaptureNone CaptureType = iota
	// CaptureRawDump appends decrypted TLS payloads verbatim to flat files.
	CaptureRawDump
	// CapturePacketCapture writes synthesized frames to a pcap stream.
	CapturePacketCapture
)

// String returns the lowercase name of the capture type.
func (t CaptureType) String() string {
	switch t {
	case CaptureNone:
		return "none"
	case CaptureRawDump:
		return "raw"
	case CapturePacketCapture:
		return "pcap"
	default:
		return fmt.Sprintf("CaptureType(%d)", int(t))
	}
}

// NetworkCaptureLogger records guest socket traffic.
//
// All logging methods are fire-and-forget: they never return an error and
// never change what the guest observes on its sockets. The socket argument is
// the host socket handle backing the guest socket. The peer passed to LogRead
// and LogWrite is the address the raw socket path already knows; the zero
// AddrPort means "not known".
type NetworkCaptureLogger interface {
	// LogSSLRead logs decrypted bytes received on a TLS session.
	LogSSLRead(payload []byte, socket int)

	// LogSSLWrite logs plaintext bytes about to be encrypted on a TLS session.
	LogSSLWrite(payload []byte, socket int)

	// LogRead logs plaintext bytes received from peer.
	LogRead(payload []byte, socket int, peer netip.AddrPort)

	// LogWrite logs plaintext bytes sent to peer.
	LogWrite(payload []byte, socket int, peer netip.AddrPort)

	// GetCaptureType returns the variant fixed at construction.
	GetCaptureType() CaptureType
}

// CaptureMetrics contains counters for a capture logger.
type CaptureMetrics struct {
	// RecordsWritten is the number of records appended to a sink.
	RecordsWritten uint64

	// RecordsDropped is the number of records lost to sink write errors.
	RecordsDropped uint64

	// BytesRead is the number of payload bytes logged in the read direction.
	BytesRead uint64

	// BytesWritten is the number of payload bytes logged in the write direction.
	BytesWritten uint64

	// SinkOpenFailures is the number of sinks that could not be opened.
	SinkOpenFailures uint64
}
