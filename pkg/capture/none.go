package capture

import (
	"net/netip"

	"github.com/irctrakz/guestcap/pkg/core"
)

// NoneLogger discards everything. It never opens or touches a sink.
type NoneLogger struct{}

var _ Logger = NoneLogger{}

func (NoneLogger) LogSSLRead(payload []byte, socket int)  {}
func (NoneLogger) LogSSLWrite(payload []byte, socket int) {}

func (NoneLogger) LogRead(payload []byte, socket int, peer netip.AddrPort)  {}
func (NoneLogger) LogWrite(payload []byte, socket int, peer netip.AddrPort) {}

func (NoneLogger) GetCaptureType() core.CaptureType { return core.CaptureNone }

func (NoneLogger) Enabled() bool { return false }

func (NoneLogger) Metrics() core.CaptureMetrics { return core.CaptureMetrics{} }

func (NoneLogger) Close() error { return nil }
