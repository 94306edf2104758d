package socket

import (
	"sync/atomic"

	"github.com/irctrakz/guestcap/pkg/core"
)

// Metrics is an alias for core.SocketMetrics
type Metrics = core.SocketMetrics

func loadSocketMetrics(m *core.SocketMetrics) core.SocketMetrics {
	if m == nil {
		return core.SocketMetrics{}
	}
	return core.SocketMetrics{
		ConnectionsCreated: atomic.LoadUint64(&m.ConnectionsCreated),
		ConnectionsClosed:  atomic.LoadUint64(&m.ConnectionsClosed),
		BytesSent:          atomic.LoadUint64(&m.BytesSent),
		BytesReceived:      atomic.LoadUint64(&m.BytesReceived),
		Errors:             atomic.LoadUint64(&m.Errors),
	}
}
