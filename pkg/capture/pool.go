package capture

import (
	"sync"

	"github.com/gopacket/gopacket"
)

// Serialize buffers are reused across records; sinks never retain the bytes
// they are handed.
var serializePool = sync.Pool{
	New: func() any { return gopacket.NewSerializeBufferExpectedSize(128, 2048) },
}

func getSerializeBuffer() gopacket.SerializeBuffer {
	buf := serializePool.Get().(gopacket.SerializeBuffer)
	_ = buf.Clear()
	return buf
}

func putSerializeBuffer(buf gopacket.SerializeBuffer) {
	// Keep oversized buffers out of the pool.
	if cap(buf.Bytes()) > 16384 {
		return
	}
	serializePool.Put(buf)
}
