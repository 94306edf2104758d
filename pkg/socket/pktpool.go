package socket

import "sync"

// Relay buffers. Every relay direction holds one while it runs; callers only
// return buffers obtained from bufGet.

const relayBufSize = 32 * 1024

var relayPool = sync.Pool{New: func() any { b := make([]byte, relayBufSize); return &b }}

func bufGet() *[]byte { return relayPool.Get().(*[]byte) }

func bufPut(b *[]byte) {
	if cap(*b) != relayBufSize {
		return
	}
	*b = (*b)[:relayBufSize]
	relayPool.Put(b)
}
