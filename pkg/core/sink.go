package core

import "time"

// CaptureSink is an append-only store of timestamped binary records.
type CaptureSink interface {
	// AppendRecord appends one record. Sinks without framing ignore ts.
	// data must not be retained after AppendRecord returns.
	AppendRecord(ts time.Time, data []byte) error

	// Close flushes buffered records and releases the backing store.
	Close() error
}

// SinkOpener opens a sink at path for appending.
type SinkOpener func(path string) (CaptureSink, error)
