package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"github.com/irctrakz/guestcap/pkg/core"
)

// ErrSinkClosed is returned by AppendRecord after Close.
var ErrSinkClosed = errors.New("capture sink closed")

// pcapSnapLen is larger than any synthesized frame (Ethernet + 64 KiB IPv4).
const pcapSnapLen = 262144

const sinkBufferSize = 64 * 1024

// pcapSink writes records into a pcap container with an Ethernet link type.
// Each record is flushed on its own so that a failed write drops only that
// record.
type pcapSink struct {
	mu sync.Mutex
	f  io.WriteCloser
	bw *bufio.Writer
	w  *pcapgo.Writer
}

var _ core.CaptureSink = (*pcapSink)(nil)

// OpenPCAP opens path for appending pcap records, creating the file and its
// directory if needed. The global header is written only to empty files; a
// non-empty file is assumed to already be an Ethernet pcap.
func OpenPCAP(path string) (core.CaptureSink, error) {
	f, err := openAppend(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat capture file: %w", err)
	}
	s, err := newPCAPSink(f, st.Size() == 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func newPCAPSink(f io.WriteCloser, header bool) (*pcapSink, error) {
	bw := bufio.NewWriterSize(f, sinkBufferSize)
	w := pcapgo.NewWriter(bw)
	if header {
		if err := w.WriteFileHeader(pcapSnapLen, layers.LinkTypeEthernet); err != nil {
			return nil, fmt.Errorf("failed to write pcap header: %w", err)
		}
		if err := bw.Flush(); err != nil {
			return nil, fmt.Errorf("failed to write pcap header: %w", err)
		}
	}
	return &pcapSink{f: f, bw: bw, w: w}, nil
}

func (s *pcapSink) AppendRecord(ts time.Time, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrSinkClosed
	}
	err := s.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(data),
		Length:        len(data),
	}, data)
	if err == nil {
		err = s.bw.Flush()
	}
	if err != nil {
		// bufio keeps a write error forever; start over for the next record.
		s.bw.Reset(s.f)
		return fmt.Errorf("failed to write capture record: %w", err)
	}
	return nil
}

func (s *pcapSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return closeOnce(&s.f)
}

// rawSink appends record bytes with no framing at all.
type rawSink struct {
	mu sync.Mutex
	f  io.WriteCloser
}

var _ core.CaptureSink = (*rawSink)(nil)

// OpenRaw opens path for appending unframed bytes.
func OpenRaw(path string) (core.CaptureSink, error) {
	f, err := openAppend(path)
	if err != nil {
		return nil, err
	}
	return &rawSink{f: f}, nil
}

func (s *rawSink) AppendRecord(_ time.Time, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrSinkClosed
	}
	if _, err := s.f.Write(data); err != nil {
		return fmt.Errorf("failed to write capture record: %w", err)
	}
	return nil
}

func (s *rawSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return closeOnce(&s.f)
}

func openAppend(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create capture directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file: %w", err)
	}
	return f, nil
}

// closeOnce closes *f and clears it; later calls return nil.
func closeOnce(f *io.WriteCloser) error {
	if *f == nil {
		return nil
	}
	err := (*f).Close()
	*f = nil
	return err
}
