package main

import (
	"flag"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/irctrakz/guestcap/pkg/capture"
	"github.com/irctrakz/guestcap/pkg/core"
	"github.com/irctrakz/guestcap/pkg/logging"
)

var guestMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 1}

// checkingSink decodes every frame and replays the sequence counters.
// Records arrive in the order the logger assigned their numbers, so a
// mismatch means two events raced between counting and appending.
type checkingSink struct {
	next core.CaptureSink

	mu          sync.Mutex
	read, write uint64
	records     uint64
	violations  uint64
	undecodable uint64
}

func (c *checkingSink) AppendRecord(ts time.Time, data []byte) error {
	c.mu.Lock()
	c.check(data)
	c.mu.Unlock()
	if c.next != nil {
		return c.next.AppendRecord(ts, data)
	}
	return nil
}

func (c *checkingSink) check(data []byte) {
	c.records++
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)
	eth, _ := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	tcp, _ := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if eth == nil || tcp == nil {
		c.undecodable++
		return
	}
	own, other := &c.write, &c.read
	if eth.DstMAC.String() == guestMAC.String() {
		own, other = &c.read, &c.write
	}
	if tcp.Seq != uint32(*own) || tcp.Ack != uint32(*other) {
		c.violations++
	}
	*own += uint64(len(tcp.Payload))
}

func (c *checkingSink) Close() error {
	if c.next != nil {
		return c.next.Close()
	}
	return nil
}

func main() {
	var (
		workers = flag.Int("workers", 8, "number of concurrent callers")
		events  = flag.Int("events", 2000, "events per caller")
		size    = flag.Int("size", 512, "maximum payload size (bytes)")
		out     = flag.String("out", "", "also write the capture to this pcap file")
	)
	flag.Parse()

	// Quieter logs by default
	logging.SetLevel(logging.InfoLevel)

	if *size < 1 {
		*size = 1
	}

	sink := &checkingSink{}
	open := func(path string) (core.CaptureSink, error) {
		if *out != "" {
			next, err := capture.OpenPCAP(*out)
			if err != nil {
				return nil, err
			}
			sink.next = next
		}
		return sink, nil
	}
	l := capture.NewPacketCaptureLogger(capture.PacketCaptureOptions{
		Path:     *out,
		Open:     open,
		GuestMAC: guestMAC,
	})

	peer := netip.MustParseAddrPort("198.51.100.7:443")
	var sentRead, sentWrite uint64
	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			payload := make([]byte, *size)
			rng.Read(payload)
			for i := 0; i < *events; i++ {
				p := payload[:1+rng.Intn(*size)]
				switch rng.Intn(4) {
				case 0:
					l.LogSSLRead(p, w)
					atomic.AddUint64(&sentRead, uint64(len(p)))
				case 1:
					l.LogRead(p, w, peer)
					atomic.AddUint64(&sentRead, uint64(len(p)))
				case 2:
					l.LogSSLWrite(p, w)
					atomic.AddUint64(&sentWrite, uint64(len(p)))
				default:
					l.LogWrite(p, w, peer)
					atomic.AddUint64(&sentWrite, uint64(len(p)))
				}
			}
		}(w)
	}
	wg.Wait()
	dur := time.Since(start)
	if err := l.Close(); err != nil {
		fmt.Printf("ERROR: close: %v\n", err)
	}

	m := l.Metrics()
	total := uint64(*workers) * uint64(*events)
	fmt.Printf("Duration: %v (%.0f events/s)\n", dur, float64(total)/dur.Seconds())
	fmt.Printf("Logger: written=%d dropped=%d read=%d write=%d open_failures=%d\n",
		m.RecordsWritten, m.RecordsDropped, m.BytesRead, m.BytesWritten, m.SinkOpenFailures)
	fmt.Printf("Sink: records=%d violations=%d undecodable=%d read=%d write=%d\n",
		sink.records, sink.violations, sink.undecodable, sink.read, sink.write)

	failed := false
	if sink.violations > 0 {
		fmt.Println("ERROR: sequence/acknowledgment numbers out of order")
		failed = true
	}
	if sink.undecodable > 0 {
		fmt.Println("ERROR: some records did not decode as Ethernet/TCP")
		failed = true
	}
	if sink.read != sentRead || sink.write != sentWrite {
		fmt.Printf("ERROR: byte totals differ: logged read=%d write=%d\n", sentRead, sentWrite)
		failed = true
	}
	if m.RecordsDropped > 0 {
		fmt.Println("WARN: records dropped by the sink")
	}
	if failed {
		os.Exit(1)
	}
}
