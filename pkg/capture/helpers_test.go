package capture

import (
	"errors"
	"net/netip"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/guestcap/pkg/core"
	"github.com/irctrakz/guestcap/pkg/errstate"
)

type record struct {
	ts   time.Time
	data []byte
}

// memorySink keeps copies of appended records.
type memorySink struct {
	mu         sync.Mutex
	records    []record
	closed     int
	failAppend error
}

func (s *memorySink) AppendRecord(ts time.Time, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppend != nil {
		return s.failAppend
	}
	s.records = append(s.records, record{ts: ts, data: append([]byte(nil), data...)})
	return nil
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *memorySink) snapshot() []record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]record(nil), s.records...)
}

func (s *memorySink) concat() []byte {
	var out []byte
	for _, r := range s.snapshot() {
		out = append(out, r.data...)
	}
	return out
}

// openerFor returns an opener handing out sink and counting opens.
func openerFor(sink core.CaptureSink, opens *int) core.SinkOpener {
	return func(path string) (core.CaptureSink, error) {
		if opens != nil {
			*opens++
		}
		return sink, nil
	}
}

func failingOpener(path string) (core.CaptureSink, error) {
	return nil, errors.New("permission denied")
}

// fakeIntrospector returns canned answers. Every call leaves errno behind in
// ind the way a real host call would.
type fakeIntrospector struct {
	addr  core.Addressing
	kind  core.SocketKind
	ind   *errstate.Indicator
	calls int

	// entered and release, when set, hold ResolveAddressing open.
	entered chan struct{}
	release chan struct{}
}

func (f *fakeIntrospector) touch(err error) {
	f.calls++
	if f.ind != nil {
		f.ind.Introspection().Record(err)
	}
}

func (f *fakeIntrospector) ResolveAddressing(handle int) core.Addressing {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	if f.addr.Family == core.FamilyUnknown {
		f.touch(syscall.EBADF)
	} else {
		f.touch(syscall.ENOTCONN)
	}
	return f.addr
}

func (f *fakeIntrospector) GetSocketKind(handle int) core.SocketKind {
	if f.kind == core.KindUnknown {
		f.touch(syscall.EBADF)
	}
	return f.kind
}

func (f *fakeIntrospector) GetConnectionState(handle int) core.ConnState {
	f.touch(syscall.EBADF)
	return core.StateUnknown
}

func unknownIntrospector() *fakeIntrospector {
	return &fakeIntrospector{addr: core.Addressing{Family: core.FamilyUnknown}, kind: core.KindUnknown}
}

func ipv4Introspector(local, peer string) *fakeIntrospector {
	return &fakeIntrospector{
		addr: core.Addressing{
			Family: core.FamilyInet,
			Local:  netip.MustParseAddrPort(local),
			Peer:   netip.MustParseAddrPort(peer),
		},
		kind: core.KindStream,
	}
}

var fixedTime = time.Date(2021, 3, 14, 15, 9, 26, 535000000, time.UTC)

func fixedNow() time.Time { return fixedTime }

// decodedFrame is the interesting part of one synthesized frame.
type decodedFrame struct {
	eth     *layers.Ethernet
	ip      *layers.IPv4
	tcp     *layers.TCP
	udp     *layers.UDP
	payload []byte
}

func decodeFrame(t *testing.T, data []byte) decodedFrame {
	t.Helper()
	// Application layers (TLS on 443 and the like) may fail to decode on
	// synthetic payloads; only the link, network and transport layers matter.
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)

	var f decodedFrame
	ethLayer := pkt.Layer(layers.LayerTypeEthernet)
	require.NotNil(t, ethLayer)
	f.eth = ethLayer.(*layers.Ethernet)

	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	require.NotNil(t, ipLayer)
	f.ip = ipLayer.(*layers.IPv4)

	if l := pkt.Layer(layers.LayerTypeTCP); l != nil {
		f.tcp = l.(*layers.TCP)
		f.payload = f.tcp.Payload
	}
	if l := pkt.Layer(layers.LayerTypeUDP); l != nil {
		f.udp = l.(*layers.UDP)
		f.payload = f.udp.Payload
	}
	require.True(t, f.tcp != nil || f.udp != nil, "no transport layer")
	if f.payload == nil {
		f.payload = []byte{}
	}
	return f
}

func payloadOf(n int, b byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = b + byte(i)
	}
	return p
}
