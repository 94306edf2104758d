package socket

import (
	"bytes"
	"encoding/pem"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"

	"github.com/irctrakz/guestcap/pkg/capture"
	"github.com/irctrakz/guestcap/pkg/core"
	"github.com/irctrakz/guestcap/pkg/hostsock"
)

type logEvent struct {
	kind    string
	payload []byte
	handle  int
	peer    netip.AddrPort
}

// recordingLogger keeps every logging call.
type recordingLogger struct {
	mu     sync.Mutex
	events []logEvent
}

func (l *recordingLogger) add(kind string, p []byte, handle int, peer netip.AddrPort) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, logEvent{kind: kind, payload: append([]byte(nil), p...), handle: handle, peer: peer})
}

func (l *recordingLogger) LogSSLRead(p []byte, socket int) {
	l.add("ssl_read", p, socket, netip.AddrPort{})
}

func (l *recordingLogger) LogSSLWrite(p []byte, socket int) {
	l.add("ssl_write", p, socket, netip.AddrPort{})
}

func (l *recordingLogger) LogRead(p []byte, socket int, peer netip.AddrPort) {
	l.add("read", p, socket, peer)
}

func (l *recordingLogger) LogWrite(p []byte, socket int, peer netip.AddrPort) {
	l.add("write", p, socket, peer)
}

func (l *recordingLogger) GetCaptureType() core.CaptureType { return core.CapturePacketCapture }

func (l *recordingLogger) snapshot() []logEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]logEvent(nil), l.events...)
}

// payloads concatenates the payloads of kind.
func (l *recordingLogger) payloads(kind string) []byte {
	var out []byte
	for _, e := range l.snapshot() {
		if e.kind == kind {
			out = append(out, e.payload...)
		}
	}
	return out
}

func startEcho(t *testing.T) net.Listener {
	t.Helper()
	ln, err := nettest.NewLocalListener("tcp4")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return ln
}

func startInterface(t *testing.T, cfg Config, logger core.NetworkCaptureLogger) *SocketInterface {
	t.Helper()
	cfg.ListenAddr = "127.0.0.1:0"
	si := NewSocketInterface(cfg)
	si.SetLogger(logger)
	require.NoError(t, si.Start())
	t.Cleanup(func() { si.Stop() })
	return si
}

func roundTrip(t *testing.T, addr net.Addr, msg string) []byte {
	t.Helper()
	c, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte(msg))
	require.NoError(t, err)
	require.NoError(t, c.(*net.TCPConn).CloseWrite())
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	data, err := io.ReadAll(c)
	require.NoError(t, err)
	return data
}

// expectRejected dials addr and expects the relay to drop the connection
// without sending anything.
func expectRejected(t *testing.T, addr net.Addr) {
	t.Helper()
	c, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, err := c.Read(make([]byte, 1))
	assert.Zero(t, n)
	assert.Error(t, err)
	assert.False(t, isTimeout(err), "connection was not dropped")
}

func waitClosed(t *testing.T, si *SocketInterface, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return si.GetMetrics().ConnectionsClosed >= n
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStartErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"

	si := NewSocketInterface(cfg)
	assert.Error(t, si.Start(), "no logger")

	si.SetLogger(capture.NoneLogger{})
	assert.Error(t, si.Start(), "no upstream")

	cfg.Upstream = "127.0.0.1:1"
	si = NewSocketInterface(cfg)
	si.SetLogger(capture.NoneLogger{})
	require.NoError(t, si.Start())
	assert.Error(t, si.Start(), "already running")
	assert.NoError(t, si.Stop())
	assert.NoError(t, si.Stop())

	cfg.UpstreamTLS = true
	cfg.RootCAFile = filepath.Join(t.TempDir(), "missing.pem")
	si = NewSocketInterface(cfg)
	si.SetLogger(capture.NoneLogger{})
	assert.Error(t, si.Start(), "missing root CA file")
}

func TestPlaintextRelayLogsEveryPayload(t *testing.T) {
	up := startEcho(t)
	cfg := DefaultConfig()
	cfg.Upstream = up.Addr().String()
	logger := &recordingLogger{}
	si := startInterface(t, cfg, logger)

	c, err := net.Dial("tcp", si.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	require.Equal(t, []int{0}, si.Sockets().IDs())
	handle := si.Sockets().ResolveHostHandle(0)
	assert.GreaterOrEqual(t, handle, 0)
	assert.True(t, si.Sockets().IsBlocking(0))

	require.NoError(t, c.(*net.TCPConn).CloseWrite())
	_, err = io.ReadAll(c)
	require.NoError(t, err)
	waitClosed(t, si, 1)

	assert.Equal(t, "hello", string(logger.payloads("write")))
	assert.Equal(t, "hello", string(logger.payloads("read")))
	want := netip.MustParseAddrPort(up.Addr().String())
	for _, e := range logger.snapshot() {
		assert.Equal(t, handle, e.handle)
		assert.Equal(t, want, e.peer)
	}

	m := si.GetMetrics()
	assert.Equal(t, uint64(5), m.BytesSent)
	assert.Equal(t, uint64(5), m.BytesReceived)
	assert.Equal(t, uint64(1), m.ConnectionsCreated)
	assert.Eventually(t, func() bool { return len(si.Sockets().IDs()) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestPlaintextRelayPacketCapture(t *testing.T) {
	up := startEcho(t)
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Upstream = up.Addr().String()
	cfg.ListenAddr = "127.0.0.1:0"

	si := NewSocketInterface(cfg)
	ind := si.Sockets().Errors()
	logger, err := capture.New(core.CaptureConfig{DumpAsPCAP: true, DumpDir: dir, SessionName: "relay"}, capture.Options{
		Introspector: hostsock.New(ind.Introspection()),
		Errors:       ind,
	})
	require.NoError(t, err)
	si.SetLogger(logger)
	require.NoError(t, si.Start())

	assert.Equal(t, "ping", string(roundTrip(t, si.Addr(), "ping")))
	waitClosed(t, si, 1)
	require.NoError(t, si.Stop())
	require.NoError(t, logger.Close())

	files, err := filepath.Glob(filepath.Join(dir, "relay_*.pcap"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	f, err := os.Open(files[0])
	require.NoError(t, err)
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeEthernet, r.LinkType())

	upPort := layers.TCPPort(up.Addr().(*net.TCPAddr).Port)
	var toUpstream, fromUpstream []byte
	for {
		data, _, err := r.ReadPacketData()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
		tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		require.True(t, ok)
		ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		require.True(t, ok)
		assert.Equal(t, "127.0.0.1", ip.SrcIP.String())
		switch {
		case tcp.DstPort == upPort:
			toUpstream = append(toUpstream, tcp.Payload...)
		case tcp.SrcPort == upPort:
			fromUpstream = append(fromUpstream, tcp.Payload...)
		default:
			t.Fatalf("unexpected ports %d->%d", tcp.SrcPort, tcp.DstPort)
		}
	}
	assert.Equal(t, "ping", string(toUpstream))
	assert.Equal(t, "ping", string(fromUpstream))
}

func startTLSUpstream(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("secret"))
	}))
	srv.StartTLS()
	t.Cleanup(srv.Close)

	caFile := filepath.Join(t.TempDir(), "ca.pem")
	pemData := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	require.NoError(t, os.WriteFile(caFile, pemData, 0644))
	return srv, caFile
}

const httpRequest = "GET / HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n"

func TestTLSRelayDumpsDecryptedReads(t *testing.T) {
	srv, caFile := startTLSUpstream(t)
	dumpDir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Upstream = srv.Listener.Addr().String()
	cfg.UpstreamTLS = true
	cfg.ServerName = "example.com"
	cfg.RootCAFile = caFile
	cfg.VerifyCertificates = true
	cfg.DumpSSLRead = true
	cfg.DumpPeerCert = true
	cfg.DumpRootCA = true
	cfg.DumpDir = dumpDir
	logger := &recordingLogger{}
	si := startInterface(t, cfg, logger)

	resp := roundTrip(t, si.Addr(), httpRequest)
	assert.Contains(t, string(resp), "200 OK")
	assert.True(t, bytes.HasSuffix(resp, []byte("secret")))
	waitClosed(t, si, 1)

	for _, e := range logger.snapshot() {
		assert.Equal(t, "ssl_read", e.kind)
	}
	assert.Equal(t, resp, logger.payloads("ssl_read"))

	for _, name := range []string{"example.com_peer.pem", "example.com_root.pem"} {
		data, err := os.ReadFile(filepath.Join(dumpDir, name))
		require.NoError(t, err, name)
		block, _ := pem.Decode(data)
		require.NotNil(t, block, name)
		assert.Equal(t, srv.Certificate().Raw, block.Bytes, name)
	}
}

func TestTLSRelayWithoutVerification(t *testing.T) {
	srv, _ := startTLSUpstream(t)

	cfg := DefaultConfig()
	cfg.Upstream = srv.Listener.Addr().String()
	cfg.UpstreamTLS = true
	cfg.VerifyCertificates = false
	cfg.DumpSSLWrite = true
	logger := &recordingLogger{}
	si := startInterface(t, cfg, logger)

	resp := roundTrip(t, si.Addr(), httpRequest)
	assert.Contains(t, string(resp), "secret")
	waitClosed(t, si, 1)

	for _, e := range logger.snapshot() {
		assert.Equal(t, "ssl_write", e.kind)
	}
	assert.Equal(t, httpRequest, string(logger.payloads("ssl_write")))
}

func TestTLSVerificationFailure(t *testing.T) {
	srv, _ := startTLSUpstream(t)

	cfg := DefaultConfig()
	cfg.Upstream = srv.Listener.Addr().String()
	cfg.UpstreamTLS = true
	cfg.ServerName = "example.com"
	cfg.VerifyCertificates = true
	cfg.DumpSSLRead = true
	cfg.DumpSSLWrite = true
	logger := &recordingLogger{}
	si := startInterface(t, cfg, logger)

	expectRejected(t, si.Addr())
	require.Eventually(t, func() bool { return si.GetMetrics().Errors >= 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, logger.snapshot())
	assert.Equal(t, syscall.EIO, si.Sockets().Errors().Errno())
	assert.Zero(t, si.GetMetrics().ConnectionsCreated)
}

func TestSocketTableFull(t *testing.T) {
	up := startEcho(t)
	cfg := DefaultConfig()
	cfg.Upstream = up.Addr().String()
	cfg.MaxSockets = 1
	si := startInterface(t, cfg, &recordingLogger{})

	first, err := net.Dial("tcp", si.Addr().String())
	require.NoError(t, err)
	defer first.Close()
	_, err = first.Write([]byte("x"))
	require.NoError(t, err)
	_, err = io.ReadFull(first, make([]byte, 1))
	require.NoError(t, err)

	expectRejected(t, si.Addr())
	assert.Equal(t, syscall.EMFILE, si.Sockets().Errors().Errno())
	assert.GreaterOrEqual(t, si.GetMetrics().Errors, uint64(1))
}

func TestStopClosesRelays(t *testing.T) {
	up := startEcho(t)
	cfg := DefaultConfig()
	cfg.Upstream = up.Addr().String()
	si := startInterface(t, cfg, &recordingLogger{})

	c, err := net.Dial("tcp", si.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte("x"))
	require.NoError(t, err)
	_, err = io.ReadFull(c, make([]byte, 1))
	require.NoError(t, err)

	require.NoError(t, si.Stop())
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = c.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Nil(t, si.Addr())
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(core.BridgeConfig{
		ListenAddr:  "0.0.0.0:9000",
		Upstream:    "example.com:443",
		UpstreamTLS: true,
		MaxSockets:  0,
	}, core.CaptureConfig{
		DumpSSLRead:  true,
		DumpPeerCert: true,
		DumpDir:      "/tmp/cap",
	})
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	assert.True(t, cfg.UpstreamTLS)
	assert.Equal(t, 64, cfg.MaxSockets)
	assert.True(t, cfg.DumpSSLRead)
	assert.False(t, cfg.DumpSSLWrite)
	assert.False(t, cfg.VerifyCertificates)
	assert.Equal(t, "/tmp/cap", cfg.DumpDir)
	assert.Equal(t, 10*time.Second, cfg.DialTimeout)
}
