package socket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irctrakz/guestcap/pkg/core"
	"github.com/irctrakz/guestcap/pkg/logging"
	"github.com/irctrakz/guestcap/pkg/sockman"
)

// SocketInterface relays guest connections to an upstream host over host
// sockets, optionally terminating TLS toward the upstream, and reports every
// payload it moves to the capture logger.
type SocketInterface struct {
	// Configuration
	config Config

	// Capture logger receiving every relayed payload
	logger core.NetworkCaptureLogger

	// Guest socket table
	sockets *sockman.Manager

	// Metrics
	metrics core.SocketMetrics

	tlsConf *tls.Config
	dialer  net.Dialer

	// Control
	mu      sync.Mutex
	running bool
	ln      net.Listener
	stopCh  chan struct{}
	wg      sync.WaitGroup

	connMu sync.Mutex
	conns  map[*relay]struct{}
}

// relay is one guest connection and its upstream.
type relay struct {
	guest net.Conn
	host  net.Conn // host socket toward the upstream
	up    net.Conn // host, or a TLS client over it

	handle int
	id     int
	peer   netip.AddrPort
	tls    bool
}

// NewSocketInterface creates a new socket interface
func NewSocketInterface(config Config) *SocketInterface {
	return &SocketInterface{
		config:  config,
		sockets: sockman.New(config.MaxSockets),
		conns:   make(map[*relay]struct{}),
	}
}

// SetLogger sets the capture logger. It must be called before Start.
func (s *SocketInterface) SetLogger(logger core.NetworkCaptureLogger) {
	s.logger = logger
}

// SetSocketManager replaces the guest socket table. It must be called
// before Start.
func (s *SocketInterface) SetSocketManager(m *sockman.Manager) {
	s.sockets = m
}

// Sockets returns the guest socket table.
func (s *SocketInterface) Sockets() *sockman.Manager { return s.sockets }

// Start starts accepting guest connections.
func (s *SocketInterface) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("socket interface already running")
	}
	if s.logger == nil {
		return fmt.Errorf("no capture logger set")
	}
	if s.config.Upstream == "" {
		return fmt.Errorf("no upstream configured")
	}

	// Timeouts may be overridden from the environment
	if v := strings.TrimSpace(os.Getenv("BRIDGE_DIAL_TIMEOUT_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.config.DialTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := strings.TrimSpace(os.Getenv("BRIDGE_IDLE_TIMEOUT_SEC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			s.config.IdleTimeout = time.Duration(n) * time.Second
		}
	}
	if s.config.DialTimeout <= 0 {
		s.config.DialTimeout = DefaultConfig().DialTimeout
	}
	s.dialer = net.Dialer{Timeout: s.config.DialTimeout}

	if s.config.UpstreamTLS {
		conf, err := buildTLSConfig(s.config)
		if err != nil {
			return err
		}
		s.tlsConf = conf
	}

	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	s.ln = ln
	s.stopCh = make(chan struct{})
	s.running = true

	s.wg.Add(1)
	go s.acceptLoop(ln)

	logging.Infof("Socket interface listening on %s, relaying to %s (tls=%v, capture=%s)",
		ln.Addr(), s.config.Upstream, s.config.UpstreamTLS, s.logger.GetCaptureType())
	return nil
}

// Stop stops accepting and closes every relay.
func (s *SocketInterface) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	close(s.stopCh)
	s.ln.Close()

	s.connMu.Lock()
	for r := range s.conns {
		r.guest.Close()
		if r.host != nil {
			r.host.Close()
		}
	}
	s.connMu.Unlock()

	s.wg.Wait()
	s.ln = nil
	s.running = false

	logging.Debugf("Socket interface stopped")
	return nil
}

// Addr returns the listening address, or nil when stopped.
func (s *SocketInterface) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// GetMetrics returns a snapshot of the socket interface counters.
func (s *SocketInterface) GetMetrics() core.SocketMetrics {
	return loadSocketMetrics(&s.metrics)
}

func (s *SocketInterface) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			if isTimeout(err) {
				continue
			}
			logging.Errorf("Accept failed: %v", err)
			atomic.AddUint64(&s.metrics.Errors, 1)
			return
		}
		s.wg.Add(1)
		go s.serve(c)
	}
}

func (s *SocketInterface) track(r *relay, on bool) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if on {
		s.conns[r] = struct{}{}
	} else {
		delete(s.conns, r)
	}
}

func (s *SocketInterface) reject(format string, err error) {
	atomic.AddUint64(&s.metrics.Errors, 1)
	logging.Warnf(format, err)
}

// fail is reject for errors of host socket calls, which the guest also
// observes through the error indicator.
func (s *SocketInterface) fail(format string, err error) {
	s.sockets.Errors().Record(err)
	s.reject(format, err)
}

func (s *SocketInterface) serve(guest net.Conn) {
	defer s.wg.Done()
	r := &relay{guest: guest, id: -1, handle: -1}
	s.track(r, true)
	defer s.track(r, false)
	defer guest.Close()

	// ctx bounds the dial and the TLS handshake.
	ctx, cancel := context.WithTimeout(context.Background(), s.config.DialTimeout)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	host, err := s.dialer.DialContext(ctx, "tcp", s.config.Upstream)
	if err != nil {
		s.fail("Upstream dial failed: %v", err)
		return
	}
	s.connMu.Lock()
	r.host = host
	s.connMu.Unlock()
	defer host.Close()

	tcp, ok := host.(*net.TCPConn)
	if !ok {
		s.reject("Upstream is not a TCP socket: %v", fmt.Errorf("%T", host))
		return
	}
	r.id, r.handle, err = s.sockets.RegisterConn(tcp, true)
	if err != nil {
		s.reject("Rejecting guest connection: %v", err)
		return
	}
	defer s.sockets.Unregister(r.id)

	if ap, err := netip.ParseAddrPort(host.RemoteAddr().String()); err == nil {
		r.peer = ap
	}
	r.up = host

	if s.tlsConf != nil {
		tc := tls.Client(host, s.tlsConf)
		err := tc.HandshakeContext(ctx)
		if err != nil {
			s.fail("TLS handshake with upstream failed: %v", err)
			return
		}
		s.dumpCertificates(tc.ConnectionState())
		if sslID, err := s.sockets.RegisterSSL(r.handle); err == nil {
			defer s.sockets.UnregisterSSL(sslID)
		} else {
			logging.Debugf("No TLS context slot for socket %d: %v", r.id, err)
		}
		r.up = tc
		r.tls = true
	}

	atomic.AddUint64(&s.metrics.ConnectionsCreated, 1)
	defer atomic.AddUint64(&s.metrics.ConnectionsClosed, 1)
	logging.Debugf("Relay %d: %s -> %s (handle %d)", r.id, guest.RemoteAddr(), r.peer, r.handle)

	errc := make(chan error, 2)
	go func() { errc <- s.pump(r, r.up, guest, true) }()
	go func() { errc <- s.pump(r, guest, r.up, false) }()
	for i := 0; i < 2; i++ {
		if err := <-errc; err != nil {
			// Unblock the other direction.
			guest.Close()
			host.Close()
			switch {
			case isClosed(err):
			case isTimeout(err):
				logging.Debugf("Relay %d idle, closing", r.id)
			default:
				s.fail("Relay error: %v", err)
			}
		}
	}
}

// pump copies src to dst until EOF. toUpstream selects the direction: guest
// writes going out, or upstream reads coming back.
func (s *SocketInterface) pump(r *relay, dst, src net.Conn, toUpstream bool) error {
	bp := bufGet()
	defer bufPut(bp)
	buf := *bp

	for {
		if s.config.IdleTimeout > 0 {
			src.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		}
		n, err := src.Read(buf)
		if n > 0 {
			if toUpstream {
				w, werr := dst.Write(buf[:n])
				if w > 0 {
					atomic.AddUint64(&s.metrics.BytesSent, uint64(w))
					s.logWrite(r, buf[:w])
				}
				if werr != nil {
					return werr
				}
			} else {
				atomic.AddUint64(&s.metrics.BytesReceived, uint64(n))
				s.logRead(r, buf[:n])
				if _, werr := dst.Write(buf[:n]); werr != nil {
					return werr
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				closeWrite(dst)
				return nil
			}
			return err
		}
	}
}

func (s *SocketInterface) logWrite(r *relay, p []byte) {
	if r.tls {
		if s.config.DumpSSLWrite {
			s.logger.LogSSLWrite(p, r.handle)
		}
		return
	}
	s.logger.LogWrite(p, r.handle, r.peer)
}

func (s *SocketInterface) logRead(r *relay, p []byte) {
	if r.tls {
		if s.config.DumpSSLRead {
			s.logger.LogSSLRead(p, r.handle)
		}
		return
	}
	s.logger.LogRead(p, r.handle, r.peer)
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
