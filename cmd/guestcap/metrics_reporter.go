package main

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/irctrakz/guestcap/pkg/capture"
	"github.com/irctrakz/guestcap/pkg/logging"
	"github.com/irctrakz/guestcap/pkg/socket"
)

type metricsSnapshot struct {
	Timestamp string            `json:"ts"`
	Total     map[string]uint64 `json:"total"`
	Capture   map[string]uint64 `json:"capture"`
	Sockets   map[string]uint64 `json:"sockets"`
	RT        map[string]uint64 `json:"rt"`
	Srv       map[string]uint64 `json:"srv_limits"`
}

func runMetricsReporter(si *socket.SocketInterface, logger capture.Logger, stop <-chan struct{}) {
	// interval
	iv := strings.TrimSpace(os.Getenv("METRICS_INTERVAL"))
	if iv == "" {
		iv = "30s"
	}
	d, err := time.ParseDuration(iv)
	if err != nil || d <= 0 {
		d = 30 * time.Second
	}

	// format
	format := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_FORMAT")))
	if format == "" {
		format = "text"
	}

	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		dumpMetrics(si, logger, format)
		select {
		case <-ticker.C:
		case <-stop:
			return
		}
	}
}

func buildSnapshot(si *socket.SocketInterface, logger capture.Logger) metricsSnapshot {
	sm := si.GetMetrics()
	cm := logger.Metrics()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	open := uint64(0)
	ssl := uint64(0)
	if mgr := si.Sockets(); mgr != nil {
		open = uint64(len(mgr.IDs()))
		ssl = uint64(len(mgr.SSLIDs()))
	}

	enabled := uint64(0)
	if logger.Enabled() {
		enabled = 1
	}

	return metricsSnapshot{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Total: map[string]uint64{
			"conns_created": sm.ConnectionsCreated,
			"conns_closed":  sm.ConnectionsClosed,
			"bytes_sent":    sm.BytesSent,
			"bytes_recv":    sm.BytesReceived,
			"errors":        sm.Errors,
		},
		Capture: map[string]uint64{
			"enabled":       enabled,
			"written":       cm.RecordsWritten,
			"dropped":       cm.RecordsDropped,
			"bytes_read":    cm.BytesRead,
			"bytes_written": cm.BytesWritten,
			"open_failures": cm.SinkOpenFailures,
		},
		Sockets: map[string]uint64{
			"open": open,
			"ssl":  ssl,
		},
		RT: map[string]uint64{
			"heap_alloc": ms.HeapAlloc,
			"heap_inuse": ms.HeapInuse,
			"sys":        ms.Sys,
			"num_gc":     uint64(ms.NumGC),
			"goroutines": uint64(runtime.NumGoroutine()),
		},
		Srv: buildServerLimits(open),
	}
}

func dumpMetrics(si *socket.SocketInterface, logger capture.Logger, format string) {
	snap := buildSnapshot(si, logger)
	switch format {
	case "json":
		b, _ := json.Marshal(snap)
		logging.Infof("metrics: %s", string(b))
	default:
		logging.Infof("metrics: ts=%s total: conns=%d/%d sent=%d recv=%d err=%d | capture(%s): on=%d rec=%d drop=%d rd=%d wr=%d openfail=%d | sockets: open=%d ssl=%d | srv: fds=%d/%d eph=%d/%d | rt: heap=%dMi inuse=%dMi gor=%d gc=%d",
			snap.Timestamp,
			snap.Total["conns_created"], snap.Total["conns_closed"],
			snap.Total["bytes_sent"], snap.Total["bytes_recv"], snap.Total["errors"],
			logger.GetCaptureType(),
			snap.Capture["enabled"], snap.Capture["written"], snap.Capture["dropped"],
			snap.Capture["bytes_read"], snap.Capture["bytes_written"], snap.Capture["open_failures"],
			snap.Sockets["open"], snap.Sockets["ssl"],
			snap.Srv["open_fds"], snap.Srv["nofile_soft"],
			snap.Srv["eph_used_est"], snap.Srv["eph_size"],
			snap.RT["heap_alloc"]/(1024*1024), snap.RT["heap_inuse"]/(1024*1024), snap.RT["goroutines"], snap.RT["num_gc"],
		)
	}
}

// buildServerLimits collects best-effort server-side limits that bound the
// number of relays.
func buildServerLimits(openSockets uint64) map[string]uint64 {
	out := map[string]uint64{}
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err == nil {
		out["nofile_soft"] = rl.Cur
		out["nofile_hard"] = rl.Max
	}
	if ents, err := os.ReadDir("/proc/self/fd"); err == nil {
		out["open_fds"] = uint64(len(ents))
		if soft, ok := out["nofile_soft"]; ok && soft > 0 {
			out["fd_util_pct"] = (out["open_fds"] * 100) / soft
		}
	}
	// Every relay holds one ephemeral port toward the upstream.
	if low, high, ok := readPortRange("/proc/sys/net/ipv4/ip_local_port_range"); ok && high > low {
		size := high - low + 1
		out["eph_low"] = low
		out["eph_high"] = high
		out["eph_size"] = size
		out["eph_used_est"] = openSockets
		out["eph_util_pct"] = (openSockets * 100) / size
	}
	if maxv, ok := readUint("/proc/sys/net/netfilter/nf_conntrack_max"); ok {
		out["ct_max"] = maxv
		if used, ok2 := countLines("/proc/net/nf_conntrack"); ok2 {
			out["ct_used"] = used
			if maxv > 0 {
				out["ct_util_pct"] = (used * 100) / maxv
			}
		}
	}
	if a, ok := readUintTriplet("/proc/sys/net/ipv4/tcp_wmem"); ok {
		out["tcp_wmem_min"], out["tcp_wmem_def"], out["tcp_wmem_max"] = a[0], a[1], a[2]
	}
	return out
}

func readUint(path string) (uint64, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func readUintTriplet(path string) ([3]uint64, bool) {
	var res [3]uint64
	b, err := os.ReadFile(path)
	if err != nil {
		return res, false
	}
	f := strings.Fields(string(b))
	if len(f) < 3 {
		return res, false
	}
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseUint(f[i], 10, 64)
		if err != nil {
			return res, false
		}
		res[i] = v
	}
	return res, true
}

func readPortRange(path string) (low, high uint64, ok bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, false
	}
	f := strings.Fields(string(b))
	if len(f) < 2 {
		return 0, 0, false
	}
	lo, err1 := strconv.ParseUint(f[0], 10, 64)
	hi, err2 := strconv.ParseUint(f[1], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return lo, hi, true
}

func countLines(path string) (uint64, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()
	r := bufio.NewReader(f)
	var n uint64
	for {
		_, err := r.ReadString('\n')
		if err == nil {
			n++
			continue
		}
		if err == io.EOF {
			break
		}
		return 0, false
	}
	return n, true
}
