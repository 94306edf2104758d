package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/irctrakz/guestcap/pkg/capture"
	"github.com/irctrakz/guestcap/pkg/core"
	"github.com/irctrakz/guestcap/pkg/logging"
	"github.com/irctrakz/guestcap/pkg/socketview"
)

// socketMetricsSource is the part of the socket interface the HTTP server
// reads.
type socketMetricsSource interface {
	GetMetrics() core.SocketMetrics
}

func newRegistry(si socketMetricsSource, logger capture.MetricsSource) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		capture.NewCollector(logger),
	)

	for _, c := range []struct {
		name, help string
		value      func(m core.SocketMetrics) uint64
	}{
		{"guestcap_bridge_connections_created_total", "Relays established", func(m core.SocketMetrics) uint64 { return m.ConnectionsCreated }},
		{"guestcap_bridge_connections_closed_total", "Relays closed", func(m core.SocketMetrics) uint64 { return m.ConnectionsClosed }},
		{"guestcap_bridge_bytes_sent_total", "Bytes sent to the upstream", func(m core.SocketMetrics) uint64 { return m.BytesSent }},
		{"guestcap_bridge_bytes_received_total", "Bytes received from the upstream", func(m core.SocketMetrics) uint64 { return m.BytesReceived }},
		{"guestcap_bridge_errors_total", "Relay errors", func(m core.SocketMetrics) uint64 { return m.Errors }},
	} {
		value := c.value
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: c.name,
			Help: c.help,
		}, func() float64 { return float64(value(si.GetMetrics())) }))
	}
	return reg
}

func newHTTPServer(addr string, si socketMetricsSource, logger capture.MetricsSource, view *socketview.View) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(newRegistry(si, logger), promhttp.HandlerOpts{}))
	mux.HandleFunc("/sockets", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(view.Snapshot()); err != nil {
			logging.Warnf("Failed to encode socket tables: %v", err)
		}
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
