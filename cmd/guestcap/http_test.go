package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/guestcap/pkg/capture"
	"github.com/irctrakz/guestcap/pkg/core"
	"github.com/irctrakz/guestcap/pkg/hostsock"
	"github.com/irctrakz/guestcap/pkg/socketview"
	"github.com/irctrakz/guestcap/pkg/sockman"
)

type fixedSocketMetrics core.SocketMetrics

func (f fixedSocketMetrics) GetMetrics() core.SocketMetrics { return core.SocketMetrics(f) }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mgr := sockman.New(2)
	// A handle that is not open resolves to an unknown row.
	_, err := mgr.Register(1<<20, true)
	require.NoError(t, err)

	logger, err := capture.New(core.CaptureConfig{}, capture.Options{})
	require.NoError(t, err)

	in := hostsock.New(mgr.Errors().Introspection())
	view := socketview.New(mgr, in, mgr.Errors())
	si := fixedSocketMetrics{ConnectionsCreated: 3, BytesSent: 42}

	srv := httptest.NewServer(newHTTPServer("", si, logger, view).Handler)
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)
	code, body := get(t, srv.URL+"/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	code, body := get(t, srv.URL+"/metrics")
	require.Equal(t, http.StatusOK, code)

	for _, want := range []string{
		"guestcap_bridge_connections_created_total 3",
		"guestcap_bridge_bytes_sent_total 42",
		"guestcap_capture_records_written_total 0",
		"guestcap_capture_sink_open_failures_total 0",
		"go_goroutines",
	} {
		assert.True(t, strings.Contains(body, want), "missing %q", want)
	}
}

func TestSocketsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	code, body := get(t, srv.URL+"/sockets")
	require.Equal(t, http.StatusOK, code)

	var tables socketview.Tables
	require.NoError(t, json.Unmarshal([]byte(body), &tables))
	require.Len(t, tables.Sockets, 2)
	assert.Equal(t, "Unknown", tables.Sockets[0].Domain)
	assert.Equal(t, "Unknown", tables.Sockets[0].Name)
	assert.Equal(t, "Yes", tables.Sockets[0].Blocking)
	assert.Equal(t, socketview.Row{ID: 1}, tables.Sockets[1])
	assert.Len(t, tables.SSLContexts, sockman.MaxSSLContexts)
}
