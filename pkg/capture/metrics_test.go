package capture

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/guestcap/pkg/core"
)

type staticMetrics core.CaptureMetrics

func (s staticMetrics) Metrics() core.CaptureMetrics { return core.CaptureMetrics(s) }

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewCollector(staticMetrics{
		RecordsWritten:   7,
		RecordsDropped:   2,
		BytesRead:        100,
		BytesWritten:     50,
		SinkOpenFailures: 1,
	})))

	families, err := reg.Gather()
	require.NoError(t, err)

	got := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			for _, lp := range m.GetLabel() {
				name += "/" + lp.GetValue()
			}
			got[name] = m.GetCounter().GetValue()
		}
	}

	assert.Equal(t, map[string]float64{
		"guestcap_capture_records_written_total":     7,
		"guestcap_capture_records_dropped_total":     2,
		"guestcap_capture_payload_bytes_total/read":  100,
		"guestcap_capture_payload_bytes_total/write": 50,
		"guestcap_capture_sink_open_failures_total":  1,
	}, got)
}
