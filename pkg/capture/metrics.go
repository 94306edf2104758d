package capture

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/irctrakz/guestcap/pkg/core"
)

// MetricsSource is anything exposing capture counters, such as a Logger.
type MetricsSource interface {
	Metrics() core.CaptureMetrics
}

// Collector exports the counters of a MetricsSource to prometheus.
type Collector struct {
	src MetricsSource

	recordsWritten   *prometheus.Desc
	recordsDropped   *prometheus.Desc
	payloadBytes     *prometheus.Desc
	sinkOpenFailures *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a Collector reading src on every scrape.
func NewCollector(src MetricsSource) *Collector {
	return &Collector{
		src: src,
		recordsWritten: prometheus.NewDesc(
			"guestcap_capture_records_written_total",
			"Total number of capture records appended to a sink",
			nil, nil,
		),
		recordsDropped: prometheus.NewDesc(
			"guestcap_capture_records_dropped_total",
			"Total number of capture records dropped on sink write errors",
			nil, nil,
		),
		payloadBytes: prometheus.NewDesc(
			"guestcap_capture_payload_bytes_total",
			"Total number of payload bytes logged, by direction",
			[]string{"direction"}, nil,
		),
		sinkOpenFailures: prometheus.NewDesc(
			"guestcap_capture_sink_open_failures_total",
			"Total number of capture sinks that failed to open",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.recordsWritten
	ch <- c.recordsDropped
	ch <- c.payloadBytes
	ch <- c.sinkOpenFailures
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.src.Metrics()
	ch <- prometheus.MustNewConstMetric(c.recordsWritten, prometheus.CounterValue, float64(m.RecordsWritten))
	ch <- prometheus.MustNewConstMetric(c.recordsDropped, prometheus.CounterValue, float64(m.RecordsDropped))
	ch <- prometheus.MustNewConstMetric(c.payloadBytes, prometheus.CounterValue, float64(m.BytesRead), "read")
	ch <- prometheus.MustNewConstMetric(c.payloadBytes, prometheus.CounterValue, float64(m.BytesWritten), "write")
	ch <- prometheus.MustNewConstMetric(c.sinkOpenFailures, prometheus.CounterValue, float64(m.SinkOpenFailures))
}
