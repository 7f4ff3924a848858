// Package metrics exposes chainkeeper's prometheus collectors.
//
// Collectors are fed from bus events (see Handle) plus the extraction
// queue observer, so no component imports prometheus directly.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nerrad567/chainkeeper/internal/event"
)

const namespace = "chainkeeper"

// Metrics holds every collector, registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	downloadProgress *prometheus.GaugeVec
	downloadBytes    *prometheus.GaugeVec
	downloadRetries  *prometheus.GaugeVec
	downloadsActive  prometheus.Gauge
	downloads        *prometheus.CounterVec

	extractionDuration *prometheus.HistogramVec
	extractionQueue    prometheus.Gauge

	chainUp     *prometheus.GaugeVec
	transitions *prometheus.CounterVec
	exits       *prometheus.CounterVec
	outputLines *prometheus.CounterVec
}

// New registers the collectors on a fresh registry, together with the Go
// and process collectors. dropped, if non-nil, reports events lost by slow
// bus subscribers.
func New(dropped func() uint64) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		downloadProgress: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "progress_percent",
			Help:      "Progress of tracked downloads in percent.",
		}, []string{"chain"}),
		downloadBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "downloaded_bytes",
			Help:      "Bytes on disk for tracked downloads.",
		}, []string{"chain"}),
		downloadRetries: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "retries",
			Help:      "Automatic resume attempts of tracked downloads.",
		}, []string{"chain"}),
		downloadsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "tracked",
			Help:      "Downloads currently downloading, extracting or paused.",
		}),
		downloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "finished_total",
			Help:      "Downloads that reached a final state.",
		}, []string{"chain", "outcome"}),

		extractionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "extract",
			Name:      "duration_seconds",
			Help:      "Time spent extracting one archive.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"chain", "outcome"}),
		extractionQueue: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "extract",
			Name:      "queue_depth",
			Help:      "Archives waiting for extraction, the running one included.",
		}),

		chainUp: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "up",
			Help:      "1 while the chain is running and ready.",
		}, []string{"chain"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "status_transitions_total",
			Help:      "Chain status changes by new status.",
		}, []string{"chain", "status"}),
		exits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "exits_total",
			Help:      "Process exits by reason (requested, exited, crash).",
		}, []string{"chain", "reason"}),
		outputLines: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "output_lines_total",
			Help:      "Lines written by chain processes.",
		}, []string{"chain", "stream"}),
	}

	if dropped != nil {
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped because a subscriber fell behind.",
		}, func() float64 { return float64(dropped()) })
	}
	return m
}

// Registry returns the registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Name identifies the sink in logs.
func (m *Metrics) Name() string { return "metrics" }

// Handle updates collectors from one bus event.
func (m *Metrics) Handle(_ context.Context, e event.Event) error {
	switch p := e.Payload.(type) {
	case []event.DownloadSnapshot:
		m.downloadsActive.Set(float64(len(p)))
		// Snapshots are complete, so series of finished downloads are dropped.
		m.downloadProgress.Reset()
		m.downloadBytes.Reset()
		m.downloadRetries.Reset()
		for _, s := range p {
			m.downloadProgress.WithLabelValues(s.ChainID).Set(s.ProgressPercent)
			m.downloadBytes.WithLabelValues(s.ChainID).Set(float64(s.DownloadedBytes))
			m.downloadRetries.WithLabelValues(s.ChainID).Set(float64(s.RetryCount))
		}
	case event.DownloadResult:
		switch e.Type {
		case event.DownloadComplete:
			m.downloads.WithLabelValues(p.ChainID, "complete").Inc()
		case event.DownloadError:
			m.downloads.WithLabelValues(p.ChainID, "error").Inc()
		}
	case event.StatusUpdate:
		m.transitions.WithLabelValues(p.ChainID, p.Status).Inc()
		if p.Status == "running" {
			m.chainUp.WithLabelValues(p.ChainID).Set(1)
		} else {
			m.chainUp.WithLabelValues(p.ChainID).Set(0)
		}
		if p.Reason != "" {
			m.exits.WithLabelValues(p.ChainID, p.Reason).Inc()
		}
	case event.OutputLine:
		m.outputLines.WithLabelValues(p.ChainID, p.Stream).Inc()
	}
	return nil
}

// QueueDepth implements the extraction queue observer.
func (m *Metrics) QueueDepth(n int) {
	m.extractionQueue.Set(float64(n))
}

// Extraction implements the extraction queue observer.
func (m *Metrics) Extraction(chainID string, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.extractionDuration.WithLabelValues(chainID, outcome).Observe(elapsed.Seconds())
}
