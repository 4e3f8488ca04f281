package galleri

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts what a build did. Each Pipeline owns its own registry.
type Metrics struct {
	Registry *prometheus.Registry

	files      *prometheus.CounterVec
	thumbnails *prometheus.CounterVec
	normalized prometheus.Counter
	duration   prometheus.Gauge
}

// NewMetrics creates a Metrics with a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		files: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "galleri_files_total",
				Help: "Photos processed, by result (ok, degraded, skipped)",
			},
			[]string{"result"},
		),
		thumbnails: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "galleri_thumbnails_total",
				Help: "Thumbnail checks, by result (generated, fresh, failed)",
			},
			[]string{"result"},
		),
		normalized: f.NewCounter(
			prometheus.CounterOpts{
				Name: "galleri_sources_normalized_total",
				Help: "Originals rotated or downscaled in place",
			},
		),
		duration: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "galleri_build_duration_seconds",
				Help: "Wall time of the last build",
			},
		),
	}
}

// WriteTextfile writes all metrics in the node_exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}
