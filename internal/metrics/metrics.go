// Package metrics records download and extraction measurements.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder receives fetch pipeline measurements.
type Recorder interface {
	AddDownloadedBytes(n int64)
	IncFetches(status string)
	ObserveFetchDuration(durationSeconds float64)
	ObserveExtractDuration(archiveType string, durationSeconds float64)
}

// Noop implements Recorder without emitting anything.
type Noop struct{}

func (Noop) AddDownloadedBytes(int64)               {}
func (Noop) IncFetches(string)                      {}
func (Noop) ObserveFetchDuration(float64)           {}
func (Noop) ObserveExtractDuration(string, float64) {}

// Prom implements Recorder backed by Prometheus collectors on a private registry.
type Prom struct {
	registry        *prometheus.Registry
	downloadedBytes prometheus.Counter
	fetches         *prometheus.CounterVec
	fetchDuration   prometheus.Histogram
	extractDuration *prometheus.HistogramVec
}

// NewProm creates the collectors under namespace and registers them.
func NewProm(namespace string) *Prom {
	p := &Prom{
		registry: prometheus.NewRegistry(),
		downloadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloaded_bytes_total",
			Help:      "Archive bytes downloaded",
		}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Module fetches by status",
		}, []string{"status"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of a module fetch",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		extractDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "extract_duration_seconds",
			Help:      "Duration of archive extraction by archive type",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"type"}),
	}
	p.registry.MustRegister(p.downloadedBytes, p.fetches, p.fetchDuration, p.extractDuration)
	return p
}

func (p *Prom) AddDownloadedBytes(n int64) {
	p.downloadedBytes.Add(float64(n))
}

func (p *Prom) IncFetches(status string) {
	p.fetches.WithLabelValues(status).Inc()
}

func (p *Prom) ObserveFetchDuration(durationSeconds float64) {
	p.fetchDuration.Observe(durationSeconds)
}

func (p *Prom) ObserveExtractDuration(archiveType string, durationSeconds float64) {
	p.extractDuration.WithLabelValues(archiveType).Observe(durationSeconds)
}

// WriteTextfile writes all metrics to path in the Prometheus text format,
// as read by the node exporter textfile collector.
func (p *Prom) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, p.registry); err != nil {
		return fmt.Errorf("writing metrics to %s: %w", path, err)
	}
	return nil
}
