package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "ctree"

// metrics holds the server's Prometheus collectors.
type metrics struct {
	// requests counts handled requests. Labels: endpoint (edit, fork, sync, snapshot, restore,
	// view), status (ok, error).
	requests *prometheus.CounterVec

	// operations counts atoms added by edits. Labels: kind (insert, delete).
	operations *prometheus.CounterVec

	mergeDuration prometheus.Histogram
	snapshotBytes prometheus.Histogram

	// atoms is the number of atoms in each frontend's replica. Labels: frontend.
	atoms *prometheus.GaugeVec
	sites *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Total requests by endpoint and status",
		}, []string{"endpoint", "status"}),
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "operations_total",
			Help:      "Total text operations applied by edits",
		}, []string{"kind"}),
		mergeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "merge_duration_seconds",
			Help:      "Duration of merging a remote replica",
			Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
		}),
		snapshotBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "snapshot_bytes",
			Help:      "Size of encoded snapshots",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}),
		atoms: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "atoms",
			Help:      "Number of atoms in a frontend's replica",
		}, []string{"frontend"}),
		sites: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sites",
			Help:      "Number of sites known to a frontend's replica",
		}, []string{"frontend"}),
	}
}

func (m *metrics) observeRequest(endpoint string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.requests.WithLabelValues(endpoint, status).Inc()
}
