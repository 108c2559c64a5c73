package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors of the fit job API.
type Metrics struct {
	FitsStarted  prometheus.Counter
	FitsFinished *prometheus.CounterVec
	FitsRunning  prometheus.Gauge
	FitDuration  prometheus.Histogram
	FinalLoss    prometheus.Histogram
	Hops         prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FitsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bondfit",
			Name:      "fits_started_total",
			Help:      "Fit jobs accepted by the API.",
		}),
		FitsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bondfit",
			Name:      "fits_finished_total",
			Help:      "Fit jobs that reached a terminal status.",
		}, []string{"status"}),
		FitsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bondfit",
			Name:      "fits_running",
			Help:      "Fit jobs currently optimizing.",
		}),
		FitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bondfit",
			Name:      "fit_duration_seconds",
			Help:      "Wall time of finished fits.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		FinalLoss: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bondfit",
			Name:      "fit_final_loss",
			Help:      "Loss at the returned parameters of finished fits.",
			Buckets:   prometheus.ExponentialBuckets(1e-4, 10, 10),
		}),
		Hops: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bondfit",
			Name:      "fit_hops",
			Help:      "Basin-hopping rounds performed per finished fit.",
			Buckets:   prometheus.LinearBuckets(0, 25, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.FitsStarted, m.FitsFinished, m.FitsRunning, m.FitDuration, m.FinalLoss, m.Hops)
	}
	return m
}
