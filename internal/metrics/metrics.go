// Package metrics exposes engine counters through Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns its registry so several engines can live in one process.
type Recorder struct {
	registry      *prometheus.Registry
	cycles        *prometheus.CounterVec
	alertsSent    *prometheus.CounterVec
	suppressed    *prometheus.CounterVec
	deliveryFails *prometheus.CounterVec
	zones         *prometheus.GaugeVec
	lastPrice     *prometheus.GaugeVec
	latency       *prometheus.HistogramVec
}

// New creates a Prometheus recorder with Go runtime collectors attached.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		cycles: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "macrowatch_cycles_total",
				Help: "Scan cycles by source and outcome",
			},
			[]string{"source", "status"},
		),
		alertsSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "macrowatch_alerts_sent_total",
				Help: "Alerts delivered by source",
			},
			[]string{"source"},
		),
		suppressed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "macrowatch_alerts_suppressed_total",
				Help: "Candidates suppressed by cooldown",
			},
			[]string{"source"},
		),
		deliveryFails: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "macrowatch_delivery_failures_total",
				Help: "Alerts the transport failed to deliver",
			},
			[]string{"source"},
		),
		zones: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "macrowatch_confluence_zones",
				Help: "Zones found on the latest scan per symbol",
			},
			[]string{"symbol"},
		),
		lastPrice: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "macrowatch_last_price",
				Help: "Last observed price per symbol",
			},
			[]string{"symbol"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "macrowatch_cycle_duration_seconds",
				Help:    "Duration of scan cycles in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		),
	}
}

func (r *Recorder) RecordCycle(source, status string, seconds float64) {
	r.cycles.WithLabelValues(source, status).Inc()
	r.latency.WithLabelValues(source).Observe(seconds)
}

func (r *Recorder) RecordSent(source string) {
	r.alertsSent.WithLabelValues(source).Inc()
}

func (r *Recorder) RecordSuppressed(source string) {
	r.suppressed.WithLabelValues(source).Inc()
}

func (r *Recorder) RecordDeliveryFailure(source string) {
	r.deliveryFails.WithLabelValues(source).Inc()
}

func (r *Recorder) RecordZones(symbol string, n int) {
	r.zones.WithLabelValues(symbol).Set(float64(n))
}

func (r *Recorder) RecordLastPrice(symbol string, price float64) {
	r.lastPrice.WithLabelValues(symbol).Set(price)
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
