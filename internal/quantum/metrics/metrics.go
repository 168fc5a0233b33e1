// Package metrics publishes controller state two ways: Prometheus
// gauges/counters for live scraping, and a per-tick CSV append for
// offline analysis.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aetherflow/quantum/internal/quantum/controller"
)

// Metrics holds the Prometheus collectors for quantum congestion-control
// state. Each endpoint is distinguished from its siblings on the same
// socket by a conv label.
type Metrics struct {
	SRTTSeconds      *prometheus.GaugeVec
	BaseRTTSeconds   *prometheus.GaugeVec
	QdelaySeconds    *prometheus.GaugeVec
	RefWndBytes      *prometheus.GaugeVec
	BytesInFlight    *prometheus.GaugeVec
	TargetBitrateBps *prometheus.GaugeVec
	PacingRateBps    *prometheus.GaugeVec
	LossEventsTotal  *prometheus.CounterVec
}

// New registers the quantum_* gauges/counters under the given namespace.
func New(namespace string) *Metrics {
	return &Metrics{
		SRTTSeconds: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "quantum_srtt_seconds",
				Help:      "Smoothed round-trip time",
			},
			[]string{"conv"},
		),
		BaseRTTSeconds: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "quantum_base_rtt_seconds",
				Help:      "Minimum RTT observed in the trailing 10s window",
			},
			[]string{"conv"},
		),
		QdelaySeconds: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "quantum_qdelay_seconds",
				Help:      "Averaged queuing delay (latest RTT minus base RTT)",
			},
			[]string{"conv"},
		),
		RefWndBytes: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "quantum_ref_wnd_bytes",
				Help:      "Controller reference window",
			},
			[]string{"conv"},
		),
		BytesInFlight: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "quantum_bytes_in_flight",
				Help:      "Bytes sent but not yet acked or declared lost",
			},
			[]string{"conv"},
		),
		TargetBitrateBps: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "quantum_target_bitrate_bps",
				Help:      "Controller target bitrate",
			},
			[]string{"conv"},
		),
		PacingRateBps: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "quantum_pacing_rate_bps",
				Help:      "Pacer drain rate (target bitrate times headroom)",
			},
			[]string{"conv"},
		),
		LossEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quantum_loss_events_total",
				Help:      "Total loss events reported through Observe",
			},
			[]string{"conv"},
		),
	}
}

// Observe records one controller snapshot under the given conv label.
func (m *Metrics) Observe(conv string, snap controller.Snapshot, lossEvents int) {
	m.SRTTSeconds.WithLabelValues(conv).Set(snap.SRTT.Seconds())
	m.BaseRTTSeconds.WithLabelValues(conv).Set(snap.BaseRTT.Seconds())
	m.QdelaySeconds.WithLabelValues(conv).Set(snap.QdelayAvg.Seconds())
	m.RefWndBytes.WithLabelValues(conv).Set(snap.RefWnd)
	m.BytesInFlight.WithLabelValues(conv).Set(snap.BytesInFlight)
	m.TargetBitrateBps.WithLabelValues(conv).Set(snap.TargetBitrateBps)
	m.PacingRateBps.WithLabelValues(conv).Set(snap.PacingRateBps)
	if lossEvents > 0 {
		m.LossEventsTotal.WithLabelValues(conv).Add(float64(lossEvents))
	}
}
