package monitor

import "github.com/prometheus/client_golang/prometheus"

var (
	mtxFillsDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mirror_fills_detected_total",
			Help: "New fills yielded by the trade detector",
		},
	)

	mtxFillsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_fills_rejected_total",
			Help: "Fills dropped before execution, by pipeline stage",
		},
		[]string{"stage"},
	)

	mtxMirrorOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mirror_orders_total",
			Help: "Mirror attempts by outcome",
		},
		[]string{"result"}, // success|failure|dry_run
	)

	mtxTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mirror_loop_ticks_total",
			Help: "Completed monitoring loop ticks",
		},
	)
)

func init() {
	prometheus.MustRegister(
		mtxFillsDetected,
		mtxFillsRejected,
		mtxMirrorOutcomes,
		mtxTicks,
	)
}
