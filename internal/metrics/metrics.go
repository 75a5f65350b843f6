// Package metrics exposes Prometheus counters and gauges for the simulator.
//
// Primary series:
//   - exchange_ticks_total                 – simulated ticks across all engines
//   - exchange_orders_placed_total{type,side}
//   - exchange_orders_filled_total{type,side}
//   - exchange_orders_cancelled_total
//   - exchange_rejections_total{reason}    – admission rejections (validation|funds)
//   - exchange_candle_misses_total         – ticks resolved against a stale candle
//   - exchange_engines_active              – live engines in the manager (gauge)
//
// Registered in init() and served by the HTTP handler at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "exchange_ticks_total",
		Help: "Simulated ticks processed across all engines",
	})

	ordersPlaced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_orders_placed_total",
		Help: "Orders admitted",
	}, []string{"type", "side"})

	ordersFilled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_orders_filled_total",
		Help: "Orders filled",
	}, []string{"type", "side"})

	ordersCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "exchange_orders_cancelled_total",
		Help: "Orders cancelled by the user or an OCO sibling",
	})

	rejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_rejections_total",
		Help: "Order admissions rejected",
	}, []string{"reason"})

	candleMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "exchange_candle_misses_total",
		Help: "Ticks where a candle lookup failed and the stale candle was kept",
	})

	enginesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_engines_active",
		Help: "Live engines registered in the manager",
	})
)

func init() {
	prometheus.MustRegister(
		ticksTotal,
		ordersPlaced,
		ordersFilled,
		ordersCancelled,
		rejections,
		candleMisses,
		enginesActive,
	)
}

func IncTick()         { ticksTotal.Inc() }
func IncCandleMiss()   { candleMisses.Inc() }
func IncCancelled()    { ordersCancelled.Inc() }
func SetEngines(n int) { enginesActive.Set(float64(n)) }

func IncPlaced(kind, side string) { ordersPlaced.WithLabelValues(kind, side).Inc() }
func IncFilled(kind, side string) { ordersFilled.WithLabelValues(kind, side).Inc() }
func IncRejected(reason string)   { rejections.WithLabelValues(reason).Inc() }
