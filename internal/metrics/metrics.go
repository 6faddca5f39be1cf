// Package metrics exposes Prometheus counters and gauges for the bot's
// hot paths. Collectors are registered at init via promauto; Serve is
// optional and only started when the config enables the endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockbot_ws_ticks_total",
		Help: "Realtime frames received, by channel.",
	}, []string{"channel"})

	TicksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockbot_ws_ticks_dropped_total",
		Help: "Realtime frames dropped by full consumer channels.",
	}, []string{"channel"})

	WSReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockbot_ws_reconnects_total",
		Help: "WebSocket reconnection attempts.",
	})

	RESTRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockbot_rest_requests_total",
		Help: "REST API calls, by outcome.",
	}, []string{"outcome"})

	PollCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockbot_poll_cycles_total",
		Help: "Completed polling cycles, by tier.",
	}, []string{"tier"})

	ActiveSlots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockbot_ws_slots_active",
		Help: "Confirmed realtime subscription slots in use.",
	})

	SignalsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockbot_signals_total",
		Help: "Trading signals emitted, by strategy.",
	}, []string{"strategy"})

	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockbot_orders_total",
		Help: "Orders submitted, by side and outcome.",
	}, []string{"side", "outcome"})

	FillsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockbot_fills_total",
		Help: "Execution fills applied to positions.",
	})

	PendingOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockbot_orders_pending",
		Help: "Orders awaiting execution confirmation.",
	})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockbot_positions_open",
		Help: "Currently open positions.",
	})

	JournalDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockbot_journal_dropped_total",
		Help: "Journal entries dropped by full stream queues.",
	}, []string{"stream"})
)

// Serve starts the metrics endpoint. Blocks; run in a goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
