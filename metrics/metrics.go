package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	SignalsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trendcore_signals_total",
			Help: "Planned directions emitted by the entry signal engine (by side and tag).",
		},
		[]string{"side", "tag"},
	)

	OrdersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trendcore_orders_submitted_total",
			Help: "Total number of market orders submitted (by label).",
		},
		[]string{"label"},
	)

	EntriesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trendcore_entries_rejected_total",
			Help: "Entries rejected before submission, by gate.",
		},
		[]string{"gate"},
	)

	ProtectionRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trendcore_protection_retries_total",
			Help: "Positions closed because the stop could not be attached.",
		},
	)

	PositionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trendcore_positions_closed_total",
			Help: "Engine-initiated closes by reason.",
		},
		[]string{"reason"},
	)

	BoostTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trendcore_boost_transitions_total",
			Help: "Stage1/Stage2 boost transitions.",
		},
		[]string{"stage"},
	)

	PositionsOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trendcore_positions_open",
			Help: "Current number of open positions per label.",
		},
		[]string{"label"},
	)

	WindowState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trendcore_window_state",
			Help: "Trading window state (0=allow_new_entries, 1=hold_only, 2=force_flat).",
		},
	)

	BalanceGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trendcore_balance",
			Help: "Current balance of the executor (paper or live).",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SignalsEmitted,
		OrdersSubmitted,
		EntriesRejected,
		ProtectionRetries,
		PositionsClosed,
		BoostTransitions,
		PositionsOpen,
		WindowState,
		BalanceGauge,
	)
}
