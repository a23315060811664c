package balance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recalcTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "centbook",
		Name:      "recalculations_total",
		Help:      "Number of per-account snapshot recalculations",
	})
	recalcRows = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "centbook",
		Name:      "recalculation_rows_total",
		Help:      "Number of snapshot rows recomputed during recalculations",
	})
	sweepAccounts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "centbook",
		Name:      "sweep_accounts_total",
		Help:      "Number of accounts processed by background sweeps",
	})
	invalidationMarks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "centbook",
		Name:      "invalidation_marks_total",
		Help:      "Number of snapshot rows marked invalid",
	})
	onTheFlyReads = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "centbook",
		Name:      "on_the_fly_reads_total",
		Help:      "Number of balance reads answered by uncached replay",
	})
)
