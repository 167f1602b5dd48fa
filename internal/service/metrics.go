package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	redemptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_redemptions_total",
		Help: "Redemption attempts by result code",
	}, []string{"result"})

	depositsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_deposits_processed_total",
		Help: "Deposit records processed by outcome",
	}, []string{"outcome"})

	reconcileRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_reconcile_rows_total",
		Help: "Legacy ledger rows reconciled by outcome",
	}, []string{"outcome"})

	corruptionTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_corruption_total",
		Help: "Accounting invariant violations detected",
	})
)

func (o outcome) String() string {
	switch o {
	case outcomeSucceeded:
		return "succeeded"
	case outcomeFailed:
		return "failed"
	case outcomeSkipped:
		return "skipped"
	default:
		return "errored"
	}
}
