package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/tenantledger/internal/domain"
)

var (
	transactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_transactions_total",
		Help: "Processed ledger operations by type and outcome.",
	}, []string{"type", "outcome"})

	transactionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_transaction_duration_seconds",
		Help:    "Time spent in Process and Reverse, including retries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	optimisticRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_optimistic_retries_total",
		Help: "Units of work re-run after a write conflict.",
	})

	referenceCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_reference_collisions_total",
		Help: "Generated reference codes that were already taken.",
	})

	replayMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_idempotency_operation_mismatch_total",
		Help: "Replays of a key that was first used by a different operation.",
	})

	reversalBypasses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_reversal_bypass_total",
		Help: "Reversals committed with the minimum balance check bypassed.",
	})
)

// observe records the outcome and latency of one Process or Reverse call.
func observe(txType domain.TransactionType, res *domain.TransactionResult, err error, started time.Time) {
	outcome := "committed"
	switch {
	case err != nil:
		outcome = string(domain.Code(err))
		if outcome == "" {
			outcome = "error"
		}
	case res.Replayed:
		outcome = "replayed"
	}
	transactionsTotal.WithLabelValues(string(txType), outcome).Inc()
	transactionDuration.WithLabelValues(string(txType)).Observe(time.Since(started).Seconds())
}
