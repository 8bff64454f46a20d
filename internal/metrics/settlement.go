// Package metrics exposes Prometheus collectors for the settlement engine.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alanyoungcy/bidround/internal/domain"
)

type SettlementMetrics struct {
	operations   *prometheus.CounterVec
	payouts      *prometheus.CounterVec
	lockWait     prometheus.Histogram
	sinkFailures *prometheus.CounterVec
}

var (
	settlementOnce     sync.Once
	settlementRegistry *SettlementMetrics
)

// Settlement returns the process-wide settlement collectors, registering
// them on first use.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "settlement_operations_total",
				Help: "Settlement operations by name and outcome.",
			}, []string{"op", "result"}),
			payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "settlement_payout_units_total",
				Help: "Asset units paid out of custody wallets by operation.",
			}, []string{"op"}),
			lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "settlement_lock_wait_seconds",
				Help:    "Time spent waiting for the per-round writer lock.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			}),
			sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "settlement_event_sink_failures_total",
				Help: "Failed best-effort event deliveries by sink.",
			}, []string{"sink"}),
		}
		prometheus.MustRegister(
			settlementRegistry.operations,
			settlementRegistry.payouts,
			settlementRegistry.lockWait,
			settlementRegistry.sinkFailures,
		)
	})
	return settlementRegistry
}

func (m *SettlementMetrics) ObserveOperation(op string, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, ResultLabel(err)).Inc()
}

func (m *SettlementMetrics) ObservePayout(op string, amount uint64) {
	if m == nil || amount == 0 {
		return
	}
	m.payouts.WithLabelValues(op).Add(float64(amount))
}

func (m *SettlementMetrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

func (m *SettlementMetrics) ObserveSinkFailure(sink string) {
	if m == nil {
		return
	}
	if sink == "" {
		sink = "unknown"
	}
	m.sinkFailures.WithLabelValues(sink).Inc()
}

var resultLabels = []struct {
	err   error
	label string
}{
	{domain.ErrInvalidWindow, "invalid_window"},
	{domain.ErrInvalidTarget, "invalid_target"},
	{domain.ErrNoDelegatedAmount, "no_delegated_amount"},
	{domain.ErrNotYetOpen, "not_yet_open"},
	{domain.ErrWindowClosed, "window_closed"},
	{domain.ErrStillBidding, "still_bidding"},
	{domain.ErrHeirTimedOut, "heir_timed_out"},
	{domain.ErrWrongStatus, "wrong_status"},
	{domain.ErrMissingConsent, "missing_consent"},
	{domain.ErrZeroPool, "zero_pool"},
	{domain.ErrNonEmptyPool, "non_empty_pool"},
	{domain.ErrBiddingStarted, "bidding_started"},
	{domain.ErrArithmeticOverflow, "overflow"},
	{domain.ErrNotFound, "not_found"},
	{domain.ErrUnauthorized, "unauthorized"},
	{domain.ErrInsufficientFunds, "insufficient_funds"},
	{domain.ErrLockHeld, "lock_held"},
}

// ResultLabel maps an operation error to a bounded label value.
func ResultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	for _, rl := range resultLabels {
		if errors.Is(err, rl.err) {
			return rl.label
		}
	}
	return "error"
}
