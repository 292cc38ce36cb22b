// Package observability centralizes Prometheus collectors for the custody
// core, following the lazily-initialised-registry shape the rest of the
// fleet uses (one struct of collectors per subsystem, built once behind a
// sync.Once, registered with the default registerer).
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	approvalOnce sync.Once
	approvalReg  *ApprovalMetrics

	ephemeralOnce sync.Once
	ephemeralReg  *EphemeralMetrics

	hsmOnce sync.Once
	hsmReg  *HSMMetrics

	ledgerOnce sync.Once
	ledgerReg  *LedgerMetrics
)

// ApprovalMetrics tracks the approval-engine state machine.
type ApprovalMetrics struct {
	intentsCreated   *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	approvalsValid   *prometheus.CounterVec
	authnFailures    *prometheus.CounterVec
	thresholdLatency *prometheus.HistogramVec
}

// Approval returns the lazily-initialised approval engine metrics registry.
func Approval() *ApprovalMetrics {
	approvalOnce.Do(func() {
		approvalReg = &ApprovalMetrics{
			intentsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "custody",
				Subsystem: "approval",
				Name:      "intents_created_total",
				Help:      "Count of transaction intents created, segmented by tier.",
			}, []string{"tier"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "custody",
				Subsystem: "approval",
				Name:      "state_transitions_total",
				Help:      "Count of intent state transitions, segmented by from/to state.",
			}, []string{"from", "to"}),
			approvalsValid: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "custody",
				Subsystem: "approval",
				Name:      "valid_approvals_total",
				Help:      "Count of approvals accepted, segmented by tier.",
			}, []string{"tier"}),
			authnFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "custody",
				Subsystem: "approval",
				Name:      "authn_failures_total",
				Help:      "Count of rejected approver authentication attempts, segmented by reason.",
			}, []string{"reason"}),
			thresholdLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "custody",
				Subsystem: "approval",
				Name:      "threshold_latency_seconds",
				Help:      "Time from intent creation to threshold being reached.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"tier"}),
		}
		prometheus.MustRegister(
			approvalReg.intentsCreated,
			approvalReg.transitions,
			approvalReg.approvalsValid,
			approvalReg.authnFailures,
			approvalReg.thresholdLatency,
		)
	})
	return approvalReg
}

// RecordIntentCreated increments the intents-created counter for a tier.
func (m *ApprovalMetrics) RecordIntentCreated(tier string) {
	if m == nil {
		return
	}
	m.intentsCreated.WithLabelValues(tier).Inc()
}

// RecordTransition increments the state-transition counter.
func (m *ApprovalMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// RecordApproval increments the valid-approvals counter for a tier.
func (m *ApprovalMetrics) RecordApproval(tier string) {
	if m == nil {
		return
	}
	m.approvalsValid.WithLabelValues(tier).Inc()
}

// RecordAuthnFailure increments the authentication-failure counter.
func (m *ApprovalMetrics) RecordAuthnFailure(reason string) {
	if m == nil {
		return
	}
	m.authnFailures.WithLabelValues(reason).Inc()
}

// ObserveThresholdLatency records the time between intent creation and
// threshold being reached.
func (m *ApprovalMetrics) ObserveThresholdLatency(tier string, d time.Duration) {
	if m == nil {
		return
	}
	m.thresholdLatency.WithLabelValues(tier).Observe(d.Seconds())
}

// EphemeralMetrics tracks ephemeral key allocation and lifecycle.
type EphemeralMetrics struct {
	allocated  prometheus.Counter
	used       prometheus.Counter
	destroyed  *prometheus.CounterVec
	sweepRuns  prometheus.Counter
	indexGap   prometheus.Counter
}

// Ephemeral returns the lazily-initialised ephemeral key manager metrics registry.
func Ephemeral() *EphemeralMetrics {
	ephemeralOnce.Do(func() {
		ephemeralReg = &EphemeralMetrics{
			allocated: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "custody",
				Subsystem: "ephemeral",
				Name:      "allocated_total",
				Help:      "Count of ephemeral keys allocated.",
			}),
			used: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "custody",
				Subsystem: "ephemeral",
				Name:      "used_total",
				Help:      "Count of ephemeral keys that produced exactly one signature.",
			}),
			destroyed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "custody",
				Subsystem: "ephemeral",
				Name:      "destroyed_total",
				Help:      "Count of ephemeral key destructions, segmented by reason.",
			}, []string{"reason"}),
			sweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "custody",
				Subsystem: "ephemeral",
				Name:      "sweep_runs_total",
				Help:      "Count of expiry sweep passes executed.",
			}),
			indexGap: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "custody",
				Subsystem: "ephemeral",
				Name:      "index_allocation_conflicts_total",
				Help:      "Count of compare-and-swap retries while reserving the next hot-wallet index.",
			}),
		}
		prometheus.MustRegister(
			ephemeralReg.allocated,
			ephemeralReg.used,
			ephemeralReg.destroyed,
			ephemeralReg.sweepRuns,
			ephemeralReg.indexGap,
		)
	})
	return ephemeralReg
}

// RecordAllocated increments the allocated counter.
func (m *EphemeralMetrics) RecordAllocated() {
	if m == nil {
		return
	}
	m.allocated.Inc()
}

// RecordUsed increments the used counter.
func (m *EphemeralMetrics) RecordUsed() {
	if m == nil {
		return
	}
	m.used.Inc()
}

// RecordDestroyed increments the destroyed counter for a reason (used, expired, forced).
func (m *EphemeralMetrics) RecordDestroyed(reason string) {
	if m == nil {
		return
	}
	m.destroyed.WithLabelValues(reason).Inc()
}

// RecordSweepRun increments the sweep-run counter.
func (m *EphemeralMetrics) RecordSweepRun() {
	if m == nil {
		return
	}
	m.sweepRuns.Inc()
}

// RecordIndexConflict increments the index-allocation-conflict counter.
func (m *EphemeralMetrics) RecordIndexConflict() {
	if m == nil {
		return
	}
	m.indexGap.Inc()
}

// HSMMetrics tracks HSM gateway call outcomes and latency.
type HSMMetrics struct {
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// HSM returns the lazily-initialised HSM gateway metrics registry.
func HSM() *HSMMetrics {
	hsmOnce.Do(func() {
		hsmReg = &HSMMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "custody",
				Subsystem: "hsm",
				Name:      "calls_total",
				Help:      "Count of HSM gateway operations, segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "custody",
				Subsystem: "hsm",
				Name:      "call_latency_seconds",
				Help:      "Latency distribution for HSM gateway operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
		}
		prometheus.MustRegister(hsmReg.calls, hsmReg.latency)
	})
	return hsmReg
}

// Observe records the outcome and latency of an HSM operation.
func (m *HSMMetrics) Observe(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(d.Seconds())
}

// LedgerMetrics tracks ledger submission outcomes and retries.
type LedgerMetrics struct {
	submissions *prometheus.CounterVec
	retries     prometheus.Counter
	latency     prometheus.Histogram
}

// Ledger returns the lazily-initialised ledger submitter metrics registry.
func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerReg = &LedgerMetrics{
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "custody",
				Subsystem: "ledger",
				Name:      "submissions_total",
				Help:      "Count of ledger submission attempts, segmented by outcome.",
			}, []string{"outcome"}),
			retries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "custody",
				Subsystem: "ledger",
				Name:      "submit_retries_total",
				Help:      "Count of ledger submission retries.",
			}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "custody",
				Subsystem: "ledger",
				Name:      "submit_latency_seconds",
				Help:      "Latency distribution for successful ledger submissions.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(ledgerReg.submissions, ledgerReg.retries, ledgerReg.latency)
	})
	return ledgerReg
}

// RecordSubmission increments the submission counter for an outcome.
func (m *LedgerMetrics) RecordSubmission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

// RecordRetry increments the retry counter.
func (m *LedgerMetrics) RecordRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// ObserveLatency records submission latency.
func (m *LedgerMetrics) ObserveLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.latency.Observe(d.Seconds())
}
