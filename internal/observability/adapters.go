package observability

// EphemeralAdapter bridges the richer EphemeralMetrics registry to the
// narrow ephemeral.EphemeralMetricsRecorder interface consumed by
// internal/ephemeral, the way the rest of the fleet wires a single
// Prometheus registry behind several small per-package interfaces.
type EphemeralAdapter struct {
	m *EphemeralMetrics
}

// NewEphemeralAdapter wraps the ephemeral key manager's metrics registry.
func NewEphemeralAdapter() *EphemeralAdapter {
	return &EphemeralAdapter{m: Ephemeral()}
}

func (a *EphemeralAdapter) RecordAllocated() { a.m.RecordAllocated() }

func (a *EphemeralAdapter) RecordSignAttempt(success bool) {
	if success {
		a.m.RecordUsed()
		a.m.RecordDestroyed("used")
		return
	}
	a.m.RecordDestroyed("sign-failed")
}

func (a *EphemeralAdapter) RecordSwept(expired bool) {
	a.m.RecordSweepRun()
	if !expired {
		a.m.RecordIndexConflict()
	}
}

// LedgerAdapter bridges LedgerMetrics to the narrow
// ledgersubmit.MetricsRecorder interface.
type LedgerAdapter struct {
	m *LedgerMetrics
}

// NewLedgerAdapter wraps the ledger submitter's metrics registry.
func NewLedgerAdapter() *LedgerAdapter {
	return &LedgerAdapter{m: Ledger()}
}

func (a *LedgerAdapter) RecordBuildAttempt(success bool) {
	if success {
		a.m.RecordSubmission("built")
		return
	}
	a.m.RecordSubmission("build-failed")
}

func (a *LedgerAdapter) RecordSubmitAttempt(success bool, retryable bool) {
	if success {
		a.m.RecordSubmission("success")
		return
	}
	if retryable {
		a.m.RecordRetry()
		a.m.RecordSubmission("retryable-error")
		return
	}
	a.m.RecordSubmission("fatal-error")
}
