package approval

// Policy carries the configured thresholds governing tier selection, per
// spec §4.D.1 and §6's low_threshold/high_threshold configuration knobs.
type Policy struct {
	LowThresholdMinorUnit  int64
	HighThresholdMinorUnit int64

	// DailyApproverLimitMinorUnit caps the cumulative amount a single
	// approver may approve per UTC day, enforced against DailyApproverLimit
	// (SPEC_FULL.md §3.X). Zero disables the cap, matching
	// services/payoutd/policy.go's unset-DailyCap convention.
	DailyApproverLimitMinorUnit int64
}

// DefaultPolicy matches spec §6's stated defaults (1 000 / 10 000 minor
// units). The per-approver daily cap has no spec-stated default; 100 000
// (10x the CRITICAL threshold) is chosen so a single approver can clear a
// full day of ordinary traffic without the cap ever binding in the common
// case.
func DefaultPolicy() Policy {
	return Policy{
		LowThresholdMinorUnit:       1_000,
		HighThresholdMinorUnit:      10_000,
		DailyApproverLimitMinorUnit: 100_000,
	}
}

// SelectTier is a pure function of (amount, wallet class) and the
// configured thresholds (property P5: tier determinism). Amounts are
// compared as fixed-point integers in the ledger's minor unit.
func (p Policy) SelectTier(amountMinorUnit int64, class WalletClass) Tier {
	if class == WalletClassCold {
		return TierCritical
	}
	if amountMinorUnit >= p.HighThresholdMinorUnit {
		return TierCritical
	}
	if amountMinorUnit >= p.LowThresholdMinorUnit {
		return TierHighValue
	}
	return TierLowValue
}
