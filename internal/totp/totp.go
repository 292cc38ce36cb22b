// Package totp implements approver authentication: a 6-digit, 30-second-step
// time-based one-time password checked against each approver's per-partition
// secret, with anti-replay and consecutive-failure lock-out. It wraps
// github.com/pquerna/otp, the ecosystem's reference TOTP implementation
// (no file in the teacher corpus implements TOTP itself, so this package
// has no direct teacher grounding beyond the replay-set and lock-out shape
// borrowed from internal/replay and services/payoutd's failure-counting
// style).
package totp

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"custodycore/internal/custodyerr"
	"custodycore/internal/replay"
)

// Secret is a base32-encoded TOTP seed, opaque to everything but this
// package and whatever encrypts it at rest.
type Secret string

// GenerateSecret creates a fresh random TOTP seed for a newly enrolled
// approver.
func GenerateSecret() (Secret, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return "", custodyerr.Wrap(custodyerr.KindInputInvalid, "generate totp secret", err)
	}
	return Secret(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)), nil
}

// Authenticator validates TOTP responses and defends against replay and
// brute-force guessing. One Authenticator is shared across a partition; the
// replay set and lock-out counters are namespaced by approver id internally.
type Authenticator struct {
	used       *replay.Set
	maxFailure int
	now        func() time.Time

	failures map[string]int
	lockedAt map[string]time.Time
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithClock injects a deterministic clock for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

// WithMaxConsecutiveFailures overrides the default lock-out threshold of 5.
func WithMaxConsecutiveFailures(n int) Option {
	return func(a *Authenticator) { a.maxFailure = n }
}

// New constructs an Authenticator. replayWindow is the window used for
// challenge-bound replay eviction (2x the Challenge TTL per spec §4.D.3).
func New(replayWindow time.Duration, opts ...Option) *Authenticator {
	a := &Authenticator{
		maxFailure: 5,
		now:        time.Now,
		failures:   make(map[string]int),
		lockedAt:   make(map[string]time.Time),
	}
	a.used = replay.New(replayWindow, func() time.Time { return a.now() })
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// IsLockedOut reports whether approverID has exceeded the consecutive
// failure threshold and must not be validated until an operator clears it.
func (a *Authenticator) IsLockedOut(approverID string) bool {
	_, locked := a.lockedAt[approverID]
	return locked
}

// ClearLockout resets an approver's failure counter, an operator action.
func (a *Authenticator) ClearLockout(approverID string) {
	delete(a.failures, approverID)
	delete(a.lockedAt, approverID)
}

// Validate checks a bare 6-digit code (fallback OTP, used by LOW_VALUE tier
// per spec §4.D.3) against secret, with ±1 step (30s) tolerance, replay
// defense scoped to (approverID, code), and consecutive-failure lock-out.
func (a *Authenticator) Validate(ctx context.Context, approverID string, secret Secret, code string) error {
	if a.IsLockedOut(approverID) {
		return custodyerr.New(custodyerr.KindAuthnFailed, "approver-locked-out")
	}
	if code == "" {
		return a.fail(approverID, custodyerr.New(custodyerr.KindInputInvalid, "code required"))
	}
	if !a.used.InsertIfAbsent(approverID, code) {
		return a.fail(approverID, custodyerr.New(custodyerr.KindAuthnFailed, "response-replayed"))
	}

	valid, err := totp.ValidateCustom(code, string(secret), a.now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !valid {
		return a.fail(approverID, custodyerr.New(custodyerr.KindAuthnFailed, "invalid-code"))
	}
	a.succeed(approverID)
	return nil
}

// ValidateChallengeResponse validates a response that is bound to a specific
// Challenge (display digest), per spec §4.D.3 steps 2-4. challengeSubject
// scopes the replay set to this particular challenge and approver: the same
// 6-digit code is rejected when submitted again for that challenge, but this
// check does not reject it when it is submitted for a different challenge.
// The TOTP check itself does not depend on the challenge.
func (a *Authenticator) ValidateChallengeResponse(ctx context.Context, challengeSubject, approverID string, secret Secret, response string) error {
	if a.IsLockedOut(approverID) {
		return custodyerr.New(custodyerr.KindAuthnFailed, "approver-locked-out")
	}
	if response == "" {
		return a.fail(approverID, custodyerr.New(custodyerr.KindInputInvalid, "response required"))
	}
	subject := challengeSubject + "\x00" + approverID
	if !a.used.InsertIfAbsent(subject, response) {
		return a.fail(approverID, custodyerr.New(custodyerr.KindAuthnFailed, "response-replayed"))
	}
	valid, err := totp.ValidateCustom(response, string(secret), a.now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !valid {
		return a.fail(approverID, custodyerr.New(custodyerr.KindAuthnFailed, "invalid-code"))
	}
	a.succeed(approverID)
	return nil
}

func (a *Authenticator) fail(approverID string, err error) error {
	a.failures[approverID]++
	if a.failures[approverID] >= a.maxFailure {
		a.lockedAt[approverID] = a.now()
	}
	return err
}

func (a *Authenticator) succeed(approverID string) {
	delete(a.failures, approverID)
}

// GenerateCode is a test/operator helper that produces the current valid
// code for secret, never used on the validation path.
func GenerateCode(secret Secret, at time.Time) (string, error) {
	return totp.GenerateCodeCustom(string(secret), at, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
}
