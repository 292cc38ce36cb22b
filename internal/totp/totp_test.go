package totp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateAcceptsCurrentCode(t *testing.T) {
	ctx := context.Background()
	secret, err := GenerateSecret()
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	auth := New(5*time.Minute, WithClock(func() time.Time { return now }))

	code, err := GenerateCode(secret, now)
	require.NoError(t, err)
	require.NoError(t, auth.Validate(ctx, "cfo", secret, code))
}

func TestValidateRejectsReplayedCode(t *testing.T) {
	ctx := context.Background()
	secret, err := GenerateSecret()
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	auth := New(5*time.Minute, WithClock(func() time.Time { return now }))

	code, err := GenerateCode(secret, now)
	require.NoError(t, err)
	require.NoError(t, auth.Validate(ctx, "cfo", secret, code))
	require.Error(t, auth.Validate(ctx, "cfo", secret, code), "the same code must not validate twice")
}

func TestValidateLocksOutAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	secret, err := GenerateSecret()
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	auth := New(5*time.Minute, WithClock(func() time.Time { return now }), WithMaxConsecutiveFailures(3))

	for i := 0; i < 3; i++ {
		err := auth.Validate(ctx, "cto", secret, "000000")
		require.Error(t, err)
	}
	require.True(t, auth.IsLockedOut("cto"))

	code, err := GenerateCode(secret, now)
	require.NoError(t, err)
	err = auth.Validate(ctx, "cto", secret, code)
	require.Error(t, err, "a locked-out approver must be rejected even with a valid code")

	auth.ClearLockout("cto")
	require.False(t, auth.IsLockedOut("cto"))
	require.NoError(t, auth.Validate(ctx, "cto", secret, code))
}

func TestValidateChallengeResponseScopedPerChallenge(t *testing.T) {
	ctx := context.Background()
	secret, err := GenerateSecret()
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	auth := New(10*time.Minute, WithClock(func() time.Time { return now }))

	code, err := GenerateCode(secret, now)
	require.NoError(t, err)

	require.NoError(t, auth.ValidateChallengeResponse(ctx, "challenge-1", "ceo", secret, code))
	// Same code bound to a different challenge is a distinct subject, so it
	// is not rejected as a replay of challenge-1's response...
	require.NoError(t, auth.ValidateChallengeResponse(ctx, "challenge-2", "ceo", secret, code))
	// ...but reusing it against challenge-1 again must fail.
	require.Error(t, auth.ValidateChallengeResponse(ctx, "challenge-1", "ceo", secret, code))
}
