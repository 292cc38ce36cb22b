package ledgersubmit

import (
	"context"
	"crypto/ed25519"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"custodycore/internal/address"
	"custodycore/internal/approval"
)

// fakeHorizon is an in-memory HorizonClient: no ledger state exists for an
// address until it is explicitly seeded (via seed) or funded (via Fund,
// wired through fakeFunder below), mirroring a fresh ephemeral address's
// real first-use behaviour.
type fakeHorizon struct {
	mu            sync.Mutex
	sequences     map[string]int64
	submitted     []string
	appliedHashes map[string]bool
	nextErr       error
	nextRetryable bool
	submitCalls   int
}

func newFakeHorizon() *fakeHorizon {
	return &fakeHorizon{sequences: make(map[string]int64), appliedHashes: make(map[string]bool)}
}

// markApplied simulates the ledger having actually processed a transaction
// whose response was lost to the caller, for reconciliation tests.
func (f *fakeHorizon) markApplied(hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appliedHashes[hash] = true
}

func (f *fakeHorizon) TransactionByHash(ctx context.Context, hash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appliedHashes[hash], nil
}

func (f *fakeHorizon) seed(addr string, sequence int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sequences[addr] = sequence
}

func (f *fakeHorizon) LoadAccount(ctx context.Context, addr string) (AccountState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq, ok := f.sequences[addr]
	if !ok {
		return AccountState{}, ErrAccountNotFound
	}
	return AccountState{Sequence: seq}, nil
}

type fakeRetryableErr struct {
	retryable bool
}

func (e fakeRetryableErr) Error() string   { return "fake ledger error" }
func (e fakeRetryableErr) Retryable() bool { return e.retryable }

func (f *fakeHorizon) SubmitTransactionXDR(ctx context.Context, signedXDR string) (SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	if f.nextErr != nil && f.submitCalls <= 1 {
		err := f.nextErr
		f.nextErr = nil
		return SubmitResult{}, err
	}
	f.submitted = append(f.submitted, signedXDR)
	return SubmitResult{Hash: "fakehash", Sequence: 42}, nil
}

type fakeFunder struct {
	mu     sync.Mutex
	funded []string
	target *fakeHorizon
}

func (f *fakeFunder) Fund(ctx context.Context, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funded = append(f.funded, addr)
	f.target.seed(addr, 0)
	return nil
}

func testSourceAddress(t *testing.T) (string, ed25519.PublicKey) {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	acc, err := address.FromPublicKey(pub)
	require.NoError(t, err)
	return acc.String(), pub
}

func TestBuildFailsAccountNotFoundWithoutFunder(t *testing.T) {
	horizon := newFakeHorizon()
	sub := New(horizon, DefaultConfig())
	addr, _ := testSourceAddress(t)

	_, err := sub.Build(context.Background(), addr, destinationAddress(t), 1_000_0000, "")
	require.Error(t, err)
}

func TestBuildAutoFundsWithFunder(t *testing.T) {
	horizon := newFakeHorizon()
	funder := &fakeFunder{target: horizon}
	sub := New(horizon, DefaultConfig(), WithFunder(funder))
	addr, _ := testSourceAddress(t)

	tx, err := sub.Build(context.Background(), addr, destinationAddress(t), 1_000_0000, "")
	require.NoError(t, err)
	require.NotNil(t, tx)
	require.Len(t, funder.funded, 1)
}

func TestDigestIsStableForSameTransaction(t *testing.T) {
	horizon := newFakeHorizon()
	addr, _ := testSourceAddress(t)
	horizon.seed(addr, 10)
	sub := New(horizon, DefaultConfig())

	tx, err := sub.Build(context.Background(), addr, destinationAddress(t), 5_0000000, "hello")
	require.NoError(t, err)

	d1, err := sub.Digest(tx)
	require.NoError(t, err)
	d2, err := sub.Digest(tx)
	require.NoError(t, err)
	require.Equal(t, d1, d2)
}

func TestExecuteHappyPathSubmitsSignedTransaction(t *testing.T) {
	horizon := newFakeHorizon()
	addr, pub := testSourceAddress(t)
	horizon.seed(addr, 10)
	sub := New(horizon, DefaultConfig())

	intent := approval.Intent{Destination: destinationAddress(t), AmountMinorUnit: 25_0000000, Memo: "payout"}
	sign := func(ctx context.Context, digest [32]byte) ([64]byte, []byte, error) {
		var sig [64]byte
		copy(sig[:], []byte("not-a-real-signature-but-64-bytes-long-padding-0123456789012345"))
		return sig, pub, nil
	}

	hash, seq, err := sub.Execute(context.Background(), intent, pub, sign)
	require.NoError(t, err)
	require.Equal(t, "fakehash", hash)
	require.Equal(t, int64(42), seq)
	require.Len(t, horizon.submitted, 1)
}

func TestExecuteReturnsLedgerHashOnSignTimeout(t *testing.T) {
	horizon := newFakeHorizon()
	addr, pub := testSourceAddress(t)
	horizon.seed(addr, 10)
	sub := New(horizon, DefaultConfig())

	intent := approval.Intent{Destination: destinationAddress(t), AmountMinorUnit: 1_0000000}
	sign := func(ctx context.Context, digest [32]byte) ([64]byte, []byte, error) {
		return [64]byte{}, nil, context.DeadlineExceeded
	}

	hash, _, err := sub.Execute(context.Background(), intent, pub, sign)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotEmpty(t, hash)

	found, err := sub.Reconcile(context.Background(), hash)
	require.NoError(t, err)
	require.False(t, found)

	horizon.markApplied(hash)
	found, err = sub.Reconcile(context.Background(), hash)
	require.NoError(t, err)
	require.True(t, found)
}

func TestExecuteRejectsMissingPublicKeyHint(t *testing.T) {
	horizon := newFakeHorizon()
	sub := New(horizon, DefaultConfig())
	intent := approval.Intent{Destination: destinationAddress(t), AmountMinorUnit: 1}
	_, _, err := sub.Execute(context.Background(), intent, nil, nil)
	require.Error(t, err)
}

func TestSubmitRetriesRetryableErrorThenSucceeds(t *testing.T) {
	horizon := newFakeHorizon()
	addr, _ := testSourceAddress(t)
	horizon.seed(addr, 10)
	horizon.nextErr = fakeRetryableErr{retryable: true}
	cfg := DefaultConfig()
	cfg.InitialBackoff = 1
	sub := New(horizon, cfg)

	tx, err := sub.Build(context.Background(), addr, destinationAddress(t), 1_0000000, "")
	require.NoError(t, err)
	digest, err := sub.Digest(tx)
	require.NoError(t, err)
	require.NotEqual(t, [32]byte{}, digest)

	var sig [64]byte
	signedTx, err := sub.AttachSignature(tx, make([]byte, ed25519.PublicKeySize), sig)
	require.NoError(t, err)

	hash, _, err := sub.Submit(context.Background(), signedTx)
	require.NoError(t, err)
	require.Equal(t, "fakehash", hash)
	require.Equal(t, 2, horizon.submitCalls)
}

func TestSubmitDoesNotRetryFatalError(t *testing.T) {
	horizon := newFakeHorizon()
	addr, _ := testSourceAddress(t)
	horizon.seed(addr, 10)
	horizon.nextErr = fakeRetryableErr{retryable: false}
	sub := New(horizon, DefaultConfig())

	tx, err := sub.Build(context.Background(), addr, destinationAddress(t), 1_0000000, "")
	require.NoError(t, err)
	var sig [64]byte
	signedTx, err := sub.AttachSignature(tx, make([]byte, ed25519.PublicKeySize), sig)
	require.NoError(t, err)

	_, _, err = sub.Submit(context.Background(), signedTx)
	require.Error(t, err)
	require.Equal(t, 1, horizon.submitCalls)
}

func destinationAddress(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	acc, err := address.FromPublicKey(pub)
	require.NoError(t, err)
	return acc.String()
}
