package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"custodycore/internal/ephemeral"
	"custodycore/internal/hsmgateway"
	"custodycore/internal/keyregistry"
	"custodycore/internal/totp"
)

type stubLedger struct {
	mu             sync.Mutex
	calls          int
	executeErr     error
	reconcileFound bool
	reconcileErr   error
}

func (s *stubLedger) Execute(ctx context.Context, intent Intent, _ []byte, sign SigningFunc) (string, int64, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	var digest [32]byte
	digest[0] = 0xAB
	sig, _, err := sign(ctx, digest)
	if err != nil {
		return "", 0, err
	}
	hash := "ledgerhash-" + hexPrefix(sig[:])
	if s.executeErr != nil {
		return hash, 0, s.executeErr
	}
	return hash, 1, nil
}

// Reconcile is the lost-response lookup the engine consults after an HSM or
// ledger timeout, configured per-test via reconcileFound/reconcileErr.
func (s *stubLedger) Reconcile(ctx context.Context, ledgerHash string) (bool, error) {
	return s.reconcileFound, s.reconcileErr
}

func hexPrefix(b []byte) string {
	const hex = "0123456789abcdef"
	out := make([]byte, 8)
	for i := 0; i < 4 && i < len(b); i++ {
		out[i*2] = hex[b[i]>>4]
		out[i*2+1] = hex[b[i]&0xF]
	}
	return string(out)
}

type testEnv struct {
	db       *gorm.DB
	hsm      *hsmgateway.Fake
	registry *keyregistry.Registry
	eph      *ephemeral.Manager
	auth     *totp.Authenticator
	ledger   *stubLedger
	now      time.Time
}

func newEngineTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// sqlite tolerates only one writer at a time; serialize through the pool
	// so concurrent SubmitApproval calls exercise the conditional-update
	// race without tripping "database is locked".
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, keyregistry.AutoMigrate(db))
	require.NoError(t, ephemeral.AutoMigrate(db))
	require.NoError(t, AutoMigrate(db))

	env := &testEnv{
		db:  db,
		hsm: hsmgateway.NewFake(),
		now: time.Unix(1_700_000_000, 0),
	}
	env.registry = keyregistry.New(db, env.hsm)
	env.eph = ephemeral.New(db, env.hsm, env.registry, ephemeral.WithClock(func() time.Time { return env.now }))
	env.auth = totp.New(10*time.Minute, totp.WithClock(func() time.Time { return env.now }))
	env.ledger = &stubLedger{}
	return env
}

func (env *testEnv) engine(t *testing.T) *Engine {
	return New(env.db, env.registry, env.eph, env.hsm, env.auth, env.ledger,
		WithClock(func() time.Time { return env.now }),
		WithChallengeTTL(5*time.Minute),
	)
}

func (env *testEnv) provisionHotWallet(t *testing.T, ctx context.Context) (uuid.UUID, keyregistry.Wallet, keyregistry.Key) {
	t.Helper()
	partition, err := env.registry.CreatePartition(ctx, uuid.NewString())
	require.NoError(t, err)
	wallet, err := env.registry.ProvisionWallet(ctx, partition.ID, keyregistry.WalletClassHot, "0'", "primary-hot")
	require.NoError(t, err)
	_, key, err := env.registry.WalletByID(ctx, wallet.ID)
	require.NoError(t, err)
	return partition.ID, wallet, key
}

func (env *testEnv) makeApprover(t *testing.T, ctx context.Context, partitionID uuid.UUID, externalID string) (Approver, totp.Secret) {
	t.Helper()
	secret, err := totp.GenerateSecret()
	require.NoError(t, err)
	approver := Approver{
		ID:          uuid.New(),
		PartitionID: partitionID,
		ExternalID:  externalID,
		Active:      true,
	}
	require.NoError(t, env.db.WithContext(ctx).Create(&approver).Error)
	return approver, secret
}

func TestCreateIntentSelectsTierAndIssuesChallenge(t *testing.T) {
	ctx := context.Background()
	env := newEngineTestEnv(t)
	partitionID, wallet, walletKey := env.provisionHotWallet(t, ctx)
	eng := env.engine(t)

	intent, challenge, err := eng.CreateIntent(ctx, CreateIntentParams{
		PartitionID:     partitionID,
		WalletID:        wallet.ID,
		WalletClass:     WalletClassHot,
		WalletKey:       walletKey,
		CreatedByID:     "teller-1",
		Destination:     "GABCDEFGHIJKLMNOPQRSTUVWXYZABCDEFGHIJKLMNOPQRSTUVWXYZAB",
		AmountMinorUnit: 5_000,
	})
	require.NoError(t, err)
	require.Equal(t, TierHighValue, intent.Tier)
	require.Equal(t, StateAwaitingApproval, intent.State)
	require.NotNil(t, challenge)
	require.Len(t, challenge.DisplayDigest, 16)
}

func TestHappyPathHighValueReachesSuccess(t *testing.T) {
	ctx := context.Background()
	env := newEngineTestEnv(t)
	partitionID, wallet, walletKey := env.provisionHotWallet(t, ctx)
	eng := env.engine(t)

	intent, challenge, err := eng.CreateIntent(ctx, CreateIntentParams{
		PartitionID:     partitionID,
		WalletID:        wallet.ID,
		WalletClass:     WalletClassHot,
		WalletKey:       walletKey,
		CreatedByID:     "teller-1",
		Destination:     "GDEST",
		AmountMinorUnit: 5_000,
	})
	require.NoError(t, err)
	require.Equal(t, TierHighValue, intent.Tier)

	cfo, cfoSecret := env.makeApprover(t, ctx, partitionID, "cfo")
	cto, ctoSecret := env.makeApprover(t, ctx, partitionID, "cto")

	code1, err := totp.GenerateCode(cfoSecret, env.now)
	require.NoError(t, err)
	result, err := eng.SubmitApproval(ctx, SubmitApprovalParams{IntentID: intent.ID, Approver: cfo, TOTPSecret: cfoSecret, Response: code1})
	require.NoError(t, err)
	require.Equal(t, StateAwaitingApproval, result.State)
	require.Equal(t, 1, result.ValidApprovals)
	_ = challenge

	code2, err := totp.GenerateCode(ctoSecret, env.now)
	require.NoError(t, err)
	result, err = eng.SubmitApproval(ctx, SubmitApprovalParams{IntentID: intent.ID, Approver: cto, TOTPSecret: ctoSecret, Response: code2})
	require.NoError(t, err)
	require.Equal(t, StateSuccess, result.State)
	require.NotEmpty(t, result.LedgerHash)
	require.Equal(t, 1, env.ledger.calls)

	var ephKey ephemeral.Key
	require.NoError(t, env.db.First(&ephKey, "id = ?", *result.EphemeralKeyID).Error)
	require.Equal(t, ephemeral.StateDestroyed, ephKey.State)
}

// TestReconciliationSucceedsWhenLedgerShowsHash covers end-to-end scenario
// 6: a ledger/HSM timeout during execute is not an automatic failure. If
// reconciliation finds the precomputed transaction hash on the ledger, the
// intent still reaches success.
func TestReconciliationSucceedsWhenLedgerShowsHash(t *testing.T) {
	ctx := context.Background()
	env := newEngineTestEnv(t)
	partitionID, wallet, walletKey := env.provisionHotWallet(t, ctx)
	env.ledger.executeErr = context.DeadlineExceeded
	env.ledger.reconcileFound = true
	eng := env.engine(t)

	intent, _, err := eng.CreateIntent(ctx, CreateIntentParams{
		PartitionID:     partitionID,
		WalletID:        wallet.ID,
		WalletClass:     WalletClassHot,
		WalletKey:       walletKey,
		CreatedByID:     "teller-1",
		Destination:     "GDEST",
		AmountMinorUnit: 5_000,
	})
	require.NoError(t, err)

	cfo, cfoSecret := env.makeApprover(t, ctx, partitionID, "cfo")
	cto, ctoSecret := env.makeApprover(t, ctx, partitionID, "cto")

	code1, err := totp.GenerateCode(cfoSecret, env.now)
	require.NoError(t, err)
	_, err = eng.SubmitApproval(ctx, SubmitApprovalParams{IntentID: intent.ID, Approver: cfo, TOTPSecret: cfoSecret, Response: code1})
	require.NoError(t, err)

	code2, err := totp.GenerateCode(ctoSecret, env.now)
	require.NoError(t, err)
	result, err := eng.SubmitApproval(ctx, SubmitApprovalParams{IntentID: intent.ID, Approver: cto, TOTPSecret: ctoSecret, Response: code2})
	require.NoError(t, err)

	var reloaded Intent
	require.NoError(t, env.db.First(&reloaded, "id = ?", intent.ID).Error)
	require.Equal(t, StateSuccess, reloaded.State)
	require.NotEmpty(t, reloaded.LedgerHash)
	_ = result
}

// TestReconciliationFailsAndDestroysKeyWhenLedgerShowsNoHash covers the other
// half of scenario 6: when reconciliation finds no matching transaction, the
// intent fails and its ephemeral key is forcibly destroyed, same as any
// other failure path.
func TestReconciliationFailsAndDestroysKeyWhenLedgerShowsNoHash(t *testing.T) {
	ctx := context.Background()
	env := newEngineTestEnv(t)
	partitionID, wallet, walletKey := env.provisionHotWallet(t, ctx)
	env.ledger.executeErr = context.DeadlineExceeded
	env.ledger.reconcileFound = false
	eng := env.engine(t)

	intent, _, err := eng.CreateIntent(ctx, CreateIntentParams{
		PartitionID:     partitionID,
		WalletID:        wallet.ID,
		WalletClass:     WalletClassHot,
		WalletKey:       walletKey,
		CreatedByID:     "teller-1",
		Destination:     "GDEST",
		AmountMinorUnit: 5_000,
	})
	require.NoError(t, err)

	cfo, cfoSecret := env.makeApprover(t, ctx, partitionID, "cfo")
	cto, ctoSecret := env.makeApprover(t, ctx, partitionID, "cto")

	code1, err := totp.GenerateCode(cfoSecret, env.now)
	require.NoError(t, err)
	_, err = eng.SubmitApproval(ctx, SubmitApprovalParams{IntentID: intent.ID, Approver: cfo, TOTPSecret: cfoSecret, Response: code1})
	require.NoError(t, err)

	code2, err := totp.GenerateCode(ctoSecret, env.now)
	require.NoError(t, err)
	_, err = eng.SubmitApproval(ctx, SubmitApprovalParams{IntentID: intent.ID, Approver: cto, TOTPSecret: ctoSecret, Response: code2})
	require.NoError(t, err)

	var reloaded Intent
	require.NoError(t, env.db.First(&reloaded, "id = ?", intent.ID).Error)
	require.Equal(t, StateFailed, reloaded.State)

	var ephKey ephemeral.Key
	require.NoError(t, env.db.First(&ephKey, "id = ?", *reloaded.EphemeralKeyID).Error)
	require.Equal(t, ephemeral.StateDestroyed, ephKey.State)
}

func TestMakerCheckerRejectsCreatorApproval(t *testing.T) {
	ctx := context.Background()
	env := newEngineTestEnv(t)
	partitionID, wallet, walletKey := env.provisionHotWallet(t, ctx)
	eng := env.engine(t)

	intent, _, err := eng.CreateIntent(ctx, CreateIntentParams{
		PartitionID:     partitionID,
		WalletID:        wallet.ID,
		WalletClass:     WalletClassHot,
		WalletKey:       walletKey,
		CreatedByID:     "cfo",
		Destination:     "GDEST",
		AmountMinorUnit: 5_000,
	})
	require.NoError(t, err)

	cfo, cfoSecret := env.makeApprover(t, ctx, partitionID, "cfo")
	code, err := totp.GenerateCode(cfoSecret, env.now)
	require.NoError(t, err)
	_, err = eng.SubmitApproval(ctx, SubmitApprovalParams{IntentID: intent.ID, Approver: cfo, TOTPSecret: cfoSecret, Response: code})
	require.Error(t, err, "the intent's own creator must not be able to approve it")
}

func TestColdWalletAlwaysCritical(t *testing.T) {
	ctx := context.Background()
	env := newEngineTestEnv(t)
	partitionID, wallet, walletKey := env.provisionHotWallet(t, ctx)
	eng := env.engine(t)

	intent, _, err := eng.CreateIntent(ctx, CreateIntentParams{
		PartitionID:     partitionID,
		WalletID:        wallet.ID,
		WalletClass:     WalletClassCold,
		WalletKey:       walletKey,
		CreatedByID:     "teller-1",
		Destination:     "GDEST",
		AmountMinorUnit: 500,
	})
	require.NoError(t, err)
	require.Equal(t, TierCritical, intent.Tier)
	require.Equal(t, 3, intent.Tier.Threshold())
}

func TestCancelExpiredDestroysEphemeralKey(t *testing.T) {
	ctx := context.Background()
	env := newEngineTestEnv(t)
	partitionID, wallet, walletKey := env.provisionHotWallet(t, ctx)
	eng := env.engine(t)

	intent, _, err := eng.CreateIntent(ctx, CreateIntentParams{
		PartitionID:     partitionID,
		WalletID:        wallet.ID,
		WalletClass:     WalletClassHot,
		WalletKey:       walletKey,
		CreatedByID:     "teller-1",
		Destination:     "GDEST",
		AmountMinorUnit: 5_000,
	})
	require.NoError(t, err)

	env.now = env.now.Add(11 * time.Minute)
	cancelled, err := eng.CancelExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, cancelled)

	var reloaded Intent
	require.NoError(t, env.db.First(&reloaded, "id = ?", intent.ID).Error)
	require.Equal(t, StateCancelled, reloaded.State)

	var ephKey ephemeral.Key
	require.NoError(t, env.db.First(&ephKey, "id = ?", *intent.EphemeralKeyID).Error)
	require.Equal(t, ephemeral.StateExpired, ephKey.State)
}

func TestConcurrentNthApprovalTriggersExactlyOneExecution(t *testing.T) {
	ctx := context.Background()
	env := newEngineTestEnv(t)
	partitionID, wallet, walletKey := env.provisionHotWallet(t, ctx)
	eng := env.engine(t)

	intent, _, err := eng.CreateIntent(ctx, CreateIntentParams{
		PartitionID:     partitionID,
		WalletID:        wallet.ID,
		WalletClass:     WalletClassHot,
		WalletKey:       walletKey,
		CreatedByID:     "teller-1",
		Destination:     "GDEST",
		AmountMinorUnit: 5_000,
	})
	require.NoError(t, err)

	cfo, cfoSecret := env.makeApprover(t, ctx, partitionID, "cfo")
	code1, err := totp.GenerateCode(cfoSecret, env.now)
	require.NoError(t, err)
	_, err = eng.SubmitApproval(ctx, SubmitApprovalParams{IntentID: intent.ID, Approver: cfo, TOTPSecret: cfoSecret, Response: code1})
	require.NoError(t, err)

	cto, ctoSecret := env.makeApprover(t, ctx, partitionID, "cto")
	ceo, ceoSecret := env.makeApprover(t, ctx, partitionID, "ceo")

	var wg sync.WaitGroup
	results := make([]State, 2)
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		code, _ := totp.GenerateCode(ctoSecret, env.now)
		r, err := eng.SubmitApproval(ctx, SubmitApprovalParams{IntentID: intent.ID, Approver: cto, TOTPSecret: ctoSecret, Response: code})
		results[0], errs[0] = r.State, err
	}()
	go func() {
		defer wg.Done()
		code, _ := totp.GenerateCode(ceoSecret, env.now)
		r, err := eng.SubmitApproval(ctx, SubmitApprovalParams{IntentID: intent.ID, Approver: ceo, TOTPSecret: ceoSecret, Response: code})
		results[1], errs[1] = r.State, err
	}()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, 1, env.ledger.calls, "exactly one execution must be triggered")

	var reloaded Intent
	require.NoError(t, env.db.First(&reloaded, "id = ?", intent.ID).Error)
	require.Equal(t, StateSuccess, reloaded.State)
}

func TestSubmitApprovalDeniesApproverOverDailyLimit(t *testing.T) {
	ctx := context.Background()
	env := newEngineTestEnv(t)
	partitionID, wallet, walletKey := env.provisionHotWallet(t, ctx)
	policy := DefaultPolicy()
	policy.DailyApproverLimitMinorUnit = 6_000
	eng := New(env.db, env.registry, env.eph, env.hsm, env.auth, env.ledger,
		WithClock(func() time.Time { return env.now }),
		WithChallengeTTL(5*time.Minute),
		WithPolicy(policy),
	)

	cfo, cfoSecret := env.makeApprover(t, ctx, partitionID, "cfo")

	first, _, err := eng.CreateIntent(ctx, CreateIntentParams{
		PartitionID:     partitionID,
		WalletID:        wallet.ID,
		WalletClass:     WalletClassHot,
		WalletKey:       walletKey,
		CreatedByID:     "teller-1",
		Destination:     "GDEST",
		AmountMinorUnit: 5_000,
	})
	require.NoError(t, err)
	code, err := totp.GenerateCode(cfoSecret, env.now)
	require.NoError(t, err)
	_, err = eng.SubmitApproval(ctx, SubmitApprovalParams{IntentID: first.ID, Approver: cfo, TOTPSecret: cfoSecret, Response: code})
	require.NoError(t, err)

	second, _, err := eng.CreateIntent(ctx, CreateIntentParams{
		PartitionID:     partitionID,
		WalletID:        wallet.ID,
		WalletClass:     WalletClassHot,
		WalletKey:       walletKey,
		CreatedByID:     "teller-2",
		Destination:     "GDEST",
		AmountMinorUnit: 5_000,
	})
	require.NoError(t, err)
	code2, err := totp.GenerateCode(cfoSecret, env.now)
	require.NoError(t, err)
	_, err = eng.SubmitApproval(ctx, SubmitApprovalParams{IntentID: second.ID, Approver: cfo, TOTPSecret: cfoSecret, Response: code2})
	require.Error(t, err, "cfo has already approved 5 000 of a 6 000 daily cap")
}

func TestCreateIntentRejectsBeyondInflightCap(t *testing.T) {
	ctx := context.Background()
	env := newEngineTestEnv(t)
	partitionID, wallet, walletKey := env.provisionHotWallet(t, ctx)
	eng := New(env.db, env.registry, env.eph, env.hsm, env.auth, env.ledger,
		WithClock(func() time.Time { return env.now }),
		WithChallengeTTL(5*time.Minute),
		WithMaxInflightPerTenant(1),
	)

	_, _, err := eng.CreateIntent(ctx, CreateIntentParams{
		PartitionID:     partitionID,
		WalletID:        wallet.ID,
		WalletClass:     WalletClassHot,
		WalletKey:       walletKey,
		CreatedByID:     "teller-1",
		Destination:     "GDEST",
		AmountMinorUnit: 5_000,
	})
	require.NoError(t, err)

	_, _, err = eng.CreateIntent(ctx, CreateIntentParams{
		PartitionID:     partitionID,
		WalletID:        wallet.ID,
		WalletClass:     WalletClassHot,
		WalletKey:       walletKey,
		CreatedByID:     "teller-2",
		Destination:     "GDEST",
		AmountMinorUnit: 5_000,
	})
	require.Error(t, err, "a second in-flight intent must be rejected as busy once the per-tenant cap is reached")
}
