package ephemeral

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"custodycore/internal/hsmgateway"
	"custodycore/internal/keyregistry"
)

func newTestEnv(t *testing.T) (*gorm.DB, *keyregistry.Registry, hsmgateway.Gateway) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, keyregistry.AutoMigrate(db))
	require.NoError(t, AutoMigrate(db))
	hsm := hsmgateway.NewFake()
	return db, keyregistry.New(db, hsm), hsm
}

func provisionHotWallet(t *testing.T, ctx context.Context, reg *keyregistry.Registry) (string, keyregistry.Wallet, keyregistry.Key) {
	t.Helper()
	partition, err := reg.CreatePartition(ctx, uuid.NewString())
	require.NoError(t, err)
	wallet, err := reg.ProvisionWallet(ctx, partition.ID, keyregistry.WalletClassHot, "0'", "primary-hot")
	require.NoError(t, err)
	_, key, err := reg.WalletByID(ctx, wallet.ID)
	require.NoError(t, err)
	return partition.ID.String(), wallet, key
}

func TestPreviewNextMatchesSubsequentAllocation(t *testing.T) {
	ctx := context.Background()
	db, reg, hsm := newTestEnv(t)
	_, wallet, walletKey := provisionHotWallet(t, ctx, reg)
	mgr := New(db, hsm, reg)

	preview, err := mgr.PreviewNext(ctx, wallet, walletKey)
	require.NoError(t, err)

	rec, err := mgr.Allocate(ctx, uuid.New(), wallet, walletKey)
	require.NoError(t, err)
	require.Equal(t, preview.PathIndex, rec.PathIndex)
	require.Equal(t, []byte(preview.PublicKey), rec.PublicKey)
	require.Equal(t, StateAllocated, rec.State)
}

func TestSignForIntentIsOneShot(t *testing.T) {
	ctx := context.Background()
	db, reg, hsm := newTestEnv(t)
	partitionID, wallet, walletKey := provisionHotWallet(t, ctx, reg)
	mgr := New(db, hsm, reg)

	rec, err := mgr.Allocate(ctx, uuid.New(), wallet, walletKey)
	require.NoError(t, err)

	fake := hsm.(*hsmgateway.Fake)
	release, _, err := fake.AuthorizeRelease(ctx, partitionID, hsmgateway.KeyID(rec.KeyID), "cfo", "111111", "sign")
	require.NoError(t, err)

	var digest [32]byte
	copy(digest[:], []byte("digest-of-the-unsigned-envelope"))
	sig, pub, err := mgr.SignForIntent(ctx, rec.ID, release, digest)
	require.NoError(t, err)
	require.NotEmpty(t, sig)
	require.Equal(t, rec.PublicKey, []byte(pub))

	var reloaded Key
	require.NoError(t, db.First(&reloaded, "id = ?", rec.ID).Error)
	require.Equal(t, StateDestroyed, reloaded.State)

	release2, _, err := fake.AuthorizeRelease(ctx, partitionID, hsmgateway.KeyID(rec.KeyID), "cfo", "222222", "sign")
	require.Error(t, err, "authorizing a release for a destroyed key must fail")
	_, _, err = mgr.SignForIntent(ctx, rec.ID, release2, digest)
	require.Error(t, err, "signing an already-used ephemeral key must fail")
}

func TestExpireSweepMarksPastDeadlineKeysExpired(t *testing.T) {
	ctx := context.Background()
	db, reg, hsm := newTestEnv(t)
	_, wallet, walletKey := provisionHotWallet(t, ctx, reg)

	now := time.Now()
	clock := func() time.Time { return now }
	mgr := New(db, hsm, reg, WithClock(clock), WithTTL(time.Minute))

	rec, err := mgr.Allocate(ctx, uuid.New(), wallet, walletKey)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	swept, err := mgr.ExpireSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	var reloaded Key
	require.NoError(t, db.First(&reloaded, "id = ?", rec.ID).Error)
	require.Equal(t, StateExpired, reloaded.State)

	fake := hsm.(*hsmgateway.Fake)
	destroyed, err := fake.IsDestroyed(ctx, hsmgateway.KeyID(rec.KeyID))
	require.NoError(t, err)
	require.True(t, destroyed)
}

func TestExpireSweepDoesNotTouchUsedKeys(t *testing.T) {
	ctx := context.Background()
	db, reg, hsm := newTestEnv(t)
	partitionID, wallet, walletKey := provisionHotWallet(t, ctx, reg)
	now := time.Now()
	mgr := New(db, hsm, reg, WithClock(func() time.Time { return now }), WithTTL(time.Minute))

	rec, err := mgr.Allocate(ctx, uuid.New(), wallet, walletKey)
	require.NoError(t, err)

	fake := hsm.(*hsmgateway.Fake)
	release, _, err := fake.AuthorizeRelease(ctx, partitionID, hsmgateway.KeyID(rec.KeyID), "cfo", "333333", "sign")
	require.NoError(t, err)
	var digest [32]byte
	_, _, err = mgr.SignForIntent(ctx, rec.ID, release, digest)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	swept, err := mgr.ExpireSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, swept, "already-used keys must not be reported as swept")
}
