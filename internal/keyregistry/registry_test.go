package keyregistry

import (
	"context"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"custodycore/internal/hsmgateway"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, AutoMigrate(db))
	return db
}

func TestProvisionWalletPersistsKeyAndWallet(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	hsm := hsmgateway.NewFake()
	reg := New(db, hsm)

	partition, err := reg.CreatePartition(ctx, "tenant-a")
	require.NoError(t, err)

	wallet, err := reg.ProvisionWallet(ctx, partition.ID, WalletClassHot, "0'", "primary-hot")
	require.NoError(t, err)
	require.NotEqual(t, wallet.ID, wallet.KeyRowID)

	_, key, err := reg.WalletByID(ctx, wallet.ID)
	require.NoError(t, err)
	require.Equal(t, WalletClassHot, key.Class)
	require.Len(t, key.PublicKey, 32)
}

func TestReserveNextIndexIsMonotonicAndGapFree(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	hsm := hsmgateway.NewFake()
	reg := New(db, hsm)

	partition, err := reg.CreatePartition(ctx, "tenant-b")
	require.NoError(t, err)
	wallet, err := reg.ProvisionWallet(ctx, partition.ID, WalletClassHot, "0'", "primary-hot")
	require.NoError(t, err)

	const n = 20
	indices := make([]uint32, n)
	var wg sync.WaitGroup
	var mu sync.Mutex
	errs := make([]error, 0)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			idx, err := reg.ReserveNextIndex(ctx, wallet.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			indices[i] = idx
		}(i)
	}
	wg.Wait()
	require.Empty(t, errs)

	seen := make(map[uint32]bool)
	for _, idx := range indices {
		require.False(t, seen[idx], "index %d allocated twice", idx)
		seen[idx] = true
	}
	for i := uint32(0); i < n; i++ {
		require.True(t, seen[i], "index %d missing: allocation left a gap", i)
	}
}

func TestPreviewNextIndexHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	hsm := hsmgateway.NewFake()
	reg := New(db, hsm)

	partition, err := reg.CreatePartition(ctx, "tenant-c")
	require.NoError(t, err)
	wallet, err := reg.ProvisionWallet(ctx, partition.ID, WalletClassHot, "0'", "primary-hot")
	require.NoError(t, err)

	preview1, err := reg.PreviewNextIndex(ctx, wallet.ID)
	require.NoError(t, err)
	preview2, err := reg.PreviewNextIndex(ctx, wallet.ID)
	require.NoError(t, err)
	require.Equal(t, preview1, preview2)

	reserved, err := reg.ReserveNextIndex(ctx, wallet.ID)
	require.NoError(t, err)
	require.Equal(t, preview1, reserved)
}
