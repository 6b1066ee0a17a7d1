package memory_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/omni/relay-server/entity"
	"github.com/omni/relay-server/repository/memory"
)

var (
	signerA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	signerB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	hub     = common.HexToAddress("0x000000000000000000000000000000000000babe")
)

func newTx(signer common.Address, nonce uint64, action entity.ServerAction, mined *uint) *entity.StoredTx {
	return &entity.StoredTx{
		Signer:        signer,
		Nonce:         nonce,
		TxID:          common.BigToHash(new(big.Int).SetUint64(nonce + 1)),
		To:            hub,
		Value:         entity.NewWei(big.NewInt(0)),
		GasLimit:      21000,
		GasPrice:      entity.NewWei(big.NewInt(10)),
		Attempts:      1,
		ServerAction:  action,
		CreationBlock: 100,
		MinedBlock:    mined,
	}
}

func uintPtr(v uint) *uint {
	return &v
}

func TestPutReplacesSameSignerAndNonce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := memory.NewStoredTxsRepo()

	require.NoError(t, repo.Put(ctx, newTx(signerA, 1, entity.ActionRelayCall, nil)))
	boosted := newTx(signerA, 1, entity.ActionRelayCall, nil)
	boosted.GasPrice = entity.NewWei(big.NewInt(12))
	boosted.Attempts = 2
	require.NoError(t, repo.Put(ctx, boosted))

	txs, err := repo.GetAllBySigner(ctx, signerA)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, uint(2), txs[0].Attempts)
	require.Equal(t, big.NewInt(12), txs[0].GasPriceBig())
}

func TestGetAllBySignerOrderedByNonce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := memory.NewStoredTxsRepo()

	for _, nonce := range []uint64{3, 1, 2} {
		require.NoError(t, repo.Put(ctx, newTx(signerA, nonce, entity.ActionRelayCall, nil)))
	}
	require.NoError(t, repo.Put(ctx, newTx(signerB, 0, entity.ActionRelayCall, nil)))

	txs, err := repo.GetAllBySigner(ctx, signerA)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	for i, tx := range txs {
		require.Equal(t, uint64(i+1), tx.Nonce)
	}

	rng, err := repo.GetBySignerAndNonceRange(ctx, signerA, 2, 3)
	require.NoError(t, err)
	require.Len(t, rng, 2)

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, count)
}

func TestRemoveTxsUntilNonce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := memory.NewStoredTxsRepo()

	for nonce := uint64(0); nonce < 5; nonce++ {
		require.NoError(t, repo.Put(ctx, newTx(signerA, nonce, entity.ActionRelayCall, nil)))
		require.NoError(t, repo.Put(ctx, newTx(signerB, nonce, entity.ActionRelayCall, nil)))
	}
	n, err := repo.RemoveTxsUntilNonce(ctx, signerA, 2)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	txs, err := repo.GetAllBySigner(ctx, signerA)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	require.Equal(t, uint64(3), txs[0].Nonce)

	txs, err = repo.GetAllBySigner(ctx, signerB)
	require.NoError(t, err)
	require.Len(t, txs, 5)
}

func TestRemoveArchivedTxs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := memory.NewStoredTxsRepo()

	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()

	oldTx := newTx(signerA, 0, entity.ActionRelayCall, uintPtr(10))
	oldTx.MinedTimestamp = &old
	recentBlockTx := newTx(signerA, 1, entity.ActionRelayCall, uintPtr(900))
	recentBlockTx.MinedTimestamp = &old
	recentTimeTx := newTx(signerA, 2, entity.ActionRelayCall, uintPtr(10))
	recentTimeTx.MinedTimestamp = &recent
	pendingTx := newTx(signerA, 3, entity.ActionRelayCall, nil)

	for _, tx := range []*entity.StoredTx{oldTx, recentBlockTx, recentTimeTx, pendingTx} {
		require.NoError(t, repo.Put(ctx, tx))
	}

	n, err := repo.RemoveArchivedTxs(ctx, 500, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

func TestIsActionPendingOrRecentlyMined(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := memory.NewStoredTxsRepo()

	require.NoError(t, repo.Put(ctx, newTx(signerA, 0, entity.ActionRegisterServer, uintPtr(95))))
	require.NoError(t, repo.Put(ctx, newTx(signerA, 1, entity.ActionAddWorker, nil)))

	other := common.HexToAddress("0x0000000000000000000000000000000000000001")

	for _, test := range []struct {
		Name     string
		Query    entity.ActionQuery
		Expected bool
	}{
		{
			Name:     "Pending action",
			Query:    entity.ActionQuery{Action: entity.ActionAddWorker, MinedAfter: 1000},
			Expected: true,
		},
		{
			Name:     "Recently mined action",
			Query:    entity.ActionQuery{Action: entity.ActionRegisterServer, MinedAfter: 90},
			Expected: true,
		},
		{
			Name:     "Mined long ago",
			Query:    entity.ActionQuery{Action: entity.ActionRegisterServer, MinedAfter: 95},
			Expected: false,
		},
		{
			Name:     "Unknown action",
			Query:    entity.ActionQuery{Action: entity.ActionSetOwner},
			Expected: false,
		},
		{
			Name:     "Other destination",
			Query:    entity.ActionQuery{Action: entity.ActionAddWorker, Destination: &other},
			Expected: false,
		},
		{
			Name:     "Matching destination and signer",
			Query:    entity.ActionQuery{Action: entity.ActionAddWorker, Destination: &hub, Signer: &signerA},
			Expected: true,
		},
		{
			Name:     "Other signer",
			Query:    entity.ActionQuery{Action: entity.ActionAddWorker, Signer: &signerB},
			Expected: false,
		},
	} {
		t.Run(test.Name, func(t *testing.T) {
			res, err := repo.IsActionPendingOrRecentlyMined(ctx, test.Query)
			require.NoError(t, err)
			require.Equal(t, test.Expected, res)
		})
	}
}

func TestStoredRecordsAreCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := memory.NewStoredTxsRepo()

	tx := newTx(signerA, 0, entity.ActionRelayCall, nil)
	require.NoError(t, repo.Put(ctx, tx))
	tx.Attempts = 7

	txs, err := repo.GetAll(ctx)
	require.NoError(t, err)
	require.Equal(t, uint(1), txs[0].Attempts)
}
