// Package memory keeps stored transactions in process memory, for tests and relays running without postgres.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/omni/relay-server/entity"
)

type txKey struct {
	signer common.Address
	nonce  uint64
}

type storedTxsRepo struct {
	mu  sync.RWMutex
	txs map[txKey]*entity.StoredTx
}

func NewStoredTxsRepo() entity.StoredTxsRepo {
	return &storedTxsRepo{
		txs: make(map[txKey]*entity.StoredTx),
	}
}

func (r *storedTxsRepo) Put(_ context.Context, tx *entity.StoredTx) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cp := clone(tx)
	if prev, ok := r.txs[txKey{tx.Signer, tx.Nonce}]; ok {
		cp.CreatedAt = prev.CreatedAt
	} else {
		cp.CreatedAt = &now
	}
	cp.UpdatedAt = &now
	r.txs[txKey{tx.Signer, tx.Nonce}] = cp
	return nil
}

func (r *storedTxsRepo) GetAll(_ context.Context) ([]*entity.StoredTx, error) {
	return r.filter(func(*entity.StoredTx) bool { return true }), nil
}

func (r *storedTxsRepo) GetAllBySigner(_ context.Context, signer common.Address) ([]*entity.StoredTx, error) {
	return r.filter(func(tx *entity.StoredTx) bool {
		return tx.Signer == signer
	}), nil
}

func (r *storedTxsRepo) GetBySignerAndNonceRange(_ context.Context, signer common.Address, fromNonce, toNonce uint64) ([]*entity.StoredTx, error) {
	return r.filter(func(tx *entity.StoredTx) bool {
		return tx.Signer == signer && tx.Nonce >= fromNonce && tx.Nonce <= toNonce
	}), nil
}

func (r *storedTxsRepo) RemoveTxsUntilNonce(_ context.Context, signer common.Address, nonce uint64) (int64, error) {
	return r.remove(func(tx *entity.StoredTx) bool {
		return tx.Signer == signer && tx.Nonce <= nonce
	}), nil
}

func (r *storedTxsRepo) RemoveArchivedTxs(_ context.Context, minedBlockBelow uint, minedBefore time.Time) (int64, error) {
	return r.remove(func(tx *entity.StoredTx) bool {
		return tx.MinedBlock != nil && *tx.MinedBlock < minedBlockBelow &&
			tx.MinedTimestamp != nil && tx.MinedTimestamp.Before(minedBefore)
	}), nil
}

func (r *storedTxsRepo) IsActionPendingOrRecentlyMined(_ context.Context, q entity.ActionQuery) (bool, error) {
	txs := r.filter(func(tx *entity.StoredTx) bool {
		if tx.ServerAction != q.Action {
			return false
		}
		if q.Destination != nil && tx.To != *q.Destination {
			return false
		}
		if q.Signer != nil && tx.Signer != *q.Signer {
			return false
		}
		return tx.MinedBlock == nil || *tx.MinedBlock > q.MinedAfter
	})
	return len(txs) > 0, nil
}

func (r *storedTxsRepo) Count(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.txs), nil
}

func (r *storedTxsRepo) filter(match func(tx *entity.StoredTx) bool) []*entity.StoredTx {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := make([]*entity.StoredTx, 0, len(r.txs))
	for _, tx := range r.txs {
		if match(tx) {
			res = append(res, clone(tx))
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if c := bytes.Compare(res[i].Signer[:], res[j].Signer[:]); c != 0 {
			return c < 0
		}
		return res[i].Nonce < res[j].Nonce
	})
	return res
}

func (r *storedTxsRepo) remove(match func(tx *entity.StoredTx) bool) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for key, tx := range r.txs {
		if match(tx) {
			delete(r.txs, key)
			n++
		}
	}
	return n
}

func clone(tx *entity.StoredTx) *entity.StoredTx {
	cp := *tx
	cp.Value = entity.NewWei(tx.Value.Big())
	cp.GasPrice = entity.NewWei(tx.GasPrice.Big())
	if tx.MaxPriorityFeePerGas != nil {
		cp.MaxPriorityFeePerGas = entity.NewWei(tx.MaxPriorityFeePerGas.Big())
	}
	cp.Data = common.CopyBytes(tx.Data)
	cp.RawTx = common.CopyBytes(tx.RawTx)
	if tx.BoostBlock != nil {
		b := *tx.BoostBlock
		cp.BoostBlock = &b
	}
	if tx.MinedBlock != nil {
		b := *tx.MinedBlock
		cp.MinedBlock = &b
	}
	if tx.MinedTimestamp != nil {
		ts := *tx.MinedTimestamp
		cp.MinedTimestamp = &ts
	}
	return &cp
}
