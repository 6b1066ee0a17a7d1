package postgres

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/ethereum/go-ethereum/common"

	"github.com/omni/relay-server/db"
	"github.com/omni/relay-server/entity"
)

type storedTxsRepo struct {
	table string
	db    *db.DB
}

// NewStoredTxsRepo keeps one row per (signer, nonce), replaced on every resubmission.
func NewStoredTxsRepo(table string, conn *db.DB) entity.StoredTxsRepo {
	return &storedTxsRepo{
		table: table,
		db:    conn,
	}
}

func (r *storedTxsRepo) Put(ctx context.Context, tx *entity.StoredTx) error {
	q, args, err := r.putQuery(tx)
	if err != nil {
		return fmt.Errorf("can't build query: %w", err)
	}
	_, err = r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("can't put stored tx: %w", err)
	}
	return nil
}

func (r *storedTxsRepo) putQuery(tx *entity.StoredTx) (string, []interface{}, error) {
	return sq.Insert(r.table).
		Columns("signer", "nonce", "tx_id", "destination", "value", "gas_limit", "gas_price",
			"max_priority_fee_per_gas", "tx_type", "data", "raw_tx", "attempts", "server_action",
			"creation_block", "boost_block", "mined_block", "mined_timestamp", "gas_price_capped").
		Values(tx.Signer, tx.Nonce, tx.TxID, tx.To, tx.Value, tx.GasLimit, tx.GasPrice,
			tx.MaxPriorityFeePerGas, tx.TxType, tx.Calldata(), tx.RawTx, tx.Attempts, tx.ServerAction,
			tx.CreationBlock, tx.BoostBlock, tx.MinedBlock, tx.MinedTimestamp, tx.GasPriceCapped).
		Suffix("ON CONFLICT (signer, nonce) DO UPDATE SET updated_at = NOW(), " +
			"tx_id = EXCLUDED.tx_id, destination = EXCLUDED.destination, value = EXCLUDED.value, " +
			"gas_limit = EXCLUDED.gas_limit, gas_price = EXCLUDED.gas_price, " +
			"max_priority_fee_per_gas = EXCLUDED.max_priority_fee_per_gas, tx_type = EXCLUDED.tx_type, " +
			"data = EXCLUDED.data, raw_tx = EXCLUDED.raw_tx, attempts = EXCLUDED.attempts, " +
			"server_action = EXCLUDED.server_action, creation_block = EXCLUDED.creation_block, " +
			"boost_block = EXCLUDED.boost_block, mined_block = EXCLUDED.mined_block, " +
			"mined_timestamp = EXCLUDED.mined_timestamp, gas_price_capped = EXCLUDED.gas_price_capped").
		PlaceholderFormat(sq.Dollar).
		ToSql()
}

func (r *storedTxsRepo) GetAll(ctx context.Context) ([]*entity.StoredTx, error) {
	q, args, err := sq.Select("*").
		From(r.table).
		OrderBy("signer", "nonce").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	txs := make([]*entity.StoredTx, 0, 10)
	err = r.db.SelectContext(ctx, &txs, q, args...)
	if err != nil {
		return nil, fmt.Errorf("can't get stored txs: %w", err)
	}
	return txs, nil
}

func (r *storedTxsRepo) GetAllBySigner(ctx context.Context, signer common.Address) ([]*entity.StoredTx, error) {
	q, args, err := sq.Select("*").
		From(r.table).
		Where(sq.Eq{"signer": signer}).
		OrderBy("nonce").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	txs := make([]*entity.StoredTx, 0, 10)
	err = r.db.SelectContext(ctx, &txs, q, args...)
	if err != nil {
		return nil, fmt.Errorf("can't get stored txs by signer: %w", err)
	}
	return txs, nil
}

func (r *storedTxsRepo) GetBySignerAndNonceRange(ctx context.Context, signer common.Address, fromNonce, toNonce uint64) ([]*entity.StoredTx, error) {
	q, args, err := sq.Select("*").
		From(r.table).
		Where(sq.Eq{"signer": signer}).
		Where(sq.GtOrEq{"nonce": fromNonce}).
		Where(sq.LtOrEq{"nonce": toNonce}).
		OrderBy("nonce").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	txs := make([]*entity.StoredTx, 0, 10)
	err = r.db.SelectContext(ctx, &txs, q, args...)
	if err != nil {
		return nil, fmt.Errorf("can't get stored txs by nonce range: %w", err)
	}
	return txs, nil
}

func (r *storedTxsRepo) RemoveTxsUntilNonce(ctx context.Context, signer common.Address, nonce uint64) (int64, error) {
	q, args, err := sq.Delete(r.table).
		Where(sq.Eq{"signer": signer}).
		Where(sq.LtOrEq{"nonce": nonce}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("can't build query: %w", err)
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("can't remove stored txs: %w", err)
	}
	return res.RowsAffected()
}

func (r *storedTxsRepo) RemoveArchivedTxs(ctx context.Context, minedBlockBelow uint, minedBefore time.Time) (int64, error) {
	q, args, err := sq.Delete(r.table).
		Where(sq.Lt{"mined_block": minedBlockBelow}).
		Where(sq.Lt{"mined_timestamp": minedBefore}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("can't build query: %w", err)
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("can't remove archived stored txs: %w", err)
	}
	return res.RowsAffected()
}

func (r *storedTxsRepo) IsActionPendingOrRecentlyMined(ctx context.Context, aq entity.ActionQuery) (bool, error) {
	cond := sq.And{
		sq.Eq{"server_action": aq.Action},
		sq.Or{
			sq.Eq{"mined_block": nil},
			sq.Gt{"mined_block": aq.MinedAfter},
		},
	}
	if aq.Destination != nil {
		cond = append(cond, sq.Eq{"destination": *aq.Destination})
	}
	if aq.Signer != nil {
		cond = append(cond, sq.Eq{"signer": *aq.Signer})
	}
	q, args, err := sq.Select("COUNT(*)").
		From(r.table).
		Where(cond).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("can't build query: %w", err)
	}
	var count int
	err = r.db.GetContext(ctx, &count, q, args...)
	if err != nil {
		return false, fmt.Errorf("can't count stored txs by action: %w", err)
	}
	return count > 0, nil
}

func (r *storedTxsRepo) Count(ctx context.Context) (int, error) {
	q, args, err := sq.Select("COUNT(*)").
		From(r.table).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("can't build query: %w", err)
	}
	var count int
	err = r.db.GetContext(ctx, &count, q, args...)
	if err != nil {
		return 0, fmt.Errorf("can't count stored txs: %w", err)
	}
	return count, nil
}
