package postgres

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/ethereum/go-ethereum/common"

	"github.com/omni/relay-server/db"
	"github.com/omni/relay-server/entity"
)

type logsCursorsRepo struct {
	table string
	db    *db.DB
}

func NewLogsCursorsRepo(table string, conn *db.DB) entity.LogsCursorsRepo {
	return &logsCursorsRepo{
		table: table,
		db:    conn,
	}
}

func (r *logsCursorsRepo) Ensure(ctx context.Context, cursor *entity.LogsCursor) error {
	q, args, err := r.ensureQuery(cursor)
	if err != nil {
		return fmt.Errorf("can't build query: %w", err)
	}
	_, err = r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("can't insert logs cursor: %w", err)
	}
	return nil
}

func (r *logsCursorsRepo) ensureQuery(cursor *entity.LogsCursor) (string, []interface{}, error) {
	return sq.Insert(r.table).
		Columns("chain_id", "address", "last_processed_block").
		Values(cursor.ChainID, cursor.Address, cursor.LastProcessedBlock).
		Suffix("ON CONFLICT (chain_id, address) DO UPDATE SET updated_at = NOW(), last_processed_block = EXCLUDED.last_processed_block").
		PlaceholderFormat(sq.Dollar).
		ToSql()
}

func (r *logsCursorsRepo) GetByChainIDAndAddress(ctx context.Context, chainID string, addr common.Address) (*entity.LogsCursor, error) {
	q, args, err := sq.Select("*").
		From(r.table).
		Where(sq.Eq{"chain_id": chainID, "address": addr}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("can't build query: %w", err)
	}
	cursor := new(entity.LogsCursor)
	err = r.db.GetContext(ctx, cursor, q, args...)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("can't get logs cursor by chain_id and address: %w", err)
	}
	return cursor, nil
}
