package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/omni/relay-server/db"
	"github.com/omni/relay-server/entity"
)

type cursorKey struct {
	chainID string
	address common.Address
}

type logsCursorsRepo struct {
	mu      sync.RWMutex
	cursors map[cursorKey]entity.LogsCursor
}

func NewLogsCursorsRepo() entity.LogsCursorsRepo {
	return &logsCursorsRepo{
		cursors: make(map[cursorKey]entity.LogsCursor),
	}
}

func (r *logsCursorsRepo) Ensure(_ context.Context, cursor *entity.LogsCursor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	key := cursorKey{cursor.ChainID, cursor.Address}
	cp := *cursor
	cp.CreatedAt = &now
	if prev, ok := r.cursors[key]; ok {
		cp.CreatedAt = prev.CreatedAt
	}
	cp.UpdatedAt = &now
	r.cursors[key] = cp
	return nil
}

func (r *logsCursorsRepo) GetByChainIDAndAddress(_ context.Context, chainID string, addr common.Address) (*entity.LogsCursor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cursor, ok := r.cursors[cursorKey{chainID, addr}]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &cursor, nil
}
