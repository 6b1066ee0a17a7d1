package repository

import (
	"github.com/omni/relay-server/db"
	"github.com/omni/relay-server/entity"
	"github.com/omni/relay-server/repository/memory"
	"github.com/omni/relay-server/repository/postgres"
)

type Repo struct {
	StoredTxs   entity.StoredTxsRepo
	LogsCursors entity.LogsCursorsRepo
}

func NewRepo(db *db.DB) *Repo {
	return &Repo{
		StoredTxs:   postgres.NewStoredTxsRepo("stored_txs", db),
		LogsCursors: postgres.NewLogsCursorsRepo("logs_cursors", db),
	}
}

func NewMemoryRepo() *Repo {
	return &Repo{
		StoredTxs:   memory.NewStoredTxsRepo(),
		LogsCursors: memory.NewLogsCursorsRepo(),
	}
}
