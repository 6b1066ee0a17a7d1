package postgres

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/omni/relay-server/entity"
)

func TestEnsureQueryUpsertsCursor(t *testing.T) {
	t.Parallel()

	hub := common.HexToAddress("0x01")
	repo := &logsCursorsRepo{table: "logs_cursors"}
	q, args, err := repo.ensureQuery(&entity.LogsCursor{ChainID: "100", Address: hub, LastProcessedBlock: 42})
	require.NoError(t, err)
	require.Contains(t, q, "INSERT INTO logs_cursors")
	require.Contains(t, q, "ON CONFLICT (chain_id, address) DO UPDATE")
	require.Equal(t, []interface{}{"100", hub, uint(42)}, args)
}
