package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omni/relay-server/db"
	"github.com/omni/relay-server/entity"
	"github.com/omni/relay-server/repository/memory"
)

func TestLogsCursorsRepo(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := memory.NewLogsCursorsRepo()

	_, err := repo.GetByChainIDAndAddress(ctx, "100", hub)
	require.ErrorIs(t, err, db.ErrNotFound)

	require.NoError(t, repo.Ensure(ctx, &entity.LogsCursor{ChainID: "100", Address: hub, LastProcessedBlock: 10}))
	first, err := repo.GetByChainIDAndAddress(ctx, "100", hub)
	require.NoError(t, err)
	require.Equal(t, uint(10), first.LastProcessedBlock)
	require.NotNil(t, first.CreatedAt)

	require.NoError(t, repo.Ensure(ctx, &entity.LogsCursor{ChainID: "100", Address: hub, LastProcessedBlock: 20}))
	second, err := repo.GetByChainIDAndAddress(ctx, "100", hub)
	require.NoError(t, err)
	require.Equal(t, uint(20), second.LastProcessedBlock)
	require.Equal(t, first.CreatedAt, second.CreatedAt)

	_, err = repo.GetByChainIDAndAddress(ctx, "1", hub)
	require.ErrorIs(t, err, db.ErrNotFound)
}
