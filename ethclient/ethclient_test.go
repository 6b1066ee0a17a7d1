package ethclient

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"
)

type ethService struct {
	head uint64
	logs []types.Log
}

func (s *ethService) GetLogs(_ context.Context, _ map[string]interface{}) ([]types.Log, error) {
	return s.logs, nil
}

func (s *ethService) BlockNumber() hexutil.Uint64 {
	return hexutil.Uint64(s.head)
}

func newInProcClient(t *testing.T, svc *ethService) *rpcClient {
	t.Helper()

	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("eth", svc))
	t.Cleanup(server.Stop)
	raw := rpc.DialInProc(server)
	t.Cleanup(raw.Close)
	return &rpcClient{
		chainID:   "1337",
		url:       "inproc",
		timeout:   time.Second,
		rawClient: raw,
		client:    ethclient.NewClient(raw),
	}
}

func TestFilterLogsSafe(t *testing.T) {
	t.Parallel()

	hub := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	logs := []types.Log{{
		Address:     hub,
		Topics:      []common.Hash{common.HexToHash("0x01")},
		Data:        []byte{},
		BlockNumber: 105,
		TxHash:      common.HexToHash("0x02"),
		BlockHash:   common.HexToHash("0x03"),
	}}
	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(100),
		ToBlock:   big.NewInt(110),
		Addresses: []common.Address{hub},
	}

	for _, test := range []struct {
		Name  string
		Head  uint64
		Query ethereum.FilterQuery
		Err   error
	}{
		{Name: "Synced", Head: 110, Query: query},
		{Name: "Lagging node", Head: 109, Query: query, Err: ErrNodeIsNotSynced},
		{Name: "Open range", Head: 110, Query: ethereum.FilterQuery{FromBlock: big.NewInt(100)}, Err: ErrInvalidLogsQuery},
	} {
		test := test
		t.Run(test.Name, func(t *testing.T) {
			t.Parallel()

			client := newInProcClient(t, &ethService{head: test.Head, logs: logs})
			res, err := client.FilterLogsSafe(context.Background(), test.Query)
			if test.Err != nil {
				require.ErrorIs(t, err, test.Err)
				return
			}
			require.NoError(t, err)
			require.Len(t, res, 1)
			require.Equal(t, hub, res[0].Address)
			require.Equal(t, uint64(105), res[0].BlockNumber)
		})
	}
}
