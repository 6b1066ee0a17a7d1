package ethclient

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	ErrIncompatibleChainID = errors.New("rpc url returned incompatible chainID")
	ErrNodeIsNotSynced     = errors.New("node is not synced to the requested block")
	ErrInvalidLogsQuery    = errors.New("invalid logs filter query")
)

type FeeHistory struct {
	OldestBlock  *big.Int
	BaseFee      []*big.Int
	Reward       [][]*big.Int
	GasUsedRatio []float64
}

type Client interface {
	ChainID() *big.Int
	BlockNumber(ctx context.Context) (uint, error)
	HeaderByNumber(ctx context.Context, n uint) (*types.Header, error)
	LatestHeader(ctx context.Context) (*types.Header, error)
	FilterLogsSafe(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceiptByHash(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	NonceAt(ctx context.Context, addr common.Address, blockNumber uint) (uint64, error)
	PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error)
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	FeeHistory(ctx context.Context, blockCount uint64, rewardPercentiles []float64) (*FeeHistory, error)
	SendRawTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error)
}

type rpcClient struct {
	chainID   string
	url       string
	timeout   time.Duration
	rawClient *rpc.Client
	client    *ethclient.Client
	chainIDBI *big.Int
}

func NewClient(url string, timeout time.Duration, chainID string) (Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	rawClient, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("can't dial JSON rpc url: %w", err)
	}
	client := &rpcClient{
		chainID:   chainID,
		url:       url,
		timeout:   timeout,
		rawClient: rawClient,
		client:    ethclient.NewClient(rawClient),
	}
	ctx2, cancel2 := context.WithTimeout(context.Background(), timeout)
	defer cancel2()
	rpcChainID, err := client.client.ChainID(ctx2)
	if err != nil {
		return nil, fmt.Errorf("can't get chainID: %w", err)
	}
	if rpcChainID.String() != chainID {
		return nil, fmt.Errorf("received chainID %s != expected %s: %w", rpcChainID, chainID, ErrIncompatibleChainID)
	}
	client.chainIDBI = rpcChainID
	return client, nil
}

func (c *rpcClient) ChainID() *big.Int {
	return new(big.Int).Set(c.chainIDBI)
}

func (c *rpcClient) BlockNumber(ctx context.Context) (uint, error) {
	defer ObserveDuration(c.chainID, c.url, "eth_blockNumber")()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	n, err := c.client.BlockNumber(ctx)
	ObserveError(c.chainID, c.url, "eth_blockNumber", err)
	return uint(n), err
}

func (c *rpcClient) HeaderByNumber(ctx context.Context, n uint) (*types.Header, error) {
	defer ObserveDuration(c.chainID, c.url, "eth_getBlockByNumber")()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	header, err := c.client.HeaderByNumber(ctx, new(big.Int).SetUint64(uint64(n)))
	ObserveError(c.chainID, c.url, "eth_getBlockByNumber", err)
	return header, err
}

func (c *rpcClient) LatestHeader(ctx context.Context) (*types.Header, error) {
	defer ObserveDuration(c.chainID, c.url, "eth_getBlockByNumber")()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	header, err := c.client.HeaderByNumber(ctx, nil)
	ObserveError(c.chainID, c.url, "eth_getBlockByNumber", err)
	return header, err
}

// FilterLogsSafe fetches logs together with the node head in one batch and fails with
// ErrNodeIsNotSynced when the node has not reached q.ToBlock yet, so a lagging node can't
// return a silently truncated range.
func (c *rpcClient) FilterLogsSafe(ctx context.Context, q ethereum.FilterQuery) (logs []types.Log, err error) {
	defer ObserveDuration(c.chainID, c.url, "eth_getLogs")()
	defer func() {
		ObserveError(c.chainID, c.url, "eth_getLogs", err)
	}()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	arg, err := toFilterArg(q)
	if err != nil {
		return nil, err
	}
	var head hexutil.Uint64
	batch := []rpc.BatchElem{
		{Method: "eth_getLogs", Args: []interface{}{arg}, Result: &logs},
		{Method: "eth_blockNumber", Result: &head},
	}
	if err = c.rawClient.BatchCallContext(ctx, batch); err != nil {
		return nil, fmt.Errorf("can't make batch request: %w", err)
	}
	for _, elem := range batch {
		if elem.Error != nil {
			err = fmt.Errorf("can't request %s: %w", elem.Method, elem.Error)
			return nil, err
		}
	}
	if uint64(head) < q.ToBlock.Uint64() {
		err = fmt.Errorf("node head %d is behind requested block %s: %w", head, q.ToBlock, ErrNodeIsNotSynced)
		return nil, err
	}
	return logs, nil
}

func (c *rpcClient) TransactionReceiptByHash(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	defer ObserveDuration(c.chainID, c.url, "eth_getTransactionReceipt")()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	receipt, err := c.client.TransactionReceipt(ctx, txHash)
	ObserveError(c.chainID, c.url, "eth_getTransactionReceipt", err)
	return receipt, err
}

func (c *rpcClient) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	defer ObserveDuration(c.chainID, c.url, "eth_call")()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.client.CallContract(ctx, msg, nil)
	ObserveError(c.chainID, c.url, "eth_call", err)
	return res, err
}

func (c *rpcClient) NonceAt(ctx context.Context, addr common.Address, blockNumber uint) (uint64, error) {
	defer ObserveDuration(c.chainID, c.url, "eth_getTransactionCount")()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	nonce, err := c.client.NonceAt(ctx, addr, new(big.Int).SetUint64(uint64(blockNumber)))
	ObserveError(c.chainID, c.url, "eth_getTransactionCount", err)
	return nonce, err
}

func (c *rpcClient) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	defer ObserveDuration(c.chainID, c.url, "eth_getTransactionCount_pending")()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	nonce, err := c.client.PendingNonceAt(ctx, addr)
	ObserveError(c.chainID, c.url, "eth_getTransactionCount_pending", err)
	return nonce, err
}

func (c *rpcClient) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	defer ObserveDuration(c.chainID, c.url, "eth_getBalance")()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	balance, err := c.client.BalanceAt(ctx, addr, nil)
	ObserveError(c.chainID, c.url, "eth_getBalance", err)
	return balance, err
}

func (c *rpcClient) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	defer ObserveDuration(c.chainID, c.url, "eth_getCode")()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	code, err := c.client.CodeAt(ctx, addr, nil)
	ObserveError(c.chainID, c.url, "eth_getCode", err)
	return code, err
}

func (c *rpcClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	defer ObserveDuration(c.chainID, c.url, "eth_gasPrice")()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	price, err := c.client.SuggestGasPrice(ctx)
	ObserveError(c.chainID, c.url, "eth_gasPrice", err)
	return price, err
}

type feeHistoryResult struct {
	OldestBlock  *hexutil.Big     `json:"oldestBlock"`
	Reward       [][]*hexutil.Big `json:"reward,omitempty"`
	BaseFee      []*hexutil.Big   `json:"baseFeePerGas,omitempty"`
	GasUsedRatio []float64        `json:"gasUsedRatio"`
}

func (c *rpcClient) FeeHistory(ctx context.Context, blockCount uint64, rewardPercentiles []float64) (*FeeHistory, error) {
	defer ObserveDuration(c.chainID, c.url, "eth_feeHistory")()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var res feeHistoryResult
	err := c.rawClient.CallContext(ctx, &res, "eth_feeHistory", hexutil.Uint64(blockCount), "latest", rewardPercentiles)
	ObserveError(c.chainID, c.url, "eth_feeHistory", err)
	if err != nil {
		return nil, err
	}
	history := &FeeHistory{
		BaseFee:      make([]*big.Int, len(res.BaseFee)),
		Reward:       make([][]*big.Int, len(res.Reward)),
		GasUsedRatio: res.GasUsedRatio,
	}
	if res.OldestBlock != nil {
		history.OldestBlock = res.OldestBlock.ToInt()
	}
	for i, fee := range res.BaseFee {
		history.BaseFee[i] = fee.ToInt()
	}
	for i, rewards := range res.Reward {
		history.Reward[i] = make([]*big.Int, len(rewards))
		for j, r := range rewards {
			history.Reward[i][j] = r.ToInt()
		}
	}
	return history, nil
}

// SendRawTransaction broadcasts the signed transaction and returns the hash reported by the node.
func (c *rpcClient) SendRawTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	defer ObserveDuration(c.chainID, c.url, "eth_sendRawTransaction")()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := tx.MarshalBinary()
	if err != nil {
		return common.Hash{}, fmt.Errorf("can't encode transaction: %w", err)
	}
	var hash common.Hash
	err = c.rawClient.CallContext(ctx, &hash, "eth_sendRawTransaction", hexutil.Encode(raw))
	ObserveError(c.chainID, c.url, "eth_sendRawTransaction", err)
	return hash, err
}

func toFilterArg(q ethereum.FilterQuery) (interface{}, error) {
	arg := map[string]interface{}{
		"address": q.Addresses,
		"topics":  q.Topics,
	}
	if q.BlockHash != nil {
		return nil, ErrInvalidLogsQuery
	}
	if q.FromBlock == nil {
		arg["fromBlock"] = "0x0"
	} else {
		arg["fromBlock"] = hexutil.EncodeBig(q.FromBlock)
	}
	if q.ToBlock == nil || q.ToBlock.Int64() <= 0 {
		return nil, fmt.Errorf("only positive toBlock is supported: %w", ErrInvalidLogsQuery)
	}
	arg["toBlock"] = hexutil.EncodeBig(q.ToBlock)
	return arg, nil
}
