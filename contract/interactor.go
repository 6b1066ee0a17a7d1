package contract

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/omni/relay-server/contract/relayabi"
	"github.com/omni/relay-server/ethclient"
)

var ErrNoCodeAtHub = errors.New("no contract code at relay hub address")

// Interactor reads and encodes calls to the relay hub, its stake manager and registrar.
type Interactor struct {
	client       ethclient.Client
	hub          *Contract
	stakeManager *Contract
	registrar    *Contract
}

func NewInteractor(client ethclient.Client, hubAddress common.Address) *Interactor {
	return &Interactor{
		client: client,
		hub:    NewContract(client, hubAddress, relayabi.RelayHubABI),
	}
}

// Init fails with ErrNoCodeAtHub when the hub is not deployed and discovers the
// stake manager and registrar addresses.
func (i *Interactor) Init(ctx context.Context) error {
	code, err := i.client.CodeAt(ctx, i.hub.Address())
	if err != nil {
		return fmt.Errorf("can't get relay hub code: %w", err)
	}
	if len(code) == 0 {
		return fmt.Errorf("%s: %w", i.hub.Address(), ErrNoCodeAtHub)
	}
	stakeManager, err := i.callAddress(ctx, i.hub, "getStakeManager")
	if err != nil {
		return err
	}
	registrar, err := i.callAddress(ctx, i.hub, "getRelayRegistrar")
	if err != nil {
		return err
	}
	i.stakeManager = NewContract(i.client, stakeManager, relayabi.StakeManagerABI)
	i.registrar = NewContract(i.client, registrar, relayabi.RelayRegistrarABI)
	return nil
}

func (i *Interactor) HubAddress() common.Address {
	return i.hub.Address()
}

func (i *Interactor) StakeManagerAddress() common.Address {
	return i.stakeManager.Address()
}

func (i *Interactor) RegistrarAddress() common.Address {
	return i.registrar.Address()
}

func (i *Interactor) callAddress(ctx context.Context, c *Contract, method string, args ...interface{}) (common.Address, error) {
	out, err := c.Call(ctx, method, args...)
	if err != nil {
		return common.Address{}, err
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

func (i *Interactor) callBig(ctx context.Context, c *Contract, method string, args ...interface{}) (*big.Int, error) {
	out, err := c.Call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func (i *Interactor) BlockNumber(ctx context.Context) (uint, error) {
	return i.client.BlockNumber(ctx)
}

func (i *Interactor) LatestHeader(ctx context.Context) (*types.Header, error) {
	return i.client.LatestHeader(ctx)
}

func (i *Interactor) HeaderByNumber(ctx context.Context, n uint) (*types.Header, error) {
	return i.client.HeaderByNumber(ctx, n)
}

func (i *Interactor) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	return i.client.BalanceAt(ctx, addr)
}

func (i *Interactor) FeeHistory(ctx context.Context, blockCount uint64, rewardPercentiles []float64) (*ethclient.FeeHistory, error) {
	return i.client.FeeHistory(ctx, blockCount, rewardPercentiles)
}

func (i *Interactor) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return i.client.SuggestGasPrice(ctx)
}

// StakeInfo also reports whether the hub is authorized for the manager.
func (i *Interactor) StakeInfo(ctx context.Context, manager common.Address) (*StakeInfo, bool, error) {
	hub := i.hub.Address()
	out, err := i.stakeManager.CallFrom(ctx, ethereum.CallMsg{From: hub}, "getStakeInfo", manager)
	if err != nil {
		return nil, false, err
	}
	info := abi.ConvertType(out[0], new(StakeInfo)).(*StakeInfo)
	authorized, _ := out[1].(bool)
	return info, authorized, nil
}

func (i *Interactor) IsRelayManagerStakedOnHub(ctx context.Context, manager common.Address) (bool, error) {
	_, err := i.hub.Call(ctx, "verifyRelayManagerStaked", manager)
	if errors.Is(err, ErrReverted) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (i *Interactor) WorkerManager(ctx context.Context, worker common.Address) (common.Address, error) {
	return i.callAddress(ctx, i.hub, "workerToManager", worker)
}

func (i *Interactor) WorkerCount(ctx context.Context, manager common.Address) (*big.Int, error) {
	return i.callBig(ctx, i.hub, "workerCount", manager)
}

// RelayInfo returns nil when the manager has never registered with the hub.
func (i *Interactor) RelayInfo(ctx context.Context, manager common.Address) (*RelayInfo, error) {
	out, err := i.registrar.Call(ctx, "getRelayInfo", i.hub.Address(), manager)
	if errors.Is(err, ErrReverted) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	info := abi.ConvertType(out[0], new(RelayInfo)).(*RelayInfo)
	if info.RelayManager == (common.Address{}) {
		return nil, nil
	}
	return info, nil
}

func (i *Interactor) HubBalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	return i.callBig(ctx, i.hub, "balanceOf", addr)
}

func (i *Interactor) HubConfiguration(ctx context.Context) (*HubConfig, error) {
	out, err := i.hub.Call(ctx, "getConfiguration")
	if err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(HubConfig)).(*HubConfig), nil
}

func (i *Interactor) PaymasterGasAndDataLimits(ctx context.Context, paymaster common.Address) (*GasAndDataLimits, error) {
	out, err := NewContract(i.client, paymaster, relayabi.PaymasterABI).Call(ctx, "getGasAndDataLimits")
	if err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(GasAndDataLimits)).(*GasAndDataLimits), nil
}

func (i *Interactor) CalculateCharge(ctx context.Context, gasUsed *big.Int, relayData RelayData) (*big.Int, error) {
	return i.callBig(ctx, i.hub, "calculateCharge", gasUsed, relayData)
}

type RelayCallParams struct {
	DomainSeparatorName string
	MaxAcceptanceBudget *big.Int
	Request             RelayRequest
	Signature           []byte
	ApprovalData        []byte
}

func (i *Interactor) EncodeRelayCall(p *RelayCallParams) ([]byte, error) {
	return i.hub.Pack("relayCall", p.DomainSeparatorName, p.MaxAcceptanceBudget, p.Request, p.Signature, p.ApprovalData)
}

// SimulateRelayCall runs relayCall as an eth_call from the worker.
func (i *Interactor) SimulateRelayCall(ctx context.Context, worker common.Address, gasLimit uint64, p *RelayCallParams) (*RelayCallResult, error) {
	out, err := i.hub.CallFrom(ctx, ethereum.CallMsg{
		From:      worker,
		Gas:       gasLimit,
		GasFeeCap: p.Request.RelayData.MaxFeePerGas,
		GasTipCap: p.Request.RelayData.MaxPriorityFeePerGas,
	}, "relayCall", p.DomainSeparatorName, p.MaxAcceptanceBudget, p.Request, p.Signature, p.ApprovalData)
	if err != nil {
		return nil, err
	}
	res := &RelayCallResult{}
	res.PaymasterAccepted, _ = out[0].(bool)
	res.Charge, _ = out[1].(*big.Int)
	res.Status, _ = out[2].(uint8)
	res.ReturnValue, _ = out[3].([]byte)
	return res, nil
}

func (i *Interactor) EncodeSetRelayManagerOwner(owner common.Address) ([]byte, error) {
	return i.stakeManager.Pack("setRelayManagerOwner", owner)
}

func (i *Interactor) EncodeAddRelayWorkers(workers []common.Address) ([]byte, error) {
	return i.hub.Pack("addRelayWorkers", workers)
}

func (i *Interactor) EncodeRegisterRelayServer(url string) ([]byte, error) {
	parts, err := SplitURL(url)
	if err != nil {
		return nil, err
	}
	return i.registrar.Pack("registerRelayServer", i.hub.Address(), parts)
}

func (i *Interactor) EncodeWithdraw(dest common.Address, amount *big.Int) ([]byte, error) {
	return i.hub.Pack("withdraw", dest, amount)
}

// maxEventsRange bounds a single eth_getLogs request when catching up on a long range.
const maxEventsRange = 5000

// PastEvents returns decoded relay events concerning manager within [fromBlock, toBlock].
func (i *Interactor) PastEvents(ctx context.Context, fromBlock, toBlock uint, manager common.Address) ([]*RelayEvent, error) {
	var ids []common.Hash
	for _, a := range eventABIs {
		ids = append(ids, a.EventIDs()...)
	}
	var logs []types.Log
	for _, r := range SplitBlockRange(fromBlock, toBlock, maxEventsRange) {
		chunk, err := i.client.FilterLogsSafe(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(uint64(r[0])),
			ToBlock:   new(big.Int).SetUint64(uint64(r[1])),
			Addresses: []common.Address{i.hub.Address(), i.stakeManager.Address(), i.registrar.Address()},
			Topics:    [][]common.Hash{ids, {common.BytesToHash(manager.Bytes())}},
		})
		if err != nil {
			return nil, fmt.Errorf("can't fetch relay events in blocks [%d, %d]: %w", r[0], r[1], err)
		}
		logs = append(logs, chunk...)
	}
	events := make([]*RelayEvent, 0, len(logs))
	for _, log := range logs {
		event, err2 := DecodeEvent(log)
		if err2 != nil {
			return nil, fmt.Errorf("can't decode log %s:%d: %w", log.TxHash, log.Index, err2)
		}
		if event != nil {
			events = append(events, event)
		}
	}
	return events, nil
}

// SplitBlockRange splits [from, to] into consecutive ranges of at most size blocks.
func SplitBlockRange(from, to, size uint) [][2]uint {
	var res [][2]uint
	for from <= to {
		end := to
		if size > 0 && to-from >= size {
			end = from + size - 1
		}
		res = append(res, [2]uint{from, end})
		from = end + 1
	}
	return res
}
