package relay_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/omni/relay-server/config"
	"github.com/omni/relay-server/contract"
	"github.com/omni/relay-server/entity"
	"github.com/omni/relay-server/ethclient"
	"github.com/omni/relay-server/logging"
	"github.com/omni/relay-server/registration"
	"github.com/omni/relay-server/relay"
	"github.com/omni/relay-server/repository/memory"
	"github.com/omni/relay-server/txmanager"
)

const (
	relayURL   = "https://relay.example.org/gsn1"
	startBlock = 100
	startTime  = 1_700_000_000
	gwei       = 1_000_000_000
)

var (
	hub          = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	stakeManager = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	registrar    = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	owner        = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	manager      = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	worker       = common.HexToAddress("0x00000000000000000000000000000000000000c2")
	paymaster    = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	recipient    = common.HexToAddress("0x00000000000000000000000000000000000000d2")
	ether        = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

func fraction(num, den int64) *big.Int {
	return new(big.Int).Div(new(big.Int).Mul(ether, big.NewInt(num)), big.NewInt(den))
}

type fakeChain struct {
	mu            sync.Mutex
	legacy        bool
	balances      map[common.Address]*big.Int
	hubBalances   map[common.Address]*big.Int
	events        []*contract.RelayEvent
	limits        *contract.GasAndDataLimits
	relayInfo     *contract.RelayInfo
	simulateCalls int
	accepted      bool
	head          uint64
	scans         [][2]uint
}

func newFakeChain() *fakeChain {
	parts, _ := contract.SplitURL(relayURL)
	return &fakeChain{
		balances: map[common.Address]*big.Int{
			manager: new(big.Int).Set(ether),
			worker:  new(big.Int).Set(ether),
		},
		hubBalances: map[common.Address]*big.Int{
			paymaster: new(big.Int).Set(ether),
		},
		limits: &contract.GasAndDataLimits{
			AcceptanceBudget:        big.NewInt(200000),
			PreRelayedCallGasLimit:  big.NewInt(100000),
			PostRelayedCallGasLimit: big.NewInt(110000),
			CalldataSizeLimit:       big.NewInt(10000),
		},
		relayInfo: &contract.RelayInfo{URLParts: parts, RelayManager: manager},
		accepted:  true,
		head:      startBlock,
	}
}

func (f *fakeChain) Init(context.Context) error          { return nil }
func (f *fakeChain) HubAddress() common.Address          { return hub }
func (f *fakeChain) StakeManagerAddress() common.Address { return stakeManager }
func (f *fakeChain) RegistrarAddress() common.Address    { return registrar }

func (f *fakeChain) setBalance(addr common.Address, v *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[addr] = v
}

func (f *fakeChain) BalanceAt(_ context.Context, addr common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[addr]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (f *fakeChain) HubBalanceOf(_ context.Context, addr common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.hubBalances[addr]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (f *fakeChain) StakeInfo(context.Context, common.Address) (*contract.StakeInfo, bool, error) {
	return &contract.StakeInfo{
		Stake:        new(big.Int).Set(ether),
		UnstakeDelay: big.NewInt(1000),
		WithdrawTime: new(big.Int),
		Owner:        owner,
	}, true, nil
}

func (f *fakeChain) IsRelayManagerStakedOnHub(context.Context, common.Address) (bool, error) {
	return true, nil
}

func (f *fakeChain) WorkerManager(context.Context, common.Address) (common.Address, error) {
	return manager, nil
}

func (f *fakeChain) RelayInfo(context.Context, common.Address) (*contract.RelayInfo, error) {
	return f.relayInfo, nil
}

func (f *fakeChain) EncodeSetRelayManagerOwner(common.Address) ([]byte, error) {
	return []byte("setOwner"), nil
}

func (f *fakeChain) EncodeAddRelayWorkers([]common.Address) ([]byte, error) {
	return []byte("addWorkers"), nil
}

func (f *fakeChain) EncodeRegisterRelayServer(string) ([]byte, error) {
	return []byte("register"), nil
}

func (f *fakeChain) EncodeWithdraw(common.Address, *big.Int) ([]byte, error) {
	return []byte("withdraw"), nil
}

func blockHeader(number uint64, legacy bool) *types.Header {
	h := &types.Header{
		Number:   new(big.Int).SetUint64(number),
		Time:     startTime + (number-startBlock)*12,
		GasLimit: 30_000_000,
	}
	if !legacy {
		h.BaseFee = big.NewInt(10 * gwei)
	}
	return h
}

func (f *fakeChain) LatestHeader(context.Context) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return blockHeader(f.head, f.legacy), nil
}

func (f *fakeChain) HeaderByNumber(_ context.Context, n uint) (*types.Header, error) {
	return blockHeader(uint64(n), f.legacy), nil
}

func (f *fakeChain) FeeHistory(context.Context, uint64, []float64) (*ethclient.FeeHistory, error) {
	return &ethclient.FeeHistory{
		BaseFee: []*big.Int{big.NewInt(9 * gwei), big.NewInt(10 * gwei)},
		Reward:  [][]*big.Int{{big.NewInt(1 * gwei)}, {big.NewInt(3 * gwei)}},
	}, nil
}

func (f *fakeChain) PastEvents(_ context.Context, fromBlock, toBlock uint, _ common.Address) ([]*contract.RelayEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans = append(f.scans, [2]uint{fromBlock, toBlock})
	events := f.events
	f.events = nil
	return events, nil
}

func (f *fakeChain) PaymasterGasAndDataLimits(context.Context, common.Address) (*contract.GasAndDataLimits, error) {
	return f.limits, nil
}

func (f *fakeChain) HubConfiguration(context.Context) (*contract.HubConfig, error) {
	return &contract.HubConfig{GasReserve: big.NewInt(100000), GasOverhead: big.NewInt(50000)}, nil
}

func (f *fakeChain) CalculateCharge(_ context.Context, gasUsed *big.Int, relayData contract.RelayData) (*big.Int, error) {
	return new(big.Int).Mul(gasUsed, relayData.MaxFeePerGas), nil
}

func (f *fakeChain) EncodeRelayCall(*contract.RelayCallParams) ([]byte, error) {
	return []byte("relayCall"), nil
}

func (f *fakeChain) SimulateRelayCall(context.Context, common.Address, uint64, *contract.RelayCallParams) (*contract.RelayCallResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simulateCalls++
	return &contract.RelayCallResult{PaymasterAccepted: f.accepted, Charge: new(big.Int)}, nil
}

// fakeTxManager records sent transactions as pending in the action store.
type fakeTxManager struct {
	mu     sync.Mutex
	repo   entity.StoredTxsRepo
	nonces map[common.Address]uint64
	sent   []*txmanager.TxDetails
}

func (m *fakeTxManager) SendTransaction(ctx context.Context, d *txmanager.TxDetails) (*txmanager.SentTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nonce := m.nonces[d.Signer]
	m.nonces[d.Signer]++
	to := d.Destination
	tx := types.NewTx(&types.LegacyTx{Nonce: nonce, To: &to, Value: d.Value, Gas: d.GasLimit, GasPrice: d.GasPrice, Data: d.Data})
	stored, err := entity.NewStoredTx(d.Signer, tx, d.Action, d.CreationBlock)
	if err != nil {
		return nil, err
	}
	if err = m.repo.Put(ctx, stored); err != nil {
		return nil, err
	}
	m.sent = append(m.sent, d)
	return &txmanager.SentTx{Hash: tx.Hash(), Tx: tx, Stored: stored}, nil
}

func (m *fakeTxManager) PollNonce(_ context.Context, signer common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonces[signer], nil
}

func (m *fakeTxManager) RemoveConfirmedTransactions(context.Context, uint) error { return nil }

func (m *fakeTxManager) PruneArchive(context.Context, uint, time.Time) error { return nil }

func (m *fakeTxManager) BoostUnderpricedPendingTransactionsForSigner(context.Context, common.Address, uint, *big.Int) ([]common.Hash, error) {
	return nil, nil
}

func (m *fakeTxManager) NonceGapFilled(ctx context.Context, signer common.Address, fromNonce, toNonce uint64) (map[uint64][]byte, error) {
	txs, err := m.repo.GetBySignerAndNonceRange(ctx, signer, fromNonce, toNonce)
	if err != nil {
		return nil, err
	}
	res := make(map[uint64][]byte)
	for _, tx := range txs {
		res[tx.Nonce] = tx.RawTx
	}
	return res, nil
}

func (m *fakeTxManager) actions() []entity.ServerAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []entity.ServerAction
	for _, d := range m.sent {
		res = append(res, d.Action)
	}
	return res
}

type staticPricer struct{}

func (staticPricer) GasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(20 * gwei), nil
}

type testEnv struct {
	cfg    *config.RelayConfig
	chain  *fakeChain
	txm    *fakeTxManager
	server *relay.Server
	sleeps []time.Duration
}

func wei(v *big.Int) *math.HexOrDecimal256 {
	return (*math.HexOrDecimal256)(v)
}

func newTestEnv(t *testing.T, setup func(cfg *config.RelayConfig, chain *fakeChain)) *testEnv {
	t.Helper()
	return newTestEnvWithCursors(t, setup, memory.NewLogsCursorsRepo())
}

func newTestEnvWithCursors(t *testing.T, setup func(cfg *config.RelayConfig, chain *fakeChain), cursors entity.LogsCursorsRepo) *testEnv {
	t.Helper()

	cfg := &config.RelayConfig{
		URL:                                   relayURL,
		RelayHubAddress:                       hub,
		OwnerAddress:                          owner,
		DomainSeparatorName:                   "GSN Relayed Transaction",
		WorkerMinBalance:                      wei(fraction(1, 10)),
		WorkerTargetBalance:                   wei(fraction(3, 10)),
		ManagerMinBalance:                     wei(fraction(1, 10)),
		ManagerTargetBalance:                  wei(fraction(3, 10)),
		ManagerMinStake:                       wei(big.NewInt(1)),
		MinHubWithdrawalBalance:               wei(fraction(1, 10)),
		RefreshStateTimeoutBlocks:             5,
		RecentActionAvoidRepeatDistanceBlocks: 10,
		DefaultGasLimit:                       500000,
		GasPriceFactor:                        1,
		BaseFeeBlocks:                         5,
		BaseFeePercentile:                     50,
		DefaultPriorityFee:                    wei(big.NewInt(gwei)),
		MaxMaxFeePerGas:                       wei(big.NewInt(500 * gwei)),
		BlockGasLimitPercent:                  75,
		MaxAcceptanceBudget:                   285252,
		RequestMinValidDuration:               12 * time.Hour,
		AlertedDelay:                          120 * time.Second,
		MinAlertedDelay:                       time.Second,
		MaxAlertedDelay:                       10 * time.Second,
	}
	chain := newFakeChain()
	if setup != nil {
		setup(cfg, chain)
	}
	repo := memory.NewStoredTxsRepo()
	txm := &fakeTxManager{repo: repo, nonces: make(map[common.Address]uint64)}
	reg := registration.NewManager(logging.Discard(), cfg, chain, txm, staticPricer{}, repo, manager, []common.Address{worker})
	env := &testEnv{cfg: cfg, chain: chain, txm: txm}
	env.server = relay.NewServer(logging.Discard(), cfg, big.NewInt(1337), chain, txm, reg, staticPricer{}, repo, cursors, manager, []common.Address{worker},
		relay.WithClock(func() time.Time { return time.Unix(startTime, 0) }),
		relay.WithSleep(func(_ context.Context, d time.Duration) { env.sleeps = append(env.sleeps, d) }),
	)
	require.NoError(t, env.server.Init(context.Background()))
	return env
}

func (e *testEnv) tick(t *testing.T, block uint64) []common.Hash {
	t.Helper()
	hashes, err := e.server.Worker(context.Background(), blockHeader(block, e.chain.legacy))
	require.NoError(t, err)
	return hashes
}

func validRequest() *relay.RelayTransactionRequest {
	return &relay.RelayTransactionRequest{
		RelayRequest: relay.RelayRequest{
			Request: relay.ForwardRequest{
				From:           common.HexToAddress("0x00000000000000000000000000000000000000e1"),
				To:             recipient,
				Value:          wei(new(big.Int)),
				Gas:            wei(big.NewInt(100000)),
				Nonce:          wei(big.NewInt(0)),
				Data:           hexutil.Bytes{0x01, 0x02},
				ValidUntilTime: wei(big.NewInt(startTime + 24*3600)),
			},
			RelayData: relay.RelayData{
				MaxFeePerGas:               wei(big.NewInt(20 * gwei)),
				MaxPriorityFeePerGas:       wei(big.NewInt(2 * gwei)),
				TransactionCalldataGasUsed: wei(big.NewInt(1000)),
				RelayWorker:                worker,
				Paymaster:                  paymaster,
				ClientID:                   wei(big.NewInt(1)),
			},
		},
		Metadata: relay.RelayMetadata{
			RelayHubAddress: hub,
			Signature:       hexutil.Bytes{0xaa},
			RelayMaxNonce:   10,
		},
	}
}

func requireRejection(t *testing.T, err error, contains string) {
	t.Helper()
	var rejection *relay.RejectionError
	require.True(t, errors.As(err, &rejection), "expected rejection, got %v", err)
	require.Contains(t, rejection.Reason, contains)
}

func TestWorkerBecomesReady(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	require.False(t, env.server.IsReady())

	hashes := env.tick(t, startBlock)
	require.Empty(t, hashes)
	require.True(t, env.server.IsReady())

	fees := env.server.GasFees()
	require.Equal(t, big.NewInt(2*gwei), fees.MinMaxPriorityFeePerGas)
	require.Equal(t, big.NewInt(10*gwei), fees.MinMaxFeePerGas)

	stats, err := env.server.Stats(context.Background())
	require.NoError(t, err)
	require.True(t, stats.Ready)
	require.Equal(t, uint(1), stats.Transitions)
	require.Equal(t, uint(startBlock), stats.LastScannedBlock)

	info := env.server.Info()
	require.Equal(t, worker, info.RelayWorkerAddress)
	require.True(t, info.Ready)
}

func TestWorkerSkipsOldAndEarlyBlocks(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.tick(t, startBlock)

	env.chain.setBalance(worker, new(big.Int))
	env.tick(t, startBlock)
	env.tick(t, startBlock+4)
	require.True(t, env.server.IsReady(), "refresh is not due yet")

	env.tick(t, startBlock+5)
	require.False(t, env.server.IsReady())
}

func TestWorkerNotReadyOnLowBalance(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(_ *config.RelayConfig, chain *fakeChain) {
		chain.balances[worker] = fraction(1, 100)
	})
	env.tick(t, startBlock)
	require.False(t, env.server.IsReady())
	require.Empty(t, env.txm.sent, "short circuits before replenishing")

	_, err := env.server.CreateRelayTransaction(context.Background(), validRequest())
	require.ErrorIs(t, err, relay.ErrNotReady)
}

func TestWorkerNotReadyWhenNotRegistered(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(_ *config.RelayConfig, chain *fakeChain) {
		chain.relayInfo = nil
	})
	hashes := env.tick(t, startBlock)
	require.Equal(t, []entity.ServerAction{entity.ActionRegisterServer}, env.txm.actions())
	require.Len(t, hashes, 1)
	require.False(t, env.server.IsReady())
}

func TestReplenishWithdrawsFromHubFirst(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(_ *config.RelayConfig, chain *fakeChain) {
		chain.balances[manager] = fraction(5, 100)
		chain.balances[worker] = fraction(6, 100)
		chain.hubBalances[manager] = new(big.Int).Set(ether)
	})
	hashes := env.tick(t, startBlock)
	require.Len(t, hashes, 2)
	require.Equal(t, []entity.ServerAction{entity.ActionDepositWithdrawal, entity.ActionValueTransfer}, env.txm.actions())
	require.Equal(t, hub, env.txm.sent[0].Destination)
	require.Equal(t, worker, env.txm.sent[1].Destination)
	require.Equal(t, fraction(24, 100), env.txm.sent[1].Value)

	// both actions are pending now
	env.tick(t, startBlock+5)
	require.Len(t, env.txm.sent, 2)
}

func TestConcurrentRelaysReplenishOnce(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.tick(t, startBlock)
	require.True(t, env.server.IsReady())

	// below the minimum but still above the readiness floor
	env.chain.setBalance(worker, fraction(6, 100))
	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.server.CreateRelayTransaction(context.Background(), validRequest())
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	var transfers int
	for _, action := range env.txm.actions() {
		if action == entity.ActionValueTransfer {
			transfers++
		}
	}
	require.Equal(t, 1, transfers)
}

func TestReplenishFromManagerBalance(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(_ *config.RelayConfig, chain *fakeChain) {
		chain.balances[worker] = fraction(6, 100)
		chain.hubBalances[manager] = new(big.Int).Set(ether)
	})
	env.tick(t, startBlock)
	require.Equal(t, []entity.ServerAction{entity.ActionValueTransfer}, env.txm.actions())
}

func TestWithdrawExcessHubBalanceToOwner(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(cfg *config.RelayConfig, chain *fakeChain) {
		cfg.WithdrawToOwnerOnBalance = wei(new(big.Int).Set(ether))
		chain.hubBalances[manager] = fraction(2, 1)
	})
	env.tick(t, startBlock)
	require.Equal(t, []entity.ServerAction{entity.ActionDepositWithdrawal}, env.txm.actions())
}

func TestCreateRelayTransaction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.tick(t, startBlock)

	res, err := env.server.CreateRelayTransaction(ctx, validRequest())
	require.NoError(t, err)
	require.NotEmpty(t, res.SignedTx)
	require.Empty(t, res.NonceGapFilled)
	require.Equal(t, 1, env.chain.simulateCalls)
	require.Equal(t, []entity.ServerAction{entity.ActionRelayCall}, env.txm.actions())

	sent := env.txm.sent[0]
	require.Equal(t, worker, sent.Signer)
	require.Equal(t, hub, sent.Destination)
	require.Equal(t, uint64(100000+50000+1000+100000+100000+110000), sent.GasLimit)
	require.Equal(t, big.NewInt(20*gwei), sent.GasPrice)
	require.Equal(t, big.NewInt(2*gwei), sent.MaxPriorityFeePerGas)
	require.Empty(t, env.sleeps)
}

func TestMaxFeeFloorIsBaseFee(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.tick(t, startBlock)

	// above the base fee but below base fee plus the minimum tip
	req := validRequest()
	req.RelayRequest.RelayData.MaxFeePerGas = wei(big.NewInt(11 * gwei))
	_, err := env.server.CreateRelayTransaction(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(11*gwei), env.txm.sent[0].GasPrice)

	req = validRequest()
	req.RelayRequest.RelayData.MaxFeePerGas = wei(big.NewInt(10*gwei - 1))
	_, err = env.server.CreateRelayTransaction(context.Background(), req)
	requireRejection(t, err, "too low")
}

func TestCreateRelayTransactionFillsNonceGap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.tick(t, startBlock)

	for i := 0; i < 3; i++ {
		_, err := env.server.CreateRelayTransaction(ctx, validRequest())
		require.NoError(t, err)
	}
	req := validRequest()
	req.Metadata.RelayLastKnownNonce = 0
	res, err := env.server.CreateRelayTransaction(ctx, req)
	require.NoError(t, err)
	require.Len(t, res.NonceGapFilled, 2)
	require.Contains(t, res.NonceGapFilled, uint64(1))
	require.Contains(t, res.NonceGapFilled, uint64(2))
}

func TestCreateRelayTransactionRejections(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		Name        string
		Modify      func(req *relay.RelayTransactionRequest)
		WorkerNonce uint64
		Reason      string
	}{
		{
			Name:   "Max fee too low",
			Modify: func(req *relay.RelayTransactionRequest) { req.RelayRequest.RelayData.MaxFeePerGas = wei(big.NewInt(9 * gwei)) },
			Reason: "maxFeePerGas given 9000000000 too low",
		},
		{
			Name:   "Priority fee too low",
			Modify: func(req *relay.RelayTransactionRequest) { req.RelayRequest.RelayData.MaxPriorityFeePerGas = wei(big.NewInt(1)) },
			Reason: "priorityFee given 1 too low",
		},
		{
			Name:   "Max fee too high",
			Modify: func(req *relay.RelayTransactionRequest) { req.RelayRequest.RelayData.MaxFeePerGas = wei(big.NewInt(501 * gwei)) },
			Reason: "too high",
		},
		{
			Name:   "Priority fee above max fee",
			Modify: func(req *relay.RelayTransactionRequest) { req.RelayRequest.RelayData.MaxPriorityFeePerGas = wei(big.NewInt(30 * gwei)) },
			Reason: "must be greater than or equal",
		},
		{
			Name:   "Wrong hub",
			Modify: func(req *relay.RelayTransactionRequest) { req.Metadata.RelayHubAddress = common.HexToAddress("0x01") },
			Reason: "wrong hub address",
		},
		{
			Name:   "Wrong worker",
			Modify: func(req *relay.RelayTransactionRequest) { req.RelayRequest.RelayData.RelayWorker = common.HexToAddress("0x01") },
			Reason: "wrong worker address",
		},
		{
			Name:   "Expiring request",
			Modify: func(req *relay.RelayTransactionRequest) { req.RelayRequest.Request.ValidUntilTime = wei(big.NewInt(startTime + 3600)) },
			Reason: "too close to expiration",
		},
		{
			Name:        "Max nonce too low",
			Modify:      func(req *relay.RelayTransactionRequest) { req.Metadata.RelayMaxNonce = 0 },
			WorkerNonce: 1,
			Reason:      "unacceptable relayMaxNonce",
		},
		{
			Name:   "Calldata gas underpaid",
			Modify: func(req *relay.RelayTransactionRequest) { req.RelayRequest.RelayData.TransactionCalldataGasUsed = wei(big.NewInt(10)) },
			Reason: "calldata cost",
		},
		{
			Name:   "Gas limit above block share",
			Modify: func(req *relay.RelayTransactionRequest) { req.RelayRequest.Request.Gas = wei(big.NewInt(30_000_000)) },
			Reason: "exceeds the allowed maximum",
		},
		{
			Name:   "Blacklisted recipient",
			Modify: func(req *relay.RelayTransactionRequest) { req.RelayRequest.Request.To = common.HexToAddress("0xbad") },
			Reason: "recipient",
		},
	} {
		test := test
		t.Run(test.Name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, func(cfg *config.RelayConfig, _ *fakeChain) {
				cfg.BlacklistedRecipients = []common.Address{common.HexToAddress("0xbad")}
			})
			env.tick(t, startBlock)
			env.txm.nonces[worker] = test.WorkerNonce

			req := validRequest()
			test.Modify(req)
			_, err := env.server.CreateRelayTransaction(context.Background(), req)
			requireRejection(t, err, test.Reason)
			require.True(t, relay.IsRejection(err))
			require.Empty(t, env.txm.sent)
		})
	}
}

func TestUntrustedAcceptanceBudgetRejectedBeforeSimulation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, func(_ *config.RelayConfig, chain *fakeChain) {
		chain.limits.AcceptanceBudget = big.NewInt(300000)
	})
	env.tick(t, startBlock)

	_, err := env.server.CreateRelayTransaction(ctx, validRequest())
	requireRejection(t, err, "acceptance budget too high")
	require.Zero(t, env.chain.simulateCalls)
	require.Empty(t, env.txm.sent)

	env.cfg.TrustedPaymasters = []common.Address{paymaster}
	_, err = env.server.CreateRelayTransaction(ctx, validRequest())
	require.NoError(t, err)
	require.Equal(t, 1, env.chain.simulateCalls)
}

func TestPaymasterRejectionInViewCall(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(_ *config.RelayConfig, chain *fakeChain) {
		chain.accepted = false
	})
	env.tick(t, startBlock)

	_, err := env.server.CreateRelayTransaction(context.Background(), validRequest())
	requireRejection(t, err, "paymaster rejected")
	require.Empty(t, env.txm.sent)
}

func TestPaymasterBalanceTooLow(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(_ *config.RelayConfig, chain *fakeChain) {
		chain.hubBalances[paymaster] = big.NewInt(1)
	})
	env.tick(t, startBlock)

	_, err := env.server.CreateRelayTransaction(context.Background(), validRequest())
	requireRejection(t, err, "paymaster balance too low")
	require.Zero(t, env.chain.simulateCalls)
}

func TestLegacyFeeMode(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(_ *config.RelayConfig, chain *fakeChain) {
		chain.legacy = true
	})
	env.tick(t, startBlock)
	require.Equal(t, big.NewInt(20*gwei), env.server.GasFees().MinMaxFeePerGas)

	_, err := env.server.CreateRelayTransaction(context.Background(), validRequest())
	requireRejection(t, err, "must be equal")

	req := validRequest()
	req.RelayRequest.RelayData.MaxPriorityFeePerGas = wei(big.NewInt(20 * gwei))
	_, err = env.server.CreateRelayTransaction(context.Background(), req)
	require.NoError(t, err)
	require.Nil(t, env.txm.sent[0].MaxPriorityFeePerGas)
}

func TestAlertThrottlesRequests(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.chain.events = []*contract.RelayEvent{{
		Kind:         contract.EventTransactionRejectedByPaymaster,
		Log:          types.Log{BlockNumber: startBlock},
		RelayManager: manager,
		Paymaster:    paymaster,
	}}
	env.tick(t, startBlock)

	stats, err := env.server.Stats(ctx)
	require.NoError(t, err)
	require.True(t, stats.Alerted)

	_, err = env.server.CreateRelayTransaction(ctx, validRequest())
	require.NoError(t, err)
	require.Len(t, env.sleeps, 1)
	require.GreaterOrEqual(t, env.sleeps[0], time.Second)
	require.LessOrEqual(t, env.sleeps[0], 10*time.Second)

	// 5 blocks are 60 seconds, the alert lasts 120 seconds
	env.tick(t, startBlock+5)
	stats, err = env.server.Stats(ctx)
	require.NoError(t, err)
	require.True(t, stats.Alerted)

	// block 110 is exactly 120 seconds later
	env.tick(t, startBlock+10)
	stats, err = env.server.Stats(ctx)
	require.NoError(t, err)
	require.False(t, stats.Alerted)
}

func TestScanResumesFromPersistedCursor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cursors := memory.NewLogsCursorsRepo()

	first := newTestEnvWithCursors(t, nil, cursors)
	first.tick(t, startBlock)
	require.Equal(t, [][2]uint{{startBlock, startBlock}}, first.chain.scans)
	cursor, err := cursors.GetByChainIDAndAddress(ctx, "1337", hub)
	require.NoError(t, err)
	require.Equal(t, uint(startBlock), cursor.LastProcessedBlock)

	second := newTestEnvWithCursors(t, func(_ *config.RelayConfig, chain *fakeChain) {
		chain.head = startBlock + 20
	}, cursors)
	second.tick(t, startBlock+20)
	require.Equal(t, [][2]uint{{startBlock + 1, startBlock + 20}}, second.chain.scans)
}

func TestCursorHeldBeforeDelayedEvent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cursors := memory.NewLogsCursorsRepo()

	first := newTestEnvWithCursors(t, nil, cursors)
	first.chain.events = []*contract.RelayEvent{{
		Kind:         contract.EventHubUnauthorized,
		Log:          types.Log{BlockNumber: startBlock + 1, TxHash: common.HexToHash("0x01")},
		RelayManager: manager,
		RelayHub:     hub,
		RemovalTime:  big.NewInt(startTime + 1_000_000),
	}}
	first.tick(t, startBlock+2)
	first.tick(t, startBlock+10)
	require.Len(t, first.chain.scans, 2)

	cursor, err := cursors.GetByChainIDAndAddress(ctx, "1337", hub)
	require.NoError(t, err)
	require.Equal(t, uint(startBlock), cursor.LastProcessedBlock, "the unauthorization is still queued")

	second := newTestEnvWithCursors(t, func(_ *config.RelayConfig, chain *fakeChain) {
		chain.head = startBlock + 20
	}, cursors)
	second.tick(t, startBlock+20)
	require.Equal(t, [][2]uint{{startBlock + 1, startBlock + 20}}, second.chain.scans)
}
