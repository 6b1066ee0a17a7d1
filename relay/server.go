package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/omni/relay-server/config"
	"github.com/omni/relay-server/contract"
	"github.com/omni/relay-server/db"
	"github.com/omni/relay-server/entity"
	"github.com/omni/relay-server/ethclient"
	"github.com/omni/relay-server/logging"
	"github.com/omni/relay-server/registration"
	"github.com/omni/relay-server/txmanager"
	"github.com/omni/relay-server/utils"
)

const version = "3.0.0"

type ChainInteractor interface {
	registration.ChainInteractor
	Init(ctx context.Context) error
	LatestHeader(ctx context.Context) (*types.Header, error)
	HeaderByNumber(ctx context.Context, n uint) (*types.Header, error)
	FeeHistory(ctx context.Context, blockCount uint64, rewardPercentiles []float64) (*ethclient.FeeHistory, error)
	PastEvents(ctx context.Context, fromBlock, toBlock uint, manager common.Address) ([]*contract.RelayEvent, error)
	PaymasterGasAndDataLimits(ctx context.Context, paymaster common.Address) (*contract.GasAndDataLimits, error)
	HubConfiguration(ctx context.Context) (*contract.HubConfig, error)
	CalculateCharge(ctx context.Context, gasUsed *big.Int, relayData contract.RelayData) (*big.Int, error)
	EncodeRelayCall(p *contract.RelayCallParams) ([]byte, error)
	SimulateRelayCall(ctx context.Context, worker common.Address, gasLimit uint64, p *contract.RelayCallParams) (*contract.RelayCallResult, error)
}

type TxManager interface {
	SendTransaction(ctx context.Context, d *txmanager.TxDetails) (*txmanager.SentTx, error)
	PollNonce(ctx context.Context, signer common.Address) (uint64, error)
	RemoveConfirmedTransactions(ctx context.Context, currentBlock uint) error
	PruneArchive(ctx context.Context, currentBlock uint, now time.Time) error
	BoostUnderpricedPendingTransactionsForSigner(ctx context.Context, signer common.Address, currentBlock uint, minGasPrice *big.Int) ([]common.Hash, error)
	NonceGapFilled(ctx context.Context, signer common.Address, fromNonce, toNonce uint64) (map[uint64][]byte, error)
}

type RegistrationManager interface {
	Init(ctx context.Context) error
	HandlePastEvents(ctx context.Context, events []*contract.RelayEvent, currentBlock *types.Header, forceRegistration bool) ([]common.Hash, error)
	IsRegistered(ctx context.Context) (bool, error)
	RefreshBalance(ctx context.Context) error
	Balance() *registration.AmountRequirement
	OldestDelayedEventBlock() (uint, bool)
}

type Option func(s *Server)

// WithClock replaces the wall clock used for readiness accounting and request expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// WithSleep replaces the throttling delay applied to requests while alerted.
func WithSleep(sleep func(ctx context.Context, d time.Duration)) Option {
	return func(s *Server) {
		s.sleep = sleep
	}
}

// Server is the relay orchestrator. Worker is driven by a single block loop, while
// CreateRelayTransaction may run concurrently and only reads published snapshots.
type Server struct {
	logger     logging.Logger
	cfg        *config.RelayConfig
	chainID    *big.Int
	chain      ChainInteractor
	txm        TxManager
	reg        RegistrationManager
	pricer     txmanager.GasPricer
	repo       entity.StoredTxsRepo
	cursors    entity.LogsCursorsRepo
	reputation *PaymasterReputation
	manager    common.Address
	workers    []common.Address

	dynamicFees      bool
	lastScannedBlock uint
	lastRefreshBlock uint
	readiness        Readiness

	// replenishMu serializes top-ups between the block loop and relayed requests.
	replenishMu sync.Mutex

	snapshot atomic.Pointer[Readiness]
	fees     atomic.Pointer[GasFees]
	scanned  atomic.Uint64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

func NewServer(
	logger logging.Logger,
	cfg *config.RelayConfig,
	chainID *big.Int,
	chain ChainInteractor,
	txm TxManager,
	reg RegistrationManager,
	pricer txmanager.GasPricer,
	repo entity.StoredTxsRepo,
	cursors entity.LogsCursorsRepo,
	manager common.Address,
	workers []common.Address,
	opts ...Option,
) *Server {
	s := &Server{
		logger:     logger,
		cfg:        cfg,
		chainID:    chainID,
		chain:      chain,
		txm:        txm,
		reg:        reg,
		pricer:     pricer,
		repo:       repo,
		cursors:    cursors,
		reputation: NewPaymasterReputation(),
		manager:    manager,
		workers:    workers,
		now:        time.Now,
		sleep: func(ctx context.Context, d time.Duration) {
			utils.ContextSleep(ctx, d)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.readiness = NewReadiness(s.now())
	s.publish()
	return s
}

// Init fails when the hub is not deployed, then loads the registration state and gas fees.
func (s *Server) Init(ctx context.Context) error {
	if err := s.chain.Init(ctx); err != nil {
		return err
	}
	header, err := s.chain.LatestHeader(ctx)
	if err != nil {
		return fmt.Errorf("can't get latest block: %w", err)
	}
	s.dynamicFees = header.BaseFee != nil
	if err = s.reg.Init(ctx); err != nil {
		return fmt.Errorf("can't init registration state: %w", err)
	}
	if err = s.initScanCursor(ctx, uint(header.Number.Uint64())); err != nil {
		return err
	}
	if err = s.refreshGasFees(ctx); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"relay_hub":    s.chain.HubAddress(),
		"manager":      s.manager,
		"workers":      s.workers,
		"dynamic_fees": s.dynamicFees,
		"start_block":  header.Number,
		"scan_from":    s.lastScannedBlock + 1,
	}).Info("relay server initialized")
	return nil
}

// initScanCursor resumes the event scan after the persisted cursor, or from head when there is none.
func (s *Server) initScanCursor(ctx context.Context, head uint) error {
	cursor, err := s.cursors.GetByChainIDAndAddress(ctx, s.chainID.String(), s.chain.HubAddress())
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("can't load logs cursor: %w", err)
	}
	switch {
	case cursor != nil && cursor.LastProcessedBlock < head:
		s.lastScannedBlock = cursor.LastProcessedBlock
	case head > 0:
		s.lastScannedBlock = head - 1
	}
	return nil
}

// saveScanCursor persists block as processed, held back before any event still waiting in
// the in-memory delayed queue so that a restart sees it again.
func (s *Server) saveScanCursor(ctx context.Context, block uint) error {
	if oldest, ok := s.reg.OldestDelayedEventBlock(); ok && oldest <= block && oldest > 0 {
		block = oldest - 1
	}
	err := s.cursors.Ensure(ctx, &entity.LogsCursor{
		ChainID:            s.chainID.String(),
		Address:            s.chain.HubAddress(),
		LastProcessedBlock: block,
	})
	if err != nil {
		return fmt.Errorf("can't save logs cursor: %w", err)
	}
	return nil
}

// Start polls for new blocks until ctx is cancelled. Only inconsistencies that make further
// signing unsafe are returned, other failures are retried on the next block.
func (s *Server) Start(ctx context.Context, pollInterval time.Duration) error {
	for {
		header, err := s.chain.LatestHeader(ctx)
		if err != nil {
			s.logger.WithError(err).Error("can't get latest block")
		} else {
			hashes, err2 := s.Worker(ctx, header)
			if errors.Is(err2, txmanager.ErrTxHashMismatch) {
				return err2
			}
			if err2 != nil {
				s.logger.WithError(err2).WithField("block_number", header.Number).Error("block processing failed")
			} else if len(hashes) > 0 {
				s.logger.WithFields(logrus.Fields{
					"block_number": header.Number,
					"tx_hashes":    hashes,
				}).Info("sent transactions while processing block")
			}
		}
		if !utils.ContextSleep(ctx, pollInterval) {
			return nil
		}
	}
}

// Worker reconciles the relay state at the given block and returns the hashes of the
// transactions it sent.
func (s *Server) Worker(ctx context.Context, header *types.Header) ([]common.Hash, error) {
	block := uint(header.Number.Uint64())
	if block <= s.lastScannedBlock {
		return nil, nil
	}
	if s.readiness.Ready && block < s.lastRefreshBlock+s.cfg.RefreshStateTimeoutBlocks {
		return nil, nil
	}
	s.lastRefreshBlock = block
	blockTime := time.Unix(int64(header.Time), 0).UTC()

	hashes, err := s.withdrawToOwnerIfNeeded(ctx, block)
	if err != nil {
		return hashes, err
	}
	if err = s.refreshGasFees(ctx); err != nil {
		return hashes, err
	}
	healthy, err := s.checkBalances(ctx)
	if err != nil {
		return hashes, err
	}
	if !healthy {
		s.setReady(false)
		return hashes, nil
	}

	events, err := s.chain.PastEvents(ctx, s.lastScannedBlock+1, block, s.manager)
	if err != nil {
		return hashes, err
	}
	if err = s.handleHubEvents(ctx, events); err != nil {
		return hashes, err
	}
	registered, err := s.reg.HandlePastEvents(ctx, events, header, false)
	hashes = append(hashes, registered...)
	if err != nil {
		return hashes, err
	}
	if err = s.txm.RemoveConfirmedTransactions(ctx, block); err != nil {
		return hashes, err
	}
	if err = s.txm.PruneArchive(ctx, block, blockTime); err != nil {
		return hashes, err
	}
	boosted, err := s.boostStuckTransactions(ctx, block)
	hashes = append(hashes, boosted...)
	if err != nil {
		return hashes, err
	}
	s.lastScannedBlock = block
	s.scanned.Store(uint64(block))
	LastScannedBlock.Set(float64(block))
	if err = s.saveScanCursor(ctx, block); err != nil {
		return hashes, err
	}

	isRegistered, err := s.reg.IsRegistered(ctx)
	if err != nil {
		return hashes, err
	}
	if !isRegistered {
		s.setReady(false)
		return hashes, nil
	}
	replenished, err := s.replenishServer(ctx, block)
	hashes = append(hashes, replenished...)
	if err != nil {
		return hashes, err
	}
	healthy, err = s.checkBalances(ctx)
	if err != nil {
		return hashes, err
	}
	s.setReady(healthy)

	if next, cleared := s.readiness.WithAlertExpired(blockTime, s.cfg.AlertedDelay); cleared {
		s.readiness = next
		Alerted.Set(0)
		s.logger.Info("alert expired, relay requests are no longer throttled")
		s.publish()
	}
	return hashes, nil
}

func (s *Server) handleHubEvents(ctx context.Context, events []*contract.RelayEvent) error {
	for _, event := range events {
		switch event.Kind {
		case contract.EventTransactionRejectedByPaymaster:
			header, err := s.chain.HeaderByNumber(ctx, event.BlockNumber())
			if err != nil {
				return fmt.Errorf("can't get rejected transaction block: %w", err)
			}
			s.reputation.RecordRejected(event.Paymaster)
			s.readiness = s.readiness.WithAlert(time.Unix(int64(header.Time), 0).UTC())
			Alerted.Set(1)
			s.logger.WithFields(logrus.Fields{
				"paymaster": event.Paymaster,
				"tx_hash":   event.Log.TxHash,
				"reason":    string(event.Reason),
			}).Warn("relayed transaction rejected by paymaster, throttling relay requests")
			s.publish()
		case contract.EventTransactionRelayed:
			s.reputation.RecordRelayed(event.Paymaster)
		default:
		}
	}
	return nil
}

func (s *Server) boostStuckTransactions(ctx context.Context, block uint) ([]common.Hash, error) {
	minGasPrice := s.GasFees().MinMaxFeePerGas
	var hashes []common.Hash
	for _, signer := range append([]common.Address{s.manager}, s.workers...) {
		boosted, err := s.txm.BoostUnderpricedPendingTransactionsForSigner(ctx, signer, block, minGasPrice)
		hashes = append(hashes, boosted...)
		if err != nil {
			return hashes, err
		}
	}
	return hashes, nil
}

// checkBalances refreshes the account balances and fails when any is below half its minimum.
func (s *Server) checkBalances(ctx context.Context) (bool, error) {
	if err := s.reg.RefreshBalance(ctx); err != nil {
		return false, err
	}
	managerBalance := s.reg.Balance().Current()
	Balances.WithLabelValues("manager").Set(toFloat(managerBalance))
	healthy := true
	if managerBalance.Cmp(half(config.Wei(s.cfg.ManagerMinBalance))) < 0 {
		s.logger.WithField("balance", managerBalance.String()).Warn("manager balance is too low")
		healthy = false
	}
	for _, worker := range s.workers {
		balance, err := s.chain.BalanceAt(ctx, worker)
		if err != nil {
			return false, fmt.Errorf("can't get worker balance: %w", err)
		}
		Balances.WithLabelValues(worker.String()).Set(toFloat(balance))
		if balance.Cmp(half(config.Wei(s.cfg.WorkerMinBalance))) < 0 {
			s.logger.WithFields(logrus.Fields{
				"worker":  worker,
				"balance": balance.String(),
			}).Warn("worker balance is too low")
			healthy = false
		}
	}
	return healthy, nil
}

func (s *Server) setReady(ready bool) {
	next, changed := s.readiness.WithReady(ready, s.now())
	s.readiness = next
	if changed {
		value := 0.0
		if ready {
			value = 1
		}
		Ready.Set(value)
		ReadinessTransitions.Inc()
		s.logger.WithField("transitions", next.Transitions).Infof("relay ready state changed to %t", ready)
	}
	s.publish()
}

func (s *Server) publish() {
	snapshot := s.readiness
	s.snapshot.Store(&snapshot)
}

func (s *Server) IsReady() bool {
	return s.snapshot.Load().Ready
}

func (s *Server) GasFees() GasFees {
	fees := s.fees.Load()
	if fees == nil {
		return GasFees{MinMaxFeePerGas: new(big.Int), MinMaxPriorityFeePerGas: new(big.Int), MaxMaxFeePerGas: config.Wei(s.cfg.MaxMaxFeePerGas)}
	}
	return *fees
}

func (s *Server) Info() *PingResponse {
	fees := s.GasFees()
	return &PingResponse{
		RelayWorkerAddress:      s.workers[0],
		RelayManagerAddress:     s.manager,
		RelayHubAddress:         s.cfg.RelayHubAddress,
		OwnerAddress:            s.cfg.OwnerAddress,
		MinMaxFeePerGas:         hexOrDecimal(fees.MinMaxFeePerGas),
		MinMaxPriorityFeePerGas: hexOrDecimal(fees.MinMaxPriorityFeePerGas),
		MaxMaxFeePerGas:         hexOrDecimal(fees.MaxMaxFeePerGas),
		MaxAcceptanceBudget:     s.cfg.MaxAcceptanceBudget,
		ChainID:                 s.chainID.String(),
		NetworkID:               s.chainID.String(),
		Ready:                   s.IsReady(),
		Version:                 version,
	}
}

func (s *Server) Stats(ctx context.Context) (*Stats, error) {
	count, err := s.repo.Count(ctx)
	if err != nil {
		return nil, err
	}
	snapshot := s.snapshot.Load()
	readyTime, notReadyTime := snapshot.Durations(s.now())
	return &Stats{
		Ready:            snapshot.Ready,
		ReadyTime:        readyTime,
		NotReadyTime:     notReadyTime,
		Transitions:      snapshot.Transitions,
		Alerted:          snapshot.Alerted,
		LastScannedBlock: uint(s.scanned.Load()),
		StoredTxs:        count,
	}, nil
}

func half(v *big.Int) *big.Int {
	return new(big.Int).Rsh(v, 1)
}

func toFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
