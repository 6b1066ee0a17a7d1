package registration

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/omni/relay-server/config"
	"github.com/omni/relay-server/contract"
	"github.com/omni/relay-server/entity"
	"github.com/omni/relay-server/logging"
	"github.com/omni/relay-server/txmanager"
)

const valueTransferGasLimit = 21000

type ChainInteractor interface {
	HubAddress() common.Address
	StakeManagerAddress() common.Address
	RegistrarAddress() common.Address
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
	StakeInfo(ctx context.Context, manager common.Address) (*contract.StakeInfo, bool, error)
	IsRelayManagerStakedOnHub(ctx context.Context, manager common.Address) (bool, error)
	WorkerManager(ctx context.Context, worker common.Address) (common.Address, error)
	RelayInfo(ctx context.Context, manager common.Address) (*contract.RelayInfo, error)
	HubBalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)
	EncodeSetRelayManagerOwner(owner common.Address) ([]byte, error)
	EncodeAddRelayWorkers(workers []common.Address) ([]byte, error)
	EncodeRegisterRelayServer(url string) ([]byte, error)
	EncodeWithdraw(dest common.Address, amount *big.Int) ([]byte, error)
}

type TxSender interface {
	SendTransaction(ctx context.Context, d *txmanager.TxDetails) (*txmanager.SentTx, error)
}

// Manager keeps the on-chain registration of the relay manager in line with its config.
// All methods are expected to be called from the block loop only.
type Manager struct {
	logger  logging.Logger
	cfg     *config.RelayConfig
	chain   ChainInteractor
	sender  TxSender
	pricer  txmanager.GasPricer
	repo    entity.StoredTxsRepo
	manager common.Address
	workers []common.Address

	state   State
	balance *AmountRequirement
	stake   *AmountRequirement
	delayed delayedQueue
}

func NewManager(
	logger logging.Logger,
	cfg *config.RelayConfig,
	chain ChainInteractor,
	sender TxSender,
	pricer txmanager.GasPricer,
	repo entity.StoredTxsRepo,
	manager common.Address,
	workers []common.Address,
) *Manager {
	return &Manager{
		logger:  logger,
		cfg:     cfg,
		chain:   chain,
		sender:  sender,
		pricer:  pricer,
		repo:    repo,
		manager: manager,
		workers: workers,
		balance: NewAmountRequirement("balance", config.Wei(cfg.ManagerMinBalance)),
		stake:   NewAmountRequirement("stake", config.Wei(cfg.ManagerMinStake)),
	}
}

// Init loads the initial balance, stake and registration record.
func (m *Manager) Init(ctx context.Context) error {
	if err := m.RefreshBalance(ctx); err != nil {
		return err
	}
	if err := m.RefreshStake(ctx); err != nil {
		return err
	}
	return m.refreshRelayInfo(ctx)
}

func (m *Manager) State() State {
	return m.state
}

func (m *Manager) Balance() *AmountRequirement {
	return m.balance
}

func (m *Manager) Stake() *AmountRequirement {
	return m.stake
}

func (m *Manager) PendingDelayedEvents() int {
	return m.delayed.Len()
}

// OldestDelayedEventBlock is the block of the oldest event still waiting for its removal time.
// The queue lives in memory, so the persisted scan cursor must not move past it.
func (m *Manager) OldestDelayedEventBlock() (uint, bool) {
	return m.delayed.OldestBlock()
}

func (m *Manager) RefreshBalance(ctx context.Context) error {
	balance, err := m.chain.BalanceAt(ctx, m.manager)
	if err != nil {
		return fmt.Errorf("can't get manager balance: %w", err)
	}
	m.apply(m.balance.SetCurrent(balance))
	return nil
}

func (m *Manager) RefreshStake(ctx context.Context) error {
	info, authorized, err := m.chain.StakeInfo(ctx, m.manager)
	if err != nil {
		return fmt.Errorf("can't get stake info: %w", err)
	}
	stake := info.Stake
	if stake == nil {
		stake = new(big.Int)
	}
	m.apply(m.stake.SetCurrent(stake))
	m.apply(m.state.SetHubAuthorized(authorized))
	m.apply(m.state.SetStakeLocked(info.WithdrawTime == nil || info.WithdrawTime.Sign() == 0))
	m.apply(m.state.SetOwnerSet(info.Owner == m.cfg.OwnerAddress))
	return nil
}

func (m *Manager) refreshRelayInfo(ctx context.Context) error {
	info, err := m.chain.RelayInfo(ctx, m.manager)
	if err != nil {
		return fmt.Errorf("can't get relay registration: %w", err)
	}
	m.state.RelayInfo = info
	return nil
}

// IsRegistered reports whether the relay is staked, authorized and registered under its url.
func (m *Manager) IsRegistered(ctx context.Context) (bool, error) {
	if err := m.refreshRelayInfo(ctx); err != nil {
		return false, err
	}
	return m.stake.IsSatisfied() && m.state.StakeLocked && m.state.HubAuthorized && m.isRegistrationCorrect(), nil
}

func (m *Manager) isRegistrationCorrect() bool {
	info := m.state.RelayInfo
	return info != nil && info.RelayManager == m.manager && info.URL() == m.cfg.URL
}

// HandlePastEvents folds the events seen since the last scan into the registration state
// and emits whatever transactions are needed to restore a correct registration.
func (m *Manager) HandlePastEvents(ctx context.Context, events []*contract.RelayEvent, currentBlock *types.Header, forceRegistration bool) ([]common.Hash, error) {
	blockNumber := uint(currentBlock.Number.Uint64())
	var hashes []common.Hash

	if !m.state.OwnerSet && m.balance.IsSatisfied() {
		hash, err := m.setOwner(ctx, blockNumber)
		if err != nil {
			return hashes, err
		}
		hashes = appendHash(hashes, hash)
	}

	for _, event := range events {
		eventHashes, err := m.handleEvent(ctx, event, blockNumber)
		hashes = append(hashes, eventHashes...)
		if err != nil {
			return hashes, err
		}
	}

	for _, delayed := range m.delayed.PopDue(currentBlock.Time) {
		m.logger.WithFields(logrus.Fields{
			"event":        delayed.Event.Kind,
			"removal_time": delayed.Time,
			"block_time":   currentBlock.Time,
		}).Info("processing delayed event")
		if delayed.Event.Kind == contract.EventHubUnauthorized {
			withdrawn, err := m.withdrawAll(ctx, false, blockNumber)
			hashes = append(hashes, withdrawn...)
			if err != nil {
				return hashes, err
			}
		}
	}
	DelayedEvents.Set(float64(m.delayed.Len()))

	if err := m.refreshRelayInfo(ctx); err != nil {
		return hashes, err
	}
	pending, err := m.isActionPending(ctx, entity.ActionRegisterServer, blockNumber, nil)
	if err != nil {
		return hashes, err
	}
	if !pending && (forceRegistration || !m.isRegistrationCorrect()) {
		registered, err2 := m.attemptRegistration(ctx, blockNumber)
		hashes = append(hashes, registered...)
		if err2 != nil {
			return hashes, err2
		}
	} else if pending && !m.isRegistrationCorrect() {
		SkippedActions.WithLabelValues(string(entity.ActionRegisterServer)).Inc()
		m.logger.Debug("registration transaction is pending or recently mined, skipping")
	}
	return hashes, nil
}

func (m *Manager) handleEvent(ctx context.Context, event *contract.RelayEvent, blockNumber uint) ([]common.Hash, error) {
	logger := m.logger.WithFields(logrus.Fields{
		"event":        event.Kind,
		"block_number": event.BlockNumber(),
		"tx_hash":      event.Log.TxHash,
	})
	hub := m.chain.HubAddress()

	switch event.Kind {
	case contract.EventHubAuthorized:
		if event.RelayHub == hub {
			logger.Info("relay hub authorized")
			m.apply(m.state.SetHubAuthorized(true))
		}
	case contract.EventHubUnauthorized:
		if event.RelayHub == hub {
			logger.WithField("removal_time", event.RemovalTime).Warn("relay hub unauthorized, delaying fund withdrawal")
			m.apply(m.state.SetHubAuthorized(false))
			if !m.delayed.Push(DelayedEvent{Time: event.RemovalTime.Uint64(), Event: event}) {
				logger.Debug("unauthorization is already queued")
			}
		}
	case contract.EventOwnerSet, contract.EventStakeAdded, contract.EventStakeUnlocked:
		logger.Info("stake changed, refreshing")
		return nil, m.RefreshStake(ctx)
	case contract.EventStakeWithdrawn:
		logger.Warn("stake withdrawn, withdrawing all funds")
		if err := m.RefreshStake(ctx); err != nil {
			return nil, err
		}
		return m.withdrawAll(ctx, true, blockNumber)
	case contract.EventRelayServerRegistered:
		logger.WithField("url", event.URL).Info("relay server registered")
	case contract.EventRelayWorkersAdded:
		logger.WithField("workers", event.Workers).Info("relay workers added")
	case contract.EventTransactionRejectedByPaymaster, contract.EventTransactionRelayed, contract.EventWithdrawn, contract.EventUnknown:
	}
	return nil, nil
}

func (m *Manager) setOwner(ctx context.Context, blockNumber uint) (common.Hash, error) {
	pending, err := m.isActionPending(ctx, entity.ActionSetOwner, blockNumber, nil)
	if err != nil || pending {
		return common.Hash{}, err
	}
	data, err := m.chain.EncodeSetRelayManagerOwner(m.cfg.OwnerAddress)
	if err != nil {
		return common.Hash{}, err
	}
	m.logger.WithField("owner", m.cfg.OwnerAddress).Info("setting relay manager owner")
	return m.send(ctx, &txmanager.TxDetails{
		Signer:        m.manager,
		Destination:   m.chain.StakeManagerAddress(),
		GasLimit:      m.cfg.DefaultGasLimit,
		Data:          data,
		Action:        entity.ActionSetOwner,
		CreationBlock: blockNumber,
	})
}

func (m *Manager) attemptRegistration(ctx context.Context, blockNumber uint) ([]common.Hash, error) {
	ready := m.state.HubAuthorized && m.state.StakeLocked && m.stake.IsSatisfied() && m.balance.IsSatisfied()
	if ready {
		staked, err := m.chain.IsRelayManagerStakedOnHub(ctx, m.manager)
		if err != nil {
			return nil, fmt.Errorf("can't verify relay manager stake: %w", err)
		}
		ready = staked
	}
	if !ready {
		m.logger.WithFields(logrus.Fields{
			"hub_authorized":    m.state.HubAuthorized,
			"stake_locked":      m.state.StakeLocked,
			"stake_satisfied":   m.stake.IsSatisfied(),
			"balance_satisfied": m.balance.IsSatisfied(),
		}).Info("registration prerequisites are not met")
		if err := m.RefreshBalance(ctx); err != nil {
			return nil, err
		}
		return nil, m.RefreshStake(ctx)
	}

	var hashes []common.Hash
	missing, err := m.missingWorkers(ctx)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		hash, err2 := m.addWorkers(ctx, missing, blockNumber)
		if err2 != nil {
			return hashes, err2
		}
		hashes = appendHash(hashes, hash)
	}

	data, err := m.chain.EncodeRegisterRelayServer(m.cfg.URL)
	if err != nil {
		return hashes, err
	}
	m.logger.WithField("url", m.cfg.URL).Info("registering relay server")
	hash, err := m.send(ctx, &txmanager.TxDetails{
		Signer:        m.manager,
		Destination:   m.chain.RegistrarAddress(),
		GasLimit:      m.cfg.DefaultGasLimit,
		Data:          data,
		Action:        entity.ActionRegisterServer,
		CreationBlock: blockNumber,
	})
	if err != nil {
		return hashes, err
	}
	return append(hashes, hash), nil
}

func (m *Manager) missingWorkers(ctx context.Context) ([]common.Address, error) {
	var missing []common.Address
	for _, worker := range m.workers {
		manager, err := m.chain.WorkerManager(ctx, worker)
		if err != nil {
			return nil, fmt.Errorf("can't get worker manager: %w", err)
		}
		if manager != m.manager {
			missing = append(missing, worker)
		}
	}
	return missing, nil
}

func (m *Manager) addWorkers(ctx context.Context, workers []common.Address, blockNumber uint) (common.Hash, error) {
	pending, err := m.isActionPending(ctx, entity.ActionAddWorker, blockNumber, nil)
	if err != nil || pending {
		return common.Hash{}, err
	}
	data, err := m.chain.EncodeAddRelayWorkers(workers)
	if err != nil {
		return common.Hash{}, err
	}
	m.logger.WithField("workers", workers).Info("adding relay workers")
	return m.send(ctx, &txmanager.TxDetails{
		Signer:        m.manager,
		Destination:   m.chain.HubAddress(),
		GasLimit:      m.cfg.DefaultGasLimit,
		Data:          data,
		Action:        entity.ActionAddWorker,
		CreationBlock: blockNumber,
	})
}

// withdrawAll sends the hub balance and the worker balances to the owner, and the manager
// balance too when withdrawManager is set.
func (m *Manager) withdrawAll(ctx context.Context, withdrawManager bool, blockNumber uint) ([]common.Hash, error) {
	gasPrice, err := m.pricer.GasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("can't get gas price: %w", err)
	}
	owner := m.cfg.OwnerAddress
	var hashes []common.Hash

	hubBalance, err := m.chain.HubBalanceOf(ctx, m.manager)
	if err != nil {
		return nil, fmt.Errorf("can't get hub balance: %w", err)
	}
	hub := m.chain.HubAddress()
	pending, err := m.isActionPending(ctx, entity.ActionDepositWithdrawal, blockNumber, &hub)
	if err != nil {
		return nil, err
	}
	gasCost := new(big.Int).Mul(new(big.Int).SetUint64(m.cfg.DefaultGasLimit), gasPrice)
	if pending {
		m.logger.Info("hub withdrawal is pending or recently mined, skipping")
	} else if hubBalance.Cmp(gasCost) >= 0 {
		data, err2 := m.chain.EncodeWithdraw(owner, hubBalance)
		if err2 != nil {
			return nil, err2
		}
		m.logger.WithField("amount", hubBalance.String()).Info("withdrawing hub balance to owner")
		hash, err2 := m.send(ctx, &txmanager.TxDetails{
			Signer:        m.manager,
			Destination:   hub,
			GasLimit:      m.cfg.DefaultGasLimit,
			GasPrice:      gasPrice,
			Data:          data,
			Action:        entity.ActionDepositWithdrawal,
			CreationBlock: blockNumber,
		})
		if err2 != nil {
			return hashes, err2
		}
		hashes = append(hashes, hash)
	} else {
		m.logger.WithFields(logrus.Fields{
			"balance":  hubBalance.String(),
			"gas_cost": gasCost.String(),
		}).Error("hub balance does not cover withdrawal gas, skipping")
	}

	signers := append([]common.Address{}, m.workers...)
	if withdrawManager {
		signers = append(signers, m.manager)
	}
	for _, signer := range signers {
		hash, err2 := m.transferAll(ctx, signer, gasPrice, blockNumber)
		if err2 != nil {
			return hashes, err2
		}
		hashes = appendHash(hashes, hash)
	}
	return hashes, nil
}

func (m *Manager) transferAll(ctx context.Context, signer common.Address, gasPrice *big.Int, blockNumber uint) (common.Hash, error) {
	owner := m.cfg.OwnerAddress
	pending, err := m.isActionPendingBy(ctx, entity.ActionValueTransfer, signer, blockNumber, &owner)
	if err != nil || pending {
		return common.Hash{}, err
	}
	balance, err := m.chain.BalanceAt(ctx, signer)
	if err != nil {
		return common.Hash{}, fmt.Errorf("can't get balance: %w", err)
	}
	gasCost := new(big.Int).Mul(big.NewInt(valueTransferGasLimit), gasPrice)
	logger := m.logger.WithFields(logrus.Fields{
		"signer":   signer,
		"balance":  balance.String(),
		"gas_cost": gasCost.String(),
	})
	if balance.Cmp(gasCost) <= 0 {
		logger.Error("balance does not cover transfer gas, skipping")
		return common.Hash{}, nil
	}
	logger.Info("transferring balance to owner")
	return m.send(ctx, &txmanager.TxDetails{
		Signer:        signer,
		Destination:   owner,
		Value:         new(big.Int).Sub(balance, gasCost),
		GasLimit:      valueTransferGasLimit,
		GasPrice:      gasPrice,
		Action:        entity.ActionValueTransfer,
		CreationBlock: blockNumber,
	})
}

// isActionPending is the duplicate guard: an action of the same kind by the manager that is
// unmined or mined within the recent distance suppresses a new one.
func (m *Manager) isActionPending(ctx context.Context, action entity.ServerAction, blockNumber uint, destination *common.Address) (bool, error) {
	return m.isActionPendingBy(ctx, action, m.manager, blockNumber, destination)
}

// isActionPendingBy applies the guard to another signer.
func (m *Manager) isActionPendingBy(ctx context.Context, action entity.ServerAction, signer common.Address, blockNumber uint, destination *common.Address) (bool, error) {
	pending, err := m.repo.IsActionPendingOrRecentlyMined(ctx, entity.RecentAction(action, signer, destination, blockNumber, m.cfg.RecentActionAvoidRepeatDistanceBlocks))
	if err != nil {
		return false, fmt.Errorf("can't check pending %s actions: %w", action, err)
	}
	if pending && action != entity.ActionRegisterServer {
		SkippedActions.WithLabelValues(string(action)).Inc()
	}
	return pending, nil
}

func (m *Manager) send(ctx context.Context, d *txmanager.TxDetails) (common.Hash, error) {
	sent, err := m.sender.SendTransaction(ctx, d)
	if err != nil {
		return common.Hash{}, fmt.Errorf("can't send %s transaction: %w", d.Action, err)
	}
	return sent.Hash, nil
}

func (m *Manager) apply(transitions []Transition) {
	for _, t := range transitions {
		value := 0.0
		if t.Value {
			value = 1
		}
		RegistrationFacts.WithLabelValues(t.Fact).Set(value)
		m.logger.WithFields(t.Fields).WithField(t.Fact, t.Value).Info("registration fact changed")
	}
}

func appendHash(hashes []common.Hash, hash common.Hash) []common.Hash {
	if hash == (common.Hash{}) {
		return hashes
	}
	return append(hashes, hash)
}
