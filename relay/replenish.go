package relay

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/omni/relay-server/config"
	"github.com/omni/relay-server/entity"
	"github.com/omni/relay-server/txmanager"
)

const valueTransferGasLimit = 21000

type workerRefill struct {
	worker common.Address
	amount *big.Int
}

// replenishServer tops up workers below their minimum from the manager, withdrawing the
// manager hub balance first when the native balance alone can't cover it.
func (s *Server) replenishServer(ctx context.Context, block uint) ([]common.Hash, error) {
	s.replenishMu.Lock()
	defer s.replenishMu.Unlock()

	managerBalance, err := s.chain.BalanceAt(ctx, s.manager)
	if err != nil {
		return nil, fmt.Errorf("can't get manager balance: %w", err)
	}
	hubBalance, err := s.chain.HubBalanceOf(ctx, s.manager)
	if err != nil {
		return nil, fmt.Errorf("can't get manager hub balance: %w", err)
	}
	Balances.WithLabelValues("manager_hub").Set(toFloat(hubBalance))

	refills, err := s.workerRefills(ctx, block)
	if err != nil {
		return nil, err
	}
	total := new(big.Int)
	for _, r := range refills {
		total.Add(total, r.amount)
	}

	managerMin := config.Wei(s.cfg.ManagerMinBalance)
	available := new(big.Int).Sub(managerBalance, managerMin)
	withdrawalPending, err := s.isActionPending(ctx, entity.ActionDepositWithdrawal, block, nil)
	if err != nil {
		return nil, err
	}
	mustWithdraw := !withdrawalPending &&
		hubBalance.Sign() > 0 &&
		hubBalance.Cmp(config.Wei(s.cfg.MinHubWithdrawalBalance)) >= 0 &&
		(managerBalance.Cmp(managerMin) < 0 ||
			(available.Cmp(total) < 0 && new(big.Int).Add(available, hubBalance).Cmp(total) >= 0))

	var hashes []common.Hash
	if mustWithdraw {
		data, err2 := s.chain.EncodeWithdraw(s.manager, hubBalance)
		if err2 != nil {
			return nil, err2
		}
		s.logger.WithFields(logrus.Fields{
			"amount":          hubBalance.String(),
			"manager_balance": managerBalance.String(),
		}).Info("withdrawing hub balance to manager")
		sent, err2 := s.txm.SendTransaction(ctx, &txmanager.TxDetails{
			Signer:        s.manager,
			Destination:   s.chain.HubAddress(),
			GasLimit:      s.cfg.DefaultGasLimit,
			Data:          data,
			Action:        entity.ActionDepositWithdrawal,
			CreationBlock: block,
		})
		if err2 != nil {
			return nil, fmt.Errorf("can't withdraw hub balance: %w", err2)
		}
		hashes = append(hashes, sent.Hash)
		available.Add(available, hubBalance)
	}

	for _, r := range refills {
		logger := s.logger.WithFields(logrus.Fields{
			"worker":    r.worker,
			"refill":    r.amount.String(),
			"available": available.String(),
		})
		if available.Cmp(r.amount) < 0 {
			logger.Error("manager balance is too low to replenish worker")
			continue
		}
		logger.Info("replenishing worker")
		sent, err2 := s.txm.SendTransaction(ctx, &txmanager.TxDetails{
			Signer:        s.manager,
			Destination:   r.worker,
			Value:         r.amount,
			GasLimit:      valueTransferGasLimit,
			Action:        entity.ActionValueTransfer,
			CreationBlock: block,
		})
		if err2 != nil {
			return hashes, fmt.Errorf("can't replenish worker: %w", err2)
		}
		hashes = append(hashes, sent.Hash)
		available.Sub(available, r.amount)
	}
	return hashes, nil
}

func (s *Server) workerRefills(ctx context.Context, block uint) ([]workerRefill, error) {
	minBalance := config.Wei(s.cfg.WorkerMinBalance)
	target := config.Wei(s.cfg.WorkerTargetBalance)
	var refills []workerRefill
	for _, worker := range s.workers {
		balance, err := s.chain.BalanceAt(ctx, worker)
		if err != nil {
			return nil, fmt.Errorf("can't get worker balance: %w", err)
		}
		if balance.Cmp(minBalance) >= 0 {
			continue
		}
		worker := worker
		pending, err := s.isActionPending(ctx, entity.ActionValueTransfer, block, &worker)
		if err != nil {
			return nil, err
		}
		amount := new(big.Int).Sub(target, balance)
		if pending || amount.Sign() <= 0 {
			continue
		}
		refills = append(refills, workerRefill{worker: worker, amount: amount})
	}
	return refills, nil
}

// withdrawToOwnerIfNeeded moves the hub balance above the configured threshold plus the
// account top-up reserve to the owner.
func (s *Server) withdrawToOwnerIfNeeded(ctx context.Context, block uint) ([]common.Hash, error) {
	threshold := config.Wei(s.cfg.WithdrawToOwnerOnBalance)
	if threshold.Sign() == 0 {
		return nil, nil
	}
	hubBalance, err := s.chain.HubBalanceOf(ctx, s.manager)
	if err != nil {
		return nil, fmt.Errorf("can't get manager hub balance: %w", err)
	}
	reserve := new(big.Int).Add(config.Wei(s.cfg.ManagerTargetBalance), config.Wei(s.cfg.WorkerTargetBalance))
	if hubBalance.Cmp(new(big.Int).Add(threshold, reserve)) < 0 {
		return nil, nil
	}
	pending, err := s.isActionPending(ctx, entity.ActionDepositWithdrawal, block, nil)
	if err != nil || pending {
		return nil, err
	}
	amount := new(big.Int).Sub(hubBalance, reserve)
	data, err := s.chain.EncodeWithdraw(s.cfg.OwnerAddress, amount)
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"amount": amount.String(),
		"owner":  s.cfg.OwnerAddress,
	}).Info("withdrawing excess hub balance to owner")
	sent, err := s.txm.SendTransaction(ctx, &txmanager.TxDetails{
		Signer:        s.manager,
		Destination:   s.chain.HubAddress(),
		GasLimit:      s.cfg.DefaultGasLimit,
		Data:          data,
		Action:        entity.ActionDepositWithdrawal,
		CreationBlock: block,
	})
	if err != nil {
		return nil, fmt.Errorf("can't withdraw to owner: %w", err)
	}
	return []common.Hash{sent.Hash}, nil
}

func (s *Server) isActionPending(ctx context.Context, action entity.ServerAction, block uint, destination *common.Address) (bool, error) {
	pending, err := s.repo.IsActionPendingOrRecentlyMined(ctx, entity.RecentAction(action, s.manager, destination, block, s.cfg.RecentActionAvoidRepeatDistanceBlocks))
	if err != nil {
		return false, fmt.Errorf("can't check pending %s actions: %w", action, err)
	}
	return pending, nil
}
