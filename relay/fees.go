package relay

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/sirupsen/logrus"

	"github.com/omni/relay-server/config"
	"github.com/omni/relay-server/utils"
)

// ceiling usage above which the operator is warned, in percent
const gasFeeWarnPercent = 70

// refreshGasFees derives the minimum accepted fees from recent blocks: the max fee floor is
// the latest base fee, the priority fee floor a scaled percentile of recent tips. Legacy
// chains use the gas price source for both fees.
func (s *Server) refreshGasFees(ctx context.Context) error {
	ceiling := config.Wei(s.cfg.MaxMaxFeePerGas)
	var maxFee, priorityFee *big.Int

	if s.dynamicFees {
		history, err := s.chain.FeeHistory(ctx, s.cfg.BaseFeeBlocks, []float64{s.cfg.BaseFeePercentile})
		if err != nil {
			return fmt.Errorf("can't get fee history: %w", err)
		}
		baseFee := new(big.Int)
		if n := len(history.BaseFee); n > 0 && history.BaseFee[n-1] != nil {
			baseFee.Set(history.BaseFee[n-1])
		}
		priorityFee = utils.MulFactor(averageReward(history.Reward), s.cfg.GasPriceFactor)
		if priorityFee.Sign() == 0 {
			priorityFee = config.Wei(s.cfg.DefaultPriorityFee)
		}
		maxFee = baseFee
	} else {
		gasPrice, err := s.pricer.GasPrice(ctx)
		if err != nil {
			return err
		}
		maxFee = utils.MulFactor(gasPrice, s.cfg.GasPriceFactor)
		priorityFee = new(big.Int).Set(maxFee)
	}

	logger := s.logger.WithFields(logrus.Fields{
		"min_max_fee_per_gas":          maxFee.String(),
		"min_max_priority_fee_per_gas": priorityFee.String(),
		"max_max_fee_per_gas":          ceiling.String(),
	})
	if maxFee.Cmp(ceiling) > 0 {
		logger.Warn("network fees exceed the configured ceiling, capping")
		maxFee = new(big.Int).Set(ceiling)
	}
	if priorityFee.Cmp(maxFee) > 0 {
		priorityFee = new(big.Int).Set(maxFee)
	}
	warnAt := new(big.Int).Div(new(big.Int).Mul(ceiling, big.NewInt(gasFeeWarnPercent)), big.NewInt(100))
	if maxFee.Cmp(warnAt) > 0 {
		logger.Warn("network fees are close to the configured ceiling")
	}

	s.fees.Store(&GasFees{
		MinMaxFeePerGas:         maxFee,
		MinMaxPriorityFeePerGas: priorityFee,
		MaxMaxFeePerGas:         ceiling,
	})
	GasFeeFloors.WithLabelValues("max_fee_per_gas").Set(toFloat(maxFee))
	GasFeeFloors.WithLabelValues("max_priority_fee_per_gas").Set(toFloat(priorityFee))
	return nil
}

func averageReward(rewards [][]*big.Int) *big.Int {
	sum := new(big.Int)
	var n int64
	for _, r := range rewards {
		if len(r) == 0 || r[0] == nil {
			continue
		}
		sum.Add(sum, r[0])
		n++
	}
	if n == 0 {
		return sum
	}
	return sum.Div(sum, big.NewInt(n))
}

func hexOrDecimal(v *big.Int) *math.HexOrDecimal256 {
	if v == nil {
		return nil
	}
	return (*math.HexOrDecimal256)(new(big.Int).Set(v))
}
