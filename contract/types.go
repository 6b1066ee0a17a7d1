package contract

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var ErrURLTooLong = errors.New("relay url does not fit into 96 bytes")

type ForwardRequest struct {
	From           common.Address
	To             common.Address
	Value          *big.Int
	Gas            *big.Int
	Nonce          *big.Int
	Data           []byte
	ValidUntilTime *big.Int
}

type RelayData struct {
	MaxFeePerGas               *big.Int
	MaxPriorityFeePerGas       *big.Int
	TransactionCalldataGasUsed *big.Int
	RelayWorker                common.Address
	Paymaster                  common.Address
	Forwarder                  common.Address
	PaymasterData              []byte
	ClientID                   *big.Int `abi:"clientId"`
}

type RelayRequest struct {
	Request   ForwardRequest
	RelayData RelayData
}

type StakeInfo struct {
	Stake        *big.Int
	UnstakeDelay *big.Int
	WithdrawTime *big.Int
	Token        common.Address
	Owner        common.Address
}

type RelayInfo struct {
	LastSeenBlockNumber  uint32
	LastSeenTimestamp    *big.Int
	FirstSeenBlockNumber uint32
	FirstSeenTimestamp   *big.Int
	URLParts             [3][32]byte `abi:"urlParts"`
	RelayManager         common.Address
}

func (r *RelayInfo) URL() string {
	return JoinURL(r.URLParts)
}

type HubConfig struct {
	MaxWorkerCount      *big.Int
	GasReserve          *big.Int
	PostOverhead        *big.Int
	GasOverhead         *big.Int
	MinimumUnstakeDelay *big.Int
	DevAddress          common.Address
	DevFee              uint8
	BaseRelayFee        *big.Int
	PctRelayFee         uint16
}

type GasAndDataLimits struct {
	AcceptanceBudget        *big.Int
	PreRelayedCallGasLimit  *big.Int
	PostRelayedCallGasLimit *big.Int
	CalldataSizeLimit       *big.Int
}

type RelayCallResult struct {
	PaymasterAccepted bool
	Charge            *big.Int
	Status            uint8
	ReturnValue       []byte
}

func SplitURL(url string) ([3][32]byte, error) {
	var parts [3][32]byte
	if len(url) > len(parts)*32 {
		return parts, fmt.Errorf("%q: %w", url, ErrURLTooLong)
	}
	for i := range parts {
		from := i * 32
		if from >= len(url) {
			break
		}
		to := from + 32
		if to > len(url) {
			to = len(url)
		}
		copy(parts[i][:], url[from:to])
	}
	return parts, nil
}

func JoinURL(parts [3][32]byte) string {
	var buf bytes.Buffer
	for _, p := range parts {
		buf.Write(p[:])
	}
	return string(bytes.TrimRight(buf.Bytes(), "\x00"))
}

// CalldataCost is the intrinsic calldata gas of data.
func CalldataCost(data []byte) uint64 {
	var cost uint64
	for _, b := range data {
		if b == 0 {
			cost += 4
		} else {
			cost += 16
		}
	}
	return cost
}
