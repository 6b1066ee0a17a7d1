package relay

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"

	"github.com/omni/relay-server/contract"
)

var ErrNotReady = errors.New("relay is not ready")

// RejectionError is returned for relay requests that fail validation.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return e.Reason
}

func reject(format string, args ...interface{}) error {
	return &RejectionError{Reason: fmt.Sprintf(format, args...)}
}

// IsRejection reports whether err is a validation rejection rather than a server failure.
func IsRejection(err error) bool {
	var rejection *RejectionError
	return errors.As(err, &rejection) || errors.Is(err, ErrNotReady)
}

type ForwardRequest struct {
	From           common.Address        `json:"from"`
	To             common.Address        `json:"to"`
	Value          *math.HexOrDecimal256 `json:"value"`
	Gas            *math.HexOrDecimal256 `json:"gas"`
	Nonce          *math.HexOrDecimal256 `json:"nonce"`
	Data           hexutil.Bytes         `json:"data"`
	ValidUntilTime *math.HexOrDecimal256 `json:"validUntilTime"`
}

type RelayData struct {
	MaxFeePerGas               *math.HexOrDecimal256 `json:"maxFeePerGas"`
	MaxPriorityFeePerGas       *math.HexOrDecimal256 `json:"maxPriorityFeePerGas"`
	TransactionCalldataGasUsed *math.HexOrDecimal256 `json:"transactionCalldataGasUsed"`
	RelayWorker                common.Address        `json:"relayWorker"`
	Paymaster                  common.Address        `json:"paymaster"`
	Forwarder                  common.Address        `json:"forwarder"`
	PaymasterData              hexutil.Bytes         `json:"paymasterData"`
	ClientID                   *math.HexOrDecimal256 `json:"clientId"`
}

type RelayRequest struct {
	Request   ForwardRequest `json:"request"`
	RelayData RelayData      `json:"relayData"`
}

type RelayMetadata struct {
	MaxAcceptanceBudget *math.HexOrDecimal256 `json:"maxAcceptanceBudget"`
	RelayHubAddress     common.Address        `json:"relayHubAddress"`
	Signature           hexutil.Bytes         `json:"signature"`
	ApprovalData        hexutil.Bytes         `json:"approvalData"`
	RelayMaxNonce       uint64                `json:"relayMaxNonce"`
	RelayLastKnownNonce uint64                `json:"relayLastKnownNonce"`
	DomainSeparatorName string                `json:"domainSeparatorName"`
}

type RelayTransactionRequest struct {
	RelayRequest RelayRequest  `json:"relayRequest"`
	Metadata     RelayMetadata `json:"metadata"`
}

type RelayTransactionResponse struct {
	SignedTx       hexutil.Bytes            `json:"signedTx"`
	NonceGapFilled map[uint64]hexutil.Bytes `json:"nonceGapFilled"`
}

// ToContract converts the JSON request into the tuple passed to relayCall.
func (r *RelayRequest) ToContract() contract.RelayRequest {
	return contract.RelayRequest{
		Request: contract.ForwardRequest{
			From:           r.Request.From,
			To:             r.Request.To,
			Value:          toBig(r.Request.Value),
			Gas:            toBig(r.Request.Gas),
			Nonce:          toBig(r.Request.Nonce),
			Data:           r.Request.Data,
			ValidUntilTime: toBig(r.Request.ValidUntilTime),
		},
		RelayData: contract.RelayData{
			MaxFeePerGas:               toBig(r.RelayData.MaxFeePerGas),
			MaxPriorityFeePerGas:       toBig(r.RelayData.MaxPriorityFeePerGas),
			TransactionCalldataGasUsed: toBig(r.RelayData.TransactionCalldataGasUsed),
			RelayWorker:                r.RelayData.RelayWorker,
			Paymaster:                  r.RelayData.Paymaster,
			Forwarder:                  r.RelayData.Forwarder,
			PaymasterData:              r.RelayData.PaymasterData,
			ClientID:                   toBig(r.RelayData.ClientID),
		},
	}
}

func toBig(v *math.HexOrDecimal256) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set((*big.Int)(v))
}

// GasFees is the fee policy applied to incoming requests.
type GasFees struct {
	MinMaxFeePerGas         *big.Int
	MinMaxPriorityFeePerGas *big.Int
	MaxMaxFeePerGas         *big.Int
}

// PingResponse describes the relay to clients choosing a relay.
type PingResponse struct {
	RelayWorkerAddress      common.Address        `json:"relayWorkerAddress"`
	RelayManagerAddress     common.Address        `json:"relayManagerAddress"`
	RelayHubAddress         common.Address        `json:"relayHubAddress"`
	OwnerAddress            common.Address        `json:"ownerAddress"`
	MinMaxFeePerGas         *math.HexOrDecimal256 `json:"minMaxFeePerGas"`
	MinMaxPriorityFeePerGas *math.HexOrDecimal256 `json:"minMaxPriorityFeePerGas"`
	MaxMaxFeePerGas         *math.HexOrDecimal256 `json:"maxMaxFeePerGas"`
	MaxAcceptanceBudget     uint64                `json:"maxAcceptanceBudget"`
	ChainID                 string                `json:"chainId"`
	NetworkID               string                `json:"networkId"`
	Ready                   bool                  `json:"ready"`
	Version                 string                `json:"version"`
}

type Stats struct {
	Ready            bool          `json:"ready"`
	ReadyTime        time.Duration `json:"readyTime"`
	NotReadyTime     time.Duration `json:"notReadyTime"`
	Transitions      uint          `json:"transitions"`
	Alerted          bool          `json:"alerted"`
	LastScannedBlock uint          `json:"lastScannedBlock"`
	StoredTxs        int           `json:"storedTxs"`
}
