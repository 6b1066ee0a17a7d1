package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"

	"github.com/omni/relay-server/contract"
	"github.com/omni/relay-server/entity"
	"github.com/omni/relay-server/txmanager"
	"github.com/omni/relay-server/utils"
)

// CreateRelayTransaction validates a relay request and, when it is safe to pay for,
// signs and broadcasts the relayCall from the worker.
func (s *Server) CreateRelayTransaction(ctx context.Context, req *RelayTransactionRequest) (*RelayTransactionResponse, error) {
	res, err := s.createRelayTransaction(ctx, req)
	switch {
	case err == nil:
		RelayRequests.WithLabelValues("relayed").Inc()
	case IsRejection(err):
		RelayRequests.WithLabelValues("rejected").Inc()
	default:
		RelayRequests.WithLabelValues("failed").Inc()
	}
	return res, err
}

func (s *Server) createRelayTransaction(ctx context.Context, req *RelayTransactionRequest) (*RelayTransactionResponse, error) {
	snapshot := s.snapshot.Load()
	if !snapshot.Ready {
		return nil, ErrNotReady
	}
	relayRequest := req.RelayRequest.ToContract()
	relayData := relayRequest.RelayData
	if err := s.validateFeeType(relayData); err != nil {
		return nil, err
	}
	if snapshot.Alerted {
		delay := utils.RandomDuration(s.cfg.MinAlertedDelay, s.cfg.MaxAlertedDelay)
		s.logger.WithField("delay", delay).Warn("relay is alerted, throttling request")
		s.sleep(ctx, delay)
	}

	worker := s.workers[0]
	if err := s.validateInput(req, relayRequest, worker); err != nil {
		return nil, err
	}
	nonce, err := s.txm.PollNonce(ctx, worker)
	if err != nil {
		return nil, err
	}
	if nonce > req.Metadata.RelayMaxNonce {
		return nil, reject("unacceptable relayMaxNonce: %d, current nonce: %d", req.Metadata.RelayMaxNonce, nonce)
	}
	if s.cfg.RunPaymasterReputations && s.reputation.IsAbusive(relayData.Paymaster) {
		return nil, reject("refusing to serve transactions for paymaster at %s", relayData.Paymaster)
	}

	header, err := s.chain.LatestHeader(ctx)
	if err != nil {
		return nil, fmt.Errorf("can't get latest block: %w", err)
	}
	params, maxPossibleGas, err := s.validateGasAndDataLimits(ctx, req, relayRequest, header.GasLimit)
	if err != nil {
		return nil, err
	}
	if err = s.validateViewCall(ctx, worker, maxPossibleGas, params); err != nil {
		return nil, err
	}

	data, err := s.chain.EncodeRelayCall(params)
	if err != nil {
		return nil, err
	}
	details := &txmanager.TxDetails{
		Signer:        worker,
		Destination:   s.chain.HubAddress(),
		GasLimit:      maxPossibleGas,
		GasPrice:      relayData.MaxFeePerGas,
		Data:          data,
		Action:        entity.ActionRelayCall,
		CreationBlock: uint(header.Number.Uint64()),
	}
	if s.dynamicFees {
		details.MaxPriorityFeePerGas = relayData.MaxPriorityFeePerGas
	}
	sent, err := s.txm.SendTransaction(ctx, details)
	if err != nil {
		return nil, err
	}
	signedTx, err := sent.Tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("can't encode signed transaction: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"tx_hash":   sent.Hash,
		"from":      relayRequest.Request.From,
		"to":        relayRequest.Request.To,
		"paymaster": relayData.Paymaster,
		"nonce":     sent.Tx.Nonce(),
	}).Info("relayed transaction")

	gap := make(map[uint64]hexutil.Bytes)
	if from := req.Metadata.RelayLastKnownNonce + 1; sent.Tx.Nonce() > from {
		filled, err2 := s.txm.NonceGapFilled(ctx, worker, from, sent.Tx.Nonce()-1)
		if err2 != nil {
			return nil, err2
		}
		for n, raw := range filled {
			gap[n] = raw
		}
	}

	if _, err = s.replenishServer(ctx, details.CreationBlock); err != nil {
		s.logger.WithError(err).Error("failed to replenish relay after relaying")
	}
	return &RelayTransactionResponse{SignedTx: signedTx, NonceGapFilled: gap}, nil
}

func (s *Server) validateFeeType(relayData contract.RelayData) error {
	if !s.dynamicFees && relayData.MaxFeePerGas.Cmp(relayData.MaxPriorityFeePerGas) != 0 {
		return reject("network does not support dynamic fee transactions, maxFeePerGas %s and maxPriorityFeePerGas %s must be equal",
			relayData.MaxFeePerGas, relayData.MaxPriorityFeePerGas)
	}
	return nil
}

func (s *Server) validateInput(req *RelayTransactionRequest, relayRequest contract.RelayRequest, worker common.Address) error {
	relayData := relayRequest.RelayData
	hub := s.chain.HubAddress()
	if req.Metadata.RelayHubAddress != hub {
		return reject("wrong hub address, relay server's hub address: %s, request's hub address: %s", hub, req.Metadata.RelayHubAddress)
	}
	if relayData.RelayWorker != worker {
		return reject("wrong worker address: %s", relayData.RelayWorker)
	}

	fees := s.GasFees()
	if relayData.MaxPriorityFeePerGas.Cmp(fees.MinMaxPriorityFeePerGas) < 0 {
		return reject("priorityFee given %s too low, minimum maxPriorityFee server accepts: %s", relayData.MaxPriorityFeePerGas, fees.MinMaxPriorityFeePerGas)
	}
	if relayData.MaxFeePerGas.Cmp(fees.MinMaxFeePerGas) < 0 {
		return reject("maxFeePerGas given %s too low, minimum maxFeePerGas server accepts: %s", relayData.MaxFeePerGas, fees.MinMaxFeePerGas)
	}
	if relayData.MaxFeePerGas.Cmp(fees.MaxMaxFeePerGas) > 0 {
		return reject("maxFeePerGas given %s too high, maximum maxFeePerGas server accepts: %s", relayData.MaxFeePerGas, fees.MaxMaxFeePerGas)
	}
	if relayData.MaxFeePerGas.Cmp(relayData.MaxPriorityFeePerGas) < 0 {
		return reject("maxFeePerGas %s must be greater than or equal to maxPriorityFeePerGas %s", relayData.MaxFeePerGas, relayData.MaxPriorityFeePerGas)
	}

	if s.cfg.IsBlacklistedPaymaster(relayData.Paymaster) || !s.cfg.IsWhitelistedPaymaster(relayData.Paymaster) {
		return reject("paymaster %s is not allowed", relayData.Paymaster)
	}
	recipient := relayRequest.Request.To
	if s.cfg.IsBlacklistedRecipient(recipient) || !s.cfg.IsWhitelistedRecipient(recipient) {
		return reject("recipient %s is not allowed", recipient)
	}

	validUntil := relayRequest.Request.ValidUntilTime
	minValidUntil := s.now().Add(s.cfg.RequestMinValidDuration).Unix()
	if validUntil.Sign() > 0 && validUntil.Cmp(big.NewInt(minValidUntil)) < 0 {
		return reject("request expired or too close to expiration, validUntilTime %s, server requires at least %s",
			validUntil, time.Unix(minValidUntil, 0).UTC().Format(time.RFC3339))
	}
	return nil
}

// validateGasAndDataLimits checks that the paymaster budget is acceptable and funded and
// returns the relayCall parameters with the gas limit of the relay transaction.
func (s *Server) validateGasAndDataLimits(ctx context.Context, req *RelayTransactionRequest, relayRequest contract.RelayRequest, blockGasLimit uint64) (*contract.RelayCallParams, uint64, error) {
	relayData := relayRequest.RelayData
	paymaster := relayData.Paymaster
	limits, err := s.chain.PaymasterGasAndDataLimits(ctx, paymaster)
	if err != nil {
		if errors.Is(err, contract.ErrReverted) {
			return nil, 0, reject("can't get gas and data limits of paymaster %s", paymaster)
		}
		return nil, 0, err
	}
	acceptanceBudget := limits.AcceptanceBudget
	if !s.cfg.IsTrustedPaymaster(paymaster) && acceptanceBudget.Cmp(new(big.Int).SetUint64(s.cfg.MaxAcceptanceBudget)) > 0 {
		return nil, 0, reject("paymaster acceptance budget too high, given: %s, max allowed: %d", acceptanceBudget, s.cfg.MaxAcceptanceBudget)
	}

	domainSeparatorName := req.Metadata.DomainSeparatorName
	if domainSeparatorName == "" {
		domainSeparatorName = s.cfg.DomainSeparatorName
	}
	params := &contract.RelayCallParams{
		DomainSeparatorName: domainSeparatorName,
		MaxAcceptanceBudget: new(big.Int).Set(acceptanceBudget),
		Request:             relayRequest,
		Signature:           req.Metadata.Signature,
		ApprovalData:        req.Metadata.ApprovalData,
	}
	data, err := s.chain.EncodeRelayCall(params)
	if err != nil {
		return nil, 0, err
	}
	calldataCost := contract.CalldataCost(data)
	if relayData.TransactionCalldataGasUsed.Cmp(new(big.Int).SetUint64(calldataCost)) < 0 {
		return nil, 0, reject("refusing to relay a transaction due to calldata cost, client signed transactionCalldataGasUsed: %s, server estimate: %d",
			relayData.TransactionCalldataGasUsed, calldataCost)
	}

	hubConfig, err := s.chain.HubConfiguration(ctx)
	if err != nil {
		return nil, 0, err
	}
	maxPossibleGas := new(big.Int).Add(hubConfig.GasReserve, hubConfig.GasOverhead)
	maxPossibleGas.Add(maxPossibleGas, relayData.TransactionCalldataGasUsed)
	maxPossibleGas.Add(maxPossibleGas, limits.PreRelayedCallGasLimit)
	maxPossibleGas.Add(maxPossibleGas, relayRequest.Request.Gas)
	maxPossibleGas.Add(maxPossibleGas, limits.PostRelayedCallGasLimit)
	gasCeiling := new(big.Int).SetUint64(blockGasLimit * s.cfg.BlockGasLimitPercent / 100)
	if maxPossibleGas.Cmp(gasCeiling) > 0 {
		return nil, 0, reject("total gas limit %s exceeds the allowed maximum %s", maxPossibleGas, gasCeiling)
	}

	maxCharge, err := s.chain.CalculateCharge(ctx, maxPossibleGas, relayData)
	if err != nil {
		return nil, 0, err
	}
	paymasterBalance, err := s.chain.HubBalanceOf(ctx, paymaster)
	if err != nil {
		return nil, 0, err
	}
	if paymasterBalance.Cmp(maxCharge) < 0 {
		return nil, 0, reject("paymaster balance too low: %s, maxCharge: %s", paymasterBalance, maxCharge)
	}
	return params, maxPossibleGas.Uint64(), nil
}

func (s *Server) validateViewCall(ctx context.Context, worker common.Address, gasLimit uint64, params *contract.RelayCallParams) error {
	res, err := s.chain.SimulateRelayCall(ctx, worker, gasLimit, params)
	if errors.Is(err, contract.ErrReverted) {
		return reject("relay call reverted in local view call: %s", err)
	}
	if err != nil {
		return err
	}
	if !res.PaymasterAccepted {
		return reject("paymaster rejected in local view call to relayCall(): %s", hexutil.Encode(res.ReturnValue))
	}
	return nil
}
