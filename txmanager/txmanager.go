package txmanager

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/omni/relay-server/config"
	"github.com/omni/relay-server/entity"
	"github.com/omni/relay-server/logging"
	"github.com/omni/relay-server/utils"
)

var (
	ErrZeroDestination = errors.New("transaction destination is the zero address")
	ErrTxHashMismatch  = errors.New("broadcast transaction hash differs from the signed one")
)

type Chain interface {
	PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error)
	NonceAt(ctx context.Context, addr common.Address, blockNumber uint) (uint64, error)
	TransactionReceiptByHash(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	HeaderByNumber(ctx context.Context, n uint) (*types.Header, error)
	SendRawTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error)
}

type Signer interface {
	SignTx(addr common.Address, tx *types.Transaction) (*types.Transaction, error)
}

type GasPricer interface {
	GasPrice(ctx context.Context) (*big.Int, error)
}

// TxDetails describes a transaction to sign. A nil GasPrice is fetched from the GasPricer,
// and a non-nil MaxPriorityFeePerGas makes a dynamic fee transaction with GasPrice as its fee cap.
type TxDetails struct {
	Signer               common.Address
	Destination          common.Address
	Value                *big.Int
	GasLimit             uint64
	GasPrice             *big.Int
	MaxPriorityFeePerGas *big.Int
	Data                 []byte
	Action               entity.ServerAction
	CreationBlock        uint
}

type SentTx struct {
	Hash   common.Hash
	Tx     *types.Transaction
	Stored *entity.StoredTx
}

// TxManager allocates nonces and signs for all local signers under one lock.
type TxManager struct {
	logger  logging.Logger
	cfg     *config.RelayConfig
	chainID *big.Int
	chain   Chain
	signer  Signer
	pricer  GasPricer
	repo    entity.StoredTxsRepo

	mu     sync.Mutex
	nonces map[common.Address]uint64
}

func NewTxManager(logger logging.Logger, cfg *config.RelayConfig, chainID *big.Int, chain Chain, signer Signer, pricer GasPricer, repo entity.StoredTxsRepo) *TxManager {
	return &TxManager{
		logger:  logger,
		cfg:     cfg,
		chainID: chainID,
		chain:   chain,
		signer:  signer,
		pricer:  pricer,
		repo:    repo,
		nonces:  make(map[common.Address]uint64),
	}
}

func (m *TxManager) SendTransaction(ctx context.Context, d *TxDetails) (*SentTx, error) {
	if d.Destination == (common.Address{}) {
		return nil, fmt.Errorf("%s from %s: %w", d.Action, d.Signer, ErrZeroDestination)
	}
	gasPrice := d.GasPrice
	if gasPrice == nil {
		var err error
		gasPrice, err = m.pricer.GasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("can't resolve gas price: %w", err)
		}
	}

	signed, stored, err := m.signAndStore(ctx, d, gasPrice)
	if err != nil {
		return nil, err
	}
	logger := m.logger.WithFields(logrus.Fields{
		"signer":  d.Signer,
		"nonce":   signed.Nonce(),
		"tx_hash": signed.Hash(),
		"action":  d.Action,
	})
	logger.Info("sending transaction")

	if err = m.broadcast(ctx, signed); err != nil {
		return nil, err
	}
	SentTransactions.WithLabelValues(string(d.Action)).Inc()
	return &SentTx{Hash: signed.Hash(), Tx: signed, Stored: stored}, nil
}

func (m *TxManager) signAndStore(ctx context.Context, d *TxDetails, gasPrice *big.Int) (*types.Transaction, *entity.StoredTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nonce, err := m.pollNonceLocked(ctx, d.Signer)
	if err != nil {
		return nil, nil, err
	}
	value := d.Value
	if value == nil {
		value = new(big.Int)
	}
	signed, err := m.signer.SignTx(d.Signer, m.newTx(nonce, d.Destination, value, d.GasLimit, gasPrice, d.MaxPriorityFeePerGas, d.Data))
	if err != nil {
		return nil, nil, err
	}
	stored, err := entity.NewStoredTx(d.Signer, signed, d.Action, d.CreationBlock)
	if err != nil {
		return nil, nil, err
	}
	if err = m.repo.Put(ctx, stored); err != nil {
		return nil, nil, fmt.Errorf("can't persist signed transaction: %w", err)
	}
	m.nonces[d.Signer] = nonce + 1
	return signed, stored, nil
}

func (m *TxManager) newTx(nonce uint64, to common.Address, value *big.Int, gasLimit uint64, gasPrice, tip *big.Int, data []byte) *types.Transaction {
	if tip == nil {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Value:    value,
			Gas:      gasLimit,
			GasPrice: gasPrice,
			Data:     data,
		})
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   m.chainID,
		Nonce:     nonce,
		To:        &to,
		Value:     value,
		Gas:       gasLimit,
		GasFeeCap: gasPrice,
		GasTipCap: tip,
		Data:      data,
	})
}

func (m *TxManager) broadcast(ctx context.Context, tx *types.Transaction) error {
	hash, err := m.chain.SendRawTransaction(ctx, tx)
	if err != nil {
		if isAlreadyKnown(err) {
			m.logger.WithField("tx_hash", tx.Hash()).Debug("transaction is already in the node pool")
			return nil
		}
		return fmt.Errorf("can't broadcast transaction %s: %w", tx.Hash(), err)
	}
	if hash != tx.Hash() {
		return fmt.Errorf("node returned %s for %s: %w", hash, tx.Hash(), ErrTxHashMismatch)
	}
	return nil
}

// isAlreadyKnown matches the txpool rejection of a transaction it already holds.
func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

// PollNonce returns the next nonce for signer, adopting the chain pending nonce when it is ahead.
func (m *TxManager) PollNonce(ctx context.Context, signer common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pollNonceLocked(ctx, signer)
}

func (m *TxManager) pollNonceLocked(ctx context.Context, signer common.Address) (uint64, error) {
	chainNonce, err := m.chain.PendingNonceAt(ctx, signer)
	if err != nil {
		return 0, fmt.Errorf("can't get pending nonce: %w", err)
	}
	local := m.nonces[signer]
	if chainNonce > local {
		m.logger.WithFields(logrus.Fields{
			"signer":      signer,
			"local_nonce": local,
			"chain_nonce": chainNonce,
		}).Warn("chain nonce is ahead of local nonce, adopting it")
		m.nonces[signer] = chainNonce
		return chainNonce, nil
	}
	return local, nil
}

// RemoveConfirmedTransactions records mined blocks of stored transactions and deletes
// the ones buried under enough confirmations.
func (m *TxManager) RemoveConfirmedTransactions(ctx context.Context, currentBlock uint) error {
	txs, err := m.repo.GetAll(ctx)
	if err != nil {
		return err
	}
	confirmations := m.cfg.ConfirmationsNeeded
	for _, signerTxs := range groupBySigner(txs) {
		signer := signerTxs[0].Signer
		if currentBlock >= confirmations {
			confirmedCount, err2 := m.chain.NonceAt(ctx, signer, currentBlock-confirmations)
			if err2 != nil {
				return fmt.Errorf("can't get confirmed nonce: %w", err2)
			}
			if confirmedCount > 0 && signerTxs[0].Nonce < confirmedCount {
				n, err3 := m.repo.RemoveTxsUntilNonce(ctx, signer, confirmedCount-1)
				if err3 != nil {
					return err3
				}
				m.logger.WithFields(logrus.Fields{
					"signer":  signer,
					"nonce":   confirmedCount - 1,
					"removed": n,
				}).Info("removed confirmed transactions")
			}
			signerTxs = dropBelowNonce(signerTxs, confirmedCount)
		}
		for _, tx := range signerTxs {
			confirmed, err2 := m.updateMinedBlock(ctx, tx, currentBlock)
			if err2 != nil {
				return err2
			}
			if !confirmed {
				continue
			}
			if _, err2 = m.repo.RemoveTxsUntilNonce(ctx, signer, tx.Nonce); err2 != nil {
				return err2
			}
			m.logger.WithFields(logrus.Fields{
				"signer":      signer,
				"nonce":       tx.Nonce,
				"tx_hash":     tx.TxID,
				"mined_block": *tx.MinedBlock,
			}).Info("transaction confirmed")
		}
	}
	return nil
}

func (m *TxManager) updateMinedBlock(ctx context.Context, tx *entity.StoredTx, currentBlock uint) (bool, error) {
	receipt, err := m.chain.TransactionReceiptByHash(ctx, tx.TxID)
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("can't get transaction receipt: %w", err)
	}
	minedBlock := uint(receipt.BlockNumber.Uint64())
	if tx.MinedBlock == nil || *tx.MinedBlock != minedBlock {
		header, err2 := m.chain.HeaderByNumber(ctx, minedBlock)
		if err2 != nil {
			return false, fmt.Errorf("can't get mined block header: %w", err2)
		}
		ts := time.Unix(int64(header.Time), 0).UTC()
		tx.MinedBlock = &minedBlock
		tx.MinedTimestamp = &ts
		if err2 = m.repo.Put(ctx, tx); err2 != nil {
			return false, err2
		}
	}
	return currentBlock >= minedBlock && currentBlock-minedBlock >= m.cfg.ConfirmationsNeeded, nil
}

// PruneArchive deletes records mined long enough ago, both in blocks and in wall time.
func (m *TxManager) PruneArchive(ctx context.Context, currentBlock uint, now time.Time) error {
	if currentBlock < m.cfg.ArchiveAfterBlocks {
		return nil
	}
	n, err := m.repo.RemoveArchivedTxs(ctx, currentBlock-m.cfg.ArchiveAfterBlocks, now.Add(-m.cfg.ArchiveAfter))
	if err != nil {
		return err
	}
	if n > 0 {
		m.logger.WithField("removed", n).Info("removed archived transactions")
	}
	return nil
}

// BoostUnderpricedPendingTransactionsForSigner resubmits the whole pending backlog of signer
// at a raised gas price once its oldest transaction has been pending for too long.
func (m *TxManager) BoostUnderpricedPendingTransactionsForSigner(ctx context.Context, signer common.Address, currentBlock uint, minGasPrice *big.Int) ([]common.Hash, error) {
	txs, err := m.repo.GetAllBySigner(ctx, signer)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	oldest := txs[0]
	chainNonce, err := m.chain.NonceAt(ctx, signer, currentBlock)
	if err != nil {
		return nil, fmt.Errorf("can't get current nonce: %w", err)
	}
	if chainNonce > oldest.Nonce {
		return nil, nil
	}
	last := oldest.LastSubmissionBlock()
	if currentBlock < last || currentBlock-last < m.cfg.PendingTransactionTimeoutBlocks {
		return nil, nil
	}

	newPrice, capped := m.boostedGasPrice(oldest.GasPriceBig(), minGasPrice)
	logger := m.logger.WithFields(logrus.Fields{
		"signer":        signer,
		"oldest_nonce":  oldest.Nonce,
		"old_gas_price": oldest.GasPriceBig().String(),
		"new_gas_price": newPrice.String(),
	})
	if capped {
		logger.Warn("boosted gas price reached the configured maximum")
	}
	if capped && oldest.GasPriceBig().Cmp(newPrice) >= 0 {
		logger.Debug("oldest transaction already pays the maximum gas price")
	} else {
		logger.Info("boosting pending transactions")
	}

	var hashes []common.Hash
	for _, tx := range txs {
		// a record already at the cap would be re-signed into the same transaction
		if cmp := tx.GasPriceBig().Cmp(newPrice); cmp > 0 || (capped && cmp == 0) {
			continue
		}
		hash, err2 := m.resendTransaction(ctx, tx, currentBlock, newPrice, capped)
		if err2 != nil {
			return hashes, err2
		}
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

func (m *TxManager) boostedGasPrice(oldPrice, minGasPrice *big.Int) (*big.Int, bool) {
	newPrice := utils.MulFactor(oldPrice, m.cfg.RetryGasPriceFactor)
	if minGasPrice != nil && newPrice.Cmp(minGasPrice) < 0 {
		newPrice.Set(minGasPrice)
	}
	maxGasPrice := config.Wei(m.cfg.MaxGasPrice)
	if m.cfg.MaxGasPrice != nil && newPrice.Cmp(maxGasPrice) > 0 {
		return maxGasPrice, true
	}
	return newPrice, false
}

func (m *TxManager) resendTransaction(ctx context.Context, stored *entity.StoredTx, currentBlock uint, newPrice *big.Int, capped bool) (common.Hash, error) {
	signed, err := m.resignLocked(ctx, stored, currentBlock, newPrice, capped)
	if err != nil {
		return common.Hash{}, err
	}
	m.logger.WithFields(logrus.Fields{
		"signer":   stored.Signer,
		"nonce":    stored.Nonce,
		"tx_hash":  signed.Hash(),
		"attempts": stored.Attempts,
	}).Info("rebroadcasting boosted transaction")
	if err = m.broadcast(ctx, signed); err != nil {
		return common.Hash{}, err
	}
	BoostedTransactions.WithLabelValues(string(stored.ServerAction)).Inc()
	return signed.Hash(), nil
}

func (m *TxManager) resignLocked(ctx context.Context, stored *entity.StoredTx, currentBlock uint, newPrice *big.Int, capped bool) (*types.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var tip *big.Int
	if stored.TxType == types.DynamicFeeTxType {
		tip = utils.MinBig(utils.MulFactor(stored.MaxPriorityFeePerGas.Big(), m.cfg.RetryGasPriceFactor), newPrice)
	}
	signed, err := m.signer.SignTx(stored.Signer, m.newTx(stored.Nonce, stored.To, stored.Value.Big(), stored.GasLimit, newPrice, tip, stored.Data))
	if err != nil {
		return nil, err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("can't encode boosted transaction: %w", err)
	}
	boostBlock := currentBlock
	stored.TxID = signed.Hash()
	stored.RawTx = raw
	stored.GasPrice = entity.NewWei(newPrice)
	stored.MaxPriorityFeePerGas = entity.NewWei(tip)
	stored.Attempts++
	stored.BoostBlock = &boostBlock
	stored.GasPriceCapped = capped
	if err = m.repo.Put(ctx, stored); err != nil {
		return nil, fmt.Errorf("can't persist boosted transaction: %w", err)
	}
	return signed, nil
}

// NonceGapFilled returns the raw stored transactions of signer with nonces in [fromNonce, toNonce].
func (m *TxManager) NonceGapFilled(ctx context.Context, signer common.Address, fromNonce, toNonce uint64) (map[uint64][]byte, error) {
	res := make(map[uint64][]byte)
	if fromNonce > toNonce {
		return res, nil
	}
	txs, err := m.repo.GetBySignerAndNonceRange(ctx, signer, fromNonce, toNonce)
	if err != nil {
		return nil, err
	}
	for _, tx := range txs {
		res[tx.Nonce] = tx.RawTx
	}
	return res, nil
}

func groupBySigner(txs []*entity.StoredTx) [][]*entity.StoredTx {
	var groups [][]*entity.StoredTx
	index := make(map[common.Address]int)
	for _, tx := range txs {
		i, ok := index[tx.Signer]
		if !ok {
			i = len(groups)
			index[tx.Signer] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], tx)
	}
	return groups
}

func dropBelowNonce(txs []*entity.StoredTx, nonce uint64) []*entity.StoredTx {
	for i, tx := range txs {
		if tx.Nonce >= nonce {
			return txs[i:]
		}
	}
	return nil
}
