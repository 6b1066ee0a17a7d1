package entity

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type ServerAction string

const (
	ActionRegisterServer    ServerAction = "register_server"
	ActionAddWorker         ServerAction = "add_worker"
	ActionRelayCall         ServerAction = "relay_call"
	ActionValueTransfer     ServerAction = "value_transfer"
	ActionDepositWithdrawal ServerAction = "deposit_withdrawal"
	ActionPenalization      ServerAction = "penalization"
	ActionSetOwner          ServerAction = "set_owner"
)

// StoredTx is the latest signed attempt for a (signer, nonce) pair.
type StoredTx struct {
	Signer               common.Address `db:"signer"`
	Nonce                uint64         `db:"nonce"`
	TxID                 common.Hash    `db:"tx_id"`
	To                   common.Address `db:"destination"`
	Value                *Wei           `db:"value"`
	GasLimit             uint64         `db:"gas_limit"`
	GasPrice             *Wei           `db:"gas_price"`
	MaxPriorityFeePerGas *Wei           `db:"max_priority_fee_per_gas"`
	TxType               uint8          `db:"tx_type"`
	Data                 []byte         `db:"data"`
	RawTx                []byte         `db:"raw_tx"`
	Attempts             uint           `db:"attempts"`
	ServerAction         ServerAction   `db:"server_action"`
	CreationBlock        uint           `db:"creation_block"`
	BoostBlock           *uint          `db:"boost_block"`
	MinedBlock           *uint          `db:"mined_block"`
	MinedTimestamp       *time.Time     `db:"mined_timestamp"`
	GasPriceCapped       bool           `db:"gas_price_capped"`
	CreatedAt            *time.Time     `db:"created_at"`
	UpdatedAt            *time.Time     `db:"updated_at"`
}

// NewStoredTx derives a record from a signed transaction.
func NewStoredTx(signer common.Address, tx *types.Transaction, action ServerAction, creationBlock uint) (*StoredTx, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("can't encode signed transaction: %w", err)
	}
	stx := &StoredTx{
		Signer:        signer,
		Nonce:         tx.Nonce(),
		TxID:          tx.Hash(),
		Value:         NewWei(tx.Value()),
		GasLimit:      tx.Gas(),
		GasPrice:      NewWei(tx.GasFeeCap()),
		TxType:        tx.Type(),
		Data:          tx.Data(),
		RawTx:         raw,
		Attempts:      1,
		ServerAction:  action,
		CreationBlock: creationBlock,
	}
	stx.Data = stx.Calldata()
	if tx.To() != nil {
		stx.To = *tx.To()
	}
	if tx.Type() == types.DynamicFeeTxType {
		stx.MaxPriorityFeePerGas = NewWei(tx.GasTipCap())
	}
	return stx, nil
}

// Transaction decodes the stored signed transaction.
func (t *StoredTx) Transaction() (*types.Transaction, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(t.RawTx); err != nil {
		return nil, fmt.Errorf("can't decode stored transaction %s: %w", t.TxID, err)
	}
	return tx, nil
}

// LastSubmissionBlock is the later of the creation and the last boost block.
func (t *StoredTx) LastSubmissionBlock() uint {
	if t.BoostBlock != nil && *t.BoostBlock > t.CreationBlock {
		return *t.BoostBlock
	}
	return t.CreationBlock
}

// Calldata is never nil, value transfers carry empty calldata rather than NULL.
func (t *StoredTx) Calldata() []byte {
	if t.Data == nil {
		return []byte{}
	}
	return t.Data
}

func (t *StoredTx) IsMined() bool {
	return t.MinedBlock != nil
}

func (t *StoredTx) GasPriceBig() *big.Int {
	return t.GasPrice.Big()
}

// ActionQuery selects records of one action kind, optionally narrowed to a destination and signer.
type ActionQuery struct {
	Action      ServerAction
	MinedAfter  uint
	Destination *common.Address
	Signer      *common.Address
}

// RecentAction selects actions that are unmined or mined within distance blocks of currentBlock.
func RecentAction(action ServerAction, signer common.Address, destination *common.Address, currentBlock, distance uint) ActionQuery {
	var minedAfter uint
	if currentBlock > distance {
		minedAfter = currentBlock - distance
	}
	return ActionQuery{
		Action:      action,
		MinedAfter:  minedAfter,
		Destination: destination,
		Signer:      &signer,
	}
}

type StoredTxsRepo interface {
	Put(ctx context.Context, tx *StoredTx) error
	GetAll(ctx context.Context) ([]*StoredTx, error)
	GetAllBySigner(ctx context.Context, signer common.Address) ([]*StoredTx, error)
	GetBySignerAndNonceRange(ctx context.Context, signer common.Address, fromNonce, toNonce uint64) ([]*StoredTx, error)
	RemoveTxsUntilNonce(ctx context.Context, signer common.Address, nonce uint64) (int64, error)
	RemoveArchivedTxs(ctx context.Context, minedBlockBelow uint, minedBefore time.Time) (int64, error)
	IsActionPendingOrRecentlyMined(ctx context.Context, q ActionQuery) (bool, error)
	Count(ctx context.Context) (int, error)
}
