package contract

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/omni/relay-server/contract/abi"
	"github.com/omni/relay-server/contract/relayabi"
)

type EventKind int

const (
	EventUnknown EventKind = iota
	EventHubAuthorized
	EventHubUnauthorized
	EventOwnerSet
	EventStakeAdded
	EventStakeUnlocked
	EventStakeWithdrawn
	EventRelayServerRegistered
	EventRelayWorkersAdded
	EventTransactionRejectedByPaymaster
	EventTransactionRelayed
	EventWithdrawn
)

var eventKindNames = map[EventKind]string{
	EventUnknown:                        "Unknown",
	EventHubAuthorized:                  "HubAuthorized",
	EventHubUnauthorized:                "HubUnauthorized",
	EventOwnerSet:                       "OwnerSet",
	EventStakeAdded:                     "StakeAdded",
	EventStakeUnlocked:                  "StakeUnlocked",
	EventStakeWithdrawn:                 "StakeWithdrawn",
	EventRelayServerRegistered:          "RelayServerRegistered",
	EventRelayWorkersAdded:              "RelayWorkersAdded",
	EventTransactionRejectedByPaymaster: "TransactionRejectedByPaymaster",
	EventTransactionRelayed:             "TransactionRelayed",
	EventWithdrawn:                      "Withdrawn",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

var eventKinds = map[string]EventKind{
	relayabi.HubAuthorized:                  EventHubAuthorized,
	relayabi.HubUnauthorized:                EventHubUnauthorized,
	relayabi.OwnerSet:                       EventOwnerSet,
	relayabi.StakeAdded:                     EventStakeAdded,
	relayabi.StakeUnlocked:                  EventStakeUnlocked,
	relayabi.StakeWithdrawn:                 EventStakeWithdrawn,
	relayabi.RelayServerRegistered:          EventRelayServerRegistered,
	relayabi.RelayWorkersAdded:              EventRelayWorkersAdded,
	relayabi.TransactionRejectedByPaymaster: EventTransactionRejectedByPaymaster,
	relayabi.TransactionRelayed:             EventTransactionRelayed,
	relayabi.Withdrawn:                      EventWithdrawn,
}

// RelayEvent is a decoded hub, stake manager or registrar log.
// Only the fields relevant for its Kind are set.
type RelayEvent struct {
	Kind         EventKind
	Log          types.Log
	RelayManager common.Address
	RelayHub     common.Address
	Owner        common.Address
	Paymaster    common.Address
	RemovalTime  *big.Int
	WithdrawTime *big.Int
	Amount       *big.Int
	Workers      []common.Address
	URL          string
	Reason       []byte
}

func (e *RelayEvent) BlockNumber() uint {
	return uint(e.Log.BlockNumber)
}

var eventABIs = []abi.ABI{relayabi.RelayHubABI, relayabi.StakeManagerABI, relayabi.RelayRegistrarABI}

// DecodeEvent returns nil for logs that none of the relay contracts emit.
func DecodeEvent(log types.Log) (*RelayEvent, error) {
	for i := range eventABIs {
		name, data, err := eventABIs[i].ParseLog(&log)
		if err != nil {
			return nil, err
		}
		if name == "" {
			continue
		}
		kind, ok := eventKinds[name]
		if !ok {
			return nil, fmt.Errorf("no kind for %q: %w", name, abi.ErrInvalidEvent)
		}
		return newRelayEvent(kind, log, data), nil
	}
	return nil, nil
}

func newRelayEvent(kind EventKind, log types.Log, data map[string]interface{}) *RelayEvent {
	e := &RelayEvent{
		Kind: kind,
		Log:  log,
	}
	e.RelayManager, _ = data["relayManager"].(common.Address)
	switch kind {
	case EventHubAuthorized:
		e.RelayHub, _ = data["relayHub"].(common.Address)
	case EventHubUnauthorized:
		e.RelayHub, _ = data["relayHub"].(common.Address)
		e.RemovalTime, _ = data["removalTime"].(*big.Int)
	case EventOwnerSet:
		e.Owner, _ = data["owner"].(common.Address)
	case EventStakeAdded:
		e.Owner, _ = data["owner"].(common.Address)
		e.Amount, _ = data["stake"].(*big.Int)
	case EventStakeUnlocked:
		e.Owner, _ = data["owner"].(common.Address)
		e.WithdrawTime, _ = data["withdrawTime"].(*big.Int)
	case EventStakeWithdrawn:
		e.Owner, _ = data["owner"].(common.Address)
		e.Amount, _ = data["amount"].(*big.Int)
	case EventRelayServerRegistered:
		e.RelayHub, _ = data["relayHub"].(common.Address)
		if parts, ok := data["relayUrl"].([3][32]byte); ok {
			e.URL = JoinURL(parts)
		}
	case EventRelayWorkersAdded:
		e.Workers, _ = data["newRelayWorkers"].([]common.Address)
	case EventTransactionRejectedByPaymaster:
		e.Paymaster, _ = data["paymaster"].(common.Address)
		e.Reason, _ = data["reason"].([]byte)
	case EventTransactionRelayed:
		e.Paymaster, _ = data["paymaster"].(common.Address)
		e.Amount, _ = data["charge"].(*big.Int)
	case EventWithdrawn:
		e.RelayManager, _ = data["account"].(common.Address)
		e.Owner, _ = data["dest"].(common.Address)
		e.Amount, _ = data["amount"].(*big.Int)
	case EventUnknown:
	}
	return e
}
