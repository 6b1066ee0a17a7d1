package relay

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

const (
	minRejectionsToThrottle = 3
	// a paymaster is refused once rejections exceed 1/rejectionShare of its relayed calls
	rejectionShare = 4
)

// PaymasterReputation counts on-chain outcomes of relayed calls per paymaster.
type PaymasterReputation struct {
	mu       sync.Mutex
	relayed  map[common.Address]uint
	rejected map[common.Address]uint
}

func NewPaymasterReputation() *PaymasterReputation {
	return &PaymasterReputation{
		relayed:  make(map[common.Address]uint),
		rejected: make(map[common.Address]uint),
	}
}

func (r *PaymasterReputation) RecordRelayed(paymaster common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relayed[paymaster]++
}

func (r *PaymasterReputation) RecordRejected(paymaster common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected[paymaster]++
}

// IsAbusive is true for paymasters with too many rejected calls relative to relayed ones.
func (r *PaymasterReputation) IsAbusive(paymaster common.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rejected := r.rejected[paymaster]
	return rejected >= minRejectionsToThrottle && rejected*rejectionShare > r.relayed[paymaster]
}
