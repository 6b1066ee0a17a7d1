package registration

import (
	"sort"

	"github.com/omni/relay-server/contract"
)

const (
	FactHubAuthorized = "hub_authorized"
	FactStakeLocked   = "stake_locked"
	FactOwnerSet      = "owner_set_on_stake_manager"
)

// State holds the on-chain registration facts of the relay manager.
type State struct {
	HubAuthorized bool
	StakeLocked   bool
	OwnerSet      bool
	RelayInfo     *contract.RelayInfo
}

func (s *State) SetHubAuthorized(v bool) []Transition {
	return setFact(FactHubAuthorized, &s.HubAuthorized, v)
}

func (s *State) SetStakeLocked(v bool) []Transition {
	return setFact(FactStakeLocked, &s.StakeLocked, v)
}

func (s *State) SetOwnerSet(v bool) []Transition {
	return setFact(FactOwnerSet, &s.OwnerSet, v)
}

func setFact(name string, field *bool, v bool) []Transition {
	if *field == v {
		return nil
	}
	*field = v
	return []Transition{{Fact: name, Value: v}}
}

// DelayedEvent is an event whose consequence must wait until the chain time reaches Time.
type DelayedEvent struct {
	Time  uint64
	Event *contract.RelayEvent
}

// delayedQueue is only touched from the block loop.
type delayedQueue struct {
	events []DelayedEvent
}

// Push queues e unless the same log is already queued and reports whether it was added.
func (q *delayedQueue) Push(e DelayedEvent) bool {
	for _, queued := range q.events {
		if queued.Event.Log.TxHash == e.Event.Log.TxHash && queued.Event.Log.Index == e.Event.Log.Index {
			return false
		}
	}
	i := sort.Search(len(q.events), func(i int) bool {
		return q.events[i].Time > e.Time
	})
	q.events = append(q.events, DelayedEvent{})
	copy(q.events[i+1:], q.events[i:])
	q.events[i] = e
	return true
}

// PopDue removes and returns the events with Time <= now, oldest first.
func (q *delayedQueue) PopDue(now uint64) []DelayedEvent {
	i := sort.Search(len(q.events), func(i int) bool {
		return q.events[i].Time > now
	})
	if i == 0 {
		return nil
	}
	due := make([]DelayedEvent, i)
	copy(due, q.events[:i])
	q.events = q.events[i:]
	return due
}

// OldestBlock is the lowest block number among the queued events.
func (q *delayedQueue) OldestBlock() (uint, bool) {
	if len(q.events) == 0 {
		return 0, false
	}
	oldest := q.events[0].Event.BlockNumber()
	for _, e := range q.events[1:] {
		if b := e.Event.BlockNumber(); b < oldest {
			oldest = b
		}
	}
	return oldest, true
}

func (q *delayedQueue) Len() int {
	return len(q.events)
}
