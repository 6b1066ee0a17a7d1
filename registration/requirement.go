package registration

import (
	"math/big"

	"github.com/sirupsen/logrus"
)

// Transition is a tracked fact that changed value. Transitions are returned by state
// mutators and logged by whoever applied the mutation.
type Transition struct {
	Fact   string
	Value  bool
	Fields logrus.Fields
}

// AmountRequirement tracks a required quantity against its last observed value.
type AmountRequirement struct {
	name     string
	required *big.Int
	current  *big.Int
}

func NewAmountRequirement(name string, required *big.Int) *AmountRequirement {
	return &AmountRequirement{
		name:     name,
		required: new(big.Int).Set(required),
		current:  new(big.Int),
	}
}

func (r *AmountRequirement) Name() string {
	return r.name
}

func (r *AmountRequirement) Required() *big.Int {
	return new(big.Int).Set(r.required)
}

func (r *AmountRequirement) Current() *big.Int {
	return new(big.Int).Set(r.current)
}

func (r *AmountRequirement) IsSatisfied() bool {
	return r.current.Cmp(r.required) >= 0
}

// SetCurrent returns a transition when the new value flips the satisfied state.
func (r *AmountRequirement) SetCurrent(v *big.Int) []Transition {
	was := r.IsSatisfied()
	r.current = new(big.Int).Set(v)
	return r.transition(was)
}

func (r *AmountRequirement) SetRequired(v *big.Int) []Transition {
	was := r.IsSatisfied()
	r.required = new(big.Int).Set(v)
	return r.transition(was)
}

func (r *AmountRequirement) transition(was bool) []Transition {
	now := r.IsSatisfied()
	if now == was {
		return nil
	}
	return []Transition{{
		Fact:  r.name + "_satisfied",
		Value: now,
		Fields: logrus.Fields{
			"required": r.required.String(),
			"current":  r.current.String(),
		},
	}}
}
