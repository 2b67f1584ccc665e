package store

import "fmt"

// AccountState is a node in the account lifecycle DAG.
type AccountState string

const (
	StateCreated     AccountState = "created"
	StateWarmingP1   AccountState = "warming_p1"
	StateWarmingP2   AccountState = "warming_p2"
	StateWarmingP3   AccountState = "warming_p3"
	StateActive      AccountState = "active"
	StateResting     AccountState = "resting"
	StateCooldown    AccountState = "cooldown"
	StateFlagged     AccountState = "flagged"
	StateRestricted  AccountState = "restricted"
	StateShadowbanned AccountState = "shadowbanned"
	StateSuspended   AccountState = "suspended"
	StateBanned      AccountState = "banned"
)

// exceptionStates are the degradation targets reachable from any warming
// or active state via the failure classifier.
var exceptionStates = []AccountState{
	StateFlagged, StateRestricted, StateShadowbanned, StateSuspended, StateBanned,
}

var legalTransitions = map[AccountState][]AccountState{
	StateCreated:   {StateWarmingP1},
	StateWarmingP1: append([]AccountState{StateWarmingP2}, exceptionStates...),
	StateWarmingP2: append([]AccountState{StateWarmingP3}, exceptionStates...),
	StateWarmingP3: append([]AccountState{StateActive}, exceptionStates...),
	StateActive:    append([]AccountState{StateResting, StateCooldown}, exceptionStates...),
	StateResting:   {StateActive},
	StateCooldown:  {StateActive},
}

// CanTransition reports whether from → to is a legal edge. A state is
// always allowed to stay where it is (a session that does not cross a
// day-count boundary writes the same state back).
func CanTransition(from, to AccountState) bool {
	if from == to {
		return true
	}
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateForDay is the deterministic phase-by-day function: the state an
// account belongs in after completing the given number of warming days.
func StateForDay(dayCount int) AccountState {
	switch {
	case dayCount <= 3:
		return StateWarmingP1
	case dayCount <= 7:
		return StateWarmingP2
	case dayCount <= 14:
		return StateWarmingP3
	default:
		return StateActive
	}
}

// ErrIllegalTransition is returned when a requested state change is not an
// edge of the lifecycle DAG.
type ErrIllegalTransition struct {
	From, To AccountState
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal account state transition %s -> %s", e.From, e.To)
}
