package attendance

import "time"

// PairState of an employee's punch automaton
type PairState int

const (
	StateClosed PairState = iota
	StateOpen
)

func (s PairState) String() string {
	if s == StateOpen {
		return "open"
	}
	return "closed"
}

// Transition produced by feeding one punch to the automaton
type Transition int

const (
	TransitionOpen Transition = iota + 1
	TransitionClose
	TransitionStray
)

// Pairing is the per employee check-in/check-out automaton.
//
//	CLOSED --punch--> OPEN
//	OPEN --later punch--> CLOSED
//	any --punch at or before LastPunch--> unchanged (stray)
//
// LastPunch is the raw time of the latest punch already folded in, so an
// exact duplicate delivery is always stray.
type Pairing struct {
	State     PairState
	CheckIn   time.Time
	LastPunch time.Time
}

// Next returns the transition for a punch at t and the state after it. The
// receiver is not modified so callers can commit the new state only once the
// effect is stored.
func (p Pairing) Next(t time.Time) (Transition, Pairing) {
	if !p.LastPunch.IsZero() && !t.After(p.LastPunch) {
		return TransitionStray, p
	}
	if p.State == StateOpen {
		if !t.After(p.CheckIn) {
			return TransitionStray, p
		}
		return TransitionClose, Pairing{State: StateClosed, CheckIn: p.CheckIn, LastPunch: t}
	}
	return TransitionOpen, Pairing{State: StateOpen, CheckIn: t, LastPunch: t}
}
