package operation

import "fmt"

var transitions = map[Status][]Status{
	StatusPending:        {StatusInProgress, StatusCancelled},
	StatusInProgress:     {StatusCompleted, StatusFailed, StatusAwaitingSystem, StatusCancelled},
	StatusAwaitingSystem: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:         {StatusPending, StatusDeadLetter},
	StatusDeadLetter:     {StatusPending, StatusResolved},
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusResolved, StatusCancelled:
		return true
	default:
		return false
	}
}

// Schedulable reports whether next_retry_at may be set while in s.
func (s Status) Schedulable() bool {
	return s == StatusPending || s == StatusFailed
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TerminalStatuses lists the statuses that end an operation.
func TerminalStatuses() []Status {
	return []Status{StatusCompleted, StatusResolved, StatusCancelled}
}

// TransitionError reports an illegal edge.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s", e.From, e.To)
}
