package store

import "clinicflow/queue-service/internal/models"

// Effect describes the side effects a status transition carries. Each
// timestamp fires exactly once because the transition itself is only
// reachable once.
type Effect struct {
	SetsCalledAt    bool
	SetsStartedAt   bool
	SetsCompletedAt bool
	SetsCancelledAt bool
}

var transitionTable = map[string]map[string]Effect{
	models.StatusWaiting: {
		models.StatusCalled:     {SetsCalledAt: true},
		models.StatusInProgress: {SetsStartedAt: true},
		models.StatusSkipped:    {},
		models.StatusCancelled:  {SetsCancelledAt: true},
	},
	models.StatusCalled: {
		models.StatusInProgress: {SetsStartedAt: true},
		models.StatusSkipped:    {},
		models.StatusCancelled:  {SetsCancelledAt: true},
	},
	models.StatusInProgress: {
		models.StatusCompleted: {SetsCompletedAt: true},
		models.StatusCancelled: {SetsCancelledAt: true},
	},
}

// Transition validates a status change and returns its side effects.
func Transition(from, to string) (Effect, error) {
	if targets, ok := transitionTable[from]; ok {
		if effect, ok := targets[to]; ok {
			return effect, nil
		}
	}
	return Effect{}, &InvalidTransitionError{From: from, To: to}
}

// TerminalStatus reports whether no further transitions exist.
func TerminalStatus(status string) bool {
	switch status {
	case models.StatusCompleted, models.StatusSkipped, models.StatusCancelled:
		return true
	default:
		return false
	}
}

// LeavesWaiting reports whether a transition out of from removes the
// entry from the waiting set, requiring position renormalization.
func LeavesWaiting(from string) bool {
	return from == models.StatusWaiting
}
