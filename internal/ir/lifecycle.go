package ir

// allowedTransitions is the forward-only rule lifecycle. rolled_back is the
// only move out of a terminal state.
var allowedTransitions = map[RuleStatus]map[RuleStatus]struct{}{
	StatusPending: {
		StatusInProgress: {},
		StatusCompleted:  {},
		StatusFailed:     {},
	},
	StatusInProgress: {
		StatusCompleted: {},
		StatusFailed:    {},
	},
	StatusCompleted: {
		StatusRolledBack: {},
	},
	StatusFailed: {
		StatusRolledBack: {},
	},
}

// CanTransition reports whether a rule may move from one status to another.
func CanTransition(from, to RuleStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Terminal reports whether no further forward transition exists from s.
func (s RuleStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRolledBack
}
