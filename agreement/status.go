package agreement

// Transitions lists every edge the verification core may take. Conditional
// updates in the repository are the enforcement mechanism; this map is the
// reference the tests and the HTTP layer check against.
var Transitions = map[Status][]Status{
	StatusApprovalPending: {StatusVerifying},
	StatusVerifying:       {StatusLive, StatusFailedVerification},
	StatusLive:            {StatusCanceledHard, StatusExpired},
}

// ValidTransition reports whether from -> to is an edge the core may take.
func ValidTransition(from, to Status) bool {
	for _, next := range Transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the core will never move the agreement again.
func (s Status) Terminal() bool {
	switch s {
	case StatusExpired, StatusFailedVerification, StatusCanceledHard,
		StatusCanceledSoft, StatusRefunded, StatusClaimed:
		return true
	}
	return false
}
