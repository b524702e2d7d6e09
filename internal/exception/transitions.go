package exception

// transitions is the closed legal-move table. CLOSED is terminal; anything
// not listed fails with INVALID_TRANSITION. Same-state no-ops are permitted
// silently and never enter this table.
var transitions = map[CaseStatus][]CaseStatus{
	StatusOpen:           {StatusInReview, StatusClosed},
	StatusInReview:       {StatusActionRequired, StatusResolved},
	StatusActionRequired: {StatusInReview},
	StatusResolved:       {StatusClosed},
	StatusClosed:         {},
}

// CanTransition reports whether from -> to is a legal move. A same-state
// move is reported as legal so callers can treat it as a silent no-op.
func CanTransition(from, to CaseStatus) bool {
	if from == to {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidStatus reports whether s is a known case status.
func ValidStatus(s CaseStatus) bool {
	_, ok := transitions[s]
	return ok
}

// ApplyEvent recomputes the case projection from its latest event. Pure: it
// returns an updated copy and never touches storage. Only a transition into
// CLOSED stamps the closed timestamp.
func ApplyEvent(c Case, e Event) Case {
	c.LatestEventID = e.ID
	c.LatestEventAt = e.OccurredAt
	if e.ToStatus != "" {
		c.Status = e.ToStatus
		if e.ToStatus == StatusClosed && c.ClosedAt == nil {
			at := e.OccurredAt
			c.ClosedAt = &at
		}
	}
	return c
}
