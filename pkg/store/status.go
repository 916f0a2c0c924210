package store

import "strings"

// Status is the lifecycle state of a submitted work item. Transitions are
// monotonic: an item never moves backwards and terminal states are final.
type Status string

const (
	StatusSubmitted Status = "Submitted"
	StatusInProcess Status = "In Process"
	StatusCompleted Status = "Completed"
	StatusRejected  Status = "Rejected"
)

// statusRank orders states for monotonic transition checks. Both terminal
// states share the top rank but are not interchangeable; CanTransition
// handles that case explicitly.
var statusRank = map[Status]int{
	StatusSubmitted: 0,
	StatusInProcess: 1,
	StatusCompleted: 2,
	StatusRejected:  2,
}

// ParseStatus maps a service-reported status label onto the canonical set.
// The service calls freshly accepted orders "Pending", which is the same
// state as Submitted. Unknown labels map to Submitted so a new wording on
// the service side never loses an item.
func ParseStatus(label string) Status {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "pending", "submitted":
		return StatusSubmitted
	case "in process", "inprocess", "processing":
		return StatusInProcess
	case "completed", "complete", "success":
		return StatusCompleted
	case "rejected", "cancelled", "canceled", "failed":
		return StatusRejected
	default:
		return StatusSubmitted
	}
}

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusRejected
}

// CanTransition reports whether moving from s to next is allowed. Staying in
// place is always allowed so repeated reconciliation of an unchanged order
// is a no-op rather than an error.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	return statusRank[next] >= statusRank[s]
}
