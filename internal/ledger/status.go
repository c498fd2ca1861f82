package ledger

import "fmt"

// Status is the state of a PaymentRequest.
type Status string

const (
	StatusReceived Status = "RECEIVED"
	StatusPaid     Status = "PAID"
	StatusFailed   Status = "FAILED"
)

// AllowedTransitions defines valid status transitions
func AllowedTransitions() map[Status][]Status {
	return map[Status][]Status{
		StatusReceived: {StatusPaid, StatusFailed},
		StatusPaid:     {},
		StatusFailed:   {},
	}
}

// IsValidTransition checks if a status transition is allowed
func IsValidTransition(from, to Status) bool {
	for _, s := range AllowedTransitions()[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	next, known := AllowedTransitions()[s]
	return known && len(next) == 0
}

// InvalidTransitionError is returned when a status update does not start
// from a state that allows it.
type InvalidTransitionError struct {
	RequestID string
	From      Status
	To        Status
}

func (e *InvalidTransitionError) Error() string {
	from := string(e.From)
	if from == "" {
		from = "unknown"
	}
	return fmt.Sprintf("invalid status transition from %s to %s for request %s", from, e.To, e.RequestID)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
