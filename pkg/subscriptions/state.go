package subscriptions

import (
	"fmt"
	"strconv"
)

var transitions = map[Status][]Status{
	StatusTrialing: {StatusActive, StatusPastDue, StatusCancelled},
	StatusActive:   {StatusActive, StatusPastDue, StatusCancelled},
	StatusPastDue:  {StatusActive, StatusCancelled},
}

// CanTransition reports whether the state machine allows from → to
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves sub to status to, or fails with ErrInvalidTransition
func Transition(sub *Subscription, to Status) error {
	if !CanTransition(sub.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sub.Status, to)
	}
	sub.Status = to
	return nil
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
