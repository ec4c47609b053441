package order

import (
	"errors"
	"fmt"
)

var ErrInvalidTransition = errors.New("invalid status transition")

var transitions = map[Status][]Status{
	StatusPendingPayment:   {StatusPaymentSubmitted, StatusPaid, StatusCancelled},
	StatusPaymentSubmitted: {StatusPaid, StatusRejected},
	StatusPaid:             {StatusRefunded},
}

func (s Status) Valid() bool {
	switch s {
	case StatusPendingPayment, StatusPaymentSubmitted, StatusPaid,
		StatusRejected, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
