package order

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound            = errors.New("order not found")
	ErrValidation          = errors.New("invalid order")
	ErrIllegalTransition   = errors.New("illegal order transition")
	ErrAmbiguousOrder      = errors.New("ambiguous order")
	ErrConfiguration       = errors.New("order configuration error")
	ErrConcurrencyConflict = errors.New("concurrent order modification")
)

func validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func illegalf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrIllegalTransition, fmt.Sprintf(format, args...))
}

// AmbiguousOrderError lists the orders that could each have been the one the
// caller meant.
type AmbiguousOrderError struct {
	Reason     string
	Candidates []*Order
}

func (e *AmbiguousOrderError) Error() string {
	numbers := make([]string, 0, len(e.Candidates))
	for _, c := range e.Candidates {
		numbers = append(numbers, c.OrderNumber)
	}
	return fmt.Sprintf("%s: %s [%s]", ErrAmbiguousOrder, e.Reason, strings.Join(numbers, ", "))
}

func (e *AmbiguousOrderError) Unwrap() error {
	return ErrAmbiguousOrder
}

// CandidateNumbers returns the order numbers of the conflicting orders.
func (e *AmbiguousOrderError) CandidateNumbers() []string {
	out := make([]string, 0, len(e.Candidates))
	for _, c := range e.Candidates {
		out = append(out, c.OrderNumber)
	}
	return out
}
