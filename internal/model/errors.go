package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrValidation  = errors.New("invalid input")
	ErrPersistence = errors.New("persistence failure")
	// ErrDuplicate marks a detection suppressed by the dedupe window.
	ErrDuplicate = errors.New("duplicate detection")
	// ErrVisitConflict signals a concurrent visit transition lost the
	// conditional update. Unlike other visit errors it must surface to the
	// caller instead of degrading to manual review.
	ErrVisitConflict = errors.New("concurrent visit transition")
)

// InvalidStateError rejects an operation against an attempt that is no
// longer Pending, naming the decision it currently holds.
type InvalidStateError struct {
	Current Decision
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("attempt is not pending (current decision: %s)", e.Current)
}

func IsInvalidState(err error) bool {
	var ise *InvalidStateError
	return errors.As(err, &ise)
}
