package laborder

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ValidationError reports a malformed payload. Fields names the offending
// payload fields when known.
type ValidationError struct {
	Message string
	Fields  []string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, strings.Join(e.Fields, ", "))
}

// StateTransitionError reports an illegal transition or an unmet gate.
type StateTransitionError struct {
	From   OrderStatus
	To     OrderStatus
	Reason string
}

func (e *StateTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot move order from %s to %s: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("cannot move order from %s to %s", e.From, e.To)
}

// NotFoundError reports a missing order.
type NotFoundError struct {
	ID uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("lab order %s not found", e.ID)
}

// ConflictError reports an optimistic-concurrency failure: the caller
// held a stale version. Recoverable by re-reading and retrying.
type ConflictError struct {
	ID       uuid.UUID
	Expected int
	Actual   int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("lab order %s version conflict: expected %d, found %d", e.ID, e.Expected, e.Actual)
}
