package ticket

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned for operations on an unknown ticket.
	ErrNotFound = errors.New("ticket not found")
	// ErrAlreadyReplied is returned when a ticket already has its final reply.
	ErrAlreadyReplied = errors.New("ticket already replied")
	// ErrLockDenied matches any *LockDeniedError.
	ErrLockDenied = errors.New("ticket locked by another agent")
)

// LockDeniedError reports the agent currently holding a valid lock.
type LockDeniedError struct {
	TicketID   int64
	HolderID   string
	HolderName string
	Since      time.Time
}

func (e *LockDeniedError) Error() string {
	return fmt.Sprintf("ticket %d is being handled by %s", e.TicketID, e.HolderName)
}

func (e *LockDeniedError) Is(target error) bool {
	return target == ErrLockDenied
}

func notFound(id int64) error {
	return fmt.Errorf("%w: %d", ErrNotFound, id)
}
