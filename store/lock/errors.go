package lock

import (
	"fmt"
	"time"

	"github.com/pingcap/errors"
)

// ErrDeadlock is returned when a lock could not be acquired within the
// deadlock timeout.
type ErrDeadlock struct {
	Resource string
	Owner    uint64
	Timeout  time.Duration
}

func (e *ErrDeadlock) Error() string {
	return fmt.Sprintf("deadlock: session %d waited %v for %q", e.Owner, e.Timeout, e.Resource)
}

// ErrSerializableConflict is returned to a serializable session that waited
// for an exclusive lock whose previous holder committed meanwhile.
type ErrSerializableConflict struct {
	Resource string
	Owner    uint64
}

func (e *ErrSerializableConflict) Error() string {
	return fmt.Sprintf("serializable conflict: session %d on %q, previous holder committed", e.Owner, e.Resource)
}

// IsDeadlock reports whether the cause of err is *ErrDeadlock.
func IsDeadlock(err error) bool {
	_, ok := errors.Cause(err).(*ErrDeadlock)
	return ok
}

// IsSerializableConflict reports whether the cause of err is *ErrSerializableConflict.
func IsSerializableConflict(err error) bool {
	_, ok := errors.Cause(err).(*ErrSerializableConflict)
	return ok
}
