package command

import (
	"fmt"

	"github.com/pingcap/errors"
)

var (
	// ErrNoHandler is returned for a command type nothing was registered for.
	ErrNoHandler = errors.New("no handler registered for command")
	// ErrRetryExhausted aborts a command still asking for retry after the
	// retry budget is spent.
	ErrRetryExhausted = errors.New("command retries exhausted")
)

// AbortError stops the session: an interceptor aborted, the retry budget ran
// out, the session was canceled, or error handling failed.
type AbortError struct {
	Command string
	Cause   error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("command %s aborted: %v", e.Command, e.Cause)
}

func (e *AbortError) Unwrap() error { return e.Cause }

// IsAbort reports whether err aborts the session.
func IsAbort(err error) bool {
	_, ok := errors.Cause(err).(*AbortError)
	return ok
}
