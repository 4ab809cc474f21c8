package session

import (
	"strings"

	"github.com/pingcap-incubator/tinystore/command"
	"github.com/pingcap/errors"
	"go.uber.org/multierr"
)

var (
	// ErrReadOnly is returned for mutations on a frozen or read-only session.
	ErrReadOnly = errors.New("session is read-only")
	// ErrScopeMismatch is returned when closing a scope that is not the innermost one.
	ErrScopeMismatch = errors.New("session scopes must be closed innermost first")
	// ErrSessionClosed is returned when using a scope that was closed.
	ErrSessionClosed = errors.New("session is closed")
	// ErrTooManySessions is returned when every session index is in use.
	ErrTooManySessions = errors.New("too many concurrent sessions")
	// ErrUnknownDomain is returned when a command names an unregistered domain.
	ErrUnknownDomain = errors.New("unknown domain")
)

// SessionError aggregates the error messages collected by a session.
type SessionError struct {
	Aborted  bool
	Messages []command.Message
}

func (e *SessionError) Error() string {
	var b strings.Builder
	if e.Aborted {
		b.WriteString("session aborted")
	} else {
		b.WriteString("session failed")
	}
	for _, m := range e.Messages {
		if m.Level != command.LevelError {
			continue
		}
		b.WriteString("; ")
		b.WriteString(m.String())
	}
	return b.String()
}

// Unwrap exposes the errors carried by the messages.
func (e *SessionError) Unwrap() []error {
	var err error
	for _, m := range e.Messages {
		if m.Err != nil {
			err = multierr.Append(err, m.Err)
		}
	}
	return multierr.Errors(err)
}

// IsSessionError reports whether the cause of err is *SessionError.
func IsSessionError(err error) bool {
	_, ok := errors.Cause(err).(*SessionError)
	return ok
}
