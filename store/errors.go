package store

import (
	"fmt"

	"github.com/pingcap-incubator/tinystore/store/mvcc"
	"github.com/pingcap/errors"
)

// ErrSessionRequired is returned when a write is issued without a session.
var ErrSessionRequired = errors.New("an active session is required")

// ErrDuplicateKey is returned when adding a key that is visible already.
type ErrDuplicateKey struct {
	Store string
	Key   string
}

func (e *ErrDuplicateKey) Error() string {
	return fmt.Sprintf("duplicate key %q in store %s", e.Key, e.Store)
}

// ErrKeyNotFound is returned when updating a key that is not visible.
type ErrKeyNotFound struct {
	Store string
	Key   string
}

func (e *ErrKeyNotFound) Error() string {
	return fmt.Sprintf("key %q not found in store %s", e.Key, e.Store)
}

// ErrKindMismatch is returned when adding key as a different kind of element,
// or under a different owner, than its version chain holds. The chain keeps
// its kind until vacuum drops it.
type ErrKindMismatch struct {
	Store    string
	Key      string
	Kind     mvcc.ElementKind
	OwnerKey string
}

func (e *ErrKindMismatch) Error() string {
	if e.OwnerKey != "" {
		return fmt.Sprintf("key %q in store %s is a %s of %q", e.Key, e.Store, e.Kind, e.OwnerKey)
	}
	return fmt.Sprintf("key %q in store %s is a %s", e.Key, e.Store, e.Kind)
}

func IsDuplicateKey(err error) bool {
	_, ok := errors.Cause(err).(*ErrDuplicateKey)
	return ok
}

func IsKeyNotFound(err error) bool {
	_, ok := errors.Cause(err).(*ErrKeyNotFound)
	return ok
}

func IsKindMismatch(err error) bool {
	_, ok := errors.Cause(err).(*ErrKindMismatch)
	return ok
}
