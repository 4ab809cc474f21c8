package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/pingcap-incubator/tinystore/store"
)

// PrimitivesDomain is the domain of bootstrap metadata commands. They bypass
// interceptors.
const PrimitivesDomain = "$primitives"

// Command is a state changing request. Domain names the store that handles
// it; an empty domain routes the command to the session's default domain.
type Command interface {
	Domain() string
}

// Session is the view of the running session handed to handlers and
// interceptors.
type Session interface {
	store.Tx
	ID() uint64
	// Context carries the session; nested Begin calls made with it join the
	// session.
	Context() context.Context
	Mode() SessionMode
	// AddEvent records a domain event. It fails once the session is frozen.
	AddEvent(e Event) error
	AddMessage(m Message)
}

// SessionMode is a set of flags changing how a session runs.
type SessionMode uint32

const (
	Normal SessionMode = 0
	// Loading bypasses every interceptor while bootstrapping.
	Loading SessionMode = 1 << 0
	// SkipConstraints disables constraint checks at completion.
	SkipConstraints SessionMode = 1 << 1
	// SkipNotifications disables completion listeners.
	SkipNotifications SessionMode = 1 << 2
	// Silent suppresses the aggregated session error.
	Silent SessionMode = 1 << 3
	Undo   SessionMode = 1 << 4
	Redo   SessionMode = 1 << 5
	// ReadOnly rejects events and exclusive locks.
	ReadOnly SessionMode = 1 << 6

	UndoOrRedo = Undo | Redo
)

// Has reports whether any flag of f is set in m.
func (m SessionMode) Has(f SessionMode) bool {
	return m&f != 0
}

func (m SessionMode) String() string {
	if m == Normal {
		return "normal"
	}
	var names []string
	for _, f := range []struct {
		flag SessionMode
		name string
	}{
		{Loading, "loading"},
		{SkipConstraints, "skip-constraints"},
		{SkipNotifications, "skip-notifications"},
		{Silent, "silent"},
		{Undo, "undo"},
		{Redo, "redo"},
		{ReadOnly, "read-only"},
	} {
		if m.Has(f.flag) {
			names = append(names, f.name)
		}
	}
	if len(names) == 0 {
		return fmt.Sprintf("mode(%d)", uint32(m))
	}
	return strings.Join(names, "|")
}

// Handler executes commands of type C and returns the resulting event, if
// any.
type Handler[C Command] interface {
	Handle(s Session, cmd C) (Event, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc[C Command] func(s Session, cmd C) (Event, error)

func (f HandlerFunc[C]) Handle(s Session, cmd C) (Event, error) {
	return f(s, cmd)
}
