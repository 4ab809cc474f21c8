package command

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinystore/store/mvcc"
)

// Event is a domain event emitted by a handler. Events whose OwnerKey is set
// describe a property of that node.
type Event interface {
	CorrelationID() uuid.UUID
	Domain() string
	ElementKey() string
	OwnerKey() string
}

// EventBase carries the fields common to every event.
type EventBase struct {
	ID    uuid.UUID
	Store string
	Key   string
	Owner string
	Time  time.Time
}

// NewEventBase stamps a new event for key in store. owner is empty for node
// events.
func NewEventBase(store, key, owner string) EventBase {
	return EventBase{ID: uuid.New(), Store: store, Key: key, Owner: owner, Time: time.Now()}
}

func (e *EventBase) CorrelationID() uuid.UUID { return e.ID }

func (e *EventBase) Domain() string { return e.Store }

func (e *EventBase) ElementKey() string { return e.Key }

func (e *EventBase) OwnerKey() string { return e.Owner }

// AddElementEvent reports a newly added node or property.
type AddElementEvent struct {
	EventBase
	Value mvcc.Value
}

func (e *AddElementEvent) String() string {
	return fmt.Sprintf("add %s/%s", e.Store, e.Key)
}

// RemoveElementEvent reports a removed node or property with its last value.
type RemoveElementEvent struct {
	EventBase
	Value mvcc.Value
}

func (e *RemoveElementEvent) String() string {
	return fmt.Sprintf("remove %s/%s", e.Store, e.Key)
}

// ChangeValueEvent reports an updated value.
type ChangeValueEvent struct {
	EventBase
	Old mvcc.Value
	New mvcc.Value
}

func (e *ChangeValueEvent) String() string {
	return fmt.Sprintf("change %s/%s", e.Store, e.Key)
}
