package session

import (
	"fmt"
	"sort"

	"github.com/pingcap-incubator/tinystore/command"
	"github.com/pingcap-incubator/tinystore/store/mvcc"
)

// TrackingState is the net effect of a session on an element.
type TrackingState int

const (
	Unchanged TrackingState = iota
	Added
	Updated
	Removed
)

func (s TrackingState) String() string {
	switch s {
	case Unchanged:
		return "unchanged"
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// PropertyChange holds the value of a property before the session and after
// its last event. A nil value means the property did not exist.
type PropertyChange struct {
	Before mvcc.Value
	After  mvcc.Value
}

// TrackingElement summarizes what a session did to one node and its
// properties.
type TrackingElement struct {
	Store      string
	Key        string
	State      TrackingState
	Properties map[string]*PropertyChange
}

func (e *TrackingElement) property(key string, before mvcc.Value) *PropertyChange {
	p, ok := e.Properties[key]
	if !ok {
		p = &PropertyChange{Before: before}
		e.Properties[key] = p
	}
	return p
}

type elementID struct {
	store string
	key   string
}

// buildTracking folds events, in order, into one element per touched node.
// Elements added and removed within the session are dropped.
func buildTracking(events []command.Event) []*TrackingElement {
	elements := make(map[elementID]*TrackingElement)
	get := func(store, key string) *TrackingElement {
		id := elementID{store, key}
		el, ok := elements[id]
		if !ok {
			el = &TrackingElement{Store: store, Key: key, Properties: make(map[string]*PropertyChange)}
			elements[id] = el
		}
		return el
	}

	for _, ev := range events {
		if owner := ev.OwnerKey(); owner != "" {
			el := get(ev.Domain(), owner)
			if el.State == Unchanged {
				el.State = Updated
			}
			switch e := ev.(type) {
			case *command.AddElementEvent:
				el.property(e.Key, nil).After = e.Value
			case *command.RemoveElementEvent:
				el.property(e.Key, e.Value).After = nil
			case *command.ChangeValueEvent:
				el.property(e.Key, e.Old).After = e.New
			}
			continue
		}

		el := get(ev.Domain(), ev.ElementKey())
		switch ev.(type) {
		case *command.AddElementEvent:
			if el.State == Removed {
				el.State = Updated
			} else {
				el.State = Added
			}
		case *command.RemoveElementEvent:
			if el.State == Added {
				delete(elements, elementID{ev.Domain(), ev.ElementKey()})
			} else {
				el.State = Removed
			}
		case *command.ChangeValueEvent:
			if el.State == Unchanged {
				el.State = Updated
			}
		}
	}

	tracked := make([]*TrackingElement, 0, len(elements))
	for _, el := range elements {
		tracked = append(tracked, el)
	}
	sort.Slice(tracked, func(i, j int) bool {
		if tracked[i].Store != tracked[j].Store {
			return tracked[i].Store < tracked[j].Store
		}
		return tracked[i].Key < tracked[j].Key
	})
	return tracked
}
