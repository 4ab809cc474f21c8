package domain

import (
	"bytes"
	"reflect"

	"github.com/pingcap-incubator/tinystore/command"
	"github.com/pingcap-incubator/tinystore/store"
	"github.com/pingcap-incubator/tinystore/store/lock"
	"github.com/pingcap-incubator/tinystore/store/mvcc"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Register installs the handlers of every primitive command on cm, acting on
// st.
func Register(cm *command.Manager, st *store.Store) {
	h := &handlers{st: st}
	command.RegisterHandler[*AddNode](cm, command.HandlerFunc[*AddNode](h.addNode))
	command.RegisterHandler[*UpdateNode](cm, command.HandlerFunc[*UpdateNode](h.updateNode))
	command.RegisterHandler[*RemoveNode](cm, command.HandlerFunc[*RemoveNode](h.removeNode))
	command.RegisterHandler[*SetProperty](cm, command.HandlerFunc[*SetProperty](h.setProperty))
	command.RegisterHandler[*RemoveProperty](cm, command.HandlerFunc[*RemoveProperty](h.removeProperty))
}

type handlers struct {
	st *store.Store
}

// lockAndGet takes the write lock on key before reading it, so the value read
// is the one the following write replaces.
func (h *handlers) lockAndGet(s command.Session, key string) (mvcc.Value, bool, error) {
	if _, err := s.AcquireLock(lock.Exclusive, h.st.Resource(key)); err != nil {
		return nil, false, err
	}
	v, ok := h.st.Get(s, key)
	return v, ok, nil
}

func (h *handlers) addNode(s command.Session, cmd *AddNode) (command.Event, error) {
	err := h.st.Add(s, cmd.Key, cmd.Value, "")
	if store.IsDuplicateKey(err) {
		cur, ok := h.st.Get(s, cmd.Key)
		if !ok || !Equal(cur, cmd.Value) {
			return nil, err
		}
		// A retried add finds its own earlier insert and reports it once more.
		if !h.st.WrittenBy(s, cmd.Key) {
			log.Debug("node already present", zap.String("store", h.st.Name()), zap.String("key", cmd.Key))
			return nil, nil
		}
	} else if err != nil {
		return nil, err
	}
	return &command.AddElementEvent{
		EventBase: command.NewEventBase(h.st.Name(), cmd.Key, ""),
		Value:     cmd.Value.Clone(),
	}, nil
}

func (h *handlers) updateNode(s command.Session, cmd *UpdateNode) (command.Event, error) {
	old, ok, err := h.lockAndGet(s, cmd.Key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Trace(&store.ErrKeyNotFound{Store: h.st.Name(), Key: cmd.Key})
	}
	if Equal(old, cmd.Value) {
		return nil, nil
	}
	if err := h.st.Update(s, cmd.Key, cmd.Value); err != nil {
		return nil, err
	}
	return &command.ChangeValueEvent{
		EventBase: command.NewEventBase(h.st.Name(), cmd.Key, ""),
		Old:       old,
		New:       cmd.Value.Clone(),
	}, nil
}

func (h *handlers) removeNode(s command.Session, cmd *RemoveNode) (command.Event, error) {
	old, ok, err := h.lockAndGet(s, cmd.Key)
	if err != nil || !ok {
		return nil, err
	}
	for _, e := range h.st.ScanEntries(s, mvcc.KindProperty) {
		if e.OwnerKey != cmd.Key {
			continue
		}
		removed, err := h.st.Remove(s, e.Key)
		if err != nil {
			return nil, err
		}
		if !removed {
			continue
		}
		ev := &command.RemoveElementEvent{EventBase: command.NewEventBase(h.st.Name(), e.Key, cmd.Key), Value: e.Value}
		if err := s.AddEvent(ev); err != nil {
			return nil, err
		}
	}
	removed, err := h.st.Remove(s, cmd.Key)
	if err != nil || !removed {
		return nil, err
	}
	return &command.RemoveElementEvent{
		EventBase: command.NewEventBase(h.st.Name(), cmd.Key, ""),
		Value:     old,
	}, nil
}

func (h *handlers) setProperty(s command.Session, cmd *SetProperty) (command.Event, error) {
	if !h.st.Exists(s, cmd.Owner) {
		return nil, errors.Trace(&store.ErrKeyNotFound{Store: h.st.Name(), Key: cmd.Owner})
	}
	key := PropertyKey(cmd.Owner, cmd.Name)
	old, ok, err := h.lockAndGet(s, key)
	if err != nil {
		return nil, err
	}
	base := command.NewEventBase(h.st.Name(), key, cmd.Owner)
	if !ok {
		if err := h.st.Add(s, key, cmd.Value, cmd.Owner); err != nil {
			return nil, err
		}
		return &command.AddElementEvent{EventBase: base, Value: cmd.Value.Clone()}, nil
	}
	if Equal(old, cmd.Value) {
		return nil, nil
	}
	if err := h.st.Update(s, key, cmd.Value); err != nil {
		return nil, err
	}
	return &command.ChangeValueEvent{EventBase: base, Old: old, New: cmd.Value.Clone()}, nil
}

func (h *handlers) removeProperty(s command.Session, cmd *RemoveProperty) (command.Event, error) {
	key := PropertyKey(cmd.Owner, cmd.Name)
	old, ok, err := h.lockAndGet(s, key)
	if err != nil || !ok {
		return nil, err
	}
	removed, err := h.st.Remove(s, key)
	if err != nil || !removed {
		return nil, err
	}
	return &command.RemoveElementEvent{
		EventBase: command.NewEventBase(h.st.Name(), key, cmd.Owner),
		Value:     old,
	}, nil
}

// Equal compares two values structurally.
func Equal(a, b mvcc.Value) bool {
	switch av := a.(type) {
	case mvcc.Bytes:
		bv, ok := b.(mvcc.Bytes)
		return ok && bytes.Equal(av, bv)
	case mvcc.String:
		bv, ok := b.(mvcc.String)
		return ok && av == bv
	}
	return reflect.DeepEqual(a, b)
}
