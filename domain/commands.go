// Package domain holds the primitive commands over a store: adding, updating
// and removing nodes and their properties.
package domain

import "github.com/pingcap-incubator/tinystore/store/mvcc"

// PropertyKey is the store key of property name of owner.
func PropertyKey(owner, name string) string {
	return owner + "." + name
}

// AddNode inserts a node. Adding a node that already holds an equal value
// succeeds without an event, so the command can be retried.
type AddNode struct {
	Store string
	Key   string
	Value mvcc.Value
}

func (c *AddNode) Domain() string { return c.Store }

// UpdateNode replaces the value of an existing node.
type UpdateNode struct {
	Store string
	Key   string
	Value mvcc.Value
}

func (c *UpdateNode) Domain() string { return c.Store }

// RemoveNode removes a node together with its properties. Removing a missing
// node is a no-op.
type RemoveNode struct {
	Store string
	Key   string
}

func (c *RemoveNode) Domain() string { return c.Store }

// SetProperty adds or replaces property Name of node Owner.
type SetProperty struct {
	Store string
	Owner string
	Name  string
	Value mvcc.Value
}

func (c *SetProperty) Domain() string { return c.Store }

// RemoveProperty removes property Name of node Owner, if present.
type RemoveProperty struct {
	Store string
	Owner string
	Name  string
}

func (c *RemoveProperty) Domain() string { return c.Store }
