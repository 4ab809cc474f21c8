package mvcc

import (
	"fmt"

	"github.com/pingcap-incubator/tinystore/store/txn"
)

// CommandContext decides which slots a single command may observe. It binds
// the executing transaction (nil for a reader outside any transaction) and
// the ordinal of the command within it.
type CommandContext struct {
	txns    *txn.Manager
	txn     *txn.Transaction
	ordinal uint64
}

// NewCommandContext builds a context for the command with the given ordinal.
// A nil transaction reads the latest committed state.
func NewCommandContext(txns *txn.Manager, t *txn.Transaction, ordinal uint64) *CommandContext {
	return &CommandContext{txns: txns, txn: t, ordinal: ordinal}
}

// TxnID returns the executing transaction id, zero when there is none.
func (c *CommandContext) TxnID() uint64 {
	if c.txn == nil {
		return 0
	}
	return c.txn.ID()
}

func (c *CommandContext) Transaction() *txn.Transaction { return c.txn }

func (c *CommandContext) Ordinal() uint64 { return c.ordinal }

// IsVisible reports whether s belongs to the snapshot of this command.
//
// A slot written by the executing transaction is visible once the creating
// command precedes this one, until a command not after this one deleted it.
// Any other slot is visible when its creator is valid for this reader and it
// was either never deleted, deleted by this transaction at a later command,
// or deleted by a transaction that is not valid.
func (c *CommandContext) IsVisible(s *Slot) bool {
	xid := c.TxnID()
	if xid != 0 && s.XMin == xid {
		if s.CMin >= c.ordinal {
			return false
		}
		return s.XMax == 0 || (s.XMax == xid && s.CMax >= c.ordinal)
	}
	if !c.isValid(s.XMin) {
		return false
	}
	if s.XMax == 0 {
		return true
	}
	if xid != 0 && s.XMax == xid {
		return s.CMax >= c.ordinal
	}
	return !c.isValid(s.XMax)
}

// isValid reports whether the effects of transaction id count for this
// reader. Unknown ids were vacuumed after committing.
func (c *CommandContext) isValid(id uint64) bool {
	if c.txn != nil {
		if id == c.txn.ID() {
			return true
		}
		if c.txn.Isolation() == txn.Serializable && (id > c.txn.ID() || c.txn.WasActiveAtStart(id)) {
			return false
		}
	}
	status, ok := c.txns.Status(id)
	return !ok || status == txn.Committed
}

func (c *CommandContext) String() string {
	return fmt.Sprintf("ctx{txn: %d, cmd: %d}", c.TxnID(), c.ordinal)
}
