package txn

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

// IsolationLevel selects which committed writes a transaction observes.
type IsolationLevel int

const (
	// ReadCommitted sees every write committed before the read.
	ReadCommitted IsolationLevel = iota
	// Serializable sees only writes committed before the transaction started.
	Serializable
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadCommitted:
		return "read-committed"
	case Serializable:
		return "serializable"
	}
	return fmt.Sprintf("isolation(%d)", int(l))
}

// ParseIsolationLevel parses the names produced by IsolationLevel.String.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read-committed", "readcommitted", "rc":
		return ReadCommitted, nil
	case "serializable", "si":
		return Serializable, nil
	}
	return ReadCommitted, errors.Errorf("unknown isolation level %q", s)
}

// Status is the lifecycle state of a transaction.
type Status int32

const (
	Active Status = iota
	Committed
	Aborted
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// Transaction is one physical transaction. Nested scopes share it: each scope
// pushes a marker, and the transaction only becomes terminal when the last
// marker is resolved.
type Transaction struct {
	id        uint64
	isolation IsolationLevel
	startTime time.Time
	// activeAtStart is the snapshot taken for serializable transactions.
	activeAtStart map[uint64]struct{}

	commandSeq atomic.Uint64
	status     atomic.Int32

	mu           sync.Mutex
	markers      []Status
	abortMarked  bool
	participants map[string]struct{}
	acked        map[string]struct{}
}

func newTransaction(id uint64, isolation IsolationLevel) *Transaction {
	return &Transaction{
		id:           id,
		isolation:    isolation,
		startTime:    time.Now(),
		participants: make(map[string]struct{}),
		acked:        make(map[string]struct{}),
	}
}

func (t *Transaction) ID() uint64 { return t.id }

func (t *Transaction) Isolation() IsolationLevel { return t.isolation }

func (t *Transaction) StartTime() time.Time { return t.startTime }

func (t *Transaction) Status() Status { return Status(t.status.Load()) }

// NextCommand hands out the ordinal of the next command in this transaction.
// Ordinals start at 1.
func (t *Transaction) NextCommand() uint64 {
	return t.commandSeq.Inc()
}

// CurrentCommand returns the last ordinal handed out.
func (t *Transaction) CurrentCommand() uint64 {
	return t.commandSeq.Load()
}

// WasActiveAtStart reports whether id was running when this serializable
// transaction began. It is always false for read-committed transactions.
func (t *Transaction) WasActiveAtStart(id uint64) bool {
	_, ok := t.activeAtStart[id]
	return ok
}

// SnapshotMin returns the smallest id of the start snapshot, or the
// transaction's own id when the snapshot is empty.
func (t *Transaction) SnapshotMin() uint64 {
	min := t.id
	for id := range t.activeAtStart {
		if id < min {
			min = id
		}
	}
	return min
}

// Depth returns the number of unresolved nested markers.
func (t *Transaction) Depth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.markers)
}

// Enlist records that participant holds versions written by t. An aborted
// transaction is remembered until every participant acknowledged its cleanup.
func (t *Transaction) Enlist(participant string) {
	t.mu.Lock()
	t.participants[participant] = struct{}{}
	t.mu.Unlock()
}

// Participants returns the names passed to Enlist.
func (t *Transaction) Participants() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.participants))
	for name := range t.participants {
		names = append(names, name)
	}
	return names
}

func (t *Transaction) acknowledge(participant string) {
	t.mu.Lock()
	t.acked[participant] = struct{}{}
	t.mu.Unlock()
}

func (t *Transaction) fullyAcknowledged() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for p := range t.participants {
		if _, ok := t.acked[p]; !ok {
			return false
		}
	}
	return true
}

func (t *Transaction) push() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Status() != Active {
		return errors.Trace(&ErrTxnClosed{ID: t.id, Status: t.Status()})
	}
	t.markers = append(t.markers, Active)
	return nil
}

// pop resolves the innermost marker. done is true once no markers remain, in
// which case final is the terminal status of the transaction.
func (t *Transaction) pop(status Status) (final Status, done bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.markers)
	if n == 0 {
		return t.Status(), false, errors.Trace(&ErrTxnClosed{ID: t.id, Status: t.Status()})
	}
	t.markers = t.markers[:n-1]
	if status == Aborted {
		t.abortMarked = true
	}
	if n > 1 {
		return Active, false, nil
	}
	if t.abortMarked {
		return Aborted, true, nil
	}
	return Committed, true, nil
}

func (t *Transaction) String() string {
	return fmt.Sprintf("txn{id: %d, isolation: %s, status: %s}", t.id, t.isolation, t.Status())
}

// ErrTxnClosed is returned when a terminal transaction is nested into or
// resolved again.
type ErrTxnClosed struct {
	ID     uint64
	Status Status
}

func (e *ErrTxnClosed) Error() string {
	return fmt.Sprintf("transaction %d is already %s", e.ID, e.Status)
}
