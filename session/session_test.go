package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinystore/command"
	"github.com/pingcap-incubator/tinystore/domain"
	"github.com/pingcap-incubator/tinystore/store"
	"github.com/pingcap-incubator/tinystore/store/lock"
	"github.com/pingcap-incubator/tinystore/store/mvcc"
	"github.com/pingcap-incubator/tinystore/store/txn"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const graph = "graph"

type testEnv struct {
	mgr      *Manager
	st       *store.Store
	commands *command.Manager
}

func newTestEnv(t *testing.T, opts ...command.Option) *testEnv {
	txns := txn.NewManager()
	locks := lock.NewManager(200 * time.Millisecond)
	st := store.New(graph, txns, locks)
	cm := command.NewManager(opts...)
	domain.Register(cm, st)
	mgr := NewManager(Options{MaxWorkers: 4}, txns, locks)
	mgr.RegisterDomain(&Domain{Name: graph, Store: st, Commands: cm})
	return &testEnv{mgr: mgr, st: st, commands: cm}
}

func (e *testEnv) begin(t *testing.T, iso txn.IsolationLevel) *Session {
	s, err := e.mgr.Begin(context.Background(), Config{Isolation: iso, DefaultDomain: graph})
	require.NoError(t, err)
	return s
}

func (e *testEnv) commit(t *testing.T, s *Session) {
	s.AcceptChanges()
	require.NoError(t, s.Close())
}

func addNode(key, value string) *domain.AddNode {
	return &domain.AddNode{Store: graph, Key: key, Value: mvcc.String(value)}
}

func TestAddAcceptCloseIsVisibleToLaterSession(t *testing.T) {
	env := newTestEnv(t)

	s := env.begin(t, txn.ReadCommitted)
	_, err := s.Execute(addNode("K1", "v1"))
	require.NoError(t, err)
	env.commit(t, s)

	s2 := env.begin(t, txn.ReadCommitted)
	defer s2.Close()
	v, ok := env.st.Get(s2, "K1")
	require.True(t, ok)
	assert.Equal(t, mvcc.String("v1"), v)
	assert.Equal(t, 1, env.mgr.Active())
}

func TestSerializableSessionOrderings(t *testing.T) {
	env := newTestEnv(t)

	// Reader starts before the writer commits.
	s := env.begin(t, txn.Serializable)
	w := env.begin(t, txn.ReadCommitted)
	_, err := w.Execute(addNode("K2", "v"))
	require.NoError(t, err)
	env.commit(t, w)
	assert.False(t, env.st.Exists(s, "K2"))
	env.commit(t, s)

	// Reader starts after the writer committed.
	w = env.begin(t, txn.ReadCommitted)
	_, err = w.Execute(addNode("K3", "v"))
	require.NoError(t, err)
	env.commit(t, w)
	s = env.begin(t, txn.Serializable)
	assert.True(t, env.st.Exists(s, "K3"))
	env.commit(t, s)
}

func TestNestedScopes(t *testing.T) {
	env := newTestEnv(t)

	outer := env.begin(t, txn.ReadCommitted)
	inner, err := env.mgr.Begin(outer.Context(), Config{})
	require.NoError(t, err)
	assert.Equal(t, outer.ID(), inner.ID())
	assert.Equal(t, 1, env.mgr.Active())

	_, err = inner.Execute(addNode("a", "1"))
	require.NoError(t, err)
	require.Equal(t, 2, inner.Transaction().Depth())
	env.commit(t, inner)
	assert.Equal(t, 1, outer.Transaction().Depth())

	// Not yet committed: other sessions cannot see it.
	assert.False(t, env.st.Exists(nil, "a"))
	env.commit(t, outer)
	assert.True(t, env.st.Exists(nil, "a"))
}

func TestNestedScopeWithoutAcceptAbortsSession(t *testing.T) {
	env := newTestEnv(t)

	outer := env.begin(t, txn.ReadCommitted)
	_, err := outer.Execute(addNode("a", "1"))
	require.NoError(t, err)
	inner, err := outer.BeginNested(Config{})
	require.NoError(t, err)
	_, err = inner.Execute(addNode("b", "1"))
	require.NoError(t, err)
	require.NoError(t, inner.Close())

	outer.AcceptChanges()
	err = outer.Close()
	require.Error(t, err)
	se, ok := errors.Cause(err).(*SessionError)
	require.True(t, ok)
	assert.True(t, se.Aborted)
	assert.False(t, env.st.Exists(nil, "a"))
	assert.False(t, env.st.Exists(nil, "b"))
	assert.Equal(t, txn.Aborted, outer.Transaction().Status())
}

func TestTransactionStartsLazilyInsideNestedScope(t *testing.T) {
	env := newTestEnv(t)

	outer := env.begin(t, txn.ReadCommitted)
	assert.Nil(t, outer.Transaction())
	inner, err := outer.BeginNested(Config{})
	require.NoError(t, err)
	_, err = inner.Execute(addNode("a", "1"))
	require.NoError(t, err)
	assert.Equal(t, 2, inner.Transaction().Depth())
	env.commit(t, inner)
	env.commit(t, outer)
	assert.True(t, env.st.Exists(nil, "a"))
}

func TestScopesCloseInnermostFirst(t *testing.T) {
	env := newTestEnv(t)

	outer := env.begin(t, txn.ReadCommitted)
	inner, err := outer.BeginNested(Config{})
	require.NoError(t, err)
	assert.Equal(t, ErrScopeMismatch, errors.Cause(outer.Close()))

	require.NoError(t, inner.Close())
	assert.Equal(t, ErrSessionClosed, errors.Cause(inner.Close()))
	outer.AcceptChanges()
	// The inner scope was not accepted.
	assert.Error(t, outer.Close())
	assert.Equal(t, ErrSessionClosed, errors.Cause(outer.Close()))
	assert.Equal(t, 0, env.mgr.Active())
}

func TestReadOnlyMode(t *testing.T) {
	env := newTestEnv(t)

	s, err := env.mgr.Begin(context.Background(), Config{Mode: command.ReadOnly, DefaultDomain: graph})
	require.NoError(t, err)
	_, err = s.AcquireLock(lock.Exclusive, "x")
	assert.Equal(t, ErrReadOnly, errors.Cause(err))
	g, err := s.AcquireLock(lock.Shared, "x")
	require.NoError(t, err)
	assert.Equal(t, "x", g.Resource())

	_, err = s.Execute(addNode("a", "1"))
	require.Error(t, err)
	s.AcceptChanges()
	assert.Error(t, s.Close())
	assert.False(t, env.st.Exists(nil, "a"))
	assert.False(t, env.mgr.Locks().HasLock("x"))
}

func TestConstraintsSeeSessionWritesAndAreReadOnly(t *testing.T) {
	env := newTestEnv(t)

	var mu sync.Mutex
	seen := make(map[string]bool)
	var addErr, writeErr error
	env.mgr.AddConstraint(ConstraintFunc(func(s *Session, el *TrackingElement) []command.Message {
		mu.Lock()
		defer mu.Unlock()
		seen[el.Key] = env.st.Exists(s, el.Key)
		addErr = s.AddEvent(&command.AddElementEvent{EventBase: command.NewEventBase(graph, "z", "")})
		writeErr = env.st.Add(s, "z", mvcc.String("z"), "")
		return nil
	}))

	s := env.begin(t, txn.ReadCommitted)
	_, err := s.Execute(addNode("a", "1"), addNode("b", "2"), addNode("c", "3"))
	require.NoError(t, err)
	env.commit(t, s)

	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, seen)
	assert.Equal(t, ErrReadOnly, errors.Cause(addErr))
	assert.Equal(t, ErrReadOnly, errors.Cause(writeErr))
	assert.False(t, env.st.Exists(nil, "z"))
}

func TestConstraintErrorAbortsSession(t *testing.T) {
	env := newTestEnv(t)
	env.mgr.AddConstraint(ConstraintFunc(func(s *Session, el *TrackingElement) []command.Message {
		if el.Key != "bad" {
			return nil
		}
		return []command.Message{{Level: command.LevelError, Text: "bad key"}}
	}))

	s := env.begin(t, txn.ReadCommitted)
	_, err := s.Execute(addNode("good", "1"), addNode("bad", "1"))
	require.NoError(t, err)
	s.AcceptChanges()
	err = s.Close()
	require.True(t, IsSessionError(err))
	se := errors.Cause(err).(*SessionError)
	assert.True(t, se.Aborted)
	require.Len(t, se.Messages, 1)
	assert.Equal(t, "bad", se.Messages[0].Key)
	assert.False(t, env.st.Exists(nil, "good"))
}

func TestConstraintPanicAbortsSession(t *testing.T) {
	env := newTestEnv(t)
	env.mgr.AddConstraint(ConstraintFunc(func(*Session, *TrackingElement) []command.Message {
		panic("boom")
	}))

	s := env.begin(t, txn.ReadCommitted)
	_, err := s.Execute(addNode("a", "1"))
	require.NoError(t, err)
	s.AcceptChanges()
	assert.True(t, IsSessionError(s.Close()))
	assert.False(t, env.st.Exists(nil, "a"))
}

func TestSkipConstraints(t *testing.T) {
	env := newTestEnv(t)
	called := false
	env.mgr.AddConstraint(ConstraintFunc(func(*Session, *TrackingElement) []command.Message {
		called = true
		return nil
	}))

	s, err := env.mgr.Begin(context.Background(), Config{Mode: command.SkipConstraints, DefaultDomain: graph})
	require.NoError(t, err)
	_, err = s.Execute(addNode("a", "1"))
	require.NoError(t, err)
	env.commit(t, s)
	assert.False(t, called)
	assert.True(t, env.st.Exists(nil, "a"))
}

func TestCompletedListeners(t *testing.T) {
	env := newTestEnv(t)
	var infos []*Info
	env.mgr.OnCompleted(func(info *Info) error {
		infos = append(infos, info)
		return errors.New("listener failed")
	})

	s := env.begin(t, txn.ReadCommitted)
	_, err := s.Execute(addNode("a", "1"))
	require.NoError(t, err)
	env.commit(t, s)

	require.Len(t, infos, 1)
	assert.Equal(t, s.ID(), infos[0].ID)
	assert.Equal(t, s.CorrelationID(), infos[0].CorrelationID)
	assert.False(t, infos[0].Aborted)
	require.Len(t, infos[0].Elements, 1)
	assert.Equal(t, Added, infos[0].Elements[0].State)
	require.Len(t, infos[0].Events, 1)

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, command.LevelWarning, msgs[0].Level)
	assert.True(t, env.st.Exists(nil, "a"))
}

// flaky fails the first attempts after the handler ran and asks for a retry.
type flaky struct {
	command.InterceptorBase[*domain.AddNode]
	failures int
}

func (f *flaky) AfterHandler(command.Session, *domain.AddNode, command.Event) command.AfterDecision {
	if f.failures > 0 {
		f.failures--
		panic("transient")
	}
	return command.AfterContinue
}

func (f *flaky) OnError(command.Session, *domain.AddNode, error) command.ErrorDecision {
	return command.ErrorRetry
}

func TestRetryRecordsOneEvent(t *testing.T) {
	env := newTestEnv(t)
	command.RegisterInterceptor[*domain.AddNode](env.commands, &flaky{failures: 3}, 0)

	s := env.begin(t, txn.ReadCommitted)
	_, err := s.Execute(addNode("a", "1"))
	require.NoError(t, err)
	assert.Len(t, s.Events(), 1)
	env.commit(t, s)
	assert.True(t, env.st.Exists(nil, "a"))
}

func TestRetryExhaustionAbortsSession(t *testing.T) {
	env := newTestEnv(t)
	command.RegisterInterceptor[*domain.AddNode](env.commands, &flaky{failures: 1000}, 0)

	s := env.begin(t, txn.ReadCommitted)
	res, err := s.Execute(addNode("a", "1"), addNode("b", "1"))
	require.True(t, IsSessionError(err))
	assert.True(t, res.Aborted)
	s.AcceptChanges()
	assert.True(t, IsSessionError(s.Close()))
	assert.False(t, env.st.Exists(nil, "a"))
	assert.False(t, env.st.Exists(nil, "b"))
}

func TestSilentSessionKeepsMessages(t *testing.T) {
	env := newTestEnv(t)

	s, err := env.mgr.Begin(context.Background(), Config{Mode: command.Silent, DefaultDomain: graph})
	require.NoError(t, err)
	_, err = s.Execute(&domain.UpdateNode{Store: graph, Key: "missing", Value: mvcc.String("x")})
	require.NoError(t, err)
	s.AcceptChanges()
	require.NoError(t, s.Close())

	msgs := s.Messages()
	require.True(t, command.HasErrors(msgs))
	assert.True(t, store.IsKeyNotFound(msgs[0].Err))
}

func TestCommandErrorFailsSession(t *testing.T) {
	env := newTestEnv(t)

	s := env.begin(t, txn.ReadCommitted)
	_, err := s.Execute(addNode("a", "1"), &domain.UpdateNode{Store: graph, Key: "missing", Value: mvcc.String("x")})
	require.True(t, IsSessionError(err))
	s.AcceptChanges()
	assert.True(t, IsSessionError(s.Close()))
	assert.False(t, env.st.Exists(nil, "a"))
}

func TestUnknownDomain(t *testing.T) {
	env := newTestEnv(t)

	s := env.begin(t, txn.ReadCommitted)
	defer s.Close()
	_, err := s.Execute(&domain.AddNode{Store: "nowhere", Key: "a", Value: mvcc.String("1")})
	require.True(t, IsSessionError(err))
	assert.Equal(t, ErrUnknownDomain, errors.Cause(errors.Cause(err).(*SessionError).Messages[0].Err))
}

func TestTimeoutAbortsSession(t *testing.T) {
	env := newTestEnv(t)

	s, err := env.mgr.Begin(context.Background(), Config{DefaultDomain: graph, Timeout: 10 * time.Millisecond})
	require.NoError(t, err)
	<-s.Context().Done()
	res, err := s.Execute(addNode("a", "1"))
	require.Error(t, err)
	assert.True(t, res.Aborted)
	s.AcceptChanges()
	assert.True(t, IsSessionError(s.Close()))
	assert.False(t, env.st.Exists(nil, "a"))
}

func TestCancelAbortsSession(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	s, err := env.mgr.Begin(ctx, Config{DefaultDomain: graph})
	require.NoError(t, err)
	_, err = s.Execute(addNode("a", "1"))
	require.NoError(t, err)
	cancel()
	s.AcceptChanges()
	err = s.Close()
	require.True(t, IsSessionError(err))
	assert.True(t, errors.Cause(err).(*SessionError).Aborted)
	assert.False(t, env.st.Exists(nil, "a"))
}

func TestDeadlockBetweenSessions(t *testing.T) {
	env := newTestEnv(t)

	s1 := env.begin(t, txn.ReadCommitted)
	_, err := s1.Execute(addNode("a", "1"))
	require.NoError(t, err)

	s2 := env.begin(t, txn.ReadCommitted)
	_, err = s2.Execute(addNode("a", "2"))
	require.True(t, IsSessionError(err))
	msgs := errors.Cause(err).(*SessionError).Messages
	require.Len(t, msgs, 1)
	assert.True(t, lock.IsDeadlock(msgs[0].Err))
	assert.Error(t, s2.Close())

	env.commit(t, s1)
	v, _ := env.st.Get(nil, "a")
	assert.Equal(t, mvcc.String("1"), v)
	assert.Equal(t, 0, env.mgr.Locks().Len())
}

func TestLockPromotionWithinSession(t *testing.T) {
	env := newTestEnv(t)

	s := env.begin(t, txn.ReadCommitted)
	_, err := s.AcquireLock(lock.Shared, "r")
	require.NoError(t, err)
	_, err = s.AcquireLock(lock.Exclusive, "r")
	require.NoError(t, err)
	info, ok := env.mgr.Locks().Info("r")
	require.True(t, ok)
	assert.Equal(t, lock.Exclusive, info.Mode)
	env.commit(t, s)
	assert.False(t, env.mgr.Locks().HasLock("r"))
}

func TestAttachAndDetach(t *testing.T) {
	env := newTestEnv(t)

	s := env.begin(t, txn.ReadCommitted)
	_, err := s.Execute(addNode("a", "1"))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		w, err := env.mgr.Attach(s.Token())
		if !assert.NoError(t, err) {
			return
		}
		defer w.Detach()
		assert.Equal(t, s.ID(), w.ID())
		assert.True(t, env.st.Exists(w, "a"))
		_, err = w.BeginNested(Config{})
		assert.Error(t, err)
	}()
	<-done

	tok := s.Token()
	env.commit(t, s)
	_, err = env.mgr.Attach(tok)
	assert.Equal(t, ErrSessionClosed, errors.Cause(err))
}

func TestTooManySessions(t *testing.T) {
	env := newTestEnv(t)

	sessions := make([]*Session, 0, MaxSessions)
	for i := 0; i < MaxSessions; i++ {
		s, err := env.mgr.Begin(context.Background(), Config{})
		require.NoError(t, err)
		sessions = append(sessions, s)
	}
	_, err := env.mgr.Begin(context.Background(), Config{})
	assert.Equal(t, ErrTooManySessions, errors.Cause(err))

	freed := sessions[41]
	env.commit(t, freed)
	s, err := env.mgr.Begin(context.Background(), Config{})
	require.NoError(t, err)
	assert.Equal(t, freed.Index(), s.Index())
	assert.NotEqual(t, freed.ID(), s.ID())
	sessions[41] = s

	for _, s := range sessions {
		env.commit(t, s)
	}
	assert.Equal(t, 0, env.mgr.Active())
}

func TestContextCarriesSession(t *testing.T) {
	env := newTestEnv(t)
	assert.Nil(t, FromContext(context.Background()))

	s := env.begin(t, txn.ReadCommitted)
	assert.Same(t, s, FromContext(s.Context()))
	env.commit(t, s)
}
