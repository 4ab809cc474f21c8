package command

// BeforeDecision is returned by Interceptor.BeforeHandler.
type BeforeDecision int

const (
	BeforeContinue BeforeDecision = iota
	// BeforeSkipCommand treats the command as a successful no-op.
	BeforeSkipCommand
	// BeforeAbort aborts the session.
	BeforeAbort
)

// AfterDecision is returned by Interceptor.AfterHandler.
type AfterDecision int

const (
	AfterContinue AfterDecision = iota
	AfterAbort
)

// ErrorDecision is returned by Interceptor.OnError.
type ErrorDecision int

const (
	// ErrorContinue expresses no opinion.
	ErrorContinue ErrorDecision = iota
	// ErrorRetry runs the command again, skipping before interceptors.
	ErrorRetry
	// ErrorAbort aborts the session.
	ErrorAbort
)

// Interceptor wraps the execution of commands assignable to C. C may be a
// concrete command type or an interface; an interface interceptor applies to
// every command implementing it.
type Interceptor[C any] interface {
	IsApplicableOn(s Session, cmd C) bool
	BeforeHandler(s Session, cmd C) BeforeDecision
	AfterHandler(s Session, cmd C, ev Event) AfterDecision
	OnError(s Session, cmd C, err error) ErrorDecision
}

// InterceptorBase gives neutral answers for every hook. Embed it and override
// what is needed.
type InterceptorBase[C any] struct{}

func (InterceptorBase[C]) IsApplicableOn(Session, C) bool { return true }

func (InterceptorBase[C]) BeforeHandler(Session, C) BeforeDecision { return BeforeContinue }

func (InterceptorBase[C]) AfterHandler(Session, C, Event) AfterDecision { return AfterContinue }

func (InterceptorBase[C]) OnError(Session, C, error) ErrorDecision { return ErrorContinue }

// boundInterceptor is an Interceptor with its command type erased.
type boundInterceptor struct {
	name     string
	priority int
	seq      int
	applies  func(Session, Command) bool
	before   func(Session, Command) BeforeDecision
	after    func(Session, Command, Event) AfterDecision
	onError  func(Session, Command, error) ErrorDecision
}

func bindInterceptor[C any](name string, i Interceptor[C], priority, seq int) *boundInterceptor {
	return &boundInterceptor{
		name:     name,
		priority: priority,
		seq:      seq,
		applies: func(s Session, cmd Command) bool {
			return i.IsApplicableOn(s, cmd.(C))
		},
		before: func(s Session, cmd Command) BeforeDecision {
			return i.BeforeHandler(s, cmd.(C))
		},
		after: func(s Session, cmd Command, ev Event) AfterDecision {
			return i.AfterHandler(s, cmd.(C), ev)
		},
		onError: func(s Session, cmd Command, err error) ErrorDecision {
			return i.OnError(s, cmd.(C), err)
		},
	}
}
