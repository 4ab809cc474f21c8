package command

import (
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// processor runs every command of one concrete type: before interceptors in
// descending priority, the handler, then after interceptors in reverse.
type processor struct {
	name         string
	handler      func(Session, Command) (Event, error)
	interceptors []*boundInterceptor
	maxRetries   int
}

func (p *processor) process(s Session, cmd Command, bypass bool) (err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		switch {
		case IsAbort(err):
			result = "abort"
		case err != nil:
			result = "error"
		}
		commandCounter.WithLabelValues(p.name, result).Inc()
		commandDuration.WithLabelValues(p.name).Observe(time.Since(start).Seconds())
	}()

	mode := s.Mode()
	var interceptors []*boundInterceptor
	if !bypass && !mode.Has(Loading) {
		for _, ic := range p.interceptors {
			if ic.applies(s, cmd) {
				interceptors = append(interceptors, ic)
			}
		}
	}
	skipBeforeAfter := mode.Has(UndoOrRedo)

	for attempt := 0; ; attempt++ {
		ev, skipped, err := p.attempt(s, cmd, interceptors, skipBeforeAfter || attempt > 0, skipBeforeAfter)
		if err == nil {
			if skipped || ev == nil {
				return nil
			}
			if err := s.AddEvent(ev); err != nil {
				s.AddMessage(ErrorMessage(ev.ElementKey(), err))
				return errors.Trace(err)
			}
			return nil
		}
		if IsAbort(err) {
			return err
		}

		switch p.onError(s, cmd, interceptors, err) {
		case ErrorRetry:
			if attempt >= p.maxRetries {
				log.Warn("command retries exhausted", zap.String("command", p.name), zap.Int("retries", attempt), zap.Error(err))
				return &AbortError{Command: p.name, Cause: errors.Annotatef(ErrRetryExhausted, "last error: %v", err)}
			}
			retryCounter.WithLabelValues(p.name).Inc()
			log.Debug("retry command", zap.String("command", p.name), zap.Int("attempt", attempt+1), zap.Error(err))
		case ErrorAbort:
			return &AbortError{Command: p.name, Cause: err}
		default:
			s.AddMessage(ErrorMessage("", err))
			return err
		}
	}
}

// attempt runs the command once. skipped is true when a before interceptor
// turned the command into a no-op.
func (p *processor) attempt(s Session, cmd Command, interceptors []*boundInterceptor, skipBefore, skipAfter bool) (ev Event, skipped bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("command panicked", zap.String("command", p.name), zap.Reflect("panic", r))
			ev, skipped, err = nil, false, errors.Errorf("command %s panicked: %v", p.name, r)
		}
	}()
	ctx := s.Context()

	if !skipBefore {
		for _, ic := range interceptors {
			if err := ctx.Err(); err != nil {
				return nil, false, &AbortError{Command: p.name, Cause: err}
			}
			switch ic.before(s, cmd) {
			case BeforeAbort:
				return nil, false, &AbortError{Command: p.name, Cause: errors.Errorf("rejected by interceptor %s", ic.name)}
			case BeforeSkipCommand:
				return nil, true, nil
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, false, &AbortError{Command: p.name, Cause: err}
	}
	if p.handler != nil {
		if ev, err = p.handler(s, cmd); err != nil {
			return nil, false, err
		}
	}

	if !skipAfter {
		for i := len(interceptors) - 1; i >= 0; i-- {
			if interceptors[i].after(s, cmd, ev) == AfterAbort {
				return nil, false, &AbortError{Command: p.name, Cause: errors.Errorf("rejected by interceptor %s", interceptors[i].name)}
			}
		}
	}
	return ev, false, nil
}

// onError asks every interceptor about err. Abort wins over Retry; a panic in
// error handling aborts.
func (p *processor) onError(s Session, cmd Command, interceptors []*boundInterceptor, err error) (decision ErrorDecision) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("error interceptor panicked", zap.String("command", p.name), zap.Reflect("panic", r))
			decision = ErrorAbort
		}
	}()
	decision = ErrorContinue
	for _, ic := range interceptors {
		switch ic.onError(s, cmd, err) {
		case ErrorAbort:
			return ErrorAbort
		case ErrorRetry:
			decision = ErrorRetry
		}
	}
	return decision
}
