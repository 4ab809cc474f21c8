package worker

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

type TaskStop struct{}

// TaskTick is delivered every interval of a periodic worker.
type TaskTick struct{}

// TaskWake is delivered after Wake. Wake-ups requested before the handler
// ran collapse into one task.
type TaskWake struct{}

type Task interface{}

type Worker struct {
	name     string
	sender   chan<- Task
	receiver <-chan Task
	wg       *sync.WaitGroup
	interval time.Duration
	waking   atomic.Bool
	stopped  atomic.Bool
}

type TaskHandler interface {
	Handle(t Task)
}

type Starter interface {
	Start()
}

// Start runs handler on a new goroutine until Stop is called. A stopped
// worker may be started again.
func (w *Worker) Start(handler TaskHandler) {
	w.stopped.Store(false)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if s, ok := handler.(Starter); ok {
			s.Start()
		}
		var tick <-chan time.Time
		if w.interval > 0 {
			ticker := time.NewTicker(w.interval)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			var task Task
			select {
			case task = <-w.receiver:
			case <-tick:
				task = TaskTick{}
			}
			switch task.(type) {
			case TaskStop:
				return
			case TaskWake:
				w.waking.Store(false)
			}
			handler.Handle(task)
		}
	}()
}

func (w *Worker) Name() string { return w.name }

func (w *Worker) Sender() chan<- Task {
	return w.sender
}

// Wake asks the worker to handle a TaskWake soon. It never blocks.
func (w *Worker) Wake() {
	if w.stopped.Load() || !w.waking.CAS(false, true) {
		return
	}
	select {
	case w.sender <- TaskWake{}:
	default:
		w.waking.Store(false)
	}
}

func (w *Worker) Stop() {
	if w.stopped.CAS(false, true) {
		w.sender <- TaskStop{}
	}
}

const defaultWorkerCapacity = 128

func NewWorker(name string, wg *sync.WaitGroup) *Worker {
	return NewTickWorker(name, wg, 0)
}

// NewTickWorker creates a worker that also receives TaskTick every interval.
func NewTickWorker(name string, wg *sync.WaitGroup, interval time.Duration) *Worker {
	ch := make(chan Task, defaultWorkerCapacity)
	return &Worker{
		sender:   (chan<- Task)(ch),
		receiver: (<-chan Task)(ch),
		name:     name,
		wg:       wg,
		interval: interval,
	}
}
