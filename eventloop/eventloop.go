// Package eventloop provides a single-goroutine task executor. A
// connection binds all of its callback delivery to one Loop at a time, so
// per-connection state needs no locking as long as it is only touched
// from loop tasks.
package eventloop

import "sync"

type Loop struct {
	cond    *sync.Cond
	queue   []func()
	closed  bool
	stopped chan struct{}
}

func New() *Loop {
	l := &Loop{
		cond:    sync.NewCond(&sync.Mutex{}),
		stopped: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.stopped)
	for {
		l.cond.L.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.queue) == 0 {
			l.cond.L.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue = l.queue[1:]
		l.cond.L.Unlock()

		fn()
	}
}

// Do schedules fn to run on the loop goroutine, preserving submission
// order. After Close, fn runs synchronously on the caller so completions
// are never silently dropped.
func (l *Loop) Do(fn func()) {
	l.cond.L.Lock()
	if l.closed {
		l.cond.L.Unlock()
		fn()
		return
	}
	l.queue = append(l.queue, fn)
	l.cond.L.Unlock()
	l.cond.Signal()
}

// DoWait schedules fn and blocks until it has run. Must not be called
// from the loop goroutine itself.
func (l *Loop) DoWait(fn func()) {
	ch := make(chan struct{})
	l.Do(func() {
		defer close(ch)
		fn()
	})
	<-ch
}

// Close stops the loop after draining already-scheduled tasks.
func (l *Loop) Close() {
	l.cond.L.Lock()
	closed := l.closed
	l.closed = true
	l.cond.L.Unlock()
	l.cond.Signal()
	if !closed {
		<-l.stopped
	}
}
