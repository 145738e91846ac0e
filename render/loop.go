package render

import "sync"

// Loop serialises every section of code that reads or writes the live
// document. Work scheduled with Defer during a section runs after the
// section ends, in submission order, on its own goroutine, so a callback
// that starts another render never runs inside a swap.
type Loop struct {
	mu sync.Mutex

	qmu       sync.Mutex
	inSection bool
	queue     []func()
	wg        sync.WaitGroup
}

// NewLoop creates an idle loop.
func NewLoop() *Loop { return &Loop{} }

// Run executes fn exclusively.
func (l *Loop) Run(fn func()) {
	l.mu.Lock()
	l.qmu.Lock()
	l.inSection = true
	l.qmu.Unlock()

	defer func() {
		l.qmu.Lock()
		q := l.queue
		l.queue = nil
		l.inSection = false
		l.qmu.Unlock()
		l.mu.Unlock()
		l.start(q)
	}()
	fn()
}

// Defer schedules fn after the current section, or immediately (on a new
// goroutine) when no section is running.
func (l *Loop) Defer(fn func()) {
	l.qmu.Lock()
	if l.inSection {
		l.queue = append(l.queue, fn)
		l.qmu.Unlock()
		return
	}
	l.qmu.Unlock()
	l.start([]func(){fn})
}

func (l *Loop) start(q []func()) {
	if len(q) == 0 {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for _, fn := range q {
			fn()
		}
	}()
}

// Wait blocks until all deferred work, including work deferred by deferred
// work, has finished. Must not be called from inside a section.
func (l *Loop) Wait() {
	l.wg.Wait()
}
