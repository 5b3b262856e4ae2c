package chatsync

import "sync"

// task is a unit of work executed on the loop goroutine.
type task func()

// loop is the single-writer event loop. All synchronizer state is touched only
// from tasks it runs, so the state itself needs no locking.
//
// pending counts queued tasks plus background calls that have not posted their
// continuation yet; quiesce waits for it to drop to zero.
type loop struct {
	mu      sync.Mutex
	tasks   []task
	closed  bool
	signal  chan struct{} // buffered, size 1
	pending int
	waiters []chan struct{}
	after   func()
}

func newLoop(after func()) *loop {
	return &loop{
		tasks:  make([]task, 0, 64),
		signal: make(chan struct{}, 1),
		after:  after,
	}
}

// post enqueues a task. Safe from any goroutine; returns false once closed.
func (l *loop) post(t task) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.tasks = append(l.tasks, t)
	l.pending++
	select {
	case l.signal <- struct{}{}:
	default:
	}
	return true
}

// hold registers a background call that will post a continuation later.
func (l *loop) hold() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.pending++
	return true
}

// release balances a hold, or the execution of a queued task.
func (l *loop) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending > 0 {
		l.pending--
	}
	if l.pending == 0 {
		for _, w := range l.waiters {
			close(w)
		}
		l.waiters = nil
	}
}

func (l *loop) next() (task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.tasks) == 0 {
		return nil, false
	}
	t := l.tasks[0]
	l.tasks[0] = nil
	if len(l.tasks) == 1 {
		l.tasks = l.tasks[:0]
	} else {
		l.tasks = l.tasks[1:]
	}
	return t, true
}

// run drains tasks until the loop is closed. Must be called from exactly one goroutine.
func (l *loop) run() {
	for {
		if t, ok := l.next(); ok {
			t()
			if l.after != nil {
				l.after()
			}
			l.release()
			continue
		}
		if _, ok := <-l.signal; !ok {
			return
		}
	}
}

// quiesce blocks until no task is queued and no background call is in flight.
func (l *loop) quiesce(done <-chan struct{}) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	if l.pending == 0 {
		l.mu.Unlock()
		return true
	}
	w := make(chan struct{})
	l.waiters = append(l.waiters, w)
	l.mu.Unlock()

	select {
	case <-w:
		l.mu.Lock()
		defer l.mu.Unlock()
		return !l.closed
	case <-done:
		return false
	}
}

// close drops queued tasks and stops run. Background calls still in flight will
// find post returning false.
func (l *loop) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.pending -= len(l.tasks)
	if l.pending < 0 {
		l.pending = 0
	}
	l.tasks = nil
	for _, w := range l.waiters {
		close(w)
	}
	l.waiters = nil
	close(l.signal)
}
