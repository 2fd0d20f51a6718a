package project

import "sync"

// eventLoop runs posted closures one at a time on a single goroutine.
// Posting never blocks.
type eventLoop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func newEventLoop() *eventLoop {
	l := &eventLoop{wake: make(chan struct{}, 1), done: make(chan struct{})}
	go l.run()
	return l
}

// post queues f and reports false once the loop has stopped.
func (l *eventLoop) post(f func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	l.queue = append(l.queue, f)
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// do runs f on the loop and waits for it. It must not be called from the
// loop itself.
func (l *eventLoop) do(f func()) bool {
	finished := make(chan struct{})
	if !l.post(func() {
		defer close(finished)
		f()
	}) {
		return false
	}
	<-finished
	return true
}

// stop runs everything already queued, then exits.
func (l *eventLoop) stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.stopped = true
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
}

func (l *eventLoop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		jobs := l.queue
		l.queue = nil
		stopped := l.stopped
		l.mu.Unlock()
		for _, job := range jobs {
			job()
		}
		if stopped && len(jobs) == 0 {
			return
		}
		if len(jobs) == 0 {
			<-l.wake
		}
	}
}
