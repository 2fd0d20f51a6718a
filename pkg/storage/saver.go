package storage

import (
	"log/slog"
	"sync"
	"time"

	"github.com/superpowers/superpowers-core-sub000/pkg/clock"
)

// DefaultSaveDelay is how long a changed document waits before it is
// written.
const DefaultSaveDelay = 60 * time.Second

// Saver debounces document writes. Schedule, Cancel, SaveNow and SaveAll
// must be called on the owner's event loop, the same goroutine that mutates
// the documents, because they take the snapshot. The file writes happen in
// order on a single writer goroutine.
type Saver struct {
	store  *FileStore
	clock  clock.Clock
	delay  time.Duration
	post   func(func())
	logger *slog.Logger

	pending map[string]*pendingSave

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

type pendingSave struct {
	snapshot func() any
	timer    *clock.Timer
}

func NewSaver(store *FileStore, c clock.Clock, delay time.Duration, post func(func()), logger *slog.Logger) *Saver {
	s := &Saver{
		store:   store,
		clock:   c,
		delay:   delay,
		post:    post,
		logger:  logger,
		pending: make(map[string]*pendingSave),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Schedule arranges for key to be written with the state snapshot returns
// once the delay elapses. Scheduling an already pending key keeps the
// original deadline.
func (s *Saver) Schedule(key string, snapshot func() any) {
	if p, ok := s.pending[key]; ok {
		p.snapshot = snapshot
		return
	}
	p := &pendingSave{snapshot: snapshot}
	s.pending[key] = p
	p.timer = s.clock.AfterFunc(s.delay, func() {
		s.post(func() {
			if s.pending[key] == p {
				s.SaveNow(key)
			}
		})
	})
}

// Pending reports whether key has an unwritten change.
func (s *Saver) Pending(key string) bool {
	_, ok := s.pending[key]
	return ok
}

// Cancel drops the pending write of key.
func (s *Saver) Cancel(key string) {
	if p, ok := s.pending[key]; ok {
		p.timer.Stop()
		delete(s.pending, key)
	}
}

// SaveNow snapshots key immediately and queues the write.
func (s *Saver) SaveNow(key string) {
	p, ok := s.pending[key]
	if !ok {
		return
	}
	s.Cancel(key)
	s.write(key, p.snapshot())
}

func (s *Saver) write(key string, state any) {
	data, err := Marshal(state)
	if err != nil {
		s.logger.Error("failed to snapshot document", "key", key, "err", err)
		return
	}
	s.enqueue(func() {
		if written, err := s.store.WriteFile(key, data); err != nil {
			s.logger.Error("failed to save document", "key", key, "err", err)
		} else if written {
			s.logger.Info("saved", "key", key)
		}
	})
}

// SaveAll snapshots every pending key.
func (s *Saver) SaveAll() {
	for key := range s.pending {
		s.SaveNow(key)
	}
}

// Remove cancels any pending write of key and deletes it after the writes
// already queued.
func (s *Saver) Remove(key string) {
	s.Cancel(key)
	s.enqueue(func() {
		if err := s.store.Remove(key); err != nil {
			s.logger.Error("failed to remove document", "key", key, "err", err)
		}
	})
}

// Write queues an immediate write of state, bypassing the delay.
func (s *Saver) Write(key string, state any) {
	s.Cancel(key)
	s.write(key, state)
}

// Flush blocks until every queued write has finished.
func (s *Saver) Flush() {
	finished := make(chan struct{})
	if !s.enqueue(func() { close(finished) }) {
		return
	}
	<-finished
}

// Close writes everything queued and stops the writer. Pending saves that
// were not snapshotted are dropped; call SaveAll first.
func (s *Saver) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	<-s.done
}

func (s *Saver) enqueue(job func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logger.Warn("dropping write after close")
		return false
	}
	s.queue = append(s.queue, job)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Saver) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		jobs := s.queue
		s.queue = nil
		closed := s.closed
		s.mu.Unlock()
		for _, job := range jobs {
			job()
		}
		if closed && len(jobs) == 0 {
			return
		}
		if len(jobs) == 0 {
			<-s.wake
		}
	}
}
