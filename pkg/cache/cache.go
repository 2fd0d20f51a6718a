// Package cache keeps heavyweight documents resident while someone holds a
// reference to them and evicts them once nobody has for a grace period.
//
// A Cache is not safe for concurrent use. Every method, the loader's done
// callback and the eviction timers must run on one goroutine; the owner
// supplies a Post function that hands timer expiries back to that
// goroutine.
package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/superpowers/superpowers-core-sub000/pkg/clock"
)

// DefaultGracePeriod is how long an unreferenced item stays resident.
const DefaultGracePeriod = 60 * time.Second

// Loader starts loading id and calls done exactly once, on the owner's
// goroutine, when the item is available or loading failed.
type Loader[T any] func(id string, done func(T, error))

// ReleaseOptions tune a single Release.
type ReleaseOptions struct {
	// SkipDelay evicts immediately when the count reaches zero.
	SkipDelay bool
}

type settings struct {
	clock  clock.Clock
	grace  time.Duration
	post   func(func())
	logger *slog.Logger
}

type Option func(*settings)

func WithClock(c clock.Clock) Option { return func(s *settings) { s.clock = c } }

func WithGracePeriod(d time.Duration) Option { return func(s *settings) { s.grace = d } }

// WithPost sets how timer callbacks reach the owner's goroutine.
func WithPost(post func(func())) Option { return func(s *settings) { s.post = post } }

func WithLogger(logger *slog.Logger) Option { return func(s *settings) { s.logger = logger } }

type entry[T any] struct {
	refs    int
	item    T
	loaded  bool
	waiting []func(T, error)

	timer *clock.Timer
	// generation changes whenever the eviction timer is scheduled or
	// cancelled, so a timer that already fired and is queued on the owner's
	// goroutine can tell it has been superseded.
	generation uint64
}

// Cache is a reference-counted, lazily loaded map of items.
type Cache[T any] struct {
	loader  Loader[T]
	entries map[string]*entry[T]
	settings

	// OnEvict is called with every loaded item that is evicted after its
	// count reached zero. It is not called by ReleaseAll.
	OnEvict func(id string, item T)
}

func New[T any](loader Loader[T], options ...Option) *Cache[T] {
	s := settings{
		clock:  clock.Real(),
		grace:  DefaultGracePeriod,
		post:   func(f func()) { f() },
		logger: slog.Default(),
	}
	for _, option := range options {
		option(&s)
	}
	return &Cache[T]{loader: loader, entries: make(map[string]*entry[T]), settings: s}
}

// Acquire takes a reference to id on behalf of owner. cb runs immediately
// when the item is already loaded, and otherwise once the pending load
// finishes. Concurrent acquisitions share a single load.
func (c *Cache[T]) Acquire(id, owner string, cb func(T, error)) {
	e, resident := c.entries[id]
	if !resident {
		e = &entry[T]{}
		c.entries[id] = e
	}
	e.refs++
	c.cancelEviction(e)
	c.logger.Debug("acquired", "id", id, "owner", owner, "refs", e.refs)

	if e.loaded {
		cb(e.item, nil)
		return
	}
	e.waiting = append(e.waiting, cb)
	if !resident {
		c.loader(id, func(item T, err error) { c.loaded(id, e, item, err) })
	}
}

func (c *Cache[T]) loaded(id string, e *entry[T], item T, err error) {
	if c.entries[id] != e {
		c.logger.Debug("dropping load of evicted item", "id", id)
		return
	}
	waiting := e.waiting
	e.waiting = nil

	if err != nil {
		c.cancelEviction(e)
		delete(c.entries, id)
		c.logger.Warn("failed to load", "id", id, "err", err)
		var zero T
		for _, cb := range waiting {
			cb(zero, err)
		}
		return
	}

	e.item = item
	e.loaded = true
	for _, cb := range waiting {
		cb(item, nil)
	}
}

// Release drops owner's reference to id. Once no references remain the
// item is evicted, immediately with SkipDelay and otherwise after the grace
// period unless it is acquired again first.
func (c *Cache[T]) Release(id, owner string, options ReleaseOptions) error {
	e, ok := c.entries[id]
	if !ok || e.refs == 0 {
		return fmt.Errorf("cannot release %s for %s: not acquired", id, owner)
	}
	e.refs--
	c.logger.Debug("released", "id", id, "owner", owner, "refs", e.refs)
	if e.refs > 0 {
		return nil
	}
	if options.SkipDelay || c.grace <= 0 {
		c.evict(id, e)
		return nil
	}
	c.scheduleEviction(id, e)
	return nil
}

// ErrReleased is delivered to acquirers still waiting for a load when
// ReleaseAll forgets the item.
var ErrReleased = errors.New("released while loading")

// ErrEvicted is delivered to acquirers still waiting for a load when every
// reference was released and the item was evicted before it loaded.
var ErrEvicted = errors.New("evicted while loading")

// ReleaseAll forgets id regardless of its count, without calling OnEvict.
// It is used when the underlying entity is deleted.
func (c *Cache[T]) ReleaseAll(id string) {
	e, ok := c.entries[id]
	if !ok {
		return
	}
	c.cancelEviction(e)
	delete(c.entries, id)
	waiting := e.waiting
	e.waiting = nil
	var zero T
	for _, cb := range waiting {
		cb(zero, ErrReleased)
	}
}

func (c *Cache[T]) scheduleEviction(id string, e *entry[T]) {
	c.cancelEviction(e)
	generation := e.generation
	e.timer = c.clock.AfterFunc(c.grace, func() {
		c.post(func() {
			if c.entries[id] != e || e.generation != generation || e.refs > 0 {
				return
			}
			e.timer = nil
			c.evict(id, e)
		})
	})
}

func (c *Cache[T]) cancelEviction(e *entry[T]) {
	e.generation++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (c *Cache[T]) evict(id string, e *entry[T]) {
	c.cancelEviction(e)
	delete(c.entries, id)
	c.logger.Debug("evicted", "id", id)
	if !e.loaded {
		waiting := e.waiting
		e.waiting = nil
		var zero T
		for _, cb := range waiting {
			cb(zero, ErrEvicted)
		}
		return
	}
	if c.OnEvict != nil {
		c.OnEvict(id, e.item)
	}
}

// Get returns the item if it is resident and loaded.
func (c *Cache[T]) Get(id string) (T, bool) {
	e, ok := c.entries[id]
	if !ok || !e.loaded {
		var zero T
		return zero, false
	}
	return e.item, true
}

// Resident reports whether id is loaded or loading.
func (c *Cache[T]) Resident(id string) bool {
	_, ok := c.entries[id]
	return ok
}

func (c *Cache[T]) RefCount(id string) int {
	if e, ok := c.entries[id]; ok {
		return e.refs
	}
	return 0
}

// EvictionPending reports whether an eviction timer is scheduled for id.
func (c *Cache[T]) EvictionPending(id string) bool {
	e, ok := c.entries[id]
	return ok && e.timer != nil
}

// Range calls f for every loaded item.
func (c *Cache[T]) Range(f func(id string, item T)) {
	for id, e := range c.entries {
		if e.loaded {
			f(id, e.item)
		}
	}
}
