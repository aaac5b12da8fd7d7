// Package wthread wraps a goroutine pinned to a single OS thread for the
// lifetime of the work it runs, mirroring the pthread wrapper the rest of
// this runtime is built against.
package wthread

import (
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// Semaphore is a counting semaphore built on the same mutex+condvar shape
// used throughout this runtime for bootstrap handshakes.
type Semaphore struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int
}

// NewSemaphore creates a semaphore with the given initial count.
func NewSemaphore(count int) *Semaphore {
	s := &Semaphore{count: count}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Wait blocks until the count is positive, then decrements it.
func (s *Semaphore) Wait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.count == 0 {
		s.cond.Wait()
	}
	s.count--
}

// Signal increments the count and wakes one waiter.
func (s *Semaphore) Signal() {
	s.mu.Lock()
	s.count++
	s.cond.Signal()
	s.mu.Unlock()
}

// Thread owns one OS thread for its whole life: the goroutine that runs its
// callback calls runtime.LockOSThread before doing anything else and never
// gives the thread back, so the id returned by ID never changes.
type Thread struct {
	id   int
	name string
	sem  *Semaphore
	done chan struct{}
}

var (
	registryMu sync.RWMutex
	registry   = map[int]*Thread{}
	nameMu     sync.RWMutex
	names      = map[int]string{}
)

// New spawns cb on a freshly pinned OS thread and blocks until that thread
// has recorded its id, so ID and Name are valid as soon as New returns —
// matching the original constructor's semaphore-gated bootstrap.
func New(cb func(), name string) *Thread {
	t := &Thread{name: name, sem: NewSemaphore(0), done: make(chan struct{})}
	go t.run(cb)
	t.sem.Wait()
	return t
}

func (t *Thread) run(cb func()) {
	runtime.LockOSThread()
	t.id = unix.Gettid()

	registryMu.Lock()
	registry[t.id] = t
	registryMu.Unlock()
	SetName(t.name)

	t.sem.Signal()

	defer func() {
		registryMu.Lock()
		delete(registry, t.id)
		registryMu.Unlock()
		close(t.done)
	}()

	cb()
}

// ID returns the OS thread id (Linux tid) this Thread owns.
func (t *Thread) ID() int { return t.id }

// Name returns the thread's configured name.
func (t *Thread) Name() string { return t.name }

// Join blocks until the thread's callback has returned.
func (t *Thread) Join() { <-t.done }

// GetThreadID returns the calling goroutine's underlying OS thread id. It
// only means what it says when called from the goroutine of a Thread
// created via New, or from the process's original goroutine — an
// arbitrary unpinned goroutine may be multiplexed onto any OS thread at
// any time, and its Gettid() reading is meaningless a statement later.
func GetThreadID() int {
	return unix.Gettid()
}

// GetThis returns the Thread wrapping the calling goroutine's OS thread, or
// nil if the caller is not running inside a wthread.Thread.
func GetThis() *Thread {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[unix.Gettid()]
}

// GetName returns the calling OS thread's name, as last set by SetName on
// that same thread.
func GetName() string {
	nameMu.RLock()
	defer nameMu.RUnlock()
	return names[unix.Gettid()]
}

// SetName records a name for the calling OS thread, used in log lines the
// way the original's thread_local name is.
func SetName(name string) {
	nameMu.Lock()
	names[unix.Gettid()] = name
	nameMu.Unlock()
}

// String renders the thread for debug logging.
func (t *Thread) String() string {
	return fmt.Sprintf("Thread{id=%d name=%q}", t.id, t.name)
}
