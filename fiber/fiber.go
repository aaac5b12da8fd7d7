// Package fiber implements cooperative, stackful coroutines.
//
// ucontext-based fibers swap a real CPU stack in and out with
// swapcontext. Go goroutines are already independently scheduled and
// already have their own (growable) stack, so a Fiber here is realized as
// one long-lived goroutine that blocks on a pair of unbuffered channels
// until resumed. Exactly one of {resumer, fiber} is ever runnable at a
// time, which reproduces swapcontext's synchronous handoff without
// assembly or cgo.
package fiber

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/codefiber/fibercore/internal/gid"
)

// DefaultStackSize is used when New is called with stacksize == 0, kept
// for API parity with the original's 128000-byte default even though Go
// goroutine stacks grow on demand rather than being preallocated.
const DefaultStackSize = 128000

// State is a fiber's lifecycle stage.
type State int32

const (
	Ready State = iota
	Running
	Term
)

func (s State) String() string {
	switch s {
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Term:
		return "TERM"
	default:
		return "UNKNOWN"
	}
}

// InvariantError is panicked wherever the original asserted a precondition
// (fiber.cpp's bare assert(state_ == READY) and friends). It is a
// programmer error, not a recoverable failure; the scheduler still
// contains it per task (see scheduler.resumeSafely) so one bad caller
// doesn't take a whole worker down, but it is never meant to be handled
// like an OS error.
type InvariantError struct {
	FiberID   uint64
	Operation string
	Want      State
	Got       State
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("fiber %d: %s called in state %s, want %s", e.FiberID, e.Operation, e.Got, e.Want)
}

var (
	fiberCount      atomic.Int64
	terminatedCount atomic.Int64
	nextFiberID     atomic.Uint64
)

// Fiber is a single cooperative coroutine.
type Fiber struct {
	id             uint64
	stacksize      uint32
	runInScheduler bool

	mu       sync.Mutex
	state    State
	cb       func()
	panicVal any

	resumeCh chan struct{}
	yieldCh  chan struct{}
	started  bool
	main     bool // synthetic "thread main" fiber, never has its own goroutine
}

// New creates a fiber that will run cb when first resumed. stacksize is
// advisory bookkeeping only (see DefaultStackSize); Go goroutine stacks
// grow automatically. runInScheduler is recorded on the fiber but does not
// change how it runs: Resume and Yield always hand control back to
// whichever goroutine called Resume.
func New(cb func(), stacksize uint32, runInScheduler bool) *Fiber {
	if stacksize == 0 {
		stacksize = DefaultStackSize
	}
	f := &Fiber{
		id:             nextFiberID.Add(1) - 1,
		stacksize:      stacksize,
		runInScheduler: runInScheduler,
		state:          Ready,
		cb:             cb,
		resumeCh:       make(chan struct{}),
		yieldCh:        make(chan struct{}),
	}
	fiberCount.Add(1)
	return f
}

func newMainFiber() *Fiber {
	f := &Fiber{
		id:    nextFiberID.Add(1) - 1,
		state: Running,
		main:  true,
	}
	fiberCount.Add(1)
	return f
}

// ID returns the fiber's numeric id, unique within the process.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the fiber's current lifecycle stage.
func (f *Fiber) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Reset reuses a terminated fiber for a new callback instead of allocating
// a fresh one, exactly as the original's reset() avoids a new stack
// allocation for short-lived recurring tasks.
func (f *Fiber) Reset(cb func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Term {
		panic(&InvariantError{FiberID: f.id, Operation: "Reset", Want: Term, Got: f.state})
	}
	f.state = Ready
	f.cb = cb
}

// Resume transfers control to the fiber and blocks the caller until the
// fiber either yields or returns. It panics if the fiber is not READY,
// mirroring the original's assert(state_ == READY).
func (f *Fiber) Resume() {
	f.mu.Lock()
	if f.main {
		f.mu.Unlock()
		panic("fiber: a thread's main fiber cannot be resumed")
	}
	if f.state != Ready {
		f.mu.Unlock()
		panic(&InvariantError{FiberID: f.id, Operation: "Resume", Want: Ready, Got: f.state})
	}
	f.state = Running
	started := f.started
	f.started = true
	f.mu.Unlock()

	if !started {
		go f.loop()
	}
	f.resumeCh <- struct{}{}
	<-f.yieldCh

	f.mu.Lock()
	p := f.panicVal
	f.panicVal = nil
	f.mu.Unlock()
	if p != nil {
		// The callback panicked inside the fiber's own goroutine, where a
		// bare recover() in the resumer would never see it (recover only
		// ever catches a panic in the same goroutine's call stack). Re-raise
		// it here, back on the resumer's goroutine, so a recover() wrapped
		// around Resume (as the scheduler's per-task dispatch does) behaves
		// as if the callback had panicked directly under the caller.
		panic(p)
	}
}

// Yield suspends the calling fiber and returns control to whichever
// goroutine last called Resume on it. It resumes exactly where it left
// off the next time Resume is called. Yield panics if called outside a
// running fiber.
func Yield() {
	f := Current()
	if f == nil || f.main {
		panic("fiber: Yield called outside a running fiber")
	}
	f.mu.Lock()
	if f.state != Running {
		f.mu.Unlock()
		panic(&InvariantError{FiberID: f.id, Operation: "Yield", Want: Running, Got: f.state})
	}
	f.state = Ready
	f.mu.Unlock()

	f.yieldCh <- struct{}{}
	<-f.resumeCh
	setCurrent(f)
}

func (f *Fiber) loop() {
	// Runs for the entire lifetime of the Fiber value, including across
	// Reset calls: a terminated fiber's goroutine parks here rather than
	// exiting, so Reset can hand it a new callback without paying for a new
	// goroutine (and stack) the way the original avoids a new stack
	// allocation.
	for {
		<-f.resumeCh
		setCurrent(f)
		f.mu.Lock()
		cb := f.cb
		f.mu.Unlock()
		if cb != nil {
			func() {
				defer func() {
					if r := recover(); r != nil {
						f.mu.Lock()
						f.panicVal = r
						f.mu.Unlock()
					}
				}()
				cb()
			}()
			f.mu.Lock()
			f.cb = nil
			f.state = Term
			f.mu.Unlock()
			terminatedCount.Add(1)
		}
		f.yieldCh <- struct{}{}
	}
}

var (
	currentMu sync.RWMutex
	current   = map[int64]*Fiber{}
	scheduler = map[int64]*Fiber{}
)

func setCurrent(f *Fiber) {
	currentMu.Lock()
	current[gid.Current()] = f
	currentMu.Unlock()
}

// Current returns the fiber running on the calling goroutine, creating and
// installing a synthetic "thread main" fiber on first use — mirroring the
// original's GetThis(), which lazily builds the thread's main fiber the
// first time it's asked for.
func Current() *Fiber {
	g := gid.Current()
	currentMu.RLock()
	f := current[g]
	currentMu.RUnlock()
	if f != nil {
		return f
	}
	main := newMainFiber()
	currentMu.Lock()
	current[g] = main
	scheduler[g] = main
	currentMu.Unlock()
	return main
}

// SetSchedulerFiber records the fiber the calling goroutine's scheduler
// loop resumes into when idle, used so library-internal code (like the I/O
// manager) can find "the driving fiber" for this worker without a
// reference being threaded through every call.
func SetSchedulerFiber(f *Fiber) {
	currentMu.Lock()
	scheduler[gid.Current()] = f
	currentMu.Unlock()
}

// CurrentID returns the id of the fiber running on the calling goroutine,
// or the sentinel ^uint64(0) if none is current.
func CurrentID() uint64 {
	currentMu.RLock()
	f := current[gid.Current()]
	currentMu.RUnlock()
	if f == nil {
		return ^uint64(0)
	}
	return f.id
}

// Count returns the number of Fiber values created in the process so far
// (main fibers included), for diagnostics.
func Count() int64 {
	return fiberCount.Load()
}

// FiberStats is a package-level snapshot of fiber lifecycle counters,
// the Go-native stand-in for the teacher's SchedulerStats fiber fields.
type FiberStats struct {
	Created    int64
	Terminated int64
}

// Stats returns a snapshot of package-wide fiber creation/completion
// counts, for observability.
func Stats() FiberStats {
	return FiberStats{
		Created:    fiberCount.Load(),
		Terminated: terminatedCount.Load(),
	}
}
