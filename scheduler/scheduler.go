// Package scheduler runs fibers and bare callbacks across a fixed pool of
// OS threads, matching the worker-pool-plus-task-queue design of
// scheduler/scheduler.cpp: a FIFO queue with optional per-task thread
// affinity, a per-worker idle fiber entered when the queue is empty, and a
// tickle+join protocol for graceful shutdown.
package scheduler

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codefiber/fibercore/fiber"
	"github.com/codefiber/fibercore/internal/gid"
	"github.com/codefiber/fibercore/wthread"
)

// task is either a fiber handle or a bare callback, carrying an optional
// thread affinity the way the original's ScheduleTask does.
type task struct {
	fiber  *fiber.Fiber
	cb     func()
	thread int // -1 means "any worker"
}

// Scheduler is a cooperative worker pool driven by a single FIFO task
// queue.
type Scheduler struct {
	name string

	mu        sync.Mutex
	tasks     []task
	stopping  bool
	active    atomic.Int64
	idleCount atomic.Int64
	scheduled atomic.Int64

	useCaller     bool
	threadCount   int
	threads       []*wthread.Thread
	threadIDs     []int
	rootThreadID  int
	schedulerFbr  *fiber.Fiber
	tickleFn      func()

	// errg joins every spawned worker thread; its goroutines always return
	// nil, so it carries no error of its own. Task panics (including a
	// panic raised by an idle body) are recovered per-task (see
	// resumeSafely) and recorded in workerErrs, which Stop reports, since a
	// single misbehaving task must not end the worker that ran it.
	errg        errgroup.Group
	workerErrs  []error
	workerErrMu sync.Mutex

	idleOverride func()
	onRun        func()
	debug        bool
}

// SetDebug toggles diagnostic logging of task panics to stderr, off by
// default.
func (s *Scheduler) SetDebug(enabled bool) {
	s.mu.Lock()
	s.debug = enabled
	s.mu.Unlock()
}

// AnyThread is the affinity value meaning "any worker may run this task".
const AnyThread = -1

// SetIdle installs a replacement for the base sleep-and-yield idle loop body,
// letting an embedding type (the I/O manager) reuse Scheduler's run loop
// and stop protocol verbatim while supplying its own idle behavior —
// composition standing in for the original's virtual idle() override.
func (s *Scheduler) SetIdle(fn func()) {
	s.mu.Lock()
	s.idleOverride = fn
	s.mu.Unlock()
}

// SetOnRun installs a hook called once at the start of every worker's run
// loop, before it does anything else — the seam an embedding type (the
// I/O manager) uses to register itself as "the current one" for the
// worker's goroutine, since Go composition gives it no other way to hear
// about a worker starting up.
func (s *Scheduler) SetOnRun(fn func()) {
	s.mu.Lock()
	s.onRun = fn
	s.mu.Unlock()
}

var (
	currentMu sync.RWMutex
	current   = map[int64]*Scheduler{}
)

func setCurrent(s *Scheduler) {
	currentMu.Lock()
	current[gid.Current()] = s
	currentMu.Unlock()
}

// Current returns the scheduler whose worker loop is driving the calling
// goroutine, or nil outside any worker.
func Current() *Scheduler {
	currentMu.RLock()
	defer currentMu.RUnlock()
	return current[gid.Current()]
}

// New creates a scheduler with the given worker count. If useCaller is
// true, the calling goroutine itself is one of the workers (counted in
// threads) and gets a dedicated driver fiber, which runs the worker loop
// when Stop is called from it; the remaining workers are spawned on fresh
// OS threads by Start.
func New(threads int, useCaller bool, name string) *Scheduler {
	if threads < 1 {
		panic("scheduler: threads must be >= 1")
	}
	if name == "" {
		name = "Scheduler"
	}
	s := &Scheduler{name: name, useCaller: useCaller, rootThreadID: -1}

	if useCaller {
		threads--
		fiber.Current() // ensure this goroutine has a main fiber installed
		s.schedulerFbr = fiber.New(s.run, 0, false)
		fiber.SetSchedulerFiber(s.schedulerFbr)
		s.rootThreadID = wthread.GetThreadID()
		s.threadIDs = append(s.threadIDs, s.rootThreadID)
	}
	s.threadCount = threads
	return s
}

// Name returns the scheduler's configured name.
func (s *Scheduler) Name() string { return s.name }

// ThreadIDs returns the OS thread ids of every worker started so far
// (including the caller's, if useCaller was set), for use as Schedule's
// affinity argument.
func (s *Scheduler) ThreadIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, len(s.threadIDs))
	copy(ids, s.threadIDs)
	return ids
}

// Schedule enqueues task, which must be a *fiber.Fiber or a func(). If the
// queue was empty before the push, Schedule tickles a worker awake.
func (s *Scheduler) Schedule(item any, affinity int) {
	t := task{thread: affinity}
	switch v := item.(type) {
	case *fiber.Fiber:
		t.fiber = v
	case func():
		t.cb = v
	default:
		panic(fmt.Sprintf("scheduler: Schedule called with %T, want *fiber.Fiber or func()", item))
	}

	s.mu.Lock()
	needTickle := len(s.tasks) == 0
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
	s.scheduled.Add(1)

	if needTickle {
		s.Tickle()
	}
}

// Stats is a snapshot of scheduler-wide counters, the Go-native stand-in
// for the teacher's SchedulerStats.
type Stats struct {
	FibersCreated  int64
	TasksScheduled int64
	ActiveWorkers  int64
	IdleWorkers    int64
}

// Stats returns a snapshot of the scheduler's current load and lifetime
// task count, for observability.
func (s *Scheduler) Stats() Stats {
	return Stats{
		FibersCreated:  fiber.Count(),
		TasksScheduled: s.scheduled.Load(),
		ActiveWorkers:  s.active.Load(),
		IdleWorkers:    s.idleCount.Load(),
	}
}

// SetTickle installs the wakeup hook Schedule and timer front-insertion
// use to interrupt a worker blocked in idle. Left unset, Tickle is a
// no-op, which is correct for a scheduler with no idle-blocking idle
// routine of its own.
func (s *Scheduler) SetTickle(fn func()) {
	s.mu.Lock()
	s.tickleFn = fn
	s.mu.Unlock()
}

// Tickle invokes the installed wakeup hook, if any.
func (s *Scheduler) Tickle() {
	s.mu.Lock()
	fn := s.tickleFn
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// HasIdleThreads reports whether any worker is currently parked in idle,
// used by subtypes (the I/O manager) to skip a pipe write when nobody
// needs waking.
func (s *Scheduler) HasIdleThreads() bool {
	return s.idleCount.Load() > 0
}

// Start spawns the configured worker threads. Calling Start twice, or
// after Stop, is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	if s.threads != nil {
		s.mu.Unlock()
		return
	}
	s.threads = make([]*wthread.Thread, s.threadCount)
	s.mu.Unlock()

	for i := 0; i < s.threadCount; i++ {
		i := i
		th := wthread.New(func() {
			s.run()
		}, fmt.Sprintf("%s_%d", s.name, i))
		s.threads[i] = th
		s.mu.Lock()
		s.threadIDs = append(s.threadIDs, th.ID())
		s.mu.Unlock()
		s.errg.Go(func() error {
			th.Join()
			return nil
		})
	}
}

// runIdle is indirected through idleOverride so that an embedding type
// like ioruntime.IOManager can supply a real idle body while still reusing
// Scheduler's run loop and stop protocol verbatim. The override, like the
// fallback below, owns its own "while not stopping" loop and its own
// calls to fiber.Yield — it runs for the idle fiber's entire lifetime,
// not once per resume.
func (s *Scheduler) runIdle() {
	s.mu.Lock()
	fn := s.idleOverride
	s.mu.Unlock()
	if fn != nil {
		fn()
		return
	}
	for !s.Stopping() {
		time.Sleep(50 * time.Millisecond)
		fiber.Yield()
	}
}

func (s *Scheduler) run() {
	setCurrent(s)
	s.mu.Lock()
	onRun := s.onRun
	s.mu.Unlock()
	if onRun != nil {
		onRun()
	}
	threadID := wthread.GetThreadID()

	if threadID != s.rootThreadID {
		fiber.Current()
	}

	idleFiber := fiber.New(s.runIdle, 0, true)

	for {
		var t task
		tickleMe := false
		found := false

		s.mu.Lock()
		for i := 0; i < len(s.tasks); i++ {
			cand := s.tasks[i]
			if cand.thread != -1 && cand.thread != threadID {
				tickleMe = true
				continue
			}
			t = cand
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			s.active.Add(1)
			found = true
			break
		}
		// A task found but more remain, or no eligible task was found at
		// all among a nonempty queue: either way other workers should be
		// woken to make progress on what this worker can't take.
		tickleMe = tickleMe || (found && len(s.tasks) > 0)
		s.mu.Unlock()

		if tickleMe {
			s.Tickle()
		}

		switch {
		case found && t.fiber != nil:
			if t.fiber.State() != fiber.Term {
				s.resumeSafely(t.fiber)
			}
			s.active.Add(-1)
		case found && t.cb != nil:
			cbFiber := fiber.New(t.cb, 0, true)
			s.resumeSafely(cbFiber)
			s.active.Add(-1)
		default:
			if idleFiber.State() == fiber.Term {
				return
			}
			s.idleCount.Add(1)
			s.resumeSafely(idleFiber)
			s.idleCount.Add(-1)
		}
	}
}

// resumeSafely contains a task's panic the way the original's recover
// guarded the JVM's task execution: one misbehaving fiber or callback
// must not take a whole worker thread down with it. The panic is recorded
// and surfaces from Stop.
func (s *Scheduler) resumeSafely(f *fiber.Fiber) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("scheduler %q: task panicked: %v", s.name, r)
			s.workerErrMu.Lock()
			s.workerErrs = append(s.workerErrs, err)
			s.workerErrMu.Unlock()
			s.mu.Lock()
			debug := s.debug
			s.mu.Unlock()
			if debug {
				fmt.Fprintln(os.Stderr, err)
			}
		}
	}()
	f.Resume()
}

// Stopping reports whether the scheduler has been told to stop and has
// drained its queue and active task count.
func (s *Scheduler) Stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping && len(s.tasks) == 0 && s.active.Load() == 0
}

// ErrTaskPanic wraps every panic collected from worker task dispatch;
// errors.Is matches against it after Stop.
var ErrTaskPanic = errors.New("scheduler: a scheduled task panicked")

// Stop requests shutdown, tickles every worker awake, runs the caller's
// own driver fiber to completion if useCaller was set, then joins every
// spawned worker thread. It returns the first task panic recorded while
// draining, if any.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	threadCount := s.threadCount
	schedulerFbr := s.schedulerFbr
	s.mu.Unlock()

	for i := 0; i < threadCount; i++ {
		s.Tickle()
	}
	if schedulerFbr != nil {
		s.Tickle()
		schedulerFbr.Resume()
	}

	s.mu.Lock()
	s.threads = nil
	s.mu.Unlock()
	_ = s.errg.Wait()

	s.workerErrMu.Lock()
	defer s.workerErrMu.Unlock()
	if len(s.workerErrs) > 0 {
		return fmt.Errorf("%w: %v", ErrTaskPanic, s.workerErrs[0])
	}
	return nil
}
