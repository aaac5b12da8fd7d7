//go:build linux

// Package ioruntime extends scheduler.Scheduler with a readiness-notification
// idle loop, the same way ioscheduler.cpp merges an epoll-driven poll loop
// into the base scheduler's idle() to get a scheduler that also knows how to
// wait for file descriptors and timers instead of just spinning. It embeds
// both scheduler.Scheduler (the task queue and worker pool) and
// timer.Manager (the deadline-ordered timer set) rather than inheriting from
// them, since Go has no class inheritance — composition plus the hook seams
// Scheduler exposes (SetIdle, SetTickle, SetOnRun) stand in for the
// original's virtual method overrides.
package ioruntime

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/codefiber/fibercore/fiber"
	"github.com/codefiber/fibercore/internal/gid"
	"github.com/codefiber/fibercore/scheduler"
	"github.com/codefiber/fibercore/timer"
)

// Event is a readiness bit, matching the original's Event enum.
type Event uint32

const (
	None  Event = 0
	Read  Event = 0x01
	Write Event = 0x04
)

// ErrEventExists is returned by AddEvent when the requested event is
// already registered on the fd.
var ErrEventExists = errors.New("ioruntime: event already registered on this fd")

const (
	initialFdTableSize = 32
	maxEpollEvents     = 256
	maxEpollTimeout    = 5 * time.Second
)

type eventContext struct {
	scheduler *scheduler.Scheduler
	fiber     *fiber.Fiber
	cb        func()
}

func (c *eventContext) reset() {
	c.scheduler = nil
	c.fiber = nil
	c.cb = nil
}

// fdContext bookkeeps the events registered on a single file descriptor:
// one slot for READ, one for WRITE, each holding either a fiber to resume
// or a callback to schedule, but never both.
type fdContext struct {
	mu     sync.Mutex
	fd     int
	events Event
	read   eventContext
	write  eventContext
}

func (c *fdContext) slot(ev Event) *eventContext {
	switch ev {
	case Read:
		return &c.read
	case Write:
		return &c.write
	default:
		panic(fmt.Sprintf("ioruntime: unsupported event type %#x", ev))
	}
}

// triggerEvent schedules whatever is waiting on ev and clears that slot.
// The caller must hold c.mu.
func (c *fdContext) triggerEvent(ev Event) {
	if c.events&ev == 0 {
		panic("ioruntime: triggerEvent for an event that is not registered")
	}
	c.events &^= ev
	ctx := c.slot(ev)
	sched := ctx.scheduler
	if ctx.cb != nil {
		sched.Schedule(ctx.cb, -1)
	} else {
		sched.Schedule(ctx.fiber, -1)
	}
	ctx.reset()
}

// IOManager multiplexes readiness on file descriptors and fires timers,
// dispatching both onto the scheduler it embeds.
//
// Lock order: fdMu (the fd table) is always released before a per-fd
// fdContext.mu is acquired; nothing in this package holds both at once.
type IOManager struct {
	*scheduler.Scheduler
	*timer.Manager

	epfd    int
	tickleR int
	tickleW int
	pending atomic.Int64

	fdMu sync.RWMutex
	fds  []*fdContext

	debug atomic.Bool
}

// SetDebug toggles diagnostic logging of OS-level epoll failures to
// stderr, off by default.
func (m *IOManager) SetDebug(enabled bool) {
	m.debug.Store(enabled)
}

var (
	currentMu sync.RWMutex
	current   = map[int64]*IOManager{}
)

// Current returns the IOManager whose worker loop is driving the calling
// goroutine, or nil if none is.
func Current() *IOManager {
	currentMu.RLock()
	defer currentMu.RUnlock()
	return current[gid.Current()]
}

// New creates an IOManager with its own epoll instance and tickle pipe and
// starts its worker pool, exactly as the original's constructor does.
func New(threads int, useCaller bool, name string) (*IOManager, error) {
	if name == "" {
		name = "IOManager"
	}
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("ioruntime: epoll_create1: %w", err)
	}

	var pipeFds [2]int
	if err := unix.Pipe2(pipeFds[:], unix.O_NONBLOCK); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("ioruntime: pipe2: %w", err)
	}

	tickleEvent := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(pipeFds[0])}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, pipeFds[0], &tickleEvent); err != nil {
		unix.Close(epfd)
		unix.Close(pipeFds[0])
		unix.Close(pipeFds[1])
		return nil, fmt.Errorf("ioruntime: epoll_ctl add tickle fd: %w", err)
	}

	m := &IOManager{
		Scheduler: scheduler.New(threads, useCaller, name),
		Manager:   timer.NewManager(),
		epfd:      epfd,
		tickleR:   pipeFds[0],
		tickleW:   pipeFds[1],
	}
	m.contextResize(initialFdTableSize)

	m.Scheduler.SetTickle(m.pipeTickle)
	m.Scheduler.SetIdle(m.idleLoop)
	m.Scheduler.SetOnRun(m.registerCurrent)
	m.Manager.SetOnInsertedAtFront(m.Scheduler.Tickle)

	m.Scheduler.Start()
	return m, nil
}

func (m *IOManager) registerCurrent() {
	currentMu.Lock()
	current[gid.Current()] = m
	currentMu.Unlock()
}

func (m *IOManager) contextResize(size int) {
	m.fdMu.Lock()
	defer m.fdMu.Unlock()
	for len(m.fds) < size {
		i := len(m.fds)
		m.fds = append(m.fds, &fdContext{fd: i})
	}
}

func toEpollMask(ev Event) uint32 {
	var out uint32
	if ev&Read != 0 {
		out |= unix.EPOLLIN
	}
	if ev&Write != 0 {
		out |= unix.EPOLLOUT
	}
	return out
}

func (m *IOManager) contextFor(fd int) *fdContext {
	m.fdMu.RLock()
	if fd < len(m.fds) {
		fc := m.fds[fd]
		m.fdMu.RUnlock()
		return fc
	}
	m.fdMu.RUnlock()

	// Grow by half again plus one, same ratio the original uses, under the
	// exclusive lock; contextResize is idempotent so a lost race just
	// means two callers grow to slightly different sizes and the larger
	// one wins.
	m.contextResize(fd + fd/2 + 1)
	m.fdMu.RLock()
	defer m.fdMu.RUnlock()
	return m.fds[fd]
}

// AddEvent registers interest in ev on fd. If cb is nil, the currently
// running fiber is captured and resumed when the event fires; otherwise cb
// is scheduled. It returns ErrEventExists if ev is already registered on
// fd.
func (m *IOManager) AddEvent(fd int, ev Event, cb func()) error {
	fc := m.contextFor(fd)

	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.events&ev != 0 {
		return ErrEventExists
	}
	op := unix.EPOLL_CTL_ADD
	if fc.events != None {
		op = unix.EPOLL_CTL_MOD
	}
	epEvent := unix.EpollEvent{Events: unix.EPOLLET | toEpollMask(fc.events|ev), Fd: int32(fd)}
	if err := unix.EpollCtl(m.epfd, op, fd, &epEvent); err != nil {
		return fmt.Errorf("ioruntime: epoll_ctl add fd %d: %w", fd, err)
	}

	m.pending.Add(1)
	fc.events |= ev

	slot := fc.slot(ev)
	slot.scheduler = m.Scheduler
	if cb != nil {
		slot.cb = cb
		return nil
	}
	f := fiber.Current()
	if f.State() != fiber.Running {
		panic("ioruntime: AddEvent with no callback must be called from the fiber it will resume")
	}
	slot.fiber = f
	return nil
}

// DelEvent unregisters ev on fd without running whatever was waiting on
// it. It returns false if fd is unknown or ev was not registered.
func (m *IOManager) DelEvent(fd int, ev Event) bool {
	fc := m.existingContextFor(fd)
	if fc == nil {
		return false
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.events&ev == 0 {
		return false
	}
	newEvents := fc.events &^ ev
	if !m.rewriteEpollInterest(fd, newEvents) {
		return false
	}
	m.pending.Add(-1)
	fc.events = newEvents
	fc.slot(ev).reset()
	return true
}

// CancelEvent unregisters ev on fd and immediately schedules whatever was
// waiting on it, as if the event had fired. It returns false if fd is
// unknown or ev was not registered.
func (m *IOManager) CancelEvent(fd int, ev Event) bool {
	fc := m.existingContextFor(fd)
	if fc == nil {
		return false
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.events&ev == 0 {
		return false
	}
	newEvents := fc.events &^ ev
	if !m.rewriteEpollInterest(fd, newEvents) {
		return false
	}
	m.pending.Add(-1)
	fc.triggerEvent(ev)
	return true
}

// CancelAll unregisters every event on fd and schedules whatever was
// waiting on each. It returns false if fd is unknown or has no events
// registered.
func (m *IOManager) CancelAll(fd int) bool {
	fc := m.existingContextFor(fd)
	if fc == nil {
		return false
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.events == None {
		return false
	}
	epEvent := unix.EpollEvent{Events: 0, Fd: int32(fd)}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, &epEvent); err != nil {
		return false
	}
	if fc.events&Read != 0 {
		fc.triggerEvent(Read)
		m.pending.Add(-1)
	}
	if fc.events&Write != 0 {
		fc.triggerEvent(Write)
		m.pending.Add(-1)
	}
	return true
}

func (m *IOManager) existingContextFor(fd int) *fdContext {
	m.fdMu.RLock()
	defer m.fdMu.RUnlock()
	if fd >= len(m.fds) {
		return nil
	}
	return m.fds[fd]
}

func (m *IOManager) rewriteEpollInterest(fd int, remaining Event) bool {
	op := unix.EPOLL_CTL_MOD
	if remaining == None {
		op = unix.EPOLL_CTL_DEL
	}
	epEvent := unix.EpollEvent{Events: unix.EPOLLET | toEpollMask(remaining), Fd: int32(fd)}
	return unix.EpollCtl(m.epfd, op, fd, &epEvent) == nil
}

// PendingEvents reports how many fd/event registrations are currently
// outstanding, for diagnostics.
func (m *IOManager) PendingEvents() int64 {
	return m.pending.Load()
}

// Stopping reports whether the manager has no pending timers, no pending
// fd events, and its underlying scheduler has nothing left to drain.
func (m *IOManager) Stopping() bool {
	return m.Manager.NextTimeout() < 0 && m.pending.Load() == 0 && m.Scheduler.Stopping()
}

// Stop drains the scheduler and releases the epoll instance and tickle
// pipe.
func (m *IOManager) Stop() error {
	err := m.Scheduler.Stop()
	unix.Close(m.epfd)
	unix.Close(m.tickleR)
	unix.Close(m.tickleW)
	return err
}

func (m *IOManager) pipeTickle() {
	if !m.Scheduler.HasIdleThreads() {
		return
	}
	for {
		_, err := unix.Write(m.tickleW, []byte{'T'})
		if err == unix.EINTR {
			continue
		}
		return
	}
}

func (m *IOManager) drainTickle() {
	var buf [256]byte
	for {
		n, err := unix.Read(m.tickleR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (m *IOManager) nextEpollTimeoutMs() int {
	d := m.Manager.NextTimeout()
	if d < 0 {
		return int(maxEpollTimeout / time.Millisecond)
	}
	if d > maxEpollTimeout {
		d = maxEpollTimeout
	}
	return int(d / time.Millisecond)
}

// idleLoop is installed as the scheduler's idle body via SetIdle. It
// blocks in epoll_wait until a readiness event, a tickle, or the next
// timer deadline, dispatches whatever became ready, then yields back to
// the worker loop — one idle() iteration per Yield, matching the
// original's "epoll_wait once, process, yield" idle body.
func (m *IOManager) idleLoop() {
	events := make([]unix.EpollEvent, maxEpollEvents)
	for !m.Stopping() {
		var n int
		for {
			var err error
			n, err = unix.EpollWait(m.epfd, events, m.nextEpollTimeoutMs())
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				if m.debug.Load() {
					fmt.Fprintf(os.Stderr, "ioruntime: epoll_wait: %v\n", err)
				}
				panic(fmt.Sprintf("ioruntime: epoll_wait: %v", err))
			}
			break
		}

		for _, cb := range m.Manager.ListExpired() {
			m.Scheduler.Schedule(cb, -1)
		}

		for i := 0; i < n; i++ {
			m.dispatch(events[i])
		}

		fiber.Yield()
	}
}

func (m *IOManager) dispatch(ev unix.EpollEvent) {
	fd := int(ev.Fd)
	if fd == m.tickleR {
		m.drainTickle()
		return
	}

	fc := m.existingContextFor(fd)
	if fc == nil {
		return
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	bits := ev.Events
	if bits&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		bits |= (unix.EPOLLIN | unix.EPOLLOUT) & toEpollMask(fc.events)
	}
	var real Event
	if bits&unix.EPOLLIN != 0 {
		real |= Read
	}
	if bits&unix.EPOLLOUT != 0 {
		real |= Write
	}
	if fc.events&real == None {
		return
	}

	left := fc.events &^ real
	op := unix.EPOLL_CTL_MOD
	if left == None {
		op = unix.EPOLL_CTL_DEL
	}
	epEvent := unix.EpollEvent{Events: unix.EPOLLET | toEpollMask(left), Fd: int32(fd)}
	if err := unix.EpollCtl(m.epfd, op, fd, &epEvent); err != nil {
		return
	}

	if real&Read != 0 {
		fc.triggerEvent(Read)
		m.pending.Add(-1)
	}
	if real&Write != 0 {
		fc.triggerEvent(Write)
		m.pending.Add(-1)
	}
}
