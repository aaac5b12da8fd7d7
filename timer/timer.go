// Package timer implements an ordered set of one-shot and recurring
// timers, the same role the scheduler's own ioscheduler/timer.cpp plays:
// a min-heap ordered by deadline, with cancel/refresh/reset by handle and
// a front-insertion hook so an owning I/O loop can wake up early.
package timer

import (
	"container/heap"
	"sync"
	"time"
)

// ClockRolloverWindow bounds how far the wall clock can jump backward
// before ListExpired treats it as a rollover and force-expires every
// pending timer rather than waiting out however long the clock has
// slipped. The original compared against a literal that, read as written,
// is 1000 hours rather than 1 — this realization uses the value the
// comment and surrounding code clearly intended.
const ClockRolloverWindow = time.Hour

// Timer is a single scheduled callback, returned by Manager.Add and
// Manager.AddCondition.
type Timer struct {
	manager   *Manager
	ms        time.Duration
	cb        func()
	recurring bool
	next      time.Time
	index     int // position in the manager's heap, -1 when not queued
}

// Cancel removes the timer before it fires. It returns false if the timer
// already fired (for one-shot timers) or was already cancelled.
func (t *Timer) Cancel() bool {
	m := t.manager
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.cb == nil {
		return false
	}
	t.cb = nil
	if t.index >= 0 {
		heap.Remove(&m.timers, t.index)
	}
	return true
}

// Refresh pushes the timer's deadline out by its original interval,
// measured from now, without changing that interval.
func (t *Timer) Refresh() bool {
	m := t.manager
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.cb == nil || t.index < 0 {
		return false
	}
	heap.Remove(&m.timers, t.index)
	t.next = time.Now().Add(t.ms)
	heap.Push(&m.timers, t)
	return true
}

// Reset changes the timer's interval. If fromNow is true the new deadline
// is measured from the current time; otherwise it is measured from the
// timer's original start time, so shortening the interval of a timer that
// already has elapsed time against it can make it due immediately.
func (t *Timer) Reset(d time.Duration, fromNow bool) bool {
	m := t.manager
	m.mu.Lock()
	if t.cb == nil || t.index < 0 {
		m.mu.Unlock()
		return false
	}
	if d == t.ms && !fromNow {
		m.mu.Unlock()
		return true
	}
	heap.Remove(&m.timers, t.index)
	start := t.next.Add(-t.ms)
	if fromNow {
		start = time.Now()
	}
	t.ms = d
	t.next = start.Add(d)
	m.mu.Unlock()
	m.insert(t)
	return true
}

// Manager holds an ordered set of timers and answers "how long until the
// next one fires" and "which ones have fired" — the two questions an
// event loop's idle/poll phase needs answered every iteration.
type Manager struct {
	mu                sync.Mutex
	timers            timerHeap
	tickled           bool
	previousTime      time.Time
	onInsertedAtFront func()
}

// NewManager creates an empty timer manager.
func NewManager() *Manager {
	return &Manager{previousTime: time.Now()}
}

// SetOnInsertedAtFront installs a hook called whenever a newly added timer
// becomes the soonest-due one, so an owning poll loop blocked on a longer
// timeout can be woken early. Composition stands in for the original's
// virtual onTimerInsertedAtFront override.
func (m *Manager) SetOnInsertedAtFront(hook func()) {
	m.mu.Lock()
	m.onInsertedAtFront = hook
	m.mu.Unlock()
}

// Add schedules cb to run after d, once or, if recurring is true, every d
// thereafter.
func (m *Manager) Add(d time.Duration, cb func(), recurring bool) *Timer {
	t := &Timer{manager: m, ms: d, cb: cb, recurring: recurring, next: time.Now().Add(d), index: -1}
	m.insert(t)
	return t
}

// AddCondition schedules cb like Add, but skips invoking it if cond
// returns false when the timer fires. This plays the role the original's
// weak_ptr-gated condition timer plays (skip the callback once whatever
// it was about has gone away), expressed as an explicit predicate since Go
// has no portable standard weak pointer in the corpus this runtime is
// built from.
func (m *Manager) AddCondition(d time.Duration, cb func(), cond func() bool, recurring bool) *Timer {
	wrapped := func() {
		if cond == nil || cond() {
			cb()
		}
	}
	return m.Add(d, wrapped, recurring)
}

func (m *Manager) insert(t *Timer) {
	m.mu.Lock()
	heap.Push(&m.timers, t)
	atFront := t.index == 0 && !m.tickled
	if atFront {
		m.tickled = true
	}
	hook := m.onInsertedAtFront
	m.mu.Unlock()
	if atFront && hook != nil {
		hook()
	}
}

// NextTimeout reports how long the caller may block before the soonest
// timer is due: zero if one is already due, and a negative duration if no
// timer is pending at all (the caller should block indefinitely, or until
// otherwise woken).
func (m *Manager) NextTimeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickled = false
	if len(m.timers) == 0 {
		return -1
	}
	now := time.Now()
	next := m.timers[0].next
	if !now.Before(next) {
		return 0
	}
	return next.Sub(now)
}

// ListExpired pops every timer that is due (or, on a detected backward
// clock jump, every timer outright) and returns their callbacks for the
// caller to run outside the manager's lock. Recurring timers are
// re-armed before being reported.
func (m *Manager) ListExpired() []func() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	rollover := m.detectClockRollover(now)
	var cbs []func()
	// On rollover every timer present at entry expires outright, bounded to
	// the starting count. Re-armed recurring timers are pushed back only
	// after the pass, so they wait for the next call rather than expiring
	// again in this one.
	limit := len(m.timers)
	var rearmed []*Timer
	for i := 0; (rollover && i < limit) || (!rollover && len(m.timers) > 0 && !now.Before(m.timers[0].next)); i++ {
		t := heap.Pop(&m.timers).(*Timer)
		cbs = append(cbs, t.cb)
		if t.recurring {
			t.next = now.Add(t.ms)
			rearmed = append(rearmed, t)
		} else {
			t.cb = nil
		}
	}
	for _, t := range rearmed {
		heap.Push(&m.timers, t)
	}
	return cbs
}

// HasTimer reports whether any timer is currently pending.
func (m *Manager) HasTimer() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers) > 0
}

// Len returns the number of pending timers, for diagnostics.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *Manager) detectClockRollover(now time.Time) bool {
	rollover := now.Before(m.previousTime.Add(-ClockRolloverWindow))
	m.previousTime = now
	return rollover
}

type timerHeap []*Timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].next.Before(h[j].next) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
