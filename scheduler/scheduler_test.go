package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codefiber/fibercore/fiber"
)

func TestScheduleRunsCallback(t *testing.T) {
	s := New(2, false, "test")
	s.Start()

	var ran atomic.Bool
	done := make(chan struct{})
	s.Schedule(func() {
		ran.Store(true)
		close(done)
	}, -1)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never ran")
	}
	if !ran.Load() {
		t.Fatal("callback did not run")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestScheduleRunsFiber(t *testing.T) {
	s := New(1, false, "test")
	s.Start()

	done := make(chan struct{})
	f := fiber.New(func() { close(done) }, 0, true)
	s.Schedule(f, -1)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fiber never ran")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestManyTasksAllComplete(t *testing.T) {
	s := New(4, false, "test")
	s.Start()

	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	var count atomic.Int64
	for i := 0; i < n; i++ {
		s.Schedule(func() {
			count.Add(1)
			wg.Done()
		}, -1)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("only %d/%d tasks completed", count.Load(), n)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStatsTracksScheduledTaskCount(t *testing.T) {
	s := New(2, false, "test")
	s.Start()
	defer s.Stop()

	const n = 5
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		s.Schedule(func() { wg.Done() }, -1)
	}
	wg.Wait()

	if got := s.Stats().TasksScheduled; got != n {
		t.Fatalf("Stats().TasksScheduled = %d, want %d", got, n)
	}
}

func TestPanickingTaskIsContainedAndReported(t *testing.T) {
	s := New(1, false, "test")
	s.Start()

	s.Schedule(func() { panic("boom") }, -1)

	var ran atomic.Bool
	done := make(chan struct{})
	s.Schedule(func() {
		ran.Store(true)
		close(done)
	}, -1)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive the panicking task")
	}
	if !ran.Load() {
		t.Fatal("task scheduled after the panic never ran")
	}
	if err := s.Stop(); err == nil {
		t.Fatal("expected Stop to report the panic")
	}
}

func TestUseCallerDrainsOnStop(t *testing.T) {
	s := New(1, true, "test")
	s.Start()

	var ran atomic.Bool
	s.Schedule(func() { ran.Store(true) }, -1)

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !ran.Load() {
		t.Fatal("task never ran by the time Stop returned")
	}
}

func TestStoppingIsIdempotent(t *testing.T) {
	s := New(1, false, "test")
	s.Start()
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
