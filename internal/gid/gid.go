// Package gid gives every goroutine a stable, process-local identity.
//
// The runtime package this module is built on (see thanhhungg97-jvm's
// runtime package) models a JVM with explicit per-thread call stacks, so it
// never needed this. Here a Fiber and a scheduler worker loop are each a
// long-lived goroutine, and several package-level accessors (fiber.Current,
// scheduler.Current, ioruntime.Current) need to answer "which one of those
// is the caller" without a handle being threaded through every call site —
// exactly the role thread_local plays in the C++ original. Go exposes no
// public goroutine id, so one is parsed out of a runtime.Stack trace. This
// is slower than a pointer comparison but only runs on the cold paths
// (fiber start/yield, scheduler bootstrap), never in a hot loop.
package gid

import (
	"bytes"
	"runtime"
	"strconv"
)

// Current returns the calling goroutine's id. Two calls from the same
// goroutine always return the same value; two concurrently running
// goroutines never return the same value.
func Current() int64 {
	buf := stackBuf()
	defer putStackBuf(buf)
	n := runtime.Stack(buf, false)
	return parseID(buf[:n])
}

// goroutine stack traces start with "goroutine 123 [running]:\n".
func parseID(b []byte) int64 {
	const prefix = "goroutine "
	b = bytes.TrimPrefix(b, []byte(prefix))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return -1
	}
	id, err := strconv.ParseInt(string(b[:i]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}

var stackBufPool = make(chan []byte, 64)

func stackBuf() []byte {
	select {
	case b := <-stackBufPool:
		return b
	default:
		return make([]byte, 64)
	}
}

func putStackBuf(b []byte) {
	select {
	case stackBufPool <- b:
	default:
	}
}
