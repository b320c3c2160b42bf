// Package gid extracts the calling goroutine's numeric id from its stack
// trace. The engine's "one loop per thread" invariant is checked against
// the goroutine that owns a loop rather than an OS thread id, since Go
// schedules goroutines onto OS threads rather than pinning them.
package gid

import (
	"bytes"
	"runtime"
	"strconv"
)

// Current returns the id of the calling goroutine.
//
// This parses the "goroutine N [running]:" header off a runtime.Stack
// dump. It is a well-known trick, not a stable API, but it is the only
// way to recover goroutine identity without cooperative threading of a
// context value through every call path that touches a loop.
func Current() uint64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	buf = buf[:n]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	if idx := bytes.IndexByte(buf, ' '); idx >= 0 {
		buf = buf[:idx]
	}
	id, _ := strconv.ParseUint(string(buf), 10, 64)
	return id
}
