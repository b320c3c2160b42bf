// Copyright (c) 2019 Andy Pan
// Copyright (c) 2018 Joshua J Baker
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package greactor

import (
	"sync"
	"sync/atomic"

	"github.com/lfzxb/greactor/internal/gid"
	"github.com/lfzxb/greactor/internal/logging"
)

// pollTimeoutMS bounds how long a single Loop iteration can block in
// epoll_wait, so a loop with no registered fds still wakes periodically.
const pollTimeoutMS = 10000

// activeLoops tracks, per goroutine, the EventLoop that goroutine
// constructed. "One loop per thread" in Go terms becomes "one loop per
// goroutine": a loop's Poller and Channel registry are only ever safe to
// touch from the goroutine that built them, so a second construction on
// the same goroutine is a programming error, not a race to recover from.
var activeLoops sync.Map

// EventLoop is the engine's central "one loop per thread" primitive: a
// single goroutine blocks in epoll_wait, dispatches ready Channels, then
// drains a cross-goroutine task queue before looping again. Every
// Channel, and therefore every TcpConnection and Acceptor, is owned by
// exactly one EventLoop for its entire lifetime.
type EventLoop struct {
	poller         *poller
	ownerGoroutine uint64

	looping int32
	quit    int32

	eventHandling  int32
	activeChannels []*Channel

	mu                  sync.Mutex
	pendingTasks        []func()
	callingPendingTasks int32
}

// NewEventLoop creates an EventLoop bound to the calling goroutine. It is
// fatal to call NewEventLoop twice from the same goroutine without first
// Close-ing the first loop, mirroring the one-loop-per-thread invariant.
func NewEventLoop() *EventLoop {
	g := gid.Current()
	if existing, loaded := activeLoops.Load(g); loaded {
		logging.Fatalf("EventLoop %p already exists in this goroutine, cannot create another", existing)
	}

	p, err := newPoller()
	if err != nil {
		logging.Fatalf("EventLoop: failed to open poller: %v", err)
	}

	loop := &EventLoop{poller: p, ownerGoroutine: g}
	activeLoops.Store(g, loop)
	return loop
}

// Loop runs the event loop until Quit is called. It must be called from
// the same goroutine that constructed the EventLoop.
func (l *EventLoop) Loop() {
	l.assertInLoopGoroutine()
	atomic.StoreInt32(&l.looping, 1)
	logging.Debugf("EventLoop %p start looping", l)

	for atomic.LoadInt32(&l.quit) == 0 {
		l.activeChannels = l.activeChannels[:0]
		now, err := l.poller.poll(pollTimeoutMS, &l.activeChannels)
		if err != nil {
			logging.LogErr(err)
			continue
		}

		atomic.StoreInt32(&l.eventHandling, 1)
		for _, c := range l.activeChannels {
			c.HandleEvent(now)
		}
		atomic.StoreInt32(&l.eventHandling, 0)

		l.doPendingTasks()
	}

	logging.Debugf("EventLoop %p stop looping", l)
	atomic.StoreInt32(&l.looping, 0)
}

// Quit schedules the loop to stop after its current iteration. Safe to
// call from any goroutine; when called from outside the loop's own
// goroutine it wakes a blocked epoll_wait immediately.
func (l *EventLoop) Quit() {
	atomic.StoreInt32(&l.quit, 1)
	if !l.IsInLoopGoroutine() {
		l.Wakeup()
	}
}

// IsInLoopGoroutine reports whether the calling goroutine is the one
// that owns this loop.
func (l *EventLoop) IsInLoopGoroutine() bool {
	return gid.Current() == l.ownerGoroutine
}

func (l *EventLoop) assertInLoopGoroutine() {
	if !l.IsInLoopGoroutine() {
		logging.Fatalf("EventLoop %p used from goroutine %d, but is owned by goroutine %d", l, gid.Current(), l.ownerGoroutine)
	}
}

// RunInLoop runs fn on the loop's goroutine: immediately if the caller is
// already on it, or queued for the next iteration otherwise.
func (l *EventLoop) RunInLoop(fn func()) {
	if l.IsInLoopGoroutine() {
		fn()
		return
	}
	l.QueueInLoop(fn)
}

// QueueInLoop always defers fn to the next time the loop drains its
// pending-task queue, even when called from the loop's own goroutine
// (useful from inside a callback that must not reenter itself).
func (l *EventLoop) QueueInLoop(fn func()) {
	l.mu.Lock()
	l.pendingTasks = append(l.pendingTasks, fn)
	l.mu.Unlock()

	if !l.IsInLoopGoroutine() || atomic.LoadInt32(&l.callingPendingTasks) == 1 {
		l.Wakeup()
	}
}

// doPendingTasks swaps the pending-task slice under the lock, then runs
// the swapped-out tasks without holding it, so a task that calls
// QueueInLoop on its own loop doesn't deadlock or get silently dropped.
func (l *EventLoop) doPendingTasks() {
	atomic.StoreInt32(&l.callingPendingTasks, 1)
	defer atomic.StoreInt32(&l.callingPendingTasks, 0)

	l.mu.Lock()
	tasks := l.pendingTasks
	l.pendingTasks = nil
	l.mu.Unlock()

	for _, fn := range tasks {
		fn()
	}
}

// Wakeup interrupts a blocked epoll_wait via the poller's eventfd.
func (l *EventLoop) Wakeup() {
	if err := l.poller.wakeup(); err != nil {
		logging.Errorf("EventLoop %p wakeup: %v", l, err)
	}
}

func (l *EventLoop) updateChannel(c *Channel) {
	l.assertInLoopGoroutine()
	l.poller.updateChannel(c)
}

func (l *EventLoop) removeChannel(c *Channel) {
	l.assertInLoopGoroutine()
	l.poller.removeChannel(c)
}

func (l *EventLoop) hasChannel(c *Channel) bool {
	l.assertInLoopGoroutine()
	return l.poller.hasChannel(c)
}

// Close releases the loop's poller and its registry entry. Must be
// called after Loop has returned.
func (l *EventLoop) Close() error {
	activeLoops.Delete(l.ownerGoroutine)
	return l.poller.close()
}
