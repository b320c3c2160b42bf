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

import "sync"

// EventLoopThread owns exactly one goroutine running exactly one
// EventLoop. StartLoop blocks the caller until the loop goroutine has
// constructed its EventLoop and is ready to accept Channels, so callers
// never race against a nil loop.
type EventLoopThread struct {
	name       string
	threadInit func(*EventLoop)

	mu   sync.Mutex
	cond *sync.Cond
	loop *EventLoop

	wg sync.WaitGroup
}

// NewEventLoopThread creates a thread that, once started, runs
// threadInit (if non-nil) against its EventLoop before entering Loop.
func NewEventLoopThread(name string, threadInit func(*EventLoop)) *EventLoopThread {
	t := &EventLoopThread{name: name, threadInit: threadInit}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// StartLoop spawns the loop goroutine and blocks until its EventLoop
// exists, returning it.
func (t *EventLoopThread) StartLoop() *EventLoop {
	t.wg.Add(1)
	go t.runInThread()

	t.mu.Lock()
	for t.loop == nil {
		t.cond.Wait()
	}
	loop := t.loop
	t.mu.Unlock()
	return loop
}

// Join blocks until the loop goroutine has returned from Loop and
// released its poller.
func (t *EventLoopThread) Join() { t.wg.Wait() }

// Name returns the thread's diagnostic name, e.g. "greactor-server-worker3".
func (t *EventLoopThread) Name() string { return t.name }

func (t *EventLoopThread) runInThread() {
	defer t.wg.Done()

	loop := NewEventLoop()
	if t.threadInit != nil {
		t.threadInit(loop)
	}

	t.mu.Lock()
	t.loop = loop
	t.cond.Signal()
	t.mu.Unlock()

	loop.Loop()
	_ = loop.Close()
}
