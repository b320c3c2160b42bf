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

import "fmt"

// EventLoopThreadPool spreads accepted connections across a fixed pool of
// sub-reactor EventLoops, each on its own goroutine, using plain
// round-robin. It deliberately does not offer any other dispatch policy
// (e.g. consistent hashing on the peer address): the engine this is
// modeled on shipped exactly one policy and never wired a second one in.
type EventLoopThreadPool struct {
	baseLoop   *EventLoop
	name       string
	started    bool
	numThreads int
	next       int

	threads []*EventLoopThread
	loops   []*EventLoop
}

// NewEventLoopThreadPool creates a pool whose workers' loops name
// themselves "<name><index>" once started. baseLoop is returned by
// GetNextLoop whenever the pool has zero worker threads (numThreads==0),
// so a TcpServer always has somewhere to hand a new connection even
// before SetThreadNum is called.
func NewEventLoopThreadPool(baseLoop *EventLoop, name string) *EventLoopThreadPool {
	return &EventLoopThreadPool{baseLoop: baseLoop, name: name}
}

// SetThreadNum sets the number of sub-reactor threads. Must be called
// before Start.
func (p *EventLoopThreadPool) SetThreadNum(n int) { p.numThreads = n }

// Start spawns numThreads EventLoopThreads, running threadInit (if
// non-nil) on each worker loop, and on the base loop when numThreads==0.
func (p *EventLoopThreadPool) Start(threadInit func(*EventLoop)) {
	p.started = true
	for i := 0; i < p.numThreads; i++ {
		name := fmt.Sprintf("%s%d", p.name, i)
		t := NewEventLoopThread(name, threadInit)
		p.threads = append(p.threads, t)
		p.loops = append(p.loops, t.StartLoop())
	}
	if p.numThreads == 0 && threadInit != nil {
		threadInit(p.baseLoop)
	}
}

// GetNextLoop returns the next sub-reactor loop in round-robin order, or
// the base loop if the pool has no worker threads. Must only be called
// from the base loop's goroutine (the acceptor's), so it needs no lock.
func (p *EventLoopThreadPool) GetNextLoop() *EventLoop {
	loop := p.baseLoop
	if len(p.loops) > 0 {
		loop = p.loops[p.next]
		p.next = (p.next + 1) % len(p.loops)
	}
	return loop
}

// GetAllLoops returns every sub-reactor loop, or a single-element slice
// holding the base loop if the pool has no workers.
func (p *EventLoopThreadPool) GetAllLoops() []*EventLoop {
	if len(p.loops) == 0 {
		return []*EventLoop{p.baseLoop}
	}
	return p.loops
}

// Started reports whether Start has been called.
func (p *EventLoopThreadPool) Started() bool { return p.started }

// Join waits for every worker thread to exit, used during TcpServer
// shutdown after every loop has been told to Quit.
func (p *EventLoopThreadPool) Join() {
	for _, t := range p.threads {
		t.Join()
	}
}
